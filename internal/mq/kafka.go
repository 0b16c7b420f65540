package mq

import (
	"strings"

	"github.com/IBM/sarama"
)

// DefaultEventTopic 事件审计流的缺省主题。
const DefaultEventTopic = "chat-events"

// EventProducer 把路由成功的下行事件异步写入审计主题。
// 分区键是目标用户 id，同一用户的事件在分区内保持投递顺序。
// 仅作观测用途：写入失败不影响在线投递，也不构成离线收件箱。
type EventProducer struct {
	async sarama.AsyncProducer
	topic string
}

func NewEventProducer(brokersCSV, topic string) (*EventProducer, error) {
	if topic == "" {
		topic = DefaultEventTopic
	}
	brokers := []string{}
	if brokersCSV != "" {
		brokers = strings.Split(brokersCSV, ",")
	}
	cfg := sarama.NewConfig()
	cfg.Producer.Compression = sarama.CompressionSnappy
	cfg.Producer.Partitioner = sarama.NewHashPartitioner
	cfg.Producer.Return.Successes = false
	cfg.Producer.Return.Errors = false
	p, err := sarama.NewAsyncProducer(brokers, cfg)
	if err != nil {
		return nil, err
	}
	return &EventProducer{async: p, topic: topic}, nil
}

// PublishEvent 异步写入一条已编码的事件帧，userID 作为分区键。
func (p *EventProducer) PublishEvent(userID string, event []byte) {
	if p == nil || p.async == nil {
		return
	}
	p.async.Input() <- &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(userID),
		Value: sarama.ByteEncoder(event),
	}
}

func (p *EventProducer) Close() error {
	if p == nil || p.async == nil {
		return nil
	}
	return p.async.Close()
}
