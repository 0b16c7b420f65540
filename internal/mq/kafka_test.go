package mq

import "testing"

func TestNilProducerIsSafe(t *testing.T) {
	// 审计流未配置时路由器持有 nil 生产者，推送与关闭都必须是 no-op
	var p *EventProducer
	p.PublishEvent("u1", []byte(`{"event":"user_status"}`))
	if err := p.Close(); err != nil {
		t.Fatalf("nil Close: %v", err)
	}

	empty := &EventProducer{}
	empty.PublishEvent("u1", nil)
	if err := empty.Close(); err != nil {
		t.Fatalf("empty Close: %v", err)
	}
}
