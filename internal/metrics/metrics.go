package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	WSEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "chat_ws_events_total", Help: "WS上行动作数"},
		[]string{"action"},
	)
	EventsPushedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "chat_events_pushed_total", Help: "下行事件推送数"},
		[]string{"event"},
	)
	EventsDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "chat_events_dropped_total", Help: "目标不在线被丢弃的事件数"},
		[]string{"event"},
	)
	SendLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "chat_send_latency_ms", Help: "消息发送端到端延迟(近似)", Buckets: prometheus.LinearBuckets(5, 5, 20)},
	)
	OnlineSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "chat_online_sessions", Help: "当前在线会话数"},
	)
)

func Init() {
	prometheus.MustRegister(WSEventsTotal)
	prometheus.MustRegister(EventsPushedTotal)
	prometheus.MustRegister(EventsDroppedTotal)
	prometheus.MustRegister(SendLatency)
	prometheus.MustRegister(OnlineSessions)
}
