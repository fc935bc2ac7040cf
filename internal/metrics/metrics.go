package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	WSMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "im_ws_messages_total", Help: "WS上行消息数"},
		[]string{"action"},
	)
	MessageSendLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "im_send_latency_ms", Help: "私信发送延迟(入库+投递)", Buckets: prometheus.LinearBuckets(5, 5, 20)},
	)
	DeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "im_deliveries_total", Help: "实时投递结果"},
		[]string{"status"},
	)
	DeletesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "im_deletes_total", Help: "删除操作（hide/hard/clear）"},
		[]string{"mode"},
	)
	LiveConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "im_live_connections", Help: "当前注册的推送连接数"},
	)
	ChatListCacheTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "im_chatlist_cache_total", Help: "会话列表缓存命中情况"},
		[]string{"result"},
	)
)

func Init() {
	prometheus.MustRegister(WSMessagesTotal)
	prometheus.MustRegister(MessageSendLatency)
	prometheus.MustRegister(DeliveriesTotal)
	prometheus.MustRegister(DeletesTotal)
	prometheus.MustRegister(LiveConnections)
	prometheus.MustRegister(ChatListCacheTotal)
}
