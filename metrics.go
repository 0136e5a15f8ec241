package tradepost

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the client-side collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	NotificationsAdded     *prometheus.CounterVec
	NotificationsDuplicate prometheus.Counter
	NotificationsUnread    prometheus.Gauge
	ChatRefresh            *prometheus.CounterVec
	ChatRefreshDropped     prometheus.Counter
	ChatPollSkipped        *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		NotificationsAdded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tradepost",
			Name:      "notifications_added_total",
			Help:      "Notifications inserted into the local feed.",
		}, []string{"origin"}),
		NotificationsDuplicate: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tradepost",
			Name:      "notifications_duplicate_total",
			Help:      "Notification inserts ignored because the id was already known.",
		}),
		NotificationsUnread: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tradepost",
			Name:      "notifications_unread",
			Help:      "Current unread notification count.",
		}),
		ChatRefresh: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tradepost",
			Name:      "chat_refresh_total",
			Help:      "Chat refreshes by result.",
		}, []string{"result"}),
		ChatRefreshDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tradepost",
			Name:      "chat_refresh_dropped_total",
			Help:      "Chat refreshes dropped because another was in flight.",
		}),
		ChatPollSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tradepost",
			Name:      "chat_poll_skipped_total",
			Help:      "Poll ticks skipped, by reason.",
		}, []string{"reason"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.NotificationsAdded,
			m.NotificationsDuplicate,
			m.NotificationsUnread,
			m.ChatRefresh,
			m.ChatRefreshDropped,
			m.ChatPollSkipped,
		)
	}
	return m
}

func (m *Metrics) notificationAdded(origin string) {
	if m != nil {
		m.NotificationsAdded.WithLabelValues(origin).Inc()
	}
}

func (m *Metrics) notificationDuplicate() {
	if m != nil {
		m.NotificationsDuplicate.Inc()
	}
}

func (m *Metrics) unread(n int) {
	if m != nil {
		m.NotificationsUnread.Set(float64(n))
	}
}

func (m *Metrics) chatRefresh(result string) {
	if m != nil {
		m.ChatRefresh.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) chatRefreshDropped() {
	if m != nil {
		m.ChatRefreshDropped.Inc()
	}
}

func (m *Metrics) chatPollSkipped(reason string) {
	if m != nil {
		m.ChatPollSkipped.WithLabelValues(reason).Inc()
	}
}
