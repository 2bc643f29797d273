package consumer

import "github.com/prometheus/client_golang/prometheus"

// Metrics counts consumer and replay outcomes per queue. A nil *Metrics
// records nothing.
type Metrics struct {
	Consumed     *prometheus.CounterVec
	Acked        *prometheus.CounterVec
	Quarantined  *prometheus.CounterVec
	Returned     *prometheus.CounterVec
	Undecodable  *prometheus.CounterVec
	Replayed     *prometheus.CounterVec
	ReplayFailed *prometheus.CounterVec
}

// NewMetrics builds the collectors and registers them with reg when reg is
// non-nil.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	counter := func(name, help string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "queuestash",
			Name:      name,
			Help:      help,
		}, []string{"queue"})
	}
	m := &Metrics{
		Consumed:     counter("consumed_total", "Messages consumed from a queue."),
		Acked:        counter("acked_total", "Messages handled and acknowledged."),
		Quarantined:  counter("quarantined_total", "Messages moved to quarantine after a failure."),
		Returned:     counter("returned_total", "Messages returned to their queue because quarantine failed."),
		Undecodable:  counter("undecodable_total", "Messages whose payload could not be decoded."),
		Replayed:     counter("replayed_total", "Quarantined messages replayed onto their original queue."),
		ReplayFailed: counter("replay_failed_total", "Quarantined messages whose replay failed."),
	}
	if reg != nil {
		for _, c := range []prometheus.Collector{m.Consumed, m.Acked, m.Quarantined, m.Returned, m.Undecodable, m.Replayed, m.ReplayFailed} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

func (m *Metrics) consumed(queue string) {
	if m != nil {
		m.Consumed.WithLabelValues(queue).Inc()
	}
}

func (m *Metrics) acked(queue string) {
	if m != nil {
		m.Acked.WithLabelValues(queue).Inc()
	}
}

func (m *Metrics) quarantined(queue string) {
	if m != nil {
		m.Quarantined.WithLabelValues(queue).Inc()
	}
}

func (m *Metrics) returned(queue string) {
	if m != nil {
		m.Returned.WithLabelValues(queue).Inc()
	}
}

func (m *Metrics) undecodable(queue string) {
	if m != nil {
		m.Undecodable.WithLabelValues(queue).Inc()
	}
}

func (m *Metrics) replayed(queue string) {
	if m != nil {
		m.Replayed.WithLabelValues(queue).Inc()
	}
}

func (m *Metrics) replayFailed(queue string) {
	if m != nil {
		m.ReplayFailed.WithLabelValues(queue).Inc()
	}
}
