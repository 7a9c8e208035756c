package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus exports events as a counter vector labelled by event name.
type Prometheus struct {
	events   *prometheus.CounterVec
	counters [eventCount]prometheus.Counter
}

// NewPrometheus registers the event counter on reg. Label values are
// pre-resolved so Observe never allocates.
func NewPrometheus(reg prometheus.Registerer, namespace string) (*Prometheus, error) {
	events := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_total",
		Help:      "Gateway events by type.",
	}, []string{"event"})
	if err := reg.Register(events); err != nil {
		return nil, err
	}

	p := &Prometheus{events: events}
	for e := Event(0); e < eventCount; e++ {
		p.counters[e] = events.WithLabelValues(e.String())
	}
	return p, nil
}

func (p *Prometheus) Observe(e Event) {
	if e < 0 || e >= eventCount {
		return
	}
	p.counters[e].Inc()
}

// RegisterGauge exposes a live value (connection count, room count, ...)
// sampled at scrape time.
func RegisterGauge(reg prometheus.Registerer, namespace, name, help string, fn func() float64) error {
	return reg.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn))
}
