package middleware

import (
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/miladsoleymani/eventbus/core"
)

const (
	namespace = "eventbus"

	StatusSuccess = "success"
	StatusFailure = "failure"
	StatusError   = "error"
)

// PrometheusCollector implements MetricsCollector and PublishMetricsCollector
// on Prometheus counters and histograms.
type PrometheusCollector struct {
	handled         *prometheus.CounterVec
	handleDuration  *prometheus.HistogramVec
	published       *prometheus.CounterVec
	publishDuration *prometheus.HistogramVec
	publishAttempts *prometheus.HistogramVec
}

// NewPrometheusCollector creates the collector and registers its metrics with reg.
func NewPrometheusCollector(reg prometheus.Registerer) (*PrometheusCollector, error) {
	c := &PrometheusCollector{
		handled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_handled_total",
			Help:      "Messages handled, by subscription and status.",
		}, []string{"subscription", "status"}),
		handleDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "message_handle_duration_seconds",
			Help:      "Time spent in the handler pipeline.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"subscription"}),
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_published_total",
			Help:      "Messages published, by destination and outcome.",
		}, []string{"destination", "outcome"}),
		publishDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "message_publish_duration_seconds",
			Help:      "Time spent publishing one message, including retries.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"destination"}),
		publishAttempts: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "message_publish_attempts",
			Help:      "Attempts made per published message.",
			Buckets:   []float64{1, 2, 3, 4, 5, 6, 8, 10},
		}, []string{"destination"}),
	}

	for _, col := range []prometheus.Collector{c.handled, c.handleDuration, c.published, c.publishDuration, c.publishAttempts} {
		if err := reg.Register(col); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return nil, fmt.Errorf("register metric: %w", err)
		}
	}
	return c, nil
}

func (c *PrometheusCollector) MessageProcessed(subscription string, duration time.Duration, ok bool, err error) {
	status := StatusSuccess
	switch {
	case err != nil:
		status = StatusError
	case !ok:
		status = StatusFailure
	}
	c.handled.WithLabelValues(subscription, status).Inc()
	c.handleDuration.WithLabelValues(subscription).Observe(duration.Seconds())
}

func (c *PrometheusCollector) MessagePublished(resp core.MessageResponse, duration time.Duration) {
	dest := resp.Destination.String()
	outcome := core.OutcomeSucceeded
	if resp.Err != nil {
		outcome = core.OutcomeFailed
	}
	c.published.WithLabelValues(dest, outcome.String()).Inc()
	c.publishDuration.WithLabelValues(dest).Observe(duration.Seconds())
	if resp.Attempts > 0 {
		c.publishAttempts.WithLabelValues(dest).Observe(float64(resp.Attempts))
	}
}
