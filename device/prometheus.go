package device

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const metricNamespace = "tcpdev"

// RegisterMetrics registers the metrics of m on reg, labelled with the given constant labels.
//
// Registering the metrics of two devices on the same registry requires distinct labels,
// e.g. prometheus.Labels{"device": addr}.
func RegisterMetrics(reg prometheus.Registerer, m *Metrics, labels prometheus.Labels) error {
	counter := func(name, help string, v func() uint64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace:   metricNamespace,
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		}, func() float64 { return float64(v()) })
	}
	gauge := func(name, help string, v func() float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   metricNamespace,
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		}, v)
	}

	collectors := []prometheus.Collector{
		counter("connect_attempts_total", "Number of TCP handshakes started.", m.ConnectAttemptCount.Load),
		counter("connects_total", "Number of completed TCP handshakes.", m.ConnectCount.Load),
		counter("connect_timeouts_total", "Number of TCP handshakes aborted by timeout.", m.ConnectTimeoutCount.Load),
		counter("reconnects_total", "Number of reconnect attempts.", m.ReconnectCount.Load),
		counter("sent_bytes_total", "Number of bytes written to the device.", m.BytesSentCount.Load),
		counter("received_bytes_total", "Number of bytes read from the device.", m.BytesRecvCount.Load),
		counter("requests_total", "Number of requests issued.", m.RequestCount.Load),
		counter("request_timeouts_total", "Number of requests that timed out.", m.RequestTimeoutCount.Load),
		counter("request_failures_total", "Number of requests rejected by a failure response.", m.RequestFailureCount.Load),
		gauge("requests_inflight", "Number of pending requests.", func() float64 {
			return float64(m.RequestInflightCount.Load())
		}),
		gauge("connect_retries", "Consecutive reconnect attempts since the last handshake.", func() float64 {
			return float64(m.ConnRetryGauge.Load())
		}),
	}

	var errs []error
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
