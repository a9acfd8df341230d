package device

import (
	"sync/atomic"
)

// Metrics contains atomic metrics of a device.
// Metrics can be used as the value of a prometheus CounterFunc or GaugeFunc, see RegisterMetrics.
type Metrics struct {
	// ConnectAttemptCount indicates the number of sockets allocated for a TCP handshake.
	ConnectAttemptCount atomic.Uint64
	// ConnectCount indicates the number of completed TCP handshakes.
	ConnectCount atomic.Uint64
	// ConnectTimeoutCount indicates the number of handshakes aborted by the response timeout.
	ConnectTimeoutCount atomic.Uint64
	// ReconnectCount indicates the number of reconnect attempts started by the reconnect timer.
	ReconnectCount atomic.Uint64
	// ConnRetryGauge indicates the number of consecutive reconnect attempts since the last handshake.
	ConnRetryGauge atomic.Uint32

	// BytesSentCount indicates the number of bytes written to the device.
	BytesSentCount atomic.Uint64
	// BytesRecvCount indicates the number of bytes read from the device.
	BytesRecvCount atomic.Uint64

	// RequestCount indicates the number of requests issued.
	RequestCount atomic.Uint64
	// RequestTimeoutCount indicates the number of requests that timed out.
	RequestTimeoutCount atomic.Uint64
	// RequestFailureCount indicates the number of requests rejected by a failure pattern.
	RequestFailureCount atomic.Uint64
	// RequestInflightCount indicates the number of pending requests.
	RequestInflightCount atomic.Int64
}

func (m *Metrics) incConnectAttemptCount() { m.ConnectAttemptCount.Add(1) }

func (m *Metrics) incConnectCount() { m.ConnectCount.Add(1) }

func (m *Metrics) incConnectTimeoutCount() { m.ConnectTimeoutCount.Add(1) }

func (m *Metrics) incReconnectCount() { m.ReconnectCount.Add(1) }

func (m *Metrics) incConnRetryGauge() { m.ConnRetryGauge.Add(1) }

func (m *Metrics) resetConnRetryGauge() { m.ConnRetryGauge.Store(0) }

func (m *Metrics) addBytesSent(n int) { m.BytesSentCount.Add(uint64(n)) }

func (m *Metrics) addBytesRecv(n int) { m.BytesRecvCount.Add(uint64(n)) }

func (m *Metrics) incRequestCount() { m.RequestCount.Add(1) }

func (m *Metrics) incRequestTimeoutCount() { m.RequestTimeoutCount.Add(1) }

func (m *Metrics) incRequestFailureCount() { m.RequestFailureCount.Add(1) }

func (m *Metrics) incRequestInflightCount() { m.RequestInflightCount.Add(1) }

func (m *Metrics) decRequestInflightCount() { m.RequestInflightCount.Add(-1) }
