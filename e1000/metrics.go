//go:build linux

package e1000

import "github.com/rcrowley/go-metrics"

// Counter names registered by every Device.
const (
	MetricTxPackets = "e1000.tx.packets"
	MetricTxBytes   = "e1000.tx.bytes"
	MetricTxFull    = "e1000.tx.full"
	MetricTxTooLong = "e1000.tx.too_long"
	MetricRxPackets = "e1000.rx.packets"
	MetricRxBytes   = "e1000.rx.bytes"
	MetricRxTooLong = "e1000.rx.too_long"
)

type deviceMetrics struct {
	txPackets metrics.Counter
	txBytes   metrics.Counter
	txFull    metrics.Counter
	txTooLong metrics.Counter

	rxPackets metrics.Counter
	rxBytes   metrics.Counter
	rxTooLong metrics.Counter
}

func newDeviceMetrics(r metrics.Registry) *deviceMetrics {
	return &deviceMetrics{
		txPackets: metrics.GetOrRegisterCounter(MetricTxPackets, r),
		txBytes:   metrics.GetOrRegisterCounter(MetricTxBytes, r),
		txFull:    metrics.GetOrRegisterCounter(MetricTxFull, r),
		txTooLong: metrics.GetOrRegisterCounter(MetricTxTooLong, r),
		rxPackets: metrics.GetOrRegisterCounter(MetricRxPackets, r),
		rxBytes:   metrics.GetOrRegisterCounter(MetricRxBytes, r),
		rxTooLong: metrics.GetOrRegisterCounter(MetricRxTooLong, r),
	}
}
