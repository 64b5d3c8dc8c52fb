//go:build linux

// Package devstat reads the driver's counters from a metrics registry,
// prints them and exports them to Prometheus.
package devstat

import (
	"fmt"
	"io"
	"slices"

	"github.com/dustin/go-humanize"
	"github.com/rcrowley/go-metrics"

	"github.com/romshark/e1000-go/e1000"
)

type Counter int

const (
	TxPackets Counter = iota
	TxBytes
	TxFull
	TxTooLong
	RxPackets
	RxBytes
	RxTooLong
)

// All lists every counter a device registers.
var All = []Counter{TxPackets, TxBytes, TxFull, TxTooLong, RxPackets, RxBytes, RxTooLong}

// String returns the metric name the counter is registered under.
func (c Counter) String() string {
	switch c {
	case TxPackets:
		return e1000.MetricTxPackets
	case TxBytes:
		return e1000.MetricTxBytes
	case TxFull:
		return e1000.MetricTxFull
	case TxTooLong:
		return e1000.MetricTxTooLong
	case RxPackets:
		return e1000.MetricRxPackets
	case RxBytes:
		return e1000.MetricRxBytes
	case RxTooLong:
		return e1000.MetricRxTooLong
	}
	return ""
}

// Per-device values.
type Stats map[Counter]uint64

// Snapshot reads counters from r, or every counter if none are given.
// Counters that are not registered read as zero.
func Snapshot(r metrics.Registry, counters ...Counter) Stats {
	if len(counters) == 0 {
		counters = All
	}
	s := make(Stats, len(counters))
	for _, c := range counters {
		var v uint64
		if m, ok := r.Get(c.String()).(metrics.Counter); ok {
			v = uint64(m.Count())
		}
		s[c] = v
	}
	return s
}

// Since computes s(now) - old.
func (s Stats) Since(old Stats) Stats {
	diff := make(Stats, len(s))
	for ctr, v := range s {
		diff[ctr] = v - old[ctr]
	}
	return diff
}

// Print writes one block per device, devices sorted by name.
func Print(w io.Writer, devices map[string]Stats) error {
	names := make([]string, 0, len(devices))
	for name := range devices {
		names = append(names, name)
	}
	slices.Sort(names)

	for _, name := range names {
		s := devices[name]
		if _, err := fmt.Fprintf(w, "%s:\n", name); err != nil {
			return err
		}
		fmt.Fprintf(w, "  TX   %-12d  ≈ %-8s (%s)  full=%d too_long=%d\n",
			s[TxPackets], humanize.Bytes(s[TxBytes]), humanize.Comma(int64(s[TxBytes])),
			s[TxFull], s[TxTooLong],
		)
		fmt.Fprintf(w, "  RX   %-12d  ≈ %-8s (%s)  too_long=%d\n",
			s[RxPackets], humanize.Bytes(s[RxBytes]), humanize.Comma(int64(s[RxBytes])),
			s[RxTooLong],
		)
	}
	return nil
}
