//go:build linux

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"gopkg.in/yaml.v3"

	"github.com/romshark/e1000-go/devstat"
	"github.com/romshark/e1000-go/e1000"
	"github.com/romshark/e1000-go/e1000/reg"
	"github.com/romshark/e1000-go/frame"
	"github.com/romshark/e1000-go/logging"
	"github.com/romshark/e1000-go/netif"
	"github.com/romshark/e1000-go/nicsim"
	"github.com/romshark/e1000-go/ratelimit"
)

type Stats struct {
	TxPackets atomic.Uint64
	TxBytes   atomic.Uint64

	RxPackets  atomic.Uint64
	RxBytes    atomic.Uint64
	OutOfOrder atomic.Uint64
	Malformed  atomic.Uint64

	Elapsed atomic.Int64
}

// Report is the outcome of one benchmark run.
type Report struct {
	Elapsed    time.Duration
	TxPackets  uint64
	TxBytes    uint64
	RxPackets  uint64
	RxBytes    uint64
	OutOfOrder uint64
	Malformed  uint64
	// Missed counts frames the simulated controller dropped for lack of
	// receive descriptors.
	Missed uint64
	Device devstat.Stats
}

var errAllReceived = errors.New("all frames received")

// run sends conf.Count frames through a loopback controller and receives
// them back, with the sender, the receiver and the simulated DMA engine
// each on its own goroutine.
func run(ctx context.Context, l *logrus.Logger, conf *Config, stats *Stats) (*Report, error) {
	sim := nicsim.NewLoopback()

	drvConf := conf.Driver
	drvConf.Logger = l
	dev, err := e1000.New(sim, sim, drvConf)
	if err != nil {
		return nil, fmt.Errorf("creating device: %w", err)
	}
	defer dev.Close()

	if err := dev.TxInit(); err != nil {
		return nil, fmt.Errorf("initializing transmit ring: %w", err)
	}
	if err := dev.RxInit(); err != nil {
		return nil, fmt.Errorf("initializing receive ring: %w", err)
	}

	b, err := frame.NewBuilder(frame.UDPSpec{
		SrcMAC:  dev.MAC(),
		DstMAC:  dev.MAC(),
		SrcIP:   net.ParseIP(conf.Frames.SrcIP),
		DstIP:   net.ParseIP(conf.Frames.DstIP),
		SrcPort: uint16(conf.Frames.SrcPort),
		DstPort: uint16(conf.Frames.DstPort),
		Size:    conf.Frames.Size,
	})
	if err != nil {
		return nil, err
	}

	if conf.Prometheus != nil {
		promCtx, cancelProm := context.WithCancel(ctx)
		defer cancelProm()
		go func() {
			err := devstat.ServePrometheus(promCtx, l, dev.Metrics(), *conf.Prometheus)
			if err != nil && !errors.Is(err, context.Canceled) {
				l.WithError(err).Error("prometheus exporter stopped")
			}
		}()
	}

	g, gctx := errgroup.WithContext(ctx)
	simCtx, cancelSim := context.WithCancel(gctx)
	defer cancelSim()
	rxCtx, cancelRx := context.WithCancel(gctx)
	defer cancelRx()
	rxDone := make(chan struct{})

	start := time.Now()

	g.Go(func() error {
		err := sim.Run(simCtx, conf.Sim.Idle)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		defer close(rxDone)
		// The receiver is the last one out: all frames it can get have
		// been transmitted, so the DMA engine can stop.
		defer cancelSim()

		var next uint32
		err := netif.RunReceiver(rxCtx, dev, e1000.RxBufferSize, netif.DefaultBackoff,
			func(f []byte) error {
				stats.RxPackets.Add(1)
				stats.RxBytes.Add(uint64(len(f)))
				info, err := frame.ParseUDP(f)
				switch {
				case err != nil:
					stats.Malformed.Add(1)
				case info.Seq != next:
					stats.OutOfOrder.Add(1)
					next = info.Seq + 1
				default:
					next++
				}
				if stats.RxPackets.Load() >= conf.Count {
					return errAllReceived
				}
				return nil
			})
		stats.Elapsed.Store(time.Since(start).Nanoseconds())
		if errors.Is(err, errAllReceived) || errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		err := runSender(gctx, dev, b, conf, stats)

		l.WithField("grace", conf.Grace).Debug("waiting for frames in flight")
		select {
		case <-rxDone:
		case <-time.After(conf.Grace):
		case <-gctx.Done():
		}
		cancelRx()
		return err
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return &Report{
		Elapsed:    time.Duration(stats.Elapsed.Load()),
		TxPackets:  stats.TxPackets.Load(),
		TxBytes:    stats.TxBytes.Load(),
		RxPackets:  stats.RxPackets.Load(),
		RxBytes:    stats.RxBytes.Load(),
		OutOfOrder: stats.OutOfOrder.Load(),
		Malformed:  stats.Malformed.Load(),
		Missed:     uint64(sim.Load32(reg.MPC)),
		Device:     devstat.Snapshot(dev.Metrics()),
	}, nil
}

func runSender(
	ctx context.Context, dev *e1000.Device, b *frame.Builder, conf *Config, stats *Stats,
) error {
	throttle := ratelimit.New(conf.PPS)
	for seq, n := uint64(0), conf.Count; seq < n; seq++ {
		f, err := b.Build(uint32(seq))
		if err != nil {
			return err
		}
		if err := netif.Send(ctx, dev, f, netif.DefaultBackoff); err != nil {
			return fmt.Errorf("sending frame %d: %w", seq, err)
		}
		stats.TxPackets.Add(1)
		stats.TxBytes.Add(uint64(len(f)))
		if err := throttle.WaitN(ctx, 1); err != nil {
			return err
		}
	}
	return nil
}

func printProgress(ctx context.Context, w io.Writer, stats *Stats) {
	t := time.NewTicker(time.Second)
	defer t.Stop()

	var lastTxPkts, lastTxBytes uint64
	var lastRxPkts, lastRxBytes uint64
	lastTime := time.Now()

	for {
		var now time.Time
		select {
		case <-ctx.Done():
			return
		case now = <-t.C:
		}
		dt := now.Sub(lastTime).Seconds()
		lastTime = now

		txPkts := stats.TxPackets.Load()
		rxPkts := stats.RxPackets.Load()
		txBytes := stats.TxBytes.Load()
		rxBytes := stats.RxBytes.Load()

		txPPS := uint64(float64(txPkts-lastTxPkts) / dt)
		rxPPS := uint64(float64(rxPkts-lastRxPkts) / dt)
		txMbps := float64((txBytes-lastTxBytes)*8) / 1e6 / dt
		rxMbps := float64((rxBytes-lastRxBytes)*8) / 1e6 / dt

		lastTxPkts, lastTxBytes = txPkts, txBytes
		lastRxPkts, lastRxBytes = rxPkts, rxBytes

		fmt.Fprintf(w,
			"TX=%d RX=%d TX-PPS=%d RX-PPS=%d TX-Mbps=%.1f RX-Mbps=%.1f\n",
			txPkts, rxPkts, txPPS, rxPPS, txMbps, rxMbps,
		)
	}
}

func printReport(w io.Writer, r *Report) {
	elapsed := r.Elapsed.Seconds()
	drops := r.TxPackets - r.RxPackets
	txAvgPPS := uint64(float64(r.TxPackets) / elapsed)
	rxAvgPPS := uint64(float64(r.RxPackets) / elapsed)
	txAvgMbps := float64(r.TxBytes*8) / 1e6 / elapsed
	rxAvgMbps := float64(r.RxBytes*8) / 1e6 / elapsed

	p := message.NewPrinter(language.English)

	p.Fprint(w, "\nFINAL REPORT\n")
	p.Fprintf(w, " Elapsed:           %.3f s\n", elapsed)
	p.Fprintf(w, " TX:                %d packets\n", r.TxPackets)
	p.Fprintf(w, " RX:                %d packets\n", r.RxPackets)
	p.Fprintf(w, " TX Avg PPS:        %d\n", txAvgPPS)
	p.Fprintf(w, " RX Avg PPS:        %d\n", rxAvgPPS)
	p.Fprintf(w, " TX Avg rate:       %.1f Mbps\n", txAvgMbps)
	p.Fprintf(w, " RX Avg rate:       %.1f Mbps\n", rxAvgMbps)
	p.Fprintf(w, " TX ring full:      %d\n", r.Device[devstat.TxFull])
	p.Fprintf(w, " Missed (MPC):      %d\n", r.Missed)
	p.Fprintf(w, " Out of order:      %d\n", r.OutOfOrder)
	p.Fprintf(w, " Malformed:         %d\n", r.Malformed)
	p.Fprintf(w, " Dropped:           %d (%.4f%%)\n",
		drops, float64(drops)/float64(r.TxPackets)*100)
}

func fatalIf(l *logrus.Logger, err error, msg string) {
	if err != nil {
		l.WithError(err).Fatal(msg)
	}
}

func main() {
	l := logrus.New()

	conf, err := loadConfig(os.Args[1:])
	fatalIf(l, err, "reading config")
	fatalIf(l, logging.Configure(l, conf.Logging), "configuring logger")

	fmt.Fprintf(os.Stderr, "FINAL CONFIG:\n")
	b, err := yaml.Marshal(conf)
	fatalIf(l, err, "encoding final YAML config")
	_, _ = os.Stderr.Write(b)
	fmt.Fprintln(os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var stats Stats
	progressCtx, stopProgress := context.WithCancel(ctx)
	go printProgress(progressCtx, os.Stdout, &stats)

	report, err := run(ctx, l, conf, &stats)
	stopProgress()
	fatalIf(l, err, "running benchmark")

	printReport(os.Stdout, report)
	_ = devstat.Print(os.Stdout, map[string]devstat.Stats{"nicsim": report.Device})
}
