//go:build linux

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/romshark/e1000-go/devstat"
	"github.com/romshark/e1000-go/e1000"
	"github.com/romshark/e1000-go/e1000/reg"
	"github.com/romshark/e1000-go/frame"
	"github.com/romshark/e1000-go/logging"
	"github.com/romshark/e1000-go/netif"
)

type Config struct {
	BAR        string                    `yaml:"bar"`
	Driver     e1000.Config              `yaml:"driver"`
	Logging    logging.Config            `yaml:"logging"`
	Prometheus *devstat.PrometheusConfig `yaml:"prometheus"`
}

func loadConfig() (*Config, error) {
	fConfig := flag.String("config", "", "path to optional config YAML file")
	fBAR := flag.String("bar", "", "PCI BAR0 resource file")
	fMetrics := flag.String("metrics", "", "Prometheus listen address, e.g. :9100")
	fLogLevel := flag.String("log-level", "", "Log level")
	flag.Parse()

	var conf Config
	if *fConfig != "" {
		b, err := os.ReadFile(*fConfig)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(b, &conf); err != nil {
			return nil, fmt.Errorf("parsing YAML: %w", err)
		}
	}
	if *fBAR != "" {
		conf.BAR = *fBAR
	}
	if *fMetrics != "" {
		if conf.Prometheus == nil {
			conf.Prometheus = &devstat.PrometheusConfig{}
		}
		conf.Prometheus.Listen = *fMetrics
	}
	if *fLogLevel != "" {
		conf.Logging.Level = *fLogLevel
	}

	if conf.BAR == "" {
		return nil, errors.New("bar must be set (or use -bar)")
	}
	if conf.Prometheus != nil {
		if err := conf.Prometheus.ValidateAndSetDefaults(); err != nil {
			return nil, err
		}
	}
	return &conf, nil
}

// seqTracker counts frames missing from the sender's sequence.
type seqTracker struct {
	started bool
	next    uint32
	lost    uint64
	udp     uint64
}

func (s *seqTracker) observe(data []byte) {
	info, err := frame.ParseUDP(data)
	if err != nil {
		return
	}
	s.udp++
	if s.started && info.Seq > s.next {
		s.lost += uint64(info.Seq - s.next)
	}
	s.started = true
	s.next = info.Seq + 1
}

func fatalIf(l *logrus.Logger, err error, msg string) {
	if err != nil {
		l.WithError(err).Fatal(msg)
	}
}

func main() {
	l := logrus.New()

	conf, err := loadConfig()
	fatalIf(l, err, "reading config")
	fatalIf(l, logging.Configure(l, conf.Logging), "configuring logger")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err = run(ctx, l, conf)
	stop()
	fatalIf(l, err, "receiving")
}

// run owns the device for its whole lifetime so every deferred release
// happens before main decides the exit code.
func run(ctx context.Context, l *logrus.Logger, conf *Config) error {
	regs, err := reg.MapBAR(conf.BAR)
	if err != nil {
		return fmt.Errorf("mapping registers: %w", err)
	}
	defer regs.Close()

	tr, err := e1000.OpenPagemap()
	if err != nil {
		return fmt.Errorf("opening pagemap: %w", err)
	}
	defer tr.Close()

	conf.Driver.Logger = l
	dev, err := e1000.New(regs, tr, conf.Driver)
	if err != nil {
		return fmt.Errorf("creating device: %w", err)
	}
	defer func() {
		if err := dev.Close(); err != nil {
			l.WithError(err).Error("closing device")
		}
	}()
	if err := dev.RxInit(); err != nil {
		return fmt.Errorf("initializing receive ring: %w", err)
	}

	l.WithField("bar", conf.BAR).
		WithField("mac", dev.MAC().String()).
		WithField("slots", dev.RxSlots()).
		Info("e1000 RX starting")

	g, ctx := errgroup.WithContext(ctx)

	var seq seqTracker
	g.Go(func() error {
		return netif.RunReceiver(ctx, dev, e1000.RxBufferSize, netif.DefaultBackoff,
			func(f []byte) error {
				seq.observe(f)
				return nil
			})
	})

	if conf.Prometheus != nil {
		g.Go(func() error {
			return devstat.ServePrometheus(ctx, l, dev.Metrics(), *conf.Prometheus)
		})
	}

	g.Go(func() error {
		ticker := time.NewTicker(1 * time.Second)
		defer ticker.Stop()

		var maxPPS, maxMbps float64
		last := devstat.Snapshot(dev.Metrics())
		lastTime := time.Now()

		for {
			select {
			case <-ctx.Done():
				return nil
			case now := <-ticker.C:
				cur := devstat.Snapshot(dev.Metrics())
				d := cur.Since(last)
				elapsed := now.Sub(lastTime).Seconds()

				pps := float64(d[devstat.RxPackets]) / elapsed
				mbps := float64(d[devstat.RxBytes]*8) / elapsed / 1e6
				maxPPS = max(maxPPS, pps)
				maxMbps = max(maxMbps, mbps)

				fmt.Printf(
					"total=%d | cur=%.0f pps %.2f Mbit/s | max=%.0f pps %.2f Mbit/s\n",
					cur[devstat.RxPackets], pps, mbps, maxPPS, maxMbps,
				)
				last, lastTime = cur, now
			}
		}
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		l.WithError(err).Error("receiver stopped")
	}

	fmt.Fprintf(os.Stderr, "udp=%d lost=%d\n", seq.udp, seq.lost)
	return devstat.Print(os.Stderr, map[string]devstat.Stats{
		conf.BAR: devstat.Snapshot(dev.Metrics()),
	})
}
