//go:build linux

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/romshark/e1000-go/devstat"
	"github.com/romshark/e1000-go/e1000"
	"github.com/romshark/e1000-go/e1000/reg"
	"github.com/romshark/e1000-go/frame"
	"github.com/romshark/e1000-go/logging"
	"github.com/romshark/e1000-go/netif"
	"github.com/romshark/e1000-go/ratelimit"
)

type Config struct {
	BAR     string         `yaml:"bar"`
	Driver  e1000.Config   `yaml:"driver"`
	Logging logging.Config `yaml:"logging"`

	DestMAC string `yaml:"dest-mac"`
	SrcIP   string `yaml:"src-ip"`
	DstIP   string `yaml:"dst-ip"`
	SrcPort int    `yaml:"src-port"`
	DstPort int    `yaml:"dst-port"`
	Count   uint64 `yaml:"count"`
	Size    int    `yaml:"size"`
	PPS     uint64 `yaml:"pps"`
}

func loadConfig() (*Config, error) {
	fConfig := flag.String("config", "", "path to optional config YAML file")
	fBAR := flag.String("bar", "", "PCI BAR0 resource file, "+
		"e.g. /sys/bus/pci/devices/0000:00:03.0/resource0")
	fDestMAC := flag.String("d", "", "Destination MAC")
	fSrcIP := flag.String("s", "", "Source IP")
	fDstIP := flag.String("D", "", "Destination IP")
	fPort := flag.Int("p", 0, "Destination port")
	fCount := flag.Uint64("n", 0, "Packets to send")
	fPktSize := flag.Int("l", 0, "Packet size (without FCS)")
	fPPS := flag.Uint64("pps", 0, "Packets per second (0 = unlimited)")
	fLogLevel := flag.String("log-level", "", "Log level")
	flag.Parse()

	conf := Config{SrcPort: 40000, DstPort: 12345, Size: 1000}
	if *fConfig != "" {
		b, err := os.ReadFile(*fConfig)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(b, &conf); err != nil {
			return nil, fmt.Errorf("parsing YAML: %w", err)
		}
	}

	// Apply CLI overrides if necessary.
	if *fBAR != "" {
		conf.BAR = *fBAR
	}
	if *fDestMAC != "" {
		conf.DestMAC = *fDestMAC
	}
	if *fSrcIP != "" {
		conf.SrcIP = *fSrcIP
	}
	if *fDstIP != "" {
		conf.DstIP = *fDstIP
	}
	if *fPort != 0 {
		conf.DstPort = *fPort
	}
	if *fCount != 0 {
		conf.Count = *fCount
	}
	if *fPktSize != 0 {
		conf.Size = *fPktSize
	}
	if *fPPS != 0 {
		conf.PPS = *fPPS
	}
	if *fLogLevel != "" {
		conf.Logging.Level = *fLogLevel
	}

	// Validate

	if conf.BAR == "" {
		return nil, errors.New("bar must be set (or use -bar)")
	}
	if _, err := net.ParseMAC(conf.DestMAC); err != nil {
		return nil, fmt.Errorf("invalid dest-mac %q: %w", conf.DestMAC, err)
	}
	if net.ParseIP(conf.SrcIP).To4() == nil {
		return nil, fmt.Errorf("invalid src-ip %q", conf.SrcIP)
	}
	if net.ParseIP(conf.DstIP).To4() == nil {
		return nil, fmt.Errorf("invalid dst-ip %q", conf.DstIP)
	}
	if conf.DstPort <= 0 || conf.DstPort > 65535 {
		return nil, errors.New("dst-port must be between 1-65535")
	}
	if conf.SrcPort <= 0 || conf.SrcPort > 65535 {
		return nil, errors.New("src-port must be between 1-65535")
	}
	if conf.Count == 0 {
		return nil, errors.New("count must be > 0")
	}
	if conf.Size < frame.MinSize || conf.Size > e1000.MaxFrameSize {
		return nil, fmt.Errorf("size must be between %d-%d", frame.MinSize, e1000.MaxFrameSize)
	}
	return &conf, nil
}

func fatalIf(l *logrus.Logger, err error, msg string) {
	if err != nil {
		l.WithError(err).Fatal(msg)
	}
}

// flushTimeout bounds the wait for posted frames before the transmitter is
// disabled.
const flushTimeout = time.Second

func main() {
	l := logrus.New()

	conf, err := loadConfig()
	fatalIf(l, err, "reading config")
	fatalIf(l, logging.Configure(l, conf.Logging), "configuring logger")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err = run(ctx, l, conf)
	stop()
	fatalIf(l, err, "sending")
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
	if err := dev.TxInit(); err != nil {
		return fmt.Errorf("initializing transmit ring: %w", err)
	}

	dstMAC, _ := net.ParseMAC(conf.DestMAC)
	b, err := frame.NewBuilder(frame.UDPSpec{
		SrcMAC:  dev.MAC(),
		DstMAC:  dstMAC,
		SrcIP:   net.ParseIP(conf.SrcIP),
		DstIP:   net.ParseIP(conf.DstIP),
		SrcPort: uint16(conf.SrcPort),
		DstPort: uint16(conf.DstPort),
		Size:    conf.Size,
	})
	if err != nil {
		return fmt.Errorf("preparing frames: %w", err)
	}

	l.WithField("bar", conf.BAR).
		WithField("dst_mac", dstMAC.String()).
		WithField("dst", fmt.Sprintf("%s:%d", conf.DstIP, conf.DstPort)).
		WithField("count", conf.Count).
		WithField("size", conf.Size).
		WithField("pps", conf.PPS).
		Info("e1000 TX starting")

	throttle := ratelimit.New(conf.PPS)
	var seq uint32
	var sent, bytes uint64
	start := time.Now()

	for sent < conf.Count {
		f, err := b.Build(seq)
		if err != nil {
			return fmt.Errorf("building frame: %w", err)
		}
		if err := netif.Send(ctx, dev, f, netif.DefaultBackoff); err != nil {
			if errors.Is(err, context.Canceled) {
				break
			}
			return fmt.Errorf("transmitting: %w", err)
		}
		seq++
		sent++
		bytes += uint64(len(f))
		if err := throttle.WaitN(ctx, 1); err != nil {
			break
		}
	}

	// Let the device finish what is already posted; ctx may be done by now.
	flushCtx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()
	if err := netif.Flush(flushCtx, dev, netif.DefaultBackoff); err != nil {
		l.WithField("pending", dev.TxPending()).
			Warn("transmit ring not drained before shutdown")
	}

	elapsed := time.Since(start)
	pps := float64(sent) / elapsed.Seconds()

	fmt.Fprintf(os.Stderr,
		"finished: sent=%s bytes=%s | duration=%s | rate=%s pps\n",
		humanize.Comma(int64(sent)),
		humanize.Bytes(bytes),
		elapsed,
		humanize.Comma(int64(pps)),
	)
	return devstat.Print(os.Stderr, map[string]devstat.Stats{
		conf.BAR: devstat.Snapshot(dev.Metrics()),
	})
}
