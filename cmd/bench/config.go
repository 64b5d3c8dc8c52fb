//go:build linux

package main

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/romshark/e1000-go/devstat"
	"github.com/romshark/e1000-go/e1000"
	"github.com/romshark/e1000-go/frame"
	"github.com/romshark/e1000-go/logging"
)

type Config struct {
	Driver  e1000.Config   `yaml:"driver"`
	Logging logging.Config `yaml:"logging"`

	Sim struct {
		// Idle is how long the simulated DMA engine sleeps when it finds
		// no transmit work.
		Idle time.Duration `yaml:"idle"`
	} `yaml:"sim"`

	Frames struct {
		SrcIP   string `yaml:"src-ip"`
		DstIP   string `yaml:"dst-ip"`
		SrcPort int    `yaml:"src-port"`
		DstPort int    `yaml:"dst-port"`
		Size    int    `yaml:"size"`
	} `yaml:"frames"`

	Count uint64 `yaml:"count"`
	PPS   uint64 `yaml:"pps"`
	// Grace is how long to wait for frames still in flight once the
	// sender is done.
	Grace time.Duration `yaml:"grace"`

	Prometheus *devstat.PrometheusConfig `yaml:"prometheus"`
}

func loadConfig(args []string) (*Config, error) {
	fs := flag.NewFlagSet("bench", flag.ContinueOnError)
	fConfig := fs.String("config", "bench.yaml", "path to config YAML file")
	fCount := fs.Uint64("n", 0, "packet count")
	fPktSize := fs.Int("l", 0, "pkt size")
	fPPS := fs.Uint64("pps", 0, "packets per second")
	fTxRing := fs.Uint("tx-ring", 0, "transmit ring slots")
	fRxRing := fs.Uint("rx-ring", 0, "receive ring slots")
	fLogLevel := fs.String("log-level", "", "log level")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	b, err := os.ReadFile(*fConfig)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	var conf Config
	if err := yaml.Unmarshal(b, &conf); err != nil {
		return nil, fmt.Errorf("parsing YAML: %w", err)
	}

	// Apply CLI overrides if necessary.
	if *fCount != 0 {
		conf.Count = *fCount
	}
	if *fPktSize != 0 {
		conf.Frames.Size = *fPktSize
	}
	if *fPPS != 0 {
		conf.PPS = *fPPS
	}
	if *fTxRing != 0 {
		conf.Driver.TxRingSize = uint32(*fTxRing)
	}
	if *fRxRing != 0 {
		conf.Driver.RxRingSize = uint32(*fRxRing)
	}
	if *fLogLevel != "" {
		conf.Logging.Level = *fLogLevel
	}

	if err := conf.validate(); err != nil {
		return nil, err
	}
	return &conf, nil
}

func (c *Config) validate() error {
	if c.Frames.SrcIP == "" {
		return errors.New("frames.src-ip must be set")
	}
	if net.ParseIP(c.Frames.SrcIP).To4() == nil {
		return fmt.Errorf("invalid frames.src-ip %q", c.Frames.SrcIP)
	}
	if c.Frames.DstIP == "" {
		return errors.New("frames.dst-ip must be set")
	}
	if net.ParseIP(c.Frames.DstIP).To4() == nil {
		return fmt.Errorf("invalid frames.dst-ip %q", c.Frames.DstIP)
	}
	if c.Frames.DstPort <= 0 || c.Frames.DstPort > 65535 {
		return errors.New("frames.dst-port must be between 1-65535")
	}
	if c.Frames.SrcPort <= 0 || c.Frames.SrcPort > 65535 {
		return errors.New("frames.src-port must be between 1-65535")
	}
	if c.Frames.Size < frame.MinSize || c.Frames.Size > e1000.MaxFrameSize {
		return fmt.Errorf("frames.size must be between %d-%d",
			frame.MinSize, e1000.MaxFrameSize)
	}
	if c.Count == 0 {
		return errors.New("count must be > 0")
	}
	if c.Count > 1<<32 {
		return errors.New("count must fit the 32-bit sequence number")
	}
	if c.Sim.Idle == 0 {
		c.Sim.Idle = 10 * time.Microsecond
	}
	if c.Grace == 0 {
		c.Grace = 300 * time.Millisecond
	}
	if c.Prometheus != nil {
		if err := c.Prometheus.ValidateAndSetDefaults(); err != nil {
			return err
		}
	}
	return c.Driver.ValidateAndSetDefaults()
}
