//go:build linux

package devstat

import (
	"context"
	"errors"
	"net/http"
	"runtime"
	"time"

	mp "github.com/nbrownus/go-metrics-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
)

type PrometheusConfig struct {
	Listen    string        `yaml:"listen"`
	Path      string        `yaml:"path"`
	Namespace string        `yaml:"namespace"`
	Subsystem string        `yaml:"subsystem"`
	Interval  time.Duration `yaml:"interval"`
}

func (c *PrometheusConfig) ValidateAndSetDefaults() error {
	if c.Listen == "" {
		return errors.New("prometheus listen address must be set")
	}
	if c.Path == "" {
		c.Path = "/metrics"
	}
	if c.Interval == 0 {
		c.Interval = time.Second
	}
	return nil
}

// NewPrometheusHandler exports every metric of r and returns the handler
// serving them. Values are copied from r every conf.Interval until ctx is
// canceled.
func NewPrometheusHandler(
	ctx context.Context, l *logrus.Logger, r metrics.Registry, conf PrometheusConfig,
) http.Handler {
	pr := prometheus.NewRegistry()
	pClient := mp.NewPrometheusProvider(r, conf.Namespace, conf.Subsystem, pr, conf.Interval)
	go exportMetrics(ctx, l, pClient, conf.Interval)

	g := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: conf.Namespace,
		Subsystem: conf.Subsystem,
		Name:      "info",
		Help:      "Build information for the e1000 driver binary",
		ConstLabels: prometheus.Labels{
			"goversion": runtime.Version(),
		},
	})
	pr.MustRegister(g)
	g.Set(1)

	return promhttp.HandlerFor(pr, promhttp.HandlerOpts{ErrorLog: l})
}

// exportMetrics copies r into the Prometheus registry right away and then
// every interval until ctx is canceled.
func exportMetrics(
	ctx context.Context, l *logrus.Logger, p *mp.PrometheusConfig, interval time.Duration,
) {
	if interval <= 0 {
		interval = time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		if err := p.UpdatePrometheusMetricsOnce(); err != nil {
			l.WithError(err).Warn("Failed to export metrics")
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// ServePrometheus serves the metrics of r until ctx is canceled.
func ServePrometheus(
	ctx context.Context, l *logrus.Logger, r metrics.Registry, conf PrometheusConfig,
) error {
	if err := conf.ValidateAndSetDefaults(); err != nil {
		return err
	}
	mux := http.NewServeMux()
	mux.Handle(conf.Path, NewPrometheusHandler(ctx, l, r, conf))
	srv := &http.Server{
		Addr:              conf.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	l.Infof("Prometheus stats listening on %s at %s", conf.Listen, conf.Path)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return ctx.Err()
}
