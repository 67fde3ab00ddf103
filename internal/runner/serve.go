package runner

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/jgoulah/waterscraper/internal/stats"
	"github.com/jgoulah/waterscraper/pkg/models"
)

// DashboardSource provides the portal's billing dashboard.
type DashboardSource interface {
	BillingSummary(ctx context.Context) (*models.DashboardSummary, error)
}

// SensorPublisher pushes dashboard values out, typically over MQTT.
type SensorPublisher interface {
	PublishDiscovery(meter string) error
	PublishSummary(meter string, summary *models.DashboardSummary) error
}

// Loop periodically refreshes today's statistics and the dashboard
// sensors, and re-imports yesterday until the morning cutoff so late
// portal rows still land.
type Loop struct {
	runner    *Runner
	interval  time.Duration
	cutoff    int
	quarter   bool
	dashboard DashboardSource
	publisher SensorPublisher
	logger    *log.Logger

	discoveryDone bool
}

// LoopOptions configures a Loop. Dashboard and Publisher are optional;
// sensors are skipped when either is nil. QuarterHourly needs the
// recorder_db store since the websocket API only accepts hour-aligned
// starts.
type LoopOptions struct {
	Interval      time.Duration
	MorningCutoff int
	QuarterHourly bool
	Dashboard     DashboardSource
	Publisher     SensorPublisher
	Logger        *log.Logger
}

func NewLoop(r *Runner, opts LoopOptions) *Loop {
	l := &Loop{
		runner:    r,
		interval:  opts.Interval,
		cutoff:    opts.MorningCutoff,
		quarter:   opts.QuarterHourly,
		dashboard: opts.Dashboard,
		publisher: opts.Publisher,
		logger:    opts.Logger,
	}
	if l.interval <= 0 {
		l.interval = time.Hour
	}
	if l.cutoff <= 0 {
		l.cutoff = 12
	}
	if l.logger == nil {
		l.logger = log.New(os.Stdout, "", log.LstdFlags)
	}
	return l
}

// Run drives the import loop and the metrics endpoint until ctx is
// canceled. Cancellation is a clean exit.
func (l *Loop) Run(ctx context.Context, listen string) error {
	registerMetrics()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	server := &http.Server{Addr: listen, Handler: mux}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		l.logger.Printf("serving: interval=%s metrics=%s", l.interval, listen)
		// The startup pass always covers yesterday in case the last run
		// missed it.
		l.runOnce(ctx, true)

		ticker := time.NewTicker(l.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				l.runOnce(ctx, false)
			}
		}
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// runOnce performs one pass. Failures are logged and counted, never
// fatal to the loop.
func (l *Loop) runOnce(ctx context.Context, forceYesterday bool) {
	ok := true

	if l.publisher != nil && l.dashboard != nil {
		if err := l.publishSensors(ctx); err != nil {
			l.logger.Printf("publishing sensors: %v", err)
			recordFailure("publish")
			ok = false
		}
	}

	if err := l.importToday(ctx); err != nil {
		l.logger.Printf("importing today: %v", err)
		recordFailure("today")
		ok = false
	}

	now := l.runner.now().In(l.runner.loc)
	if forceYesterday || now.Hour() < l.cutoff {
		if err := l.importYesterday(ctx); err != nil {
			l.logger.Printf("re-importing yesterday: %v", err)
			recordFailure("yesterday")
			ok = false
		}
	}

	if ok {
		markSuccess(l.runner.now())
	}
}

func (l *Loop) publishSensors(ctx context.Context) error {
	summary, err := l.dashboard.BillingSummary(ctx)
	if err != nil {
		return err
	}
	if !l.discoveryDone {
		if err := l.publisher.PublishDiscovery(l.runner.meter); err != nil {
			return err
		}
		l.discoveryDone = true
	}
	return l.publisher.PublishSummary(l.runner.meter, summary)
}

func (l *Loop) granularities() []string {
	if l.quarter {
		return []string{models.GranularityHourly, models.GranularityQuarter}
	}
	return []string{models.GranularityHourly}
}

func (l *Loop) importToday(ctx context.Context) error {
	for _, gran := range l.granularities() {
		result, err := l.runner.ImportToday(ctx, gran)
		if err != nil {
			return err
		}
		recordImport(gran, result)
		l.logger.Printf("imported today: granularity=%s points=%d total=%.2f", gran, result.Points, result.Total)
	}
	return nil
}

func (l *Loop) importYesterday(ctx context.Context) error {
	yesterday := l.runner.now().In(l.runner.loc).AddDate(0, 0, -1)
	for _, gran := range l.granularities() {
		result, err := l.runner.ImportDay(ctx, yesterday, gran, false)
		if err != nil {
			return err
		}
		recordImport(gran, result)
		l.logger.Printf("re-imported yesterday: granularity=%s points=%d total=%.2f", gran, result.Points, result.Total)
	}
	return nil
}

var (
	metricsOnce sync.Once

	importsTotal  *prometheus.CounterVec
	pointsTotal   prometheus.Counter
	failuresTotal *prometheus.CounterVec
	lastSuccess   prometheus.Gauge
)

func registerMetrics() {
	metricsOnce.Do(func() {
		importsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "waterscraper_imports_total",
				Help: "Completed statistics imports by granularity",
			},
			[]string{"granularity"},
		)
		pointsTotal = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "waterscraper_points_imported_total",
				Help: "Statistic points written to the store",
			},
		)
		failuresTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "waterscraper_failures_total",
				Help: "Loop step failures by stage",
			},
			[]string{"stage"},
		)
		lastSuccess = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "waterscraper_last_success_timestamp_seconds",
				Help: "Unix time of the last fully successful pass",
			},
		)
		prometheus.MustRegister(importsTotal, pointsTotal, failuresTotal, lastSuccess)
	})
}

func recordImport(granularity string, result stats.ImportResult) {
	if importsTotal != nil {
		importsTotal.WithLabelValues(granularity).Inc()
	}
	if pointsTotal != nil {
		pointsTotal.Add(float64(result.Points))
	}
}

func recordFailure(stage string) {
	if failuresTotal != nil {
		failuresTotal.WithLabelValues(stage).Inc()
	}
}

func markSuccess(at time.Time) {
	if lastSuccess != nil {
		lastSuccess.Set(float64(at.Unix()))
	}
}
