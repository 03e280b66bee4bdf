// Package metrics exposes run counters for Prometheus. A nil *Recorder is
// valid and records nothing.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Recorder holds the collectors of one run.
type Recorder struct {
	registry *prometheus.Registry

	PagesScanned     prometheus.Counter
	IdentifiersFound prometheus.Counter
	Challenges       prometheus.Counter
	SaveFailures     prometheus.Counter
	Records          *prometheus.CounterVec
	ExtractorErrors  *prometheus.CounterVec
	RecordDuration   prometheus.Histogram
	CurrentPage      prometheus.Gauge
}

// New registers the collectors on a private registry.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Recorder{
		registry: reg,
		PagesScanned: f.NewCounter(prometheus.CounterOpts{
			Name: "harvest_list_pages_scanned_total",
			Help: "Listing pages whose rows were scanned.",
		}),
		IdentifiersFound: f.NewCounter(prometheus.CounterOpts{
			Name: "harvest_identifiers_collected_total",
			Help: "New item identifiers added to the collected set.",
		}),
		Challenges: f.NewCounter(prometheus.CounterOpts{
			Name: "harvest_challenges_total",
			Help: "Bot challenges encountered.",
		}),
		SaveFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "harvest_checkpoint_save_failures_total",
			Help: "Checkpoint writes that failed.",
		}),
		Records: f.NewCounterVec(prometheus.CounterOpts{
			Name: "harvest_records_total",
			Help: "Detail records by result.",
		}, []string{"result"}),
		ExtractorErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "harvest_extractor_errors_total",
			Help: "Extractor failures replaced by default payloads.",
		}, []string{"extractor"}),
		RecordDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "harvest_record_duration_seconds",
			Help:    "Time to navigate and extract one record.",
			Buckets: []float64{1, 5, 10, 15, 30, 60, 120},
		}),
		CurrentPage: f.NewGauge(prometheus.GaugeOpts{
			Name: "harvest_current_list_page",
			Help: "Listing page the traversal is on.",
		}),
	}
}

// Registry returns the registry backing r.
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

func (r *Recorder) PageScanned(page int) {
	if r == nil {
		return
	}
	r.PagesScanned.Inc()
	r.CurrentPage.Set(float64(page))
}

func (r *Recorder) Collected(n int) {
	if r == nil || n <= 0 {
		return
	}
	r.IdentifiersFound.Add(float64(n))
}

func (r *Recorder) Challenge() {
	if r == nil {
		return
	}
	r.Challenges.Inc()
}

func (r *Recorder) SaveFailed() {
	if r == nil {
		return
	}
	r.SaveFailures.Inc()
}

// Record counts one detail item with result "written", "skipped" or "failed".
func (r *Recorder) Record(result string, took time.Duration) {
	if r == nil {
		return
	}
	r.Records.WithLabelValues(result).Inc()
	if took > 0 {
		r.RecordDuration.Observe(took.Seconds())
	}
}

func (r *Recorder) ExtractorFailed(name string) {
	if r == nil {
		return
	}
	r.ExtractorErrors.WithLabelValues(name).Inc()
}

// Serve exposes /metrics on addr until ctx is done.
func (r *Recorder) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("Metrics endpoint listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
