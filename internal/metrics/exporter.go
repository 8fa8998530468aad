// Package metrics exports live tuning telemetry over Prometheus and a small
// JSON status endpoint.
package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/axetune/axetune/internal/bench"
)

// Config controls the exporter.
type Config struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
	Namespace  string `yaml:"namespace"`
}

// StatusFunc supplies run snapshots for the /api/status endpoint.
type StatusFunc func() []bench.RunState

// Exporter implements bench.Observer and serves /metrics, /health and
// /api/status.
type Exporter struct {
	cfg      Config
	logger   *zap.Logger
	registry *prometheus.Registry
	server   *http.Server
	status   StatusFunc

	mu   sync.Mutex
	best map[string]float64 // device → best stable hashrate seen

	hashrate     *prometheus.GaugeVec
	chipTemp     *prometheus.GaugeVec
	vrTemp       *prometheus.GaugeVec
	power        *prometheus.GaugeVec
	inputVoltage *prometheus.GaugeVec
	candidates   *prometheus.CounterVec
	bestHashrate *prometheus.GaugeVec
}

// NewExporter creates an exporter. status may be nil, in which case
// /api/status serves an empty list.
func NewExporter(cfg Config, status StatusFunc, logger *zap.Logger) *Exporter {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":9090"
	}
	if cfg.Namespace == "" {
		cfg.Namespace = "axetune"
	}
	e := &Exporter{
		cfg:      cfg,
		logger:   logger.Named("metrics"),
		registry: prometheus.NewRegistry(),
		status:   status,
		best:     make(map[string]float64),
	}
	e.initMetrics()
	return e
}

func (e *Exporter) initMetrics() {
	ns := e.cfg.Namespace
	labels := []string{"device"}

	e.hashrate = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: ns, Name: "hashrate_ghs", Help: "Last observed hashrate in GH/s.",
	}, labels)
	e.chipTemp = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: ns, Name: "chip_temperature_celsius", Help: "Last observed chip temperature.",
	}, labels)
	e.vrTemp = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: ns, Name: "vr_temperature_celsius", Help: "Last observed voltage regulator temperature.",
	}, labels)
	e.power = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: ns, Name: "power_watts", Help: "Last observed power draw.",
	}, labels)
	e.inputVoltage = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: ns, Name: "input_voltage_millivolts", Help: "Last observed input voltage.",
	}, labels)
	e.candidates = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Name: "candidates_total", Help: "Candidate settings tested, by outcome.",
	}, []string{"device", "status"})
	e.bestHashrate = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: ns, Name: "best_stable_hashrate_ghs", Help: "Highest stable average hashrate so far.",
	}, labels)

	e.registry.MustRegister(
		e.hashrate, e.chipTemp, e.vrTemp, e.power, e.inputVoltage,
		e.candidates, e.bestHashrate,
	)
}

// ReadingObserved implements bench.Observer.
func (e *Exporter) ReadingObserved(deviceID string, r bench.Reading) {
	e.hashrate.WithLabelValues(deviceID).Set(r.Hashrate)
	e.chipTemp.WithLabelValues(deviceID).Set(r.Temp)
	e.power.WithLabelValues(deviceID).Set(r.Power)
	if r.VRTemp != nil {
		e.vrTemp.WithLabelValues(deviceID).Set(*r.VRTemp)
	}
	if r.InputVoltage != nil {
		e.inputVoltage.WithLabelValues(deviceID).Set(*r.InputVoltage)
	}
}

// CandidateRecorded implements bench.Observer.
func (e *Exporter) CandidateRecorded(deviceID string, c bench.CandidateResult) {
	e.candidates.WithLabelValues(deviceID, string(c.Status)).Inc()
	if c.Status == bench.StatusStable {
		e.mu.Lock()
		if c.AvgHashrate > e.best[deviceID] {
			e.best[deviceID] = c.AvgHashrate
			e.bestHashrate.WithLabelValues(deviceID).Set(c.AvgHashrate)
		}
		e.mu.Unlock()
	}
}

// Start serves the HTTP endpoints until Stop is called. No-op when disabled.
func (e *Exporter) Start() error {
	if !e.cfg.Enabled {
		e.logger.Debug("metrics exporter disabled")
		return nil
	}

	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
	}))
	router.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods(http.MethodGet)
	router.HandleFunc("/api/status", e.handleStatus).Methods(http.MethodGet)

	e.server = &http.Server{
		Addr:    e.cfg.ListenAddr,
		Handler: router,
	}

	go func() {
		e.logger.Info("metrics exporter listening", zap.String("addr", e.cfg.ListenAddr))
		if err := e.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			e.logger.Error("metrics server failed", zap.Error(err))
		}
	}()
	return nil
}

// Stop shuts the HTTP server down gracefully.
func (e *Exporter) Stop(ctx context.Context) error {
	if e.server == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return e.server.Shutdown(shutdownCtx)
}

type deviceStatus struct {
	Device   string         `json:"device"`
	State    string         `json:"state"`
	Current  bench.Setting  `json:"current"`
	Attempts int            `json:"attempts"`
	Best     *bench.Setting `json:"best,omitempty"`
}

func (e *Exporter) handleStatus(w http.ResponseWriter, _ *http.Request) {
	out := []deviceStatus{}
	if e.status != nil {
		for _, st := range e.status() {
			ds := deviceStatus{
				Device:   st.Device,
				State:    st.State.String(),
				Current:  st.Current,
				Attempts: st.Attempts,
			}
			if st.Best != nil {
				s := st.Best.Setting
				ds.Best = &s
			}
			out = append(out, ds)
		}
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(out); err != nil {
		e.logger.Warn("encode status response", zap.Error(err))
	}
}
