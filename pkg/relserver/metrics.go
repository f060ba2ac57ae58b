package relserver

import (
	"net/http"
	"strconv"

	"github.com/felixge/httpsnoop"
	"github.com/function61/gokit/logex"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/procfs"
)

type metricsController struct {
	registry *prometheus.Registry

	httpRequests *prometheus.CounterVec

	queuedJobs  prometheus.Gauge
	runningJobs prometheus.Gauge

	// daemon self-observation via /proc; jobs run in-process so this covers
	// them too
	residentMemory prometheus.Gauge
	openFds        prometheus.Gauge

	self procfs.Proc
}

func newMetricsController() (*metricsController, error) {
	self, err := procfs.Self()
	if err != nil {
		return nil, err
	}

	m := &metricsController{
		registry: prometheus.NewRegistry(),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "borgrelay_http_requests_total",
			Help: "Metrics endpoint's handled requests",
		}, []string{"code", "method"}),
		queuedJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "borgrelay_jobs_queued",
			Help: "Jobs waiting for dispatch",
		}),
		runningJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "borgrelay_jobs_running",
			Help: "Jobs currently executing",
		}),
		residentMemory: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "borgrelay_resident_memory_bytes",
			Help: "Daemon resident set size",
		}),
		openFds: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "borgrelay_open_fds",
			Help: "Daemon open file descriptors",
		}),
		self: self,
	}

	m.registry.MustRegister(
		m.httpRequests,
		m.queuedJobs,
		m.runningJobs,
		m.residentMemory,
		m.openFds)

	return m, nil
}

func (m *metricsController) observeSupervisor(queued int, running int) {
	m.queuedJobs.Set(float64(queued))
	m.runningJobs.Set(float64(running))
}

func (m *metricsController) collectProcess(logl *logex.Leveled) {
	stat, err := m.self.NewStat()
	if err != nil {
		logl.Error.Printf("proc stat: %v", err)
		return
	}

	m.residentMemory.Set(float64(stat.ResidentMemory()))

	fds, err := m.self.FileDescriptorsLen()
	if err != nil {
		logl.Error.Printf("proc fds: %v", err)
		return
	}

	m.openFds.Set(float64(fds))
}

// HTTPHandler serves the scrape endpoint, instrumented with its own request
// counter.
func (m *metricsController) HTTPHandler() http.Handler {
	scrape := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		stats := httpsnoop.CaptureMetrics(scrape, w, r)

		m.httpRequests.With(prometheus.Labels{
			"code":   strconv.Itoa(stats.Code),
			"method": r.Method,
		}).Inc()
	})
}

func (s *Supervisor) updateMetrics() {
	if s.metrics == nil {
		return
	}

	s.metrics.observeSupervisor(len(s.queue), len(s.running))
	s.metrics.collectProcess(s.logl)
}
