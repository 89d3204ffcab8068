package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "districts_http_request_duration_seconds",
		Help:    "HTTP request duration by route pattern and status class",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "status"})
	GeometryValidations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "districts_geometry_validations_total",
		Help: "Geometry validations by result",
	}, []string{"result"})
	MetricComputeSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "districts_plan_metrics_seconds",
		Help:    "Time spent scoring one plan",
		Buckets: []float64{.005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
	})
	MetricComputeConflicts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "districts_plan_metrics_conflicts_total",
		Help: "Metric recomputes discarded because the plan geometry changed underneath them",
	})
	Assignments = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "districts_voter_assignments_total",
		Help: "Voter assignment outcomes",
	}, []string{"outcome"})
	RouteOptimizations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "districts_route_optimizations_total",
		Help: "Route optimizations by objective and whether the search was cut short",
	}, []string{"type", "truncated"})
	Imports = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "districts_imports_total",
		Help: "Geometry imports by format and outcome",
	}, []string{"format", "outcome"})
	IndexRebuildSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "districts_spatial_index_rebuild_seconds",
		Help:    "Spatial index rebuild duration",
		Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5},
	}, []string{"index"})
	IndexSize = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "districts_spatial_index_entries",
		Help: "Geometries in the published spatial index",
	}, []string{"index"})
	GeocodeRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "districts_geocode_requests_total",
		Help: "Geocoder calls by outcome",
	}, []string{"outcome"})
	Tasks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "districts_tasks_total",
		Help: "Background tasks by kind and terminal state",
	}, []string{"kind", "state"})
)

func init() {
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(GeometryValidations)
	prometheus.MustRegister(MetricComputeSeconds)
	prometheus.MustRegister(MetricComputeConflicts)
	prometheus.MustRegister(Assignments)
	prometheus.MustRegister(RouteOptimizations)
	prometheus.MustRegister(Imports)
	prometheus.MustRegister(IndexRebuildSeconds)
	prometheus.MustRegister(IndexSize)
	prometheus.MustRegister(GeocodeRequests)
	prometheus.MustRegister(Tasks)
}

// Handler exposes every registered collector for scraping; mounted at /metrics.
func Handler() http.Handler { return promhttp.Handler() }
