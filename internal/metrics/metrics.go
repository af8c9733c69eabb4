// Package metrics provides the Prometheus registry served by refcas.
package metrics

import (
	"net/http"
	"runtime"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the Prometheus registry for all refcas metrics.
var Registry = prometheus.NewRegistry()

func init() {
	// Register standard Go metrics
	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// InitBuildInfo registers refcas_build_info{version,go_version} with value 1.
func InitBuildInfo(version string) prometheus.Gauge {
	info := promauto.With(Registry).NewGaugeVec(prometheus.GaugeOpts{
		Name: "refcas_build_info",
		Help: "Build information, value is always 1",
	}, []string{"version", "go_version"})
	g := info.WithLabelValues(version, runtime.Version())
	g.Set(1)
	return g
}

// Handler serves Registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry})
}
