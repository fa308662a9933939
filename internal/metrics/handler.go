package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handler exposes the default Prometheus registry. The ops server
// mounts it at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
