package state

import (
	"net"
	"net/http"

	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ServeMetrics exposes Registry at /metrics and liveness at /healthz on config metrics.listen.
// Empty listen is no-op. Returns bound address.
func (g *Global) ServeMetrics() (string, error) {
	listen := g.Config.Metrics.Listen
	if listen == "" {
		return "", nil
	}
	l, err := net.Listen("tcp", listen)
	if err != nil {
		return "", errors.Annotatef(err, "metrics listen=%s", listen)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g.Registry, promhttp.HandlerOpts{ErrorLog: g.Log}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if g.Alive.IsRunning() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	g.metricsSrv = &http.Server{Handler: mux}
	go func() {
		if err := g.metricsSrv.Serve(l); err != nil && err != http.ErrServerClosed {
			g.Error(err, "metrics serve")
		}
	}()
	addr := l.Addr().String()
	g.Log.Infof("metrics listen=%s", addr)
	return addr, nil
}
