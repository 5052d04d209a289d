// Package gateway exposes the progress of a running update campaign
// over HTTP.
package gateway

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"os"

	"github.com/gorilla/handlers"
	"github.com/samsamfire/fwupdate/pkg/fwmaster"
)

// ProgressSource is what the server reports on, implemented by
// fwmaster.Coordinator
type ProgressSource interface {
	Progress() []fwmaster.SlaveRecord
}

type GatewayServer struct {
	logger   *slog.Logger
	source   ProgressSource
	serveMux *http.ServeMux
}

func NewGatewayServer(logger *slog.Logger, source ProgressSource) *GatewayServer {
	if logger == nil {
		logger = slog.Default()
	}
	gw := &GatewayServer{
		logger:   logger.With("service", "[GATEWAY]"),
		source:   source,
		serveMux: http.NewServeMux(),
	}
	gw.serveMux.HandleFunc("/progress", gw.handleProgress)
	return gw
}

// Process server, blocking
func (g *GatewayServer) ListenAndServe(addr string) error {
	g.logger.Info("listening", "addr", addr)
	return http.ListenAndServe(addr, handlers.LoggingHandler(os.Stdout, g.serveMux))
}

// Handler returns the http handler, wrapped with request logging
func (g *GatewayServer) Handler() http.Handler {
	return handlers.LoggingHandler(os.Stdout, g.serveMux)
}

func (g *GatewayServer) handleProgress(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	records := g.source.Progress()
	w.Header().Set("Content-Type", "application/json")
	err := json.NewEncoder(w).Encode(records)
	if err != nil {
		g.logger.Error("encoding progress failed", "err", err)
	}
}
