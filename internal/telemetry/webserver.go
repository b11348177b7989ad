package telemetry

import (
	"context"
	"log"
	"net/http"
	"time"
)

// WebServer exposes stream stats history and live updates over HTTP.
type WebServer struct {
	srv *http.Server
	hub *Hub
}

// NewWebServer builds an HTTP server with the stats, history and live
// SSE endpoints.
func NewWebServer(addr string, hub *Hub) *WebServer {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/stats", hub.handleStats)
	mux.HandleFunc("/api/history", hub.handleHistory)
	mux.HandleFunc("/api/live", hub.handleLive)

	return &WebServer{
		hub: hub,
		srv: &http.Server{Addr: addr, Handler: mux},
	}
}

// Start begins listening and shuts down when the context is canceled.
func (w *WebServer) Start(ctx context.Context) {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := w.srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("web telemetry shutdown: %v", err)
		}
	}()

	if err := w.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Printf("web telemetry server error: %v", err)
	}
}
