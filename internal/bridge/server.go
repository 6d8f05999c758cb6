// File: internal/bridge/server.go
package bridge

import (
	"context"
	"errors"
	"net/http"
	"time"

	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/sandbridge/internal/takeover"
)

// Server exposes the takeover web surface: a read-only view of a pending
// takeover and the resolve endpoint that hands control back.
type Server struct {
	registry *takeover.Registry
	srv      *http.Server
	log      *zap.Logger
}

// NewServer builds the takeover HTTP server on addr.
func NewServer(registry *takeover.Registry, addr string, logger *zap.Logger) *Server {
	s := &Server{
		registry: registry,
		log:      logger.Named("takeover-web"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /takeover/{token}", s.handleView)
	mux.HandleFunc("POST /takeover/{token}/resolve", s.handleResolve)

	s.srv = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the server's routing surface for embedding and tests.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// ListenAndServe blocks until the server stops or the context is canceled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("Takeover web surface listening", zap.String("addr", s.srv.Addr))
		errCh <- s.srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) handleView(w http.ResponseWriter, r *http.Request) {
	token := r.PathValue("token")
	view := s.registry.View(token)
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	token := r.PathValue("token")
	if err := s.registry.ResolveByToken(token); err != nil {
		if errors.Is(err, takeover.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
			return
		}
		s.log.Error("Takeover resolve failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
