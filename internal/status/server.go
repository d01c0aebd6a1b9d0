package status

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/exp/slices"

	"github.com/dreamware/onionbalance/internal/balancer"
)

// shutdownTimeout bounds graceful shutdown of the listener.
const shutdownTimeout = 5 * time.Second

// Source provides service snapshots. *balancer.Manager implements it.
type Source interface {
	Status() []balancer.ServiceStatus
}

// Report is the body of GET /status.
type Report struct {
	Services []balancer.ServiceStatus `json:"services"`
}

// Health is the body of GET /health.
type Health struct {
	Status    string `json:"status"`
	Services  int    `json:"services"`
	Published int    `json:"published"`
}

// NewRouter returns the status routes for source, exposing metrics from
// gatherer.
func NewRouter(source Source, gatherer prometheus.Gatherer, logger log.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(log.With(logger, "component", "status")))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		services := source.Status()
		h := Health{Status: "ok", Services: len(services)}
		for _, s := range services {
			if s.LastPublished != nil {
				h.Published++
			}
		}
		writeJSON(w, http.StatusOK, h)
	})
	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, Report{Services: source.Status()})
	})
	r.Get("/status/{address}", func(w http.ResponseWriter, r *http.Request) {
		address := strings.TrimSuffix(strings.ToLower(chi.URLParam(r, "address")), ".onion")
		services := source.Status()
		idx := slices.IndexFunc(services, func(s balancer.ServiceStatus) bool { return s.Address == address })
		if idx < 0 {
			http.Error(w, "unknown service", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, services[idx])
	})
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return r
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func requestLogger(logger log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			level.Debug(logger).Log("msg", "request", "method", r.Method, "path", r.URL.Path,
				"status", ww.Status(), "duration", time.Since(start))
		})
	}
}

// Server is the status HTTP listener.
type Server struct {
	srv    *http.Server
	logger log.Logger
}

// NewServer returns a Server listening on addr once Run is called.
func NewServer(addr string, handler http.Handler, logger log.Logger) *Server {
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: log.With(logger, "component", "status"),
	}
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	errc := make(chan error, 1)
	go func() {
		level.Info(s.logger).Log("msg", "status endpoint listening", "addr", ln.Addr().String())
		errc <- s.srv.Serve(ln)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
