// Package front serves the read-only info surface of each chain.
package front

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	crdb "github.com/cockroachdb/errors"
	"github.com/devblac/xchain-relay/internal/chain"
	"github.com/devblac/xchain-relay/internal/descriptor"
	"github.com/devblac/xchain-relay/internal/relay"
	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
)

// LastReporter exposes the most recent relay pass.
type LastReporter interface {
	LastReport() (relay.Report, bool)
}

// ChainStatus is the info view of a chain plus its relay watermarks.
type ChainStatus struct {
	descriptor.Info
	LastRelayedBlock   uint64 `json:"lastRelayedBlock"`
	LastExpressedBlock uint64 `json:"lastExpressedBlock"`
}

type front struct {
	reg  *chain.Registry
	self string
	last LastReporter
}

// Handler serves the chain named self:
//
//	GET /, /info         the chain's own info
//	GET /chains          every registered chain, in registration order
//	GET /chains/{name}   one chain
//	GET /relay/last      the last pass report, 204 before the first pass
//
// last may be nil, in which case /relay/last is not routed.
func Handler(reg *chain.Registry, self string, last LastReporter, log *slog.Logger) http.Handler {
	if log == nil {
		log = slog.Default()
	}
	f := &front{reg: reg, self: self, last: last}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(log.With("chain", self)))

	r.Get("/", f.info)
	r.Get("/info", f.info)
	r.Get("/chains", f.chains)
	r.Get("/chains/{name}", f.chain)
	if last != nil {
		r.Get("/relay/last", f.lastReport)
	}
	return r
}

func (f *front) info(w http.ResponseWriter, r *http.Request) {
	f.writeChain(w, f.self)
}

func (f *front) chain(w http.ResponseWriter, r *http.Request) {
	f.writeChain(w, chi.URLParam(r, "name"))
}

func (f *front) writeChain(w http.ResponseWriter, name string) {
	c, err := f.reg.Get(name)
	if crdb.Is(err, chain.ErrUnknownChain) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, status(c))
}

func (f *front) chains(w http.ResponseWriter, r *http.Request) {
	all := f.reg.All()
	out := make([]ChainStatus, 0, len(all))
	for _, c := range all {
		out = append(out, status(c))
	}
	writeJSON(w, http.StatusOK, out)
}

func (f *front) lastReport(w http.ResponseWriter, r *http.Request) {
	rep, ok := f.last.LastReport()
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func status(c *chain.Chain) ChainStatus {
	return ChainStatus{
		Info:               c.Info(),
		LastRelayedBlock:   c.Cursor(chain.LaneStandard),
		LastExpressedBlock: c.Cursor(chain.LaneExpress),
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func requestLogger(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
			)
		})
	}
}

// Serve starts handler on addr in the background. Listen failures are logged.
func Serve(addr string, handler http.Handler, log *slog.Logger) *http.Server {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 3 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("info listener stopped", "addr", addr, "error", err)
		}
	}()
	return srv
}

// Shutdown gracefully stops srv.
func Shutdown(ctx context.Context, srv *http.Server) error {
	return srv.Shutdown(ctx)
}
