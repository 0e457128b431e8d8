// Package server exposes the operator HTTP surface: health, metrics and
// manual triggers.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/suspectuso/tunnel-billing/internal/billing"
	"github.com/suspectuso/tunnel-billing/internal/storage"
)

// Pinger reports whether a dependency is reachable
type Pinger interface {
	Ping(ctx context.Context) error
}

// InvoicePoller polls one invoice on demand
type InvoicePoller interface {
	PollAddress(ctx context.Context, address string) (*storage.Invoice, error)
}

// Invoicer issues invoices for a public key
type Invoicer interface {
	RequestInvoice(ctx context.Context, pubkey string) (*storage.Invoice, error)
}

// Syncer triggers a tunnel reconciliation
type Syncer interface {
	RequestSync(ctx context.Context) error
}

// Server is the operator HTTP server
type Server struct {
	db       Pinger
	invoicer Invoicer
	poller   InvoicePoller
	syncer   Syncer
	gatherer prometheus.Gatherer
	log      *slog.Logger

	router http.Handler
	server *http.Server
}

// New creates a new operator server
func New(db Pinger, invoicer Invoicer, poller InvoicePoller, syncer Syncer, gatherer prometheus.Gatherer, log *slog.Logger) *Server {
	s := &Server{
		db:       db,
		invoicer: invoicer,
		poller:   poller,
		syncer:   syncer,
		gatherer: gatherer,
		log:      log,
	}
	s.router = s.buildRouter()
	return s
}

// Handler exposes the configured router
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	r.Route("/ops", func(ops chi.Router) {
		ops.Post("/sync", s.handleSync)
		ops.Post("/accounts/{pubkey}/invoices", s.handleCreateInvoice)
		ops.Post("/invoices/{address}/poll", s.handlePoll)
	})

	return r
}

// Start serves on port until ctx is done
func (s *Server) Start(ctx context.Context, port int) error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 2 * time.Minute,
	}

	s.log.Info("starting ops server", "port", port)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(shutdownCtx)
	}()

	return s.server.ListenAndServe()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.db.Ping(ctx); err != nil {
		s.log.Warn("health check failed", "error", err)
		http.Error(w, "storage unavailable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if err := s.syncer.RequestSync(r.Context()); err != nil {
		s.log.Error("manual tunnel sync", "error", err)
		s.writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "synced"})
}

type invoiceView struct {
	Address         string    `json:"address"`
	AccountID       int64     `json:"account_id"`
	ExpectedPayment int64     `json:"expected_payment"`
	RequestedAt     time.Time `json:"requested_at"`
	Received        bool      `json:"received"`
	Sweeping        bool      `json:"sweeping"`
	Credited        bool      `json:"credited"`
	Error           string    `json:"error,omitempty"`
}

func viewOf(inv *storage.Invoice) invoiceView {
	return invoiceView{
		Address:         inv.Address,
		AccountID:       inv.AccountID,
		ExpectedPayment: inv.ExpectedPayment,
		RequestedAt:     inv.RequestedAt.UTC(),
		Received:        inv.Received,
		Sweeping:        inv.Sweeping(),
		Credited:        inv.Credited(),
	}
}

func (s *Server) handleCreateInvoice(w http.ResponseWriter, r *http.Request) {
	pubkey := chi.URLParam(r, "pubkey")

	inv, err := s.invoicer.RequestInvoice(r.Context(), pubkey)
	switch {
	case errors.Is(err, billing.ErrInvalidPubKey):
		http.Error(w, "invalid public key", http.StatusBadRequest)
		return
	case errors.Is(err, billing.ErrServiceFull):
		http.Error(w, "service full", http.StatusServiceUnavailable)
		return
	case err != nil:
		s.log.Error("create invoice", "pubkey", pubkey, "error", err)
		http.Error(w, "failed to create invoice", http.StatusInternalServerError)
		return
	}

	s.writeJSON(w, http.StatusCreated, viewOf(inv))
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	address := chi.URLParam(r, "address")

	inv, err := s.poller.PollAddress(r.Context(), address)
	if errors.Is(err, storage.ErrNotFound) {
		http.Error(w, "invoice not found", http.StatusNotFound)
		return
	}
	if inv == nil {
		s.log.Error("poll invoice", "address", address, "error", err)
		http.Error(w, "poll failed", http.StatusInternalServerError)
		return
	}

	view := viewOf(inv)
	if err != nil {
		// The invoice stays pollable; report the failure alongside its state.
		s.log.Warn("poll invoice", "address", address, "error", err)
		view.Error = err.Error()
	}
	s.writeJSON(w, http.StatusOK, view)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("encode response", "error", err)
	}
}
