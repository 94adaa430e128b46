package nodesync

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/blikh/proxyfleet/internal/abuse"
	"github.com/blikh/proxyfleet/internal/ledger"
	"github.com/blikh/proxyfleet/internal/metrics"
	"github.com/blikh/proxyfleet/internal/proxyconf"
)

// Server is the inbound side of node sync: an authenticated JSON API that
// serves logs and client lists to peers and accepts their ledger pushes.
// Credentials are either the admin key from config or a node's key from the
// node ledger; node callers identify themselves with the node header.
type Server struct {
	listen   string
	adminKey string
	store    *ledger.Store
	mutator  *proxyconf.Mutator
	logger   *slog.Logger

	// mu serializes read-modify-write cycles on the ledgers against
	// concurrent pushes.
	mu sync.Mutex
}

func NewServer(listen, adminKey string, store *ledger.Store, mutator *proxyconf.Mutator, logger *slog.Logger) *Server {
	return &Server{
		listen:   listen,
		adminKey: adminKey,
		store:    store,
		mutator:  mutator,
		logger:   logger,
	}
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/ping", s.auth(s.handlePing))
	mux.HandleFunc("GET /api/logs", s.auth(s.handleLogs))
	mux.HandleFunc("GET /api/clients", s.auth(s.handleClients))
	mux.HandleFunc("POST /api/sync/transactions", s.auth(s.handleSyncTransactions))
	mux.HandleFunc("POST /api/sync/usages", s.auth(s.handleSyncUsages))
	mux.HandleFunc("POST /api/sync/traffic", s.auth(s.handleSyncTraffic))
	return mux
}

// Run serves the API until the context is canceled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.listen,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("sync api listening", "addr", s.listen)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// auth validates the bearer credential and, for node callers, records the
// contact on the node ledger. The caller's node (nil for admins) is passed
// through the request context.
func (s *Server) auth(next func(http.ResponseWriter, *http.Request, *ledger.ServerNode)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || token == "" {
			http.Error(w, "missing credentials", http.StatusUnauthorized)
			return
		}

		if s.adminKey != "" && token == s.adminKey && r.Header.Get(HeaderNode) == "" {
			next(w, r, nil)
			return
		}

		s.mu.Lock()
		nodes := ledger.ServerNodes{}
		if err := s.store.Get(ledger.KeyServerNodes, &nodes); err != nil {
			s.mu.Unlock()
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		node := nodes.FindByAPIKey(token)
		if node == nil || node.Disabled || node.ID != r.Header.Get(HeaderNode) {
			s.mu.Unlock()
			http.Error(w, "invalid credentials", http.StatusUnauthorized)
			return
		}

		node.LastConnectDate = time.Now()
		if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
			node.LastConnectIP = host
		}
		if err := s.store.Put(ledger.KeyServerNodes, nodes); err != nil {
			s.logger.Warn("recording node contact", "node", node.ID, "err", err)
		}
		s.mu.Unlock()

		next(w, r, node)
	}
}

func (s *Server) handlePing(w http.ResponseWriter, _ *http.Request, _ *ledger.ServerNode) {
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request, _ *ledger.ServerNode) {
	minutes, err := strconv.Atoi(r.URL.Query().Get("minutes"))
	if err != nil || minutes < 1 {
		http.Error(w, "invalid minutes", http.StatusBadRequest)
		return
	}

	window := []abuse.Hit{}
	if err := s.store.Get(ledger.KeyAbuseWindow, &window); err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	cutoff := time.Now().Add(-time.Duration(minutes) * time.Minute)
	writeJSON(w, abuse.CollectSince(window, cutoff))
}

func (s *Server) handleClients(w http.ResponseWriter, r *http.Request, _ *ledger.ServerNode) {
	tag := r.URL.Query().Get("tag")
	if tag == "" {
		http.Error(w, "missing tag", http.StatusBadRequest)
		return
	}

	cfg, err := s.mutator.Load()
	if err != nil {
		s.logger.Error("loading proxy config", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	for i := range cfg.Inbounds {
		if cfg.Inbounds[i].Tag == tag {
			writeJSON(w, cfg.Inbounds[i].Settings.Clients)
			return
		}
	}
	http.Error(w, "unknown tag", http.StatusNotFound)
}

func (s *Server) handleSyncTransactions(w http.ResponseWriter, r *http.Request, node *ledger.ServerNode) {
	if node == nil {
		http.Error(w, "node credentials required", http.StatusForbidden)
		return
	}
	var incoming ledger.Transactions
	if err := json.NewDecoder(r.Body).Decode(&incoming); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	local := ledger.Transactions{}
	if err := s.store.Get(ledger.KeyTransactions, &local); err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	res := Reconcile(local, incoming,
		func(a, b ledger.Transaction) bool { return a.ID == b.ID },
		func(t ledger.Transaction) bool { return t.ServerNodeID == node.ID },
		func(t ledger.Transaction) bool { return t.ServerNodeID == node.ID },
	)
	if err := s.store.Put(ledger.KeyTransactions, ledger.Transactions(res.Records)); err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	metrics.SyncRecords.WithLabelValues("inserted").Add(float64(res.Inserted))
	metrics.SyncRecords.WithLabelValues("removed").Add(float64(res.Removed))
	metrics.SyncRecords.WithLabelValues("modified").Add(float64(res.Modified))
	s.logger.Info("transactions reconciled", "node", node.ID,
		"inserted", res.Inserted, "removed", res.Removed, "modified", res.Modified)

	writeJSON(w, SyncCounts{Inserted: res.Inserted, Removed: res.Removed, Modified: res.Modified})
}

func (s *Server) handleSyncUsages(w http.ResponseWriter, r *http.Request, node *ledger.ServerNode) {
	if node == nil {
		http.Error(w, "node credentials required", http.StatusForbidden)
		return
	}
	var incoming ledger.UserUsages
	if err := json.NewDecoder(r.Body).Decode(&incoming); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	local := ledger.UserUsages{}
	if err := s.store.Get(ledger.KeyUserUsages, &local); err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	MergeUserUsages(local, incoming)
	if err := s.store.Put(ledger.KeyUserUsages, local); err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]int{"users": len(incoming)})
}

func (s *Server) handleSyncTraffic(w http.ResponseWriter, r *http.Request, node *ledger.ServerNode) {
	if node == nil {
		http.Error(w, "node credentials required", http.StatusForbidden)
		return
	}
	var incoming ledger.TrafficUsages
	if err := json.NewDecoder(r.Body).Decode(&incoming); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	local := ledger.TrafficUsages{}
	if err := s.store.Get(ledger.KeyTrafficUsages, &local); err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	MergeTrafficUsages(local, incoming)
	if err := s.store.Put(ledger.KeyTrafficUsages, local); err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]int{"entries": len(incoming)})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
