// Package controller exposes the broker over HTTP.
package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"vpnpool/internal/addrutil"
	"vpnpool/internal/api"
	"vpnpool/internal/broker"
	"vpnpool/internal/config"
	"vpnpool/internal/logger"
	"vpnpool/internal/metrics"
	"vpnpool/internal/model"
)

const (
	// DefaultCleanupTTL applies to /cleanup requests without minutes.
	DefaultCleanupTTL = 10 * time.Minute
	maxBodyBytes      = 1 << 20
	shutdownTimeout   = 10 * time.Second
)

// Server provides the broker HTTP API.
type Server struct {
	cfg      config.BrokerConfig
	broker   *broker.Broker
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer
	limiter  *clientLimiter
	trusted  []netip.Prefix
	log      *slog.Logger
}

// NewServer constructs a server over b. A nil gatherer disables /metrics.
func NewServer(cfg config.BrokerConfig, b *broker.Broker, m *metrics.Metrics, gatherer prometheus.Gatherer) *Server {
	log := logger.Get("controller")
	trusted, err := config.ParsePrefixes(cfg.TrustedProxies)
	if err != nil {
		log.Warn("Ignoring trusted proxies", "error", err)
		trusted = nil
	}
	return &Server{
		cfg:      cfg,
		broker:   b,
		metrics:  m,
		gatherer: gatherer,
		limiter:  newClientLimiter(cfg.RateLimit, cfg.RateBurst),
		trusted:  trusted,
		log:      log,
	}
}

// Handler returns the routed API with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.route(mux, "/allocate", s.handleAllocate)
	s.route(mux, "/release", s.handleRelease)
	s.route(mux, "/release/all", s.handleReleaseAll)
	s.route(mux, "/status", s.handleStatus)
	s.route(mux, "/list", s.handleList)
	s.route(mux, "/server/register", s.handleRegisterServer)
	s.route(mux, "/server/active", s.handleServerActive)
	s.route(mux, "/keys/register", s.handleRegisterKeys)
	s.route(mux, "/cleanup", s.handleCleanup)
	s.route(mux, "/heartbeat", s.handleHeartbeat)
	s.route(mux, "/traffic", s.handleTraffic)
	s.route(mux, "/health", s.handleHealth)
	s.route(mux, "/", s.handleIndex)
	if s.gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	return s.withRequestID(s.withRateLimit(mux))
}

// ListenAndServe runs the HTTP server until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s.serve(ctx, server)
}

func (s *Server) serve(ctx context.Context, server *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("Broker listening", "addr", server.Addr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleAllocate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	q := r.URL.Query()
	holder := strings.TrimSpace(q.Get("holder"))
	if holder == "" {
		holder = addrutil.ClientIP(r)
	}
	lease, err := s.broker.Allocate(r.Context(), broker.AllocateRequest{
		ServerAddress: strings.TrimSpace(q.Get("ip")),
		Holder:        holder,
	})
	if err != nil {
		s.writeError(w, r, "allocate", err)
		return
	}

	writeJSON(w, http.StatusOK, api.AllocateResponse{
		Response:     api.Response{Success: true},
		ServerIP:     lease.ServerIP,
		ServerPort:   lease.ServerPort,
		ServerPubkey: lease.ServerPubkey,
		PrivateKey:   lease.PrivateKey,
		PublicKey:    lease.PublicKey,
		InternalIP:   lease.InternalAddress,
		AssignedTo:   lease.Holder,
		Config:       lease.Config,
	})
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req api.ReleaseRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	released, err := s.broker.Release(r.Context(), req.PublicKey)
	if err != nil {
		s.writeError(w, r, "release", err)
		return
	}

	writeJSON(w, http.StatusOK, api.ReleaseResponse{
		Response:        api.Response{Success: true},
		Message:         "credential released",
		InternalIP:      released.InternalAddress,
		AssignedTo:      released.Holder,
		DurationSeconds: released.DurationSeconds,
		LogError:        released.LogError,
	})
}

func (s *Server) handleReleaseAll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	q := r.URL.Query()
	ip := strings.TrimSpace(q.Get("ip"))
	del := false
	if v := q.Get("delete"); v != "" {
		var err error
		if del, err = strconv.ParseBool(v); err != nil {
			writeJSONError(w, http.StatusBadRequest, "delete must be a boolean")
			return
		}
	}

	if !del {
		report, err := s.broker.ReleaseAll(r.Context(), ip)
		if err != nil {
			s.writeError(w, r, "release_all", err)
			return
		}
		writeJSON(w, http.StatusOK, api.ReleaseAllResponse{
			Response: api.Response{Success: true},
			Message:  fmt.Sprintf("released %d credentials", report.Released),
			Released: report.Released,
			Leases:   releasedLeases(report.Leases),
		})
		return
	}

	if ip == "" {
		writeJSONError(w, http.StatusBadRequest, "ip is required when delete is set")
		return
	}
	port := 0
	if v := q.Get("port"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "port must be a number")
			return
		}
		port = p
	}
	deletion, err := s.broker.DeleteServer(r.Context(), ip, port)
	if err != nil {
		s.writeError(w, r, "delete_server", err)
		return
	}
	writeJSON(w, http.StatusOK, api.ReleaseAllResponse{
		Response: api.Response{Success: true},
		Message:  "server deleted",
		Released: deletion.KeysWereInUse,
		Leases:   []api.ReleasedLease{},
		Deleted: &api.DeletedServer{
			ServerIP:      deletion.ServerIP,
			Port:          deletion.Port,
			KeysDeleted:   deletion.KeysDeleted,
			KeysWereInUse: deletion.KeysWereInUse,
		},
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	st, err := s.broker.Status(r.Context(), r.URL.Query().Get("ip"))
	if err != nil {
		s.writeError(w, r, "status", err)
		return
	}

	resp := api.StatusResponse{
		Response:          api.Response{Success: true},
		Statistics:        statistics(st.Statistics),
		Servers:           make([]api.ServerStatus, 0, len(st.Servers)),
		ActiveConnections: make([]api.ActiveConnection, 0, len(st.Active)),
		Leases:            metrics.SummarizeLeases(st.Active),
	}
	for _, sv := range st.Servers {
		item := api.ServerStatus{
			ServerID:   sv.ServerID,
			PublicIP:   sv.PublicIP,
			Port:       sv.Port,
			Eligible:   sv.Eligible,
			Statistics: statistics(sv.PoolStats),
		}
		if !sv.LastHeartbeatAt.IsZero() {
			hb := sv.LastHeartbeatAt
			item.LastHeartbeatAt = &hb
		}
		resp.Servers = append(resp.Servers, item)
	}
	for _, a := range st.Active {
		resp.ActiveConnections = append(resp.ActiveConnections, api.ActiveConnection{
			InternalIP:      a.InternalAddress,
			AssignedTo:      a.AssignedTo,
			AssignedAt:      a.AssignedAt,
			ServerIP:        a.ServerIP,
			DurationSeconds: a.DurationSeconds,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	ips, err := s.broker.ListServers(r.Context())
	if err != nil {
		s.writeError(w, r, "list", err)
		return
	}
	writeJSON(w, http.StatusOK, api.ListResponse{
		Response: api.Response{Success: true},
		Servers:  ips,
		Count:    len(ips),
	})
}

func (s *Server) handleRegisterServer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req api.RegisterServerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := s.broker.RegisterServer(r.Context(), broker.ServerRegistration{
		PublicIP:     req.PublicIP,
		Port:         req.Port,
		ServerPubkey: req.ServerPubkey,
		Memo:         req.Memo,
	})
	if err != nil {
		s.writeError(w, r, "register_server", err)
		return
	}
	writeJSON(w, http.StatusOK, api.RegisterServerResponse{
		Response: api.Response{Success: true},
		ServerID: res.ServerID,
		Action:   res.Action,
	})
}

func (s *Server) handleServerActive(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req api.ServerActiveRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	err := s.broker.SetServerActive(r.Context(), broker.ServerState{
		PublicIP: req.PublicIP,
		Port:     req.Port,
		Active:   req.Active,
	})
	if err != nil {
		s.writeError(w, r, "server_active", err)
		return
	}
	writeJSON(w, http.StatusOK, api.Response{Success: true})
}

func (s *Server) handleRegisterKeys(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req api.RegisterKeysRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	batch := broker.CredentialBatch{PublicIP: req.PublicIP, Port: req.Port}
	for _, k := range req.Keys {
		batch.Keys = append(batch.Keys, broker.CredentialItem{
			InternalAddress: k.InternalIP,
			PrivateKey:      k.PrivateKey,
			PublicKey:       k.PublicKey,
		})
	}
	res, err := s.broker.RegisterCredentials(r.Context(), batch)
	if err != nil {
		s.writeError(w, r, "register_keys", err)
		return
	}
	if perr := res.Err(); perr != nil {
		s.log.Warn("Partial credential registration", "server", req.PublicIP, "port", req.Port, "error", perr)
	}

	resp := api.RegisterKeysResponse{
		Response:   api.Response{Success: true},
		ServerID:   res.ServerID,
		Registered: res.Registered,
		Total:      res.Total,
		Partial:    len(res.Errors) > 0,
		Errors:     make([]api.KeyError, 0, len(res.Errors)),
	}
	for _, e := range res.Errors {
		resp.Errors = append(resp.Errors, api.KeyError{Index: e.Index, InternalIP: e.InternalAddress, Error: e.Error})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req api.CleanupRequest
	if err := decodeJSON(w, r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	ttl := s.cfg.LeaseTTL
	if ttl <= 0 {
		ttl = DefaultCleanupTTL
	}
	if req.Minutes != nil {
		ttl = minutes(*req.Minutes)
	}

	report, err := s.broker.Sweep(r.Context(), ttl)
	if err != nil {
		s.writeError(w, r, "cleanup", err)
		return
	}
	writeJSON(w, http.StatusOK, api.CleanupResponse{
		Response: api.Response{Success: true},
		Cleaned:  report.Released,
		Leases:   releasedLeases(report.Leases),
	})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req api.HeartbeatRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	err := s.broker.Heartbeat(r.Context(), broker.Heartbeat{
		PublicIP:  req.PublicIP,
		Port:      req.Port,
		Interface: req.Interface,
		RxBytes:   req.RxBytes,
		TxBytes:   req.TxBytes,
	})
	if err != nil {
		s.writeError(w, r, "heartbeat", err)
		return
	}
	writeJSON(w, http.StatusOK, api.Response{Success: true})
}

func (s *Server) handleTraffic(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	q := r.URL.Query()
	ip, date := strings.TrimSpace(q.Get("ip")), strings.TrimSpace(q.Get("date"))
	samples, err := s.broker.TrafficReport(r.Context(), ip, date)
	if err != nil {
		s.writeError(w, r, "traffic", err)
		return
	}

	if q.Get("format") == "csv" {
		w.Header().Set("Content-Type", "text/csv")
		w.WriteHeader(http.StatusOK)
		if err := metrics.WriteTrafficCSV(w, samples); err != nil {
			s.log.Error("Failed to write traffic CSV", "error", err)
		}
		return
	}

	resp := api.TrafficResponse{
		Response: api.Response{Success: true},
		ServerIP: ip,
		Date:     date,
		Samples:  make([]api.TrafficSample, 0, len(samples)),
		Summary:  metrics.SummarizeTraffic(samples),
	}
	for _, t := range samples {
		resp.Samples = append(resp.Samples, trafficSample(t))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	if err := s.broker.Health(r.Context()); err != nil {
		s.log.Error("Health check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, api.HealthResponse{
			Response: api.Response{Success: false, Error: err.Error()},
			Status:   "unhealthy",
			Database: "unreachable",
		})
		return
	}

	resp := api.HealthResponse{Response: api.Response{Success: true}, Status: "healthy", Database: "ok"}
	if n, err := s.broker.InconsistentCredentials(r.Context()); err == nil && n > 0 {
		resp.Status = "degraded"
		resp.Database = fmt.Sprintf("%d inconsistent credentials", n)
	}
	writeJSON(w, http.StatusOK, resp)
}

var endpoints = []api.Endpoint{
	{Method: http.MethodGet, Path: "/allocate"},
	{Method: http.MethodPost, Path: "/release"},
	{Method: http.MethodGet, Path: "/release/all"},
	{Method: http.MethodGet, Path: "/status"},
	{Method: http.MethodGet, Path: "/list"},
	{Method: http.MethodPost, Path: "/server/register"},
	{Method: http.MethodPost, Path: "/server/active"},
	{Method: http.MethodPost, Path: "/keys/register"},
	{Method: http.MethodPost, Path: "/cleanup"},
	{Method: http.MethodPost, Path: "/heartbeat"},
	{Method: http.MethodGet, Path: "/traffic"},
	{Method: http.MethodGet, Path: "/health"},
	{Method: http.MethodGet, Path: "/metrics"},
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		writeJSONError(w, http.StatusNotFound, "not found")
		return
	}
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, api.IndexResponse{
		Response:  api.Response{Success: true},
		Name:      "vpnpool",
		Endpoints: endpoints,
	})
}

// writeError maps a broker error onto a status code. Pool exhaustion on
// allocate is reported as 404, like an unknown server.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, route string, err error) {
	status := http.StatusInternalServerError
	switch broker.KindOf(err) {
	case broker.KindInvalidInput:
		status = http.StatusBadRequest
	case broker.KindNotFound:
		status = http.StatusNotFound
	case broker.KindConflict:
		status = http.StatusConflict
		if route == "allocate" {
			status = http.StatusNotFound
		}
	case broker.KindStoreUnavailable:
		status = http.StatusServiceUnavailable
	}

	if status >= http.StatusInternalServerError {
		s.log.Error("Request failed", "route", route, "request_id", requestID(r.Context()), "error", err)
	} else {
		s.log.Debug("Request rejected", "route", route, "status", status, "error", err)
	}
	writeJSONError(w, status, err.Error())
}

func statistics(p model.PoolStats) api.Statistics {
	return api.Statistics{TotalKeys: p.TotalKeys, KeysInUse: p.KeysInUse, KeysAvailable: p.KeysAvailable}
}

func releasedLeases(in []model.ReleasedLease) []api.ReleasedLease {
	out := make([]api.ReleasedLease, 0, len(in))
	for _, l := range in {
		out = append(out, api.ReleasedLease{
			InternalIP:      l.InternalAddress,
			AssignedTo:      l.Holder,
			ServerIP:        l.ServerIP,
			DurationSeconds: l.DurationSeconds,
			LogError:        l.LogError,
		})
	}
	return out
}

func trafficSample(t model.TrafficSample) api.TrafficSample {
	return api.TrafficSample{
		ServerID:   t.ServerID,
		Interface:  t.Interface,
		Date:       t.Date,
		BaselineRx: t.BaselineRx,
		CurrentRx:  t.CurrentRx,
		BaselineTx: t.BaselineTx,
		CurrentTx:  t.CurrentTx,
		RxBytes:    t.RxDelta(),
		TxBytes:    t.TxDelta(),
		UpdatedAt:  t.UpdatedAt,
	}
}

// minutes converts a wire TTL, saturating instead of overflowing.
func minutes(n int) time.Duration {
	if int64(n) > math.MaxInt64/int64(time.Minute) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(n) * time.Minute
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	return decoder.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	encoder := json.NewEncoder(w)
	_ = encoder.Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, api.Response{Success: false, Error: message})
}
