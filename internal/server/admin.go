package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/mcpmesh/balancer/internal/balancer"
	"github.com/mcpmesh/balancer/internal/domain"
	"github.com/mcpmesh/balancer/internal/errors"
	"github.com/mcpmesh/balancer/internal/stats"
	"github.com/mcpmesh/balancer/pkg/logger"
)

// AdminServer exposes the balancer's management surface: instance and rule
// CRUD, stats snapshots and the Prometheus scrape endpoint. The status
// endpoint is the hook the external discovery component pushes health
// through.
type AdminServer struct {
	balancer  *balancer.Balancer
	logger    *logger.Logger
	server    *http.Server
	startTime time.Time
}

// Options configures the admin server.
type Options struct {
	Port              int
	RequestsPerSecond float64
	BurstSize         int
}

// NewAdminServer creates the admin API server.
func NewAdminServer(b *balancer.Balancer, opts Options, log *logger.Logger) *AdminServer {
	s := &AdminServer{
		balancer:  b,
		logger:    log.AdminLogger(),
		startTime: time.Now(),
	}

	router := mux.NewRouter()
	router.Use(s.loggingMiddleware)
	router.Use(rateLimitMiddleware(opts.RequestsPerSecond, opts.BurstSize, s.logger))

	router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	router.Handle("/metrics", s.metricsHandler()).Methods(http.MethodGet)

	router.HandleFunc("/stats", s.handleGlobalStats).Methods(http.MethodGet)
	router.HandleFunc("/stats/{id}", s.handleInstanceStats).Methods(http.MethodGet)

	router.HandleFunc("/instances", s.handleListInstances).Methods(http.MethodGet)
	router.HandleFunc("/instances", s.handleAddInstance).Methods(http.MethodPost)
	router.HandleFunc("/instances/{id}", s.handleRemoveInstance).Methods(http.MethodDelete)
	router.HandleFunc("/instances/{id}/weight", s.handleUpdateWeight).Methods(http.MethodPut)
	router.HandleFunc("/instances/{id}/status", s.handleUpdateStatus).Methods(http.MethodPut)
	router.HandleFunc("/instances/{id}/enabled", s.handleUpdateEnabled).Methods(http.MethodPut)

	router.HandleFunc("/rules", s.handleListRules).Methods(http.MethodGet)
	router.HandleFunc("/rules", s.handleAddRule).Methods(http.MethodPost)
	router.HandleFunc("/rules/{id}", s.handleRemoveRule).Methods(http.MethodDelete)

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", opts.Port),
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Start begins serving the admin API. Blocks until the server exits.
func (s *AdminServer) Start() error {
	s.logger.WithField("addr", s.server.Addr).Info("Starting admin API")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the admin API.
func (s *AdminServer) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// metricsHandler refreshes the per-instance gauges before handing off to the
// Prometheus scrape handler.
func (s *AdminServer) metricsHandler() http.Handler {
	promHandler := stats.MetricsHandler()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		stats.UpdateInstanceMetrics(s.balancer.Instances())
		promHandler.ServeHTTP(w, r)
	})
}

// InstanceRequest represents a request to register an instance
type InstanceRequest struct {
	ID      string `json:"id"`
	Service string `json:"service"`
	Address string `json:"address"`
	Weight  int    `json:"weight,omitempty"`
}

// RuleRequest represents a request to register a balancing rule
type RuleRequest struct {
	ID             string `json:"id"`
	Pattern        string `json:"pattern"`
	Algorithm      string `json:"algorithm"`
	StickySessions bool   `json:"sticky_sessions"`
	Enabled        *bool  `json:"enabled,omitempty"`
}

// InstanceResponse represents instance information in API responses
type InstanceResponse struct {
	ID                 string    `json:"id"`
	Service            string    `json:"service"`
	Address            string    `json:"address"`
	Status             string    `json:"status"`
	Enabled            bool      `json:"enabled"`
	Weight             int       `json:"weight"`
	CurrentConnections int64     `json:"current_connections"`
	TotalRequests      int64     `json:"total_requests"`
	FailedRequests     int64     `json:"failed_requests"`
	AvgResponseTimeMs  float64   `json:"avg_response_time_ms"`
	LastRequestTime    time.Time `json:"last_request_time"`
}

func instanceResponse(instance *domain.ServiceInstance) InstanceResponse {
	return InstanceResponse{
		ID:                 instance.ID(),
		Service:            instance.Service(),
		Address:            instance.Address(),
		Status:             instance.Status().String(),
		Enabled:            instance.Enabled(),
		Weight:             instance.Weight(),
		CurrentConnections: instance.CurrentConnections(),
		TotalRequests:      instance.TotalRequests(),
		FailedRequests:     instance.FailedRequests(),
		AvgResponseTimeMs:  instance.AverageResponseTime(),
		LastRequestTime:    instance.LastRequestTime(),
	}
}

func (s *AdminServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "ok",
		"instances":      s.balancer.Registry().Count(),
		"uptime_seconds": time.Since(s.startTime).Seconds(),
		"timestamp":      time.Now(),
	})
}

func (s *AdminServer) handleGlobalStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.balancer.GetServiceStats(""))
}

func (s *AdminServer) handleInstanceStats(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	snapshot := s.balancer.GetServiceStats(id)
	if snapshot == nil {
		s.writeError(w, errors.NewInstanceNotFoundError(id))
		return
	}
	s.writeJSON(w, http.StatusOK, snapshot)
}

func (s *AdminServer) handleListInstances(w http.ResponseWriter, r *http.Request) {
	instances := s.balancer.Instances()
	response := make([]InstanceResponse, 0, len(instances))
	for _, instance := range instances {
		response = append(response, instanceResponse(instance))
	}
	s.writeJSON(w, http.StatusOK, response)
}

func (s *AdminServer) handleAddInstance(w http.ResponseWriter, r *http.Request) {
	var req InstanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.ID == "" || req.Service == "" {
		http.Error(w, "id and service are required", http.StatusBadRequest)
		return
	}

	descriptor := domain.ServiceDescriptor{
		ID:      req.ID,
		Service: req.Service,
		Address: req.Address,
		Status:  domain.StatusStarting,
	}
	if !s.balancer.AddService(descriptor, req.Weight) {
		s.writeError(w, errors.NewInstanceExistsError(req.ID))
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]string{"id": req.ID})
}

func (s *AdminServer) handleRemoveInstance(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !s.balancer.RemoveService(id) {
		s.writeError(w, errors.NewInstanceNotFoundError(id))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *AdminServer) handleUpdateWeight(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req struct {
		Weight int `json:"weight"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Weight <= 0 {
		http.Error(w, "weight must be positive", http.StatusBadRequest)
		return
	}

	if !s.balancer.UpdateServiceWeight(id, req.Weight) {
		s.writeError(w, errors.NewInstanceNotFoundError(id))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *AdminServer) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if !s.balancer.SetInstanceStatus(id, domain.InstanceStatus(req.Status)) {
		s.writeError(w, errors.NewInstanceNotFoundError(id))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *AdminServer) handleUpdateEnabled(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if !s.balancer.SetInstanceEnabled(id, req.Enabled) {
		s.writeError(w, errors.NewInstanceNotFoundError(id))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *AdminServer) handleListRules(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.balancer.Rules())
}

func (s *AdminServer) handleAddRule(w http.ResponseWriter, r *http.Request) {
	var req RuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.ID == "" || req.Pattern == "" {
		http.Error(w, "id and pattern are required", http.StatusBadRequest)
		return
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	rule := domain.BalancingRule{
		ID:             req.ID,
		Pattern:        req.Pattern,
		Algorithm:      domain.Algorithm(req.Algorithm),
		StickySessions: req.StickySessions,
		Enabled:        enabled,
	}
	if !s.balancer.AddBalancingRule(rule) {
		http.Error(w, "rule rejected: duplicate id or unknown algorithm", http.StatusBadRequest)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]string{"id": req.ID})
}

func (s *AdminServer) handleRemoveRule(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !s.balancer.RemoveBalancingRule(id) {
		s.writeError(w, errors.NewError(errors.ErrCodeRuleNotFound, "admin_api",
			fmt.Sprintf("Rule %s is not registered", id)))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *AdminServer) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.WithError(err).Error("Failed to encode response")
	}
}

func (s *AdminServer) writeError(w http.ResponseWriter, err *errors.BalancerError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.HTTPStatusCode())
	if encodeErr := json.NewEncoder(w).Encode(err); encodeErr != nil {
		s.logger.WithError(encodeErr).Error("Failed to encode error response")
	}
}

func (s *AdminServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.WithFields(map[string]interface{}{
			"method":      r.Method,
			"path":        r.URL.Path,
			"remote_addr": r.RemoteAddr,
			"duration_ms": time.Since(start).Milliseconds(),
		}).Debug("Handled admin request")
	})
}
