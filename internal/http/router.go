package httpx

import (
	"bufio"
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

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/SAI09992/scrs/internal/domain"
	"github.com/SAI09992/scrs/internal/service/admin"
	"github.com/SAI09992/scrs/internal/service/session"
	"github.com/SAI09992/scrs/internal/service/team"
	"github.com/SAI09992/scrs/internal/ws"
)

// SessionService admits and validates participant devices.
type SessionService interface {
	Login(ctx context.Context, code, deviceID string) (session.Grant, error)
	Logout(ctx context.Context, token string) error
	Validate(ctx context.Context, token string) (domain.Session, error)
	Heartbeat(ctx context.Context, token string) (domain.Session, error)
}

// LedgerService is the participant view of the allocation ledger.
type LedgerService interface {
	Window(ctx context.Context) (domain.SelectionConfig, error)
	ListProblems(ctx context.Context, visibleOnly bool) ([]domain.Problem, error)
	ListAvailability(ctx context.Context, visibleOnly bool) ([]domain.Availability, error)
	MyClaim(ctx context.Context, teamID string) (domain.Claim, error)
	ClaimForDevice(ctx context.Context, teamID, deviceID, problemID string) (domain.Claim, error)
}

// AdminService is the administrator override channel.
type AdminService interface {
	ForceClear(ctx context.Context, token, teamID string) (int, error)
	ListClaims(ctx context.Context, token string) ([]domain.Claim, error)
	ToggleLock(ctx context.Context, token, claimID string) (domain.Claim, error)
	DeleteClaim(ctx context.Context, token, claimID string) error
	SetWindow(ctx context.Context, token string, open bool) (domain.SelectionConfig, error)
	ListProblems(ctx context.Context, token string) ([]domain.Problem, error)
	UpsertProblem(ctx context.Context, token string, p domain.Problem) (domain.Problem, error)
	CreateTeam(ctx context.Context, token string, in team.CreateInput) (domain.Team, error)
	ListTeams(ctx context.Context, token string) ([]domain.Team, error)
	SetTeamActive(ctx context.Context, token, teamID string, active bool) (domain.Team, error)
	UpdateRoster(ctx context.Context, token, teamID string, members []domain.Member) (domain.Team, error)
	MarkAttendance(ctx context.Context, token, teamID string, member, round int, present bool) (domain.Team, error)
	DeleteTeam(ctx context.Context, token, teamID string, policy team.DeletePolicy) error
	PurgeOrphanClaims(ctx context.Context, token string) ([]string, error)
	DedupeTeams(ctx context.Context, token string) ([]string, error)
	BulkReset(ctx context.Context, token string, includeLocked bool) (admin.ResetReport, error)
}

// TeamDirectory reads team documents for participants.
type TeamDirectory interface {
	Get(ctx context.Context, id string) (domain.Team, error)
}

// EventHub fans events out to streaming subscribers.
type EventHub interface {
	Register(client ws.Subscriber, topics ...string)
	Unregister(client ws.Subscriber, topics ...string)
}

// Dependencies groups everything the router dispatches to.
type Dependencies struct {
	Sessions SessionService
	Ledger   LedgerService
	Teams    TeamDirectory
	Admin    AdminService
	Hub      EventHub
	Limiter  RateLimiter
	// Health reports store reachability; nil skips the check.
	Health func(context.Context) error
}

// Router wires HTTP endpoints to services.
type Router struct {
	mux      *http.ServeMux
	logger   *slog.Logger
	sessions SessionService
	ledger   LedgerService
	teams    TeamDirectory
	admin    AdminService
	hub      EventHub
	upgrader websocket.Upgrader
	limiter  RateLimiter
	dbHealth func(context.Context) error

	streamHeartbeat time.Duration
	wsPingInterval  time.Duration

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
	admissions         *prometheus.CounterVec
	claims             *prometheus.CounterVec
}

const (
	healthCheckTimeout  = 2 * time.Second
	streamHeartbeat     = 15 * time.Second
	websocketPingPeriod = 30 * time.Second
)

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, deps Dependencies) *Router {
	r := &Router{
		mux:      http.NewServeMux(),
		logger:   logger,
		sessions: deps.Sessions,
		ledger:   deps.Ledger,
		teams:    deps.Teams,
		admin:    deps.Admin,
		hub:      deps.Hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:         deps.Limiter,
		dbHealth:        deps.Health,
		streamHeartbeat: streamHeartbeat,
		wsPingInterval:  websocketPingPeriod,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	r.initMetrics()
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.HandleFunc("GET /healthz", r.audit(r.handleHealthz))
	r.mux.Handle("GET /metrics", promhttp.Handler())

	r.mux.HandleFunc("POST /session/login", r.audit(r.withRateLimit(rateLogin, r.handleLogin)))
	r.mux.HandleFunc("POST /session/logout", r.audit(r.handleLogout))
	r.mux.HandleFunc("GET /session", r.audit(r.handlerSessionRate(rateTeamRead, r.handleSession)))
	r.mux.HandleFunc("POST /session/heartbeat", r.audit(r.withRateLimit(rateHeartbeat, r.handleHeartbeat)))
	r.mux.HandleFunc("GET /team", r.audit(r.handlerSessionRate(rateTeamRead, r.handleTeam)))
	r.mux.HandleFunc("GET /problems", r.audit(r.handlerSessionRate(rateTeamRead, r.handleProblems)))
	r.mux.HandleFunc("GET /availability", r.audit(r.handlerSessionRate(rateTeamRead, r.handleAvailability)))
	r.mux.HandleFunc("GET /claims/mine", r.audit(r.handlerSessionRate(rateTeamRead, r.handleMyClaim)))
	r.mux.HandleFunc("POST /claims", r.audit(r.handlerSessionRate(rateClaim, r.handleClaim)))
	r.mux.HandleFunc("GET /ws/events", r.audit(r.handlerSessionRate(rateStream, r.handleEventsWS)))
	r.mux.HandleFunc("GET /events/stream", r.audit(r.handlerSessionRate(rateStream, r.handleEventStream)))

	r.mux.HandleFunc("GET /admin/teams", r.audit(r.handlerAdminRate(r.handleAdminListTeams)))
	r.mux.HandleFunc("POST /admin/teams", r.audit(r.handlerAdminRate(r.handleAdminCreateTeam)))
	r.mux.HandleFunc("POST /admin/teams/dedupe", r.audit(r.handlerAdminRate(r.handleAdminDedupe)))
	r.mux.HandleFunc("PATCH /admin/teams/{id}/active", r.audit(r.handlerAdminRate(r.handleAdminTeamActive)))
	r.mux.HandleFunc("PUT /admin/teams/{id}/roster", r.audit(r.handlerAdminRate(r.handleAdminRoster)))
	r.mux.HandleFunc("POST /admin/teams/{id}/attendance", r.audit(r.handlerAdminRate(r.handleAdminAttendance)))
	r.mux.HandleFunc("POST /admin/teams/{id}/force-clear", r.audit(r.handlerAdminRate(r.handleAdminForceClear)))
	r.mux.HandleFunc("DELETE /admin/teams/{id}", r.audit(r.handlerAdminRate(r.handleAdminDeleteTeam)))
	r.mux.HandleFunc("GET /admin/problems", r.audit(r.handlerAdminRate(r.handleAdminListProblems)))
	r.mux.HandleFunc("PUT /admin/problems/{id}", r.audit(r.handlerAdminRate(r.handleAdminUpsertProblem)))
	r.mux.HandleFunc("GET /admin/claims", r.audit(r.handlerAdminRate(r.handleAdminListClaims)))
	r.mux.HandleFunc("POST /admin/claims/purge-orphans", r.audit(r.handlerAdminRate(r.handleAdminPurgeOrphans)))
	r.mux.HandleFunc("POST /admin/claims/{id}/lock", r.audit(r.handlerAdminRate(r.handleAdminToggleLock)))
	r.mux.HandleFunc("DELETE /admin/claims/{id}", r.audit(r.handlerAdminRate(r.handleAdminDeleteClaim)))
	r.mux.HandleFunc("PUT /admin/window", r.audit(r.handlerAdminRate(r.handleAdminWindow)))
	r.mux.HandleFunc("POST /admin/reset", r.audit(r.handlerAdminRate(r.handleAdminReset)))
}

func decodeJSON(w http.ResponseWriter, req *http.Request, v any) bool {
	if err := json.NewDecoder(req.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func (r *Router) handleLogin(w http.ResponseWriter, req *http.Request) {
	var payload struct {
		Code     string `json:"code"`
		DeviceID string `json:"device_id"`
	}
	if !decodeJSON(w, req, &payload) {
		return
	}
	grant, err := r.sessions.Login(req.Context(), payload.Code, payload.DeviceID)
	r.recordAdmission(err)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, grant)
}

func (r *Router) handleLogout(w http.ResponseWriter, req *http.Request) {
	token, err := bearerToken(req.Header.Get("Authorization"))
	if err != nil {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	if err := r.sessions.Logout(req.Context(), token); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
}

func (r *Router) handleSession(w http.ResponseWriter, req *http.Request) {
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		r.logger.Error("auth context missing for session", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "authorization context missing")
		return
	}
	writeJSON(w, http.StatusOK, info.Session)
}

func (r *Router) handleHeartbeat(w http.ResponseWriter, req *http.Request) {
	token, err := bearerToken(req.Header.Get("Authorization"))
	if err != nil {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	sess, err := r.sessions.Heartbeat(req.Context(), token)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (r *Router) handleProblems(w http.ResponseWriter, req *http.Request) {
	problems, err := r.ledger.ListProblems(req.Context(), true)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, problems)
}

// AvailabilityResponse is the body of GET /availability.
type AvailabilityResponse struct {
	Window       domain.SelectionConfig `json:"window"`
	Availability []domain.Availability  `json:"availability"`
}

func (r *Router) handleAvailability(w http.ResponseWriter, req *http.Request) {
	window, err := r.ledger.Window(req.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	avail, err := r.ledger.ListAvailability(req.Context(), true)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, AvailabilityResponse{Window: window, Availability: avail})
}

// teamView is the participant projection of a team: roster and attendance
// without the device bookkeeping.
type teamView struct {
	ID      string          `json:"id"`
	Name    string          `json:"name"`
	Code    string          `json:"code"`
	Members []domain.Member `json:"members"`
	Devices int             `json:"devices"`
}

func (r *Router) handleTeam(w http.ResponseWriter, req *http.Request) {
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		writeError(w, http.StatusInternalServerError, "authorization context missing")
		return
	}
	t, err := r.teams.Get(req.Context(), info.TeamID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	members := t.Members
	if members == nil {
		members = []domain.Member{}
	}
	writeJSON(w, http.StatusOK, teamView{ID: t.ID, Name: t.Name, Code: t.Code, Members: members, Devices: len(t.ActiveDevices)})
}

func (r *Router) handleMyClaim(w http.ResponseWriter, req *http.Request) {
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		writeError(w, http.StatusInternalServerError, "authorization context missing")
		return
	}
	claim, err := r.ledger.MyClaim(req.Context(), info.TeamID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, claim)
}

func (r *Router) handleClaim(w http.ResponseWriter, req *http.Request) {
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		writeError(w, http.StatusInternalServerError, "authorization context missing")
		return
	}
	var payload struct {
		ProblemID string `json:"problem_id"`
	}
	if !decodeJSON(w, req, &payload) {
		return
	}
	claim, err := r.ledger.ClaimForDevice(req.Context(), info.TeamID, info.DeviceID, payload.ProblemID)
	r.recordClaim(err)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, claim)
}

func (r *Router) handleEventsWS(w http.ResponseWriter, req *http.Request) {
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		r.logger.Error("auth context missing for events websocket", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "authorization context missing")
		return
	}
	if r.hub == nil {
		writeError(w, http.StatusServiceUnavailable, "event stream unavailable")
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	topics := []string{ws.TopicConfig, ws.TeamTopic(info.TeamID)}
	client := ws.NewClient(conn, r.logger)
	r.hub.Register(client, topics...)
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(r.wsPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := client.Ping(); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()
	go func() {
		defer func() {
			close(done)
			r.hub.Unregister(client, topics...)
			client.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (r *Router) handleEventStream(w http.ResponseWriter, req *http.Request) {
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		r.logger.Error("auth context missing for event stream", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "authorization context missing")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	if r.hub == nil {
		writeError(w, http.StatusServiceUnavailable, "event stream unavailable")
		return
	}
	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	client := ws.NewSSEClient(w, flusher, r.logger, ws.WithWriteDeadline(http.NewResponseController(w).SetWriteDeadline))
	ready, _ := json.Marshal(domain.Event{Type: "stream.ready", TeamID: info.TeamID, At: time.Now().UTC()})
	if err := client.SendEvent("ready", ready); err != nil {
		return
	}
	topics := []string{ws.TopicConfig, ws.TeamTopic(info.TeamID)}
	r.hub.Register(client, topics...)
	defer func() {
		r.hub.Unregister(client, topics...)
		client.Close()
	}()

	ticker := time.NewTicker(r.streamHeartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-req.Context().Done():
			return
		case <-client.Done():
			return
		case <-ticker.C:
			if err := client.Heartbeat(); err != nil {
				return
			}
		}
	}
}

func (r *Router) adminToken(w http.ResponseWriter, req *http.Request) (string, bool) {
	info, ok := authInfoFromContext(req.Context())
	if !ok || info.Actor != actorAdmin {
		r.logger.Error("auth context missing for admin route", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "authorization context missing")
		return "", false
	}
	return info.Token, true
}

func (r *Router) handleAdminListTeams(w http.ResponseWriter, req *http.Request) {
	token, ok := r.adminToken(w, req)
	if !ok {
		return
	}
	teams, err := r.admin.ListTeams(req.Context(), token)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, teams)
}

func (r *Router) handleAdminCreateTeam(w http.ResponseWriter, req *http.Request) {
	token, ok := r.adminToken(w, req)
	if !ok {
		return
	}
	var payload team.CreateInput
	if !decodeJSON(w, req, &payload) {
		return
	}
	created, err := r.admin.CreateTeam(req.Context(), token, payload)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (r *Router) handleAdminDedupe(w http.ResponseWriter, req *http.Request) {
	token, ok := r.adminToken(w, req)
	if !ok {
		return
	}
	removed, err := r.admin.DedupeTeams(req.Context(), token)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed": nonNil(removed)})
}

func (r *Router) handleAdminTeamActive(w http.ResponseWriter, req *http.Request) {
	token, ok := r.adminToken(w, req)
	if !ok {
		return
	}
	var payload struct {
		Active *bool `json:"active"`
	}
	if !decodeJSON(w, req, &payload) {
		return
	}
	if payload.Active == nil {
		writeError(w, http.StatusBadRequest, "active is required")
		return
	}
	updated, err := r.admin.SetTeamActive(req.Context(), token, req.PathValue("id"), *payload.Active)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (r *Router) handleAdminRoster(w http.ResponseWriter, req *http.Request) {
	token, ok := r.adminToken(w, req)
	if !ok {
		return
	}
	var payload struct {
		Members []domain.Member `json:"members"`
	}
	if !decodeJSON(w, req, &payload) {
		return
	}
	updated, err := r.admin.UpdateRoster(req.Context(), token, req.PathValue("id"), payload.Members)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (r *Router) handleAdminAttendance(w http.ResponseWriter, req *http.Request) {
	token, ok := r.adminToken(w, req)
	if !ok {
		return
	}
	var payload struct {
		Member  int  `json:"member"`
		Round   int  `json:"round"`
		Present bool `json:"present"`
	}
	if !decodeJSON(w, req, &payload) {
		return
	}
	updated, err := r.admin.MarkAttendance(req.Context(), token, req.PathValue("id"), payload.Member, payload.Round, payload.Present)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (r *Router) handleAdminForceClear(w http.ResponseWriter, req *http.Request) {
	token, ok := r.adminToken(w, req)
	if !ok {
		return
	}
	cleared, err := r.admin.ForceClear(req.Context(), token, req.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"cleared": cleared})
}

func (r *Router) handleAdminDeleteTeam(w http.ResponseWriter, req *http.Request) {
	token, ok := r.adminToken(w, req)
	if !ok {
		return
	}
	policy := team.DeletePolicy(strings.TrimSpace(req.URL.Query().Get("policy")))
	if err := r.admin.DeleteTeam(req.Context(), token, req.PathValue("id"), policy); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (r *Router) handleAdminListProblems(w http.ResponseWriter, req *http.Request) {
	token, ok := r.adminToken(w, req)
	if !ok {
		return
	}
	problems, err := r.admin.ListProblems(req.Context(), token)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, problems)
}

func (r *Router) handleAdminUpsertProblem(w http.ResponseWriter, req *http.Request) {
	token, ok := r.adminToken(w, req)
	if !ok {
		return
	}
	var payload domain.Problem
	if !decodeJSON(w, req, &payload) {
		return
	}
	payload.ID = req.PathValue("id")
	saved, err := r.admin.UpsertProblem(req.Context(), token, payload)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

func (r *Router) handleAdminListClaims(w http.ResponseWriter, req *http.Request) {
	token, ok := r.adminToken(w, req)
	if !ok {
		return
	}
	claims, err := r.admin.ListClaims(req.Context(), token)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(claims))
}

func (r *Router) handleAdminPurgeOrphans(w http.ResponseWriter, req *http.Request) {
	token, ok := r.adminToken(w, req)
	if !ok {
		return
	}
	purged, err := r.admin.PurgeOrphanClaims(req.Context(), token)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"purged": nonNil(purged)})
}

func (r *Router) handleAdminToggleLock(w http.ResponseWriter, req *http.Request) {
	token, ok := r.adminToken(w, req)
	if !ok {
		return
	}
	claim, err := r.admin.ToggleLock(req.Context(), token, req.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, claim)
}

func (r *Router) handleAdminDeleteClaim(w http.ResponseWriter, req *http.Request) {
	token, ok := r.adminToken(w, req)
	if !ok {
		return
	}
	if err := r.admin.DeleteClaim(req.Context(), token, req.PathValue("id")); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (r *Router) handleAdminWindow(w http.ResponseWriter, req *http.Request) {
	token, ok := r.adminToken(w, req)
	if !ok {
		return
	}
	var payload struct {
		IsOpen *bool `json:"is_open"`
	}
	if !decodeJSON(w, req, &payload) {
		return
	}
	if payload.IsOpen == nil {
		writeError(w, http.StatusBadRequest, "is_open is required")
		return
	}
	cfg, err := r.admin.SetWindow(req.Context(), token, *payload.IsOpen)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (r *Router) handleAdminReset(w http.ResponseWriter, req *http.Request) {
	token, ok := r.adminToken(w, req)
	if !ok {
		return
	}
	var payload struct {
		IncludeLocked bool `json:"include_locked"`
	}
	if req.ContentLength != 0 && !decodeJSON(w, req, &payload) {
		return
	}
	report, err := r.admin.BulkReset(req.Context(), token, payload.IncludeLocked)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func nonNil[T any](v []T) []T {
	if v == nil {
		return []T{}
	}
	return v
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	components := make(map[string]any)
	status := "ok"
	if r.dbHealth != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.dbHealth(ctx); err != nil {
			status = "degraded"
			components["store"] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
		} else {
			components["store"] = map[string]any{"status": "up"}
		}
	}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

func (r *Router) audit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		ctx := recorder.ctx
		if ctx == nil {
			ctx = req.Context()
		}
		duration := time.Since(start)
		route := req.Pattern
		if route == "" {
			route = req.URL.Path
		}
		r.recordRequestMetrics(req.Method, route, status, duration)

		actor := "anonymous"
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if reqID := strings.TrimSpace(req.Header.Get("X-Request-ID")); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}
		if info, ok := authInfoFromContext(ctx); ok {
			actor = info.Actor
			if info.TeamID != "" {
				fields = append(fields, "team_id", info.TeamID, "device_id", info.DeviceID)
			}
		}
		fields = append(fields, "actor", actor)

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
	ctx    context.Context
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) SetContext(ctx context.Context) {
	sr.ctx = ctx
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap lets http.ResponseController reach the connection, for write deadlines.
func (sr *statusRecorder) Unwrap() http.ResponseWriter {
	return sr.ResponseWriter
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			ip := strings.TrimSpace(parts[0])
			if ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}

func (r *Router) applyRateHeaders(w http.ResponseWriter, limit int, decision rateDecision) {
	if limit <= 0 {
		return
	}
	remaining := limit - decision.count
	if remaining < 0 {
		remaining = 0
	}
	headers := w.Header()
	headers.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	headers.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	if !decision.windowEnd.IsZero() {
		headers.Set("X-RateLimit-Reset", strconv.FormatInt(decision.windowEnd.Unix(), 10))
	}
}
