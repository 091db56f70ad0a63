// Package httpapi exposes the pairing, admin and offline sync endpoints.
// Admin routes authenticate with bearer tokens; the sync routes use the
// device signature scheme and never see a JWT.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"tokosync/backend/internal/domain"
	"tokosync/backend/internal/service"
	"tokosync/backend/internal/store"
)

const maxBodyBytes = 1 << 20

type API struct {
	svc             *service.Service
	auth            *AuthManager
	devices         *DeviceAuthenticator
	metrics         *Metrics
	logger          *zap.Logger
	validate        *validator.Validate
	allowedOrigin   string
	loginLimiter    *attemptLimiter
	initiateLimiter *attemptLimiter
	pollLimiter     *attemptLimiter
}

func New(svc *service.Service, auth *AuthManager, devices *DeviceAuthenticator, metrics *Metrics, logger *zap.Logger, allowedOrigin string, pollInterval time.Duration) *API {
	if logger == nil {
		logger = zap.NewNop()
	}
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	return &API{
		svc:           svc,
		auth:          auth,
		devices:       devices,
		metrics:       metrics,
		logger:        logger,
		validate:      validator.New(),
		allowedOrigin: allowedOrigin,
		loginLimiter:  newAttemptLimiter(10, time.Minute),
		// Pairing initiation is unauthenticated; rate-limit per source IP
		// so one misbehaving device cannot mint unlimited codes.
		initiateLimiter: newAttemptLimiter(5, time.Minute),
		// One poll per interval per device code, as advertised in the
		// device-authorization response. Faster polling earns slow_down.
		pollLimiter: newAttemptLimiter(1, pollInterval),
	}
}

func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", a.handleHealth)
	if a.metrics != nil {
		mux.Handle("/metrics", a.metrics.Handler())
	}

	mux.HandleFunc("/api/v1/auth/login", a.handleLogin)

	mux.HandleFunc("/api/v1/pairing/device-authorization", a.handleDeviceAuthorization)
	mux.HandleFunc("/api/v1/pairing/token", a.handleToken)
	mux.HandleFunc("/api/v1/pairing/verify", a.requireAuth(a.handleVerifyUserCode))
	mux.HandleFunc("/api/v1/pairing/pending", a.requireAuth(a.handlePendingPairings))
	mux.HandleFunc("/api/v1/pairing/approve", a.requireAuth(a.handleApprovePairing))
	mux.HandleFunc("/api/v1/pairing/deny", a.requireAuth(a.handleDenyPairing))

	mux.HandleFunc("/api/v1/terminals", a.requireAuth(a.handleListTerminals))
	mux.HandleFunc("/api/v1/terminals/", a.requireAuth(a.handleTerminalAction))

	mux.HandleFunc("/api/v1/sync/orders", postOnly(a.devices.Wrap(a.handleSyncOrders)))
	mux.HandleFunc("/api/v1/sync/inventory", postOnly(a.devices.Wrap(a.handleSyncInventory)))
	mux.HandleFunc("/api/v1/sync/approvals", postOnly(a.devices.Wrap(a.handleSyncApprovals)))

	return a.withMiddleware(mux)
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ---- admin auth ----

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	if !a.loginLimiter.Allow(clientKey(r)) {
		writeError(w, http.StatusTooManyRequests, errors.New("too many login attempts, retry later"))
		return
	}

	var req domain.LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	resp, err := a.auth.Login(req)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// requireAuth resolves the bearer token into an actor and stores it in
// the request context. Role checks happen in the service layer.
func (a *API) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			writeError(w, http.StatusUnauthorized, errors.New("missing bearer token"))
			return
		}
		actor, err := a.auth.ParseToken(strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			writeError(w, http.StatusUnauthorized, err)
			return
		}
		next(w, r.WithContext(service.WithActor(r.Context(), actor)))
	}
}

// ---- pairing ----

func (a *API) handleDeviceAuthorization(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	if !a.initiateLimiter.Allow(clientKey(r)) {
		writeError(w, http.StatusTooManyRequests, errors.New("too many pairing requests, retry later"))
		return
	}

	var req domain.DeviceAuthorizationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := a.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, errors.New("device_fingerprint must be a UUID"))
		return
	}

	resp, err := a.svc.InitiatePairing(r.Context(), req, clientKey(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if a.metrics != nil {
		a.metrics.PairingEvent("initiated")
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	var req domain.TokenRequest
	if err := decodeJSON(r, &req); err != nil || strings.TrimSpace(req.DeviceCode) == "" {
		writeOAuthError(w, "invalid_request")
		return
	}
	if !a.pollLimiter.Allow(req.DeviceCode) {
		writeOAuthError(w, "slow_down")
		return
	}

	token, err := a.svc.PollForToken(r.Context(), req.DeviceCode)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrAuthorizationPending):
			writeOAuthError(w, "authorization_pending")
		case errors.Is(err, service.ErrExpiredToken):
			writeOAuthError(w, "expired_token")
		case errors.Is(err, service.ErrAccessDenied):
			writeOAuthError(w, "access_denied")
		case errors.Is(err, service.ErrInvalidDeviceCode), errors.Is(err, service.ErrDeviceCodeUsed):
			writeOAuthError(w, "invalid_request")
		default:
			writeError(w, http.StatusInternalServerError, err)
		}
		return
	}
	if a.metrics != nil {
		a.metrics.PairingEvent("consumed")
	}
	writeJSON(w, http.StatusOK, token)
}

func (a *API) handleVerifyUserCode(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	userCode := strings.TrimSpace(r.URL.Query().Get("user_code"))
	if userCode == "" {
		writeError(w, http.StatusBadRequest, errors.New("user_code is required"))
		return
	}

	code, err := a.svc.VerifyUserCode(r.Context(), userCode)
	if err != nil {
		a.writePairingError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, code)
}

func (a *API) handlePendingPairings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	codes, err := a.svc.ListPendingPairings(r.Context())
	if err != nil {
		a.writePairingError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, codes)
}

func (a *API) handleApprovePairing(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var req domain.PairingApproveRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := a.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, errors.New("user_code and location_id are required"))
		return
	}

	code, err := a.svc.ApprovePairing(r.Context(), req)
	if err != nil {
		a.writePairingError(w, err)
		return
	}
	if a.metrics != nil {
		a.metrics.PairingEvent("approved")
	}
	writeJSON(w, http.StatusOK, code)
}

func (a *API) handleDenyPairing(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var req domain.PairingDenyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := a.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, errors.New("user_code is required"))
		return
	}

	code, err := a.svc.DenyPairing(r.Context(), req)
	if err != nil {
		a.writePairingError(w, err)
		return
	}
	if a.metrics != nil {
		a.metrics.PairingEvent("denied")
	}
	writeJSON(w, http.StatusOK, code)
}

func (a *API) writePairingError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrForbidden):
		writeError(w, http.StatusForbidden, err)
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, errors.New("not found"))
	case errors.Is(err, service.ErrPairingNotPending):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, service.ErrLocationInactive):
		writeError(w, http.StatusUnprocessableEntity, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

// ---- terminal administration ----

func (a *API) handleListTerminals(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	terminals, err := a.svc.ListTerminals(r.Context())
	if err != nil {
		a.writePairingError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, terminals)
}

func (a *API) handleTerminalAction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/terminals/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" {
		writeError(w, http.StatusNotFound, errors.New("not found"))
		return
	}
	deviceID, action := parts[0], parts[1]

	var (
		payload any
		err     error
	)
	switch action {
	case "unlock":
		payload, err = a.svc.UnlockTerminal(r.Context(), deviceID)
	case "deactivate":
		payload, err = a.svc.DeactivateTerminal(r.Context(), deviceID)
	case "rotate-secret":
		payload, err = a.svc.RotateTerminalSecret(r.Context(), deviceID)
	default:
		writeError(w, http.StatusNotFound, errors.New("not found"))
		return
	}
	if err != nil {
		a.writePairingError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

// ---- offline sync ----

func (a *API) handleSyncOrders(w http.ResponseWriter, r *http.Request, terminal domain.Terminal, body []byte) {
	var payload domain.OfflineOrderPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		writeIngestRejection(w, err)
		return
	}
	if err := a.validate.Struct(payload); err != nil {
		writeIngestRejection(w, err)
		return
	}

	result := a.svc.IngestOrder(r.Context(), terminal, payload)
	if a.metrics != nil {
		a.metrics.IngestResult(domain.OperationTypeOrder, result.Status)
	}
	writeJSON(w, ingestHTTPStatus(result.Status), result)
}

func (a *API) handleSyncInventory(w http.ResponseWriter, r *http.Request, terminal domain.Terminal, body []byte) {
	var payload domain.InventorySyncPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		writeIngestRejection(w, err)
		return
	}
	if err := a.validate.Struct(payload); err != nil {
		writeIngestRejection(w, err)
		return
	}

	result := a.svc.IngestInventory(r.Context(), terminal, payload)
	if a.metrics != nil {
		a.metrics.IngestResult(domain.OperationTypeInventory, result.Status)
	}
	writeJSON(w, ingestHTTPStatus(result.Status), result)
}

func (a *API) handleSyncApprovals(w http.ResponseWriter, r *http.Request, terminal domain.Terminal, body []byte) {
	var payload domain.ApprovalSyncPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		writeIngestRejection(w, err)
		return
	}
	if err := a.validate.Struct(payload); err != nil {
		writeIngestRejection(w, err)
		return
	}

	result := a.svc.IngestApprovals(r.Context(), terminal, payload)
	if a.metrics != nil {
		a.metrics.IngestResult(domain.OperationTypeApprovals, result.Status)
	}
	writeJSON(w, ingestHTTPStatus(result.Status), result)
}

// writeIngestRejection reports a malformed payload in the same result
// shape as a processed one, so the terminal's sync queue has a single
// response format to parse.
func writeIngestRejection(w http.ResponseWriter, err error) {
	writeJSON(w, http.StatusBadRequest, domain.IngestResult{
		Status: domain.IngestStatusError,
		Errors: []string{"invalid payload: " + err.Error()},
	})
}

func ingestHTTPStatus(status string) int {
	switch status {
	case domain.IngestStatusConflict:
		return http.StatusConflict
	case domain.IngestStatusError:
		return http.StatusInternalServerError
	default:
		return http.StatusOK
	}
}

// ---- middleware and helpers ----

func postOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w)
			return
		}
		next(w, r)
	}
}

func (a *API) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")
		w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Device-ID, X-Device-Signature, X-Device-Nonce")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

		rec := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)

		route := routeLabel(r.URL.Path)
		if a.metrics != nil {
			a.metrics.ObserveRequest(route, rec.Status(), elapsed)
		}
		a.logger.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.Status()),
			zap.Duration("elapsed", elapsed),
		)
	})
}

// routeLabel collapses per-terminal paths so device ids never become
// metric label values.
func routeLabel(path string) string {
	if strings.HasPrefix(path, "/api/v1/terminals/") {
		rest := strings.TrimPrefix(path, "/api/v1/terminals/")
		if idx := strings.IndexByte(rest, '/'); idx >= 0 {
			return "/api/v1/terminals/{device_id}/" + rest[idx+1:]
		}
		return "/api/v1/terminals/{device_id}"
	}
	return path
}

type attemptLimiter struct {
	mu       sync.Mutex
	max      int
	window   time.Duration
	attempts map[string][]time.Time
}

func newAttemptLimiter(max int, window time.Duration) *attemptLimiter {
	return &attemptLimiter{
		max:      max,
		window:   window,
		attempts: make(map[string][]time.Time),
	}
}

func (l *attemptLimiter) Allow(key string) bool {
	now := time.Now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	kept := l.attempts[key][:0]
	for _, at := range l.attempts[key] {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	if len(kept) >= l.max {
		l.attempts[key] = kept
		return false
	}
	l.attempts[key] = append(kept, now)
	return true
}

func clientKey(r *http.Request) string {
	if addrPort, err := netip.ParseAddrPort(r.RemoteAddr); err == nil {
		return addrPort.Addr().String()
	}
	return r.RemoteAddr
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return errors.New("invalid JSON body")
	}
	if dec.More() {
		return errors.New("unexpected trailing data")
	}
	return nil
}

func writeOAuthError(w http.ResponseWriter, code string) {
	writeJSON(w, http.StatusBadRequest, map[string]string{"error": code})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	message := err.Error()
	if status >= http.StatusInternalServerError {
		message = "internal server error"
	}
	writeJSON(w, status, map[string]string{"error": message})
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
}
