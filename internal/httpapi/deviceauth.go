package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"tokosync/backend/internal/domain"
	"tokosync/backend/internal/nonce"
	"tokosync/backend/internal/signature"
	"tokosync/backend/internal/store"
)

const (
	headerDeviceID  = "X-Device-ID"
	headerSignature = "X-Device-Signature"
	headerNonce     = "X-Device-Nonce"

	deviceAuthChallenge = `DeviceSignature realm="Offline Sync API"`
)

// Failure reasons are label values for the auth-failure counter and
// structured log fields. The HTTP response never discloses which check
// failed; a probing client only ever sees a generic 401.
const (
	reasonMissingHeaders   = "missing_headers"
	reasonUnknownTerminal  = "unknown_terminal"
	reasonTerminalInactive = "terminal_inactive"
	reasonTerminalLocked   = "terminal_locked"
	reasonMisconfigured    = "misconfigured_terminal"
	reasonInvalidPayload   = "invalid_payload"
	reasonIdentityMismatch = "identity_mismatch"
	reasonStaleTimestamp   = "stale_timestamp"
	reasonReplayedNonce    = "replayed_nonce"
	reasonBadSignature     = "bad_signature"
)

// DeviceAuthenticator guards the sync endpoints. Every request must
// carry a device id, a single-use nonce and an HMAC signature over the
// canonical body; the nonce store is shared across instances so a
// replayed request loses on whichever instance it lands.
type DeviceAuthenticator struct {
	repo          store.Repository
	nonces        nonce.Store
	logger        *zap.Logger
	metrics       *Metrics
	lockThreshold int
	nonceTTL      time.Duration
	maxAge        time.Duration
	drift         time.Duration
	now           func() time.Time
}

type DeviceAuthConfig struct {
	LockThreshold int
	NonceTTL      time.Duration
	MaxAge        time.Duration
	ClockDrift    time.Duration
}

func NewDeviceAuthenticator(repo store.Repository, nonces nonce.Store, logger *zap.Logger, metrics *Metrics, cfg DeviceAuthConfig) *DeviceAuthenticator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.LockThreshold <= 0 {
		cfg.LockThreshold = 5
	}
	if cfg.NonceTTL <= 0 {
		cfg.NonceTTL = signature.DefaultMaxAge
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = signature.DefaultMaxAge
	}
	if cfg.ClockDrift <= 0 {
		cfg.ClockDrift = signature.DefaultClockDrift
	}
	return &DeviceAuthenticator{
		repo:          repo,
		nonces:        nonces,
		logger:        logger,
		metrics:       metrics,
		lockThreshold: cfg.LockThreshold,
		nonceTTL:      cfg.NonceTTL,
		maxAge:        cfg.MaxAge,
		drift:         cfg.ClockDrift,
		now:           time.Now,
	}
}

// deviceHandler receives the authenticated terminal and the verified
// request body. The body is handed over as bytes because the signature
// was computed over exactly these bytes.
type deviceHandler func(w http.ResponseWriter, r *http.Request, terminal domain.Terminal, body []byte)

// envelope is the minimal shape every signed payload shares.
type envelope struct {
	DeviceID  string `json:"device_id"`
	Nonce     string `json:"nonce"`
	CreatedAt string `json:"created_at"`
}

func (d *DeviceAuthenticator) Wrap(next deviceHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		deviceID := r.Header.Get(headerDeviceID)
		sig := r.Header.Get(headerSignature)
		headerNonceVal := r.Header.Get(headerNonce)
		if deviceID == "" || sig == "" || headerNonceVal == "" {
			d.reject(w, r, deviceID, reasonMissingHeaders)
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			d.reject(w, r, deviceID, reasonInvalidPayload)
			return
		}

		// A terminal may present either its device fingerprint or its
		// assigned device id; the fingerprint is tried first because it is
		// the identity the hardware knew before pairing.
		terminal, err := d.repo.GetTerminalByFingerprint(r.Context(), deviceID)
		if errors.Is(err, store.ErrNotFound) {
			terminal, err = d.repo.GetTerminalByDeviceID(r.Context(), deviceID)
		}
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				d.logger.Error("terminal lookup failed", zap.Error(err))
				writeError(w, http.StatusInternalServerError, err)
				return
			}
			d.reject(w, r, deviceID, reasonUnknownTerminal)
			return
		}
		if !terminal.Active {
			d.reject(w, r, deviceID, reasonTerminalInactive)
			return
		}
		if terminal.Locked {
			d.reject(w, r, deviceID, reasonTerminalLocked)
			return
		}
		if terminal.SigningSecret == "" {
			d.reject(w, r, deviceID, reasonMisconfigured)
			return
		}

		var env envelope
		if err := json.Unmarshal(body, &env); err != nil {
			d.reject(w, r, deviceID, reasonInvalidPayload)
			return
		}
		if env.DeviceID == "" || env.Nonce == "" || env.CreatedAt == "" {
			d.reject(w, r, deviceID, reasonInvalidPayload)
			return
		}
		// The signed body must claim the same identity and nonce as the
		// transport headers, otherwise a valid signature could be replayed
		// under different headers.
		if env.DeviceID != deviceID || env.Nonce != headerNonceVal {
			d.reject(w, r, deviceID, reasonIdentityMismatch)
			return
		}
		if !signature.ValidateNonceFreshness(env.CreatedAt, d.now().UTC(), d.maxAge, d.drift) {
			d.reject(w, r, deviceID, reasonStaleTimestamp)
			return
		}
		if !signature.Validate(body, env.Nonce, sig, terminal.SigningSecret, terminal.OldSigningSecret) {
			d.rejectCounted(w, r, *terminal, reasonBadSignature)
			return
		}
		// Marking after signature validation keeps garbage requests from
		// burning nonces; losing the set-if-absent race means another
		// request already consumed this nonce.
		won, err := d.nonces.MarkUsed(r.Context(), env.Nonce, d.nonceTTL)
		if err != nil {
			d.logger.Error("nonce store unavailable", zap.Error(err))
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		if !won {
			d.reject(w, r, deviceID, reasonReplayedNonce)
			return
		}

		if err := d.repo.MarkAuthenticated(r.Context(), terminal.DeviceID, d.now().UTC()); err != nil {
			d.logger.Warn("could not record terminal heartbeat", zap.Error(err))
		}

		next(w, r, *terminal, body)
	}
}

// reject denies the request without touching the lockout counter. Only
// signature mismatches count toward the lockout; malformed, stale or
// replayed requests can come from queue bugs on a healthy terminal.
func (d *DeviceAuthenticator) reject(w http.ResponseWriter, r *http.Request, deviceID string, reason string) {
	if d.metrics != nil {
		d.metrics.DeviceAuthFailure(reason)
	}
	d.logger.Warn("device auth rejected",
		zap.String("reason", reason),
		zap.String("device_id", deviceID),
		zap.String("path", r.URL.Path),
	)
	writeDeviceUnauthorized(w)
}

// rejectCounted charges a signature failure against the terminal's
// lockout counter and locks it at the threshold.
func (d *DeviceAuthenticator) rejectCounted(w http.ResponseWriter, r *http.Request, terminal domain.Terminal, reason string) {
	failures, locked, err := d.repo.RecordAuthFailure(r.Context(), terminal.DeviceID, d.lockThreshold)
	if err != nil {
		d.logger.Error("could not record auth failure", zap.Error(err), zap.String("device_id", terminal.DeviceID))
	}
	if d.metrics != nil {
		d.metrics.DeviceAuthFailure(reason)
	}
	fields := []zap.Field{
		zap.String("reason", reason),
		zap.String("device_id", terminal.DeviceID),
		zap.String("tenant_id", terminal.TenantID),
		zap.Int("failures", failures),
		zap.String("path", r.URL.Path),
	}
	if locked {
		d.logger.Error("terminal locked after repeated auth failures", fields...)
	} else {
		d.logger.Warn("device auth rejected", fields...)
	}
	writeDeviceUnauthorized(w)
}

func writeDeviceUnauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", deviceAuthChallenge)
	writeError(w, http.StatusUnauthorized, errors.New("device authentication failed"))
}
