package service

import (
	"context"
	"crypto/rand"
	"fmt"
	"time"

	"go.uber.org/zap"

	"tokosync/backend/internal/domain"
	"tokosync/backend/internal/signature"
	"tokosync/backend/internal/store"
)

const (
	deviceCodeLength  = 128
	deviceCodeCharset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	userCodeLetters   = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	userCodeDigits    = "0123456789"
)

func randomFromCharset(charset string, length int) (string, error) {
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	out := make([]byte, length)
	for i, b := range buf {
		out[i] = charset[int(b)%len(charset)]
	}
	return string(out), nil
}

func generateDeviceCode() (string, error) {
	return randomFromCharset(deviceCodeCharset, deviceCodeLength)
}

// generateUserCode produces the short code shown on the device screen,
// shaped LLLL-DDDD so an admin can read it over the counter.
func generateUserCode() (string, error) {
	letters, err := randomFromCharset(userCodeLetters, 4)
	if err != nil {
		return "", err
	}
	digits, err := randomFromCharset(userCodeDigits, 4)
	if err != nil {
		return "", err
	}
	return letters + "-" + digits, nil
}

// InitiatePairing starts the device authorization flow: the unattended
// terminal posts its fingerprint and receives a long device code to poll
// with plus a short user code for an admin to approve.
func (s *Service) InitiatePairing(ctx context.Context, req domain.DeviceAuthorizationRequest, requestIP string) (domain.DeviceAuthorizationResponse, error) {
	now := s.now()

	var created *domain.PairingCode
	// User codes collide eventually at 4 letters + 4 digits; retry a few
	// times before giving up.
	for attempt := 0; attempt < 5; attempt++ {
		deviceCode, err := generateDeviceCode()
		if err != nil {
			return domain.DeviceAuthorizationResponse{}, err
		}
		userCode, err := generateUserCode()
		if err != nil {
			return domain.DeviceAuthorizationResponse{}, err
		}

		created, err = s.repo.CreatePairingCode(ctx, domain.PairingCode{
			DeviceCode:        deviceCode,
			UserCode:          userCode,
			DeviceFingerprint: req.DeviceFingerprint,
			Status:            domain.PairingStatusPending,
			RequestIP:         requestIP,
			IntervalSeconds:   s.pollIntervalSeconds,
			ExpiresAt:         now.Add(s.pairingTTL),
			CreatedAt:         now,
		})
		if err == nil {
			break
		}
		if err != store.ErrInvalidPayload {
			return domain.DeviceAuthorizationResponse{}, err
		}
		created = nil
	}
	if created == nil {
		return domain.DeviceAuthorizationResponse{}, fmt.Errorf("could not allocate a pairing code")
	}

	s.logger.Info("pairing initiated",
		zap.String("user_code", created.UserCode),
		zap.String("fingerprint", req.DeviceFingerprint),
		zap.String("request_ip", requestIP))

	return domain.DeviceAuthorizationResponse{
		DeviceCode:      created.DeviceCode,
		UserCode:        created.UserCode,
		VerificationURI: s.verificationURI,
		ExpiresIn:       int(s.pairingTTL.Seconds()),
		Interval:        created.IntervalSeconds,
	}, nil
}

// PollForToken resolves one poll of the token endpoint. An approved code
// is consumed exactly once: the first successful poll provisions the
// terminal and hands out its signing secret, every later poll sees
// ErrDeviceCodeUsed.
func (s *Service) PollForToken(ctx context.Context, deviceCode string) (*domain.TokenResponse, error) {
	code, err := s.repo.GetPairingByDeviceCode(ctx, deviceCode)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, ErrInvalidDeviceCode
		}
		return nil, err
	}

	// Expiry also applies to approved codes: an approval nobody polls
	// before the window closes never hands out a secret.
	now := s.now()
	if (code.Status == domain.PairingStatusPending || code.Status == domain.PairingStatusApproved) && code.Expired(now) {
		code.Status = domain.PairingStatusExpired
		if _, err := s.repo.UpdatePairingCode(ctx, *code); err != nil {
			return nil, err
		}
		return nil, ErrExpiredToken
	}

	switch code.Status {
	case domain.PairingStatusPending:
		return nil, ErrAuthorizationPending
	case domain.PairingStatusDenied:
		return nil, ErrAccessDenied
	case domain.PairingStatusExpired:
		return nil, ErrExpiredToken
	case domain.PairingStatusConsumed:
		return nil, ErrDeviceCodeUsed
	case domain.PairingStatusApproved:
		// proceed
	default:
		return nil, ErrInvalidDeviceCode
	}

	terminal, err := s.provisionTerminal(ctx, code, now)
	if err != nil {
		return nil, err
	}

	code.Status = domain.PairingStatusConsumed
	if _, err := s.repo.UpdatePairingCode(ctx, *code); err != nil {
		return nil, err
	}

	tenant, err := s.repo.GetTenant(ctx, terminal.TenantID)
	if err != nil {
		return nil, err
	}
	location, err := s.repo.GetLocation(ctx, terminal.LocationID)
	if err != nil {
		return nil, err
	}

	s.logger.Info("pairing consumed",
		zap.String("user_code", code.UserCode),
		zap.String("device_id", terminal.DeviceID),
		zap.String("tenant_id", terminal.TenantID))

	return &domain.TokenResponse{
		DeviceID:      terminal.DeviceID,
		SigningSecret: terminal.SigningSecret,
		TenantID:      tenant.ID,
		TenantSlug:    tenant.Slug,
		LocationID:    location.ID,
		LocationName:  location.Name,
	}, nil
}

// provisionTerminal is get-or-create keyed on the device fingerprint. A
// fingerprint already on file means the physical device is re-pairing;
// the existing terminal transfers to the approving tenant with a fresh
// secret and a clean failure counter.
func (s *Service) provisionTerminal(ctx context.Context, code *domain.PairingCode, now time.Time) (*domain.Terminal, error) {
	secret, err := signature.GenerateSigningSecret()
	if err != nil {
		return nil, err
	}

	existing, err := s.repo.GetTerminalByFingerprint(ctx, code.DeviceFingerprint)
	if err != nil && err != store.ErrNotFound {
		return nil, err
	}
	if existing != nil {
		existing.TenantID = code.TenantID
		existing.LocationID = code.LocationID
		existing.Nickname = code.Nickname
		existing.SigningSecret = secret
		existing.OldSigningSecret = ""
		existing.Active = true
		existing.Locked = false
		existing.AuthFailures = 0
		existing.PairingCodeID = code.ID
		return s.repo.UpdateTerminal(ctx, *existing)
	}

	return s.repo.CreateTerminal(ctx, domain.Terminal{
		TenantID:          code.TenantID,
		LocationID:        code.LocationID,
		DeviceFingerprint: code.DeviceFingerprint,
		Nickname:          code.Nickname,
		SigningSecret:     secret,
		Active:            true,
		PairingCodeID:     code.ID,
		CreatedAt:         now,
	})
}

// VerifyUserCode looks up a short code for the approval UI.
func (s *Service) VerifyUserCode(ctx context.Context, userCode string) (*domain.PairingCode, error) {
	code, err := s.repo.GetPairingByUserCode(ctx, userCode)
	if err != nil {
		return nil, err
	}
	if code.Status == domain.PairingStatusPending && code.Expired(s.now()) {
		code.Status = domain.PairingStatusExpired
		if _, err := s.repo.UpdatePairingCode(ctx, *code); err != nil {
			return nil, err
		}
	}
	return code, nil
}

// ApprovePairing binds a pending code to the approving admin's tenant and
// the chosen store location. Expiry wins over approval: an admin who
// types the code after the window closes gets ErrPairingNotPending, not
// a paired terminal.
func (s *Service) ApprovePairing(ctx context.Context, req domain.PairingApproveRequest) (*domain.PairingCode, error) {
	actor, err := requireRole(ctx, "manager", "admin")
	if err != nil {
		return nil, err
	}

	code, err := s.repo.GetPairingByUserCode(ctx, req.UserCode)
	if err != nil {
		return nil, err
	}

	now := s.now()
	if code.Status == domain.PairingStatusPending && code.Expired(now) {
		code.Status = domain.PairingStatusExpired
		if _, err := s.repo.UpdatePairingCode(ctx, *code); err != nil {
			return nil, err
		}
		return nil, ErrPairingNotPending
	}
	if code.Status != domain.PairingStatusPending {
		return nil, ErrPairingNotPending
	}

	location, err := s.repo.GetLocation(ctx, req.LocationID)
	if err != nil {
		return nil, err
	}
	if location.TenantID != actor.TenantID {
		s.logger.Warn("pairing approval rejected for cross-tenant location",
			zap.String("user_code", code.UserCode),
			zap.String("location_id", req.LocationID),
			zap.String("actor", actor.Username))
		return nil, ErrForbidden
	}
	if !location.Active {
		return nil, ErrLocationInactive
	}

	code.Status = domain.PairingStatusApproved
	code.TenantID = actor.TenantID
	code.LocationID = location.ID
	code.Nickname = req.Nickname
	code.ApprovedBy = actor.Username
	code.ApprovedAt = &now

	updated, err := s.repo.UpdatePairingCode(ctx, *code)
	if err != nil {
		return nil, err
	}

	s.logger.Info("pairing approved",
		zap.String("user_code", updated.UserCode),
		zap.String("location_id", updated.LocationID),
		zap.String("approved_by", actor.Username))
	return updated, nil
}

func (s *Service) DenyPairing(ctx context.Context, req domain.PairingDenyRequest) (*domain.PairingCode, error) {
	actor, err := requireRole(ctx, "manager", "admin")
	if err != nil {
		return nil, err
	}

	code, err := s.repo.GetPairingByUserCode(ctx, req.UserCode)
	if err != nil {
		return nil, err
	}
	if code.Status != domain.PairingStatusPending {
		return nil, ErrPairingNotPending
	}

	code.Status = domain.PairingStatusDenied
	code.ApprovedBy = actor.Username
	updated, err := s.repo.UpdatePairingCode(ctx, *code)
	if err != nil {
		return nil, err
	}

	s.logger.Info("pairing denied",
		zap.String("user_code", updated.UserCode),
		zap.String("denied_by", actor.Username))
	return updated, nil
}

func (s *Service) ListPendingPairings(ctx context.Context) ([]domain.PairingCode, error) {
	if _, err := requireRole(ctx, "manager", "admin"); err != nil {
		return nil, err
	}
	return s.repo.ListPendingPairings(ctx, s.now())
}

// ---- terminal administration ----

func (s *Service) ListTerminals(ctx context.Context) ([]domain.Terminal, error) {
	actor, err := requireRole(ctx, "manager", "admin")
	if err != nil {
		return nil, err
	}
	return s.repo.ListTerminals(ctx, actor.TenantID)
}

func (s *Service) getTenantTerminal(ctx context.Context, actor domain.Actor, deviceID string) (*domain.Terminal, error) {
	terminal, err := s.repo.GetTerminalByDeviceID(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if terminal.TenantID != actor.TenantID {
		return nil, store.ErrNotFound
	}
	return terminal, nil
}

// UnlockTerminal clears a lockout. There is no automatic unlock; an admin
// looking at the terminal is the recovery path.
func (s *Service) UnlockTerminal(ctx context.Context, deviceID string) (*domain.Terminal, error) {
	actor, err := requireRole(ctx, "manager", "admin")
	if err != nil {
		return nil, err
	}
	terminal, err := s.getTenantTerminal(ctx, actor, deviceID)
	if err != nil {
		return nil, err
	}

	terminal.Locked = false
	terminal.AuthFailures = 0
	updated, err := s.repo.UpdateTerminal(ctx, *terminal)
	if err != nil {
		return nil, err
	}
	s.logger.Info("terminal unlocked",
		zap.String("device_id", deviceID),
		zap.String("by", actor.Username))
	return updated, nil
}

func (s *Service) DeactivateTerminal(ctx context.Context, deviceID string) (*domain.Terminal, error) {
	actor, err := requireRole(ctx, "manager", "admin")
	if err != nil {
		return nil, err
	}
	terminal, err := s.getTenantTerminal(ctx, actor, deviceID)
	if err != nil {
		return nil, err
	}

	terminal.Active = false
	updated, err := s.repo.UpdateTerminal(ctx, *terminal)
	if err != nil {
		return nil, err
	}
	s.logger.Info("terminal deactivated",
		zap.String("device_id", deviceID),
		zap.String("by", actor.Username))
	return updated, nil
}

// RotateTerminalSecret issues a fresh signing secret and keeps the old
// one accepted until the next rotation, so in-flight offline batches
// signed before the rotation still land.
func (s *Service) RotateTerminalSecret(ctx context.Context, deviceID string) (*domain.RotateSecretResponse, error) {
	actor, err := requireRole(ctx, "manager", "admin")
	if err != nil {
		return nil, err
	}
	terminal, err := s.getTenantTerminal(ctx, actor, deviceID)
	if err != nil {
		return nil, err
	}

	secret, err := signature.GenerateSigningSecret()
	if err != nil {
		return nil, err
	}
	terminal.OldSigningSecret = terminal.SigningSecret
	terminal.SigningSecret = secret
	updated, err := s.repo.UpdateTerminal(ctx, *terminal)
	if err != nil {
		return nil, err
	}

	s.logger.Info("terminal secret rotated",
		zap.String("device_id", deviceID),
		zap.String("by", actor.Username))
	return &domain.RotateSecretResponse{
		DeviceID:         updated.DeviceID,
		SigningSecret:    updated.SigningSecret,
		OldSigningSecret: updated.OldSigningSecret,
	}, nil
}

// ExpireOverduePairings is the janitor entry point; polling already
// expires codes lazily, this sweeps codes nobody polls anymore.
func (s *Service) ExpireOverduePairings(ctx context.Context) (int, error) {
	return s.repo.ExpireOverduePairings(ctx, s.now())
}
