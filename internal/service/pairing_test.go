package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"tokosync/backend/internal/domain"
	"tokosync/backend/internal/store/memory"
)

func newTestService() (*Service, *memory.Store) {
	repo := memory.NewSeeded()
	svc := New(repo, zap.NewNop(), Config{})
	return svc, repo
}

func managerCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{
		Username: "manager",
		Role:     "manager",
		TenantID: "tn-demo",
	})
}

func TestPairingHappyPathConsumesCodeOnce(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	auth, err := svc.InitiatePairing(ctx, domain.DeviceAuthorizationRequest{
		DeviceFingerprint: "6ba7b810-9dad-11d1-80b4-00c04fd430c8",
	}, "10.0.0.5")
	if err != nil {
		t.Fatalf("initiate pairing: %v", err)
	}
	if len(auth.DeviceCode) != 128 {
		t.Fatalf("expected 128-char device code, got %d", len(auth.DeviceCode))
	}
	if len(auth.UserCode) != 9 || auth.UserCode[4] != '-' {
		t.Fatalf("expected LLLL-DDDD user code, got %q", auth.UserCode)
	}
	if auth.Interval != 5 {
		t.Fatalf("expected default poll interval 5, got %d", auth.Interval)
	}

	if _, err := svc.PollForToken(ctx, auth.DeviceCode); !errors.Is(err, ErrAuthorizationPending) {
		t.Fatalf("expected authorization pending before approval, got %v", err)
	}

	if _, err := svc.ApprovePairing(managerCtx(), domain.PairingApproveRequest{
		UserCode:   auth.UserCode,
		LocationID: "loc-main",
		Nickname:   "Front Counter",
	}); err != nil {
		t.Fatalf("approve pairing: %v", err)
	}

	token, err := svc.PollForToken(ctx, auth.DeviceCode)
	if err != nil {
		t.Fatalf("poll after approval: %v", err)
	}
	if token.DeviceID == "" || token.SigningSecret == "" {
		t.Fatalf("expected provisioned device id and signing secret, got %+v", token)
	}
	if token.TenantID != "tn-demo" || token.LocationID != "loc-main" {
		t.Fatalf("token bound to wrong tenant/location: %+v", token)
	}

	if _, err := svc.PollForToken(ctx, auth.DeviceCode); !errors.Is(err, ErrDeviceCodeUsed) {
		t.Fatalf("expected consumed code to be rejected as already used on second poll, got %v", err)
	}
}

func TestPairingApprovedCodeExpiresWhenNeverPolled(t *testing.T) {
	svc, repo := newTestService()
	start := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return start }

	auth, err := svc.InitiatePairing(context.Background(), domain.DeviceAuthorizationRequest{
		DeviceFingerprint: "6ba7b817-9dad-11d1-80b4-00c04fd430c8",
	}, "")
	if err != nil {
		t.Fatalf("initiate pairing: %v", err)
	}
	if _, err := svc.ApprovePairing(managerCtx(), domain.PairingApproveRequest{
		UserCode:   auth.UserCode,
		LocationID: "loc-main",
	}); err != nil {
		t.Fatalf("approve pairing: %v", err)
	}

	// The first poll only lands after the window closed; the approval
	// must not hand out a secret anymore.
	svc.now = func() time.Time { return start.Add(16 * time.Minute) }
	if _, err := svc.PollForToken(context.Background(), auth.DeviceCode); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("expected expired_token for an overdue approved code, got %v", err)
	}

	terminals, err := repo.ListTerminals(context.Background(), "tn-demo")
	if err != nil {
		t.Fatalf("list terminals: %v", err)
	}
	if len(terminals) != 0 {
		t.Fatalf("expected no terminal provisioned from an expired approval, got %d", len(terminals))
	}
}

func TestPairingExpiryBeatsApproval(t *testing.T) {
	svc, _ := newTestService()
	start := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return start }

	auth, err := svc.InitiatePairing(context.Background(), domain.DeviceAuthorizationRequest{
		DeviceFingerprint: "6ba7b811-9dad-11d1-80b4-00c04fd430c8",
	}, "")
	if err != nil {
		t.Fatalf("initiate pairing: %v", err)
	}

	svc.now = func() time.Time { return start.Add(16 * time.Minute) }

	if _, err := svc.ApprovePairing(managerCtx(), domain.PairingApproveRequest{
		UserCode:   auth.UserCode,
		LocationID: "loc-main",
	}); !errors.Is(err, ErrPairingNotPending) {
		t.Fatalf("expected approval after expiry to fail, got %v", err)
	}

	if _, err := svc.PollForToken(context.Background(), auth.DeviceCode); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("expected expired_token after window closed, got %v", err)
	}
}

func TestPairingDenied(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	auth, err := svc.InitiatePairing(ctx, domain.DeviceAuthorizationRequest{
		DeviceFingerprint: "6ba7b812-9dad-11d1-80b4-00c04fd430c8",
	}, "")
	if err != nil {
		t.Fatalf("initiate pairing: %v", err)
	}

	if _, err := svc.DenyPairing(managerCtx(), domain.PairingDenyRequest{UserCode: auth.UserCode}); err != nil {
		t.Fatalf("deny pairing: %v", err)
	}
	if _, err := svc.PollForToken(ctx, auth.DeviceCode); !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("expected access_denied after denial, got %v", err)
	}
}

func TestPairingRejectsCrossTenantLocation(t *testing.T) {
	svc, _ := newTestService()

	auth, err := svc.InitiatePairing(context.Background(), domain.DeviceAuthorizationRequest{
		DeviceFingerprint: "6ba7b813-9dad-11d1-80b4-00c04fd430c8",
	}, "")
	if err != nil {
		t.Fatalf("initiate pairing: %v", err)
	}

	otherTenant := WithActor(context.Background(), domain.Actor{
		Username: "intruder",
		Role:     "manager",
		TenantID: "tn-other",
	})
	if _, err := svc.ApprovePairing(otherTenant, domain.PairingApproveRequest{
		UserCode:   auth.UserCode,
		LocationID: "loc-main",
	}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected cross-tenant approval to be forbidden, got %v", err)
	}

	// The code must still be approvable by the right tenant.
	if _, err := svc.ApprovePairing(managerCtx(), domain.PairingApproveRequest{
		UserCode:   auth.UserCode,
		LocationID: "loc-main",
	}); err != nil {
		t.Fatalf("approval by owning tenant: %v", err)
	}
}

func TestPairingRequiresManagerRole(t *testing.T) {
	svc, _ := newTestService()

	auth, err := svc.InitiatePairing(context.Background(), domain.DeviceAuthorizationRequest{
		DeviceFingerprint: "6ba7b814-9dad-11d1-80b4-00c04fd430c8",
	}, "")
	if err != nil {
		t.Fatalf("initiate pairing: %v", err)
	}

	cashier := WithActor(context.Background(), domain.Actor{
		Username: "cashier",
		Role:     "cashier",
		TenantID: "tn-demo",
	})
	if _, err := svc.ApprovePairing(cashier, domain.PairingApproveRequest{
		UserCode:   auth.UserCode,
		LocationID: "loc-main",
	}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected cashier approval to be forbidden, got %v", err)
	}
}

func TestRePairingTransfersExistingTerminal(t *testing.T) {
	svc, repo := newTestService()
	ctx := context.Background()
	fingerprint := "6ba7b815-9dad-11d1-80b4-00c04fd430c8"

	pairOnce := func() *domain.TokenResponse {
		auth, err := svc.InitiatePairing(ctx, domain.DeviceAuthorizationRequest{DeviceFingerprint: fingerprint}, "")
		if err != nil {
			t.Fatalf("initiate pairing: %v", err)
		}
		if _, err := svc.ApprovePairing(managerCtx(), domain.PairingApproveRequest{
			UserCode:   auth.UserCode,
			LocationID: "loc-main",
		}); err != nil {
			t.Fatalf("approve pairing: %v", err)
		}
		token, err := svc.PollForToken(ctx, auth.DeviceCode)
		if err != nil {
			t.Fatalf("poll for token: %v", err)
		}
		return token
	}

	first := pairOnce()
	second := pairOnce()

	if first.DeviceID != second.DeviceID {
		t.Fatalf("expected re-pairing to reuse terminal %s, got %s", first.DeviceID, second.DeviceID)
	}
	if first.SigningSecret == second.SigningSecret {
		t.Fatalf("expected re-pairing to rotate the signing secret")
	}

	terminals, err := repo.ListTerminals(ctx, "tn-demo")
	if err != nil {
		t.Fatalf("list terminals: %v", err)
	}
	if len(terminals) != 1 {
		t.Fatalf("expected one terminal after re-pairing, got %d", len(terminals))
	}
}

func TestUnknownDeviceCode(t *testing.T) {
	svc, _ := newTestService()
	if _, err := svc.PollForToken(context.Background(), "no-such-code"); !errors.Is(err, ErrInvalidDeviceCode) {
		t.Fatalf("expected invalid device code error, got %v", err)
	}
}

func TestRotateSecretKeepsOldSecretForGrace(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	auth, err := svc.InitiatePairing(ctx, domain.DeviceAuthorizationRequest{
		DeviceFingerprint: "6ba7b816-9dad-11d1-80b4-00c04fd430c8",
	}, "")
	if err != nil {
		t.Fatalf("initiate pairing: %v", err)
	}
	if _, err := svc.ApprovePairing(managerCtx(), domain.PairingApproveRequest{
		UserCode:   auth.UserCode,
		LocationID: "loc-main",
	}); err != nil {
		t.Fatalf("approve pairing: %v", err)
	}
	token, err := svc.PollForToken(ctx, auth.DeviceCode)
	if err != nil {
		t.Fatalf("poll for token: %v", err)
	}

	rotated, err := svc.RotateTerminalSecret(managerCtx(), token.DeviceID)
	if err != nil {
		t.Fatalf("rotate secret: %v", err)
	}
	if rotated.OldSigningSecret != token.SigningSecret {
		t.Fatalf("expected previous secret kept for grace period")
	}
	if rotated.SigningSecret == token.SigningSecret {
		t.Fatalf("expected a fresh signing secret after rotation")
	}
}

func TestExpireOverduePairingsSweep(t *testing.T) {
	svc, _ := newTestService()
	start := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return start }

	for i := 0; i < 3; i++ {
		fingerprint := "6ba7b82" + string(rune('0'+i)) + "-9dad-11d1-80b4-00c04fd430c8"
		if _, err := svc.InitiatePairing(context.Background(), domain.DeviceAuthorizationRequest{DeviceFingerprint: fingerprint}, ""); err != nil {
			t.Fatalf("initiate pairing %d: %v", i, err)
		}
	}

	// An approved but never-polled code is overdue too.
	approvedAuth, err := svc.InitiatePairing(context.Background(), domain.DeviceAuthorizationRequest{
		DeviceFingerprint: "6ba7b823-9dad-11d1-80b4-00c04fd430c8",
	}, "")
	if err != nil {
		t.Fatalf("initiate pairing: %v", err)
	}
	if _, err := svc.ApprovePairing(managerCtx(), domain.PairingApproveRequest{
		UserCode:   approvedAuth.UserCode,
		LocationID: "loc-main",
	}); err != nil {
		t.Fatalf("approve pairing: %v", err)
	}

	svc.now = func() time.Time { return start.Add(20 * time.Minute) }
	expired, err := svc.ExpireOverduePairings(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if expired != 4 {
		t.Fatalf("expected 4 codes expired by sweep, got %d", expired)
	}

	pending, err := svc.ListPendingPairings(managerCtx())
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected no pending codes after sweep, got %d", len(pending))
	}
}
