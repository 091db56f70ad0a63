// Package service holds the pairing and offline ingest engines. Both are
// transport-agnostic: the HTTP layer authenticates callers and hands the
// resolved terminal or admin actor down through the context.
package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"tokosync/backend/internal/domain"
	"tokosync/backend/internal/store"
)

// RFC 8628 outcomes of polling the token endpoint. The HTTP layer maps
// these onto the matching error codes on the wire.
var (
	ErrAuthorizationPending = errors.New("authorization pending")
	ErrExpiredToken         = errors.New("device code expired")
	ErrAccessDenied         = errors.New("access denied")
	ErrInvalidDeviceCode    = errors.New("invalid device code")
	// ErrDeviceCodeUsed reports a code that was already consumed. It is
	// distinct from expiry: the wire maps it to invalid_request.
	ErrDeviceCodeUsed = errors.New("device code already used")
)

var (
	ErrForbidden         = errors.New("forbidden")
	ErrPairingNotPending = errors.New("pairing code is not pending")
	ErrLocationInactive  = errors.New("store location is inactive")
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Config struct {
	VerificationURI     string
	PairingTTL          time.Duration
	PollIntervalSeconds int
}

type Service struct {
	repo                store.Repository
	logger              *zap.Logger
	now                 func() time.Time
	verificationURI     string
	pairingTTL          time.Duration
	pollIntervalSeconds int
}

func New(repo store.Repository, logger *zap.Logger, cfg Config) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.VerificationURI == "" {
		cfg.VerificationURI = "https://pos.example.com/pair"
	}
	if cfg.PairingTTL <= 0 {
		cfg.PairingTTL = 15 * time.Minute
	}
	if cfg.PollIntervalSeconds <= 0 {
		cfg.PollIntervalSeconds = 5
	}

	return &Service{
		repo:                repo,
		logger:              logger,
		now:                 func() time.Time { return time.Now().UTC() },
		verificationURI:     cfg.VerificationURI,
		pairingTTL:          cfg.PairingTTL,
		pollIntervalSeconds: cfg.PollIntervalSeconds,
	}
}

func requireRole(ctx context.Context, roles ...string) (domain.Actor, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return domain.Actor{}, ErrForbidden
	}
	for _, role := range roles {
		if actor.Role == role {
			return actor, nil
		}
	}
	return domain.Actor{}, ErrForbidden
}
