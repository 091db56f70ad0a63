package store

import (
	"context"
	"errors"
	"time"

	"tokosync/backend/internal/domain"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidPayload = errors.New("invalid payload")
	// ErrDuplicateOperation is returned when the idempotency-ledger
	// insert loses a unique-constraint race; callers re-fetch the
	// winner's stored result instead of treating it as a failure.
	ErrDuplicateOperation = errors.New("operation already processed")
)

// OfflineOrderRecord is the unit of atomic order materialization: the
// order with its items, the payment with its tender transactions, the
// inventory deltas, any piggybacked approvals, and the idempotency
// ledger entry. A repository commits all of it in one transaction or
// none of it.
type OfflineOrderRecord struct {
	Order           domain.Order
	Payment         domain.Payment
	Transactions    []domain.PaymentTransaction
	InventoryDeltas []domain.InventoryDelta
	Approvals       []domain.ApprovalLog
	Operation       domain.ProcessedOperation
}

// DeltaOutcome reports the best-effort parts of an inventory delta
// batch: product ids whose stock row was missing (skipped) and product
// ids whose quantity dropped below zero (applied anyway; the service
// logs a warning).
type DeltaOutcome struct {
	SkippedStock []string
	WentNegative []string
}

type Repository interface {
	// Terminals.
	GetTerminalByFingerprint(ctx context.Context, fingerprint string) (*domain.Terminal, error)
	GetTerminalByDeviceID(ctx context.Context, deviceID string) (*domain.Terminal, error)
	CreateTerminal(ctx context.Context, terminal domain.Terminal) (*domain.Terminal, error)
	UpdateTerminal(ctx context.Context, terminal domain.Terminal) (*domain.Terminal, error)
	ListTerminals(ctx context.Context, tenantID string) ([]domain.Terminal, error)
	// RecordAuthFailure atomically increments the failure counter; when
	// the new count reaches lockThreshold the terminal is locked and the
	// counter reset to zero.
	RecordAuthFailure(ctx context.Context, terminalID string, lockThreshold int) (failures int, locked bool, err error)
	MarkAuthenticated(ctx context.Context, terminalID string, at time.Time) error

	// Pairing codes.
	CreatePairingCode(ctx context.Context, code domain.PairingCode) (*domain.PairingCode, error)
	GetPairingByDeviceCode(ctx context.Context, deviceCode string) (*domain.PairingCode, error)
	GetPairingByUserCode(ctx context.Context, userCode string) (*domain.PairingCode, error)
	UpdatePairingCode(ctx context.Context, code domain.PairingCode) (*domain.PairingCode, error)
	ListPendingPairings(ctx context.Context, now time.Time) ([]domain.PairingCode, error)
	ExpireOverduePairings(ctx context.Context, now time.Time) (int, error)

	// Tenants and locations.
	GetTenant(ctx context.Context, tenantID string) (*domain.Tenant, error)
	GetLocation(ctx context.Context, locationID string) (*domain.StoreLocation, error)

	// Catalog reads for conflict detection.
	GetProductsByIDs(ctx context.Context, tenantID string, ids []string) (map[string]domain.Product, error)
	GetDiscountsByIDs(ctx context.Context, tenantID string, ids []string) (map[string]domain.Discount, error)

	// Idempotency ledger and conflict log. CreateOfflineConflict keeps
	// one row per operation; a retried batch overwrites its earlier row.
	FindProcessedOperation(ctx context.Context, tenantID string, terminalID string, operationID string) (*domain.ProcessedOperation, error)
	CreateOfflineConflict(ctx context.Context, conflict domain.OfflineConflict) (*domain.OfflineConflict, error)

	// Atomic materialization. ErrDuplicateOperation signals a lost
	// idempotency race; the caller re-fetches the winner's result.
	CreateOfflineOrder(ctx context.Context, rec OfflineOrderRecord) (DeltaOutcome, error)
	ApplyInventoryDeltas(ctx context.Context, tenantID string, deltas []domain.InventoryDelta, op domain.ProcessedOperation) (domain.InventorySyncResult, DeltaOutcome, error)
	RecordApprovals(ctx context.Context, entries []domain.ApprovalLog, op domain.ProcessedOperation) (domain.ApprovalSyncResult, error)

	// Admin users.
	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}
