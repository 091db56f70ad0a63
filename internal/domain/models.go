package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type Tenant struct {
	ID   string `json:"id"`
	Slug string `json:"slug"`
	Name string `json:"name"`
}

type StoreLocation struct {
	ID       string `json:"id"`
	TenantID string `json:"tenant_id"`
	Name     string `json:"name"`
	Active   bool   `json:"active"`
}

type Product struct {
	ID       string          `json:"id"`
	TenantID string          `json:"tenant_id"`
	SKU      string          `json:"sku"`
	Name     string          `json:"name"`
	Price    decimal.Decimal `json:"price"`
	Active   bool            `json:"active"`
}

type Discount struct {
	ID       string `json:"id"`
	TenantID string `json:"tenant_id"`
	Name     string `json:"name"`
	Active   bool   `json:"active"`
}

type InventoryStock struct {
	TenantID   string `json:"tenant_id"`
	ProductID  string `json:"product_id"`
	LocationID string `json:"location_id"`
	Quantity   int    `json:"quantity"`
}

// Terminal is a paired POS device. The device fingerprint is globally
// unique: a physical device belongs to at most one tenant at a time and
// re-pairing transfers it. Terminals are soft-deactivated, never deleted.
type Terminal struct {
	ID                  string     `json:"id"`
	TenantID            string     `json:"tenant_id"`
	LocationID          string     `json:"location_id"`
	DeviceID            string     `json:"device_id"`
	DeviceFingerprint   string     `json:"device_fingerprint"`
	Nickname            string     `json:"nickname"`
	SigningSecret       string     `json:"-"`
	OldSigningSecret    string     `json:"-"`
	Active              bool       `json:"active"`
	Locked              bool       `json:"locked"`
	AuthFailures        int        `json:"auth_failures"`
	PairingCodeID       string     `json:"pairing_code_id,omitempty"`
	LastAuthenticatedAt *time.Time `json:"last_authenticated_at,omitempty"`
	LastSeen            *time.Time `json:"last_seen,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
}

// PairingCode is an ephemeral RFC 8628 device-authorization record.
// Status moves pending -> {approved|denied|expired} -> consumed;
// denied, expired and consumed are terminal.
type PairingCode struct {
	ID                string     `json:"id"`
	DeviceCode        string     `json:"-"`
	UserCode          string     `json:"user_code"`
	DeviceFingerprint string     `json:"device_fingerprint"`
	Status            string     `json:"status"`
	TenantID          string     `json:"tenant_id,omitempty"`
	LocationID        string     `json:"location_id,omitempty"`
	Nickname          string     `json:"nickname,omitempty"`
	ApprovedBy        string     `json:"approved_by,omitempty"`
	ApprovedAt        *time.Time `json:"approved_at,omitempty"`
	RequestIP         string     `json:"request_ip,omitempty"`
	IntervalSeconds   int        `json:"interval"`
	ExpiresAt         time.Time  `json:"expires_at"`
	CreatedAt         time.Time  `json:"created_at"`
}

func (p PairingCode) Expired(now time.Time) bool {
	return now.After(p.ExpiresAt)
}

// ProcessedOperation is the idempotency ledger: at most one row per
// (tenant, terminal, operation_id). ResultData holds the exact response
// previously returned so retries replay it without side effects.
type ProcessedOperation struct {
	TenantID      string    `json:"tenant_id"`
	TerminalID    string    `json:"terminal_id"`
	OperationID   string    `json:"operation_id"`
	OperationType string    `json:"operation_type"`
	ResultData    []byte    `json:"result_data"`
	OrderID       string    `json:"order_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

type OfflineConflict struct {
	ID              string    `json:"id"`
	TenantID        string    `json:"tenant_id"`
	TerminalID      string    `json:"terminal_id"`
	OperationID     string    `json:"operation_id"`
	ConflictType    string    `json:"conflict_type"`
	Message         string    `json:"message"`
	PayloadSnapshot []byte    `json:"payload_snapshot"`
	Status          string    `json:"status"`
	CreatedAt       time.Time `json:"created_at"`
}

type Order struct {
	ID         string          `json:"id"`
	TenantID   string          `json:"tenant_id"`
	LocationID string          `json:"location_id"`
	TerminalID string          `json:"terminal_id"`
	Number     string          `json:"number"`
	Type       string          `json:"type"`
	Status     string          `json:"status"`
	Subtotal   decimal.Decimal `json:"subtotal"`
	Tax        decimal.Decimal `json:"tax"`
	Total      decimal.Decimal `json:"total"`
	CreatedAt  time.Time       `json:"created_at"`
	Items      []OrderItem     `json:"items"`
}

type OrderItem struct {
	ID          string          `json:"id"`
	OrderID     string          `json:"order_id"`
	ProductID   string          `json:"product_id"`
	Quantity    int             `json:"quantity"`
	PriceAtSale decimal.Decimal `json:"price_at_sale"`
	Notes       string          `json:"notes,omitempty"`
	Status      string          `json:"status"`
}

type Payment struct {
	ID         string          `json:"id"`
	OrderID    string          `json:"order_id"`
	AmountPaid decimal.Decimal `json:"amount_paid"`
	Tips       decimal.Decimal `json:"tips"`
	Surcharges decimal.Decimal `json:"surcharges"`
	Status     string          `json:"status"`
	CreatedAt  time.Time       `json:"created_at"`
}

type PaymentTransaction struct {
	ID               string          `json:"id"`
	PaymentID        string          `json:"payment_id"`
	Method           string          `json:"method"`
	Status           string          `json:"status"`
	Amount           decimal.Decimal `json:"amount"`
	Tip              decimal.Decimal `json:"tip"`
	Surcharge        decimal.Decimal `json:"surcharge"`
	TransactionRef   string          `json:"transaction_ref,omitempty"`
	ProviderResponse []byte          `json:"provider_response,omitempty"`
}

// ApprovalLog records a manager approval performed offline. The raw PIN
// is never persisted; only the fact that the terminal verified one.
type ApprovalLog struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenant_id"`
	TerminalID  string    `json:"terminal_id"`
	UserID      string    `json:"user_id"`
	Action      string    `json:"action"`
	Reference   string    `json:"reference"`
	PinVerified bool      `json:"pin_verified"`
	ApprovedAt  time.Time `json:"approved_at"`
	RecordedAt  time.Time `json:"recorded_at"`
}

// ---- offline sync wire payloads ----

type Adjustment struct {
	Name   string          `json:"name"`
	Amount decimal.Decimal `json:"amount"`
}

type OfflineOrderItem struct {
	ProductID   string          `json:"product_id" validate:"required"`
	Quantity    int             `json:"quantity" validate:"min=1"`
	PriceAtSale decimal.Decimal `json:"price_at_sale"`
	Notes       string          `json:"notes"`
	Modifiers   []string        `json:"modifiers"`
	Adjustments []Adjustment    `json:"adjustments"`
}

type OfflineOrder struct {
	OrderType   string             `json:"order_type" validate:"required,oneof=DINE_IN TAKEOUT DELIVERY ONLINE"`
	Status      string             `json:"status" validate:"required,oneof=PENDING COMPLETED"`
	LocationID  string             `json:"store_location_id" validate:"required"`
	Items       []OfflineOrderItem `json:"items" validate:"min=1,dive"`
	Subtotal    decimal.Decimal    `json:"subtotal"`
	Tax         decimal.Decimal    `json:"tax"`
	Total       decimal.Decimal    `json:"total"`
	Discounts   []string           `json:"discounts"`
	Adjustments []Adjustment       `json:"adjustments"`
}

type OfflineTender struct {
	Method           string          `json:"method" validate:"required,oneof=CASH CARD_TERMINAL GIFT_CARD"`
	Amount           decimal.Decimal `json:"amount"`
	Tip              decimal.Decimal `json:"tip"`
	Surcharge        decimal.Decimal `json:"surcharge"`
	Status           string          `json:"status"`
	TransactionID    string          `json:"transaction_id"`
	ProviderResponse map[string]any  `json:"provider_response"`
}

type InventoryDelta struct {
	ProductID      string `json:"product_id" validate:"required"`
	LocationID     string `json:"location_id" validate:"required"`
	QuantityChange int    `json:"quantity_change"`
	Reason         string `json:"reason"`
}

type OfflineApproval struct {
	UserID    string `json:"user_id" validate:"required"`
	PIN       string `json:"pin"`
	Action    string `json:"action" validate:"required,oneof=DISCOUNT VOID REFUND PRICE_OVERRIDE"`
	Reference string `json:"reference"`
	Timestamp string `json:"timestamp" validate:"required"`
}

type OfflineOrderPayload struct {
	OperationID     string            `json:"operation_id" validate:"required,uuid"`
	DeviceID        string            `json:"device_id" validate:"required"`
	Nonce           string            `json:"nonce" validate:"required"`
	CreatedAt       string            `json:"created_at" validate:"required"`
	DatasetVersions map[string]string `json:"dataset_versions"`
	Order           OfflineOrder      `json:"order" validate:"required"`
	Payments        []OfflineTender   `json:"payments" validate:"min=1,dive"`
	InventoryDeltas []InventoryDelta  `json:"inventory_deltas" validate:"dive"`
	Approvals       []OfflineApproval `json:"approvals" validate:"dive"`
}

type InventorySyncPayload struct {
	OperationID     string           `json:"operation_id" validate:"required,uuid"`
	DeviceID        string           `json:"device_id" validate:"required"`
	Nonce           string           `json:"nonce" validate:"required"`
	CreatedAt       string           `json:"created_at" validate:"required"`
	InventoryDeltas []InventoryDelta `json:"inventory_deltas" validate:"min=1,dive"`
}

type ApprovalSyncPayload struct {
	OperationID string            `json:"operation_id" validate:"required,uuid"`
	DeviceID    string            `json:"device_id" validate:"required"`
	Nonce       string            `json:"nonce" validate:"required"`
	CreatedAt   string            `json:"created_at" validate:"required"`
	Approvals   []OfflineApproval `json:"approvals" validate:"min=1,dive"`
}

type IngestConflict struct {
	Type            string `json:"type"`
	ProductID       string `json:"product_id,omitempty"`
	Message         string `json:"message"`
	ExpectedVersion string `json:"expected_version,omitempty"`
	ActualVersion   string `json:"actual_version,omitempty"`
}

type IngestResult struct {
	Status      string           `json:"status"`
	OrderNumber string           `json:"order_number,omitempty"`
	OrderID     string           `json:"order_id,omitempty"`
	Conflicts   []IngestConflict `json:"conflicts"`
	Errors      []string         `json:"errors"`
}

type InventorySyncResult struct {
	Status  string   `json:"status"`
	Applied int      `json:"applied"`
	Skipped []string `json:"skipped"`
	Errors  []string `json:"errors"`
}

type ApprovalSyncResult struct {
	Status   string   `json:"status"`
	Recorded int      `json:"recorded"`
	Errors   []string `json:"errors"`
}

// ---- pairing wire payloads ----

type DeviceAuthorizationRequest struct {
	DeviceFingerprint string `json:"device_fingerprint" validate:"required,uuid"`
}

type DeviceAuthorizationResponse struct {
	DeviceCode      string `json:"device_code"`
	UserCode        string `json:"user_code"`
	VerificationURI string `json:"verification_uri"`
	ExpiresIn       int    `json:"expires_in"`
	Interval        int    `json:"interval"`
}

type TokenRequest struct {
	DeviceCode string `json:"device_code" validate:"required"`
}

type TokenResponse struct {
	DeviceID      string `json:"device_id"`
	SigningSecret string `json:"signing_secret"`
	TenantID      string `json:"tenant_id"`
	TenantSlug    string `json:"tenant_slug"`
	LocationID    string `json:"location_id"`
	LocationName  string `json:"location_name"`
}

type PairingApproveRequest struct {
	UserCode   string `json:"user_code" validate:"required"`
	LocationID string `json:"location_id" validate:"required"`
	Nickname   string `json:"nickname"`
}

type PairingDenyRequest struct {
	UserCode string `json:"user_code" validate:"required"`
}

type RotateSecretResponse struct {
	DeviceID         string `json:"device_id"`
	SigningSecret    string `json:"signing_secret"`
	OldSigningSecret string `json:"old_signing_secret"`
}

// ---- admin auth ----

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	TenantID    string `json:"tenant_id"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username string
	Role     string
	TenantID string
}

// UserAccount is an internal persistence model for admin credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	TenantID  string
	Active    bool
	CreatedAt time.Time
}

const (
	PairingStatusPending  = "pending"
	PairingStatusApproved = "approved"
	PairingStatusDenied   = "denied"
	PairingStatusExpired  = "expired"
	PairingStatusConsumed = "consumed"
)

const (
	IngestStatusSuccess  = "SUCCESS"
	IngestStatusConflict = "CONFLICT"
	IngestStatusError    = "ERROR"
)

const (
	ConflictProductDeleted    = "PRODUCT_DELETED"
	ConflictDiscountExpired   = "DISCOUNT_EXPIRED"
	ConflictInsufficientStock = "INSUFFICIENT_STOCK"
	ConflictVersionMismatch   = "VERSION_MISMATCH"
	ConflictOther             = "OTHER"
)

const (
	OrderStatusPending   = "PENDING"
	OrderStatusCompleted = "COMPLETED"
)

const ItemStatusCompleted = "COMPLETED"

const (
	PaymentStatusCompleted = "COMPLETED"
	PaymentStatusPartial   = "PARTIAL"
)

const (
	ConflictResolutionPending  = "pending"
	ConflictResolutionResolved = "resolved"
)

const (
	OperationTypeOrder     = "order"
	OperationTypeInventory = "inventory"
	OperationTypeApprovals = "approvals"
)
