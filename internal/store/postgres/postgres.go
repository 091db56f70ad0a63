package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"tokosync/backend/internal/domain"
	"tokosync/backend/internal/store"
	"tokosync/backend/internal/xid"
)

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// ---- terminals ----

const terminalColumns = `
	id, tenant_id, location_id, device_id, device_fingerprint, COALESCE(nickname,''),
	signing_secret, COALESCE(old_signing_secret,''), active, locked, auth_failures,
	COALESCE(pairing_code_id,''), last_authenticated_at, last_seen, created_at
`

func scanTerminal(row interface{ Scan(...any) error }) (*domain.Terminal, error) {
	var t domain.Terminal
	var lastAuth, lastSeen sql.NullTime
	err := row.Scan(&t.ID, &t.TenantID, &t.LocationID, &t.DeviceID, &t.DeviceFingerprint, &t.Nickname,
		&t.SigningSecret, &t.OldSigningSecret, &t.Active, &t.Locked, &t.AuthFailures,
		&t.PairingCodeID, &lastAuth, &lastSeen, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	t.CreatedAt = t.CreatedAt.UTC()
	if lastAuth.Valid {
		at := lastAuth.Time.UTC()
		t.LastAuthenticatedAt = &at
	}
	if lastSeen.Valid {
		at := lastSeen.Time.UTC()
		t.LastSeen = &at
	}
	return &t, nil
}

func (s *Store) GetTerminalByFingerprint(ctx context.Context, fingerprint string) (*domain.Terminal, error) {
	terminal, err := scanTerminal(s.db.QueryRowContext(ctx, `
		SELECT `+terminalColumns+`
		FROM terminals
		WHERE device_fingerprint = $1
	`, fingerprint))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return terminal, nil
}

func (s *Store) GetTerminalByDeviceID(ctx context.Context, deviceID string) (*domain.Terminal, error) {
	terminal, err := scanTerminal(s.db.QueryRowContext(ctx, `
		SELECT `+terminalColumns+`
		FROM terminals
		WHERE device_id = $1
	`, deviceID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return terminal, nil
}

func (s *Store) CreateTerminal(ctx context.Context, terminal domain.Terminal) (*domain.Terminal, error) {
	if terminal.TenantID == "" || terminal.LocationID == "" || terminal.DeviceFingerprint == "" {
		return nil, store.ErrInvalidPayload
	}
	if terminal.ID == "" {
		terminal.ID = xid.New("term")
	}
	if terminal.DeviceID == "" {
		terminal.DeviceID = terminal.ID
	}
	if terminal.CreatedAt.IsZero() {
		terminal.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO terminals (
			id, tenant_id, location_id, device_id, device_fingerprint, nickname,
			signing_secret, old_signing_secret, active, locked, auth_failures,
			pairing_code_id, created_at, updated_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,now())
	`, terminal.ID, terminal.TenantID, terminal.LocationID, terminal.DeviceID, terminal.DeviceFingerprint,
		terminal.Nickname, terminal.SigningSecret, nullIfEmpty(terminal.OldSigningSecret),
		terminal.Active, terminal.Locked, terminal.AuthFailures, nullIfEmpty(terminal.PairingCodeID), terminal.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrInvalidPayload
		}
		return nil, err
	}

	created := terminal
	return &created, nil
}

func (s *Store) UpdateTerminal(ctx context.Context, terminal domain.Terminal) (*domain.Terminal, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE terminals
		SET tenant_id = $2, location_id = $3, device_fingerprint = $4, nickname = $5,
			signing_secret = $6, old_signing_secret = $7, active = $8, locked = $9,
			auth_failures = $10, pairing_code_id = $11, updated_at = now()
		WHERE device_id = $1
	`, terminal.DeviceID, terminal.TenantID, terminal.LocationID, terminal.DeviceFingerprint, terminal.Nickname,
		terminal.SigningSecret, nullIfEmpty(terminal.OldSigningSecret), terminal.Active, terminal.Locked,
		terminal.AuthFailures, nullIfEmpty(terminal.PairingCodeID))
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, store.ErrNotFound
	}

	updated := terminal
	return &updated, nil
}

func (s *Store) ListTerminals(ctx context.Context, tenantID string) ([]domain.Terminal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+terminalColumns+`
		FROM terminals
		WHERE ($1 = '' OR tenant_id = $1)
		ORDER BY created_at, device_id
	`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	terminals := make([]domain.Terminal, 0, 32)
	for rows.Next() {
		terminal, err := scanTerminal(rows)
		if err != nil {
			return nil, err
		}
		terminals = append(terminals, *terminal)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return terminals, nil
}

func (s *Store) RecordAuthFailure(ctx context.Context, terminalID string, lockThreshold int) (int, bool, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return 0, false, err
	}
	defer func() { _ = tx.Rollback() }()

	var failures int
	err = tx.QueryRowContext(ctx, `
		UPDATE terminals
		SET auth_failures = auth_failures + 1, updated_at = now()
		WHERE device_id = $1
		RETURNING auth_failures
	`, terminalID).Scan(&failures)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, store.ErrNotFound
		}
		return 0, false, err
	}

	locked := false
	if lockThreshold > 0 && failures >= lockThreshold {
		if _, err := tx.ExecContext(ctx, `
			UPDATE terminals
			SET locked = true, auth_failures = 0, updated_at = now()
			WHERE device_id = $1
		`, terminalID); err != nil {
			return 0, false, err
		}
		locked = true
	}

	if err := tx.Commit(); err != nil {
		return 0, false, err
	}
	return failures, locked, nil
}

func (s *Store) MarkAuthenticated(ctx context.Context, terminalID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE terminals
		SET auth_failures = 0, last_authenticated_at = $2, last_seen = $2, updated_at = now()
		WHERE device_id = $1
	`, terminalID, at)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

// ---- pairing codes ----

const pairingColumns = `
	id, device_code, user_code, device_fingerprint, status,
	COALESCE(tenant_id,''), COALESCE(location_id,''), COALESCE(nickname,''),
	COALESCE(approved_by,''), approved_at, COALESCE(request_ip,''),
	interval_seconds, expires_at, created_at
`

func scanPairing(row interface{ Scan(...any) error }) (*domain.PairingCode, error) {
	var code domain.PairingCode
	var approvedAt sql.NullTime
	err := row.Scan(&code.ID, &code.DeviceCode, &code.UserCode, &code.DeviceFingerprint, &code.Status,
		&code.TenantID, &code.LocationID, &code.Nickname,
		&code.ApprovedBy, &approvedAt, &code.RequestIP,
		&code.IntervalSeconds, &code.ExpiresAt, &code.CreatedAt)
	if err != nil {
		return nil, err
	}
	code.ExpiresAt = code.ExpiresAt.UTC()
	code.CreatedAt = code.CreatedAt.UTC()
	if approvedAt.Valid {
		at := approvedAt.Time.UTC()
		code.ApprovedAt = &at
	}
	return &code, nil
}

func (s *Store) CreatePairingCode(ctx context.Context, code domain.PairingCode) (*domain.PairingCode, error) {
	if code.DeviceCode == "" || code.UserCode == "" || code.DeviceFingerprint == "" {
		return nil, store.ErrInvalidPayload
	}
	if code.ID == "" {
		code.ID = xid.New("pair")
	}
	if code.CreatedAt.IsZero() {
		code.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pairing_codes (
			id, device_code, user_code, device_fingerprint, status,
			request_ip, interval_seconds, expires_at, created_at, updated_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,now())
	`, code.ID, code.DeviceCode, code.UserCode, code.DeviceFingerprint, code.Status,
		nullIfEmpty(code.RequestIP), code.IntervalSeconds, code.ExpiresAt, code.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrInvalidPayload
		}
		return nil, err
	}

	created := code
	return &created, nil
}

func (s *Store) GetPairingByDeviceCode(ctx context.Context, deviceCode string) (*domain.PairingCode, error) {
	code, err := scanPairing(s.db.QueryRowContext(ctx, `
		SELECT `+pairingColumns+`
		FROM pairing_codes
		WHERE device_code = $1
	`, deviceCode))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return code, nil
}

func (s *Store) GetPairingByUserCode(ctx context.Context, userCode string) (*domain.PairingCode, error) {
	code, err := scanPairing(s.db.QueryRowContext(ctx, `
		SELECT `+pairingColumns+`
		FROM pairing_codes
		WHERE user_code = $1
	`, userCode))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return code, nil
}

func (s *Store) UpdatePairingCode(ctx context.Context, code domain.PairingCode) (*domain.PairingCode, error) {
	var approvedAt any
	if code.ApprovedAt != nil {
		approvedAt = *code.ApprovedAt
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE pairing_codes
		SET status = $2, tenant_id = $3, location_id = $4, nickname = $5,
			approved_by = $6, approved_at = $7, updated_at = now()
		WHERE id = $1
	`, code.ID, code.Status, nullIfEmpty(code.TenantID), nullIfEmpty(code.LocationID), nullIfEmpty(code.Nickname),
		nullIfEmpty(code.ApprovedBy), approvedAt)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, store.ErrNotFound
	}

	updated := code
	return &updated, nil
}

func (s *Store) ListPendingPairings(ctx context.Context, now time.Time) ([]domain.PairingCode, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+pairingColumns+`
		FROM pairing_codes
		WHERE status = $1 AND expires_at > $2
		ORDER BY created_at, user_code
	`, domain.PairingStatusPending, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	pending := make([]domain.PairingCode, 0, 8)
	for rows.Next() {
		code, err := scanPairing(rows)
		if err != nil {
			return nil, err
		}
		pending = append(pending, *code)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return pending, nil
}

func (s *Store) ExpireOverduePairings(ctx context.Context, now time.Time) (int, error) {
	// Approved codes that were never polled expire too; only consumed
	// and denied codes are final.
	res, err := s.db.ExecContext(ctx, `
		UPDATE pairing_codes
		SET status = $1, updated_at = now()
		WHERE status = ANY($2) AND expires_at <= $3
	`, domain.PairingStatusExpired, []string{domain.PairingStatusPending, domain.PairingStatusApproved}, now)
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}

// ---- tenants and locations ----

func (s *Store) GetTenant(ctx context.Context, tenantID string) (*domain.Tenant, error) {
	var tenant domain.Tenant
	err := s.db.QueryRowContext(ctx, `
		SELECT id, slug, name
		FROM tenants
		WHERE id = $1
	`, tenantID).Scan(&tenant.ID, &tenant.Slug, &tenant.Name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &tenant, nil
}

func (s *Store) GetLocation(ctx context.Context, locationID string) (*domain.StoreLocation, error) {
	var location domain.StoreLocation
	err := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, name, active
		FROM store_locations
		WHERE id = $1
	`, locationID).Scan(&location.ID, &location.TenantID, &location.Name, &location.Active)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &location, nil
}

// ---- catalog ----

func (s *Store) GetProductsByIDs(ctx context.Context, tenantID string, ids []string) (map[string]domain.Product, error) {
	result := make(map[string]domain.Product, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, sku, name, price, active
		FROM products
		WHERE tenant_id = $1 AND id = ANY($2)
	`, tenantID, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.ID, &p.TenantID, &p.SKU, &p.Name, &p.Price, &p.Active); err != nil {
			return nil, err
		}
		result[p.ID] = p
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) GetDiscountsByIDs(ctx context.Context, tenantID string, ids []string) (map[string]domain.Discount, error) {
	result := make(map[string]domain.Discount, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, name, active
		FROM discounts
		WHERE tenant_id = $1 AND id = ANY($2)
	`, tenantID, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var d domain.Discount
		if err := rows.Scan(&d.ID, &d.TenantID, &d.Name, &d.Active); err != nil {
			return nil, err
		}
		result[d.ID] = d
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// ---- idempotency ledger and conflicts ----

func (s *Store) FindProcessedOperation(ctx context.Context, tenantID string, terminalID string, operationID string) (*domain.ProcessedOperation, error) {
	var op domain.ProcessedOperation
	var orderID sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT tenant_id, terminal_id, operation_id, operation_type, result_data, order_id, created_at
		FROM processed_operations
		WHERE tenant_id = $1 AND terminal_id = $2 AND operation_id = $3
	`, tenantID, terminalID, operationID).Scan(&op.TenantID, &op.TerminalID, &op.OperationID,
		&op.OperationType, &op.ResultData, &orderID, &op.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	op.CreatedAt = op.CreatedAt.UTC()
	if orderID.Valid {
		op.OrderID = orderID.String
	}
	return &op, nil
}

func (s *Store) CreateOfflineConflict(ctx context.Context, conflict domain.OfflineConflict) (*domain.OfflineConflict, error) {
	if conflict.ID == "" {
		conflict.ID = xid.New("conflict")
	}
	if conflict.Status == "" {
		conflict.Status = domain.ConflictResolutionPending
	}
	if conflict.CreatedAt.IsZero() {
		conflict.CreatedAt = time.Now().UTC()
	}

	// One row per operation: a retried batch overwrites its earlier
	// conflict instead of piling up duplicates.
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO offline_conflicts (
			id, tenant_id, terminal_id, operation_id, conflict_type, message,
			payload_snapshot, status, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (tenant_id, terminal_id, operation_id) DO UPDATE
		SET conflict_type = EXCLUDED.conflict_type, message = EXCLUDED.message,
			payload_snapshot = EXCLUDED.payload_snapshot, status = EXCLUDED.status,
			created_at = EXCLUDED.created_at
	`, conflict.ID, conflict.TenantID, conflict.TerminalID, conflict.OperationID, conflict.ConflictType,
		conflict.Message, conflict.PayloadSnapshot, conflict.Status, conflict.CreatedAt)
	if err != nil {
		return nil, err
	}

	created := conflict
	return &created, nil
}

// ---- atomic materialization ----

func insertProcessedOperation(ctx context.Context, tx *sql.Tx, op domain.ProcessedOperation) error {
	if op.CreatedAt.IsZero() {
		op.CreatedAt = time.Now().UTC()
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO processed_operations (tenant_id, terminal_id, operation_id, operation_type, result_data, order_id, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, op.TenantID, op.TerminalID, op.OperationID, op.OperationType, op.ResultData, nullIfEmpty(op.OrderID), op.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrDuplicateOperation
		}
		return err
	}
	return nil
}

// applyDeltaTx applies one delta and reports whether a row was hit and
// whether the resulting quantity is below zero. A negative result is
// kept as written; the service logs it.
func applyDeltaTx(ctx context.Context, tx *sql.Tx, tenantID string, delta domain.InventoryDelta) (applied bool, negative bool, err error) {
	var quantity int
	err = tx.QueryRowContext(ctx, `
		UPDATE inventory_stocks
		SET quantity = quantity + $4, updated_at = now()
		WHERE tenant_id = $1 AND location_id = $2 AND product_id = $3
		RETURNING quantity
	`, tenantID, delta.LocationID, delta.ProductID, delta.QuantityChange).Scan(&quantity)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, false, nil
		}
		return false, false, err
	}
	return true, quantity < 0, nil
}

func insertApprovalTx(ctx context.Context, tx *sql.Tx, entry domain.ApprovalLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("appr")
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO approval_logs (id, tenant_id, terminal_id, user_id, action, reference, pin_verified, approved_at, recorded_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, entry.ID, entry.TenantID, entry.TerminalID, entry.UserID, entry.Action, nullIfEmpty(entry.Reference),
		entry.PinVerified, entry.ApprovedAt, entry.RecordedAt)
	return err
}

func (s *Store) CreateOfflineOrder(ctx context.Context, rec store.OfflineOrderRecord) (store.DeltaOutcome, error) {
	if rec.Order.ID == "" || len(rec.Order.Items) == 0 {
		return store.DeltaOutcome{}, store.ErrInvalidPayload
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return store.DeltaOutcome{}, err
	}
	defer func() { _ = tx.Rollback() }()

	// The ledger insert goes first so a concurrent retry fails fast
	// before any rows are written.
	if err := insertProcessedOperation(ctx, tx, rec.Operation); err != nil {
		return store.DeltaOutcome{}, err
	}

	order := rec.Order
	_, err = tx.ExecContext(ctx, `
		INSERT INTO orders (id, tenant_id, location_id, terminal_id, number, type, status, subtotal, tax, total, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,now())
	`, order.ID, order.TenantID, order.LocationID, order.TerminalID, order.Number, order.Type, order.Status,
		order.Subtotal, order.Tax, order.Total, order.CreatedAt)
	if err != nil {
		return store.DeltaOutcome{}, err
	}

	for _, item := range order.Items {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO order_items (id, order_id, product_id, quantity, price_at_sale, notes, status)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
		`, item.ID, order.ID, item.ProductID, item.Quantity, item.PriceAtSale, item.Notes, item.Status)
		if err != nil {
			return store.DeltaOutcome{}, err
		}
	}

	payment := rec.Payment
	_, err = tx.ExecContext(ctx, `
		INSERT INTO payments (id, order_id, amount_paid, tips, surcharges, status, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, payment.ID, order.ID, payment.AmountPaid, payment.Tips, payment.Surcharges, payment.Status, payment.CreatedAt)
	if err != nil {
		return store.DeltaOutcome{}, err
	}

	for _, ptx := range rec.Transactions {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO payment_transactions (id, payment_id, method, status, amount, tip, surcharge, transaction_ref, provider_response)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		`, ptx.ID, payment.ID, ptx.Method, ptx.Status, ptx.Amount, ptx.Tip, ptx.Surcharge,
			nullIfEmpty(ptx.TransactionRef), nullIfEmptyBytes(ptx.ProviderResponse))
		if err != nil {
			return store.DeltaOutcome{}, err
		}
	}

	outcome := store.DeltaOutcome{
		SkippedStock: make([]string, 0),
		WentNegative: make([]string, 0),
	}
	for _, delta := range rec.InventoryDeltas {
		if delta.LocationID == "" {
			delta.LocationID = order.LocationID
		}
		applied, negative, err := applyDeltaTx(ctx, tx, order.TenantID, delta)
		if err != nil {
			return store.DeltaOutcome{}, err
		}
		switch {
		case !applied:
			outcome.SkippedStock = append(outcome.SkippedStock, delta.ProductID)
		case negative:
			outcome.WentNegative = append(outcome.WentNegative, delta.ProductID)
		}
	}

	for _, entry := range rec.Approvals {
		if err := insertApprovalTx(ctx, tx, entry); err != nil {
			return store.DeltaOutcome{}, err
		}
	}

	if err := tx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return store.DeltaOutcome{}, store.ErrDuplicateOperation
		}
		return store.DeltaOutcome{}, err
	}
	return outcome, nil
}

func (s *Store) ApplyInventoryDeltas(ctx context.Context, tenantID string, deltas []domain.InventoryDelta, op domain.ProcessedOperation) (domain.InventorySyncResult, store.DeltaOutcome, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return domain.InventorySyncResult{}, store.DeltaOutcome{}, err
	}
	defer func() { _ = tx.Rollback() }()

	outcome := store.DeltaOutcome{
		SkippedStock: make([]string, 0),
		WentNegative: make([]string, 0),
	}
	applied := 0
	for _, delta := range deltas {
		ok, negative, err := applyDeltaTx(ctx, tx, tenantID, delta)
		if err != nil {
			return domain.InventorySyncResult{}, store.DeltaOutcome{}, err
		}
		switch {
		case !ok:
			outcome.SkippedStock = append(outcome.SkippedStock, delta.ProductID)
		case negative:
			applied++
			outcome.WentNegative = append(outcome.WentNegative, delta.ProductID)
		default:
			applied++
		}
	}

	result := domain.InventorySyncResult{
		Status:  domain.IngestStatusSuccess,
		Applied: applied,
		Skipped: outcome.SkippedStock,
		Errors:  []string{},
	}
	data, err := json.Marshal(result)
	if err != nil {
		return domain.InventorySyncResult{}, store.DeltaOutcome{}, fmt.Errorf("marshal inventory result: %w", err)
	}
	op.ResultData = data
	if err := insertProcessedOperation(ctx, tx, op); err != nil {
		return domain.InventorySyncResult{}, store.DeltaOutcome{}, err
	}

	if err := tx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return domain.InventorySyncResult{}, store.DeltaOutcome{}, store.ErrDuplicateOperation
		}
		return domain.InventorySyncResult{}, store.DeltaOutcome{}, err
	}
	return result, outcome, nil
}

func (s *Store) RecordApprovals(ctx context.Context, entries []domain.ApprovalLog, op domain.ProcessedOperation) (domain.ApprovalSyncResult, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return domain.ApprovalSyncResult{}, err
	}
	defer func() { _ = tx.Rollback() }()

	for _, entry := range entries {
		if err := insertApprovalTx(ctx, tx, entry); err != nil {
			return domain.ApprovalSyncResult{}, err
		}
	}

	result := domain.ApprovalSyncResult{
		Status:   domain.IngestStatusSuccess,
		Recorded: len(entries),
		Errors:   []string{},
	}
	data, err := json.Marshal(result)
	if err != nil {
		return domain.ApprovalSyncResult{}, fmt.Errorf("marshal approval result: %w", err)
	}
	op.ResultData = data
	if err := insertProcessedOperation(ctx, tx, op); err != nil {
		return domain.ApprovalSyncResult{}, err
	}

	if err := tx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return domain.ApprovalSyncResult{}, store.ErrDuplicateOperation
		}
		return domain.ApprovalSyncResult{}, err
	}
	return result, nil
}

// ---- admin users ----

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	if user.Username == "" || user.Password == "" {
		return store.ErrInvalidPayload
	}
	if user.Role == "" {
		user.Role = "cashier"
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	user.Active = true

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_users (username, password, role, tenant_id, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,now())
	`, user.Username, user.Password, user.Role, user.TenantID, user.Active, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrInvalidPayload
		}
		return err
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, tenant_id, active, created_at
		FROM app_users
		ORDER BY username
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.TenantID, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	if username == "" || password == "" {
		return store.ErrInvalidPayload
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE app_users
		SET password = $2, updated_at = now()
		WHERE username = $1
	`, username, password)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}

func nullIfEmptyBytes(val []byte) any {
	if len(val) == 0 {
		return nil
	}
	return val
}
