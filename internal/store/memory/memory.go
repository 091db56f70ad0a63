package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"tokosync/backend/internal/domain"
	"tokosync/backend/internal/store"
	"tokosync/backend/internal/xid"
)

type Store struct {
	mu                 sync.RWMutex
	tenants            map[string]domain.Tenant
	locations          map[string]domain.StoreLocation
	products           map[string]domain.Product
	discounts          map[string]domain.Discount
	stock              map[string]map[string]int
	terminalsByID      map[string]domain.Terminal
	pairingsByID       map[string]domain.PairingCode
	pairingByDevice    map[string]string
	pairingByUser      map[string]string
	processedOps       map[string]domain.ProcessedOperation
	conflicts          []domain.OfflineConflict
	ordersByID         map[string]domain.Order
	paymentsByOrderID  map[string]domain.Payment
	transactionsByPay  map[string][]domain.PaymentTransaction
	approvalLogs       []domain.ApprovalLog
	usersByUsername    map[string]domain.UserAccount
}

// seedUsers builds the initial in-memory admin accounts for dev/demo mode.
// Credentials are read from SEED_ADMIN_PASSWORD and SEED_MANAGER_PASSWORD
// environment variables. If unset, hardcoded dev defaults are used with a
// warning printed to stdout. These credentials are never used in production
// (the backend uses PostgreSQL when DATABASE_URL is set).
func seedUsers(tenantID string) map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	managerPwd := envOr("SEED_MANAGER_PASSWORD", "manager123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_MANAGER_PASSWORD") == "" {
		log.Println("[memory-store] WARNING: using default dev credentials. Set SEED_ADMIN_PASSWORD and SEED_MANAGER_PASSWORD to override.")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, "admin"},
		{"manager", managerPwd, "manager"},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("[memory-store] failed to hash seed password for %s: %v", u.username, err)
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			TenantID:  tenantID,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func NewSeeded() *Store {
	tenant := domain.Tenant{ID: "tn-demo", Slug: "demo", Name: "Demo Coffee Co"}
	location := domain.StoreLocation{ID: "loc-main", TenantID: tenant.ID, Name: "Main Street", Active: true}

	products := []domain.Product{
		{ID: "prd-espresso", TenantID: tenant.ID, SKU: "SKU-ESP-01", Name: "Espresso", Price: decimal.RequireFromString("3.50"), Active: true},
		{ID: "prd-latte", TenantID: tenant.ID, SKU: "SKU-LAT-01", Name: "Latte", Price: decimal.RequireFromString("4.75"), Active: true},
		{ID: "prd-drip", TenantID: tenant.ID, SKU: "SKU-DRP-01", Name: "Drip Coffee", Price: decimal.RequireFromString("2.95"), Active: true},
		{ID: "prd-croissant", TenantID: tenant.ID, SKU: "SKU-CRS-01", Name: "Butter Croissant", Price: decimal.RequireFromString("3.95"), Active: true},
		{ID: "prd-bagel", TenantID: tenant.ID, SKU: "SKU-BGL-01", Name: "Everything Bagel", Price: decimal.RequireFromString("2.50"), Active: true},
		{ID: "prd-coldbrew", TenantID: tenant.ID, SKU: "SKU-CBR-01", Name: "Cold Brew", Price: decimal.RequireFromString("5.25"), Active: true},
	}
	discounts := []domain.Discount{
		{ID: "dsc-staff", TenantID: tenant.ID, Name: "Staff 20%", Active: true},
		{ID: "dsc-happyhour", TenantID: tenant.ID, Name: "Happy Hour", Active: true},
	}

	productMap := make(map[string]domain.Product, len(products))
	stock := map[string]map[string]int{location.ID: {}}
	for _, p := range products {
		productMap[p.ID] = p
		stock[location.ID][p.ID] = 120
	}
	discountMap := make(map[string]domain.Discount, len(discounts))
	for _, d := range discounts {
		discountMap[d.ID] = d
	}

	return &Store{
		tenants:           map[string]domain.Tenant{tenant.ID: tenant},
		locations:         map[string]domain.StoreLocation{location.ID: location},
		products:          productMap,
		discounts:         discountMap,
		stock:             stock,
		terminalsByID:     make(map[string]domain.Terminal),
		pairingsByID:      make(map[string]domain.PairingCode),
		pairingByDevice:   make(map[string]string),
		pairingByUser:     make(map[string]string),
		processedOps:      make(map[string]domain.ProcessedOperation),
		conflicts:         make([]domain.OfflineConflict, 0, 32),
		ordersByID:        make(map[string]domain.Order),
		paymentsByOrderID: make(map[string]domain.Payment),
		transactionsByPay: make(map[string][]domain.PaymentTransaction),
		approvalLogs:      make([]domain.ApprovalLog, 0, 64),
		usersByUsername:   seedUsers(tenant.ID),
	}
}

// ---- terminals ----

func (s *Store) GetTerminalByFingerprint(_ context.Context, fingerprint string) (*domain.Terminal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, t := range s.terminalsByID {
		if t.DeviceFingerprint == fingerprint {
			copyTerminal := t
			return &copyTerminal, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) GetTerminalByDeviceID(_ context.Context, deviceID string) (*domain.Terminal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, exists := s.terminalsByID[deviceID]
	if !exists {
		return nil, store.ErrNotFound
	}
	copyTerminal := t
	return &copyTerminal, nil
}

func (s *Store) CreateTerminal(_ context.Context, terminal domain.Terminal) (*domain.Terminal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

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
	for _, existing := range s.terminalsByID {
		if existing.DeviceFingerprint == terminal.DeviceFingerprint {
			return nil, store.ErrInvalidPayload
		}
	}

	s.terminalsByID[terminal.DeviceID] = terminal
	created := terminal
	return &created, nil
}

func (s *Store) UpdateTerminal(_ context.Context, terminal domain.Terminal) (*domain.Terminal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.terminalsByID[terminal.DeviceID]; !exists {
		return nil, store.ErrNotFound
	}
	s.terminalsByID[terminal.DeviceID] = terminal
	updated := terminal
	return &updated, nil
}

func (s *Store) ListTerminals(_ context.Context, tenantID string) ([]domain.Terminal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	terminals := make([]domain.Terminal, 0, len(s.terminalsByID))
	for _, t := range s.terminalsByID {
		if tenantID != "" && t.TenantID != tenantID {
			continue
		}
		terminals = append(terminals, t)
	}
	slices.SortFunc(terminals, func(a, b domain.Terminal) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return cmpString(a.DeviceID, b.DeviceID)
		}
		if a.CreatedAt.Before(b.CreatedAt) {
			return -1
		}
		return 1
	})
	return terminals, nil
}

func (s *Store) RecordAuthFailure(_ context.Context, terminalID string, lockThreshold int) (int, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, exists := s.terminalsByID[terminalID]
	if !exists {
		return 0, false, store.ErrNotFound
	}
	t.AuthFailures++
	failures := t.AuthFailures
	locked := false
	if lockThreshold > 0 && t.AuthFailures >= lockThreshold {
		t.Locked = true
		t.AuthFailures = 0
		locked = true
	}
	s.terminalsByID[terminalID] = t
	return failures, locked, nil
}

func (s *Store) MarkAuthenticated(_ context.Context, terminalID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, exists := s.terminalsByID[terminalID]
	if !exists {
		return store.ErrNotFound
	}
	t.AuthFailures = 0
	t.LastAuthenticatedAt = &at
	t.LastSeen = &at
	s.terminalsByID[terminalID] = t
	return nil
}

// ---- pairing codes ----

func (s *Store) CreatePairingCode(_ context.Context, code domain.PairingCode) (*domain.PairingCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if code.DeviceCode == "" || code.UserCode == "" || code.DeviceFingerprint == "" {
		return nil, store.ErrInvalidPayload
	}
	if code.ID == "" {
		code.ID = xid.New("pair")
	}
	if code.CreatedAt.IsZero() {
		code.CreatedAt = time.Now().UTC()
	}
	if _, exists := s.pairingByDevice[code.DeviceCode]; exists {
		return nil, store.ErrInvalidPayload
	}
	// User codes are unique across the whole history, not just among
	// pending codes; a collision makes the caller regenerate.
	if _, exists := s.pairingByUser[code.UserCode]; exists {
		return nil, store.ErrInvalidPayload
	}

	s.pairingsByID[code.ID] = code
	s.pairingByDevice[code.DeviceCode] = code.ID
	s.pairingByUser[code.UserCode] = code.ID
	created := code
	return &created, nil
}

func (s *Store) GetPairingByDeviceCode(_ context.Context, deviceCode string) (*domain.PairingCode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, exists := s.pairingByDevice[deviceCode]
	if !exists {
		return nil, store.ErrNotFound
	}
	code := s.pairingsByID[id]
	copyCode := code
	return &copyCode, nil
}

func (s *Store) GetPairingByUserCode(_ context.Context, userCode string) (*domain.PairingCode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, exists := s.pairingByUser[userCode]
	if !exists {
		return nil, store.ErrNotFound
	}
	code := s.pairingsByID[id]
	copyCode := code
	return &copyCode, nil
}

func (s *Store) UpdatePairingCode(_ context.Context, code domain.PairingCode) (*domain.PairingCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.pairingsByID[code.ID]; !exists {
		return nil, store.ErrNotFound
	}
	s.pairingsByID[code.ID] = code
	updated := code
	return &updated, nil
}

func (s *Store) ListPendingPairings(_ context.Context, now time.Time) ([]domain.PairingCode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pending := make([]domain.PairingCode, 0, 8)
	for _, code := range s.pairingsByID {
		if code.Status != domain.PairingStatusPending || code.Expired(now) {
			continue
		}
		pending = append(pending, code)
	}
	slices.SortFunc(pending, func(a, b domain.PairingCode) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return cmpString(a.UserCode, b.UserCode)
		}
		if a.CreatedAt.Before(b.CreatedAt) {
			return -1
		}
		return 1
	})
	return pending, nil
}

func (s *Store) ExpireOverduePairings(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	expired := 0
	for id, code := range s.pairingsByID {
		if code.Status != domain.PairingStatusPending && code.Status != domain.PairingStatusApproved {
			continue
		}
		if !code.Expired(now) {
			continue
		}
		code.Status = domain.PairingStatusExpired
		s.pairingsByID[id] = code
		expired++
	}
	return expired, nil
}

// ---- tenants and locations ----

func (s *Store) GetTenant(_ context.Context, tenantID string) (*domain.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tenant, exists := s.tenants[tenantID]
	if !exists {
		return nil, store.ErrNotFound
	}
	copyTenant := tenant
	return &copyTenant, nil
}

func (s *Store) GetLocation(_ context.Context, locationID string) (*domain.StoreLocation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	location, exists := s.locations[locationID]
	if !exists {
		return nil, store.ErrNotFound
	}
	copyLocation := location
	return &copyLocation, nil
}

// ---- catalog ----

func (s *Store) GetProductsByIDs(_ context.Context, tenantID string, ids []string) (map[string]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]domain.Product, len(ids))
	for _, id := range ids {
		if p, ok := s.products[id]; ok && p.TenantID == tenantID {
			result[id] = p
		}
	}
	return result, nil
}

func (s *Store) GetDiscountsByIDs(_ context.Context, tenantID string, ids []string) (map[string]domain.Discount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]domain.Discount, len(ids))
	for _, id := range ids {
		if d, ok := s.discounts[id]; ok && d.TenantID == tenantID {
			result[id] = d
		}
	}
	return result, nil
}

// ---- idempotency ledger and conflicts ----

func opKey(tenantID, terminalID, operationID string) string {
	return tenantID + "::" + terminalID + "::" + operationID
}

func (s *Store) FindProcessedOperation(_ context.Context, tenantID string, terminalID string, operationID string) (*domain.ProcessedOperation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	op, exists := s.processedOps[opKey(tenantID, terminalID, operationID)]
	if !exists {
		return nil, store.ErrNotFound
	}
	copyOp := op
	copyOp.ResultData = slices.Clone(op.ResultData)
	return &copyOp, nil
}

func (s *Store) CreateOfflineConflict(_ context.Context, conflict domain.OfflineConflict) (*domain.OfflineConflict, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if conflict.Status == "" {
		conflict.Status = domain.ConflictResolutionPending
	}
	if conflict.CreatedAt.IsZero() {
		conflict.CreatedAt = time.Now().UTC()
	}
	// One row per operation: a retried batch overwrites its earlier
	// conflict instead of piling up duplicates.
	for i, existing := range s.conflicts {
		if existing.TenantID == conflict.TenantID && existing.TerminalID == conflict.TerminalID && existing.OperationID == conflict.OperationID {
			conflict.ID = existing.ID
			s.conflicts[i] = conflict
			updated := conflict
			return &updated, nil
		}
	}
	if conflict.ID == "" {
		conflict.ID = xid.New("conflict")
	}
	s.conflicts = append(s.conflicts, conflict)
	created := conflict
	return &created, nil
}

// ListConflicts is used by tests to assert on the conflict log.
func (s *Store) ListConflicts(_ context.Context, tenantID string) ([]domain.OfflineConflict, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.OfflineConflict, 0, len(s.conflicts))
	for _, c := range s.conflicts {
		if tenantID != "" && c.TenantID != tenantID {
			continue
		}
		result = append(result, c)
	}
	return result, nil
}

// GetOrder is used by tests to assert on materialized orders.
func (s *Store) GetOrder(_ context.Context, orderID string) (*domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	order, exists := s.ordersByID[orderID]
	if !exists {
		return nil, store.ErrNotFound
	}
	copyOrder := order
	copyOrder.Items = slices.Clone(order.Items)
	return &copyOrder, nil
}

// GetPayment is used by tests to assert on tender-derived payment rows.
func (s *Store) GetPayment(_ context.Context, orderID string) (*domain.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	payment, exists := s.paymentsByOrderID[orderID]
	if !exists {
		return nil, store.ErrNotFound
	}
	copyPayment := payment
	return &copyPayment, nil
}

// CountOrders is used by tests to assert idempotent replays create no duplicates.
func (s *Store) CountOrders(_ context.Context, tenantID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, order := range s.ordersByID {
		if tenantID == "" || order.TenantID == tenantID {
			count++
		}
	}
	return count, nil
}

// ---- atomic materialization ----

func (s *Store) CreateOfflineOrder(_ context.Context, rec store.OfflineOrderRecord) (store.DeltaOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := opKey(rec.Operation.TenantID, rec.Operation.TerminalID, rec.Operation.OperationID)
	if _, exists := s.processedOps[key]; exists {
		return store.DeltaOutcome{}, store.ErrDuplicateOperation
	}
	if rec.Order.ID == "" || len(rec.Order.Items) == 0 {
		return store.DeltaOutcome{}, store.ErrInvalidPayload
	}

	order := rec.Order
	order.Items = slices.Clone(rec.Order.Items)
	s.ordersByID[order.ID] = order
	s.paymentsByOrderID[order.ID] = rec.Payment
	s.transactionsByPay[rec.Payment.ID] = slices.Clone(rec.Transactions)

	outcome := s.applyDeltasLocked(order.LocationID, rec.InventoryDeltas)

	for _, entry := range rec.Approvals {
		if entry.ID == "" {
			entry.ID = xid.New("appr")
		}
		s.approvalLogs = append(s.approvalLogs, entry)
	}

	op := rec.Operation
	op.ResultData = slices.Clone(rec.Operation.ResultData)
	if op.CreatedAt.IsZero() {
		op.CreatedAt = time.Now().UTC()
	}
	s.processedOps[key] = op

	return outcome, nil
}

func (s *Store) ApplyInventoryDeltas(_ context.Context, tenantID string, deltas []domain.InventoryDelta, op domain.ProcessedOperation) (domain.InventorySyncResult, store.DeltaOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := opKey(op.TenantID, op.TerminalID, op.OperationID)
	if _, exists := s.processedOps[key]; exists {
		return domain.InventorySyncResult{}, store.DeltaOutcome{}, store.ErrDuplicateOperation
	}

	outcome := s.applyDeltasLocked("", deltas)
	result := domain.InventorySyncResult{
		Status:  domain.IngestStatusSuccess,
		Applied: len(deltas) - len(outcome.SkippedStock),
		Skipped: outcome.SkippedStock,
		Errors:  []string{},
	}
	data, err := json.Marshal(result)
	if err != nil {
		return domain.InventorySyncResult{}, store.DeltaOutcome{}, fmt.Errorf("marshal inventory result: %w", err)
	}
	op.ResultData = data
	if op.CreatedAt.IsZero() {
		op.CreatedAt = time.Now().UTC()
	}
	s.processedOps[key] = op
	return result, outcome, nil
}

func (s *Store) RecordApprovals(_ context.Context, entries []domain.ApprovalLog, op domain.ProcessedOperation) (domain.ApprovalSyncResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := opKey(op.TenantID, op.TerminalID, op.OperationID)
	if _, exists := s.processedOps[key]; exists {
		return domain.ApprovalSyncResult{}, store.ErrDuplicateOperation
	}

	for _, entry := range entries {
		if entry.ID == "" {
			entry.ID = xid.New("appr")
		}
		s.approvalLogs = append(s.approvalLogs, entry)
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
	if op.CreatedAt.IsZero() {
		op.CreatedAt = time.Now().UTC()
	}
	s.processedOps[key] = op
	return result, nil
}

// applyDeltasLocked applies each delta to its stock row. A delta that
// drives the quantity below zero is still applied; the service decides
// how loudly to complain.
func (s *Store) applyDeltasLocked(defaultLocationID string, deltas []domain.InventoryDelta) store.DeltaOutcome {
	outcome := store.DeltaOutcome{
		SkippedStock: make([]string, 0),
		WentNegative: make([]string, 0),
	}
	for _, delta := range deltas {
		locationID := delta.LocationID
		if locationID == "" {
			locationID = defaultLocationID
		}
		locationStock, ok := s.stock[locationID]
		if !ok {
			outcome.SkippedStock = append(outcome.SkippedStock, delta.ProductID)
			continue
		}
		qty, ok := locationStock[delta.ProductID]
		if !ok {
			outcome.SkippedStock = append(outcome.SkippedStock, delta.ProductID)
			continue
		}
		qty += delta.QuantityChange
		locationStock[delta.ProductID] = qty
		if qty < 0 {
			outcome.WentNegative = append(outcome.WentNegative, delta.ProductID)
		}
	}
	return outcome
}

// PutProduct is used by tests to simulate a catalog refresh between
// ingest attempts.
func (s *Store) PutProduct(_ context.Context, product domain.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.products[product.ID] = product
}

// GetStock is used by tests to assert on inventory levels.
func (s *Store) GetStock(_ context.Context, locationID string, productID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	locationStock, ok := s.stock[locationID]
	if !ok {
		return 0, store.ErrNotFound
	}
	qty, ok := locationStock[productID]
	if !ok {
		return 0, store.ErrNotFound
	}
	return qty, nil
}

// ListApprovalLogs is used by tests to assert on the approval audit trail.
func (s *Store) ListApprovalLogs(_ context.Context, tenantID string) ([]domain.ApprovalLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.ApprovalLog, 0, len(s.approvalLogs))
	for _, entry := range s.approvalLogs {
		if tenantID != "" && entry.TenantID != tenantID {
			continue
		}
		result = append(result, entry)
	}
	return result, nil
}

// ---- admin users ----

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidPayload
	}
	if _, exists := s.usersByUsername[username]; exists {
		return store.ErrInvalidPayload
	}
	user.Username = username
	if user.Role == "" {
		user.Role = "cashier"
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	user.Active = true
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		users = append(users, user)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return cmpString(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidPayload
	}
	user, exists := s.usersByUsername[username]
	if !exists {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}

func cmpString(a string, b string) int {
	if a == b {
		return 0
	}
	if a < b {
		return -1
	}
	return 1
}
