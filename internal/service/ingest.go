package service

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"tokosync/backend/internal/domain"
	"tokosync/backend/internal/store"
	"tokosync/backend/internal/xid"
)

// paymentTolerance is the reconciliation gap between the order total
// and the sum of tenders at which a warning is logged for the back
// office. A mismatch never blocks the sale.
var paymentTolerance = decimal.New(1, -2)

// IngestOrder replays one offline order batch. It never returns an
// error: every failure mode collapses into the structured result so a
// terminal draining its queue always gets a parseable verdict.
func (s *Service) IngestOrder(ctx context.Context, terminal domain.Terminal, payload domain.OfflineOrderPayload) (result domain.IngestResult) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("order ingest panic",
				zap.String("device_id", terminal.DeviceID),
				zap.String("operation_id", payload.OperationID),
				zap.Any("panic", r))
			s.recordFailure(ctx, terminal, payload.OperationID, payload, fmt.Sprintf("panic: %v", r))
			result = errorResult(fmt.Sprintf("internal error processing operation %s", payload.OperationID))
		}
	}()

	opID, ok := canonicalOperationID(payload.OperationID)
	if !ok {
		return errorResult("operation_id is not a valid UUID")
	}

	lookupFailed, stored := s.findStoredResult(ctx, terminal, opID)
	if stored != nil {
		return *stored
	}
	if lookupFailed {
		return errorResult("could not read idempotency ledger")
	}

	offlineAt, err := time.Parse(time.RFC3339, payload.CreatedAt)
	if err != nil {
		return errorResult("created_at is not a valid RFC 3339 timestamp")
	}
	offlineAt = offlineAt.UTC()

	s.checkDatasetVersions(terminal, payload.DatasetVersions)

	conflicts, err := s.detectConflicts(ctx, terminal.TenantID, payload.Order)
	if err != nil {
		s.logger.Error("conflict detection failed",
			zap.String("device_id", terminal.DeviceID),
			zap.String("operation_id", opID),
			zap.Error(err))
		s.recordFailure(ctx, terminal, opID, payload, "could not validate order against current catalog")
		return errorResult("could not validate order against current catalog")
	}
	if len(conflicts) > 0 {
		return s.recordConflict(ctx, terminal, opID, payload, conflicts)
	}

	rec, result := s.buildOrderRecord(terminal, opID, offlineAt, payload)

	outcome, err := s.repo.CreateOfflineOrder(ctx, rec)
	if err != nil {
		if err == store.ErrDuplicateOperation {
			// Lost the insert race to a concurrent retry; the winner's
			// stored result is the canonical answer.
			if _, winner := s.findStoredResult(ctx, terminal, opID); winner != nil {
				return *winner
			}
			return errorResult("could not read idempotency ledger")
		}
		s.logger.Error("order materialization failed",
			zap.String("device_id", terminal.DeviceID),
			zap.String("operation_id", opID),
			zap.Error(err))
		s.recordFailure(ctx, terminal, opID, payload, "could not persist order")
		return errorResult("could not persist order")
	}
	s.warnDeltaOutcome(opID, outcome)

	s.logger.Info("offline order ingested",
		zap.String("device_id", terminal.DeviceID),
		zap.String("operation_id", opID),
		zap.String("order_number", result.OrderNumber))
	return result
}

// IngestInventory applies a standalone inventory delta batch.
func (s *Service) IngestInventory(ctx context.Context, terminal domain.Terminal, payload domain.InventorySyncPayload) (result domain.InventorySyncResult) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("inventory ingest panic",
				zap.String("device_id", terminal.DeviceID),
				zap.String("operation_id", payload.OperationID),
				zap.Any("panic", r))
			s.recordFailure(ctx, terminal, payload.OperationID, payload, fmt.Sprintf("panic: %v", r))
			result = domain.InventorySyncResult{Status: domain.IngestStatusError, Skipped: []string{}, Errors: []string{"internal error"}}
		}
	}()

	opID, ok := canonicalOperationID(payload.OperationID)
	if !ok {
		return domain.InventorySyncResult{Status: domain.IngestStatusError, Skipped: []string{}, Errors: []string{"operation_id is not a valid UUID"}}
	}

	if op, err := s.repo.FindProcessedOperation(ctx, terminal.TenantID, terminal.DeviceID, opID); err == nil {
		var stored domain.InventorySyncResult
		if err := json.Unmarshal(op.ResultData, &stored); err != nil {
			return domain.InventorySyncResult{Status: domain.IngestStatusError, Skipped: []string{}, Errors: []string{"could not read idempotency ledger"}}
		}
		return stored
	} else if err != store.ErrNotFound {
		return domain.InventorySyncResult{Status: domain.IngestStatusError, Skipped: []string{}, Errors: []string{"could not read idempotency ledger"}}
	}

	applied, outcome, err := s.repo.ApplyInventoryDeltas(ctx, terminal.TenantID, payload.InventoryDeltas, domain.ProcessedOperation{
		TenantID:      terminal.TenantID,
		TerminalID:    terminal.DeviceID,
		OperationID:   opID,
		OperationType: domain.OperationTypeInventory,
		CreatedAt:     s.now(),
	})
	if err != nil {
		if err == store.ErrDuplicateOperation {
			return s.IngestInventory(ctx, terminal, payload)
		}
		s.logger.Error("inventory ingest failed",
			zap.String("operation_id", opID),
			zap.Error(err))
		s.recordFailure(ctx, terminal, opID, payload, "could not apply inventory deltas")
		return domain.InventorySyncResult{Status: domain.IngestStatusError, Skipped: []string{}, Errors: []string{"could not apply inventory deltas"}}
	}
	s.warnDeltaOutcome(opID, outcome)
	return applied
}

// IngestApprovals records a batch of offline manager approvals. The raw
// PIN never leaves this function; only the verification outcome is kept.
func (s *Service) IngestApprovals(ctx context.Context, terminal domain.Terminal, payload domain.ApprovalSyncPayload) (result domain.ApprovalSyncResult) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("approval ingest panic",
				zap.String("device_id", terminal.DeviceID),
				zap.String("operation_id", payload.OperationID),
				zap.Any("panic", r))
			s.recordFailure(ctx, terminal, payload.OperationID, payload, fmt.Sprintf("panic: %v", r))
			result = domain.ApprovalSyncResult{Status: domain.IngestStatusError, Errors: []string{"internal error"}}
		}
	}()

	opID, ok := canonicalOperationID(payload.OperationID)
	if !ok {
		return domain.ApprovalSyncResult{Status: domain.IngestStatusError, Errors: []string{"operation_id is not a valid UUID"}}
	}

	if op, err := s.repo.FindProcessedOperation(ctx, terminal.TenantID, terminal.DeviceID, opID); err == nil {
		var stored domain.ApprovalSyncResult
		if err := json.Unmarshal(op.ResultData, &stored); err != nil {
			return domain.ApprovalSyncResult{Status: domain.IngestStatusError, Errors: []string{"could not read idempotency ledger"}}
		}
		return stored
	} else if err != store.ErrNotFound {
		return domain.ApprovalSyncResult{Status: domain.IngestStatusError, Errors: []string{"could not read idempotency ledger"}}
	}

	entries := approvalEntries(terminal, payload.Approvals, s.now())
	recorded, err := s.repo.RecordApprovals(ctx, entries, domain.ProcessedOperation{
		TenantID:      terminal.TenantID,
		TerminalID:    terminal.DeviceID,
		OperationID:   opID,
		OperationType: domain.OperationTypeApprovals,
		CreatedAt:     s.now(),
	})
	if err != nil {
		if err == store.ErrDuplicateOperation {
			return s.IngestApprovals(ctx, terminal, payload)
		}
		s.logger.Error("approval ingest failed",
			zap.String("operation_id", opID),
			zap.Error(err))
		s.recordFailure(ctx, terminal, opID, payload, "could not record approvals")
		return domain.ApprovalSyncResult{Status: domain.IngestStatusError, Errors: []string{"could not record approvals"}}
	}
	return recorded
}

// ---- helpers ----

func canonicalOperationID(raw string) (string, bool) {
	parsed, err := uuid.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", false
	}
	return parsed.String(), true
}

func errorResult(msg string) domain.IngestResult {
	return domain.IngestResult{
		Status:    domain.IngestStatusError,
		Conflicts: []domain.IngestConflict{},
		Errors:    []string{msg},
	}
}

// findStoredResult returns (true, nil) on ledger read failure, (false,
// nil) on a miss, and (false, result) on a hit.
func (s *Service) findStoredResult(ctx context.Context, terminal domain.Terminal, opID string) (bool, *domain.IngestResult) {
	op, err := s.repo.FindProcessedOperation(ctx, terminal.TenantID, terminal.DeviceID, opID)
	if err != nil {
		if err == store.ErrNotFound {
			return false, nil
		}
		s.logger.Error("idempotency lookup failed",
			zap.String("operation_id", opID),
			zap.Error(err))
		return true, nil
	}
	var stored domain.IngestResult
	if err := json.Unmarshal(op.ResultData, &stored); err != nil {
		s.logger.Error("stored result unreadable",
			zap.String("operation_id", opID),
			zap.Error(err))
		return true, nil
	}
	return false, &stored
}

// checkDatasetVersions logs a drift warning. Version drift alone never
// rejects a batch; only concrete conflicts do.
func (s *Service) checkDatasetVersions(terminal domain.Terminal, versions map[string]string) {
	if len(versions) == 0 {
		return
	}
	fields := make([]zap.Field, 0, len(versions)+1)
	fields = append(fields, zap.String("device_id", terminal.DeviceID))
	for dataset, version := range versions {
		fields = append(fields, zap.String("dataset_"+dataset, version))
	}
	s.logger.Debug("offline batch dataset versions", fields...)
}

// detectConflicts is the all-or-nothing gate: any referenced product or
// discount that no longer exists (or is inactive) blocks the whole order.
func (s *Service) detectConflicts(ctx context.Context, tenantID string, order domain.OfflineOrder) ([]domain.IngestConflict, error) {
	productIDs := make([]string, 0, len(order.Items))
	seen := make(map[string]struct{}, len(order.Items))
	for _, item := range order.Items {
		if _, ok := seen[item.ProductID]; ok {
			continue
		}
		seen[item.ProductID] = struct{}{}
		productIDs = append(productIDs, item.ProductID)
	}

	products, err := s.repo.GetProductsByIDs(ctx, tenantID, productIDs)
	if err != nil {
		return nil, err
	}

	conflicts := make([]domain.IngestConflict, 0)
	for _, id := range productIDs {
		p, ok := products[id]
		if !ok || !p.Active {
			conflicts = append(conflicts, domain.IngestConflict{
				Type:      domain.ConflictProductDeleted,
				ProductID: id,
				Message:   fmt.Sprintf("product %s no longer exists or is inactive", id),
			})
		}
	}

	if len(order.Discounts) > 0 {
		discounts, err := s.repo.GetDiscountsByIDs(ctx, tenantID, order.Discounts)
		if err != nil {
			return nil, err
		}
		for _, id := range order.Discounts {
			d, ok := discounts[id]
			if !ok || !d.Active {
				conflicts = append(conflicts, domain.IngestConflict{
					Type:    domain.ConflictDiscountExpired,
					Message: fmt.Sprintf("discount %s is expired or was removed", id),
				})
			}
		}
	}

	return conflicts, nil
}

// recordConflict persists the conflict row for the back office. The
// operation deliberately stays out of the idempotency ledger: once the
// operator fixes the catalog, the terminal's next retry re-validates
// and can succeed.
func (s *Service) recordConflict(ctx context.Context, terminal domain.Terminal, opID string, payload domain.OfflineOrderPayload, conflicts []domain.IngestConflict) domain.IngestResult {
	result := domain.IngestResult{
		Status:    domain.IngestStatusConflict,
		Conflicts: conflicts,
		Errors:    []string{},
	}

	messages := make([]string, 0, len(conflicts))
	for _, c := range conflicts {
		messages = append(messages, c.Message)
	}
	if _, err := s.repo.CreateOfflineConflict(ctx, domain.OfflineConflict{
		TenantID:        terminal.TenantID,
		TerminalID:      terminal.DeviceID,
		OperationID:     opID,
		ConflictType:    conflicts[0].Type,
		Message:         strings.Join(messages, "; "),
		PayloadSnapshot: snapshotPayload(payload),
		Status:          domain.ConflictResolutionPending,
		CreatedAt:       s.now(),
	}); err != nil {
		s.logger.Error("could not persist conflict row",
			zap.String("operation_id", opID),
			zap.Error(err))
		return errorResult("could not record conflict")
	}

	s.logger.Warn("offline order rejected with conflicts",
		zap.String("device_id", terminal.DeviceID),
		zap.String("operation_id", opID),
		zap.Int("conflicts", len(conflicts)))
	return result
}

// recordFailure keeps a resolution row for a batch that failed outside
// the conflict gate, so stuck operations stay visible to the back
// office while the terminal retries.
func (s *Service) recordFailure(ctx context.Context, terminal domain.Terminal, opID string, payload any, msg string) {
	if _, err := s.repo.CreateOfflineConflict(ctx, domain.OfflineConflict{
		TenantID:        terminal.TenantID,
		TerminalID:      terminal.DeviceID,
		OperationID:     opID,
		ConflictType:    domain.ConflictOther,
		Message:         msg,
		PayloadSnapshot: snapshotPayload(payload),
		Status:          domain.ConflictResolutionPending,
		CreatedAt:       s.now(),
	}); err != nil {
		s.logger.Error("could not persist failure row",
			zap.String("operation_id", opID),
			zap.Error(err))
	}
}

// snapshotPayload serializes a payload for a conflict row with approval
// PINs stripped; the raw PIN is never persisted.
func snapshotPayload(payload any) []byte {
	switch p := payload.(type) {
	case domain.OfflineOrderPayload:
		p.Approvals = redactApprovalPINs(p.Approvals)
		payload = p
	case domain.ApprovalSyncPayload:
		p.Approvals = redactApprovalPINs(p.Approvals)
		payload = p
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil
	}
	return data
}

func redactApprovalPINs(approvals []domain.OfflineApproval) []domain.OfflineApproval {
	out := slices.Clone(approvals)
	for i := range out {
		out[i].PIN = ""
	}
	return out
}

func (s *Service) warnDeltaOutcome(opID string, outcome store.DeltaOutcome) {
	if len(outcome.SkippedStock) > 0 {
		s.logger.Warn("inventory rows missing during ingest",
			zap.String("operation_id", opID),
			zap.Strings("product_ids", outcome.SkippedStock))
	}
	if len(outcome.WentNegative) > 0 {
		s.logger.Warn("inventory driven below zero by offline batch",
			zap.String("operation_id", opID),
			zap.Strings("product_ids", outcome.WentNegative))
	}
}

// buildOrderRecord assembles the atomic materialization unit. The order
// keeps the timestamp the sale actually happened at, not the sync time.
func (s *Service) buildOrderRecord(terminal domain.Terminal, opID string, offlineAt time.Time, payload domain.OfflineOrderPayload) (store.OfflineOrderRecord, domain.IngestResult) {
	orderID := xid.New("ord")
	orderNumber := offlineOrderNumber(offlineAt, opID)

	items := make([]domain.OrderItem, 0, len(payload.Order.Items))
	for _, item := range payload.Order.Items {
		items = append(items, domain.OrderItem{
			ID:          xid.New("item"),
			OrderID:     orderID,
			ProductID:   item.ProductID,
			Quantity:    item.Quantity,
			PriceAtSale: item.PriceAtSale,
			Notes:       item.Notes,
			Status:      domain.ItemStatusCompleted,
		})
	}

	order := domain.Order{
		ID:         orderID,
		TenantID:   terminal.TenantID,
		LocationID: payload.Order.LocationID,
		TerminalID: terminal.DeviceID,
		Number:     orderNumber,
		Type:       payload.Order.OrderType,
		Status:     payload.Order.Status,
		Subtotal:   payload.Order.Subtotal,
		Tax:        payload.Order.Tax,
		Total:      payload.Order.Total,
		CreatedAt:  offlineAt,
		Items:      items,
	}

	paymentID := xid.New("pay")
	amountPaid := decimal.Zero
	tips := decimal.Zero
	surcharges := decimal.Zero
	transactions := make([]domain.PaymentTransaction, 0, len(payload.Payments))
	for _, tender := range payload.Payments {
		status := tender.Status
		if status == "" {
			status = domain.PaymentStatusCompleted
		}
		if status != "FAILED" {
			amountPaid = amountPaid.Add(tender.Amount)
			tips = tips.Add(tender.Tip)
			surcharges = surcharges.Add(tender.Surcharge)
		}
		var providerResponse []byte
		if len(tender.ProviderResponse) > 0 {
			providerResponse, _ = json.Marshal(tender.ProviderResponse)
		}
		transactions = append(transactions, domain.PaymentTransaction{
			ID:               xid.New("ptx"),
			PaymentID:        paymentID,
			Method:           tender.Method,
			Status:           status,
			Amount:           tender.Amount,
			Tip:              tender.Tip,
			Surcharge:        tender.Surcharge,
			TransactionRef:   tender.TransactionID,
			ProviderResponse: providerResponse,
		})
	}

	// The tenders are the ground truth for what was collected; the
	// quoted total only drives reconciliation. Any shortfall, even one
	// cent, marks the payment PARTIAL.
	paymentStatus := domain.PaymentStatusCompleted
	if amountPaid.LessThan(payload.Order.Total) {
		paymentStatus = domain.PaymentStatusPartial
	}
	gap := amountPaid.Sub(payload.Order.Total)
	if gap.Abs().Cmp(paymentTolerance) >= 0 {
		s.logger.Warn("tender total does not reconcile with order total",
			zap.String("operation_id", opID),
			zap.String("order_total", payload.Order.Total.String()),
			zap.String("tendered", amountPaid.String()))
	}

	payment := domain.Payment{
		ID:         paymentID,
		OrderID:    orderID,
		AmountPaid: amountPaid,
		Tips:       tips,
		Surcharges: surcharges,
		Status:     paymentStatus,
		CreatedAt:  offlineAt,
	}

	result := domain.IngestResult{
		Status:      domain.IngestStatusSuccess,
		OrderNumber: orderNumber,
		OrderID:     orderID,
		Conflicts:   []domain.IngestConflict{},
		Errors:      []string{},
	}
	resultData, _ := json.Marshal(result)

	return store.OfflineOrderRecord{
		Order:           order,
		Payment:         payment,
		Transactions:    transactions,
		InventoryDeltas: payload.InventoryDeltas,
		Approvals:       approvalEntries(terminal, payload.Approvals, s.now()),
		Operation: domain.ProcessedOperation{
			TenantID:      terminal.TenantID,
			TerminalID:    terminal.DeviceID,
			OperationID:   opID,
			OperationType: domain.OperationTypeOrder,
			ResultData:    resultData,
			OrderID:       orderID,
			CreatedAt:     s.now(),
		},
	}, result
}

// offlineOrderNumber is deterministic per operation so a replayed batch
// that races the ledger still produces the same visible number.
func offlineOrderNumber(offlineAt time.Time, opID string) string {
	return fmt.Sprintf("OFF-%s-%s", offlineAt.Format("20060102"), strings.ToUpper(opID[:8]))
}

func approvalEntries(terminal domain.Terminal, approvals []domain.OfflineApproval, recordedAt time.Time) []domain.ApprovalLog {
	entries := make([]domain.ApprovalLog, 0, len(approvals))
	for _, approval := range approvals {
		approvedAt, err := time.Parse(time.RFC3339, approval.Timestamp)
		if err != nil {
			approvedAt = recordedAt
		}
		entries = append(entries, domain.ApprovalLog{
			ID:          xid.New("appr"),
			TenantID:    terminal.TenantID,
			TerminalID:  terminal.DeviceID,
			UserID:      approval.UserID,
			Action:      approval.Action,
			Reference:   approval.Reference,
			PinVerified: approval.PIN != "",
			ApprovedAt:  approvedAt.UTC(),
			RecordedAt:  recordedAt,
		})
	}
	return entries
}
