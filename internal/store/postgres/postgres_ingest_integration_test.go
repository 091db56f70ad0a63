package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"tokosync/backend/internal/domain"
	"tokosync/backend/internal/store"
)

func TestCreateOfflineOrderIsAtomicAndIdempotent(t *testing.T) {
	databaseURL := os.Getenv("TOKOSYNC_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set TOKOSYNC_TEST_DATABASE_URL to run postgres integration test")
	}

	ctx := context.Background()
	s, err := New(ctx, databaseURL)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})

	stamp := time.Now().UnixNano()
	tenantID := fmt.Sprintf("tn-it-%d", stamp)
	locationID := fmt.Sprintf("loc-it-%d", stamp)
	terminalID := fmt.Sprintf("term-it-%d", stamp)
	productID := fmt.Sprintf("prd-it-%d", stamp)
	orderID := fmt.Sprintf("ord-it-%d", stamp)
	operationID := fmt.Sprintf("11111111-2222-4333-8444-%012d", stamp%1000000000000)

	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM processed_operations WHERE tenant_id = $1`, tenantID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM payment_transactions WHERE payment_id IN (SELECT id FROM payments WHERE order_id = $1)`, orderID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM payments WHERE order_id = $1`, orderID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM order_items WHERE order_id = $1`, orderID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM orders WHERE id = $1`, orderID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM inventory_stocks WHERE tenant_id = $1`, tenantID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM terminals WHERE device_id = $1`, terminalID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM products WHERE id = $1`, productID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM store_locations WHERE id = $1`, locationID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM tenants WHERE id = $1`, tenantID)
	})

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO tenants (id, slug, name, created_at) VALUES ($1, $2, 'Ingest IT Tenant', now())
	`, tenantID, fmt.Sprintf("ingest-it-%d", stamp)); err != nil {
		t.Fatalf("insert tenant: %v", err)
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO store_locations (id, tenant_id, name, active, created_at) VALUES ($1, $2, 'IT Location', true, now())
	`, locationID, tenantID); err != nil {
		t.Fatalf("insert location: %v", err)
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO products (id, tenant_id, sku, name, price, active, created_at, updated_at)
		VALUES ($1, $2, $3, 'IT Espresso', 3.50, true, now(), now())
	`, productID, tenantID, fmt.Sprintf("SKU-IT-%d", stamp)); err != nil {
		t.Fatalf("insert product: %v", err)
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO inventory_stocks (tenant_id, location_id, product_id, quantity, updated_at)
		VALUES ($1, $2, $3, 10, now())
	`, tenantID, locationID, productID); err != nil {
		t.Fatalf("seed stock: %v", err)
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO terminals (id, tenant_id, location_id, device_id, device_fingerprint, signing_secret, active, locked, auth_failures, created_at, updated_at)
		VALUES ($1, $2, $3, $1, $4, 'secret', true, false, 0, now(), now())
	`, terminalID, tenantID, locationID, fmt.Sprintf("fp-it-%d", stamp)); err != nil {
		t.Fatalf("insert terminal: %v", err)
	}

	now := time.Now().UTC().Truncate(time.Microsecond)
	resultData, _ := json.Marshal(domain.IngestResult{Status: domain.IngestStatusSuccess, OrderID: orderID, OrderNumber: "OFF-IT-1"})
	rec := store.OfflineOrderRecord{
		Order: domain.Order{
			ID: orderID, TenantID: tenantID, LocationID: locationID, TerminalID: terminalID,
			Number: "OFF-IT-1", Type: "TAKEOUT", Status: domain.OrderStatusCompleted,
			Subtotal: decimal.RequireFromString("7.00"), Tax: decimal.Zero, Total: decimal.RequireFromString("7.00"),
			CreatedAt: now,
			Items: []domain.OrderItem{
				{ID: orderID + "-i1", ProductID: productID, Quantity: 2, PriceAtSale: decimal.RequireFromString("3.50"), Status: domain.ItemStatusCompleted},
			},
		},
		Payment: domain.Payment{
			ID: orderID + "-pay", OrderID: orderID, AmountPaid: decimal.RequireFromString("7.00"),
			Tips: decimal.Zero, Surcharges: decimal.Zero, Status: domain.PaymentStatusCompleted, CreatedAt: now,
		},
		Transactions: []domain.PaymentTransaction{
			{ID: orderID + "-ptx", PaymentID: orderID + "-pay", Method: "CASH", Status: "COMPLETED", Amount: decimal.RequireFromString("7.00"), Tip: decimal.Zero, Surcharge: decimal.Zero},
		},
		InventoryDeltas: []domain.InventoryDelta{
			{ProductID: productID, LocationID: locationID, QuantityChange: -2, Reason: "SALE"},
		},
		Operation: domain.ProcessedOperation{
			TenantID: tenantID, TerminalID: terminalID, OperationID: operationID,
			OperationType: domain.OperationTypeOrder, ResultData: resultData, OrderID: orderID, CreatedAt: now,
		},
	}

	outcome, err := s.CreateOfflineOrder(ctx, rec)
	if err != nil {
		t.Fatalf("create offline order: %v", err)
	}
	if len(outcome.SkippedStock) != 0 {
		t.Fatalf("expected no skipped stock rows, got %v", outcome.SkippedStock)
	}
	if len(outcome.WentNegative) != 0 {
		t.Fatalf("expected no negative stock rows, got %v", outcome.WentNegative)
	}

	var qty int
	if err := s.db.QueryRowContext(ctx, `
		SELECT quantity FROM inventory_stocks
		WHERE tenant_id = $1 AND location_id = $2 AND product_id = $3
	`, tenantID, locationID, productID).Scan(&qty); err != nil {
		t.Fatalf("query stock: %v", err)
	}
	if qty != 8 {
		t.Fatalf("expected stock 8 after delta, got %d", qty)
	}

	if _, err := s.CreateOfflineOrder(ctx, rec); err != store.ErrDuplicateOperation {
		t.Fatalf("expected ErrDuplicateOperation on replay, got %v", err)
	}

	op, err := s.FindProcessedOperation(ctx, tenantID, terminalID, operationID)
	if err != nil {
		t.Fatalf("find processed operation: %v", err)
	}
	var stored domain.IngestResult
	if err := json.Unmarshal(op.ResultData, &stored); err != nil {
		t.Fatalf("unmarshal stored result: %v", err)
	}
	if stored.OrderID != orderID || stored.Status != domain.IngestStatusSuccess {
		t.Fatalf("unexpected stored result: %+v", stored)
	}

	// Replay must not have double-applied the inventory delta.
	if err := s.db.QueryRowContext(ctx, `
		SELECT quantity FROM inventory_stocks
		WHERE tenant_id = $1 AND location_id = $2 AND product_id = $3
	`, tenantID, locationID, productID).Scan(&qty); err != nil {
		t.Fatalf("query stock after replay: %v", err)
	}
	if qty != 8 {
		t.Fatalf("expected stock 8 after replay, got %d", qty)
	}
}
