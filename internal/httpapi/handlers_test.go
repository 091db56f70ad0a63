package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"tokosync/backend/internal/domain"
	"tokosync/backend/internal/nonce"
	"tokosync/backend/internal/service"
	"tokosync/backend/internal/store/memory"
)

type testEnv struct {
	repo    *memory.Store
	api     *API
	handler http.Handler
}

func newTestEnv(t *testing.T, deviceCfg DeviceAuthConfig, pollInterval time.Duration) *testEnv {
	t.Helper()
	if pollInterval <= 0 {
		pollInterval = time.Millisecond
	}

	repo := memory.NewSeeded()
	svc := service.New(repo, zap.NewNop(), service.Config{})
	auth := NewAuthManager("test-secret-0123456789abcdef0123456789abcdef", time.Hour, repo)
	devices := NewDeviceAuthenticator(repo, nonce.NewMemoryStore(), zap.NewNop(), nil, deviceCfg)
	api := New(svc, auth, devices, nil, zap.NewNop(), "http://127.0.0.1:3000", pollInterval)

	return &testEnv{repo: repo, api: api, handler: api.Handler()}
}

func (e *testEnv) do(t *testing.T, method string, path string, token string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	var body *bytes.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal request: %v", err)
		}
		body = bytes.NewReader(raw)
	} else {
		body = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, body)
	req.RemoteAddr = "192.0.2.10:52100"
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) login(t *testing.T, username string, password string) string {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/api/v1/auth/login", "", domain.LoginRequest{Username: username, Password: password})
	if rec.Code != http.StatusOK {
		t.Fatalf("login %s: status %d body %s", username, rec.Code, rec.Body.String())
	}
	var resp domain.LoginResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode login response: %v", err)
	}
	return resp.AccessToken
}

func oauthError(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body.String(), err)
	}
	return body["error"]
}

func TestLoginRejectsBadPassword(t *testing.T) {
	env := newTestEnv(t, DeviceAuthConfig{}, 0)

	rec := env.do(t, http.MethodPost, "/api/v1/auth/login", "", domain.LoginRequest{Username: "manager", Password: "wrong"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestPairingFlowOverHTTP(t *testing.T) {
	env := newTestEnv(t, DeviceAuthConfig{}, time.Millisecond)

	rec := env.do(t, http.MethodPost, "/api/v1/pairing/device-authorization", "", domain.DeviceAuthorizationRequest{
		DeviceFingerprint: "8c1f9f6e-5a3c-4b9e-9a59-0a9f5e1e2d3c",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("device-authorization: status %d body %s", rec.Code, rec.Body.String())
	}
	var authz domain.DeviceAuthorizationResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &authz); err != nil {
		t.Fatalf("decode authorization response: %v", err)
	}
	if authz.DeviceCode == "" || authz.UserCode == "" {
		t.Fatalf("expected device and user codes, got %+v", authz)
	}

	rec = env.do(t, http.MethodPost, "/api/v1/pairing/token", "", domain.TokenRequest{DeviceCode: authz.DeviceCode})
	if rec.Code != http.StatusBadRequest || oauthError(t, rec) != "authorization_pending" {
		t.Fatalf("expected authorization_pending, got %d %s", rec.Code, rec.Body.String())
	}

	token := env.login(t, "manager", "manager123")

	rec = env.do(t, http.MethodGet, "/api/v1/pairing/verify?user_code="+authz.UserCode, token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("verify: status %d body %s", rec.Code, rec.Body.String())
	}

	rec = env.do(t, http.MethodPost, "/api/v1/pairing/approve", token, domain.PairingApproveRequest{
		UserCode:   authz.UserCode,
		LocationID: "loc-main",
		Nickname:   "Front Counter",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("approve: status %d body %s", rec.Code, rec.Body.String())
	}

	time.Sleep(5 * time.Millisecond)
	rec = env.do(t, http.MethodPost, "/api/v1/pairing/token", "", domain.TokenRequest{DeviceCode: authz.DeviceCode})
	if rec.Code != http.StatusOK {
		t.Fatalf("token after approval: status %d body %s", rec.Code, rec.Body.String())
	}
	var issued domain.TokenResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &issued); err != nil {
		t.Fatalf("decode token response: %v", err)
	}
	if issued.DeviceID == "" || issued.SigningSecret == "" {
		t.Fatalf("expected credentials in token response, got %+v", issued)
	}
	if issued.TenantID != "tn-demo" || issued.LocationID != "loc-main" {
		t.Fatalf("unexpected placement: %+v", issued)
	}

	time.Sleep(5 * time.Millisecond)
	rec = env.do(t, http.MethodPost, "/api/v1/pairing/token", "", domain.TokenRequest{DeviceCode: authz.DeviceCode})
	if rec.Code != http.StatusBadRequest || oauthError(t, rec) != "invalid_request" {
		t.Fatalf("expected invalid_request on reuse of a consumed code, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestTokenPollTooFastGetsSlowDown(t *testing.T) {
	env := newTestEnv(t, DeviceAuthConfig{}, time.Minute)

	rec := env.do(t, http.MethodPost, "/api/v1/pairing/device-authorization", "", domain.DeviceAuthorizationRequest{
		DeviceFingerprint: "5b29ad16-7c21-4a0f-8a10-3f7d1c2b9e44",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("device-authorization: status %d", rec.Code)
	}
	var authz domain.DeviceAuthorizationResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &authz); err != nil {
		t.Fatalf("decode authorization response: %v", err)
	}

	first := env.do(t, http.MethodPost, "/api/v1/pairing/token", "", domain.TokenRequest{DeviceCode: authz.DeviceCode})
	if oauthError(t, first) != "authorization_pending" {
		t.Fatalf("first poll: got %s", first.Body.String())
	}
	second := env.do(t, http.MethodPost, "/api/v1/pairing/token", "", domain.TokenRequest{DeviceCode: authz.DeviceCode})
	if second.Code != http.StatusBadRequest || oauthError(t, second) != "slow_down" {
		t.Fatalf("expected slow_down, got %d %s", second.Code, second.Body.String())
	}
}

func TestTokenRejectsUnknownDeviceCode(t *testing.T) {
	env := newTestEnv(t, DeviceAuthConfig{}, time.Millisecond)

	rec := env.do(t, http.MethodPost, "/api/v1/pairing/token", "", domain.TokenRequest{DeviceCode: "no-such-code"})
	if rec.Code != http.StatusBadRequest || oauthError(t, rec) != "invalid_request" {
		t.Fatalf("expected invalid_request, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestPairingEndpointsRequireAuth(t *testing.T) {
	env := newTestEnv(t, DeviceAuthConfig{}, 0)

	for _, path := range []string{
		"/api/v1/pairing/pending",
		"/api/v1/pairing/verify?user_code=ABCD-1234",
	} {
		rec := env.do(t, http.MethodGet, path, "", nil)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401 without token, got %d", path, rec.Code)
		}
	}

	rec := env.do(t, http.MethodPost, "/api/v1/pairing/approve", "garbage-token", domain.PairingApproveRequest{
		UserCode:   "ABCD-1234",
		LocationID: "loc-main",
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with bad token, got %d", rec.Code)
	}
}

func TestTerminalAdminOverHTTP(t *testing.T) {
	env := newTestEnv(t, DeviceAuthConfig{}, 0)
	terminal := seedHTTPTerminal(t, env)
	token := env.login(t, "admin", "admin123")

	rec := env.do(t, http.MethodGet, "/api/v1/terminals", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list terminals: status %d body %s", rec.Code, rec.Body.String())
	}
	var listed []domain.Terminal
	if err := json.Unmarshal(rec.Body.Bytes(), &listed); err != nil {
		t.Fatalf("decode terminal list: %v", err)
	}
	if len(listed) != 1 || listed[0].DeviceID != terminal.DeviceID {
		t.Fatalf("unexpected terminal list: %+v", listed)
	}

	rec = env.do(t, http.MethodPost, fmt.Sprintf("/api/v1/terminals/%s/rotate-secret", terminal.DeviceID), token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("rotate-secret: status %d body %s", rec.Code, rec.Body.String())
	}
	var rotated domain.RotateSecretResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &rotated); err != nil {
		t.Fatalf("decode rotate response: %v", err)
	}
	if rotated.SigningSecret == "" || rotated.SigningSecret == terminal.SigningSecret {
		t.Fatalf("expected a fresh secret, got %+v", rotated)
	}

	rec = env.do(t, http.MethodPost, fmt.Sprintf("/api/v1/terminals/%s/deactivate", terminal.DeviceID), token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("deactivate: status %d body %s", rec.Code, rec.Body.String())
	}

	rec = env.do(t, http.MethodPost, "/api/v1/terminals/term-missing/unlock", token, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unlock unknown terminal: expected 404, got %d", rec.Code)
	}
}

func TestSyncOrdersOverHTTP(t *testing.T) {
	env := newTestEnv(t, DeviceAuthConfig{}, 0)
	terminal := seedHTTPTerminal(t, env)

	payload := offlineOrderPayload(terminal.DeviceID, "0d4f3c8e-93c1-4f2a-a1c6-2b8f9f7f5a11")
	rec := signAndPost(t, env.handler, "/api/v1/sync/orders", terminal.DeviceID, terminal.SigningSecret, payload)
	if rec.Code != http.StatusOK {
		t.Fatalf("sync orders: status %d body %s", rec.Code, rec.Body.String())
	}
	var result domain.IngestResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode ingest result: %v", err)
	}
	if result.Status != domain.IngestStatusSuccess || result.OrderNumber == "" {
		t.Fatalf("unexpected ingest result: %+v", result)
	}
	stock, err := env.repo.GetStock(context.Background(), "loc-main", "prd-espresso")
	if err != nil {
		t.Fatalf("read stock: %v", err)
	}
	if stock != 118 {
		t.Fatalf("expected stock 118 after sale, got %d", stock)
	}
}

func TestSyncOrdersConflictMapsTo409(t *testing.T) {
	env := newTestEnv(t, DeviceAuthConfig{}, 0)
	terminal := seedHTTPTerminal(t, env)

	payload := offlineOrderPayload(terminal.DeviceID, "7f2a1b9c-4d3e-4a5f-8b6c-9d0e1f2a3b4c")
	payload.Order.Items[0].ProductID = "prd-deleted"
	payload.InventoryDeltas = nil

	rec := signAndPost(t, env.handler, "/api/v1/sync/orders", terminal.DeviceID, terminal.SigningSecret, payload)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 on conflict, got %d body %s", rec.Code, rec.Body.String())
	}
	var result domain.IngestResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode ingest result: %v", err)
	}
	if result.Status != domain.IngestStatusConflict || len(result.Conflicts) == 0 {
		t.Fatalf("unexpected ingest result: %+v", result)
	}
}

func TestSyncInventoryOverHTTP(t *testing.T) {
	env := newTestEnv(t, DeviceAuthConfig{}, 0)
	terminal := seedHTTPTerminal(t, env)

	payload := inventorySyncPayload(terminal.DeviceID, "3a2b1c0d-9e8f-4a5b-8c7d-6e5f4a3b2c1d")
	rec := signAndPost(t, env.handler, "/api/v1/sync/inventory", terminal.DeviceID, terminal.SigningSecret, payload)
	if rec.Code != http.StatusOK {
		t.Fatalf("sync inventory: status %d body %s", rec.Code, rec.Body.String())
	}
	var result domain.InventorySyncResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode inventory result: %v", err)
	}
	if result.Applied != 1 {
		t.Fatalf("expected one applied delta, got %+v", result)
	}
}

func TestSyncRejectsInvalidPayloadShape(t *testing.T) {
	env := newTestEnv(t, DeviceAuthConfig{}, 0)
	terminal := seedHTTPTerminal(t, env)

	payload := inventorySyncPayload(terminal.DeviceID, "c0ffee00-1234-4abc-9def-001122334455")
	payload.InventoryDeltas = nil

	rec := signAndPost(t, env.handler, "/api/v1/sync/inventory", terminal.DeviceID, terminal.SigningSecret, payload)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty delta list, got %d", rec.Code)
	}
	var result domain.InventorySyncResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode rejection body: %v", err)
	}
	if result.Status != domain.IngestStatusError {
		t.Fatalf("expected ERROR status, got %+v", result)
	}
}

func offlineOrderPayload(deviceID string, operationID string) domain.OfflineOrderPayload {
	nonceVal := "nonce-" + operationID
	return domain.OfflineOrderPayload{
		OperationID: operationID,
		DeviceID:    deviceID,
		Nonce:       nonceVal,
		CreatedAt:   time.Now().UTC().Format(time.RFC3339),
		Order: domain.OfflineOrder{
			OrderType:  "TAKEOUT",
			Status:     domain.OrderStatusCompleted,
			LocationID: "loc-main",
			Items: []domain.OfflineOrderItem{
				{ProductID: "prd-espresso", Quantity: 2, PriceAtSale: decimal.RequireFromString("3.50")},
			},
			Subtotal: decimal.RequireFromString("7.00"),
			Tax:      decimal.Zero,
			Total:    decimal.RequireFromString("7.00"),
		},
		Payments: []domain.OfflineTender{
			{Method: "CASH", Amount: decimal.RequireFromString("7.00"), Status: domain.PaymentStatusCompleted},
		},
		InventoryDeltas: []domain.InventoryDelta{
			{ProductID: "prd-espresso", LocationID: "loc-main", QuantityChange: -2, Reason: "SALE"},
		},
	}
}

func inventorySyncPayload(deviceID string, operationID string) domain.InventorySyncPayload {
	return domain.InventorySyncPayload{
		OperationID: operationID,
		DeviceID:    deviceID,
		Nonce:       "nonce-" + operationID,
		CreatedAt:   time.Now().UTC().Format(time.RFC3339),
		InventoryDeltas: []domain.InventoryDelta{
			{ProductID: "prd-latte", LocationID: "loc-main", QuantityChange: -3, Reason: "SPOILAGE"},
		},
	}
}
