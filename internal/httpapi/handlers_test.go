package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"posledger/internal/domain"
	"posledger/internal/service"
	"posledger/internal/store/memory"
)

const testOrigin = "http://pos.test"

// newTestAPI builds a full API with a seeded in-memory store, real AuthManager
// and real Service so handler tests exercise the complete request path.
func newTestAPI(t *testing.T) *API {
	t.Helper()

	repo := memory.NewSeeded()
	svc := service.New(repo, nil, nil, service.Options{})
	auth := NewAuthManager(context.Background(), "test-secret-key", time.Hour, repo, nil)

	return New(svc, auth, testOrigin, nil)
}

// mustHashPassword generates a bcrypt hash of the given password or fails the test.
func mustHashPassword(t *testing.T, plain string) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	return string(hash)
}

func doJSON(t *testing.T, handler http.Handler, method, path, token string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	var body bytes.Buffer
	if payload != nil {
		if err := json.NewEncoder(&body).Encode(payload); err != nil {
			t.Fatalf("encode payload: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &body)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func login(t *testing.T, handler http.Handler, username, password string) string {
	t.Helper()
	rec := doJSON(t, handler, http.MethodPost, "/api/v1/auth/login", "", domain.LoginRequest{Username: username, Password: password})
	if rec.Code != http.StatusOK {
		t.Fatalf("login %s: expected 200, got %d (body: %s)", username, rec.Code, rec.Body.String())
	}
	var resp domain.LoginResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode login: %v", err)
	}
	return resp.AccessToken
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatalf("decode body: %v (body: %s)", err, rec.Body.String())
	}
	return out
}

func productOnHand(t *testing.T, handler http.Handler, token string, id string) int {
	t.Helper()
	rec := doJSON(t, handler, http.MethodGet, "/api/v1/products/"+id, token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get product %s: expected 200, got %d", id, rec.Code)
	}
	return decodeBody[struct {
		Product domain.Product `json:"product"`
	}](t, rec).Product.OnHand
}

func TestHandleHealth(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	body := decodeBody[map[string]any](t, rec)
	if body["ok"] != true {
		t.Fatalf("expected ok:true, got %v", body["ok"])
	}
}

func TestHandleLogin_Success(t *testing.T) {
	handler := newTestAPI(t).Handler()

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/auth/login", "", map[string]string{
		"username": "admin",
		"password": "admin123",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	resp := decodeBody[domain.LoginResponse](t, rec)
	if resp.AccessToken == "" {
		t.Fatalf("expected access token")
	}
	if resp.Role != domain.RoleAdministrator {
		t.Fatalf("expected administrator role, got %s", resp.Role)
	}
}

func TestHandleLogin_BadCredentials(t *testing.T) {
	handler := newTestAPI(t).Handler()

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/auth/login", "", domain.LoginRequest{Username: "admin", Password: "wrong"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestHandleLogin_RejectsUnknownFields(t *testing.T) {
	handler := newTestAPI(t).Handler()

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/auth/login", "", map[string]string{
		"username": "admin",
		"password": "admin123",
		"role":     "administrator",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	handler := newTestAPI(t).Handler()

	for _, path := range []string{"/api/v1/products", "/api/v1/sales", "/api/v1/products/1"} {
		rec := doJSON(t, handler, http.MethodGet, path, "", nil)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401, got %d", path, rec.Code)
		}
	}

	rec := doJSON(t, handler, http.MethodGet, "/api/v1/products", "not-a-token", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for garbage token, got %d", rec.Code)
	}
}

func TestListProductsOrderedByName(t *testing.T) {
	handler := newTestAPI(t).Handler()
	token := login(t, handler, "seller", "seller123")

	rec := doJSON(t, handler, http.MethodGet, "/api/v1/products", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := decodeBody[struct {
		Products []domain.Product `json:"products"`
	}](t, rec)

	want := []string{"Agua Mineral 600ml", "Cafe Molido 250g", "Leche Entera 1L", "Pan Dulce"}
	if len(body.Products) != len(want) {
		t.Fatalf("expected %d products, got %d", len(want), len(body.Products))
	}
	for i, name := range want {
		if body.Products[i].Name != name {
			t.Fatalf("position %d: expected %q, got %q", i, name, body.Products[i].Name)
		}
	}
}

func TestBarcodeLookup(t *testing.T) {
	handler := newTestAPI(t).Handler()
	token := login(t, handler, "seller", "seller123")

	rec := doJSON(t, handler, http.MethodGet, "/api/v1/products/barcode/C3", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := decodeBody[struct {
		Product domain.Product `json:"product"`
	}](t, rec)
	if body.Product.ID != 3 || !body.Product.UnitPrice.Equal(decimal.RequireFromString("62.90")) {
		t.Fatalf("unexpected product %+v", body.Product)
	}

	rec = doJSON(t, handler, http.MethodGet, "/api/v1/products/barcode/ZZZ", token, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown barcode, got %d", rec.Code)
	}
}

func TestProductLifecycleByRole(t *testing.T) {
	handler := newTestAPI(t).Handler()
	seller := login(t, handler, "seller", "seller123")
	admin := login(t, handler, "admin", "admin123")

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/products", seller, domain.ProductInput{
		Barcode: "E5", Name: "Jugo de Naranja", UnitPrice: decimal.RequireFromString("18.50"), OnHand: 12,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("seller create: expected 201, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	created := decodeBody[struct {
		Product domain.Product `json:"product"`
	}](t, rec).Product

	rec = doJSON(t, handler, http.MethodPost, "/api/v1/products", seller, domain.ProductInput{
		Barcode: "E5", Name: "Otro", UnitPrice: decimal.RequireFromString("1.00"), OnHand: 1,
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("duplicate barcode: expected 409, got %d", rec.Code)
	}
	if code := decodeBody[map[string]any](t, rec)["code"]; code != "duplicate_key" {
		t.Fatalf("expected duplicate_key code, got %v", code)
	}

	path := "/api/v1/products/" + itoa(created.ID)
	update := domain.ProductInput{Barcode: "E5", Name: "Jugo de Naranja 1L", UnitPrice: decimal.RequireFromString("19.00"), OnHand: 20}

	rec = doJSON(t, handler, http.MethodPut, path, seller, update)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("seller update: expected 403, got %d", rec.Code)
	}
	rec = doJSON(t, handler, http.MethodPut, path, admin, update)
	if rec.Code != http.StatusOK {
		t.Fatalf("admin update: expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, handler, http.MethodDelete, path, seller, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("seller delete: expected 403, got %d", rec.Code)
	}
	rec = doJSON(t, handler, http.MethodDelete, path, admin, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("admin delete: expected 204, got %d", rec.Code)
	}
	rec = doJSON(t, handler, http.MethodGet, path, admin, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("deleted product: expected 404, got %d", rec.Code)
	}
}

func TestCreateProductValidation(t *testing.T) {
	handler := newTestAPI(t).Handler()
	admin := login(t, handler, "admin", "admin123")

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/products", admin, domain.ProductInput{
		Barcode: "F6", Name: "Negativo", UnitPrice: decimal.RequireFromString("-1.00"), OnHand: 1,
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for negative price, got %d", rec.Code)
	}

	rec = doJSON(t, handler, http.MethodGet, "/api/v1/products/abc", admin, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for non-numeric id, got %d", rec.Code)
	}
}

func TestRegisterSaleAndVoid(t *testing.T) {
	handler := newTestAPI(t).Handler()
	seller := login(t, handler, "seller", "seller123")
	admin := login(t, handler, "admin", "admin123")

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/sales", seller, domain.SaleRequest{
		Cart:          []domain.CartLine{{ProductID: 1, Quantity: 3}},
		DeclaredTotal: decimal.RequireFromString("1.00"),
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	result := decodeBody[domain.SaleResult](t, rec)
	if !result.Success || result.SaleID == nil || result.ComputedTotal == nil {
		t.Fatalf("unexpected result %+v", result)
	}
	if !result.ComputedTotal.Equal(decimal.RequireFromString("15.00")) {
		t.Fatalf("expected computed total 15.00, got %s", result.ComputedTotal)
	}
	if got := productOnHand(t, handler, seller, "1"); got != 7 {
		t.Fatalf("expected on hand 7 after sale, got %d", got)
	}

	salePath := "/api/v1/sales/" + itoa(*result.SaleID)
	rec = doJSON(t, handler, http.MethodGet, salePath, seller, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get sale: expected 200, got %d", rec.Code)
	}
	sale := decodeBody[struct {
		Sale domain.Sale `json:"sale"`
	}](t, rec).Sale
	if len(sale.Lines) != 1 || !sale.Lines[0].UnitPriceAtSale.Equal(decimal.RequireFromString("5.00")) {
		t.Fatalf("unexpected sale %+v", sale)
	}

	rec = doJSON(t, handler, http.MethodDelete, salePath, seller, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("seller void: expected 403, got %d", rec.Code)
	}
	rec = doJSON(t, handler, http.MethodDelete, salePath, admin, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("admin void: expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	if got := productOnHand(t, handler, seller, "1"); got != 10 {
		t.Fatalf("expected on hand 10 after void, got %d", got)
	}

	rec = doJSON(t, handler, http.MethodDelete, salePath, admin, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("second void: expected 404, got %d", rec.Code)
	}
}

func TestRegisterSaleInsufficientStock(t *testing.T) {
	handler := newTestAPI(t).Handler()
	seller := login(t, handler, "seller", "seller123")

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/sales", seller, domain.SaleRequest{
		Cart: []domain.CartLine{{ProductID: 2, Quantity: 1}, {ProductID: 1, Quantity: 11}},
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	result := decodeBody[domain.SaleResult](t, rec)
	if result.Success || result.ErrorCode != "insufficient_stock" || result.SaleID != nil {
		t.Fatalf("unexpected result %+v", result)
	}
	if got := productOnHand(t, handler, seller, "1"); got != 10 {
		t.Fatalf("expected on hand 10, got %d", got)
	}
	if got := productOnHand(t, handler, seller, "2"); got != 40 {
		t.Fatalf("expected on hand 40, got %d", got)
	}
}

func TestRegisterSaleRejectsEmptyCart(t *testing.T) {
	handler := newTestAPI(t).Handler()
	seller := login(t, handler, "seller", "seller123")

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/sales", seller, domain.SaleRequest{})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if result := decodeBody[domain.SaleResult](t, rec); result.ErrorCode != "invalid_argument" {
		t.Fatalf("expected invalid_argument, got %+v", result)
	}
}

func TestListSalesNewestFirst(t *testing.T) {
	handler := newTestAPI(t).Handler()
	seller := login(t, handler, "seller", "seller123")

	for _, cart := range [][]domain.CartLine{
		{{ProductID: 1, Quantity: 1}},
		{{ProductID: 2, Quantity: 2}, {ProductID: 3, Quantity: 1}},
	} {
		rec := doJSON(t, handler, http.MethodPost, "/api/v1/sales", seller, domain.SaleRequest{Cart: cart})
		if rec.Code != http.StatusCreated {
			t.Fatalf("register: expected 201, got %d", rec.Code)
		}
	}

	rec := doJSON(t, handler, http.MethodGet, "/api/v1/sales", seller, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	rows := decodeBody[struct {
		Sales []domain.SaleHistoryRow `json:"sales"`
	}](t, rec).Sales
	if len(rows) != 3 {
		t.Fatalf("expected 3 history rows, got %d", len(rows))
	}
	if rows[0].SaleID != rows[1].SaleID || rows[0].SaleID <= rows[2].SaleID {
		t.Fatalf("expected newest sale first, got %+v", rows)
	}
	if rows[0].ProductName != "Pan Dulce" || rows[1].ProductName != "Cafe Molido 250g" {
		t.Fatalf("expected line order within a sale, got %q then %q", rows[0].ProductName, rows[1].ProductName)
	}
}

func TestDeleteProductReferencedBySaleConflicts(t *testing.T) {
	handler := newTestAPI(t).Handler()
	admin := login(t, handler, "admin", "admin123")

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/sales", admin, domain.SaleRequest{
		Cart: []domain.CartLine{{ProductID: 4, Quantity: 1}},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("register: expected 201, got %d", rec.Code)
	}

	rec = doJSON(t, handler, http.MethodDelete, "/api/v1/products/4", admin, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	if code := decodeBody[map[string]any](t, rec)["code"]; code != "referential_conflict" {
		t.Fatalf("expected referential_conflict, got %v", code)
	}
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}
