package server_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"

	"StableLedger/internal/engine"
	"StableLedger/internal/fixedmath"
	"StableLedger/internal/observability"
	"StableLedger/internal/oracle"
	"StableLedger/internal/server"
	"StableLedger/internal/testutil"
	"StableLedger/internal/token"
)

func wad(n uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(n), fixedmath.Wad)
}

type fixture struct {
	routes http.Handler
	vault  *token.Vault
	engine *engine.Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	prices := oracle.NewStatic()
	prices.Set("eth-usd", uint256.NewInt(2000_0000_0000), 8)
	prices.Set("btc-usd", uint256.NewInt(40_000_0000_0000), 8)

	vault := token.NewVault()
	tokens := engine.Tokens{
		Collateral: map[string]token.Collateral{
			"WETH": vault.Asset("WETH"),
			"WBTC": vault.Asset("WBTC"),
		},
		Dsc: vault.Dsc("DSC"),
	}

	log := observability.NewLoggerWithLevel("server", zerolog.Disabled)
	eng, err := engine.New(testutil.TestEngineConfig(), prices, tokens, nil, nil, nil, log)
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}

	srv := server.NewHTTPServer(":0", eng, nil, nil, nil, log)
	return &fixture{routes: srv.Routes(), vault: vault, engine: eng}
}

func (f *fixture) post(t *testing.T, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.routes.ServeHTTP(w, req)
	return w
}

func (f *fixture) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	f.routes.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
}

// fundedUser gives a user a WETH wallet and deposits through the API.
func (f *fixture) fundedUser(t *testing.T, walletEth, depositEth uint64) uuid.UUID {
	t.Helper()
	user := uuid.New()
	f.vault.Fund("WETH", user, wad(walletEth))
	if depositEth > 0 {
		w := f.post(t, "/v1/deposit", map[string]string{
			"user_id": user.String(),
			"asset":   "WETH",
			"amount":  wad(depositEth).Dec(),
		})
		if w.Code != http.StatusOK {
			t.Fatalf("deposit: status %d body %s", w.Code, w.Body.String())
		}
	}
	return user
}

// ============================================================================
// Test: operation endpoints
// ============================================================================

func TestDepositEndpoint(t *testing.T) {
	f := newFixture(t)
	user := uuid.New()
	f.vault.Fund("WETH", user, wad(10))

	w := f.post(t, "/v1/deposit", map[string]string{
		"user_id": user.String(),
		"asset":   "WETH",
		"amount":  wad(4).Dec(),
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status %d body %s", w.Code, w.Body.String())
	}

	var resp struct {
		OpType   string `json:"op_type"`
		Actor    string `json:"actor"`
		Asset    string `json:"asset"`
		Amount   string `json:"amount"`
		Sequence uint64 `json:"sequence"`
	}
	decodeBody(t, w, &resp)

	if resp.OpType != "deposit_collateral" {
		t.Errorf("op_type: got %s, want deposit_collateral", resp.OpType)
	}
	if resp.Actor != user.String() {
		t.Errorf("actor: got %s, want %s", resp.Actor, user)
	}
	if resp.Amount != wad(4).Dec() {
		t.Errorf("amount: got %s, want %s", resp.Amount, wad(4).Dec())
	}
}

func TestDepositEndpoint_InvalidUserID(t *testing.T) {
	f := newFixture(t)
	w := f.post(t, "/v1/deposit", map[string]string{
		"user_id": "not-a-uuid",
		"asset":   "WETH",
		"amount":  "100",
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("status: got %d, want 400", w.Code)
	}
}

func TestDepositEndpoint_ZeroAmount(t *testing.T) {
	f := newFixture(t)
	w := f.post(t, "/v1/deposit", map[string]string{
		"user_id": uuid.New().String(),
		"asset":   "WETH",
		"amount":  "0",
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("status: got %d, want 400", w.Code)
	}

	var resp struct {
		Reason string `json:"reason"`
	}
	decodeBody(t, w, &resp)
	if resp.Reason != "invalid_amount" {
		t.Errorf("reason: got %s, want invalid_amount", resp.Reason)
	}
}

func TestDepositEndpoint_UnsupportedAsset(t *testing.T) {
	f := newFixture(t)
	w := f.post(t, "/v1/deposit", map[string]string{
		"user_id": uuid.New().String(),
		"asset":   "DOGE",
		"amount":  "100",
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("status: got %d, want 400", w.Code)
	}
}

func TestMintEndpoint_BreaksHealthFactor(t *testing.T) {
	f := newFixture(t)
	user := f.fundedUser(t, 10, 10)

	// 10 ETH at $2000 with a 50% threshold supports at most 10_000 DSC.
	w := f.post(t, "/v1/mint", map[string]string{
		"user_id": user.String(),
		"amount":  wad(10_001).Dec(),
	})
	if w.Code != http.StatusConflict {
		t.Fatalf("status: got %d, want 409; body %s", w.Code, w.Body.String())
	}

	var resp struct {
		Reason string `json:"reason"`
	}
	decodeBody(t, w, &resp)
	if resp.Reason != "breaks_health_factor" {
		t.Errorf("reason: got %s, want breaks_health_factor", resp.Reason)
	}
}

func TestMintAndBurnEndpoints(t *testing.T) {
	f := newFixture(t)
	user := f.fundedUser(t, 10, 10)

	w := f.post(t, "/v1/mint", map[string]string{
		"user_id": user.String(),
		"amount":  wad(4_000).Dec(),
	})
	if w.Code != http.StatusOK {
		t.Fatalf("mint: status %d body %s", w.Code, w.Body.String())
	}

	w = f.post(t, "/v1/burn", map[string]string{
		"user_id": user.String(),
		"amount":  wad(1_000).Dec(),
	})
	if w.Code != http.StatusOK {
		t.Fatalf("burn: status %d body %s", w.Code, w.Body.String())
	}

	if debt := f.engine.DebtOf(user); debt.Cmp(wad(3_000)) != 0 {
		t.Errorf("debt after burn = %s, want 3000e18", debt.Dec())
	}
}

func TestRedeemEndpoint_InsufficientCollateral(t *testing.T) {
	f := newFixture(t)
	user := f.fundedUser(t, 10, 2)

	w := f.post(t, "/v1/redeem", map[string]string{
		"user_id": user.String(),
		"asset":   "WETH",
		"amount":  wad(5).Dec(),
	})
	if w.Code != http.StatusConflict {
		t.Fatalf("status: got %d, want 409; body %s", w.Code, w.Body.String())
	}

	var resp struct {
		Reason string `json:"reason"`
	}
	decodeBody(t, w, &resp)
	if resp.Reason != "insufficient_collateral" {
		t.Errorf("reason: got %s, want insufficient_collateral", resp.Reason)
	}
}

func TestDepositAndMintEndpoint(t *testing.T) {
	f := newFixture(t)
	user := uuid.New()
	f.vault.Fund("WETH", user, wad(10))

	w := f.post(t, "/v1/deposit-and-mint", map[string]string{
		"user_id":           user.String(),
		"asset":             "WETH",
		"amount_collateral": wad(10).Dec(),
		"amount_dsc":        wad(5_000).Dec(),
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status %d body %s", w.Code, w.Body.String())
	}

	var resp struct {
		First  struct{ OpType string `json:"op_type"` } `json:"first"`
		Second struct{ OpType string `json:"op_type"` } `json:"second"`
	}
	decodeBody(t, w, &resp)
	if resp.First.OpType != "deposit_collateral" {
		t.Errorf("first op: got %s, want deposit_collateral", resp.First.OpType)
	}
	if resp.Second.OpType != "mint_dsc" {
		t.Errorf("second op: got %s, want mint_dsc", resp.Second.OpType)
	}
	if bal := f.vault.WalletBalance("DSC", user); bal.Cmp(wad(5_000)) != 0 {
		t.Errorf("DSC wallet = %s, want 5000e18", bal.Dec())
	}
}

func TestLiquidateEndpoint_HealthyTarget(t *testing.T) {
	f := newFixture(t)
	target := f.fundedUser(t, 10, 10)
	liquidator := uuid.New()

	w := f.post(t, "/v1/liquidate", map[string]string{
		"liquidator_id": liquidator.String(),
		"target_id":     target.String(),
		"asset":         "WETH",
		"debt_to_cover": wad(100).Dec(),
	})
	if w.Code != http.StatusConflict {
		t.Fatalf("status: got %d, want 409; body %s", w.Code, w.Body.String())
	}

	var resp struct {
		Reason string `json:"reason"`
	}
	decodeBody(t, w, &resp)
	if resp.Reason != "health_factor_ok" {
		t.Errorf("reason: got %s, want health_factor_ok", resp.Reason)
	}
}

// ============================================================================
// Test: query endpoints
// ============================================================================

func TestAccountEndpoint(t *testing.T) {
	f := newFixture(t)
	user := f.fundedUser(t, 10, 10)

	w := f.post(t, "/v1/mint", map[string]string{
		"user_id": user.String(),
		"amount":  wad(4_000).Dec(),
	})
	if w.Code != http.StatusOK {
		t.Fatalf("mint: status %d", w.Code)
	}

	w = f.get(t, "/v1/accounts/"+user.String())
	if w.Code != http.StatusOK {
		t.Fatalf("status %d body %s", w.Code, w.Body.String())
	}

	var resp struct {
		CollateralValueUsd string            `json:"collateral_value_usd"`
		Debt               string            `json:"debt"`
		HealthFactor       string            `json:"health_factor"`
		Collateral         map[string]string `json:"collateral"`
	}
	decodeBody(t, w, &resp)

	if resp.CollateralValueUsd != wad(20_000).Dec() {
		t.Errorf("collateral_value_usd: got %s, want %s", resp.CollateralValueUsd, wad(20_000).Dec())
	}
	if resp.Debt != wad(4_000).Dec() {
		t.Errorf("debt: got %s, want %s", resp.Debt, wad(4_000).Dec())
	}
	// 20_000 * 50% / 4_000 = 2.5
	if resp.HealthFactor != "2500000000000000000" {
		t.Errorf("health_factor: got %s, want 2.5e18", resp.HealthFactor)
	}
	if resp.Collateral["WETH"] != wad(10).Dec() {
		t.Errorf("WETH collateral: got %s, want 10e18", resp.Collateral["WETH"])
	}
}

func TestAccountHealthEndpoint_NoDebt(t *testing.T) {
	f := newFixture(t)
	user := f.fundedUser(t, 10, 10)

	w := f.get(t, "/v1/accounts/" + user.String() + "/health")
	if w.Code != http.StatusOK {
		t.Fatalf("status %d body %s", w.Code, w.Body.String())
	}

	var resp struct {
		HealthFactor string `json:"health_factor"`
	}
	decodeBody(t, w, &resp)
	if resp.HealthFactor != fixedmath.MaxUint256.Dec() {
		t.Errorf("health_factor: got %s, want max", resp.HealthFactor)
	}
}

func TestAccountEndpoint_InvalidID(t *testing.T) {
	f := newFixture(t)
	w := f.get(t, "/v1/accounts/not-a-uuid")
	if w.Code != http.StatusBadRequest {
		t.Errorf("status: got %d, want 400", w.Code)
	}
}

func TestUsdValueEndpoint(t *testing.T) {
	f := newFixture(t)

	w := f.get(t, "/v1/usd-value?asset=WETH&amount=" + wad(3).Dec())
	if w.Code != http.StatusOK {
		t.Fatalf("status %d body %s", w.Code, w.Body.String())
	}

	var resp struct {
		UsdValue string `json:"usd_value"`
	}
	decodeBody(t, w, &resp)
	if resp.UsdValue != wad(6_000).Dec() {
		t.Errorf("usd_value: got %s, want %s", resp.UsdValue, wad(6_000).Dec())
	}
}

func TestTokenAmountEndpoint(t *testing.T) {
	f := newFixture(t)

	w := f.get(t, "/v1/token-amount?asset=WETH&usd=" + wad(100).Dec())
	if w.Code != http.StatusOK {
		t.Fatalf("status %d body %s", w.Code, w.Body.String())
	}

	var resp struct {
		TokenAmount string `json:"token_amount"`
	}
	decodeBody(t, w, &resp)
	// $100 at $2000 per token is 0.05.
	if resp.TokenAmount != "50000000000000000" {
		t.Errorf("token_amount: got %s, want 5e16", resp.TokenAmount)
	}
}

func TestHistoryEndpoints_NoDatabase(t *testing.T) {
	f := newFixture(t)
	user := uuid.New()

	for _, path := range []string{
		"/v1/accounts/" + user.String() + "/operations",
		"/v1/accounts/" + user.String() + "/journal",
		"/v1/integrity",
	} {
		w := f.get(t, path)
		if w.Code != http.StatusServiceUnavailable {
			t.Errorf("%s: got status %d, want 503", path, w.Code)
		}
	}
}

func TestOperationHistoryEndpoint_BadCursor(t *testing.T) {
	f := newFixture(t)
	user := uuid.New()

	w := f.get(t, "/v1/accounts/"+user.String()+"/operations?before=notanumber")
	// The cursor is validated before the database is touched.
	if w.Code != http.StatusBadRequest {
		t.Errorf("got status %d, want 400", w.Code)
	}
}

func TestSupplyEndpoint(t *testing.T) {
	f := newFixture(t)
	user := f.fundedUser(t, 10, 10)

	w := f.post(t, "/v1/mint", map[string]string{
		"user_id": user.String(),
		"amount":  wad(2_500).Dec(),
	})
	if w.Code != http.StatusOK {
		t.Fatalf("mint: status %d", w.Code)
	}

	w = f.get(t, "/v1/supply")
	if w.Code != http.StatusOK {
		t.Fatalf("status %d body %s", w.Code, w.Body.String())
	}

	var resp struct {
		OutstandingSupply string `json:"outstanding_supply"`
	}
	decodeBody(t, w, &resp)
	if resp.OutstandingSupply != wad(2_500).Dec() {
		t.Errorf("outstanding_supply: got %s, want 2500e18", resp.OutstandingSupply)
	}
}
