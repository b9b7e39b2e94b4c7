package rpc

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"artisanpay/core/events"
	"artisanpay/crypto"
	"artisanpay/ledger"
	"artisanpay/native/escrow"
	"artisanpay/native/reputation"
	"artisanpay/state"
	"artisanpay/storage"
)

type rpcTestEnv struct {
	server    *Server
	http      *httptest.Server
	engine    *escrow.Engine
	ledger    *ledger.Ledger
	clientKey *crypto.PrivateKey
	client    crypto.Address
	artisan   crypto.Address
	now       int64
}

func newRPCTestEnv(t *testing.T) *rpcTestEnv {
	t.Helper()
	t.Setenv("APAY_RPC_TOKEN", "test-token")

	manager := state.NewManager(storage.NewMemDB())
	valueLedger := ledger.NewLedger(manager)
	ratings := reputation.NewLedger(manager)
	collector := events.NewCollector(128)

	clientKey, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate client key: %v", err)
	}
	artisanKey, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate artisan key: %v", err)
	}

	env := &rpcTestEnv{
		ledger:    valueLedger,
		clientKey: clientKey,
		client:    clientKey.PubKey().Address(),
		artisan:   artisanKey.PubKey().Address(),
		now:       1_700_000_000,
	}

	engine := escrow.NewEngine()
	engine.SetStore(manager)
	engine.SetLedger(valueLedger)
	var custody [20]byte
	custody[19] = 0xCC
	engine.SetCustody(custody)
	engine.SetEmitter(collector)
	engine.SetNowFunc(func() int64 { return env.now })
	manager.SetNowFunc(func() int64 { return env.now })
	env.engine = engine

	server := NewServer(engine, valueLedger, ratings, collector)
	server.SetNowFunc(func() time.Time { return time.Unix(env.now, 0) })
	env.server = server
	env.http = httptest.NewServer(server.Handler())
	t.Cleanup(env.http.Close)
	return env
}

func (env *rpcTestEnv) call(t *testing.T, method string, params interface{}, bearer string) (json.RawMessage, *RPCError) {
	t.Helper()
	encodedParams, err := json.Marshal(params)
	if err != nil {
		t.Fatalf("marshal params: %v", err)
	}
	payload := map[string]interface{}{
		"jsonrpc": jsonRPCVersion,
		"method":  method,
		"params":  []json.RawMessage{encodedParams},
		"id":      1,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	httpReq, err := http.NewRequest(http.MethodPost, env.http.URL, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		httpReq.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := env.http.Client().Do(httpReq)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()
	var decoded RPCResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if decoded.Error != nil {
		return nil, decoded.Error
	}
	raw, err := json.Marshal(decoded.Result)
	if err != nil {
		t.Fatalf("re-marshal result: %v", err)
	}
	return raw, nil
}

func (env *rpcTestEnv) mustInitialize(t *testing.T, deadline uint64) uint64 {
	t.Helper()
	raw, rpcErr := env.call(t, "escrow_initialize", escrowInitializeParams{
		Client:   env.client.String(),
		Artisan:  env.artisan.String(),
		Asset:    "USDX",
		Amount:   "500",
		Deadline: deadline,
	}, "")
	if rpcErr != nil {
		t.Fatalf("initialize: %+v", rpcErr)
	}
	var result escrowInitializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	return result.ID
}

func (env *rpcTestEnv) signAction(t *testing.T, method string, id uint64, asset string) escrowActionParams {
	t.Helper()
	digest := CallDigest(method, id, asset, env.now)
	sig, err := env.clientKey.Sign(digest)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return escrowActionParams{
		ID:        id,
		Asset:     asset,
		Timestamp: env.now,
		Signature: hex.EncodeToString(sig),
	}
}

func TestEscrowLifecycleOverRPC(t *testing.T) {
	env := newRPCTestEnv(t)
	if err := env.ledger.Mint(env.client.Bytes(), "USDX", big.NewInt(800)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	deadline := uint64(env.now) + 86_400
	id := env.mustInitialize(t, deadline)
	if id != 1 {
		t.Fatalf("expected id 1, got %d", id)
	}

	if _, rpcErr := env.call(t, "escrow_deposit", escrowDepositParams{ID: id, Asset: "USDX"}, ""); rpcErr != nil {
		t.Fatalf("deposit: %+v", rpcErr)
	}

	env.now += 100
	if _, rpcErr := env.call(t, "escrow_release", env.signAction(t, "escrow_release", id, "USDX"), ""); rpcErr != nil {
		t.Fatalf("release: %+v", rpcErr)
	}

	raw, rpcErr := env.call(t, "escrow_get", escrowGetParams{ID: id}, "")
	if rpcErr != nil {
		t.Fatalf("get: %+v", rpcErr)
	}
	var snapshot escrowJSON
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		t.Fatalf("unmarshal escrow: %v", err)
	}
	if snapshot.Status != "released" {
		t.Fatalf("status = %q, want released", snapshot.Status)
	}
	if snapshot.Client != env.client.String() || snapshot.Artisan != env.artisan.String() {
		t.Fatalf("principals mismatch in %+v", snapshot)
	}

	// Second release deterministically fails with the state conflict code.
	_, rpcErr = env.call(t, "escrow_release", env.signAction(t, "escrow_release", id, "USDX"), "")
	if rpcErr == nil || rpcErr.Code != codeEscrowConflict {
		t.Fatalf("expected conflict code, got %+v", rpcErr)
	}
}

func TestReclaimOverTrustedChannel(t *testing.T) {
	env := newRPCTestEnv(t)
	if err := env.ledger.Mint(env.client.Bytes(), "USDX", big.NewInt(500)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	deadline := uint64(env.now) + 86_400
	id := env.mustInitialize(t, deadline)
	if _, rpcErr := env.call(t, "escrow_deposit", escrowDepositParams{ID: id, Asset: "USDX"}, ""); rpcErr != nil {
		t.Fatalf("deposit: %+v", rpcErr)
	}

	params := escrowActionParams{ID: id, Asset: "USDX", Caller: env.client.String()}

	// No bearer token, no signature: refused.
	if _, rpcErr := env.call(t, "escrow_reclaim", params, ""); rpcErr == nil {
		t.Fatal("expected unauthorized reclaim to fail")
	}

	// Too early even with the token.
	_, rpcErr := env.call(t, "escrow_reclaim", params, "test-token")
	if rpcErr == nil || rpcErr.Code != codeEscrowDeadline {
		t.Fatalf("expected deadline code, got %+v", rpcErr)
	}

	env.now = int64(deadline) + 1
	raw, rpcErr := env.call(t, "escrow_reclaim", params, "test-token")
	if rpcErr != nil {
		t.Fatalf("reclaim: %+v", rpcErr)
	}
	var result map[string]bool
	if err := json.Unmarshal(raw, &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if !result["reclaimed"] {
		t.Fatalf("expected reclaimed=true, got %v", result)
	}
}

func TestReleaseRejectsForeignSignature(t *testing.T) {
	env := newRPCTestEnv(t)
	if err := env.ledger.Mint(env.client.Bytes(), "USDX", big.NewInt(500)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	deadline := uint64(env.now) + 86_400
	id := env.mustInitialize(t, deadline)
	if _, rpcErr := env.call(t, "escrow_deposit", escrowDepositParams{ID: id, Asset: "USDX"}, ""); rpcErr != nil {
		t.Fatalf("deposit: %+v", rpcErr)
	}

	intruderKey, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate intruder key: %v", err)
	}
	digest := CallDigest("escrow_release", id, "USDX", env.now)
	sig, err := intruderKey.Sign(digest)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	params := escrowActionParams{ID: id, Asset: "USDX", Timestamp: env.now, Signature: hex.EncodeToString(sig)}
	_, rpcErr := env.call(t, "escrow_release", params, "")
	if rpcErr == nil || rpcErr.Code != codeEscrowForbidden {
		t.Fatalf("expected forbidden code, got %+v", rpcErr)
	}
}

func TestReleaseRejectsStaleSignature(t *testing.T) {
	env := newRPCTestEnv(t)
	deadline := uint64(env.now) + 86_400
	id := env.mustInitialize(t, deadline)

	stale := env.now - signatureSkewSeconds - 1
	digest := CallDigest("escrow_release", id, "USDX", stale)
	sig, err := env.clientKey.Sign(digest)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	params := escrowActionParams{ID: id, Asset: "USDX", Timestamp: stale, Signature: hex.EncodeToString(sig)}
	_, rpcErr := env.call(t, "escrow_release", params, "")
	if rpcErr == nil || rpcErr.Code != codeEscrowForbidden {
		t.Fatalf("expected forbidden code for stale signature, got %+v", rpcErr)
	}
}

func TestEscrowEventsFeed(t *testing.T) {
	env := newRPCTestEnv(t)
	if err := env.ledger.Mint(env.client.Bytes(), "USDX", big.NewInt(500)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	id := env.mustInitialize(t, uint64(env.now)+86_400)
	if _, rpcErr := env.call(t, "escrow_deposit", escrowDepositParams{ID: id, Asset: "USDX"}, ""); rpcErr != nil {
		t.Fatalf("deposit: %+v", rpcErr)
	}

	raw, rpcErr := env.call(t, "escrow_events", escrowEventsParams{After: 0}, "")
	if rpcErr != nil {
		t.Fatalf("events: %+v", rpcErr)
	}
	var feed []events.Event
	if err := json.Unmarshal(raw, &feed); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	if len(feed) != 2 {
		t.Fatalf("expected 2 events, got %d", len(feed))
	}
	if feed[0].Type != escrow.EventTypeInitialized || feed[1].Type != escrow.EventTypeFunded {
		t.Fatalf("unexpected event types: %s, %s", feed[0].Type, feed[1].Type)
	}
}

func TestLedgerBalanceQuery(t *testing.T) {
	env := newRPCTestEnv(t)
	if err := env.ledger.Mint(env.client.Bytes(), "USDX", big.NewInt(123)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	raw, rpcErr := env.call(t, "ledger_balance", ledgerBalanceParams{Address: env.client.String(), Asset: "USDX"}, "")
	if rpcErr != nil {
		t.Fatalf("balance: %+v", rpcErr)
	}
	var result ledgerBalanceResult
	if err := json.Unmarshal(raw, &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if result.Amount != "123" {
		t.Fatalf("amount = %q, want 123", result.Amount)
	}
}

func TestReputationOverRPC(t *testing.T) {
	env := newRPCTestEnv(t)
	submit := reputationSubmitParams{
		Engagement: 1,
		Rater:      env.client.String(),
		Ratee:      env.artisan.String(),
		Score:      5,
	}
	if _, rpcErr := env.call(t, "reputation_submitRating", submit, ""); rpcErr != nil {
		t.Fatalf("submit: %+v", rpcErr)
	}
	if _, rpcErr := env.call(t, "reputation_submitRating", submit, ""); rpcErr == nil {
		t.Fatal("expected duplicate rating rejection")
	}

	raw, rpcErr := env.call(t, "reputation_getStats", reputationStatsParams{Address: env.artisan.String()}, "")
	if rpcErr != nil {
		t.Fatalf("stats: %+v", rpcErr)
	}
	var result reputationStatsResult
	if err := json.Unmarshal(raw, &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if result.Count != 1 || result.AverageTimes100 != 500 {
		t.Fatalf("unexpected stats: %+v", result)
	}
}

func TestUnknownMethod(t *testing.T) {
	env := newRPCTestEnv(t)
	_, rpcErr := env.call(t, "escrow_disputes", struct{}{}, "")
	if rpcErr == nil || rpcErr.Code != codeMethodNotFound {
		t.Fatalf("expected method-not-found, got %+v", rpcErr)
	}
}

func TestRejectsNonPost(t *testing.T) {
	env := newRPCTestEnv(t)
	resp, err := env.http.Client().Get(env.http.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", resp.StatusCode)
	}
}

func TestInitializeValidationSurfacesCode(t *testing.T) {
	env := newRPCTestEnv(t)
	samePartyParams := escrowInitializeParams{
		Client:   env.client.String(),
		Artisan:  env.client.String(),
		Asset:    "USDX",
		Amount:   "500",
		Deadline: uint64(env.now) + 86_400,
	}
	_, rpcErr := env.call(t, "escrow_initialize", samePartyParams, "")
	if rpcErr == nil || rpcErr.Code != codeEscrowInvalidParams {
		t.Fatalf("expected invalid-params code, got %+v", rpcErr)
	}
}
