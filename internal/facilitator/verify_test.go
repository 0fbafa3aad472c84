package facilitator

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"math/big"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/redis/go-redis/v9"

	"github.com/tomu-sh/x402-stream/internal/chain"
	"github.com/tomu-sh/x402-stream/internal/config"
	"github.com/tomu-sh/x402-stream/internal/registry"
	"github.com/tomu-sh/x402-stream/internal/replay"
	"github.com/tomu-sh/x402-stream/internal/x402"
)

const (
	// Well-known development key; the derived address is
	// 0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266.
	testBuyerKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

	testNetwork = "base-sepolia"
	testAsset   = "0x036CbD53842c5426634e7929541eC2318f3dCF7e"
	testPayTo   = "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"
	testChainID = 84532
	testPrice   = "50000"

	testClockSkew = 60 * time.Second
)

var testNow = time.Unix(1_756_000_000, 0)

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg, err := registry.New(&config.FacilitatorConfig{
		Networks: testNetwork,
		RPCURLs:  map[string]string{testNetwork: "http://localhost:8545"},
	})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	return reg
}

func testGuard(t *testing.T) (*replay.Guard, *redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return replay.NewGuard(rdb), rdb, mr
}

func newTestVerifier(t *testing.T, store NonceStore, backends map[string]chain.Backend, verifyBalance bool) *Verifier {
	t.Helper()
	return NewVerifier(testRegistry(t), store, backends, verifyBalance, testClockSkew)
}

func buyerKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := crypto.HexToECDSA(testBuyerKey)
	if err != nil {
		t.Fatalf("buyer key: %v", err)
	}
	return key
}

func testNonce(label string) string {
	return "0x" + hex.EncodeToString(crypto.Keccak256([]byte(label)))
}

// signRequest recomputes the authorization signature over the request's
// current field values with the buyer's key.
func signRequest(t *testing.T, key *ecdsa.PrivateKey, req *x402.VerifyRequest) {
	t.Helper()
	auth := &req.PaymentPayload.Payload.Authorization
	value, ok := auth.ValueBig()
	if !ok {
		t.Fatalf("unparseable value %q", auth.Value)
	}
	validAfter, validBefore, err := auth.Window()
	if err != nil {
		t.Fatalf("window: %v", err)
	}
	nonce, err := auth.NonceBytes()
	if err != nil {
		t.Fatalf("nonce: %v", err)
	}
	digest, err := AuthorizationDigest("USDC", "2", testChainID, req.PaymentRequirements.Asset,
		auth.From, auth.To, value, validAfter, validBefore, nonce)
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	sig, err := crypto.Sign(digest, key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	req.PaymentPayload.Payload.Signature = "0x" + hex.EncodeToString(sig)
}

// signedRequest builds a request that passes every verification rule at
// testNow. Tests mutate it to trigger individual failures; mutations of signed
// fields need a signRequest call afterwards.
func signedRequest(t *testing.T, nonceLabel string) *x402.VerifyRequest {
	t.Helper()
	key := buyerKey(t)
	from := crypto.PubkeyToAddress(key.PublicKey).Hex()

	req := &x402.VerifyRequest{
		X402Version: x402.Version,
		PaymentPayload: x402.PaymentPayload{
			X402Version: x402.Version,
			Scheme:      x402.SchemeExact,
			Network:     testNetwork,
			Payload: x402.ExactEvmPayload{
				Authorization: x402.Authorization{
					From:        from,
					To:          testPayTo,
					Value:       testPrice,
					ValidAfter:  strconv.FormatInt(testNow.Unix()-600, 10),
					ValidBefore: strconv.FormatInt(testNow.Unix()+600, 10),
					Nonce:       testNonce(nonceLabel),
				},
			},
		},
		PaymentRequirements: x402.PaymentRequirements{
			Scheme:            x402.SchemeExact,
			Network:           testNetwork,
			MaxAmountRequired: testPrice,
			Resource:          "https://example.com/report",
			PayTo:             testPayTo,
			MaxTimeoutSeconds: 90,
			Asset:             testAsset,
		},
	}
	signRequest(t, key, req)
	return req
}

func expectInvalid(t *testing.T, v *Verifier, req *x402.VerifyRequest, want x402.InvalidReason) {
	t.Helper()
	verdict, err := v.Verify(context.Background(), req, testNow)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if verdict.IsValid {
		t.Fatalf("expected invalid verdict %q, got valid (payer %s)", want, verdict.Payer)
	}
	if verdict.InvalidReason != want {
		t.Fatalf("InvalidReason: got %q want %q", verdict.InvalidReason, want)
	}
}

// ── happy path ───────────────────────────────────────────────────────────────

func TestVerify_Valid(t *testing.T) {
	guard, _, _ := testGuard(t)
	v := newTestVerifier(t, guard, nil, false)
	req := signedRequest(t, "valid")

	verdict, err := v.Verify(context.Background(), req, testNow)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !verdict.IsValid {
		t.Fatalf("expected valid, got %q", verdict.InvalidReason)
	}
	wantPayer := crypto.PubkeyToAddress(buyerKey(t).PublicKey).Hex()
	if verdict.Payer != wantPayer {
		t.Errorf("payer: got %s want %s", verdict.Payer, wantPayer)
	}

	// Deterministic and side-effect free: the same request at the same instant
	// verifies again, and the nonce slot is still free afterwards.
	again, err := v.Verify(context.Background(), req, testNow)
	if err != nil {
		t.Fatalf("second Verify: %v", err)
	}
	if again != verdict {
		t.Errorf("verdict changed across identical calls: %+v vs %+v", again, verdict)
	}
	key := replay.Key{Network: testNetwork, Asset: testAsset, Nonce: req.PaymentPayload.Payload.Authorization.Nonce}
	if won, _ := guard.Reserve(context.Background(), key, time.Minute); !won {
		t.Error("verify must not reserve the nonce")
	}
}

// ── rule failures, in check order ────────────────────────────────────────────

func TestVerify_SchemeMismatch(t *testing.T) {
	guard, _, _ := testGuard(t)
	v := newTestVerifier(t, guard, nil, false)

	req := signedRequest(t, "scheme-reqs")
	req.PaymentRequirements.Scheme = "upto"
	expectInvalid(t, v, req, x402.ReasonSchemeMismatch)

	req = signedRequest(t, "scheme-payload")
	req.PaymentPayload.Scheme = "upto"
	expectInvalid(t, v, req, x402.ReasonSchemeMismatch)
}

func TestVerify_NetworkMismatch(t *testing.T) {
	guard, _, _ := testGuard(t)
	v := newTestVerifier(t, guard, nil, false)

	req := signedRequest(t, "net-payload")
	req.PaymentPayload.Network = "polygon"
	expectInvalid(t, v, req, x402.ReasonNetworkMismatch)

	// A network the facilitator never activated is a mismatch even when both
	// sides of the request agree on it.
	req = signedRequest(t, "net-inactive")
	req.PaymentPayload.Network = "polygon"
	req.PaymentRequirements.Network = "polygon"
	expectInvalid(t, v, req, x402.ReasonNetworkMismatch)
}

func TestVerify_AssetMismatch(t *testing.T) {
	guard, _, _ := testGuard(t)
	v := newTestVerifier(t, guard, nil, false)

	req := signedRequest(t, "asset")
	req.PaymentRequirements.Asset = "0x0000000000000000000000000000000000000001"
	expectInvalid(t, v, req, x402.ReasonAssetMismatch)
}

func TestVerify_RecipientMismatch(t *testing.T) {
	guard, _, _ := testGuard(t)
	v := newTestVerifier(t, guard, nil, false)

	req := signedRequest(t, "recipient")
	req.PaymentPayload.Payload.Authorization.To = "0x0000000000000000000000000000000000000002"
	expectInvalid(t, v, req, x402.ReasonRecipientMismatch)
}

func TestVerify_Window(t *testing.T) {
	guard, _, _ := testGuard(t)
	v := newTestVerifier(t, guard, nil, false)
	key := buyerKey(t)

	// validAfter more than the skew allowance into the future.
	req := signedRequest(t, "window-early")
	req.PaymentPayload.Payload.Authorization.ValidAfter = strconv.FormatInt(testNow.Unix()+120, 10)
	signRequest(t, key, req)
	expectInvalid(t, v, req, x402.ReasonNotYetValid)

	// Inside the skew allowance the authorization is admitted.
	req = signedRequest(t, "window-skew")
	req.PaymentPayload.Payload.Authorization.ValidAfter = strconv.FormatInt(testNow.Unix()+30, 10)
	signRequest(t, key, req)
	verdict, err := v.Verify(context.Background(), req, testNow)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !verdict.IsValid {
		t.Fatalf("skewed validAfter rejected: %q", verdict.InvalidReason)
	}

	// validBefore == now is already expired, and skew never stretches it.
	req = signedRequest(t, "window-expired")
	req.PaymentPayload.Payload.Authorization.ValidBefore = strconv.FormatInt(testNow.Unix(), 10)
	signRequest(t, key, req)
	expectInvalid(t, v, req, x402.ReasonExpired)

	req = signedRequest(t, "window-expired-skew")
	req.PaymentPayload.Payload.Authorization.ValidBefore = strconv.FormatInt(testNow.Unix()-30, 10)
	signRequest(t, key, req)
	expectInvalid(t, v, req, x402.ReasonExpired)
}

func TestVerify_InsufficientValue(t *testing.T) {
	guard, _, _ := testGuard(t)
	v := newTestVerifier(t, guard, nil, false)

	req := signedRequest(t, "value-low")
	req.PaymentPayload.Payload.Authorization.Value = "49999"
	expectInvalid(t, v, req, x402.ReasonInsufficientValue)

	// Overpaying is allowed.
	req = signedRequest(t, "value-high")
	req.PaymentPayload.Payload.Authorization.Value = "60000"
	signRequest(t, buyerKey(t), req)
	verdict, err := v.Verify(context.Background(), req, testNow)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !verdict.IsValid {
		t.Fatalf("overpayment rejected: %q", verdict.InvalidReason)
	}
}

func TestVerify_InvalidSignature(t *testing.T) {
	guard, _, _ := testGuard(t)
	v := newTestVerifier(t, guard, nil, false)

	// Tampering with a signed field after signing breaks recovery.
	req := signedRequest(t, "sig-tamper")
	req.PaymentPayload.Payload.Authorization.Value = "60000"
	expectInvalid(t, v, req, x402.ReasonInvalidSignature)

	// A signature from a different key does not recover to `from`.
	req = signedRequest(t, "sig-wrong-key")
	stranger, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	signRequest(t, stranger, req)
	expectInvalid(t, v, req, x402.ReasonInvalidSignature)
}

func TestVerify_MalformedPayload(t *testing.T) {
	guard, _, _ := testGuard(t)
	v := newTestVerifier(t, guard, nil, false)

	// A short nonce only surfaces at digest construction, inside the
	// signature check.
	req := signedRequest(t, "malformed-nonce")
	req.PaymentPayload.Payload.Authorization.Nonce = "0x1234"
	expectInvalid(t, v, req, x402.ReasonInvalidSignature)

	req = signedRequest(t, "malformed-value")
	req.PaymentPayload.Payload.Authorization.Value = "not-a-number"
	expectInvalid(t, v, req, x402.ReasonMalformedPayload)

	req = signedRequest(t, "malformed-window")
	req.PaymentPayload.Payload.Authorization.ValidBefore = ""
	expectInvalid(t, v, req, x402.ReasonMalformedPayload)
}

func TestVerify_NonceReused(t *testing.T) {
	guard, _, _ := testGuard(t)
	v := newTestVerifier(t, guard, nil, false)
	req := signedRequest(t, "reused")

	key := replay.Key{Network: testNetwork, Asset: testAsset, Nonce: req.PaymentPayload.Payload.Authorization.Nonce}
	if err := guard.Commit(context.Background(), key); err != nil {
		t.Fatal(err)
	}
	expectInvalid(t, v, req, x402.ReasonNonceReused)
}

// ── infrastructure faults and balance ────────────────────────────────────────

func TestVerify_ReplayStoreDownIsError(t *testing.T) {
	guard, _, mr := testGuard(t)
	v := newTestVerifier(t, guard, nil, false)
	req := signedRequest(t, "store-down")

	mr.Close()
	if _, err := v.Verify(context.Background(), req, testNow); err == nil {
		t.Fatal("expected an error when the replay store is unreachable")
	}
}

func TestVerify_BalanceCheck(t *testing.T) {
	guard, _, _ := testGuard(t)
	backend := &fakeBackend{status: chain.TxConfirmed, balance: big.NewInt(10)}
	v := newTestVerifier(t, guard, map[string]chain.Backend{testNetwork: backend}, true)

	req := signedRequest(t, "balance-low")
	expectInvalid(t, v, req, x402.ReasonInsufficientBalance)

	backend.setBalance(big.NewInt(50_000))
	verdict, err := v.Verify(context.Background(), req, testNow)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !verdict.IsValid {
		t.Fatalf("sufficient balance rejected: %q", verdict.InvalidReason)
	}

	backend.setBalanceErr(context.DeadlineExceeded)
	if _, err := v.Verify(context.Background(), req, testNow); err == nil {
		t.Fatal("expected an error when the balance RPC fails")
	}
}
