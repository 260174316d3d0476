package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"governance-runtime/internal/codec"
	"governance-runtime/internal/dag"
	"governance-runtime/internal/events"
	"governance-runtime/internal/federation"
	"governance-runtime/internal/identity"
	"governance-runtime/internal/ledger"
	"governance-runtime/internal/node"
	"governance-runtime/internal/observability"

	"github.com/sirupsen/logrus"
)

func newTestServer(t *testing.T) (*Server, identity.DID, identity.Secret) {
	t.Helper()
	reg := identity.NewRegistry()
	did, secret, err := identity.Generate(identity.AlgEd25519)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if err := reg.Register(did, identity.PublicKeyOf(secret), identity.ScopeIndividual, time.Unix(0, 0)); err != nil {
		t.Fatalf("register: %v", err)
	}
	store, err := dag.NewStore(dag.Config{OrphanBufferCap: 16, HashAlg: codec.AlgSHA256}, reg)
	if err != nil {
		t.Fatalf("new dag: %v", err)
	}
	n := node.New(node.Config{
		DAG: store, Ledger: ledger.New(), Identity: reg, Engine: nil,
		Events: events.NewBus(16), Metrics: observability.NewMetrics(),
		KV: node.NewScopedKV(), HashAlg: codec.AlgSHA256, SignerDID: did, Signer: secret,
	})
	log := logrus.New()
	log.SetOutput(io.Discard)
	srv := New(Config{Node: n, Bundles: federation.NewLedger(), Log: log})
	return srv, did, secret
}

func TestHealthz(t *testing.T) {
	srv, _, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestPostAndGetNode(t *testing.T) {
	srv, did, secret := newTestServer(t)

	n, err := dag.New(dag.KindCustom, "note", []byte("hello"), nil, did, time.Unix(100, 0))
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	sig, err := identity.Sign(secret, dag.SigningBytes(n))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	n.Signature = sig

	body := putNodeRequest{
		Kind: uint8(n.Payload.Kind), CustomTag: n.Payload.CustomTag, Data: n.Payload.Data,
		Issuer: n.Issuer, Timestamp: n.Timestamp, Signature: n.Signature,
	}
	buf, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, "/nodes", bytes.NewReader(buf))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	cidStr := resp["cid"]

	req = httptest.NewRequest(http.MethodGet, "/nodes/"+cidStr, nil)
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestGetProposalNotFound(t *testing.T) {
	srv, _, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/proposals/nope", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestFederationBundleLatestMissing(t *testing.T) {
	srv, _, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/federation/bundles/latest?federation_id=f1", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

