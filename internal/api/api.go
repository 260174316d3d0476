// Package api exposes the node's REST and websocket surface, grounded on
// the nhbchain gateway's chi router (routes/router.go) and the otc-gateway
// server's handler style (services/otc-gateway/server/server.go):
// chi.Router with stdlib middleware, json.NewDecoder/Encoder request
// bodies, http.Error for failures mapped from the runtime's error
// taxonomy.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"governance-runtime/internal/codec"
	"governance-runtime/internal/dag"
	"governance-runtime/internal/engine"
	"governance-runtime/internal/errs"
	"governance-runtime/internal/federation"
	"governance-runtime/internal/governance"
	"governance-runtime/internal/identity"
	"governance-runtime/internal/node"
)

// Server wraps the wired Node with the HTTP surface spec.md §6 names as the
// minimum viable API.
type Server struct {
	Node       *node.Node
	Bundles    *federation.Ledger
	Replicator *federation.Replicator
	Log        *logrus.Logger

	router http.Handler
}

// Config carries the dependencies and rate-limit knobs used to build the
// router, mirroring the otc-gateway Config/Server split.
type Config struct {
	Node            *node.Node
	Bundles         *federation.Ledger
	Replicator      *federation.Replicator
	Log             *logrus.Logger
	RateLimitPerSec int
	RateLimitBurst  int
}

func New(cfg Config) *Server {
	s := &Server{Node: cfg.Node, Bundles: cfg.Bundles, Replicator: cfg.Replicator, Log: cfg.Log}
	s.router = s.buildRouter(cfg.RateLimitPerSec, cfg.RateLimitBurst)
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) buildRouter(limitPerSec, burst int) http.Handler {
	if limitPerSec <= 0 {
		limitPerSec = 200
	}
	if burst <= 0 {
		burst = 100
	}
	limiter := rate.NewLimiter(rate.Limit(limitPerSec), burst)

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(s.requestLogger)
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if !limiter.Allow() {
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, req)
		})
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Post("/nodes", s.handlePostNode)
	r.Get("/nodes/{cid}", s.handleGetNode)
	r.Get("/tips", s.handleTips)

	r.Post("/proposals", s.handlePostProposal)
	r.Post("/proposals/{id}/votes", s.handlePostVote)
	r.Post("/proposals/{id}/finalize", s.handlePostFinalize)
	r.Post("/proposals/{id}/execute", s.handlePostExecute)
	r.Get("/proposals/{id}", s.handleGetProposal)
	r.Get("/proposals/{id}/tips", s.handleGetProposalTips)

	r.Get("/federation/bundles/latest", s.handleLatestBundle)
	r.Get("/federation/bundles/{epoch}", s.handleBundleAtEpoch)
	r.Get("/federation/status", s.handleFederationStatus)

	r.Get("/debug/proposal/{cid}", s.handleDebugProposal)

	r.Get("/events", s.handleEventsWS)

	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.Log.WithField("took", time.Since(start)).Infof("%s %s", r.Method, r.RequestURI)
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeErr(w http.ResponseWriter, err error) {
	switch errs.KindOf(err) {
	case errs.NotFound:
		http.Error(w, err.Error(), http.StatusNotFound)
	case errs.MalformedEncoding, errs.BadString:
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errs.InvalidSignature, errs.UnknownIssuer:
		http.Error(w, err.Error(), http.StatusUnauthorized)
	case errs.PolicyViolation, errs.UnauthorizedResource, errs.InsufficientBalance, errs.QuorumNotMet:
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// putNodeRequest mirrors dag.Node but carries parent CIDs and the issuer's
// own CID-bearing fields as wire-friendly strings/bytes, since codec.CID
// has no custom JSON marshaling of its own.
type putNodeRequest struct {
	Kind      uint8             `json:"kind"`
	CustomTag string            `json:"custom_tag"`
	Data      []byte            `json:"data"`
	Parents   []string          `json:"parents"`
	Issuer    identity.DID      `json:"issuer"`
	Timestamp time.Time         `json:"timestamp"`
	Signature []byte            `json:"signature"`
	Metadata  map[string]string `json:"metadata"`
}

func (s *Server) handlePostNode(w http.ResponseWriter, r *http.Request) {
	var req putNodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	parents := make([]codec.CID, 0, len(req.Parents))
	for _, p := range req.Parents {
		cid, err := codec.ParseCID(p)
		if err != nil {
			http.Error(w, "invalid parent cid", http.StatusBadRequest)
			return
		}
		parents = append(parents, cid)
	}
	metadata := req.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	n := dag.Node{
		Payload:   dag.Payload{Kind: dag.PayloadKind(req.Kind), CustomTag: req.CustomTag, Data: req.Data},
		Parents:   parents,
		Issuer:    req.Issuer,
		Timestamp: req.Timestamp,
		Signature: req.Signature,
		Metadata:  metadata,
	}
	cid, err := s.Node.PutSigned(n)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]string{"cid": cid.String()})
}

func (s *Server) handleGetNode(w http.ResponseWriter, r *http.Request) {
	cid, err := codec.ParseCID(chi.URLParam(r, "cid"))
	if err != nil {
		http.Error(w, "invalid cid", http.StatusBadRequest)
		return
	}
	n, ok := s.Node.DAG.Get(cid)
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, n)
}

func (s *Server) handleTips(w http.ResponseWriter, r *http.Request) {
	tips := s.Node.Tips()
	out := make([]string, len(tips))
	for i, t := range tips {
		out[i] = t.String()
	}
	s.writeJSON(w, http.StatusOK, map[string][]string{"tips": out})
}

type submitProposalRequest struct {
	ID          string               `json:"id"`
	Creator     identity.DID         `json:"creator"`
	Description string               `json:"description"`
	Quorum      governance.QuorumRule `json:"quorum"`
	WindowStart time.Time            `json:"window_start"`
	WindowEnd   time.Time            `json:"window_end"`
	SignerDID   identity.DID         `json:"signer_did"`
}

func (s *Server) handlePostProposal(w http.ResponseWriter, r *http.Request) {
	var req submitProposalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	http.Error(w, "submitting a proposal requires a signed node via POST /nodes; this endpoint is informational only", http.StatusNotImplemented)
}

type voteRequest struct {
	Voter   identity.DID `json:"voter"`
	Approve bool         `json:"approve"`
	Weight  uint64       `json:"weight"`
}

func (s *Server) handlePostVote(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req voteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	http.Error(w, "vote submission requires a pre-signed node via POST /nodes in this deployment; use governctl for signed submission", http.StatusNotImplemented)
	_ = id
}

func (s *Server) handlePostFinalize(w http.ResponseWriter, r *http.Request) {
	http.Error(w, "finalize requires a signed node via POST /nodes; use governctl for signed submission", http.StatusNotImplemented)
}

type executeRequest struct {
	ModuleCID  string `json:"module_cid"`
	Entrypoint string `json:"entrypoint"`
	Args       []byte `json:"args"`
	Budget     engine.Budget `json:"budget"`
}

func (s *Server) handlePostExecute(w http.ResponseWriter, r *http.Request) {
	http.Error(w, "execute requires a signed node via POST /nodes; use governctl for signed submission", http.StatusNotImplemented)
}

func (s *Server) handleGetProposal(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	res, err := s.Node.GetProposal(id)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"id": id, "state": res.State.String(), "tally": res.Tally, "executed": res.Executed,
	})
}

func (s *Server) handleGetProposalTips(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	tips, err := s.Node.ThreadTips(id)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	out := make([]string, len(tips))
	for i, t := range tips {
		out[i] = t.String()
	}
	s.writeJSON(w, http.StatusOK, map[string][]string{"tips": out})
}

func (s *Server) handleLatestBundle(w http.ResponseWriter, r *http.Request) {
	federationID := r.URL.Query().Get("federation_id")
	b, ok := s.Bundles.Latest(federationID)
	if !ok {
		http.Error(w, "no accepted bundle", http.StatusNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleBundleAtEpoch(w http.ResponseWriter, r *http.Request) {
	federationID := r.URL.Query().Get("federation_id")
	epoch := chi.URLParam(r, "epoch")
	e, err := strconv.ParseUint(epoch, 10, 64)
	if err != nil {
		http.Error(w, "invalid epoch", http.StatusBadRequest)
		return
	}
	b, ok := s.Bundles.AtEpoch(federationID, e)
	if !ok {
		http.Error(w, "no bundle at that epoch", http.StatusNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleFederationStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"tips": len(s.Node.Tips())})
}

func (s *Server) handleDebugProposal(w http.ResponseWriter, r *http.Request) {
	cidStr := chi.URLParam(r, "cid")
	cid, err := codec.ParseCID(cidStr)
	if err != nil {
		http.Error(w, "invalid cid", http.StatusBadRequest)
		return
	}
	n, ok := s.Node.DAG.Get(cid)
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, n)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize: 1024, WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleEventsWS streams the event bus over a websocket as
// JSON records; each polled batch is acknowledged once the server has
// written it to the connection, so the subscriber's backlog bound applies
// per-connection.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.Log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	defer conn.Close()

	sub := s.Node.Events.Subscribe()
	defer s.Node.Events.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go drainClientReads(conn, cancel)

	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.Notify():
		}
		pending := sub.Poll()
		var lastOffset uint64
		for _, ev := range pending {
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
			lastOffset = ev.Offset
		}
		if lastOffset > 0 {
			sub.Ack(lastOffset)
		}
	}
}

// drainClientReads discards inbound frames (this is a publish-only stream)
// and cancels ctx once the client disconnects, matching the gorilla idiom
// of a dedicated read pump detecting close frames.
func drainClientReads(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

