package node

import (
	"encoding/json"
	"sync"
	"time"

	"governance-runtime/internal/codec"
	"governance-runtime/internal/dag"
	"governance-runtime/internal/engine"
	"governance-runtime/internal/errs"
	"governance-runtime/internal/events"
	"governance-runtime/internal/governance"
	"governance-runtime/internal/identity"
	"governance-runtime/internal/ledger"
	"governance-runtime/internal/observability"
)

// resourceAdapter bridges ledger.Ledger to engine.ResourcePolicy, scoping
// every check/record/allocate call to a single TokenID derived from the
// (tokenType, scope) pair the engine's host ABI carries per call. Allocate
// only checks that a synthetic "proposal:<id>" holder (the same "address
// as namespace" trick the teacher's core/storage.go uses for listing/deal
// keys) has at least amount; nothing is reserved or moved.
type resourceAdapter struct {
	ledger *ledger.Ledger
}

func (r *resourceAdapter) Check(did identity.DID, tokenType string, scope identity.Scope, amount uint64) bool {
	return r.ledger.Balance(did, ledger.TokenID{Type: tokenType, Scope: scope}) >= amount
}

func (r *resourceAdapter) Record(did identity.DID, tokenType string, scope identity.Scope, amount int64) error {
	tok := ledger.TokenID{Type: tokenType, Scope: scope}
	if amount >= 0 {
		r.ledger.Mint(did, tok, uint64(amount))
		return nil
	}
	return r.ledger.Burn(did, tok, uint64(-amount))
}

func (r *resourceAdapter) Allocate(proposalID, tokenType string, scope identity.Scope, amount uint64) error {
	tok := ledger.TokenID{Type: tokenType, Scope: scope}
	holder := identity.DID("proposal:" + proposalID)
	return r.ledger.Transfer(holder, holder, tok, amount) // no-op transfer validates availability without moving funds
}

// anchorAdapter bridges dag.Store to engine.Anchorer, giving every
// engine-originated anchor() call a signing identity distinct from the
// invoking caller: the node's own operator key, matching the teacher's
// convention that system-originated ledger writes (e.g. block rewards) are
// signed by the node, not impersonated as the submitter.
type anchorAdapter struct {
	store     *dag.Store
	hashAlg   codec.HashAlg
	signerDID identity.DID
	secret    identity.Secret
}

func (a *anchorAdapter) Anchor(kind uint8, tag string, data []byte, parents []codec.CID, issuer identity.DID, at time.Time) (codec.CID, error) {
	n, err := dag.New(dag.PayloadKind(kind), tag, data, parents, issuer, at)
	if err != nil {
		return codec.CID{}, err
	}
	sig, err := identity.Sign(a.secret, dag.SigningBytes(n))
	if err != nil {
		return codec.CID{}, errs.Wrap(errs.InternalError, "sign anchor node", err)
	}
	n.Signature = sig
	return a.store.Put(n)
}

// verifierAdapter narrows identity.Registry to engine.SignatureVerifier.
type verifierAdapter struct{ reg *identity.Registry }

func (v *verifierAdapter) Verify(did identity.DID, msg, sig []byte) bool { return v.reg.Verify(did, msg, sig) }

// Node is the single-process wiring of every subsystem: the execution
// engine, the DAG store, the resource ledger, the identity registry, and
// the event bus, plus the capability adapters connecting the engine's
// narrow interfaces to these concrete stores. It is the thing
// cmd/governanced and internal/api both hold a reference to.
type Node struct {
	DAG      *dag.Store
	Ledger   *ledger.Ledger
	Identity *identity.Registry
	Engine   *engine.Engine
	Events   *events.Bus
	Metrics  *observability.Metrics

	KV    *ScopedKV
	Blobs *DiskBlobStore

	hashAlg   codec.HashAlg
	signerDID identity.DID
	signer    identity.Secret

	mu           sync.RWMutex
	proposalRoot map[string]codec.CID
}

// Config collects the dependencies Node wires together; callers (typically
// cmd/governanced/main.go) construct each piece from internal/config first.
type Config struct {
	DAG       *dag.Store
	Ledger    *ledger.Ledger
	Identity  *identity.Registry
	Engine    *engine.Engine
	Events    *events.Bus
	Metrics   *observability.Metrics
	KV        *ScopedKV
	Blobs     *DiskBlobStore
	HashAlg   codec.HashAlg
	SignerDID identity.DID
	Signer    identity.Secret
}

func New(cfg Config) *Node {
	n := &Node{
		DAG: cfg.DAG, Ledger: cfg.Ledger, Identity: cfg.Identity, Engine: cfg.Engine,
		Events: cfg.Events, Metrics: cfg.Metrics, KV: cfg.KV, Blobs: cfg.Blobs,
		hashAlg: cfg.HashAlg, signerDID: cfg.SignerDID, signer: cfg.Signer,
		proposalRoot: make(map[string]codec.CID),
	}
	n.DAG.OnOrphanDropped(func(cid codec.CID) {
		n.Events.Publish(events.KindGap, events.GapPayload{Count: 1})
	})
	return n
}

// anchor signs and stores a node issued by did/secret, publishing a
// NodeStored event and indexing it under proposalID when non-empty.
func (n *Node) anchor(kind dag.PayloadKind, proposalID string, body interface{}, parents []codec.CID, did identity.DID, secret identity.Secret, at time.Time) (codec.CID, error) {
	node, err := dag.New(kind, "", mustJSON(body), parents, did, at)
	if err != nil {
		return codec.CID{}, err
	}
	if proposalID != "" {
		node.Metadata["proposal_id"] = proposalID
	}
	sig, err := identity.Sign(secret, dag.SigningBytes(node))
	if err != nil {
		return codec.CID{}, errs.Wrap(errs.InternalError, "sign node", err)
	}
	node.Signature = sig

	cid, err := n.DAG.Put(node)
	if err != nil {
		return codec.CID{}, err
	}
	n.Metrics.ObserveDAGNode(len(n.DAG.Tips()))
	n.Events.Publish(events.KindNodeStored, events.NodeStoredPayload{CID: cid, Issuer: did})
	return cid, nil
}

// PutSigned ingests a node a caller signed and anchored itself (the path
// every governctl command takes, since this process never holds a caller's
// private key). It performs the same bookkeeping anchor does for
// self-issued nodes: registering a new proposal's thread root and
// publishing the resulting state-change event.
func (n *Node) PutSigned(dn dag.Node) (codec.CID, error) {
	proposalID, tagged := proposalIDOf(dn)

	var before governance.Result
	if tagged {
		if existing, err := n.GetProposal(proposalID); err == nil {
			before = existing
		}
	}

	cid, err := n.DAG.Put(dn)
	if err != nil {
		return codec.CID{}, err
	}
	n.Metrics.ObserveDAGNode(len(n.DAG.Tips()))
	n.Events.Publish(events.KindNodeStored, events.NodeStoredPayload{CID: cid, Issuer: dn.Issuer})

	if dn.Payload.Kind == dag.KindProposal {
		var body ProposalBody
		if err := json.Unmarshal(dn.Payload.Data, &body); err == nil && body.ID != "" {
			n.mu.Lock()
			if _, exists := n.proposalRoot[body.ID]; !exists {
				n.proposalRoot[body.ID] = cid
			}
			n.mu.Unlock()
			n.publishStateChange(body.ID, "", governance.Submitted.String())
			return cid, nil
		}
	}

	if tagged {
		n.afterStateChange(proposalID, before.State)
	}
	return cid, nil
}

// SubmitProposal anchors a new Proposal node and registers it as the root of
// its own proposal thread.
func (n *Node) SubmitProposal(p governance.Proposal, did identity.DID, secret identity.Secret, at time.Time) (codec.CID, error) {
	body := ProposalBody{ID: p.ID, Description: p.Description, Quorum: p.Quorum, WindowStart: p.WindowStart, WindowEnd: p.WindowEnd}
	cid, err := n.anchor(dag.KindProposal, p.ID, body, nil, did, secret, at)
	if err != nil {
		return codec.CID{}, err
	}
	n.mu.Lock()
	n.proposalRoot[p.ID] = cid
	n.mu.Unlock()
	n.publishStateChange(p.ID, "", governance.Submitted.String())
	return cid, nil
}

// Vote anchors a Vote node referencing the current proposal tips as parents.
func (n *Node) Vote(proposalID string, voter identity.DID, approve bool, weight uint64, secret identity.Secret, at time.Time) (codec.CID, error) {
	before, err := n.GetProposal(proposalID)
	if err != nil {
		return codec.CID{}, err
	}
	parents, err := n.threadTips(proposalID)
	if err != nil {
		return codec.CID{}, err
	}
	cid, err := n.anchor(dag.KindVote, proposalID, VoteBody{ProposalID: proposalID, Approve: approve, Weight: weight}, parents, voter, secret, at)
	if err != nil {
		return codec.CID{}, err
	}
	n.afterStateChange(proposalID, before.State)
	return cid, nil
}

// Finalize anchors a Finalize node, admissible only once the voting window
// has closed (enforced by governance.Reduce, not here).
func (n *Node) Finalize(proposalID string, did identity.DID, secret identity.Secret, at time.Time) (codec.CID, error) {
	before, err := n.GetProposal(proposalID)
	if err != nil {
		return codec.CID{}, err
	}
	parents, err := n.threadTips(proposalID)
	if err != nil {
		return codec.CID{}, err
	}
	cid, err := n.anchor(dag.KindFinalize, proposalID, FinalizeBody{ProposalID: proposalID}, parents, did, secret, at)
	if err != nil {
		return codec.CID{}, err
	}
	n.afterStateChange(proposalID, before.State)
	return cid, nil
}

// Execute runs an approved proposal's wasm module and anchors both the
// Execute request and the resulting Receipt, rejecting a second Execute for
// the same proposal per governance.ValidateExecuteAdmissible.
func (n *Node) Execute(proposalID string, moduleCID codec.CID, moduleBytes []byte, entrypoint string, args []byte, budget engine.Budget, did identity.DID, secret identity.Secret, at time.Time) (engine.Receipt, error) {
	before, err := n.GetProposal(proposalID)
	if err != nil {
		return engine.Receipt{}, err
	}
	if err := governance.ValidateExecuteAdmissible(before); err != nil {
		return engine.Receipt{}, err
	}

	parents, err := n.threadTips(proposalID)
	if err != nil {
		return engine.Receipt{}, err
	}
	triggerCID, err := n.anchor(dag.KindExecute, proposalID, ExecuteBody{
		ProposalID: proposalID, ModuleCID: moduleCID.String(), Entrypoint: entrypoint, Args: args,
	}, parents, did, secret, at)
	if err != nil {
		return engine.Receipt{}, err
	}

	rec, ok := n.Identity.Lookup(did)
	callerScope := identity.ScopeIndividual
	if ok {
		callerScope = rec.Scope
	}

	env := engine.NewEnvironment(did, callerScope, budget, n.KV, n.Blobs,
		&anchorAdapter{store: n.DAG, hashAlg: n.hashAlg, signerDID: n.signerDID, secret: n.signer},
		&resourceAdapter{ledger: n.Ledger}, &verifierAdapter{reg: n.Identity})

	req := engine.InvocationRequest{
		ModuleCID: moduleCID, Entrypoint: entrypoint, Args: args, Budget: budget,
		CallerDID: did, CallerScope: callerScope,
	}
	receipt, err := n.Engine.Invoke(moduleBytes, req, env, triggerCID, n.signerDID, n.signer, at)
	if err != nil {
		return engine.Receipt{}, err
	}

	outcome := "failed"
	if receipt.Outcome.OK {
		outcome = "ok"
	}
	n.Metrics.ObserveInvocation(outcome, receipt.ConsumedFuel)
	n.Events.Publish(events.KindReceiptEmitted, events.ReceiptEmittedPayload{InvocationInputHash: receipt.InvocationInputHash, OK: receipt.Outcome.OK})

	receiptCID, err := n.anchor(dag.KindReceipt, proposalID, ReceiptBody{
		ProposalID: proposalID, OK: receipt.Outcome.OK, ReceiptCID: receipt.InvocationInputHash.String(),
	}, []codec.CID{triggerCID}, n.signerDID, n.signer, at)
	if err != nil {
		return receipt, err
	}
	_ = receiptCID
	n.afterStateChange(proposalID, before.State)
	return receipt, nil
}

// GetProposal folds every node in proposalID's thread into its current
// governance.Result.
func (n *Node) GetProposal(proposalID string) (governance.Result, error) {
	n.mu.RLock()
	_, ok := n.proposalRoot[proposalID]
	n.mu.RUnlock()
	if !ok {
		return governance.Result{}, errs.New(errs.NotFound, "unknown proposal "+proposalID)
	}

	var evs []governance.Event
	for _, cid := range n.DAG.WalkAll() {
		dnode, ok := n.DAG.Get(cid)
		if !ok {
			continue
		}
		if id, tagged := proposalIDOf(dnode); !tagged || id != proposalID {
			continue
		}
		ev, err := toGovernanceEvent(dnode)
		if err != nil {
			return governance.Result{}, err
		}
		evs = append(evs, ev)
	}
	return governance.Reduce(evs)
}

// threadTips returns the current tips of a proposal's thread — the DAG
// nodes tagged with proposalID that have no tagged child yet — so a new
// vote/finalize/execute node extends the thread rather than forking it.
func (n *Node) threadTips(proposalID string) ([]codec.CID, error) {
	n.mu.RLock()
	root, ok := n.proposalRoot[proposalID]
	n.mu.RUnlock()
	if !ok {
		return nil, errs.New(errs.NotFound, "unknown proposal "+proposalID)
	}
	tagged := map[string]codec.CID{}
	for _, cid := range n.DAG.WalkAll() {
		dnode, ok := n.DAG.Get(cid)
		if !ok {
			continue
		}
		if id, has := proposalIDOf(dnode); has && id == proposalID {
			tagged[string(cid.Bytes())] = cid
		}
	}
	if len(tagged) == 0 {
		return []codec.CID{root}, nil
	}
	var tips []codec.CID
	for _, cid := range tagged {
		hasTaggedChild := false
		for _, child := range n.DAG.Children(cid) {
			if _, has := tagged[string(child.Bytes())]; has {
				hasTaggedChild = true
				break
			}
		}
		if !hasTaggedChild {
			tips = append(tips, cid)
		}
	}
	if len(tips) == 0 {
		return []codec.CID{root}, nil
	}
	return tips, nil
}

func (n *Node) publishStateChange(proposalID, from, to string) {
	n.Events.Publish(events.KindProposalStateChanged, events.ProposalStateChangedPayload{ProposalID: proposalID, From: from, To: to})
}

func (n *Node) afterStateChange(proposalID string, before governance.State) {
	after, err := n.GetProposal(proposalID)
	if err != nil {
		return
	}
	if after.State != before {
		n.publishStateChange(proposalID, before.String(), after.State.String())
		n.Metrics.SetProposalCount(after.State.String(), 1)
	}
}

// Tips exposes the DAG's current tip set for the /tips API endpoint.
func (n *Node) Tips() []codec.CID { return n.DAG.Tips() }

// ThreadTips exposes a proposal's own thread tips so a client can anchor a
// new Vote/Finalize/Execute node as a direct extension of the thread rather
// than recomputing this package's tagging rule itself.
func (n *Node) ThreadTips(proposalID string) ([]codec.CID, error) { return n.threadTips(proposalID) }
