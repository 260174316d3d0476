// Package ledger implements the resource & policy ledger: scoped-token
// balance tracking, per-invocation transactional authorize/record, and
// quota policy enforcement. Grounded on the teacher's Coin/ledger balance
// bookkeeping (core/common_structs.go Coin, core/ledger.go balance maps),
// generalized from a single native coin to the (type, scope)-keyed token
// model of spec.md §3.
package ledger

import (
	"sync"

	"governance-runtime/internal/errs"
	"governance-runtime/internal/identity"
)

// TokenID identifies a resource token by its type and scope, per spec.md
// §3: a token is identified by (type, scope).
type TokenID struct {
	Type  string
	Scope identity.Scope
}

// Policy bounds usage of a token type for a given scope: a minimum quota, a
// maximum burst, and a rate window (seconds). Policies are declared per
// (scope, token_type) with SetPolicy, which places no restriction on who
// changes them. Only MaxBurst is enforced (by Txn.Authorize); MinQuota and
// RateWindowSec are stored but not checked.
type Policy struct {
	MinQuota      uint64
	MaxBurst      uint64
	RateWindowSec uint64
}

// Ledger is the mutable (owner_did, token_id) -> balance index plus
// per-invocation transaction state. The ledger requires serializable
// transactions per (did, token); this implementation uses one mutex per
// key, matching the teacher's per-address locking style in memState.
type Ledger struct {
	mu        sync.Mutex
	keyLocks  map[string]*sync.Mutex
	balances  map[string]uint64 // "did|type|scope" -> balance
	minted    map[string]uint64 // token key -> sum of mints
	burned    map[string]uint64 // token key -> sum of burns
	policies  map[string]Policy // "scope|type" -> policy
}

func New() *Ledger {
	return &Ledger{
		keyLocks: make(map[string]*sync.Mutex),
		balances: make(map[string]uint64),
		minted:   make(map[string]uint64),
		burned:   make(map[string]uint64),
		policies: make(map[string]Policy),
	}
}

func balanceKey(did identity.DID, tok TokenID) string {
	return string(did) + "|" + tok.Type + "|" + string(tok.Scope)
}

func tokenKey(tok TokenID) string { return tok.Type + "|" + string(tok.Scope) }

func policyKey(scope identity.Scope, tokenType string) string { return string(scope) + "|" + tokenType }

func (l *Ledger) lockFor(key string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.keyLocks[key]
	if !ok {
		m = &sync.Mutex{}
		l.keyLocks[key] = m
	}
	return m
}

// SetPolicy declares the quota policy for a (scope, token_type) pair.
func (l *Ledger) SetPolicy(scope identity.Scope, tokenType string, p Policy) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.policies[policyKey(scope, tokenType)] = p
}

func (l *Ledger) policyFor(scope identity.Scope, tokenType string) (Policy, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.policies[policyKey(scope, tokenType)]
	return p, ok
}

// Balance returns the current balance of tok held by did.
func (l *Ledger) Balance(did identity.DID, tok TokenID) uint64 {
	key := balanceKey(did, tok)
	lock := l.lockFor(key)
	lock.Lock()
	defer lock.Unlock()
	return l.balances[key]
}

// Mint credits amount of tok to did, recording it against the conservation
// invariant (sum of balances == sum of mints - sum of burns).
func (l *Ledger) Mint(did identity.DID, tok TokenID, amount uint64) {
	key := balanceKey(did, tok)
	lock := l.lockFor(key)
	lock.Lock()
	l.balances[key] += amount
	lock.Unlock()

	l.mu.Lock()
	l.minted[tokenKey(tok)] += amount
	l.mu.Unlock()
}

// Burn debits amount of tok from did, failing with InsufficientBalance on
// overdraft.
func (l *Ledger) Burn(did identity.DID, tok TokenID, amount uint64) error {
	key := balanceKey(did, tok)
	lock := l.lockFor(key)
	lock.Lock()
	if l.balances[key] < amount {
		lock.Unlock()
		return errs.New(errs.InsufficientBalance, "burn exceeds balance")
	}
	l.balances[key] -= amount
	lock.Unlock()

	l.mu.Lock()
	l.burned[tokenKey(tok)] += amount
	l.mu.Unlock()
	return nil
}

// Transfer moves amount of tok from from to to, balance-preserving.
func (l *Ledger) Transfer(from, to identity.DID, tok TokenID, amount uint64) error {
	// Lock ordering by key string prevents deadlock between concurrent
	// transfers that cross the same two accounts in opposite directions.
	fromKey, toKey := balanceKey(from, tok), balanceKey(to, tok)
	first, second := l.lockFor(fromKey), l.lockFor(toKey)
	if fromKey > toKey {
		first, second = second, first
	}
	first.Lock()
	defer first.Unlock()
	if first != second {
		second.Lock()
		defer second.Unlock()
	}

	if l.balances[fromKey] < amount {
		return errs.New(errs.InsufficientBalance, "transfer exceeds balance")
	}
	l.balances[fromKey] -= amount
	l.balances[toKey] += amount
	return nil
}

// ConservationCheck returns the conservation invariant's two sides for a
// token, for use in tests and audits: sum of balances, and (mints - burns).
func (l *Ledger) ConservationCheck(tok TokenID, allOwners []identity.DID) (balanceSum uint64, netIssuance int64) {
	for _, o := range allOwners {
		balanceSum += l.Balance(o, tok)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	key := tokenKey(tok)
	netIssuance = int64(l.minted[key]) - int64(l.burned[key])
	return balanceSum, netIssuance
}

// Txn is a transactional envelope over a single invocation's ledger
// operations: begin/authorize/record/commit/rollback. It is not isolated
// from other invocations: Record debits the ledger at once, and Rollback
// re-credits what was debited.
type Txn struct {
	ledger  *Ledger
	did     identity.DID
	scope   identity.Scope
	tok     TokenID
	held    uint64 // amount authorized but not yet recorded
	applied uint64 // amount actually debited so far (for rollback)
	done    bool
}

// Begin opens a transaction scoped to a single (did, token) pair. scope is
// the invoker's identity scope, used to resolve the (scope, token_type)
// policy that bounds this transaction.
func (l *Ledger) Begin(did identity.DID, scope identity.Scope, tok TokenID) *Txn {
	return &Txn{ledger: l, did: did, scope: scope, tok: tok}
}

// Authorize checks that amount is available without debiting it yet,
// failing with InsufficientBalance if the balance would be exceeded and
// with PolicyViolation if the policy's MaxBurst would be.
func (t *Txn) Authorize(amount uint64) error {
	if t.done {
		return errs.New(errs.InternalError, "transaction already finished")
	}
	bal := t.ledger.Balance(t.did, t.tok)
	if bal < t.held+amount {
		return errs.New(errs.InsufficientBalance, "authorize exceeds available balance")
	}
	if p, ok := t.ledger.policyFor(t.scope, t.tok.Type); ok && p.MaxBurst > 0 {
		if t.held+amount > p.MaxBurst {
			return errs.New(errs.PolicyViolation, "exceeds max burst policy")
		}
	}
	t.held += amount
	return nil
}

// Record commits amount as actually spent within this transaction,
// debiting the ledger immediately so concurrent transactions observe it.
func (t *Txn) Record(amount uint64) error {
	if t.done {
		return errs.New(errs.InternalError, "transaction already finished")
	}
	if err := t.ledger.Burn(t.did, t.tok, amount); err != nil {
		return err
	}
	t.applied += amount
	return nil
}

// Commit finalizes the transaction; recorded amounts remain applied.
func (t *Txn) Commit() error {
	t.done = true
	return nil
}

// Rollback reverses every amount recorded in this transaction (re-minting
// it back to the holder) and discards any outstanding authorization.
func (t *Txn) Rollback() error {
	if t.applied > 0 {
		t.ledger.Mint(t.did, t.tok, t.applied)
	}
	t.done = true
	return nil
}
