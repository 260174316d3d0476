package node

import (
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"governance-runtime/internal/errs"
	"governance-runtime/internal/identity"
)

// GenesisIdentity is one pre-registered participant a deployment seeds its
// identity registry with at startup, mirroring the teacher's genesis-block
// loading in core/ledger.go (NewLedger applying cfg.GenesisBlock before
// replaying the WAL) generalized from account balances to DID records.
type GenesisIdentity struct {
	DID          identity.DID    `json:"did"`
	Scope        identity.Scope  `json:"scope"`
	Algorithm    identity.Algorithm `json:"algorithm"`
	PublicKeyHex string          `json:"public_key_hex"`
}

// Genesis is the full set of participants a federation starts from.
type Genesis struct {
	Identities []GenesisIdentity `json:"identities"`
}

// LoadGenesis reads a genesis file from disk. A missing path is not an
// error: a brand new single-operator deployment has nothing to seed beyond
// its own operator identity.
func LoadGenesis(path string) (Genesis, error) {
	if path == "" {
		return Genesis{}, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Genesis{}, nil
	}
	if err != nil {
		return Genesis{}, errs.Wrap(errs.InternalError, "read genesis file", err)
	}
	var g Genesis
	if err := json.Unmarshal(data, &g); err != nil {
		return Genesis{}, errs.Wrap(errs.MalformedEncoding, "decode genesis file", err)
	}
	return g, nil
}

// decodePublicKey parses a genesis entry's hex-encoded public key under its
// declared algorithm.
func decodePublicKey(alg identity.Algorithm, hexKey string) (identity.PublicKey, error) {
	raw, err := hex.DecodeString(hexKey)
	if err != nil {
		return identity.PublicKey{}, errs.Wrap(errs.MalformedEncoding, "decode genesis public key", err)
	}
	switch alg {
	case identity.AlgEd25519:
		return identity.PublicKey{Algorithm: alg, Ed25519: raw}, nil
	case identity.AlgSecp256k1:
		pub, err := secp256k1.ParsePubKey(raw)
		if err != nil {
			return identity.PublicKey{}, errs.Wrap(errs.MalformedEncoding, "parse secp256k1 genesis key", err)
		}
		return identity.PublicKey{Algorithm: alg, Secp256k1: pub}, nil
	default:
		return identity.PublicKey{}, errs.New(errs.MalformedEncoding, "unsupported genesis key algorithm "+string(alg))
	}
}

// ApplyGenesis registers every genesis identity into reg at t. A duplicate
// DID (e.g. the operator's own identity already registered) is tolerated,
// matching the teacher's idempotent genesis-replay semantics.
func ApplyGenesis(reg *identity.Registry, g Genesis, t time.Time) error {
	for _, gi := range g.Identities {
		pub, err := decodePublicKey(gi.Algorithm, gi.PublicKeyHex)
		if err != nil {
			return err
		}
		if err := reg.Register(gi.DID, pub, gi.Scope, t); err != nil && errs.KindOf(err) != errs.PolicyViolation {
			return err
		}
	}
	return nil
}

// OperatorKey is the node's own persisted signing identity, stored as a
// small JSON keyfile on disk across restarts. A production deployment would
// back this with an OS keychain or HSM via capability.KeyStore; this local
// file is the bootstrap path for a single-operator development node.
type OperatorKey struct {
	DID       identity.DID `json:"did"`
	Algorithm identity.Algorithm `json:"algorithm"`
	KeyHex    string       `json:"key_hex"`
}

// LoadOrCreateOperatorKey reads the operator keyfile at path, generating and
// persisting a fresh ed25519 identity if none exists yet.
func LoadOrCreateOperatorKey(path string) (identity.DID, identity.Secret, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		var ok OperatorKey
		if err := json.Unmarshal(data, &ok); err != nil {
			return "", identity.Secret{}, errs.Wrap(errs.MalformedEncoding, "decode operator keyfile", err)
		}
		raw, err := hex.DecodeString(ok.KeyHex)
		if err != nil {
			return "", identity.Secret{}, errs.Wrap(errs.MalformedEncoding, "decode operator key hex", err)
		}
		return ok.DID, identity.Secret{Algorithm: ok.Algorithm, Ed25519: raw}, nil
	}
	if !os.IsNotExist(err) {
		return "", identity.Secret{}, errs.Wrap(errs.InternalError, "read operator keyfile", err)
	}

	did, secret, err := identity.Generate(identity.AlgEd25519)
	if err != nil {
		return "", identity.Secret{}, err
	}
	out := OperatorKey{DID: did, Algorithm: secret.Algorithm, KeyHex: hex.EncodeToString(secret.Ed25519)}
	buf, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return "", identity.Secret{}, errs.Wrap(errs.InternalError, "encode operator keyfile", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return "", identity.Secret{}, errs.Wrap(errs.InternalError, "create operator keyfile directory", err)
		}
	}
	if err := os.WriteFile(path, buf, 0o600); err != nil {
		return "", identity.Secret{}, errs.Wrap(errs.InternalError, "write operator keyfile", err)
	}
	return did, secret, nil
}
