// Package signing binds memory records to a stable agent identity. An
// Ed25519 keypair on disk yields a did:key DID; records carry a base64
// signature over a canonical payload so provenance survives export.
package signing

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"signet/internal/memerr"
)

// multicodec prefix for an Ed25519 public key (0xed varint + length).
var ed25519Prefix = []byte{0xed, 0x01}

// Signer signs and verifies memory envelopes with one local keypair.
type Signer struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
	did  string
}

// Envelope is the signable subset of a memory record.
type Envelope struct {
	ID          string
	ContentHash string
	CreatedAt   string
}

// keypair presence is consulted on every auto-signed write; cache the
// stat result briefly so the hot path skips the filesystem.
const presenceTTL = 60 * time.Second

var (
	cacheMu       sync.Mutex
	presenceAt    time.Time
	presenceKnown bool
	presenceVal   bool

	// The DID never changes for a given key file; cache for the process
	// lifetime.
	didCache = make(map[string]string)
)

// resetSigningCache clears the presence and DID caches. Tests only.
func resetSigningCache() {
	cacheMu.Lock()
	defer cacheMu.Unlock()
	presenceKnown = false
	didCache = make(map[string]string)
}

// KeypairPresent reports whether a signing key exists at path. The
// answer is cached for a minute.
func KeypairPresent(path string) bool {
	cacheMu.Lock()
	defer cacheMu.Unlock()
	if presenceKnown && time.Since(presenceAt) < presenceTTL {
		return presenceVal
	}
	_, err := os.Stat(path)
	presenceKnown = true
	presenceAt = time.Now()
	presenceVal = err == nil
	return presenceVal
}

// Load reads the keypair at path. The file holds the base64 Ed25519
// seed.
func Load(path string) (*Signer, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read signing key: %w", err)
	}
	seed, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("signing key is not valid base64: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("signing key seed is %d bytes, want %d", len(seed), ed25519.SeedSize)
	}
	return fromSeed(path, seed)
}

// LoadOrCreate loads the keypair at path, generating and persisting a
// fresh one when absent.
func LoadOrCreate(path string) (*Signer, error) {
	if _, err := os.Stat(path); err == nil {
		return Load(path)
	}
	seed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("failed to generate signing key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create key directory: %w", err)
	}
	encoded := base64.StdEncoding.EncodeToString(seed)
	if err := os.WriteFile(path, []byte(encoded+"\n"), 0o600); err != nil {
		return nil, fmt.Errorf("failed to persist signing key: %w", err)
	}
	cacheMu.Lock()
	presenceKnown = false
	cacheMu.Unlock()
	return fromSeed(path, seed)
}

func fromSeed(path string, seed []byte) (*Signer, error) {
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)

	cacheMu.Lock()
	did, ok := didCache[path]
	cacheMu.Unlock()
	if !ok {
		did = EncodeDID(pub)
		cacheMu.Lock()
		didCache[path] = did
		cacheMu.Unlock()
	}
	return &Signer{priv: priv, pub: pub, did: did}, nil
}

// DID returns the signer's did:key identifier.
func (s *Signer) DID() string { return s.did }

// Sign produces the v2 signature for an envelope. It returns the
// base64 signature and the signer DID to store alongside the record.
func (s *Signer) Sign(env Envelope) (signature, signerDID string, err error) {
	payload, err := payloadV2(env.ID, env.ContentHash, env.CreatedAt, s.did)
	if err != nil {
		return "", "", err
	}
	sig := ed25519.Sign(s.priv, payload)
	return base64.StdEncoding.EncodeToString(sig), s.did, nil
}

// Verify checks a stored signature against its signer DID. The v2
// payload is tried first; v1 covers records signed before v2 existed.
// The error reports why verification failed; callers treat failure as
// a missing badge, never as a read failure.
func Verify(env Envelope, signature, signerDID string) error {
	pub, err := DecodeDID(signerDID)
	if err != nil {
		return err
	}
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return memerr.Wrap(memerr.CodeInvalidPayload, err, "signature is not valid base64")
	}

	if payload, err := payloadV2(env.ID, env.ContentHash, env.CreatedAt, signerDID); err == nil {
		if ed25519.Verify(pub, payload, sig) {
			return nil
		}
	}
	if ed25519.Verify(pub, payloadV1(env.ContentHash, env.CreatedAt, signerDID), sig) {
		return nil
	}
	return memerr.New(memerr.CodeInvalidPayload, "signature does not match record")
}

// payloadV2 builds the canonical v2 byte string
// id|content_hash|created_at|signer_did. Pipe characters in any field
// would make the encoding ambiguous and are rejected.
func payloadV2(id, contentHash, createdAt, did string) ([]byte, error) {
	for _, f := range []string{id, contentHash, createdAt, did} {
		if strings.ContainsRune(f, '|') {
			return nil, memerr.New(memerr.CodeInvalidPayload, "signable field contains a pipe character")
		}
	}
	if contentHash != strings.ToLower(contentHash) {
		return nil, memerr.New(memerr.CodeInvalidPayload, "content hash must be lowercase hex")
	}
	return []byte(id + "|" + contentHash + "|" + createdAt + "|" + did), nil
}

// payloadV1 is the legacy payload without the record id.
func payloadV1(contentHash, createdAt, did string) []byte {
	return []byte(contentHash + "|" + createdAt + "|" + did)
}

// EncodeDID derives the did:key identifier for an Ed25519 public key:
// multibase base58btc of the multicodec-prefixed key bytes.
func EncodeDID(pub ed25519.PublicKey) string {
	keyBytes := append(append([]byte{}, ed25519Prefix...), pub...)
	return "did:key:z" + base58Encode(keyBytes)
}

// DecodeDID recovers the Ed25519 public key from a did:key identifier.
func DecodeDID(did string) (ed25519.PublicKey, error) {
	const prefix = "did:key:z"
	if !strings.HasPrefix(did, prefix) {
		return nil, memerr.New(memerr.CodeInvalidPayload, "unsupported DID %q", did)
	}
	raw, err := base58Decode(did[len(prefix):])
	if err != nil {
		return nil, memerr.Wrap(memerr.CodeInvalidPayload, err, "malformed DID %q", did)
	}
	if len(raw) != len(ed25519Prefix)+ed25519.PublicKeySize ||
		raw[0] != ed25519Prefix[0] || raw[1] != ed25519Prefix[1] {
		return nil, memerr.New(memerr.CodeInvalidPayload, "DID %q is not an Ed25519 key", did)
	}
	return ed25519.PublicKey(raw[len(ed25519Prefix):]), nil
}
