package model

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"

	"github.com/google/uuid"
)

// KeyType identifies the signature scheme of a system key.
type KeyType uint64

// KeyTypeEd25519 is the only signature scheme currently supported.
const KeyTypeEd25519 KeyType = 1

// PublicKey identifies a system. It is immutable once created.
type PublicKey struct {
	KeyType KeyType
	Key     []byte
}

// PrivateKey is the signing half of a system identity.
// Key holds the 32-byte ed25519 seed.
type PrivateKey struct {
	KeyType KeyType
	Key     []byte
}

// GeneratePrivateKey creates a new ed25519 identity using r, or
// crypto/rand when r is nil.
func GeneratePrivateKey(r io.Reader) (PrivateKey, error) {
	if r == nil {
		r = rand.Reader
	}
	seed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(r, seed); err != nil {
		return PrivateKey{}, fmt.Errorf("generate private key: %w", err)
	}
	return PrivateKey{KeyType: KeyTypeEd25519, Key: seed}, nil
}

// PrivateKeyFromSeed builds an ed25519 private key from a 32-byte seed.
func PrivateKeyFromSeed(seed []byte) (PrivateKey, error) {
	if len(seed) != ed25519.SeedSize {
		return PrivateKey{}, fmt.Errorf("private key seed: want %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	return PrivateKey{KeyType: KeyTypeEd25519, Key: bytes.Clone(seed)}, nil
}

// PublicKey derives the system identifier for k.
func (k PrivateKey) PublicKey() (PublicKey, error) {
	if k.KeyType != KeyTypeEd25519 {
		return PublicKey{}, fmt.Errorf("unsupported key type %d", k.KeyType)
	}
	if len(k.Key) != ed25519.SeedSize {
		return PublicKey{}, fmt.Errorf("private key: want %d bytes, got %d", ed25519.SeedSize, len(k.Key))
	}
	priv := ed25519.NewKeyFromSeed(k.Key)
	return PublicKey{
		KeyType: KeyTypeEd25519,
		Key:     bytes.Clone(priv.Public().(ed25519.PublicKey)),
	}, nil
}

// Sign signs msg with k.
func (k PrivateKey) Sign(msg []byte) ([]byte, error) {
	if k.KeyType != KeyTypeEd25519 {
		return nil, fmt.Errorf("unsupported key type %d", k.KeyType)
	}
	if len(k.Key) != ed25519.SeedSize {
		return nil, fmt.Errorf("private key: want %d bytes, got %d", ed25519.SeedSize, len(k.Key))
	}
	return ed25519.Sign(ed25519.NewKeyFromSeed(k.Key), msg), nil
}

// Verify reports whether sig is a valid signature of msg by k.
func (k PublicKey) Verify(msg, sig []byte) bool {
	if k.KeyType != KeyTypeEd25519 || len(k.Key) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(k.Key), msg, sig)
}

// Equal reports whether k and o identify the same system.
func (k PublicKey) Equal(o PublicKey) bool {
	return k.KeyType == o.KeyType && bytes.Equal(k.Key, o.Key)
}

// IsZero reports whether k is unset.
func (k PublicKey) IsZero() bool {
	return k.KeyType == 0 && len(k.Key) == 0
}

// String returns the system link: the base64url encoding of the key's
// wire form.
func (k PublicKey) String() string {
	return base64.RawURLEncoding.EncodeToString(k.Marshal())
}

// ParsePublicKey parses a system link produced by PublicKey.String.
func ParsePublicKey(s string) (PublicKey, error) {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return PublicKey{}, fmt.Errorf("parse system: %w", err)
	}
	k, err := UnmarshalPublicKey(raw)
	if err != nil {
		return PublicKey{}, fmt.Errorf("parse system: %w", err)
	}
	return k, nil
}

func (k PublicKey) validate() error {
	if k.KeyType == KeyTypeEd25519 && len(k.Key) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: ed25519 key has %d bytes", ErrMalformedEvent, len(k.Key))
	}
	if len(k.Key) == 0 {
		return fmt.Errorf("%w: empty system key", ErrMalformedEvent)
	}
	if len(k.Key) > 0xffff {
		return fmt.Errorf("%w: system key too long", ErrMalformedEvent)
	}
	return nil
}

// ProcessSize is the length of a process identifier in bytes.
const ProcessSize = 16

// Process identifies one append-only log of a system, usually one device.
type Process [ProcessSize]byte

// NewProcess returns a fresh random process identifier.
func NewProcess() Process {
	return Process(uuid.New())
}

// ProcessFromBytes copies b into a Process.
func ProcessFromBytes(b []byte) (Process, error) {
	var p Process
	if len(b) != ProcessSize {
		return p, fmt.Errorf("%w: process has %d bytes", ErrMalformedEvent, len(b))
	}
	copy(p[:], b)
	return p, nil
}

// Compare orders processes bytewise.
func (p Process) Compare(o Process) int {
	return bytes.Compare(p[:], o[:])
}

func (p Process) String() string {
	return base64.RawURLEncoding.EncodeToString(p[:])
}

// ParseProcess parses the base64url form produced by Process.String.
func ParseProcess(s string) (Process, error) {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return Process{}, fmt.Errorf("parse process: %w", err)
	}
	return ProcessFromBytes(raw)
}
