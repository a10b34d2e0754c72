package solana

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"

	"github.com/mr-tron/base58"
)

const (
	PublicKeySize = 32
	SignatureSize = 64
)

// PublicKey is a 32-byte account address.
type PublicKey [PublicKeySize]byte

// Well-known program and sysvar addresses.
var (
	SystemProgramID = MustPublicKey("11111111111111111111111111111111")
	TokenProgramID  = MustPublicKey("TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA")
	SysvarRentID    = MustPublicKey("SysvarRent111111111111111111111111111111111")
	WrappedSOLMint  = MustPublicKey("So11111111111111111111111111111111111111112")
)

// PublicKeyFromBase58 parses a base58 encoded address.
func PublicKeyFromBase58(s string) (PublicKey, error) {
	var pk PublicKey
	b, err := base58.Decode(s)
	if err != nil {
		return pk, fmt.Errorf("decode public key %q: %w", s, err)
	}
	if len(b) != PublicKeySize {
		return pk, fmt.Errorf("public key %q: invalid length %d", s, len(b))
	}
	copy(pk[:], b)
	return pk, nil
}

// MustPublicKey panics on malformed input. Use only for constants.
func MustPublicKey(s string) PublicKey {
	pk, err := PublicKeyFromBase58(s)
	if err != nil {
		panic(err)
	}
	return pk
}

// PublicKeyFromBytes copies the first 32 bytes of b.
func PublicKeyFromBytes(b []byte) PublicKey {
	var pk PublicKey
	copy(pk[:], b)
	return pk
}

func (pk PublicKey) String() string {
	return base58.Encode(pk[:])
}

func (pk PublicKey) IsZero() bool {
	return pk == PublicKey{}
}

func (pk PublicKey) Equals(other PublicKey) bool {
	return bytes.Equal(pk[:], other[:])
}

func (pk PublicKey) MarshalText() ([]byte, error) {
	return []byte(pk.String()), nil
}

func (pk *PublicKey) UnmarshalText(text []byte) error {
	parsed, err := PublicKeyFromBase58(string(text))
	if err != nil {
		return err
	}
	*pk = parsed
	return nil
}

// Hash is a recent blockhash.
type Hash = PublicKey

// HashFromBase58 parses a base58 blockhash.
func HashFromBase58(s string) (Hash, error) {
	return PublicKeyFromBase58(s)
}

// Signature is an ed25519 transaction signature; the first signature
// of a transaction doubles as its id on the network.
type Signature [SignatureSize]byte

func SignatureFromBase58(s string) (Signature, error) {
	var sig Signature
	b, err := base58.Decode(s)
	if err != nil {
		return sig, fmt.Errorf("decode signature: %w", err)
	}
	if len(b) != SignatureSize {
		return sig, fmt.Errorf("signature: invalid length %d", len(b))
	}
	copy(sig[:], b)
	return sig, nil
}

func (s Signature) String() string {
	return base58.Encode(s[:])
}

func (s Signature) IsZero() bool {
	return s == Signature{}
}

// Keypair holds an ed25519 signing key in memory. It is never persisted.
type Keypair struct {
	private ed25519.PrivateKey
}

// NewKeypair generates a fresh random keypair.
func NewKeypair() (Keypair, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return Keypair{}, err
	}
	return Keypair{private: priv}, nil
}

// KeypairFromBytes accepts the 64-byte secret key layout used by
// solana-keygen files (seed followed by public key).
func KeypairFromBytes(b []byte) (Keypair, error) {
	switch len(b) {
	case ed25519.PrivateKeySize:
		priv := make(ed25519.PrivateKey, ed25519.PrivateKeySize)
		copy(priv, b)
		return Keypair{private: priv}, nil
	case ed25519.SeedSize:
		return Keypair{private: ed25519.NewKeyFromSeed(b)}, nil
	default:
		return Keypair{}, fmt.Errorf("keypair: invalid secret length %d", len(b))
	}
}

// LoadKeypairFromSecrets reads a JSON secrets file of the form
// {"<name>": [n0, n1, ... n63]}.
func LoadKeypairFromSecrets(path, name string) (Keypair, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Keypair{}, err
	}
	var raw map[string][]int
	if err := json.Unmarshal(data, &raw); err != nil {
		return Keypair{}, fmt.Errorf("parse secrets file: %w", err)
	}
	values, ok := raw[name]
	if !ok {
		return Keypair{}, fmt.Errorf("secret %q not found in %s", name, path)
	}
	secret := make([]byte, len(values))
	for i, n := range values {
		if n < 0 || n > 255 {
			return Keypair{}, fmt.Errorf("secret %q: byte %d out of range", name, i)
		}
		secret[i] = byte(n)
	}
	return KeypairFromBytes(secret)
}

func (k Keypair) PublicKey() PublicKey {
	return PublicKeyFromBytes(k.private.Public().(ed25519.PublicKey))
}

func (k Keypair) Sign(message []byte) Signature {
	var sig Signature
	copy(sig[:], ed25519.Sign(k.private, message))
	return sig
}

// Verify reports whether sig is a valid signature of message by pk.
func Verify(pk PublicKey, message []byte, sig Signature) bool {
	return ed25519.Verify(ed25519.PublicKey(pk[:]), message, sig[:])
}
