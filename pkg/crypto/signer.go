// Package crypto provides the ed25519 signer used for receipts and event
// envelopes. The engine treats signing and verification as pure calls; retry
// policy belongs to callers.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/swapcycle/clearing/pkg/canonicalize"
	"github.com/swapcycle/clearing/pkg/contracts"
)

// Signer signs and verifies engine artifacts.
type Signer interface {
	Sign(data []byte) (string, error)
	Verify(data []byte, sigHex string) (bool, error)
	PublicKey() string
	KeyID() string
	SignReceipt(r *contracts.SwapReceipt) error
	VerifyReceipt(r *contracts.SwapReceipt) (bool, error)
}

// Ed25519Signer is the default Signer implementation.
type Ed25519Signer struct {
	privKey ed25519.PrivateKey
	pubKey  ed25519.PublicKey
	keyID   string
}

// NewEd25519Signer generates a fresh keypair under the given key id.
func NewEd25519Signer(keyID string) (*Ed25519Signer, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("key generation failed: %w", err)
	}
	return &Ed25519Signer{privKey: priv, pubKey: pub, keyID: keyID}, nil
}

// NewEd25519SignerFromKey wraps an existing private key.
func NewEd25519SignerFromKey(priv ed25519.PrivateKey, keyID string) *Ed25519Signer {
	return &Ed25519Signer{
		privKey: priv,
		pubKey:  priv.Public().(ed25519.PublicKey),
		keyID:   keyID,
	}
}

func (s *Ed25519Signer) Sign(data []byte) (string, error) {
	return hex.EncodeToString(ed25519.Sign(s.privKey, data)), nil
}

func (s *Ed25519Signer) Verify(data []byte, sigHex string) (bool, error) {
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return false, fmt.Errorf("invalid signature hex: %w", err)
	}
	return ed25519.Verify(s.pubKey, data, sig), nil
}

func (s *Ed25519Signer) PublicKey() string {
	return hex.EncodeToString(s.pubKey)
}

func (s *Ed25519Signer) KeyID() string { return s.keyID }

// SignReceipt signs the canonical form of the receipt minus its signature
// fields and records signature and signer key on the receipt.
func (s *Ed25519Signer) SignReceipt(r *contracts.SwapReceipt) error {
	payload, err := receiptSigningPayload(r)
	if err != nil {
		return err
	}
	sig, err := s.Sign(payload)
	if err != nil {
		return err
	}
	r.Signature = sig
	r.SignerKey = s.keyID
	return nil
}

// VerifyReceipt checks the receipt signature against the signer's public key.
func (s *Ed25519Signer) VerifyReceipt(r *contracts.SwapReceipt) (bool, error) {
	if r.Signature == "" {
		return false, nil
	}
	payload, err := receiptSigningPayload(r)
	if err != nil {
		return false, err
	}
	return s.Verify(payload, r.Signature)
}

// receiptSigningPayload canonicalizes the receipt with signature fields
// cleared so signing and verification observe identical bytes.
func receiptSigningPayload(r *contracts.SwapReceipt) ([]byte, error) {
	unsigned := *r
	unsigned.Signature = ""
	unsigned.SignerKey = ""
	b, err := canonicalize.JCS(&unsigned)
	if err != nil {
		return nil, fmt.Errorf("canonicalize receipt: %w", err)
	}
	return b, nil
}

// VerifyWithKey verifies a signature against a hex-encoded public key, for
// consumers that hold only the published key.
func VerifyWithKey(pubKeyHex, sigHex string, data []byte) (bool, error) {
	pubKey, err := hex.DecodeString(pubKeyHex)
	if err != nil {
		return false, fmt.Errorf("invalid public key hex: %w", err)
	}
	if len(pubKey) != ed25519.PublicKeySize {
		return false, fmt.Errorf("invalid public key size")
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return false, fmt.Errorf("invalid signature hex: %w", err)
	}
	return ed25519.Verify(ed25519.PublicKey(pubKey), data, sig), nil
}
