package ledger

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"fmt"

	"github.com/libp2p/go-libp2p-core/crypto"
	"github.com/multiformats/go-multibase"
)

// LocalSigner is a Signer backed by an in-process ed25519 key. Production
// deployments supply a wallet-backed Signer instead; LocalSigner exists for
// tooling and tests.
type LocalSigner struct {
	sk      crypto.PrivKey
	address string
}

var _ Signer = (*LocalSigner)(nil)

// NewLocalSigner creates a signer with a fresh ed25519 key.
func NewLocalSigner() (*LocalSigner, error) {
	sk, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating key: %v", err)
	}
	return LocalSignerFromKey(sk)
}

// LocalSignerFromKey creates a signer from an existing private key.
func LocalSignerFromKey(sk crypto.PrivKey) (*LocalSigner, error) {
	address, err := EncodeAddress(sk.GetPublic())
	if err != nil {
		return nil, fmt.Errorf("encoding address: %v", err)
	}
	return &LocalSigner{sk: sk, address: address}, nil
}

// LocalSignerFromString recovers a signer from an encoded private key.
func LocalSignerFromString(key string) (*LocalSigner, error) {
	_, raw, err := multibase.Decode(key)
	if err != nil {
		return nil, fmt.Errorf("decoding key: %v", err)
	}
	sk, err := crypto.UnmarshalPrivateKey(raw)
	if err != nil {
		return nil, fmt.Errorf("unmarshaling key: %v", err)
	}
	return LocalSignerFromKey(sk)
}

// String returns the encoded private key.
func (s *LocalSigner) String() (string, error) {
	raw, err := crypto.MarshalPrivateKey(s.sk)
	if err != nil {
		return "", err
	}
	return multibase.Encode(multibase.Base32, raw)
}

// PublicKey returns the signer's account address.
func (s *LocalSigner) PublicKey() string {
	return s.address
}

// Sign signs the envelope digest.
func (s *LocalSigner) Sign(_ context.Context, env *Envelope) (*SignedEnvelope, error) {
	digest, err := EnvelopeDigest(env)
	if err != nil {
		return nil, err
	}
	sig, err := s.sk.Sign(digest)
	if err != nil {
		return nil, WrapError(KindWallet, err, "signing envelope")
	}
	return &SignedEnvelope{Envelope: *env, Signatures: [][]byte{sig}}, nil
}

// SignMessage signs an arbitrary message.
func (s *LocalSigner) SignMessage(_ context.Context, msg []byte) ([]byte, error) {
	sig, err := s.sk.Sign(msg)
	if err != nil {
		return nil, WrapError(KindWallet, err, "signing message")
	}
	return sig, nil
}

// EnvelopeDigest returns the deterministic digest an envelope signature
// covers.
func EnvelopeDigest(env *Envelope) ([]byte, error) {
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encoding envelope: %v", err)
	}
	digest := sha256.Sum256(raw)
	return digest[:], nil
}
