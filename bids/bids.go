// Package bids implements the signed bid-proposal protocol: canonicalize
// a proposal's content fields, digest them, sign the digest off-chain,
// and later verify both the digest and the signature before a bid can
// bind a provider to an escrow.
package bids

import (
	"bytes"
	"context"
	"crypto/sha256"
	"strconv"
	"time"

	"github.com/multiformats/go-multibase"
	"github.com/stellance/ledger/ledger"
)

// Proposal is the content of an off-chain bid.
type Proposal struct {
	EscrowID     string   `json:"escrow_id"`
	Freelancer   string   `json:"freelancer"`
	Amount       float64  `json:"amount"`
	DeliveryDays int      `json:"delivery_days"`
	Text         string   `json:"text"`
	Links        []string `json:"links,omitempty"`
	Timestamp    int64    `json:"timestamp"`
}

// SignedProposal is a proposal plus its content digest and signature.
// It is immutable once created; changing any content field yields a
// different digest.
type SignedProposal struct {
	Proposal
	Hash      string `json:"hash"`
	Signature []byte `json:"signature"`
	Verified  bool   `json:"verified"`
}

// canonical returns the deterministic encoding the digest covers. Field
// order and formatting are fixed, and every field is length-prefixed so
// the encoding is injective: content cannot shift between fields (say,
// from the proposal text into a link) without changing the bytes.
func canonical(p Proposal) []byte {
	fields := []string{
		p.EscrowID,
		p.Freelancer,
		strconv.FormatFloat(p.Amount, 'f', 7, 64),
		strconv.Itoa(p.DeliveryDays),
		p.Text,
		strconv.Itoa(len(p.Links)),
	}
	fields = append(fields, p.Links...)
	fields = append(fields, strconv.FormatInt(p.Timestamp, 10))

	var buf bytes.Buffer
	for _, f := range fields {
		buf.WriteString(strconv.Itoa(len(f)))
		buf.WriteByte(':')
		buf.WriteString(f)
	}
	return buf.Bytes()
}

// Digest computes the content digest of a proposal.
func Digest(p Proposal) (string, error) {
	sum := sha256.Sum256(canonical(p))
	return multibase.Encode(multibase.Base32, sum[:])
}

// Sign canonicalizes and digests the proposal, then requests a signature
// over the digest from the signer. The proposal's freelancer address
// must be the signer's.
func Sign(ctx context.Context, p Proposal, signer ledger.Signer) (*SignedProposal, error) {
	if p.EscrowID == "" {
		return nil, ledger.Errorf(ledger.KindInvalidParams, "escrow id is required")
	}
	if p.Amount <= 0 {
		return nil, ledger.Errorf(ledger.KindInvalidParams, "bid amount must be positive")
	}
	if p.DeliveryDays <= 0 {
		return nil, ledger.Errorf(ledger.KindInvalidParams, "delivery days must be positive")
	}
	if p.Freelancer == "" {
		p.Freelancer = signer.PublicKey()
	} else if p.Freelancer != signer.PublicKey() {
		return nil, ledger.Errorf(ledger.KindInvalidParams, "freelancer address does not match signer")
	}
	if p.Timestamp == 0 {
		p.Timestamp = time.Now().Unix()
	}
	hash, err := Digest(p)
	if err != nil {
		return nil, err
	}
	sig, err := signer.SignMessage(ctx, []byte(hash))
	if err != nil {
		return nil, err
	}
	return &SignedProposal{Proposal: p, Hash: hash, Signature: sig, Verified: true}, nil
}

// Verify checks a signed proposal. The digest is recomputed from the
// current content fields; any mismatch with the stored hash fails
// immediately, flagging tampering. A matching digest is then checked
// cryptographically against the freelancer's address; a failed signature
// check rejects the bid unconditionally.
func Verify(sp *SignedProposal) error {
	hash, err := Digest(sp.Proposal)
	if err != nil {
		return err
	}
	if hash != sp.Hash {
		return ledger.Errorf(ledger.KindUnauthorized, "bid content does not match its signed digest")
	}
	pub, err := ledger.DecodeAddress(sp.Freelancer)
	if err != nil {
		return err
	}
	ok, err := pub.Verify([]byte(sp.Hash), sp.Signature)
	if err != nil {
		return ledger.WrapError(ledger.KindUnauthorized, err, "verifying bid signature")
	}
	if !ok {
		return ledger.Errorf(ledger.KindUnauthorized, "bid signature verification failed")
	}
	return nil
}
