package bids

import (
	"context"
	"os"
	"testing"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/stellance/ledger/ledger"
	"github.com/stretchr/testify/require"
)

var ctx = context.Background()

func TestMain(m *testing.M) {
	logging.SetAllLoggers(logging.LevelError)
	os.Exit(m.Run())
}

func requireSigner(t *testing.T) *ledger.LocalSigner {
	signer, err := ledger.NewLocalSigner()
	require.NoError(t, err)
	return signer
}

func proposal() Proposal {
	return Proposal{
		EscrowID:     "ESC1",
		Amount:       1200.50,
		DeliveryDays: 14,
		Text:         "I can deliver this in two weeks.",
		Links:        []string{"https://example.com/portfolio", "https://example.com/cv"},
	}
}

func TestDigestIsDeterministic(t *testing.T) {
	p := proposal()
	p.Freelancer = "FREELANCER"
	p.Timestamp = 1700000000

	h1, err := Digest(p)
	require.NoError(t, err)
	h2, err := Digest(p)
	require.NoError(t, err)
	require.Equal(t, h1, h2)

	p.Amount += 0.0000001
	h3, err := Digest(p)
	require.NoError(t, err)
	require.NotEqual(t, h1, h3)
}

func TestSignAndVerify(t *testing.T) {
	signer := requireSigner(t)
	signed, err := Sign(ctx, proposal(), signer)
	require.NoError(t, err)
	require.Equal(t, signer.PublicKey(), signed.Freelancer)
	require.NotEmpty(t, signed.Hash)
	require.NotEmpty(t, signed.Signature)
	require.NotZero(t, signed.Timestamp)
	require.True(t, signed.Verified)

	require.NoError(t, Verify(signed))
}

func TestSignValidation(t *testing.T) {
	signer := requireSigner(t)

	p := proposal()
	p.EscrowID = ""
	_, err := Sign(ctx, p, signer)
	require.Error(t, err)
	require.Equal(t, ledger.KindInvalidParams, ledger.KindOf(err))

	p = proposal()
	p.Amount = 0
	_, err = Sign(ctx, p, signer)
	require.Error(t, err)

	p = proposal()
	p.DeliveryDays = -1
	_, err = Sign(ctx, p, signer)
	require.Error(t, err)
}

func TestSignRejectsForeignFreelancer(t *testing.T) {
	signer := requireSigner(t)
	other := requireSigner(t)

	p := proposal()
	p.Freelancer = other.PublicKey()
	_, err := Sign(ctx, p, signer)
	require.Error(t, err)
	require.Equal(t, ledger.KindInvalidParams, ledger.KindOf(err))
}

func TestVerifyDetectsTampering(t *testing.T) {
	signer := requireSigner(t)
	signed, err := Sign(ctx, proposal(), signer)
	require.NoError(t, err)

	tampers := map[string]func(*SignedProposal){
		"amount":    func(sp *SignedProposal) { sp.Amount = 800 },
		"days":      func(sp *SignedProposal) { sp.DeliveryDays = 7 },
		"text":      func(sp *SignedProposal) { sp.Text = "changed" },
		"escrow":    func(sp *SignedProposal) { sp.EscrowID = "ESC2" },
		"links":     func(sp *SignedProposal) { sp.Links = append(sp.Links, "https://evil.example") },
		"timestamp": func(sp *SignedProposal) { sp.Timestamp++ },
	}
	for name, tamper := range tampers {
		cp := *signed
		cp.Links = append([]string(nil), signed.Links...)
		tamper(&cp)
		err := Verify(&cp)
		require.Error(t, err, name)
		require.Equal(t, ledger.KindUnauthorized, ledger.KindOf(err), name)
	}
}

func TestDigestFieldBoundariesAreUnambiguous(t *testing.T) {
	base := proposal()
	base.Freelancer = "FREELANCER"
	base.Timestamp = 1700000000

	// Content moved across the text/links boundary must never digest the
	// same, or a signed bid could be replayed with rearranged fields.
	a := base
	a.Text = "deliver a|b"
	a.Links = []string{"c"}
	b := base
	b.Text = "deliver a"
	b.Links = []string{"b|c"}
	ha, err := Digest(a)
	require.NoError(t, err)
	hb, err := Digest(b)
	require.NoError(t, err)
	require.NotEqual(t, ha, hb)

	// Likewise one link containing a separator vs. two links.
	c := base
	c.Links = []string{"b", "c"}
	d := base
	d.Links = []string{"b,c"}
	hc, err := Digest(c)
	require.NoError(t, err)
	hd, err := Digest(d)
	require.NoError(t, err)
	require.NotEqual(t, hc, hd)
}

func TestVerifyRejectsContentShiftedBetweenFields(t *testing.T) {
	signer := requireSigner(t)
	p := proposal()
	p.Text = "deliver a|b"
	p.Links = []string{"c"}
	signed, err := Sign(ctx, p, signer)
	require.NoError(t, err)

	cp := *signed
	cp.Text = "deliver a"
	cp.Links = []string{"b|c"}
	err = Verify(&cp)
	require.Error(t, err)
	require.Equal(t, ledger.KindUnauthorized, ledger.KindOf(err))
}

func TestVerifyRejectsForeignSignature(t *testing.T) {
	signer := requireSigner(t)
	imposter := requireSigner(t)

	signed, err := Sign(ctx, proposal(), signer)
	require.NoError(t, err)

	// Re-sign the same digest with a different key. The content digest
	// still matches, but the signature no longer binds the freelancer.
	forged, err := imposter.SignMessage(ctx, []byte(signed.Hash))
	require.NoError(t, err)
	signed.Signature = forged
	err = Verify(signed)
	require.Error(t, err)
	require.Equal(t, ledger.KindUnauthorized, ledger.KindOf(err))
}

func TestVerifyTimestampSurvivesRoundTrip(t *testing.T) {
	signer := requireSigner(t)
	p := proposal()
	p.Timestamp = time.Now().Unix()
	signed, err := Sign(ctx, p, signer)
	require.NoError(t, err)
	require.Equal(t, p.Timestamp, signed.Timestamp)
	require.NoError(t, Verify(signed))
}
