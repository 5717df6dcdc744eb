// Package blssig wraps github.com/drand/kyber's sign/tbls threshold BLS
// scheme: each participant signs with its DKG secret key share, and any
// t+1 partial signatures combine into one signature verifiable under the
// group's public key.
package blssig

import (
	kyber "github.com/drand/kyber"
	"github.com/drand/kyber/pairing"
	"github.com/drand/kyber/share"
	"github.com/drand/kyber/sign"
	"github.com/drand/kyber/sign/tbls"
)

// Scheme signs and verifies threshold BLS signatures on G2 against group
// public keys on G1 — the same split drand's NewThresholdSchemeOnG2 gives
// NewPedersenBLSChained, and the one that matches this module's Suite,
// whose KeyGroup (G1) is where the DKG's public-key commitment lives.
type Scheme struct {
	inner sign.ThresholdScheme
}

// New returns a threshold BLS scheme over the given pairing.
func New(pairingSuite pairing.Suite) *Scheme {
	return &Scheme{inner: tbls.NewThresholdSchemeOnG2(pairingSuite)}
}

// SignPartial produces this participant's signature share on msg using its
// DKG secret key share.
func (s *Scheme) SignPartial(secretShare *share.PriShare, msg []byte) ([]byte, error) {
	return s.inner.Sign(secretShare, msg)
}

// VerifyPartial checks a signature share against the public sharing
// polynomial (base^f(x,0) evaluated at the share's index).
func (s *Scheme) VerifyPartial(public *share.PubPoly, msg, sigShare []byte) error {
	return s.inner.VerifyPartial(public, msg, sigShare)
}

// Recover combines t+1 verified signature shares into the full BLS
// signature, verifiable under the group public key via VerifyRecovered.
func (s *Scheme) Recover(public *share.PubPoly, msg []byte, sigShares [][]byte, t, n int) ([]byte, error) {
	return s.inner.Recover(public, msg, sigShares, t, n)
}

// VerifyRecovered checks a combined signature against the group public key.
func (s *Scheme) VerifyRecovered(groupPublic kyber.Point, msg, sig []byte) error {
	return s.inner.VerifyRecovered(groupPublic, msg, sig)
}
