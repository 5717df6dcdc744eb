// Package suite pins the pairing-friendly curve this module runs the DKG
// over: a KeyGroup (where shares and commitments live) distinct from a
// SigGroup (where threshold signatures live), both carved out of the same
// bls12-381 pairing.
package suite

import (
	kyber "github.com/drand/kyber"
	bls "github.com/drand/kyber-bls12381"
	"github.com/drand/kyber/pairing"
)

// domain separation tags, matching RFC9380's recommended XMD construction.
const (
	g1DST = "BDKG_BLS12381G1_XMD:SHA-256_SSWU_RO_NUL_"
	g2DST = "BDKG_BLS12381G2_XMD:SHA-256_SSWU_RO_NUL_"
)

// Suite bundles the pairing and the two groups the DKG and its threshold
// schemes run over. KeyGroup carries the bivariate-polynomial commitments,
// secret shares and the group public key used for verification; SigGroup
// is where threshold BLS signatures live.
type Suite struct {
	Pairing  pairing.Suite
	KeyGroup kyber.Group
	SigGroup kyber.Group
}

// NewBLS12381 returns the default suite: shares and commitments on G1,
// signatures on G2.
func NewBLS12381() *Suite {
	p := bls.NewBLS12381SuiteWithDST([]byte(g1DST), []byte(g2DST))
	return &Suite{
		Pairing:  p,
		KeyGroup: p.G1(),
		SigGroup: p.G2(),
	}
}
