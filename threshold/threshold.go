// Package threshold implements threshold ElGamal decryption over the group
// public key the DKG produces. It reuses the same Lagrange-in-the-exponent
// recovery primitive as sign/tbls's threshold BLS signatures
// (share.RecoverCommit), applied to partial decryption shares instead of
// partial signatures.
package threshold

import (
	"fmt"

	kyber "github.com/drand/kyber"
	"github.com/drand/kyber/share"
	"github.com/drand/kyber/util/random"
)

// Ciphertext is an ElGamal ciphertext over group: C1 = g^r, C2 = M + Y^r for
// ephemeral r and group public key Y.
type Ciphertext struct {
	C1 kyber.Point
	C2 kyber.Point
}

// Encrypt seals a message point under the group public key. Any t+1 of the
// n key shares later suffice to recover M; t alone do not.
func Encrypt(group kyber.Group, public kyber.Point, msg kyber.Point) *Ciphertext {
	r := group.Scalar().Pick(random.New())
	c1 := group.Point().Mul(r, nil)
	c2 := group.Point().Add(msg, group.Point().Mul(r, public))
	return &Ciphertext{C1: c1, C2: c2}
}

// PartialDecrypt computes this participant's decryption share D_i = C1^{x_i}
// from its DKG secret key share.
func PartialDecrypt(group kyber.Group, secretShare *share.PriShare, ct *Ciphertext) *share.PubShare {
	return &share.PubShare{I: secretShare.I, V: group.Point().Mul(secretShare.V, ct.C1)}
}

// ErrNotEnoughShares is returned by Recover when fewer than t+1 partial
// decryptions are supplied; the shared value C1^x (x the group secret)
// cannot be reconstructed in the exponent from t or fewer shares.
var ErrNotEnoughShares = fmt.Errorf("threshold: fewer than t+1 partial decryptions supplied")

// Recover combines t+1 partial decryptions into the plaintext message
// point. t is the reconstruction threshold (so t+1 shares are required) and
// n is the total number of key shares ever issued.
func Recover(group kyber.Group, ct *Ciphertext, shares []*share.PubShare, t, n int) (kyber.Point, error) {
	if len(shares) <= t {
		return nil, ErrNotEnoughShares
	}
	combined, err := share.RecoverCommit(group, shares, t+1, n)
	if err != nil {
		return nil, err
	}
	return group.Point().Sub(ct.C2, combined), nil
}
