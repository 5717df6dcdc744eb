// Package poly implements the bivariate and univariate polynomials the DKG
// samples, commits to, and exchanges rows of. It is built directly on
// kyber.Group/kyber.Scalar/kyber.Point, since kyber itself does not ship a
// bivariate polynomial type.
//
// The bivariate polynomial is symmetric by construction (f(x,y) == f(y,x)):
// only the upper-triangular coefficients are sampled independently, and the
// lower triangle mirrors them. Symmetry is what lets a receiver's evaluation
// of the proposer's row at its own index match the proposer's evaluation of
// its own row at the receiver's index.
package poly

import (
	"bytes"
	"crypto/cipher"
	"encoding/binary"
	"fmt"

	kyber "github.com/drand/kyber"
)

// Poly is a univariate polynomial over Fr, either in coefficient form
// (sampled, or a distributed row) or in interpolation-point form (a
// reconstructed polynomial, only usable for evaluation).
type Poly struct {
	group  kyber.Group
	coeff  []kyber.Scalar        // nil when built by Interpolate
	points map[uint64]kyber.Scalar // nil when built from coefficients
}

// Zero returns the additive identity polynomial (a single zero coefficient).
func Zero(group kyber.Group) *Poly {
	return &Poly{group: group, coeff: []kyber.Scalar{group.Scalar().Zero()}}
}

// newFromCoeff wraps already-sampled coefficients.
func newFromCoeff(group kyber.Group, coeff []kyber.Scalar) *Poly {
	return &Poly{group: group, coeff: coeff}
}

// Degree returns the polynomial's degree.
func (p *Poly) Degree() int {
	if p.coeff != nil {
		return len(p.coeff) - 1
	}
	return len(p.points) - 1
}

// Evaluate computes p(x) via Horner's method for coefficient-form
// polynomials, or Lagrange interpolation for interpolation-form ones.
func (p *Poly) Evaluate(x uint64) kyber.Scalar {
	if p.coeff != nil {
		return evalHorner(p.group, p.coeff, x)
	}
	return lagrangeEval(p.group, p.points, x)
}

func evalHorner(group kyber.Group, coeff []kyber.Scalar, x uint64) kyber.Scalar {
	xs := group.Scalar().SetInt64(int64(x))
	acc := group.Scalar().Zero().Clone()
	for i := len(coeff) - 1; i >= 0; i-- {
		acc = group.Scalar().Mul(acc, xs)
		acc = group.Scalar().Add(acc, coeff[i])
	}
	return acc
}

// lagrangeEval evaluates the unique degree-(len(points)-1) polynomial
// through points at x, without ever materializing its coefficients.
func lagrangeEval(group kyber.Group, points map[uint64]kyber.Scalar, x uint64) kyber.Scalar {
	xs := group.Scalar().SetInt64(int64(x))
	xsByIdx := make(map[uint64]kyber.Scalar, len(points))
	for i := range points {
		xsByIdx[i] = group.Scalar().SetInt64(int64(i))
	}

	sum := group.Scalar().Zero().Clone()
	for i, yi := range points {
		num := group.Scalar().One().Clone()
		den := group.Scalar().One().Clone()
		for j := range points {
			if j == i {
				continue
			}
			num = group.Scalar().Mul(num, group.Scalar().Sub(xs, xsByIdx[j]))
			den = group.Scalar().Mul(den, group.Scalar().Sub(xsByIdx[i], xsByIdx[j]))
		}
		term := group.Scalar().Mul(yi, group.Scalar().Div(num, den))
		sum = group.Scalar().Add(sum, term)
	}
	return sum
}

// Interpolate reconstructs the polynomial passing through the given
// (index, value) samples. Any threshold+1 distinct samples of a degree-t
// polynomial suffice; samples beyond that are accepted but ignored by the
// caller choosing which to pass in.
func Interpolate(group kyber.Group, points map[uint64]kyber.Scalar) *Poly {
	cp := make(map[uint64]kyber.Scalar, len(points))
	for k, v := range points {
		cp[k] = v
	}
	return &Poly{group: group, points: cp}
}

// Commitment computes the public commitment to p under the given group
// generator. Only valid for coefficient-form polynomials.
func (p *Poly) Commitment(base kyber.Point) *Commitment {
	if p.coeff == nil {
		panic("poly: cannot commit to an interpolation-form polynomial")
	}
	commits := make([]kyber.Point, len(p.coeff))
	for i, c := range p.coeff {
		commits[i] = p.group.Point().Mul(c, base)
	}
	return &Commitment{group: p.group, commits: commits}
}

// MarshalBinary serializes a coefficient-form polynomial.
func (p *Poly) MarshalBinary() ([]byte, error) {
	if p.coeff == nil {
		return nil, fmt.Errorf("poly: cannot serialize an interpolation-form polynomial")
	}
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.BigEndian, uint32(len(p.coeff))); err != nil {
		return nil, err
	}
	for _, c := range p.coeff {
		b, err := c.MarshalBinary()
		if err != nil {
			return nil, err
		}
		if err := binary.Write(&buf, binary.BigEndian, uint32(len(b))); err != nil {
			return nil, err
		}
		buf.Write(b)
	}
	return buf.Bytes(), nil
}

// Unmarshal deserializes a coefficient-form polynomial produced by
// MarshalBinary.
func Unmarshal(group kyber.Group, data []byte) (*Poly, error) {
	buf := bytes.NewReader(data)
	var n uint32
	if err := binary.Read(buf, binary.BigEndian, &n); err != nil {
		return nil, err
	}
	coeff := make([]kyber.Scalar, n)
	for i := range coeff {
		var l uint32
		if err := binary.Read(buf, binary.BigEndian, &l); err != nil {
			return nil, err
		}
		b := make([]byte, l)
		if _, err := buf.Read(b); err != nil {
			return nil, err
		}
		s := group.Scalar()
		if err := s.UnmarshalBinary(b); err != nil {
			return nil, err
		}
		coeff[i] = s
	}
	return newFromCoeff(group, coeff), nil
}

// Commitment is the public commitment to a univariate polynomial's
// coefficients: commits[j] = base^coeff_j.
type Commitment struct {
	group   kyber.Group
	commits []kyber.Point
}

// Degree returns the committed polynomial's degree.
func (c *Commitment) Degree() int { return len(c.commits) - 1 }

// Evaluate computes base^p(x) without knowing p's coefficients.
func (c *Commitment) Evaluate(x uint64) kyber.Point {
	xs := c.group.Scalar().SetInt64(int64(x))
	acc := c.commits[len(c.commits)-1].Clone()
	for i := len(c.commits) - 2; i >= 0; i-- {
		acc = c.group.Point().Mul(xs, acc)
		acc = c.group.Point().Add(acc, c.commits[i])
	}
	return acc
}

// Commit returns the constant-term commitment, i.e. the public key when
// this is a commitment to a secret-sharing polynomial.
func (c *Commitment) Commit() kyber.Point {
	return c.commits[0]
}

// Coefficients returns the per-coefficient commits base^coeff_j, in degree
// order. Used to bridge a secret-sharing Commitment into a kyber
// share.PubPoly for verifying individual threshold-signature shares against
// the group's public sharing polynomial.
func (c *Commitment) Coefficients() []kyber.Point {
	return append([]kyber.Point(nil), c.commits...)
}

// Add returns the elementwise sum of two commitments of equal degree; a
// zero commitment (as returned by ZeroCommitment) of any degree is the
// identity. Used to accumulate the group public key from every complete
// proposer's constant-term commitment.
func (c *Commitment) Add(other *Commitment) *Commitment {
	if other == nil {
		return c
	}
	null := c.group.Point().Null()
	if len(c.commits) == 0 || (len(c.commits) == 1 && c.commits[0].Equal(null)) {
		return other
	}
	if len(other.commits) == 0 || (len(other.commits) == 1 && other.commits[0].Equal(null)) {
		return c
	}
	if len(c.commits) != len(other.commits) {
		panic("poly: commitment degree mismatch")
	}
	out := make([]kyber.Point, len(c.commits))
	for i := range out {
		out[i] = c.group.Point().Add(c.commits[i], other.commits[i])
	}
	return &Commitment{group: c.group, commits: out}
}

// ZeroCommitment returns the identity element for Add: a single-coefficient
// commitment to the zero polynomial.
func ZeroCommitment(group kyber.Group) *Commitment {
	return &Commitment{group: group, commits: []kyber.Point{group.Point().Null()}}
}

// Equal reports structural equality of two commitments.
func (c *Commitment) Equal(other *Commitment) bool {
	if other == nil || len(c.commits) != len(other.commits) {
		return false
	}
	for i := range c.commits {
		if !c.commits[i].Equal(other.commits[i]) {
			return false
		}
	}
	return true
}

// BivarPoly is a symmetric bivariate polynomial f(x,y) of degree t in each
// variable, sampled by a proposer for one DKG round.
type BivarPoly struct {
	group  kyber.Group
	degree int
	coeff  [][]kyber.Scalar // symmetric (degree+1)x(degree+1) matrix
}

// Random samples a fresh symmetric bivariate polynomial of the given
// degree.
func Random(group kyber.Group, degree int, rand cipher.Stream) *BivarPoly {
	coeff := make([][]kyber.Scalar, degree+1)
	for i := range coeff {
		coeff[i] = make([]kyber.Scalar, degree+1)
	}
	for i := 0; i <= degree; i++ {
		for j := i; j <= degree; j++ {
			v := group.Scalar().Pick(rand)
			coeff[i][j] = v
			coeff[j][i] = v
		}
	}
	return &BivarPoly{group: group, degree: degree, coeff: coeff}
}

// Degree returns the polynomial's per-variable degree t.
func (b *BivarPoly) Degree() int { return b.degree }

// Row returns the univariate polynomial f(i, y).
func (b *BivarPoly) Row(i uint64) *Poly {
	iPow := powers(b.group, i, b.degree)
	rowCoeff := make([]kyber.Scalar, b.degree+1)
	for j := 0; j <= b.degree; j++ {
		sum := b.group.Scalar().Zero().Clone()
		for k := 0; k <= b.degree; k++ {
			term := b.group.Scalar().Mul(b.coeff[j][k], iPow[k])
			sum = b.group.Scalar().Add(sum, term)
		}
		rowCoeff[j] = sum
	}
	return newFromCoeff(b.group, rowCoeff)
}

// Commitment returns the public commitment matrix base^{a_ij}.
func (b *BivarPoly) Commitment(base kyber.Point) *BivarCommitment {
	commits := make([][]kyber.Point, b.degree+1)
	for i := range commits {
		commits[i] = make([]kyber.Point, b.degree+1)
	}
	for i := 0; i <= b.degree; i++ {
		for j := i; j <= b.degree; j++ {
			p := b.group.Point().Mul(b.coeff[i][j], base)
			commits[i][j] = p
			commits[j][i] = p
		}
	}
	return &BivarCommitment{group: b.group, degree: b.degree, commits: commits}
}

func powers(group kyber.Group, x uint64, degree int) []kyber.Scalar {
	out := make([]kyber.Scalar, degree+1)
	out[0] = group.Scalar().One().Clone()
	xs := group.Scalar().SetInt64(int64(x))
	for i := 1; i <= degree; i++ {
		out[i] = group.Scalar().Mul(out[i-1], xs)
	}
	return out
}

// BivarCommitment is the public commitment to a BivarPoly: the matrix of
// group elements base^{a_ij}.
type BivarCommitment struct {
	group   kyber.Group
	degree  int
	commits [][]kyber.Point
}

// Degree returns the committed polynomial's per-variable degree.
func (c *BivarCommitment) Degree() int { return c.degree }

// Row returns the public commitment to the univariate row f(i, y), derived
// from the matrix without knowing the coefficients themselves:
// commit_j = Σ_k commits[j][k] * i^k.
func (c *BivarCommitment) Row(i uint64) *Commitment {
	iPow := powers(c.group, i, c.degree)
	rowCommits := make([]kyber.Point, c.degree+1)
	for j := 0; j <= c.degree; j++ {
		acc := c.group.Point().Mul(iPow[0], c.commits[j][0])
		for k := 1; k <= c.degree; k++ {
			term := c.group.Point().Mul(iPow[k], c.commits[j][k])
			acc = c.group.Point().Add(acc, term)
		}
		rowCommits[j] = acc
	}
	return &Commitment{group: c.group, commits: rowCommits}
}

// Evaluate returns base^{f(i,j)} without recovering f.
func (c *BivarCommitment) Evaluate(i, j uint64) kyber.Point {
	return c.Row(i).Evaluate(j)
}

// Equal reports structural equality of two bivariate commitment matrices.
// Used to detect a proposer sending two Proposals with differing
// commitments for the same epoch, which is an equivocation fault.
func (c *BivarCommitment) Equal(other *BivarCommitment) bool {
	if other == nil || c.degree != other.degree {
		return false
	}
	for i := range c.commits {
		for j := range c.commits[i] {
			if !c.commits[i][j].Equal(other.commits[i][j]) {
				return false
			}
		}
	}
	return true
}
