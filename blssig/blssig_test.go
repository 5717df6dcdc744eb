package blssig

import (
	"testing"

	"github.com/drand/kyber/share"
	"github.com/drand/kyber/util/random"
	"github.com/stretchr/testify/require"

	"github.com/threshold-net/bdkg/suite"
)

func TestThresholdSignAndRecover(t *testing.T) {
	s := suite.NewBLS12381()
	scheme := New(s.Pairing)

	secret := s.KeyGroup.Scalar().Pick(random.New())
	priPoly := share.NewPriPoly(s.KeyGroup, 2, secret, random.New())
	pubPoly := priPoly.Commit(nil)
	groupPublic := pubPoly.Commit()

	msg := []byte("bdkg threshold signature fixture")
	priShares := priPoly.Shares(5)

	var sigShares [][]byte
	for _, ps := range priShares[:3] { // threshold+1
		sig, err := scheme.SignPartial(ps, msg)
		require.NoError(t, err)
		require.NoError(t, scheme.VerifyPartial(pubPoly, msg, sig))
		sigShares = append(sigShares, sig)
	}

	recovered, err := scheme.Recover(pubPoly, msg, sigShares, 3, 5)
	require.NoError(t, err)
	require.NoError(t, scheme.VerifyRecovered(groupPublic, msg, recovered))
}
