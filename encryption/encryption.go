// Package encryption provides the pairwise authenticated encryption the DKG
// uses to seal each participant's row and value before broadcasting a
// Proposal or Acknowledgment. It is an ECIES construction: ephemeral-static Diffie-Hellman,
// HKDF key derivation, AES-GCM sealing.
package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	kyber "github.com/drand/kyber"
	"github.com/drand/kyber/util/random"
	"golang.org/x/crypto/hkdf"
)

const hkdfInfo = "bdkg/encryption/ecies/v1"

// Encryptor seals messages addressed to a single long-term public key,
// deriving a fresh symmetric key per call from an ephemeral DH exchange.
// Opening is done by the package-level Decrypt with the recipient's secret.
type Encryptor struct {
	group     kyber.Group
	public    kyber.Point
	ephemeral kyber.Scalar // set by a prior Encrypt call, for KeySnapshot
}

// New returns an Encryptor sealing messages to peerPublic under group.
func New(group kyber.Group, peerPublic kyber.Point) *Encryptor {
	return &Encryptor{group: group, public: peerPublic}
}

// Ciphertext is a self-contained sealed message: the sender's ephemeral
// public key plus the AES-GCM sealed box (nonce-prefixed).
type Ciphertext struct {
	Ephemeral kyber.Point
	Box       []byte
}

// Encrypt seals plaintext for the peer this Encryptor was built with. A
// fresh ephemeral keypair is sampled per call; the shared secret is never
// reused across messages.
func (e *Encryptor) Encrypt(plaintext []byte) (*Ciphertext, error) {
	eph := e.group.Scalar().Pick(random.New())
	ephPub := e.group.Point().Mul(eph, nil)
	e.ephemeral = eph

	shared := e.group.Point().Mul(eph, e.public)
	key, err := deriveKey(shared)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	box := gcm.Seal(nonce, nonce, plaintext, nil)
	return &Ciphertext{Ephemeral: ephPub, Box: box}, nil
}

// Decrypt opens a Ciphertext using the recipient's long-term secret key.
// The caller passes its own secret, since one Encryptor only ever holds the
// peer's public key.
func Decrypt(group kyber.Group, secret kyber.Scalar, ct *Ciphertext) ([]byte, error) {
	shared := group.Point().Mul(secret, ct.Ephemeral)
	key, err := deriveKey(shared)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(ct.Box) < gcm.NonceSize() {
		return nil, fmt.Errorf("encryption: ciphertext shorter than nonce")
	}
	nonce, sealed := ct.Box[:gcm.NonceSize()], ct.Box[gcm.NonceSize():]
	return gcm.Open(nil, nonce, sealed, nil)
}

func deriveKey(shared kyber.Point) ([]byte, error) {
	sharedBytes, err := shared.MarshalBinary()
	if err != nil {
		return nil, err
	}
	kdf := hkdf.New(sha256.New, sharedBytes, nil, []byte(hkdfInfo))
	key := make([]byte, 32)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, err
	}
	return key, nil
}

// KeySnapshot returns the ephemeral public key used by the most recent
// Encrypt call, for audit logging. Returns nil if Encrypt has not been
// called yet.
func (e *Encryptor) KeySnapshot() kyber.Point {
	if e.ephemeral == nil {
		return nil
	}
	return e.group.Point().Mul(e.ephemeral, nil)
}

// MarshalBinary serializes a Ciphertext for inclusion in a wire message.
func (c *Ciphertext) MarshalBinary() ([]byte, error) {
	ephBytes, err := c.Ephemeral.MarshalBinary()
	if err != nil {
		return nil, err
	}
	out := make([]byte, 4+len(ephBytes)+len(c.Box))
	binary.BigEndian.PutUint32(out, uint32(len(ephBytes)))
	copy(out[4:], ephBytes)
	copy(out[4+len(ephBytes):], c.Box)
	return out, nil
}

// UnmarshalCiphertext parses bytes produced by Ciphertext.MarshalBinary.
func UnmarshalCiphertext(group kyber.Group, data []byte) (*Ciphertext, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("encryption: ciphertext too short")
	}
	ephLen := binary.BigEndian.Uint32(data)
	if uint32(len(data)) < 4+ephLen {
		return nil, fmt.Errorf("encryption: truncated ciphertext")
	}
	ephPoint := group.Point()
	if err := ephPoint.UnmarshalBinary(data[4 : 4+ephLen]); err != nil {
		return nil, err
	}
	box := append([]byte(nil), data[4+ephLen:]...)
	return &Ciphertext{Ephemeral: ephPoint, Box: box}, nil
}
