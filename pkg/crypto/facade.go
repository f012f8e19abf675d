package crypto

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	gethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/kagami-chain/kagami/pkg/crypto/canonical"
)

type gethEcdsaPub = ecdsa.PublicKey

// Algorithm tags a key pair or signature with the scheme that produced it.
type Algorithm uint8

const (
	AlgorithmEd25519 Algorithm = iota
	AlgorithmSecp256k1
	AlgorithmBLSNormal
	AlgorithmBLSSmall
)

func (a Algorithm) String() string {
	switch a {
	case AlgorithmEd25519:
		return "ed25519"
	case AlgorithmSecp256k1:
		return "secp256k1"
	case AlgorithmBLSNormal:
		return "bls_normal"
	case AlgorithmBLSSmall:
		return "bls_small"
	default:
		return "unknown"
	}
}

// PublicKey is an algorithm-tagged public key, comparable and usable as a
// map key so WSV account/peer records can key signatories directly.
type PublicKey struct {
	Algorithm Algorithm
	Bytes     string // raw key bytes, string-boxed for comparability
}

func NewPublicKey(alg Algorithm, raw []byte) PublicKey {
	return PublicKey{Algorithm: alg, Bytes: string(raw)}
}

func (p PublicKey) Raw() []byte { return []byte(p.Bytes) }

func (p PublicKey) String() string {
	return fmt.Sprintf("%s:%x", p.Algorithm, p.Raw())
}

// Signature is an algorithm-tagged signature, carried alongside every
// signed transaction, block and consensus message.
type Signature struct {
	Algorithm Algorithm
	PublicKey PublicKey
	Bytes     []byte
}

// KeyPair is the unified facade over the three concrete signer types the
// node supports. Private key material never leaves an implementation.
type KeyPair interface {
	Algorithm() Algorithm
	PublicKey() PublicKey
	Sign(msg []byte) Signature
}

type ed25519KeyPair struct{ s *Ed25519Signer }

func (k *ed25519KeyPair) Algorithm() Algorithm { return AlgorithmEd25519 }
func (k *ed25519KeyPair) PublicKey() PublicKey {
	return NewPublicKey(AlgorithmEd25519, k.s.PublicKeyBytes())
}
func (k *ed25519KeyPair) Sign(msg []byte) Signature {
	return Signature{Algorithm: AlgorithmEd25519, PublicKey: k.PublicKey(), Bytes: k.s.Sign(msg)}
}

type secp256k1KeyPair struct{ s *Signer }

func (k *secp256k1KeyPair) Algorithm() Algorithm { return AlgorithmSecp256k1 }
func (k *secp256k1KeyPair) PublicKey() PublicKey {
	raw, _ := hex.DecodeString(k.s.PublicKeyHex())
	return NewPublicKey(AlgorithmSecp256k1, raw)
}
func (k *secp256k1KeyPair) Sign(msg []byte) Signature {
	digest := sha256.Sum256(msg)
	sig, err := k.s.Sign(digest[:])
	if err != nil {
		sig = nil
	}
	return Signature{Algorithm: AlgorithmSecp256k1, PublicKey: k.PublicKey(), Bytes: sig}
}

type blsKeyPair struct {
	small bool
	s     *BLSSigner
}

func (k *blsKeyPair) Algorithm() Algorithm {
	if k.small {
		return AlgorithmBLSSmall
	}
	return AlgorithmBLSNormal
}
func (k *blsKeyPair) PublicKey() PublicKey {
	raw, _ := k.s.Pubkey().MarshalBinary()
	return NewPublicKey(k.Algorithm(), raw)
}
func (k *blsKeyPair) Sign(msg []byte) Signature {
	return Signature{Algorithm: k.Algorithm(), PublicKey: k.PublicKey(), Bytes: k.s.Sign(msg)}
}

// NewEd25519KeyPair wraps a freshly generated Ed25519Signer as a KeyPair.
func NewEd25519KeyPair() (KeyPair, error) {
	s, err := GenerateEd25519Key()
	if err != nil {
		return nil, err
	}
	return &ed25519KeyPair{s: s}, nil
}

// NewEd25519KeyPairFromSeed wraps a seed-derived Ed25519Signer as a KeyPair.
func NewEd25519KeyPairFromSeed(seed []byte) (KeyPair, error) {
	s, err := Ed25519FromSeed(seed)
	if err != nil {
		return nil, err
	}
	return &ed25519KeyPair{s: s}, nil
}

// NewSecp256k1KeyPair wraps a freshly generated secp256k1 Signer as a KeyPair.
func NewSecp256k1KeyPair() (KeyPair, error) {
	s, err := GenerateKey()
	if err != nil {
		return nil, err
	}
	return &secp256k1KeyPair{s: s}, nil
}

// NewSecp256k1KeyPairFromHex wraps a hex-loaded secp256k1 Signer as a
// KeyPair, the load path for a configured PRIVATE_KEY.
func NewSecp256k1KeyPairFromHex(hexKey string) (KeyPair, error) {
	s, err := FromPrivateKeyHex(hexKey)
	if err != nil {
		return nil, err
	}
	return &secp256k1KeyPair{s: s}, nil
}

// NewBLSKeyPair wraps a seed-derived BLSSigner as a KeyPair. small only
// selects the algorithm tag (AlgorithmBLSSmall instead of
// AlgorithmBLSNormal); the underlying circl scheme is KeyG1SigG2 (public
// keys in G1, signatures in G2) from bls.go under either tag, so keys and
// signatures have the same layout whichever tag is chosen.
func NewBLSKeyPair(seed []byte, small bool) KeyPair {
	return &blsKeyPair{small: small, s: NewBLSSignerFromSeed(seed)}
}

// Verify checks sig against msg using the algorithm and public key carried
// in sig. Returns false on any mismatch or malformed input rather than
// an error.
func Verify(msg []byte, sig Signature) bool {
	switch sig.Algorithm {
	case AlgorithmEd25519:
		return VerifyEd25519(sig.PublicKey.Raw(), msg, sig.Bytes)
	case AlgorithmSecp256k1:
		digest := sha256.Sum256(msg)
		pub, err := unmarshalSecp256k1Pub(sig.PublicKey.Raw())
		if err != nil {
			return false
		}
		return verifySecp256k1(pub, digest[:], sig.Bytes)
	case AlgorithmBLSNormal, AlgorithmBLSSmall:
		pk, err := unmarshalBLSPub(sig.PublicKey.Raw())
		if err != nil {
			return false
		}
		return VerifyBLS(pk, sig.Bytes, msg)
	default:
		return false
	}
}

// Hash returns the 32-byte SHA-256 digest of an arbitrary byte string,
// the facade's fixed-length hash primitive.
func Hash(b []byte) [32]byte { return sha256.Sum256(b) }

// HashValue returns the deterministic canonical hash of any
// gob-serializable Go value, used for block headers and merkle leaves.
func HashValue(v interface{}) ([32]byte, error) { return canonical.Hash(v) }

func unmarshalSecp256k1Pub(raw []byte) (*gethEcdsaPub, error) {
	pub, err := gethcrypto.UnmarshalPubkey(raw)
	if err != nil {
		return nil, err
	}
	return pub, nil
}

func verifySecp256k1(pub *gethEcdsaPub, digest, sig []byte) bool {
	if len(sig) == 65 {
		sig = sig[:64] // drop recovery id for VerifySignature
	}
	if len(sig) != 64 {
		return false
	}
	return gethcrypto.VerifySignature(gethcrypto.FromECDSAPub(pub), digest, sig)
}

func unmarshalBLSPub(raw []byte) (*BLSPubKey, error) {
	pk := new(BLSPubKey)
	if err := pk.UnmarshalBinary(raw); err != nil {
		return nil, err
	}
	return pk, nil
}

