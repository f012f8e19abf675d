package crypto

import "testing"

func TestEd25519SignVerifyRoundTrip(t *testing.T) {
	kp, err := NewEd25519KeyPair()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	msg := []byte("block header bytes")
	sig := kp.Sign(msg)
	if sig.Algorithm != AlgorithmEd25519 {
		t.Fatalf("expected ed25519 tag, got %v", sig.Algorithm)
	}
	if !Verify(msg, sig) {
		t.Fatal("signature must verify against the same message")
	}
	if Verify([]byte("tampered"), sig) {
		t.Fatal("signature must not verify against a different message")
	}
}

func TestSecp256k1SignVerifyRoundTrip(t *testing.T) {
	kp, err := NewSecp256k1KeyPair()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	msg := []byte("block header bytes")
	sig := kp.Sign(msg)
	if !Verify(msg, sig) {
		t.Fatal("secp256k1 signature must verify")
	}
}

func TestBLSNormalSignVerifyRoundTrip(t *testing.T) {
	seed := make([]byte, 32)
	kp := NewBLSKeyPair(seed, false)
	msg := []byte("block header bytes")
	sig := kp.Sign(msg)
	if sig.Algorithm != AlgorithmBLSNormal {
		t.Fatalf("expected bls_normal tag, got %v", sig.Algorithm)
	}
	if !Verify(msg, sig) {
		t.Fatal("bls signature must verify")
	}
}

func TestHashIsDeterministic(t *testing.T) {
	a := Hash([]byte("abc"))
	b := Hash([]byte("abc"))
	if a != b {
		t.Fatal("Hash must be deterministic for identical input")
	}
	c := Hash([]byte("abd"))
	if a == c {
		t.Fatal("Hash must differ for different input")
	}
}

func TestSecp256k1HexRoundTrip(t *testing.T) {
	signer, err := GenerateKey()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	kp, err := NewSecp256k1KeyPairFromHex(signer.PrivateKeyHex())
	if err != nil {
		t.Fatalf("from hex: %v", err)
	}
	if kp.PublicKey().String() != "secp256k1:"+signer.PublicKeyHex() {
		t.Fatal("hex-loaded key pair must derive the same public key")
	}
	msg := []byte("block header bytes")
	if !Verify(msg, kp.Sign(msg)) {
		t.Fatal("hex-loaded key pair's signature must verify")
	}
}
