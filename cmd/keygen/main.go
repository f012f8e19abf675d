// Command keygen generates a key pair offline and prints it in the
// "<algorithm>:<hex>" form the node's PUBLIC_KEY/PRIVATE_KEY and
// TRUSTED_PEERS options consume.
package main

import (
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"log"

	"github.com/kagami-chain/kagami/pkg/crypto"
)

func main() {
	algorithm := flag.String("algorithm", "ed25519", "key algorithm: ed25519, secp256k1, bls_normal or bls_small")
	flag.Parse()

	if *algorithm == "secp256k1" {
		signer, err := crypto.GenerateKey()
		if err != nil {
			log.Fatalf("keygen: %v", err)
		}
		kp, err := crypto.NewSecp256k1KeyPairFromHex(signer.PrivateKeyHex())
		if err != nil {
			log.Fatalf("keygen: %v", err)
		}
		fmt.Printf("public key:  %s\n", kp.PublicKey())
		fmt.Printf("private key: secp256k1:%s\n", signer.PrivateKeyHex())
		return
	}

	seed := make([]byte, 32)
	if _, err := rand.Read(seed); err != nil {
		log.Fatalf("keygen: entropy: %v", err)
	}

	var kp crypto.KeyPair
	var err error
	switch *algorithm {
	case "ed25519":
		kp, err = crypto.NewEd25519KeyPairFromSeed(seed)
	case "bls_normal":
		kp = crypto.NewBLSKeyPair(seed, false)
	case "bls_small":
		kp = crypto.NewBLSKeyPair(seed, true)
	default:
		log.Fatalf("keygen: unsupported algorithm %q", *algorithm)
	}
	if err != nil {
		log.Fatalf("keygen: %v", err)
	}

	fmt.Printf("public key:  %s\n", kp.PublicKey())
	fmt.Printf("private key: %s:%s\n", *algorithm, hex.EncodeToString(seed))
}
