// Command genesis assembles a height-1 block from a declarative JSON
// seed (domains, accounts, asset definitions, roles, peers) and writes
// it in the node's canonical binary encoding, ready for GENESIS_FILE.
package main

import (
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/kagami-chain/kagami/pkg/crypto"
	"github.com/kagami-chain/kagami/pkg/crypto/canonical"
	"github.com/kagami-chain/kagami/pkg/isi"
	"github.com/kagami-chain/kagami/pkg/pipeline"
	"github.com/kagami-chain/kagami/pkg/wsv"
)

type seedDomain struct {
	ID    string `json:"id"`
	Owner string `json:"owner"`
}

type seedAccount struct {
	ID          string   `json:"id"`
	Domain      string   `json:"domain"`
	Signatories []string `json:"signatories"` // "<algorithm>:<hex>"
}

type seedAssetDefinition struct {
	ID       string `json:"id"`
	Domain   string `json:"domain"`
	Owner    string `json:"owner"`
	Integer  bool   `json:"integer"`
	Decimals uint32 `json:"decimals"`
	Mintable bool   `json:"mintable"`
}

type seedRole struct {
	ID          string   `json:"id"`
	Permissions []string `json:"permissions"`
}

type seed struct {
	ChainID          string                `json:"chain_id"`
	Authority        string                `json:"authority"`
	Domains          []seedDomain          `json:"domains"`
	Accounts         []seedAccount         `json:"accounts"`
	AssetDefinitions []seedAssetDefinition `json:"asset_definitions"`
	Roles            []seedRole            `json:"roles"`
	Peers            []string              `json:"peers"`
}

func main() {
	seedPath := flag.String("seed", "genesis.json", "path to the JSON seed file")
	outPath := flag.String("out", "genesis.block", "path for the encoded genesis block")
	flag.Parse()

	raw, err := os.ReadFile(*seedPath)
	if err != nil {
		log.Fatalf("genesis: read seed: %v", err)
	}
	var s seed
	if err := json.Unmarshal(raw, &s); err != nil {
		log.Fatalf("genesis: parse seed: %v", err)
	}
	if s.ChainID == "" {
		log.Fatalf("genesis: seed must set chain_id")
	}
	if s.Authority == "" {
		s.Authority = "genesis@genesis"
	}

	instructions, err := buildInstructions(s)
	if err != nil {
		log.Fatalf("genesis: %v", err)
	}

	block, err := pipeline.NewGenesisBlock(s.ChainID, wsv.AccountID(s.Authority), instructions, time.Now().UnixMilli())
	if err != nil {
		log.Fatalf("genesis: build block: %v", err)
	}
	encoded, err := canonical.Encode(block)
	if err != nil {
		log.Fatalf("genesis: encode block: %v", err)
	}
	if err := os.WriteFile(*outPath, encoded, 0644); err != nil {
		log.Fatalf("genesis: write %s: %v", *outPath, err)
	}
	hash, _ := block.Hash()
	fmt.Printf("genesis block written to %s\n", *outPath)
	fmt.Printf("  instructions: %d\n", len(instructions))
	fmt.Printf("  hash:         %x\n", hash)
}

func buildInstructions(s seed) ([]isi.Instruction, error) {
	var out []isi.Instruction
	for _, d := range s.Domains {
		out = append(out, isi.RegisterDomain{ID: wsv.DomainID(d.ID), Owner: wsv.AccountID(d.Owner)})
	}
	for _, a := range s.Accounts {
		keys := make([]crypto.PublicKey, 0, len(a.Signatories))
		for _, k := range a.Signatories {
			pk, err := parsePublicKey(k)
			if err != nil {
				return nil, fmt.Errorf("account %s: %w", a.ID, err)
			}
			keys = append(keys, pk)
		}
		out = append(out, isi.RegisterAccount{
			Domain:      wsv.DomainID(a.Domain),
			ID:          wsv.AccountID(a.ID),
			Signatories: keys,
		})
	}
	for _, d := range s.AssetDefinitions {
		out = append(out, isi.RegisterAssetDefinition{
			Domain:   wsv.DomainID(d.Domain),
			ID:       wsv.AssetDefinitionID(d.ID),
			Owner:    wsv.AccountID(d.Owner),
			Spec:     wsv.NumericSpec{Integer: d.Integer, Decimals: d.Decimals},
			Mintable: d.Mintable,
		})
	}
	for _, r := range s.Roles {
		perms := make([]wsv.PermissionID, 0, len(r.Permissions))
		for _, p := range r.Permissions {
			perms = append(perms, wsv.PermissionID(p))
		}
		out = append(out, isi.RegisterRole{ID: wsv.RoleID(r.ID), Permissions: perms})
	}
	for _, p := range s.Peers {
		out = append(out, isi.RegisterPeer{ID: wsv.PeerID(p)})
	}
	return out, nil
}

func parsePublicKey(encoded string) (crypto.PublicKey, error) {
	algo, hexPart, ok := strings.Cut(encoded, ":")
	if !ok {
		return crypto.PublicKey{}, fmt.Errorf("public key %q must be \"<algorithm>:<hex>\"", encoded)
	}
	raw, err := hex.DecodeString(hexPart)
	if err != nil {
		return crypto.PublicKey{}, fmt.Errorf("public key hex: %w", err)
	}
	switch algo {
	case "ed25519":
		return crypto.NewPublicKey(crypto.AlgorithmEd25519, raw), nil
	case "secp256k1":
		return crypto.NewPublicKey(crypto.AlgorithmSecp256k1, raw), nil
	case "bls_normal":
		return crypto.NewPublicKey(crypto.AlgorithmBLSNormal, raw), nil
	case "bls_small":
		return crypto.NewPublicKey(crypto.AlgorithmBLSSmall, raw), nil
	default:
		return crypto.PublicKey{}, fmt.Errorf("unknown algorithm %q", algo)
	}
}
