// Integration scenarios exercising the pipeline, instruction executor,
// world state and queries together, in the same root-level layout the
// package-local unit tests leave to multi-component flows.
package tests

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kagami-chain/kagami/pkg/crypto"
	"github.com/kagami-chain/kagami/pkg/executor"
	"github.com/kagami-chain/kagami/pkg/isi"
	"github.com/kagami-chain/kagami/pkg/kura"
	"github.com/kagami-chain/kagami/pkg/livequery"
	"github.com/kagami-chain/kagami/pkg/pipeline"
	"github.com/kagami-chain/kagami/pkg/queue"
	"github.com/kagami-chain/kagami/pkg/sumeragi"
	"github.com/kagami-chain/kagami/pkg/types"
	"github.com/kagami-chain/kagami/pkg/wsv"
)

const chainID = "kagami-test"

type testClock struct{ now time.Time }

func (c *testClock) Now() time.Time                         { return c.now }
func (c *testClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// harness bundles one node's deterministic state-transition stack (no
// networking): pipeline over fresh WSV, queue and kura.
type harness struct {
	t     *testing.T
	clock *testClock
	pipe  *pipeline.Pipeline
	keys  map[wsv.AccountID]crypto.KeyPair
	tip   [32]byte
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	fc := &testClock{now: time.UnixMilli(1_700_000_000_000)}
	store, err := kura.Open(t.TempDir(), 64, kura.Fast, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	w := wsv.New(128)
	q := queue.New(queue.DefaultConfig(), fc)
	sb := executor.NewSandbox(1_000_000, 16<<20)
	return &harness{
		t:     t,
		clock: fc,
		pipe:  pipeline.New(chainID, w, q, store, sb, fc, zap.NewNop().Sugar()),
		keys:  make(map[wsv.AccountID]crypto.KeyPair),
	}
}

func (h *harness) key(account wsv.AccountID) crypto.KeyPair {
	kp, ok := h.keys[account]
	if !ok {
		var err error
		kp, err = crypto.NewEd25519KeyPair()
		require.NoError(h.t, err)
		h.keys[account] = kp
	}
	return kp
}

func (h *harness) genesis(instructions ...isi.Instruction) {
	b, err := pipeline.NewGenesisBlock(chainID, "genesis@genesis", instructions, h.clock.now.UnixMilli())
	require.NoError(h.t, err)
	require.NoError(h.t, h.pipe.ApplyBlock(context.Background(), b))
	h.tip, _ = b.Hash()
}

func (h *harness) registerAccount(domain wsv.DomainID, id wsv.AccountID) isi.Instruction {
	return isi.RegisterAccount{
		Domain:      domain,
		ID:          id,
		Signatories: []crypto.PublicKey{h.key(id).PublicKey()},
	}
}

// submitBlock signs and submits one transaction per (authority,
// instructions) pair, drives a block through prepare and apply, and
// returns it.
func (h *harness) submitBlock(txs map[wsv.AccountID][]isi.Instruction) types.Block {
	h.t.Helper()
	view := h.pipe.WSV.View()
	for authority, instructions := range txs {
		encoded, err := isi.Encode(instructions)
		require.NoError(h.t, err)
		tx := &types.Transaction{Payload: types.TransactionPayload{
			ChainID:      chainID,
			Authority:    authority,
			CreationTime: h.clock.now.UnixMilli(),
			TTLMillis:    60_000,
			Executable:   types.Executable{Instructions: encoded},
		}}
		hash, err := tx.Hash()
		require.NoError(h.t, err)
		tx.Signatures = append(tx.Signatures, h.key(authority).Sign(hash[:]))
		require.NoError(h.t, h.pipe.Queue.Push(tx, pipeline.SignatoriesOf(view, authority)))
	}

	h.clock.now = h.clock.now.Add(time.Second)
	b, err := h.pipe.PrepareBlock(context.Background(), h.pipe.WSV.Height(), h.tip)
	require.NoError(h.t, err)
	require.NoError(h.t, h.pipe.ApplyBlock(context.Background(), b))
	h.tip, _ = b.Hash()
	return b
}

func TestEmptyRoleRegistration(t *testing.T) {
	h := newHarness(t)
	h.genesis(
		isi.RegisterDomain{ID: "wonderland", Owner: "alice@wonderland"},
		h.registerAccount("wonderland", "alice@wonderland"),
	)
	before := h.pipe.WSV.Height()

	b := h.submitBlock(map[wsv.AccountID][]isi.Instruction{
		"alice@wonderland": {isi.RegisterRole{ID: "root"}},
	})
	require.Empty(t, b.Body.Rejected)
	require.Equal(t, before+1, h.pipe.WSV.Height())

	view := h.pipe.WSV.View()
	all, err := livequery.Execute(view, livequery.Query{Kind: livequery.FindAllRoles})
	require.NoError(t, err)
	var names []wsv.RoleID
	for _, item := range all {
		r := item.(wsv.Role)
		names = append(names, r.ID)
		if r.ID == "root" {
			require.Empty(t, r.Permissions)
		}
	}
	require.Contains(t, names, wsv.RoleID("root"))

	aliceRoles, err := livequery.Execute(view, livequery.Query{Kind: livequery.FindRolesByAccountID, AccountID: "alice@wonderland"})
	require.NoError(t, err)
	require.NotContains(t, aliceRoles, wsv.RoleID("root"))
}

func TestGrantThenRevoke(t *testing.T) {
	h := newHarness(t)
	h.genesis(
		isi.RegisterDomain{ID: "wonderland", Owner: "alice@wonderland"},
		h.registerAccount("wonderland", "alice@wonderland"),
		h.registerAccount("wonderland", "mouse@wonderland"),
	)

	// Mouse registers the role carrying access to its own metadata and
	// grants it to Alice.
	b := h.submitBlock(map[wsv.AccountID][]isi.Instruction{
		"mouse@wonderland": {
			isi.RegisterRole{ID: "ACCESS", Permissions: []wsv.PermissionID{"can_modify_account_metadata:mouse@wonderland"}},
			isi.GrantRole{Domain: "wonderland", Account: "alice@wonderland", Role: "ACCESS"},
		},
	})
	require.Empty(t, b.Body.Rejected)

	// with the role, Alice may write Mouse's metadata
	b = h.submitBlock(map[wsv.AccountID][]isi.Instruction{
		"alice@wonderland": {isi.SetAccountKeyValue{Domain: "wonderland", ID: "mouse@wonderland", Key: "k", Value: "v"}},
	})
	require.Empty(t, b.Body.Rejected)

	// Mouse revokes the role
	b = h.submitBlock(map[wsv.AccountID][]isi.Instruction{
		"mouse@wonderland": {isi.RevokeRole{Domain: "wonderland", Account: "alice@wonderland", Role: "ACCESS"}},
	})
	require.Empty(t, b.Body.Rejected)

	// the same write now fails with NotPermitted
	b = h.submitBlock(map[wsv.AccountID][]isi.Instruction{
		"alice@wonderland": {isi.SetAccountKeyValue{Domain: "wonderland", ID: "mouse@wonderland", Key: "k2", Value: "v2"}},
	})
	require.Len(t, b.Body.Rejected, 1)
	require.Contains(t, b.Body.Rejected[0].Reason, "NotPermitted")

	view := h.pipe.WSV.View()
	mouse, ok := view.Account("wonderland", "mouse@wonderland")
	require.True(t, ok)
	require.Equal(t, "v", mouse.Metadata["k"])
	require.NotContains(t, mouse.Metadata, "k2")
}

func TestRolePermissionDeduplication(t *testing.T) {
	h := newHarness(t)
	h.genesis(
		isi.RegisterDomain{ID: "wonderland", Owner: "alice@wonderland"},
		h.registerAccount("wonderland", "alice@wonderland"),
	)

	// two spellings of the same asset-id target collapse to one token
	b := h.submitBlock(map[wsv.AccountID][]isi.Instruction{
		"alice@wonderland": {isi.RegisterRole{ID: "gardener", Permissions: []wsv.PermissionID{
			"can_mint_asset:rose#wonderland#alice@wonderland",
			"can_mint_asset:rose##alice@wonderland",
		}}},
	})
	require.Empty(t, b.Body.Rejected)

	role, ok := h.pipe.WSV.View().Role("gardener")
	require.True(t, ok)
	require.Len(t, role.Permissions, 1)
}

func TestViewChangeProofChainAdoption(t *testing.T) {
	// f+1 distinct validator signatures over the same (previous proof,
	// latest block, reason) triple make the proof acceptable; fewer do
	// not (a 4-peer topology has f = 1).
	keys := make([]crypto.KeyPair, 4)
	validators := make([]sumeragi.Peer, 4)
	for i := range keys {
		kp, err := crypto.NewEd25519KeyPair()
		require.NoError(t, err)
		keys[i] = kp
		validators[i] = sumeragi.Peer{ID: sumeragi.NodeID(string(rune('a' + i))), PublicKey: kp.PublicKey()}
	}

	latest := [32]byte{7}
	chain := types.EmptyProofChain()
	proof, err := sumeragi.NewProof(chain, latest, types.ReasonBlockCreationTimeout)
	require.NoError(t, err)

	require.NoError(t, proof.Sign(keys[0]))
	require.False(t, sumeragi.PushIfValid(&chain, proof, latest, validators, 1), "one signature is below f+1")

	require.NoError(t, proof.Sign(keys[1]))
	require.True(t, sumeragi.PushIfValid(&chain, proof, latest, validators, 1))
	require.Equal(t, 1, chain.Len())

	// a proof referencing a different latest block hash is rejected
	// without its signatures counting
	other, err := sumeragi.NewProof(chain, [32]byte{9}, types.ReasonBlockCreationTimeout)
	require.NoError(t, err)
	for _, kp := range keys {
		require.NoError(t, other.Sign(kp))
	}
	require.False(t, sumeragi.PushIfValid(&chain, other, latest, validators, 1))
}
