package pipeline

import (
	"github.com/kagami-chain/kagami/pkg/isi"
	"github.com/kagami-chain/kagami/pkg/types"
	"github.com/kagami-chain/kagami/pkg/wsv"
)

// NewGenesisBlock assembles the height-1 block from a seed instruction
// sequence: one unsigned transaction carrying the initial domains,
// accounts, roles and peers. Signature and chain-id checks are skipped
// at height 1 (the genesis content is what peers agree on out of band;
// its creation time seeds the time-trigger subsystem). The header roots
// are computed the same way PrepareBlock computes them, assuming every
// genesis instruction succeeds — a genesis that cannot apply cleanly is
// rejected at apply time.
func NewGenesisBlock(chainID string, authority wsv.AccountID, instructions []isi.Instruction, createdMillis int64) (types.Block, error) {
	encoded, err := isi.Encode(instructions)
	if err != nil {
		return types.Block{}, err
	}
	tx := types.Transaction{
		Payload: types.TransactionPayload{
			ChainID:      chainID,
			Authority:    authority,
			CreationTime: createdMillis,
			Executable:   types.Executable{Instructions: encoded},
		},
	}
	b := types.Block{
		Header: types.BlockHeader{
			Height:             1,
			CreationTimeMillis: createdMillis,
		},
		Body: types.BlockBody{Transactions: []types.Transaction{tx}},
	}
	b.Header.TransactionsRoot = transactionsRoot(b.Body.Transactions)
	b.Header.ResultReceiptsRoot = receiptsRoot([]receipt{{Index: 0, Accepted: true}})
	return b, nil
}
