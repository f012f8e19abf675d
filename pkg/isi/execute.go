package isi

import "github.com/kagami-chain/kagami/pkg/wsv"

// Execute runs a full instruction sequence against tx under authority,
// stopping at the first failure. The caller is
// responsible for rolling tx back on a non-nil return.
func Execute(tx *wsv.WriteTx, authority wsv.AccountID, instructions []Instruction) error {
	for _, ins := range instructions {
		if err := ins.Execute(tx, authority); err != nil {
			return err
		}
	}
	return nil
}
