package isi

import (
	"encoding/gob"

	"github.com/kagami-chain/kagami/internal/errs"
	"github.com/kagami-chain/kagami/pkg/crypto/canonical"
)

// Every concrete instruction type is registered with gob so an
// []Instruction round-trips through the same canonical encoding blocks
// and transactions use. Executables on the wire are the encoded form
// (types.Executable.Instructions); Encode/Decode are the only two
// functions that touch it.
func init() {
	gob.Register(RegisterDomain{})
	gob.Register(UnregisterDomain{})
	gob.Register(RegisterAccount{})
	gob.Register(UnregisterAccount{})
	gob.Register(RegisterAssetDefinition{})
	gob.Register(RegisterRole{})
	gob.Register(UnregisterRole{})
	gob.Register(RegisterTrigger{})
	gob.Register(UnregisterTrigger{})
	gob.Register(RegisterPeer{})
	gob.Register(UnregisterPeer{})
	gob.Register(MintAsset{})
	gob.Register(BurnAsset{})
	gob.Register(MintSignatory{})
	gob.Register(BurnSignatory{})
	gob.Register(MintTriggerRepetitions{})
	gob.Register(BurnTriggerRepetitions{})
	gob.Register(TransferAsset{})
	gob.Register(TransferAssetDefinition{})
	gob.Register(TransferDomain{})
	gob.Register(SetAccountKeyValue{})
	gob.Register(RemoveAccountKeyValue{})
	gob.Register(SetDomainKeyValue{})
	gob.Register(RemoveDomainKeyValue{})
	gob.Register(SetAssetDefinitionKeyValue{})
	gob.Register(RemoveAssetDefinitionKeyValue{})
	gob.Register(SetAssetKeyValue{})
	gob.Register(RemoveAssetKeyValue{})
	gob.Register(SetTriggerKeyValue{})
	gob.Register(RemoveTriggerKeyValue{})
	gob.Register(GrantRole{})
	gob.Register(RevokeRole{})
	gob.Register(GrantPermission{})
	gob.Register(RevokePermission{})
	gob.Register(ExecuteTrigger{})
	gob.Register(Upgrade{})
	gob.Register(SetParameter{})
	gob.Register(NewParameter{})
	gob.Register(Log{})
	gob.Register(Sequence{})
	gob.Register(Pair{})
	gob.Register(If{})
}

// instructionList boxes the slice so gob encodes the interface values
// with their concrete-type tags.
type instructionList struct {
	Instructions []Instruction
}

// Encode serializes an instruction sequence into the opaque executable
// bytes a types.Transaction carries.
func Encode(instructions []Instruction) ([]byte, error) {
	return canonical.Encode(instructionList{Instructions: instructions})
}

// Decode reverses Encode. A malformed payload is a ConversionError: the
// transaction carrying it is rejected, never the block.
func Decode(encoded []byte) ([]Instruction, error) {
	var list instructionList
	if err := canonical.Decode(encoded, &list); err != nil {
		return nil, errs.WrapRejection(errs.KindConversion, "malformed instruction payload", err)
	}
	return list.Instructions, nil
}
