package isi

import (
	"fmt"

	"github.com/kagami-chain/kagami/internal/errs"
	"github.com/kagami-chain/kagami/pkg/crypto"
	"github.com/kagami-chain/kagami/pkg/wsv"
)

// Instruction families beyond the core Register/Mint/Transfer set:
// signatory management, trigger-repetition accounting, ownership
// transfers, the remaining SetKeyValue/RemoveKeyValue targets, peer-set
// changes and the executor Upgrade marker.

// --- Mint / Burn of account public keys ---

type MintSignatory struct {
	Domain  wsv.DomainID
	Account wsv.AccountID
	Key     crypto.PublicKey
}

func (i MintSignatory) Execute(tx *wsv.WriteTx, _ wsv.AccountID) error {
	return tx.MutateAccount(i.Domain, i.Account, func(a *wsv.Account) error {
		for _, existing := range a.Signatories {
			if existing == i.Key {
				return errs.NewRejection(errs.KindRepetition, fmt.Sprintf("account %q already has signatory %s", i.Account, i.Key))
			}
		}
		a.Signatories = append(a.Signatories, i.Key)
		return nil
	})
}

type BurnSignatory struct {
	Domain  wsv.DomainID
	Account wsv.AccountID
	Key     crypto.PublicKey
}

func (i BurnSignatory) Execute(tx *wsv.WriteTx, _ wsv.AccountID) error {
	return tx.MutateAccount(i.Domain, i.Account, func(a *wsv.Account) error {
		idx := -1
		for j, existing := range a.Signatories {
			if existing == i.Key {
				idx = j
				break
			}
		}
		if idx < 0 {
			return errs.NewRejection(errs.KindFind, fmt.Sprintf("account %q has no signatory %s", i.Account, i.Key))
		}
		if len(a.Signatories) == 1 {
			return errs.NewRejection(errs.KindInvariant, fmt.Sprintf("account %q would be left without signatories", i.Account))
		}
		a.Signatories = append(a.Signatories[:idx], a.Signatories[idx+1:]...)
		return nil
	})
}

// --- Mint / Burn of trigger repetitions ---

type MintTriggerRepetitions struct {
	ID    wsv.TriggerID
	Count uint32
}

func (i MintTriggerRepetitions) Execute(tx *wsv.WriteTx, _ wsv.AccountID) error {
	return tx.MutateTrigger(i.ID, func(t *wsv.Trigger) error {
		t.Repeats += i.Count
		return nil
	})
}

type BurnTriggerRepetitions struct {
	ID    wsv.TriggerID
	Count uint32
}

func (i BurnTriggerRepetitions) Execute(tx *wsv.WriteTx, _ wsv.AccountID) error {
	return tx.MutateTrigger(i.ID, func(t *wsv.Trigger) error {
		if t.Repeats < i.Count {
			return errs.NewRejection(errs.KindMath, fmt.Sprintf("trigger %q has %d repetitions, cannot burn %d", i.ID, t.Repeats, i.Count))
		}
		t.Repeats -= i.Count
		return nil
	})
}

// --- Ownership transfers ---

type TransferDomain struct {
	ID       wsv.DomainID
	From, To wsv.AccountID
}

func (i TransferDomain) Execute(tx *wsv.WriteTx, _ wsv.AccountID) error {
	return tx.TransferDomain(i.ID, i.From, i.To)
}

type TransferAssetDefinition struct {
	Domain   wsv.DomainID
	ID       wsv.AssetDefinitionID
	From, To wsv.AccountID
}

func (i TransferAssetDefinition) Execute(tx *wsv.WriteTx, _ wsv.AccountID) error {
	return tx.TransferAssetDefinition(i.Domain, i.ID, i.From, i.To)
}

// --- SetKeyValue / RemoveKeyValue on domain, asset definition, asset
// and trigger (the account pair lives in instructions.go) ---

type SetDomainKeyValue struct {
	ID         wsv.DomainID
	Key, Value string
}

func (i SetDomainKeyValue) Execute(tx *wsv.WriteTx, _ wsv.AccountID) error {
	return tx.MutateDomain(i.ID, func(d *wsv.Domain) error {
		d.Metadata[i.Key] = i.Value
		return nil
	})
}

type RemoveDomainKeyValue struct {
	ID  wsv.DomainID
	Key string
}

func (i RemoveDomainKeyValue) Execute(tx *wsv.WriteTx, _ wsv.AccountID) error {
	return tx.MutateDomain(i.ID, func(d *wsv.Domain) error {
		if _, ok := d.Metadata[i.Key]; !ok {
			return notFoundKey(i.Key)
		}
		delete(d.Metadata, i.Key)
		return nil
	})
}

type SetAssetDefinitionKeyValue struct {
	Domain     wsv.DomainID
	ID         wsv.AssetDefinitionID
	Key, Value string
}

func (i SetAssetDefinitionKeyValue) Execute(tx *wsv.WriteTx, _ wsv.AccountID) error {
	return tx.MutateAssetDefinition(i.Domain, i.ID, func(def *wsv.AssetDefinition) error {
		def.Metadata[i.Key] = i.Value
		return nil
	})
}

type RemoveAssetDefinitionKeyValue struct {
	Domain wsv.DomainID
	ID     wsv.AssetDefinitionID
	Key    string
}

func (i RemoveAssetDefinitionKeyValue) Execute(tx *wsv.WriteTx, _ wsv.AccountID) error {
	return tx.MutateAssetDefinition(i.Domain, i.ID, func(def *wsv.AssetDefinition) error {
		if _, ok := def.Metadata[i.Key]; !ok {
			return notFoundKey(i.Key)
		}
		delete(def.Metadata, i.Key)
		return nil
	})
}

type SetAssetKeyValue struct {
	Domain     wsv.DomainID
	Account    wsv.AccountID
	Asset      wsv.AssetID
	Key, Value string
}

func (i SetAssetKeyValue) Execute(tx *wsv.WriteTx, _ wsv.AccountID) error {
	return tx.MutateAsset(i.Domain, i.Account, wsv.NormalizeAssetID(i.Asset), func(a *wsv.Asset) error {
		a.Metadata[i.Key] = i.Value
		return nil
	})
}

type RemoveAssetKeyValue struct {
	Domain  wsv.DomainID
	Account wsv.AccountID
	Asset   wsv.AssetID
	Key     string
}

func (i RemoveAssetKeyValue) Execute(tx *wsv.WriteTx, _ wsv.AccountID) error {
	return tx.MutateAsset(i.Domain, i.Account, wsv.NormalizeAssetID(i.Asset), func(a *wsv.Asset) error {
		if _, ok := a.Metadata[i.Key]; !ok {
			return notFoundKey(i.Key)
		}
		delete(a.Metadata, i.Key)
		return nil
	})
}

type SetTriggerKeyValue struct {
	ID         wsv.TriggerID
	Key, Value string
}

func (i SetTriggerKeyValue) Execute(tx *wsv.WriteTx, _ wsv.AccountID) error {
	return tx.MutateTrigger(i.ID, func(t *wsv.Trigger) error {
		t.Metadata[i.Key] = i.Value
		return nil
	})
}

type RemoveTriggerKeyValue struct {
	ID  wsv.TriggerID
	Key string
}

func (i RemoveTriggerKeyValue) Execute(tx *wsv.WriteTx, _ wsv.AccountID) error {
	return tx.MutateTrigger(i.ID, func(t *wsv.Trigger) error {
		if _, ok := t.Metadata[i.Key]; !ok {
			return notFoundKey(i.Key)
		}
		delete(t.Metadata, i.Key)
		return nil
	})
}

// --- Peer set ---

type RegisterPeer struct {
	ID wsv.PeerID
}

func (i RegisterPeer) Execute(tx *wsv.WriteTx, _ wsv.AccountID) error {
	return tx.RegisterPeer(i.ID)
}

type UnregisterPeer struct {
	ID wsv.PeerID
}

func (i UnregisterPeer) Execute(tx *wsv.WriteTx, _ wsv.AccountID) error {
	return tx.UnregisterPeer(i.ID)
}

// --- Upgrade (executor) ---

// Upgrade swaps the programmable-policy executor for the module carried
// in Raw. The block pipeline intercepts this instruction and runs the
// sandboxed migrate entry point before the swap; it is
// never executed through this method directly.
type Upgrade struct {
	Raw []byte
}

func (i Upgrade) Execute(_ *wsv.WriteTx, _ wsv.AccountID) error {
	return errs.NewRejection(errs.KindInvariant, "executor upgrade outside block pipeline")
}
