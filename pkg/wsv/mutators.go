package wsv

import (
	"fmt"

	"github.com/kagami-chain/kagami/internal/errs"
)

// Mutators in this file follow the same copy-on-write discipline as
// store.go's: a top-level map is never mutated in place, it is replaced
// by a clone carrying the change, so a Savepoint taken earlier (and any
// View taken before the transaction began) stays stable.

// Savepoint captures the transaction's state so a single failing
// transaction inside a block can be unwound without discarding the
// whole block's WriteTx.
type Savepoint struct {
	domains   map[DomainID]*Domain
	roles     map[RoleID]*Role
	triggers  map[TriggerID]*Trigger
	peers     map[PeerID]bool
	params    Parameters
	eventsLen int
}

func (tx *WriteTx) Savepoint() Savepoint {
	sp := Savepoint{
		domains:   make(map[DomainID]*Domain, len(tx.domains)),
		roles:     tx.roles,
		triggers:  tx.triggers,
		peers:     make(map[PeerID]bool, len(tx.peers)),
		params:    tx.params,
		eventsLen: len(tx.pendingEvents),
	}
	for k, d := range tx.domains {
		sp.domains[k] = d
	}
	for k := range tx.peers {
		sp.peers[k] = true
	}
	return sp
}

// RestoreTo rewinds tx to sp, discarding every mutation and event
// emitted since the savepoint was taken. The roles and triggers maps
// are captured by reference: their mutators replace the map wholesale
// rather than mutating it, so the reference alone is a stable snapshot.
func (tx *WriteTx) RestoreTo(sp Savepoint) {
	tx.domains = sp.domains
	tx.roles = sp.roles
	tx.triggers = sp.triggers
	tx.peers = sp.peers
	tx.params = sp.params
	tx.pendingEvents = tx.pendingEvents[:sp.eventsLen]
}

// Triggers exposes the transaction's trigger table for the block
// pipeline's time-schedule pass. Callers must treat it as read-only and
// go through MutateTrigger/RegisterTrigger/UnregisterTrigger to change
// anything.
func (tx *WriteTx) Triggers() map[TriggerID]*Trigger { return tx.triggers }

// --- peer set ---

func (tx *WriteTx) RegisterPeer(id PeerID) error {
	if _, exists := tx.peers[id]; exists {
		return errs.NewRejection(errs.KindRepetition, fmt.Sprintf("peer %q already registered", id))
	}
	peers := make(map[PeerID]bool, len(tx.peers)+1)
	for k := range tx.peers {
		peers[k] = true
	}
	peers[id] = true
	tx.peers = peers
	return nil
}

func (tx *WriteTx) UnregisterPeer(id PeerID) error {
	if _, exists := tx.peers[id]; !exists {
		return errs.NewRejection(errs.KindFind, fmt.Sprintf("peer %q not found", id))
	}
	peers := make(map[PeerID]bool, len(tx.peers))
	for k := range tx.peers {
		if k != id {
			peers[k] = true
		}
	}
	tx.peers = peers
	return nil
}

// --- domain / asset-definition / trigger mutation ---

// MutateDomain copy-on-writes the domain and passes the clone to fn,
// the domain-level analogue of MutateAccount.
func (tx *WriteTx) MutateDomain(id DomainID, fn func(*Domain) error) error {
	d := tx.cloneDomain(id)
	if d == nil {
		return errs.NewRejection(errs.KindFind, fmt.Sprintf("domain %q not found", id))
	}
	return fn(d)
}

// TransferDomain reassigns domain ownership.
func (tx *WriteTx) TransferDomain(id DomainID, from, to AccountID) error {
	return tx.MutateDomain(id, func(d *Domain) error {
		if d.Owner != from {
			return errs.NewRejection(errs.KindInvariant, fmt.Sprintf("domain %q is not owned by %q", id, from))
		}
		d.Owner = to
		return nil
	})
}

// MutateAssetDefinition copy-on-writes the domain and the definition
// before handing the clone to fn.
func (tx *WriteTx) MutateAssetDefinition(domainID DomainID, id AssetDefinitionID, fn func(*AssetDefinition) error) error {
	d := tx.cloneDomain(domainID)
	if d == nil {
		return errs.NewRejection(errs.KindFind, fmt.Sprintf("domain %q not found", domainID))
	}
	existing, ok := d.AssetDefinitions[id]
	if !ok {
		return errs.NewRejection(errs.KindFind, fmt.Sprintf("asset definition %q not found", id))
	}
	clone := &AssetDefinition{
		ID:       existing.ID,
		Owner:    existing.Owner,
		Spec:     existing.Spec,
		Mintable: existing.Mintable,
		Metadata: cloneStringMap(existing.Metadata),
	}
	if err := fn(clone); err != nil {
		return err
	}
	d.AssetDefinitions[id] = clone
	return nil
}

// TransferAssetDefinition reassigns definition ownership.
func (tx *WriteTx) TransferAssetDefinition(domainID DomainID, id AssetDefinitionID, from, to AccountID) error {
	return tx.MutateAssetDefinition(domainID, id, func(def *AssetDefinition) error {
		if def.Owner != from {
			return errs.NewRejection(errs.KindInvariant, fmt.Sprintf("asset definition %q is not owned by %q", id, from))
		}
		def.Owner = to
		return nil
	})
}

// MutateTrigger clones the triggers map and the trigger before handing
// the clone to fn, same discipline as RegisterTrigger/UnregisterTrigger.
func (tx *WriteTx) MutateTrigger(id TriggerID, fn func(*Trigger) error) error {
	existing, ok := tx.triggers[id]
	if !ok {
		return errs.NewRejection(errs.KindFind, fmt.Sprintf("trigger %q not found", id))
	}
	clone := &Trigger{
		ID:         existing.ID,
		Authority:  existing.Authority,
		Filter:     existing.Filter,
		Executable: existing.Executable,
		Repeats:    existing.Repeats,
		FiredCount: existing.FiredCount,
		Metadata:   cloneStringMap(existing.Metadata),
	}
	if err := fn(clone); err != nil {
		return err
	}
	triggers := cloneTriggerMap(tx.triggers)
	triggers[id] = clone
	tx.triggers = triggers
	return nil
}

// --- asset metadata ---

// MutateAsset copy-on-writes an account's asset entry. The asset must
// already exist; minting a zero quantity first is the way to create
// one.
func (tx *WriteTx) MutateAsset(domainID DomainID, accID AccountID, assetID AssetID, fn func(*Asset) error) error {
	return tx.MutateAccount(domainID, accID, func(a *Account) error {
		asset, ok := a.Assets[assetID]
		if !ok {
			return errs.NewRejection(errs.KindFind, fmt.Sprintf("asset %q not found on account %q", assetID, accID))
		}
		if asset.Metadata == nil {
			asset.Metadata = make(map[string]string)
		}
		return fn(asset)
	})
}

// --- custom parameters ---

// NewCustomParameter installs a previously unknown custom parameter,
// rejecting a repeat installation with RepetitionError; SetCustomParameter
// updates an existing one, rejecting an unknown name with FindError.
// Split this way so NewParameter/SetParameter keep the Register-vs-Mutate
// semantics the rest of §4.3's instruction set has.
func (tx *WriteTx) NewCustomParameter(name, value string) error {
	if _, exists := tx.params.Custom[name]; exists {
		return errs.NewRejection(errs.KindRepetition, fmt.Sprintf("parameter %q already exists", name))
	}
	custom := cloneStringMap(tx.params.Custom)
	custom[name] = value
	tx.params.Custom = custom
	return nil
}

func (tx *WriteTx) SetCustomParameter(name, value string) error {
	if _, exists := tx.params.Custom[name]; !exists {
		return errs.NewRejection(errs.KindFind, fmt.Sprintf("parameter %q not found", name))
	}
	custom := cloneStringMap(tx.params.Custom)
	custom[name] = value
	tx.params.Custom = custom
	return nil
}
