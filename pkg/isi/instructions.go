// Package isi implements the deterministic instruction executor: one Go
// type per instruction family, dispatched against
// a wsv.WriteTx. Depth-first execution of composite instructions; any
// sub-instruction failure fails the enclosing transaction.
package isi

import (
	"github.com/kagami-chain/kagami/pkg/crypto"
	"github.com/kagami-chain/kagami/pkg/wsv"
)

// Instruction is the common interface every instruction family
// implements. Execute mutates tx or returns a *errs.Rejection (never a
// bare error) describing why it could not.
type Instruction interface {
	Execute(tx *wsv.WriteTx, authority wsv.AccountID) error
}

// --- Register / Unregister family ---

type RegisterDomain struct {
	ID    wsv.DomainID
	Owner wsv.AccountID // defaults to the transaction authority when empty
}

func (i RegisterDomain) Execute(tx *wsv.WriteTx, authority wsv.AccountID) error {
	owner := i.Owner
	if owner == "" {
		owner = authority
	}
	return tx.RegisterDomainOwned(i.ID, owner)
}

type UnregisterDomain struct {
	ID wsv.DomainID
}

func (i UnregisterDomain) Execute(tx *wsv.WriteTx, _ wsv.AccountID) error {
	return tx.UnregisterDomain(i.ID)
}

type RegisterAccount struct {
	Domain      wsv.DomainID
	ID          wsv.AccountID
	Signatories []crypto.PublicKey
}

func (i RegisterAccount) Execute(tx *wsv.WriteTx, _ wsv.AccountID) error {
	acc := &wsv.Account{
		ID:          i.ID,
		Signatories: i.Signatories,
		Assets:      make(map[wsv.AssetID]*wsv.Asset),
		Roles:       make(map[wsv.RoleID]bool),
		Permissions: make(map[wsv.PermissionID]bool),
		Metadata:    make(map[string]string),
	}
	return tx.RegisterAccount(i.Domain, acc)
}

type UnregisterAccount struct {
	Domain wsv.DomainID
	ID     wsv.AccountID
}

func (i UnregisterAccount) Execute(tx *wsv.WriteTx, _ wsv.AccountID) error {
	return tx.UnregisterAccount(i.Domain, i.ID)
}

type RegisterAssetDefinition struct {
	Domain   wsv.DomainID
	ID       wsv.AssetDefinitionID
	Owner    wsv.AccountID
	Spec     wsv.NumericSpec
	Mintable bool
}

func (i RegisterAssetDefinition) Execute(tx *wsv.WriteTx, _ wsv.AccountID) error {
	def := &wsv.AssetDefinition{
		ID:       i.ID,
		Owner:    i.Owner,
		Spec:     i.Spec,
		Mintable: i.Mintable,
		Metadata: make(map[string]string),
	}
	return tx.RegisterAssetDefinition(i.Domain, def)
}

type RegisterRole struct {
	ID          wsv.RoleID
	Permissions []wsv.PermissionID
}

func (i RegisterRole) Execute(tx *wsv.WriteTx, _ wsv.AccountID) error {
	r := &wsv.Role{ID: i.ID, Permissions: make(map[wsv.PermissionID]bool, len(i.Permissions))}
	for _, p := range i.Permissions {
		// Semantically equivalent permission spellings collapse to one
		// entry.
		r.Permissions[wsv.NormalizePermission(p)] = true
	}
	return tx.RegisterRole(r)
}

type UnregisterRole struct {
	ID wsv.RoleID
}

func (i UnregisterRole) Execute(tx *wsv.WriteTx, _ wsv.AccountID) error {
	return tx.UnregisterRole(i.ID)
}

type RegisterTrigger struct {
	ID         wsv.TriggerID
	Authority  wsv.AccountID
	Filter     wsv.TriggerFilter
	Executable []byte
	Repeats    uint32
}

func (i RegisterTrigger) Execute(tx *wsv.WriteTx, _ wsv.AccountID) error {
	t := &wsv.Trigger{ID: i.ID, Authority: i.Authority, Filter: i.Filter, Executable: i.Executable, Repeats: i.Repeats}
	return tx.RegisterTrigger(t)
}

type UnregisterTrigger struct {
	ID wsv.TriggerID
}

func (i UnregisterTrigger) Execute(tx *wsv.WriteTx, _ wsv.AccountID) error {
	return tx.UnregisterTrigger(i.ID)
}

// --- Mint / Burn family ---

type MintAsset struct {
	Domain  wsv.DomainID
	Account wsv.AccountID
	Asset   wsv.AssetID
	Amount  wsv.Quantity
}

func (i MintAsset) Execute(tx *wsv.WriteTx, _ wsv.AccountID) error {
	def, ok := tx.AssetDefinition(i.Domain, assetDefinitionOf(i.Asset))
	if !ok {
		return notFoundAssetDefinition(assetDefinitionOf(i.Asset))
	}
	if !def.Mintable {
		return notPermittedMint(i.Asset)
	}
	return tx.MintAsset(i.Domain, i.Account, i.Asset, i.Amount, def.Spec)
}

type BurnAsset struct {
	Domain  wsv.DomainID
	Account wsv.AccountID
	Asset   wsv.AssetID
	Amount  wsv.Quantity
}

func (i BurnAsset) Execute(tx *wsv.WriteTx, _ wsv.AccountID) error {
	def, ok := tx.AssetDefinition(i.Domain, assetDefinitionOf(i.Asset))
	if !ok {
		return notFoundAssetDefinition(assetDefinitionOf(i.Asset))
	}
	negated := wsv.Quantity{Value: -i.Amount.Value, Scale: i.Amount.Scale}
	return tx.MintAsset(i.Domain, i.Account, i.Asset, negated, def.Spec)
}

// --- Transfer family ---

type TransferAsset struct {
	Domain    wsv.DomainID
	From, To  wsv.AccountID
	Asset     wsv.AssetID
	DestAsset wsv.AssetID
	Amount    wsv.Quantity
}

func (i TransferAsset) Execute(tx *wsv.WriteTx, authority wsv.AccountID) error {
	def, ok := tx.AssetDefinition(i.Domain, assetDefinitionOf(i.Asset))
	if !ok {
		return notFoundAssetDefinition(assetDefinitionOf(i.Asset))
	}
	if err := tx.MintAsset(i.Domain, i.From, i.Asset, wsv.Quantity{Value: -i.Amount.Value, Scale: i.Amount.Scale}, def.Spec); err != nil {
		return err
	}
	return tx.MintAsset(i.Domain, i.To, i.DestAsset, i.Amount, def.Spec)
}

// --- SetKeyValue / RemoveKeyValue family ---

type SetAccountKeyValue struct {
	Domain wsv.DomainID
	ID     wsv.AccountID
	Key    string
	Value  string
}

func (i SetAccountKeyValue) Execute(tx *wsv.WriteTx, _ wsv.AccountID) error {
	return tx.MutateAccount(i.Domain, i.ID, func(a *wsv.Account) error {
		a.Metadata[i.Key] = i.Value
		return nil
	})
}

type RemoveAccountKeyValue struct {
	Domain wsv.DomainID
	ID     wsv.AccountID
	Key    string
}

func (i RemoveAccountKeyValue) Execute(tx *wsv.WriteTx, _ wsv.AccountID) error {
	return tx.MutateAccount(i.Domain, i.ID, func(a *wsv.Account) error {
		if _, ok := a.Metadata[i.Key]; !ok {
			return notFoundKey(i.Key)
		}
		delete(a.Metadata, i.Key)
		return nil
	})
}

// --- Grant / Revoke family ---

type GrantRole struct {
	Domain  wsv.DomainID
	Account wsv.AccountID
	Role    wsv.RoleID
}

func (i GrantRole) Execute(tx *wsv.WriteTx, _ wsv.AccountID) error {
	return tx.GrantRole(i.Domain, i.Account, i.Role)
}

type RevokeRole struct {
	Domain  wsv.DomainID
	Account wsv.AccountID
	Role    wsv.RoleID
}

func (i RevokeRole) Execute(tx *wsv.WriteTx, _ wsv.AccountID) error {
	return tx.RevokeRole(i.Domain, i.Account, i.Role)
}

type GrantPermission struct {
	Domain     wsv.DomainID
	Account    wsv.AccountID
	Permission wsv.PermissionID
}

func (i GrantPermission) Execute(tx *wsv.WriteTx, _ wsv.AccountID) error {
	return tx.GrantPermission(i.Domain, i.Account, wsv.NormalizePermission(i.Permission))
}

type RevokePermission struct {
	Domain     wsv.DomainID
	Account    wsv.AccountID
	Permission wsv.PermissionID
}

func (i RevokePermission) Execute(tx *wsv.WriteTx, _ wsv.AccountID) error {
	return tx.RevokePermission(i.Domain, i.Account, wsv.NormalizePermission(i.Permission))
}

// --- ExecuteTrigger ---

type ExecuteTrigger struct {
	ID wsv.TriggerID
}

func (i ExecuteTrigger) Execute(tx *wsv.WriteTx, authority wsv.AccountID) error {
	t, ok := tx.Trigger(i.ID)
	if !ok {
		return notFoundTrigger(i.ID)
	}
	// Manual invocation is permitted if the trigger's filter matches an
	// ExecuteTrigger event for this id, or the authority matches the
	// trigger's registered authority.
	if t.Filter.Kind != "execute-trigger" && t.Authority != authority {
		return notPermittedTrigger(i.ID)
	}
	tx.Emit(wsv.Event{Kind: "TriggerEvent", Payload: wsv.TriggerEvent{TriggerID: i.ID, Executed: true}})
	return nil
}

// --- SetParameter / NewParameter ---

// SetParameter updates a named parameter: the three built-in tunables
// by name, anything else through the custom-parameter table (which
// rejects unknown names with FindError).
type SetParameter struct {
	Name  string
	Value uint64 // built-in parameters are numeric
	Raw   string // custom parameters carry an opaque string value
}

func (i SetParameter) Execute(tx *wsv.WriteTx, _ wsv.AccountID) error {
	p := tx.Parameters()
	switch i.Name {
	case "max_transactions_per_block":
		p.MaxTransactionsPerBlock = uint32(i.Value)
	case "fuel_limit":
		p.FuelLimit = i.Value
	case "max_memory_bytes":
		p.MaxMemoryBytes = i.Value
	default:
		return tx.SetCustomParameter(i.Name, i.Raw)
	}
	tx.SetParameters(p)
	return nil
}

// NewParameter installs a custom parameter that did not exist before,
// rejecting a repeat installation with RepetitionError.
type NewParameter struct {
	Name string
	Raw  string
}

func (i NewParameter) Execute(tx *wsv.WriteTx, _ wsv.AccountID) error {
	return tx.NewCustomParameter(i.Name, i.Raw)
}

// --- Log ---

type Log struct {
	Level   string
	Message string
}

func (i Log) Execute(_ *wsv.WriteTx, _ wsv.AccountID) error {
	return nil // logging side effect is handled by the caller (executor host import), not WSV
}

// --- Composite instructions ---

type Sequence struct {
	Instructions []Instruction
}

func (i Sequence) Execute(tx *wsv.WriteTx, authority wsv.AccountID) error {
	for _, sub := range i.Instructions {
		if err := sub.Execute(tx, authority); err != nil {
			return err
		}
	}
	return nil
}

type Pair struct {
	First, Second Instruction
}

func (i Pair) Execute(tx *wsv.WriteTx, authority wsv.AccountID) error {
	if err := i.First.Execute(tx, authority); err != nil {
		return err
	}
	return i.Second.Execute(tx, authority)
}

// Predicate is the serializable condition an If instruction evaluates
// against the transaction's write view. Exactly one existence check is
// populated; Negate inverts the result. A data predicate (rather than a
// closure) keeps the instruction wire-encodable.
type Predicate struct {
	DomainExists  wsv.DomainID
	AccountExists wsv.AccountID // requires AccountDomain
	AccountDomain wsv.DomainID
	RoleExists    wsv.RoleID
	TriggerExists wsv.TriggerID
	Negate        bool
}

func (p Predicate) Eval(tx *wsv.WriteTx) bool {
	var hit bool
	switch {
	case p.DomainExists != "":
		_, hit = tx.Domain(p.DomainExists)
	case p.AccountExists != "":
		_, hit = tx.Account(p.AccountDomain, p.AccountExists)
	case p.RoleExists != "":
		_, hit = tx.Role(p.RoleExists)
	case p.TriggerExists != "":
		_, hit = tx.Trigger(p.TriggerExists)
	}
	if p.Negate {
		return !hit
	}
	return hit
}

type If struct {
	Predicate  Predicate
	Then, Else Instruction
}

func (i If) Execute(tx *wsv.WriteTx, authority wsv.AccountID) error {
	if i.Predicate.Eval(tx) {
		return i.Then.Execute(tx, authority)
	}
	if i.Else != nil {
		return i.Else.Execute(tx, authority)
	}
	return nil
}
