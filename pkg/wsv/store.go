package wsv

import (
	"fmt"
	"sync"

	"github.com/kagami-chain/kagami/internal/errs"
	"github.com/kagami-chain/kagami/pkg/crypto"
)

// WSV is the exclusive owner of the typed world state. One
// writer (the Sumeragi thread, via Begin/Commit/Rollback) and many
// concurrent readers (via View) are supported; a reader never observes a
// half-applied block.
type WSV struct {
	mu sync.RWMutex

	domains    map[DomainID]*Domain
	roles      map[RoleID]*Role
	triggers   map[TriggerID]*Trigger
	peers      map[PeerID]bool
	parameters Parameters

	height          uint64
	latestBlockHash [32]byte
	blockHashes     [][32]byte // index i == height i+1

	bus *eventBus

	writing bool // true while a WriteTx is open; guards against concurrent Begin
}

func New(eventBufferSize int) *WSV {
	return &WSV{
		domains:    make(map[DomainID]*Domain),
		roles:      make(map[RoleID]*Role),
		triggers:   make(map[TriggerID]*Trigger),
		peers:      make(map[PeerID]bool),
		parameters: DefaultParameters(),
		bus:        newEventBus(eventBufferSize),
	}
}

func (w *WSV) Subscribe() *Subscription {
	return w.bus.subscribe()
}

// View is a read-only, internally consistent snapshot. It never observes
// state from a transaction still being applied.
type View struct {
	domains    map[DomainID]*Domain
	roles      map[RoleID]*Role
	triggers   map[TriggerID]*Trigger
	peers      map[PeerID]bool
	parameters Parameters
	height     uint64
	latestHash [32]byte
}

// View takes a consistent snapshot of the committed state. The snapshot
// is a shallow copy of the top-level maps; entities inside are never
// mutated in place by WriteTx (copy-on-write happens at the entity level
// in WriteTx), so a View's reads remain stable even while a later block
// is being applied concurrently.
func (w *WSV) View() *View {
	w.mu.RLock()
	defer w.mu.RUnlock()
	v := &View{
		domains:    make(map[DomainID]*Domain, len(w.domains)),
		roles:      make(map[RoleID]*Role, len(w.roles)),
		triggers:   make(map[TriggerID]*Trigger, len(w.triggers)),
		peers:      make(map[PeerID]bool, len(w.peers)),
		parameters: w.parameters,
		height:     w.height,
		latestHash: w.latestBlockHash,
	}
	for k, d := range w.domains {
		v.domains[k] = d
	}
	for k, r := range w.roles {
		v.roles[k] = r
	}
	for k, t := range w.triggers {
		v.triggers[k] = t
	}
	for k := range w.peers {
		v.peers[k] = true
	}
	return v
}

func (v *View) Height() uint64            { return v.height }
func (v *View) LatestBlockHash() [32]byte { return v.latestHash }
func (v *View) Parameters() Parameters    { return v.parameters }

func (v *View) Domain(id DomainID) (*Domain, bool) {
	d, ok := v.domains[id]
	return d, ok
}

func (v *View) Domains() map[DomainID]*Domain { return v.domains }

func (v *View) Role(id RoleID) (*Role, bool) {
	r, ok := v.roles[id]
	return r, ok
}

func (v *View) Trigger(id TriggerID) (*Trigger, bool) {
	t, ok := v.triggers[id]
	return t, ok
}

func (v *View) Triggers() map[TriggerID]*Trigger { return v.triggers }

func (v *View) Roles() map[RoleID]*Role { return v.roles }

func (v *View) Peers() map[PeerID]bool { return v.peers }

func (v *View) HasPeer(id PeerID) bool {
	_, ok := v.peers[id]
	return ok
}

func (v *View) Account(domain DomainID, id AccountID) (*Account, bool) {
	d, ok := v.domains[domain]
	if !ok {
		return nil, false
	}
	a, ok := d.Accounts[id]
	return a, ok
}

func (w *WSV) Height() uint64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.height
}

func (w *WSV) LatestBlockHash() [32]byte {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.latestBlockHash
}

func (w *WSV) BlockHashes() [][32]byte {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([][32]byte, len(w.blockHashes))
	copy(out, w.blockHashes)
	return out
}

// Snapshot is the gob-encodable projection of WSV's committed state
// exported for pkg/snapshot.
type Snapshot struct {
	Domains         map[DomainID]*Domain
	Roles           map[RoleID]*Role
	Triggers        map[TriggerID]*Trigger
	Peers           map[PeerID]bool
	Parameters      Parameters
	Height          uint64
	LatestBlockHash [32]byte
	BlockHashes     [][32]byte
}

// Export snapshots the full committed state, not just the top-level maps View returns, since a
// snapshot must be restorable into a fresh WSV at startup.
func (w *WSV) Export() Snapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()
	s := Snapshot{
		Domains:         make(map[DomainID]*Domain, len(w.domains)),
		Roles:           make(map[RoleID]*Role, len(w.roles)),
		Triggers:        make(map[TriggerID]*Trigger, len(w.triggers)),
		Peers:           make(map[PeerID]bool, len(w.peers)),
		Parameters:      w.parameters,
		Height:          w.height,
		LatestBlockHash: w.latestBlockHash,
		BlockHashes:     append([][32]byte(nil), w.blockHashes...),
	}
	for k, d := range w.domains {
		s.Domains[k] = d
	}
	for k, r := range w.roles {
		s.Roles[k] = r
	}
	for k, t := range w.triggers {
		s.Triggers[k] = t
	}
	for k := range w.peers {
		s.Peers[k] = true
	}
	return s
}

// Restore installs a previously exported Snapshot as the committed
// state. It is only safe to call before any block has been applied to
// w (startup load).
func (w *WSV) Restore(s Snapshot) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.domains = s.Domains
	w.roles = s.Roles
	w.triggers = s.Triggers
	w.peers = s.Peers
	if w.peers == nil {
		w.peers = make(map[PeerID]bool)
	}
	w.parameters = s.Parameters
	w.height = s.Height
	w.latestBlockHash = s.LatestBlockHash
	w.blockHashes = s.BlockHashes
}

// WriteTx is the sole write handle into WSV, exclusively held for the
// duration of applying one block. It operates on
// copy-on-write clones of the top-level maps so Rollback is simply
// discarding the clone, never touching committed state.
type WriteTx struct {
	wsv *WSV

	domains  map[DomainID]*Domain
	roles    map[RoleID]*Role
	triggers map[TriggerID]*Trigger
	peers    map[PeerID]bool
	params   Parameters

	pendingEvents []Event
	closed        bool
}

// Begin opens the sole write transaction. Callers MUST call Commit or
// Rollback exactly once; Begin panics if a transaction is already open,
// which indicates a programming error in the single-threaded consensus
// loop that is WSV's only writer.
func (w *WSV) Begin() *WriteTx {
	w.mu.Lock()
	if w.writing {
		w.mu.Unlock()
		panic("wsv: Begin called while a write transaction is already open")
	}
	w.writing = true

	tx := &WriteTx{
		wsv:      w,
		domains:  make(map[DomainID]*Domain, len(w.domains)),
		roles:    make(map[RoleID]*Role, len(w.roles)),
		triggers: make(map[TriggerID]*Trigger, len(w.triggers)),
		peers:    make(map[PeerID]bool, len(w.peers)),
		params:   w.parameters,
	}
	for k, d := range w.domains {
		tx.domains[k] = d
	}
	for k, r := range w.roles {
		tx.roles[k] = r
	}
	for k, t := range w.triggers {
		tx.triggers[k] = t
	}
	for k := range w.peers {
		tx.peers[k] = true
	}
	w.mu.Unlock()
	return tx
}

// Rollback discards every change made on tx, leaving WSV byte-identical
// to its pre-transaction state.
func (tx *WriteTx) Rollback() {
	if tx.closed {
		return
	}
	tx.closed = true
	tx.wsv.mu.Lock()
	tx.wsv.writing = false
	tx.wsv.mu.Unlock()
}

// Commit installs tx's state as the new committed state, bumps height
// and the block-hash index, and publishes every event queued during the
// transaction. It is the only place WSV's top-level maps are replaced.
func (tx *WriteTx) Commit(blockHash [32]byte) {
	if tx.closed {
		panic("wsv: Commit called on a closed transaction")
	}
	tx.closed = true

	w := tx.wsv
	w.mu.Lock()
	w.domains = tx.domains
	w.roles = tx.roles
	w.triggers = tx.triggers
	w.peers = tx.peers
	w.parameters = tx.params
	w.height++
	w.latestBlockHash = blockHash
	w.blockHashes = append(w.blockHashes, blockHash)
	height := w.height
	w.writing = false
	events := append(tx.pendingEvents, Event{Kind: "BlockEvent", Payload: BlockEvent{Height: height, Hash: blockHash}})
	w.mu.Unlock()

	for _, ev := range events {
		w.bus.publish(ev)
	}
}

func (tx *WriteTx) Emit(ev Event) {
	tx.pendingEvents = append(tx.pendingEvents, ev)
}

func (tx *WriteTx) Parameters() Parameters { return tx.params }

func (tx *WriteTx) SetParameters(p Parameters) { tx.params = p }

// cloneDomain copy-on-writes a domain entry before tx mutates it, so
// other holders of the pre-transaction View never see the mutation.
func (tx *WriteTx) cloneDomain(id DomainID) *Domain {
	existing, ok := tx.domains[id]
	if !ok {
		return nil
	}
	clone := &Domain{
		ID:               existing.ID,
		Owner:            existing.Owner,
		Logo:             existing.Logo,
		Metadata:         cloneStringMap(existing.Metadata),
		Accounts:         make(map[AccountID]*Account, len(existing.Accounts)),
		AssetDefinitions: make(map[AssetDefinitionID]*AssetDefinition, len(existing.AssetDefinitions)),
	}
	for k, v := range existing.Accounts {
		clone.Accounts[k] = v
	}
	for k, v := range existing.AssetDefinitions {
		clone.AssetDefinitions[k] = v
	}
	tx.domains[id] = clone
	return clone
}

func cloneStringMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Domain, Account and friends below are the mutators the instruction
// executor (pkg/isi) drives; each returns a tagged *errs.Rejection on
// failure rather than a bare error.

func (tx *WriteTx) Domain(id DomainID) (*Domain, bool) {
	d, ok := tx.domains[id]
	return d, ok
}

func (tx *WriteTx) RegisterDomain(id DomainID) error {
	return tx.RegisterDomainOwned(id, "")
}

// RegisterDomainOwned records owner as the domain's owning account,
// the authority TransferDomain reassigns and the policy layer consults.
func (tx *WriteTx) RegisterDomainOwned(id DomainID, owner AccountID) error {
	if _, exists := tx.domains[id]; exists {
		return errs.NewRejection(errs.KindRepetition, fmt.Sprintf("domain %q already registered", id))
	}
	d := newDomain(id)
	d.Owner = owner
	tx.domains[id] = d
	tx.Emit(Event{Kind: "DomainEvent", Payload: DomainEvent{DomainID: id, Created: true}})
	return nil
}

func (tx *WriteTx) UnregisterDomain(id DomainID) error {
	if _, exists := tx.domains[id]; !exists {
		return errs.NewRejection(errs.KindFind, fmt.Sprintf("domain %q not found", id))
	}
	delete(tx.domains, id)
	tx.Emit(Event{Kind: "DomainEvent", Payload: DomainEvent{DomainID: id, Created: false}})
	return nil
}

// RegisterAccount inserts a fully-constructed account built by the isi
// Register-account instruction.
func (tx *WriteTx) RegisterAccount(domainID DomainID, acc *Account) error {
	d := tx.cloneDomain(domainID)
	if d == nil {
		return errs.NewRejection(errs.KindFind, fmt.Sprintf("domain %q not found", domainID))
	}
	if _, exists := d.Accounts[acc.ID]; exists {
		return errs.NewRejection(errs.KindRepetition, fmt.Sprintf("account %q already registered", acc.ID))
	}
	d.Accounts[acc.ID] = acc
	tx.Emit(Event{Kind: "AccountEvent", Payload: AccountEvent{AccountID: acc.ID, Created: true}})
	return nil
}

func (tx *WriteTx) UnregisterAccount(domainID DomainID, id AccountID) error {
	d := tx.cloneDomain(domainID)
	if d == nil {
		return errs.NewRejection(errs.KindFind, fmt.Sprintf("domain %q not found", domainID))
	}
	if _, exists := d.Accounts[id]; !exists {
		return errs.NewRejection(errs.KindFind, fmt.Sprintf("account %q not found", id))
	}
	delete(d.Accounts, id)
	tx.Emit(Event{Kind: "AccountEvent", Payload: AccountEvent{AccountID: id, Created: false}})
	return nil
}

func (tx *WriteTx) Account(domainID DomainID, id AccountID) (*Account, bool) {
	d, ok := tx.domains[domainID]
	if !ok {
		return nil, false
	}
	a, ok := d.Accounts[id]
	return a, ok
}

// MutateAccount copy-on-writes both the domain and the account, passes
// the clone to fn, and stores the clone back if fn succeeds. Used by
// pkg/isi for Mint/Burn/Transfer/Grant/Revoke/SetKeyValue instructions
// that need to modify an existing account.
func (tx *WriteTx) MutateAccount(domainID DomainID, id AccountID, fn func(*Account) error) error {
	d := tx.cloneDomain(domainID)
	if d == nil {
		return errs.NewRejection(errs.KindFind, fmt.Sprintf("domain %q not found", domainID))
	}
	existing, ok := d.Accounts[id]
	if !ok {
		return errs.NewRejection(errs.KindFind, fmt.Sprintf("account %q not found", id))
	}
	clone := &Account{
		ID:          existing.ID,
		Signatories: append([]crypto.PublicKey(nil), existing.Signatories...),
		Assets:      make(map[AssetID]*Asset, len(existing.Assets)),
		Roles:       make(map[RoleID]bool, len(existing.Roles)),
		Permissions: make(map[PermissionID]bool, len(existing.Permissions)),
		Metadata:    cloneStringMap(existing.Metadata),
	}
	for k, v := range existing.Assets {
		assetClone := *v
		assetClone.Metadata = cloneStringMap(v.Metadata)
		clone.Assets[k] = &assetClone
	}
	for k := range existing.Roles {
		clone.Roles[k] = true
	}
	for k := range existing.Permissions {
		clone.Permissions[k] = true
	}
	if err := fn(clone); err != nil {
		return err
	}
	d.Accounts[id] = clone
	return nil
}

func (tx *WriteTx) Role(id RoleID) (*Role, bool) {
	r, ok := tx.roles[id]
	return r, ok
}

func (tx *WriteTx) RegisterRole(r *Role) error {
	if _, exists := tx.roles[r.ID]; exists {
		return errs.NewRejection(errs.KindRepetition, fmt.Sprintf("role %q already registered", r.ID))
	}
	tx.roles = cloneRoleMap(tx.roles)
	tx.roles[r.ID] = r
	tx.Emit(Event{Kind: "RoleEvent", Payload: RoleEvent{RoleID: r.ID, Granted: true}})
	return nil
}

func (tx *WriteTx) UnregisterRole(id RoleID) error {
	if _, exists := tx.roles[id]; !exists {
		return errs.NewRejection(errs.KindFind, fmt.Sprintf("role %q not found", id))
	}
	tx.roles = cloneRoleMap(tx.roles)
	delete(tx.roles, id)
	tx.Emit(Event{Kind: "RoleEvent", Payload: RoleEvent{RoleID: id, Granted: false}})
	return nil
}

func cloneRoleMap(m map[RoleID]*Role) map[RoleID]*Role {
	out := make(map[RoleID]*Role, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// GrantRole adds roleID to account id's role set, rejecting a repeat
// grant with RepetitionError.
func (tx *WriteTx) GrantRole(domainID DomainID, id AccountID, roleID RoleID) error {
	if _, ok := tx.roles[roleID]; !ok {
		return errs.NewRejection(errs.KindFind, fmt.Sprintf("role %q not found", roleID))
	}
	return tx.MutateAccount(domainID, id, func(a *Account) error {
		if _, already := a.Roles[roleID]; already {
			return errs.NewRejection(errs.KindRepetition, fmt.Sprintf("account %q already has role %q", id, roleID))
		}
		a.Roles[roleID] = true
		return nil
	})
}

// RevokeRole removes roleID from account id's role set, rejecting the
// absence case with FindError.
func (tx *WriteTx) RevokeRole(domainID DomainID, id AccountID, roleID RoleID) error {
	return tx.MutateAccount(domainID, id, func(a *Account) error {
		if _, present := a.Roles[roleID]; !present {
			return errs.NewRejection(errs.KindFind, fmt.Sprintf("account %q does not have role %q", id, roleID))
		}
		delete(a.Roles, roleID)
		return nil
	})
}

// GrantPermission and RevokePermission mirror GrantRole/RevokeRole for
// directly-granted permissions (as opposed to permissions inherited
// through a role).
func (tx *WriteTx) GrantPermission(domainID DomainID, id AccountID, perm PermissionID) error {
	return tx.MutateAccount(domainID, id, func(a *Account) error {
		if _, already := a.Permissions[perm]; already {
			return errs.NewRejection(errs.KindRepetition, fmt.Sprintf("account %q already has permission %q", id, perm))
		}
		a.Permissions[perm] = true
		return nil
	})
}

func (tx *WriteTx) RevokePermission(domainID DomainID, id AccountID, perm PermissionID) error {
	return tx.MutateAccount(domainID, id, func(a *Account) error {
		if _, present := a.Permissions[perm]; !present {
			return errs.NewRejection(errs.KindFind, fmt.Sprintf("account %q does not have permission %q", id, perm))
		}
		delete(a.Permissions, perm)
		return nil
	})
}

func (tx *WriteTx) Trigger(id TriggerID) (*Trigger, bool) {
	t, ok := tx.triggers[id]
	return t, ok
}

func (tx *WriteTx) RegisterTrigger(t *Trigger) error {
	if _, exists := tx.triggers[t.ID]; exists {
		return errs.NewRejection(errs.KindRepetition, fmt.Sprintf("trigger %q already registered", t.ID))
	}
	tx.triggers = cloneTriggerMap(tx.triggers)
	tx.triggers[t.ID] = t
	return nil
}

func (tx *WriteTx) UnregisterTrigger(id TriggerID) error {
	if _, exists := tx.triggers[id]; !exists {
		return errs.NewRejection(errs.KindFind, fmt.Sprintf("trigger %q not found", id))
	}
	tx.triggers = cloneTriggerMap(tx.triggers)
	delete(tx.triggers, id)
	return nil
}

func cloneTriggerMap(m map[TriggerID]*Trigger) map[TriggerID]*Trigger {
	out := make(map[TriggerID]*Trigger, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// RegisterAssetDefinition installs a new asset definition inside an
// already-registered domain.
func (tx *WriteTx) RegisterAssetDefinition(domainID DomainID, def *AssetDefinition) error {
	d := tx.cloneDomain(domainID)
	if d == nil {
		return errs.NewRejection(errs.KindFind, fmt.Sprintf("domain %q not found", domainID))
	}
	if _, exists := d.AssetDefinitions[def.ID]; exists {
		return errs.NewRejection(errs.KindRepetition, fmt.Sprintf("asset definition %q already registered", def.ID))
	}
	d.AssetDefinitions[def.ID] = def
	return nil
}

func (tx *WriteTx) AssetDefinition(domainID DomainID, id AssetDefinitionID) (*AssetDefinition, bool) {
	d, ok := tx.domains[domainID]
	if !ok {
		return nil, false
	}
	def, ok := d.AssetDefinitions[id]
	return def, ok
}

// MintAsset increases (or, for Burn, decreases via a negative delta
// passed through the same path) an account's asset quantity, rejecting a
// scale mismatch against the asset definition's NumericSpec with
// TypeError and a resulting negative balance with MathError.
func (tx *WriteTx) MintAsset(domainID DomainID, accID AccountID, assetID AssetID, delta Quantity, spec NumericSpec) error {
	if spec.Integer && delta.Scale != 0 {
		return errs.NewRejection(errs.KindType, fmt.Sprintf("asset %q requires integer quantity, got scale %d", assetID, delta.Scale))
	}
	return tx.MutateAccount(domainID, accID, func(a *Account) error {
		existing, ok := a.Assets[assetID]
		var newValue int64
		if ok {
			newValue = existing.Quantity.Value + delta.Value
		} else {
			newValue = delta.Value
		}
		if newValue < 0 {
			return errs.NewRejection(errs.KindMath, fmt.Sprintf("asset %q quantity would go negative", assetID))
		}
		a.Assets[assetID] = &Asset{ID: assetID, Quantity: Quantity{Value: newValue, Scale: delta.Scale}}
		return nil
	})
}
