// Package wsv implements the typed world-state view: the in-memory
// replicated state every peer applies committed blocks to, and the only
// place account, asset and permission data lives.
package wsv

import (
	"strings"

	"github.com/kagami-chain/kagami/pkg/crypto"
)

type DomainID string
type AccountID string // "<name>@<domain>"
type AssetDefinitionID string // "<name>#<domain>"
type AssetID string // "<definition>#<account>"
type RoleID string
type TriggerID string
type PermissionID string

// PeerID identifies a consensus peer in the world state's peer set,
// "<address>+<public-key>" the way topology identifies peers.
type PeerID string

// DomainOf extracts the domain component of a "<name>@<domain>" account
// id; empty when the id carries no domain.
func DomainOf(id AccountID) DomainID {
	s := string(id)
	if at := strings.LastIndex(s, "@"); at >= 0 {
		return DomainID(s[at+1:])
	}
	return ""
}

// NormalizeAssetID expands the elided-domain shorthand
// "def##account@domain" (definition domain omitted when it equals the
// account's domain) into the full "def#domain#account@domain" form, so
// two spellings of the same asset compare equal.
func NormalizeAssetID(id AssetID) AssetID {
	parts := strings.SplitN(string(id), "#", 3)
	if len(parts) != 3 || parts[1] != "" {
		return id
	}
	at := strings.LastIndex(parts[2], "@")
	if at < 0 {
		return id
	}
	return AssetID(parts[0] + "#" + parts[2][at+1:] + "#" + parts[2])
}

// NormalizePermission canonicalizes a permission token of the form
// "<ability>:<target>" by normalizing an asset-id target, so two
// semantically equivalent tokens collapse to one map key.
func NormalizePermission(p PermissionID) PermissionID {
	s := string(p)
	colon := strings.Index(s, ":")
	if colon < 0 {
		return p
	}
	target := s[colon+1:]
	if strings.Contains(target, "#") {
		target = string(NormalizeAssetID(AssetID(target)))
	}
	return PermissionID(s[:colon+1] + target)
}

// NumericSpec tags the representation an asset definition's quantities
// must conform to.
type NumericSpec struct {
	Integer  bool
	Decimals uint32
}

type Domain struct {
	ID               DomainID
	Owner            AccountID
	Logo             string
	Metadata         map[string]string
	Accounts         map[AccountID]*Account
	AssetDefinitions map[AssetDefinitionID]*AssetDefinition
}

func newDomain(id DomainID) *Domain {
	return &Domain{
		ID:               id,
		Metadata:         make(map[string]string),
		Accounts:         make(map[AccountID]*Account),
		AssetDefinitions: make(map[AssetDefinitionID]*AssetDefinition),
	}
}

type AssetDefinition struct {
	ID       AssetDefinitionID
	Owner    AccountID
	Spec     NumericSpec
	Mintable bool
	Metadata map[string]string
}

// Quantity is a fixed-point integer amount, scaled by the asset
// definition's NumericSpec.Decimals. A NumericSpec.Integer definition
// requires Scale == 0 on every quantity of that asset.
type Quantity struct {
	Value int64
	Scale uint32
}

type Asset struct {
	ID       AssetID
	Quantity Quantity
	Metadata map[string]string
}

type Role struct {
	ID          RoleID
	Permissions map[PermissionID]bool
}

type Account struct {
	ID         AccountID
	Signatories []crypto.PublicKey
	Assets     map[AssetID]*Asset
	Roles      map[RoleID]bool
	Permissions map[PermissionID]bool
	Metadata   map[string]string
}

// TimeSchedule drives a time trigger: the trigger fires once per
// PeriodMillis elapsed since StartMillis, measured against committed
// block timestamps only so every peer fires it identically. StartMillis
// of zero means "from the genesis block's creation time".
type TimeSchedule struct {
	StartMillis  int64
	PeriodMillis int64
}

// TriggerFilter names the event class a trigger reacts to. The manual
// ExecuteTrigger path (§4.3) and the time-schedule pass consume it; a
// "data" filter matches the named event kind emitted during the same
// block.
type TriggerFilter struct {
	Kind     string // "data", "time", "execute-trigger"
	Schedule *TimeSchedule // set when Kind == "time"
}

type Trigger struct {
	ID         TriggerID
	Authority  AccountID
	Filter     TriggerFilter
	Executable []byte // WASM blob or encoded instruction sequence
	Repeats    uint32 // 0 means unlimited
	FiredCount uint64 // total firings so far; also the time-schedule cursor
	Metadata   map[string]string
}

// Parameters holds the live-tunable knobs a committed SetParameter /
// NewParameter instruction can change (§4.3), distinct from the
// process's static config (params.Config).
type Parameters struct {
	MaxTransactionsPerBlock uint32
	FuelLimit               uint64
	MaxMemoryBytes          uint64

	// Custom holds operator-defined parameters installed by a committed
	// NewParameter instruction and mutated by SetParameter.
	Custom map[string]string
}

func DefaultParameters() Parameters {
	return Parameters{
		MaxTransactionsPerBlock: 512,
		FuelLimit:               10_000_000,
		MaxMemoryBytes:          64 << 20,
	}
}
