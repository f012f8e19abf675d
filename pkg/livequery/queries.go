// Package livequery implements cursored iterable query sessions plus
// the signed-query execution they paginate: a typed
// read-only query evaluated against a WSV snapshot, its results parked
// under an opaque cursor until the client drains or abandons them.
package livequery

import (
	"encoding/gob"
	"sort"

	"github.com/kagami-chain/kagami/internal/errs"
	"github.com/kagami-chain/kagami/pkg/crypto"
	"github.com/kagami-chain/kagami/pkg/wsv"
)

// Result items travel as interface values (erased iterators), so every
// concrete item type is registered for the canonical encoding.
func init() {
	gob.Register(wsv.Domain{})
	gob.Register(wsv.Account{})
	gob.Register(wsv.Asset{})
	gob.Register(wsv.AssetDefinition{})
	gob.Register(wsv.Role{})
	gob.Register(wsv.Trigger{})
	gob.Register(wsv.Parameters{})
	gob.Register(wsv.RoleID(""))
	gob.Register(wsv.PermissionID(""))
	gob.Register(wsv.PeerID(""))
}

type QueryKind string

const (
	FindAllDomains            QueryKind = "FindAllDomains"
	FindDomainByID            QueryKind = "FindDomainById"
	FindAllAccounts           QueryKind = "FindAllAccounts"
	FindAccountByID           QueryKind = "FindAccountById"
	FindAccountsByDomainID    QueryKind = "FindAccountsByDomainId"
	FindAllAssets             QueryKind = "FindAllAssets"
	FindAssetsByAccountID     QueryKind = "FindAssetsByAccountId"
	FindAllAssetDefinitions   QueryKind = "FindAllAssetsDefinitions"
	FindAllRoles              QueryKind = "FindAllRoles"
	FindRoleByID              QueryKind = "FindRoleById"
	FindRolesByAccountID      QueryKind = "FindRolesByAccountId"
	FindPermissionsByAccountID QueryKind = "FindPermissionsByAccountId"
	FindAllTriggers           QueryKind = "FindAllTriggers"
	FindTriggerByID           QueryKind = "FindTriggerById"
	FindAllPeers              QueryKind = "FindAllPeers"
	FindAllParameters         QueryKind = "FindAllParameters"
)

// Pagination and Sorting are the signed-query paging parameters.
// Iteration-returning queries sort by id so results are stable across
// peers regardless of map iteration order.
type Pagination struct {
	Offset uint32
	Limit  uint32 // 0 means no limit
}

type Sorting struct {
	Descending bool
}

type Query struct {
	Kind       QueryKind
	DomainID   wsv.DomainID
	AccountID  wsv.AccountID
	RoleID     wsv.RoleID
	TriggerID  wsv.TriggerID
	Pagination Pagination
	Sorting    Sorting
	FetchSize  uint32 // batch size for iterable results; 0 means default
}

type QueryPayload struct {
	Authority    wsv.AccountID
	CreationTime int64
	Query        Query
}

// SignedQuery carries an authority signature over the payload, verified
// against the authority's current signatories exactly as transactions
// are.
type SignedQuery struct {
	Payload   QueryPayload
	Signature crypto.Signature
}

func (q *SignedQuery) Verify(currentSignatories []crypto.PublicKey) bool {
	payloadHash, err := crypto.HashValue(q.Payload)
	if err != nil {
		return false
	}
	for _, pk := range currentSignatories {
		if pk == q.Signature.PublicKey {
			return crypto.Verify(payloadHash[:], q.Signature)
		}
	}
	return false
}

// Execute evaluates q read-only against view, returning owned copies of
// the matched entities in id order.
func Execute(view *wsv.View, q Query) ([]interface{}, error) {
	var items []interface{}
	switch q.Kind {
	case FindAllDomains:
		for _, id := range sortedDomainIDs(view) {
			d, _ := view.Domain(id)
			items = append(items, copyDomain(d))
		}
	case FindDomainByID:
		d, ok := view.Domain(q.DomainID)
		if !ok {
			return nil, errs.NewQueryFail(errs.QueryNotFound, "domain "+string(q.DomainID)+" not found")
		}
		items = append(items, copyDomain(d))
	case FindAllAccounts:
		for _, id := range sortedDomainIDs(view) {
			d, _ := view.Domain(id)
			for _, accID := range sortedAccountIDs(d) {
				items = append(items, copyAccount(d.Accounts[accID]))
			}
		}
	case FindAccountByID:
		acc, err := findAccount(view, q.AccountID)
		if err != nil {
			return nil, err
		}
		items = append(items, copyAccount(acc))
	case FindAccountsByDomainID:
		d, ok := view.Domain(q.DomainID)
		if !ok {
			return nil, errs.NewQueryFail(errs.QueryNotFound, "domain "+string(q.DomainID)+" not found")
		}
		for _, accID := range sortedAccountIDs(d) {
			items = append(items, copyAccount(d.Accounts[accID]))
		}
	case FindAllAssets:
		for _, id := range sortedDomainIDs(view) {
			d, _ := view.Domain(id)
			for _, accID := range sortedAccountIDs(d) {
				for _, asset := range sortedAssets(d.Accounts[accID]) {
					items = append(items, asset)
				}
			}
		}
	case FindAssetsByAccountID:
		acc, err := findAccount(view, q.AccountID)
		if err != nil {
			return nil, err
		}
		for _, asset := range sortedAssets(acc) {
			items = append(items, asset)
		}
	case FindAllAssetDefinitions:
		for _, id := range sortedDomainIDs(view) {
			d, _ := view.Domain(id)
			defIDs := make([]string, 0, len(d.AssetDefinitions))
			for defID := range d.AssetDefinitions {
				defIDs = append(defIDs, string(defID))
			}
			sort.Strings(defIDs)
			for _, defID := range defIDs {
				def := *d.AssetDefinitions[wsv.AssetDefinitionID(defID)]
				items = append(items, def)
			}
		}
	case FindAllRoles:
		ids := make([]string, 0, len(view.Roles()))
		for id := range view.Roles() {
			ids = append(ids, string(id))
		}
		sort.Strings(ids)
		for _, id := range ids {
			r, _ := view.Role(wsv.RoleID(id))
			items = append(items, copyRole(r))
		}
	case FindRoleByID:
		r, ok := view.Role(q.RoleID)
		if !ok {
			return nil, errs.NewQueryFail(errs.QueryNotFound, "role "+string(q.RoleID)+" not found")
		}
		items = append(items, copyRole(r))
	case FindRolesByAccountID:
		acc, err := findAccount(view, q.AccountID)
		if err != nil {
			return nil, err
		}
		ids := make([]string, 0, len(acc.Roles))
		for id := range acc.Roles {
			ids = append(ids, string(id))
		}
		sort.Strings(ids)
		for _, id := range ids {
			items = append(items, wsv.RoleID(id))
		}
	case FindPermissionsByAccountID:
		acc, err := findAccount(view, q.AccountID)
		if err != nil {
			return nil, err
		}
		perms := make(map[wsv.PermissionID]bool, len(acc.Permissions))
		for p := range acc.Permissions {
			perms[p] = true
		}
		for roleID := range acc.Roles {
			if r, ok := view.Role(roleID); ok {
				for p := range r.Permissions {
					perms[p] = true
				}
			}
		}
		ids := make([]string, 0, len(perms))
		for p := range perms {
			ids = append(ids, string(p))
		}
		sort.Strings(ids)
		for _, p := range ids {
			items = append(items, wsv.PermissionID(p))
		}
	case FindAllTriggers:
		ids := make([]string, 0, len(view.Triggers()))
		for id := range view.Triggers() {
			ids = append(ids, string(id))
		}
		sort.Strings(ids)
		for _, id := range ids {
			t, _ := view.Trigger(wsv.TriggerID(id))
			items = append(items, copyTrigger(t))
		}
	case FindTriggerByID:
		t, ok := view.Trigger(q.TriggerID)
		if !ok {
			return nil, errs.NewQueryFail(errs.QueryNotFound, "trigger "+string(q.TriggerID)+" not found")
		}
		items = append(items, copyTrigger(t))
	case FindAllPeers:
		ids := make([]string, 0, len(view.Peers()))
		for id := range view.Peers() {
			ids = append(ids, string(id))
		}
		sort.Strings(ids)
		for _, id := range ids {
			items = append(items, wsv.PeerID(id))
		}
	case FindAllParameters:
		items = append(items, view.Parameters())
	default:
		return nil, errs.NewQueryFail(errs.QueryConversion, "unknown query kind "+string(q.Kind))
	}

	if q.Sorting.Descending {
		for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
			items[i], items[j] = items[j], items[i]
		}
	}
	if off := int(q.Pagination.Offset); off > 0 {
		if off >= len(items) {
			items = nil
		} else {
			items = items[off:]
		}
	}
	if lim := int(q.Pagination.Limit); lim > 0 && lim < len(items) {
		items = items[:lim]
	}
	return items, nil
}

func findAccount(view *wsv.View, id wsv.AccountID) (*wsv.Account, error) {
	acc, ok := view.Account(wsv.DomainOf(id), id)
	if !ok {
		return nil, errs.NewQueryFail(errs.QueryNotFound, "account "+string(id)+" not found")
	}
	return acc, nil
}

func sortedDomainIDs(view *wsv.View) []wsv.DomainID {
	ids := make([]string, 0, len(view.Domains()))
	for id := range view.Domains() {
		ids = append(ids, string(id))
	}
	sort.Strings(ids)
	out := make([]wsv.DomainID, len(ids))
	for i, id := range ids {
		out[i] = wsv.DomainID(id)
	}
	return out
}

func sortedAccountIDs(d *wsv.Domain) []wsv.AccountID {
	ids := make([]string, 0, len(d.Accounts))
	for id := range d.Accounts {
		ids = append(ids, string(id))
	}
	sort.Strings(ids)
	out := make([]wsv.AccountID, len(ids))
	for i, id := range ids {
		out[i] = wsv.AccountID(id)
	}
	return out
}

func sortedAssets(acc *wsv.Account) []wsv.Asset {
	ids := make([]string, 0, len(acc.Assets))
	for id := range acc.Assets {
		ids = append(ids, string(id))
	}
	sort.Strings(ids)
	out := make([]wsv.Asset, 0, len(ids))
	for _, id := range ids {
		a := *acc.Assets[wsv.AssetID(id)]
		out = append(out, a)
	}
	return out
}

func copyDomain(d *wsv.Domain) wsv.Domain {
	cp := *d
	cp.Accounts = nil
	cp.AssetDefinitions = nil
	return cp
}

func copyAccount(a *wsv.Account) wsv.Account {
	cp := *a
	cp.Assets = nil
	return cp
}

func copyRole(r *wsv.Role) wsv.Role {
	cp := wsv.Role{ID: r.ID, Permissions: make(map[wsv.PermissionID]bool, len(r.Permissions))}
	for p := range r.Permissions {
		cp.Permissions[p] = true
	}
	return cp
}

func copyTrigger(t *wsv.Trigger) wsv.Trigger {
	cp := *t
	return cp
}
