package pipeline

import (
	"fmt"
	"strings"

	"github.com/kagami-chain/kagami/internal/errs"
	"github.com/kagami-chain/kagami/pkg/isi"
	"github.com/kagami-chain/kagami/pkg/wsv"
)

// builtinAuthorize is the policy enforced while the executor is in its
// Initial state, before a user-provided module is installed: the
// default permission-token schema of the original implementation
// (owners act freely on what they own; everyone else needs the matching
// can_* permission, held directly or through a role). A denial is a
// ValidationFail{NotPermitted}, the same shape a wasm executor's deny
// takes.
func builtinAuthorize(wtx *wsv.WriteTx, authority wsv.AccountID, ins isi.Instruction) error {
	switch v := ins.(type) {
	case isi.SetAccountKeyValue:
		return requireAccountAccess(wtx, authority, v.ID, "can_modify_account_metadata")
	case isi.RemoveAccountKeyValue:
		return requireAccountAccess(wtx, authority, v.ID, "can_modify_account_metadata")
	case isi.MintSignatory:
		return requireAccountAccess(wtx, authority, v.Account, "can_modify_account_signatories")
	case isi.BurnSignatory:
		return requireAccountAccess(wtx, authority, v.Account, "can_modify_account_signatories")
	case isi.UnregisterAccount:
		return requireAccountAccess(wtx, authority, v.ID, "can_unregister_account")
	case isi.MintAsset:
		return requireDefinitionAccess(wtx, authority, v.Domain, assetDefinitionOf(v.Asset), "can_mint_asset")
	case isi.BurnAsset:
		return requireDefinitionAccess(wtx, authority, v.Domain, assetDefinitionOf(v.Asset), "can_burn_asset")
	case isi.TransferAsset:
		if v.From == authority {
			return nil
		}
		return requirePermission(wtx, authority, wsv.PermissionID("can_transfer_asset:"+string(v.Asset)))
	case isi.UnregisterDomain:
		return requireDomainOwner(wtx, authority, v.ID)
	case isi.TransferDomain:
		return requireDomainOwner(wtx, authority, v.ID)
	case isi.SetDomainKeyValue:
		return requireDomainOwner(wtx, authority, v.ID)
	case isi.RemoveDomainKeyValue:
		return requireDomainOwner(wtx, authority, v.ID)
	case isi.TransferAssetDefinition:
		if v.From == authority {
			return nil
		}
		return errs.NewValidationFail(errs.NotPermitted, fmt.Sprintf("%q may not transfer asset definition %q", authority, v.ID))
	case isi.GrantRole:
		return requireGrantableRole(wtx, authority, v.Role)
	case isi.RevokeRole:
		return requireGrantableRole(wtx, authority, v.Role)
	case isi.GrantPermission:
		return requireGrantable(wtx, authority, wsv.NormalizePermission(v.Permission))
	case isi.RevokePermission:
		return requireGrantable(wtx, authority, wsv.NormalizePermission(v.Permission))
	default:
		return nil
	}
}

// hasPermission reports whether authority holds perm directly or
// through any of its roles.
func hasPermission(wtx *wsv.WriteTx, authority wsv.AccountID, perm wsv.PermissionID) bool {
	acc, ok := wtx.Account(wsv.DomainOf(authority), authority)
	if !ok {
		return false
	}
	perm = wsv.NormalizePermission(perm)
	if _, held := acc.Permissions[perm]; held {
		return true
	}
	for roleID := range acc.Roles {
		if r, ok := wtx.Role(roleID); ok {
			if _, held := r.Permissions[perm]; held {
				return true
			}
		}
	}
	return false
}

// permissionTarget extracts the "<target>" half of an
// "<ability>:<target>" token; empty for untargeted tokens.
func permissionTarget(perm wsv.PermissionID) string {
	s := string(perm)
	if colon := strings.Index(s, ":"); colon >= 0 {
		return s[colon+1:]
	}
	return ""
}

func requirePermission(wtx *wsv.WriteTx, authority wsv.AccountID, perm wsv.PermissionID) error {
	if hasPermission(wtx, authority, perm) {
		return nil
	}
	return errs.NewValidationFail(errs.NotPermitted, fmt.Sprintf("%q lacks %q", authority, perm))
}

// requireAccountAccess allows an account to act on itself, anyone else
// only with the matching targeted permission.
func requireAccountAccess(wtx *wsv.WriteTx, authority, target wsv.AccountID, ability string) error {
	if authority == target {
		return nil
	}
	return requirePermission(wtx, authority, wsv.PermissionID(ability+":"+string(target)))
}

// requireDefinitionAccess allows the asset definition's owner, anyone
// else only with the matching targeted permission.
func requireDefinitionAccess(wtx *wsv.WriteTx, authority wsv.AccountID, domain wsv.DomainID, def wsv.AssetDefinitionID, ability string) error {
	d, ok := wtx.AssetDefinition(domain, def)
	if ok && d.Owner == authority {
		return nil
	}
	return requirePermission(wtx, authority, wsv.PermissionID(ability+":"+string(def)))
}

// requireDomainOwner allows the domain's owner; a domain with no
// recorded owner is open (RegisterDomain records the registering
// authority when no owner is given).
func requireDomainOwner(wtx *wsv.WriteTx, authority wsv.AccountID, id wsv.DomainID) error {
	d, ok := wtx.Domain(id)
	if !ok {
		return nil // let execution surface the FindError
	}
	if d.Owner == "" || d.Owner == authority {
		return nil
	}
	return errs.NewValidationFail(errs.NotPermitted, fmt.Sprintf("%q does not own domain %q", authority, id))
}

// requireGrantable reports whether authority may grant or revoke perm:
// it must hold the permission itself, or be the permission's target
// (an account can always delegate access to itself).
func requireGrantable(wtx *wsv.WriteTx, authority wsv.AccountID, perm wsv.PermissionID) error {
	if permissionTarget(perm) == string(authority) {
		return nil
	}
	return requirePermission(wtx, authority, perm)
}

// requireGrantableRole requires every permission in the role to be
// individually grantable by authority.
func requireGrantableRole(wtx *wsv.WriteTx, authority wsv.AccountID, roleID wsv.RoleID) error {
	r, ok := wtx.Role(roleID)
	if !ok {
		return nil // execution surfaces the FindError
	}
	for perm := range r.Permissions {
		if err := requireGrantable(wtx, authority, perm); err != nil {
			return err
		}
	}
	return nil
}

// assetDefinitionOf mirrors pkg/isi's parse of "<def>#<domain>#<account>".
func assetDefinitionOf(assetID wsv.AssetID) wsv.AssetDefinitionID {
	s := string(wsv.NormalizeAssetID(assetID))
	if idx := strings.Index(s, "#"); idx >= 0 {
		if last := strings.LastIndex(s, "#"); last != idx {
			return wsv.AssetDefinitionID(s[:last])
		}
	}
	return wsv.AssetDefinitionID(s)
}
