package isi

import (
	"fmt"
	"strings"

	"github.com/kagami-chain/kagami/internal/errs"
	"github.com/kagami-chain/kagami/pkg/wsv"
)

// assetDefinitionOf extracts the definition-id component of an
// "<definition>#<account>" asset id.
func assetDefinitionOf(assetID wsv.AssetID) wsv.AssetDefinitionID {
	s := string(assetID)
	if idx := strings.Index(s, "#"); idx >= 0 {
		// the definition component itself carries a trailing domain
		// after '#', e.g. "rose#wonderland#alice@wonderland"; everything
		// up to the account suffix is the AssetDefinitionID.
		if last := strings.LastIndex(s, "#"); last != idx {
			return wsv.AssetDefinitionID(s[:last])
		}
	}
	return wsv.AssetDefinitionID(s)
}

func notFoundAssetDefinition(id wsv.AssetDefinitionID) error {
	return errs.NewRejection(errs.KindFind, fmt.Sprintf("asset definition %q not found", id))
}

func notPermittedMint(id wsv.AssetID) error {
	return errs.NewRejection(errs.KindInvariant, fmt.Sprintf("asset %q is not mintable", id))
}

func notFoundKey(key string) error {
	return errs.NewRejection(errs.KindFind, fmt.Sprintf("key %q not found", key))
}

func notFoundTrigger(id wsv.TriggerID) error {
	return errs.NewRejection(errs.KindFind, fmt.Sprintf("trigger %q not found", id))
}

func notPermittedTrigger(id wsv.TriggerID) error {
	return errs.NewRejection(errs.KindInvariant, fmt.Sprintf("authority not permitted to execute trigger %q", id))
}
