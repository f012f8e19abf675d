package wsv

import "testing"

func TestRegisterDomainThenAccount(t *testing.T) {
	w := New(16)
	tx := w.Begin()
	if err := tx.RegisterDomain("wonderland"); err != nil {
		t.Fatalf("register domain: %v", err)
	}
	acc := &Account{
		ID:          "alice@wonderland",
		Assets:      make(map[AssetID]*Asset),
		Roles:       make(map[RoleID]bool),
		Permissions: make(map[PermissionID]bool),
		Metadata:    make(map[string]string),
	}
	if err := tx.RegisterAccount("wonderland", acc); err != nil {
		t.Fatalf("register account: %v", err)
	}
	tx.Commit([32]byte{1})

	v := w.View()
	if v.Height() != 1 {
		t.Fatalf("expected height 1, got %d", v.Height())
	}
	d, ok := v.Domain("wonderland")
	if !ok {
		t.Fatal("domain not found in view")
	}
	if _, ok := d.Accounts["alice@wonderland"]; !ok {
		t.Fatal("account not found in domain")
	}
}

func TestRegisterDomainTwiceIsRepetitionError(t *testing.T) {
	w := New(16)
	tx := w.Begin()
	if err := tx.RegisterDomain("wonderland"); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := tx.RegisterDomain("wonderland"); err == nil {
		t.Fatal("expected repetition error on second register")
	}
	tx.Rollback()

	v := w.View()
	if v.Height() != 0 {
		t.Fatalf("expected height 0 after rollback, got %d", v.Height())
	}
	if _, ok := v.Domain("wonderland"); ok {
		t.Fatal("domain must not be visible after rollback")
	}
}

func TestRevokeAbsentRoleIsFindError(t *testing.T) {
	w := New(16)
	tx := w.Begin()
	_ = tx.RegisterDomain("wonderland")
	acc := &Account{
		ID:          "alice@wonderland",
		Assets:      make(map[AssetID]*Asset),
		Roles:       make(map[RoleID]bool),
		Permissions: make(map[PermissionID]bool),
		Metadata:    make(map[string]string),
	}
	_ = tx.RegisterAccount("wonderland", acc)

	if err := tx.RevokeRole("wonderland", "alice@wonderland", "root"); err == nil {
		t.Fatal("expected find error revoking absent role")
	}
	tx.Commit([32]byte{1})
}

func TestMintIntoIntegerAssetWithFractionalDeltaIsTypeError(t *testing.T) {
	w := New(16)
	tx := w.Begin()
	_ = tx.RegisterDomain("wonderland")
	acc := &Account{
		ID:          "alice@wonderland",
		Assets:      make(map[AssetID]*Asset),
		Roles:       make(map[RoleID]bool),
		Permissions: make(map[PermissionID]bool),
		Metadata:    make(map[string]string),
	}
	_ = tx.RegisterAccount("wonderland", acc)

	spec := NumericSpec{Integer: true}
	err := tx.MintAsset("wonderland", "alice@wonderland", "rose#wonderland", Quantity{Value: 1, Scale: 2}, spec)
	if err == nil {
		t.Fatal("expected type error minting fractional into integer asset")
	}
}
