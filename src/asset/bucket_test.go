package asset

import (
	"testing"

	"github.com/onemorebsmith/bounty-escrow/src/model"
	"github.com/pkg/errors"
)

const usdc model.AssetKind = "USDC"
const hive model.AssetKind = "HIVE"

func TestWithdrawDepositMovesValue(t *testing.T) {
	src := SeedMemoryVault("src", usdc, 1000)
	dst := NewMemoryVault("dst", usdc)

	b, err := src.Withdraw(300)
	if err != nil {
		t.Fatal(err)
	}
	if src.Balance() != 700 {
		t.Fatalf("expected 700 left in source, got %d", src.Balance())
	}
	if err := dst.Deposit(b); err != nil {
		t.Fatal(err)
	}
	if !b.IsEmpty() {
		t.Fatalf("bucket should be drained after deposit, still holds %d", b.Amount())
	}
	if dst.Balance() != 300 {
		t.Fatalf("expected 300 in destination, got %d", dst.Balance())
	}
	// depositing the drained bucket again must not create value
	if err := dst.Deposit(b); err != nil {
		t.Fatal(err)
	}
	if dst.Balance() != 300 {
		t.Fatalf("re-deposit of drained bucket changed balance to %d", dst.Balance())
	}
}

func TestWithdrawOverBalance(t *testing.T) {
	v := SeedMemoryVault("v", usdc, 10)
	if _, err := v.Withdraw(11); !errors.Is(err, model.ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}
	if v.Balance() != 10 {
		t.Fatalf("failed withdraw changed balance to %d", v.Balance())
	}
}

func TestDepositWrongKind(t *testing.T) {
	src := SeedMemoryVault("src", hive, 5)
	dst := NewMemoryVault("dst", usdc)
	b, _ := src.Withdraw(5)
	if err := dst.Deposit(b); !errors.Is(err, model.ErrInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
	if b.Amount() != 5 {
		t.Fatal("rejected deposit must leave the bucket untouched")
	}
}

func TestSplitMerge(t *testing.T) {
	src := SeedMemoryVault("src", usdc, 100)
	b, _ := src.Withdraw(100)
	part, err := b.Split(40)
	if err != nil {
		t.Fatal(err)
	}
	if b.Amount() != 60 || part.Amount() != 40 {
		t.Fatalf("unexpected split %d/%d", b.Amount(), part.Amount())
	}
	if _, err := b.Split(61); !errors.Is(err, model.ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}
	if err := b.Merge(part); err != nil {
		t.Fatal(err)
	}
	if b.Amount() != 100 || !part.IsEmpty() {
		t.Fatalf("merge should drain source, got %d/%d", b.Amount(), part.Amount())
	}
	all := b.TakeAll()
	if all.Amount() != 100 || !b.IsEmpty() {
		t.Fatal("take all should move everything")
	}
}

func TestDirectory(t *testing.T) {
	d := NewMemoryDirectory()
	if err := d.Add(NewMemoryVault("hacker1", usdc)); err != nil {
		t.Fatal(err)
	}
	if err := d.Add(NewMemoryVault("hacker1", usdc)); !errors.Is(err, model.ErrAlreadyExists) {
		t.Fatalf("expected already exists, got %v", err)
	}
	if _, err := d.Resolve("nobody"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	v, err := d.Resolve("hacker1")
	if err != nil || v.ID() != "hacker1" {
		t.Fatalf("resolve failed: %v", err)
	}

	if err := d.AddOwned(NewMemoryVault("acme-wallet", usdc), "acme"); err != nil {
		t.Fatal(err)
	}
	if owner, err := d.Owner("acme-wallet"); err != nil || owner != "acme" {
		t.Fatalf("expected acme to own acme-wallet, got %q %v", owner, err)
	}
	if owner, err := d.Owner("hacker1"); err != nil || owner != "" {
		t.Fatalf("expected hacker1 to have no owner, got %q %v", owner, err)
	}
	if _, err := d.Owner("nobody"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
