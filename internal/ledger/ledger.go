// Package ledger defines the asset-transfer boundary the pool engine drives,
// plus an in-memory implementation used for development and tests.
//
// A ledger holds uint64 balances keyed by (owner, asset). The engine never
// moves balances itself; it issues Transfer, Mint and Burn instructions and
// treats any error as fatal to the enclosing operation.
package ledger

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrInsufficientFunds is returned when a debit exceeds the balance.
	ErrInsufficientFunds = errors.New("ledger: insufficient funds")

	// ErrUnauthorized is returned when the signing authority may not move
	// funds out of the source account or mint the asset.
	ErrUnauthorized = errors.New("ledger: unauthorized")

	// ErrInvalidAccount is returned for an account with an empty owner or asset.
	ErrInvalidAccount = errors.New("ledger: invalid account")

	// ErrBalanceOverflow is returned when a credit would exceed uint64.
	ErrBalanceOverflow = errors.New("ledger: balance overflow")
)

// Account identifies one balance: an owner's holding of one asset.
type Account struct {
	Owner string `json:"owner"`
	Asset string `json:"asset"`
}

// String renders the account as owner/asset.
func (a Account) String() string {
	return a.Owner + "/" + a.Asset
}

// Validate reports whether both parts of the account are set.
func (a Account) Validate() error {
	if a.Owner == "" || a.Asset == "" {
		return fmt.Errorf("%w: %q", ErrInvalidAccount, a.String())
	}
	return nil
}

// Ledger is the transfer collaborator consumed by the pool engine. Every
// call is authorised by authority: the owner of the debited account for
// Transfer and Burn, the asset's mint authority for Mint.
//
// Implementations handed to the engine must be scoped to a single
// all-or-nothing unit (see store.Atomic) so that a failure part-way through
// an operation rolls back the instructions already applied.
type Ledger interface {
	// Transfer moves amount of from.Asset from one account to another.
	// from.Asset and to.Asset must match.
	Transfer(ctx context.Context, from, to Account, authority string, amount uint64) error

	// Mint creates amount of to.Asset in the to account.
	Mint(ctx context.Context, to Account, authority string, amount uint64) error

	// Burn destroys amount of from.Asset held by the from account.
	Burn(ctx context.Context, from Account, authority string, amount uint64) error

	// Balance returns the current balance of acct (zero if unknown).
	Balance(ctx context.Context, acct Account) (uint64, error)
}

// CheckTransfer validates a transfer's accounts and authority without
// touching balances.
func CheckTransfer(from, to Account, authority string) error {
	if err := from.Validate(); err != nil {
		return err
	}
	if err := to.Validate(); err != nil {
		return err
	}
	if from.Asset != to.Asset {
		return fmt.Errorf("%w: asset mismatch %s -> %s", ErrInvalidAccount, from, to)
	}
	if authority != from.Owner {
		return fmt.Errorf("%w: %s cannot debit %s", ErrUnauthorized, authority, from)
	}
	return nil
}

// CheckBurn validates a burn's account and authority.
func CheckBurn(from Account, authority string) error {
	if err := from.Validate(); err != nil {
		return err
	}
	if authority != from.Owner {
		return fmt.Errorf("%w: %s cannot burn from %s", ErrUnauthorized, authority, from)
	}
	return nil
}
