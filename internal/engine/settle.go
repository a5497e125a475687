package engine

import (
	"context"
	"fmt"

	"github.com/atmx/pool-engine/internal/ledger"
	"github.com/atmx/pool-engine/internal/model"
)

// instruction is one ledger call issued on behalf of an operation.
type instruction func(ctx context.Context, l ledger.Ledger) error

// settle issues the instructions in order and stops at the first failure,
// which it reports as ErrTransferFailed wrapping the ledger's cause.
func settle(ctx context.Context, l ledger.Ledger, steps ...instruction) error {
	for _, step := range steps {
		if err := step(ctx, l); err != nil {
			return fmt.Errorf("%w: %w", ErrTransferFailed, err)
		}
	}
	return nil
}

// pull moves amount of asset from the caller into pool custody under the
// caller's authority.
func pull(p *model.Pool, caller, asset string, amount uint64) instruction {
	return func(ctx context.Context, l ledger.Ledger) error {
		if amount == 0 {
			return nil
		}
		from := ledger.Account{Owner: caller, Asset: asset}
		to := ledger.Account{Owner: p.Authority(), Asset: asset}
		return l.Transfer(ctx, from, to, caller, amount)
	}
}

// push pays amount of asset out of pool custody to the caller under the
// pool's own authority.
func push(p *model.Pool, caller, asset string, amount uint64) instruction {
	return func(ctx context.Context, l ledger.Ledger) error {
		if amount == 0 {
			return nil
		}
		from := ledger.Account{Owner: p.Authority(), Asset: asset}
		to := ledger.Account{Owner: caller, Asset: asset}
		return l.Transfer(ctx, from, to, p.Authority(), amount)
	}
}

func mintShares(p *model.Pool, caller string, amount uint64) instruction {
	return func(ctx context.Context, l ledger.Ledger) error {
		return l.Mint(ctx, ledger.Account{Owner: caller, Asset: p.ShareAsset()}, p.Authority(), amount)
	}
}

func burnShares(p *model.Pool, caller string, amount uint64) instruction {
	return func(ctx context.Context, l ledger.Ledger) error {
		return l.Burn(ctx, ledger.Account{Owner: caller, Asset: p.ShareAsset()}, caller, amount)
	}
}
