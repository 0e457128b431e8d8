package billing

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Recoverer finishes work a crash left half done: paid invoices that never
// credited their account, and paid accounts that never got activated
type Recoverer struct {
	Deps
	clock *Clock
}

// NewRecoverer creates a new Recoverer
func NewRecoverer(deps Deps, clock *Clock) *Recoverer {
	return &Recoverer{Deps: deps.withDefaults(), clock: clock}
}

// Run replays missing credits and activations. Every item is attempted; the
// failures are returned together.
func (r *Recoverer) Run(ctx context.Context) error {
	var errs []error

	invoices, err := r.Store.ListUncredited(ctx)
	if err != nil {
		return fmt.Errorf("list uncredited invoices: %w", err)
	}
	for _, inv := range invoices {
		r.Logger.Warn("crediting paid invoice left uncredited",
			"invoice_id", inv.ID,
			"account_id", inv.AccountID,
		)
		if err := r.clock.AddTime(ctx, inv.AccountID, inv.ID); err != nil {
			errs = append(errs, fmt.Errorf("invoice %d: %w", inv.ID, err))
		}
	}

	accounts, err := r.Store.ListPaidInactive(ctx, r.Now())
	if err != nil {
		errs = append(errs, fmt.Errorf("list paid inactive accounts: %w", err))
		return errors.Join(errs...)
	}
	for i := range accounts {
		a := &accounts[i]
		r.Logger.Warn("activating paid account left inactive", "account_id", a.ID)
		if err := r.clock.Activate(ctx, a); err != nil {
			errs = append(errs, fmt.Errorf("account %d: %w", a.ID, err))
		}
	}

	return errors.Join(errs...)
}

// Start runs recovery now and then once per interval
func (r *Recoverer) Start(ctx context.Context, interval time.Duration) {
	r.Logger.Info("recovery sweep started", "interval", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := r.Run(ctx); err != nil {
			r.Logger.Error("recover billing state", "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
