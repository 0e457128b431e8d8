package billing

import (
	"context"
	"fmt"
	"time"
)

// Expirer deactivates accounts whose paid time ran out. Their tunnels are
// closed by the next reconciliation pass.
type Expirer struct {
	Deps
}

// NewExpirer creates a new Expirer
func NewExpirer(deps Deps) *Expirer {
	return &Expirer{Deps: deps.withDefaults()}
}

// Run deactivates every expired account and returns how many there were
func (e *Expirer) Run(ctx context.Context) (int64, error) {
	n, err := e.Store.DeactivateExpired(ctx, e.Now())
	if err != nil {
		return 0, fmt.Errorf("deactivate expired accounts: %w", err)
	}
	if n > 0 {
		e.Metrics.AccountsExpired.Add(float64(n))
		e.Logger.Info("accounts expired", "count", n)
	}
	return n, nil
}

// Start runs the sweep now and then once per interval
func (e *Expirer) Start(ctx context.Context, interval time.Duration) {
	e.Logger.Info("expiration sweep started", "interval", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := e.Run(ctx); err != nil {
			e.Logger.Error("expire accounts", "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
