// Package billing turns invoice payments into paid time and active accounts.
package billing

import (
	"context"
	"log/slog"
	"time"

	"github.com/suspectuso/tunnel-billing/internal/metrics"
	"github.com/suspectuso/tunnel-billing/internal/storage"
	"github.com/suspectuso/tunnel-billing/internal/wallet"
)

// Period is the paid time one invoice buys
const Period = 31 * 24 * time.Hour

// Wallet is the payment side the billing flow depends on
type Wallet interface {
	GenerateKey() (wallet.Key, error)
	GetBalance(ctx context.Context, address string) (int64, error)
	Sweep(ctx context.Context, secret string) (int64, error)
	AddressOf(secret string) (string, error)
	Testnet() bool
}

// Syncer is asked to reconcile tunnels after an activation
type Syncer interface {
	RequestSync(ctx context.Context) error
}

// Alerter notifies operators about problems that need a human
type Alerter interface {
	Alert(ctx context.Context, text string)
}

// Deps are the collaborators shared by the billing components
type Deps struct {
	Store   *storage.Storage
	Wallet  Wallet
	Syncer  Syncer
	Alerter Alerter
	Metrics *metrics.Metrics
	Logger  *slog.Logger
	Now     func() time.Time
}

func (d Deps) withDefaults() Deps {
	if d.Metrics == nil {
		d.Metrics = metrics.New(nil)
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Alerter == nil {
		d.Alerter = logAlerter{d.Logger}
	}
	return d
}

type logAlerter struct {
	log *slog.Logger
}

func (a logAlerter) Alert(ctx context.Context, text string) {
	a.log.Warn("operator alert", "text", text)
}
