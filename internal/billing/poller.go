package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/suspectuso/tunnel-billing/internal/storage"
	"github.com/suspectuso/tunnel-billing/internal/wallet"
)

// Poller watches unpaid invoices and collects their payments
type Poller struct {
	Deps
	clock         *Clock
	maxAge        time.Duration
	walletTimeout time.Duration
}

// NewPoller creates a new Poller. Invoices older than maxAge are no longer
// polled unless a sweep was already started for them.
func NewPoller(deps Deps, clock *Clock, maxAge, walletTimeout time.Duration) *Poller {
	if maxAge <= 0 {
		maxAge = 7 * 24 * time.Hour
	}
	if walletTimeout <= 0 {
		walletTimeout = 30 * time.Second
	}
	return &Poller{
		Deps:          deps.withDefaults(),
		clock:         clock,
		maxAge:        maxAge,
		walletTimeout: walletTimeout,
	}
}

// Start polls every pollable invoice now and then once per interval
func (p *Poller) Start(ctx context.Context, interval time.Duration) {
	p.Logger.Info("payment poller started", "interval", interval, "max_age", p.maxAge)

	p.run(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.run(ctx)
		}
	}
}

func (p *Poller) run(ctx context.Context) {
	if err := p.PollAll(ctx); err != nil {
		p.Logger.Error("poll invoices", "error", err)
	}
}

// PollAll polls every pollable invoice one after another. A failing invoice
// is logged and skipped; only failing to list invoices is returned.
func (p *Poller) PollAll(ctx context.Context) error {
	start := time.Now()
	defer func() {
		p.Metrics.TaskDuration.WithLabelValues("poll_invoices").Observe(time.Since(start).Seconds())
	}()

	invoices, err := p.Store.ListPollable(ctx, p.Now(), p.maxAge)
	if err != nil {
		return fmt.Errorf("list pollable invoices: %w", err)
	}
	p.Logger.Debug("polling invoices", "count", len(invoices))

	failed := 0
	for i := range invoices {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		inv := &invoices[i]
		err := p.PollInvoice(ctx, inv)
		if err == nil {
			p.Metrics.InvoicesPolled.WithLabelValues("ok").Inc()
			continue
		}

		failed++
		p.Metrics.InvoicesPolled.WithLabelValues("error").Inc()
		p.Logger.Error("poll invoice",
			"invoice_id", inv.ID,
			"address", inv.Address,
			"error", err,
		)

		// Every later balance check would be refused as well.
		if errors.Is(err, wallet.ErrRateLimited) {
			p.Logger.Warn("balance check budget spent, ending pass early")
			break
		}
	}

	p.Logger.Info("invoices polled", "count", len(invoices), "failed", failed)
	return nil
}

// PollAddress polls the invoice paying to address right away and returns its
// refreshed state
func (p *Poller) PollAddress(ctx context.Context, address string) (*storage.Invoice, error) {
	inv, err := p.Store.GetInvoice(ctx, address)
	if err != nil {
		return nil, err
	}
	if inv.Received {
		return inv, nil
	}

	if err := p.PollInvoice(ctx, inv); err != nil {
		return inv, err
	}
	return p.Store.GetInvoice(ctx, address)
}

// PollInvoice collects the payment of one invoice. Once the balance covers
// the expected amount the invoice enters the sweeping state, the funds move to
// the merchant address, and the invoice is marked paid. Only the caller that
// flips the paid flag credits the account.
func (p *Poller) PollInvoice(ctx context.Context, inv *storage.Invoice) error {
	if inv.Received {
		return nil
	}

	owner, err := p.Wallet.AddressOf(inv.PrivateKey)
	if err != nil {
		return &WalletError{Op: "load key", Address: inv.Address, Err: err}
	}
	if owner != inv.Address {
		return &WalletError{Op: "load key", Address: inv.Address, Err: fmt.Errorf("%w: key pays %s", ErrKeyMismatch, owner)}
	}

	// A sweep may already have moved the money on an earlier attempt.
	resumed := inv.Sweeping()

	if !resumed {
		balance, err := p.balance(ctx, inv.Address)
		if err != nil {
			return &WalletError{Op: "get balance", Address: inv.Address, Err: err}
		}
		if balance < inv.ExpectedPayment {
			p.Logger.Debug("awaiting payment",
				"address", inv.Address,
				"balance", balance,
				"expected", inv.ExpectedPayment,
			)
			return nil
		}

		if _, err := p.Store.MarkSweeping(ctx, inv.Address, p.Now()); err != nil {
			return fmt.Errorf("mark sweeping: %w", err)
		}
		p.Logger.Info("payment detected",
			"invoice_id", inv.ID,
			"address", inv.Address,
			"balance", balance,
		)
	}

	account, err := p.Store.GetAccountByID(ctx, inv.AccountID)
	if err != nil {
		return fmt.Errorf("load account %d: %w", inv.AccountID, err)
	}

	moved, err := p.sweep(ctx, inv.PrivateKey)
	switch {
	case err == nil:
		p.Metrics.SatoshisSwept.Add(float64(moved))
		p.Logger.Info("invoice swept", "invoice_id", inv.ID, "address", inv.Address, "satoshis", moved)
	case resumed && errors.Is(err, wallet.ErrNothingToSweep):
		p.Logger.Warn("nothing left to sweep, assuming an earlier sweep moved the funds",
			"invoice_id", inv.ID,
			"address", inv.Address,
		)
	default:
		return &WalletError{Op: "sweep", Address: inv.Address, Err: err}
	}

	first, err := p.Store.MarkPaid(ctx, inv.Address)
	if err != nil {
		return fmt.Errorf("mark paid: %w", err)
	}
	if !first {
		p.Logger.Debug("invoice already marked paid", "invoice_id", inv.ID)
		return nil
	}
	p.Logger.Info("invoice paid", "invoice_id", inv.ID, "account_id", account.ID)

	return p.clock.AddTime(ctx, account.ID, inv.ID)
}

func (p *Poller) balance(ctx context.Context, address string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, p.walletTimeout)
	defer cancel()
	return p.Wallet.GetBalance(ctx, address)
}

func (p *Poller) sweep(ctx context.Context, secret string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, p.walletTimeout)
	defer cancel()
	return p.Wallet.Sweep(ctx, secret)
}
