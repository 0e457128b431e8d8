package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/suspectuso/tunnel-billing/internal/storage"
)

// Clock extends paid time and activates accounts
type Clock struct {
	Deps
}

// NewClock creates a new Clock
func NewClock(deps Deps) *Clock {
	return &Clock{Deps: deps.withDefaults()}
}

// AddTime adds one Period to the account, counting from now if it already
// lapsed. With invoiceID > 0 the time is credited from that invoice, at most
// once; with invoiceID == 0 it is granted without payment. An inactive
// account is activated afterwards.
func (c *Clock) AddTime(ctx context.Context, accountID, invoiceID int64) error {
	now := c.Now()

	var before, after *storage.Account
	if invoiceID > 0 {
		var credited bool
		var err error
		before, after, credited, err = c.Store.CreditInvoice(ctx, invoiceID, now, Period)
		if err != nil {
			return fmt.Errorf("credit invoice %d: %w", invoiceID, err)
		}
		if !credited {
			c.Logger.Debug("invoice already credited or unpaid", "invoice_id", invoiceID)
			return nil
		}
		if after.ID != accountID {
			c.Logger.Warn("invoice credited a different account than expected",
				"invoice_id", invoiceID,
				"expected_account", accountID,
				"account_id", after.ID,
			)
		}
		c.Metrics.InvoicesCredited.Inc()
	} else {
		var err error
		before, after, err = c.Store.ExtendPaidThrough(ctx, accountID, now, Period)
		if err != nil {
			return fmt.Errorf("extend account %d: %w", accountID, err)
		}
	}

	c.Logger.Info("paid time added",
		"account_id", after.ID,
		"invoice_id", invoiceID,
		"paid_through", after.PaidThrough.UTC().Format("2006-01-02 15:04:05"),
	)

	if before.Active {
		return nil
	}
	return c.Activate(ctx, after)
}

// Activate gives the account an address, flags it active and asks for a
// tunnel sync. Without a free address the account stays inactive.
//
// When a sync is already running the request is only queued: the running pass
// goes around once more and reports its errors to its own caller, so a nil
// return here means the tunnel is synced or about to be, not that it is open.
func (c *Clock) Activate(ctx context.Context, account *storage.Account) error {
	if err := c.Store.EnsureAssigned(ctx, account.ID); err != nil {
		if errors.Is(err, storage.ErrPoolExhausted) {
			c.Metrics.PoolExhausted.Inc()
			c.Alerter.Alert(ctx, fmt.Sprintf(
				"Address pool exhausted: paid account %d (%s) cannot be activated. Add an address block.",
				account.ID, account.PubKey))
		}
		return fmt.Errorf("activate account %d: %w", account.ID, err)
	}

	if err := c.Store.SetActive(ctx, account.ID, true); err != nil {
		return fmt.Errorf("activate account %d: %w", account.ID, err)
	}
	c.Metrics.AccountsActivated.Inc()
	c.Logger.Info("account activated", "account_id", account.ID, "pubkey", account.PubKey)

	if c.Syncer == nil {
		return nil
	}
	if err := c.Syncer.RequestSync(ctx); err != nil {
		return fmt.Errorf("sync tunnels after activating account %d: %w", account.ID, err)
	}
	return nil
}

// GrantTime adds one Period to the key's account without payment. It is a
// debugging aid and refuses to run against real money.
func (c *Clock) GrantTime(ctx context.Context, pubkey string) (*storage.Account, error) {
	if c.Wallet == nil || !c.Wallet.Testnet() {
		return nil, ErrNotTestnet
	}
	if _, err := ParsePubKey(pubkey); err != nil {
		return nil, err
	}

	account, err := c.Store.GetOrCreateAccount(ctx, pubkey)
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	if err := c.AddTime(ctx, account.ID, 0); err != nil {
		return nil, err
	}
	return c.Store.GetAccountByID(ctx, account.ID)
}
