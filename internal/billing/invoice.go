package billing

import (
	"context"
	"fmt"
	"strconv"

	"github.com/suspectuso/tunnel-billing/internal/storage"
)

// Quoter prices one Period of service in satoshis
type Quoter interface {
	MonthlyPrice(ctx context.Context) (int64, error)
}

// Invoicer issues invoices for a public key
type Invoicer struct {
	Deps
	quoter Quoter
}

// NewInvoicer creates a new Invoicer
func NewInvoicer(deps Deps, quoter Quoter) *Invoicer {
	return &Invoicer{Deps: deps.withDefaults(), quoter: quoter}
}

// RequestInvoice creates a fresh single-use invoice for the key's account,
// priced at the current monthly rate
func (i *Invoicer) RequestInvoice(ctx context.Context, pubkey string) (*storage.Invoice, error) {
	if _, err := ParsePubKey(pubkey); err != nil {
		return nil, err
	}

	account, err := i.Store.GetOrCreateAccount(ctx, pubkey)
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}

	if !account.Active {
		if err := i.checkCapacity(ctx); err != nil {
			return nil, err
		}
	}

	price, err := i.quoter.MonthlyPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("quote price: %w", err)
	}

	key, err := i.Wallet.GenerateKey()
	if err != nil {
		return nil, &WalletError{Op: "generate key", Err: err}
	}

	inv, err := i.Store.CreateInvoice(ctx, account.ID, key.Address, key.Secret, price, i.Now())
	if err != nil {
		return nil, fmt.Errorf("create invoice: %w", err)
	}

	i.Logger.Info("invoice created",
		"invoice_id", inv.ID,
		"account_id", account.ID,
		"address", inv.Address,
		"satoshis", price,
	)
	return inv, nil
}

func (i *Invoicer) checkCapacity(ctx context.Context) error {
	raw, err := i.Store.GetConfig(ctx, storage.KeyMaxUsers, storage.DefaultSettings[storage.KeyMaxUsers])
	if err != nil {
		return fmt.Errorf("get %s: %w", storage.KeyMaxUsers, err)
	}
	maxUsers, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("parse %s %q: %w", storage.KeyMaxUsers, raw, err)
	}

	active, err := i.Store.CountActiveAccounts(ctx)
	if err != nil {
		return fmt.Errorf("count active accounts: %w", err)
	}
	if active >= maxUsers {
		return fmt.Errorf("%w: %d of %d accounts active", ErrServiceFull, active, maxUsers)
	}
	return nil
}
