package billing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/suspectuso/tunnel-billing/internal/storage"
)

type fixedQuoter struct {
	price int64
	err   error
}

func (q fixedQuoter) MonthlyPrice(ctx context.Context) (int64, error) {
	return q.price, q.err
}

func TestRequestInvoice(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	inv := NewInvoicer(f.deps, fixedQuoter{price: 625000})

	got, err := inv.RequestInvoice(ctx, testKeyA)
	require.NoError(t, err)
	require.Equal(t, int64(625000), got.ExpectedPayment)
	require.Equal(t, testNow, got.RequestedAt)
	require.False(t, got.Received)

	stored, err := f.store.GetInvoice(ctx, got.Address)
	require.NoError(t, err)
	require.Equal(t, got.ID, stored.ID)
	require.NotEmpty(t, stored.PrivateKey)

	account, err := f.store.GetAccount(ctx, testKeyA)
	require.NoError(t, err)
	require.Equal(t, account.ID, stored.AccountID)

	// Every request gets a fresh address.
	again, err := inv.RequestInvoice(ctx, testKeyA)
	require.NoError(t, err)
	require.NotEqual(t, got.Address, again.Address)
}

func TestRequestInvoiceRejectsBadKey(t *testing.T) {
	f := newFixture(t, true)
	inv := NewInvoicer(f.deps, fixedQuoter{price: 1})

	_, err := inv.RequestInvoice(context.Background(), "not-a-key.k")
	require.ErrorIs(t, err, ErrInvalidPubKey)

	account, err := f.store.GetAccount(context.Background(), "not-a-key.k")
	require.NoError(t, err)
	require.False(t, account.Persisted())
}

func TestRequestInvoiceWhenFull(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	require.NoError(t, f.store.SetConfig(ctx, storage.KeyMaxUsers, "1"))

	_, err := f.clock.GrantTime(ctx, testKeyA)
	require.NoError(t, err)

	inv := NewInvoicer(f.deps, fixedQuoter{price: 1})

	_, err = inv.RequestInvoice(ctx, testKeyB)
	require.ErrorIs(t, err, ErrServiceFull)

	// Active customers can always renew.
	_, err = inv.RequestInvoice(ctx, testKeyA)
	require.NoError(t, err)
}

func TestRequestInvoiceQuoteFailure(t *testing.T) {
	f := newFixture(t, true)
	boom := errors.New("no rate")
	inv := NewInvoicer(f.deps, fixedQuoter{err: boom})

	_, err := inv.RequestInvoice(context.Background(), testKeyA)
	require.ErrorIs(t, err, boom)
	require.Zero(t, f.wallet.next)
}
