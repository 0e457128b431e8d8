package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var testNow = time.Unix(1700000000, 0)

const period = 31 * 24 * time.Hour

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "storage.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestGetAccountDefaultsWhenMissing(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	a, err := s.GetAccount(ctx, "nobody.k")
	require.NoError(t, err)
	require.False(t, a.Persisted())
	require.False(t, a.Active)
	require.True(t, a.PaidThrough.IsZero())

	created, err := s.GetOrCreateAccount(ctx, "nobody.k")
	require.NoError(t, err)
	require.True(t, created.Persisted())

	again, err := s.GetOrCreateAccount(ctx, "nobody.k")
	require.NoError(t, err)
	require.Equal(t, created.ID, again.ID)

	_, err = s.GetAccountByID(ctx, created.ID+100)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestNextPaidThrough(t *testing.T) {
	past := testNow.Add(-24 * time.Hour)
	future := testNow.Add(10 * 24 * time.Hour)

	require.Equal(t, testNow.Add(period), NextPaidThrough(time.Time{}, testNow, period))
	require.Equal(t, testNow.Add(period), NextPaidThrough(past, testNow, period))
	require.Equal(t, future.Add(period), NextPaidThrough(future, testNow, period))
}

func TestDeactivateExpired(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	lapsed, err := s.GetOrCreateAccount(ctx, "lapsed.k")
	require.NoError(t, err)
	_, _, err = s.ExtendPaidThrough(ctx, lapsed.ID, testNow.Add(-period-time.Hour), period)
	require.NoError(t, err)
	require.NoError(t, s.SetActive(ctx, lapsed.ID, true))

	paid, err := s.GetOrCreateAccount(ctx, "paid.k")
	require.NoError(t, err)
	_, _, err = s.ExtendPaidThrough(ctx, paid.ID, testNow, period)
	require.NoError(t, err)
	require.NoError(t, s.SetActive(ctx, paid.ID, true))

	n, err := s.DeactivateExpired(ctx, testNow)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	active, err := s.ListActiveAccounts(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, "paid.k", active[0].PubKey)

	// The lapsed account is not paid, so recovery leaves it alone.
	inactive, err := s.ListPaidInactive(ctx, testNow)
	require.NoError(t, err)
	require.Empty(t, inactive)

	require.ErrorIs(t, s.SetActive(ctx, 9999, true), ErrNotFound)
}

func TestCreateInvoiceRejectsReusedAddress(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	a, err := s.GetOrCreateAccount(ctx, "a.k")
	require.NoError(t, err)

	inv, err := s.CreateInvoice(ctx, a.ID, "addr", "secret", 500000, testNow)
	require.NoError(t, err)
	require.NotZero(t, inv.ID)

	_, err = s.CreateInvoice(ctx, a.ID, "addr", "secret", 500000, testNow)
	require.ErrorIs(t, err, ErrAlreadyExists)

	got, err := s.GetInvoice(ctx, "addr")
	require.NoError(t, err)
	require.Equal(t, int64(500000), got.ExpectedPayment)
	require.Equal(t, testNow, got.RequestedAt)

	_, err = s.GetInvoice(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestListPollable(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	a, err := s.GetOrCreateAccount(ctx, "a.k")
	require.NoError(t, err)

	week := 7 * 24 * time.Hour
	_, err = s.CreateInvoice(ctx, a.ID, "fresh", "k1", 1, testNow.Add(-time.Hour))
	require.NoError(t, err)
	_, err = s.CreateInvoice(ctx, a.ID, "stale", "k2", 1, testNow.Add(-8*24*time.Hour))
	require.NoError(t, err)
	_, err = s.CreateInvoice(ctx, a.ID, "stale-sweeping", "k3", 1, testNow.Add(-8*24*time.Hour))
	require.NoError(t, err)
	_, err = s.CreateInvoice(ctx, a.ID, "paid", "k4", 1, testNow.Add(-time.Hour))
	require.NoError(t, err)

	ok, err := s.MarkSweeping(ctx, "stale-sweeping", testNow)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = s.MarkSweeping(ctx, "stale-sweeping", testNow)
	require.NoError(t, err)
	require.False(t, ok)

	first, err := s.MarkPaid(ctx, "paid")
	require.NoError(t, err)
	require.True(t, first)

	invoices, err := s.ListPollable(ctx, testNow, week)
	require.NoError(t, err)

	var addrs []string
	for _, inv := range invoices {
		addrs = append(addrs, inv.Address)
	}
	require.Equal(t, []string{"fresh", "stale-sweeping"}, addrs)
	require.True(t, invoices[1].Sweeping())
}

func TestCreditInvoiceExactlyOnce(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	a, err := s.GetOrCreateAccount(ctx, "a.k")
	require.NoError(t, err)
	inv, err := s.CreateInvoice(ctx, a.ID, "addr", "secret", 1, testNow)
	require.NoError(t, err)

	// Unpaid invoices are never credited.
	_, _, credited, err := s.CreditInvoice(ctx, inv.ID, testNow, period)
	require.NoError(t, err)
	require.False(t, credited)

	_, err = s.MarkPaid(ctx, "addr")
	require.NoError(t, err)

	uncredited, err := s.ListUncredited(ctx)
	require.NoError(t, err)
	require.Len(t, uncredited, 1)

	const callers = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	var errs []error
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, credited, err := s.CreditInvoice(ctx, inv.ID, testNow, period)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
			}
			if credited {
				wins++
			}
		}()
	}
	wg.Wait()

	require.Empty(t, errs)
	require.Equal(t, 1, wins)

	got, err := s.GetAccountByID(ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, testNow.Add(period), got.PaidThrough)

	uncredited, err = s.ListUncredited(ctx)
	require.NoError(t, err)
	require.Empty(t, uncredited)
}

func TestCreateBlock(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	block, err := s.CreateBlock(ctx, "10.27.75.0")
	require.NoError(t, err)
	require.Equal(t, "10.27.75.0", block.Network)

	stats, err := s.PoolStats(ctx)
	require.NoError(t, err)
	require.Equal(t, PoolStats{Total: BlockSize, Assigned: 0}, stats)
	require.Equal(t, 253, BlockSize)

	_, err = s.CreateBlock(ctx, "10.27.75.0")
	require.ErrorIs(t, err, ErrAlreadyExists)

	for _, bad := range []string{"10.27.75.1", "fc00::", "not-an-ip"} {
		_, err = s.CreateBlock(ctx, bad)
		require.Error(t, err, bad)
	}
}

func TestEnsureAssignedIsIdempotent(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	_, err := s.CreateBlock(ctx, "10.27.75.0")
	require.NoError(t, err)
	a, err := s.GetOrCreateAccount(ctx, "a.k")
	require.NoError(t, err)

	require.NoError(t, s.EnsureAssigned(ctx, a.ID))
	first, err := s.AddressFor(ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, "10.27.75.2", first.IP)
	require.Equal(t, 2, first.Host)
	require.Equal(t, a.ID, first.AccountID)

	require.NoError(t, s.EnsureAssigned(ctx, a.ID))
	second, err := s.AddressFor(ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)

	require.NoError(t, s.Release(ctx, a.ID))
	_, err = s.AddressFor(ctx, a.ID)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestPoolNeverOverAssigns(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	// A block of 253 addresses shared by more accounts than it holds.
	_, err := s.CreateBlock(ctx, "10.27.76.0")
	require.NoError(t, err)

	const accounts = BlockSize + 20
	ids := make([]int64, accounts)
	for i := range ids {
		a, err := s.GetOrCreateAccount(ctx, fmt.Sprintf("key-%d.k", i))
		require.NoError(t, err)
		ids[i] = a.ID
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	sem := make(chan struct{}, 8)
	exhausted := 0
	var unexpected []error
	for _, id := range ids {
		for attempt := 0; attempt < 2; attempt++ {
			wg.Add(1)
			go func(id int64) {
				defer wg.Done()
				sem <- struct{}{}
				err := s.EnsureAssigned(ctx, id)
				<-sem

				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
				case errors.Is(err, ErrPoolExhausted):
					exhausted++
				default:
					unexpected = append(unexpected, err)
				}
			}(id)
		}
	}
	wg.Wait()
	require.Empty(t, unexpected)
	require.NotZero(t, exhausted)

	stats, err := s.PoolStats(ctx)
	require.NoError(t, err)
	require.Equal(t, BlockSize, stats.Assigned)

	owners := map[string]int64{}
	for _, id := range ids {
		addr, err := s.AddressFor(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		require.NoError(t, err)
		prev, taken := owners[addr.IP]
		require.False(t, taken, "%s owned by %d and %d", addr.IP, prev, id)
		owners[addr.IP] = id
	}
	require.Len(t, owners, BlockSize)
}

func TestConfigKV(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	v, err := s.GetConfig(ctx, KeyServicePrice, "fallback")
	require.NoError(t, err)
	require.Equal(t, "fallback", v)

	require.NoError(t, s.ApplyDefaults(ctx))
	v, err = s.GetConfig(ctx, KeyServicePrice, "fallback")
	require.NoError(t, err)
	require.Equal(t, "5", v)

	require.NoError(t, s.SetConfig(ctx, KeyServicePrice, "7"))
	require.NoError(t, s.DefaultConfig(ctx, KeyServicePrice, "9"))
	require.NoError(t, s.ApplyDefaults(ctx))

	v, err = s.GetConfig(ctx, KeyServicePrice, "")
	require.NoError(t, err)
	require.Equal(t, "7", v)
}
