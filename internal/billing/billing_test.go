package billing

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/suspectuso/tunnel-billing/internal/metrics"
	"github.com/suspectuso/tunnel-billing/internal/storage"
	"github.com/suspectuso/tunnel-billing/internal/wallet"
)

const (
	testKeyA = "931bug32mf16f43sh55550u7d7ctj6wccp9vl1yprkc8kf91ujb0.k"
	testKeyB = "3kl3lxbmwqdl91mkgcnlshw4chw5sy1k94jvlw0dtu4538181zz1.k"
)

var testNow = time.Unix(1700000000, 0)

type fakeWallet struct {
	mu       sync.Mutex
	balances map[string]int64  // by address
	owners   map[string]string // secret -> address
	drained  map[string]bool   // addresses whose funds vanish before a sweep
	sweeps   int
	next     int
	testnet  bool
	err      error
}

func newFakeWallet() *fakeWallet {
	return &fakeWallet{
		balances: map[string]int64{},
		owners:   map[string]string{},
		drained:  map[string]bool{},
		testnet:  true,
	}
}

func (w *fakeWallet) GenerateKey() (wallet.Key, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.next++
	key := wallet.Key{
		Address: fmt.Sprintf("addr-%d", w.next),
		Secret:  fmt.Sprintf("secret-%d", w.next),
	}
	w.owners[key.Secret] = key.Address
	return key, nil
}

func (w *fakeWallet) GetBalance(ctx context.Context, address string) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return 0, w.err
	}
	return w.balances[address], nil
}

func (w *fakeWallet) Sweep(ctx context.Context, secret string) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	addr := w.owners[secret]
	moved := w.balances[addr]
	if moved == 0 || w.drained[addr] {
		return 0, wallet.ErrNothingToSweep
	}
	w.balances[addr] = 0
	w.sweeps++
	return moved, nil
}

func (w *fakeWallet) AddressOf(secret string) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	addr, ok := w.owners[secret]
	if !ok {
		return "", wallet.ErrInvalidKey
	}
	return addr, nil
}

func (w *fakeWallet) Testnet() bool {
	return w.testnet
}

func (w *fakeWallet) fund(address string, amount int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.balances[address] = amount
}

func (w *fakeWallet) drain(address string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.drained[address] = true
}

type fakeSyncer struct {
	mu    sync.Mutex
	calls int
}

func (s *fakeSyncer) RequestSync(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return nil
}

type fakeAlerter struct {
	mu     sync.Mutex
	alerts []string
}

func (a *fakeAlerter) Alert(ctx context.Context, text string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alerts = append(a.alerts, text)
}

type fixture struct {
	store   *storage.Storage
	wallet  *fakeWallet
	syncer  *fakeSyncer
	alerter *fakeAlerter
	metrics *metrics.Metrics
	deps    Deps
	clock   *Clock
	poller  *Poller
}

func newFixture(t *testing.T, withBlock bool) *fixture {
	t.Helper()
	store, err := storage.New(filepath.Join(t.TempDir(), "billing.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	if withBlock {
		_, err := store.CreateBlock(context.Background(), "10.27.75.0")
		require.NoError(t, err)
	}

	f := &fixture{
		store:   store,
		wallet:  newFakeWallet(),
		syncer:  &fakeSyncer{},
		alerter: &fakeAlerter{},
		metrics: metrics.New(nil),
	}
	f.deps = Deps{
		Store:   store,
		Wallet:  f.wallet,
		Syncer:  f.syncer,
		Alerter: f.alerter,
		Metrics: f.metrics,
		Now:     func() time.Time { return testNow },
	}
	f.clock = NewClock(f.deps)
	f.poller = NewPoller(f.deps, f.clock, 7*24*time.Hour, time.Second)
	return f
}

func (f *fixture) invoice(t *testing.T, pubkey string, expected int64) *storage.Invoice {
	t.Helper()
	ctx := context.Background()
	account, err := f.store.GetOrCreateAccount(ctx, pubkey)
	require.NoError(t, err)
	key, err := f.wallet.GenerateKey()
	require.NoError(t, err)
	inv, err := f.store.CreateInvoice(ctx, account.ID, key.Address, key.Secret, expected, testNow)
	require.NoError(t, err)
	return inv
}

func (f *fixture) account(t *testing.T, id int64) *storage.Account {
	t.Helper()
	a, err := f.store.GetAccountByID(context.Background(), id)
	require.NoError(t, err)
	return a
}

func TestAddTimeFromLapsedPaidThrough(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	a, err := f.store.GetOrCreateAccount(ctx, testKeyA)
	require.NoError(t, err)
	// paid_through ends up one day before testNow
	_, _, err = f.store.ExtendPaidThrough(ctx, a.ID, testNow.Add(-Period-24*time.Hour), Period)
	require.NoError(t, err)

	require.NoError(t, f.clock.AddTime(ctx, a.ID, 0))

	got := f.account(t, a.ID)
	require.Equal(t, testNow.Add(Period), got.PaidThrough)
	require.True(t, got.Active)
	require.Equal(t, 1, f.syncer.calls)

	_, err = f.store.AddressFor(ctx, a.ID)
	require.NoError(t, err)
}

func TestAddTimeFromFuturePaidThrough(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	a, err := f.store.GetOrCreateAccount(ctx, testKeyA)
	require.NoError(t, err)
	require.NoError(t, f.clock.AddTime(ctx, a.ID, 0))
	first := f.account(t, a.ID).PaidThrough

	require.NoError(t, f.clock.AddTime(ctx, a.ID, 0))

	got := f.account(t, a.ID)
	require.Equal(t, first.Add(Period), got.PaidThrough)
	// Already active, so no second activation.
	require.Equal(t, 1, f.syncer.calls)
}

func TestActivatePoolExhausted(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	a, err := f.store.GetOrCreateAccount(ctx, testKeyA)
	require.NoError(t, err)

	err = f.clock.AddTime(ctx, a.ID, 0)
	require.ErrorIs(t, err, storage.ErrPoolExhausted)

	got := f.account(t, a.ID)
	require.False(t, got.Active)
	require.True(t, got.PaidAt(testNow))
	require.Zero(t, f.syncer.calls)
	require.Len(t, f.alerter.alerts, 1)
	require.Equal(t, float64(1), testutil.ToFloat64(f.metrics.PoolExhausted))
}

func TestPollInsufficientBalance(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	inv := f.invoice(t, testKeyA, 500000)
	f.wallet.fund(inv.Address, 400000)

	require.NoError(t, f.poller.PollInvoice(ctx, inv))

	got, err := f.store.GetInvoice(ctx, inv.Address)
	require.NoError(t, err)
	require.False(t, got.Received)
	require.False(t, got.Sweeping())
	require.Zero(t, f.wallet.sweeps)
}

func TestPollSufficientBalance(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	inv := f.invoice(t, testKeyA, 500000)
	f.wallet.fund(inv.Address, 600000)

	got, err := f.poller.PollAddress(ctx, inv.Address)
	require.NoError(t, err)
	require.True(t, got.Received)
	require.True(t, got.Credited())
	require.Equal(t, 1, f.wallet.sweeps)

	account := f.account(t, inv.AccountID)
	require.True(t, account.Active)
	require.Equal(t, testNow.Add(Period), account.PaidThrough)
	require.Equal(t, float64(600000), testutil.ToFloat64(f.metrics.SatoshisSwept))

	// Polling a paid invoice again changes nothing.
	require.NoError(t, f.poller.PollInvoice(ctx, got))
	require.Equal(t, testNow.Add(Period), f.account(t, inv.AccountID).PaidThrough)
}

func TestPollConcurrentCreditsOnce(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	inv := f.invoice(t, testKeyA, 500000)
	f.wallet.fund(inv.Address, 600000)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			snapshot := *inv
			f.poller.PollInvoice(ctx, &snapshot)
		}()
	}
	wg.Wait()

	// A poller that lost the sweep race gets an error and leaves the rest to
	// the next pass, which finds the invoice paid.
	require.NoError(t, f.poller.PollAll(ctx))

	got, err := f.store.GetInvoice(ctx, inv.Address)
	require.NoError(t, err)
	require.True(t, got.Received)
	require.Equal(t, 1, f.wallet.sweeps)
	require.Equal(t, testNow.Add(Period), f.account(t, inv.AccountID).PaidThrough)
	require.Equal(t, float64(1), testutil.ToFloat64(f.metrics.InvoicesCredited))
}

func TestMarkPaidConcurrentSingleWinner(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	inv := f.invoice(t, testKeyA, 500000)

	const callers = 16
	type result struct {
		first bool
		err   error
	}
	results := make(chan result, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			first, err := f.store.MarkPaid(ctx, inv.Address)
			results <- result{first, err}
		}()
	}
	wg.Wait()
	close(results)

	winners := 0
	for r := range results {
		require.NoError(t, r.err)
		if r.first {
			winners++
		}
	}
	require.Equal(t, 1, winners)
}

func TestPollResumedSweepFindsNothing(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	inv := f.invoice(t, testKeyA, 500000)

	// An earlier attempt marked the invoice and moved the funds, then crashed.
	ok, err := f.store.MarkSweeping(ctx, inv.Address, testNow)
	require.NoError(t, err)
	require.True(t, ok)

	invoices, err := f.store.ListPollable(ctx, testNow, time.Hour)
	require.NoError(t, err)
	require.Len(t, invoices, 1)

	require.NoError(t, f.poller.PollInvoice(ctx, &invoices[0]))

	got, err := f.store.GetInvoice(ctx, inv.Address)
	require.NoError(t, err)
	require.True(t, got.Received)
	require.True(t, f.account(t, inv.AccountID).Active)
}

func TestPollFreshSweepFindsNothing(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	inv := f.invoice(t, testKeyA, 500000)
	f.wallet.fund(inv.Address, 600000)
	// Funds disappear between the balance check and the sweep.
	f.wallet.drain(inv.Address)

	err := f.poller.PollInvoice(ctx, inv)
	var walletErr *WalletError
	require.ErrorAs(t, err, &walletErr)
	require.ErrorIs(t, err, wallet.ErrNothingToSweep)

	got, err := f.store.GetInvoice(ctx, inv.Address)
	require.NoError(t, err)
	require.False(t, got.Received)
	require.True(t, got.Sweeping())
}

func TestPollRejectsForeignKey(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	account, err := f.store.GetOrCreateAccount(ctx, testKeyA)
	require.NoError(t, err)
	other, err := f.wallet.GenerateKey()
	require.NoError(t, err)
	inv, err := f.store.CreateInvoice(ctx, account.ID, "addr-foreign", other.Secret, 500000, testNow)
	require.NoError(t, err)
	f.wallet.fund(other.Address, 600000)
	f.wallet.fund("addr-foreign", 600000)

	err = f.poller.PollInvoice(ctx, inv)
	var walletErr *WalletError
	require.ErrorAs(t, err, &walletErr)
	require.ErrorIs(t, err, ErrKeyMismatch)
	require.Zero(t, f.wallet.sweeps)

	got, err := f.store.GetInvoice(ctx, "addr-foreign")
	require.NoError(t, err)
	require.False(t, got.Received)
	require.False(t, got.Sweeping())
}

func TestPollAllIsolatesFailures(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	broken := f.invoice(t, testKeyA, 500000)
	f.wallet.fund(broken.Address, 600000)
	f.wallet.drain(broken.Address)

	good := f.invoice(t, testKeyB, 500000)
	f.wallet.fund(good.Address, 500000)

	require.NoError(t, f.poller.PollAll(ctx))

	got, err := f.store.GetInvoice(ctx, good.Address)
	require.NoError(t, err)
	require.True(t, got.Received)
	require.Equal(t, float64(1), testutil.ToFloat64(f.metrics.InvoicesPolled.WithLabelValues("error")))
	require.Equal(t, float64(1), testutil.ToFloat64(f.metrics.InvoicesPolled.WithLabelValues("ok")))
}

func TestPollAllStopsWhenRateLimited(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	f.invoice(t, testKeyA, 500000)
	f.invoice(t, testKeyB, 500000)
	f.wallet.err = wallet.ErrRateLimited

	require.NoError(t, f.poller.PollAll(ctx))
	require.Equal(t, float64(1), testutil.ToFloat64(f.metrics.InvoicesPolled.WithLabelValues("error")))
}

func TestPollSkipsOldInvoices(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	inv := f.invoice(t, testKeyA, 500000)
	f.wallet.fund(inv.Address, 600000)

	f.deps.Now = func() time.Time { return testNow.Add(8 * 24 * time.Hour) }
	poller := NewPoller(f.deps, f.clock, 7*24*time.Hour, time.Second)
	require.NoError(t, poller.PollAll(ctx))
	require.Zero(t, f.wallet.sweeps)
}

func TestExpirerDeactivatesLapsedAccounts(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	a, err := f.store.GetOrCreateAccount(ctx, testKeyA)
	require.NoError(t, err)
	_, _, err = f.store.ExtendPaidThrough(ctx, a.ID, testNow.Add(-Period-24*time.Hour), Period)
	require.NoError(t, err)
	require.NoError(t, f.store.EnsureAssigned(ctx, a.ID))
	require.NoError(t, f.store.SetActive(ctx, a.ID, true))
	held, err := f.store.AddressFor(ctx, a.ID)
	require.NoError(t, err)

	b, err := f.store.GetOrCreateAccount(ctx, testKeyB)
	require.NoError(t, err)
	require.NoError(t, f.clock.AddTime(ctx, b.ID, 0))

	n, err := NewExpirer(f.deps).Run(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	require.False(t, f.account(t, a.ID).Active)
	require.True(t, f.account(t, b.ID).Active)

	// Expired accounts keep their address for a fast comeback.
	kept, err := f.store.AddressFor(ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, held.IP, kept.IP)
}

func TestRecovererCreditsOnce(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	inv := f.invoice(t, testKeyA, 500000)

	// Crash after the paid flag flipped but before the credit landed.
	first, err := f.store.MarkPaid(ctx, inv.Address)
	require.NoError(t, err)
	require.True(t, first)

	r := NewRecoverer(f.deps, f.clock)
	require.NoError(t, r.Run(ctx))
	require.NoError(t, r.Run(ctx))

	account := f.account(t, inv.AccountID)
	require.True(t, account.Active)
	require.Equal(t, testNow.Add(Period), account.PaidThrough)

	uncredited, err := f.store.ListUncredited(ctx)
	require.NoError(t, err)
	require.Empty(t, uncredited)
}

func TestRecovererActivatesPaidInactive(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	a, err := f.store.GetOrCreateAccount(ctx, testKeyA)
	require.NoError(t, err)
	// Crash after the date update but before activation.
	_, _, err = f.store.ExtendPaidThrough(ctx, a.ID, testNow, Period)
	require.NoError(t, err)

	require.NoError(t, NewRecoverer(f.deps, f.clock).Run(ctx))
	require.True(t, f.account(t, a.ID).Active)
	require.Equal(t, 1, f.syncer.calls)
}

func TestGrantTimeOnlyOnTestnet(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	account, err := f.clock.GrantTime(ctx, testKeyA)
	require.NoError(t, err)
	require.True(t, account.Active)
	require.Equal(t, testNow.Add(Period), account.PaidThrough)

	f.wallet.testnet = false
	_, err = f.clock.GrantTime(ctx, testKeyA)
	require.ErrorIs(t, err, ErrNotTestnet)

	f.wallet.testnet = true
	_, err = f.clock.GrantTime(ctx, "not-a-key")
	require.ErrorIs(t, err, ErrInvalidPubKey)
}
