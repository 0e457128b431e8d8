package tunnel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/suspectuso/tunnel-billing/internal/metrics"
	"github.com/suspectuso/tunnel-billing/internal/storage"
)

// Store is the account and address state the reconciler reads
type Store interface {
	ListActiveAccounts(ctx context.Context) ([]storage.Account, error)
	GetAccount(ctx context.Context, pubkey string) (*storage.Account, error)
	EnsureAssigned(ctx context.Context, accountID int64) error
	AddressFor(ctx context.Context, accountID int64) (*storage.Address, error)
}

// Config configures a Reconciler
type Config struct {
	Store      Store
	Admin      Admin
	Prefix     int
	RPCTimeout time.Duration
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
}

// Reconciler keeps the admin's open tunnels in line with the active accounts
// in storage. The database is the source of truth; the admin's connection
// list is a cache that gets corrected.
type Reconciler struct {
	store      Store
	admin      Admin
	prefix     int
	rpcTimeout time.Duration
	metrics    *metrics.Metrics
	log        *slog.Logger

	syncing atomic.Bool
	dirty   atomic.Bool
}

// Result counts the corrective operations of one pass
type Result struct {
	Opened int
	Closed int
}

// NewReconciler creates a new Reconciler
func NewReconciler(cfg Config) *Reconciler {
	if cfg.RPCTimeout <= 0 {
		cfg.RPCTimeout = 10 * time.Second
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New(nil)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Reconciler{
		store:      cfg.Store,
		admin:      cfg.Admin,
		prefix:     cfg.Prefix,
		rpcTimeout: cfg.RPCTimeout,
		metrics:    cfg.Metrics,
		log:        cfg.Logger,
	}
}

// Start runs a pass immediately and then again interval after each pass finishes
func (r *Reconciler) Start(ctx context.Context, interval time.Duration) {
	r.log.Info("tunnel reconciler started", "interval", interval)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			if err := r.RequestSync(ctx); err != nil {
				r.log.Error("sync tunnels", "error", err)
			}
			timer.Reset(interval)
		}
	}
}

// RequestSync runs a reconciliation pass unless one is already running. A
// request that arrives during a pass is coalesced: it returns nil at once and
// the running pass goes around again before releasing the flag. The caller
// that ran the passes gets their errors.
func (r *Reconciler) RequestSync(ctx context.Context) error {
	r.dirty.Store(true)
	if !r.syncing.CompareAndSwap(false, true) {
		r.metrics.TunnelPasses.WithLabelValues("coalesced").Inc()
		r.log.Debug("tunnel sync already running")
		return nil
	}

	var errs []error
	for {
		r.dirty.Store(false)
		if _, err := r.Sync(ctx); err != nil {
			errs = append(errs, err)
		}
		r.syncing.Store(false)

		if ctx.Err() != nil || !r.dirty.Load() || !r.syncing.CompareAndSwap(false, true) {
			break
		}
	}
	return errors.Join(errs...)
}

// Sync performs one reconciliation pass. Callers other than RequestSync must
// make sure passes do not overlap.
func (r *Reconciler) Sync(ctx context.Context) (Result, error) {
	start := time.Now()
	res, err := r.sync(ctx)
	r.metrics.TaskDuration.WithLabelValues("tunnel_sync").Observe(time.Since(start).Seconds())

	if err != nil {
		r.metrics.TunnelPasses.WithLabelValues("error").Inc()
		return res, err
	}
	r.metrics.TunnelPasses.WithLabelValues("ok").Inc()
	r.log.Info("tunnels synchronized", "opened", res.Opened, "closed", res.Closed)
	return res, nil
}

func (r *Reconciler) sync(ctx context.Context) (Result, error) {
	var res Result

	active, err := r.store.ListActiveAccounts(ctx)
	if err != nil {
		return res, fmt.Errorf("list active accounts: %w", err)
	}

	var ids []int
	err = r.call(ctx, "list connections", func(ctx context.Context) error {
		ids, err = r.admin.ListConnections(ctx)
		return err
	})
	if err != nil {
		return res, err
	}
	r.log.Debug("found open tunnels", "count", len(ids))

	// Keys of active accounts that already have a tunnel.
	open := make(map[string]bool)
	var inspectErrs, closeErrs []error

	for _, id := range ids {
		stale, key, err := r.inspect(ctx, id, open)
		if err != nil {
			inspectErrs = append(inspectErrs, err)
			continue
		}
		if !stale {
			if key != "" {
				open[key] = true
			}
			continue
		}
		if err := r.close(ctx, id); err != nil {
			closeErrs = append(closeErrs, err)
			continue
		}
		res.Closed++
	}

	// Opening needs a complete picture of what is already open, otherwise a
	// tunnel we failed to inspect would be duplicated. A failed close leaves
	// that picture intact.
	if len(inspectErrs) > 0 {
		return res, errors.Join(append(inspectErrs, closeErrs...)...)
	}

	errs := closeErrs
	for _, account := range active {
		if open[account.PubKey] {
			continue
		}
		if err := r.open(ctx, account); err != nil {
			errs = append(errs, err)
			continue
		}
		res.Opened++
	}

	return res, errors.Join(errs...)
}

// inspect decides whether one connection should be closed. It returns the key
// to record when the tunnel is legitimately open.
func (r *Reconciler) inspect(ctx context.Context, id int, open map[string]bool) (bool, string, error) {
	var conn Connection
	err := r.call(ctx, "show connection", func(ctx context.Context) error {
		var err error
		conn, err = r.admin.ShowConnection(ctx, id)
		return err
	})
	if err != nil {
		return false, "", fmt.Errorf("connection %d: %w", id, err)
	}

	if conn.Outgoing {
		return false, "", nil
	}

	if open[conn.Key] {
		r.log.Info("closing duplicate tunnel", "connection", id, "key", conn.Key)
		return true, "", nil
	}

	account, err := r.store.GetAccount(ctx, conn.Key)
	if err != nil {
		return false, "", fmt.Errorf("connection %d: lookup account: %w", id, err)
	}

	if !account.Active {
		r.log.Info("closing tunnel of inactive account",
			"connection", id,
			"account_id", account.ID,
			"key", conn.Key,
		)
		return true, "", nil
	}

	return false, account.PubKey, nil
}

func (r *Reconciler) close(ctx context.Context, id int) error {
	err := r.call(ctx, "remove connection", func(ctx context.Context) error {
		return r.admin.RemoveConnection(ctx, id)
	})
	if err != nil {
		return fmt.Errorf("connection %d: %w", id, err)
	}
	r.metrics.TunnelOps.WithLabelValues("close").Inc()
	return nil
}

func (r *Reconciler) open(ctx context.Context, account storage.Account) error {
	if err := r.store.EnsureAssigned(ctx, account.ID); err != nil {
		if errors.Is(err, storage.ErrPoolExhausted) {
			r.metrics.PoolExhausted.Inc()
		}
		return fmt.Errorf("account %d: assign address: %w", account.ID, err)
	}
	addr, err := r.store.AddressFor(ctx, account.ID)
	if err != nil {
		return fmt.Errorf("account %d: lookup address: %w", account.ID, err)
	}

	r.log.Info("opening tunnel", "account_id", account.ID, "address", addr.IP)

	err = r.call(ctx, "allow connection", func(ctx context.Context) error {
		_, err := r.admin.AllowConnection(ctx, Allow{
			Key:     account.PubKey,
			Address: addr.IP,
			Prefix:  r.prefix,
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("account %d: %w", account.ID, err)
	}
	r.metrics.TunnelOps.WithLabelValues("open").Inc()
	return nil
}

// call runs one admin RPC under its own deadline
func (r *Reconciler) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	callCtx, cancel := context.WithTimeout(ctx, r.rpcTimeout)
	defer cancel()

	err := fn(callCtx)
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, ErrTimeout) {
		err = fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
