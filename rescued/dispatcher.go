package rescued

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"sync"
	"time"

	"github.com/cpor3/rescue-nfts/chain"
	"github.com/cpor3/rescue-nfts/custody"
	"github.com/cpor3/rescue-nfts/store"
)

// AccountStore is the persistence surface the dispatcher needs. *store.Store
// satisfies it.
type AccountStore interface {
	ReadPending(ctx context.Context) ([]store.Account, error)
	Update(ctx context.Context, address string, patch store.Patch) error
	CurrentMaxVaultID(ctx context.Context) (int64, error)
}

// VaultProvider provisions custodial destination vaults. *custody.Client
// satisfies it; a nil provider disables provisioning.
type VaultProvider interface {
	CreateVault(ctx context.Context, name string, hidden bool, referenceAddress string, autoFuel bool) (custody.Vault, error)
	CreateAsset(ctx context.Context, vaultID, assetSymbol string) (custody.Asset, error)
}

// Dispatcher drives the recovery engine: it reads pending accounts, provisions
// destination vaults for any that lack one, fans the batch out to workers, and
// persists completions. One batch runs at most Engine.Workers accounts at a
// time, and a sweep keeps batching until every pending account has been tried
// once.
type Dispatcher struct {
	cfg       Config
	store     AccountStore
	backend   *chain.Backend
	contracts *chain.Contracts
	vaults    VaultProvider
	sequencer NonceSource
	chainID   *big.Int
	log       *slog.Logger
	metrics   *Metrics

	// process runs one account job; overridable in tests.
	process func(ctx context.Context, account store.Account, log *slog.Logger) (bool, error)

	mu     sync.Mutex
	paused bool
	resume chan struct{}
}

// DispatcherDeps wires a dispatcher.
type DispatcherDeps struct {
	Config    Config
	Store     AccountStore
	Backend   *chain.Backend
	Contracts *chain.Contracts
	Vaults    VaultProvider
	Sequencer NonceSource
	Log       *slog.Logger
	Metrics   *Metrics
}

// NewDispatcher assembles the dispatcher.
func NewDispatcher(deps DispatcherDeps) *Dispatcher {
	logger := deps.Log
	if logger == nil {
		logger = slog.Default()
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = NewMetrics()
	}
	d := &Dispatcher{
		cfg:       deps.Config,
		store:     deps.Store,
		backend:   deps.Backend,
		contracts: deps.Contracts,
		vaults:    deps.Vaults,
		sequencer: deps.Sequencer,
		chainID:   big.NewInt(deps.Config.Chain.ChainID),
		log:       logger.With("component", "dispatcher"),
		metrics:   metrics,
	}
	d.process = d.processAccount
	return d
}

// Run processes pending accounts until a fresh pending read comes back empty.
// Accounts that moved assets report not-completed, so a sweep where every
// worker succeeded retires nothing; those accounts still count as progress and
// the next sweep re-verifies them against live balances. Only a sweep that
// neither retires an account nor does any successful work means whatever is
// left is stuck, and the run stops rather than retrying forever.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		if err := d.waitWhilePaused(ctx); err != nil {
			return err
		}
		pending, err := d.store.ReadPending(ctx)
		if err != nil {
			return fmt.Errorf("read pending accounts: %w", err)
		}
		d.metrics.SetPending(len(pending))
		if len(pending) == 0 {
			d.log.Info("no pending accounts, dispatcher done")
			return nil
		}
		d.log.Info("starting sweep", "pending", len(pending))

		retired, worked := 0, 0
		for start := 0; start < len(pending); start += d.cfg.Engine.Workers {
			if err := d.waitWhilePaused(ctx); err != nil {
				return err
			}
			batch := pending[start:min(start+d.cfg.Engine.Workers, len(pending))]
			completed, succeeded, err := d.runBatch(ctx, batch)
			if err != nil {
				return err
			}
			retired += completed
			worked += succeeded
		}
		if retired == 0 && worked == 0 {
			d.log.Warn("sweep made no progress, stopping", "remaining", len(pending))
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d.cfg.Engine.SettleWait.Duration):
		}
	}
}

// runBatch provisions, dispatches, and settles one batch. It blocks until
// every worker has reported, then persists the retired accounts. It returns
// the number of accounts retired and the number that did recovery work
// without error but are not yet verifiably empty.
func (d *Dispatcher) runBatch(ctx context.Context, batch []store.Account) (int, int, error) {
	if err := d.provisionVaults(ctx, batch); err != nil {
		return 0, 0, err
	}

	started := time.Now()
	results := make(chan JobResult, len(batch))
	for _, account := range batch {
		go d.runAccount(ctx, account, results)
	}

	completed, succeeded := 0, 0
	for range batch {
		result := <-results
		switch result.Kind {
		case ResultCompleted:
			status := store.StatusCompleted
			if err := d.store.Update(ctx, result.Address, store.Patch{Status: &status}); err != nil {
				return completed, succeeded, fmt.Errorf("retire account %s: %w", result.Address, err)
			}
			completed++
		case ResultNotCompleted:
			if result.Err == nil {
				succeeded++
			}
		case ResultFatal:
			d.metrics.RecordError("worker", "panic")
		}
	}
	d.metrics.ObserveBatch(time.Since(started))
	d.log.Info("batch settled", "size", len(batch), "completed", completed, "succeeded", succeeded, "elapsed", time.Since(started))
	return completed, succeeded, nil
}

// provisionVaults creates a destination vault for every account in the batch
// that lacks one and records the binding before any worker is dispatched, so a
// crash can never orphan a provisioned vault. A provisioning failure aborts
// the run: dispatching an account without a destination would strand assets
// on the compromised wallet.
func (d *Dispatcher) provisionVaults(ctx context.Context, batch []store.Account) error {
	if d.vaults == nil {
		return nil
	}
	var counter int64 = -1
	for i := range batch {
		if batch[i].VaultID != nil {
			continue
		}
		if counter < 0 {
			maxID, err := d.store.CurrentMaxVaultID(ctx)
			if err != nil {
				return fmt.Errorf("read max vault id: %w", err)
			}
			counter = maxID
		}
		counter++
		name := fmt.Sprintf("%s-%d", d.cfg.Custody.VaultNamePrefix, counter)
		vault, err := d.vaults.CreateVault(ctx, name, d.cfg.Custody.HiddenVaults, batch[i].Address, d.cfg.Custody.AutoFuel)
		if err != nil {
			return fmt.Errorf("create vault %s: %w", name, err)
		}
		asset, err := d.vaults.CreateAsset(ctx, vault.ID, d.cfg.Custody.AssetSymbol)
		if err != nil {
			return fmt.Errorf("create vault asset %s: %w", name, err)
		}
		vaultID, err := strconv.ParseInt(vault.ID, 10, 64)
		if err != nil {
			return fmt.Errorf("vault id %q is not numeric", vault.ID)
		}
		patch := store.Patch{VaultID: &vaultID}
		if batch[i].NewAddress == "" {
			patch.NewAddress = &asset.Address
		}
		if err := d.store.Update(ctx, batch[i].Address, patch); err != nil {
			return fmt.Errorf("record vault binding: %w", err)
		}
		batch[i].VaultID = &vaultID
		if batch[i].NewAddress == "" {
			batch[i].NewAddress = asset.Address
		}
		d.log.Info("provisioned vault", "name", name, "vault", vault.ID, "account", batch[i].Address)
	}
	return nil
}

// Pause stops the dispatcher before the next batch. In-flight workers finish.
func (d *Dispatcher) Pause() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.paused {
		return
	}
	d.paused = true
	d.resume = make(chan struct{})
	d.metrics.SetPaused(true)
	d.log.Info("dispatcher paused")
}

// Resume lets a paused dispatcher continue.
func (d *Dispatcher) Resume() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.paused {
		return
	}
	d.paused = false
	close(d.resume)
	d.metrics.SetPaused(false)
	d.log.Info("dispatcher resumed")
}

// Paused reports whether the dispatcher is holding between batches.
func (d *Dispatcher) Paused() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.paused
}

func (d *Dispatcher) waitWhilePaused(ctx context.Context) error {
	for {
		d.mu.Lock()
		if !d.paused {
			d.mu.Unlock()
			return nil
		}
		resume := d.resume
		d.mu.Unlock()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-resume:
		}
	}
}
