package rescued

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/cpor3/rescue-nfts/chain"
	"github.com/cpor3/rescue-nfts/gameapi"
	"github.com/cpor3/rescue-nfts/observability/logging"
	"github.com/cpor3/rescue-nfts/store"
)

// ResultKind tags the outcome of one account job.
type ResultKind int

const (
	// ResultCompleted means the account verifiably has nothing left to
	// recover and can be retired.
	ResultCompleted ResultKind = iota
	// ResultNotCompleted means the account stays pending: either work was
	// done that the next batch must re-verify, or a step failed.
	ResultNotCompleted
	// ResultFatal means the worker died unexpectedly; the account stays
	// pending and the failure is surfaced loudly.
	ResultFatal
)

func (k ResultKind) String() string {
	switch k {
	case ResultCompleted:
		return "completed"
	case ResultNotCompleted:
		return "not_completed"
	case ResultFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// JobResult reports the outcome of one account job back to the dispatcher.
type JobResult struct {
	JobID   uuid.UUID
	Address string
	Kind    ResultKind
	Err     error
}

// runAccount executes one account job and always delivers exactly one result,
// even when the workflow panics.
func (d *Dispatcher) runAccount(ctx context.Context, account store.Account, results chan<- JobResult) {
	jobID := uuid.New()
	log := d.log.With("job", jobID.String(), "account", logging.ShortAddress(account.Address))
	defer func() {
		if r := recover(); r != nil {
			log.Error("worker panicked", "panic", r)
			results <- JobResult{JobID: jobID, Address: account.Address, Kind: ResultFatal, Err: fmt.Errorf("worker panic: %v", r)}
		}
	}()

	completed, err := d.process(ctx, account, log)
	kind := ResultNotCompleted
	switch {
	case err != nil:
		if errors.Is(err, ErrIneligible) {
			log.Warn("account ineligible", "err", err)
		} else {
			log.Error("recovery failed", "err", err)
		}
	case completed:
		kind = ResultCompleted
	}
	d.metrics.RecordOutcome(kind.String())
	results <- JobResult{JobID: jobID, Address: account.Address, Kind: kind, Err: err}
}

// processAccount assembles the per-account wallets, clients, and workflow and
// runs the recovery once.
func (d *Dispatcher) processAccount(ctx context.Context, account store.Account, log *slog.Logger) (bool, error) {
	if !common.IsHexAddress(account.NewAddress) {
		return false, fmt.Errorf("account has no valid replacement address")
	}
	operating, err := chain.NewWallet(account.PrivateKey, d.chainID)
	if err != nil {
		return false, fmt.Errorf("operating wallet: %w", err)
	}
	if !addressesEqual(operating.Address().Hex(), account.Address) {
		return false, fmt.Errorf("private key does not match account address")
	}
	funding, err := chain.NewWallet(d.cfg.Funding.Key, d.chainID)
	if err != nil {
		return false, fmt.Errorf("funding wallet: %w", err)
	}

	exec := NewExecutor(
		d.backend, d.sequencer, funding, operating,
		d.cfg.Engine.PriorityFeeIncreasePct, d.cfg.Chain.ConfirmationTimeout.Duration,
		log, d.metrics)

	apiOpts := []gameapi.Option{
		gameapi.WithRateLimit(d.cfg.GameAPI.RequestsPerSecond, d.cfg.GameAPI.Burst),
	}
	if d.cfg.GameAPI.ChallengeTemplate != "" {
		apiOpts = append(apiOpts, gameapi.WithChallengeTemplate(d.cfg.GameAPI.ChallengeTemplate))
	}
	api := gameapi.New(d.cfg.GameAPI.BaseURL, gameapi.Credentials{
		APIKey: d.cfg.GameAPI.APIKey,
		Base:   d.cfg.GameAPI.SigningBase,
		Salt:   d.cfg.GameAPI.SigningSalt,
	}, account.Address, apiOpts...)

	workflow := NewWorkflow(WorkflowDeps{
		Account:   account,
		API:       api,
		Exec:      exec,
		Contracts: BindContracts(d.contracts, d.backend),
		Records:   d.store,
		Signer:    operating,
		Engine:    d.cfg.Engine,
		Log:       log,
		Metrics:   d.metrics,
	})
	return workflow.Run(ctx)
}

func addressesEqual(a, b string) bool {
	return common.HexToAddress(a) == common.HexToAddress(b)
}
