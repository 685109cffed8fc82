package rescued

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/cpor3/rescue-nfts/chain"
)

// ExecBackend is the chain surface the executor drives. *chain.Backend
// satisfies it; tests substitute a scripted fake.
type ExecBackend interface {
	FeeData(ctx context.Context) chain.FeeData
	BaseFee(ctx context.Context) *big.Int
	PendingNonce(ctx context.Context, account common.Address) (uint64, error)
	Balance(ctx context.Context, account common.Address) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) uint64
	Submit(ctx context.Context, tx *gethtypes.Transaction) error
	WaitForConfirmation(ctx context.Context, txHash common.Hash, confirmations uint64, timeout time.Duration) error
}

// Executor submits contract calls on behalf of one compromised wallet. Every
// call is fronted by a funding transfer from the shared funding wallet sized
// to the call's worst-case fee, so the compromised wallet never holds more gas
// money than the next transaction needs.
type Executor struct {
	backend             ExecBackend
	nonces              NonceSource
	funding             *chain.Wallet
	operating           *chain.Wallet
	priorityIncreasePct int64
	confirmTimeout      time.Duration
	log                 *slog.Logger
	metrics             *Metrics
}

// NewExecutor binds an executor to a funding wallet and the compromised
// operating wallet it acts for.
func NewExecutor(backend ExecBackend, nonces NonceSource, funding, operating *chain.Wallet, priorityIncreasePct int64, confirmTimeout time.Duration, logger *slog.Logger, metrics *Metrics) *Executor {
	if priorityIncreasePct <= 0 {
		priorityIncreasePct = 20
	}
	if confirmTimeout <= 0 {
		confirmTimeout = 60 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = NewMetrics()
	}
	return &Executor{
		backend:             backend,
		nonces:              nonces,
		funding:             funding,
		operating:           operating,
		priorityIncreasePct: priorityIncreasePct,
		confirmTimeout:      confirmTimeout,
		log:                 logger.With("component", "executor", "wallet", operating.Address().Hex()),
		metrics:             metrics,
	}
}

// Operating returns the compromised wallet address the executor acts for.
func (e *Executor) Operating() common.Address { return e.operating.Address() }

// Execute funds and submits one contract call from the operating wallet.
// The call is estimated first; a refused estimate means the call would revert
// and nothing is broadcast. Confirmation timeouts are retried with the same
// nonce and a raised priority fee so the replacement displaces the stuck
// transaction instead of queueing behind it. priorityOverride, when non-nil,
// pins the initial priority fee instead of deriving it from the node.
func (e *Executor) Execute(ctx context.Context, call chain.Call, maxRetries int, priorityOverride *big.Int) error {
	if maxRetries <= 0 {
		maxRetries = 1
	}
	msg := ethereum.CallMsg{From: e.operating.Address(), To: &call.To, Value: call.Value, Data: call.Data}
	units := e.backend.EstimateGas(ctx, msg)
	if units == 0 {
		return fmt.Errorf("%s: gas estimate refused, call would revert", call.Label)
	}
	gasLimit := scalePct(new(big.Int).SetUint64(units), 110).Uint64()

	fees := e.backend.FeeData(ctx)
	priority := new(big.Int)
	if priorityOverride != nil {
		priority.Set(priorityOverride)
	} else {
		priority = scalePct(fees.PriorityFee, 100+e.priorityIncreasePct)
	}
	maxFee := e.feeCap(ctx, priority)

	required := new(big.Int).Mul(new(big.Int).SetUint64(gasLimit), maxFee)
	funded := e.fund(ctx, required, maxFee, priority)
	select {
	case err := <-funded:
		if err != nil {
			return fmt.Errorf("%s: fund operating wallet: %w", call.Label, err)
		}
	case <-ctx.Done():
		return ctx.Err()
	}

	// One nonce for the whole retry loop: every retry is a fee-bumped
	// replacement of the same slot.
	nonce, err := e.backend.PendingNonce(ctx, e.operating.Address())
	if err != nil {
		return fmt.Errorf("%s: fetch operating nonce: %w", call.Label, err)
	}

	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		if attempt > 1 {
			priority = scalePct(priority, 100+e.priorityIncreasePct)
			maxFee = e.feeCap(ctx, priority)
		}
		e.metrics.RecordAttempt(call.Label, attempt)

		tx, err := e.operating.SignTx(nonce, &call.To, call.Value, gasLimit, maxFee, priority, call.Data)
		if err != nil {
			return fmt.Errorf("%s: %w", call.Label, err)
		}
		e.log.Info("submitting call",
			"label", call.Label, "tx", tx.Hash().Hex(), "nonce", nonce,
			"attempt", attempt, "max_fee", maxFee, "priority", priority)
		if err := e.backend.Submit(ctx, tx); err != nil {
			lastErr = err
			e.log.Warn("submit failed", "label", call.Label, "attempt", attempt, "err", err)
			continue
		}
		err = e.backend.WaitForConfirmation(ctx, tx.Hash(), 1, e.confirmTimeout)
		switch {
		case err == nil:
			e.log.Info("call confirmed", "label", call.Label, "tx", tx.Hash().Hex(), "attempt", attempt)
			return nil
		case err == chain.ErrConfirmationTimeout:
			lastErr = err
			e.log.Warn("confirmation timed out, replacing", "label", call.Label, "tx", tx.Hash().Hex(), "attempt", attempt)
		case ctx.Err() != nil:
			return ctx.Err()
		default:
			return fmt.Errorf("%s: %w", call.Label, err)
		}
	}
	return fmt.Errorf("%s: gave up after %d attempts: %w", call.Label, maxRetries, lastErr)
}

// fund transfers required wei from the funding wallet to the operating wallet
// and reports the outcome on the returned channel. The nonce is drawn from the
// shared sequencer so concurrent workers never collide on the funding account.
func (e *Executor) fund(ctx context.Context, required, maxFee, priority *big.Int) <-chan error {
	funded := make(chan error, 1)
	go func() {
		funded <- e.fundOnce(ctx, required, maxFee, priority)
	}()
	return funded
}

func (e *Executor) fundOnce(ctx context.Context, required, maxFee, priority *big.Int) error {
	nonce, err := e.nonces.Next(ctx)
	if err != nil {
		return err
	}
	to := e.operating.Address()
	tx, err := e.funding.SignTx(nonce, &to, required, chain.GasLimitTransfer, maxFee, priority, nil)
	if err != nil {
		return err
	}
	e.log.Info("funding operating wallet", "tx", tx.Hash().Hex(), "nonce", nonce, "amount", required)
	if err := e.backend.Submit(ctx, tx); err != nil {
		return fmt.Errorf("submit funding transfer: %w", err)
	}
	if err := e.backend.WaitForConfirmation(ctx, tx.Hash(), 1, e.confirmTimeout); err != nil {
		return fmt.Errorf("confirm funding transfer: %w", err)
	}
	e.metrics.RecordAttempt("funding.transfer", 1)
	return nil
}

// ReturnUnusedFunds sweeps leftover gas money from the operating wallet back
// to the funding wallet. The sweep amount is the balance minus a padded fee
// reserve; a non-positive remainder means there is nothing worth returning and
// no transaction is broadcast.
func (e *Executor) ReturnUnusedFunds(ctx context.Context, maxRetries int) error {
	if maxRetries <= 0 {
		maxRetries = 1
	}
	balance, err := e.backend.Balance(ctx, e.operating.Address())
	if err != nil {
		return fmt.Errorf("refund: fetch balance: %w", err)
	}
	if balance.Sign() <= 0 {
		return nil
	}
	fundingAddr := e.funding.Address()
	units := e.backend.EstimateGas(ctx, ethereum.CallMsg{
		From: e.operating.Address(), To: &fundingAddr, Value: balance,
	})
	if units == 0 {
		units = chain.GasLimitTransfer
	}
	gasLimit := scalePct(new(big.Int).SetUint64(units), 110).Uint64()

	fees := e.backend.FeeData(ctx)
	priority := scalePct(fees.PriorityFee, 120)
	maxFee := new(big.Int).Add(scalePct(fees.GasPrice, 110), priority)

	reserve := new(big.Int).Mul(new(big.Int).SetUint64(gasLimit), maxFee)
	available := new(big.Int).Sub(balance, reserve)
	if available.Sign() <= 0 {
		e.log.Info("refund skipped, balance below fee reserve", "balance", balance, "reserve", reserve)
		return nil
	}

	nonce, err := e.backend.PendingNonce(ctx, e.operating.Address())
	if err != nil {
		return fmt.Errorf("refund: fetch nonce: %w", err)
	}
	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		if attempt > 1 {
			priority = scalePct(priority, 100+e.priorityIncreasePct)
			maxFee = new(big.Int).Add(scalePct(fees.GasPrice, 110), priority)
		}
		e.metrics.RecordAttempt("refund.sweep", attempt)
		tx, err := e.operating.SignTx(nonce, &fundingAddr, available, gasLimit, maxFee, priority, nil)
		if err != nil {
			return fmt.Errorf("refund: %w", err)
		}
		e.log.Info("returning unused funds", "tx", tx.Hash().Hex(), "amount", available, "attempt", attempt)
		if err := e.backend.Submit(ctx, tx); err != nil {
			lastErr = err
			continue
		}
		err = e.backend.WaitForConfirmation(ctx, tx.Hash(), 1, e.confirmTimeout)
		switch {
		case err == nil:
			return nil
		case err == chain.ErrConfirmationTimeout:
			lastErr = err
		case ctx.Err() != nil:
			return ctx.Err()
		default:
			return fmt.Errorf("refund: %w", err)
		}
	}
	return fmt.Errorf("refund: gave up after %d attempts: %w", maxRetries, lastErr)
}

// feeCap derives the EIP-1559 fee cap from the current base fee and the
// supplied priority fee: twice the base fee absorbs per-block growth while the
// replacement is pending.
func (e *Executor) feeCap(ctx context.Context, priority *big.Int) *big.Int {
	baseFee := e.backend.BaseFee(ctx)
	maxFee := new(big.Int).Lsh(baseFee, 1)
	return maxFee.Add(maxFee, priority)
}

func scalePct(v *big.Int, pct int64) *big.Int {
	scaled := new(big.Int).Mul(v, big.NewInt(pct))
	return scaled.Div(scaled, big.NewInt(100))
}
