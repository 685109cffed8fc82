package rescued

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethmath "github.com/ethereum/go-ethereum/common/math"

	"github.com/cpor3/rescue-nfts/chain"
	"github.com/cpor3/rescue-nfts/gameapi"
	"github.com/cpor3/rescue-nfts/store"
)

// ErrIneligible marks an account the game API refuses to serve: banned or
// locked for claims. No funding happens for such accounts, so the workflow
// exits without a refund sweep.
var ErrIneligible = errors.New("rescued: account banned or claim-locked")

// GameAPI is the per-wallet game backend surface the workflow consumes.
// *gameapi.Client satisfies it.
type GameAPI interface {
	Authenticate(ctx context.Context, signer gameapi.ChallengeSigner) (bool, error)
	InGameTokenBalance(ctx context.Context) (*big.Int, error)
	InGameSerumBalance(ctx context.Context) (int64, error)
	InGameHeldItems(ctx context.Context) ([]int64, error)
	PreClaimItems(ctx context.Context, tokenIDs []int64) (gameapi.ItemVoucher, error)
	PreClaimSerum(ctx context.Context, amount int64) (gameapi.SerumVoucher, error)
	ListOwnedItems(ctx context.Context, page, limit int) ([]int64, error)
}

// CallExecutor submits funded contract calls for one operating wallet.
// *Executor satisfies it.
type CallExecutor interface {
	Execute(ctx context.Context, call chain.Call, maxRetries int, priorityOverride *big.Int) error
	ReturnUnusedFunds(ctx context.Context, maxRetries int) error
	Operating() common.Address
}

// ContractGateway exposes the game contract views and call builders.
type ContractGateway interface {
	Addresses() chain.ContractAddresses
	TokenBalance(ctx context.Context, owner common.Address) (*big.Int, error)
	TokenAllowance(ctx context.Context, owner, spender common.Address) (*big.Int, error)
	SerumBalance(ctx context.Context, owner common.Address) (*big.Int, error)
	ApproveToken(spender common.Address, amount *big.Int) (chain.Call, error)
	DepositEscrow(account common.Address, amount *big.Int) (chain.Call, error)
	TransferSerum(to common.Address, amount *big.Int) (chain.Call, error)
	TransferToken(to common.Address, amount *big.Int) (chain.Call, error)
	WithdrawSerum(account common.Address, amount *big.Int, txID string, timestamp int64, signature string) (chain.Call, error)
	BatchClaimFighters(account common.Address, tokenIDs []*big.Int, txID string, timestamp int64, signature string) (chain.Call, error)
	TransferFighter(from, to common.Address, tokenID *big.Int) (chain.Call, error)
}

// AccountRecorder persists workflow progress. *store.Store satisfies it.
type AccountRecorder interface {
	Update(ctx context.Context, address string, patch store.Patch) error
}

// BoundContracts adapts chain.Contracts plus a backend into ContractGateway,
// binding the read methods to a live RPC connection.
type BoundContracts struct {
	*chain.Contracts
	backend *chain.Backend
}

// BindContracts couples the contract set to the backend used for view calls.
func BindContracts(contracts *chain.Contracts, backend *chain.Backend) BoundContracts {
	return BoundContracts{Contracts: contracts, backend: backend}
}

func (b BoundContracts) TokenBalance(ctx context.Context, owner common.Address) (*big.Int, error) {
	return b.Contracts.TokenBalance(ctx, b.backend, owner)
}

func (b BoundContracts) TokenAllowance(ctx context.Context, owner, spender common.Address) (*big.Int, error) {
	return b.Contracts.TokenAllowance(ctx, b.backend, owner, spender)
}

func (b BoundContracts) SerumBalance(ctx context.Context, owner common.Address) (*big.Int, error) {
	return b.Contracts.SerumBalance(ctx, b.backend, owner)
}

// Workflow drains the recoverable assets of one compromised account: it
// authenticates against the game API, claims in-game serum and fighters onto
// the compromised wallet, moves everything to the replacement address, and
// sweeps unused gas money back to the funding wallet.
type Workflow struct {
	account   store.Account
	api       GameAPI
	exec      CallExecutor
	contracts ContractGateway
	records   AccountRecorder
	signer    *chain.Wallet
	engine    EngineConfig
	log       *slog.Logger
	metrics   *Metrics
}

// WorkflowDeps wires one workflow instance.
type WorkflowDeps struct {
	Account   store.Account
	API       GameAPI
	Exec      CallExecutor
	Contracts ContractGateway
	Records   AccountRecorder
	Signer    *chain.Wallet
	Engine    EngineConfig
	Log       *slog.Logger
	Metrics   *Metrics
}

// NewWorkflow assembles a workflow over its dependencies.
func NewWorkflow(deps WorkflowDeps) *Workflow {
	logger := deps.Log
	if logger == nil {
		logger = slog.Default()
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = NewMetrics()
	}
	return &Workflow{
		account:   deps.Account,
		api:       deps.API,
		exec:      deps.Exec,
		contracts: deps.Contracts,
		records:   deps.Records,
		signer:    deps.Signer,
		engine:    deps.Engine,
		log:       logger.With("component", "workflow", "account", deps.Account.Address),
		metrics:   metrics,
	}
}

// balances is the snapshot the workflow acts on.
type balances struct {
	walletSerum *big.Int
	walletItems []int64
	inGameSerum int64
	inGameItems []int64
}

// Run executes the recovery workflow once. It reports completed=true only
// when there is provably nothing left to recover; every run that moves assets
// reports completed=false so the next batch re-verifies the account against
// live balances before retiring it.
func (w *Workflow) Run(ctx context.Context) (completed bool, err error) {
	ok, err := w.api.Authenticate(ctx, w.signer)
	if err != nil {
		return false, fmt.Errorf("authenticate: %w", err)
	}
	if !ok {
		return false, ErrIneligible
	}

	bal, err := w.gatherBalances(ctx)
	if err != nil {
		return false, err
	}
	w.log.Info("balances",
		"wallet_serum", bal.walletSerum,
		"wallet_items", len(bal.walletItems),
		"ingame_serum", bal.inGameSerum,
		"ingame_items", len(bal.inGameItems))

	if bal.walletSerum.Sign() == 0 && len(bal.walletItems) == 0 && len(bal.inGameItems) == 0 {
		w.log.Info("nothing left to recover")
		// A prior interrupted run may have left gas money on the wallet;
		// sweep it back before the account is retired for good.
		if !w.engine.ReadOnly {
			if err := w.exec.ReturnUnusedFunds(ctx, w.engine.RefundRetries); err != nil {
				return false, err
			}
		}
		return true, nil
	}
	if w.engine.ReadOnly {
		w.log.Info("read-only mode, skipping recovery transactions")
		return false, nil
	}

	recoverErr := w.recover(ctx, bal)
	refundErr := w.exec.ReturnUnusedFunds(ctx, w.engine.RefundRetries)
	if recoverErr != nil {
		return false, recoverErr
	}
	if refundErr != nil {
		return false, refundErr
	}
	return false, nil
}

func (w *Workflow) gatherBalances(ctx context.Context) (balances, error) {
	operating := w.exec.Operating()
	walletSerum, err := w.contracts.SerumBalance(ctx, operating)
	if err != nil {
		return balances{}, fmt.Errorf("wallet serum balance: %w", err)
	}
	walletItems, err := w.api.ListOwnedItems(ctx, 1, 0)
	if err != nil {
		return balances{}, fmt.Errorf("wallet inventory: %w", err)
	}
	inGameSerum, err := w.api.InGameSerumBalance(ctx)
	if err != nil {
		return balances{}, fmt.Errorf("in-game serum balance: %w", err)
	}
	inGameItems, err := w.api.InGameHeldItems(ctx)
	if err != nil {
		return balances{}, fmt.Errorf("in-game items: %w", err)
	}
	return balances{
		walletSerum: walletSerum,
		walletItems: walletItems,
		inGameSerum: inGameSerum,
		inGameItems: inGameItems,
	}, nil
}

func (w *Workflow) recover(ctx context.Context, bal balances) error {
	newAddr := common.HexToAddress(w.account.NewAddress)
	operating := w.exec.Operating()

	if !w.engine.SkipTopUpCheck && !w.engine.DisableItemClaim && len(bal.inGameItems) > 0 && !w.account.HasClaimVoucher() {
		if err := w.topUpClaimDeposit(ctx, len(bal.inGameItems)); err != nil {
			return err
		}
	}

	// Serum withdrawal is only accepted alongside fighters in the game; a
	// serum-only account was already handled by the early exit.
	if !w.engine.DisableSerumClaim && bal.inGameSerum >= w.engine.MinSerumClaim && len(bal.inGameItems) > 0 {
		if err := w.claimSerum(ctx, bal.inGameSerum); err != nil {
			return err
		}
	}

	walletSerum, err := w.contracts.SerumBalance(ctx, operating)
	if err != nil {
		return fmt.Errorf("re-read wallet serum: %w", err)
	}
	if walletSerum.Sign() > 0 {
		call, err := w.contracts.TransferSerum(newAddr, walletSerum)
		if err != nil {
			return err
		}
		if err := w.exec.Execute(ctx, call, w.engine.MaxRetries, nil); err != nil {
			return err
		}
	}

	var claimed []int64
	if !w.engine.DisableItemClaim {
		claimed, err = w.claimFighters(ctx, bal.inGameItems)
		if err != nil {
			return err
		}
	}

	toTransfer, err := w.resolveTokenIDs(ctx, claimed)
	if err != nil {
		return err
	}
	for _, id := range toTransfer {
		call, err := w.contracts.TransferFighter(operating, newAddr, big.NewInt(id))
		if err != nil {
			return err
		}
		if err := w.exec.Execute(ctx, call, w.engine.MaxRetries, nil); err != nil {
			return err
		}
	}

	walletTokens, err := w.contracts.TokenBalance(ctx, operating)
	if err != nil {
		return fmt.Errorf("wallet token balance: %w", err)
	}
	if walletTokens.Sign() > 0 {
		call, err := w.contracts.TransferToken(newAddr, walletTokens)
		if err != nil {
			return err
		}
		if err := w.exec.Execute(ctx, call, w.engine.MaxRetries, nil); err != nil {
			return err
		}
	}
	return nil
}

// topUpClaimDeposit tops up the in-game fee balance ahead of the fighter
// claims: each claim batch burns a fixed number of fee tokens, paid from the
// game-side balance funded through the escrow contract.
func (w *Workflow) topUpClaimDeposit(ctx context.Context, itemCount int) error {
	batches := int64((itemCount + w.engine.ItemsPerClaim - 1) / w.engine.ItemsPerClaim)
	needed := big.NewInt(batches * w.engine.TopUpUnitsPerBatch)
	have, err := w.api.InGameTokenBalance(ctx)
	if err != nil {
		return fmt.Errorf("in-game token balance: %w", err)
	}
	if have.Cmp(needed) >= 0 {
		return nil
	}
	shortfall := toWei(new(big.Int).Sub(needed, have))
	operating := w.exec.Operating()

	walletTokens, err := w.contracts.TokenBalance(ctx, operating)
	if err != nil {
		return fmt.Errorf("wallet token balance: %w", err)
	}
	if walletTokens.Cmp(shortfall) < 0 {
		return fmt.Errorf("top-up needs %s token wei, wallet holds %s", shortfall, walletTokens)
	}

	escrow := w.contracts.Addresses().Escrow
	allowance, err := w.contracts.TokenAllowance(ctx, operating, escrow)
	if err != nil {
		return fmt.Errorf("escrow allowance: %w", err)
	}
	if allowance.Cmp(shortfall) < 0 {
		// One unlimited approval instead of one per shortfall: the wallet is
		// being drained anyway and a second approval costs another funded tx.
		approve, err := w.contracts.ApproveToken(escrow, unlimitedAllowance)
		if err != nil {
			return err
		}
		if err := w.exec.Execute(ctx, approve, w.engine.MaxRetries, nil); err != nil {
			return err
		}
	}
	deposit, err := w.contracts.DepositEscrow(operating, shortfall)
	if err != nil {
		return err
	}
	w.log.Info("topping up claim deposit", "batches", batches, "amount", shortfall)
	if err := w.exec.Execute(ctx, deposit, w.engine.MaxRetries, nil); err != nil {
		return err
	}
	// The game indexes escrow deposits asynchronously; a claim requested too
	// soon is refused even though the deposit has confirmed.
	w.log.Info("waiting for the deposit to be indexed", "wait", w.engine.DepositSettleWait.Duration)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(w.engine.DepositSettleWait.Duration):
	}
	return nil
}

func (w *Workflow) claimSerum(ctx context.Context, amount int64) error {
	voucher, err := w.api.PreClaimSerum(ctx, amount)
	if err != nil {
		return fmt.Errorf("serum voucher: %w", err)
	}
	if !voucher.Success {
		w.log.Warn("serum voucher refused", "reason", voucher.ErrorReason)
		return nil
	}
	call, err := w.contracts.WithdrawSerum(
		w.exec.Operating(), toWei(big.NewInt(voucher.Amount)),
		voucher.TxID, voucher.Timestamp, voucher.Signature)
	if err != nil {
		return err
	}
	return w.exec.Execute(ctx, call, w.engine.MaxRetries, nil)
}

// claimFighters moves in-game fighters onto the compromised wallet. A voucher
// persisted by an interrupted run takes precedence over requesting fresh ones:
// the API marks vouchered fighters as leaving the game, so an unexecuted
// voucher must be replayed before anything else.
func (w *Workflow) claimFighters(ctx context.Context, inGame []int64) ([]int64, error) {
	if w.account.HasClaimVoucher() {
		ids := w.account.TokenIDList()
		call, err := w.contracts.BatchClaimFighters(
			w.exec.Operating(), bigIDs(ids),
			w.account.ClaimTxID, w.account.ClaimTimestamp, w.account.ClaimSignature)
		if err != nil {
			return nil, err
		}
		w.log.Info("replaying persisted claim voucher", "tx_id", w.account.ClaimTxID, "items", len(ids))
		if err := w.exec.Execute(ctx, call, w.engine.MaxRetries, nil); err != nil {
			return nil, err
		}
		if err := w.clearVoucher(ctx); err != nil {
			return nil, err
		}
		return ids, nil
	}

	var claimed []int64
	for start := 0; start < len(inGame); start += w.engine.ItemsPerClaim {
		end := start + w.engine.ItemsPerClaim
		if end > len(inGame) {
			end = len(inGame)
		}
		batch := inGame[start:end]
		voucher, err := w.api.PreClaimItems(ctx, batch)
		if err != nil {
			return claimed, fmt.Errorf("item voucher: %w", err)
		}
		if !voucher.Success {
			return claimed, fmt.Errorf("item voucher refused: %s", voucher.ErrorReason)
		}
		// Persist before broadcasting: a crash between the two leaves a
		// replayable voucher instead of stranded fighters.
		if err := w.persistVoucher(ctx, voucher); err != nil {
			return claimed, err
		}
		call, err := w.contracts.BatchClaimFighters(
			w.exec.Operating(), bigIDs(voucher.TokenIDs),
			voucher.TxID, voucher.Timestamp, voucher.Signature)
		if err != nil {
			return claimed, err
		}
		if err := w.exec.Execute(ctx, call, w.engine.MaxRetries, nil); err != nil {
			return claimed, err
		}
		if err := w.clearVoucher(ctx); err != nil {
			return claimed, err
		}
		claimed = append(claimed, voucher.TokenIDs...)
	}
	return claimed, nil
}

// resolveTokenIDs picks the fighters to transfer out. Fighters claimed this
// run are authoritative; otherwise any ids recorded on the account, falling
// back to a fresh wallet inventory query. The snapshot taken before the claims
// is stale by now, so the fallback asks the API again.
func (w *Workflow) resolveTokenIDs(ctx context.Context, claimed []int64) ([]int64, error) {
	if len(claimed) > 0 {
		return claimed, nil
	}
	if ids := w.account.TokenIDList(); len(ids) > 0 {
		return ids, nil
	}
	items, err := w.api.ListOwnedItems(ctx, 1, 0)
	if err != nil {
		return nil, fmt.Errorf("wallet inventory: %w", err)
	}
	return items, nil
}

func (w *Workflow) persistVoucher(ctx context.Context, voucher gameapi.ItemVoucher) error {
	ids := joinIDs(voucher.TokenIDs)
	patch := store.Patch{
		ClaimTxID:      &voucher.TxID,
		ClaimTimestamp: &voucher.Timestamp,
		ClaimSignature: &voucher.Signature,
		ClaimTokenIDs:  &ids,
	}
	if err := w.records.Update(ctx, w.account.Address, patch); err != nil {
		return fmt.Errorf("persist claim voucher: %w", err)
	}
	return nil
}

func (w *Workflow) clearVoucher(ctx context.Context) error {
	empty := ""
	var zero int64
	patch := store.Patch{
		ClaimTxID:      &empty,
		ClaimTimestamp: &zero,
		ClaimSignature: &empty,
		ClaimTokenIDs:  &empty,
	}
	if err := w.records.Update(ctx, w.account.Address, patch); err != nil {
		return fmt.Errorf("clear claim voucher: %w", err)
	}
	w.account.ClaimTxID = ""
	w.account.ClaimTimestamp = 0
	w.account.ClaimSignature = ""
	w.account.ClaimTokenIDs = ""
	return nil
}

// unlimitedAllowance approves the escrow once for any future shortfall.
var unlimitedAllowance = ethmath.MaxBig256

var weiPerToken = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

func toWei(units *big.Int) *big.Int {
	return new(big.Int).Mul(units, weiPerToken)
}

func bigIDs(ids []int64) []*big.Int {
	out := make([]*big.Int, len(ids))
	for i, id := range ids {
		out[i] = big.NewInt(id)
	}
	return out
}

func joinIDs(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ",")
}
