package rescued

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/cpor3/rescue-nfts/chain"
	"github.com/cpor3/rescue-nfts/gameapi"
	"github.com/cpor3/rescue-nfts/store"
)

type fakeAPI struct {
	authOK  bool
	authErr error

	tokenBal    *big.Int
	serumBal    int64
	inGameItems []int64
	owned       []int64
	ownedLater  []int64
	ownedCalls  int

	itemVoucherErr  error
	serumVoucherErr error
	refuseItems     string

	itemClaims  [][]int64
	serumClaims []int64
}

func (f *fakeAPI) Authenticate(context.Context, gameapi.ChallengeSigner) (bool, error) {
	return f.authOK, f.authErr
}

func (f *fakeAPI) InGameTokenBalance(context.Context) (*big.Int, error) {
	if f.tokenBal == nil {
		return big.NewInt(0), nil
	}
	return new(big.Int).Set(f.tokenBal), nil
}

func (f *fakeAPI) InGameSerumBalance(context.Context) (int64, error) { return f.serumBal, nil }

func (f *fakeAPI) InGameHeldItems(context.Context) ([]int64, error) { return f.inGameItems, nil }

func (f *fakeAPI) PreClaimItems(_ context.Context, ids []int64) (gameapi.ItemVoucher, error) {
	if f.itemVoucherErr != nil {
		return gameapi.ItemVoucher{}, f.itemVoucherErr
	}
	f.itemClaims = append(f.itemClaims, ids)
	if f.refuseItems != "" {
		return gameapi.ItemVoucher{ErrorReason: f.refuseItems}, nil
	}
	return gameapi.ItemVoucher{
		Success:   true,
		TxID:      "claim-tx",
		Timestamp: 1700000000000,
		Signature: "0x01",
		TokenIDs:  ids,
	}, nil
}

func (f *fakeAPI) PreClaimSerum(_ context.Context, amount int64) (gameapi.SerumVoucher, error) {
	if f.serumVoucherErr != nil {
		return gameapi.SerumVoucher{}, f.serumVoucherErr
	}
	f.serumClaims = append(f.serumClaims, amount)
	return gameapi.SerumVoucher{
		Success:   true,
		TxID:      "serum-tx",
		Timestamp: 1700000000000,
		Signature: "0x02",
		Amount:    amount,
	}, nil
}

func (f *fakeAPI) ListOwnedItems(context.Context, int, int) ([]int64, error) {
	f.ownedCalls++
	if f.ownedCalls > 1 && f.ownedLater != nil {
		return f.ownedLater, nil
	}
	return f.owned, nil
}

type fakeExec struct {
	operating common.Address
	calls     []string
	failLabel string
	refunds   int
	refundErr error
}

func (f *fakeExec) Execute(_ context.Context, call chain.Call, _ int, _ *big.Int) error {
	f.calls = append(f.calls, call.Label)
	if f.failLabel != "" && call.Label == f.failLabel {
		return errors.New("execution failed")
	}
	return nil
}

func (f *fakeExec) ReturnUnusedFunds(context.Context, int) error {
	f.refunds++
	return f.refundErr
}

func (f *fakeExec) Operating() common.Address { return f.operating }

func (f *fakeExec) count(label string) int {
	n := 0
	for _, call := range f.calls {
		if call == label {
			n++
		}
	}
	return n
}

type fakeContracts struct {
	serumReads   []*big.Int
	walletTokens *big.Int
	allowance    *big.Int

	approveAmount *big.Int
	depositAmount *big.Int
	transferred   []int64
}

func (f *fakeContracts) Addresses() chain.ContractAddresses {
	return chain.ContractAddresses{
		Escrow: common.HexToAddress("0x00000000000000000000000000000000000000e5"),
	}
}

func (f *fakeContracts) TokenBalance(context.Context, common.Address) (*big.Int, error) {
	if f.walletTokens == nil {
		return big.NewInt(0), nil
	}
	return new(big.Int).Set(f.walletTokens), nil
}

func (f *fakeContracts) TokenAllowance(context.Context, common.Address, common.Address) (*big.Int, error) {
	if f.allowance == nil {
		return big.NewInt(0), nil
	}
	return new(big.Int).Set(f.allowance), nil
}

func (f *fakeContracts) SerumBalance(context.Context, common.Address) (*big.Int, error) {
	if len(f.serumReads) == 0 {
		return big.NewInt(0), nil
	}
	next := f.serumReads[0]
	if len(f.serumReads) > 1 {
		f.serumReads = f.serumReads[1:]
	}
	return new(big.Int).Set(next), nil
}

func (f *fakeContracts) ApproveToken(_ common.Address, amount *big.Int) (chain.Call, error) {
	f.approveAmount = new(big.Int).Set(amount)
	return chain.Call{Label: "token.approve"}, nil
}

func (f *fakeContracts) DepositEscrow(_ common.Address, amount *big.Int) (chain.Call, error) {
	f.depositAmount = new(big.Int).Set(amount)
	return chain.Call{Label: "escrow.deposit"}, nil
}

func (f *fakeContracts) TransferSerum(common.Address, *big.Int) (chain.Call, error) {
	return chain.Call{Label: "serum.transfer"}, nil
}

func (f *fakeContracts) TransferToken(common.Address, *big.Int) (chain.Call, error) {
	return chain.Call{Label: "token.transfer"}, nil
}

func (f *fakeContracts) WithdrawSerum(common.Address, *big.Int, string, int64, string) (chain.Call, error) {
	return chain.Call{Label: "serum.withdraw"}, nil
}

func (f *fakeContracts) BatchClaimFighters(common.Address, []*big.Int, string, int64, string) (chain.Call, error) {
	return chain.Call{Label: "fighter.batchClaim"}, nil
}

func (f *fakeContracts) TransferFighter(_, _ common.Address, tokenID *big.Int) (chain.Call, error) {
	f.transferred = append(f.transferred, tokenID.Int64())
	return chain.Call{Label: "fighter.transferFrom"}, nil
}

type fakeRecorder struct {
	patches []store.Patch
}

func (f *fakeRecorder) Update(_ context.Context, _ string, patch store.Patch) error {
	f.patches = append(f.patches, patch)
	return nil
}

func testEngine() EngineConfig {
	return EngineConfig{
		Workers:                5,
		MaxRetries:             3,
		RefundRetries:          2,
		PriorityFeeIncreasePct: 20,
		DepositSettleWait:      Duration{Duration: time.Millisecond},
		MinSerumClaim:          100,
		ItemsPerClaim:          20,
		TopUpUnitsPerBatch:     10,
	}
}

func testAccount() store.Account {
	return store.Account{
		Address:    "0x00000000000000000000000000000000000000c0",
		NewAddress: "0x00000000000000000000000000000000000000d0",
		Status:     store.StatusPending,
	}
}

func newTestWorkflow(account store.Account, api *fakeAPI, exec *fakeExec, contracts *fakeContracts, recorder *fakeRecorder, engine EngineConfig) *Workflow {
	return NewWorkflow(WorkflowDeps{
		Account:   account,
		API:       api,
		Exec:      exec,
		Contracts: contracts,
		Records:   recorder,
		Engine:    engine,
	})
}

func TestWorkflowRetiresAccountWithNothingLeft(t *testing.T) {
	// Serum stranded in the game with no fighters cannot be withdrawn, so
	// the account still counts as drained.
	api := &fakeAPI{authOK: true, serumBal: 500}
	exec := &fakeExec{}
	wf := newTestWorkflow(testAccount(), api, exec, &fakeContracts{}, &fakeRecorder{}, testEngine())

	completed, err := wf.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !completed {
		t.Fatal("expected account to be retired")
	}
	if len(exec.calls) != 0 {
		t.Fatalf("expected no recovery transactions, got calls=%v", exec.calls)
	}
	// An interrupted earlier run may have left gas money behind; the sweep
	// must run even when there is nothing else to do.
	if exec.refunds != 1 {
		t.Fatalf("refund sweeps = %d, want 1", exec.refunds)
	}
}

func TestWorkflowEarlyExitRefundFailureKeepsAccountPending(t *testing.T) {
	api := &fakeAPI{authOK: true}
	exec := &fakeExec{refundErr: errors.New("sweep reverted")}
	wf := newTestWorkflow(testAccount(), api, exec, &fakeContracts{}, &fakeRecorder{}, testEngine())

	completed, err := wf.Run(context.Background())
	if err == nil {
		t.Fatal("expected the refund failure to surface")
	}
	if completed {
		t.Fatal("an account with unswept gas must not be retired")
	}
}

func TestWorkflowIneligibleAccountSkipsRefund(t *testing.T) {
	api := &fakeAPI{authOK: false}
	exec := &fakeExec{}
	wf := newTestWorkflow(testAccount(), api, exec, &fakeContracts{}, &fakeRecorder{}, testEngine())

	completed, err := wf.Run(context.Background())
	if !errors.Is(err, ErrIneligible) {
		t.Fatalf("expected ErrIneligible, got %v", err)
	}
	if completed {
		t.Fatal("ineligible account must not be retired")
	}
	if exec.refunds != 0 {
		t.Fatal("no funding happened, refund must not run")
	}
}

func TestWorkflowFullRecovery(t *testing.T) {
	items := make([]int64, 25)
	for i := range items {
		items[i] = int64(100 + i)
	}
	api := &fakeAPI{
		authOK:      true,
		serumBal:    150,
		inGameItems: items,
		tokenBal:    big.NewInt(5),
	}
	exec := &fakeExec{}
	contracts := &fakeContracts{
		serumReads:   []*big.Int{big.NewInt(0), toWei(big.NewInt(150))},
		walletTokens: toWei(big.NewInt(50)),
	}
	recorder := &fakeRecorder{}
	wf := newTestWorkflow(testAccount(), api, exec, contracts, recorder, testEngine())

	completed, err := wf.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if completed {
		t.Fatal("a run that moved assets must be re-verified, not retired")
	}
	if exec.refunds != 1 {
		t.Fatalf("expected one refund sweep, got %d", exec.refunds)
	}

	// 25 fighters in 20-item batches burn 2*10 fee units; the game balance
	// of 5 leaves a 15-unit shortfall funded through the escrow.
	if contracts.depositAmount == nil || contracts.depositAmount.Cmp(toWei(big.NewInt(15))) != 0 {
		t.Fatalf("deposit amount = %v, want 15 tokens", contracts.depositAmount)
	}
	if exec.count("token.approve") != 1 || exec.count("escrow.deposit") != 1 {
		t.Fatalf("expected approve+deposit, calls=%v", exec.calls)
	}
	// The approval is unlimited so a later shortfall never needs a second
	// funded approval transaction.
	if contracts.approveAmount == nil || contracts.approveAmount.Cmp(unlimitedAllowance) != 0 {
		t.Fatalf("approve amount = %v, want unlimited", contracts.approveAmount)
	}
	if len(api.serumClaims) != 1 || api.serumClaims[0] != 150 {
		t.Fatalf("serum claims = %v, want [150]", api.serumClaims)
	}
	if exec.count("serum.withdraw") != 1 || exec.count("serum.transfer") != 1 {
		t.Fatalf("expected serum withdraw and transfer, calls=%v", exec.calls)
	}
	if len(api.itemClaims) != 2 {
		t.Fatalf("expected two claim batches, got %d", len(api.itemClaims))
	}
	if len(api.itemClaims[0]) != 20 || len(api.itemClaims[1]) != 5 {
		t.Fatalf("batch sizes = %d,%d, want 20,5", len(api.itemClaims[0]), len(api.itemClaims[1]))
	}
	if exec.count("fighter.transferFrom") != 25 {
		t.Fatalf("expected 25 fighter transfers, got %d", exec.count("fighter.transferFrom"))
	}
	if exec.count("token.transfer") != 1 {
		t.Fatalf("expected final token sweep, calls=%v", exec.calls)
	}
	// Two persist/clear pairs, one per claim batch.
	if len(recorder.patches) != 4 {
		t.Fatalf("expected 4 voucher patches, got %d", len(recorder.patches))
	}
	if recorder.patches[0].ClaimTxID == nil || *recorder.patches[0].ClaimTxID != "claim-tx" {
		t.Fatal("first patch must persist the voucher before broadcast")
	}
	if recorder.patches[1].ClaimTxID == nil || *recorder.patches[1].ClaimTxID != "" {
		t.Fatal("second patch must clear the voucher after confirmation")
	}
}

func TestWorkflowWaitsForDepositToBeIndexed(t *testing.T) {
	engine := testEngine()
	engine.DepositSettleWait = Duration{Duration: 75 * time.Millisecond}
	api := &fakeAPI{
		authOK:      true,
		inGameItems: []int64{1, 2, 3},
		tokenBal:    big.NewInt(0),
	}
	contracts := &fakeContracts{walletTokens: toWei(big.NewInt(50))}
	wf := newTestWorkflow(testAccount(), api, &fakeExec{}, contracts, &fakeRecorder{}, engine)

	started := time.Now()
	if _, err := wf.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	// The game indexes deposits asynchronously, so the first claim must not
	// fire before the configured settle interval has passed.
	if elapsed := time.Since(started); elapsed < 75*time.Millisecond {
		t.Fatalf("claims started %s after the deposit, want at least 75ms", elapsed)
	}
	if len(api.itemClaims) != 1 {
		t.Fatalf("expected one claim batch after the wait, got %d", len(api.itemClaims))
	}
}

func TestWorkflowReplaysPersistedVoucher(t *testing.T) {
	account := testAccount()
	account.ClaimTxID = "old-claim"
	account.ClaimTimestamp = 1690000000000
	account.ClaimSignature = "0x0a"
	account.ClaimTokenIDs = "7,8"

	api := &fakeAPI{authOK: true, inGameItems: []int64{7, 8}}
	exec := &fakeExec{}
	contracts := &fakeContracts{}
	wf := newTestWorkflow(account, api, exec, contracts, &fakeRecorder{}, testEngine())

	if _, err := wf.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(api.itemClaims) != 0 {
		t.Fatal("persisted voucher must be replayed, not re-requested")
	}
	if exec.count("fighter.batchClaim") != 1 {
		t.Fatalf("expected one claim replay, calls=%v", exec.calls)
	}
	if exec.count("escrow.deposit") != 0 {
		t.Fatal("top-up must be skipped when replaying a voucher")
	}
	if got := contracts.transferred; len(got) != 2 || got[0] != 7 || got[1] != 8 {
		t.Fatalf("transferred ids = %v, want [7 8]", got)
	}
}

func TestWorkflowTokenIDFallbacks(t *testing.T) {
	engine := testEngine()
	engine.DisableItemClaim = true

	t.Run("persisted list wins over inventory", func(t *testing.T) {
		account := testAccount()
		account.ClaimTokenIDs = "5"
		api := &fakeAPI{authOK: true, owned: []int64{11, 12}}
		exec := &fakeExec{}
		contracts := &fakeContracts{}
		wf := newTestWorkflow(account, api, exec, contracts, &fakeRecorder{}, engine)

		if _, err := wf.Run(context.Background()); err != nil {
			t.Fatalf("run: %v", err)
		}
		if got := contracts.transferred; len(got) != 1 || got[0] != 5 {
			t.Fatalf("transferred ids = %v, want [5]", got)
		}
	})

	t.Run("inventory is the last resort", func(t *testing.T) {
		api := &fakeAPI{authOK: true, owned: []int64{11, 12}}
		exec := &fakeExec{}
		contracts := &fakeContracts{}
		wf := newTestWorkflow(testAccount(), api, exec, contracts, &fakeRecorder{}, engine)

		if _, err := wf.Run(context.Background()); err != nil {
			t.Fatalf("run: %v", err)
		}
		if got := contracts.transferred; len(got) != 2 || got[0] != 11 || got[1] != 12 {
			t.Fatalf("transferred ids = %v, want [11 12]", got)
		}
	})

	t.Run("inventory fallback queries fresh state", func(t *testing.T) {
		// The snapshot taken before the claims is stale by transfer time; a
		// fighter landing in the wallet mid-run must still be swept.
		api := &fakeAPI{authOK: true, owned: []int64{11, 12}, ownedLater: []int64{11, 12, 13}}
		exec := &fakeExec{}
		contracts := &fakeContracts{}
		wf := newTestWorkflow(testAccount(), api, exec, contracts, &fakeRecorder{}, engine)

		if _, err := wf.Run(context.Background()); err != nil {
			t.Fatalf("run: %v", err)
		}
		if api.ownedCalls != 2 {
			t.Fatalf("inventory queries = %d, want a fresh read at transfer time", api.ownedCalls)
		}
		if got := contracts.transferred; len(got) != 3 || got[2] != 13 {
			t.Fatalf("transferred ids = %v, want [11 12 13]", got)
		}
	})
}

func TestWorkflowFailureStillSweepsFunds(t *testing.T) {
	api := &fakeAPI{authOK: true, owned: []int64{3}}
	exec := &fakeExec{failLabel: "fighter.transferFrom"}
	wf := newTestWorkflow(testAccount(), api, exec, &fakeContracts{}, &fakeRecorder{}, testEngine())

	completed, err := wf.Run(context.Background())
	if err == nil {
		t.Fatal("expected transfer failure to surface")
	}
	if completed {
		t.Fatal("failed run must not retire the account")
	}
	if exec.refunds != 1 {
		t.Fatalf("expected refund sweep after failure, got %d", exec.refunds)
	}
}

func TestWorkflowReadOnlySkipsTransactions(t *testing.T) {
	engine := testEngine()
	engine.ReadOnly = true
	api := &fakeAPI{authOK: true, inGameItems: []int64{1, 2}}
	exec := &fakeExec{}
	wf := newTestWorkflow(testAccount(), api, exec, &fakeContracts{}, &fakeRecorder{}, engine)

	completed, err := wf.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if completed {
		t.Fatal("read-only runs must leave the account pending")
	}
	if len(exec.calls) != 0 || exec.refunds != 0 {
		t.Fatalf("read-only mode must not transact, calls=%v refunds=%d", exec.calls, exec.refunds)
	}
}
