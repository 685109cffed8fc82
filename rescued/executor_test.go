package rescued

import (
	"context"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/cpor3/rescue-nfts/chain"
)

const (
	testFundingKey   = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	testOperatingKey = "59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d"
)

var testChainID = big.NewInt(137)

type fakeBackend struct {
	mu             sync.Mutex
	fees           chain.FeeData
	baseFee        *big.Int
	pendingNonce   uint64
	balance        *big.Int
	estimate       uint64
	submitted      []*gethtypes.Transaction
	submitErr      error
	confirmResults []error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		fees: chain.FeeData{
			GasPrice:    big.NewInt(100_000_000_000),
			PriorityFee: big.NewInt(2_000_000_000),
		},
		baseFee: big.NewInt(80_000_000_000),
		balance: big.NewInt(0),
	}
}

func (b *fakeBackend) FeeData(context.Context) chain.FeeData {
	return chain.FeeData{
		GasPrice:    new(big.Int).Set(b.fees.GasPrice),
		PriorityFee: new(big.Int).Set(b.fees.PriorityFee),
	}
}

func (b *fakeBackend) BaseFee(context.Context) *big.Int { return new(big.Int).Set(b.baseFee) }

func (b *fakeBackend) PendingNonce(context.Context, common.Address) (uint64, error) {
	return b.pendingNonce, nil
}

func (b *fakeBackend) Balance(context.Context, common.Address) (*big.Int, error) {
	return new(big.Int).Set(b.balance), nil
}

func (b *fakeBackend) EstimateGas(context.Context, ethereum.CallMsg) uint64 { return b.estimate }

func (b *fakeBackend) Submit(_ context.Context, tx *gethtypes.Transaction) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.submitErr != nil {
		return b.submitErr
	}
	b.submitted = append(b.submitted, tx)
	return nil
}

func (b *fakeBackend) WaitForConfirmation(context.Context, common.Hash, uint64, time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.confirmResults) == 0 {
		return nil
	}
	result := b.confirmResults[0]
	b.confirmResults = b.confirmResults[1:]
	return result
}

func (b *fakeBackend) transactions() []*gethtypes.Transaction {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*gethtypes.Transaction(nil), b.submitted...)
}

type staticNonces struct {
	mu   sync.Mutex
	next uint64
}

func (s *staticNonces) Next(context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	nonce := s.next
	s.next++
	return nonce, nil
}

func newTestExecutor(t *testing.T, backend *fakeBackend) *Executor {
	t.Helper()
	funding, err := chain.NewWallet(testFundingKey, testChainID)
	if err != nil {
		t.Fatalf("funding wallet: %v", err)
	}
	operating, err := chain.NewWallet(testOperatingKey, testChainID)
	if err != nil {
		t.Fatalf("operating wallet: %v", err)
	}
	return NewExecutor(backend, &staticNonces{next: 40}, funding, operating, 20, time.Second, nil, nil)
}

func testCall() chain.Call {
	return chain.Call{
		To:    common.HexToAddress("0x00000000000000000000000000000000000000aa"),
		Value: big.NewInt(0),
		Data:  []byte{0x01},
		Label: "test.call",
	}
}

func TestExecuteRefusedEstimateDoesNotSubmit(t *testing.T) {
	backend := newFakeBackend()
	backend.estimate = 0
	exec := newTestExecutor(t, backend)

	err := exec.Execute(context.Background(), testCall(), 3, nil)
	if err == nil || !strings.Contains(err.Error(), "revert") {
		t.Fatalf("expected revert error, got %v", err)
	}
	if len(backend.transactions()) != 0 {
		t.Fatalf("expected no submissions, got %d", len(backend.transactions()))
	}
}

func TestExecuteFundsExactWorstCaseFee(t *testing.T) {
	backend := newFakeBackend()
	backend.estimate = 50_000
	backend.pendingNonce = 9
	exec := newTestExecutor(t, backend)

	if err := exec.Execute(context.Background(), testCall(), 3, nil); err != nil {
		t.Fatalf("execute: %v", err)
	}
	txs := backend.transactions()
	if len(txs) != 2 {
		t.Fatalf("expected funding transfer plus call, got %d transactions", len(txs))
	}

	// priority 2 gwei * 1.2 = 2.4 gwei; fee cap 2*80 + 2.4 = 162.4 gwei;
	// gas budget 50000 * 1.1 = 55000.
	wantTip := big.NewInt(2_400_000_000)
	wantCap := big.NewInt(162_400_000_000)
	wantFunding := new(big.Int).Mul(big.NewInt(55_000), wantCap)

	funding := txs[0]
	if funding.To() == nil || *funding.To() != exec.Operating() {
		t.Fatalf("funding transfer targets %v, want operating wallet", funding.To())
	}
	if funding.Value().Cmp(wantFunding) != 0 {
		t.Fatalf("funding value = %s, want %s", funding.Value(), wantFunding)
	}
	if funding.Gas() != chain.GasLimitTransfer {
		t.Fatalf("funding gas = %d, want %d", funding.Gas(), chain.GasLimitTransfer)
	}
	if funding.Nonce() != 40 {
		t.Fatalf("funding nonce = %d, want sequencer nonce 40", funding.Nonce())
	}

	call := txs[1]
	if call.Nonce() != 9 {
		t.Fatalf("call nonce = %d, want pending nonce 9", call.Nonce())
	}
	if call.Gas() != 55_000 {
		t.Fatalf("call gas = %d, want padded estimate 55000", call.Gas())
	}
	if call.GasTipCap().Cmp(wantTip) != 0 {
		t.Fatalf("tip cap = %s, want %s", call.GasTipCap(), wantTip)
	}
	if call.GasFeeCap().Cmp(wantCap) != 0 {
		t.Fatalf("fee cap = %s, want %s", call.GasFeeCap(), wantCap)
	}
}

func TestExecuteReplacesStuckTransactionWithSameNonce(t *testing.T) {
	backend := newFakeBackend()
	backend.estimate = 30_000
	backend.pendingNonce = 4
	backend.confirmResults = []error{nil, chain.ErrConfirmationTimeout, chain.ErrConfirmationTimeout, nil}
	exec := newTestExecutor(t, backend)

	if err := exec.Execute(context.Background(), testCall(), 5, nil); err != nil {
		t.Fatalf("execute: %v", err)
	}
	txs := backend.transactions()
	if len(txs) != 4 {
		t.Fatalf("expected funding plus three call attempts, got %d", len(txs))
	}
	attempts := txs[1:]
	for i, tx := range attempts {
		if tx.Nonce() != 4 {
			t.Fatalf("attempt %d used nonce %d, want replacement nonce 4", i+1, tx.Nonce())
		}
	}
	// Each retry raises the tip by 20%: 2.4 -> 2.88 -> 3.456 gwei.
	wantTips := []*big.Int{
		big.NewInt(2_400_000_000),
		big.NewInt(2_880_000_000),
		big.NewInt(3_456_000_000),
	}
	for i, tx := range attempts {
		if tx.GasTipCap().Cmp(wantTips[i]) != 0 {
			t.Fatalf("attempt %d tip = %s, want %s", i+1, tx.GasTipCap(), wantTips[i])
		}
	}
}

func TestExecuteGivesUpAfterMaxRetries(t *testing.T) {
	backend := newFakeBackend()
	backend.estimate = 30_000
	backend.confirmResults = []error{nil, chain.ErrConfirmationTimeout, chain.ErrConfirmationTimeout}
	exec := newTestExecutor(t, backend)

	err := exec.Execute(context.Background(), testCall(), 2, nil)
	if err == nil || !strings.Contains(err.Error(), "gave up after 2 attempts") {
		t.Fatalf("expected exhaustion error, got %v", err)
	}
	if got := len(backend.transactions()); got != 3 {
		t.Fatalf("expected funding plus exactly 2 attempts, got %d transactions", got)
	}
}

func TestExecuteHonoursPriorityOverride(t *testing.T) {
	backend := newFakeBackend()
	backend.estimate = 21_000
	exec := newTestExecutor(t, backend)

	override := big.NewInt(9_000_000_000)
	if err := exec.Execute(context.Background(), testCall(), 1, override); err != nil {
		t.Fatalf("execute: %v", err)
	}
	txs := backend.transactions()
	call := txs[len(txs)-1]
	if call.GasTipCap().Cmp(override) != 0 {
		t.Fatalf("tip cap = %s, want override %s", call.GasTipCap(), override)
	}
	wantCap := big.NewInt(169_000_000_000) // 2*80 gwei + 9 gwei
	if call.GasFeeCap().Cmp(wantCap) != 0 {
		t.Fatalf("fee cap = %s, want %s", call.GasFeeCap(), wantCap)
	}
}

func TestReturnUnusedFundsSkipsDustBalance(t *testing.T) {
	backend := newFakeBackend()
	backend.balance = big.NewInt(1_000_000) // far below the fee reserve
	exec := newTestExecutor(t, backend)

	if err := exec.ReturnUnusedFunds(context.Background(), 5); err != nil {
		t.Fatalf("refund: %v", err)
	}
	if len(backend.transactions()) != 0 {
		t.Fatal("expected no sweep for dust balance")
	}
}

func TestReturnUnusedFundsSweepsBalanceMinusReserve(t *testing.T) {
	backend := newFakeBackend()
	backend.balance = new(big.Int).Mul(big.NewInt(1), big.NewInt(1_000_000_000_000_000_000))
	backend.estimate = 0 // node refuses; falls back to the plain transfer limit
	exec := newTestExecutor(t, backend)

	if err := exec.ReturnUnusedFunds(context.Background(), 5); err != nil {
		t.Fatalf("refund: %v", err)
	}
	txs := backend.transactions()
	if len(txs) != 1 {
		t.Fatalf("expected one sweep transaction, got %d", len(txs))
	}
	sweep := txs[0]

	// gas limit 21000*1.1 = 23100; fee cap 100*1.1 + 2*1.2 = 112.4 gwei;
	// reserve 23100 * 112.4 gwei.
	wantGas := uint64(23_100)
	wantCap := big.NewInt(112_400_000_000)
	reserve := new(big.Int).Mul(new(big.Int).SetUint64(wantGas), wantCap)
	wantValue := new(big.Int).Sub(backend.balance, reserve)

	if sweep.Gas() != wantGas {
		t.Fatalf("sweep gas = %d, want %d", sweep.Gas(), wantGas)
	}
	if sweep.GasFeeCap().Cmp(wantCap) != 0 {
		t.Fatalf("sweep fee cap = %s, want %s", sweep.GasFeeCap(), wantCap)
	}
	if sweep.Value().Cmp(wantValue) != 0 {
		t.Fatalf("sweep value = %s, want %s", sweep.Value(), wantValue)
	}
}
