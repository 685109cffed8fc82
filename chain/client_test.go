package chain

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
)

type stubClient struct {
	gasPrice    *big.Int
	gasPriceErr error
	tipCap      *big.Int
	tipCapErr   error
	header      *gethtypes.Header
	headerErr   error
	receipt     *gethtypes.Receipt
	receiptErr  error
	estimateErr error
}

func (s *stubClient) ChainID(context.Context) (*big.Int, error) { return big.NewInt(137), nil }

func (s *stubClient) SuggestGasPrice(context.Context) (*big.Int, error) {
	return s.gasPrice, s.gasPriceErr
}

func (s *stubClient) SuggestGasTipCap(context.Context) (*big.Int, error) {
	return s.tipCap, s.tipCapErr
}

func (s *stubClient) HeaderByNumber(context.Context, *big.Int) (*gethtypes.Header, error) {
	return s.header, s.headerErr
}

func (s *stubClient) NonceAt(context.Context, common.Address, *big.Int) (uint64, error) {
	return 0, nil
}

func (s *stubClient) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return 0, nil
}

func (s *stubClient) BalanceAt(context.Context, common.Address, *big.Int) (*big.Int, error) {
	return big.NewInt(0), nil
}

func (s *stubClient) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	if s.estimateErr != nil {
		return 0, s.estimateErr
	}
	return 42_000, nil
}

func (s *stubClient) CallContract(context.Context, ethereum.CallMsg, *big.Int) ([]byte, error) {
	return nil, nil
}

func (s *stubClient) SendTransaction(context.Context, *gethtypes.Transaction) error { return nil }

func (s *stubClient) TransactionReceipt(context.Context, common.Hash) (*gethtypes.Receipt, error) {
	return s.receipt, s.receiptErr
}

func TestFeeDataFallsBackToDefaults(t *testing.T) {
	stub := &stubClient{
		gasPriceErr: errors.New("method not found"),
		tipCapErr:   errors.New("method not found"),
	}
	backend := NewBackend(stub, time.Millisecond)

	fees := backend.FeeData(context.Background())
	if fees.GasPrice.Cmp(DefaultGasPrice) != 0 {
		t.Fatalf("gas price = %s, want default %s", fees.GasPrice, DefaultGasPrice)
	}
	if fees.PriorityFee.Cmp(DefaultPriorityFee) != 0 {
		t.Fatalf("priority fee = %s, want default %s", fees.PriorityFee, DefaultPriorityFee)
	}
}

func TestFeeDataUsesNodeValues(t *testing.T) {
	stub := &stubClient{
		gasPrice: big.NewInt(55_000_000_000),
		tipCap:   big.NewInt(1_500_000_000),
	}
	backend := NewBackend(stub, time.Millisecond)

	fees := backend.FeeData(context.Background())
	if fees.GasPrice.Cmp(stub.gasPrice) != 0 || fees.PriorityFee.Cmp(stub.tipCap) != 0 {
		t.Fatalf("fees = %+v, want node values", fees)
	}
}

func TestBaseFeeDefaultsWhenHeaderUnavailable(t *testing.T) {
	backend := NewBackend(&stubClient{headerErr: errors.New("rpc down")}, time.Millisecond)
	if got := backend.BaseFee(context.Background()); got.Cmp(DefaultBaseFee) != 0 {
		t.Fatalf("base fee = %s, want default %s", got, DefaultBaseFee)
	}
}

func TestEstimateGasErrorMeansZero(t *testing.T) {
	backend := NewBackend(&stubClient{estimateErr: errors.New("execution reverted")}, time.Millisecond)
	if got := backend.EstimateGas(context.Background(), ethereum.CallMsg{}); got != 0 {
		t.Fatalf("estimate = %d, want 0 for refused estimate", got)
	}
}

func TestWaitForConfirmationCountsHead(t *testing.T) {
	stub := &stubClient{
		receipt: &gethtypes.Receipt{
			Status:      gethtypes.ReceiptStatusSuccessful,
			BlockNumber: big.NewInt(100),
		},
		header: &gethtypes.Header{Number: big.NewInt(100)},
	}
	backend := NewBackend(stub, time.Millisecond)

	// Head equals the inclusion block: exactly one confirmation.
	err := backend.WaitForConfirmation(context.Background(), common.Hash{1}, 1, time.Second)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
}

func TestWaitForConfirmationRevertedReceipt(t *testing.T) {
	stub := &stubClient{
		receipt: &gethtypes.Receipt{
			Status:      gethtypes.ReceiptStatusFailed,
			BlockNumber: big.NewInt(100),
		},
	}
	backend := NewBackend(stub, time.Millisecond)
	err := backend.WaitForConfirmation(context.Background(), common.Hash{1}, 1, time.Second)
	if err == nil {
		t.Fatal("expected revert error")
	}
}

func TestWaitForConfirmationTimesOut(t *testing.T) {
	stub := &stubClient{receiptErr: ethereum.NotFound}
	backend := NewBackend(stub, time.Millisecond)
	err := backend.WaitForConfirmation(context.Background(), common.Hash{1}, 1, 25*time.Millisecond)
	if !errors.Is(err, ErrConfirmationTimeout) {
		t.Fatalf("expected ErrConfirmationTimeout, got %v", err)
	}
}

func TestWaitForConfirmationWaitsForDepth(t *testing.T) {
	stub := &stubClient{
		receipt: &gethtypes.Receipt{
			Status:      gethtypes.ReceiptStatusSuccessful,
			BlockNumber: big.NewInt(100),
		},
		header: &gethtypes.Header{Number: big.NewInt(101)},
	}
	backend := NewBackend(stub, time.Millisecond)
	// Head is one past inclusion: two confirmations available.
	if err := backend.WaitForConfirmation(context.Background(), common.Hash{1}, 2, time.Second); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if err := backend.WaitForConfirmation(context.Background(), common.Hash{1}, 3, 20*time.Millisecond); !errors.Is(err, ErrConfirmationTimeout) {
		t.Fatalf("expected timeout waiting for depth 3, got %v", err)
	}
}
