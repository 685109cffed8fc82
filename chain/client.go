package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// Fallbacks used when the node refuses to report fee data. Values are wei.
var (
	DefaultGasPrice    = big.NewInt(100_000_000_000) // 100 gwei
	DefaultBaseFee     = big.NewInt(80_000_000_000)  // 80 gwei
	DefaultPriorityFee = big.NewInt(2_000_000_000)   // 2 gwei
)

// GasLimitTransfer is the fixed gas cost of a plain value transfer.
const GasLimitTransfer uint64 = 21_000

// ErrConfirmationTimeout indicates the transaction was not included within the
// configured wait window. The broadcast transaction is not cancelled.
var ErrConfirmationTimeout = errors.New("chain: confirmation timeout")

// Client defines the subset of the Ethereum RPC the recovery engine uses.
// *ethclient.Client satisfies it.
type Client interface {
	ChainID(ctx context.Context) (*big.Int, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*gethtypes.Header, error)
	NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
}

// Dial initialises an EVM RPC client for the provided endpoint.
func Dial(ctx context.Context, endpoint string) (*ethclient.Client, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("chain: rpc endpoint required")
	}
	return ethclient.DialContext(ctx, trimmed)
}

// FeeData bundles the node's current fee view.
type FeeData struct {
	GasPrice    *big.Int
	PriorityFee *big.Int
}

// Backend wraps a Client with the fee, estimation, and confirmation helpers the
// executor needs. Fee reads never fail: when the node refuses to answer the
// documented network defaults are substituted so a degraded RPC cannot stall a
// batch mid-recovery.
type Backend struct {
	client       Client
	pollInterval time.Duration
}

// NewBackend constructs a Backend around the supplied client. pollInterval
// governs receipt polling during confirmation waits; zero selects 5s.
func NewBackend(client Client, pollInterval time.Duration) *Backend {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	return &Backend{client: client, pollInterval: pollInterval}
}

// Client returns the underlying RPC client.
func (b *Backend) Client() Client { return b.client }

// FeeData reports the current gas price and priority fee, substituting the
// network defaults for anything the node leaves unset.
func (b *Backend) FeeData(ctx context.Context) FeeData {
	fees := FeeData{
		GasPrice:    new(big.Int).Set(DefaultGasPrice),
		PriorityFee: new(big.Int).Set(DefaultPriorityFee),
	}
	if price, err := b.client.SuggestGasPrice(ctx); err == nil && price != nil && price.Sign() > 0 {
		fees.GasPrice = price
	}
	if tip, err := b.client.SuggestGasTipCap(ctx); err == nil && tip != nil && tip.Sign() > 0 {
		fees.PriorityFee = tip
	}
	return fees
}

// BaseFee reports the base fee of the latest block, or the default when the
// header is unavailable or predates EIP-1559.
func (b *Backend) BaseFee(ctx context.Context) *big.Int {
	header, err := b.client.HeaderByNumber(ctx, nil)
	if err != nil || header == nil || header.BaseFee == nil || header.BaseFee.Sign() <= 0 {
		return new(big.Int).Set(DefaultBaseFee)
	}
	return header.BaseFee
}

// TransactionCount returns the confirmed transaction count of the account.
func (b *Backend) TransactionCount(ctx context.Context, account common.Address) (uint64, error) {
	return b.client.NonceAt(ctx, account, nil)
}

// PendingNonce returns the next usable nonce including pending transactions.
func (b *Backend) PendingNonce(ctx context.Context, account common.Address) (uint64, error) {
	return b.client.PendingNonceAt(ctx, account)
}

// Balance returns the current balance of the account.
func (b *Backend) Balance(ctx context.Context, account common.Address) (*big.Int, error) {
	return b.client.BalanceAt(ctx, account, nil)
}

// EstimateGas estimates the gas units the message needs. A zero result means
// the node refused the estimate, which the executor treats as "the call would
// revert".
func (b *Backend) EstimateGas(ctx context.Context, msg ethereum.CallMsg) uint64 {
	units, err := b.client.EstimateGas(ctx, msg)
	if err != nil {
		return 0
	}
	return units
}

// CallView executes a read-only contract call against the latest block.
func (b *Backend) CallView(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	return b.client.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
}

// Submit broadcasts a signed transaction.
func (b *Backend) Submit(ctx context.Context, tx *gethtypes.Transaction) error {
	return b.client.SendTransaction(ctx, tx)
}

// WaitForConfirmation blocks until the transaction has the requested number of
// confirmations, the receipt reports a revert, or the timeout elapses.
func (b *Backend) WaitForConfirmation(ctx context.Context, txHash common.Hash, confirmations uint64, timeout time.Duration) error {
	if confirmations == 0 {
		confirmations = 1
	}
	waitCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()
	for {
		receipt, err := b.client.TransactionReceipt(waitCtx, txHash)
		switch {
		case err == nil && receipt != nil:
			if receipt.Status != gethtypes.ReceiptStatusSuccessful {
				return fmt.Errorf("chain: transaction %s reverted", txHash.Hex())
			}
			confirmed, err := b.confirmationsFor(waitCtx, receipt)
			if err != nil {
				return err
			}
			if confirmed >= confirmations {
				return nil
			}
		case err != nil && !errors.Is(err, ethereum.NotFound):
			return fmt.Errorf("chain: fetch receipt: %w", err)
		}
		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return ErrConfirmationTimeout
		case <-ticker.C:
		}
	}
}

func (b *Backend) confirmationsFor(ctx context.Context, receipt *gethtypes.Receipt) (uint64, error) {
	header, err := b.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("chain: fetch head: %w", err)
	}
	if header == nil || header.Number == nil || receipt.BlockNumber == nil {
		return 0, fmt.Errorf("chain: block metadata unavailable")
	}
	if header.Number.Cmp(receipt.BlockNumber) < 0 {
		return 0, nil
	}
	confirmed := new(big.Int).Sub(header.Number, receipt.BlockNumber)
	confirmed.Add(confirmed, big.NewInt(1))
	return confirmed.Uint64(), nil
}
