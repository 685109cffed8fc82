package chain

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Wallet binds a secp256k1 private key to a chain id and signs transactions and
// login challenges on behalf of one account. Each worker owns its wallets
// exclusively; a Wallet is never shared between goroutines.
type Wallet struct {
	key     *ecdsa.PrivateKey
	address common.Address
	chainID *big.Int
	signer  gethtypes.Signer
}

// NewWallet derives a wallet from a hex-encoded private key.
func NewWallet(hexKey string, chainID *big.Int) (*Wallet, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if trimmed == "" {
		return nil, fmt.Errorf("chain: private key required")
	}
	key, err := gethcrypto.HexToECDSA(trimmed)
	if err != nil {
		return nil, fmt.Errorf("chain: parse private key: %w", err)
	}
	if chainID == nil || chainID.Sign() <= 0 {
		return nil, fmt.Errorf("chain: chain id required")
	}
	return &Wallet{
		key:     key,
		address: gethcrypto.PubkeyToAddress(key.PublicKey),
		chainID: chainID,
		signer:  gethtypes.LatestSignerForChainID(chainID),
	}, nil
}

// Address returns the wallet's account address.
func (w *Wallet) Address() common.Address { return w.address }

// ChainID returns the chain the wallet signs for.
func (w *Wallet) ChainID() *big.Int { return new(big.Int).Set(w.chainID) }

// SignTx produces a signed dynamic-fee transaction from the supplied fields.
func (w *Wallet) SignTx(nonce uint64, to *common.Address, value *big.Int, gasLimit uint64, feeCap, tipCap *big.Int, data []byte) (*gethtypes.Transaction, error) {
	tx := gethtypes.NewTx(&gethtypes.DynamicFeeTx{
		ChainID:   w.chainID,
		Nonce:     nonce,
		GasTipCap: tipCap,
		GasFeeCap: feeCap,
		Gas:       gasLimit,
		To:        to,
		Value:     value,
		Data:      data,
	})
	signed, err := gethtypes.SignTx(tx, w.signer, w.key)
	if err != nil {
		return nil, fmt.Errorf("chain: sign transaction: %w", err)
	}
	return signed, nil
}

// SignMessage signs a personal message (EIP-191) and returns the hex signature
// with the legacy recovery id offset expected by web login flows.
func (w *Wallet) SignMessage(message string) (string, error) {
	prefixed := fmt.Sprintf("\x19Ethereum Signed Message:\n%d%s", len(message), message)
	digest := gethcrypto.Keccak256([]byte(prefixed))
	sig, err := gethcrypto.Sign(digest, w.key)
	if err != nil {
		return "", fmt.Errorf("chain: sign message: %w", err)
	}
	sig[64] += 27
	return hexutil.Encode(sig), nil
}
