package chain

import (
	"fmt"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
)

const walletTestKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

func TestNewWalletDerivesAddress(t *testing.T) {
	wallet, err := NewWallet("0x"+walletTestKey, big.NewInt(137))
	if err != nil {
		t.Fatalf("new wallet: %v", err)
	}
	want := common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266")
	if wallet.Address() != want {
		t.Fatalf("address = %s, want %s", wallet.Address(), want)
	}
}

func TestNewWalletRejectsBadInput(t *testing.T) {
	if _, err := NewWallet("", big.NewInt(137)); err == nil {
		t.Fatal("expected empty key to fail")
	}
	if _, err := NewWallet("zz", big.NewInt(137)); err == nil {
		t.Fatal("expected invalid hex to fail")
	}
	if _, err := NewWallet(walletTestKey, nil); err == nil {
		t.Fatal("expected missing chain id to fail")
	}
}

func TestSignTxProducesRecoverableDynamicFeeTx(t *testing.T) {
	wallet, err := NewWallet(walletTestKey, big.NewInt(137))
	if err != nil {
		t.Fatalf("new wallet: %v", err)
	}
	to := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	tx, err := wallet.SignTx(3, &to, big.NewInt(1000), 21_000, big.NewInt(100_000_000_000), big.NewInt(2_000_000_000), nil)
	if err != nil {
		t.Fatalf("sign tx: %v", err)
	}
	if tx.Type() != gethtypes.DynamicFeeTxType {
		t.Fatalf("tx type = %d, want dynamic fee", tx.Type())
	}
	if tx.ChainId().Cmp(big.NewInt(137)) != 0 {
		t.Fatalf("chain id = %s, want 137", tx.ChainId())
	}
	sender, err := gethtypes.Sender(gethtypes.LatestSignerForChainID(big.NewInt(137)), tx)
	if err != nil {
		t.Fatalf("recover sender: %v", err)
	}
	if sender != wallet.Address() {
		t.Fatalf("recovered sender %s, want %s", sender, wallet.Address())
	}
}

func TestSignMessageRecoversToWalletAddress(t *testing.T) {
	wallet, err := NewWallet(walletTestKey, big.NewInt(137))
	if err != nil {
		t.Fatalf("new wallet: %v", err)
	}
	message := "Welcome! Your sign code is: 1234"
	signature, err := wallet.SignMessage(message)
	if err != nil {
		t.Fatalf("sign message: %v", err)
	}
	if !strings.HasPrefix(signature, "0x") || len(signature) != 132 {
		t.Fatalf("signature %q has unexpected shape", signature)
	}

	raw, err := hexutil.Decode(signature)
	if err != nil {
		t.Fatalf("decode signature: %v", err)
	}
	if raw[64] != 27 && raw[64] != 28 {
		t.Fatalf("recovery id = %d, want legacy 27/28 offset", raw[64])
	}
	raw[64] -= 27
	prefixed := fmt.Sprintf("\x19Ethereum Signed Message:\n%d%s", len(message), message)
	digest := gethcrypto.Keccak256([]byte(prefixed))
	pub, err := gethcrypto.SigToPub(digest, raw)
	if err != nil {
		t.Fatalf("recover pubkey: %v", err)
	}
	if gethcrypto.PubkeyToAddress(*pub) != wallet.Address() {
		t.Fatal("signature does not recover to the wallet address")
	}
}
