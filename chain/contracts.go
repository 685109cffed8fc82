package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Call describes a prepared contract invocation: destination, optional value,
// and ABI-packed calldata. Label names the operation in logs and metrics.
type Call struct {
	To    common.Address
	Value *big.Int
	Data  []byte
	Label string
}

const erc20ABI = `[
	{"name":"balanceOf","type":"function","stateMutability":"view","inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"name":"allowance","type":"function","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"name":"approve","type":"function","stateMutability":"nonpayable","inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
	{"name":"transfer","type":"function","stateMutability":"nonpayable","inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]}
]`

const serumABI = `[
	{"name":"balanceOf","type":"function","stateMutability":"view","inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"name":"transfer","type":"function","stateMutability":"nonpayable","inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
	{"name":"withdraw","type":"function","stateMutability":"nonpayable","inputs":[{"name":"account","type":"address"},{"name":"amount","type":"uint256"},{"name":"txId","type":"string"},{"name":"timestamp","type":"uint256"},{"name":"signature","type":"bytes"}],"outputs":[]}
]`

const escrowABI = `[
	{"name":"deposit","type":"function","stateMutability":"nonpayable","inputs":[{"name":"account","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[]}
]`

const fighterABI = `[
	{"name":"transferFrom","type":"function","stateMutability":"nonpayable","inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"tokenId","type":"uint256"}],"outputs":[]},
	{"name":"batchClaim","type":"function","stateMutability":"nonpayable","inputs":[{"name":"account","type":"address"},{"name":"tokenIds","type":"uint256[]"},{"name":"txId","type":"string"},{"name":"timestamp","type":"uint256"},{"name":"signature","type":"bytes"}],"outputs":[]}
]`

// ContractAddresses holds the deployed addresses of the four game contracts.
type ContractAddresses struct {
	Token   common.Address
	Serum   common.Address
	Escrow  common.Address
	Fighter common.Address
}

// Contracts prepares calls and view reads against the game's deployed
// contracts: the fungible token, the serum currency, the deposit escrow, and
// the fighter NFT collection.
type Contracts struct {
	addrs   ContractAddresses
	token   abi.ABI
	serum   abi.ABI
	escrow  abi.ABI
	fighter abi.ABI
}

// NewContracts parses the embedded ABIs and binds them to the supplied addresses.
func NewContracts(addrs ContractAddresses) (*Contracts, error) {
	token, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("chain: parse token abi: %w", err)
	}
	serum, err := abi.JSON(strings.NewReader(serumABI))
	if err != nil {
		return nil, fmt.Errorf("chain: parse serum abi: %w", err)
	}
	escrow, err := abi.JSON(strings.NewReader(escrowABI))
	if err != nil {
		return nil, fmt.Errorf("chain: parse escrow abi: %w", err)
	}
	fighter, err := abi.JSON(strings.NewReader(fighterABI))
	if err != nil {
		return nil, fmt.Errorf("chain: parse fighter abi: %w", err)
	}
	return &Contracts{addrs: addrs, token: token, serum: serum, escrow: escrow, fighter: fighter}, nil
}

// Addresses returns the bound contract addresses.
func (c *Contracts) Addresses() ContractAddresses { return c.addrs }

// TokenBalance reads the on-chain fungible token balance of owner.
func (c *Contracts) TokenBalance(ctx context.Context, backend *Backend, owner common.Address) (*big.Int, error) {
	return c.viewUint(ctx, backend, c.addrs.Token, c.token, "balanceOf", owner)
}

// TokenAllowance reads the escrow spend allowance granted by owner.
func (c *Contracts) TokenAllowance(ctx context.Context, backend *Backend, owner, spender common.Address) (*big.Int, error) {
	return c.viewUint(ctx, backend, c.addrs.Token, c.token, "allowance", owner, spender)
}

// SerumBalance reads the on-chain serum balance of owner.
func (c *Contracts) SerumBalance(ctx context.Context, backend *Backend, owner common.Address) (*big.Int, error) {
	return c.viewUint(ctx, backend, c.addrs.Serum, c.serum, "balanceOf", owner)
}

// ApproveToken prepares an allowance approval for the escrow spender.
func (c *Contracts) ApproveToken(spender common.Address, amount *big.Int) (Call, error) {
	return c.pack(c.addrs.Token, c.token, "token.approve", "approve", spender, amount)
}

// DepositEscrow prepares a token deposit crediting the in-game balance of account.
func (c *Contracts) DepositEscrow(account common.Address, amount *big.Int) (Call, error) {
	return c.pack(c.addrs.Escrow, c.escrow, "escrow.deposit", "deposit", account, amount)
}

// TransferSerum prepares an on-chain serum transfer.
func (c *Contracts) TransferSerum(to common.Address, amount *big.Int) (Call, error) {
	return c.pack(c.addrs.Serum, c.serum, "serum.transfer", "transfer", to, amount)
}

// TransferToken builds a fungible token transfer to the replacement wallet.
func (c *Contracts) TransferToken(to common.Address, amount *big.Int) (Call, error) {
	return c.pack(c.addrs.Token, c.token, "token.transfer", "transfer", to, amount)
}

// WithdrawSerum prepares the voucher-backed serum withdrawal call.
func (c *Contracts) WithdrawSerum(account common.Address, amount *big.Int, txID string, timestamp int64, signature string) (Call, error) {
	sig, err := decodeSignature(signature)
	if err != nil {
		return Call{}, err
	}
	return c.pack(c.addrs.Serum, c.serum, "serum.withdraw", "withdraw", account, amount, txID, big.NewInt(timestamp), sig)
}

// BatchClaimFighters prepares the voucher-backed NFT batch claim call.
func (c *Contracts) BatchClaimFighters(account common.Address, tokenIDs []*big.Int, txID string, timestamp int64, signature string) (Call, error) {
	sig, err := decodeSignature(signature)
	if err != nil {
		return Call{}, err
	}
	return c.pack(c.addrs.Fighter, c.fighter, "fighter.batchClaim", "batchClaim", account, tokenIDs, txID, big.NewInt(timestamp), sig)
}

// TransferFighter prepares an NFT transfer of a single token id.
func (c *Contracts) TransferFighter(from, to common.Address, tokenID *big.Int) (Call, error) {
	return c.pack(c.addrs.Fighter, c.fighter, "fighter.transferFrom", "transferFrom", from, to, tokenID)
}

func (c *Contracts) pack(to common.Address, contract abi.ABI, label, method string, args ...interface{}) (Call, error) {
	data, err := contract.Pack(method, args...)
	if err != nil {
		return Call{}, fmt.Errorf("chain: pack %s: %w", label, err)
	}
	return Call{To: to, Data: data, Label: label}, nil
}

func (c *Contracts) viewUint(ctx context.Context, backend *Backend, to common.Address, contract abi.ABI, method string, args ...interface{}) (*big.Int, error) {
	data, err := contract.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("chain: pack %s: %w", method, err)
	}
	raw, err := backend.CallView(ctx, to, data)
	if err != nil {
		return nil, fmt.Errorf("chain: call %s: %w", method, err)
	}
	out, err := contract.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("chain: unpack %s: %w", method, err)
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("chain: %s returned %d values", method, len(out))
	}
	value, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("chain: %s returned unexpected type", method)
	}
	return value, nil
}

func decodeSignature(signature string) ([]byte, error) {
	sig, err := hexutil.Decode(signature)
	if err != nil {
		return nil, fmt.Errorf("chain: decode claim signature: %w", err)
	}
	return sig, nil
}

