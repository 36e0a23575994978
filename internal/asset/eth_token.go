package asset

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

const erc20ABI = `[
 {"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"},
 {"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"},
 {"constant":false,"inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"name":"transferFrom","outputs":[{"name":"","type":"bool"}],"type":"function"}
]`

var ErrTxReverted = errors.New("transaction reverted")

// EthResolver binds ERC-20 contracts on an EVM chain. Every custodial principal
// is operated by the one configured signer: outgoing transfers are sent from it
// and pulled deposits land at it.
type EthResolver struct {
	client    *ethclient.Client
	abi       abi.ABI
	transacts *bind.TransactOpts
}

type EthConfig struct {
	RPCURL        string
	PrivateKeyHex string
}

func NewEthResolver(ctx context.Context, cfg EthConfig) (*EthResolver, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("rpc url is required")
	}
	if cfg.PrivateKeyHex == "" {
		return nil, fmt.Errorf("private key is required for custodial transfers")
	}

	cli, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}

	parsedABI, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("parse abi: %w", err)
	}

	pk, err := parsePrivateKey(cfg.PrivateKeyHex)
	if err != nil {
		return nil, err
	}

	chainID, err := cli.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch chain id: %w", err)
	}

	txOpts, err := bind.NewKeyedTransactorWithChainID(pk, chainID)
	if err != nil {
		return nil, fmt.Errorf("transactor: %w", err)
	}
	txOpts.GasLimit = 0 // let node estimate

	return &EthResolver{
		client:    cli,
		abi:       parsedABI,
		transacts: txOpts,
	}, nil
}

// Signer is the account that executes custodial transfers.
func (r *EthResolver) Signer() common.Address {
	return r.transacts.From
}

func (r *EthResolver) Resolve(address common.Address) (Token, error) {
	if address == (common.Address{}) {
		return nil, fmt.Errorf("%w: zero address", ErrUnknownAsset)
	}
	return &EthToken{
		client:    r.client,
		contract:  bind.NewBoundContract(address, r.abi, r.client, r.client, r.client),
		address:   address,
		transacts: r.transacts,
	}, nil
}

func (r *EthResolver) Ping(ctx context.Context) error {
	if r.client == nil {
		return fmt.Errorf("rpc client not configured")
	}
	_, err := r.client.BlockNumber(ctx)
	return err
}

func (r *EthResolver) Close() {
	if r.client != nil {
		r.client.Close()
	}
}

func parsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	hexKey = strings.TrimPrefix(hexKey, "0x")
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return key, nil
}

// EthToken is a Token backed by an ERC-20 contract. Writes block until mined.
type EthToken struct {
	client    *ethclient.Client
	contract  *bind.BoundContract
	address   common.Address
	transacts *bind.TransactOpts
}

func (t *EthToken) BalanceOf(ctx context.Context, holder common.Address) (*big.Int, error) {
	var out []interface{}
	if err := t.contract.Call(&bind.CallOpts{Context: ctx}, &out, "balanceOf", holder); err != nil {
		return nil, fmt.Errorf("balanceOf %s: %w", holder.Hex(), err)
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("balanceOf: unexpected outputs %d", len(out))
	}
	bal, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("balanceOf: unexpected type %T", out[0])
	}
	return bal, nil
}

func (t *EthToken) Transfer(ctx context.Context, _, to common.Address, amount *big.Int) error {
	return t.send(ctx, "transfer", to, amount)
}

// TransferFrom pulls from an approving holder into the signer's custody. The
// holder must have approved the signer.
func (t *EthToken) TransferFrom(ctx context.Context, _, from, _ common.Address, amount *big.Int) error {
	return t.send(ctx, "transferFrom", from, t.transacts.From, amount)
}

func (t *EthToken) send(ctx context.Context, method string, params ...interface{}) error {
	opts := *t.transacts
	opts.Context = ctx

	tx, err := t.contract.Transact(&opts, method, params...)
	if err != nil {
		return fmt.Errorf("%s tx: %w", method, err)
	}

	receipt, err := WaitForReceipt(ctx, t.client, tx)
	if err != nil {
		return fmt.Errorf("%s receipt: %w", method, err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return fmt.Errorf("%s %s: %w", method, tx.Hash().Hex(), ErrTxReverted)
	}
	return nil
}

// WaitForReceipt polls until the transaction is mined or context cancelled.
func WaitForReceipt(ctx context.Context, client *ethclient.Client, tx *types.Transaction) (*types.Receipt, error) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		receipt, err := client.TransactionReceipt(ctx, tx.Hash())
		if receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
