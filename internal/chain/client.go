package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/sirupsen/logrus"

	"tg_metered_bot/internal/domain"
	"tg_metered_bot/internal/logging"
)

// TransferGas is the gas budget used to price a native transfer fee.
const TransferGas = 35000

const defaultMineTimeout = 2 * time.Minute

type backend interface {
	bind.DeployBackend
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	ChainID(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

// dialBackend is overridable for tests.
var dialBackend = func(ctx context.Context, url string) (backend, func(), error) {
	client, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, nil, err
	}
	return client, client.Close, nil
}

// waitMined is overridable for tests.
var waitMined = bind.WaitMined

// Client is the Address Balance Oracle and transfer executor.
type Client struct {
	rpc         backend
	close       func()
	mineTimeout time.Duration
	logger      *logrus.Entry
}

// Dial connects to the RPC endpoint at url.
func Dial(ctx context.Context, url string, logger *logrus.Entry) (*Client, error) {
	if ctx == nil {
		return nil, errors.New("context is required")
	}
	if strings.TrimSpace(url) == "" {
		return nil, errors.New("rpc url is required")
	}

	rpc, closeFn, err := dialBackend(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}

	return newClient(rpc, closeFn, logger), nil
}

func newClient(rpc backend, closeFn func(), logger *logrus.Entry) *Client {
	if logger == nil {
		logger = logging.Logger()
	}
	return &Client{
		rpc:         rpc,
		close:       closeFn,
		mineTimeout: defaultMineTimeout,
		logger:      logger,
	}
}

// BalanceAt returns the latest balance of address in wei.
func (c *Client) BalanceAt(ctx context.Context, address common.Address) (*big.Int, error) {
	balance, err := c.rpc.BalanceAt(ctx, address, nil)
	if err != nil {
		return nil, fmt.Errorf("balance of %s: %w: %v", address.Hex(), domain.ErrExternalOracleUnavailable, err)
	}
	return balance, nil
}

// TransferFee returns the current gas price multiplied by TransferGas.
func (c *Client) TransferFee(ctx context.Context) (*big.Int, error) {
	gasPrice, err := c.rpc.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("gas price: %w: %v", domain.ErrExternalOracleUnavailable, err)
	}
	return new(big.Int).Mul(gasPrice, big.NewInt(TransferGas)), nil
}

// Transfer sends amount wei from the custodial account to the destination and
// waits until the transaction is mined.
func (c *Client) Transfer(ctx context.Context, from Account, to common.Address, amount *big.Int) (common.Hash, error) {
	if !from.valid() {
		return common.Hash{}, errors.New("transfer: source account has no key")
	}
	if amount == nil || amount.Sign() <= 0 {
		return common.Hash{}, fmt.Errorf("transfer: %w", domain.ErrInvalidAmount)
	}

	nonce, err := c.rpc.PendingNonceAt(ctx, from.Address)
	if err != nil {
		return common.Hash{}, fmt.Errorf("transfer nonce: %w", err)
	}
	gasPrice, err := c.rpc.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("transfer gas price: %w", err)
	}
	gasLimit, err := c.rpc.EstimateGas(ctx, ethereum.CallMsg{From: from.Address, To: &to, Value: amount})
	if err != nil {
		return common.Hash{}, fmt.Errorf("transfer estimate gas: %w", err)
	}
	chainID, err := c.rpc.ChainID(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("transfer chain id: %w", err)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gasLimit,
		To:       &to,
		Value:    amount,
	})
	signed, err := types.SignTx(tx, types.NewEIP155Signer(chainID), from.key)
	if err != nil {
		return common.Hash{}, fmt.Errorf("sign transfer: %w", err)
	}

	if err := c.rpc.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, fmt.Errorf("send transfer: %w", err)
	}

	mineCtx, cancel := context.WithTimeout(ctx, c.mineTimeout)
	defer cancel()

	receipt, err := waitMined(mineCtx, c.rpc, signed)
	if err != nil {
		return signed.Hash(), fmt.Errorf("wait transfer %s: %w", signed.Hash().Hex(), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return signed.Hash(), fmt.Errorf("transfer %s reverted", signed.Hash().Hex())
	}

	c.logger.WithFields(logging.Fields{
		"event":   "chain_transfer",
		"from":    from.Hex(),
		"to":      to.Hex(),
		"amount":  amount.String(),
		"tx_hash": signed.Hash().Hex(),
	}).Info("transfer mined")

	return signed.Hash(), nil
}

// Close releases the RPC connection.
func (c *Client) Close() {
	if c != nil && c.close != nil {
		c.close()
	}
}
