package ethereum

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	xerrors "ChainPulse/internal/errors"
	"ChainPulse/internal/web3"
)

// Config describes how to construct an EVM compatible client.
type Config struct {
	Name    string
	RPCURL  string
	Notes   string
	Timeout time.Duration
}

// Client implements web3.Client for EVM compatible chains.
type Client struct {
	name      string
	notes     string
	timeout   time.Duration
	rpcClient *gethrpc.Client
	eth       *ethclient.Client

	mu      sync.Mutex
	chainID *big.Int
}

var _ web3.Client = (*Client)(nil)

var gwei = big.NewFloat(1e9)

// NewClient dials the configured RPC endpoint and returns a ready-to-use client.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, xerrors.New(xerrors.CodeConfigInvalid, "未配置以太坊 RPC 地址")
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUpstream, err, "连接以太坊节点失败")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = web3.DefaultTimeout
	}
	return &Client{
		name:      cfg.Name,
		notes:     cfg.Notes,
		timeout:   timeout,
		rpcClient: rpcClient,
		eth:       ethclient.NewClient(rpcClient),
	}, nil
}

// Name 返回链名称。
func (c *Client) Name() string { return c.name }

// Type 返回链类型。
func (c *Client) Type() string { return web3.TypeEVM }

// Close releases network connections held by the client.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rpcClient != nil {
		c.rpcClient.Close()
		c.rpcClient = nil
		c.eth = nil
	}
}

func (c *Client) backend() (*ethclient.Client, *gethrpc.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.eth == nil {
		return nil, nil, xerrors.New(xerrors.CodeTransportClosed, "以太坊客户端已关闭")
	}
	return c.eth, c.rpcClient, nil
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.timeout)
}

// BlockHeight 返回节点报告的最新区块高度。
func (c *Client) BlockHeight(ctx context.Context) (uint64, error) {
	eth, _, err := c.backend()
	if err != nil {
		return 0, err
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	height, err := eth.BlockNumber(ctx)
	if err != nil {
		return 0, upstream(err, "获取最新区块高度失败")
	}
	return height, nil
}

// FeeEstimate 结合 gasPrice、小费与最新区块的基础费用给出三档报价（gwei）。
func (c *Client) FeeEstimate(ctx context.Context) (web3.FeeEstimate, error) {
	eth, rpc, err := c.backend()
	if err != nil {
		return web3.FeeEstimate{}, err
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	gasPrice, err := eth.SuggestGasPrice(ctx)
	if err != nil {
		return web3.FeeEstimate{}, upstream(err, "获取 gasPrice 失败")
	}

	estimate := web3.FeeEstimate{
		Chain:    c.name,
		Fast:     toGwei(gasPrice),
		Standard: toGwei(gasPrice),
		Slow:     toGwei(gasPrice),
		Unit:     "gwei",
	}

	// 节点不支持 EIP-1559 时退化为单一 gasPrice。
	tip, tipErr := eth.SuggestGasTipCap(ctx)
	baseFee, baseErr := latestBaseFee(ctx, rpc)
	if tipErr != nil || baseErr != nil || baseFee == nil {
		return estimate, nil
	}

	fast := new(big.Int).Add(new(big.Int).Mul(baseFee, big.NewInt(2)), tip)
	slow := new(big.Int).Add(baseFee, new(big.Int).Div(tip, big.NewInt(2)))
	estimate.BaseFee = toGwei(baseFee)
	estimate.Fast = toGwei(fast)
	estimate.Slow = toGwei(slow)
	return estimate, nil
}

// Balance 查询地址的最新余额（wei）。
func (c *Client) Balance(ctx context.Context, address string) (web3.Balance, error) {
	addr, err := parseAddress(address)
	if err != nil {
		return web3.Balance{}, err
	}
	eth, _, err := c.backend()
	if err != nil {
		return web3.Balance{}, err
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	balance, err := eth.BalanceAt(ctx, addr, nil)
	if err != nil {
		return web3.Balance{}, upstream(err, "查询余额失败")
	}
	return web3.Balance{Chain: c.name, Address: addr.Hex(), Amount: balance.String(), Unit: "wei"}, nil
}

// TransactionCount 返回地址已确认的交易数（nonce）。
func (c *Client) TransactionCount(ctx context.Context, address string) (uint64, error) {
	addr, err := parseAddress(address)
	if err != nil {
		return 0, err
	}
	eth, _, err := c.backend()
	if err != nil {
		return 0, err
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	nonce, err := eth.NonceAt(ctx, addr, nil)
	if err != nil {
		return 0, upstream(err, "查询交易计数失败")
	}
	return nonce, nil
}

type receiptSummary struct {
	BlockNumber *hexutil.Big    `json:"blockNumber"`
	Status      *hexutil.Uint64 `json:"status"`
}

// TransactionStatus 通过交易回执判断交易是否已上链。
func (c *Client) TransactionStatus(ctx context.Context, txid string) (web3.TxStatus, error) {
	txid = strings.TrimSpace(txid)
	if len(txid) != 66 || !strings.HasPrefix(txid, "0x") {
		return web3.TxStatus{}, xerrors.Newf(xerrors.CodeInvalidArgument, "无效的交易哈希 %q", txid)
	}
	_, rpc, err := c.backend()
	if err != nil {
		return web3.TxStatus{}, err
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	var receipt *receiptSummary
	if err := rpc.CallContext(ctx, &receipt, "eth_getTransactionReceipt", common.HexToHash(txid)); err != nil {
		return web3.TxStatus{}, upstream(err, "查询交易回执失败")
	}
	status := web3.TxStatus{Chain: c.name, TxID: txid}
	if receipt == nil || receipt.BlockNumber == nil {
		return status, nil
	}
	status.Found = true
	status.Confirmed = true
	status.BlockHeight = receipt.BlockNumber.ToInt().Uint64()
	if receipt.Status != nil {
		ok := *receipt.Status == 1
		status.Success = &ok
	}
	return status, nil
}

// ChainInfo 返回链 ID 与当前高度。
func (c *Client) ChainInfo(ctx context.Context) (web3.ChainInfo, error) {
	eth, _, err := c.backend()
	if err != nil {
		return web3.ChainInfo{}, err
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	id, err := c.cachedChainID(ctx, eth)
	if err != nil {
		return web3.ChainInfo{}, err
	}
	height, err := eth.BlockNumber(ctx)
	if err != nil {
		return web3.ChainInfo{}, upstream(err, "获取最新区块高度失败")
	}
	return web3.ChainInfo{
		Name:        c.name,
		Type:        web3.TypeEVM,
		ChainID:     toHexBig(id),
		Height:      height,
		Description: c.notes,
		ObservedAt:  time.Now().UnixMilli(),
	}, nil
}

func (c *Client) cachedChainID(ctx context.Context, eth *ethclient.Client) (*big.Int, error) {
	c.mu.Lock()
	cached := c.chainID
	c.mu.Unlock()
	if cached != nil {
		return cached, nil
	}
	id, err := eth.ChainID(ctx)
	if err != nil {
		return nil, upstream(err, "获取链 ID 失败")
	}
	c.mu.Lock()
	c.chainID = id
	c.mu.Unlock()
	return id, nil
}

type headerFee struct {
	BaseFee *hexutil.Big `json:"baseFeePerGas"`
}

func latestBaseFee(ctx context.Context, rpc *gethrpc.Client) (*big.Int, error) {
	var head *headerFee
	if err := rpc.CallContext(ctx, &head, "eth_getBlockByNumber", "latest", false); err != nil {
		return nil, err
	}
	if head == nil || head.BaseFee == nil {
		return nil, nil
	}
	return head.BaseFee.ToInt(), nil
}

func parseAddress(address string) (common.Address, error) {
	address = strings.TrimSpace(address)
	if !common.IsHexAddress(address) {
		return common.Address{}, xerrors.Newf(xerrors.CodeInvalidArgument, "无效的以太坊地址 %q", address)
	}
	return common.HexToAddress(address), nil
}

// upstream 标记上游故障；网络类错误保持可重试，JSON-RPC 业务错误不重试。
func upstream(err error, message string) error {
	var rpcErr gethrpc.Error
	if errors.As(err, &rpcErr) {
		return xerrors.Wrap(xerrors.CodeUpstream, err, fmt.Sprintf("%s (rpc code %d)", message, rpcErr.ErrorCode()), xerrors.WithRetryable(false))
	}
	return xerrors.Wrap(xerrors.CodeUpstream, err, message)
}

func toGwei(wei *big.Int) float64 {
	if wei == nil {
		return 0
	}
	value, _ := new(big.Float).Quo(new(big.Float).SetInt(wei), gwei).Float64()
	return value
}

func toHexBig(n *big.Int) string {
	if n == nil {
		return "0x0"
	}
	return "0x" + n.Text(16)
}
