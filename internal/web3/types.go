package web3

import (
	"context"
	"time"
)

// 支持的链类型。
const (
	TypeEVM     = "evm"
	TypeBitcoin = "bitcoin"
)

// FeeEstimate 是一次手续费估算。EVM 链单位为 gwei，比特币为 sat/vB。
type FeeEstimate struct {
	Chain    string  `json:"chain"`
	Fast     float64 `json:"fast"`
	Standard float64 `json:"standard"`
	Slow     float64 `json:"slow"`
	BaseFee  float64 `json:"base_fee,omitempty"`
	Unit     string  `json:"unit"`
}

// Balance 是地址余额，Amount 为最小单位的十进制字符串（wei 或 sat）。
type Balance struct {
	Chain   string `json:"chain"`
	Address string `json:"address"`
	Amount  string `json:"amount"`
	Unit    string `json:"unit"`
}

// TxStatus 描述一笔交易的确认状态。
type TxStatus struct {
	Chain       string `json:"chain"`
	TxID        string `json:"txid"`
	Found       bool   `json:"found"`
	Confirmed   bool   `json:"confirmed"`
	BlockHeight uint64 `json:"block_height,omitempty"`
	Success     *bool  `json:"success,omitempty"`
}

// ChainInfo 汇总链的基础信息。
type ChainInfo struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	ChainID     string `json:"chain_id,omitempty"`
	Height      uint64 `json:"height"`
	Description string `json:"description,omitempty"`
	ObservedAt  int64  `json:"observed_at"`
}

// Client 抽象了单条链的只读数据访问，EVM 与比特币实现都满足该接口。
type Client interface {
	Name() string
	Type() string
	BlockHeight(ctx context.Context) (uint64, error)
	FeeEstimate(ctx context.Context) (FeeEstimate, error)
	Balance(ctx context.Context, address string) (Balance, error)
	TransactionCount(ctx context.Context, address string) (uint64, error)
	TransactionStatus(ctx context.Context, txid string) (TxStatus, error)
	ChainInfo(ctx context.Context) (ChainInfo, error)
	Close()
}

// Resolver 按名称查找链客户端，空名称表示默认链。
type Resolver interface {
	Resolve(name string) (Client, error)
	Chains() []string
}

// DefaultTimeout 是单次上游请求的默认超时。
const DefaultTimeout = 10 * time.Second
