// Package realtime polls the configured chain for new blocks and fee levels,
// writes the latest values to the cache and announces changes.
package realtime

import (
	"context"

	"ChainPulse/internal/web3"
)

// Source 是被轮询的上游，web3.Client 满足该接口。
type Source interface {
	Name() string
	BlockHeight(ctx context.Context) (uint64, error)
	FeeEstimate(ctx context.Context) (web3.FeeEstimate, error)
}

// BlockSnapshot 是一次已确认区块高度的推送。
type BlockSnapshot struct {
	Chain          string `json:"chain"`
	Height         uint64 `json:"height"`
	ReportedHeight uint64 `json:"reported_height"`
	ObservedAt     int64  `json:"observed_at"`
}

// FeeSnapshot 是一次手续费推送。
type FeeSnapshot struct {
	Chain      string  `json:"chain"`
	Fast       float64 `json:"fast"`
	Standard   float64 `json:"standard"`
	Slow       float64 `json:"slow"`
	BaseFee    float64 `json:"base_fee,omitempty"`
	Unit       string  `json:"unit"`
	ObservedAt int64   `json:"observed_at"`
}

// 广播给 WebSocket 客户端的消息类型。
const (
	MessageBlock = "realtime_block"
	MessageFee   = "realtime_fee"
)
