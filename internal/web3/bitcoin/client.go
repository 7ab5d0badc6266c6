// Package bitcoin 通过 Esplora 兼容的 REST 接口（如 mempool.space）读取比特币链数据。
package bitcoin

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	xerrors "ChainPulse/internal/errors"
	"ChainPulse/internal/web3"
)

// Config 描述比特币 REST 上游。
type Config struct {
	Name       string
	APIURL     string
	Notes      string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Client implements web3.Client against an Esplora style API.
type Client struct {
	name    string
	notes   string
	baseURL string
	http    *http.Client
}

var _ web3.Client = (*Client)(nil)

// NewClient 校验上游地址并构建客户端。
func NewClient(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.APIURL), "/")
	if base == "" {
		return nil, xerrors.New(xerrors.CodeConfigInvalid, "未配置比特币 API 地址")
	}
	if _, err := url.ParseRequestURI(base); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfigInvalid, err, "比特币 API 地址无效")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = web3.DefaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{name: cfg.Name, notes: cfg.Notes, baseURL: base, http: httpClient}, nil
}

// Name 返回链名称。
func (c *Client) Name() string { return c.name }

// Type 返回链类型。
func (c *Client) Type() string { return web3.TypeBitcoin }

// Close 释放空闲连接。
func (c *Client) Close() { c.http.CloseIdleConnections() }

// BlockHeight 返回链上最新区块高度。
func (c *Client) BlockHeight(ctx context.Context) (uint64, error) {
	body, err := c.get(ctx, "/blocks/tip/height")
	if err != nil {
		return 0, err
	}
	height, err := strconv.ParseUint(strings.TrimSpace(string(body)), 10, 64)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeUpstream, err, "解析区块高度失败", xerrors.WithRetryable(false))
	}
	return height, nil
}

type recommendedFees struct {
	FastestFee  float64 `json:"fastestFee"`
	HalfHourFee float64 `json:"halfHourFee"`
	HourFee     float64 `json:"hourFee"`
	EconomyFee  float64 `json:"economyFee"`
	MinimumFee  float64 `json:"minimumFee"`
}

// FeeEstimate 返回推荐费率（sat/vB）。
func (c *Client) FeeEstimate(ctx context.Context) (web3.FeeEstimate, error) {
	var fees recommendedFees
	if err := c.getJSON(ctx, "/v1/fees/recommended", &fees); err != nil {
		return web3.FeeEstimate{}, err
	}
	return web3.FeeEstimate{
		Chain:    c.name,
		Fast:     fees.FastestFee,
		Standard: fees.HalfHourFee,
		Slow:     fees.HourFee,
		BaseFee:  fees.MinimumFee,
		Unit:     "sat/vB",
	}, nil
}

type txoStats struct {
	FundedTxoSum uint64 `json:"funded_txo_sum"`
	SpentTxoSum  uint64 `json:"spent_txo_sum"`
	TxCount      uint64 `json:"tx_count"`
}

type addressInfo struct {
	Address      string   `json:"address"`
	ChainStats   txoStats `json:"chain_stats"`
	MempoolStats txoStats `json:"mempool_stats"`
}

func (c *Client) address(ctx context.Context, address string) (addressInfo, error) {
	address = strings.TrimSpace(address)
	if address == "" || strings.ContainsAny(address, "/?# ") {
		return addressInfo{}, xerrors.Newf(xerrors.CodeInvalidArgument, "无效的比特币地址 %q", address)
	}
	var info addressInfo
	if err := c.getJSON(ctx, "/address/"+url.PathEscape(address), &info); err != nil {
		return addressInfo{}, err
	}
	return info, nil
}

// Balance 返回已确认余额（sat）。
func (c *Client) Balance(ctx context.Context, address string) (web3.Balance, error) {
	info, err := c.address(ctx, address)
	if err != nil {
		return web3.Balance{}, err
	}
	confirmed := int64(info.ChainStats.FundedTxoSum) - int64(info.ChainStats.SpentTxoSum)
	return web3.Balance{
		Chain:   c.name,
		Address: info.Address,
		Amount:  strconv.FormatInt(confirmed, 10),
		Unit:    "sat",
	}, nil
}

// TransactionCount 返回地址已确认的交易数。
func (c *Client) TransactionCount(ctx context.Context, address string) (uint64, error) {
	info, err := c.address(ctx, address)
	if err != nil {
		return 0, err
	}
	return info.ChainStats.TxCount, nil
}

type txStatus struct {
	Confirmed   bool   `json:"confirmed"`
	BlockHeight uint64 `json:"block_height"`
}

// TransactionStatus 查询交易确认状态，上游 404 视为未找到而非错误。
func (c *Client) TransactionStatus(ctx context.Context, txid string) (web3.TxStatus, error) {
	txid = strings.ToLower(strings.TrimSpace(txid))
	if len(txid) != 64 || strings.Trim(txid, "0123456789abcdef") != "" {
		return web3.TxStatus{}, xerrors.Newf(xerrors.CodeInvalidArgument, "无效的交易 ID %q", txid)
	}
	result := web3.TxStatus{Chain: c.name, TxID: txid}

	var status txStatus
	err := c.getJSON(ctx, "/tx/"+txid+"/status", &status)
	if xerrors.CodeOf(err) == xerrors.CodeNotFound {
		return result, nil
	}
	if err != nil {
		return web3.TxStatus{}, err
	}
	result.Found = true
	result.Confirmed = status.Confirmed
	result.BlockHeight = status.BlockHeight
	return result, nil
}

// ChainInfo 返回链概况。
func (c *Client) ChainInfo(ctx context.Context) (web3.ChainInfo, error) {
	height, err := c.BlockHeight(ctx)
	if err != nil {
		return web3.ChainInfo{}, err
	}
	return web3.ChainInfo{
		Name:        c.name,
		Type:        web3.TypeBitcoin,
		Height:      height,
		Description: c.notes,
		ObservedAt:  time.Now().UnixMilli(),
	}, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	body, err := c.get(ctx, path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return xerrors.Wrap(xerrors.CodeUpstream, err, "解析上游响应失败", xerrors.WithRetryable(false))
	}
	return nil
}

func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInternal, err, "构建请求失败")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUpstream, err, "请求比特币 API 失败")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUpstream, err, "读取上游响应失败")
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, xerrors.Newf(xerrors.CodeNotFound, "%s 不存在", path)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, xerrors.Newf(xerrors.CodeUpstream, "比特币 API 返回状态码 %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		msg := strings.TrimSpace(string(body))
		return nil, xerrors.Wrap(xerrors.CodeUpstream, fmt.Errorf("status %d: %s", resp.StatusCode, msg), "比特币 API 拒绝请求", xerrors.WithRetryable(false))
	}
	return body, nil
}
