package tools

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"ChainPulse/internal/cache"
	xerrors "ChainPulse/internal/errors"
	"ChainPulse/internal/web3"
)

// 内置链上工具名称。
const (
	ToolLatestBlock      = "get_latest_block"
	ToolFeeEstimate      = "get_fee_estimate"
	ToolBalance          = "get_balance"
	ToolTransactionCount = "get_transaction_count"
	ToolTransactionState = "get_transaction_status"
	ToolChainInfo        = "get_chain_info"
	ToolListChains       = "list_chains"
)

const chainProperty = `"chain":{"type":"string","description":"Chain name from list_chains; omit for the default chain"}`

func objectSchema(required []string, props ...string) json.RawMessage {
	parts := append([]string{chainProperty}, props...)
	schema := `{"type":"object","properties":{` + strings.Join(parts, ",") + `}`
	if len(required) > 0 {
		schema += `,"required":["` + strings.Join(required, `","`) + `"]`
	}
	return json.RawMessage(schema + `}`)
}

// ChainToolOptions 控制内置链上工具的缓存。
type ChainToolOptions struct {
	Cache    cache.Cache[any]
	CacheTTL time.Duration
	Now      func() time.Time
}

// LatestBlock 是 get_latest_block 的结果。
type LatestBlock struct {
	Chain      string `json:"chain"`
	Height     uint64 `json:"height"`
	ObservedAt int64  `json:"observed_at"`
}

// TransactionCount 是 get_transaction_count 的结果。
type TransactionCount struct {
	Chain   string `json:"chain"`
	Address string `json:"address"`
	Count   uint64 `json:"count"`
}

// RegisterChainTools 把链上只读查询注册为工具，区块与手续费查询带缓存。
func RegisterChainTools(reg *Registry, resolver web3.Resolver, opts ChainToolOptions) error {
	if resolver == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "链客户端解析器不能为空")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	withClient := func(fn func(ctx context.Context, client web3.Client, args map[string]any) (any, error)) Handler {
		return func(ctx context.Context, args map[string]any) (any, error) {
			client, err := resolver.Resolve(stringArg(args, "chain"))
			if err != nil {
				return nil, err
			}
			return fn(ctx, client, args)
		}
	}

	latestBlock := withClient(func(ctx context.Context, client web3.Client, _ map[string]any) (any, error) {
		height, err := client.BlockHeight(ctx)
		if err != nil {
			return nil, err
		}
		return LatestBlock{Chain: client.Name(), Height: height, ObservedAt: now().Unix()}, nil
	})
	feeEstimate := withClient(func(ctx context.Context, client web3.Client, _ map[string]any) (any, error) {
		return client.FeeEstimate(ctx)
	})

	defs := []struct {
		def     Definition
		handler Handler
	}{
		{
			def: Definition{
				Name:        ToolLatestBlock,
				Description: "Return the latest block height of a chain.",
				InputSchema: objectSchema(nil),
			},
			handler: Cached(latestBlock, opts.Cache, opts.CacheTTL, DefaultKey(ToolLatestBlock)),
		},
		{
			def: Definition{
				Name:        ToolFeeEstimate,
				Description: "Return fast, standard and slow fee levels (gwei for EVM chains, sat/vB for bitcoin).",
				InputSchema: objectSchema(nil),
			},
			handler: Cached(feeEstimate, opts.Cache, opts.CacheTTL, DefaultKey(ToolFeeEstimate)),
		},
		{
			def: Definition{
				Name:        ToolBalance,
				Description: "Return the balance of an address in the chain's smallest unit.",
				InputSchema: objectSchema([]string{"address"}, `"address":{"type":"string","minLength":1}`),
			},
			handler: withClient(func(ctx context.Context, client web3.Client, args map[string]any) (any, error) {
				return client.Balance(ctx, stringArg(args, "address"))
			}),
		},
		{
			def: Definition{
				Name:        ToolTransactionCount,
				Description: "Return the number of transactions sent by an address.",
				InputSchema: objectSchema([]string{"address"}, `"address":{"type":"string","minLength":1}`),
			},
			handler: withClient(func(ctx context.Context, client web3.Client, args map[string]any) (any, error) {
				address := stringArg(args, "address")
				count, err := client.TransactionCount(ctx, address)
				if err != nil {
					return nil, err
				}
				return TransactionCount{Chain: client.Name(), Address: address, Count: count}, nil
			}),
		},
		{
			def: Definition{
				Name:        ToolTransactionState,
				Description: "Return whether a transaction exists and how it was confirmed.",
				InputSchema: objectSchema([]string{"txid"}, `"txid":{"type":"string","minLength":1}`),
			},
			handler: withClient(func(ctx context.Context, client web3.Client, args map[string]any) (any, error) {
				return client.TransactionStatus(ctx, stringArg(args, "txid"))
			}),
		},
		{
			def: Definition{
				Name:        ToolChainInfo,
				Description: "Return the chain type, id and current height.",
				InputSchema: objectSchema(nil),
			},
			handler: withClient(func(ctx context.Context, client web3.Client, _ map[string]any) (any, error) {
				return client.ChainInfo(ctx)
			}),
		},
		{
			def: Definition{
				Name:        ToolListChains,
				Description: "List the chains this service can query.",
				InputSchema: json.RawMessage(`{"type":"object","properties":{}}`),
			},
			handler: func(context.Context, map[string]any) (any, error) {
				return map[string]any{"chains": resolver.Chains()}, nil
			},
		},
	}

	for _, d := range defs {
		if err := reg.Register(d.def, d.handler); err != nil {
			return err
		}
	}
	return nil
}

func stringArg(args map[string]any, key string) string {
	if args == nil {
		return ""
	}
	v, _ := args[key].(string)
	return strings.TrimSpace(v)
}
