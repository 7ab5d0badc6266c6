package provider

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"ChainPulse/internal/config"
	xerrors "ChainPulse/internal/errors"
	"ChainPulse/internal/web3"
	"ChainPulse/internal/web3/bitcoin"
	"ChainPulse/internal/web3/ethereum"
)

// Registry manages a set of chain clients keyed by human readable names.
type Registry struct {
	defaultChain string
	clients      map[string]web3.Client
}

var _ web3.Resolver = (*Registry)(nil)

// NewRegistry 合并链定义文件与内联配置，并为每条链实例化具体客户端。
// 同名链以内联配置为准。
func NewRegistry(ctx context.Context, cfg config.Web3Config) (*Registry, error) {
	defs, err := web3.LoadChainDefinitions(cfg.ChainsFile)
	if err != nil {
		return nil, err
	}
	for name, chain := range cfg.Chains {
		defs.Chains[name] = chain
	}

	clients := make(map[string]web3.Client, len(defs.Chains))
	defaultChain := strings.TrimSpace(cfg.DefaultChain)
	if defaultChain == "" {
		defaultChain = defs.Default
	}

	for name, chain := range defs.Chains {
		client, err := newClient(ctx, name, chain)
		if err != nil {
			closeAll(clients)
			return nil, fmt.Errorf("初始化链 %s 失败: %w", name, err)
		}
		clients[name] = client
		if chain.Default && defaultChain == "" {
			defaultChain = name
		}
	}

	return FromClients(defaultChain, clients)
}

// FromClients 使用已构建好的客户端创建注册表，defaultChain 为空时取名称排序后的第一条链。
func FromClients(defaultChain string, clients map[string]web3.Client) (*Registry, error) {
	if len(clients) == 0 {
		return nil, xerrors.New(xerrors.CodeConfigInvalid, "未配置任何链")
	}
	r := &Registry{defaultChain: defaultChain, clients: clients}
	if r.defaultChain == "" {
		r.defaultChain = r.Chains()[0]
	}
	if _, ok := clients[r.defaultChain]; !ok {
		return nil, xerrors.Newf(xerrors.CodeConfigInvalid, "默认链 %s 未在配置中找到", r.defaultChain)
	}
	return r, nil
}

func newClient(ctx context.Context, name string, chain web3.ChainDefinition) (web3.Client, error) {
	switch chain.NormalizedType() {
	case web3.TypeEVM:
		return ethereum.NewClient(ctx, ethereum.Config{
			Name:    name,
			RPCURL:  chain.RPCURL,
			Notes:   chain.Description,
			Timeout: chain.RequestTimeout(),
		})
	case web3.TypeBitcoin:
		apiURL := chain.APIURL
		if apiURL == "" {
			apiURL = chain.RPCURL
		}
		return bitcoin.NewClient(bitcoin.Config{
			Name:    name,
			APIURL:  apiURL,
			Notes:   chain.Description,
			Timeout: chain.RequestTimeout(),
		})
	default:
		return nil, xerrors.Newf(xerrors.CodeConfigInvalid, "不支持的链类型 %s", chain.Type)
	}
}

// DefaultName 返回默认链名称。
func (r *Registry) DefaultName() string {
	if r == nil {
		return ""
	}
	return r.defaultChain
}

// Resolve 返回指定名称的链客户端，空名称返回默认链。
func (r *Registry) Resolve(name string) (web3.Client, error) {
	if r == nil {
		return nil, xerrors.New(xerrors.CodeInternal, "未初始化的链客户端注册表")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		name = r.defaultChain
	}
	client, ok := r.clients[name]
	if !ok {
		return nil, xerrors.Newf(xerrors.CodeInvalidArgument, "未知的链 %q，可用链: %s", name, strings.Join(r.Chains(), ", "))
	}
	return client, nil
}

// Close releases all clients managed by the registry.
func (r *Registry) Close() {
	if r == nil {
		return
	}
	closeAll(r.clients)
}

func closeAll(clients map[string]web3.Client) {
	for name, client := range clients {
		if client != nil {
			client.Close()
		}
		delete(clients, name)
	}
}

// Chains returns the list of registered chain names.
func (r *Registry) Chains() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
