package tools

import (
	"context"
	"testing"
	"time"

	"ChainPulse/internal/cache"
	xerrors "ChainPulse/internal/errors"
	"ChainPulse/internal/web3"
	"ChainPulse/internal/web3/provider"
)

type fakeChain struct {
	name        string
	height      uint64
	heightCalls int
}

func (f *fakeChain) Name() string { return f.name }
func (f *fakeChain) Type() string { return web3.TypeEVM }
func (f *fakeChain) BlockHeight(context.Context) (uint64, error) {
	f.heightCalls++
	return f.height, nil
}
func (f *fakeChain) FeeEstimate(context.Context) (web3.FeeEstimate, error) {
	return web3.FeeEstimate{Chain: f.name, Fast: 3, Standard: 2, Slow: 1, Unit: "gwei"}, nil
}
func (f *fakeChain) Balance(_ context.Context, address string) (web3.Balance, error) {
	return web3.Balance{Chain: f.name, Address: address, Amount: "1000", Unit: "wei"}, nil
}
func (f *fakeChain) TransactionCount(context.Context, string) (uint64, error) { return 7, nil }
func (f *fakeChain) TransactionStatus(_ context.Context, txid string) (web3.TxStatus, error) {
	return web3.TxStatus{Chain: f.name, TxID: txid, Found: true, Confirmed: true, BlockHeight: 10}, nil
}
func (f *fakeChain) ChainInfo(context.Context) (web3.ChainInfo, error) {
	return web3.ChainInfo{Name: f.name, Type: web3.TypeEVM, ChainID: "1", Height: f.height}, nil
}
func (f *fakeChain) Close() {}

func newChainExecutor(t *testing.T) (*Executor, *fakeChain, *fakeChain) {
	t.Helper()
	eth := &fakeChain{name: "ethereum", height: 100}
	base := &fakeChain{name: "base", height: 5}
	resolver, err := provider.FromClients("ethereum", map[string]web3.Client{"ethereum": eth, "base": base})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	reg := NewRegistry()
	store := cache.NewMemory[any]()
	if err := RegisterChainTools(reg, resolver, ChainToolOptions{Cache: store, CacheTTL: time.Minute}); err != nil {
		t.Fatalf("register chain tools: %v", err)
	}
	return NewExecutor(reg), eth, base
}

func TestChainToolsRegistered(t *testing.T) {
	exec, _, _ := newChainExecutor(t)
	want := []string{ToolBalance, ToolChainInfo, ToolFeeEstimate, ToolLatestBlock, ToolTransactionCount, ToolTransactionState, ToolListChains}
	names := exec.Registry().Names()
	if len(names) != len(want) {
		t.Fatalf("unexpected tools %v", names)
	}
	for _, name := range want {
		if _, ok := exec.Registry().Lookup(name); !ok {
			t.Fatalf("missing tool %s", name)
		}
	}
}

func TestLatestBlockIsCachedPerChain(t *testing.T) {
	exec, eth, base := newChainExecutor(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		outcome, err := exec.Execute(ctx, ToolLatestBlock, nil)
		if err != nil {
			t.Fatalf("execute: %v", err)
		}
		if block := outcome.Result.(LatestBlock); block.Height != 100 || block.Chain != "ethereum" {
			t.Fatalf("unexpected block %+v", block)
		}
	}
	if eth.heightCalls != 1 {
		t.Fatalf("expected one upstream call, got %d", eth.heightCalls)
	}

	if _, err := exec.Execute(ctx, ToolLatestBlock, map[string]any{"chain": "base"}); err != nil {
		t.Fatalf("execute base: %v", err)
	}
	if base.heightCalls != 1 {
		t.Fatalf("base chain should have its own cache entry")
	}
}

func TestBalanceRequiresAddress(t *testing.T) {
	exec, _, _ := newChainExecutor(t)
	_, err := exec.Execute(context.Background(), ToolBalance, map[string]any{})
	if xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected INVALID_ARGUMENT, got %v", err)
	}

	outcome, err := exec.Execute(context.Background(), ToolBalance, map[string]any{"address": "0xabc"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if bal := outcome.Result.(web3.Balance); bal.Amount != "1000" || bal.Address != "0xabc" {
		t.Fatalf("unexpected balance %+v", bal)
	}
}

func TestUnknownChainFailsWithoutRetry(t *testing.T) {
	exec, _, _ := newChainExecutor(t)
	outcome, err := exec.Execute(context.Background(), ToolChainInfo, map[string]any{"chain": "solana"})
	if err == nil || outcome.Attempts != 1 {
		t.Fatalf("expected a single failed attempt, got %+v %v", outcome, err)
	}
}

func TestListChains(t *testing.T) {
	exec, _, _ := newChainExecutor(t)
	outcome, err := exec.Execute(context.Background(), ToolListChains, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	chains := outcome.Result.(map[string]any)["chains"].([]string)
	if len(chains) != 2 || chains[0] != "base" {
		t.Fatalf("unexpected chains %v", chains)
	}
}
