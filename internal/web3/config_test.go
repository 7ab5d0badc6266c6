package web3

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadChainDefinitions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chains.yaml")
	content := `
default: btc
chains:
  btc:
    type: Bitcoin
    api_url: https://mempool.space/api
    timeout: 3s
  sepolia:
    rpc_url: https://rpc.sepolia.org
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write chains: %v", err)
	}

	defs, err := LoadChainDefinitions(path)
	if err != nil {
		t.Fatalf("load chains: %v", err)
	}
	if defs.Default != "btc" || len(defs.Chains) != 2 {
		t.Fatalf("unexpected definitions: %+v", defs)
	}
	if defs.Chains["btc"].NormalizedType() != TypeBitcoin {
		t.Fatalf("unexpected btc type: %s", defs.Chains["btc"].NormalizedType())
	}
	if defs.Chains["sepolia"].NormalizedType() != TypeEVM {
		t.Fatalf("missing type should default to evm")
	}
	if defs.Chains["btc"].RequestTimeout() != 3*time.Second {
		t.Fatalf("unexpected timeout: %s", defs.Chains["btc"].RequestTimeout())
	}
	if defs.Chains["sepolia"].RequestTimeout() != DefaultTimeout {
		t.Fatalf("missing timeout should use default")
	}
}

func TestLoadChainDefinitionsEmptyPath(t *testing.T) {
	defs, err := LoadChainDefinitions(" ")
	if err != nil {
		t.Fatalf("empty path should not fail: %v", err)
	}
	if defs.Chains == nil {
		t.Fatalf("chains map should be initialised")
	}
}
