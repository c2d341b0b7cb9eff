package rate

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"llmcls/pkg/contract"
)

// 超过 RPM 时 Try 拒绝且不消耗 TPM
func TestGateTryLimit(t *testing.T) {
	now := time.Unix(0, 0)
	clk := func() time.Time { return now }
	g := NewGate(map[LimitKey]Limits{"k": {RPM: 1, TPM: 10, MaxTokensPerReq: 5}}, clk)
	if !g.Try(Ask{Key: "k", Requests: 1, Tokens: 3}) {
		t.Fatalf("首次应通过")
	}
	if g.Try(Ask{Key: "k", Requests: 1, Tokens: 3}) {
		t.Fatalf("应因 RPM 拒绝")
	}
	if _, tpm := g.(Snapshoter).Snapshot("k"); tpm != 7 {
		t.Fatalf("被拒绝的申请不应消耗 TPM, got %d", tpm)
	}
	now = now.Add(time.Minute)
	if !g.Try(Ask{Key: "k", Requests: 1, Tokens: 3}) {
		t.Fatalf("一分钟后应回填")
	}
}

// 单请求上限与桶容量快速失败
func TestGateBudget(t *testing.T) {
	g := NewGate(map[LimitKey]Limits{"k": {TPM: 100, MaxTokensPerReq: 50}}, nil)
	if err := g.Wait(context.Background(), Ask{Key: "k", Requests: 1, Tokens: 60}); !errors.Is(err, contract.ErrBudgetExceeded) {
		t.Fatalf("超单请求上限应为 ErrBudgetExceeded: %v", err)
	}
	g2 := NewGate(map[LimitKey]Limits{"k": {TPM: 10}}, nil)
	if err := g2.Wait(context.Background(), Ask{Key: "k", Requests: 1, Tokens: 11}); !errors.Is(err, contract.ErrBudgetExceeded) {
		t.Fatalf("超桶容量应为 ErrBudgetExceeded: %v", err)
	}
	if err := g2.Wait(context.Background(), Ask{Key: "k", Requests: 0}); !errors.Is(err, contract.ErrInvalidInput) {
		t.Fatalf("Requests<=0 应为 ErrInvalidInput: %v", err)
	}
}

// 未配置的 key 不限额
func TestGateUnknownKey(t *testing.T) {
	g := NewGate(nil, nil)
	for i := 0; i < 100; i++ {
		if err := g.Wait(context.Background(), Ask{Key: "x", Requests: 1, Tokens: 1000}); err != nil {
			t.Fatalf("未配置 key 应放行: %v", err)
		}
	}
}

// 等待期间取消
func TestGateWaitCancel(t *testing.T) {
	g := NewGate(map[LimitKey]Limits{"k": {RPM: 1}}, nil)
	if err := g.Wait(context.Background(), Ask{Key: "k", Requests: 1}); err != nil {
		t.Fatalf("首次应通过: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	if err := g.Wait(ctx, Ask{Key: "k", Requests: 1}); !errors.Is(err, context.Canceled) {
		t.Fatalf("应返回取消错误: %v", err)
	}
}

func TestDeriveKeyFromProviderOptions(t *testing.T) {
	t.Setenv("TEST_KEY", "abc")
	raw, _ := json.Marshal(map[string]any{"api_key_env": "TEST_KEY"})
	k, err := DeriveKeyFromProviderOptions("openai", raw)
	if err != nil || k == "" {
		t.Fatalf("派生失败: %v", err)
	}
	other, _ := json.Marshal(map[string]any{"api_key_env": "TEST_KEY", "base_url": "https://other.example"})
	k2, _ := DeriveKeyFromProviderOptions("openai", other)
	if k == k2 {
		t.Fatalf("不同端点应得到不同分组键")
	}
	if _, err := DeriveKeyFromProviderOptions("openai", json.RawMessage(`{}`)); err == nil {
		t.Fatalf("缺少 key 应失败")
	}
	if _, err := DeriveKeyFromProviderOptions("mock", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("mock 应使用内置 key: %v", err)
	}
}
