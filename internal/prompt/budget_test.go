package prompt

import (
	"context"
	"errors"
	"testing"

	"llmcls/pkg/contract"
)

func TestMakeEstimatorDefault(t *testing.T) {
	est := MakeEstimator(0)
	if est("abcdef") != 2 {
		t.Fatalf("估算错误")
	}
	if est("") != 0 {
		t.Fatalf("空串应为 0")
	}
	// 'ø' 为 2 字节
	if MakeEstimator(1)("ø") != 2 {
		t.Fatalf("应按 UTF-8 字节计")
	}
}

type mockPB struct{ overhead int }

func (m *mockPB) Build(_ context.Context, b contract.Batch) (contract.Prompt, error) {
	return nil, nil
}

func (m *mockPB) EstimateOverheadTokens(est contract.TokenEstimator) int { return m.overhead }

func TestEffectiveMaxTokens(t *testing.T) {
	if eff, over := EffectiveMaxTokens(&mockPB{}, 0, 0); eff != 0 || over != 0 {
		t.Fatalf("不限时应返回 0,0")
	}
	if eff, over := EffectiveMaxTokens(&mockPB{overhead: 5}, 4, 10); eff != 5 || over != 5 {
		t.Fatalf("预期 5,5 得到 %d,%d", eff, over)
	}
}

func TestBatchBytesBudget(t *testing.T) {
	if n, err := BatchBytesBudget(&mockPB{overhead: 5}, 4, 0); n != 0 || err != nil {
		t.Fatalf("不限时应为 0,nil: %d %v", n, err)
	}
	if n, err := BatchBytesBudget(&mockPB{overhead: 100}, 4, 1100); err != nil || n != 4000 {
		t.Fatalf("预期 4000 得到 %d %v", n, err)
	}
	if _, err := BatchBytesBudget(&mockPB{overhead: 200}, 4, 200); !errors.Is(err, contract.ErrBudgetExceeded) {
		t.Fatalf("开销占满预算应失败: %v", err)
	}
}

func TestTokens(t *testing.T) {
	est := MakeEstimator(1)
	if Tokens(contract.TextPrompt("abc"), est) != 3 {
		t.Fatalf("TextPrompt 估算错误")
	}
	chat := contract.ChatPrompt{{Role: "system", Content: "ab"}, {Role: "user", Content: "cde"}}
	if Tokens(chat, est) != 5 {
		t.Fatalf("ChatPrompt 估算错误")
	}
	if Tokens(42, est) != 0 {
		t.Fatalf("未知形状应为 0")
	}
}
