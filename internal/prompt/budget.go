package prompt

import (
	"fmt"

	"llmcls/pkg/contract"
)

// MakeEstimator 返回近似 token 估算器：tokens ≈ ceil(len(utf8_bytes)/bytesPerToken)，默认 4。
func MakeEstimator(bytesPerToken int) contract.TokenEstimator {
	bpt := bytesPerToken
	if bpt <= 0 {
		bpt = 4
	}
	return func(s string) int {
		n := len(s)
		if n == 0 {
			return 0
		}
		return (n + bpt - 1) / bpt
	}
}

// EffectiveMaxTokens 预扣固定提示开销后的有效预算，返回 (effectiveMax, overhead)。
// maxTokens<=0 表示不限，返回 (0,0)。
func EffectiveMaxTokens(pb contract.PromptBuilder, bytesPerToken int, maxTokens int) (int, int) {
	if maxTokens <= 0 {
		return 0, 0
	}
	overhead := pb.EstimateOverheadTokens(MakeEstimator(bytesPerToken))
	return maxTokens - overhead, overhead
}

// BatchBytesBudget 将有效 token 预算折算为单批记录字节上限（供 Batcher 的 MaxBytes）。
// 固定开销已占满预算时返回 ErrBudgetExceeded。
func BatchBytesBudget(pb contract.PromptBuilder, bytesPerToken int, maxTokens int) (int, error) {
	eff, overhead := EffectiveMaxTokens(pb, bytesPerToken, maxTokens)
	if maxTokens <= 0 {
		return 0, nil
	}
	if eff <= 0 {
		return 0, fmt.Errorf("%w: prompt overhead %d tokens >= max_tokens_per_req %d", contract.ErrBudgetExceeded, overhead, maxTokens)
	}
	if bytesPerToken <= 0 {
		bytesPerToken = 4
	}
	return eff * bytesPerToken, nil
}

// Tokens 估算已构造 Prompt 的 token 数（用于限流申请）；未知形状返回 0。
func Tokens(p contract.Prompt, est contract.TokenEstimator) int {
	switch v := p.(type) {
	case contract.TextPrompt:
		return est(string(v))
	case contract.ChatPrompt:
		n := 0
		for _, m := range v {
			n += est(m.Content)
		}
		return n
	default:
		return 0
	}
}
