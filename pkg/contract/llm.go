package contract

import (
	"context"
	"errors"
)

// Raw: LLM 客户端返回的原始文本载荷。
// 约束：原样返回，不做清洗/截断/归一化。
type Raw struct {
	Text string
}

// LLMClient: 以 Batch+Prompt 为单位与大模型交互，返回原始文本 Raw。
// 单次调用、同步返回；应尊重 ctx 取消/超时并及时释放资源。
type LLMClient interface {
	Invoke(ctx context.Context, b Batch, p Prompt) (Raw, error)
}

// 传输层最小错误分类（用于失败种类判定）。
var (
	ErrRateLimited     = errors.New("rate limited")
	ErrResponseInvalid = errors.New("response invalid")
	ErrInvalidInput    = errors.New("invalid input")
)

// Decoder: 将 Raw 解码为有序 Payload；字段名/容错策略由具体实现自决。
// 结构校验（Index 归属、完整性）由 ValidatePayload 统一完成，解码器可提前失败。
type Decoder interface {
	Decode(ctx context.Context, b Batch, raw Raw) (Payload, error)
}
