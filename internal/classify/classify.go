// Package classify 把 PromptBuilder/Gate/LLMClient/Decoder 组合为单一的分类边界，
// 对外只暴露 Success/Failure 二选一结果。
package classify

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"llmcls/internal/diag"
	"llmcls/internal/prompt"
	"llmcls/internal/rate"
	"llmcls/pkg/contract"
)

// Options 为分类适配器的运行参数。
type Options struct {
	// Timeout: 单次调用超时；0 表示仅受上层 ctx 约束。
	Timeout time.Duration
	// BytesPerToken: token 估算系数（<=0 时为 4）。
	BytesPerToken int
	// MaxRetries: 同一批在 transport/rate_limited 失败后的原地重试次数（0 表示不重试，交给二分）。
	MaxRetries int
	// Backoff: 原地重试间隔（默认 200ms）。
	Backoff time.Duration
	// Reserve: 原地重试前向整次运行的调用预算预占一次；返回 false 时停止重试，
	// 以最近一次失败交还二分。首次调用由上层协调器计数。
	Reserve func() bool
	// Gate/GateKey: 可选限流闸门。
	Gate    rate.Gate
	GateKey rate.LimitKey
}

// Client 实现 contract.Classifier。
type Client struct {
	pb     contract.PromptBuilder
	llm    contract.LLMClient
	dec    contract.Decoder
	opts   Options
	est    contract.TokenEstimator
	logger *diag.Logger
}

// New 构造分类适配器；logger 可为 nil。
func New(pb contract.PromptBuilder, llm contract.LLMClient, dec contract.Decoder, opts Options, logger *diag.Logger) (*Client, error) {
	if pb == nil || llm == nil || dec == nil {
		return nil, fmt.Errorf("%w: classify: prompt builder, llm client and decoder are required", contract.ErrConfiguration)
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 200 * time.Millisecond
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	return &Client{pb: pb, llm: llm, dec: dec, opts: opts, est: prompt.MakeEstimator(opts.BytesPerToken), logger: logger}, nil
}

// Classify 构造提示词、经闸门调用 LLM、解码并校验载荷。
// 任何阶段出错都折叠为 Failure，种类见 KindOf。
func (c *Client) Classify(ctx context.Context, b contract.Batch) contract.Outcome {
	if b.Len() == 0 {
		return contract.Failed(contract.KindRejected, contract.ErrInvalidInput.Error()+": empty batch")
	}
	bid := b.ID()

	p, err := c.pb.Build(ctx, b)
	if err != nil {
		c.stageErr(ctx, "prompt_builder", "build failed", bid, err)
		return c.fail(ctx, err)
	}
	tokens := prompt.Tokens(p, c.est)

	var lastErr error
	for attempt := 0; attempt <= c.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			if c.opts.Reserve != nil && !c.opts.Reserve() {
				c.logger.WarnWith("classifier", string(diag.CodeBudget), "call ceiling reached, retry skipped", bid, nil)
				break
			}
			if err := sleepCtx(ctx, c.opts.Backoff); err != nil {
				return c.fail(ctx, err)
			}
		}
		payload, err := c.attempt(ctx, b, p, tokens, bid, attempt)
		if err == nil {
			return contract.Succeeded(payload)
		}
		lastErr = err
		if !retriable(err) || ctx.Err() != nil {
			break
		}
	}
	return c.fail(ctx, lastErr)
}

func (c *Client) attempt(ctx context.Context, b contract.Batch, p contract.Prompt, tokens int, bid string, attempt int) (contract.Payload, error) {
	if g := c.opts.Gate; g != nil {
		ask := rate.Ask{Key: c.opts.GateKey, Requests: 1, Tokens: tokens}
		// 额度充足时直接放行；否则记录剩余额度后阻塞等待
		if !g.Try(ask) {
			kv := c.gateSnapshot(map[string]string{"tokens": strconv.Itoa(tokens), "attempt": strconv.Itoa(attempt + 1)})
			c.logger.DebugStart("gate", "throttled", "", bid, kv)
			if err := g.Wait(ctx, ask); err != nil {
				c.stageErr(ctx, "gate", "wait failed", bid, err)
				return nil, err
			}
		}
	}

	cctx := ctx
	if c.opts.Timeout > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(ctx, c.opts.Timeout)
		defer cancel()
	}
	tm := c.logger.StartWithKV("llm_client", "invoke", "", bid, map[string]string{
		"records": strconv.Itoa(b.Len()), "tokens": strconv.Itoa(tokens), "attempt": strconv.Itoa(attempt + 1),
	})
	raw, err := c.llm.Invoke(cctx, b, p)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("call timeout after %s: %w", c.opts.Timeout, errTimeout)
		}
		c.stageErr(ctx, "llm_client", "invoke failed", bid, err)
		return nil, err
	}
	tm.Finish("invoke", int64(tokens))
	diag.IncOp("llm_client", "finish", "success")

	dt := c.logger.StartWith("decoder", "decode", "", bid)
	payload, err := c.dec.Decode(ctx, b, raw)
	if err == nil {
		err = contract.ValidatePayload(b, payload)
	}
	if err != nil {
		c.stageErr(ctx, "decoder", "decode failed", bid, err)
		return nil, err
	}
	dt.Finish("decode", int64(payload.Len()))
	diag.IncOp("decoder", "finish", "success")
	return payload, nil
}

// errTimeout 标记单次调用超时（区别于上层取消）。
var errTimeout = errors.New("classify timeout")

func (c *Client) fail(ctx context.Context, err error) contract.Outcome {
	kind := KindOf(err)
	if kind == contract.KindCanceled && ctx.Err() == nil {
		kind = contract.KindTransport
	}
	detail := ""
	if err != nil {
		detail = err.Error()
	}
	return contract.Failed(kind, detail)
}

// stageErr 按组件记录错误事件与指标；上游 HTTP 错误附带状态码与消息片段。
func (c *Client) stageErr(ctx context.Context, comp, msg, bid string, err error) {
	if ctx.Err() != nil {
		// 取消期间不刷错误日志
		return
	}
	code := diag.Classify(err)
	var kv map[string]string
	var ue contract.UpstreamError
	if errors.As(err, &ue) {
		kv = map[string]string{"http_status": strconv.Itoa(ue.UpstreamStatus())}
		if m := strings.TrimSpace(ue.UpstreamMessage()); m != "" {
			if len(m) > 200 {
				m = m[:200]
			}
			kv["upstream_msg"] = m
		}
	} else {
		kv = map[string]string{"err": err.Error()}
	}
	if KindOf(err) == contract.KindRateLimited {
		kv = c.gateSnapshot(kv)
	}
	c.logger.ErrorWithKV(comp, string(code), msg, nil, "", bid, kv)
	diag.IncOp(comp, "error", "error")
	if code != diag.CodeUnknown {
		diag.IncError(comp, string(code))
	}
}

// gateSnapshot 在闸门支持诊断时附加当前剩余额度。
func (c *Client) gateSnapshot(kv map[string]string) map[string]string {
	sn, ok := c.opts.Gate.(rate.Snapshoter)
	if !ok {
		return kv
	}
	rpm, tpm := sn.Snapshot(c.opts.GateKey)
	kv["rpm_avail"] = strconv.Itoa(rpm)
	kv["tpm_avail"] = strconv.Itoa(tpm)
	return kv
}

// KindOf 将错误映射为失败种类（仅依赖哨兵与标准库错误类型）。
func KindOf(err error) contract.FailureKind {
	switch {
	case err == nil:
		return contract.KindTransport
	case errors.Is(err, errTimeout):
		return contract.KindTransport
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return contract.KindCanceled
	case errors.Is(err, contract.ErrBudgetExceeded):
		return contract.KindBudget
	case errors.Is(err, contract.ErrRateLimited):
		return contract.KindRateLimited
	case errors.Is(err, contract.ErrIndexInvalid):
		return contract.KindInvalidIndex
	case errors.Is(err, contract.ErrIncomplete):
		return contract.KindIncomplete
	case errors.Is(err, contract.ErrResponseInvalid):
		return contract.KindMalformed
	case errors.Is(err, contract.ErrInvalidInput):
		return contract.KindRejected
	}
	var ue contract.UpstreamError
	if errors.As(err, &ue) {
		switch s := ue.UpstreamStatus(); {
		case s == 429:
			return contract.KindRateLimited
		case s >= 400 && s < 500:
			return contract.KindRejected
		}
	}
	return contract.KindTransport
}

// retriable: 仅瞬时错误值得原地重试；其余交给二分。
func retriable(err error) bool {
	switch KindOf(err) {
	case contract.KindTransport, contract.KindRateLimited:
		return true
	default:
		return false
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

var _ contract.Classifier = (*Client)(nil)
