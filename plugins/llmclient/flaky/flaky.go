package flaky

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"llmcls/pkg/contract"
	"llmcls/plugins/llmclient/mock"
)

// Options 定义确定性的失败脚本；未命中脚本的调用交给 mock 响应器。
type Options struct {
	// Mock: 成功响应使用的 mock 选项。
	Mock mock.Options `json:"mock"`
	// FailFirst: 前 N 次调用失败。
	FailFirst int `json:"fail_first"`
	// FailAbove: 记录数大于 N 的批失败（0 关闭）。
	FailAbove int `json:"fail_above"`
	// FailIndices: 含这些 Index 的批失败。
	FailIndices []int64 `json:"fail_indices"`
	// Kind: 失败形态：transport|server|rate_limited|rejected|malformed|incomplete|foreign，默认 transport。
	Kind string `json:"kind"`
	// LogPath: 调试用日志文件，记录每次调用结果（可选）。
	LogPath string `json:"log_path,omitempty"`
}

var kinds = map[string]bool{
	"transport": true, "server": true, "rate_limited": true, "rejected": true,
	"malformed": true, "incomplete": true, "foreign": true,
}

// Client 是按脚本失败的 LLMClient，用于重试/二分的端到端测试。
type Client struct {
	resp   *mock.Responder
	first  int64
	above  int
	poison map[contract.Index]bool
	kind   string
	count  atomic.Int64
	fails  atomic.Int64

	logPath string
	logMu   sync.Mutex
}

// New 构造 Client。
func New(raw json.RawMessage) (contract.LLMClient, error) {
	var o Options
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &o); err != nil {
			return nil, fmt.Errorf("flaky options: %w", err)
		}
	}
	return NewWithOptions(o)
}

// NewWithOptions 以结构化选项构造（测试友好）。
func NewWithOptions(o Options) (*Client, error) {
	if o.Kind == "" {
		o.Kind = "transport"
	}
	if !kinds[o.Kind] {
		return nil, fmt.Errorf("flaky: %w: unknown kind %q", contract.ErrInvalidInput, o.Kind)
	}
	if o.FailFirst < 0 || o.FailAbove < 0 {
		return nil, fmt.Errorf("flaky: %w: negative fail_first/fail_above", contract.ErrInvalidInput)
	}
	c := &Client{resp: mock.NewResponder(o.Mock), first: int64(o.FailFirst), above: o.FailAbove, kind: o.Kind, logPath: o.LogPath}
	if len(o.FailIndices) > 0 {
		c.poison = make(map[contract.Index]bool, len(o.FailIndices))
		for _, i := range o.FailIndices {
			c.poison[contract.Index(i)] = true
		}
	}
	return c, nil
}

// Calls 返回累计调用次数；Failures 返回其中按脚本失败的次数。
func (c *Client) Calls() int64    { return c.count.Load() }
func (c *Client) Failures() int64 { return c.fails.Load() }

// Invoke 实现 contract.LLMClient。
func (c *Client) Invoke(ctx context.Context, b contract.Batch, p contract.Prompt) (contract.Raw, error) {
	n := c.count.Add(1)
	if err := ctx.Err(); err != nil {
		return contract.Raw{}, err
	}
	if len(b.Records) == 0 {
		return contract.Raw{}, fmt.Errorf("flaky: %w: empty batch", contract.ErrInvalidInput)
	}
	if reason := c.match(n, b); reason != "" {
		c.fails.Add(1)
		c.log(fmt.Sprintf("call=%d batch=%d-%d fail=%s reason=%s", n, b.First(), b.Last(), c.kind, reason))
		return c.fail(b)
	}
	c.log(fmt.Sprintf("call=%d batch=%d-%d ok", n, b.First(), b.Last()))
	s, err := c.resp.Respond(b)
	if err != nil {
		return contract.Raw{}, err
	}
	return contract.Raw{Text: s}, nil
}

func (c *Client) match(n int64, b contract.Batch) string {
	if n <= c.first {
		return "first"
	}
	if c.above > 0 && len(b.Records) > c.above {
		return "size"
	}
	for _, r := range b.Records {
		if c.poison[r.Index] {
			return fmt.Sprintf("index %d", r.Index)
		}
	}
	return ""
}

// upstreamError 模拟上游 5xx。
type upstreamError struct{ status int }

func (e upstreamError) Error() string           { return fmt.Sprintf("flaky upstream %d", e.status) }
func (e upstreamError) Timeout() bool           { return false }
func (e upstreamError) Temporary() bool         { return true }
func (e upstreamError) UpstreamStatus() int     { return e.status }
func (e upstreamError) UpstreamMessage() string { return "service unavailable" }

func (c *Client) fail(b contract.Batch) (contract.Raw, error) {
	switch c.kind {
	case "server":
		return contract.Raw{}, upstreamError{status: 503}
	case "rate_limited":
		return contract.Raw{}, contract.ErrRateLimited
	case "rejected":
		return contract.Raw{}, fmt.Errorf("flaky upstream 400: %w", contract.ErrInvalidInput)
	case "malformed":
		return contract.Raw{Text: "I'm sorry, I cannot produce JSON for this."}, nil
	case "incomplete":
		// 丢掉最后一条记录
		order, groups := c.resp.Items(b)
		last := b.Records[len(b.Records)-1].Index
		for _, k := range order {
			items := groups[k][:0]
			for _, it := range groups[k] {
				if it["index"] != int64(last) {
					items = append(items, it)
				}
			}
			groups[k] = items
		}
		s, err := c.resp.Render(order, groups)
		return contract.Raw{Text: s}, err
	case "foreign":
		// 追加一条批外 Index
		order, groups := c.resp.Items(b)
		k := order[0]
		groups[k] = append(groups[k], map[string]any{"index": int64(b.Last()) + 1000, "categories": map[string]int{}})
		s, err := c.resp.Render(order, groups)
		return contract.Raw{Text: s}, err
	default:
		return contract.Raw{}, errors.New("flaky: connection reset by peer")
	}
}

func (c *Client) log(s string) {
	if c.logPath == "" {
		return
	}
	c.logMu.Lock()
	defer c.logMu.Unlock()
	f, err := os.OpenFile(c.logPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	_, _ = f.WriteString(strings.TrimRight(s, "\n") + "\n")
}

var _ contract.LLMClient = (*Client)(nil)
