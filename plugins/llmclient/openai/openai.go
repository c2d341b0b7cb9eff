package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"llmcls/pkg/contract"
)

// Options: OpenAI Chat Completions（及 Azure OpenAI 等兼容服务）配置。
type Options struct {
	BaseURL        string   `json:"base_url"`        // 例如 https://api.openai.com/v1 或 https://<res>.openai.azure.com
	Model          string   `json:"model"`           // Azure 下为 deployment 名
	APIKeyEnv      string   `json:"api_key_env"`     // 优先从环境变量读取
	APIKey         string   `json:"api_key"`         // 明文传入（不推荐，按需用于测试）
	TimeoutSeconds int      `json:"timeout_seconds"` // 可选 client 级超时（秒）
	Temperature    *float64 `json:"temperature,omitempty"`
	MaxTokens      int      `json:"max_tokens,omitempty"`
	// ResponseFormat: ""（Prompt 携带 schema 时用 json_schema，否则不设置）| json_object | json_schema | text。
	ResponseFormat string `json:"response_format,omitempty"`
	// EndpointPath 覆盖默认 /chat/completions；可为完整 URL，支持 {model} 占位
	// （Azure: /openai/deployments/{model}/chat/completions）。
	EndpointPath string `json:"endpoint_path"`
	// APIVersion: 非空时追加 ?api-version=...（Azure）。
	APIVersion string `json:"api_version,omitempty"`
	// AuthHeader: 鉴权头名；默认 Authorization（Bearer），Azure 用 api-key（原样 key）。
	AuthHeader         string            `json:"auth_header,omitempty"`
	DisableDefaultAuth bool              `json:"disable_default_auth"`
	ExtraHeaders       map[string]string `json:"extra_headers"`
}

func (o *Options) defaults() {
	if o.BaseURL == "" {
		o.BaseURL = "https://api.openai.com/v1"
	}
	if o.Model == "" {
		o.Model = "gpt-4o-mini"
	}
	if o.APIKeyEnv == "" {
		o.APIKeyEnv = "OPENAI_API_KEY"
	}
	if o.EndpointPath == "" {
		o.EndpointPath = "/chat/completions"
	}
	if o.AuthHeader == "" {
		o.AuthHeader = "Authorization"
	}
	if o.TimeoutSeconds <= 0 {
		o.TimeoutSeconds = 60
	}
}

type Client struct {
	url         string
	apiKey      string
	authHeader  string
	disableAuth bool
	model       string
	temp        *float64
	maxTokens   int
	format      string
	extraH      map[string]string
	do          func(*http.Request) (*http.Response, error)
}

// New 从原样 JSON 选项构造客户端。
func New(raw json.RawMessage) (contract.LLMClient, error) {
	var opts Options
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &opts); err != nil {
			return nil, fmt.Errorf("openai options: %w", err)
		}
	}
	opts.defaults()
	switch opts.ResponseFormat {
	case "", "json_object", "json_schema", "text":
	default:
		return nil, fmt.Errorf("openai: %w: unknown response_format %q", contract.ErrInvalidInput, opts.ResponseFormat)
	}
	key := opts.APIKey
	if key == "" && opts.APIKeyEnv != "" {
		key = os.Getenv(opts.APIKeyEnv)
	}
	if key == "" && !opts.DisableDefaultAuth {
		return nil, fmt.Errorf("openai: %w: missing api key", contract.ErrInvalidInput)
	}
	full := strings.ReplaceAll(opts.EndpointPath, "{model}", url.PathEscape(opts.Model))
	if !(strings.HasPrefix(full, "http://") || strings.HasPrefix(full, "https://")) {
		full = strings.TrimRight(opts.BaseURL, "/") + "/" + strings.TrimLeft(full, "/")
	}
	if opts.APIVersion != "" {
		u, err := url.Parse(full)
		if err != nil {
			return nil, fmt.Errorf("openai: %w: invalid url: %v", contract.ErrInvalidInput, err)
		}
		q := u.Query()
		q.Set("api-version", opts.APIVersion)
		u.RawQuery = q.Encode()
		full = u.String()
	}
	hc := &http.Client{Timeout: time.Duration(opts.TimeoutSeconds) * time.Second}
	return &Client{
		url: full, apiKey: key, authHeader: opts.AuthHeader, disableAuth: opts.DisableDefaultAuth,
		model: opts.Model, temp: opts.Temperature, maxTokens: opts.MaxTokens, format: opts.ResponseFormat,
		extraH: opts.ExtraHeaders, do: hc.Do,
	}, nil
}

type oaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type oaReq struct {
	Model          string            `json:"model"`
	Messages       []oaMessage       `json:"messages"`
	Temperature    *float64          `json:"temperature,omitempty"`
	MaxTokens      int               `json:"max_tokens,omitempty"`
	ResponseFormat *oaResponseFormat `json:"response_format,omitempty"`
}

type oaResp struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

type oaResponseFormat struct {
	Type       string        `json:"type"`
	JSONSchema *oaJSONSchema `json:"json_schema,omitempty"`
}

type oaJSONSchema struct {
	Name   string          `json:"name"`
	Schema json.RawMessage `json:"schema"`
	Strict bool            `json:"strict,omitempty"`
}

// upstreamError 承载非 2xx 响应；实现 net.Error 与 contract.UpstreamError。
// 429 解包为 ErrRateLimited，其余 4xx 解包为 ErrInvalidInput。
type upstreamError struct {
	status int
	msg    string
}

func (e upstreamError) Error() string           { return fmt.Sprintf("openai upstream %d: %s", e.status, e.msg) }
func (e upstreamError) Timeout() bool           { return e.status == http.StatusRequestTimeout }
func (e upstreamError) Temporary() bool         { return e.status/100 == 5 || e.status == http.StatusTooManyRequests }
func (e upstreamError) UpstreamStatus() int     { return e.status }
func (e upstreamError) UpstreamMessage() string { return e.msg }
func (e upstreamError) Unwrap() error {
	switch {
	case e.status == http.StatusTooManyRequests:
		return contract.ErrRateLimited
	case e.status == http.StatusRequestTimeout:
		return nil
	case e.status/100 == 4:
		return contract.ErrInvalidInput
	}
	return nil
}

// splitSchema 取出 role=="json_schema" 的消息（若可解析为 JSON），其余消息原样保留。
func splitSchema(p contract.Prompt) (contract.Prompt, json.RawMessage) {
	cp, ok := p.(contract.ChatPrompt)
	if !ok {
		return p, nil
	}
	out := make(contract.ChatPrompt, 0, len(cp))
	var schema json.RawMessage
	for _, m := range cp {
		if strings.EqualFold(strings.TrimSpace(m.Role), "json_schema") {
			var raw json.RawMessage
			if json.Unmarshal([]byte(m.Content), &raw) == nil && len(raw) > 0 {
				schema = raw
			}
			continue
		}
		out = append(out, m)
	}
	return out, schema
}

func (c *Client) encode(p contract.Prompt) ([]byte, error) {
	pp, schema := splitSchema(p)
	req := oaReq{Model: c.model, Temperature: c.temp, MaxTokens: c.maxTokens}
	switch v := pp.(type) {
	case contract.TextPrompt:
		req.Messages = []oaMessage{{Role: "user", Content: string(v)}}
	case contract.ChatPrompt:
		req.Messages = make([]oaMessage, 0, len(v))
		for _, m := range v {
			req.Messages = append(req.Messages, oaMessage{Role: m.Role, Content: m.Content})
		}
	default:
		return nil, fmt.Errorf("openai: %w: unsupported prompt %T", contract.ErrInvalidInput, p)
	}
	switch {
	case c.format == "json_object":
		req.ResponseFormat = &oaResponseFormat{Type: "json_object"}
	case c.format == "text":
	case len(schema) > 0:
		req.ResponseFormat = &oaResponseFormat{Type: "json_schema", JSONSchema: &oaJSONSchema{Name: "classification", Schema: schema, Strict: true}}
	case c.format == "json_schema":
		return nil, fmt.Errorf("openai: %w: json_schema requested but prompt carries no schema", contract.ErrInvalidInput)
	}
	return json.Marshal(&req)
}

// Invoke: 单次调用，同步返回。
func (c *Client) Invoke(ctx context.Context, b contract.Batch, p contract.Prompt) (contract.Raw, error) {
	body, err := c.encode(p)
	if err != nil {
		return contract.Raw{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return contract.Raw{}, fmt.Errorf("new request: %v: %w", err, contract.ErrInvalidInput)
	}
	if !c.disableAuth {
		if strings.EqualFold(c.authHeader, "Authorization") {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		} else {
			req.Header.Set(c.authHeader, c.apiKey)
		}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range c.extraH {
		if k != "" {
			req.Header.Set(k, v)
		}
	}

	resp, err := c.do(req)
	if err != nil {
		if ctx.Err() != nil {
			return contract.Raw{}, ctx.Err()
		}
		return contract.Raw{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		slurp, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return contract.Raw{}, upstreamError{status: resp.StatusCode, msg: strings.TrimSpace(string(slurp))}
	}
	var or oaResp
	if err := json.NewDecoder(resp.Body).Decode(&or); err != nil {
		if ctx.Err() != nil {
			return contract.Raw{}, ctx.Err()
		}
		return contract.Raw{}, fmt.Errorf("decode: %w", contract.ErrResponseInvalid)
	}
	if len(or.Choices) == 0 || or.Choices[0].Message.Content == "" {
		return contract.Raw{}, fmt.Errorf("empty choices: %w", contract.ErrResponseInvalid)
	}
	if or.Choices[0].FinishReason == "length" {
		return contract.Raw{}, fmt.Errorf("truncated (finish_reason=length): %w", contract.ErrResponseInvalid)
	}
	return contract.Raw{Text: or.Choices[0].Message.Content}, nil
}

var (
	_ contract.LLMClient     = (*Client)(nil)
	_ contract.UpstreamError = upstreamError{}
	_ error                  = upstreamError{}
)
