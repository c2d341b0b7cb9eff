package gemini

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

// Options: Google Generative Language API (Gemini)。
type Options struct {
	BaseURL        string   `json:"base_url"`    // https://generativelanguage.googleapis.com
	Model          string   `json:"model"`       // 默认 gemini-2.5-flash
	APIKeyEnv      string   `json:"api_key_env"` // 默认 GOOGLE_API_KEY
	APIKey         string   `json:"api_key"`
	TimeoutSeconds int      `json:"timeout_seconds,omitempty"`
	Temperature    *float64 `json:"temperature,omitempty"`
	// 第三方兼容
	EndpointPath  string            `json:"endpoint_path"`    // 默认 /v1beta/models/{model}:generateContent
	APIKeyInQuery *bool             `json:"api_key_in_query"` // 默认 true；false 时使用 x-goog-api-key 头
	ExtraHeaders  map[string]string `json:"extra_headers"`
	ExtraQuery    map[string]string `json:"extra_query"`
	// ResponseMIMEType: 设置后无论 Prompt 是否携带 schema 都开启该输出模式；
	// 为空且携带 schema 时使用 application/json。
	ResponseMIMEType string `json:"response_mime_type,omitempty"`
	// SystemAsUser: 将 system 消息并入 contents（旧模型不支持 systemInstruction）。
	SystemAsUser bool `json:"system_as_user,omitempty"`
}

func (o *Options) defaults() {
	if o.BaseURL == "" {
		o.BaseURL = "https://generativelanguage.googleapis.com"
	}
	if o.Model == "" {
		o.Model = "gemini-2.5-flash"
	}
	if o.APIKeyEnv == "" {
		o.APIKeyEnv = "GOOGLE_API_KEY"
	}
	if o.EndpointPath == "" {
		o.EndpointPath = "/v1beta/models/{model}:generateContent"
	}
	if o.APIKeyInQuery == nil {
		t := true
		o.APIKeyInQuery = &t
	}
	if o.TimeoutSeconds <= 0 {
		o.TimeoutSeconds = 60
	}
}

type Client struct {
	url          string
	apiKey       string
	inQuery      bool
	temp         *float64
	respMIME     string
	systemAsUser bool
	extraH       map[string]string
	extraQ       map[string]string
	do           func(*http.Request) (*http.Response, error)
}

func New(raw json.RawMessage) (contract.LLMClient, error) {
	var opts Options
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &opts); err != nil {
			return nil, fmt.Errorf("gemini options: %w", err)
		}
	}
	opts.defaults()
	key := opts.APIKey
	if key == "" && opts.APIKeyEnv != "" {
		key = os.Getenv(opts.APIKeyEnv)
	}
	if key == "" {
		return nil, fmt.Errorf("gemini: %w: missing api key", contract.ErrInvalidInput)
	}
	path := strings.ReplaceAll(opts.EndpointPath, "{model}", url.PathEscape(opts.Model))
	if !(strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://")) {
		path = strings.TrimRight(opts.BaseURL, "/") + "/" + strings.TrimLeft(path, "/")
	}
	if _, err := url.Parse(path); err != nil {
		return nil, fmt.Errorf("gemini: %w: invalid url: %v", contract.ErrInvalidInput, err)
	}
	hc := &http.Client{Timeout: time.Duration(opts.TimeoutSeconds) * time.Second}
	return &Client{
		url: path, apiKey: key, inQuery: *opts.APIKeyInQuery, temp: opts.Temperature,
		respMIME: opts.ResponseMIMEType, systemAsUser: opts.SystemAsUser,
		extraH: opts.ExtraHeaders, extraQ: opts.ExtraQuery, do: hc.Do,
	}, nil
}

type gmPart struct {
	Text string `json:"text"`
}

type gmContent struct {
	Role  string   `json:"role,omitempty"`
	Parts []gmPart `json:"parts"`
}

type gmGenerationConfig struct {
	Temperature      *float64        `json:"temperature,omitempty"`
	ResponseMIMEType string          `json:"response_mime_type,omitempty"`
	ResponseSchema   json.RawMessage `json:"response_schema,omitempty"`
}

type gmReq struct {
	SystemInstruction *gmContent          `json:"systemInstruction,omitempty"`
	Contents          []gmContent         `json:"contents"`
	GenerationConfig  *gmGenerationConfig `json:"generationConfig,omitempty"`
}

type gmResp struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	PromptFeedback *struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback"`
}

// upstreamError: 非 2xx 响应。429 解包为 ErrRateLimited，其余 4xx 解包为 ErrInvalidInput。
type upstreamError struct {
	status int
	msg    string
}

func (e upstreamError) Error() string           { return fmt.Sprintf("gemini upstream %d: %s", e.status, e.msg) }
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

// splitSchema 取出 role=="json_schema" 的消息；无法解析为 JSON 时视作无 schema。
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
	var req gmReq
	switch v := pp.(type) {
	case contract.TextPrompt:
		req.Contents = []gmContent{{Role: "user", Parts: []gmPart{{Text: string(v)}}}}
	case contract.ChatPrompt:
		req.Contents = make([]gmContent, 0, len(v))
		var sys []gmPart
		for _, m := range v {
			role := strings.ToLower(strings.TrimSpace(m.Role))
			if role == "system" && !c.systemAsUser {
				sys = append(sys, gmPart{Text: m.Content})
				continue
			}
			req.Contents = append(req.Contents, gmContent{Role: normalizeRole(role), Parts: []gmPart{{Text: m.Content}}})
		}
		if len(sys) > 0 {
			req.SystemInstruction = &gmContent{Parts: sys}
		}
	default:
		return nil, fmt.Errorf("gemini: %w: unsupported prompt %T", contract.ErrInvalidInput, p)
	}
	if len(req.Contents) == 0 {
		return nil, fmt.Errorf("gemini: %w: prompt has no user content", contract.ErrInvalidInput)
	}
	gc := gmGenerationConfig{Temperature: c.temp, ResponseMIMEType: c.respMIME}
	if len(schema) > 0 {
		gc.ResponseSchema = schema
		if gc.ResponseMIMEType == "" {
			gc.ResponseMIMEType = "application/json"
		}
	}
	if gc.Temperature != nil || gc.ResponseMIMEType != "" {
		req.GenerationConfig = &gc
	}
	return json.Marshal(&req)
}

// normalizeRole: Gemini 只接受 user|model。
func normalizeRole(r string) string {
	switch r {
	case "model", "assistant":
		return "model"
	default:
		return "user"
	}
}

func (c *Client) Invoke(ctx context.Context, b contract.Batch, p contract.Prompt) (contract.Raw, error) {
	body, err := c.encode(p)
	if err != nil {
		return contract.Raw{}, err
	}
	u, _ := url.Parse(c.url)
	q := u.Query()
	if c.inQuery {
		q.Set("key", c.apiKey)
	}
	for k, v := range c.extraQ {
		if k != "" {
			q.Set(k, v)
		}
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return contract.Raw{}, fmt.Errorf("new request: %v: %w", err, contract.ErrInvalidInput)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if !c.inQuery {
		req.Header.Set("x-goog-api-key", c.apiKey)
	}
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
	var gr gmResp
	if err := json.NewDecoder(resp.Body).Decode(&gr); err != nil {
		if ctx.Err() != nil {
			return contract.Raw{}, ctx.Err()
		}
		return contract.Raw{}, fmt.Errorf("decode: %w", contract.ErrResponseInvalid)
	}
	if gr.PromptFeedback != nil && gr.PromptFeedback.BlockReason != "" {
		return contract.Raw{}, fmt.Errorf("gemini: blocked (%s): %w", gr.PromptFeedback.BlockReason, contract.ErrInvalidInput)
	}
	if len(gr.Candidates) == 0 {
		return contract.Raw{}, fmt.Errorf("no candidates: %w", contract.ErrResponseInvalid)
	}
	var sb strings.Builder
	for _, part := range gr.Candidates[0].Content.Parts {
		sb.WriteString(part.Text)
	}
	if sb.Len() == 0 {
		return contract.Raw{}, fmt.Errorf("empty candidate: %w", contract.ErrResponseInvalid)
	}
	if gr.Candidates[0].FinishReason == "MAX_TOKENS" {
		return contract.Raw{}, fmt.Errorf("truncated (MAX_TOKENS): %w", contract.ErrResponseInvalid)
	}
	return contract.Raw{Text: sb.String()}, nil
}

var (
	_ contract.LLMClient     = (*Client)(nil)
	_ contract.UpstreamError = upstreamError{}
)
