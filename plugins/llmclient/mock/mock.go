package mock

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"llmcls/pkg/contract"
)

// Options: 无网络联调用的本地分类器配置。
type Options struct {
	// APIKey: 仅用于限流分组（调试用），默认使用内置常量，不参与任何网络请求。
	APIKey string `json:"api_key"`
	// GroupField / CommentField: 分组列与评论列，默认 Avd / Kommentar。
	GroupField   string `json:"group_field"`
	CommentField string `json:"comment_field"`
	// WrapperKey: 响应顶层键，默认 departments。
	WrapperKey string `json:"wrapper_key"`
	// EchoFields: 原样回显的列，默认 ["Dato","★"]。
	EchoFields []string `json:"echo_fields"`
	// Rules: 类别 → 关键词（小写子串匹配）；为空使用内置规则。
	Rules map[string][]string `json:"rules"`
	// EmptyCategory: 评论为空（或等于 EmptyText）时命中的类别。
	EmptyCategory string `json:"empty_category"`
	EmptyText     string `json:"empty_text"`
	// DelayMS: 每次调用的模拟延迟（尊重 ctx）。
	DelayMS int `json:"delay_ms"`
	// ResponseMode: "classify"（默认）或 "echo"（回显 Prompt 摘要，用于查看提示词）。
	ResponseMode string `json:"response_mode,omitempty"`
}

// DefaultRules 内置关键词规则。
var DefaultRules = map[string][]string{
	"Positiv tilbakemelding":         {"bra", "flott", "god", "hyggelig", "anbefal", "fornøyd"},
	"Dyre produkter":                 {"dyr", "pris", "kostbar"},
	"Dårlige produkter":              {"dårlig kvalitet", "ødelagt", "gammel", "råtten"},
	"Dårlig kundeservice/opplevelse": {"frekk", "uhøflig", "kundeservice", "sur"},
	"Lang kø/ventetid":               {"kø", "vente", "ventetid", "treg"},
	"Dårlig renhold":                 {"skitten", "renhold", "møkkete"},
	"Ingen kommentar":                {},
}

// Responder 以关键词规则为记录产生确定性的分组分类响应。
type Responder struct {
	group   string
	comment string
	wrap    string
	echo    []string
	rules   map[string][]string
	cats    []string
	empty   string
	emptyT  string
}

// NewResponder 以默认值补全选项。
func NewResponder(o Options) *Responder {
	r := &Responder{group: o.GroupField, comment: o.CommentField, wrap: o.WrapperKey, echo: o.EchoFields,
		rules: o.Rules, empty: o.EmptyCategory, emptyT: o.EmptyText}
	if r.group == "" {
		r.group = "Avd"
	}
	if r.comment == "" {
		r.comment = "Kommentar"
	}
	if r.wrap == "" {
		r.wrap = "departments"
	}
	if r.echo == nil {
		r.echo = []string{"Dato", "★"}
	}
	if len(r.rules) == 0 {
		r.rules = DefaultRules
		if r.empty == "" {
			r.empty = "Ingen kommentar"
		}
		if r.emptyT == "" {
			r.emptyT = "Ingen kommentar"
		}
	}
	for c := range r.rules {
		r.cats = append(r.cats, c)
	}
	sort.Strings(r.cats)
	return r
}

// Classify 对单条记录给出类别标记。
func (r *Responder) Classify(rec contract.Record) map[string]int {
	text := strings.ToLower(strings.TrimSpace(rec.Fields[r.comment]))
	out := make(map[string]int, len(r.cats))
	for _, c := range r.cats {
		out[c] = 0
	}
	if text == "" || (r.emptyT != "" && text == strings.ToLower(r.emptyT)) {
		if r.empty != "" {
			out[r.empty] = 1
		}
		return out
	}
	for c, kws := range r.rules {
		for _, kw := range kws {
			if kw != "" && strings.Contains(text, strings.ToLower(kw)) {
				out[c] = 1
				break
			}
		}
	}
	return out
}

// Items 把批内记录按分组列归组（分组按首次出现顺序），返回可直接序列化的分组列表。
func (r *Responder) Items(b contract.Batch) ([]string, map[string][]map[string]any) {
	var order []string
	groups := map[string][]map[string]any{}
	for _, rec := range b.Records {
		key := strings.TrimSpace(rec.Fields[r.group])
		if key == "" {
			key = "Ukjent"
		}
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		it := map[string]any{"index": int64(rec.Index), "categories": r.Classify(rec)}
		for _, f := range r.echo {
			if v, ok := rec.Fields[f]; ok {
				it[f] = v
			}
		}
		groups[key] = append(groups[key], it)
	}
	return order, groups
}

// Render 序列化为 {"<wrapper>": {"<group>": [...]}}，分组顺序保持 order。
func (r *Responder) Render(order []string, groups map[string][]map[string]any) (string, error) {
	var buf bytes.Buffer
	wk, _ := json.Marshal(r.wrap)
	buf.WriteByte('{')
	buf.Write(wk)
	buf.WriteString(":{")
	for i, k := range order {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, _ := json.Marshal(k)
		vb, err := json.Marshal(groups[k])
		if err != nil {
			return "", err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		buf.Write(vb)
	}
	buf.WriteString("}}")
	return buf.String(), nil
}

// Respond 生成整批的响应文本。
func (r *Responder) Respond(b contract.Batch) (string, error) {
	order, groups := r.Items(b)
	return r.Render(order, groups)
}

// Client 是本地确定性 LLMClient。
type Client struct {
	resp  *Responder
	mode  string
	delay time.Duration
}

// New 从原样 JSON 选项构造客户端。
func New(raw json.RawMessage) (contract.LLMClient, error) {
	var o Options
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &o); err != nil {
			return nil, fmt.Errorf("mock options: %w", err)
		}
	}
	mode := strings.TrimSpace(o.ResponseMode)
	if mode == "" {
		mode = "classify"
	}
	if mode != "classify" && mode != "echo" {
		return nil, fmt.Errorf("mock: %w: unknown response_mode %q", contract.ErrInvalidInput, mode)
	}
	return &Client{resp: NewResponder(o), mode: mode, delay: time.Duration(o.DelayMS) * time.Millisecond}, nil
}

// Invoke 实现 contract.LLMClient。
func (c *Client) Invoke(ctx context.Context, b contract.Batch, p contract.Prompt) (contract.Raw, error) {
	if c.delay > 0 {
		t := time.NewTimer(c.delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return contract.Raw{}, ctx.Err()
		case <-t.C:
		}
	}
	if err := ctx.Err(); err != nil {
		return contract.Raw{}, err
	}
	if len(b.Records) == 0 {
		return contract.Raw{}, fmt.Errorf("mock: %w: empty batch", contract.ErrInvalidInput)
	}
	if c.mode == "echo" {
		return contract.Raw{Text: echo(p)}, nil
	}
	s, err := c.resp.Respond(b)
	if err != nil {
		return contract.Raw{}, err
	}
	return contract.Raw{Text: s}, nil
}

// echo 回显 Prompt 摘要。
func echo(p contract.Prompt) string {
	switch v := p.(type) {
	case contract.TextPrompt:
		return "MOCK(text): " + string(v)
	case contract.ChatPrompt:
		if len(v) == 0 {
			return "MOCK(chat): <empty>"
		}
		last := v[len(v)-1]
		return fmt.Sprintf("MOCK(chat:%s): %s", last.Role, last.Content)
	default:
		return "MOCK(unknown prompt type)"
	}
}

var _ contract.LLMClient = (*Client)(nil)
