package feedback

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"text/template"

	"llmcls/pkg/contract"
)

// Options 为“客户反馈分类（批处理 + Chat）” PromptBuilder 的配置。
// - InlineSystemTemplate / SystemTemplatePath: system 提示模板（二选一，均为空时使用内置默认模板）；
// - Categories: 类别清单（顺序即输出顺序）；
// - GroupField: 分组字段（例如门店/部门列 Avd）；WrapperKey: 响应顶层键；
// - EchoFields: 要求模型原样回显的属性；OmitFields: 不发送给模型的列。
type Options struct {
	InlineSystemTemplate string   `json:"inline_system_template"`
	SystemTemplatePath   string   `json:"system_template_path"`
	Categories           []string `json:"categories"`
	GroupField           string   `json:"group_field"`
	WrapperKey           string   `json:"wrapper_key"`
	EchoFields           []string `json:"echo_fields"`
	OmitFields           []string `json:"omit_fields"`
	// 附加说明（可选）：与模板一样的二选一优先级；若提供则以 <guidance> 包裹拼接进 system 尾部。
	InlineGuidance string `json:"inline_guidance"`
	GuidancePath   string `json:"guidance_path"`
}

// DefaultCategories 内置类别清单。
var DefaultCategories = []string{
	"Positiv tilbakemelding",
	"Dyre produkter",
	"Dårlige produkter",
	"Dårlig kundeservice/opplevelse",
	"Lang kø/ventetid",
	"Dårlig renhold",
	"Ingen kommentar",
}

// Builder: 以 Batch 构造 ChatPrompt（system+user）。
// 运行期不做 I/O；模板在构造期解析并渲染。
type Builder struct {
	sys   string
	cats  []string
	group string
	wrap  string
	echo  []string
	omit  map[string]bool
}

// New 创建反馈分类 PromptBuilder。
func New(opts *Options) (*Builder, error) {
	o := Options{}
	if opts != nil {
		o = *opts
	}
	if len(o.Categories) == 0 {
		o.Categories = DefaultCategories
	}
	if o.GroupField == "" {
		o.GroupField = "Avd"
	}
	if o.WrapperKey == "" {
		o.WrapperKey = "departments"
	}
	if o.EchoFields == nil {
		o.EchoFields = []string{"Dato", "★"}
	}
	seen := map[string]bool{}
	for _, c := range o.Categories {
		if strings.TrimSpace(c) == "" {
			return nil, fmt.Errorf("prompt: %w: empty category name", contract.ErrInvalidInput)
		}
		if seen[c] {
			return nil, fmt.Errorf("prompt: %w: duplicate category %q", contract.ErrInvalidInput, c)
		}
		seen[c] = true
	}

	src := defaultSystemTemplate
	if o.InlineSystemTemplate != "" {
		src = o.InlineSystemTemplate
	} else if o.SystemTemplatePath != "" {
		b, err := os.ReadFile(o.SystemTemplatePath)
		if err != nil {
			return nil, fmt.Errorf("system template read: %w", err)
		}
		src = string(b)
	}
	tpl, err := template.New("system").Parse(src)
	if err != nil {
		return nil, fmt.Errorf("system template parse: %w", err)
	}
	var sysBuf bytes.Buffer
	if err := tpl.Execute(&sysBuf, tplData{Categories: o.Categories, GroupField: o.GroupField}); err != nil {
		return nil, fmt.Errorf("system template render: %w", err)
	}
	sys := sysBuf.String()

	guide := o.InlineGuidance
	if guide == "" && o.GuidancePath != "" {
		b, err := os.ReadFile(o.GuidancePath)
		if err != nil {
			return nil, fmt.Errorf("guidance read: %w", err)
		}
		guide = string(b)
	}
	if guide != "" {
		var sb strings.Builder
		sb.Grow(len(sys) + len(guide) + 32)
		sb.WriteString(sys)
		sb.WriteString("\n\n<guidance>\n")
		sb.WriteString(guide)
		if !strings.HasSuffix(guide, "\n") {
			sb.WriteByte('\n')
		}
		sb.WriteString("</guidance>")
		sys = sb.String()
	}

	omit := make(map[string]bool, len(o.OmitFields))
	for _, f := range o.OmitFields {
		omit[f] = true
	}
	return &Builder{
		sys: sys, cats: append([]string(nil), o.Categories...), group: o.GroupField,
		wrap: o.WrapperKey, echo: append([]string(nil), o.EchoFields...), omit: omit,
	}, nil
}

type tplData struct {
	Categories []string
	GroupField string
}

// Build: 基于 Batch 构造 ChatPrompt（system+user）。
func (b *Builder) Build(ctx context.Context, batch contract.Batch) (contract.Prompt, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	if len(batch.Records) == 0 {
		return nil, fmt.Errorf("prompt: %w: empty batch records", contract.ErrInvalidInput)
	}

	var uw bytes.Buffer
	uw.Grow(256 + 128*len(batch.Records))
	uw.WriteString("Analyze the following data in JSON format:\n")
	if err := b.writeRecords(&uw, batch.Records); err != nil {
		return nil, fmt.Errorf("prompt: %w: %v", contract.ErrInvalidInput, err)
	}
	uw.WriteString("\n\n")
	uw.WriteString(b.shape())

	return contract.ChatPrompt([]contract.Message{
		{Role: "system", Content: b.sys},
		{Role: "user", Content: uw.String()},
	}), nil
}

// EstimateOverheadTokens: 估算与批无关的固定开销（system + 固定 user 说明 + 输出形状）。
func (b *Builder) EstimateOverheadTokens(estimate contract.TokenEstimator) int {
	if estimate == nil {
		return 0
	}
	return estimate(b.sys) + estimate("Analyze the following data in JSON format:\n[]\n\n") + estimate(b.shape())
}

// writeRecords 输出 JSON 数组，每条为 {"index": n, 其余列按名排序}。
func (b *Builder) writeRecords(w *bytes.Buffer, recs []contract.Record) error {
	w.WriteByte('[')
	for i, r := range recs {
		if i > 0 {
			w.WriteByte(',')
		}
		w.WriteString(`{"index":`)
		w.WriteString(strconv.FormatInt(int64(r.Index), 10))
		keys := make([]string, 0, len(r.Fields))
		for k := range r.Fields {
			if k == "index" || b.omit[k] {
				continue
			}
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			w.WriteByte(',')
			if err := writeString(w, k); err != nil {
				return err
			}
			w.WriteByte(':')
			if err := writeString(w, r.Fields[k]); err != nil {
				return err
			}
		}
		w.WriteByte('}')
	}
	w.WriteByte(']')
	return nil
}

// shape 渲染期望的输出结构说明。
func (b *Builder) shape() string {
	var sb strings.Builder
	sb.WriteString("Output must include:\n{\n")
	fmt.Fprintf(&sb, "    %q: {\n", b.wrap)
	fmt.Fprintf(&sb, "        \"<%s>\": [\n", b.group)
	sb.WriteString("            {\n")
	sb.WriteString("                \"index\": <original_index>,\n")
	for _, f := range b.echo {
		fmt.Fprintf(&sb, "                %q: <%s>,\n", f, f)
	}
	sb.WriteString("                \"categories\": {\n")
	for i, c := range b.cats {
		fmt.Fprintf(&sb, "                    %q: <0_or_1>", c)
		if i < len(b.cats)-1 {
			sb.WriteByte(',')
		}
		sb.WriteByte('\n')
	}
	sb.WriteString("                }\n")
	sb.WriteString("            },\n")
	sb.WriteString("            ...\n")
	sb.WriteString("        ]\n")
	sb.WriteString("    }\n")
	sb.WriteString("}")
	return sb.String()
}

func writeString(w *bytes.Buffer, s string) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return err
	}
	// Encoder 追加换行
	w.Truncate(w.Len() - 1)
	return nil
}

// 默认 system 模板。
const defaultSystemTemplate = `You are an assistant trained to analyze customer feedback. Classify each review into categories, including {{range $i, $c := .Categories}}{{if $i}}, {{end}}'{{$c}}'{{end}}. Assign binary values (0 or 1) for each category for each review. Group the reviews by their "{{.GroupField}}" value. Exclude the original comment but include the review's index. Return ONLY strict JSON (no markdown, no code fences, no commentary).`

// 静态接口断言
var _ contract.PromptBuilder = (*Builder)(nil)
