package deptjson

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"llmcls/pkg/contract"
)

// Options: 分组分类响应的解码选项。
// 期望 Raw.Text 形如 {"<wrapper>": {"<group>": [{"index": n, ...attrs, "categories": {"<name>": 0|1}}]}}。
type Options struct {
	// WrapperKey: 顶层包裹键，默认 departments；Unwrapped=true 时顶层即分组映射。
	WrapperKey string `json:"wrapper_key"`
	Unwrapped  bool   `json:"unwrapped"`
	// Categories: 已知类别；非空时拒绝未知类别，缺失类别补 false。
	Categories []string `json:"categories"`
	// RequireCategories: 每条必须给出 Categories 中的全部类别。
	RequireCategories bool `json:"require_categories"`
	// DropAttributes: 丢弃模型回显的这些属性。
	DropAttributes []string `json:"drop_attributes"`
	// GroupField: 分组列，默认 Avd；记录带该列时分组键必须与列值一致。"-" 关闭校验。
	GroupField string `json:"group_field"`
}

type decoder struct {
	wrap    string
	unwrap  bool
	cats    []string
	known   map[string]bool
	require bool
	drop    map[string]bool
	group   string
}

// New 从原样 JSON Options 创建解码器（未知字段报错）。
func New(raw json.RawMessage) (contract.Decoder, error) {
	var opts Options
	if len(raw) > 0 {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&opts); err != nil {
			return nil, fmt.Errorf("deptjson options: %w", err)
		}
	}
	if opts.WrapperKey == "" {
		opts.WrapperKey = "departments"
	}
	if opts.RequireCategories && len(opts.Categories) == 0 {
		return nil, fmt.Errorf("deptjson: %w: require_categories needs categories", contract.ErrInvalidInput)
	}
	switch opts.GroupField {
	case "":
		opts.GroupField = "Avd"
	case "-":
		opts.GroupField = ""
	}
	d := &decoder{wrap: opts.WrapperKey, unwrap: opts.Unwrapped, require: opts.RequireCategories, group: opts.GroupField}
	if len(opts.Categories) > 0 {
		d.cats = append([]string(nil), opts.Categories...)
		d.known = make(map[string]bool, len(opts.Categories))
		for _, c := range opts.Categories {
			d.known[c] = true
		}
	}
	if len(opts.DropAttributes) > 0 {
		d.drop = make(map[string]bool, len(opts.DropAttributes))
		for _, a := range opts.DropAttributes {
			d.drop[a] = true
		}
	}
	return d, nil
}

// Decode 按响应中分组键的出现顺序解码载荷。
// 批归属与完整性由 contract.ValidatePayload 统一校验，这里只做形状与分组键校验。
func (d *decoder) Decode(ctx context.Context, b contract.Batch, raw contract.Raw) (contract.Payload, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	text := stripFence(raw.Text)
	if text == "" {
		return nil, fmt.Errorf("empty response: %w", contract.ErrResponseInvalid)
	}
	groups := []byte(text)
	if !d.unwrap {
		var top map[string]json.RawMessage
		if err := json.Unmarshal(groups, &top); err != nil {
			return nil, fmt.Errorf("decode top-level object: %w", contract.ErrResponseInvalid)
		}
		w, ok := top[d.wrap]
		if !ok {
			return nil, fmt.Errorf("missing %q: %w", d.wrap, contract.ErrResponseInvalid)
		}
		groups = w
	}
	p, err := d.decodeGroups(groups)
	if err != nil {
		return nil, err
	}
	if err := d.checkGroups(b, p); err != nil {
		return nil, err
	}
	return p, nil
}

// checkGroups 拒绝把记录归到与其分组列不一致的键下；批外 Index 留给 ValidatePayload。
func (d *decoder) checkGroups(b contract.Batch, p contract.Payload) error {
	if d.group == "" {
		return nil
	}
	want := make(map[contract.Index]string, b.Len())
	for _, r := range b.Records {
		if v := strings.TrimSpace(r.Fields[d.group]); v != "" {
			want[r.Index] = v
		}
	}
	for _, g := range p {
		for _, it := range g.Items {
			if v, ok := want[it.Index]; ok && v != strings.TrimSpace(g.Key) {
				return fmt.Errorf("index %d filed under %q, %s is %q: %w", it.Index, g.Key, d.group, v, contract.ErrResponseInvalid)
			}
		}
	}
	return nil
}

// decodeGroups 以 token 流读取分组对象，保留键的出现顺序；重复键并入首次出现的分组。
func (d *decoder) decodeGroups(data []byte) (contract.Payload, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil || tok != json.Delim('{') {
		return nil, fmt.Errorf("groups must be an object: %w", contract.ErrResponseInvalid)
	}
	var out contract.Payload
	pos := map[string]int{}
	for dec.More() {
		kt, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("read group key: %w", contract.ErrResponseInvalid)
		}
		key, _ := kt.(string)
		var items []json.RawMessage
		if err := dec.Decode(&items); err != nil {
			return nil, fmt.Errorf("group %q must be an array: %w", key, contract.ErrResponseInvalid)
		}
		i, ok := pos[key]
		if !ok {
			i = len(out)
			pos[key] = i
			out = append(out, contract.Group{Key: key})
		}
		for _, it := range items {
			c, err := d.decodeItem(it)
			if err != nil {
				return nil, fmt.Errorf("group %q: %w", key, err)
			}
			c.Group = key
			out[i].Items = append(out[i].Items, c)
		}
	}
	if _, err := dec.Token(); err != nil {
		return nil, fmt.Errorf("unterminated groups object: %w", contract.ErrResponseInvalid)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("trailing data after groups object: %w", contract.ErrResponseInvalid)
	}
	return out, nil
}

func (d *decoder) decodeItem(raw json.RawMessage) (contract.RecordClassification, error) {
	var c contract.RecordClassification
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return c, fmt.Errorf("item must be an object: %w", contract.ErrResponseInvalid)
	}
	ir, ok := m["index"]
	if !ok {
		return c, fmt.Errorf("item without index: %w", contract.ErrResponseInvalid)
	}
	idx, err := parseIndex(ir)
	if err != nil {
		return c, err
	}
	c.Index = idx
	for k, v := range m {
		if k == "index" || k == "categories" || d.drop[k] {
			continue
		}
		s, ok := attrValue(v)
		if !ok {
			continue
		}
		if c.Attributes == nil {
			c.Attributes = make(contract.Fields, len(m))
		}
		c.Attributes[k] = s
	}
	cats, err := d.decodeCategories(m["categories"])
	if err != nil {
		return c, fmt.Errorf("index %d: %w", idx, err)
	}
	c.Categories = cats
	return c, nil
}

func (d *decoder) decodeCategories(raw json.RawMessage) (map[string]bool, error) {
	var m map[string]json.RawMessage
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("categories must be an object: %w", contract.ErrResponseInvalid)
		}
	}
	if m == nil && d.cats == nil {
		return nil, nil
	}
	out := make(map[string]bool, len(m)+len(d.cats))
	for name, v := range m {
		if d.known != nil && !d.known[name] {
			return nil, fmt.Errorf("unknown category %q: %w", name, contract.ErrResponseInvalid)
		}
		flag, err := parseFlag(v)
		if err != nil {
			return nil, fmt.Errorf("category %q: %w", name, err)
		}
		out[name] = flag
	}
	for _, name := range d.cats {
		if _, ok := out[name]; ok {
			continue
		}
		if d.require {
			return nil, fmt.Errorf("missing category %q: %w", name, contract.ErrResponseInvalid)
		}
		out[name] = false
	}
	return out, nil
}

// parseIndex 接受整数或数字字符串。
func parseIndex(raw json.RawMessage) (contract.Index, error) {
	s := strings.TrimSpace(string(raw))
	if len(s) >= 2 && s[0] == '"' {
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, fmt.Errorf("index: %w", contract.ErrResponseInvalid)
		}
		s = strings.TrimSpace(s)
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("index %s: %w", raw, contract.ErrResponseInvalid)
	}
	return contract.Index(n), nil
}

// parseFlag 接受 0/1、true/false 及其字符串形式。
func parseFlag(raw json.RawMessage) (bool, error) {
	s := strings.TrimSpace(string(raw))
	if len(s) >= 2 && s[0] == '"' {
		_ = json.Unmarshal(raw, &s)
		s = strings.ToLower(strings.TrimSpace(s))
	}
	switch s {
	case "1", "true":
		return true, nil
	case "0", "false":
		return false, nil
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && (f == 0 || f == 1) {
		return f == 1, nil
	}
	return false, fmt.Errorf("flag %s: %w", raw, contract.ErrResponseInvalid)
}

// attrValue 把回显属性转为字符串：字符串取值，数字/布尔取字面量，null 跳过，复合值压缩为 JSON。
func attrValue(raw json.RawMessage) (string, bool) {
	s := strings.TrimSpace(string(raw))
	switch {
	case s == "" || s == "null":
		return "", false
	case s[0] == '"':
		var v string
		if err := json.Unmarshal(raw, &v); err != nil {
			return "", false
		}
		return v, true
	case s[0] == '{' || s[0] == '[':
		var buf bytes.Buffer
		if err := json.Compact(&buf, raw); err != nil {
			return "", false
		}
		return buf.String(), true
	default:
		return s, true
	}
}

// stripFence 去掉 ```json ... ``` 代码围栏。
func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	} else {
		s = strings.TrimPrefix(s, "```")
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

var _ contract.Decoder = (*decoder)(nil)
