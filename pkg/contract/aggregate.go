package contract

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
)

// AggregateResult: 聚合结果的只读快照。
// 分组键按首次出现排序；组内条目按合并顺序排列。
type AggregateResult struct {
	groups []Group
	pos    map[string]int
}

// NewAggregateResult 以有序分组构造快照（深拷贝，调用方可继续修改入参）。
func NewAggregateResult(groups []Group) AggregateResult {
	out := AggregateResult{groups: make([]Group, 0, len(groups)), pos: make(map[string]int, len(groups))}
	for _, g := range groups {
		items := make([]RecordClassification, len(g.Items))
		for i, it := range g.Items {
			items[i] = it.Clone()
		}
		out.pos[g.Key] = len(out.groups)
		out.groups = append(out.groups, Group{Key: g.Key, Items: items})
	}
	return out
}

// Keys 返回分组键（首次出现顺序）。
func (a AggregateResult) Keys() []string {
	keys := make([]string, len(a.groups))
	for i, g := range a.groups {
		keys[i] = g.Key
	}
	return keys
}

// Group 返回某分组的条目；不存在返回 nil。返回切片不得修改。
func (a AggregateResult) Group(key string) []RecordClassification {
	i, ok := a.pos[key]
	if !ok {
		return nil
	}
	return a.groups[i].Items
}

// Len 返回条目总数。
func (a AggregateResult) Len() int {
	n := 0
	for _, g := range a.groups {
		n += len(g.Items)
	}
	return n
}

// Indices 返回全部条目的 Index（升序）。
func (a AggregateResult) Indices() []Index {
	out := make([]Index, 0, a.Len())
	a.Each(func(_ string, c RecordClassification) { out = append(out, c.Index) })
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Each 按分组顺序、组内顺序遍历。
func (a AggregateResult) Each(fn func(group string, c RecordClassification)) {
	for _, g := range a.groups {
		for _, it := range g.Items {
			fn(g.Key, it)
		}
	}
}

// MarshalJSON 输出 {"<group>": [...], ...}，保持分组顺序。
func (a AggregateResult) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, g := range a.groups {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, _ := json.Marshal(g.Key)
		buf.Write(k)
		buf.WriteByte(':')
		items := g.Items
		if items == nil {
			items = []RecordClassification{}
		}
		b, err := json.Marshal(items)
		if err != nil {
			return nil, err
		}
		buf.Write(b)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// MarshalJSON 输出 {"index":..,<属性按键排序>..,"categories":{cat:0|1}}。
// 与保留键（index/categories）同名的属性被忽略。
func (c RecordClassification) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, `{"index":%d`, c.Index)
	keys := make([]string, 0, len(c.Attributes))
	for k := range c.Attributes {
		if k == "index" || k == "categories" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		kb, _ := json.Marshal(k)
		vb, _ := json.Marshal(c.Attributes[k])
		buf.WriteByte(',')
		buf.Write(kb)
		buf.WriteByte(':')
		buf.Write(vb)
	}
	cats := make([]string, 0, len(c.Categories))
	for k := range c.Categories {
		cats = append(cats, k)
	}
	sort.Strings(cats)
	buf.WriteString(`,"categories":{`)
	for i, k := range cats {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, _ := json.Marshal(k)
		buf.Write(kb)
		if c.Categories[k] {
			buf.WriteString(":1")
		} else {
			buf.WriteString(":0")
		}
	}
	buf.WriteString("}}")
	return buf.Bytes(), nil
}

// Conflict: 同一 Index 被第二次合并；首次结果保留，后来者被拒绝。
type Conflict struct {
	Index     Index  `json:"index"`
	Group     string `json:"group"`
	KeptGroup string `json:"kept_group"`
}

func (c Conflict) Error() string {
	return fmt.Sprintf("index %d: rejected group %q, kept %q", c.Index, c.Group, c.KeptGroup)
}

func (c Conflict) Unwrap() error { return ErrAggregationConflict }

// Report: 一次运行的完整产物（聚合结果 + 诊断）。
type Report struct {
	RunID     string
	Result    AggregateResult
	Dropped   []Dropped
	Conflicts []Conflict
	Records   int
	Batches   int
	Calls     int
	Splits    int
}

// Err 汇总冲突为单个错误；无冲突返回 nil。
func (r Report) Err() error {
	if len(r.Conflicts) == 0 {
		return nil
	}
	errs := make([]error, len(r.Conflicts))
	for i, c := range r.Conflicts {
		errs[i] = c
	}
	return errors.Join(errs...)
}

// Assembler: 将 Report 序列化为可写出的字节流（JSON/CSV 等）。纯计算，不做 I/O。
type Assembler interface {
	Assemble(ctx context.Context, r Report) (io.Reader, error)
}

// ResultStore: 可选的结构化结果持久化（数据库等）。
type ResultStore interface {
	Save(ctx context.Context, r Report) error
	Close() error
}
