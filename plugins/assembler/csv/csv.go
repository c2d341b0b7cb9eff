package csv

import (
	"bytes"
	"context"
	stdcsv "encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"unicode/utf8"

	"llmcls/pkg/contract"
)

// Options: CSV 装配选项。
type Options struct {
	// Delimiter: 单字符分隔符，默认 ','。
	Delimiter string `json:"delimiter"`
	// GroupColumn: 分组列名，默认 group。
	GroupColumn string `json:"group_column"`
	// Attributes / Categories: 列顺序；为空时取全部条目的并集（按名排序）。
	Attributes []string `json:"attributes"`
	Categories []string `json:"categories"`
	// SortByIndex: 按 Index 升序输出；否则沿用分组顺序。
	SortByIndex bool `json:"sort_by_index"`
}

type assembler struct {
	comma rune
	group string
	attrs []string
	cats  []string
	byIdx bool
}

// New 从原样 JSON Options 创建扁平表装配器。
func New(raw json.RawMessage) (contract.Assembler, error) {
	var opts Options
	if len(raw) > 0 {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&opts); err != nil {
			return nil, fmt.Errorf("csv assembler options: %w", err)
		}
	}
	comma := ','
	if opts.Delimiter != "" {
		r, n := utf8.DecodeRuneInString(opts.Delimiter)
		if n != len(opts.Delimiter) || r == '"' || r == '\r' || r == '\n' || r == utf8.RuneError {
			return nil, fmt.Errorf("csv assembler: %w: invalid delimiter %q", contract.ErrInvalidInput, opts.Delimiter)
		}
		comma = r
	}
	if opts.GroupColumn == "" {
		opts.GroupColumn = "group"
	}
	return &assembler{comma: comma, group: opts.GroupColumn, attrs: opts.Attributes, cats: opts.Categories, byIdx: opts.SortByIndex}, nil
}

type row struct {
	group string
	c     contract.RecordClassification
}

// Assemble 输出表头 index,<group>,<attrs...>,<categories...>，类别取 0/1。
// 丢弃的记录不出现在表中。
func (a *assembler) Assemble(ctx context.Context, r contract.Report) (io.Reader, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	var rows []row
	attrSet := map[string]struct{}{}
	catSet := map[string]struct{}{}
	r.Result.Each(func(g string, c contract.RecordClassification) {
		rows = append(rows, row{group: g, c: c})
		for k := range c.Attributes {
			attrSet[k] = struct{}{}
		}
		for k := range c.Categories {
			catSet[k] = struct{}{}
		}
	})
	if a.byIdx {
		sort.SliceStable(rows, func(i, j int) bool { return rows[i].c.Index < rows[j].c.Index })
	}
	attrs := a.attrs
	if len(attrs) == 0 {
		attrs = sortedKeys(attrSet, "index", a.group)
	}
	cats := a.cats
	if len(cats) == 0 {
		cats = sortedKeys(catSet)
	}

	var buf bytes.Buffer
	w := stdcsv.NewWriter(&buf)
	w.Comma = a.comma
	header := make([]string, 0, 2+len(attrs)+len(cats))
	header = append(header, "index", a.group)
	header = append(header, attrs...)
	header = append(header, cats...)
	if err := w.Write(header); err != nil {
		return nil, err
	}
	rec := make([]string, len(header))
	for _, rw := range rows {
		rec = rec[:0]
		rec = append(rec, strconv.FormatInt(int64(rw.c.Index), 10), rw.group)
		for _, k := range attrs {
			rec = append(rec, rw.c.Attributes[k])
		}
		for _, k := range cats {
			if rw.c.Categories[k] {
				rec = append(rec, "1")
			} else {
				rec = append(rec, "0")
			}
		}
		if err := w.Write(rec); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return &buf, nil
}

// sortedKeys 返回排序后的键，排除 skip 中的保留列名。
func sortedKeys(m map[string]struct{}, skip ...string) []string {
	out := make([]string, 0, len(m))
outer:
	for k := range m {
		for _, s := range skip {
			if k == s {
				continue outer
			}
		}
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

var _ contract.Assembler = (*assembler)(nil)
