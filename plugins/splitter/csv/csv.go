package csv

import (
	"bufio"
	"context"
	stdcsv "encoding/csv"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"unicode/utf8"

	"llmcls/pkg/contract"
)

// Options 为 CSV Splitter 的可选配置。
type Options struct {
	// Delimiter: 单字符分隔符，默认 ','。
	Delimiter string `json:"delimiter"`
	// Columns: 列白名单（按表头名）；为空表示保留全部列。表头缺少白名单中的列时报错。
	Columns []string `json:"columns"`
	// FillEmpty: 列为空（或缺失）时的填充值，例如 {"Kommentar": "Ingen kommentar"}。
	FillEmpty map[string]string `json:"fill_empty"`
	// TrimSpace: 去除字段首尾空白。
	TrimSpace bool `json:"trim_space"`
	// AllowExts: 允许处理的扩展名（大小写不敏感，含点）。为空时默认 [".csv"]；显式空切片表示不限制。
	// STDIN 总是处理。
	AllowExts []string `json:"allow_exts"`
	// MaxFieldBytes: 单字段最大字节数；0 不限制。
	MaxFieldBytes int `json:"max_field_bytes"`
}

// Splitter 实现 CSV 拆分：首行为表头，其后每行一条属性记录。
type Splitter struct {
	comma    rune
	columns  []string
	fill     map[string]string
	trim     bool
	allow    map[string]struct{}
	maxField int
}

// New 创建 CSV Splitter；分隔符非法时返回错误。
func New(opts *Options) (*Splitter, error) {
	o := Options{}
	if opts != nil {
		o = *opts
	}
	comma := ','
	if o.Delimiter != "" {
		if o.Delimiter == `\t` {
			o.Delimiter = "\t"
		}
		r, n := utf8.DecodeRuneInString(o.Delimiter)
		if n != len(o.Delimiter) || r == '"' || r == '\r' || r == '\n' || r == utf8.RuneError {
			return nil, fmt.Errorf("csv: %w: invalid delimiter %q", contract.ErrInvalidInput, o.Delimiter)
		}
		comma = r
	}
	var allow map[string]struct{}
	if opts == nil || o.AllowExts == nil {
		allow = map[string]struct{}{".csv": {}}
	} else if len(o.AllowExts) > 0 {
		allow = make(map[string]struct{}, len(o.AllowExts))
		for _, e := range o.AllowExts {
			if e == "" {
				continue
			}
			allow[strings.ToLower(e)] = struct{}{}
		}
	}
	fill := make(map[string]string, len(o.FillEmpty))
	for k, v := range o.FillEmpty {
		fill[k] = v
	}
	return &Splitter{
		comma: comma, columns: append([]string(nil), o.Columns...), fill: fill,
		trim: o.TrimSpace, allow: allow, maxField: o.MaxFieldBytes,
	}, nil
}

// Split 将单个 CSV 流拆为有序属性行。扩展名不在白名单内的文件返回 nil。
func (s *Splitter) Split(ctx context.Context, fileID contract.FileID, r io.Reader) ([]contract.Fields, error) {
	if s.allow != nil && fileID != "stdin" {
		ext := strings.ToLower(path.Ext(string(fileID)))
		if _, ok := s.allow[ext]; !ok {
			return nil, nil
		}
	}
	br := bufio.NewReader(r)
	// 去除 UTF-8 BOM
	if b, err := br.Peek(3); err == nil && string(b) == "\xef\xbb\xbf" {
		_, _ = br.Discard(3)
	}
	cr := stdcsv.NewReader(br)
	cr.Comma = s.comma
	cr.LazyQuotes = true
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("csv header: %w", err)
	}
	cols, err := s.selectColumns(header)
	if err != nil {
		return nil, err
	}

	var rows []contract.Fields
	for {
		if err := ctxErr(ctx); err != nil {
			return nil, err
		}
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("csv row: %w", err)
		}
		if blank(rec) {
			continue
		}
		line, _ := cr.FieldPos(0)
		f := make(contract.Fields, len(cols))
		for _, c := range cols {
			v := ""
			if c.pos < len(rec) {
				v = rec[c.pos]
			}
			if s.trim {
				v = strings.TrimSpace(v)
			}
			if strings.TrimSpace(v) == "" {
				if d, ok := s.fill[c.name]; ok {
					v = d
				}
			}
			if !utf8.ValidString(v) {
				return nil, fmt.Errorf("decode error: invalid UTF-8 at line %d column %q", line, c.name)
			}
			if s.maxField > 0 && len(v) > s.maxField {
				return nil, fmt.Errorf("field too large at line %d column %q: %d > %d", line, c.name, len(v), s.maxField)
			}
			f[c.name] = v
		}
		rows = append(rows, f)
	}
	return rows, nil
}

type column struct {
	name string
	pos  int
}

// selectColumns 按白名单（或全部表头）确定输出列；表头名需唯一且非空。
func (s *Splitter) selectColumns(header []string) ([]column, error) {
	pos := make(map[string]int, len(header))
	for i, h := range header {
		h = strings.TrimSpace(h)
		if h == "" {
			return nil, fmt.Errorf("csv header: %w: empty column name at %d", contract.ErrInvalidInput, i+1)
		}
		if _, dup := pos[h]; dup {
			return nil, fmt.Errorf("csv header: %w: duplicate column %q", contract.ErrInvalidInput, h)
		}
		pos[h] = i
	}
	if len(s.columns) == 0 {
		out := make([]column, len(header))
		for i, h := range header {
			out[i] = column{name: strings.TrimSpace(h), pos: i}
		}
		return out, nil
	}
	out := make([]column, 0, len(s.columns))
	for _, c := range s.columns {
		i, ok := pos[c]
		if !ok {
			return nil, fmt.Errorf("csv header: %w: missing column %q", contract.ErrInvalidInput, c)
		}
		out = append(out, column{name: c, pos: i})
	}
	return out, nil
}

func blank(rec []string) bool {
	for _, v := range rec {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}

func ctxErr(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

var _ contract.Splitter = (*Splitter)(nil)
