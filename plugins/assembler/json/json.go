package json

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"llmcls/pkg/contract"
)

// Options: JSON 装配选项。
type Options struct {
	// WrapperKey: 分组结果的顶层键，默认 departments。
	WrapperKey string `json:"wrapper_key"`
	// Indent: 缩进空格数；0 输出紧凑 JSON。
	Indent int `json:"indent"`
	// OmitDiagnostics: 只输出分组结果，不含 dropped/conflicts/stats。
	OmitDiagnostics bool `json:"omit_diagnostics"`
}

type assembler struct {
	wrap   string
	indent int
	bare   bool
}

// New 从原样 JSON Options 创建装配器。
func New(raw json.RawMessage) (contract.Assembler, error) {
	var opts Options
	if len(raw) > 0 {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&opts); err != nil {
			return nil, fmt.Errorf("json assembler options: %w", err)
		}
	}
	if opts.WrapperKey == "" {
		opts.WrapperKey = "departments"
	}
	if opts.Indent < 0 || opts.Indent > 8 {
		return nil, fmt.Errorf("json assembler: %w: indent %d out of range", contract.ErrInvalidInput, opts.Indent)
	}
	return &assembler{wrap: opts.WrapperKey, indent: opts.Indent, bare: opts.OmitDiagnostics}, nil
}

type stats struct {
	RunID      string `json:"run_id"`
	Records    int    `json:"records"`
	Classified int    `json:"classified"`
	Dropped    int    `json:"dropped"`
	Batches    int    `json:"batches"`
	Calls      int    `json:"calls"`
	Splits     int    `json:"splits"`
}

// Assemble 输出 {"<wrapper>": {...}, "dropped": [...], "conflicts": [...], "stats": {...}}。
// 顶层键顺序固定，分组顺序沿用聚合结果。
func (a *assembler) Assemble(ctx context.Context, r contract.Report) (io.Reader, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	var buf bytes.Buffer
	buf.WriteByte('{')
	if err := field(&buf, a.wrap, r.Result); err != nil {
		return nil, err
	}
	if !a.bare {
		dropped := r.Dropped
		if dropped == nil {
			dropped = []contract.Dropped{}
		}
		conflicts := r.Conflicts
		if conflicts == nil {
			conflicts = []contract.Conflict{}
		}
		buf.WriteByte(',')
		if err := field(&buf, "dropped", dropped); err != nil {
			return nil, err
		}
		buf.WriteByte(',')
		if err := field(&buf, "conflicts", conflicts); err != nil {
			return nil, err
		}
		buf.WriteByte(',')
		st := stats{
			RunID: r.RunID, Records: r.Records, Classified: r.Result.Len(), Dropped: len(r.Dropped),
			Batches: r.Batches, Calls: r.Calls, Splits: r.Splits,
		}
		if err := field(&buf, "stats", st); err != nil {
			return nil, err
		}
	}
	buf.WriteByte('}')
	if a.indent == 0 {
		buf.WriteByte('\n')
		return &buf, nil
	}
	var out bytes.Buffer
	if err := json.Indent(&out, buf.Bytes(), "", spaces(a.indent)); err != nil {
		return nil, fmt.Errorf("indent: %w", err)
	}
	out.WriteByte('\n')
	return &out, nil
}

func field(buf *bytes.Buffer, key string, v any) error {
	kb, err := json.Marshal(key)
	if err != nil {
		return err
	}
	vb, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	buf.Write(kb)
	buf.WriteByte(':')
	buf.Write(vb)
	return nil
}

func spaces(n int) string {
	return string(bytes.Repeat([]byte{' '}, n))
}

var _ contract.Assembler = (*assembler)(nil)
