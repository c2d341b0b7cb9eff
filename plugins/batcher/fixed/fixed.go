package fixed

import (
	"context"
	"fmt"

	"llmcls/pkg/contract"
)

// Options 为定长 Batcher 的可选配置。
type Options struct {
	// MaxBytes: 单批记录属性的字节上限（键+值的 UTF-8 字节和）；0 表示不限。
	// 与 BatchLimit.MaxBytes 同时给出时取较小者。
	MaxBytes int `json:"max_bytes"`
}

// Batcher 将记录按输入顺序切为定长连续批。
type Batcher struct {
	maxBytes int
}

// New 创建定长 Batcher。
func New(opts *Options) *Batcher {
	b := &Batcher{}
	if opts != nil && opts.MaxBytes > 0 {
		b.maxBytes = opts.MaxBytes
	}
	return b
}

// Make 按 MaxRecords 切片，最后一批可能较短；批序 Seq 从 0 递增。
// 启用字节上限时批可提前截断，但单条超限记录仍独占一批（永不产生空批）。
func (b *Batcher) Make(ctx context.Context, records []contract.Record, limit contract.BatchLimit) ([]contract.Batch, error) {
	if limit.MaxRecords < 1 {
		return nil, fmt.Errorf("%w: batch size must be >= 1, got %d", contract.ErrConfiguration, limit.MaxRecords)
	}
	if len(records) == 0 {
		return nil, nil
	}
	for i := 1; i < len(records); i++ {
		if records[i].Index <= records[i-1].Index {
			return nil, fmt.Errorf("%w: record index must be strictly increasing (%d after %d)", contract.ErrConfiguration, records[i].Index, records[i-1].Index)
		}
	}
	maxBytes := limit.MaxBytes
	if b.maxBytes > 0 && (maxBytes <= 0 || b.maxBytes < maxBytes) {
		maxBytes = b.maxBytes
	}

	out := make([]contract.Batch, 0, (len(records)+limit.MaxRecords-1)/limit.MaxRecords)
	start, size := 0, 0
	flush := func(end int) {
		out = append(out, contract.Batch{Seq: int64(len(out)), Records: records[start:end:end]})
		start, size = end, 0
	}
	for i, r := range records {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rb := recordBytes(r)
		if i > start && maxBytes > 0 && size+rb > maxBytes {
			flush(i)
		}
		size += rb
		if i+1-start == limit.MaxRecords {
			flush(i + 1)
		}
	}
	if start < len(records) {
		flush(len(records))
	}
	return out, nil
}

func recordBytes(r contract.Record) int {
	n := 0
	for k, v := range r.Fields {
		n += len(k) + len(v)
	}
	return n
}
