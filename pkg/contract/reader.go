package contract

import (
	"context"
	"io"
)

// Reader: 输入源抽象（文件/目录/STDIN）。
// 约束：
// 1) 按文件维度回调，顺序确定（目录内按字典序）；
// 2) FileID 稳定且去平台差异化；
// 3) 不做解码/业务解析，仅提供字节流；
// 4) 不在内部起并发。
type Reader interface {
	Iterate(ctx context.Context, roots []string, yield func(fileID FileID, r io.ReadCloser) error) error
}

// Splitter: 将单个输入流解析为有序的属性行。
// 行序即输入顺序；Index 由 Record Store 统一分配，Splitter 不感知。
type Splitter interface {
	Split(ctx context.Context, fileID FileID, r io.Reader) ([]Fields, error)
}

// BatchLimit: 分批上限。MaxRecords ≥ 1；MaxBytes 为 0 表示不限。
type BatchLimit struct {
	MaxRecords int
	MaxBytes   int
}

// Batcher: 将有序记录切为连续、不重叠、完整覆盖的批。
// 除可能的最后一批外，每批都恰好 MaxRecords 条（MaxBytes 可使批提前截断）。
type Batcher interface {
	Make(ctx context.Context, records []Record, limit BatchLimit) ([]Batch, error)
}
