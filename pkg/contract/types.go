package contract

import "fmt"

// FileID: 逻辑输入源 ID（通常为路径，需规范化，跨平台一致）。
type FileID string

// Index: 记录在整次运行内的稳定序号（入库时分配，永不复用）。
type Index int64

// Fields: 记录属性（列名 → 值）；核心流程不解释其语义。
type Fields map[string]string

// Clone 深拷贝属性映射；nil 保持 nil。
func (f Fields) Clone() Fields {
	if f == nil {
		return nil
	}
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// Record: 原子输入记录。
// 约束：
// - Index 由 Record Store 分配，全局唯一；
// - 创建后不可变（调用方不得修改 Fields）；
// - Source 仅用于追溯，不参与分批与分类。
type Record struct {
	Index  Index
	Source FileID
	Fields Fields
}

// Batch: 按输入顺序的连续子序列，1 ≤ len(Records) ≤ maxBatchSize。
// 二分产生的子批继承父批的 Seq；批从不被修改，只会被切分为新的批。
type Batch struct {
	// Seq: Batch Planner 分配的批序（0..n-1）；仅用于日志与诊断。
	Seq     int64
	Records []Record
}

// Len 返回批内记录数。
func (b Batch) Len() int { return len(b.Records) }

// ID 返回日志用批标识 "<Seq>:<First>-<Last>"；二分子批与父批同 Seq、不同区间。
func (b Batch) ID() string {
	return fmt.Sprintf("%d:%d-%d", b.Seq, b.First(), b.Last())
}

// First/Last 返回批的首尾 Index；空批返回 -1。
func (b Batch) First() Index {
	if len(b.Records) == 0 {
		return -1
	}
	return b.Records[0].Index
}

func (b Batch) Last() Index {
	if len(b.Records) == 0 {
		return -1
	}
	return b.Records[len(b.Records)-1].Index
}

// RecordClassification: 单条记录的分类结果。
// Index 必须引用提交批内的记录；Group 为分组键（例如部门），由分类客户端的载荷携带。
type RecordClassification struct {
	Index      Index
	Group      string
	Attributes Fields
	Categories map[string]bool
}

// Clone 深拷贝。
func (c RecordClassification) Clone() RecordClassification {
	out := c
	out.Attributes = c.Attributes.Clone()
	if c.Categories != nil {
		m := make(map[string]bool, len(c.Categories))
		for k, v := range c.Categories {
			m[k] = v
		}
		out.Categories = m
	}
	return out
}

// Group: 载荷中的单个分组（保持响应中的出现顺序）。
type Group struct {
	Key   string
	Items []RecordClassification
}

// Payload: 成功结果载荷；分组键 → 有序分类序列，按响应中的首次出现排列。
type Payload []Group

// Len 返回载荷中分类条目总数。
func (p Payload) Len() int {
	n := 0
	for _, g := range p {
		n += len(g.Items)
	}
	return n
}

// Dropped: 在单条粒度仍失败、被永久丢弃的记录诊断。
type Dropped struct {
	Index  Index       `json:"index"`
	Kind   FailureKind `json:"kind"`
	Detail string      `json:"detail,omitempty"`
}

func (d Dropped) Error() string {
	return fmt.Sprintf("index %d dropped (%s): %s", d.Index, d.Kind, d.Detail)
}

func (d Dropped) Unwrap() error { return ErrDroppedRecord }

// Resolution: Retry Coordinator 对单个批的尽力结果。
// Items 为左半在前、右半在后的拼接序列；Dropped 为该批中被丢弃的记录。
type Resolution struct {
	Items   []RecordClassification
	Dropped []Dropped
	// Calls: 本批实际发出的分类调用次数（含二分产生的子调用）。
	Calls int
	// Splits: 二分次数。
	Splits int
}
