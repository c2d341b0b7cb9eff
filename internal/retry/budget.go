package retry

import "sync/atomic"

// Budget 统计整次运行实际发出的 LLM 请求（含原地重试）并执行可选上限；并发安全。
// 协调器与分类适配器共享同一个 Budget。
type Budget struct {
	max   int64
	calls atomic.Int64
}

// NewBudget 构造调用预算；maxCalls<=0 表示不限。
func NewBudget(maxCalls int) *Budget {
	b := &Budget{}
	if maxCalls > 0 {
		b.max = int64(maxCalls)
	}
	return b
}

// Reserve 预占一次调用；上限已满返回 false。
func (b *Budget) Reserve() bool {
	for {
		n := b.calls.Load()
		if b.max > 0 && n >= b.max {
			return false
		}
		if b.calls.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// Refund 退回一次未真正发出的预占。
func (b *Budget) Refund() { b.calls.Add(-1) }

// Exhausted 上限是否已满。
func (b *Budget) Exhausted() bool { return b.max > 0 && b.calls.Load() >= b.max }

// Calls 返回已发出的调用数。
func (b *Budget) Calls() int { return int(b.calls.Load()) }
