// Package aggregate 将各批的解析结果归并为按分组键组织的单一结果。
package aggregate

import (
	"sort"
	"sync"

	"llmcls/pkg/contract"
)

// Aggregator 是整次运行唯一的共享可变状态；每次 Merge 为一个临界区。
// 分组键按全局首次出现排序；组内按合并顺序追加。
type Aggregator struct {
	mu        sync.Mutex
	groups    []contract.Group
	pos       map[string]int
	seen      map[contract.Index]string
	dropped   []contract.Dropped
	conflicts []contract.Conflict
}

func New() *Aggregator {
	return &Aggregator{pos: map[string]int{}, seen: map[contract.Index]string{}}
}

// Merge 原子地并入一个批的结果，返回本次产生的冲突。
// 已存在的 Index 不会被覆盖或重新分组：后来者被拒绝并记为 Conflict。
func (a *Aggregator) Merge(res contract.Resolution) []contract.Conflict {
	a.mu.Lock()
	defer a.mu.Unlock()
	var conflicts []contract.Conflict
	for _, it := range res.Items {
		if kept, dup := a.seen[it.Index]; dup {
			conflicts = append(conflicts, contract.Conflict{Index: it.Index, Group: it.Group, KeptGroup: kept})
			continue
		}
		a.seen[it.Index] = it.Group
		i, ok := a.pos[it.Group]
		if !ok {
			i = len(a.groups)
			a.pos[it.Group] = i
			a.groups = append(a.groups, contract.Group{Key: it.Group})
		}
		a.groups[i].Items = append(a.groups[i].Items, it.Clone())
	}
	a.dropped = append(a.dropped, res.Dropped...)
	a.conflicts = append(a.conflicts, conflicts...)
	return conflicts
}

// Snapshot 返回冻结的聚合结果（深拷贝）。
func (a *Aggregator) Snapshot() contract.AggregateResult {
	a.mu.Lock()
	defer a.mu.Unlock()
	return contract.NewAggregateResult(a.groups)
}

// Len 返回已归并的分类条数。
func (a *Aggregator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.seen)
}

// Dropped 返回全部丢弃记录（按 Index 升序）。
func (a *Aggregator) Dropped() []contract.Dropped {
	a.mu.Lock()
	out := append([]contract.Dropped(nil), a.dropped...)
	a.mu.Unlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// Conflicts 返回全部冲突（按发生顺序）。
func (a *Aggregator) Conflicts() []contract.Conflict {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]contract.Conflict(nil), a.conflicts...)
}
