// Package store 保存一次运行的全部输入记录，并分配全局稳定的 Index。
package store

import (
	"sync"

	"llmcls/pkg/contract"
)

// Store 是有序、可按 Index 访问的记录集合。
// Index 从 0 起连续分配，跨多个输入源全局唯一，永不复用。
// 记录入库时深拷贝属性，此后只读；并发安全。
type Store struct {
	mu   sync.RWMutex
	recs []contract.Record
}

func New() *Store { return &Store{} }

// Append 追加一个输入源的全部行，返回分配到的首个 Index 与条数。
// rows 为空时返回 (Len(), 0)。
func (s *Store) Append(src contract.FileID, rows []contract.Fields) (contract.Index, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	first := contract.Index(len(s.recs))
	for i, f := range rows {
		s.recs = append(s.recs, contract.Record{
			Index:  first + contract.Index(i),
			Source: src,
			Fields: f.Clone(),
		})
	}
	return first, len(rows)
}

// Len 返回记录数。
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.recs)
}

// Get 按 Index 取记录；越界返回 false。
func (s *Store) Get(i contract.Index) (contract.Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i < 0 || int(i) >= len(s.recs) {
		return contract.Record{}, false
	}
	return s.recs[i], true
}

// Records 返回当前全部记录的有序切片副本（Fields 共享，调用方不得修改）。
func (s *Store) Records() []contract.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]contract.Record, len(s.recs))
	copy(out, s.recs)
	return out
}

// Missing 返回 [0,Len) 中不在 present 内的 Index（升序）。
// 用于核对聚合结果：缺失者即被丢弃或被取消的记录。
func (s *Store) Missing(present []contract.Index) []contract.Index {
	s.mu.RLock()
	n := len(s.recs)
	s.mu.RUnlock()
	seen := make([]bool, n)
	for _, i := range present {
		if i >= 0 && int(i) < n {
			seen[i] = true
		}
	}
	var out []contract.Index
	for i, ok := range seen {
		if !ok {
			out = append(out, contract.Index(i))
		}
	}
	return out
}
