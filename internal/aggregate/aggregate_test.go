package aggregate

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"llmcls/pkg/contract"
)

func rc(i contract.Index, g string) contract.RecordClassification {
	return contract.RecordClassification{Index: i, Group: g, Categories: map[string]bool{"Positiv tilbakemelding": true}}
}

// 分组键按首次出现排序，组内按合并顺序
func TestMergeOrdering(t *testing.T) {
	a := New()
	a.Merge(contract.Resolution{Items: []contract.RecordClassification{rc(0, "Oslo"), rc(1, "Bergen"), rc(2, "Oslo")}})
	a.Merge(contract.Resolution{Items: []contract.RecordClassification{rc(3, "Trondheim"), rc(4, "Bergen")}})
	r := a.Snapshot()
	keys := r.Keys()
	if fmt.Sprint(keys) != "[Oslo Bergen Trondheim]" {
		t.Fatalf("分组顺序 %v", keys)
	}
	if g := r.Group("Bergen"); len(g) != 2 || g[0].Index != 1 || g[1].Index != 4 {
		t.Fatalf("组内顺序错误: %+v", g)
	}
	if r.Len() != 5 || a.Len() != 5 {
		t.Fatalf("Len 错误")
	}
}

// Scenario A: 10 条分入 2 组各 5 条
func TestScenarioA(t *testing.T) {
	a := New()
	var items []contract.RecordClassification
	for i := 0; i < 10; i++ {
		g := "A"
		if i >= 5 {
			g = "B"
		}
		items = append(items, rc(contract.Index(i), g))
	}
	if c := a.Merge(contract.Resolution{Items: items}); len(c) != 0 {
		t.Fatalf("不应有冲突: %v", c)
	}
	r := a.Snapshot()
	if len(r.Keys()) != 2 || len(r.Group("A")) != 5 || len(r.Group("B")) != 5 {
		t.Fatalf("分组错误: %v", r.Keys())
	}
	for i, idx := range r.Indices() {
		if idx != contract.Index(i) {
			t.Fatalf("Index 缺失或重复: %v", r.Indices())
		}
	}
}

// 重复 Index：不覆盖、不重新分组，记为冲突
func TestMergeConflict(t *testing.T) {
	a := New()
	a.Merge(contract.Resolution{Items: []contract.RecordClassification{rc(1, "A")}})
	c := a.Merge(contract.Resolution{Items: []contract.RecordClassification{rc(1, "B"), rc(2, "B")}})
	if len(c) != 1 || c[0].Index != 1 || c[0].Group != "B" || c[0].KeptGroup != "A" {
		t.Fatalf("冲突信息错误: %+v", c)
	}
	if !errors.Is(c[0], contract.ErrAggregationConflict) {
		t.Fatalf("冲突应可识别为 ErrAggregationConflict")
	}
	r := a.Snapshot()
	if len(r.Group("A")) != 1 || len(r.Group("B")) != 1 || r.Group("B")[0].Index != 2 {
		t.Fatalf("先到者应保留: %v", r.Keys())
	}
	// 同一批内重复同样拒绝
	c = a.Merge(contract.Resolution{Items: []contract.RecordClassification{rc(5, "C"), rc(5, "C")}})
	if len(c) != 1 || len(a.Snapshot().Group("C")) != 1 {
		t.Fatalf("批内重复应被拒绝")
	}
	if len(a.Conflicts()) != 2 {
		t.Fatalf("累计冲突应为 2")
	}
}

// 合并空结果不改变已有聚合
func TestMergeEmptyIsIdempotent(t *testing.T) {
	a := New()
	a.Merge(contract.Resolution{Items: []contract.RecordClassification{rc(0, "A"), rc(1, "B")}})
	before, _ := json.Marshal(a.Snapshot())
	if c := a.Merge(contract.Resolution{}); c != nil {
		t.Fatalf("空合并不应产生冲突")
	}
	after, _ := json.Marshal(a.Snapshot())
	if string(before) != string(after) {
		t.Fatalf("空合并改变了结果:\n%s\n%s", before, after)
	}
}

// 快照与后续合并、调用方数据隔离
func TestSnapshotFrozen(t *testing.T) {
	a := New()
	in := rc(0, "A")
	a.Merge(contract.Resolution{Items: []contract.RecordClassification{in}})
	in.Categories["Positiv tilbakemelding"] = false
	snap := a.Snapshot()
	a.Merge(contract.Resolution{Items: []contract.RecordClassification{rc(1, "A")}})
	if len(snap.Group("A")) != 1 {
		t.Fatalf("快照应冻结")
	}
	if !snap.Group("A")[0].Categories["Positiv tilbakemelding"] {
		t.Fatalf("合并应深拷贝条目")
	}
}

func TestDroppedSorted(t *testing.T) {
	a := New()
	a.Merge(contract.Resolution{Dropped: []contract.Dropped{{Index: 9, Kind: contract.KindTransport}}})
	a.Merge(contract.Resolution{Dropped: []contract.Dropped{{Index: 2, Kind: contract.KindMalformed}}})
	d := a.Dropped()
	if len(d) != 2 || d[0].Index != 2 || d[1].Index != 9 {
		t.Fatalf("Dropped 未排序: %+v", d)
	}
}

// 并发合并：互不交错且无丢失
func TestConcurrentMerge(t *testing.T) {
	a := New()
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			var items []contract.RecordClassification
			for i := 0; i < 10; i++ {
				items = append(items, rc(contract.Index(w*10+i), "G"))
			}
			a.Merge(contract.Resolution{Items: items})
		}(w)
	}
	wg.Wait()
	g := a.Snapshot().Group("G")
	if len(g) != 80 {
		t.Fatalf("条数 %d", len(g))
	}
	// 每次合并为一个临界区：同批 10 条在组内连续
	for i := 0; i < 80; i += 10 {
		base := g[i].Index
		for j := 1; j < 10; j++ {
			if g[i+j].Index != base+contract.Index(j) {
				t.Fatalf("合并发生交错: %d 后为 %d", base, g[i+j].Index)
			}
		}
	}
}

func BenchmarkMerge(b *testing.B) {
	items := make([]contract.RecordClassification, 10)
	for i := range items {
		items[i] = rc(0, fmt.Sprintf("G%d", i%3))
	}
	b.ReportAllocs()
	b.ResetTimer()
	a := New()
	for i := 0; i < b.N; i++ {
		for j := range items {
			items[j].Index = contract.Index(i*10 + j)
		}
		a.Merge(contract.Resolution{Items: items})
	}
}
