package testdata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	cfgpkg "llmcls/internal/config"
	"llmcls/internal/diag"
	"llmcls/internal/pipeline"
	"llmcls/pkg/contract"
)

// writeFeedback 生成 n 条记录的反馈 CSV：部门交替出现，评论按序号循环取样。
func writeFeedback(t *testing.T, path string, n int, depts ...string) {
	t.Helper()
	comments := []string{"Lang kø i kassa", "Veldig hyggelig personale", "Alt for dyrt", "", "Skitten butikk"}
	var b strings.Builder
	b.WriteString("Avd,Dato,Kommentar\n")
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, "%s,2024-03-%02d,%s\n", depts[i%len(depts)], i%28+1, comments[i%len(comments)])
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		t.Fatalf("写入输入失败: %v", err)
	}
}

// baseConfig 在工作目录下构造可运行的最小配置（输入 feedback.csv，输出到 out/）。
func baseConfig(t *testing.T) cfgpkg.Config {
	t.Helper()
	t.Chdir(t.TempDir())
	cfg := cfgpkg.DefaultTemplateConfig()
	cfg.Inputs = []string{"feedback.csv"}
	cfg.Output = "result.json"
	cfg.Concurrency = 2
	cfg.Logging.Level = "error"
	cfg.Options.Writer = json.RawMessage(`{"output_dir":"out","atomic":false}`)
	return cfg
}

func flaky(opts string) cfgpkg.Provider {
	return cfgpkg.Provider{Client: "flaky", Options: json.RawMessage(opts)}
}

// runPipeline 组装并执行完整流水线。
func runPipeline(t *testing.T, cfg cfgpkg.Config) (contract.Report, error) {
	t.Helper()
	if err := cfgpkg.Validate(cfg); err != nil {
		t.Fatalf("配置非法: %v", err)
	}
	comp, set, err := cfgpkg.Assemble(cfg)
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	if comp.Store != nil {
		defer comp.Store.Close()
	}
	logger := diag.New("e2e", diag.Options{Level: "error", Writer: io.Discard})
	defer logger.Close()
	return pipeline.Run(context.Background(), comp, set, logger)
}

type resultDoc struct {
	Departments map[string][]map[string]any `json:"departments"`
	Dropped     []contract.Dropped          `json:"dropped"`
	Stats       struct {
		Records    int `json:"records"`
		Classified int `json:"classified"`
		Dropped    int `json:"dropped"`
		Splits     int `json:"splits"`
	} `json:"stats"`
}

func readResult(t *testing.T) resultDoc {
	t.Helper()
	b, err := os.ReadFile(filepath.Join("out", "result.json"))
	if err != nil {
		t.Fatalf("读取结果失败: %v", err)
	}
	var doc resultDoc
	if err := json.Unmarshal(b, &doc); err != nil {
		t.Fatalf("结果不是合法 JSON: %v\n%s", err, b)
	}
	return doc
}

// indices 收集结果中出现的全部 index。
func (d resultDoc) indices() map[int64]bool {
	out := map[int64]bool{}
	for _, items := range d.Departments {
		for _, it := range items {
			out[int64(it["index"].(float64))] = true
		}
	}
	return out
}

func TestE2ESuccess(t *testing.T) {
	cfg := baseConfig(t)
	cfg.BatchSize = 3
	writeFeedback(t, "feedback.csv", 10, "Kasse", "Bakeri")
	rep, err := runPipeline(t, cfg)
	if err != nil {
		t.Fatalf("pipeline: %v", err)
	}
	if rep.Batches != 4 || rep.Calls != 4 || rep.Splits != 0 {
		t.Fatalf("批/调用计数不符: %+v", rep)
	}
	doc := readResult(t)
	if doc.Stats.Records != 10 || doc.Stats.Classified != 10 || len(doc.Dropped) != 0 {
		t.Fatalf("统计不符: %+v", doc.Stats)
	}
	if len(doc.Departments["Kasse"]) != 5 || len(doc.Departments["Bakeri"]) != 5 {
		t.Fatalf("分组不符: %v", doc.Departments)
	}
	// 组内保持输入顺序
	prev := int64(-1)
	for _, it := range doc.Departments["Kasse"] {
		idx := int64(it["index"].(float64))
		if idx <= prev {
			t.Fatalf("组内顺序错乱: %v", doc.Departments["Kasse"])
		}
		prev = idx
	}
	first := doc.Departments["Kasse"][0]
	if cats, ok := first["categories"].(map[string]any); !ok || cats["Lang kø/ventetid"] != float64(1) {
		t.Fatalf("分类不符: %v", first)
	}
}

func TestE2EPoisonRecordDropped(t *testing.T) {
	cfg := baseConfig(t)
	cfg.BatchSize = 4
	cfg.MaxRetries = 0
	cfg.LLM = "flaky"
	cfg.Provider["flaky"] = flaky(`{"fail_indices":[2]}`)
	writeFeedback(t, "feedback.csv", 4, "Kasse")
	rep, err := runPipeline(t, cfg)
	if err != nil {
		t.Fatalf("pipeline: %v", err)
	}
	got := readResult(t).indices()
	if len(got) != 3 || !got[0] || !got[1] || !got[3] {
		t.Fatalf("保留集合不符: %v", got)
	}
	if len(rep.Dropped) != 1 || rep.Dropped[0].Index != 2 || rep.Dropped[0].Kind != contract.KindTransport {
		t.Fatalf("丢弃记录不符: %+v", rep.Dropped)
	}
	// [0..3] → [0,1] ok,[2,3] → [2] x,[3] ok
	if rep.Calls != 5 || rep.Splits != 2 {
		t.Fatalf("调用/二分计数不符: calls=%d splits=%d", rep.Calls, rep.Splits)
	}
}

func TestE2EForeignIndexBisects(t *testing.T) {
	cfg := baseConfig(t)
	cfg.BatchSize = 8
	cfg.LLM = "flaky"
	cfg.Provider["flaky"] = flaky(`{"fail_above":2,"kind":"foreign"}`)
	writeFeedback(t, "feedback.csv", 8, "Kasse", "Bakeri", "Frukt")
	rep, err := runPipeline(t, cfg)
	if err != nil {
		t.Fatalf("pipeline: %v", err)
	}
	// 8 → 4+4 → 2+2+2+2
	if rep.Splits != 3 || len(rep.Dropped) != 0 || rep.Result.Len() != 8 {
		t.Fatalf("二分结果不符: splits=%d dropped=%v len=%d", rep.Splits, rep.Dropped, rep.Result.Len())
	}
	if len(rep.Conflicts) != 0 {
		t.Fatalf("不应出现冲突: %v", rep.Conflicts)
	}
	if got := readResult(t); got.Stats.Splits != 3 || len(got.Departments) != 3 {
		t.Fatalf("结果不符: %+v", got.Stats)
	}
}

func TestE2EBudgetExceeded(t *testing.T) {
	cfg := baseConfig(t)
	cfg.MaxTokens = 10
	writeFeedback(t, "feedback.csv", 4, "Kasse")
	_, err := runPipeline(t, cfg)
	if !errors.Is(err, contract.ErrBudgetExceeded) {
		t.Fatalf("expect ErrBudgetExceeded, got %v", err)
	}
	if _, err := os.Stat(filepath.Join("out", "result.json")); err == nil {
		t.Fatalf("预算不足时不应写出结果")
	}
}

func TestE2ECallBudgetDropsRemainder(t *testing.T) {
	cfg := baseConfig(t)
	cfg.BatchSize = 2
	cfg.Concurrency = 1
	cfg.MaxCalls = 2
	writeFeedback(t, "feedback.csv", 6, "Kasse")
	rep, err := runPipeline(t, cfg)
	if err != nil {
		t.Fatalf("pipeline: %v", err)
	}
	if rep.Calls != 2 || rep.Result.Len() != 4 || len(rep.Dropped) != 2 {
		t.Fatalf("调用上限未生效: calls=%d kept=%d dropped=%d", rep.Calls, rep.Result.Len(), len(rep.Dropped))
	}
	for _, d := range rep.Dropped {
		if d.Kind != contract.KindBudget {
			t.Fatalf("丢弃种类应为 budget: %+v", d)
		}
	}
}

func TestE2ERetry(t *testing.T) {
	cfg := baseConfig(t)
	cfg.BatchSize = 5
	cfg.Concurrency = 1
	cfg.MaxRetries = 2
	cfg.LLM = "flaky"
	logPath, err := filepath.Abs("flaky.log")
	if err != nil {
		t.Fatal(err)
	}
	cfg.Provider["flaky"] = flaky(fmt.Sprintf(`{"fail_first":2,"log_path":%q}`, logPath))
	writeFeedback(t, "feedback.csv", 5, "Kasse", "Bakeri")
	rep, err := runPipeline(t, cfg)
	if err != nil {
		t.Fatalf("pipeline: %v", err)
	}
	if rep.Splits != 0 || len(rep.Dropped) != 0 || rep.Result.Len() != 5 {
		t.Fatalf("原地重试应吸收瞬时失败: %+v", rep)
	}
	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 3 || !strings.Contains(lines[0], "fail=transport") || !strings.Contains(lines[1], "fail=transport") || !strings.HasSuffix(lines[2], "ok") {
		t.Fatalf("unexpected log: %v", lines)
	}
}

func TestE2ESQLiteStore(t *testing.T) {
	cfg := baseConfig(t)
	cfg.Components.Store = "sqlite"
	cfg.Options.Store = json.RawMessage(`{"path":"runs.db","wal":true}`)
	writeFeedback(t, "feedback.csv", 3, "Kasse")
	rep, err := runPipeline(t, cfg)
	if err != nil {
		t.Fatalf("pipeline: %v", err)
	}
	if rep.RunID == "" {
		t.Fatalf("run id 未生成")
	}
	if fi, err := os.Stat("runs.db"); err != nil || fi.Size() == 0 {
		t.Fatalf("结果库未写入: %v", err)
	}
}
