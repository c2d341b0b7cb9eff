package stress

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	cfgpkg "llmcls/internal/config"
	"llmcls/internal/diag"
	"llmcls/internal/pipeline"
	"llmcls/pkg/contract"
)

const records = 2000

// writeInput 生成大规模反馈 CSV。
func writeInput(path string, n int) error {
	depts := []string{"Kasse", "Bakeri", "Frukt", "Kjøtt", "Meieri", "Fisk"}
	comments := []string{"Lang kø i kassa", "Hyggelig og flott", "Dyre produkter", "", "Skitten butikk", "Uhøflig kundeservice"}
	var b strings.Builder
	b.WriteString("Avd,Dato,Kommentar,★\n")
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, "%s,2024-%02d-%02d,%s,%d\n", depts[i%len(depts)], i%12+1, i%28+1, comments[(i/3)%len(comments)], i%5+1)
	}
	return os.WriteFile(path, []byte(b.String()), 0o644)
}

// baseConfig 构造 mock 客户端驱动的配置；flaky 用于混入失败批。
func baseConfig(input, outDir string, conc int, failAbove int) cfgpkg.Config {
	cfg := cfgpkg.DefaultTemplateConfig()
	cfg.Inputs = []string{input}
	cfg.Concurrency = conc
	cfg.BatchSize = 25
	cfg.MaxRetries = 0
	cfg.Logging.Level = "error"
	cfg.Options.Writer = json.RawMessage(fmt.Sprintf(`{"output_dir":%q,"atomic":true}`, outDir))
	cfg.LLM = "flaky"
	cfg.Provider["flaky"] = cfgpkg.Provider{
		Client:  "flaky",
		Options: json.RawMessage(fmt.Sprintf(`{"fail_above":%d,"kind":"incomplete","mock":{"delay_ms":1}}`, failAbove)),
	}
	return cfg
}

// runPipeline 执行完整流水线。
func runPipeline(cfg cfgpkg.Config) (contract.Report, error) {
	if err := cfgpkg.Validate(cfg); err != nil {
		return contract.Report{}, err
	}
	comp, set, err := cfgpkg.Assemble(cfg)
	if err != nil {
		return contract.Report{}, err
	}
	logger := diag.New("stress", diag.Options{Level: "error", Writer: io.Discard})
	defer logger.Close()
	return pipeline.Run(context.Background(), comp, set, logger)
}

// TestStress 在不同并发度下运行流水线并记录延迟统计；半数批次需要二分一次。
func TestStress(t *testing.T) {
	if testing.Short() {
		t.Skip("short mode")
	}
	t.Chdir(t.TempDir())
	if err := writeInput("feedback.csv", records); err != nil {
		t.Fatalf("写入输入失败: %v", err)
	}
	levels := []int{1, 8, 16, 32, 64}
	for _, conc := range levels {
		t.Run(fmt.Sprintf("concurrency_%d", conc), func(t *testing.T) {
			const runs = 3
			successes := 0
			latencies := make([]time.Duration, 0, runs)
			for i := 0; i < runs; i++ {
				outDir := fmt.Sprintf("out-%d-%d", conc, i)
				cfg := baseConfig("feedback.csv", outDir, conc, 13)
				start := time.Now()
				rep, err := runPipeline(cfg)
				dur := time.Since(start)
				if err != nil {
					t.Errorf("run %d: %v", i, err)
					continue
				}
				if rep.Result.Len() != records || len(rep.Dropped) != 0 || len(rep.Conflicts) != 0 {
					t.Errorf("run %d: kept=%d dropped=%d conflicts=%d", i, rep.Result.Len(), len(rep.Dropped), len(rep.Conflicts))
					continue
				}
				if _, err := os.Stat(filepath.Join(outDir, "result.json")); err != nil {
					t.Errorf("run %d: 结果未写出: %v", i, err)
					continue
				}
				successes++
				latencies = append(latencies, dur)
			}
			if successes == 0 {
				t.Fatalf("全部运行失败")
			}
			sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
			var total time.Duration
			for _, d := range latencies {
				total += d
			}
			avg := total / time.Duration(len(latencies))
			idx := int(math.Ceil(float64(len(latencies))*0.95)) - 1
			if idx < 0 {
				idx = 0
			}
			p95 := latencies[idx]
			t.Logf("并发%d 成功率%.2f 平均%v 95%%延迟%v", conc, float64(successes)/float64(runs), avg, p95)
		})
	}
}
