package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	cfgpkg "llmcls/internal/config"
	"llmcls/internal/diag"
	"llmcls/internal/pipeline"
	"llmcls/pkg/contract"
)

// 退出码。
const (
	exitOK        = 0
	exitRuntime   = 1
	exitConflicts = 2
	exitConfig    = 3
)

var pipelineRun = pipeline.Run

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// flags 为根命令的覆盖项；整型 -1 表示未设置。
type flags struct {
	config      string
	llm         string
	output      string
	batchSize   int
	concurrency int
	maxCalls    int
	maxRetries  int
	status      bool
	debug       bool
}

// run 构造命令树并执行，返回进程退出码。
func run(args []string, stdout, stderr io.Writer) int {
	code := exitOK
	root := newRootCmd(stdout, stderr, &code)
	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		// 旗标/参数错误
		fmt.Fprintf(stderr, "参数错误: %v\n", err)
		return exitConfig
	}
	return code
}

func newRootCmd(stdout, stderr io.Writer, code *int) *cobra.Command {
	var f flags
	root := &cobra.Command{
		Use:           "llmcls [inputs...]",
		Short:         "LLM 批量分类：CSV 反馈按组分类，失败批自动二分隔离",
		Long:          "llmcls 读取 CSV 记录，分批交给 LLM 分类；失败的批递归二分直至隔离出有问题的单条记录，\n其余记录的结果按分组聚合写出。输入为 \"-\" 时读取 STDIN。",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			*code = runClassify(cmd.Context(), f, args, stderr)
			return nil
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	pf := root.PersistentFlags()
	pf.StringVar(&f.config, "config", "", "配置文件（.json/.yaml）；缺省读取 ./config.json 或 ./config.yaml（若存在）")
	pf.BoolVar(&f.debug, "debug", false, "debug 级别日志")
	fl := root.Flags()
	fl.StringVar(&f.llm, "llm", "", "provider 名称（覆盖配置）")
	fl.StringVar(&f.output, "output", "", "结果工件名（相对 writer.output_dir）")
	fl.IntVar(&f.batchSize, "batch-size", 0, "初始批大小（覆盖配置）")
	fl.IntVar(&f.concurrency, "concurrency", 0, "并发批数（覆盖配置）")
	fl.IntVar(&f.maxCalls, "max-calls", -1, "分类调用总上限；0 表示不限")
	fl.IntVar(&f.maxRetries, "max-retries", -1, "瞬时错误原地重试次数；0 表示不重试")
	fl.BoolVar(&f.status, "status", true, "终端状态提示（stderr）")

	root.AddCommand(newInitCmd(stdout, stderr, code))
	return root
}

func runClassify(parent context.Context, f flags, roots []string, stderr io.Writer) int {
	start := time.Now()
	runID := uuid.NewString()
	// 在任何 ENV 读取前加载 .env（不覆盖已有 ENV）
	if err := cfgpkg.LoadDotEnv(".env"); err != nil {
		fmt.Fprintf(stderr, "提示：.env 读取失败（已跳过）：%v\n", err)
	}

	cfg, err := loadConfig(f, roots)
	if err != nil {
		fmt.Fprintf(stderr, "配置解析失败: %v\n", err)
		return exitConfig
	}
	if err := cfgpkg.Validate(cfg); err != nil {
		fmt.Fprintf(stderr, "配置校验失败: %v\n", err)
		dumpConfig(stderr, cfg)
		return exitConfig
	}

	level := cfg.Logging.Level
	if f.debug {
		level = "debug"
	}
	logger := diag.New(runID, diag.Options{Level: level, Console: cfg.Logging.Console, Dir: cfg.Logging.Dir})
	defer logger.Close()

	comp, set, err := cfgpkg.Assemble(cfg)
	if err != nil {
		fmt.Fprintf(stderr, "装配失败: %v\n", err)
		logger.Error("pipeline", string(diag.Classify(err)), "assemble failed", &start)
		return exitConfig
	}
	if comp.Store != nil {
		defer comp.Store.Close()
	}
	set.RunID = runID
	logEffective(logger, cfg)

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if addr := strings.TrimSpace(cfg.Metrics.Listen); addr != "" {
		go func() {
			if err := diag.Serve(ctx, addr); err != nil {
				logger.Warn("metrics", string(diag.Classify(err)), "metrics listener: "+err.Error())
			}
		}()
	}

	term := diag.NewTerminal(stderr, f.status)
	diag.SetTerminal(term)
	defer diag.SetTerminal(nil)
	term.RunStart(cfg.Concurrency, cfg.LLM)

	t := logger.Start("pipeline", "run")
	rep, err := pipelineRun(ctx, comp, set, logger)
	if err != nil {
		code := string(diag.Classify(err))
		logger.Error("pipeline", code, "run failed", &start)
		diag.IncOp("pipeline", "error", "error")
		if code != string(diag.CodeUnknown) {
			diag.IncError("pipeline", code)
		}
		term.RunFinish(false, rep.Result.Len(), len(rep.Dropped), time.Since(start))
		switch {
		case errors.Is(err, context.Canceled):
			fmt.Fprintln(stderr, "已取消")
		case errors.Is(err, contract.ErrConfiguration):
			fmt.Fprintf(stderr, "配置错误: %v\n", err)
			return exitConfig
		default:
			fmt.Fprintf(stderr, "运行失败: %v\n", err)
		}
		return exitRuntime
	}
	t.Finish("run", int64(rep.Result.Len()))
	diag.IncOp("pipeline", "finish", "success")
	diag.ObserveDuration("pipeline", "finish", time.Since(start).Milliseconds())
	term.RunFinish(true, rep.Result.Len(), len(rep.Dropped), time.Since(start))

	if cerr := rep.Err(); cerr != nil {
		logger.Warn("pipeline", string(diag.Classify(cerr)), fmt.Sprintf("%d aggregation conflicts", len(rep.Conflicts)))
		fmt.Fprintf(stderr, "完成，但存在 %d 个聚合冲突（首次结果已保留）\n", len(rep.Conflicts))
		return exitConflicts
	}
	return exitOK
}

// loadConfig 按 默认 → 文件 → ENV → CLI 的顺序合并。
func loadConfig(f flags, roots []string) (cfgpkg.Config, error) {
	cfg := cfgpkg.Defaults()

	path := f.config
	if path == "" {
		path = os.Getenv(cfgpkg.EnvPrefix + "CONFIG_FILE")
	}
	if path == "" {
		for _, p := range []string{"config.json", "config.yaml", "config.yml"} {
			if _, err := os.Stat(p); err == nil {
				path = p
				break
			}
		}
	}
	switch raw := os.Getenv(cfgpkg.EnvPrefix + "CONFIG_JSON"); {
	case raw != "":
		base, err := cfgpkg.LoadJSON("", []byte(raw))
		if err != nil {
			return cfg, fmt.Errorf("%sCONFIG_JSON: %w", cfgpkg.EnvPrefix, err)
		}
		cfg = cfgpkg.Merge(cfg, base)
	case path != "":
		base, err := cfgpkg.LoadFile(path)
		if err != nil {
			return cfg, err
		}
		cfg = cfgpkg.Merge(cfg, base)
	}

	env, err := cfgpkg.EnvOverlay(os.Environ())
	if err != nil {
		return cfg, err
	}
	cfg = cfgpkg.Merge(cfg, env)

	cli := cfgpkg.Blank()
	cli.LLM = f.llm
	cli.Output = f.output
	cli.BatchSize = max(f.batchSize, 0)
	cli.Concurrency = max(f.concurrency, 0)
	cli.MaxCalls = f.maxCalls
	cli.MaxRetries = f.maxRetries
	if len(roots) > 0 {
		cli.Inputs = roots
	}
	return cfgpkg.Merge(cfg, cli), nil
}

func dumpConfig(w io.Writer, c cfgpkg.Config) {
	// provider.options 可能含密钥，不输出
	redacted := c
	redacted.Provider = make(map[string]cfgpkg.Provider, len(c.Provider))
	for k, p := range c.Provider {
		p.Options = nil
		redacted.Provider[k] = p
	}
	b, err := json.MarshalIndent(redacted, "", "  ")
	if err != nil {
		return
	}
	fmt.Fprintf(w, "有效配置:\n%s\n", b)
}

// logEffective 在 debug 级别输出运行时配置（已脱敏）。
func logEffective(logger *diag.Logger, cfg cfgpkg.Config) {
	kv := map[string]string{
		"inputs_count":   strconv.Itoa(len(cfg.Inputs)),
		"batch_size":     strconv.Itoa(cfg.BatchSize),
		"concurrency":    strconv.Itoa(cfg.Concurrency),
		"max_calls":      strconv.Itoa(cfg.MaxCalls),
		"max_tokens":     strconv.Itoa(cfg.MaxTokens),
		"max_retries":    strconv.Itoa(cfg.MaxRetries),
		"llm":            cfg.LLM,
		"splitter":       cfg.Components.Splitter,
		"prompt_builder": cfg.Components.PromptBuilder,
		"decoder":        cfg.Components.Decoder,
		"assembler":      cfg.Components.Assembler,
		"store":          cfg.Components.Store,
	}
	if p, ok := cfg.Provider[cfg.LLM]; ok {
		kv["provider_client"] = p.Client
		var s struct {
			BaseURL  string `json:"base_url"`
			Model    string `json:"model"`
			Endpoint string `json:"endpoint_path"`
		}
		_ = json.Unmarshal(p.Options, &s)
		for k, v := range map[string]string{"base_url": s.BaseURL, "model": s.Model, "endpoint_path": s.Endpoint} {
			if v != "" {
				kv[k] = v
			}
		}
	}
	logger.DebugStart("config", "effective", "", "", kv)
}
