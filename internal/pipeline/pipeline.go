package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"llmcls/internal/aggregate"
	"llmcls/internal/classify"
	"llmcls/internal/diag"
	"llmcls/internal/prompt"
	"llmcls/internal/rate"
	"llmcls/internal/retry"
	"llmcls/internal/store"
	"llmcls/pkg/contract"
)

// - 单点并发：批级 worker 池与全局在途调用上限都在此层确定；原子组件同步、无内部并发。
// - 失败吸收：分类失败在 retry 内以二分吸收，不会中止运行。
// - 单写者归并：每个批的结果在一个临界区内并入聚合器；取消时在途批整体作废。
// - 输出：仅在分类阶段正常结束后装配并写出（可选落库）。

// Components 聚合运行所需的原子组件。Store 可选。
type Components struct {
	Reader        contract.Reader
	Splitter      contract.Splitter
	Batcher       contract.Batcher
	PromptBuilder contract.PromptBuilder
	LLM           contract.LLMClient
	Decoder       contract.Decoder
	Assembler     contract.Assembler
	Writer        contract.Writer
	Store         contract.ResultStore
}

// Settings 运行期配置。
type Settings struct {
	Inputs []string
	// Output: 结果工件标识（交给 Writer）。
	Output contract.ArtifactID
	// BatchSize: 单批记录上限（>=1）。
	BatchSize int
	// Concurrency: 并行处理的批数，同时也是全局在途分类调用上限。
	Concurrency int
	// MaxCalls: LLM 请求总上限（含原地重试）；0 表示不限。
	MaxCalls int
	// Budget: 共享调用预算；为空时按 MaxCalls 新建。
	Budget *retry.Budget
	// 预算：单请求 token 上限与估算系数；MaxTokens<=0 关闭。
	MaxTokens     int
	BytesPerToken int
	// MaxRetries: 瞬时错误的原地重试次数（>=0）。
	MaxRetries  int
	CallTimeout time.Duration
	// 限流闸门（可选）
	Gate    rate.Gate
	GateKey rate.LimitKey
	// RunID 为空时生成 UUID。
	RunID string
}

// Run 执行完整流水线：Reader → Splitter → Store → Batcher → [Retry ⇄ Classifier] → Aggregator → Assembler → Writer (→ ResultStore)。
// 冲突不作为错误返回：见 Report.Conflicts / Report.Err。
// ctx 取消时返回已完成归并部分的报告与 ctx 错误，不写出任何工件。
func Run(ctx context.Context, comp Components, set Settings, logger *diag.Logger) (contract.Report, error) {
	set, err := sanity(comp, set)
	if err != nil {
		return contract.Report{}, fmt.Errorf("sanity: %w", err)
	}

	maxBytes, err := prompt.BatchBytesBudget(comp.PromptBuilder, set.BytesPerToken, set.MaxTokens)
	if err != nil {
		return contract.Report{}, err
	}

	st := store.New()
	if err := load(ctx, comp, set, st, logger); err != nil {
		return contract.Report{RunID: set.RunID}, err
	}
	if st.Len() == 0 {
		return contract.Report{RunID: set.RunID}, fmt.Errorf("%w: inputs contain no records", contract.ErrConfiguration)
	}

	if set.Budget == nil {
		set.Budget = retry.NewBudget(set.MaxCalls)
	}
	cl, err := classify.New(comp.PromptBuilder, comp.LLM, comp.Decoder, classify.Options{
		Timeout:       set.CallTimeout,
		BytesPerToken: set.BytesPerToken,
		MaxRetries:    set.MaxRetries,
		Reserve:       set.Budget.Reserve,
		Gate:          set.Gate,
		GateKey:       set.GateKey,
	}, logger)
	if err != nil {
		return contract.Report{RunID: set.RunID}, err
	}

	rep, err := Classify(ctx, st.Records(), comp.Batcher, cl, set, maxBytes, logger)
	if err != nil {
		return rep, err
	}
	if err := conserve(st, rep); err != nil {
		logErr(logger, "aggregator", "conservation check failed", err)
		return rep, err
	}

	at := logger.Start("assembler", "assemble")
	rd, err := comp.Assembler.Assemble(ctx, rep)
	if err != nil {
		logErr(logger, "assembler", "assemble failed", err)
		return rep, fmt.Errorf("assembler assemble: %w", err)
	}
	at.Finish("assemble", int64(rep.Result.Len()))
	diag.IncOp("assembler", "finish", "success")

	wt := logger.StartWith("writer", "write", string(set.Output), "")
	if err := comp.Writer.Write(ctx, set.Output, rd); err != nil {
		fileErr(logger, "writer", "write failed", wt, string(set.Output), err)
		return rep, fmt.Errorf("writer write: %w", err)
	}
	wt.Finish("write", 1)
	diag.IncOp("writer", "finish", "success")

	if comp.Store != nil {
		sv := logger.Start("store", "save")
		if err := comp.Store.Save(ctx, rep); err != nil {
			logErr(logger, "store", "save failed", err)
			return rep, fmt.Errorf("store save: %w", err)
		}
		sv.Finish("save", int64(rep.Result.Len()))
		diag.IncOp("store", "finish", "success")
	}
	return rep, nil
}

// conserve 核对每条入库记录恰好落在结果或丢弃清单之一。
func conserve(st *store.Store, rep contract.Report) error {
	present := rep.Result.Indices()
	for _, d := range rep.Dropped {
		present = append(present, d.Index)
	}
	if len(present) != st.Len() {
		return fmt.Errorf("%w: %d records, %d accounted for", contract.ErrInvariantViolation, st.Len(), len(present))
	}
	if miss := st.Missing(present); len(miss) > 0 {
		r, _ := st.Get(miss[0])
		return fmt.Errorf("%w: index %d (%s) neither kept nor dropped", contract.ErrInvariantViolation, miss[0], r.Source)
	}
	return nil
}

// load 遍历输入并把每个文件的行按序入库。
func load(ctx context.Context, comp Components, set Settings, st *store.Store, logger *diag.Logger) error {
	rt := logger.Start("reader", "iterate")
	err := comp.Reader.Iterate(ctx, set.Inputs, func(fid contract.FileID, rc io.ReadCloser) error {
		defer rc.Close()
		sp := logger.StartWith("splitter", "split", string(fid), "")
		rows, err := comp.Splitter.Split(ctx, fid, rc)
		if err != nil {
			fileErr(logger, "splitter", "split failed", sp, string(fid), err)
			return fmt.Errorf("splitter split %s: %w", fid, err)
		}
		first, n := st.Append(fid, rows)
		sp.Finish("split", int64(n))
		diag.IncOp("splitter", "finish", "success")
		logger.DebugStart("store", "append", string(fid), "", map[string]string{
			"first": strconv.FormatInt(int64(first), 10), "count": strconv.Itoa(n),
		})
		if t := diag.GetTerminal(); t != nil {
			t.FileLoaded(string(fid), n)
		}
		return nil
	})
	if err != nil {
		logErr(logger, "reader", "iterate failed", err)
		return fmt.Errorf("reader iterate: %w", err)
	}
	rt.Finish("iterate", int64(st.Len()))
	diag.IncOp("reader", "finish", "success")
	return nil
}

// Classify 是核心分类阶段：切批 → 并行解析（二分重试）→ 单写者归并。
// 返回的 Report 只包含已完整归并的批；错误仅来自切批配置或 ctx 结束。
func Classify(ctx context.Context, records []contract.Record, batcher contract.Batcher, cl contract.Classifier, set Settings, maxBytes int, logger *diag.Logger) (contract.Report, error) {
	if set.RunID == "" {
		set.RunID = uuid.NewString()
	}
	if set.Concurrency < 1 {
		set.Concurrency = 1
	}
	if set.Budget == nil {
		set.Budget = retry.NewBudget(set.MaxCalls)
	}
	rep := contract.Report{RunID: set.RunID, Records: len(records)}

	bt := logger.Start("batcher", "make")
	batches, err := batcher.Make(ctx, records, contract.BatchLimit{MaxRecords: set.BatchSize, MaxBytes: maxBytes})
	if err != nil {
		logErr(logger, "batcher", "make failed", err)
		return rep, fmt.Errorf("batcher make: %w", err)
	}
	bt.Finish("make", int64(len(batches)))
	diag.IncOp("batcher", "finish", "success")
	rep.Batches = len(batches)
	if t := diag.GetTerminal(); t != nil {
		t.Plan(len(records), len(batches))
	}

	coord := retry.New(cl, retry.Options{MaxInFlight: set.Concurrency, Budget: set.Budget}, logger)
	agg := aggregate.New()
	var done, dropped, splits atomic.Int64

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(set.Concurrency)
	for _, b := range batches {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			bid := b.ID()
			tm := logger.StartWithKV("retry", "resolve", "", bid, map[string]string{"records": strconv.Itoa(b.Len())})
			res, err := coord.Resolve(gctx, b)
			if err != nil {
				return err
			}
			if gctx.Err() != nil {
				// 取消后到达的结果整体丢弃
				return gctx.Err()
			}
			for _, c := range agg.Merge(res) {
				logger.WarnWith("aggregator", string(diag.CodeConflict), "duplicate index rejected", bid, map[string]string{
					"index": strconv.FormatInt(int64(c.Index), 10), "group": c.Group, "kept_group": c.KeptGroup,
				})
				diag.IncError("aggregator", string(diag.CodeConflict))
			}
			tm.Finish("resolve", int64(len(res.Items)))
			diag.IncOp("retry", "finish", "success")
			splits.Add(int64(res.Splits))
			n := done.Add(1)
			d := dropped.Add(int64(len(res.Dropped)))
			if t := diag.GetTerminal(); t != nil {
				t.Progress(int(n), len(batches), int(d))
			}
			return nil
		})
	}
	err = g.Wait()
	if err == nil {
		err = ctx.Err()
	}
	diag.ObserveDuration("retry", "all", time.Since(start).Milliseconds())

	rep.Result = agg.Snapshot()
	rep.Dropped = agg.Dropped()
	rep.Conflicts = agg.Conflicts()
	rep.Calls = coord.Calls()
	rep.Splits = int(splits.Load())
	if err != nil {
		logErr(logger, "retry", "classification interrupted", err)
		return rep, err
	}
	logger.InfoFinish("retry", "classified", start, int64(rep.Result.Len()))
	return rep, nil
}

func sanity(c Components, s Settings) (Settings, error) {
	if c.Reader == nil || c.Splitter == nil || c.Batcher == nil || c.PromptBuilder == nil || c.LLM == nil || c.Decoder == nil || c.Assembler == nil || c.Writer == nil {
		return s, fmt.Errorf("%w: pipeline: missing components", contract.ErrConfiguration)
	}
	if len(s.Inputs) == 0 {
		return s, fmt.Errorf("%w: pipeline: empty inputs", contract.ErrConfiguration)
	}
	if s.BatchSize < 1 {
		return s, fmt.Errorf("%w: batch size must be >= 1, got %d", contract.ErrConfiguration, s.BatchSize)
	}
	if s.Concurrency < 1 {
		s.Concurrency = 1
	}
	if s.Output == "" {
		s.Output = "result.json"
	}
	if s.RunID == "" {
		s.RunID = uuid.NewString()
	}
	return s, nil
}

// fileErr 记录与单个文件相关的失败（附 file_id 与耗时）。
func fileErr(logger *diag.Logger, comp, msg string, tm *diag.Timer, fileID string, err error) {
	code := diag.Classify(err)
	if errors.Is(err, context.Canceled) {
		logger.Warn(comp, string(code), msg)
	} else {
		logger.ErrorWith(comp, string(code), msg+": "+err.Error(), tm.Since(), fileID, "")
	}
	diag.IncOp(comp, "error", "error")
	if code != diag.CodeUnknown {
		diag.IncError(comp, string(code))
	}
}

func logErr(logger *diag.Logger, comp, msg string, err error) {
	code := diag.Classify(err)
	if errors.Is(err, context.Canceled) {
		logger.Warn(comp, string(code), msg)
	} else {
		logger.ErrorWithKV(comp, string(code), msg, nil, "", "", map[string]string{"err": err.Error()})
	}
	diag.IncOp(comp, "error", "error")
	if code != diag.CodeUnknown {
		diag.IncError(comp, string(code))
	}
}
