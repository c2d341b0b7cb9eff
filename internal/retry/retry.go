// Package retry 以递归二分驱动分类调用：批失败即对半切分重试，直至单条粒度。
package retry

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"llmcls/internal/diag"
	"llmcls/pkg/contract"
)

// Options 控制调用并发与调用上限。
type Options struct {
	// MaxInFlight: 全局同时进行的分类调用上限；<=0 表示不限。
	MaxInFlight int
	// MaxCalls: 整次运行的 LLM 请求总上限；0 表示不限。Budget 非空时忽略。
	// 耗尽后仍需调用的批整体丢弃（kind=budget）。
	MaxCalls int
	// Budget: 与分类适配器共享的调用预算，使原地重试同样计入上限。
	Budget *Budget
}

// Coordinator 对单个批给出尽力结果；可被多个 worker 并发使用。
type Coordinator struct {
	cl     contract.Classifier
	sem    *semaphore.Weighted
	budget *Budget
	logger *diag.Logger
}

// New 构造协调器；logger 可为 nil。
func New(cl contract.Classifier, opts Options, logger *diag.Logger) *Coordinator {
	c := &Coordinator{cl: cl, budget: opts.Budget, logger: logger}
	if opts.MaxInFlight > 0 {
		c.sem = semaphore.NewWeighted(int64(opts.MaxInFlight))
	}
	if c.budget == nil {
		c.budget = NewBudget(opts.MaxCalls)
	}
	return c
}

// Calls 返回迄今实际发出的调用数（含共享预算上记录的原地重试）。
func (c *Coordinator) Calls() int { return c.budget.Calls() }

// Resolve 返回批内可分类记录的结果（左半在前）与被丢弃记录。
// 分类失败从不向上传播；仅空批（ErrConfiguration）与 ctx 结束会返回错误，
// 此时该批的部分结果整体作废。
func (c *Coordinator) Resolve(ctx context.Context, b contract.Batch) (contract.Resolution, error) {
	if b.Len() == 0 {
		return contract.Resolution{}, fmt.Errorf("%w: resolve called with empty batch", contract.ErrConfiguration)
	}
	return c.resolve(ctx, b)
}

func (c *Coordinator) resolve(ctx context.Context, b contract.Batch) (contract.Resolution, error) {
	if err := ctx.Err(); err != nil {
		return contract.Resolution{}, err
	}
	bid := b.ID()
	if !c.budget.Reserve() {
		c.logger.WarnWith("retry", string(diag.CodeBudget), "call ceiling reached, dropping batch", bid, map[string]string{"size": strconv.Itoa(b.Len())})
		return contract.Resolution{Dropped: dropAll(b, contract.KindBudget, "max_calls exhausted")}, nil
	}

	out := c.call(ctx, b)
	if out.OK() {
		p, _ := out.Payload()
		diag.IncCall("success")
		return contract.Resolution{Items: Flatten(b, p), Calls: 1}, nil
	}
	kind, detail, _ := out.Failure()
	if err := ctx.Err(); err != nil {
		// 取消导致的失败不得触发切分或丢弃
		return contract.Resolution{}, err
	}
	diag.IncCall(string(kind))

	if b.Len() == 1 {
		d := contract.Dropped{Index: b.Records[0].Index, Kind: kind, Detail: detail}
		c.logger.WarnWith("retry", string(kind), d.Error(), bid, map[string]string{"index": strconv.FormatInt(int64(d.Index), 10)})
		diag.IncDropped(string(kind))
		diag.IncError("retry", string(diag.Classify(d)))
		return contract.Resolution{Dropped: []contract.Dropped{d}, Calls: 1}, nil
	}

	left, right := Split(b)
	diag.IncBisection()
	c.logger.WarnWith("retry", string(kind), "batch failed, bisecting", bid, map[string]string{
		"left": strconv.Itoa(left.Len()), "right": strconv.Itoa(right.Len()), "detail": out.Err().Error(),
	})

	var lr, rr contract.Resolution
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		lr, err = c.resolve(gctx, left)
		return err
	})
	g.Go(func() error {
		var err error
		rr, err = c.resolve(gctx, right)
		return err
	})
	if err := g.Wait(); err != nil {
		return contract.Resolution{}, err
	}
	return contract.Resolution{
		Items:   append(lr.Items, rr.Items...),
		Dropped: append(lr.Dropped, rr.Dropped...),
		Calls:   1 + lr.Calls + rr.Calls,
		Splits:  1 + lr.Splits + rr.Splits,
	}, nil
}

// call 在全局并发槽内发出一次分类调用；槽只在调用期间持有，嵌套的子批不会互相等待。
func (c *Coordinator) call(ctx context.Context, b contract.Batch) contract.Outcome {
	if c.sem != nil {
		if err := c.sem.Acquire(ctx, 1); err != nil {
			// 未发出的调用不计数
			c.budget.Refund()
			return contract.Failed(contract.KindCanceled, err.Error())
		}
		defer c.sem.Release(1)
	}
	return c.cl.Classify(ctx, b)
}

// Split 将批切为连续两半：len(left)=ceil(n/2)。子批继承父批 Seq。
func Split(b contract.Batch) (left, right contract.Batch) {
	mid := (b.Len() + 1) / 2
	left = contract.Batch{Seq: b.Seq, Records: b.Records[:mid:mid]}
	right = contract.Batch{Seq: b.Seq, Records: b.Records[mid:]}
	return left, right
}

// Flatten 将成功载荷展开为有序序列：分组按载荷顺序；组内按记录在批内的位置稳定排序，
// 保证同批同组记录的相对顺序与输入一致。Group 字段以所在分组键为准。
func Flatten(b contract.Batch, p contract.Payload) []contract.RecordClassification {
	pos := make(map[contract.Index]int, b.Len())
	for i, r := range b.Records {
		pos[r.Index] = i
	}
	out := make([]contract.RecordClassification, 0, p.Len())
	for _, g := range p {
		start := len(out)
		for _, it := range g.Items {
			it.Group = g.Key
			out = append(out, it)
		}
		seg := out[start:]
		sort.SliceStable(seg, func(i, j int) bool { return pos[seg[i].Index] < pos[seg[j].Index] })
	}
	return out
}

func dropAll(b contract.Batch, kind contract.FailureKind, detail string) []contract.Dropped {
	out := make([]contract.Dropped, b.Len())
	for i, r := range b.Records {
		out[i] = contract.Dropped{Index: r.Index, Kind: kind, Detail: detail}
	}
	return out
}
