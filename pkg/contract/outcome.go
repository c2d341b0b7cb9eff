package contract

import (
	"context"
	"fmt"
)

// FailureKind: 分类失败的种类，仅用于诊断；重试策略对所有种类一视同仁。
type FailureKind string

const (
	KindTransport    FailureKind = "transport"
	KindRateLimited  FailureKind = "rate_limited"
	KindMalformed    FailureKind = "malformed"
	KindRejected     FailureKind = "rejected"
	KindInvalidIndex FailureKind = "invalid_index"
	KindIncomplete   FailureKind = "incomplete"
	KindCanceled     FailureKind = "canceled"
	KindBudget       FailureKind = "budget"
)

// Outcome: 分类调用结果，二选一：Success(payload) | Failure(kind, detail)。
// 零值为 Failure(transport)，避免未初始化结果被误当作成功。
type Outcome struct {
	ok      bool
	payload Payload
	kind    FailureKind
	detail  string
}

// Succeeded 构造成功结果。
func Succeeded(p Payload) Outcome { return Outcome{ok: true, payload: p} }

// Failed 构造失败结果；kind 为空时记为 transport。
func Failed(kind FailureKind, detail string) Outcome {
	if kind == "" {
		kind = KindTransport
	}
	return Outcome{kind: kind, detail: detail}
}

// OK 是否成功。
func (o Outcome) OK() bool { return o.ok }

// Payload 返回成功载荷；失败时 ok=false。
func (o Outcome) Payload() (Payload, bool) {
	if !o.ok {
		return nil, false
	}
	return o.payload, true
}

// Failure 返回失败种类与详情；成功时 ok=false。
func (o Outcome) Failure() (FailureKind, string, bool) {
	if o.ok {
		return "", "", false
	}
	kind := o.kind
	if kind == "" {
		kind = KindTransport
	}
	return kind, o.detail, true
}

// Err 把失败折叠为包裹 ErrClassification 的错误；成功返回 nil。
func (o Outcome) Err() error {
	kind, detail, failed := o.Failure()
	if !failed {
		return nil
	}
	return fmt.Errorf("%w: %s: %s", ErrClassification, kind, detail)
}

// Classifier: 外部分类边界（契约）。
// 约束：
//  1. 不修改 Batch；
//  2. 仅当批内每条记录恰好获得一个 Index 取自该批的分类时返回 Success；
//  3. 其余情况（传输错误、响应不可解析、显式拒绝、索引越界/缺失）一律返回 Failure；
//  4. 阻塞调用，应尊重 ctx 取消。
type Classifier interface {
	Classify(ctx context.Context, b Batch) Outcome
}
