package contract

import "errors"

// 运行级错误分类（仅这些会越过 Retry Coordinator 向上传播或出现在报告中）。
var (
	// ErrConfiguration: 静态参数非法（批大小 < 1、需要记录时输入为空等）。
	ErrConfiguration = errors.New("configuration error")
	// ErrClassification: 分类客户端无法对批产出有效结构化结果；总在本地以二分吸收。
	ErrClassification = errors.New("classification failure")
	// ErrDroppedRecord: 单条批仍失败的终态，仅作诊断。
	ErrDroppedRecord = errors.New("dropped record")
	// ErrAggregationConflict: 同一 Index 在多个批的结果中重复出现（客户端违约）。
	ErrAggregationConflict = errors.New("aggregation conflict")
)

// 输出与通用不变量。
var (
	// ErrPathInvalid: 目标标识映射为无效/越界路径（例如绝对路径或 '..' 逃逸）。
	ErrPathInvalid = errors.New("path invalid")
	// ErrBudgetExceeded: 预算或配额不足（如调用上限、单请求 token 上限）。
	ErrBudgetExceeded = errors.New("budget exceeded")
	// ErrInvariantViolation: 领域不变量违例（通用哨兵）。
	ErrInvariantViolation = errors.New("invariant violation")
)

// 响应校验细分（均同时包裹 ErrResponseInvalid）。
var (
	// ErrIndexInvalid: 响应引用了批外 Index，或重复引用同一 Index。
	ErrIndexInvalid = errors.New("index invalid")
	// ErrIncomplete: 批内存在未获分类的记录。
	ErrIncomplete = errors.New("response incomplete")
)
