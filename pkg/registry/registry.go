package registry

import (
	"bytes"
	"context"
	"encoding/json"

	"llmcls/pkg/contract"
	acsv "llmcls/plugins/assembler/csv"
	ajson "llmcls/plugins/assembler/json"
	bfixed "llmcls/plugins/batcher/fixed"
	ddept "llmcls/plugins/decoder/deptjson"
	flaky "llmcls/plugins/llmclient/flaky"
	gmi "llmcls/plugins/llmclient/gemini"
	mock "llmcls/plugins/llmclient/mock"
	oai "llmcls/plugins/llmclient/openai"
	pfb "llmcls/plugins/prompt/feedback"
	rfs "llmcls/plugins/reader/filesystem"
	scsv "llmcls/plugins/splitter/csv"
	ssql "llmcls/plugins/store/sqlite"
	wfs "llmcls/plugins/writer/filesystem"
)

// strictUnmarshal: 使用 DisallowUnknownFields 严格解码，拒绝未知字段。
func strictUnmarshal(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		// 保持零值（默认选项）
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// 工厂签名：均接收原样 JSON Options。
type (
	NewReader        func(raw json.RawMessage) (contract.Reader, error)
	NewSplitter      func(raw json.RawMessage) (contract.Splitter, error)
	NewBatcher       func(raw json.RawMessage) (contract.Batcher, error)
	NewPromptBuilder func(raw json.RawMessage) (contract.PromptBuilder, error)
	NewLLMClient     func(raw json.RawMessage) (contract.LLMClient, error)
	NewDecoder       func(raw json.RawMessage) (contract.Decoder, error)
	NewAssembler     func(raw json.RawMessage) (contract.Assembler, error)
	NewWriter        func(raw json.RawMessage) (contract.Writer, error)
	NewStore         func(raw json.RawMessage) (contract.ResultStore, error)
)

// Reader 工厂注册表（显式、零反射）。
var Reader = map[string]NewReader{
	// fs: 文件系统/STDIN Reader
	"fs": func(raw json.RawMessage) (contract.Reader, error) {
		var opts rfs.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return rfs.New(&opts), nil
	},
}

// Splitter 工厂注册表。
var Splitter = map[string]NewSplitter{
	// csv: 带表头的 CSV/TSV 行拆分器
	"csv": func(raw json.RawMessage) (contract.Splitter, error) {
		var opts scsv.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return scsv.New(&opts)
	},
}

// Batcher 工厂注册表。
var Batcher = map[string]NewBatcher{
	"fixed": func(raw json.RawMessage) (contract.Batcher, error) {
		var opts bfixed.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return bfixed.New(&opts), nil
	},
}

// PromptBuilder 工厂注册表。
var PromptBuilder = map[string]NewPromptBuilder{
	// feedback: 反馈分类 Chat 提示词（system + 数据）
	"feedback": func(raw json.RawMessage) (contract.PromptBuilder, error) {
		var opts pfb.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return pfb.New(&opts)
	},
}

// LLMClient 工厂注册表。
var LLMClient = map[string]NewLLMClient{
	"openai": func(raw json.RawMessage) (contract.LLMClient, error) { return oai.New(raw) },
	"gemini": func(raw json.RawMessage) (contract.LLMClient, error) { return gmi.New(raw) },
	"mock":   func(raw json.RawMessage) (contract.LLMClient, error) { return mock.New(raw) },
	"flaky":  func(raw json.RawMessage) (contract.LLMClient, error) { return flaky.New(raw) },
}

// Decoder 工厂注册表。
var Decoder = map[string]NewDecoder{
	// deptjson: {"departments":{"<组>":[{index,...,categories}]}}
	"deptjson": func(raw json.RawMessage) (contract.Decoder, error) { return ddept.New(raw) },
}

// Assembler 工厂注册表。
var Assembler = map[string]NewAssembler{
	"json": func(raw json.RawMessage) (contract.Assembler, error) { return ajson.New(raw) },
	"csv":  func(raw json.RawMessage) (contract.Assembler, error) { return acsv.New(raw) },
}

// Writer 工厂注册表。
var Writer = map[string]NewWriter{
	// fs: 文件系统 Writer（覆盖写/原子替换可配置）
	"fs": func(raw json.RawMessage) (contract.Writer, error) {
		var opts wfs.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return wfs.New(&opts)
	},
}

// Store 结果库注册表（可选组件）。
var Store = map[string]NewStore{
	// sqlite: 打开即迁移到最新表结构
	"sqlite": func(raw json.RawMessage) (contract.ResultStore, error) {
		var opts ssql.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return ssql.Open(context.Background(), opts)
	},
}
