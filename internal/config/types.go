package config

import (
	"encoding/json"
)

// Config: 运行期只读配置（一次解析，运行期不变）。
// 键使用 snake_case；未知字段在解析期失败（JSON 与 YAML 一致）。
type Config struct {
	Inputs []string `json:"inputs"`
	// Output: 结果工件名（相对 writer.output_dir）；默认 result.json。
	Output string `json:"output,omitempty"`
	// BatchSize: 初始批大小上限（>=1），默认 10。
	BatchSize   int `json:"batch_size"`
	Concurrency int `json:"concurrency"`
	// MaxCalls: 分类调用总数上限；0 表示不限。
	MaxCalls  int `json:"max_calls"`
	MaxTokens int `json:"max_tokens"`
	// MaxRetries: 瞬时错误的原地重试次数（>=0）。0 表示不重试。
	MaxRetries int `json:"max_retries"`
	// CallTimeoutSeconds: 单次分类调用超时；0 表示仅受 ctx 约束。
	CallTimeoutSeconds int     `json:"call_timeout_seconds,omitempty"`
	Logging            Logging `json:"logging"`
	Metrics            Metrics `json:"metrics"`

	// 组件名选择（空则使用默认名；store 为空表示不落库）。
	Components Components `json:"components"`

	// LLM Provider 选择与定义。
	LLM      string              `json:"llm"`
	Provider map[string]Provider `json:"provider"`

	// 各组件 Options 子树，原样 JSON 传入工厂。
	Options Options `json:"options"`
}

// Logging: 等级与落点；文件轮转策略为固定默认。
type Logging struct {
	Level   string `json:"level"`
	Console bool   `json:"console,omitempty"`
	Dir     string `json:"dir,omitempty"`
}

// Metrics: Prometheus 导出；Listen 为空不启动。
type Metrics struct {
	Listen string `json:"listen,omitempty"`
}

// Components: 组件名选择（注册表中的实现名）。
type Components struct {
	Reader        string `json:"reader"`
	Splitter      string `json:"splitter"`
	Batcher       string `json:"batcher"`
	Writer        string `json:"writer"`
	PromptBuilder string `json:"prompt_builder"`
	Decoder       string `json:"decoder"`
	Assembler     string `json:"assembler"`
	Store         string `json:"store,omitempty"`
}

// Options: 各组件的原样 JSON Options。
type Options struct {
	Reader        json.RawMessage `json:"reader,omitempty"`
	Splitter      json.RawMessage `json:"splitter,omitempty"`
	Batcher       json.RawMessage `json:"batcher,omitempty"`
	Writer        json.RawMessage `json:"writer,omitempty"`
	PromptBuilder json.RawMessage `json:"prompt_builder,omitempty"`
	Decoder       json.RawMessage `json:"decoder,omitempty"`
	Assembler     json.RawMessage `json:"assembler,omitempty"`
	Store         json.RawMessage `json:"store,omitempty"`
}

// Provider: 命名 provider 定义（client 实现 + options + 限额）。
type Provider struct {
	Client  string          `json:"client"`
	Options json.RawMessage `json:"options,omitempty"`
	Limits  Limits          `json:"limits"`
}

// Limits: 限流配置（仅承载；执行位于 rate.Gate）。
type Limits struct {
	RPM             int `json:"rpm"`
	TPM             int `json:"tpm"`
	MaxTokensPerReq int `json:"max_tokens_per_req"`
}
