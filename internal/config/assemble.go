package config

import (
	"fmt"
	"path"
	"strings"
	"time"

	"llmcls/internal/pipeline"
	"llmcls/internal/rate"
	"llmcls/pkg/contract"
	"llmcls/pkg/registry"
)

// invalid 包装静态配置错误（CLI 以退出码 3 区分）。
func invalid(format string, args ...any) error {
	return fmt.Errorf("config: %w: %s", contract.ErrConfiguration, fmt.Sprintf(format, args...))
}

var levels = map[string]bool{"": true, "debug": true, "info": true, "warn": true, "error": true}

// Validate 对静态边界做校验；所有错误包裹 contract.ErrConfiguration。
func Validate(cfg Config) error {
	if len(cfg.Inputs) == 0 {
		return invalid("inputs empty")
	}
	// 输入路径不得为空字符串；"-" 不能与其他根混用
	dash := false
	for _, r := range cfg.Inputs {
		switch strings.TrimSpace(r) {
		case "":
			return invalid("input path cannot be empty")
		case "-":
			dash = true
		}
	}
	if dash && len(cfg.Inputs) > 1 {
		return invalid("'-' cannot be mixed with other roots")
	}
	if o := strings.TrimSpace(cfg.Output); o != "" && (path.IsAbs(o) || strings.HasPrefix(path.Clean(o), "..")) {
		return invalid("output %q must stay inside writer.output_dir", o)
	}
	switch {
	case cfg.BatchSize < 1:
		return invalid("batch_size must be >= 1, got %d", cfg.BatchSize)
	case cfg.Concurrency < 1:
		return invalid("concurrency must be >= 1, got %d", cfg.Concurrency)
	case cfg.MaxCalls < 0:
		return invalid("max_calls must be >= 0")
	case cfg.MaxTokens < 0:
		return invalid("max_tokens must be >= 0")
	case cfg.MaxRetries < 0:
		return invalid("max_retries must be >= 0")
	case cfg.CallTimeoutSeconds < 0:
		return invalid("call_timeout_seconds must be >= 0")
	case !levels[strings.ToLower(cfg.Logging.Level)]:
		return invalid("logging.level %q unknown", cfg.Logging.Level)
	case cfg.LLM == "":
		return invalid("llm not set")
	}
	prov, ok := cfg.Provider[cfg.LLM]
	if !ok {
		return invalid("provider %q not found", cfg.LLM)
	}
	if prov.Client == "" {
		return invalid("provider %q missing client", cfg.LLM)
	}
	if prov.Limits.RPM < 0 || prov.Limits.TPM < 0 || prov.Limits.MaxTokensPerReq < 0 {
		return invalid("provider %q limits must be >= 0", cfg.LLM)
	}
	if prov.Limits.MaxTokensPerReq > 0 && cfg.MaxTokens > prov.Limits.MaxTokensPerReq {
		return invalid("max_tokens(%d) exceeds provider.max_tokens_per_req(%d)", cfg.MaxTokens, prov.Limits.MaxTokensPerReq)
	}
	if registry.LLMClient[prov.Client] == nil {
		return invalid("llm client %q not registered", prov.Client)
	}

	n := names(cfg)
	checks := []struct {
		kind, name string
		ok         bool
	}{
		{"reader", n.Reader, registry.Reader[n.Reader] != nil},
		{"splitter", n.Splitter, registry.Splitter[n.Splitter] != nil},
		{"batcher", n.Batcher, registry.Batcher[n.Batcher] != nil},
		{"prompt_builder", n.PromptBuilder, registry.PromptBuilder[n.PromptBuilder] != nil},
		{"decoder", n.Decoder, registry.Decoder[n.Decoder] != nil},
		{"assembler", n.Assembler, registry.Assembler[n.Assembler] != nil},
		{"writer", n.Writer, registry.Writer[n.Writer] != nil},
		{"store", n.Store, n.Store == "" || registry.Store[n.Store] != nil},
	}
	for _, c := range checks {
		if !c.ok {
			return invalid("%s %q not registered", c.kind, c.name)
		}
	}
	return nil
}

// names 返回补齐默认值后的组件名；store 无默认。
func names(cfg Config) Components {
	d := Defaults().Components
	eff := func(got, def string) string {
		if got = strings.TrimSpace(got); got == "" {
			return def
		}
		return got
	}
	return Components{
		Reader:        eff(cfg.Components.Reader, d.Reader),
		Splitter:      eff(cfg.Components.Splitter, d.Splitter),
		Batcher:       eff(cfg.Components.Batcher, d.Batcher),
		Writer:        eff(cfg.Components.Writer, d.Writer),
		PromptBuilder: eff(cfg.Components.PromptBuilder, d.PromptBuilder),
		Decoder:       eff(cfg.Components.Decoder, d.Decoder),
		Assembler:     eff(cfg.Components.Assembler, d.Assembler),
		Store:         strings.TrimSpace(cfg.Components.Store),
	}
}

// Assemble 构造 Components 与 Settings（含限流 Gate+Key）。
// 严格 Options 解析在 registry（工厂）层进行；此处只传 raw JSON。
// 组件构造失败同样视为配置错误。Store 若已打开，由调用方负责 Close。
func Assemble(cfg Config) (pipeline.Components, pipeline.Settings, error) {
	if err := Validate(cfg); err != nil {
		return pipeline.Components{}, pipeline.Settings{}, err
	}
	n := names(cfg)
	fail := func(kind string, err error) (pipeline.Components, pipeline.Settings, error) {
		return pipeline.Components{}, pipeline.Settings{}, invalid("%s: %v", kind, err)
	}

	var comp pipeline.Components
	var err error
	if comp.Reader, err = registry.Reader[n.Reader](cfg.Options.Reader); err != nil {
		return fail("reader", err)
	}
	if comp.Splitter, err = registry.Splitter[n.Splitter](cfg.Options.Splitter); err != nil {
		return fail("splitter", err)
	}
	if comp.Batcher, err = registry.Batcher[n.Batcher](cfg.Options.Batcher); err != nil {
		return fail("batcher", err)
	}
	if comp.PromptBuilder, err = registry.PromptBuilder[n.PromptBuilder](cfg.Options.PromptBuilder); err != nil {
		return fail("prompt_builder", err)
	}
	if comp.Decoder, err = registry.Decoder[n.Decoder](cfg.Options.Decoder); err != nil {
		return fail("decoder", err)
	}
	if comp.Assembler, err = registry.Assembler[n.Assembler](cfg.Options.Assembler); err != nil {
		return fail("assembler", err)
	}
	if comp.Writer, err = registry.Writer[n.Writer](cfg.Options.Writer); err != nil {
		return fail("writer", err)
	}
	prov := cfg.Provider[cfg.LLM]
	if comp.LLM, err = registry.LLMClient[prov.Client](prov.Options); err != nil {
		return fail("llm", err)
	}
	// 最后打开 store，避免前序失败时泄漏连接
	if n.Store != "" {
		if comp.Store, err = registry.Store[n.Store](cfg.Options.Store); err != nil {
			return fail("store", err)
		}
	}

	// 限流 Gate：默认以 API Key 派生分组键；失败则退化为 provider 名称。
	key, derr := rate.DeriveKeyFromProviderOptions(prov.Client, prov.Options)
	if derr != nil {
		key = rate.LimitKey(cfg.LLM)
	}
	gate := rate.NewGate(map[rate.LimitKey]rate.Limits{
		key: {RPM: prov.Limits.RPM, TPM: prov.Limits.TPM, MaxTokensPerReq: prov.Limits.MaxTokensPerReq},
	}, nil)

	set := pipeline.Settings{
		Inputs:      cloneStrings(cfg.Inputs),
		Output:      contract.ArtifactID(outputName(cfg.Output, n.Assembler)),
		BatchSize:   cfg.BatchSize,
		Concurrency: cfg.Concurrency,
		MaxCalls:    cfg.MaxCalls,
		MaxTokens:   cfg.MaxTokens,
		MaxRetries:  cfg.MaxRetries,
		CallTimeout: time.Duration(cfg.CallTimeoutSeconds) * time.Second,
		Gate:        gate,
		GateKey:     key,
	}
	return comp, set, nil
}

// outputName: 未指定时按装配器推导扩展名。
func outputName(out, assembler string) string {
	if s := strings.TrimSpace(out); s != "" {
		return s
	}
	if assembler == "csv" {
		return "result.csv"
	}
	return "result.json"
}
