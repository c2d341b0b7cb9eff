package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultTemplateConfig 返回一个可直接运行的默认配置模板：
// mock LLM（离线调试）、CSV 输入、结果写入 ./out/result.json。
func DefaultTemplateConfig() Config {
	d := Defaults()
	cfg := Config{
		Inputs:      []string{"feedback.csv"},
		Output:      "result.json",
		BatchSize:   d.BatchSize,
		Concurrency: 4,
		MaxTokens:   8192,
		MaxRetries:  2,
		Logging:     Logging{Level: "info"},
		Components:  d.Components,
		LLM:         "mock",
		Provider: map[string]Provider{
			"mock": {
				Client:  "mock",
				Options: json.RawMessage(`{"api_key":"","delay_ms":0,"response_mode":"classify"}`),
				Limits:  Limits{RPM: 600, TPM: 200000, MaxTokensPerReq: 8192},
			},
			"openai": {
				Client: "openai",
				Options: json.RawMessage(`{
  "base_url": "https://api.openai.com/v1",
  "model": "gpt-4o-mini",
  "api_key_env": "OPENAI_API_KEY",
  "timeout_seconds": 60,
  "temperature": 0.4,
  "response_format": "json_object"
}`),
				Limits: Limits{RPM: 500, TPM: 200000},
			},
			"azure": {
				Client: "openai",
				Options: json.RawMessage(`{
  "base_url": "https://YOUR-RESOURCE.openai.azure.com",
  "model": "YOUR-DEPLOYMENT",
  "api_key_env": "AZURE_OPENAI_API_KEY",
  "endpoint_path": "/openai/deployments/{model}/chat/completions",
  "api_version": "2024-06-01",
  "auth_header": "api-key",
  "temperature": 0.4,
  "response_format": "json_object"
}`),
			},
			"gemini": {
				Client: "gemini",
				Options: json.RawMessage(`{
  "model": "gemini-2.5-flash",
  "api_key_env": "GOOGLE_API_KEY",
  "timeout_seconds": 60,
  "temperature": 0.4,
  "response_mime_type": "application/json"
}`),
			},
		},
	}
	cfg.Options.Reader = json.RawMessage(`{"buf_size":65536,"exclude_dir_names":[".git","node_modules","vendor"],"skip_hidden":true}`)
	cfg.Options.Splitter = json.RawMessage(`{
  "delimiter": ",",
  "fill_empty": {"Kommentar": "Ingen kommentar"},
  "trim_space": true,
  "allow_exts": [".csv", ".tsv"]
}`)
	cfg.Options.Batcher = json.RawMessage(`{"max_bytes":0}`)
	cfg.Options.PromptBuilder = json.RawMessage(`{"group_field":"Avd","wrapper_key":"departments","echo_fields":["Dato","★"]}`)
	cfg.Options.Decoder = json.RawMessage(`{"wrapper_key":"departments","require_categories":false,"group_field":"Avd"}`)
	cfg.Options.Assembler = json.RawMessage(`{"wrapper_key":"departments","indent":2}`)
	cfg.Options.Writer = json.RawMessage(`{"output_dir":"out","atomic":true,"backup":false}`)
	cfg.Options.Store = json.RawMessage(`{"path":"out/runs.db","wal":true}`)
	return cfg
}

// RenderTemplate 以 json 或 yaml 渲染配置。
func RenderTemplate(cfg Config, format string) ([]byte, error) {
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "json":
		return append(b, '\n'), nil
	case "yaml", "yml":
		var doc any
		if err := json.Unmarshal(b, &doc); err != nil {
			return nil, err
		}
		var buf bytes.Buffer
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(doc); err != nil {
			return nil, err
		}
		if err := enc.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	default:
		return nil, invalid("unknown template format %q", format)
	}
}

// DotEnvTemplate 返回 .env 模板内容（全部注释，按需启用）。
func DotEnvTemplate() string {
	var b strings.Builder
	b.WriteString("# llmcls .env 模板（由 init-config 生成）\n")
	b.WriteString("# 优先级：CLI > ENV(.env) > 配置文件 > 默认值；已存在的进程环境不会被 .env 覆盖\n\n")
	b.WriteString("# OPENAI_API_KEY=\n# AZURE_OPENAI_API_KEY=\n# GOOGLE_API_KEY=\n\n")
	for _, k := range []string{
		"INPUTS", "OUTPUT", "BATCH_SIZE", "CONCURRENCY", "MAX_CALLS", "MAX_TOKENS", "MAX_RETRIES",
		"CALL_TIMEOUT_SECONDS", "LLM", "LOG_LEVEL", "LOG_CONSOLE", "METRICS_LISTEN", "COMPONENTS_STORE",
	} {
		fmt.Fprintf(&b, "# %s%s=\n", EnvPrefix, k)
	}
	fmt.Fprintf(&b, "# %sPROVIDER__openai__LIMITS_RPM=\n", EnvPrefix)
	fmt.Fprintf(&b, "# %sPROVIDER__openai__OPTIONS_JSON=\n", EnvPrefix)
	return b.String()
}
