package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix: 所有环境变量覆盖键的前缀。
const EnvPrefix = "LLM_CLS_"

// Defaults 返回带有安全默认值的 Config 雏形。
// 注意：LLM 不设默认（必须由文件/ENV/CLI 提供）。
func Defaults() Config {
	return Config{
		BatchSize:   10,
		Concurrency: 1,
		Logging:     Logging{Level: "info"},
		Components: Components{
			Reader:        "fs",
			Splitter:      "csv",
			Batcher:       "fixed",
			Writer:        "fs",
			PromptBuilder: "feedback",
			Decoder:       "deptjson",
			Assembler:     "json",
		},
	}
}

// Blank 返回“无覆盖”的空白层：零值具有语义的整型字段以 -1 标记未设置。
func Blank() Config {
	return Config{MaxRetries: -1, MaxCalls: -1}
}

// LoadFile 按扩展名选择解析器：.yaml/.yml 走 YAML，其余按 JSON。
func LoadFile(path string) (Config, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return LoadYAML(path, nil)
	default:
		return LoadJSON(path, nil)
	}
}

// LoadJSON 从文件路径或原始 JSON 解析 Config（严格拒绝未知字段）。
func LoadJSON(path string, raw []byte) (Config, error) {
	var r io.Reader
	switch {
	case len(raw) > 0:
		r = bytes.NewReader(raw)
	case path != "":
		f, err := os.Open(path)
		if err != nil {
			return Config{}, err
		}
		defer f.Close()
		r = f
	default:
		return Config{}, errors.New("no config source provided")
	}
	return decodeStrict(r)
}

// LoadYAML 解析 YAML：先解为通用映射，再转 JSON 走同一严格解码。
// 这样 options/provider.options 子树仍以原样 JSON 交给工厂。
func LoadYAML(path string, raw []byte) (Config, error) {
	if len(raw) == 0 {
		if path == "" {
			return Config{}, errors.New("no config source provided")
		}
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, err
		}
		raw = b
	}
	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return Config{}, fmt.Errorf("parse yaml: %w", err)
	}
	if doc == nil {
		return Config{}, errors.New("config yaml is empty")
	}
	b, err := json.Marshal(stringKeys(doc))
	if err != nil {
		return Config{}, fmt.Errorf("yaml to json: %w", err)
	}
	return decodeStrict(bytes.NewReader(b))
}

func decodeStrict(r io.Reader) (Config, error) {
	var cfg Config
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// stringKeys 把 YAML 的非字符串键映射转为 JSON 可编码的 map[string]any。
func stringKeys(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, x := range t {
			t[k] = stringKeys(x)
		}
		return t
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, x := range t {
			out[fmt.Sprint(k)] = stringKeys(x)
		}
		return out
	case []any:
		for i, x := range t {
			t[i] = stringKeys(x)
		}
		return t
	default:
		return v
	}
}

// LoadDotEnv 读取 .env（若存在）注入进程环境；已存在的变量不被覆盖。
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// Merge 按优先级合并（后者覆盖前者）。
// 仅标量/字符串/原样 JSON 为“替换”；不做深度合并。
func Merge(base, over Config) Config {
	out := base
	if len(over.Inputs) > 0 {
		out.Inputs = cloneStrings(over.Inputs)
	}
	if s := strings.TrimSpace(over.Output); s != "" {
		out.Output = s
	}
	if over.BatchSize != 0 {
		out.BatchSize = over.BatchSize
	}
	if over.Concurrency != 0 {
		out.Concurrency = over.Concurrency
	}
	if over.MaxTokens != 0 {
		out.MaxTokens = over.MaxTokens
	}
	// MaxRetries/MaxCalls 的 0 具有语义，-1 视为未覆盖（见 Blank）。
	if over.MaxRetries >= 0 {
		out.MaxRetries = over.MaxRetries
	}
	if over.MaxCalls >= 0 {
		out.MaxCalls = over.MaxCalls
	}
	if over.CallTimeoutSeconds != 0 {
		out.CallTimeoutSeconds = over.CallTimeoutSeconds
	}

	if s := strings.TrimSpace(over.Logging.Level); s != "" {
		out.Logging.Level = s
	}
	if over.Logging.Console {
		out.Logging.Console = true
	}
	if s := strings.TrimSpace(over.Logging.Dir); s != "" {
		out.Logging.Dir = s
	}
	if s := strings.TrimSpace(over.Metrics.Listen); s != "" {
		out.Metrics.Listen = s
	}

	// 组件名（空不覆盖）
	pick := func(dst *string, v string) {
		if v = strings.TrimSpace(v); v != "" {
			*dst = v
		}
	}
	pick(&out.Components.Reader, over.Components.Reader)
	pick(&out.Components.Splitter, over.Components.Splitter)
	pick(&out.Components.Batcher, over.Components.Batcher)
	pick(&out.Components.Writer, over.Components.Writer)
	pick(&out.Components.PromptBuilder, over.Components.PromptBuilder)
	pick(&out.Components.Decoder, over.Components.Decoder)
	pick(&out.Components.Assembler, over.Components.Assembler)
	pick(&out.Components.Store, over.Components.Store)

	// Provider：按字段覆盖，空值/零值保留下层
	if len(over.Provider) > 0 {
		merged := make(map[string]Provider, len(out.Provider)+len(over.Provider))
		for k, v := range out.Provider {
			merged[k] = v
		}
		for k, v := range over.Provider {
			merged[k] = mergeProvider(merged[k], v)
		}
		out.Provider = merged
	}

	// Options（完整替换对应键）
	raw := func(dst *json.RawMessage, v json.RawMessage) {
		if len(v) > 0 {
			*dst = cloneRaw(v)
		}
	}
	raw(&out.Options.Reader, over.Options.Reader)
	raw(&out.Options.Splitter, over.Options.Splitter)
	raw(&out.Options.Batcher, over.Options.Batcher)
	raw(&out.Options.Writer, over.Options.Writer)
	raw(&out.Options.PromptBuilder, over.Options.PromptBuilder)
	raw(&out.Options.Decoder, over.Options.Decoder)
	raw(&out.Options.Assembler, over.Options.Assembler)
	raw(&out.Options.Store, over.Options.Store)

	pick(&out.LLM, over.LLM)
	return out
}

func mergeProvider(base, over Provider) Provider {
	out := base
	if s := strings.TrimSpace(over.Client); s != "" {
		out.Client = s
	}
	if len(over.Options) > 0 {
		out.Options = cloneRaw(over.Options)
	}
	if over.Limits.RPM != 0 {
		out.Limits.RPM = over.Limits.RPM
	}
	if over.Limits.TPM != 0 {
		out.Limits.TPM = over.Limits.TPM
	}
	if over.Limits.MaxTokensPerReq != 0 {
		out.Limits.MaxTokensPerReq = over.Limits.MaxTokensPerReq
	}
	return out
}

// EnvOverlay 从环境变量构建一个 Config 覆盖层（仅解析有限键集合）。
// 前缀 LLM_CLS_；支持 INPUTS, OUTPUT, BATCH_SIZE, CONCURRENCY, MAX_CALLS, MAX_TOKENS,
// MAX_RETRIES, CALL_TIMEOUT_SECONDS, LLM, LOG_LEVEL, LOG_CONSOLE, LOG_DIR, METRICS_LISTEN,
// COMPONENTS_*，以及 PROVIDER__<name>__{CLIENT,LIMITS_RPM,LIMITS_TPM,LIMITS_MAX_TOKENS_PER_REQ,OPTIONS_JSON}。
// 数值无法解析时报错，而不是静默忽略。
func EnvOverlay(environ []string) (Config, error) {
	over := Blank()
	prov := map[string]Provider{}
	num := func(key, val string, dst *int) error {
		v, err := atoi(val)
		if err != nil {
			return fmt.Errorf("env %s%s: %w", EnvPrefix, key, err)
		}
		*dst = v
		return nil
	}
	for _, kv := range environ {
		if !strings.HasPrefix(kv, EnvPrefix) {
			continue
		}
		eq := strings.IndexByte(kv, '=')
		if eq <= len(EnvPrefix) {
			continue
		}
		nk, val := kv[len(EnvPrefix):eq], kv[eq+1:]
		if strings.TrimSpace(val) == "" {
			continue
		}
		var err error
		switch nk {
		case "INPUTS":
			over.Inputs = splitComma(val)
		case "OUTPUT":
			over.Output = strings.TrimSpace(val)
		case "BATCH_SIZE":
			err = num(nk, val, &over.BatchSize)
		case "CONCURRENCY":
			err = num(nk, val, &over.Concurrency)
		case "MAX_CALLS":
			err = num(nk, val, &over.MaxCalls)
		case "MAX_TOKENS":
			err = num(nk, val, &over.MaxTokens)
		case "MAX_RETRIES":
			err = num(nk, val, &over.MaxRetries)
		case "CALL_TIMEOUT_SECONDS":
			err = num(nk, val, &over.CallTimeoutSeconds)
		case "LLM":
			over.LLM = strings.TrimSpace(val)
		case "LOG_LEVEL":
			over.Logging.Level = strings.TrimSpace(val)
		case "LOG_CONSOLE":
			over.Logging.Console, err = strconv.ParseBool(strings.TrimSpace(val))
		case "LOG_DIR":
			over.Logging.Dir = strings.TrimSpace(val)
		case "METRICS_LISTEN":
			over.Metrics.Listen = strings.TrimSpace(val)
		case "COMPONENTS_READER":
			over.Components.Reader = strings.TrimSpace(val)
		case "COMPONENTS_SPLITTER":
			over.Components.Splitter = strings.TrimSpace(val)
		case "COMPONENTS_BATCHER":
			over.Components.Batcher = strings.TrimSpace(val)
		case "COMPONENTS_WRITER":
			over.Components.Writer = strings.TrimSpace(val)
		case "COMPONENTS_PROMPT_BUILDER":
			over.Components.PromptBuilder = strings.TrimSpace(val)
		case "COMPONENTS_DECODER":
			over.Components.Decoder = strings.TrimSpace(val)
		case "COMPONENTS_ASSEMBLER":
			over.Components.Assembler = strings.TrimSpace(val)
		case "COMPONENTS_STORE":
			over.Components.Store = strings.TrimSpace(val)
		default:
			err = providerEnv(prov, nk, val)
		}
		if err != nil {
			return Config{}, err
		}
	}
	if len(prov) > 0 {
		over.Provider = prov
	}
	return over, nil
}

// providerEnv 解析 PROVIDER__name__FIELD；其他未知键忽略（例如 API key 变量本身）。
func providerEnv(prov map[string]Provider, nk, val string) error {
	if !strings.HasPrefix(nk, "PROVIDER__") {
		return nil
	}
	parts := strings.Split(nk, "__")
	if len(parts) < 3 || strings.TrimSpace(parts[1]) == "" {
		return nil
	}
	name := strings.TrimSpace(parts[1])
	p := prov[name]
	var err error
	switch field := strings.Join(parts[2:], "__"); field {
	case "CLIENT":
		p.Client = strings.TrimSpace(val)
	case "LIMITS_RPM":
		p.Limits.RPM, err = atoi(val)
	case "LIMITS_TPM":
		p.Limits.TPM, err = atoi(val)
	case "LIMITS_MAX_TOKENS_PER_REQ":
		p.Limits.MaxTokensPerReq, err = atoi(val)
	case "OPTIONS_JSON":
		if !json.Valid([]byte(val)) {
			return fmt.Errorf("env %s%s: invalid json", EnvPrefix, nk)
		}
		p.Options = json.RawMessage(val)
	default:
		return nil
	}
	if err != nil {
		return fmt.Errorf("env %s%s: %w", EnvPrefix, nk, err)
	}
	prov[name] = p
	return nil
}

func cloneStrings(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

func cloneRaw(in json.RawMessage) json.RawMessage {
	if len(in) == 0 {
		return nil
	}
	out := make([]byte, len(in))
	copy(out, in)
	return out
}

func splitComma(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func atoi(s string) (int, error) {
	return strconv.Atoi(strings.TrimSpace(s))
}
