package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"llmcls/pkg/contract"
)

// UT-CFG-01: 解析完整 config.json
func TestLoadJSON(t *testing.T) {
	cfg, err := LoadFile("../../testdata/config/basic.json")
	if err != nil {
		t.Fatalf("加载失败: %v", err)
	}
	if cfg.LLM != "gemini" || cfg.BatchSize != 8 || cfg.MaxCalls != 100 {
		t.Fatalf("字段映射错误: %+v", cfg)
	}
	if len(cfg.Inputs) != 1 || cfg.Components.Reader != "fs" {
		t.Fatalf("字段映射错误: %+v", cfg)
	}
	if err := Validate(Merge(Defaults(), cfg)); err != nil {
		t.Fatalf("校验失败: %v", err)
	}
}

// UT-CFG-02: YAML 与 JSON 走同一严格解码，options 子树保持原样 JSON
func TestLoadYAML(t *testing.T) {
	cfg, err := LoadFile("../../testdata/config/basic.yaml")
	if err != nil {
		t.Fatalf("加载失败: %v", err)
	}
	if cfg.LLM != "mock" || cfg.Components.Store != "sqlite" || cfg.Provider["mock"].Limits.RPM != 600 {
		t.Fatalf("字段映射错误: %+v", cfg)
	}
	if !strings.Contains(string(cfg.Options.Assembler), `"Kø"`) {
		t.Fatalf("options 未转为 JSON: %s", cfg.Options.Assembler)
	}
	if _, err := LoadYAML("", []byte("inputs: [a]\nbogus: 1\n")); err == nil {
		t.Fatalf("YAML 未知字段应报错")
	}
	if _, err := LoadYAML("", []byte("# only comment\n")); err == nil {
		t.Fatalf("空 YAML 应报错")
	}
}

// UT-CFG-03: 含非法字段
func TestLoadJSONUnknown(t *testing.T) {
	if _, err := LoadJSON("", []byte(`{"unknown":1}`)); err == nil {
		t.Fatalf("应当返回错误")
	}
	if _, err := LoadJSON("", nil); err == nil {
		t.Fatalf("无来源应报错")
	}
}

// UT-CFG-04: ENV 覆盖部分字段
func TestEnvOverlay(t *testing.T) {
	env := []string{
		"LLM_CLS_INPUTS=a,b",
		"LLM_CLS_CONCURRENCY=3",
		"LLM_CLS_BATCH_SIZE=16",
		"LLM_CLS_MAX_CALLS=0",
		"LLM_CLS_LLM=mock",
		"LLM_CLS_LOG_CONSOLE=true",
		"LLM_CLS_COMPONENTS_STORE=sqlite",
		"LLM_CLS_PROVIDER__mock__CLIENT=mock",
		"LLM_CLS_PROVIDER__mock__LIMITS_RPM=30",
		"OTHER=1",
	}
	over, err := EnvOverlay(env)
	if err != nil {
		t.Fatalf("EnvOverlay 错误: %v", err)
	}
	if over.LLM != "mock" || over.Concurrency != 3 || over.BatchSize != 16 || len(over.Inputs) != 2 {
		t.Fatalf("覆盖结果不正确: %+v", over)
	}
	if over.MaxCalls != 0 || over.MaxRetries != -1 {
		t.Fatalf("显式 0 与未设置需区分: calls=%d retries=%d", over.MaxCalls, over.MaxRetries)
	}
	if !over.Logging.Console || over.Components.Store != "sqlite" || over.Provider["mock"].Limits.RPM != 30 {
		t.Fatalf("覆盖结果不正确: %+v", over)
	}

	if _, err := EnvOverlay([]string{"LLM_CLS_BATCH_SIZE=ten"}); err == nil {
		t.Fatalf("非法数值应报错")
	}
	if _, err := EnvOverlay([]string{"LLM_CLS_PROVIDER__x__OPTIONS_JSON={"}); err == nil {
		t.Fatalf("非法 JSON 应报错")
	}
}

func TestMergeLayers(t *testing.T) {
	base := DefaultTemplateConfig()
	base.MaxCalls = 50
	over := Blank()
	over.BatchSize = 4
	over.Provider = map[string]Provider{"mock": {Limits: Limits{RPM: 5}}}
	got := Merge(base, over)
	if got.BatchSize != 4 || got.MaxCalls != 50 || got.MaxRetries != base.MaxRetries {
		t.Fatalf("合并结果不正确: %+v", got)
	}
	p := got.Provider["mock"]
	if p.Client != "mock" || len(p.Options) == 0 || p.Limits.RPM != 5 || p.Limits.TPM != base.Provider["mock"].Limits.TPM {
		t.Fatalf("provider 应按字段合并: %+v", p)
	}
	if base.Provider["mock"].Limits.RPM == 5 {
		t.Fatalf("Merge 不应修改下层")
	}
}

func TestSplitCommaAtoi(t *testing.T) {
	parts := splitComma("a, b , ,c")
	if len(parts) != 3 || parts[1] != "b" {
		t.Fatalf("splitComma 结果错误: %v", parts)
	}
	if v, err := atoi(" 10 "); err != nil || v != 10 {
		t.Fatalf("atoi 失败: %v %d", err, v)
	}
}

func TestDefaultsClone(t *testing.T) {
	d := Defaults()
	if d.Components.Splitter != "csv" || d.BatchSize != 10 || d.Components.Store != "" {
		t.Fatalf("默认值错误: %+v", d.Components)
	}
	src := []byte("abc")
	dst := cloneRaw(src)
	src[0] = 'x'
	if string(dst) != "abc" {
		t.Fatalf("cloneRaw 未复制")
	}
}

func TestValidateErrors(t *testing.T) {
	if err := Validate(Config{}); !errors.Is(err, contract.ErrConfiguration) {
		t.Fatalf("空配置应为配置错误: %v", err)
	}
	cases := []struct {
		name string
		mut  func(*Config)
	}{
		{"混用 '-'", func(c *Config) { c.Inputs = []string{"-", "a"} }},
		{"batch_size=0", func(c *Config) { c.BatchSize = 0 }},
		{"负 max_calls", func(c *Config) { c.MaxCalls = -1 }},
		{"输出越界", func(c *Config) { c.Output = "../x.json" }},
		{"未知等级", func(c *Config) { c.Logging.Level = "loud" }},
		{"client 为空", func(c *Config) { c.Provider = map[string]Provider{"mock": {}} }},
		{"未注册 store", func(c *Config) { c.Components.Store = "redis" }},
		{"超出单请求上限", func(c *Config) { c.MaxTokens = 1 << 20 }},
	}
	for _, tc := range cases {
		cfg := DefaultTemplateConfig()
		tc.mut(&cfg)
		if err := Validate(cfg); !errors.Is(err, contract.ErrConfiguration) {
			t.Fatalf("%s: 应失败，得到 %v", tc.name, err)
		}
	}
	if err := Validate(DefaultTemplateConfig()); err != nil {
		t.Fatalf("模板应通过校验: %v", err)
	}
}

func TestAssemble(t *testing.T) {
	cfg := DefaultTemplateConfig()
	cfg.Options.Writer = []byte(`{"output_dir":` + quote(t.TempDir()) + `}`)
	cfg.Components.Store = "sqlite"
	cfg.Options.Store = []byte(`{"path":":memory:"}`)
	cfg.Components.Assembler = "csv"
	cfg.Options.Assembler = nil
	cfg.Output = ""
	cfg.CallTimeoutSeconds = 30

	comp, set, err := Assemble(cfg)
	if err != nil {
		t.Fatalf("Assemble 失败: %v", err)
	}
	defer comp.Store.Close()
	if comp.Reader == nil || comp.LLM == nil || comp.Writer == nil || comp.Store == nil {
		t.Fatalf("组件未构造: %+v", comp)
	}
	if set.Output != "result.csv" || set.BatchSize != cfg.BatchSize || set.CallTimeout.Seconds() != 30 {
		t.Fatalf("Settings 不符: %+v", set)
	}
	if set.Gate == nil || !strings.HasPrefix(string(set.GateKey), "mock:") {
		t.Fatalf("限流键未派生: %q", set.GateKey)
	}

	bad := DefaultTemplateConfig()
	bad.Options.Splitter = []byte(`{"nope":1}`)
	if _, _, err := Assemble(bad); !errors.Is(err, contract.ErrConfiguration) {
		t.Fatalf("组件选项错误应为配置错误: %v", err)
	}
}

func TestRenderTemplate(t *testing.T) {
	cfg := DefaultTemplateConfig()
	for _, format := range []string{"json", "yaml"} {
		b, err := RenderTemplate(cfg, format)
		if err != nil {
			t.Fatalf("%s 渲染失败: %v", format, err)
		}
		path := filepath.Join(t.TempDir(), "config."+format)
		if err := os.WriteFile(path, b, 0o644); err != nil {
			t.Fatal(err)
		}
		back, err := LoadFile(path)
		if err != nil {
			t.Fatalf("%s 回读失败: %v", format, err)
		}
		if err := Validate(back); err != nil {
			t.Fatalf("%s 回读后校验失败: %v", format, err)
		}
		if back.LLM != cfg.LLM || len(back.Provider) != len(cfg.Provider) {
			t.Fatalf("%s 回读不一致", format)
		}
	}
	if _, err := RenderTemplate(cfg, "toml"); err == nil {
		t.Fatalf("未知格式应报错")
	}
	if !strings.Contains(DotEnvTemplate(), "LLM_CLS_BATCH_SIZE") {
		t.Fatalf(".env 模板缺少键")
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, ".env")
	if err := os.WriteFile(p, []byte("LLM_CLS_TEST_A=from-file\nLLM_CLS_TEST_B=from-file\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("LLM_CLS_TEST_A", "from-env")
	t.Setenv("LLM_CLS_TEST_B", "")
	os.Unsetenv("LLM_CLS_TEST_B")
	if err := LoadDotEnv(p, filepath.Join(dir, "missing.env")); err != nil {
		t.Fatalf("LoadDotEnv 失败: %v", err)
	}
	if os.Getenv("LLM_CLS_TEST_A") != "from-env" || os.Getenv("LLM_CLS_TEST_B") != "from-file" {
		t.Fatalf("不应覆盖已有变量: A=%q B=%q", os.Getenv("LLM_CLS_TEST_A"), os.Getenv("LLM_CLS_TEST_B"))
	}
}

func quote(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}
