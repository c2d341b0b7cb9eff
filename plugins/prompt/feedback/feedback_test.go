package feedback

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"llmcls/pkg/contract"
)

func batch() contract.Batch {
	return contract.Batch{Records: []contract.Record{
		{Index: 3, Fields: contract.Fields{"Avd": "Oslo", "Kommentar": "Lang kø <i dag>", "★": "2"}},
		{Index: 4, Fields: contract.Fields{"Avd": "Bergen", "Kommentar": "Bra", "★": "5"}},
	}}
}

// TestBuildDefault 测试默认模板构造
func TestBuildDefault(t *testing.T) {
	b, err := New(nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	p, err := b.Build(context.Background(), batch())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	cp, ok := p.(contract.ChatPrompt)
	if !ok || len(cp) != 2 || cp[0].Role != "system" || cp[1].Role != "user" {
		t.Fatalf("unexpected prompt %#v", p)
	}
	for _, c := range DefaultCategories {
		if !strings.Contains(cp[0].Content, c) {
			t.Fatalf("system 缺少类别 %q", c)
		}
	}
	if !strings.Contains(cp[1].Content, `"departments": {`) || !strings.Contains(cp[1].Content, `"<Avd>": [`) {
		t.Fatalf("输出形状缺失: %s", cp[1].Content)
	}
	// 记录数组可被解析，且 index 在前、HTML 字符不转义
	u := cp[1].Content
	start := strings.Index(u, "[")
	end := strings.Index(u, "]\n\n")
	var rows []map[string]any
	if err := json.Unmarshal([]byte(u[start:end+1]), &rows); err != nil {
		t.Fatalf("记录 JSON 无效: %v\n%s", err, u[start:end+1])
	}
	if len(rows) != 2 || rows[0]["index"].(float64) != 3 || rows[1]["Avd"] != "Bergen" {
		t.Fatalf("记录内容错误: %v", rows)
	}
	if !strings.Contains(u, `{"index":3,"Avd":"Oslo"`) || !strings.Contains(u, "<i dag>") {
		t.Fatalf("记录编码错误: %s", u)
	}
}

func TestBuildOmitAndEcho(t *testing.T) {
	b, err := New(&Options{OmitFields: []string{"★"}, EchoFields: []string{"Dato"}, WrapperKey: "stores", GroupField: "Store"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	p, _ := b.Build(context.Background(), batch())
	u := p.(contract.ChatPrompt)[1].Content
	if strings.Contains(u, `"★":"2"`) {
		t.Fatalf("omit 字段不应发送: %s", u)
	}
	if !strings.Contains(u, `"stores": {`) || !strings.Contains(u, `"<Store>"`) || !strings.Contains(u, `"Dato": <Dato>`) {
		t.Fatalf("自定义形状错误: %s", u)
	}
}

func TestBuildEmptyAndCanceled(t *testing.T) {
	b, _ := New(nil)
	if _, err := b.Build(context.Background(), contract.Batch{}); !errors.Is(err, contract.ErrInvalidInput) {
		t.Fatalf("空批应为 ErrInvalidInput: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := b.Build(ctx, batch()); !errors.Is(err, context.Canceled) {
		t.Fatalf("应返回取消: %v", err)
	}
}

func TestNewRejectsBadCategories(t *testing.T) {
	if _, err := New(&Options{Categories: []string{"a", "a"}}); !errors.Is(err, contract.ErrInvalidInput) {
		t.Fatalf("重复类别应报错: %v", err)
	}
	if _, err := New(&Options{Categories: []string{" "}}); !errors.Is(err, contract.ErrInvalidInput) {
		t.Fatalf("空类别应报错: %v", err)
	}
	if _, err := New(&Options{InlineSystemTemplate: "{{.Nope"}); err == nil {
		t.Fatalf("模板语法错误应报错")
	}
}

// TestTemplateAndGuidanceFromFile 从文件加载
func TestTemplateAndGuidanceFromFile(t *testing.T) {
	dir := t.TempDir()
	sys := filepath.Join(dir, "sys.txt")
	g := filepath.Join(dir, "g.txt")
	os.WriteFile(sys, []byte("cats={{len .Categories}} by {{.GroupField}}"), 0o644)
	os.WriteFile(g, []byte("kø betyr ventetid"), 0o644)
	b, err := New(&Options{SystemTemplatePath: sys, GuidancePath: g, Categories: []string{"x", "y"}})
	if err != nil {
		t.Fatalf("new file: %v", err)
	}
	if !strings.HasPrefix(b.sys, "cats=2 by Avd") || !strings.Contains(b.sys, "<guidance>\nkø betyr ventetid\n</guidance>") {
		t.Fatalf("system 渲染错误: %q", b.sys)
	}
	if _, err := New(&Options{SystemTemplatePath: filepath.Join(dir, "missing")}); err == nil {
		t.Fatalf("缺失模板文件应报错")
	}
}

// TestEstimateOverhead 测试开销估算
func TestEstimateOverhead(t *testing.T) {
	b, _ := New(nil)
	n := b.EstimateOverheadTokens(func(s string) int { return len(s) })
	if n <= len(b.sys) {
		t.Fatalf("估算应覆盖 system 与输出形状: %d", n)
	}
	if b.EstimateOverheadTokens(nil) != 0 {
		t.Fatalf("nil 估算器应返回 0")
	}
	// 开销与批无关：完整提示 >= 开销
	p, _ := b.Build(context.Background(), batch())
	full := 0
	for _, m := range p.(contract.ChatPrompt) {
		full += len(m.Content)
	}
	if full < n {
		t.Fatalf("完整提示 %d 小于固定开销 %d", full, n)
	}
}
