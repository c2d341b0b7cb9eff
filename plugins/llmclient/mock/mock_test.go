package mock

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"llmcls/pkg/contract"
)

func batch() contract.Batch {
	return contract.Batch{Records: []contract.Record{
		{Index: 4, Fields: contract.Fields{"Avd": "Oslo", "Kommentar": "Lang kø og dyr kaffe", "★": "2", "Dato": "d1"}},
		{Index: 5, Fields: contract.Fields{"Avd": "Bergen", "Kommentar": "Ingen kommentar", "★": "4"}},
		{Index: 6, Fields: contract.Fields{"Avd": "Oslo", "Kommentar": "Veldig hyggelig og bra"}},
	}}
}

// TestClassifyResponse 默认模式产生按分组的 JSON，分组按首次出现排序
func TestClassifyResponse(t *testing.T) {
	c, err := New(nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	raw, err := c.Invoke(context.Background(), batch(), contract.TextPrompt("x"))
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if !strings.HasPrefix(raw.Text, `{"departments":{"Oslo":[`) || strings.Index(raw.Text, "Oslo") > strings.Index(raw.Text, "Bergen") {
		t.Fatalf("分组顺序错误: %s", raw.Text)
	}
	var doc struct {
		Departments map[string][]struct {
			Index      int64          `json:"index"`
			Dato       string         `json:"Dato"`
			Categories map[string]int `json:"categories"`
		} `json:"departments"`
	}
	if err := json.Unmarshal([]byte(raw.Text), &doc); err != nil {
		t.Fatalf("json: %v", err)
	}
	oslo := doc.Departments["Oslo"]
	if len(oslo) != 2 || oslo[0].Index != 4 || oslo[0].Dato != "d1" || !strings.Contains(raw.Text, `"★":"2"`) {
		t.Fatalf("Oslo 条目错误: %+v", oslo)
	}
	if oslo[0].Categories["Lang kø/ventetid"] != 1 || oslo[0].Categories["Dyre produkter"] != 1 || oslo[0].Categories["Positiv tilbakemelding"] != 0 {
		t.Fatalf("关键词分类错误: %+v", oslo[0].Categories)
	}
	if oslo[1].Categories["Positiv tilbakemelding"] != 1 {
		t.Fatalf("正面评价未识别: %+v", oslo[1].Categories)
	}
	if doc.Departments["Bergen"][0].Categories["Ingen kommentar"] != 1 {
		t.Fatalf("空评论类别错误")
	}
	if len(oslo[0].Categories) != len(DefaultRules) {
		t.Fatalf("应输出全部类别")
	}
}

func TestCustomRulesAndGroupField(t *testing.T) {
	c, err := New(json.RawMessage(`{"group_field":"Store","comment_field":"Text","wrapper_key":"stores","echo_fields":[],"rules":{"slow":["slow"]},"empty_category":"none"}`))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	b := contract.Batch{Records: []contract.Record{
		{Index: 0, Fields: contract.Fields{"Text": "so slow", "★": "1"}},
		{Index: 1, Fields: contract.Fields{"Store": "S1", "Text": ""}},
	}}
	raw, _ := c.Invoke(context.Background(), b, nil)
	want := `{"stores":{"Ukjent":[{"categories":{"slow":1},"index":0}],"S1":[{"categories":{"none":1,"slow":0},"index":1}]}}`
	if raw.Text != want {
		t.Fatalf("输出错误:\n%s\n%s", raw.Text, want)
	}
}

func TestEchoModeAndErrors(t *testing.T) {
	c, _ := New(json.RawMessage(`{"response_mode":"echo"}`))
	raw, _ := c.Invoke(context.Background(), batch(), contract.ChatPrompt{{Role: "system", Content: "s"}, {Role: "user", Content: "u"}})
	if raw.Text != "MOCK(chat:user): u" {
		t.Fatalf("echo 输出错误: %q", raw.Text)
	}
	if _, err := New(json.RawMessage(`{"response_mode":"nope"}`)); !errors.Is(err, contract.ErrInvalidInput) {
		t.Fatalf("未知模式应报错: %v", err)
	}
	if _, err := c.Invoke(context.Background(), contract.Batch{}, nil); !errors.Is(err, contract.ErrInvalidInput) {
		t.Fatalf("空批应报错: %v", err)
	}
}

func TestDelayRespectsCtx(t *testing.T) {
	c, _ := New(json.RawMessage(`{"delay_ms":5000}`))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	if _, err := c.Invoke(ctx, batch(), nil); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("应返回超时: %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("延迟未尊重 ctx")
	}
}
