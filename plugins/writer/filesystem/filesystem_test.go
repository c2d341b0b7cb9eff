package filesystem

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"llmcls/pkg/contract"
)

func noTmp(t *testing.T, dir string) {
	t.Helper()
	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".tmp-") {
			t.Fatalf("临时文件未清理: %s", e.Name())
		}
	}
}

// TestWriteAtomicReplace 原子写入并替换已有工件
func TestWriteAtomicReplace(t *testing.T) {
	dir := t.TempDir()
	w, err := New(&Options{OutputDir: dir})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	for _, v := range []string{"v1", "v2"} {
		if err := w.Write(context.Background(), "runs/result.json", strings.NewReader(v)); err != nil {
			t.Fatalf("write %s: %v", v, err)
		}
	}
	b, err := os.ReadFile(filepath.Join(dir, "runs", "result.json"))
	if err != nil || string(b) != "v2" {
		t.Fatalf("期望 v2, got %q %v", b, err)
	}
	noTmp(t, filepath.Join(dir, "runs"))
}

func TestWriteBackup(t *testing.T) {
	dir := t.TempDir()
	w, _ := New(&Options{OutputDir: dir, Backup: true})
	_ = w.Write(context.Background(), "out.csv", strings.NewReader("old"))
	if err := w.Write(context.Background(), "out.csv", strings.NewReader("new")); err != nil {
		t.Fatalf("write: %v", err)
	}
	bak, _ := os.ReadFile(filepath.Join(dir, "out.csv.bak"))
	cur, _ := os.ReadFile(filepath.Join(dir, "out.csv"))
	if string(bak) != "old" || string(cur) != "new" {
		t.Fatalf("备份错误: bak=%q cur=%q", bak, cur)
	}
}

func TestWriteNonAtomic(t *testing.T) {
	dir := t.TempDir()
	off := false
	w, _ := New(&Options{OutputDir: dir, Atomic: &off})
	if err := w.Write(context.Background(), "a.txt", strings.NewReader("longer content")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := w.Write(context.Background(), "a.txt", strings.NewReader("short")); err != nil {
		t.Fatalf("write: %v", err)
	}
	b, _ := os.ReadFile(filepath.Join(dir, "a.txt"))
	if string(b) != "short" {
		t.Fatalf("覆盖写应截断: %q", b)
	}
}

func TestWritePathInvalid(t *testing.T) {
	w, _ := New(&Options{OutputDir: t.TempDir()})
	for _, id := range []contract.ArtifactID{"", ".", "..", "../x", "a/../../x", "/abs/x"} {
		if err := w.Write(context.Background(), id, strings.NewReader("x")); !errors.Is(err, contract.ErrPathInvalid) {
			t.Fatalf("%q 应为 ErrPathInvalid, got %v", id, err)
		}
	}
}

func TestNewInvalid(t *testing.T) {
	if _, err := New(nil); !errors.Is(err, contract.ErrInvalidInput) {
		t.Fatalf("nil 选项应报错: %v", err)
	}
	if _, err := New(&Options{OutputDir: "  "}); !errors.Is(err, contract.ErrInvalidInput) {
		t.Fatalf("空目录应报错: %v", err)
	}
}

// 读取中途失败：临时文件清理，目标不产生
type failReader struct{ n int }

func (f *failReader) Read(p []byte) (int, error) {
	if f.n > 0 {
		return 0, io.ErrUnexpectedEOF
	}
	f.n++
	return copy(p, "part"), nil
}

func TestWriteCopyErrorCleansUp(t *testing.T) {
	dir := t.TempDir()
	w, _ := New(&Options{OutputDir: dir})
	if err := w.Write(context.Background(), "x.json", &failReader{}); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("应返回读取错误: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "x.json")); !os.IsNotExist(err) {
		t.Fatalf("失败时不应产生目标文件")
	}
	noTmp(t, dir)
}

func TestWriteCtxCancel(t *testing.T) {
	dir := t.TempDir()
	w, _ := New(&Options{OutputDir: dir})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := w.Write(ctx, "x.json", strings.NewReader("x")); !errors.Is(err, context.Canceled) {
		t.Fatalf("应返回取消: %v", err)
	}
	cr := &ctxReader{ctx: ctx, r: strings.NewReader("x")}
	if _, err := cr.Read(make([]byte, 1)); !errors.Is(err, context.Canceled) {
		t.Fatalf("ctxReader 应返回取消: %v", err)
	}
}
