package diag

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
)

// Options 控制日志落点。
// 默认：JSON 行写入 logs/llmcls-current.txt（10 MiB 轮转）；Console=true 时改为 tint 彩色输出到 stderr。
type Options struct {
	Level    string
	Console  bool
	Dir      string
	MaxBytes int64
	// Writer 非 nil 时直接写入该 Writer（JSON 行），忽略 Dir/Console。
	Writer io.Writer
}

// Logger 为结构化事件日志器，基于 slog。
// 每条事件携带 corr_id/comp/stage，可选 code/dur_ms/count/file_id/batch_id/kv。
type Logger struct {
	sl   *slog.Logger
	sink *RotatingFile
}

// New 按 Options 构造日志器。
func New(corrID string, o Options) *Logger {
	lvl := parseLevel(o.Level)
	l := &Logger{}
	var h slog.Handler
	switch {
	case o.Writer != nil:
		h = slog.NewJSONHandler(o.Writer, &slog.HandlerOptions{Level: lvl})
	case o.Console:
		h = tint.NewHandler(os.Stderr, &tint.Options{Level: lvl, TimeFormat: time.RFC3339})
	default:
		dir := o.Dir
		if strings.TrimSpace(dir) == "" {
			dir = "logs"
		}
		max := o.MaxBytes
		if max <= 0 {
			max = 10 * 1024 * 1024
		}
		l.sink = NewRotatingFile(dir, max)
		h = slog.NewJSONHandler(l.sink, &slog.HandlerOptions{Level: lvl})
	}
	l.sl = slog.New(h).With(slog.String("corr_id", corrID))
	return l
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Close 关闭文件落点（若有）。
func (l *Logger) Close() error {
	if l == nil || l.sink == nil {
		return nil
	}
	return l.sink.Close()
}

// Event 为标准事件结构。
type Event struct {
	Comp   string
	Stage  string // start|finish|error|warn
	Code   string
	DurMS  int64
	Count  int64
	FileID string
	Batch  string
	Msg    string
	KV     map[string]string
}

func (l *Logger) log(lv slog.Level, ev Event) {
	if l == nil || l.sl == nil {
		return
	}
	ctx := context.Background()
	if !l.sl.Enabled(ctx, lv) {
		return
	}
	attrs := make([]slog.Attr, 0, 9)
	attrs = append(attrs, slog.String("comp", ev.Comp), slog.String("stage", ev.Stage))
	if ev.Code != "" {
		attrs = append(attrs, slog.String("code", ev.Code))
	}
	if ev.DurMS != 0 {
		attrs = append(attrs, slog.Int64("dur_ms", ev.DurMS))
	}
	if ev.Count != 0 {
		attrs = append(attrs, slog.Int64("count", ev.Count))
	}
	if ev.FileID != "" {
		attrs = append(attrs, slog.String("file_id", ev.FileID))
	}
	if ev.Batch != "" {
		attrs = append(attrs, slog.String("batch_id", ev.Batch))
	}
	if len(ev.KV) > 0 {
		kv := make([]any, 0, len(ev.KV))
		for k, v := range ev.KV {
			kv = append(kv, slog.String(k, v))
		}
		attrs = append(attrs, slog.Group("kv", kv...))
	}
	l.sl.LogAttrs(ctx, lv, ev.Msg, attrs...)
}

// Start 记录 start 事件；返回计时器用于 Finish。
func (l *Logger) Start(comp, msg string) *Timer {
	l.log(slog.LevelInfo, Event{Comp: comp, Stage: "start", Msg: msg})
	return &Timer{l: l, comp: comp, t0: time.Now()}
}

// StartWith 记录带 file_id/batch_id 的 start。
func (l *Logger) StartWith(comp, msg, fileID, batch string) *Timer {
	l.log(slog.LevelInfo, Event{Comp: comp, Stage: "start", FileID: fileID, Batch: batch, Msg: msg})
	return &Timer{l: l, comp: comp, fileID: fileID, batch: batch, t0: time.Now()}
}

// StartWithKV 记录带 file_id/batch_id 与键值的 start。
func (l *Logger) StartWithKV(comp, msg, fileID, batch string, kv map[string]string) *Timer {
	l.log(slog.LevelInfo, Event{Comp: comp, Stage: "start", FileID: fileID, Batch: batch, Msg: msg, KV: kv})
	return &Timer{l: l, comp: comp, fileID: fileID, batch: batch, t0: time.Now()}
}

func since(t *time.Time) int64 {
	if t == nil {
		return 0
	}
	return time.Since(*t).Milliseconds()
}

// Error 记录 error 事件。
func (l *Logger) Error(comp, code, msg string, durSince *time.Time) {
	l.log(slog.LevelError, Event{Comp: comp, Stage: "error", Code: code, DurMS: since(durSince), Msg: msg})
}

// ErrorWith 支持 file_id/batch_id。
func (l *Logger) ErrorWith(comp, code, msg string, durSince *time.Time, fileID, batch string) {
	l.log(slog.LevelError, Event{Comp: comp, Stage: "error", Code: code, DurMS: since(durSince), Msg: msg, FileID: fileID, Batch: batch})
}

// ErrorWithKV 附带键值对（例如 HTTP 状态码、上游错误片段）。
func (l *Logger) ErrorWithKV(comp, code, msg string, durSince *time.Time, fileID, batch string, kv map[string]string) {
	l.log(slog.LevelError, Event{Comp: comp, Stage: "error", Code: code, DurMS: since(durSince), Msg: msg, FileID: fileID, Batch: batch, KV: kv})
}

// Warn 记录可恢复的异常（例如批失败后二分、单条丢弃）。
func (l *Logger) Warn(comp, code, msg string) {
	l.log(slog.LevelWarn, Event{Comp: comp, Stage: "warn", Code: code, Msg: msg})
}

// WarnWith 支持 batch_id 与键值。
func (l *Logger) WarnWith(comp, code, msg, batch string, kv map[string]string) {
	l.log(slog.LevelWarn, Event{Comp: comp, Stage: "warn", Code: code, Msg: msg, Batch: batch, KV: kv})
}

// InfoFinish 在已有起点的情况下记录 finish。
func (l *Logger) InfoFinish(comp, msg string, start time.Time, count int64) {
	l.log(slog.LevelInfo, Event{Comp: comp, Stage: "finish", DurMS: time.Since(start).Milliseconds(), Count: count, Msg: msg})
}

// DebugStart 输出调试级 start 事件（仅 level=debug 生效）。
func (l *Logger) DebugStart(comp, msg, fileID, batch string, kv map[string]string) {
	l.log(slog.LevelDebug, Event{Comp: comp, Stage: "start", FileID: fileID, Batch: batch, Msg: msg, KV: kv})
}

// Timer 用于 start→finish 计时。
type Timer struct {
	l      *Logger
	comp   string
	fileID string
	batch  string
	t0     time.Time
}

// Finish 记录 finish；可选 count。
func (t *Timer) Finish(msg string, count int64) {
	if t == nil || t.l == nil {
		return
	}
	t.l.log(slog.LevelInfo, Event{Comp: t.comp, Stage: "finish", DurMS: time.Since(t.t0).Milliseconds(), Count: count, FileID: t.fileID, Batch: t.batch, Msg: msg})
}

// Since 返回计时起点，用于 Error 的 durSince。
func (t *Timer) Since() *time.Time {
	if t == nil {
		return nil
	}
	return &t.t0
}
