// Package sqlite 将运行报告持久化到 SQLite（结果表、丢弃表、冲突表）。
package sqlite

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"
	"github.com/pressly/goose/v3/database"
	_ "modernc.org/sqlite"

	"llmcls/pkg/contract"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Options: SQLite 结果库配置。
type Options struct {
	// Path: 数据库文件路径；":memory:" 用于测试。
	Path string `json:"path"`
	// BusyTimeoutMS: 锁等待（毫秒），默认 5000。
	BusyTimeoutMS int `json:"busy_timeout_ms,omitempty"`
	// WAL: 启用 WAL 日志模式（内存库忽略）。
	WAL bool `json:"wal,omitempty"`
}

// Store 实现 contract.ResultStore。
type Store struct {
	db  *sqlx.DB
	now func() time.Time
}

// Open 打开数据库、设置 pragma 并迁移到最新版本。
func Open(ctx context.Context, o Options) (*Store, error) {
	if strings.TrimSpace(o.Path) == "" {
		return nil, fmt.Errorf("sqlite: %w: path required", contract.ErrInvalidInput)
	}
	if o.BusyTimeoutMS <= 0 {
		o.BusyTimeoutMS = 5000
	}
	db, err := sqlx.Open("sqlite", dsn(o))
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	// 单写者；同时保证 :memory: 在单连接上共享
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite ping: %w", err)
	}
	if err := migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db, now: time.Now}, nil
}

func dsn(o Options) string {
	p := []string{
		fmt.Sprintf("_pragma=busy_timeout(%d)", o.BusyTimeoutMS),
		"_pragma=foreign_keys(1)",
	}
	if o.WAL && o.Path != ":memory:" {
		p = append(p, "_pragma=journal_mode(WAL)")
	}
	if o.Path == ":memory:" {
		return ":memory:?" + strings.Join(p, "&")
	}
	return "file:" + o.Path + "?" + strings.Join(p, "&")
}

func migrate(ctx context.Context, db *sqlx.DB) error {
	sub, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("sqlite migrations: %w", err)
	}
	prov, err := goose.NewProvider(database.DialectSQLite3, db.DB, sub)
	if err != nil {
		return fmt.Errorf("sqlite migrations: %w", err)
	}
	if _, err := prov.Up(ctx); err != nil {
		return fmt.Errorf("sqlite migrate up: %w", err)
	}
	return nil
}

// RunRow: runs 表的一行。
type RunRow struct {
	RunID      string `db:"run_id"`
	CreatedAt  string `db:"created_at"`
	Records    int    `db:"records"`
	Classified int    `db:"classified"`
	Dropped    int    `db:"dropped"`
	Batches    int    `db:"batches"`
	Calls      int    `db:"calls"`
	Splits     int    `db:"splits"`
	Conflicts  int    `db:"conflicts"`
}

// ClassificationRow: classifications 表的一行；属性与类别以 JSON 文本存储。
type ClassificationRow struct {
	RunID      string `db:"run_id"`
	Index      int64  `db:"idx"`
	Group      string `db:"grp"`
	Pos        int    `db:"pos"`
	Attributes string `db:"attributes"`
	Categories string `db:"categories"`
}

// DroppedRow: dropped 表的一行。
type DroppedRow struct {
	RunID  string `db:"run_id"`
	Index  int64  `db:"idx"`
	Kind   string `db:"kind"`
	Detail string `db:"detail"`
}

type conflictRow struct {
	RunID     string `db:"run_id"`
	Index     int64  `db:"idx"`
	Group     string `db:"grp"`
	KeptGroup string `db:"kept_grp"`
}

const (
	insertRun = `INSERT INTO runs (run_id, created_at, records, classified, dropped, batches, calls, splits, conflicts)
VALUES (:run_id, :created_at, :records, :classified, :dropped, :batches, :calls, :splits, :conflicts)`
	insertClassification = `INSERT INTO classifications (run_id, idx, grp, pos, attributes, categories)
VALUES (:run_id, :idx, :grp, :pos, :attributes, :categories)`
	insertDropped  = `INSERT INTO dropped (run_id, idx, kind, detail) VALUES (:run_id, :idx, :kind, :detail)`
	insertConflict = `INSERT INTO conflicts (run_id, idx, grp, kept_grp) VALUES (:run_id, :idx, :grp, :kept_grp)`
)

// Save 在单个事务内写入报告；同一 RunID 再次保存时整体替换。
func (s *Store) Save(ctx context.Context, r contract.Report) error {
	if r.RunID == "" {
		return fmt.Errorf("sqlite save: %w: empty run id", contract.ErrInvalidInput)
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE run_id = ?`, r.RunID); err != nil {
		return fmt.Errorf("sqlite replace run: %w", err)
	}
	run := RunRow{
		RunID:      r.RunID,
		CreatedAt:  s.now().UTC().Format(time.RFC3339),
		Records:    r.Records,
		Classified: r.Result.Len(),
		Dropped:    len(r.Dropped),
		Batches:    r.Batches,
		Calls:      r.Calls,
		Splits:     r.Splits,
		Conflicts:  len(r.Conflicts),
	}
	if _, err := tx.NamedExecContext(ctx, insertRun, run); err != nil {
		return fmt.Errorf("sqlite insert run: %w", err)
	}

	rows := make([]ClassificationRow, 0, r.Result.Len())
	var encErr error
	pos := 0
	r.Result.Each(func(group string, c contract.RecordClassification) {
		if encErr != nil {
			return
		}
		attrs, err := json.Marshal(nonNilFields(c.Attributes))
		if err != nil {
			encErr = err
			return
		}
		cats, err := json.Marshal(nonNilCats(c.Categories))
		if err != nil {
			encErr = err
			return
		}
		rows = append(rows, ClassificationRow{
			RunID: r.RunID, Index: int64(c.Index), Group: group, Pos: pos,
			Attributes: string(attrs), Categories: string(cats),
		})
		pos++
	})
	if encErr != nil {
		return fmt.Errorf("sqlite encode: %w", encErr)
	}
	if err := execEach(ctx, tx, insertClassification, rows); err != nil {
		return fmt.Errorf("sqlite insert classifications: %w", err)
	}

	drops := make([]DroppedRow, len(r.Dropped))
	for i, d := range r.Dropped {
		drops[i] = DroppedRow{RunID: r.RunID, Index: int64(d.Index), Kind: string(d.Kind), Detail: d.Detail}
	}
	if err := execEach(ctx, tx, insertDropped, drops); err != nil {
		return fmt.Errorf("sqlite insert dropped: %w", err)
	}

	confs := make([]conflictRow, len(r.Conflicts))
	for i, c := range r.Conflicts {
		confs[i] = conflictRow{RunID: r.RunID, Index: int64(c.Index), Group: c.Group, KeptGroup: c.KeptGroup}
	}
	if err := execEach(ctx, tx, insertConflict, confs); err != nil {
		return fmt.Errorf("sqlite insert conflicts: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite commit: %w", err)
	}
	return nil
}

// execEach 以预编译命名语句逐行插入（避开 SQLite 单语句变量上限）。
func execEach[T any](ctx context.Context, tx *sqlx.Tx, query string, rows []T) error {
	if len(rows) == 0 {
		return nil
	}
	stmt, err := tx.PrepareNamedContext(ctx, query)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for i := range rows {
		if _, err := stmt.ExecContext(ctx, rows[i]); err != nil {
			return err
		}
	}
	return nil
}

// Run 读取单次运行的汇总；不存在返回 (nil, nil)。
func (s *Store) Run(ctx context.Context, runID string) (*RunRow, error) {
	var rows []RunRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM runs WHERE run_id = ?`, runID); err != nil {
		return nil, fmt.Errorf("sqlite select run: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// Classifications 按写入顺序返回某次运行的分类行。
func (s *Store) Classifications(ctx context.Context, runID string) ([]ClassificationRow, error) {
	var rows []ClassificationRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT run_id, idx, grp, pos, attributes, categories FROM classifications WHERE run_id = ? ORDER BY pos`, runID)
	if err != nil {
		return nil, fmt.Errorf("sqlite select classifications: %w", err)
	}
	return rows, nil
}

// DroppedRecords 按 Index 升序返回某次运行的丢弃记录。
func (s *Store) DroppedRecords(ctx context.Context, runID string) ([]DroppedRow, error) {
	var rows []DroppedRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT run_id, idx, kind, detail FROM dropped WHERE run_id = ? ORDER BY idx`, runID)
	if err != nil {
		return nil, fmt.Errorf("sqlite select dropped: %w", err)
	}
	return rows, nil
}

func (s *Store) Close() error { return s.db.Close() }

func nonNilFields(f contract.Fields) contract.Fields {
	if f == nil {
		return contract.Fields{}
	}
	return f
}

func nonNilCats(m map[string]bool) map[string]int {
	out := make(map[string]int, len(m))
	for k, v := range m {
		if v {
			out[k] = 1
		} else {
			out[k] = 0
		}
	}
	return out
}

var _ contract.ResultStore = (*Store)(nil)
