package task

import (
	"context"
	"database/sql"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	xerrors "Magentic-Gateway/internal/errors"
)

// SQLiteStore 基于本地 SQLite 文件持久化任务，是默认的存储驱动。
type SQLiteStore struct {
	sqlStore
}

const sqliteSchema = `CREATE TABLE IF NOT EXISTS tasks (
    id TEXT PRIMARY KEY,
    prompt TEXT NOT NULL,
    model_name TEXT NOT NULL DEFAULT '',
    use_aoai INTEGER NOT NULL DEFAULT 0,
    status TEXT NOT NULL,
    attempts INTEGER NOT NULL DEFAULT 0,
    max_retries INTEGER NOT NULL DEFAULT 1,
    last_error TEXT NOT NULL DEFAULT '',
    error_code TEXT NOT NULL DEFAULT '',
    result TEXT,
    prompt_tokens INTEGER NOT NULL DEFAULT 0,
    completion_tokens INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
CREATE INDEX IF NOT EXISTS idx_tasks_updated_at ON tasks(updated_at);`

// NewSQLiteStore 打开(或创建)指定路径的 SQLite 数据库并初始化任务表。
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "SQLite 数据库路径不能为空")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "打开 SQLite 数据库失败")
	}
	// SQLite 的写操作是全库串行的，这里限制连接数避免 database is locked。
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA foreign_keys=ON;",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "设置 SQLite PRAGMA 失败")
		}
	}

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "初始化任务表失败")
	}

	store := &SQLiteStore{sqlStore: sqlStore{db: db, isConflict: isSQLiteConflict}}
	return store, nil
}

func isSQLiteConflict(err error) bool {
	if err == nil {
		return false
	}
	// modernc.org/sqlite 的错误信息中带有约束类型描述。
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed")
}

var _ Store = (*SQLiteStore)(nil)
