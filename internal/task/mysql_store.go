package task

import (
	"database/sql"
	stdErrors "errors"
	"sort"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"Magentic-Gateway/deploy/migrations"
	xerrors "Magentic-Gateway/internal/errors"
)

// MySQLStore 使用 MySQL 记录任务状态，适用于多副本部署。
type MySQLStore struct {
	sqlStore
}

// NewMySQLStore 创建一个新的 MySQLStore。
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "连接 MySQL 失败")
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(10 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "无法连接到 MySQL")
	}

	store := &MySQLStore{sqlStore: sqlStore{db: db, isConflict: isMySQLConflict}}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// initSchema 按序执行 deploy/migrations 内置的 SQL 迁移。
func (s *MySQLStore) initSchema() error {
	entries, err := migrations.Files.ReadDir(".")
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInitializationFailure, err, "读取迁移文件失败")
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), ".sql") {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		content, err := migrations.Files.ReadFile(name)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeInitializationFailure, err, "读取迁移文件 "+name+" 失败")
		}
		if _, err := s.db.Exec(string(content)); err != nil {
			return xerrors.Wrap(xerrors.CodeInitializationFailure, err, "执行迁移 "+name+" 失败")
		}
	}

	if _, err := s.db.Exec(`ALTER TABLE tasks ADD COLUMN completion_tokens BIGINT NOT NULL DEFAULT 0 AFTER prompt_tokens`); err != nil {
		var mysqlErr *mysql.MySQLError
		// 1060: Duplicate column name，说明旧库已经升级过。
		if !(stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1060) {
			return xerrors.Wrap(xerrors.CodeInitializationFailure, err, "扩展 tasks.completion_tokens 失败")
		}
	}
	return nil
}

func isMySQLConflict(err error) bool {
	var mysqlErr *mysql.MySQLError
	// 1062: Duplicate entry for key.
	return stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062
}

var _ Store = (*MySQLStore)(nil)
