// Package tools 提供数据库助手可调用的查询工具。
package tools

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	xerrors "Magentic-Gateway/internal/errors"
)

// 单次查询返回的最大行数，防止模型拼出全表扫描拖垮连接。
const maxRows = 200

// PostgresTool 在只读前提下对 PostgreSQL 执行查询。
type PostgresTool struct {
	pool *pgxpool.Pool
}

// NewPostgresTool 建立连接池并校验连通性。
func NewPostgresTool(ctx context.Context, dsn string) (*PostgresTool, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "PostgreSQL DSN 不能为空")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "创建 PostgreSQL 连接池失败")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "无法连接到 PostgreSQL")
	}
	return &PostgresTool{pool: pool}, nil
}

// ListTables 返回 public schema 下的表与字段信息。
func (t *PostgresTool) ListTables(ctx context.Context) (string, error) {
	const query = `SELECT table_name, column_name, data_type
        FROM information_schema.columns
        WHERE table_schema = 'public'
        ORDER BY table_name, ordinal_position`

	rows, err := t.pool.Query(ctx, query)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询表结构失败")
	}
	defer rows.Close()

	tables := make(map[string][]map[string]string)
	order := make([]string, 0, 16)
	for rows.Next() {
		var table, column, dataType string
		if err := rows.Scan(&table, &column, &dataType); err != nil {
			return "", xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析表结构失败")
		}
		if _, ok := tables[table]; !ok {
			order = append(order, table)
		}
		tables[table] = append(tables[table], map[string]string{"column": column, "type": dataType})
	}
	if err := rows.Err(); err != nil {
		return "", xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历表结构失败")
	}

	result := make([]map[string]any, 0, len(order))
	for _, table := range order {
		result = append(result, map[string]any{"table": table, "columns": tables[table]})
	}
	encoded, err := json.Marshal(result)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化表结构失败")
	}
	return string(encoded), nil
}

// RunQuery 执行一条只读 SQL 并返回 JSON 编码的行数据。
func (t *PostgresTool) RunQuery(ctx context.Context, query string) (string, error) {
	if err := ensureReadOnly(query); err != nil {
		return "", err
	}

	rows, err := t.pool.Query(ctx, query)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeStorageFailure, err, "执行查询失败")
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	columns := make([]string, len(fields))
	for i, field := range fields {
		columns[i] = field.Name
	}

	result := make([]map[string]any, 0, 32)
	for rows.Next() {
		if len(result) >= maxRows {
			break
		}
		values, err := rows.Values()
		if err != nil {
			return "", xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取查询结果失败")
		}
		record := make(map[string]any, len(columns))
		for i, column := range columns {
			record[column] = values[i]
		}
		result = append(result, record)
	}
	if err := rows.Err(); err != nil {
		return "", xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历查询结果失败")
	}

	encoded, err := json.Marshal(result)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化查询结果失败")
	}
	return string(encoded), nil
}

// Close 关闭连接池。
func (t *PostgresTool) Close() {
	if t != nil && t.pool != nil {
		t.pool.Close()
	}
}

// ensureReadOnly 只放行 SELECT 与 WITH 开头的语句。
func ensureReadOnly(query string) error {
	trimmed := strings.TrimSpace(strings.ToLower(query))
	if !strings.HasPrefix(trimmed, "select") && !strings.HasPrefix(trimmed, "with") {
		return xerrors.New(xerrors.CodeInvalidArgument, "仅允许执行只读查询")
	}
	if strings.Contains(trimmed, ";") && !strings.HasSuffix(trimmed, ";") {
		return xerrors.New(xerrors.CodeInvalidArgument, "不允许执行多条语句")
	}
	return nil
}
