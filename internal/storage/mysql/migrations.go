package mysql

import (
	"cmp"
	"context"
	"database/sql"
	"io/fs"
	"log/slog"
	"slices"
	"strings"
	"time"

	"ChainChat/deploy/migrations"
	xerrors "ChainChat/internal/errors"
	"ChainChat/pkg/logger"
)

// migration 是一个按版本号排序的 SQL 文件。
type migration struct {
	version    string
	file       string
	statements []string
}

// runMigrations 依次执行尚未记录在 schema_migrations 中的迁移文件。
func runMigrations(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
        version VARCHAR(32) NOT NULL PRIMARY KEY,
        applied_at BIGINT NOT NULL
)`); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建 schema_migrations 表失败")
	}

	applied, err := appliedVersions(ctx, db)
	if err != nil {
		return err
	}
	pending, err := readMigrations(migrations.Files)
	if err != nil {
		return err
	}

	log := logger.Named("mysql")
	for _, m := range pending {
		if applied[m.version] {
			continue
		}
		if err := apply(ctx, db, m); err != nil {
			return err
		}
		log.Info("迁移已应用", slog.String("version", m.version), slog.String("file", m.file))
	}
	return nil
}

func appliedVersions(ctx context.Context, db *sql.DB) (map[string]bool, error) {
	rows, err := db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询迁移版本失败")
	}
	defer rows.Close()

	versions := make(map[string]bool)
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析迁移版本失败")
		}
		versions[v] = true
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历迁移版本失败")
	}
	return versions, nil
}

// apply 在一个事务内执行迁移并登记版本号。
func apply(ctx context.Context, db *sql.DB, m migration) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启迁移事务失败")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for _, stmt := range m.statements {
		if _, err = tx.ExecContext(ctx, stmt); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "执行迁移失败", xerrors.WithMetadata("file", m.file))
		}
	}
	if _, err = tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`, m.version, time.Now().Unix()); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "登记迁移版本失败")
	}
	if err = tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交迁移事务失败")
	}
	return nil
}

// readMigrations 读取 fsys 根目录下的 .sql 文件，文件名前缀（第一个下划线之前）即版本号。
func readMigrations(fsys fs.FS) ([]migration, error) {
	files, err := fs.Glob(fsys, "*.sql")
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "列出迁移文件失败")
	}

	out := make([]migration, 0, len(files))
	for _, file := range files {
		content, err := fs.ReadFile(fsys, file)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取迁移文件失败", xerrors.WithMetadata("file", file))
		}
		stmts := statements(string(content))
		if len(stmts) == 0 {
			continue
		}
		version, _, _ := strings.Cut(strings.TrimSuffix(file, ".sql"), "_")
		out = append(out, migration{version: version, file: file, statements: stmts})
	}

	slices.SortFunc(out, func(a, b migration) int {
		return cmp.Or(cmp.Compare(a.version, b.version), cmp.Compare(a.file, b.file))
	})
	return out, nil
}

// statements 按分号拆分脚本，迁移文件中不允许出现包含分号的字面量。
func statements(script string) []string {
	var out []string
	for _, part := range strings.Split(script, ";") {
		if s := strings.TrimSpace(part); s != "" {
			out = append(out, s)
		}
	}
	return out
}
