package mysql

import (
	"context"
	"io/fs"
	"log/slog"
	"strings"

	"ChainPulse/deploy/migrations"
	xerrors "ChainPulse/internal/errors"
)

// migration 是一个按版本排序执行的 SQL 文件。
type migration struct {
	version    string
	file       string
	statements []string
}

const createMigrationsTable = `CREATE TABLE IF NOT EXISTS schema_migrations (
    version VARCHAR(32) NOT NULL PRIMARY KEY,
    applied_at BIGINT NOT NULL
)`

// migrate 执行尚未应用的迁移，返回本次应用的版本。
func (a *Archive) migrate(ctx context.Context, files fs.FS) ([]string, error) {
	if _, err := a.db.ExecContext(ctx, createMigrationsTable); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建 schema_migrations 表失败")
	}
	done, err := a.appliedVersions(ctx)
	if err != nil {
		return nil, err
	}
	pending, err := readMigrations(files)
	if err != nil {
		return nil, err
	}

	var applied []string
	for _, m := range pending {
		if done[m.version] {
			continue
		}
		if err := a.apply(ctx, m); err != nil {
			return applied, err
		}
		a.logger.Info("migration applied", slog.String("version", m.version), slog.String("file", m.file))
		applied = append(applied, m.version)
	}
	return applied, nil
}

func (a *Archive) appliedVersions(ctx context.Context) (map[string]bool, error) {
	rows, err := a.db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询 schema_migrations 失败")
	}
	defer rows.Close()

	versions := make(map[string]bool)
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析 schema_migrations 失败")
		}
		versions[v] = true
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历 schema_migrations 失败")
	}
	return versions, nil
}

// apply 在一个事务内执行迁移并记录版本。MySQL 的 DDL 会隐式提交，事务只保证版本记录不早于语句执行。
func (a *Archive) apply(ctx context.Context, m migration) error {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启迁移事务失败")
	}
	for _, stmt := range m.statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			_ = tx.Rollback()
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "执行迁移 "+m.file+" 失败")
		}
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`, m.version, a.now().Unix()); err != nil {
		_ = tx.Rollback()
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "记录迁移版本失败")
	}
	if err := tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交迁移事务失败")
	}
	return nil
}

func readMigrations(files fs.FS) ([]migration, error) {
	names, err := migrations.List(files)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取迁移目录失败")
	}
	out := make([]migration, 0, len(names))
	for _, name := range names {
		content, err := fs.ReadFile(files, name)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取迁移文件 "+name+" 失败")
		}
		stmts := splitStatements(string(content))
		if len(stmts) == 0 {
			continue
		}
		out = append(out, migration{version: migrations.Version(name), file: name, statements: stmts})
	}
	return out, nil
}

func splitStatements(content string) []string {
	var stmts []string
	for _, part := range strings.Split(content, ";") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			stmts = append(stmts, trimmed)
		}
	}
	return stmts
}

var embedded fs.FS = migrations.Files
