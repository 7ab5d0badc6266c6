package mysql

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	xerrors "ChainPulse/internal/errors"
	"ChainPulse/internal/notify"
	"ChainPulse/internal/realtime"
	"ChainPulse/pkg/logger"
)

// Archive 把推送过的区块与手续费快照写入 MySQL。
type Archive struct {
	db     *sql.DB
	now    func() time.Time
	logger *slog.Logger
}

var _ notify.Notifier = (*Archive)(nil)

// Open 连接数据库并执行内置迁移。
func Open(ctx context.Context, cfg Config) (*Archive, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a, err := NewArchive(ctx, db, true)
	if err != nil {
		db.Close()
		return nil, err
	}
	return a, nil
}

// NewArchive 基于已有连接创建归档，migrate 为 true 时执行迁移。
func NewArchive(ctx context.Context, db *sql.DB, migrate bool) (*Archive, error) {
	a := &Archive{db: db, now: time.Now, logger: logger.Named("archive")}
	if migrate {
		if _, err := a.migrate(ctx, embedded); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// SaveBlock 写入区块快照，同一链同一高度重复写入时更新观测信息。
func (a *Archive) SaveBlock(ctx context.Context, b realtime.BlockSnapshot) error {
	_, err := a.db.ExecContext(ctx, `INSERT INTO realtime_blocks (chain, height, reported_height, observed_at)
VALUES (?, ?, ?, ?)
ON DUPLICATE KEY UPDATE reported_height = VALUES(reported_height), observed_at = VALUES(observed_at)`,
		b.Chain, b.Height, b.ReportedHeight, b.ObservedAt)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "保存区块快照失败")
	}
	return nil
}

// SaveFee 追加一条手续费快照。
func (a *Archive) SaveFee(ctx context.Context, f realtime.FeeSnapshot) error {
	_, err := a.db.ExecContext(ctx, `INSERT INTO realtime_fees (chain, fast, standard, slow, base_fee, unit, observed_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
		f.Chain, f.Fast, f.Standard, f.Slow, f.BaseFee, f.Unit, f.ObservedAt)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "保存手续费快照失败")
	}
	return nil
}

// LatestBlocks 返回最近归档的区块，按观测时间倒序。
func (a *Archive) LatestBlocks(ctx context.Context, limit int) ([]realtime.BlockSnapshot, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := a.db.QueryContext(ctx, `SELECT chain, height, reported_height, observed_at
FROM realtime_blocks ORDER BY observed_at DESC, height DESC LIMIT ?`, limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询区块快照失败")
	}
	defer rows.Close()

	blocks := make([]realtime.BlockSnapshot, 0, limit)
	for rows.Next() {
		var b realtime.BlockSnapshot
		if err := rows.Scan(&b.Chain, &b.Height, &b.ReportedHeight, &b.ObservedAt); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析区块快照失败")
		}
		blocks = append(blocks, b)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历区块快照失败")
	}
	return blocks, nil
}

// Counts 返回归档的区块与手续费快照数量。
func (a *Archive) Counts(ctx context.Context) (blocks, fees int64, err error) {
	row := a.db.QueryRowContext(ctx, `SELECT (SELECT COUNT(*) FROM realtime_blocks), (SELECT COUNT(*) FROM realtime_fees)`)
	if err := row.Scan(&blocks, &fees); err != nil {
		return 0, 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "统计快照失败")
	}
	return blocks, fees, nil
}

// Notify 按推送种类归档快照，未知种类被忽略。
func (a *Archive) Notify(ctx context.Context, ann notify.Announcement) error {
	switch payload := ann.Payload.(type) {
	case realtime.BlockSnapshot:
		return a.SaveBlock(ctx, payload)
	case realtime.FeeSnapshot:
		return a.SaveFee(ctx, payload)
	default:
		a.logger.Debug("skip unarchivable announcement", slog.String("kind", ann.Kind))
		return nil
	}
}

// Close 关闭连接池。
func (a *Archive) Close() error {
	return a.db.Close()
}
