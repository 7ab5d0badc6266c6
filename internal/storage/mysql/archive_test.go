package mysql

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"testing/fstest"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	xerrors "ChainPulse/internal/errors"
	"ChainPulse/internal/notify"
	"ChainPulse/internal/realtime"
)

func newMockArchive(t *testing.T) (*Archive, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	a, err := NewArchive(context.Background(), db, false)
	if err != nil {
		t.Fatalf("new archive: %v", err)
	}
	a.now = func() time.Time { return time.Unix(1700000000, 0) }
	return a, mock
}

func TestSaveBlockUpserts(t *testing.T) {
	a, mock := newMockArchive(t)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO realtime_blocks")).
		WithArgs("bitcoin", int64(99), int64(100), int64(1700000000000)).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := a.SaveBlock(context.Background(), realtime.BlockSnapshot{Chain: "bitcoin", Height: 99, ReportedHeight: 100, ObservedAt: 1700000000000})
	if err != nil {
		t.Fatalf("save block: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestNotifyRoutesByPayload(t *testing.T) {
	a, mock := newMockArchive(t)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO realtime_fees")).
		WithArgs("ethereum", 3.0, 2.0, 1.0, 0.5, "gwei", int64(5)).
		WillReturnResult(sqlmock.NewResult(1, 1))

	fee := realtime.FeeSnapshot{Chain: "ethereum", Fast: 3, Standard: 2, Slow: 1, BaseFee: 0.5, Unit: "gwei", ObservedAt: 5}
	if err := a.Notify(context.Background(), notify.Announcement{Kind: notify.KindFee, Payload: fee}); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if err := a.Notify(context.Background(), notify.Announcement{Kind: "other", Payload: "ignored"}); err != nil {
		t.Fatalf("unknown payloads should be ignored: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSaveFeeWrapsStorageFailure(t *testing.T) {
	a, mock := newMockArchive(t)
	mock.ExpectExec("INSERT INTO realtime_fees").WillReturnError(errors.New("deadlock"))

	err := a.SaveFee(context.Background(), realtime.FeeSnapshot{Chain: "ethereum"})
	if xerrors.CodeOf(err) != xerrors.CodeStorageFailure {
		t.Fatalf("expected STORAGE_FAILURE, got %v", err)
	}
}

func TestLatestBlocksAndCounts(t *testing.T) {
	a, mock := newMockArchive(t)
	rows := sqlmock.NewRows([]string{"chain", "height", "reported_height", "observed_at"}).
		AddRow("bitcoin", int64(101), int64(102), int64(3)).
		AddRow("bitcoin", int64(100), int64(101), int64(2))
	mock.ExpectQuery("SELECT chain, height, reported_height, observed_at").WithArgs(int64(2)).WillReturnRows(rows)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT (SELECT COUNT(*) FROM realtime_blocks)")).
		WillReturnRows(sqlmock.NewRows([]string{"blocks", "fees"}).AddRow(int64(2), int64(7)))

	blocks, err := a.LatestBlocks(context.Background(), 2)
	if err != nil {
		t.Fatalf("latest blocks: %v", err)
	}
	if len(blocks) != 2 || blocks[0].Height != 101 {
		t.Fatalf("unexpected blocks %+v", blocks)
	}
	nb, nf, err := a.Counts(context.Background())
	if err != nil || nb != 2 || nf != 7 {
		t.Fatalf("unexpected counts %d %d %v", nb, nf, err)
	}
}

func TestMigrateAppliesPendingVersions(t *testing.T) {
	a, mock := newMockArchive(t)
	files := fstest.MapFS{
		"0001_init.sql":  {Data: []byte("CREATE TABLE a (id INT);\nCREATE TABLE b (id INT);")},
		"0002_extra.sql": {Data: []byte("ALTER TABLE a ADD COLUMN x INT;")},
		"README.md":      {Data: []byte("ignored")},
	}

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS schema_migrations")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT version FROM schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow("0001"))
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("ALTER TABLE a ADD COLUMN x INT")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO schema_migrations")).
		WithArgs("0002", int64(1700000000)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	applied, err := a.migrate(context.Background(), files)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if len(applied) != 1 || applied[0] != "0002" {
		t.Fatalf("unexpected applied versions %v", applied)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestEmbeddedMigrationsParse(t *testing.T) {
	ms, err := readMigrations(embedded)
	if err != nil {
		t.Fatalf("read embedded migrations: %v", err)
	}
	if len(ms) == 0 || ms[0].version != "0001" || len(ms[0].statements) != 2 {
		t.Fatalf("unexpected embedded migrations %+v", ms)
	}
}

func TestOpenRejectsBadDSN(t *testing.T) {
	if _, err := Open(context.Background(), Config{}); xerrors.CodeOf(err) != xerrors.CodeConfigInvalid {
		t.Fatalf("expected CONFIG_INVALID for empty dsn, got %v", err)
	}
	if _, err := Open(context.Background(), Config{DSN: "not a dsn"}); xerrors.CodeOf(err) != xerrors.CodeConfigInvalid {
		t.Fatalf("expected CONFIG_INVALID for malformed dsn, got %v", err)
	}
}
