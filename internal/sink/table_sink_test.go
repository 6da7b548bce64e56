package sink_test

import (
	"context"
	"regexp"
	"strings"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/backupforce/internal/sink"
)

// fakeDialect is a minimal Dialect used to exercise TableSink without a
// live driver (alone, or against a go-sqlmock database).
type fakeDialect struct{}

func (fakeDialect) DriverName() string            { return "fake" }
func (fakeDialect) Quote(id string) string        { return "`" + id + "`" }
func (fakeDialect) Sanitize(object string) string { return object + "_tbl" }
func (fakeDialect) IsRetryable(err error) bool    { return false }

func TestTableSinkSanitizeTableName(t *testing.T) {
	s := sink.NewTableSink(nil, fakeDialect{}, false, "")
	assert.Equal(t, "Account_tbl", s.SanitizeTableName("Account"))
}

func TestTableSinkRecreateTables(t *testing.T) {
	assert.True(t, sink.NewTableSink(nil, fakeDialect{}, true, "").RecreateTables())
	assert.False(t, sink.NewTableSink(nil, fakeDialect{}, false, "").RecreateTables())
}

func TestTableSinkWriteDataRecreateMode(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("DROP TABLE IF EXISTS `Account_tbl`")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE `Account_tbl` (`Id` TEXT, `Name` TEXT)")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	insertSQL := "INSERT INTO `Account_tbl` (`Id`, `Name`) VALUES (?, ?)"
	mock.ExpectBegin()
	mock.ExpectPrepare(regexp.QuoteMeta(insertSQL))
	mock.ExpectExec(regexp.QuoteMeta(insertSQL)).
		WithArgs("001xx", "Acme").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta(insertSQL)).
		WithArgs("002xx", "Globex").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	watermarkSQL := "INSERT INTO `_backup_runs` (`table_name`, `last_completed_at`) VALUES (?, ?) ON DUPLICATE KEY UPDATE `last_completed_at` = VALUES(`last_completed_at`)"
	mock.ExpectExec(regexp.QuoteMeta(watermarkSQL)).
		WithArgs("Account_tbl", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	s := sink.NewTableSink(db, fakeDialect{}, true, "")
	rows := strings.NewReader("Id,Name\n001xx,Acme\n002xx,Globex\n")

	var lastWritten int64
	written, err := s.WriteData(context.Background(), "Account", rows, "run-1", func(n int64) { lastWritten = n })
	require.NoError(t, err)
	assert.Equal(t, int64(2), written)
	assert.Equal(t, int64(2), lastWritten)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTableSinkWriteDataAppendMode(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS `Account_tbl` (`Id` TEXT, `Name` TEXT)")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	insertSQL := "INSERT INTO `Account_tbl` (`Id`, `Name`) VALUES (?, ?)"
	mock.ExpectBegin()
	mock.ExpectPrepare(regexp.QuoteMeta(insertSQL))
	mock.ExpectExec(regexp.QuoteMeta(insertSQL)).
		WithArgs("003xx", "Initech").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	watermarkSQL := "INSERT INTO `_backup_runs` (`table_name`, `last_completed_at`) VALUES (?, ?) ON DUPLICATE KEY UPDATE `last_completed_at` = VALUES(`last_completed_at`)"
	mock.ExpectExec(regexp.QuoteMeta(watermarkSQL)).
		WithArgs("Account_tbl", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	s := sink.NewTableSink(db, fakeDialect{}, false, "")
	rows := strings.NewReader("Id,Name\n003xx,Initech\n")

	written, err := s.WriteData(context.Background(), "Account", rows, "run-2", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), written)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTableSinkWriteDataNoRowsSkipsTableOps(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := sink.NewTableSink(db, fakeDialect{}, true, "")
	written, err := s.WriteData(context.Background(), "Account", strings.NewReader(""), "run-3", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(0), written)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTableSinkWriteDataWithSchemaQualifiesNames(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS `warehouse`.`Account_tbl` (`Id` TEXT)")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	insertSQL := "INSERT INTO `warehouse`.`Account_tbl` (`Id`) VALUES (?)"
	mock.ExpectBegin()
	mock.ExpectPrepare(regexp.QuoteMeta(insertSQL))
	mock.ExpectExec(regexp.QuoteMeta(insertSQL)).
		WithArgs("004xx").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	watermarkSQL := "INSERT INTO `warehouse`.`_backup_runs` (`table_name`, `last_completed_at`) VALUES (?, ?) ON DUPLICATE KEY UPDATE `last_completed_at` = VALUES(`last_completed_at`)"
	mock.ExpectExec(regexp.QuoteMeta(watermarkSQL)).
		WithArgs("Account_tbl", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	s := sink.NewTableSink(db, fakeDialect{}, false, "warehouse")
	_, err = s.WriteData(context.Background(), "Account", strings.NewReader("Id\n004xx\n"), "run-4", nil)
	require.NoError(t, err)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTableSinkLastBackupTimestampNoRows(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT `last_completed_at` FROM `_backup_runs` WHERE `table_name` = ?")).
		WithArgs("Account_tbl").
		WillReturnRows(sqlmock.NewRows([]string{"last_completed_at"}))

	s := sink.NewTableSink(db, fakeDialect{}, false, "")
	ts, err := s.LastBackupTimestamp(context.Background(), "Account_tbl")
	require.NoError(t, err)
	assert.True(t, ts.IsZero())

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTableSinkLastBackupTimestampParsesWatermark(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	want := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT `last_completed_at` FROM `_backup_runs` WHERE `table_name` = ?")).
		WithArgs("Account_tbl").
		WillReturnRows(sqlmock.NewRows([]string{"last_completed_at"}).AddRow(want.Format(time.RFC3339)))

	s := sink.NewTableSink(db, fakeDialect{}, false, "")
	ts, err := s.LastBackupTimestamp(context.Background(), "Account_tbl")
	require.NoError(t, err)
	assert.True(t, want.Equal(ts))

	require.NoError(t, mock.ExpectationsWereMet())
}
