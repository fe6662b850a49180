package store

import (
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	arb "github.com/ChoSanghyuk/arbengine"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

func newMockMirror(t *testing.T) (*MySQLMirror, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	gormDB, err := gorm.Open(mysql.New(mysql.Config{
		Conn:                      sqlDB,
		SkipInitializeWithVersion: true,
	}), &gorm.Config{})
	require.NoError(t, err)

	return &MySQLMirror{db: gormDB}, mock
}

func TestMySQLMirrorRecordOutcome(t *testing.T) {
	mirror, mock := newMockMirror(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO `trade_outcomes`").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := mirror.RecordOutcome(arb.TradeOutcome{
		TxHash:      "0xabc",
		Timestamp:   time.Now(),
		BlockNumber: 123,
		PathLabel:   "pair1:v2-v3",
		GrossProfit: 0.5,
		Status:      arb.StatusSuccess,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLMirrorCountOutcomes(t *testing.T) {
	mirror, mock := newMockMirror(t)

	rows := sqlmock.NewRows([]string{"count"}).AddRow(3)
	mock.ExpectQuery("SELECT count").WillReturnRows(rows)

	count, err := mirror.CountOutcomes()
	require.NoError(t, err)
	require.Equal(t, int64(3), count)
	require.NoError(t, mock.ExpectationsWereMet())
}
