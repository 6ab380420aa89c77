package account

import (
	"context"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/finbank/transaction-engine/internal/apperr"
	"github.com/finbank/transaction-engine/internal/logger"
	"github.com/finbank/transaction-engine/internal/model"
	"github.com/finbank/transaction-engine/internal/repo"
)

func newTestReader(t *testing.T) (*Reader, *gorm.DB, redismock.ClientMock) {
	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&model.Account{}))

	rdb, mock := redismock.NewClientMock()
	log, err := logger.New("test")
	require.NoError(t, err)

	return NewReader(repo.NewRepository(db, rdb, log)), db, mock
}

func TestBalance_CacheHitSkipsStorage(t *testing.T) {
	reader, _, mock := newTestReader(t)
	mock.ExpectGet("balance:A").SetVal("123.45")

	bal, err := reader.Balance(context.Background(), "A")
	require.NoError(t, err)
	assert.True(t, bal.Equal(decimal.RequireFromString("123.45")))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBalance_MissFallsThroughAndRepopulates(t *testing.T) {
	reader, db, mock := newTestReader(t)
	require.NoError(t, db.Create(&model.Account{ID: "A", Balance: decimal.NewFromInt(200)}).Error)

	mock.ExpectGet("balance:A").RedisNil()
	mock.ExpectSet("balance:A", "200", 5*time.Minute).SetVal("OK")

	bal, err := reader.Balance(context.Background(), "A")
	require.NoError(t, err)
	assert.True(t, bal.Equal(decimal.NewFromInt(200)))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBalance_UnknownAccount(t *testing.T) {
	reader, _, mock := newTestReader(t)
	mock.ExpectGet("balance:ghost").RedisNil()

	_, err := reader.Balance(context.Background(), "ghost")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}
