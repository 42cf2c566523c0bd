package store

import (
	"context"
	"fmt"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"crestron-shades-backend/internal/db"
	"crestron-shades-backend/internal/model"
)

// newMockDB returns a postgres-dialect gorm DB backed by sqlmock.
func newMockDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)

	gormDB, err := gorm.Open(postgres.New(postgres.Config{
		Conn: sqlDB,
	}), &gorm.Config{})
	require.NoError(t, err)

	return gormDB, mock
}

// newSQLiteStore returns a store over a private in-memory sqlite database.
func newSQLiteStore(t *testing.T) *gormStore {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", regexp.MustCompile(`\W`).ReplaceAllString(t.Name(), "_"))
	gormDB, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Discard})
	require.NoError(t, err)
	require.NoError(t, db.Migrate(gormDB))

	sqlDB, err := gormDB.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	s := NewGormStore(gormDB).(*gormStore)
	tick := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time {
		tick = tick.Add(time.Second)
		return tick
	}
	return s
}

func sub(endpoint string) model.PushSubscription {
	return model.PushSubscription{Endpoint: endpoint, P256DH: "p256-" + endpoint, Auth: "auth-" + endpoint}
}

func endpoints(subs []model.PushSubscription) []string {
	out := make([]string, len(subs))
	for i, s := range subs {
		out[i] = s.Endpoint
	}
	return out
}

func TestGormStore_UpsertAndFind(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertSubscription(ctx, sub("https://push/a"), []string{"living", "bedroom", "living"}))

	got, err := s.FindSubscription(ctx, "https://push/a")
	require.NoError(t, err)
	assert.Equal(t, "p256-https://push/a", got.P256DH)
	assert.Len(t, got.Hubs, 2)
	created := got.CreatedAt

	updated := sub("https://push/a")
	updated.Auth = "rotated"
	require.NoError(t, s.UpsertSubscription(ctx, updated, []string{"kitchen"}))

	got, err = s.FindSubscription(ctx, "https://push/a")
	require.NoError(t, err)
	assert.Equal(t, "rotated", got.Auth)
	require.Len(t, got.Hubs, 1)
	assert.Equal(t, "kitchen", got.Hubs[0].Hub)
	assert.True(t, created.Equal(got.CreatedAt), "created_at kept on update")

	_, err = s.FindSubscription(ctx, "https://push/missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGormStore_ListForHub(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertSubscription(ctx, sub("a"), []string{"living"}))
	require.NoError(t, s.UpsertSubscription(ctx, sub("b"), []string{"bedroom"}))
	require.NoError(t, s.UpsertSubscription(ctx, sub("c"), nil))
	require.NoError(t, s.UpsertSubscription(ctx, sub("d"), []string{"living", "bedroom"}))

	living, err := s.ListSubscriptionsForHub(ctx, "living")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c", "d"}, endpoints(living))

	other, err := s.ListSubscriptionsForHub(ctx, "garage")
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, endpoints(other))
}

func TestGormStore_Delete(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertSubscription(ctx, sub("a"), []string{"living"}))
	require.NoError(t, s.DeleteSubscription(ctx, "a"))

	_, err := s.FindSubscription(ctx, "a")
	assert.ErrorIs(t, err, ErrNotFound)

	var rows int64
	require.NoError(t, s.db.Model(&model.SubscriptionHub{}).Count(&rows).Error)
	assert.Zero(t, rows)

	assert.ErrorIs(t, s.DeleteSubscription(ctx, "a"), ErrNotFound)
}

func TestGormStore_DeleteSQL(t *testing.T) {
	gormDB, mock := newMockDB(t)
	s := NewGormStore(gormDB)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM "subscription_hubs" WHERE endpoint = $1`)).
		WithArgs("https://push/a").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM "push_subscriptions" WHERE endpoint = $1`)).
		WithArgs("https://push/a").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, s.DeleteSubscription(context.Background(), "https://push/a"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormStore_DeleteRollsBackOnError(t *testing.T) {
	gormDB, mock := newMockDB(t)
	s := NewGormStore(gormDB)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM "subscription_hubs"`)).
		WillReturnError(fmt.Errorf("connection reset"))
	mock.ExpectRollback()

	err := s.DeleteSubscription(context.Background(), "https://push/a")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
	assert.NoError(t, mock.ExpectationsWereMet())
}
