package helpers

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/athletiq/payment-gateway/internal/model"
	"github.com/athletiq/payment-gateway/internal/repository"
	"github.com/athletiq/payment-gateway/pkg/pg"
	"github.com/athletiq/payment-gateway/pkg/redis"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func SetupTestDB(t *testing.T) *pg.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)

	err = db.AutoMigrate(
		&repository.UserEntity{},
		&repository.TransactionEntity{},
	)
	require.NoError(t, err)

	pgDB := &pg.DB{}
	pgDBValue := reflect.ValueOf(pgDB).Elem()

	readField := pgDBValue.FieldByName("read")
	writeField := pgDBValue.FieldByName("write")

	readField = reflect.NewAt(readField.Type(), readField.Addr().UnsafePointer()).Elem()
	writeField = reflect.NewAt(writeField.Type(), writeField.Addr().UnsafePointer()).Elem()

	readField.Set(reflect.ValueOf(db))
	writeField.Set(reflect.ValueOf(db))

	return pgDB
}

func SetupTestRedis(t *testing.T) (*miniredis.Miniredis, redis.RedisAdapter) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	adapter, err := redis.NewRedisAdapter("test", "", &goredis.UniversalOptions{
		Addrs: []string{mr.Addr()},
	})
	require.NoError(t, err)

	return mr, adapter
}

func CreateTestUser(t *testing.T, db *pg.DB, id int64, tier string) *repository.UserEntity {
	ctx := context.Background()
	user := &repository.UserEntity{
		ID:               id,
		Email:            RandomEmail(),
		SubscriptionTier: tier,
	}
	err := db.Write(ctx).Create(user).Error
	require.NoError(t, err)
	return user
}

func CreateTestTransaction(t *testing.T, db *pg.DB, userID int64, amount uint, checkoutRequestID string, status model.TransactionStatus) *repository.TransactionEntity {
	ctx := context.Background()
	txn := &repository.TransactionEntity{
		UserID:            userID,
		Amount:            amount,
		PhoneNumber:       "254712345678",
		CheckoutRequestID: checkoutRequestID,
		MerchantRequestID: "29115-34620561-1",
		Status:            string(status),
		PackageType:       "pro",
		CreatedAt:         time.Now(),
	}
	err := db.Write(ctx).Create(txn).Error
	require.NoError(t, err)
	return txn
}

func WaitForCondition(t *testing.T, timeout time.Duration, condition func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return false
}

func AssertEventually(t *testing.T, timeout time.Duration, condition func() bool, msg string) {
	if !WaitForCondition(t, timeout, condition) {
		t.Fatal(msg)
	}
}

func ContextWithTimeout(timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), timeout)
}

func RandomEmail() string {
	return "athlete-" + time.Now().Format("20060102150405.000000000") + "@example.com"
}

func Ptr[T any](v T) *T {
	return &v
}
