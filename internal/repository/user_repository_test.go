package repository

import (
	"context"
	"testing"

	"github.com/athletiq/payment-gateway/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUserRepository_UpdateSubscriptionTier(t *testing.T) {
	db := setupTestDB(t)
	repo := NewUserRepository(db.DB)
	ctx := context.Background()

	seeded := &UserEntity{Email: "athlete@example.com", SubscriptionTier: model.TierFree}
	require.NoError(t, db.rawDB.Create(seeded).Error)

	t.Run("upgrade tier", func(t *testing.T) {
		err := repo.UpdateSubscriptionTier(ctx, seeded.ID, model.TierPro)
		require.NoError(t, err)

		user, err := repo.GetByID(ctx, seeded.ID)
		require.NoError(t, err)
		assert.Equal(t, model.TierPro, user.SubscriptionTier)
	})

	t.Run("unknown user", func(t *testing.T) {
		err := repo.UpdateSubscriptionTier(ctx, 4242, model.TierPro)
		assert.ErrorIs(t, err, ErrUserNotFound)
	})
}

func TestUserRepository_GetByID(t *testing.T) {
	db := setupTestDB(t)
	repo := NewUserRepository(db.DB)
	ctx := context.Background()

	seeded := &UserEntity{Email: "coach@example.com", SubscriptionTier: model.TierElite}
	require.NoError(t, db.rawDB.Create(seeded).Error)

	user, err := repo.GetByID(ctx, seeded.ID)
	require.NoError(t, err)
	assert.Equal(t, "coach@example.com", user.Email)
	assert.Equal(t, model.TierElite, user.SubscriptionTier)

	_, err = repo.GetByID(ctx, 999)
	assert.ErrorIs(t, err, ErrUserNotFound)
}
