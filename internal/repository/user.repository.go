package repository

import (
	"context"
	"errors"

	"github.com/athletiq/payment-gateway/internal/model"
	"github.com/athletiq/payment-gateway/pkg/pg"
	"gorm.io/gorm"
)

var (
	ErrUserNotFound = errors.New("user not found")
)

type UserRepository struct {
	*pg.DB
}

func NewUserRepository(db *pg.DB) *UserRepository {
	return &UserRepository{
		db,
	}
}

func (r *UserRepository) GetByID(ctx context.Context, id int64) (*model.User, error) {
	var entity UserEntity
	err := r.Read(ctx).WithContext(ctx).
		Where("id = ?", id).
		First(&entity).
		Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return toUserModel(&entity), nil
}

// UpdateSubscriptionTier sets the user's entitlement tier. Fired at most once
// per completed transaction; the caller gates on the pending->completed
// transition.
func (r *UserRepository) UpdateSubscriptionTier(ctx context.Context, userID int64, tier string) error {
	result := r.Write(ctx).WithContext(ctx).
		Model(&UserEntity{}).
		Where("id = ?", userID).
		Update("subscription_tier", tier)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrUserNotFound
	}
	return nil
}
