package repository

import (
	"github.com/athletiq/payment-gateway/internal/model"
)

type UserEntity struct {
	ID               int64  `db:"id"                gorm:"primaryKey;autoIncrement;column:id"`
	Email            string `db:"email"             gorm:"column:email;not null;uniqueIndex"`
	SubscriptionTier string `db:"subscription_tier" gorm:"column:subscription_tier;not null;default:free"`
}

func (UserEntity) TableName() string {
	return "users"
}

func toUserModel(e *UserEntity) *model.User {
	if e == nil {
		return nil
	}
	return &model.User{
		ID:               e.ID,
		Email:            e.Email,
		SubscriptionTier: e.SubscriptionTier,
	}
}
