package model

// Subscription tiers. A completed payment upgrades the user to the
// package named in the transaction, defaulting to pro.
const (
	TierFree        = "free"
	TierPro         = "pro"
	TierElite       = "elite"
	DefaultPaidTier = TierPro
)

type User struct {
	ID               int64  `json:"id"`
	Email            string `json:"email"`
	SubscriptionTier string `json:"subscription_tier"`
}
