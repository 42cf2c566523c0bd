package model

import "time"

// PushSubscription holds a browser push subscription and the hubs it follows.
type PushSubscription struct {
	Endpoint  string    `gorm:"primaryKey"`
	P256DH    string    `gorm:"column:p256dh;not null"`
	Auth      string    `gorm:"not null"`
	CreatedAt time.Time `gorm:"not null"`

	// Associations
	Hubs []SubscriptionHub `gorm:"foreignKey:Endpoint;references:Endpoint;constraint:OnDelete:CASCADE"`
}

// SubscriptionHub maps a push subscription to a hub name.
// A subscription without rows follows every hub.
type SubscriptionHub struct {
	Endpoint string `gorm:"primaryKey;size:512"`
	Hub      string `gorm:"primaryKey;size:128"`
}
