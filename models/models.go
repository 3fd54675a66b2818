package models

import "time"

type User struct {
	TelegramID    int64 `gorm:"primaryKey;autoIncrement:false"`
	Username      string
	TotalSpent    float64 `gorm:"default:0"`
	TotalMonths   int     `gorm:"default:0"`
	TrialUsed     bool    `gorm:"default:false"`
	AgreedToTerms bool    `gorm:"default:false"`
	IsBanned      bool    `gorm:"default:false"`
	CreatedAt     time.Time
}

// Host is a remote 3x-ui panel and the inbound this shop manages on it.
type Host struct {
	Name      string `gorm:"primaryKey;column:host_name"`
	URL       string `gorm:"column:host_url;not null"`
	Username  string `gorm:"column:host_username;not null"`
	Password  string `gorm:"column:host_pass;not null"`
	InboundID int    `gorm:"column:host_inbound_id;not null"`
}

// Key is a provisioned credential. Email is the join key with the panel
// client and never changes once the row exists.
type Key struct {
	ID          uint      `gorm:"primaryKey;column:key_id"`
	UserID      int64     `gorm:"index;not null"`
	HostName    string    `gorm:"index;not null"`
	ClientUUID  string    `gorm:"column:xui_client_uuid;not null"`
	Email       string    `gorm:"column:key_email;uniqueIndex;not null"`
	ExpiryDate  time.Time `gorm:"column:expiry_date"`
	CreatedDate time.Time `gorm:"column:created_date"`
}

type Setting struct {
	Key   string `gorm:"primaryKey;column:key"`
	Value string
}

func (Host) TableName() string    { return "hosts" }
func (Key) TableName() string     { return "vpn_keys" }
func (Setting) TableName() string { return "bot_settings" }
