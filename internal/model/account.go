package model

import (
	"time"
)

// Account 计费账户，Balance 为剩余 token 数，只能通过账本操作修改
type Account struct {
	ID        int64     `gorm:"primaryKey" json:"id"`
	Email     string    `gorm:"size:100;uniqueIndex" json:"email"`
	Balance   int64     `gorm:"not null;default:0" json:"balance"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Account) TableName() string {
	return "accounts"
}
