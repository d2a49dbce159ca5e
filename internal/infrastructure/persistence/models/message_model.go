package models

import (
	"time"

	"gorm.io/gorm"
)

// MessageModel 是会话消息的持久化行 (gorm)。逐事件的审计记录在
// sessions/<id>.jsonl, 这张表只服务 HTTP 消息查询接口。
type MessageModel struct {
	ID             string `gorm:"primaryKey;size:64"`
	ConversationID string `gorm:"index;size:64;not null"`
	Channel        string `gorm:"size:32"`
	Content        string `gorm:"type:text;not null"`
	ContentType    string `gorm:"size:32;not null"`
	SenderID       string `gorm:"size:64;not null"`
	SenderName     string `gorm:"size:64"`
	SenderType     string `gorm:"size:32;not null"` // user, bot, system
	CreatedAt      time.Time
	UpdatedAt      time.Time
	DeletedAt      gorm.DeletedAt `gorm:"index"`
	Metadata       string         `gorm:"type:text"` // JSON encoded metadata
}

// TableName 指定表名
func (MessageModel) TableName() string {
	return "osa_messages"
}
