package models

import "time"

// Direction of a logged message relative to the lead.
type Direction string

const (
	DirectionIn  Direction = "in"
	DirectionOut Direction = "out"
)

// MessageRecord is an append-only log entry of a conversation.
type MessageRecord struct {
	ID             uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	ConversationID string    `gorm:"size:36;not null;index" json:"conversation_id"`
	Direction      Direction `gorm:"size:4;not null" json:"direction"`
	Content        string    `gorm:"type:text" json:"content"`
	CreatedAt      time.Time `json:"created_at"`
}

// TableName keeps the table name used by existing deployments.
func (MessageRecord) TableName() string {
	return "message_history"
}
