package models

import "time"

// ConversationStatus is the lifecycle state of a conversation.
type ConversationStatus string

const (
	// StatusActive means the flow is running and the automation owns the turn.
	StatusActive ConversationStatus = "active"
	// StatusWaiting means the flow is paused until the lead replies.
	StatusWaiting ConversationStatus = "waiting"
	// StatusFinished is terminal.
	StatusFinished ConversationStatus = "finished"
)

// LiveStatuses are the non-terminal statuses. At most one conversation per
// phone number may be in one of these.
var LiveStatuses = []ConversationStatus{StatusActive, StatusWaiting}

// Valid reports whether s is one of the known statuses.
func (s ConversationStatus) Valid() bool {
	switch s {
	case StatusActive, StatusWaiting, StatusFinished:
		return true
	}
	return false
}

// Live reports whether s is a non-terminal status.
func (s ConversationStatus) Live() bool {
	return s == StatusActive || s == StatusWaiting
}

// Conversation is one automated exchange with one phone number.
//
// LivePhone mirrors PhoneNumber while the conversation is live and is NULL
// once it finishes. Its unique index is what keeps a phone number from
// owning two live conversations.
type Conversation struct {
	ID           string             `gorm:"primaryKey;size:36" json:"id"`
	PhoneNumber  string             `gorm:"size:32;not null;index" json:"phone_number"`
	LivePhone    *string            `gorm:"size:32;uniqueIndex" json:"-"`
	InstanceID   string             `gorm:"size:64;not null;index" json:"instance_id"`
	FlowID       string             `gorm:"size:64;not null" json:"flow_id"`
	CurrentStep  string             `gorm:"size:128" json:"current_step"`
	Status       ConversationStatus `gorm:"size:16;not null;index" json:"status"`
	FirstMessage string             `gorm:"type:text" json:"first_message"`
	TimeoutAt    time.Time          `gorm:"not null;index" json:"timeout_at"`
	CreatedAt    time.Time          `json:"created_at"`
	UpdatedAt    time.Time          `json:"updated_at"`

	Messages []MessageRecord `gorm:"foreignKey:ConversationID" json:"-"`
}

// Expired reports whether the conversation is past its timeout at now.
func (c *Conversation) Expired(now time.Time) bool {
	return !c.TimeoutAt.After(now)
}
