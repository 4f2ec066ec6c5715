package models

import "time"

// InstanceOnline is the only gateway instance status eligible for new
// conversations.
const InstanceOnline = "online"

// GatewayInstance is one messaging-gateway connection slot.
type GatewayInstance struct {
	InstanceName         string    `gorm:"primaryKey;size:64" json:"instance_name"`
	InstanceID           string    `gorm:"size:128;index" json:"instance_id"`
	Status               string    `gorm:"size:16;default:offline;index" json:"status"`
	CurrentConversations int       `gorm:"not null;default:0" json:"current_conversations"`
	MaxConversations     int       `gorm:"not null;default:50" json:"max_conversations"`
	LastPing             time.Time `json:"last_ping"`
}

// HasCapacity reports whether the instance can take one more conversation.
func (g *GatewayInstance) HasCapacity() bool {
	return g.CurrentConversations < g.MaxConversations
}
