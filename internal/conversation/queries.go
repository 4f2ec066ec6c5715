package conversation

import (
	"context"
	"fmt"
	"time"

	"github.com/zulandar/flowgate/internal/models"
)

// WaitingRow is a waiting conversation with its instance's status.
type WaitingRow struct {
	ID             string    `json:"id"`
	PhoneNumber    string    `json:"phone_number"`
	InstanceID     string    `json:"instance_id"`
	InstanceStatus string    `json:"instance_status"`
	FlowID         string    `json:"flow_id"`
	CurrentStep    string    `json:"current_step"`
	TimeoutAt      time.Time `json:"timeout_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// ListWaiting returns waiting conversations that have not timed out,
// longest waiting first.
func (s *Store) ListWaiting(ctx context.Context) ([]WaitingRow, error) {
	var rows []WaitingRow
	if err := s.db.WithContext(ctx).
		Table("conversations").
		Select("conversations.id, conversations.phone_number, conversations.instance_id, " +
			"gateway_instances.status AS instance_status, conversations.flow_id, " +
			"conversations.current_step, conversations.timeout_at, conversations.updated_at").
		Joins("JOIN gateway_instances ON gateway_instances.instance_name = conversations.instance_id").
		Where("conversations.status = ? AND conversations.timeout_at > ?", models.StatusWaiting, s.now()).
		Order("conversations.updated_at ASC").
		Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("conversation: list waiting: %w", err)
	}
	return rows, nil
}

// Counts summarizes conversations for monitoring.
type Counts struct {
	Active          int64 `json:"active"`
	Waiting         int64 `json:"waiting"`
	FinishedLast24h int64 `json:"finished_last_24h"`
	ExpiredUnswept  int64 `json:"expired_unswept"`
}

// Counts returns live conversations by status, those finished in the last
// 24 hours and live ones already past their timeout.
func (s *Store) Counts(ctx context.Context) (Counts, error) {
	now := s.now()
	var c Counts

	type row struct {
		Status string
		Count  int64
	}
	var rows []row
	if err := s.db.WithContext(ctx).Model(&models.Conversation{}).
		Select("status, count(*) as count").
		Where("status IN ?", models.LiveStatuses).
		Group("status").
		Find(&rows).Error; err != nil {
		return c, fmt.Errorf("conversation: count by status: %w", err)
	}
	for _, r := range rows {
		switch models.ConversationStatus(r.Status) {
		case models.StatusActive:
			c.Active = r.Count
		case models.StatusWaiting:
			c.Waiting = r.Count
		}
	}

	if err := s.db.WithContext(ctx).Model(&models.Conversation{}).
		Where("status = ? AND updated_at > ?", models.StatusFinished, now.Add(-24*time.Hour)).
		Count(&c.FinishedLast24h).Error; err != nil {
		return c, fmt.Errorf("conversation: count finished: %w", err)
	}
	if err := s.db.WithContext(ctx).Model(&models.Conversation{}).
		Where("status IN ? AND timeout_at <= ?", models.LiveStatuses, now).
		Count(&c.ExpiredUnswept).Error; err != nil {
		return c, fmt.Errorf("conversation: count expired: %w", err)
	}
	return c, nil
}
