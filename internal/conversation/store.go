// Package conversation persists conversations and their message history.
//
// A phone number owns at most one live (active or waiting) conversation. The
// store enforces this with the unique live_phone column and keeps the owning
// gateway instance's counter in step with every transition into and out of
// the live states.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/zulandar/flowgate/internal/models"
	"github.com/zulandar/flowgate/internal/pool"
	"gorm.io/gorm"
)

var (
	// ErrNotFound means the phone or id has no live conversation.
	ErrNotFound = errors.New("conversation: not found")
	// ErrAlreadyLive means the phone already owns a live conversation.
	ErrAlreadyLive = errors.New("conversation: phone already has a live conversation")
)

// Store reads and writes conversations.
type Store struct {
	db    *gorm.DB
	alloc *pool.Allocator
	now   func() time.Time
}

// New returns a Store. alloc keeps instance counters in the same
// transactions as the conversation rows.
func New(db *gorm.DB, alloc *pool.Allocator) *Store {
	return &Store{db: db, alloc: alloc, now: time.Now}
}

// NewConversation describes a conversation to create.
type NewConversation struct {
	Phone        string
	Instance     string
	Flow         string
	Step         string
	FirstMessage string
	TTL          time.Duration
}

// FindLive returns the phone's live conversation that has not yet timed out.
func (s *Store) FindLive(ctx context.Context, phone string) (*models.Conversation, error) {
	var conv models.Conversation
	result := s.db.WithContext(ctx).
		Where("phone_number = ? AND status IN ? AND timeout_at > ?", phone, models.LiveStatuses, s.now()).
		Order("updated_at DESC").
		Limit(1).
		Find(&conv)
	if result.Error != nil {
		return nil, fmt.Errorf("conversation: find live %s: %w", phone, result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, ErrNotFound
	}
	return &conv, nil
}

// Get returns the phone's most recently updated live conversation, timed out
// or not.
func (s *Store) Get(ctx context.Context, phone string) (*models.Conversation, error) {
	var conv models.Conversation
	result := s.db.WithContext(ctx).
		Where("phone_number = ? AND status IN ?", phone, models.LiveStatuses).
		Order("updated_at DESC").
		Limit(1).
		Find(&conv)
	if result.Error != nil {
		return nil, fmt.Errorf("conversation: get %s: %w", phone, result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, ErrNotFound
	}
	return &conv, nil
}

// ByID loads a conversation in any status.
func (s *Store) ByID(ctx context.Context, id string) (*models.Conversation, error) {
	var conv models.Conversation
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&conv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("conversation: load %s: %w", id, err)
	}
	return &conv, nil
}

// Create starts an active conversation in one transaction: timed-out live
// rows for the same phone are finished first, a slot is reserved on the
// instance, the row is inserted and the first message is logged.
//
// It returns pool.ErrNoCapacity when the instance filled up since it was
// picked and ErrAlreadyLive when the phone already has a live conversation.
func (s *Store) Create(ctx context.Context, nc NewConversation) (*models.Conversation, error) {
	now := s.now()
	phone := nc.Phone
	conv := &models.Conversation{
		ID:           uuid.NewString(),
		PhoneNumber:  phone,
		LivePhone:    &phone,
		InstanceID:   nc.Instance,
		FlowID:       nc.Flow,
		CurrentStep:  nc.Step,
		Status:       models.StatusActive,
		FirstMessage: nc.FirstMessage,
		TimeoutAt:    now.Add(nc.TTL),
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var stale []models.Conversation
		if err := tx.Where("phone_number = ? AND status IN ? AND timeout_at <= ?", phone, models.LiveStatuses, now).
			Find(&stale).Error; err != nil {
			return fmt.Errorf("find stale: %w", err)
		}
		for i := range stale {
			if _, err := s.finishTx(tx, &stale[i], now); err != nil {
				return err
			}
		}

		var live int64
		if err := tx.Model(&models.Conversation{}).
			Where("live_phone = ?", phone).Count(&live).Error; err != nil {
			return fmt.Errorf("check live: %w", err)
		}
		if live > 0 {
			return ErrAlreadyLive
		}

		if err := s.alloc.ReserveTx(tx, nc.Instance); err != nil {
			return err
		}

		if err := tx.Create(conv).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return ErrAlreadyLive
			}
			return fmt.Errorf("insert: %w", err)
		}

		// Media-only openers have empty text and are logged all the same.
		if err := tx.Create(&models.MessageRecord{
			ConversationID: conv.ID,
			Direction:      models.DirectionIn,
			Content:        nc.FirstMessage,
			CreatedAt:      now,
		}).Error; err != nil {
			return fmt.Errorf("log first message: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("conversation: create for %s: %w", phone, err)
	}
	return conv, nil
}

// SetStatus moves a live conversation to another live status. An empty step
// keeps the current one. Finishing goes through Finish.
func (s *Store) SetStatus(ctx context.Context, id string, status models.ConversationStatus, step string) error {
	if !status.Live() {
		return fmt.Errorf("conversation: set status %q: not a live status", status)
	}
	updates := map[string]interface{}{
		"status":     status,
		"updated_at": s.now(),
	}
	if step != "" {
		updates["current_step"] = step
	}

	result := s.db.WithContext(ctx).Model(&models.Conversation{}).
		Where("id = ? AND status IN ?", id, models.LiveStatuses).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("conversation: set status %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("conversation: set status %s: %w", id, ErrNotFound)
	}
	return nil
}

// Finish ends a live conversation and releases its instance slot in one
// transaction. ErrNotFound means it was not live anymore.
func (s *Store) Finish(ctx context.Context, id string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var conv models.Conversation
		if err := tx.Where("id = ?", id).First(&conv).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		done, err := s.finishTx(tx, &conv, s.now())
		if err != nil {
			return err
		}
		if !done {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("conversation: finish %s: %w", id, err)
	}
	return nil
}

// ExpireDue finishes every live conversation whose timeout is at or before
// now, one transaction each. It returns how many this call finished;
// conversations finished concurrently by someone else are not counted and
// their instance is not decremented twice.
func (s *Store) ExpireDue(ctx context.Context, now time.Time) (int, error) {
	var due []models.Conversation
	if err := s.db.WithContext(ctx).
		Where("status IN ? AND timeout_at <= ?", models.LiveStatuses, now).
		Order("timeout_at ASC").
		Find(&due).Error; err != nil {
		return 0, fmt.Errorf("conversation: find expired: %w", err)
	}

	swept := 0
	for i := range due {
		if err := ctx.Err(); err != nil {
			return swept, err
		}
		var done bool
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var err error
			done, err = s.finishTx(tx, &due[i], now)
			return err
		})
		if err != nil {
			return swept, fmt.Errorf("conversation: expire %s: %w", due[i].ID, err)
		}
		if done {
			swept++
		}
	}
	return swept, nil
}

// finishTx conditionally finishes conv and, only if this call made the
// transition, decrements its instance. An instance that no longer exists is
// not an error.
func (s *Store) finishTx(tx *gorm.DB, conv *models.Conversation, now time.Time) (bool, error) {
	result := tx.Model(&models.Conversation{}).
		Where("id = ? AND status IN ?", conv.ID, models.LiveStatuses).
		Updates(map[string]interface{}{
			"status":     models.StatusFinished,
			"live_phone": nil,
			"updated_at": now,
		})
	if result.Error != nil {
		return false, fmt.Errorf("finish %s: %w", conv.ID, result.Error)
	}
	if result.RowsAffected != 1 {
		return false, nil
	}
	if err := s.alloc.AdjustTx(tx, conv.InstanceID, -1); err != nil && !errors.Is(err, pool.ErrInstanceNotFound) {
		return false, err
	}
	conv.Status = models.StatusFinished
	conv.LivePhone = nil
	conv.UpdatedAt = now
	return true, nil
}

// AppendMessage logs a message on a conversation.
func (s *Store) AppendMessage(ctx context.Context, conversationID string, dir models.Direction, content string) error {
	rec := models.MessageRecord{
		ConversationID: conversationID,
		Direction:      dir,
		Content:        content,
		CreatedAt:      s.now(),
	}
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return fmt.Errorf("conversation: append %s message to %s: %w", dir, conversationID, err)
	}
	return nil
}

// History returns a conversation's messages, oldest first.
func (s *Store) History(ctx context.Context, conversationID string) ([]models.MessageRecord, error) {
	var out []models.MessageRecord
	if err := s.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("created_at ASC, id ASC").
		Find(&out).Error; err != nil {
		return nil, fmt.Errorf("conversation: history %s: %w", conversationID, err)
	}
	return out, nil
}
