// Package pool allocates gateway instances to new conversations and keeps
// each instance's live conversation counter.
package pool

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zulandar/flowgate/internal/models"
	"gorm.io/gorm"
)

var (
	// ErrNoCapacity means no online instance in the flow's pool is under its
	// conversation cap. An unknown or empty flow also reports this.
	ErrNoCapacity = errors.New("pool: no instance with capacity")
	// ErrInstanceNotFound means no instance matches the given name or id.
	ErrInstanceNotFound = errors.New("pool: instance not found")
)

// Allocator picks and accounts gateway instances.
type Allocator struct {
	db  *gorm.DB
	now func() time.Time
}

// New returns an Allocator backed by db.
func New(db *gorm.DB) *Allocator {
	return &Allocator{db: db, now: time.Now}
}

// Pick returns the least loaded online instance of the flow's pool that is
// under capacity. Ties break on instance name. Pick does not reserve the slot;
// callers reserve it with ReserveTx in the transaction that creates the
// conversation.
func (a *Allocator) Pick(ctx context.Context, flowID string) (*models.GatewayInstance, error) {
	names, err := a.poolOf(ctx, flowID)
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("pool: pick for flow %q: %w", flowID, ErrNoCapacity)
	}

	var inst models.GatewayInstance
	result := a.db.WithContext(ctx).
		Where("status = ? AND instance_name IN ? AND current_conversations < max_conversations",
			models.InstanceOnline, names).
		Order("current_conversations ASC, instance_name ASC").
		Limit(1).
		Find(&inst)
	if result.Error != nil {
		return nil, fmt.Errorf("pool: pick for flow %q: %w", flowID, result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, fmt.Errorf("pool: pick for flow %q: %w", flowID, ErrNoCapacity)
	}
	return &inst, nil
}

func (a *Allocator) poolOf(ctx context.Context, flowID string) ([]string, error) {
	var flow models.FlowConfig
	result := a.db.WithContext(ctx).Where("flow_name = ?", flowID).Limit(1).Find(&flow)
	if result.Error != nil {
		return nil, fmt.Errorf("pool: load flow %q: %w", flowID, result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, nil
	}
	return flow.InstanceNames()
}

// Adjust moves the live counter of the instance named or identified by ref by
// delta, clamped at zero, and refreshes last_ping. It is one UPDATE statement.
func (a *Allocator) Adjust(ctx context.Context, ref string, delta int) error {
	return a.AdjustTx(a.db.WithContext(ctx), ref, delta)
}

// AdjustTx is Adjust bound to the caller's transaction.
func (a *Allocator) AdjustTx(tx *gorm.DB, ref string, delta int) error {
	result := tx.Model(&models.GatewayInstance{}).
		Where("instance_name = ? OR instance_id = ?", ref, ref).
		Updates(map[string]interface{}{
			"current_conversations": gorm.Expr(
				"CASE WHEN current_conversations + ? < 0 THEN 0 ELSE current_conversations + ? END", delta, delta),
			"last_ping": a.now(),
		})
	if result.Error != nil {
		return fmt.Errorf("pool: adjust %q by %d: %w", ref, delta, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("pool: adjust %q: %w", ref, ErrInstanceNotFound)
	}
	return nil
}

// ReserveTx takes one slot on the named instance inside tx. It fails with
// ErrNoCapacity when the instance went offline or filled up after Pick.
func (a *Allocator) ReserveTx(tx *gorm.DB, name string) error {
	result := tx.Model(&models.GatewayInstance{}).
		Where("instance_name = ? AND status = ? AND current_conversations < max_conversations",
			name, models.InstanceOnline).
		Updates(map[string]interface{}{
			"current_conversations": gorm.Expr("current_conversations + 1"),
			"last_ping":             a.now(),
		})
	if result.Error != nil {
		return fmt.Errorf("pool: reserve %q: %w", name, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("pool: reserve %q: %w", name, ErrNoCapacity)
	}
	return nil
}

// Resolve loads an instance by name.
func (a *Allocator) Resolve(ctx context.Context, name string) (*models.GatewayInstance, error) {
	var inst models.GatewayInstance
	err := a.db.WithContext(ctx).Where("instance_name = ?", name).First(&inst).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("pool: resolve %q: %w", name, ErrInstanceNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("pool: resolve %q: %w", name, err)
	}
	return &inst, nil
}

// Snapshot returns every instance, busiest first.
func (a *Allocator) Snapshot(ctx context.Context) ([]models.GatewayInstance, error) {
	var out []models.GatewayInstance
	if err := a.db.WithContext(ctx).
		Order("current_conversations DESC, instance_name ASC").
		Find(&out).Error; err != nil {
		return nil, fmt.Errorf("pool: snapshot: %w", err)
	}
	return out, nil
}
