package db

import (
	"fmt"

	"github.com/zulandar/flowgate/internal/config"
	"github.com/zulandar/flowgate/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AllModels returns every GORM model Flowgate persists.
func AllModels() []interface{} {
	return []interface{}{
		&models.GatewayInstance{},
		&models.FlowConfig{},
		&models.Conversation{},
		&models.MessageRecord{},
	}
}

// AutoMigrate creates or updates all tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}

// SeedInstances upserts gateway instances from configuration. Live counters
// are never touched so reseeding a running deployment keeps its load.
func SeedInstances(db *gorm.DB, instances []config.InstanceConfig) error {
	for _, ic := range instances {
		inst := models.GatewayInstance{
			InstanceName:     ic.Name,
			InstanceID:       ic.ID,
			Status:           ic.Status,
			MaxConversations: ic.MaxConversations,
		}

		result := db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "instance_name"}},
			DoUpdates: clause.AssignmentColumns([]string{"instance_id", "status", "max_conversations"}),
		}).Create(&inst)
		if result.Error != nil {
			return fmt.Errorf("db: seed instance %q: %w", ic.Name, result.Error)
		}
	}
	return nil
}

// SeedFlows upserts flow instance pools from configuration.
func SeedFlows(db *gorm.DB, flows []config.FlowConfig) error {
	for _, fc := range flows {
		flow := models.FlowConfig{FlowName: fc.Name}
		if err := flow.SetInstanceNames(fc.Instances); err != nil {
			return fmt.Errorf("db: seed flow %q: %w", fc.Name, err)
		}

		result := db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "flow_name"}},
			DoUpdates: clause.AssignmentColumns([]string{"instance_pool"}),
		}).Create(&flow)
		if result.Error != nil {
			return fmt.Errorf("db: seed flow %q: %w", fc.Name, result.Error)
		}
	}
	return nil
}

// Seed writes instances and flows from cfg.
func Seed(db *gorm.DB, cfg *config.Config) error {
	if err := SeedInstances(db, cfg.Instances); err != nil {
		return err
	}
	return SeedFlows(db, cfg.Flows)
}
