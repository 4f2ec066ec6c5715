package db

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/zulandar/flowgate/internal/config"
	"github.com/zulandar/flowgate/internal/models"
	"gorm.io/gorm"
)

func memoryDB(t *testing.T) *gorm.DB {
	t.Helper()
	gdb, err := Connect(config.DatabaseConfig{Driver: "sqlite", DSN: ":memory:"})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := AutoMigrate(gdb); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	t.Cleanup(func() { _ = Close(gdb) })
	return gdb
}

func TestDSN(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.DatabaseConfig
		want string
	}{
		{
			name: "explicit dsn wins",
			cfg:  config.DatabaseConfig{Driver: "postgres", DSN: "postgres://a@b/c", Host: "ignored"},
			want: "postgres://a@b/c",
		},
		{
			name: "postgres from parts",
			cfg:  config.DatabaseConfig{Driver: "postgres", Host: "db", Port: 5433, User: "postgres", Password: "senha123", Name: "whatsapp_checkpoints"},
			want: "postgres://postgres:senha123@db:5433/whatsapp_checkpoints?sslmode=disable",
		},
		{
			name: "postgres default port no password",
			cfg:  config.DatabaseConfig{Driver: "postgres", Host: "db", User: "app", Name: "fg"},
			want: "postgres://app@db:5432/fg?sslmode=disable",
		},
		{
			name: "mysql from parts",
			cfg:  config.DatabaseConfig{Driver: "mysql", Host: "10.0.0.5", User: "root", Password: "pw", Name: "flowgate"},
			want: "root:pw@tcp(10.0.0.5:3306)/flowgate?parseTime=true",
		},
		{
			name: "sqlite fallback",
			cfg:  config.DatabaseConfig{Driver: "sqlite"},
			want: config.DefaultSQLitePath,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DSN(tt.cfg); got != tt.want {
				t.Errorf("DSN() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestConnect_UnsupportedDriver(t *testing.T) {
	_, err := Connect(config.DatabaseConfig{Driver: "oracle"})
	if err == nil {
		t.Fatal("expected error for unsupported driver")
	}
	if !strings.Contains(err.Error(), "unsupported driver") {
		t.Errorf("error = %q", err.Error())
	}
}

func TestConnect_SQLiteFileCreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "flowgate.db")
	gdb, err := Connect(config.DatabaseConfig{Driver: "sqlite", DSN: path})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer Close(gdb)
	if _, err := Ping(context.Background(), gdb); err != nil {
		t.Errorf("Ping: %v", err)
	}
}

func TestConnect_SQLitePragmas(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flowgate.db")
	gdb, err := Connect(config.DatabaseConfig{Driver: "sqlite", DSN: path})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer Close(gdb)

	var mode string
	if err := gdb.Raw("PRAGMA journal_mode").Scan(&mode).Error; err != nil {
		t.Fatal(err)
	}
	if mode != "wal" {
		t.Errorf("journal_mode = %q, want wal", mode)
	}
	var timeout int
	if err := gdb.Raw("PRAGMA busy_timeout").Scan(&timeout).Error; err != nil {
		t.Fatal(err)
	}
	if timeout != sqliteBusyTimeout {
		t.Errorf("busy_timeout = %d, want %d", timeout, sqliteBusyTimeout)
	}
}

func TestPing_ReturnsServerTime(t *testing.T) {
	gdb, err := Connect(config.DatabaseConfig{Driver: "sqlite", DSN: ":memory:"})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer Close(gdb)

	before := time.Now().UTC().Truncate(time.Second)
	at, err := Ping(context.Background(), gdb)
	if err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if at.Location() != time.UTC {
		t.Errorf("location = %v, want UTC", at.Location())
	}
	if at.Before(before) || at.After(time.Now().Add(time.Second)) {
		t.Errorf("Ping time %v not within call window starting %v", at, before)
	}
}

func TestAllModels_Count(t *testing.T) {
	if n := len(AllModels()); n != 4 {
		t.Errorf("AllModels() returned %d models, want 4", n)
	}
}

func TestAutoMigrate_CreatesTables(t *testing.T) {
	gdb := memoryDB(t)
	for _, table := range []string{"gateway_instances", "flow_configs", "conversations", "message_history"} {
		if !gdb.Migrator().HasTable(table) {
			t.Errorf("table %s missing after migrate", table)
		}
	}
}

func TestSeed_Upserts(t *testing.T) {
	gdb := memoryDB(t)
	cfg := &config.Config{
		Instances: []config.InstanceConfig{
			{Name: "inst-A", ID: "key-a", Status: "online", MaxConversations: 5},
		},
		Flows: []config.FlowConfig{
			{Name: "fluxo_principal", Instances: []string{"inst-A"}},
		},
	}
	if err := Seed(gdb, cfg); err != nil {
		t.Fatalf("Seed: %v", err)
	}

	// Simulate live load, then reseed with new capacity.
	gdb.Model(&models.GatewayInstance{}).Where("instance_name = ?", "inst-A").Update("current_conversations", 3)
	cfg.Instances[0].MaxConversations = 10
	cfg.Flows[0].Instances = []string{"inst-A", "inst-B"}
	if err := Seed(gdb, cfg); err != nil {
		t.Fatalf("reseed: %v", err)
	}

	var inst models.GatewayInstance
	if err := gdb.First(&inst, "instance_name = ?", "inst-A").Error; err != nil {
		t.Fatalf("load instance: %v", err)
	}
	if inst.MaxConversations != 10 {
		t.Errorf("MaxConversations = %d, want 10", inst.MaxConversations)
	}
	if inst.CurrentConversations != 3 {
		t.Errorf("CurrentConversations = %d, want 3 (reseed must keep live load)", inst.CurrentConversations)
	}

	var flow models.FlowConfig
	if err := gdb.First(&flow, "flow_name = ?", "fluxo_principal").Error; err != nil {
		t.Fatalf("load flow: %v", err)
	}
	names, _ := flow.InstanceNames()
	if len(names) != 2 {
		t.Errorf("instance pool = %v, want 2 entries", names)
	}
}

func TestLivePhone_UniqueIndex(t *testing.T) {
	gdb := memoryDB(t)
	phone := "551188887777"

	first := models.Conversation{ID: "c1", PhoneNumber: phone, LivePhone: &phone, InstanceID: "inst-A", FlowID: "f", Status: models.StatusActive}
	if err := gdb.Create(&first).Error; err != nil {
		t.Fatalf("create first: %v", err)
	}
	second := models.Conversation{ID: "c2", PhoneNumber: phone, LivePhone: &phone, InstanceID: "inst-A", FlowID: "f", Status: models.StatusActive}
	if err := gdb.Create(&second).Error; err == nil {
		t.Fatal("expected unique violation for second live conversation")
	}

	finished := models.Conversation{ID: "c3", PhoneNumber: phone, InstanceID: "inst-A", FlowID: "f", Status: models.StatusFinished}
	if err := gdb.Create(&finished).Error; err != nil {
		t.Errorf("finished rows must not collide: %v", err)
	}
	another := models.Conversation{ID: "c4", PhoneNumber: phone, InstanceID: "inst-A", FlowID: "f", Status: models.StatusFinished}
	if err := gdb.Create(&another).Error; err != nil {
		t.Errorf("two finished rows must not collide: %v", err)
	}
}
