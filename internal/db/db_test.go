package db

import (
	"strings"
	"testing"

	"github.com/zulandar/switchboard/internal/config"
	"github.com/zulandar/switchboard/internal/models"
	"gorm.io/gorm"
)

func TestDSN(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.DatabaseConfig
		want string
	}{
		{
			name: "default local",
			cfg:  config.DatabaseConfig{Host: "127.0.0.1", Port: 3306, Name: "switchboard", User: "root"},
			want: "root@tcp(127.0.0.1:3306)/switchboard?parseTime=true",
		},
		{
			name: "password and custom port",
			cfg:  config.DatabaseConfig{Host: "10.0.0.5", Port: 3307, Name: "sb", User: "sb", Password: "pw"},
			want: "sb:pw@tcp(10.0.0.5:3307)/sb?parseTime=true",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DSN(tt.cfg)
			if got != tt.want {
				t.Errorf("DSN() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestAllModels_Count(t *testing.T) {
	models := AllModels()
	if len(models) != 5 {
		t.Errorf("AllModels() returned %d models, want 5", len(models))
	}
}

func TestMarshalJSON(t *testing.T) {
	tests := []struct {
		name  string
		input interface{}
		want  string
	}{
		{name: "nil returns empty", input: nil, want: ""},
		{name: "string slice", input: []string{"billing", "technical"}, want: `["billing","technical"]`},
		{name: "empty slice", input: []string{}, want: `[]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := marshalJSON(tt.input)
			if err != nil {
				t.Fatalf("marshalJSON() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("marshalJSON() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestMarshalJSON_Error(t *testing.T) {
	// Channels cannot be marshaled to JSON.
	_, err := marshalJSON(make(chan int))
	if err == nil {
		t.Fatal("expected error marshaling channel")
	}
}

func TestConnect_UnsupportedDriver(t *testing.T) {
	_, err := Connect(config.DatabaseConfig{Driver: "postgres"})
	if err == nil {
		t.Fatal("expected error for unsupported driver")
	}
	if !strings.Contains(err.Error(), `unsupported driver "postgres"`) {
		t.Errorf("error = %q", err.Error())
	}
}

func TestConnect_MySQLError(t *testing.T) {
	// Port 1 is unlikely to have a MySQL server; expect connection error.
	_, err := Connect(config.DatabaseConfig{Driver: "mysql", Host: "127.0.0.1", Port: 1, Name: "none", User: "root"})
	if err == nil {
		t.Fatal("expected error connecting to invalid port")
	}
	if !strings.Contains(err.Error(), "db: connect to") {
		t.Errorf("error = %q, want to contain %q", err.Error(), "db: connect to")
	}
}

func openMigrated(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := Connect(config.DatabaseConfig{Driver: "sqlite", Path: ":memory:"})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func TestAutoMigrate_SQLite(t *testing.T) {
	db := openMigrated(t)
	for _, m := range AllModels() {
		if !db.Migrator().HasTable(m) {
			t.Errorf("table for %T not created", m)
		}
	}
	if !db.Migrator().HasIndex(&models.IssuedToken{}, "idx_room_identity") {
		t.Error("idx_room_identity not created")
	}
}

func TestSeedAgents_UpsertKeepsCounters(t *testing.T) {
	db := openMigrated(t)
	agents := []config.AgentConfig{
		{ID: "agent_001", Name: "Sarah", Status: "available", MaxConcurrentCalls: 3, Skills: []string{"billing"}},
		{ID: "agent_002", Name: "Mike", Status: "offline", MaxConcurrentCalls: 2},
	}
	if err := SeedAgents(db, agents); err != nil {
		t.Fatalf("SeedAgents: %v", err)
	}
	if err := db.Model(&models.Agent{}).Where("id = ?", "agent_001").Update("current_calls", 2).Error; err != nil {
		t.Fatal(err)
	}

	agents[0].Name = "Sarah Johnson"
	if err := SeedAgents(db, agents); err != nil {
		t.Fatalf("SeedAgents (second run): %v", err)
	}

	var count int64
	db.Model(&models.Agent{}).Count(&count)
	if count != 2 {
		t.Errorf("agent count = %d, want 2", count)
	}

	var a models.Agent
	if err := db.First(&a, "id = ?", "agent_001").Error; err != nil {
		t.Fatal(err)
	}
	if a.Name != "Sarah Johnson" {
		t.Errorf("Name = %q, want updated", a.Name)
	}
	if a.CurrentCalls != 2 {
		t.Errorf("CurrentCalls = %d, want 2 (preserved)", a.CurrentCalls)
	}
	if a.Skills != `["billing"]` {
		t.Errorf("Skills = %q", a.Skills)
	}

	var b models.Agent
	db.First(&b, "id = ?", "agent_002")
	if b.Skills != "[]" {
		t.Errorf("Skills = %q, want []", b.Skills)
	}
}

func TestSeedAgents_EmptySlice(t *testing.T) {
	if err := SeedAgents(nil, nil); err != nil {
		t.Errorf("SeedAgents(nil, nil) = %v, want nil", err)
	}
}
