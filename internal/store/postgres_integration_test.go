package store

import (
	"context"
	"os"
	"testing"
	"time"

	"fleettrack/internal/model"
)

func TestPostgresConnectivityAndMigrate(t *testing.T) {
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	p, err := NewPostgres(dsn)
	if err != nil {
		t.Fatalf("NewPostgres: %v", err)
	}
	if err := p.MigrateDir("../../db/migrations"); err != nil {
		t.Fatalf("MigrateDir: %v", err)
	}

	ctx := context.Background()
	if err := p.UpsertAgent(ctx, model.Agent{ID: "it_a1", Capabilities: []string{"delivery"}, LocationSharing: true}); err != nil {
		t.Fatalf("UpsertAgent: %v", err)
	}
	pos := model.Position{AgentID: "it_a1", Lat: 36.7, Lng: 3.05, Timestamp: time.Now().UTC()}
	if err := p.UpsertPosition(ctx, pos); err != nil {
		t.Fatalf("UpsertPosition: %v", err)
	}
	got, err := p.FindPosition(ctx, "it_a1")
	if err != nil {
		t.Fatalf("FindPosition: %v", err)
	}
	if got.Lat != pos.Lat || got.Lng != pos.Lng {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}
