package services_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/MWhitburn/fleetscan/internal/services"
	"github.com/MWhitburn/fleetscan/internal/testutil"
	"github.com/MWhitburn/fleetscan/pkg/models"
)

func newHistoryRepo(t *testing.T) services.HistoryRepository {
	t.Helper()
	store := testutil.NewStore(t)
	if err := store.Migrate(context.Background(), "history", services.HistoryMigrations()); err != nil {
		t.Fatalf("history migrations: %v", err)
	}
	return services.NewSQLiteHistoryRepository(store.DB())
}

func TestSQLiteHistoryRepository_CreateAndGet(t *testing.T) {
	repo := newHistoryRepo(t)
	ctx := context.Background()

	rec := &models.ScanRecord{
		ID:     uuid.New().String(),
		Groups: []string{"Rack1", "Rack2"},
		Status: "running",
	}

	if err := repo.Create(ctx, rec); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if rec.StartedAt == "" {
		t.Error("StartedAt not set by Create")
	}

	got, err := repo.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(got.Groups) != 2 || got.Groups[0] != "Rack1" {
		t.Errorf("Groups = %v, want [Rack1 Rack2]", got.Groups)
	}
	if got.Status != "running" {
		t.Errorf("Status = %q, want %q", got.Status, "running")
	}
}

func TestSQLiteHistoryRepository_CreateGeneratesID(t *testing.T) {
	repo := newHistoryRepo(t)
	ctx := context.Background()

	rec := &models.ScanRecord{Groups: []string{"Rack1"}}
	if err := repo.Create(ctx, rec); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if rec.ID == "" {
		t.Error("Create did not generate an ID")
	}
	if rec.Status != "running" {
		t.Errorf("Status = %q, want %q", rec.Status, "running")
	}
}

func TestSQLiteHistoryRepository_GetNotFound(t *testing.T) {
	repo := newHistoryRepo(t)

	_, err := repo.Get(context.Background(), "nonexistent-id")
	if err != services.ErrNotFound {
		t.Errorf("Get nonexistent = %v, want ErrNotFound", err)
	}
}

func TestSQLiteHistoryRepository_Finish(t *testing.T) {
	repo := newHistoryRepo(t)
	ctx := context.Background()

	rec := &models.ScanRecord{Groups: []string{"Rack1"}}
	if err := repo.Create(ctx, rec); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := repo.Finish(ctx, rec.ID, "completed", 12, 254, ""); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	got, err := repo.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != "completed" {
		t.Errorf("Status = %q, want %q", got.Status, "completed")
	}
	if got.Found != 12 || got.Probed != 254 {
		t.Errorf("counters = %d/%d, want 12/254", got.Found, got.Probed)
	}
	if got.EndedAt == "" {
		t.Error("EndedAt is empty after Finish")
	}
}

func TestSQLiteHistoryRepository_ListPagination(t *testing.T) {
	repo := newHistoryRepo(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		rec := &models.ScanRecord{
			Groups:    []string{"Rack1"},
			StartedAt: time.Now().UTC().Add(time.Duration(i) * time.Minute).Format(time.RFC3339),
		}
		if err := repo.Create(ctx, rec); err != nil {
			t.Fatalf("Create scan %d: %v", i, err)
		}
	}

	result, err := repo.List(ctx, services.ListOptions{Limit: 2, Offset: 0})
	if err != nil {
		t.Fatalf("List page 1: %v", err)
	}
	if result.Total != 5 {
		t.Errorf("Total = %d, want 5", result.Total)
	}
	if len(result.Items) != 2 {
		t.Errorf("Page 1 items = %d, want 2", len(result.Items))
	}

	result, err = repo.List(ctx, services.ListOptions{Limit: 10, Offset: 5})
	if err != nil {
		t.Fatalf("List beyond end: %v", err)
	}
	if len(result.Items) != 0 {
		t.Errorf("Beyond end items = %d, want 0", len(result.Items))
	}
}

func TestSQLiteHistoryRepository_ListEmpty(t *testing.T) {
	repo := newHistoryRepo(t)

	result, err := repo.List(context.Background(), services.ListOptions{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if result.Total != 0 {
		t.Errorf("Total = %d, want 0", result.Total)
	}
	if result.Items == nil {
		t.Error("Items is nil, want empty slice")
	}
}
