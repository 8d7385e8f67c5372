package patient

import (
	"context"
	"errors"
	"testing"
)

func TestMemoryStore_CreateAssignsIdentity(t *testing.T) {
	repo := NewMemoryStore().Patients()
	p := &Patient{Name: "Juan Dela Cruz"}
	if err := repo.Create(context.Background(), p); err != nil {
		t.Fatalf("create: %v", err)
	}
	if p.ID == "" || p.Version != 1 || p.RecordIDs == nil {
		t.Errorf("unexpected created patient %+v", p)
	}
	got, err := repo.GetByID(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name != "Juan Dela Cruz" {
		t.Errorf("unexpected name %s", got.Name)
	}
}

func TestMemoryStore_SetRecordIDsVersionCheck(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryStore().Patients()
	p := &Patient{Name: "A"}
	repo.Create(ctx, p)

	v, err := repo.SetRecordIDs(ctx, p.ID, []string{"r1"}, p.Version)
	if err != nil {
		t.Fatalf("first write: %v", err)
	}
	if v != 2 {
		t.Errorf("expected version 2, got %d", v)
	}
	if _, err := repo.SetRecordIDs(ctx, p.ID, []string{"r2"}, p.Version); !errors.Is(err, ErrConflict) {
		t.Errorf("expected ErrConflict on stale version, got %v", err)
	}
	if _, err := repo.SetRecordIDs(ctx, "missing", nil, 1); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStore_UpdateKeepsRecordIDs(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryStore().Patients()
	p := &Patient{Name: "A"}
	repo.Create(ctx, p)
	v, _ := repo.SetRecordIDs(ctx, p.ID, []string{"r1"}, p.Version)

	stale := p.Clone()
	stale.Version = v
	stale.RecordIDs = nil
	stale.Place = strp("Davao")
	if err := repo.Update(ctx, stale); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, _ := repo.GetByID(ctx, p.ID)
	if len(got.RecordIDs) != 1 || got.RecordIDs[0] != "r1" {
		t.Errorf("profile update clobbered record ids: %v", got.RecordIDs)
	}
	if got.Version != v+1 || stale.Version != v+1 {
		t.Errorf("expected version bump to %d, got stored %d caller %d", v+1, got.Version, stale.Version)
	}
}

func TestMemoryStore_SearchByName(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryStore().Patients()
	for _, n := range []string{"Juan Dela Cruz", "Maria Clara", "juana reyes"} {
		repo.Create(ctx, &Patient{Name: n})
	}
	got, total, err := repo.SearchByName(ctx, "JUAN", 10, 0)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if total != 2 || len(got) != 2 {
		t.Fatalf("expected 2 matches, got %d", total)
	}
	if got[0].Name != "Juan Dela Cruz" {
		t.Errorf("expected alphabetical order, got %s first", got[0].Name)
	}
}

func TestMemoryStore_Records(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryStore().Records()
	r := &VisitRecord{PatientID: "p1", PatientName: " Juan Dela Cruz "}
	if err := repo.Create(ctx, r); err != nil {
		t.Fatalf("create: %v", err)
	}
	byName, _ := repo.ListByName(ctx, "juan dela cruz")
	if len(byName) != 1 {
		t.Errorf("expected name match, got %d", len(byName))
	}
	if err := repo.SetPatientID(ctx, r.ID, "p2"); err != nil {
		t.Fatalf("set patient: %v", err)
	}
	byRef, _ := repo.ListByPatient(ctx, "p2")
	if len(byRef) != 1 {
		t.Errorf("expected reference match after correction")
	}
	if err := repo.SetPatientID(ctx, "missing", "p2"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
