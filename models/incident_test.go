package models

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestIncidentFilter_Matches(t *testing.T) {
	inc := &Incident{
		Title:       "Power Outage in Downtown Area",
		Description: "Traffic lights not working",
		Location:    "Main St",
		Category:    "Infrastructure",
		Status:      IncidentStatusVerified,
	}
	tests := []struct {
		name   string
		filter IncidentFilter
		want   bool
	}{
		{"empty", IncidentFilter{}, true},
		{"all", IncidentFilter{Status: "all", Category: "All"}, true},
		{"status", IncidentFilter{Status: "VERIFIED"}, true},
		{"wrong status", IncidentFilter{Status: "pending"}, false},
		{"category", IncidentFilter{Category: "infrastructure"}, true},
		{"search title", IncidentFilter{SearchText: "outage"}, true},
		{"search description", IncidentFilter{SearchText: "TRAFFIC"}, true},
		{"search location", IncidentFilter{SearchText: "main st"}, true},
		{"search miss", IncidentFilter{SearchText: "flood"}, false},
		{"combined miss", IncidentFilter{Category: "Infrastructure", SearchText: "flood"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.filter.Matches(inc); got != tt.want {
				t.Fatalf("got %v want %v", got, tt.want)
			}
		})
	}
}

func TestNewIncidentInput_Normalize(t *testing.T) {
	in := NewIncidentInput{Title: "  Flood ", Urgency: " HIGH ", ReporterID: " r1 "}
	in.Normalize()
	if in.Title != "Flood" || in.Urgency != UrgencyHigh || in.ReporterID != "r1" {
		t.Fatalf("normalized: %+v", in)
	}
}

func TestMemoryStore_RollsBackFailedTx(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	boom := errors.New("boom")
	err := store.RunInTx(ctx, func(tx StoreTx) error {
		if err := tx.CreateIncident(&Incident{ID: "inc-1", Status: IncidentStatusPending, CreatedAt: now}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected fn error, got %v", err)
	}
	if _, err := store.GetIncident(ctx, "inc-1"); err == nil {
		t.Fatalf("failed transaction left an incident behind")
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	err = store.RunInTx(cancelled, func(tx StoreTx) error {
		return tx.CreateIncident(&Incident{ID: "inc-2", CreatedAt: now})
	})
	if err == nil {
		t.Fatalf("cancelled context committed")
	}
	if list, _ := store.ListIncidents(ctx, IncidentFilter{}); len(list) != 0 {
		t.Fatalf("incidents after rollbacks: %d", len(list))
	}
}

func TestMemoryStore_ListIncidentsNewestFirst(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		created := base.Add(time.Duration(i) * time.Minute)
		if id == "c" {
			created = base.Add(time.Minute) // ties with b
		}
		err := store.RunInTx(ctx, func(tx StoreTx) error {
			return tx.CreateIncident(&Incident{ID: id, Status: IncidentStatusPending, CreatedAt: created})
		})
		if err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
	list, _ := store.ListIncidents(ctx, IncidentFilter{})
	got := []string{list[0].ID, list[1].ID, list[2].ID}
	if got[0] != "b" || got[1] != "c" || got[2] != "a" {
		t.Fatalf("order: %v", got)
	}
}
