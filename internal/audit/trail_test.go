package audit

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/sentinelops/sentinel-core/internal/models"
)

func addEntry(t *testing.T, trail *Trail, entry *models.AuditLog) {
	t.Helper()
	if err := trail.Add(entry); err != nil {
		t.Fatalf("Add: %v", err)
	}
}

func TestTrailAddAssignsIdentity(t *testing.T) {
	trail, err := NewTrail(Options{}, nil)
	if err != nil {
		t.Fatalf("NewTrail: %v", err)
	}

	entry := &models.AuditLog{
		ActionType: string(models.ActionPodRestart),
		ActorType:  models.ActorSystem,
		ActorID:    "sentinel",
		Status:     string(models.StatusSuccess),
	}
	addEntry(t, trail, entry)

	if entry.ID == "" || entry.Timestamp.IsZero() {
		t.Fatalf("identity not assigned: %+v", entry)
	}
	if trail.Len() != 1 {
		t.Fatalf("len = %d, want 1", trail.Len())
	}
}

func TestTrailQueries(t *testing.T) {
	trail, err := NewTrail(Options{}, nil)
	if err != nil {
		t.Fatalf("NewTrail: %v", err)
	}

	addEntry(t, trail, &models.AuditLog{
		ActionType: string(models.ActionPodRestart),
		ActorType:  models.ActorSystem,
		ActorID:    "sentinel",
		PlanID:     "PLAN-1",
		AnomalyID:  "ANO-1",
		Status:     string(models.StatusSuccess),
	})
	addEntry(t, trail, &models.AuditLog{
		ActionType: string(models.ActionHPAScale),
		ActorType:  models.ActorUser,
		ActorID:    "alice",
		PlanID:     "PLAN-2",
		AnomalyID:  "ANO-1",
		Status:     string(models.StatusFailed),
	})
	addEntry(t, trail, &models.AuditLog{
		ActionType: string(models.ActionPodRestart),
		ActorType:  models.ActorApproval,
		ActorID:    "alice",
		PlanID:     "PLAN-2",
		AnomalyID:  "ANO-2",
		Status:     string(models.StatusApproved),
	})

	if got := trail.ByPlan("PLAN-2"); len(got) != 2 {
		t.Fatalf("ByPlan = %d entries, want 2", len(got))
	}
	if got := trail.ByAnomaly("ANO-1"); len(got) != 2 {
		t.Fatalf("ByAnomaly = %d entries, want 2", len(got))
	}
	if got := trail.ByActor("alice"); len(got) != 2 {
		t.Fatalf("ByActor = %d entries, want 2", len(got))
	}

	recent := trail.Recent(2, "")
	if len(recent) != 2 {
		t.Fatalf("Recent = %d entries, want 2", len(recent))
	}
	if recent[0].AnomalyID != "ANO-2" {
		t.Fatalf("Recent not newest-first: %+v", recent[0])
	}

	restarts := trail.Recent(10, string(models.ActionPodRestart))
	if len(restarts) != 2 {
		t.Fatalf("filtered Recent = %d entries, want 2", len(restarts))
	}

	failures := trail.Failures(10)
	if len(failures) != 1 || failures[0].PlanID != "PLAN-2" {
		t.Fatalf("Failures = %+v", failures)
	}
}

func TestTrailPersistsAndReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit", "audit.log")

	trail, err := NewTrail(Options{FilePath: path, LoadDays: 7}, nil)
	if err != nil {
		t.Fatalf("NewTrail: %v", err)
	}
	addEntry(t, trail, &models.AuditLog{
		ActionType: string(models.ActionCacheFlush),
		ActorType:  models.ActorSystem,
		ActorID:    "sentinel",
		PlanID:     "PLAN-9",
		Status:     string(models.StatusSuccess),
	})
	addEntry(t, trail, &models.AuditLog{
		Timestamp:  time.Now().AddDate(0, 0, -30),
		ActionType: string(models.ActionCacheFlush),
		ActorType:  models.ActorSystem,
		ActorID:    "sentinel",
		PlanID:     "PLAN-old",
		Status:     string(models.StatusSuccess),
	})
	if err := trail.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reloaded, err := NewTrail(Options{FilePath: path, LoadDays: 7}, nil)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	defer reloaded.Close()

	if reloaded.Len() != 1 {
		t.Fatalf("reloaded len = %d, want 1 (old entry outside load window)", reloaded.Len())
	}
	if got := reloaded.ByPlan("PLAN-9"); len(got) != 1 {
		t.Fatalf("persisted entry missing: %+v", got)
	}
}
