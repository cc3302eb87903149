// recompute-stale re-runs aggregation for pending incidents older than a cutoff,
// or for an explicit list of incident ids. Run it from a scheduler (Cloud
// Scheduler / cron) against the same database as the API.
//
// Usage (from backend directory):
//
//	DB_USER=... DB_PASSWORD=... DB_HOST=... DB_PORT=... DB_NAME=... go run ./cmd/recompute-stale --older-than 2h
//	go run ./cmd/recompute-stale --ids 3f0c...,9a1b...
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"bitbucket.org/mmdatafocus/verify_backend/config"
	"bitbucket.org/mmdatafocus/verify_backend/models"
	"bitbucket.org/mmdatafocus/verify_backend/utils"
	"bitbucket.org/mmdatafocus/verify_backend/workflow"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

func main() {
	olderThan := flag.Duration("older-than", time.Hour, "Recompute pending incidents created before now minus this age")
	limit := flag.Int("limit", 500, "Max incidents per run")
	ids := flag.String("ids", "", "Optional: comma-separated incident ids (overrides --older-than)")
	timeout := flag.Duration("timeout", 10*time.Minute, "Abort the run after this long")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()
	ctx = utils.SetCorrelationIdInContext(ctx, "recompute-stale-"+uuid.NewString())

	if err := config.ConnectDatabaseWithRetry(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "database not initialized: %v\n", err)
		os.Exit(1)
	}
	db := config.GetDB()
	logger := config.GetLogger()
	settings := config.LoadEngineSettings()

	// GET_LOCK serializes with API replicas without needing redis here.
	locker := &workflow.MySQLIncidentLocker{DB: db, Wait: settings.LockWait}
	registry := workflow.NewRegistry(models.NewGormStore(db), locker, settings, logger)

	var (
		transitions []workflow.StatusTransition
		err         error
	)
	if list := utils.SplitAndTrim(*ids); len(list) > 0 {
		transitions, err = registry.RecomputeIncidents(ctx, list)
	} else {
		transitions, err = registry.RecomputeStale(ctx, *olderThan, *limit)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "recompute failed after %d incidents: %v\n", len(transitions), err)
		os.Exit(1)
	}

	changed := 0
	for _, t := range transitions {
		if !t.Changed() {
			continue
		}
		changed++
		logger.WithFields(logrus.Fields{
			"field":       "recompute-stale",
			"incident_id": t.IncidentID,
			"old_status":  t.OldStatus,
			"new_status":  t.NewStatus,
		}).Info("status changed")
	}
	fmt.Printf("recomputed=%d changed=%d\n", len(transitions), changed)
}
