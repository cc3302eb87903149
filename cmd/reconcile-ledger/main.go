// reconcile-ledger compares every user's points balance with the sum of their
// ledger entries. Mismatched accounts are frozen and a reconciliation report is
// written for each. With --dry-run it only prints the mismatches.
//
// Usage (from backend directory):
//
//	go run ./cmd/reconcile-ledger
//	go run ./cmd/reconcile-ledger --dry-run
//	go run ./cmd/reconcile-ledger --unfreeze <user-id>
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"bitbucket.org/mmdatafocus/verify_backend/config"
	"bitbucket.org/mmdatafocus/verify_backend/models"
	"bitbucket.org/mmdatafocus/verify_backend/utils"
	"bitbucket.org/mmdatafocus/verify_backend/workflow"
	"github.com/google/uuid"
)

func main() {
	dryRun := flag.Bool("dry-run", false, "Only list mismatches; do not freeze")
	unfreeze := flag.String("unfreeze", "", "Optional: unfreeze this user after repair (balance is reset to the ledger sum)")
	flag.Parse()

	ctx := utils.SetCorrelationIdInContext(context.Background(), "reconcile-ledger-"+uuid.NewString())
	if err := config.ConnectDatabaseWithRetry(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "database not initialized: %v\n", err)
		os.Exit(1)
	}
	db := config.GetDB()
	settings := config.LoadEngineSettings()
	store := models.NewGormStore(db)
	registry := workflow.NewRegistry(store, &workflow.MySQLIncidentLocker{DB: db, Wait: settings.LockWait}, settings, config.GetLogger())

	if userID := strings.TrimSpace(*unfreeze); userID != "" {
		view, err := registry.UnfreezeAccount(ctx, userID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "unfreeze %s: %v\n", userID, err)
			os.Exit(1)
		}
		fmt.Printf("unfrozen user=%s points=%d\n", view.UserID, view.Points)
		return
	}

	if *dryRun {
		mismatches, err := store.ListLedgerMismatches(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "list mismatches: %v\n", err)
			os.Exit(1)
		}
		for _, m := range mismatches {
			fmt.Printf("user=%s balance=%d ledger_sum=%d\n", m.UserID, m.Balance, m.LedgerSum)
		}
		fmt.Printf("mismatches=%d\n", len(mismatches))
		return
	}

	summary, err := registry.RunReconciliationChecks(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "reconcile: %v\n", err)
		os.Exit(1)
	}
	for _, m := range summary.Mismatches {
		fmt.Printf("user=%s balance=%d ledger_sum=%d\n", m.UserID, m.Balance, m.LedgerSum)
	}
	fmt.Printf("mismatches=%d newly_frozen=%d\n", len(summary.Mismatches), summary.NewlyFrozen)
	if len(summary.Mismatches) > 0 {
		os.Exit(2)
	}
}
