package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/verify_backend/config"
	"bitbucket.org/mmdatafocus/verify_backend/models"
	"bitbucket.org/mmdatafocus/verify_backend/utils"
)

// These tests run the whole pipeline against the in-memory store with a
// fixed clock. MySQL and redis backends share the same Store/IncidentLocker
// contracts and need an environment with those services.

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestRegistry(t *testing.T) (*Registry, *models.MemoryStore, *testClock) {
	t.Helper()
	store := models.NewMemoryStore()
	settings := config.DefaultEngineSettings()
	settings.LockWait = 2 * time.Second
	reg := NewRegistry(store, NewLocalIncidentLocker(settings.LockWait), settings, nil)
	clock := newTestClock()
	reg.Now = clock.Now
	var n int
	var mu sync.Mutex
	reg.NewID = func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("id-%04d", n)
	}
	return reg, store, clock
}

// seedTrust creates or updates a user's trust score without touching points.
func seedTrust(t *testing.T, store models.Store, userID string, trust int) {
	t.Helper()
	err := store.RunInTx(context.Background(), func(tx models.StoreTx) error {
		rep, err := tx.FindReputation(userID)
		if err != nil {
			return err
		}
		if rep == nil {
			return tx.CreateReputation(&models.UserReputation{UserID: userID, TrustScore: trust, Level: 1})
		}
		rep.TrustScore = trust
		return tx.UpdateReputation(rep)
	})
	if err != nil {
		t.Fatalf("seed trust for %s: %v", userID, err)
	}
}

// corruptBalance moves a user's balance away from the ledger sum.
func corruptBalance(t *testing.T, store models.Store, userID string, delta int64) {
	t.Helper()
	err := store.RunInTx(context.Background(), func(tx models.StoreTx) error {
		rep, err := tx.FindReputation(userID)
		if err != nil {
			return err
		}
		if rep == nil {
			return fmt.Errorf("no reputation for %s", userID)
		}
		rep.PointsBalance += delta
		return tx.UpdateReputation(rep)
	})
	if err != nil {
		t.Fatalf("corrupt balance for %s: %v", userID, err)
	}
}

func submitIncident(t *testing.T, reg *Registry, reporter string, urgency models.Urgency) *models.Incident {
	t.Helper()
	inc, err := reg.SubmitIncident(context.Background(), models.NewIncidentInput{
		Title:       "Water Main Break Reported",
		Description: "Large water leak flooding Oak Street near residential area.",
		Category:    "Infrastructure",
		Urgency:     urgency,
		Location:    "Oak St",
		ReporterID:  reporter,
	})
	if err != nil {
		t.Fatalf("submit incident: %v", err)
	}
	return inc
}

func vote(t *testing.T, reg *Registry, incidentID, voter string, verdict models.Verdict) *VerificationResult {
	t.Helper()
	res, err := reg.SubmitVerification(context.Background(), models.NewVerificationInput{
		IncidentID: incidentID,
		VoterID:    voter,
		Verdict:    verdict,
	})
	if err != nil {
		t.Fatalf("vote %s/%s: %v", incidentID, voter, err)
	}
	return res
}

func reputation(t *testing.T, store models.Store, userID string) *models.UserReputation {
	t.Helper()
	rep, err := store.GetReputation(context.Background(), userID)
	if err != nil {
		t.Fatalf("get reputation %s: %v", userID, err)
	}
	return rep
}

func ledgerReasons(t *testing.T, store models.Store, userID string) map[models.LedgerReason]int64 {
	t.Helper()
	entries, err := store.ListLedgerEntries(context.Background(), userID)
	if err != nil {
		t.Fatalf("list ledger %s: %v", userID, err)
	}
	out := map[models.LedgerReason]int64{}
	for _, e := range entries {
		out[e.Reason] += e.Amount
	}
	return out
}

func assertReconciled(t *testing.T, store models.Store) {
	t.Helper()
	mismatches, err := store.ListLedgerMismatches(context.Background())
	if err != nil {
		t.Fatalf("list mismatches: %v", err)
	}
	if len(mismatches) != 0 {
		t.Fatalf("ledger out of balance: %+v", mismatches)
	}
}

func TestSubmitIncident_RequiresFields(t *testing.T) {
	reg, store, _ := newTestRegistry(t)
	base := models.NewIncidentInput{
		Title:       "Power Outage in Downtown Area",
		Description: "Electricity out for several blocks, traffic lights not working.",
		Category:    "Infrastructure",
		Urgency:     models.UrgencyMedium,
		ReporterID:  "r1",
	}
	tests := []struct {
		field  string
		mutate func(in *models.NewIncidentInput)
	}{
		{"title", func(in *models.NewIncidentInput) { in.Title = "   " }},
		{"description", func(in *models.NewIncidentInput) { in.Description = "" }},
		{"category", func(in *models.NewIncidentInput) { in.Category = "" }},
		{"urgency", func(in *models.NewIncidentInput) { in.Urgency = "" }},
		{"urgency", func(in *models.NewIncidentInput) { in.Urgency = "critical" }},
		{"reporter_id", func(in *models.NewIncidentInput) { in.ReporterID = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.field, func(t *testing.T) {
			in := base
			tt.mutate(&in)
			_, err := reg.SubmitIncident(context.Background(), in)
			var vErr *utils.ValidationError
			if !errors.As(err, &vErr) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if vErr.Field != tt.field {
				t.Fatalf("field: got %q want %q", vErr.Field, tt.field)
			}
		})
	}

	list, _ := store.ListIncidents(context.Background(), models.IncidentFilter{})
	if len(list) != 0 {
		t.Fatalf("invalid submissions stored %d incidents", len(list))
	}
	if _, err := store.GetReputation(context.Background(), "r1"); !utils.IsNotFound(err) {
		t.Fatalf("invalid submissions must not award points, got %v", err)
	}
}

func TestSubmitIncident_AwardsReporter(t *testing.T) {
	reg, store, _ := newTestRegistry(t)
	inc := submitIncident(t, reg, "r1", models.UrgencyLow)

	if inc.Status != models.IncidentStatusPending || inc.VerificationCount != 0 {
		t.Fatalf("new incident: status=%q count=%d", inc.Status, inc.VerificationCount)
	}
	rep := reputation(t, store, "r1")
	if rep.PointsBalance != 5 || rep.ReportsSubmitted != 1 || rep.TrustScore != 50 {
		t.Fatalf("reporter: balance=%d reports=%d trust=%d", rep.PointsBalance, rep.ReportsSubmitted, rep.TrustScore)
	}
	if got := ledgerReasons(t, store, "r1")[models.LedgerReasonReportSubmitted]; got != 5 {
		t.Fatalf("report_submitted: got %d", got)
	}
}

func TestSubmitVerification_HighUrgencyFastPath(t *testing.T) {
	reg, store, _ := newTestRegistry(t)
	seedTrust(t, store, "v1", 85)
	inc := submitIncident(t, reg, "r1", models.UrgencyHigh)

	res := vote(t, reg, inc.ID, "v1", models.VerdictTrue)
	if res.Status != models.IncidentStatusVerified || !res.Changed || !res.IsNew || res.VerificationCount != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}

	events, _ := store.ListEventsByIncident(context.Background(), inc.ID)
	if len(events) != 1 {
		t.Fatalf("expected exactly 1 status event, got %d", len(events))
	}
	if events[0].OldStatus != models.IncidentStatusPending || events[0].NewStatus != models.IncidentStatusVerified {
		t.Fatalf("event: %s -> %s", events[0].OldStatus, events[0].NewStatus)
	}

	reporter := ledgerReasons(t, store, "r1")
	if reporter[models.LedgerReasonReportVerified] != 15 || reporter[models.LedgerReasonReportSubmitted] != 5 {
		t.Fatalf("reporter ledger: %v", reporter)
	}
	voter := ledgerReasons(t, store, "v1")
	if voter[models.LedgerReasonVerificationCast] != 10 || voter[models.LedgerReasonVerificationAccurate] != 5 {
		t.Fatalf("voter ledger: %v", voter)
	}
	rep := reputation(t, store, "v1")
	if rep.VerificationsCast != 1 || rep.AccurateVerifications != 1 || rep.PointsBalance != 15 {
		t.Fatalf("voter reputation: %+v", rep)
	}

	// Retry of the same vote changes nothing.
	again := vote(t, reg, inc.ID, "v1", models.VerdictTrue)
	if again.IsNew || again.Changed || again.VerificationCount != 1 {
		t.Fatalf("retry: %+v", again)
	}
	events, _ = store.ListEventsByIncident(context.Background(), inc.ID)
	if len(events) != 1 {
		t.Fatalf("retry emitted another event: %d", len(events))
	}
	if rep := reputation(t, store, "v1"); rep.PointsBalance != 15 {
		t.Fatalf("retry changed voter balance to %d", rep.PointsBalance)
	}
	assertReconciled(t, store)
}

func TestSubmitVerification_MediumSplitIsDisputed(t *testing.T) {
	reg, store, _ := newTestRegistry(t)
	inc := submitIncident(t, reg, "r1", models.UrgencyMedium)

	first := vote(t, reg, inc.ID, "v1", models.VerdictFalse)
	if first.Status != models.IncidentStatusPending || first.Changed {
		t.Fatalf("one vote must stay pending: %+v", first)
	}
	second := vote(t, reg, inc.ID, "v2", models.VerdictMisleading)
	if second.Status != models.IncidentStatusDisputed || !second.Changed || second.VerificationCount != 2 {
		t.Fatalf("second vote: %+v", second)
	}

	for _, voter := range []string{"v1", "v2"} {
		reasons := ledgerReasons(t, store, voter)
		if reasons[models.LedgerReasonVerificationCast] != 10 {
			t.Fatalf("%s cast award: %v", voter, reasons)
		}
		if _, ok := reasons[models.LedgerReasonVerificationAccurate]; ok {
			t.Fatalf("%s credited accuracy without a majority", voter)
		}
	}
	if _, ok := ledgerReasons(t, store, "r1")[models.LedgerReasonReportVerified]; ok {
		t.Fatalf("reporter credited report_verified on a disputed incident")
	}
	events, _ := store.ListEventsByIncident(context.Background(), inc.ID)
	if len(events) != 1 || events[0].NewStatus != models.IncidentStatusDisputed {
		t.Fatalf("events: %+v", events)
	}
	assertReconciled(t, store)
}

func TestSubmitVerification_QuorumFloor(t *testing.T) {
	tests := []struct {
		name    string
		urgency models.Urgency
		trust   int
	}{
		{"low urgency", models.UrgencyLow, 100},
		{"medium urgency", models.UrgencyMedium, 100},
		{"high urgency untrusted voter", models.UrgencyHigh, 79},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, verdict := range models.Verdicts {
				reg, store, _ := newTestRegistry(t)
				seedTrust(t, store, "v1", tt.trust)
				inc := submitIncident(t, reg, "r1", tt.urgency)
				res := vote(t, reg, inc.ID, "v1", verdict)
				if res.Status != models.IncidentStatusPending {
					t.Fatalf("verdict %s: got %q", verdict, res.Status)
				}
			}
		})
	}
}

func TestSubmitVerification_SelfVerificationRejected(t *testing.T) {
	reg, store, _ := newTestRegistry(t)
	inc := submitIncident(t, reg, "r1", models.UrgencyHigh)
	before := reputation(t, store, "r1")

	_, err := reg.SubmitVerification(context.Background(), models.NewVerificationInput{
		IncidentID: inc.ID,
		VoterID:    "r1",
		Verdict:    models.VerdictTrue,
	})
	var selfErr *utils.SelfVerificationError
	if !errors.As(err, &selfErr) {
		t.Fatalf("expected SelfVerificationError, got %v", err)
	}

	votes, _ := store.ListVerifications(context.Background(), inc.ID)
	if len(votes) != 0 {
		t.Fatalf("self vote stored")
	}
	after := reputation(t, store, "r1")
	if after.PointsBalance != before.PointsBalance || after.VerificationsCast != 0 {
		t.Fatalf("self vote changed reporter: %+v", after)
	}
	got, _ := store.GetIncident(context.Background(), inc.ID)
	if got.VerificationCount != 0 {
		t.Fatalf("count: %d", got.VerificationCount)
	}
}

func TestSubmitVerification_Errors(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	inc := submitIncident(t, reg, "r1", models.UrgencyLow)

	_, err := reg.SubmitVerification(context.Background(), models.NewVerificationInput{
		IncidentID: "missing",
		VoterID:    "v1",
		Verdict:    models.VerdictTrue,
	})
	var nfErr *utils.NotFoundError
	if !errors.As(err, &nfErr) || nfErr.Resource != "incident" {
		t.Fatalf("expected incident NotFoundError, got %v", err)
	}

	_, err = reg.SubmitVerification(context.Background(), models.NewVerificationInput{
		IncidentID: inc.ID,
		VoterID:    "v1",
		Verdict:    "maybe",
	})
	var vErr *utils.ValidationError
	if !errors.As(err, &vErr) || vErr.Field != "verdict" {
		t.Fatalf("expected verdict ValidationError, got %v", err)
	}
}

func TestSubmitVerification_IdempotentAndMonotonic(t *testing.T) {
	reg, store, _ := newTestRegistry(t)
	inc := submitIncident(t, reg, "r1", models.UrgencyLow)

	last := 0
	voters := []string{"v1", "v2", "v1", "v3", "v2", "v3", "v4"}
	for _, voter := range voters {
		res := vote(t, reg, inc.ID, voter, models.VerdictTrue)
		if res.VerificationCount < last {
			t.Fatalf("count decreased from %d to %d", last, res.VerificationCount)
		}
		last = res.VerificationCount
	}
	if last != 4 {
		t.Fatalf("expected 4 distinct voters, got %d", last)
	}
	for _, voter := range []string{"v1", "v2", "v3", "v4"} {
		if got := ledgerReasons(t, store, voter)[models.LedgerReasonVerificationCast]; got != 10 {
			t.Fatalf("%s cast award: %d", voter, got)
		}
	}
	assertReconciled(t, store)
}

func TestSubmitVerification_RetroactiveAccuracy(t *testing.T) {
	reg, store, _ := newTestRegistry(t)
	inc := submitIncident(t, reg, "r1", models.UrgencyMedium)

	vote(t, reg, inc.ID, "a", models.VerdictTrue)
	split := vote(t, reg, inc.ID, "b", models.VerdictFalse)
	if split.Status != models.IncidentStatusDisputed {
		t.Fatalf("50/50 should be disputed, got %q", split.Status)
	}
	decisive := vote(t, reg, inc.ID, "c", models.VerdictTrue)
	if decisive.Status != models.IncidentStatusVerified || !decisive.Changed {
		t.Fatalf("third vote should verify: %+v", decisive)
	}

	for voter, want := range map[string]int64{"a": 5, "b": 0, "c": 5} {
		if got := ledgerReasons(t, store, voter)[models.LedgerReasonVerificationAccurate]; got != want {
			t.Fatalf("%s accuracy: got %d want %d", voter, got, want)
		}
	}
	if got := ledgerReasons(t, store, "r1")[models.LedgerReasonReportVerified]; got != 15 {
		t.Fatalf("reporter bonus: %d", got)
	}
	events, _ := store.ListEventsByIncident(context.Background(), inc.ID)
	if len(events) != 2 {
		t.Fatalf("expected pending->disputed and disputed->verified, got %d events", len(events))
	}
	if events[1].OldStatus != models.IncidentStatusDisputed || events[1].NewStatus != models.IncidentStatusVerified {
		t.Fatalf("second event: %s -> %s", events[1].OldStatus, events[1].NewStatus)
	}

	// A later flip does not pay twice or claw back.
	vote(t, reg, inc.ID, "d", models.VerdictFalse)
	vote(t, reg, inc.ID, "e", models.VerdictFalse)
	if got := ledgerReasons(t, store, "a")[models.LedgerReasonVerificationAccurate]; got != 5 {
		t.Fatalf("a accuracy after flip: %d", got)
	}
	if got := ledgerReasons(t, store, "r1")[models.LedgerReasonReportVerified]; got != 15 {
		t.Fatalf("reporter bonus after flip: %d", got)
	}
	assertReconciled(t, store)
}

func TestSubmitVerification_CancelledLeavesNoState(t *testing.T) {
	reg, store, _ := newTestRegistry(t)
	inc := submitIncident(t, reg, "r1", models.UrgencyHigh)
	seedTrust(t, store, "v1", 90)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := reg.SubmitVerification(ctx, models.NewVerificationInput{
		IncidentID: inc.ID,
		VoterID:    "v1",
		Verdict:    models.VerdictTrue,
	}); err == nil {
		t.Fatalf("expected an error for a cancelled call")
	}

	got, _ := store.GetIncident(context.Background(), inc.ID)
	if got.Status != models.IncidentStatusPending || got.VerificationCount != 0 {
		t.Fatalf("cancelled call changed incident: %+v", got)
	}
	if entries, _ := store.ListLedgerEntries(context.Background(), "v1"); len(entries) != 0 {
		t.Fatalf("cancelled call wrote %d ledger entries", len(entries))
	}
	if events, _ := store.ListEventsByIncident(context.Background(), inc.ID); len(events) != 0 {
		t.Fatalf("cancelled call wrote %d events", len(events))
	}
}

func TestSubmitVerification_ActorMismatchFreezes(t *testing.T) {
	reg, store, _ := newTestRegistry(t)
	inc := submitIncident(t, reg, "r1", models.UrgencyLow)
	other := submitIncident(t, reg, "r2", models.UrgencyLow)

	vote(t, reg, other.ID, "v1", models.VerdictTrue)
	corruptBalance(t, store, "v1", 100)

	_, err := reg.SubmitVerification(context.Background(), models.NewVerificationInput{
		IncidentID: inc.ID,
		VoterID:    "v1",
		Verdict:    models.VerdictTrue,
	})
	var recErr *utils.ReconciliationError
	if !errors.As(err, &recErr) || recErr.Frozen {
		t.Fatalf("expected fresh ReconciliationError, got %v", err)
	}
	if recErr.Balance != 110 || recErr.LedgerSum != 10 {
		t.Fatalf("mismatch: balance=%d sum=%d", recErr.Balance, recErr.LedgerSum)
	}
	got, _ := store.GetIncident(context.Background(), inc.ID)
	if got.VerificationCount != 0 {
		t.Fatalf("failed vote was counted")
	}
	if !reputation(t, store, "v1").Frozen {
		t.Fatalf("account not frozen")
	}
	if reports := store.ListReconciliationReports(); len(reports) != 1 || reports[0].EntityId != "v1" {
		t.Fatalf("reports: %+v", reports)
	}

	// Frozen accounts earn nothing until unfrozen.
	_, err = reg.SubmitVerification(context.Background(), models.NewVerificationInput{
		IncidentID: inc.ID,
		VoterID:    "v1",
		Verdict:    models.VerdictTrue,
	})
	if !errors.As(err, &recErr) || !recErr.Frozen {
		t.Fatalf("expected frozen ReconciliationError, got %v", err)
	}
	got, _ = store.GetIncident(context.Background(), inc.ID)
	if got.VerificationCount != 0 || len(ledgerReasons(t, store, "v1")) != 1 {
		t.Fatalf("frozen vote left state: count=%d ledger=%v", got.VerificationCount, ledgerReasons(t, store, "v1"))
	}

	view, err := reg.UnfreezeAccount(context.Background(), "v1")
	if err != nil {
		t.Fatalf("unfreeze: %v", err)
	}
	if view.Frozen || view.Points != 10 {
		t.Fatalf("after unfreeze: %+v", view)
	}
	if res := vote(t, reg, inc.ID, "v1", models.VerdictTrue); !res.IsNew {
		t.Fatalf("vote after unfreeze not stored")
	}
	assertReconciled(t, store)
}

func TestSubmitVerification_ThirdPartyMismatchSkipsAward(t *testing.T) {
	reg, store, _ := newTestRegistry(t)
	seedTrust(t, store, "v1", 90)
	inc := submitIncident(t, reg, "r1", models.UrgencyHigh)
	corruptBalance(t, store, "r1", -3)

	res := vote(t, reg, inc.ID, "v1", models.VerdictTrue)
	if res.Status != models.IncidentStatusVerified {
		t.Fatalf("vote should still verify: %+v", res)
	}
	if _, ok := ledgerReasons(t, store, "r1")[models.LedgerReasonReportVerified]; ok {
		t.Fatalf("bonus paid into a mismatched account")
	}
	if !reputation(t, store, "r1").Frozen {
		t.Fatalf("reporter not frozen")
	}
	if got := reputation(t, store, "v1").PointsBalance; got != 15 {
		t.Fatalf("voter balance: %d", got)
	}

	if _, err := reg.UnfreezeAccount(context.Background(), "r1"); err != nil {
		t.Fatalf("unfreeze: %v", err)
	}
	if _, err := reg.RecomputeIncidents(context.Background(), []string{inc.ID}); err != nil {
		t.Fatalf("recompute: %v", err)
	}
	if got := ledgerReasons(t, store, "r1")[models.LedgerReasonReportVerified]; got != 15 {
		t.Fatalf("skipped bonus not paid on recompute: %d", got)
	}
	assertReconciled(t, store)
}

func TestRecomputeIncidents(t *testing.T) {
	reg, store, _ := newTestRegistry(t)
	inc := submitIncident(t, reg, "r1", models.UrgencyMedium)
	vote(t, reg, inc.ID, "a", models.VerdictTrue)
	vote(t, reg, inc.ID, "b", models.VerdictFalse)

	for i := 0; i < 2; i++ {
		out, err := reg.RecomputeIncidents(context.Background(), []string{inc.ID, inc.ID})
		if err != nil {
			t.Fatalf("recompute: %v", err)
		}
		if len(out) != 1 || out[0].Changed() || out[0].NewStatus != models.IncidentStatusDisputed {
			t.Fatalf("recompute %d: %+v", i, out)
		}
	}
	events, _ := store.ListEventsByIncident(context.Background(), inc.ID)
	if len(events) != 1 {
		t.Fatalf("no-op recompute emitted events: %d", len(events))
	}

	// Trust is an input: raising a's trust moves the majority.
	seedTrust(t, store, "a", 90)
	out, err := reg.RecomputeIncidents(context.Background(), []string{inc.ID})
	if err != nil {
		t.Fatalf("recompute: %v", err)
	}
	if !out[0].Changed() || out[0].NewStatus != models.IncidentStatusVerified {
		t.Fatalf("expected verified after trust change: %+v", out[0])
	}
	if got := ledgerReasons(t, store, "a")[models.LedgerReasonVerificationAccurate]; got != 5 {
		t.Fatalf("accuracy on recompute: %d", got)
	}

	_, err = reg.RecomputeIncidents(context.Background(), []string{inc.ID, "missing"})
	var nfErr *utils.NotFoundError
	if !errors.As(err, &nfErr) || nfErr.ID != "missing" {
		t.Fatalf("expected NotFoundError for unknown id, got %v", err)
	}
	assertReconciled(t, store)
}

func TestRecomputeStale(t *testing.T) {
	reg, _, clock := newTestRegistry(t)
	old := submitIncident(t, reg, "r1", models.UrgencyLow)
	clock.Advance(3 * time.Hour)
	submitIncident(t, reg, "r2", models.UrgencyLow)

	out, err := reg.RecomputeStale(context.Background(), 2*time.Hour, 10)
	if err != nil {
		t.Fatalf("recompute stale: %v", err)
	}
	if len(out) != 1 || out[0].IncidentID != old.ID {
		t.Fatalf("expected only the old incident, got %+v", out)
	}
}

func TestListIncidents_FiltersAndOrder(t *testing.T) {
	reg, store, clock := newTestRegistry(t)
	seedTrust(t, store, "v1", 90)
	ctx := context.Background()

	mk := func(title, category, location string, urgency models.Urgency) *models.Incident {
		inc, err := reg.SubmitIncident(ctx, models.NewIncidentInput{
			Title:       title,
			Description: title + " details",
			Category:    category,
			Urgency:     urgency,
			Location:    location,
			ReporterID:  "r1",
		})
		if err != nil {
			t.Fatalf("submit: %v", err)
		}
		return inc
	}
	a := mk("Traffic Accident on Main Street", "Traffic", "Main St & 5th Ave", models.UrgencyHigh)
	b := mk("Road Construction Blocking Lane", "Traffic", "Highway 101 North", models.UrgencyMedium)
	clock.Advance(time.Minute)
	c := mk("Gas Leak Smell Reported", "Emergency", "Pine Street Residential", models.UrgencyLow)
	vote(t, reg, a.ID, "v1", models.VerdictTrue)

	ids := func(list []models.Incident) []string {
		out := make([]string, 0, len(list))
		for _, inc := range list {
			out = append(out, inc.ID)
		}
		return out
	}

	tests := []struct {
		name   string
		filter models.IncidentFilter
		want   []string
	}{
		{"all newest first then insertion order", models.IncidentFilter{Status: "all", Category: "all"}, []string{c.ID, a.ID, b.ID}},
		{"status", models.IncidentFilter{Status: "verified"}, []string{a.ID}},
		{"status pending", models.IncidentFilter{Status: "pending"}, []string{c.ID, b.ID}},
		{"category case-insensitive", models.IncidentFilter{Category: "traffic"}, []string{a.ID, b.ID}},
		{"search location", models.IncidentFilter{SearchText: "highway"}, []string{b.ID}},
		{"search description", models.IncidentFilter{SearchText: "LEAK SMELL reported details"}, []string{c.ID}},
		{"and-combined", models.IncidentFilter{Category: "Traffic", Status: "pending", SearchText: "lane"}, []string{b.ID}},
		{"no match", models.IncidentFilter{Category: "Safety"}, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			list, err := reg.ListIncidents(ctx, tt.filter)
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			got := ids(list)
			if fmt.Sprint(got) != fmt.Sprint(tt.want) {
				t.Fatalf("got %v want %v", got, tt.want)
			}
		})
	}

	_, err := reg.ListIncidents(ctx, models.IncidentFilter{Status: "resolved"})
	var vErr *utils.ValidationError
	if !errors.As(err, &vErr) || vErr.Field != "status" {
		t.Fatalf("expected status ValidationError, got %v", err)
	}
}

func TestGetIncidentAndReputation(t *testing.T) {
	reg, store, _ := newTestRegistry(t)
	ctx := context.Background()
	seedTrust(t, store, "v1", 90)
	inc := submitIncident(t, reg, "r1", models.UrgencyHigh)
	vote(t, reg, inc.ID, "v1", models.VerdictTrue)

	got, err := reg.GetIncident(ctx, inc.ID)
	if err != nil || got.Status != models.IncidentStatusVerified || got.VerificationCount != 1 {
		t.Fatalf("get incident: %+v %v", got, err)
	}
	var nfErr *utils.NotFoundError
	if _, err := reg.GetIncident(ctx, "missing"); !errors.As(err, &nfErr) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
	if _, err := reg.ListVerifications(ctx, "missing"); !errors.As(err, &nfErr) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}

	view, err := reg.GetUserReputation(ctx, "v1")
	if err != nil {
		t.Fatalf("reputation: %v", err)
	}
	if view.Points != 15 || view.Level != 1 || view.TrustScore != 90 || view.AccuracyRate.String() != "1" {
		t.Fatalf("voter view: %+v", view)
	}
	reporter, _ := reg.GetUserReputation(ctx, "r1")
	if reporter.Points != 20 || len(reporter.Badges) != 1 || reporter.Badges[0] != models.BadgeFirstReport {
		t.Fatalf("reporter view: %+v", reporter)
	}
	if _, err := reg.GetUserReputation(ctx, "nobody"); !errors.As(err, &nfErr) || nfErr.Resource != "user" {
		t.Fatalf("expected user NotFoundError, got %v", err)
	}
}

func TestRunReconciliationChecks(t *testing.T) {
	reg, store, _ := newTestRegistry(t)
	submitIncident(t, reg, "r1", models.UrgencyLow)
	submitIncident(t, reg, "r2", models.UrgencyLow)
	corruptBalance(t, store, "r2", 7)

	summary, err := reg.RunReconciliationChecks(context.Background())
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if len(summary.Mismatches) != 1 || summary.Mismatches[0].UserID != "r2" || summary.NewlyFrozen != 1 {
		t.Fatalf("summary: %+v", summary)
	}
	if !reputation(t, store, "r2").Frozen || reputation(t, store, "r1").Frozen {
		t.Fatalf("wrong accounts frozen")
	}

	again, err := reg.RunReconciliationChecks(context.Background())
	if err != nil {
		t.Fatalf("reconcile again: %v", err)
	}
	if again.NewlyFrozen != 0 {
		t.Fatalf("already frozen account counted again")
	}
	if n := len(store.ListReconciliationReports()); n != 1 {
		t.Fatalf("expected 1 report, got %d", n)
	}
}
