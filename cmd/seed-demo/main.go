// seed-demo loads the demo incidents shown in the web app and drives them to
// their demo statuses through the normal vote pipeline, so ledger entries and
// status events are real. It prints a bearer token per demo user.
//
// Usage (from backend directory):
//
//	DB_USER=... DB_PASSWORD=... DB_HOST=... DB_PORT=... DB_NAME=... go run ./cmd/seed-demo
package main

import (
	"context"
	"fmt"
	"os"

	"bitbucket.org/mmdatafocus/verify_backend/config"
	"bitbucket.org/mmdatafocus/verify_backend/models"
	"bitbucket.org/mmdatafocus/verify_backend/utils"
	"bitbucket.org/mmdatafocus/verify_backend/workflow"
)

type demoIncident struct {
	in    models.NewIncidentInput
	votes map[string]models.Verdict
}

var demoVoters = []string{"demo-voter-1", "demo-voter-2", "demo-voter-3"}

func unanimous(v models.Verdict) map[string]models.Verdict {
	out := map[string]models.Verdict{}
	for _, id := range demoVoters {
		out[id] = v
	}
	return out
}

var demoIncidents = []demoIncident{
	{
		in: models.NewIncidentInput{
			Title:       "Traffic Accident on Main Street",
			Description: "Multi-vehicle collision blocking two lanes near the shopping center intersection.",
			Category:    "Traffic",
			Urgency:     models.UrgencyHigh,
			Location:    "Main St & 5th Ave",
			ReporterID:  "sarah-m",
		},
		votes: unanimous(models.VerdictTrue),
	},
	{
		in: models.NewIncidentInput{
			Title:       "Power Outage in Downtown Area",
			Description: "Electricity out for several blocks, traffic lights not working.",
			Category:    "Infrastructure",
			Urgency:     models.UrgencyMedium,
			Location:    "Downtown District",
			ReporterID:  "mike-r",
		},
		votes: unanimous(models.VerdictTrue),
	},
	{
		in: models.NewIncidentInput{
			Title:       "Suspicious Activity at Park",
			Description: "Unconfirmed reports of suspicious individuals near playground area.",
			Category:    "Safety",
			Urgency:     models.UrgencyMedium,
			Location:    "Central Park",
			ReporterID:  "anonymous",
		},
		votes: map[string]models.Verdict{"demo-voter-1": models.VerdictTrue, "demo-voter-2": models.VerdictFalse},
	},
	{
		in: models.NewIncidentInput{
			Title:       "Water Main Break Reported",
			Description: "Large water leak flooding Oak Street near residential area.",
			Category:    "Infrastructure",
			Urgency:     models.UrgencyHigh,
			Location:    "Oak St",
			ReporterID:  "tom-k",
		},
		votes: unanimous(models.VerdictTrue),
	},
	{
		in: models.NewIncidentInput{
			Title:       "False Fire Alarm at School",
			Description: "Fire department confirms false alarm, building evacuated unnecessarily.",
			Category:    "Emergency",
			Urgency:     models.UrgencyLow,
			Location:    "Lincoln Elementary",
			ReporterID:  "jennifer-l",
		},
		votes: unanimous(models.VerdictFalse),
	},
	// Awaiting verification.
	{in: models.NewIncidentInput{
		Title:       "Road Construction Blocking Lane",
		Description: "Unexpected road work has started on Highway 101, causing significant delays during rush hour.",
		Category:    "Traffic",
		Urgency:     models.UrgencyMedium,
		Location:    "Highway 101 North",
		ReporterID:  "alex-k",
	}},
	{in: models.NewIncidentInput{
		Title:       "Gas Leak Smell Reported",
		Description: "Strong gas odor reported in residential area. Emergency services may be en route.",
		Category:    "Emergency",
		Urgency:     models.UrgencyHigh,
		Location:    "Pine Street Residential",
		ReporterID:  "maria-s",
	}},
	{in: models.NewIncidentInput{
		Title:       "Local Store Offering Free Services",
		Description: "Coffee shop reportedly giving away free drinks to celebrate anniversary.",
		Category:    "Other",
		Urgency:     models.UrgencyLow,
		Location:    "Main Street Coffee Co.",
		ReporterID:  "john-d",
	}},
}

func main() {
	ctx := utils.SetCorrelationIdInContext(context.Background(), "seed-demo")
	if err := config.ConnectDatabaseWithRetry(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "database not initialized: %v\n", err)
		os.Exit(1)
	}
	db := config.GetDB()
	if err := models.MigrateTable(db); err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		os.Exit(1)
	}
	settings := config.LoadEngineSettings()
	registry := workflow.NewRegistry(models.NewGormStore(db), &workflow.MySQLIncidentLocker{DB: db, Wait: settings.LockWait}, settings, config.GetLogger())

	users := map[string]string{"demo-admin": utils.RoleAdmin}
	for _, d := range demoIncidents {
		inc, err := registry.SubmitIncident(ctx, d.in)
		if err != nil {
			fmt.Fprintf(os.Stderr, "submit %q: %v\n", d.in.Title, err)
			os.Exit(1)
		}
		users[d.in.ReporterID] = utils.RoleMember
		status := inc.Status
		// Voters in a fixed order so the run is reproducible.
		for _, voter := range demoVoters {
			verdict, ok := d.votes[voter]
			if !ok {
				continue
			}
			res, err := registry.SubmitVerification(ctx, models.NewVerificationInput{
				IncidentID: inc.ID,
				VoterID:    voter,
				Verdict:    verdict,
			})
			if err != nil {
				fmt.Fprintf(os.Stderr, "vote %s on %q: %v\n", voter, d.in.Title, err)
				os.Exit(1)
			}
			users[voter] = utils.RoleMember
			status = res.Status
		}
		fmt.Printf("incident=%s status=%s title=%q\n", inc.ID, status, d.in.Title)
	}

	for userID, role := range users {
		token, err := utils.JwtGenerate(userID, role)
		if err != nil {
			fmt.Fprintf(os.Stderr, "token for %s: %v\n", userID, err)
			os.Exit(1)
		}
		fmt.Printf("user=%s role=%s token=%s\n", userID, role, token)
	}
}
