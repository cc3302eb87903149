package reports

import (
	"fmt"
	"io"

	"bitbucket.org/mmdatafocus/verify_backend/models"
	"github.com/xuri/excelize/v2"
)

const ledgerSheet = "Ledger"

// WriteLedgerStatement renders a user's points ledger as an .xlsx workbook:
// a summary block followed by one row per entry with a running balance.
func WriteLedgerStatement(w io.Writer, view *models.ReputationView, entries []models.PointsLedgerEntry) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", ledgerSheet); err != nil {
		return err
	}

	summary := [][]interface{}{
		{"User", view.UserID},
		{"Points", view.Points},
		{"Lifetime points", view.LifetimePoints},
		{"Level", view.Level},
		{"Trust score", view.TrustScore},
		{"Accuracy rate", view.AccuracyRate.StringFixed(4)},
		{"Frozen", view.Frozen},
	}
	for i, row := range summary {
		if err := f.SetSheetRow(ledgerSheet, fmt.Sprintf("A%d", i+1), &row); err != nil {
			return err
		}
	}

	headerRow := len(summary) + 2
	headers := []interface{}{"Date", "Reason", "Incident", "Reference", "Amount", "Balance"}
	if err := f.SetSheetRow(ledgerSheet, fmt.Sprintf("A%d", headerRow), &headers); err != nil {
		return err
	}
	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return err
	}
	if err := f.SetRowStyle(ledgerSheet, headerRow, headerRow, bold); err != nil {
		return err
	}

	var running int64
	for i, e := range entries {
		running += e.Amount
		row := []interface{}{
			e.CreatedAt.UTC().Format("2006-01-02 15:04:05"),
			string(e.Reason),
			e.IncidentID,
			e.Reference,
			e.Amount,
			running,
		}
		if err := f.SetSheetRow(ledgerSheet, fmt.Sprintf("A%d", headerRow+1+i), &row); err != nil {
			return err
		}
	}
	if err := f.SetColWidth(ledgerSheet, "A", "D", 24); err != nil {
		return err
	}

	_, err = f.WriteTo(w)
	return err
}
