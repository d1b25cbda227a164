// Package report writes per-account triage reports as xlsx workbooks:
// a status summary sheet and the recent audit trail.
package report

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"inboxpilot/internal/database"
	"inboxpilot/internal/models"

	"github.com/rs/zerolog"
	"github.com/xuri/excelize/v2"
)

const recentEventLimit = 200

type Exporter struct {
	db     *database.DB
	dir    string
	logger zerolog.Logger
}

func NewExporter(db *database.DB, dir string, logger zerolog.Logger) *Exporter {
	if dir == "" {
		dir = "exports"
	}
	return &Exporter{db: db, dir: dir, logger: logger}
}

// Export writes the workbook for one account and returns its path.
func (e *Exporter) Export(ctx context.Context, accountID int64) (string, error) {
	account, err := e.db.GetAccount(ctx, accountID)
	if err != nil {
		return "", err
	}
	if account == nil {
		return "", fmt.Errorf("export report: account %d not found", accountID)
	}

	counts, err := e.db.CountConversationsByStatus(ctx, accountID)
	if err != nil {
		return "", err
	}
	recent, err := e.db.GetRecentEvents(ctx, accountID, recentEventLimit)
	if err != nil {
		return "", err
	}

	f := excelize.NewFile()
	defer f.Close()

	if err := e.writeSummary(f, account.Email, counts); err != nil {
		return "", err
	}
	if err := e.writeEvents(f, recent); err != nil {
		return "", err
	}

	if err := os.MkdirAll(e.dir, 0o755); err != nil {
		return "", fmt.Errorf("create export dir: %w", err)
	}
	name := fmt.Sprintf("triage-%s-%s.xlsx",
		sanitizeFilename(account.Email), time.Now().UTC().Format("2006-01-02"))
	path := filepath.Join(e.dir, name)
	if err := f.SaveAs(path); err != nil {
		return "", fmt.Errorf("save report: %w", err)
	}

	e.logger.Info().Int64("account_id", accountID).Str("path", path).Msg("report written")
	return path, nil
}

func (e *Exporter) writeSummary(f *excelize.File, email string, counts map[string]int) error {
	const sheet = "Summary"
	if err := f.SetSheetName("Sheet1", sheet); err != nil {
		return err
	}

	rows := [][]any{
		{"Account", email},
		{"Generated", time.Now().UTC().Format(time.RFC3339)},
		{},
		{"Status", "Conversations"},
	}
	total := 0
	for _, status := range []string{
		models.ConversationPending, models.ConversationDrafted, models.ConversationSent,
		models.ConversationArchived, models.ConversationSkipped,
	} {
		rows = append(rows, []any{status, counts[status]})
		total += counts[status]
	}
	rows = append(rows, []any{"total", total})

	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return err
		}
	}
	return nil
}

func (e *Exporter) writeEvents(f *excelize.File, events []models.Event) error {
	const sheet = "Recent Events"
	if _, err := f.NewSheet(sheet); err != nil {
		return err
	}

	header := []any{"Time", "Thread", "Event", "Detail", "Draft"}
	if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
		return err
	}
	for i, ev := range events {
		row := []any{
			ev.CreatedAt.UTC().Format(time.RFC3339),
			ev.ThreadID,
			ev.EventType,
			ev.Detail,
			ev.DraftID,
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return err
		}
	}
	return nil
}

func sanitizeFilename(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-':
			return r
		}
		return '_'
	}, s)
}
