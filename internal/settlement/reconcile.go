package settlement

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"courier/internal/models"
	"courier/internal/provider"
	"courier/pkg/database"
	"courier/pkg/logging"
)

// A report day is considered exhausted this long after it ends; the
// cursor then advances to the next day.
const cursorAdvanceGrace = 5 * time.Minute

const checkColumns = `id, message_id, member_id, tier_id, phone, country, channel,
		       provider_ref, price, status, outcome, created_at, finalized_at`

func scanCheck(row interface{ Scan(...interface{}) error }) (models.MessageCheck, error) {
	var c models.MessageCheck
	err := row.Scan(&c.ID, &c.MessageID, &c.MemberID, &c.TierID, &c.Phone, &c.Country, &c.Channel,
		&c.ProviderRef, &c.Price, &c.Status, &c.Outcome, &c.CreatedAt, &c.FinalizedAt)
	return c, err
}

func (e *Engine) pendingChecks(ctx context.Context, channel, refPredicate string, limit int) ([]models.MessageCheck, error) {
	rows, err := e.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT `+checkColumns+`
		FROM message_checks
		WHERE channel = $1 AND status = 'pending' AND provider_ref %s
		ORDER BY id ASC
		LIMIT $2`, refPredicate), channel, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load pending checks: %w", err)
	}
	defer rows.Close()

	var checks []models.MessageCheck
	for rows.Next() {
		c, err := scanCheck(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan check: %w", err)
		}
		checks = append(checks, c)
	}
	return checks, rows.Err()
}

// InvalidCheckPass refunds checks whose dispatch never produced a
// provider reference: each is finalized as fail with its price forced
// to 0 after the frozen amount is released. This bounds the window
// where a failed dispatch holds member funds.
func (e *Engine) InvalidCheckPass(ctx context.Context, channel string) (int, error) {
	checks, err := e.pendingChecks(ctx, channel, "IS NULL", e.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	for i := range checks {
		if err := e.FinalizeFail(ctx, &checks[i], true); err != nil {
			return i, err
		}
	}
	return len(checks), nil
}

// ConfirmAllPass settles channels whose provider confirms in bulk:
// once the provider reports everything resolved, every pending check
// that was acknowledged at dispatch is finalized as success.
func (e *Engine) ConfirmAllPass(ctx context.Context, channel string) (int, error) {
	p, ok := e.registry.Get(channel)
	if !ok {
		return 0, fmt.Errorf("no provider for channel %s", channel)
	}
	confirmer, ok := p.(provider.BulkConfirmer)
	if !ok {
		return 0, fmt.Errorf("channel %s does not confirm in bulk", channel)
	}

	resolved, err := confirmer.AllResolved(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to poll bulk confirmation: %w", err)
	}
	if !resolved {
		return 0, nil
	}

	checks, err := e.pendingChecks(ctx, channel, "IS NOT NULL", e.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	for i := range checks {
		if err := e.FinalizeSuccess(ctx, &checks[i]); err != nil {
			return i, err
		}
	}
	return len(checks), nil
}

// StatusReportPass polls one page of a channel's delivery report feed
// and settles the checks the reports match. Reports that match no
// pending check land in the dead-letter table exactly once. The
// per-channel cursor tracks the page position and advances to the next
// day once the current day is exhausted.
func (e *Engine) StatusReportPass(ctx context.Context, channel string) (int, error) {
	p, ok := e.registry.Get(channel)
	if !ok {
		return 0, fmt.Errorf("no provider for channel %s", channel)
	}
	reporter, ok := p.(provider.StatusReporter)
	if !ok {
		return 0, fmt.Errorf("channel %s has no report feed", channel)
	}

	cursor, err := e.loadCursor(ctx, channel)
	if err != nil {
		return 0, err
	}

	page := cursor.Consumed/cursor.PageSize + 1
	reports, err := reporter.FetchReports(ctx, cursor.CursorDate, page, cursor.PageSize)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch reports: %w", err)
	}

	// The feed is paginated from the page start, so a partially
	// consumed page comes back with rows the previous tick already
	// applied. Those must be skipped, not applied twice.
	skip := cursor.Consumed % cursor.PageSize
	if len(reports) <= skip {
		return 0, e.maybeAdvanceCursor(ctx, cursor)
	}
	fresh := reports[skip:]

	for i, report := range fresh {
		pos := (page-1)*cursor.PageSize + skip + i
		if err := e.applyReport(ctx, channel, cursor.CursorDate, pos, report); err != nil {
			return 0, err
		}
	}

	_, err = e.db.ExecContext(ctx, `
		UPDATE reconcile_cursors SET consumed = consumed + $2, updated_at = now() WHERE channel = $1`,
		channel, len(fresh))
	if err != nil {
		return 0, fmt.Errorf("failed to advance report cursor: %w", err)
	}
	return len(fresh), nil
}

func (e *Engine) applyReport(ctx context.Context, channel string, date time.Time, pos int, report provider.Report) error {
	// Match on phone plus the stored ref containing the reported id;
	// some gateways return truncated or composite ids.
	check, err := scanCheck(e.db.QueryRowContext(ctx, `
		SELECT `+checkColumns+`
		FROM message_checks
		WHERE channel = $1 AND phone = $2 AND status = 'pending'
		  AND provider_ref IS NOT NULL AND provider_ref LIKE '%' || $3 || '%'
		ORDER BY id ASC
		LIMIT 1`, channel, report.Phone, report.Ref))
	if err == database.ErrNoRows {
		return e.deadLetter(ctx, channel, date, pos, report)
	}
	if err != nil {
		return fmt.Errorf("failed to match report: %w", err)
	}

	if report.Status == provider.StatusDelivered {
		return e.FinalizeSuccess(ctx, &check)
	}
	return e.FinalizeFail(ctx, &check, false)
}

// deadLetter persists an unmatched report keyed by its position in the
// day's feed, so two distinct unmatched reports never collapse into
// one row while a re-read of the same position stays idempotent.
func (e *Engine) deadLetter(ctx context.Context, channel string, date time.Time, pos int, report provider.Report) error {
	seq := strconv.Itoa(pos)
	_, err := e.db.ExecContext(ctx, `
		INSERT INTO dead_letters (channel, seq, report_date, phone, report)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (channel, seq, report_date) DO NOTHING`,
		channel, seq, date, report.Phone, report.Raw)
	if err != nil {
		return fmt.Errorf("failed to record dead letter: %w", err)
	}
	e.logger.WithFields(logging.Fields{
		"channel": channel,
		"seq":     seq,
		"phone":   report.Phone,
	}).Warn("Delivery report matched no pending check")
	return nil
}

func (e *Engine) loadCursor(ctx context.Context, channel string) (*models.ReconcileCursor, error) {
	_, err := e.db.ExecContext(ctx, `
		INSERT INTO reconcile_cursors (channel, page_size, consumed, cursor_date)
		VALUES ($1, $2, 0, CURRENT_DATE)
		ON CONFLICT (channel) DO NOTHING`, channel, e.cfg.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to seed report cursor: %w", err)
	}

	var cursor models.ReconcileCursor
	err = e.db.QueryRowContext(ctx, `
		SELECT channel, page_size, consumed, cursor_date, updated_at
		FROM reconcile_cursors WHERE channel = $1`, channel).
		Scan(&cursor.Channel, &cursor.PageSize, &cursor.Consumed, &cursor.CursorDate, &cursor.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to load report cursor: %w", err)
	}
	if cursor.PageSize <= 0 {
		cursor.PageSize = e.cfg.BatchSize
	}
	return &cursor, nil
}

// maybeAdvanceCursor moves the cursor to the next day once the current
// day plus a grace period has fully elapsed, so late reports for the
// day still get one more look.
func (e *Engine) maybeAdvanceCursor(ctx context.Context, cursor *models.ReconcileCursor) error {
	dayEnd := cursor.CursorDate.Add(24*time.Hour + cursorAdvanceGrace)
	if time.Now().Before(dayEnd) {
		return nil
	}

	_, err := e.db.ExecContext(ctx, `
		UPDATE reconcile_cursors
		SET cursor_date = cursor_date + INTERVAL '1 day', consumed = 0, updated_at = now()
		WHERE channel = $1 AND cursor_date = $2`,
		cursor.Channel, cursor.CursorDate)
	if err != nil {
		return fmt.Errorf("failed to advance cursor date: %w", err)
	}
	return nil
}
