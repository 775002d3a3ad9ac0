package settlement

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"courier/internal/ledger"
	"courier/internal/models"
	"courier/internal/pricing"
	"courier/internal/provider"
	"courier/pkg/database"
	"courier/pkg/logging"
)

// ErrBalanceNotEnough aborts a send whose freeze failed: the member
// cannot cover the quoted price. Nothing is dispatched and no check is
// created.
var ErrBalanceNotEnough = errors.New("balance not enough")

// SendDirect handles a synchronous single-recipient (verification)
// send. The freeze, the message row and a null-ref pending check are
// committed in one transaction before anything leaves the building, so
// a frozen amount always has a check the invalid-check pass can refund.
// The provider ref is attached after dispatch.
func (e *Engine) SendDirect(ctx context.Context, memberID, phone, body, explicitChannel string) (*models.MessageCheck, error) {
	country, err := e.normalizer.Country(phone)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve country for recipient: %w", err)
	}

	quote, err := pricing.ResolveQuote(ctx, e.db, memberID, country, models.ServiceVerify, explicitChannel)
	if err != nil {
		return nil, err
	}

	messageID := uuid.New().String()
	var check *models.MessageCheck
	err = database.WithTx(ctx, e.db, func(tx *sql.Tx) error {
		if err := ledger.Freeze(ctx, tx, memberID, quote.UnitPrice, models.ReasonConsume,
			models.Detail{"message_id": messageID, "phone": phone}); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO messages (id, member_id, recipients, body, service_type, status, processed_at)
			VALUES ($1, $2, $3, $4, $5, 'finished', now())`,
			messageID, memberID, pq.Array([]string{phone}), body, models.ServiceVerify); err != nil {
			return fmt.Errorf("failed to create message: %w", err)
		}
		c, err := e.insertCheck(ctx, tx, messageID, memberID, quote, phone, country)
		check = c
		return err
	})
	if errors.Is(err, ledger.ErrInsufficientFunds) {
		e.countSend("rejected")
		return nil, ErrBalanceNotEnough
	}
	if err != nil {
		return nil, err
	}

	if ref := e.dispatchOne(ctx, quote.Channel, phone, body); ref != "" {
		e.attachProviderRef(ctx, check, ref)
	}

	e.countSend("dispatched")
	return check, nil
}

func (e *Engine) dispatchOne(ctx context.Context, channel, phone, body string) string {
	p, ok := e.registry.Get(channel)
	if !ok {
		e.logger.WithField("channel", channel).Error("No provider registered for channel")
		return ""
	}

	results, err := p.Send(ctx, []string{phone}, body)
	if err != nil {
		e.logger.WithFields(logging.Fields{
			"channel": channel,
			"error":   err,
		}).Warn("Dispatch failed, check will carry a null ref")
		return ""
	}
	for _, res := range results {
		if res.Phone == phone {
			return res.Ref
		}
	}
	return ""
}

// insertCheck writes a pending check with a null provider ref; the ref
// only appears once a dispatch is acknowledged.
func (e *Engine) insertCheck(ctx context.Context, db database.DBTX, messageID, memberID string, quote *pricing.Quote, phone, country string) (*models.MessageCheck, error) {
	check := &models.MessageCheck{
		ID:        uuid.New().String(),
		MessageID: messageID,
		MemberID:  memberID,
		TierID:    quote.Tier.ID,
		Phone:     phone,
		Country:   country,
		Channel:   quote.Channel,
		Price:     quote.UnitPrice,
		Status:    models.StatusPending,
	}

	_, err := db.ExecContext(ctx, `
		INSERT INTO message_checks (id, message_id, member_id, tier_id, phone, country, channel, price, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'pending')`,
		check.ID, check.MessageID, check.MemberID, check.TierID, check.Phone, check.Country, check.Channel,
		check.Price)
	if err != nil {
		return nil, fmt.Errorf("failed to create message check: %w", err)
	}
	return check, nil
}

// attachProviderRef records a dispatch acknowledgement on the check. A
// failure here leaves the ref null, so the invalid-check pass refunds
// the member rather than charging for a ref that was never stored.
func (e *Engine) attachProviderRef(ctx context.Context, check *models.MessageCheck, ref string) {
	_, err := e.db.ExecContext(ctx, `
		UPDATE message_checks SET provider_ref = $2 WHERE id = $1`, check.ID, ref)
	if err != nil {
		e.logger.WithFields(logging.Fields{
			"check_id": check.ID,
			"error":    err,
		}).Warn("Failed to store provider ref, check will be refunded")
		return
	}
	check.ProviderRef = sql.NullString{String: ref, Valid: true}
}

// EnqueueBulk records a bulk send for asynchronous fan-out.
func (e *Engine) EnqueueBulk(ctx context.Context, memberID, appID string, recipients []string, body string) (string, error) {
	messageID := uuid.New().String()
	var app interface{}
	if appID != "" {
		app = appID
	}
	_, err := e.db.ExecContext(ctx, `
		INSERT INTO messages (id, member_id, app_id, recipients, body, service_type, status)
		VALUES ($1, $2, $3, $4, $5, $6, 'pending')`,
		messageID, memberID, app, pq.Array(recipients), body, models.ServiceBulk)
	if err != nil {
		return "", fmt.Errorf("failed to enqueue bulk message: %w", err)
	}
	return messageID, nil
}

// ProcessOldestIntent fans out the oldest pending bulk message: each
// recipient gets its freeze and pending check committed together, then
// every channel's recipients are dispatched in one chunked call and
// their refs attached. Recipients with no route or insufficient funds
// are skipped, not retried. A retried message skips recipients that
// already carry a check, so nobody is frozen or dispatched twice.
// Returns false when the queue is empty.
func (e *Engine) ProcessOldestIntent(ctx context.Context) (bool, error) {
	var msg models.Message
	var recipients pq.StringArray
	err := e.db.QueryRowContext(ctx, `
		SELECT id, member_id, recipients, body, service_type
		FROM messages
		WHERE status = 'pending'
		ORDER BY created_at ASC, id ASC
		LIMIT 1`).
		Scan(&msg.ID, &msg.MemberID, &recipients, &msg.Body, &msg.ServiceType)
	if err == database.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to load pending message: %w", err)
	}
	msg.Recipients = recipients

	countryByPhone := make(map[string]string, len(msg.Recipients))
	countrySet := make(map[string]bool)
	for _, phone := range msg.Recipients {
		country, err := e.normalizer.Country(phone)
		if err != nil {
			e.logger.WithFields(logging.Fields{
				"message_id": msg.ID,
				"error":      err,
			}).Warn("Skipping recipient with unresolvable country")
			continue
		}
		countryByPhone[phone] = country
		countrySet[country] = true
	}

	countries := make([]string, 0, len(countrySet))
	for c := range countrySet {
		countries = append(countries, c)
	}
	quotes, err := pricing.ResolveQuoteMany(ctx, e.db, msg.MemberID, countries, msg.ServiceType)
	if err != nil {
		return false, err
	}

	byChannel := make(map[string][]*models.MessageCheck)
	for _, phone := range msg.Recipients {
		country, ok := countryByPhone[phone]
		if !ok {
			continue
		}
		quote, ok := quotes[country]
		if !ok {
			continue // no route, excluded from the batch
		}

		// A recipient that already has a check was frozen on an earlier
		// run of this message; it is either in flight or will be
		// refunded by the invalid-check pass.
		var existingID string
		err := e.db.QueryRowContext(ctx, `
			SELECT id FROM message_checks WHERE message_id = $1 AND phone = $2`,
			msg.ID, phone).Scan(&existingID)
		if err == nil {
			continue
		}
		if err != database.ErrNoRows {
			return false, fmt.Errorf("failed to look up existing check: %w", err)
		}

		var check *models.MessageCheck
		err = database.WithTx(ctx, e.db, func(tx *sql.Tx) error {
			if err := ledger.Freeze(ctx, tx, msg.MemberID, quote.UnitPrice, models.ReasonConsume,
				models.Detail{"message_id": msg.ID, "phone": phone}); err != nil {
				return err
			}
			c, err := e.insertCheck(ctx, tx, msg.ID, msg.MemberID, quote, phone, country)
			check = c
			return err
		})
		if errors.Is(err, ledger.ErrInsufficientFunds) {
			e.countSend("rejected")
			continue
		}
		if err != nil {
			return false, err
		}
		byChannel[quote.Channel] = append(byChannel[quote.Channel], check)
	}

	for channel, checks := range byChannel {
		phones := make([]string, len(checks))
		for i, c := range checks {
			phones[i] = c.Phone
		}

		refs := make(map[string]string, len(checks))
		if p, ok := e.registry.Get(channel); ok {
			results, err := provider.SendChunked(ctx, p, phones, msg.Body, e.cfg.ChunkSize)
			if err != nil {
				e.logger.WithFields(logging.Fields{
					"message_id": msg.ID,
					"channel":    channel,
					"error":      err,
				}).Warn("Bulk dispatch partially failed, unacked checks will carry null refs")
			}
			for _, res := range results {
				refs[res.Phone] = res.Ref
			}
		} else {
			e.logger.WithField("channel", channel).Error("No provider registered for channel")
		}

		for _, check := range checks {
			if ref := refs[check.Phone]; ref != "" {
				e.attachProviderRef(ctx, check, ref)
			}
			e.countSend("dispatched")
		}
	}

	_, err = e.db.ExecContext(ctx, `
		UPDATE messages SET status = 'finished', processed_at = now() WHERE id = $1`, msg.ID)
	if err != nil {
		return false, fmt.Errorf("failed to finish message: %w", err)
	}
	return true, nil
}
