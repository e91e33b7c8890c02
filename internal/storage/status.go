package storage

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/conorfennell/flowcards/internal/domain"
	"github.com/conorfennell/flowcards/internal/scheduler"
)

// ScheduleReview grades a card. The interval is applied by the scheduler
// transition table; the resulting status row is written in place.
func (db *DB) ScheduleReview(username string, deckID, cardID int64, intervalDays int, now time.Time) error {
	status := domain.CardStatus{
		Username: username,
		DeckID:   deckID,
		CardID:   cardID,
	}
	status = scheduler.Apply(status, intervalDays, now)
	if err := db.putStatus(status); err != nil {
		return fmt.Errorf("failed to schedule review for card %d: %w", cardID, err)
	}
	return nil
}

// MarkCardAsRead records that the user has flipped a card. Idempotent:
// an existing status row keeps its status tag and schedule; otherwise a
// fresh new/unscheduled row is written.
func (db *DB) MarkCardAsRead(username string, deckID, cardID int64) error {
	existing, err := db.GetCardStatus(username, deckID, cardID)
	if err != nil {
		return err
	}
	status := domain.CardStatus{
		Username: username,
		DeckID:   deckID,
		CardID:   cardID,
		Status:   domain.StatusNew,
	}
	if existing != nil {
		status.Status = existing.Status
		status.NextReviewAt = existing.NextReviewAt
	}
	if err := db.putStatus(status); err != nil {
		return fmt.Errorf("failed to mark card %d as read: %w", cardID, err)
	}
	return nil
}

func (db *DB) putStatus(s domain.CardStatus) error {
	var next any
	if s.NextReviewAt != nil {
		next = *s.NextReviewAt
	}
	_, err := db.conn.Exec(`
		INSERT INTO card_status (username, deck_id, card_id, status, next_review_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(username, deck_id, card_id)
		DO UPDATE SET status = excluded.status, next_review_at = excluded.next_review_at
	`, s.Username, s.DeckID, s.CardID, s.Status, next)
	return err
}

// GetCardStatus returns one status row, or nil if none exists.
func (db *DB) GetCardStatus(username string, deckID, cardID int64) (*domain.CardStatus, error) {
	row := db.conn.QueryRow(`
		SELECT username, deck_id, card_id, status, next_review_at
		FROM card_status WHERE username = ? AND deck_id = ? AND card_id = ?
	`, username, deckID, cardID)
	status, err := scanStatus(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get status for card %d: %w", cardID, err)
	}
	return &status, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStatus(row rowScanner) (domain.CardStatus, error) {
	var s domain.CardStatus
	var next sql.NullInt64
	if err := row.Scan(&s.Username, &s.DeckID, &s.CardID, &s.Status, &next); err != nil {
		return s, err
	}
	if next.Valid {
		v := next.Int64
		s.NextReviewAt = &v
	}
	return s, nil
}

// GetAllCardStatuses returns every status row the user owns.
func (db *DB) GetAllCardStatuses(username string) ([]domain.CardStatus, error) {
	rows, err := db.conn.Query(`
		SELECT username, deck_id, card_id, status, next_review_at
		FROM card_status WHERE username = ?
	`, username)
	if err != nil {
		return nil, fmt.Errorf("failed to get card statuses: %w", err)
	}
	defer rows.Close()

	var statuses []domain.CardStatus
	for rows.Next() {
		s, err := scanStatus(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan status row: %w", err)
		}
		statuses = append(statuses, s)
	}
	return statuses, rows.Err()
}

// GetCardStatusesForDeck returns cardID→status for one deck, used to
// render per-card progress badges.
func (db *DB) GetCardStatusesForDeck(username string, deckID int64) (map[int64]domain.CardStatus, error) {
	rows, err := db.conn.Query(`
		SELECT username, deck_id, card_id, status, next_review_at
		FROM card_status WHERE username = ? AND deck_id = ?
	`, username, deckID)
	if err != nil {
		return nil, fmt.Errorf("failed to get statuses for deck %d: %w", deckID, err)
	}
	defer rows.Close()

	statuses := make(map[int64]domain.CardStatus)
	for rows.Next() {
		s, err := scanStatus(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan status row: %w", err)
		}
		statuses[s.CardID] = s
	}
	return statuses, rows.Err()
}

// GetDueCards scans the user's statuses for past-or-present review
// timestamps and resolves them against the supplied deck list. Rows
// referencing a deck or card no longer present are silently skipped.
func (db *DB) GetDueCards(username string, decks []domain.Deck, now time.Time) ([]scheduler.DueCard, error) {
	statuses, err := db.GetAllCardStatuses(username)
	if err != nil {
		return nil, err
	}
	return scheduler.DueCards(statuses, decks, now), nil
}

// ReplaceCardStatuses deletes the user's status rows and installs the
// given set. Used by import.
func (db *DB) ReplaceCardStatuses(username string, statuses []domain.CardStatus) error {
	return db.withTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM card_status WHERE username = ?`, username); err != nil {
			return fmt.Errorf("failed to clear card statuses: %w", err)
		}
		for _, s := range statuses {
			var next any
			if s.NextReviewAt != nil {
				next = *s.NextReviewAt
			}
			if _, err := tx.Exec(`
				INSERT INTO card_status (username, deck_id, card_id, status, next_review_at)
				VALUES (?, ?, ?, ?, ?)
				ON CONFLICT(username, deck_id, card_id)
				DO UPDATE SET status = excluded.status, next_review_at = excluded.next_review_at
			`, username, s.DeckID, s.CardID, s.Status, next); err != nil {
				return fmt.Errorf("failed to insert status for card %d: %w", s.CardID, err)
			}
		}
		return nil
	})
}
