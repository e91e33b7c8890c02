package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/conorfennell/flowcards/internal/domain"
)

// LogStudy appends the card id to the user's study log for the given
// day. Duplicates within a day are suppressed by membership check, so
// flipping a card repeatedly records it once and order is preserved.
func (db *DB) LogStudy(username string, cardID int64, now time.Time) error {
	date := now.Format("2006-01-02")
	return db.withTx(func(tx *sql.Tx) error {
		var blob string
		err := tx.QueryRow(`SELECT card_ids FROM study_logs WHERE username = ? AND date = ?`,
			username, date).Scan(&blob)
		if err != nil && err != sql.ErrNoRows {
			return fmt.Errorf("failed to load study log for %s: %w", date, err)
		}

		var ids []int64
		if err == nil {
			if err := json.Unmarshal([]byte(blob), &ids); err != nil {
				return fmt.Errorf("failed to decode study log for %s: %w", date, err)
			}
		}
		for _, id := range ids {
			if id == cardID {
				return nil // already logged today
			}
		}
		ids = append(ids, cardID)
		return putStudyLog(tx, domain.StudyLog{Username: username, Date: date, CardIDs: ids})
	})
}

func putStudyLog(tx *sql.Tx, log domain.StudyLog) error {
	ids := log.CardIDs
	if ids == nil {
		ids = []int64{}
	}
	blob, err := json.Marshal(ids)
	if err != nil {
		return fmt.Errorf("failed to encode study log for %s: %w", log.Date, err)
	}
	_, err = tx.Exec(`
		INSERT INTO study_logs (username, date, card_ids) VALUES (?, ?, ?)
		ON CONFLICT(username, date) DO UPDATE SET card_ids = excluded.card_ids
	`, log.Username, log.Date, string(blob))
	if err != nil {
		return fmt.Errorf("failed to save study log for %s: %w", log.Date, err)
	}
	return nil
}

// GetStudyLogs returns the user's study logs, newest date first.
func (db *DB) GetStudyLogs(username string) ([]domain.StudyLog, error) {
	rows, err := db.conn.Query(`SELECT username, date, card_ids FROM study_logs WHERE username = ?`, username)
	if err != nil {
		return nil, fmt.Errorf("failed to get study logs: %w", err)
	}
	defer rows.Close()

	var logs []domain.StudyLog
	for rows.Next() {
		var log domain.StudyLog
		var blob string
		if err := rows.Scan(&log.Username, &log.Date, &blob); err != nil {
			return nil, fmt.Errorf("failed to scan study log row: %w", err)
		}
		if err := json.Unmarshal([]byte(blob), &log.CardIDs); err != nil {
			return nil, fmt.Errorf("failed to decode study log for %s: %w", log.Date, err)
		}
		logs = append(logs, log)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(logs, func(i, j int) bool { return logs[i].Date > logs[j].Date })
	return logs, nil
}

// ReplaceStudyLogs deletes the user's logs and installs the given set.
func (db *DB) ReplaceStudyLogs(username string, logs []domain.StudyLog) error {
	return db.withTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM study_logs WHERE username = ?`, username); err != nil {
			return fmt.Errorf("failed to clear study logs: %w", err)
		}
		for _, log := range logs {
			log.Username = username
			if err := putStudyLog(tx, log); err != nil {
				return err
			}
		}
		return nil
	})
}
