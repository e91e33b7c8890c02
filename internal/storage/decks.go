package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/conorfennell/flowcards/internal/domain"
)

// SaveDecks upserts the given decks for the user. Synthetic decks
// (review aggregate, preview) are rejected: they must never be persisted.
// Saving clears any tombstone for the deck and its cards, so an entity
// re-created under its old id is not deleted again by a later merge.
func (db *DB) SaveDecks(username string, decks []domain.Deck) error {
	return db.withTx(func(tx *sql.Tx) error {
		for _, deck := range decks {
			if deck.Synthetic() {
				return fmt.Errorf("refusing to persist synthetic deck %d", deck.ID)
			}
			if err := putDeck(tx, username, deck); err != nil {
				return err
			}
			if err := clearTombstone(tx, username, domain.DeletedDeck, fmt.Sprint(deck.ID)); err != nil {
				return err
			}
			for _, c := range deck.Cards {
				if err := clearTombstone(tx, username, domain.DeletedCard, fmt.Sprint(c.ID)); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func putDeck(tx *sql.Tx, username string, deck domain.Deck) error {
	cards := deck.Cards
	if cards == nil {
		cards = []domain.Card{}
	}
	blob, err := json.Marshal(cards)
	if err != nil {
		return fmt.Errorf("failed to encode cards for deck %d: %w", deck.ID, err)
	}
	_, err = tx.Exec(`
		INSERT INTO decks (username, id, name, cards) VALUES (?, ?, ?, ?)
		ON CONFLICT(username, id) DO UPDATE SET name = excluded.name, cards = excluded.cards
	`, username, deck.ID, deck.Name, string(blob))
	if err != nil {
		return fmt.Errorf("failed to save deck %d: %w", deck.ID, err)
	}
	return nil
}

// LoadDecks returns all decks owned by the user.
func (db *DB) LoadDecks(username string) ([]domain.Deck, error) {
	rows, err := db.conn.Query(`SELECT id, name, cards FROM decks WHERE username = ?`, username)
	if err != nil {
		return nil, fmt.Errorf("failed to load decks: %w", err)
	}
	defer rows.Close()

	var decks []domain.Deck
	for rows.Next() {
		var deck domain.Deck
		var blob string
		if err := rows.Scan(&deck.ID, &deck.Name, &blob); err != nil {
			return nil, fmt.Errorf("failed to scan deck row: %w", err)
		}
		if err := json.Unmarshal([]byte(blob), &deck.Cards); err != nil {
			return nil, fmt.Errorf("failed to decode cards for deck %d: %w", deck.ID, err)
		}
		decks = append(decks, deck)
	}
	return decks, rows.Err()
}

// LoadDeck returns one deck, or nil if it does not exist.
func (db *DB) LoadDeck(username string, deckID int64) (*domain.Deck, error) {
	var deck domain.Deck
	var blob string
	err := db.conn.QueryRow(`SELECT id, name, cards FROM decks WHERE username = ? AND id = ?`,
		username, deckID).Scan(&deck.ID, &deck.Name, &blob)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load deck %d: %w", deckID, err)
	}
	if err := json.Unmarshal([]byte(blob), &deck.Cards); err != nil {
		return nil, fmt.Errorf("failed to decode cards for deck %d: %w", deckID, err)
	}
	return &deck, nil
}

// AddCard appends a card to an existing deck. A card with the same id
// is replaced in place.
func (db *DB) AddCard(username string, deckID int64, card domain.Card) error {
	return db.withTx(func(tx *sql.Tx) error {
		var name, blob string
		err := tx.QueryRow(`SELECT name, cards FROM decks WHERE username = ? AND id = ?`,
			username, deckID).Scan(&name, &blob)
		if err == sql.ErrNoRows {
			return fmt.Errorf("deck %d does not exist", deckID)
		}
		if err != nil {
			return fmt.Errorf("failed to load deck %d: %w", deckID, err)
		}
		var cards []domain.Card
		if err := json.Unmarshal([]byte(blob), &cards); err != nil {
			return fmt.Errorf("failed to decode cards for deck %d: %w", deckID, err)
		}
		card.DeckID = deckID
		replaced := false
		for i := range cards {
			if cards[i].ID == card.ID {
				cards[i] = card
				replaced = true
				break
			}
		}
		if !replaced {
			cards = append(cards, card)
		}
		if err := clearTombstone(tx, username, domain.DeletedCard, fmt.Sprint(card.ID)); err != nil {
			return err
		}
		return putDeck(tx, username, domain.Deck{ID: deckID, Name: name, Cards: cards})
	})
}

// DeleteDeck removes the deck, every card status referencing it, and
// writes exactly one deck tombstone. The cascade is one transaction.
func (db *DB) DeleteDeck(username string, deckID int64, now time.Time) error {
	return db.withTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM decks WHERE username = ? AND id = ?`, username, deckID); err != nil {
			return fmt.Errorf("failed to delete deck %d: %w", deckID, err)
		}
		if _, err := tx.Exec(`DELETE FROM card_status WHERE username = ? AND deck_id = ?`, username, deckID); err != nil {
			return fmt.Errorf("failed to delete statuses for deck %d: %w", deckID, err)
		}
		return putTombstone(tx, username, domain.DeletedDeck, fmt.Sprint(deckID), now)
	})
}

// DeleteCard removes one card from its deck's card collection, deletes
// its status row, and writes one card tombstone, atomically.
func (db *DB) DeleteCard(username string, deckID, cardID int64, now time.Time) error {
	return db.withTx(func(tx *sql.Tx) error {
		var blob string
		var name string
		err := tx.QueryRow(`SELECT name, cards FROM decks WHERE username = ? AND id = ?`,
			username, deckID).Scan(&name, &blob)
		if err != nil && err != sql.ErrNoRows {
			return fmt.Errorf("failed to load deck %d: %w", deckID, err)
		}
		if err == nil {
			var cards []domain.Card
			if err := json.Unmarshal([]byte(blob), &cards); err != nil {
				return fmt.Errorf("failed to decode cards for deck %d: %w", deckID, err)
			}
			kept := cards[:0]
			for _, c := range cards {
				if c.ID != cardID {
					kept = append(kept, c)
				}
			}
			if err := putDeck(tx, username, domain.Deck{ID: deckID, Name: name, Cards: kept}); err != nil {
				return err
			}
		}
		if _, err := tx.Exec(`DELETE FROM card_status WHERE username = ? AND deck_id = ? AND card_id = ?`,
			username, deckID, cardID); err != nil {
			return fmt.Errorf("failed to delete status for card %d: %w", cardID, err)
		}
		return putTombstone(tx, username, domain.DeletedCard, fmt.Sprint(cardID), now)
	})
}

// ReplaceDecks deletes every deck the user owns and installs the given
// set. Used by the replace import strategy.
func (db *DB) ReplaceDecks(username string, decks []domain.Deck) error {
	return db.withTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM decks WHERE username = ?`, username); err != nil {
			return fmt.Errorf("failed to clear decks: %w", err)
		}
		for _, deck := range decks {
			if deck.Synthetic() {
				continue
			}
			if err := putDeck(tx, username, deck); err != nil {
				return err
			}
		}
		return nil
	})
}
