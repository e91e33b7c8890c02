// Package scheduler implements the fixed-interval review scheme. It is a
// policy table plus pure transition functions; all persistence lives in
// the storage package.
package scheduler

import (
	"time"

	"github.com/conorfennell/flowcards/internal/domain"
)

// Grade intervals in days, as offered by the review buttons. Done is only
// available in the aggregate review session and permanently clears the
// card from the queue.
const (
	TryAgain = 0
	Hard     = 1
	Good     = 7
	Easy     = 30
	Done     = -1
)

const millisPerDay = 24 * 60 * 60 * 1000

// Apply returns the card status after grading with the given interval.
//
//	Done (-1): status completed, schedule cleared. Terminal.
//	0:         due again immediately.
//	n > 0:     due n days from now.
func Apply(status domain.CardStatus, intervalDays int, now time.Time) domain.CardStatus {
	next := status
	if intervalDays == Done {
		next.Status = domain.StatusCompleted
		next.NextReviewAt = nil
		return next
	}
	at := now.UnixMilli() + int64(intervalDays)*millisPerDay
	next.Status = domain.StatusNew
	next.NextReviewAt = &at
	return next
}

// Due reports whether the status has a pending review at or before now.
func Due(status domain.CardStatus, now time.Time) bool {
	return status.NextReviewAt != nil && *status.NextReviewAt <= now.UnixMilli()
}

// DueCard pairs a due card with its deck name for display.
type DueCard struct {
	Card     domain.Card
	DeckName string
}

// DueCards resolves all due statuses against the supplied deck list.
// Statuses referencing a deck or card no longer present are skipped;
// status rows are not eagerly garbage-collected on deck deletion beyond
// the explicit delete-deck cascade.
func DueCards(statuses []domain.CardStatus, decks []domain.Deck, now time.Time) []DueCard {
	byID := make(map[int64]*domain.Deck, len(decks))
	for i := range decks {
		byID[decks[i].ID] = &decks[i]
	}

	var due []DueCard
	for _, s := range statuses {
		if !Due(s, now) {
			continue
		}
		deck, ok := byID[s.DeckID]
		if !ok {
			continue
		}
		for _, card := range deck.Cards {
			if card.ID == s.CardID {
				due = append(due, DueCard{Card: card, DeckName: deck.Name})
				break
			}
		}
	}
	return due
}

// ReviewDeck assembles the synthetic "today's review" deck from due cards.
func ReviewDeck(due []DueCard) domain.Deck {
	cards := make([]domain.Card, 0, len(due))
	for _, d := range due {
		cards = append(cards, d.Card)
	}
	return domain.Deck{
		ID:    domain.ReviewDeckID,
		Name:  "Today's Smart Review",
		Cards: cards,
	}
}
