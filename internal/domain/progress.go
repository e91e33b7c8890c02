package domain

// Card status tags as stored and synced. The pair (Status, NextReviewAt)
// encodes three effective review states, see ReviewState.
const (
	StatusNew       = "new"
	StatusCompleted = "completed"
)

// ReviewState is the explicit review state of a card, derived from the
// stored (status, nextReviewAt) pair.
type ReviewState int

const (
	// Unscheduled: the card was seen but never graded into the queue.
	Unscheduled ReviewState = iota
	// Scheduled: the card has a pending next review timestamp.
	Scheduled
	// Mastered: the card was graded out of the queue permanently.
	Mastered
)

func (s ReviewState) String() string {
	switch s {
	case Scheduled:
		return "scheduled"
	case Mastered:
		return "mastered"
	default:
		return "unscheduled"
	}
}

// CardStatus is the per-user review record for one card. One row per
// (username, deckID, cardID); overwritten in place, never duplicated.
// NextReviewAt is epoch milliseconds; nil means not scheduled.
type CardStatus struct {
	Username     string `json:"username"`
	DeckID       int64  `json:"deckId"`
	CardID       int64  `json:"cardId"`
	Status       string `json:"status"`
	NextReviewAt *int64 `json:"nextReviewAt,omitempty"`
}

// ReviewState derives the explicit state. A defined NextReviewAt always
// means Scheduled regardless of the status tag; a completed status with no
// timestamp means Mastered. This normalizes away the ambiguous
// "completed but still scheduled" combination older replicas could sync.
func (c CardStatus) ReviewState() ReviewState {
	if c.NextReviewAt != nil {
		return Scheduled
	}
	if c.Status == StatusCompleted {
		return Mastered
	}
	return Unscheduled
}

// StudyLog records the unique cards a user studied on one calendar day.
// CardIDs preserves first-seen order; duplicates are suppressed by
// membership check so daily counts stay exact.
type StudyLog struct {
	Username string  `json:"username"`
	Date     string  `json:"date"` // YYYY-MM-DD
	CardIDs  []int64 `json:"cardIds"`
}

// Contains reports whether the log already records the card.
func (l StudyLog) Contains(cardID int64) bool {
	for _, id := range l.CardIDs {
		if id == cardID {
			return true
		}
	}
	return false
}
