package syncer

import (
	"reflect"
	"testing"

	"github.com/conorfennell/flowcards/internal/domain"
)

func ptr(v int64) *int64 { return &v }

func TestMergeDecks(t *testing.T) {
	t.Run("union by id with incoming name winning", func(t *testing.T) {
		local := []domain.Deck{{ID: 1, Name: "Old Name", Cards: []domain.Card{{ID: 10, Front: "local"}}}}
		remote := []domain.Deck{
			{ID: 1, Name: "New Name", Cards: []domain.Card{{ID: 10, Front: "remote"}, {ID: 11, Front: "added"}}},
			{ID: 2, Name: "Remote Only"},
		}
		out := mergeDecks(local, remote, tombstoneSet{})
		if len(out) != 2 {
			t.Fatalf("got %d decks", len(out))
		}
		if out[0].Name != "New Name" {
			t.Errorf("name = %q, want incoming to win", out[0].Name)
		}
		if len(out[0].Cards) != 2 || out[0].Cards[0].Front != "remote" {
			t.Errorf("cards = %+v, want incoming card to overwrite", out[0].Cards)
		}
	})

	t.Run("tombstoned deck is not resurrected", func(t *testing.T) {
		deleted := newTombstoneSet([]domain.DeletedItem{{Type: domain.DeletedDeck, ID: "2", DeletedAt: 1}})
		out := mergeDecks(nil, []domain.Deck{{ID: 2, Name: "Deleted Here"}}, deleted)
		if len(out) != 0 {
			t.Errorf("deleted deck came back: %+v", out)
		}
	})

	t.Run("remote deck tombstone removes the local deck", func(t *testing.T) {
		deleted := newTombstoneSet([]domain.DeletedItem{{Type: domain.DeletedDeck, ID: "1", DeletedAt: 1}})
		out := mergeDecks([]domain.Deck{{ID: 1, Name: "Deleted There"}}, nil, deleted)
		if len(out) != 0 {
			t.Errorf("deck deleted on the other replica survived: %+v", out)
		}
	})

	t.Run("tombstoned card is dropped from both sides", func(t *testing.T) {
		deleted := newTombstoneSet([]domain.DeletedItem{{Type: domain.DeletedCard, ID: "10", DeletedAt: 1}})
		local := []domain.Deck{{ID: 1, Name: "D", Cards: []domain.Card{{ID: 10}, {ID: 11}}}}
		remote := []domain.Deck{{ID: 1, Name: "D", Cards: []domain.Card{{ID: 10}}}}
		out := mergeDecks(local, remote, deleted)
		if len(out[0].Cards) != 1 || out[0].Cards[0].ID != 11 {
			t.Errorf("cards = %+v", out[0].Cards)
		}
	})
}

func TestMergeStatuses(t *testing.T) {
	cases := []struct {
		name  string
		local domain.CardStatus
		want  domain.CardStatus
		other domain.CardStatus
	}{
		{
			name:  "defined schedule beats an unscheduled completed side",
			local: domain.CardStatus{DeckID: 1, CardID: 1, Status: domain.StatusCompleted},
			other: domain.CardStatus{DeckID: 1, CardID: 1, Status: domain.StatusNew, NextReviewAt: ptr(500)},
			want:  domain.CardStatus{DeckID: 1, CardID: 1, Status: domain.StatusNew, NextReviewAt: ptr(500)},
		},
		{
			name:  "completed wins when neither side is scheduled",
			local: domain.CardStatus{DeckID: 1, CardID: 1, Status: domain.StatusNew},
			other: domain.CardStatus{DeckID: 1, CardID: 1, Status: domain.StatusCompleted},
			want:  domain.CardStatus{DeckID: 1, CardID: 1, Status: domain.StatusCompleted},
		},
		{
			name:  "later review timestamp wins",
			local: domain.CardStatus{DeckID: 1, CardID: 1, Status: domain.StatusNew, NextReviewAt: ptr(100)},
			other: domain.CardStatus{DeckID: 1, CardID: 1, Status: domain.StatusNew, NextReviewAt: ptr(200)},
			want:  domain.CardStatus{DeckID: 1, CardID: 1, Status: domain.StatusNew, NextReviewAt: ptr(200)},
		},
		{
			name:  "scheduled side beats unscheduled",
			local: domain.CardStatus{DeckID: 1, CardID: 1, Status: domain.StatusNew},
			other: domain.CardStatus{DeckID: 1, CardID: 1, Status: domain.StatusNew, NextReviewAt: ptr(100)},
			want:  domain.CardStatus{DeckID: 1, CardID: 1, Status: domain.StatusNew, NextReviewAt: ptr(100)},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out := mergeStatuses([]domain.CardStatus{tc.local}, []domain.CardStatus{tc.other})
			if len(out) != 1 {
				t.Fatalf("got %d statuses", len(out))
			}
			if !reflect.DeepEqual(out[0], tc.want) {
				t.Errorf("got %+v, want %+v", out[0], tc.want)
			}
			// The rule is symmetric.
			rev := mergeStatuses([]domain.CardStatus{tc.other}, []domain.CardStatus{tc.local})
			if !reflect.DeepEqual(rev[0], tc.want) {
				t.Errorf("reversed merge got %+v, want %+v", rev[0], tc.want)
			}
		})
	}

	t.Run("disjoint rows are unioned", func(t *testing.T) {
		out := mergeStatuses(
			[]domain.CardStatus{{DeckID: 1, CardID: 1}},
			[]domain.CardStatus{{DeckID: 1, CardID: 2}},
		)
		if len(out) != 2 {
			t.Errorf("got %d statuses, want 2", len(out))
		}
	})
}

func TestMergeStudyLogs(t *testing.T) {
	local := []domain.StudyLog{{Date: "2026-08-01", CardIDs: []int64{1, 2}}}
	remote := []domain.StudyLog{
		{Date: "2026-08-01", CardIDs: []int64{2, 3}},
		{Date: "2026-08-02", CardIDs: []int64{9}},
	}
	out := mergeStudyLogs(local, remote)
	if len(out) != 2 {
		t.Fatalf("got %d logs", len(out))
	}
	// Newest first.
	if out[0].Date != "2026-08-02" {
		t.Errorf("order = %v", out)
	}
	if !reflect.DeepEqual(out[1].CardIDs, []int64{1, 2, 3}) {
		t.Errorf("union = %v, want [1 2 3] with local order preserved", out[1].CardIDs)
	}
}

func TestMergeBookmarks(t *testing.T) {
	t.Run("later creation wins on conflict", func(t *testing.T) {
		local := []domain.Bookmark{{ID: "b1", DeckName: "old", CreatedAt: 100}}
		remote := []domain.Bookmark{{ID: "b1", DeckName: "new", CreatedAt: 200}}
		out := mergeBookmarks(local, remote, tombstoneSet{})
		if out[0].DeckName != "new" {
			t.Errorf("got %+v", out[0])
		}
	})

	t.Run("tombstoned bookmark stays gone", func(t *testing.T) {
		deleted := newTombstoneSet([]domain.DeletedItem{{Type: domain.DeletedBookmark, ID: "b1", DeletedAt: 1}})
		out := mergeBookmarks(nil, []domain.Bookmark{{ID: "b1"}}, deleted)
		if len(out) != 0 {
			t.Errorf("got %+v", out)
		}
	})

	t.Run("local copy of a bookmark deleted elsewhere is dropped", func(t *testing.T) {
		deleted := newTombstoneSet([]domain.DeletedItem{{Type: domain.DeletedBookmark, ID: "b1", DeletedAt: 1}})
		out := mergeBookmarks([]domain.Bookmark{{ID: "b1"}}, nil, deleted)
		if len(out) != 0 {
			t.Errorf("got %+v", out)
		}
	})
}

func TestMergeSettings(t *testing.T) {
	local := &domain.Settings{Provider: domain.ProviderCustom, CustomEndpoint: "http://local"}
	remote := &domain.Settings{Provider: domain.ProviderOpenAI, Model: "gpt-4o"}
	out := mergeSettings(local, remote)
	if out.Provider != domain.ProviderOpenAI {
		t.Errorf("provider = %q, incoming value must override", out.Provider)
	}
	if out.Model != "gpt-4o" {
		t.Errorf("model = %q, incoming value must be taken", out.Model)
	}
	if out.CustomEndpoint != "http://local" {
		t.Errorf("endpoint = %q, local value must survive when incoming leaves it unset", out.CustomEndpoint)
	}

	if got := mergeSettings(nil, remote); got != remote {
		t.Error("nil local must yield remote")
	}
	if got := mergeSettings(local, nil); got != local {
		t.Error("nil remote must yield local")
	}
}
