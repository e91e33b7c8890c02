package syncer

import (
	"fmt"
	"sort"

	"github.com/conorfennell/flowcards/internal/domain"
)

// tombstoneSet indexes deletion tombstones by entity type and id.
type tombstoneSet map[string]map[string]bool

func newTombstoneSet(items ...[]domain.DeletedItem) tombstoneSet {
	set := tombstoneSet{}
	for _, list := range items {
		for _, item := range list {
			if set[item.Type] == nil {
				set[item.Type] = map[string]bool{}
			}
			set[item.Type][item.ID] = true
		}
	}
	return set
}

func (s tombstoneSet) has(typ, id string) bool {
	return s[typ][id]
}

// mergeSnapshots reconciles a remote snapshot into the local one.
// Tombstones from both replicas suppress resurrection: an item one side
// deleted is not re-added just because the other side still carries it.
func mergeSnapshots(local, remote domain.SyncSnapshot, deleted tombstoneSet) domain.SyncSnapshot {
	out := local
	out.Decks = mergeDecks(local.Decks, remote.Decks, deleted)
	out.CardStatuses = mergeStatuses(local.CardStatuses, remote.CardStatuses)
	out.StudyLogs = mergeStudyLogs(local.StudyLogs, remote.StudyLogs)
	out.BookmarkFolders = mergeFolders(local.BookmarkFolders, remote.BookmarkFolders, deleted)
	out.Bookmarks = mergeBookmarks(local.Bookmarks, remote.Bookmarks, deleted)
	out.Settings = mergeSettings(local.Settings, remote.Settings)
	return out
}

// mergeDecks unions decks by id. For decks on both sides the incoming
// name wins and cards are unioned by card id with incoming cards
// overwriting. A deck or card tombstoned on either replica is dropped
// from both sides, so deletions propagate the same way at every entity
// level.
func mergeDecks(local, remote []domain.Deck, deleted tombstoneSet) []domain.Deck {
	byID := make(map[int64]domain.Deck, len(local))
	order := make([]int64, 0, len(local)+len(remote))
	for _, d := range local {
		byID[d.ID] = d
		order = append(order, d.ID)
	}

	for _, rd := range remote {
		ld, exists := byID[rd.ID]
		if !exists {
			byID[rd.ID] = rd
			order = append(order, rd.ID)
			continue
		}
		merged := domain.Deck{ID: rd.ID, Name: rd.Name}
		merged.Cards = mergeCards(ld.Cards, rd.Cards, deleted)
		byID[rd.ID] = merged
	}

	out := make([]domain.Deck, 0, len(order))
	for _, id := range order {
		if deleted.has(domain.DeletedDeck, fmt.Sprint(id)) {
			continue
		}
		deck := byID[id]
		deck.Cards = dropDeletedCards(deck.Cards, deleted)
		out = append(out, deck)
	}
	return out
}

func mergeCards(local, remote []domain.Card, deleted tombstoneSet) []domain.Card {
	byID := make(map[int64]int, len(local))
	out := make([]domain.Card, len(local))
	copy(out, local)
	for i, c := range out {
		byID[c.ID] = i
	}
	for _, rc := range remote {
		if deleted.has(domain.DeletedCard, fmt.Sprint(rc.ID)) {
			continue
		}
		if i, exists := byID[rc.ID]; exists {
			out[i] = rc
		} else {
			byID[rc.ID] = len(out)
			out = append(out, rc)
		}
	}
	return out
}

func dropDeletedCards(cards []domain.Card, deleted tombstoneSet) []domain.Card {
	if len(deleted[domain.DeletedCard]) == 0 {
		return cards
	}
	kept := cards[:0]
	for _, c := range cards {
		if !deleted.has(domain.DeletedCard, fmt.Sprint(c.ID)) {
			kept = append(kept, c)
		}
	}
	return kept
}

// mergeStatuses unions rows by (deck, card). For rows on both sides the
// more progressed schedule wins: with both sides scheduled the later
// review timestamp is kept, a scheduled side beats an unscheduled one,
// and only when neither side has a schedule does a completed status win.
func mergeStatuses(local, remote []domain.CardStatus) []domain.CardStatus {
	type key struct {
		deckID int64
		cardID int64
	}
	byKey := make(map[key]int, len(local))
	out := make([]domain.CardStatus, len(local))
	copy(out, local)
	for i, s := range out {
		byKey[key{s.DeckID, s.CardID}] = i
	}
	for _, rs := range remote {
		k := key{rs.DeckID, rs.CardID}
		i, exists := byKey[k]
		if !exists {
			byKey[k] = len(out)
			out = append(out, rs)
			continue
		}
		out[i] = preferStatus(out[i], rs)
	}
	return out
}

func preferStatus(a, b domain.CardStatus) domain.CardStatus {
	switch {
	case a.NextReviewAt != nil && b.NextReviewAt != nil:
		if *b.NextReviewAt > *a.NextReviewAt {
			return b
		}
		return a
	case a.NextReviewAt != nil:
		return a
	case b.NextReviewAt != nil:
		return b
	case b.Status == domain.StatusCompleted && a.Status != domain.StatusCompleted:
		return b
	default:
		return a
	}
}

// mergeStudyLogs unions per-date card id sets. Within one date, the
// local order is kept and unseen remote ids are appended.
func mergeStudyLogs(local, remote []domain.StudyLog) []domain.StudyLog {
	byDate := make(map[string]int, len(local))
	out := make([]domain.StudyLog, len(local))
	copy(out, local)
	for i, l := range out {
		byDate[l.Date] = i
	}
	for _, rl := range remote {
		i, exists := byDate[rl.Date]
		if !exists {
			byDate[rl.Date] = len(out)
			out = append(out, rl)
			continue
		}
		seen := make(map[int64]bool, len(out[i].CardIDs))
		for _, id := range out[i].CardIDs {
			seen[id] = true
		}
		for _, id := range rl.CardIDs {
			if !seen[id] {
				out[i].CardIDs = append(out[i].CardIDs, id)
				seen[id] = true
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date > out[j].Date })
	return out
}

// mergeFolders unions folders by id, incoming wins on conflict. Folder
// deletions share the bookmark tombstone type with bookmarks; a
// tombstoned folder is dropped whichever replica still carries it.
func mergeFolders(local, remote []domain.BookmarkFolder, deleted tombstoneSet) []domain.BookmarkFolder {
	byID := make(map[string]int, len(local))
	out := make([]domain.BookmarkFolder, 0, len(local))
	for _, f := range local {
		if deleted.has(domain.DeletedBookmark, f.ID) {
			continue
		}
		byID[f.ID] = len(out)
		out = append(out, f)
	}
	for _, rf := range remote {
		if deleted.has(domain.DeletedBookmark, rf.ID) {
			continue
		}
		if i, exists := byID[rf.ID]; exists {
			out[i] = rf
		} else {
			byID[rf.ID] = len(out)
			out = append(out, rf)
		}
	}
	return out
}

// mergeBookmarks unions bookmarks by id; on conflict the copy with the
// later creation timestamp wins. Tombstoned bookmarks are dropped from
// both sides.
func mergeBookmarks(local, remote []domain.Bookmark, deleted tombstoneSet) []domain.Bookmark {
	byID := make(map[string]int, len(local))
	out := make([]domain.Bookmark, 0, len(local))
	for _, b := range local {
		if deleted.has(domain.DeletedBookmark, b.ID) {
			continue
		}
		byID[b.ID] = len(out)
		out = append(out, b)
	}
	for _, rb := range remote {
		if deleted.has(domain.DeletedBookmark, rb.ID) {
			continue
		}
		i, exists := byID[rb.ID]
		if !exists {
			byID[rb.ID] = len(out)
			out = append(out, rb)
			continue
		}
		if rb.CreatedAt > out[i].CreatedAt {
			out[i] = rb
		}
	}
	return out
}

// mergeSettings lays the incoming settings over the local ones: set
// incoming fields override, unset ones keep the local value.
func mergeSettings(local, remote *domain.Settings) *domain.Settings {
	if local == nil {
		return remote
	}
	if remote == nil {
		return local
	}
	merged := local.Merge(*remote)
	return &merged
}
