package apkg

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"

	"github.com/conorfennell/flowcards/internal/domain"
)

// Progress stages reported while decoding.
const (
	StageScan     = "scan"
	StageMedia    = "media"
	StageDecks    = "decks"
	StageComplete = "complete"
	StageError    = "error"
)

// ProgressFunc receives decode progress. percent is 0..100; the final
// call is always 100 with either StageComplete or StageError, the latter
// carrying the failure message as detail.
type ProgressFunc func(stage string, percent int, detail string)

// DeckFunc consumes one decoded deck. The decoder waits for it to return
// before decoding the next deck, so a slow consumer back-pressures the
// parse and peak memory stays near one deck's worth of cards.
type DeckFunc func(ctx context.Context, deck domain.Deck) error

// backDivider separates the trailing note fields joined into a card back.
const backDivider = `<div class="my-6 border-t border-slate-50 pt-6"></div>`

// DecodeBuffered decodes the whole package and returns every deck.
func DecodeBuffered(ctx context.Context, r io.ReaderAt, size int64, onProgress ProgressFunc) ([]domain.Deck, error) {
	var decks []domain.Deck
	err := DecodeStreaming(ctx, r, size, onProgress, func(_ context.Context, deck domain.Deck) error {
		decks = append(decks, deck)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return decks, nil
}

// DecodeStreaming decodes the package and emits each deck through onDeck
// as soon as it is built. Any failure at any stage emits a final error
// progress tick and aborts the whole decode; no partial deck is dropped
// silently.
func DecodeStreaming(ctx context.Context, r io.ReaderAt, size int64, onProgress ProgressFunc, onDeck DeckFunc) error {
	if onProgress == nil {
		onProgress = func(string, int, string) {}
	}
	if err := decode(ctx, r, size, onProgress, onDeck); err != nil {
		onProgress(StageError, 100, err.Error())
		return err
	}
	onProgress(StageComplete, 100, "complete")
	return nil
}

func decode(ctx context.Context, r io.ReaderAt, size int64, onProgress ProgressFunc, onDeck DeckFunc) error {
	c, err := openContainer(r, size)
	if err != nil {
		return err
	}
	onProgress(StageScan, 5, "reading package")

	names := c.entryNames()
	if len(names) == 0 {
		return fmt.Errorf("no valid database found: the archive contains no usable entries")
	}

	// Locate the relational snapshot: extract candidates and check the
	// magic header, recording why each rejected candidate failed so a
	// corrupt package produces an actionable diagnostic.
	var snapshotData []byte
	var tried []string
	for i, name := range names {
		if err := ctx.Err(); err != nil {
			return err
		}
		data, err := c.extract(name)
		if err != nil {
			tried = append(tried, fmt.Sprintf("%s: %v", name, err))
			continue
		}
		if ok, reason := validSnapshot(data); !ok {
			tried = append(tried, fmt.Sprintf("%s: %s", name, reason))
			continue
		}
		snapshotData = data
		onProgress(StageScan, 5+20*(i+1)/len(names), fmt.Sprintf("found database %s", name))
		break
	}
	if snapshotData == nil {
		return fmt.Errorf("no valid database found in package; tried: %s", strings.Join(tried, "; "))
	}

	media := extractMedia(c, func(percent int, detail string) {
		onProgress(StageMedia, percent, detail)
	}, 50, 70)

	snap, err := openSnapshot(snapshotData)
	if err != nil {
		return err
	}
	defer snap.close()

	defs, err := snap.deckDefinitions()
	if err != nil {
		return err
	}

	// Iterate decks in a stable order for repeatable progress ticks.
	ids := make([]int64, 0, len(defs))
	for id := range defs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for i, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		deck, err := buildDeck(id, defs[id], snap, media)
		if err != nil {
			// Per-entity degradation: one unreadable deck is logged
			// and skipped, the rest of the package still imports.
			slog.Warn("failed to decode deck, skipping", "deck", id, "error", err)
			continue
		}
		onProgress(StageDecks, 70+25*(i+1)/len(ids), fmt.Sprintf("deck %s", deck.Name))
		if len(deck.Cards) == 0 {
			continue
		}
		if err := onDeck(ctx, deck); err != nil {
			return fmt.Errorf("deck consumer failed for %q: %w", deck.Name, err)
		}
	}
	return nil
}

func buildDeck(id int64, name string, snap *snapshot, media map[string][]byte) (domain.Deck, error) {
	rows, err := snap.cardsForDeck(id)
	if err != nil {
		return domain.Deck{}, err
	}

	deck := domain.Deck{ID: id, Name: name}
	referenced := make(map[string]struct{})

	for _, row := range rows {
		fields := splitFields(row.fields)
		front, used := rewriteMediaRefs(fields[0], media)
		if strings.TrimSpace(front) == "" {
			// A card with a blank front is unusable for study.
			slog.Warn("skipping card with empty front", "deck", id, "card", row.cardID)
			continue
		}

		var backParts []string
		for _, f := range fields[1:] {
			if strings.TrimSpace(f) != "" {
				backParts = append(backParts, f)
			}
		}
		back, usedBack := rewriteMediaRefs(strings.Join(backParts, backDivider), media)

		for _, n := range append(used, usedBack...) {
			referenced[n] = struct{}{}
		}
		deck.Cards = append(deck.Cards, domain.Card{
			ID:     row.cardID,
			NoteID: row.noteID,
			DeckID: id,
			Front:  front,
			Back:   back,
		})
	}

	// Only decks whose cards reference media carry the blobs, and only
	// the referenced ones. The payload is transient parse-session state.
	if len(referenced) > 0 {
		deck.MediaBlobs = make(map[string][]byte, len(referenced))
		for n := range referenced {
			deck.MediaBlobs[n] = media[n]
		}
	}
	return deck, nil
}
