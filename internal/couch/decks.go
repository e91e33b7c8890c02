package couch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/conorfennell/flowcards/internal/domain"
)

const (
	// chunkTargetBytes is the serialized-size target for one deck chunk.
	chunkTargetBytes = 200 * 1024

	// chunkHardCeiling is 1.5x the target. A single card larger than
	// this can never fit a chunk and is skipped rather than failing the
	// whole upload.
	chunkHardCeiling = chunkTargetBytes * 3 / 2

	// uploadConcurrency bounds parallel deck uploads and downloads.
	uploadConcurrency = 5
)

// UploadDecks stores every deck under the account's namespace, then
// writes the user manifest. The manifest goes last: a reader that sees
// a deck id in the manifest is guaranteed the deck document exists.
func (c *Client) UploadDecks(ctx context.Context, manifest UserDoc, decks []domain.Deck) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(uploadConcurrency)
	for _, deck := range decks {
		g.Go(func() error {
			return c.uploadDeck(gctx, manifest.Username, deck)
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("failed to upload decks: %w", err)
	}

	deckIDs := make([]int64, 0, len(decks))
	for _, d := range decks {
		deckIDs = append(deckIDs, d.ID)
	}
	sort.Slice(deckIDs, func(i, j int) bool { return deckIDs[i] < deckIDs[j] })
	manifest.DeckIDs = deckIDs

	if err := c.PutUserDoc(ctx, manifest); err != nil {
		return fmt.Errorf("failed to upload user manifest: %w", err)
	}
	return nil
}

func (c *Client) uploadDeck(ctx context.Context, username string, deck domain.Deck) error {
	docID := deckDocID(username, deck.ID)
	hash := contentHash(deck)

	var existing deckDoc
	found, err := c.getDoc(ctx, docID, &existing)
	if err != nil {
		return err
	}
	if found && existing.ContentHash == hash {
		slog.Debug("deck unchanged on remote, skipping upload", "deck", deck.ID)
		return nil
	}

	chunks, kept, skipped := chunkCards(deck.Cards)
	if skipped > 0 {
		slog.Warn("skipped oversized cards during upload", "deck", deck.ID, "skipped", skipped)
	}

	doc := deckDoc{
		Type:        "deck",
		DeckID:      deck.ID,
		Name:        deck.Name,
		TotalCards:  kept,
		ContentHash: hash,
	}
	if len(chunks) <= 1 {
		if len(chunks) == 1 {
			doc.Cards = chunks[0]
		}
		if err := c.putDoc(ctx, docID, doc); err != nil {
			return err
		}
	} else {
		doc.Chunked = true
		doc.Chunks = make([]string, len(chunks))
		for n := range chunks {
			doc.Chunks[n] = deckChunkDocID(username, deck.ID, n)
		}
		for n, cards := range chunks {
			chunk := deckChunkDoc{Type: "deck_chunk", Cards: cards}
			if err := c.putDoc(ctx, doc.Chunks[n], chunk); err != nil {
				return err
			}
		}
		if err := c.putDoc(ctx, docID, doc); err != nil {
			return err
		}
	}

	// Drop chunk documents the new layout no longer uses.
	if found && len(existing.Chunks) > len(doc.Chunks) {
		for _, staleID := range existing.Chunks[len(doc.Chunks):] {
			if err := c.deleteDoc(ctx, staleID); err != nil {
				return err
			}
		}
	}
	return nil
}

// chunkCards packs cards into slices whose serialized size stays near
// chunkTargetBytes. Cards larger than the hard ceiling are dropped and
// counted; they could never fit any chunk.
func chunkCards(cards []domain.Card) (chunks [][]domain.Card, kept, skipped int) {
	var current []domain.Card
	currentSize := 0
	for _, card := range cards {
		payload, err := json.Marshal(card)
		if err != nil || len(payload) > chunkHardCeiling {
			skipped++
			continue
		}
		if currentSize+len(payload) > chunkTargetBytes && len(current) > 0 {
			chunks = append(chunks, current)
			current = nil
			currentSize = 0
		}
		current = append(current, card)
		currentSize += len(payload)
		kept++
	}
	if len(current) > 0 {
		chunks = append(chunks, current)
	}
	return chunks, kept, skipped
}

// DownloadDecks fetches the account manifest and every deck it names,
// reassembling chunked decks in order. A nil manifest means the account
// has never synced.
func (c *Client) DownloadDecks(ctx context.Context, username string) (*UserDoc, []domain.Deck, error) {
	manifest, err := c.GetUserDoc(ctx, username)
	if err != nil {
		return nil, nil, err
	}
	if manifest == nil {
		return nil, nil, nil
	}

	decks := make([]domain.Deck, len(manifest.DeckIDs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(uploadConcurrency)
	for i, deckID := range manifest.DeckIDs {
		g.Go(func() error {
			deck, err := c.downloadDeck(gctx, username, deckID)
			if err != nil {
				return err
			}
			decks[i] = deck
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, fmt.Errorf("failed to download decks: %w", err)
	}
	return manifest, decks, nil
}

func (c *Client) downloadDeck(ctx context.Context, username string, deckID int64) (domain.Deck, error) {
	var doc deckDoc
	found, err := c.getDoc(ctx, deckDocID(username, deckID), &doc)
	if err != nil {
		return domain.Deck{}, err
	}
	if !found {
		return domain.Deck{}, fmt.Errorf("manifest names deck %d but its document is missing", deckID)
	}

	deck := domain.Deck{ID: doc.DeckID, Name: doc.Name, Cards: doc.Cards}
	if doc.Chunked {
		deck.Cards = make([]domain.Card, 0, doc.TotalCards)
		for _, chunkID := range doc.Chunks {
			var chunk deckChunkDoc
			found, err := c.getDoc(ctx, chunkID, &chunk)
			if err != nil {
				return domain.Deck{}, err
			}
			if !found {
				return domain.Deck{}, fmt.Errorf("deck %d is missing chunk document %s", deckID, chunkID)
			}
			deck.Cards = append(deck.Cards, chunk.Cards...)
		}
	}
	return deck, nil
}

// GetUserDoc fetches the account manifest, or nil when it does not
// exist.
func (c *Client) GetUserDoc(ctx context.Context, username string) (*UserDoc, error) {
	var doc UserDoc
	found, err := c.getDoc(ctx, UserDocID(username), &doc)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch user document: %w", err)
	}
	if !found {
		return nil, nil
	}
	return &doc, nil
}

// PutUserDoc stores the account manifest.
func (c *Client) PutUserDoc(ctx context.Context, doc UserDoc) error {
	doc.ID = ""
	doc.Rev = ""
	return c.putDoc(ctx, UserDocID(doc.Username), doc)
}
