package apkg

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
)

// TokenScheme prefixes content-addressed media references rewritten into
// card markup. Resolution back to bytes happens at render time, never by
// inlining binary data into card text.
const TokenScheme = "media"

// mediaManifestEntry is the archive entry holding the media manifest.
const mediaManifestEntry = "media"

var srcPattern = regexp.MustCompile(`src=["']([^"']*)["']`)

// extractMedia reads the media manifest (a JSON map of archive-internal
// names to logical filenames) and extracts each mapped blob. A missing or
// malformed manifest is non-fatal: the import proceeds without media.
// Each successfully extracted file emits one progress tick in [lo,hi].
func extractMedia(c *container, progress func(percent int, detail string), lo, hi int) map[string][]byte {
	if !c.has(mediaManifestEntry) {
		return nil
	}
	raw, err := c.extract(mediaManifestEntry)
	if err != nil {
		slog.Warn("failed to read media manifest, importing without media", "error", err)
		return nil
	}

	var manifest map[string]string
	if err := json.Unmarshal(raw, &manifest); err != nil {
		slog.Warn("malformed media manifest, importing without media", "error", err)
		return nil
	}

	blobs := make(map[string][]byte, len(manifest))
	i := 0
	for zipName, logicalName := range manifest {
		i++
		data, err := c.extract(zipName)
		if err != nil {
			// Per-entity degradation: one broken media file never
			// aborts the import.
			slog.Warn("failed to extract media file, skipping", "entry", zipName, "name", logicalName, "error", err)
			continue
		}
		blobs[logicalName] = data
		progress(lo+(hi-lo)*i/len(manifest), fmt.Sprintf("media %s", logicalName))
	}
	return blobs
}

// rewriteMediaRefs rewrites src="filename" references that point at a
// known media file into media://<urlencoded-name> tokens. References to
// unknown files are left untouched. The second return value lists the
// media names the markup referenced.
func rewriteMediaRefs(html string, media map[string][]byte) (string, []string) {
	if len(media) == 0 {
		return html, nil
	}
	var used []string
	out := srcPattern.ReplaceAllStringFunc(html, func(match string) string {
		name := srcPattern.FindStringSubmatch(match)[1]
		if _, ok := media[name]; !ok {
			return match
		}
		used = append(used, name)
		return fmt.Sprintf("src=%q", TokenScheme+"://"+url.PathEscape(name))
	})
	return out, used
}

// ResolveToken returns the logical media filename encoded in a
// media:// token, for render-time resolution.
func ResolveToken(token string) (string, error) {
	const prefix = TokenScheme + "://"
	if len(token) <= len(prefix) || token[:len(prefix)] != prefix {
		return "", fmt.Errorf("not a media token: %q", token)
	}
	name, err := url.PathUnescape(token[len(prefix):])
	if err != nil {
		return "", fmt.Errorf("malformed media token %q: %w", token, err)
	}
	return name, nil
}
