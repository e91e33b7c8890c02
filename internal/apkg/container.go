// Package apkg decodes Anki-style card packages: a zip archive bundling
// a SQLite collection snapshot and media assets. Decoding streams decks
// out one at a time so peak memory stays near one deck's worth of cards.
package apkg

import (
	"archive/zip"
	"fmt"
	"io"
	"sort"
	"strings"
)

// MaxPackageSize is the hard input ceiling. Anything larger is rejected
// before a single archive entry is read.
const MaxPackageSize = 600 * 1024 * 1024

// container wraps an open zip archive and exposes entry listing and
// on-demand extraction without materializing the whole archive.
type container struct {
	reader *zip.Reader
}

func openContainer(r io.ReaderAt, size int64) (*container, error) {
	if size > MaxPackageSize {
		return nil, fmt.Errorf("package is %.1f MiB, exceeds the %d MiB limit",
			float64(size)/(1024*1024), MaxPackageSize/(1024*1024))
	}
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return nil, fmt.Errorf("file is not a valid package archive: %w", err)
	}
	return &container{reader: zr}, nil
}

// entryNames lists file entries (directories excluded), with names
// containing "collection" sorted first. That is where the snapshot
// usually lives, so candidates are checked in the cheapest order.
func (c *container) entryNames() []string {
	var names []string
	for _, f := range c.reader.File {
		if f.FileInfo().IsDir() {
			continue
		}
		names = append(names, f.Name)
	}
	sort.SliceStable(names, func(i, j int) bool {
		return strings.Contains(strings.ToLower(names[i]), "collection") &&
			!strings.Contains(strings.ToLower(names[j]), "collection")
	})
	return names
}

// extract reads one entry fully.
func (c *container) extract(name string) ([]byte, error) {
	f, err := c.reader.Open(name)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive entry %q: %w", name, err)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read archive entry %q: %w", name, err)
	}
	return data, nil
}

// has reports whether the archive contains an entry with the exact name.
func (c *container) has(name string) bool {
	for _, f := range c.reader.File {
		if f.Name == name {
			return true
		}
	}
	return false
}
