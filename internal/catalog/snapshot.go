package catalog

import (
	"strings"

	"github.com/alexjbarnes/audiosync/internal/metrics"
)

// Record is the persisted form of one track.
type Record struct {
	Path string `json:"path"`
	Info *Info  `json:"info,omitempty"`
}

// Snapshot returns every track in listing order.
func (c *Catalog) Snapshot() []Record {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Record, 0, len(c.tracks))
	for _, t := range c.tracks {
		out = append(out, Record{Path: t.raw, Info: copyInfo(t.info)})
	}

	return out
}

// Restore replaces the catalog contents with records. Restored tracks
// are Cached until a resync reconfirms them. The cursor is kept.
func (c *Catalog) Restore(records []Record) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.tracks = c.tracks[:0]
	clear(c.index)

	for _, r := range records {
		segments := splitPath(r.Path)
		if len(segments) == 0 {
			continue
		}

		key := strings.Join(segments, "/")
		if _, dup := c.index[key]; dup {
			continue
		}

		t := &track{segments: segments, key: key, raw: r.Path, state: Cached, info: copyInfo(r.Info)}
		c.tracks = append(c.tracks, t)
		c.index[key] = t
	}

	c.total = 0
	c.synced = 0

	metrics.CatalogTracks.Set(float64(len(c.tracks)))
	metrics.SetProgress(0, 0)
}
