// Package catalog holds the in-memory model of the device's file tree
// and the per-file synchronization state.
package catalog

import (
	"cmp"
	"slices"
	"strings"
	"sync"

	"github.com/alexjbarnes/audiosync/internal/metrics"
	"golang.org/x/text/unicode/norm"
)

// SyncState is the synchronization state of a track.
type SyncState int

const (
	// Cached entries predate the current resync and have not been
	// reconfirmed by the device listing yet.
	Cached SyncState = iota
	Unsynced
	Synced
)

func (s SyncState) String() string {
	switch s {
	case Cached:
		return "cached"
	case Unsynced:
		return "unsynced"
	case Synced:
		return "synced"
	default:
		return "unknown"
	}
}

// Kind distinguishes directories from files in a listing.
type Kind int

const (
	Dir Kind = iota
	File
)

// Info is the descriptive metadata of a track.
type Info struct {
	Genre    string  `json:"genre"`
	Artist   string  `json:"artist"`
	Album    string  `json:"album"`
	Title    string  `json:"title"`
	Date     *string `json:"date,omitempty"`
	Track    uint16  `json:"track"`
	Duration uint16  `json:"duration"`
}

// Entry is one immediate child of the current directory.
type Entry struct {
	Kind  Kind
	Name  string
	State SyncState
	Info  *Info
}

// Progress is the position of the metadata walk.
type Progress struct {
	Synced int
	Total  int
}

// Done reports whether every file requiring metadata has it.
func (p Progress) Done() bool {
	return p.Synced >= p.Total
}

// track is one listed path. key is the normalized form used for the
// index and listings; raw is the path exactly as the device listed it
// and is what the device expects back in requests.
type track struct {
	segments []string
	key      string
	raw      string
	state    SyncState
	info     *Info
}

// Catalog is the device's file tree built from flat path listings. All
// methods are safe for concurrent use and hold the lock only for the
// duration of the call.
type Catalog struct {
	audioExt string

	mu     sync.Mutex
	tracks []*track
	index  map[string]*track
	cwd    []string
	total  int
	synced int
}

// New returns an empty catalog recognizing files ending in audioExt as
// tracks.
func New(audioExt string) *Catalog {
	return &Catalog{
		audioExt: audioExt,
		index:    make(map[string]*track),
	}
}

// splitPath splits p into NFC-normalized segments, dropping empty ones.
func splitPath(p string) []string {
	parts := strings.Split(p, "/")
	segments := make([]string, 0, len(parts))

	for _, part := range parts {
		if part == "" {
			continue
		}

		segments = append(segments, norm.NFC.String(part))
	}

	return segments
}

func (c *Catalog) isAudio(t *track) bool {
	return strings.HasSuffix(t.segments[len(t.segments)-1], c.audioExt)
}

// BeginResync marks every entry Cached and resets progress. Entries not
// reconfirmed by the following listing are pruned when its last page
// arrives.
func (c *Catalog) BeginResync() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, t := range c.tracks {
		t.state = Cached
	}

	c.total = 0
	c.synced = 0
	metrics.SetProgress(0, 0)
}

// Append merges one page of the device listing. Listed paths become
// Unsynced; previously known paths keep their metadata. On the last
// page, entries still Cached are removed and progress is recomputed.
func (c *Catalog) Append(paths []string, last bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, p := range paths {
		segments := splitPath(p)
		if len(segments) == 0 {
			continue
		}

		key := strings.Join(segments, "/")

		if t, ok := c.index[key]; ok {
			t.state = Unsynced
			t.raw = p

			continue
		}

		t := &track{segments: segments, key: key, raw: p, state: Unsynced}
		c.tracks = append(c.tracks, t)
		c.index[key] = t
	}

	if !last {
		return
	}

	c.tracks = slices.DeleteFunc(c.tracks, func(t *track) bool {
		if t.state != Cached {
			return false
		}

		delete(c.index, t.key)

		return true
	})

	c.total = 0
	c.synced = 0

	for _, t := range c.tracks {
		if t.state == Unsynced && c.isAudio(t) {
			c.total++
		}
	}

	metrics.CatalogTracks.Set(float64(len(c.tracks)))
	metrics.SetProgress(c.synced, c.total)
}

// NextUnsynced returns the first Unsynced track in listing order, as
// the device listed it.
func (c *Catalog) NextUnsynced() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, t := range c.tracks {
		if t.state == Unsynced && c.isAudio(t) {
			return t.raw, true
		}
	}

	return "", false
}

// SetMetadata records info for path and marks it Synced. It reports
// whether the path is known. Progress advances only on the first
// transition to Synced.
func (c *Catalog) SetMetadata(path string, info Info) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.index[strings.Join(splitPath(path), "/")]
	if !ok {
		return false
	}

	if t.state == Unsynced {
		c.synced++
		metrics.SetProgress(c.synced, c.total)
	}

	t.state = Synced
	t.info = &info

	return true
}

// Lookup returns the state and metadata of path.
func (c *Catalog) Lookup(path string) (SyncState, *Info, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.index[strings.Join(splitPath(path), "/")]
	if !ok {
		return 0, nil, false
	}

	return t.state, copyInfo(t.info), true
}

// Progress returns the current walk position.
func (c *Catalog) Progress() Progress {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Progress{Synced: c.synced, Total: c.total}
}

// Len returns the number of tracked entries.
func (c *Catalog) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.tracks)
}

// Enter descends into the named child directory.
func (c *Catalog) Enter(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cwd = append(c.cwd, norm.NFC.String(name))
}

// Up moves to the parent directory. It is a no-op at the root.
func (c *Catalog) Up() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.cwd) > 0 {
		c.cwd = c.cwd[:len(c.cwd)-1]
	}
}

// CurrentDir returns the segments of the current directory.
func (c *Catalog) CurrentDir() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return slices.Clone(c.cwd)
}

// ListCurrent returns the immediate children of the current directory,
// directories first, each group sorted by name. A directory that no
// longer exists lists as empty.
func (c *Catalog) ListCurrent() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	depth := len(c.cwd)
	seen := make(map[string]bool)

	var out []Entry

	for _, t := range c.tracks {
		if len(t.segments) <= depth || !slices.Equal(t.segments[:depth], c.cwd) {
			continue
		}

		name := t.segments[depth]
		isFile := len(t.segments) == depth+1

		if isFile && !c.isAudio(t) {
			continue
		}

		kind := Dir
		if isFile {
			kind = File
		}

		dedupKey := name
		if isFile {
			dedupKey = "\x00" + name
		}

		if seen[dedupKey] {
			continue
		}

		seen[dedupKey] = true

		e := Entry{Kind: kind, Name: name}
		if isFile {
			e.State = t.state
			e.Info = copyInfo(t.info)
		}

		out = append(out, e)
	}

	slices.SortFunc(out, func(a, b Entry) int {
		if a.Kind != b.Kind {
			return cmp.Compare(a.Kind, b.Kind)
		}

		return strings.Compare(a.Name, b.Name)
	})

	return out
}

func copyInfo(info *Info) *Info {
	if info == nil {
		return nil
	}

	out := *info

	return &out
}
