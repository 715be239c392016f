// Package catalog is the durable mapping from an original directory
// path to its archival record, enforcing the five-state lifecycle
// (preparing -> prepared -> archiving_queued -> archiving -> archived)
// and the tape-placement search. Persisted as a single JSON file,
// rewritten atomically after every mutation.
package catalog

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/dustin/go-humanize"
	"github.com/google/renameio/v2"
)

// State is one of the five catalog record states.
type State string

const (
	StatePreparing       State = "preparing"
	StatePrepared        State = "prepared"
	StateArchivingQueued State = "archiving_queued"
	StateArchiving       State = "archiving"
	StateArchived        State = "archived"
)

// ErrInvalidTransition is returned (wrapped with the offending states)
// when a setter is called from the wrong source state.
var ErrInvalidTransition = errors.New("catalog: invalid state transition")

// ErrDuplicateEntry is returned by CreateEntry for an already-known
// directory.
var ErrDuplicateEntry = errors.New("catalog: duplicate original_directory")

// ErrNotFound is returned when a lookup by directory finds nothing.
var ErrNotFound = errors.New("catalog: entry not found")

// DoesntFit is the sentinel tape name PlaceDirectory returns when no
// known tape has room.
const DoesntFit = "doesn't fit"

// Record is one catalog entry (ArchiveRecord).
type Record struct {
	OriginalDirectory string     `json:"original_directory"`
	Description       string     `json:"description"`
	State             State      `json:"state"`
	Size              int64      `json:"size,omitempty"` // kilobytes
	SizeQueried       *time.Time `json:"size_queried,omitempty"`
	Compressed        bool       `json:"compressed,omitempty"`
	Tape              string     `json:"tape,omitempty"`
	PathOnTape        string     `json:"path_on_tape,omitempty"`
	Archived          *time.Time `json:"archived,omitempty"`
}

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Catalog is the daemon-scoped catalog service: constructed once at
// startup and shared by handle, never a lazily initialized global.
type Catalog struct {
	mu      sync.Mutex
	path    string
	records []*Record
	loaded  bool
}

// New constructs a Catalog backed by path. The file is read lazily on
// first use, matching the source's "read once at first use" contract.
func New(path string) *Catalog {
	return &Catalog{path: path}
}

func (c *Catalog) ensureLoaded() error {
	if c.loaded {
		return nil
	}
	data, err := os.ReadFile(c.path)
	if errors.Is(err, os.ErrNotExist) {
		c.records = nil
		c.loaded = true
		return nil
	}
	if err != nil {
		return fmt.Errorf("catalog: reading %s: %w", c.path, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		c.loaded = true
		return nil
	}
	var records []*Record
	if err := json.Unmarshal(data, &records); err != nil {
		return fmt.Errorf("catalog: parsing %s: %w", c.path, err)
	}
	c.records = records
	c.loaded = true
	return nil
}

func (c *Catalog) persistLocked() error {
	data, err := json.MarshalIndent(c.records, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0755); err != nil {
		return err
	}
	return renameio.WriteFile(c.path, data, 0644)
}

func (c *Catalog) findLocked(dir string) (*Record, error) {
	for _, r := range c.records {
		if r.OriginalDirectory == dir {
			return r, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, dir)
}

// CreateEntry adds a new preparing-state record for dir, rejecting
// duplicates.
func (c *Catalog) CreateEntry(dir, description string) (*Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ensureLoaded(); err != nil {
		return nil, err
	}
	if _, err := c.findLocked(dir); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateEntry, dir)
	}
	rec := &Record{
		OriginalDirectory: dir,
		Description:       description,
		State:             StatePreparing,
	}
	c.records = append(c.records, rec)
	if err := c.persistLocked(); err != nil {
		return nil, err
	}
	return rec, nil
}

// RemoveEntry deletes rec entirely, used when prepare is aborted (the
// directory reverts to "never existed").
func (c *Catalog) RemoveEntry(dir string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ensureLoaded(); err != nil {
		return err
	}
	for i, r := range c.records {
		if r.OriginalDirectory == dir {
			c.records = append(c.records[:i], c.records[i+1:]...)
			return c.persistLocked()
		}
	}
	return fmt.Errorf("%w: %s", ErrNotFound, dir)
}

func requireState(rec *Record, want State) error {
	if rec.State != want {
		return fmt.Errorf("%w: have %s, need %s", ErrInvalidTransition, rec.State, want)
	}
	return nil
}

// SetPrepared transitions dir from preparing to prepared.
func (c *Catalog) SetPrepared(dir string, size int64, compressed bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ensureLoaded(); err != nil {
		return err
	}
	rec, err := c.findLocked(dir)
	if err != nil {
		return err
	}
	if err := requireState(rec, StatePreparing); err != nil {
		return err
	}
	now := time.Now()
	rec.Size = size
	rec.SizeQueried = &now
	rec.Compressed = compressed
	rec.State = StatePrepared
	return c.persistLocked()
}

// SetArchivingQueued transitions dir from prepared to archiving_queued.
func (c *Catalog) SetArchivingQueued(dir, tape string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ensureLoaded(); err != nil {
		return err
	}
	rec, err := c.findLocked(dir)
	if err != nil {
		return err
	}
	if err := requireState(rec, StatePrepared); err != nil {
		return err
	}
	rec.Tape = tape
	rec.State = StateArchivingQueued
	return c.persistLocked()
}

// SetArchiving transitions dir from archiving_queued to archiving.
func (c *Catalog) SetArchiving(dir, pathOnTape string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ensureLoaded(); err != nil {
		return err
	}
	rec, err := c.findLocked(dir)
	if err != nil {
		return err
	}
	if err := requireState(rec, StateArchivingQueued); err != nil {
		return err
	}
	rec.PathOnTape = pathOnTape
	rec.State = StateArchiving
	return c.persistLocked()
}

// SetArchived transitions dir from archiving to archived, optionally
// recording a final measured on-tape size.
func (c *Catalog) SetArchived(dir string, size *int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ensureLoaded(); err != nil {
		return err
	}
	rec, err := c.findLocked(dir)
	if err != nil {
		return err
	}
	if err := requireState(rec, StateArchiving); err != nil {
		return err
	}
	if size != nil {
		rec.Size = *size
	}
	now := time.Now()
	rec.Archived = &now
	rec.State = StateArchived
	return c.persistLocked()
}

// Get returns a copy of the record for dir.
func (c *Catalog) Get(dir string) (Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ensureLoaded(); err != nil {
		return Record{}, err
	}
	rec, err := c.findLocked(dir)
	if err != nil {
		return Record{}, err
	}
	return *rec, nil
}

// GetEntriesByState returns copies of every record in state s.
func (c *Catalog) GetEntriesByState(s State) ([]Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ensureLoaded(); err != nil {
		return nil, err
	}
	var out []Record
	for _, r := range c.records {
		if r.State == s {
			out = append(out, *r)
		}
	}
	return out, nil
}

// GetDirectoriesOnTape returns archived records whose Tape == tape.
func (c *Catalog) GetDirectoriesOnTape(tape string) ([]Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ensureLoaded(); err != nil {
		return nil, err
	}
	var out []Record
	for _, r := range c.records {
		if r.Tape == tape && r.State == StateArchived {
			out = append(out, *r)
		}
	}
	return out, nil
}

// GetAllFolders returns copies of every record, regardless of state.
func (c *Catalog) GetAllFolders() ([]Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ensureLoaded(); err != nil {
		return nil, err
	}
	out := make([]Record, len(c.records))
	for i, r := range c.records {
		out[i] = *r
	}
	return out, nil
}

// PlaceDirectory implements the first-fit-decreasing-friendly
// placement search: among known tapes where used+size stays strictly
// under maxSize, returns the most-full candidate that still fits, or
// DoesntFit if none qualify.
func (c *Catalog) PlaceDirectory(size int64, knownTapes []string, maxSize int64) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ensureLoaded(); err != nil {
		return "", err
	}

	used := make(map[string]int64, len(knownTapes))
	for _, t := range knownTapes {
		used[t] = 0
	}
	for _, r := range c.records {
		if r.Tape == "" {
			continue
		}
		if _, known := used[r.Tape]; !known {
			used[r.Tape] = 0
		}
		used[r.Tape] += r.Size
	}

	best := ""
	bestUsed := int64(-1)
	for _, t := range knownTapes {
		u := used[t]
		if u+size < maxSize && u > bestUsed {
			best = t
			bestUsed = u
		}
	}
	if best == "" {
		return DoesntFit, nil
	}
	return best, nil
}

// SuggestOnTapeName derives a default target filename from the
// record's own directory basename, deduplicated against names already
// archived on the target tape.
func (c *Catalog) SuggestOnTapeName(dir, tape string) (string, error) {
	base := filepath.Base(strings.TrimRight(dir, "/"))
	existing, err := c.GetDirectoriesOnTape(tape)
	if err != nil {
		return "", err
	}
	taken := make(map[string]bool, len(existing))
	for _, r := range existing {
		taken[strings.TrimSuffix(r.PathOnTape, ".tar.gz")] = true
	}
	if !taken[base] {
		return base, nil
	}
	for i := 2; ; i++ {
		candidate := fmt.Sprintf("%s-%d", base, i)
		if !taken[candidate] {
			return candidate, nil
		}
	}
}

var stateOrder = []State{StatePreparing, StatePrepared, StateArchivingQueued, StateArchiving, StateArchived}

// Format renders the grouped, human-readable summary across the given
// known tapes: records grouped by state in stateOrder, prepared
// records sorted by SizeQueried descending with a suggested
// placement, archived records reorganized per tape with a "used / max
// (pct)" header, and any non-archived record under a tape header
// color-highlighted when color is true.
func (c *Catalog) Format(knownTapes []string, maxSize int64, color bool) (string, error) {
	c.mu.Lock()
	all := make([]*Record, len(c.records))
	copy(all, c.records)
	c.mu.Unlock()

	var buf strings.Builder
	byState := map[State][]*Record{}
	for _, r := range all {
		byState[r.State] = append(byState[r.State], r)
	}

	for _, s := range stateOrder {
		recs := byState[s]
		if s == StateArchived {
			continue // rendered separately, grouped by tape
		}
		if len(recs) == 0 {
			continue
		}
		fmt.Fprintf(&buf, "== %s ==\n", s)
		if s == StatePrepared {
			sort.SliceStable(recs, func(i, j int) bool {
				ti, tj := recs[i].SizeQueried, recs[j].SizeQueried
				if ti == nil || tj == nil {
					return false
				}
				return ti.After(*tj)
			})
			for _, r := range recs {
				suggestion, _ := c.PlaceDirectory(r.Size, knownTapes, maxSize)
				fmt.Fprintf(&buf, "  %s (%s) -> %s\n", r.OriginalDirectory, humanize.IBytes(uint64(r.Size)*1024), suggestion)
			}
			continue
		}
		for _, r := range recs {
			fmt.Fprintf(&buf, "  %s\n", r.OriginalDirectory)
		}
	}

	// Archived, grouped by tape.
	tapeUsed := map[string]int64{}
	tapeRecs := map[string][]*Record{}
	for _, r := range byState[StateArchived] {
		tapeUsed[r.Tape] += r.Size
		tapeRecs[r.Tape] = append(tapeRecs[r.Tape], r)
	}
	// Also surface non-archived records already assigned to a tape
	// (archiving_queued/archiving) so the header reflects committed
	// work in progress.
	for _, s := range []State{StateArchivingQueued, StateArchiving} {
		for _, r := range byState[s] {
			tapeUsed[r.Tape] += r.Size
			tapeRecs[r.Tape] = append(tapeRecs[r.Tape], r)
		}
	}

	tapes := make([]string, 0, len(tapeRecs))
	for t := range tapeRecs {
		tapes = append(tapes, t)
	}
	sort.Strings(tapes)

	for _, t := range tapes {
		used := tapeUsed[t]
		pct := 0.0
		if maxSize > 0 {
			pct = float64(used) / float64(maxSize) * 100
		}
		fmt.Fprintf(&buf, "== %s %s / %s (%.1f%%) ==\n", t, humanize.IBytes(uint64(used)*1024), humanize.IBytes(uint64(maxSize)*1024), pct)
		recs := tapeRecs[t]
		sort.SliceStable(recs, func(i, j int) bool { return recs[i].Size > recs[j].Size })
		for _, r := range recs {
			line := fmt.Sprintf("  %s (%s)", r.OriginalDirectory, humanize.IBytes(uint64(r.Size)*1024))
			if r.State != StateArchived {
				if color {
					line = "\033[33m" + line + "\033[0m"
				}
			}
			buf.WriteString(line)
			buf.WriteByte('\n')
		}
	}

	return buf.String(), nil
}
