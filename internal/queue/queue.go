// Package queue is the persistent, priority-ordered work queue with a
// single worker: crash-resilient JSON persistence, failure isolation
// (a failed item stays visible but is skipped), and cooperative
// cancellation per item.
package queue

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	jsoniter "github.com/json-iterator/go"
	"github.com/google/renameio/v2"
	"github.com/google/uuid"

	"github.com/tapearchived/tapearchived/internal/logx"
	"github.com/tapearchived/tapearchived/internal/runner"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Kind is the tagged task kind selecting which handler a worker runs,
// replacing the source's dynamic dispatch by coroutine-name string.
type Kind string

const (
	KindPrepare   Kind = "prepare"
	KindArchive   Kind = "archive"
	KindRestore   Kind = "restore"
	KindExplore   Kind = "explore"
	KindInventory Kind = "inventory"
)

// Handler runs one item; it must honor item.Aborted() at the
// checkpoints its task documents.
type Handler func(ctx context.Context, item *Item) error

// Item is one unit of queued work (WorkItem).
type Item struct {
	Priority    int       `json:"priority"`
	Kind        Kind      `json:"coroutine"`
	Args        []string  `json:"args"`
	Description string    `json:"description"`
	Created     time.Time `json:"created"`
	ErrorMsg    string    `json:"error_msg"`

	// transient, never persisted
	hashSeed  float64
	ExecuteID string `json:"-"`
	progress  string
	running   bool
	abort     *runner.Abort
	mu        sync.Mutex
}

const createdLayout = "Jan 2 2006 15:04:05"

type itemJSON struct {
	Priority    int      `json:"priority"`
	Kind        Kind     `json:"coroutine"`
	Args        []string `json:"args"`
	Description string   `json:"description"`
	Created     string   `json:"created"`
	ErrorMsg    string   `json:"error_msg"`
}

func newItem(priority int, kind Kind, args []string, description string) *Item {
	return &Item{
		Priority:    priority,
		Kind:        kind,
		Args:        args,
		Description: description,
		Created:     time.Now(),
		hashSeed:    rand.Float64(),
		abort:       runner.NewAbort(),
	}
}

// ShortID is the stable 8-hex-character short form of the item's
// identity, replacing CPython's randomized hash() with a real 64-bit
// hash over a per-item random seed fixed at creation.
func (i *Item) ShortID() string {
	var buf [8]byte
	bits := i.hashSeed
	for b := range buf {
		bits *= 256
		buf[b] = byte(bits)
	}
	return fmt.Sprintf("%08x", xxhash.Sum64(buf[:])&0xffffffff)
}

// UpdateProgress records the latest human-readable progress string.
func (i *Item) UpdateProgress(s string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.progress = s
}

// Progress returns the latest progress string.
func (i *Item) Progress() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.progress
}

// IsRunning reports whether the worker currently holds this item.
func (i *Item) IsRunning() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.running
}

// IsError reports whether the item is quarantined by a prior failure.
func (i *Item) IsError() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.ErrorMsg != ""
}

// RequestAbort trips the item's cancellation token.
func (i *Item) RequestAbort() {
	i.abort.Set()
}

// Aborted reports whether the item's cancellation token has tripped.
func (i *Item) Aborted() bool {
	return i.abort.IsSet()
}

// Abort exposes the runner-compatible cancellation token for task
// procedures that shell out via internal/runner.
func (i *Item) Abort() *runner.Abort {
	return i.abort
}

func (i *Item) String() string { return i.ShortID() }

func (i *Item) setRunning(v bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.running = v
}

// Queue is the daemon-scoped work queue: constructed once at startup,
// shared by handle.
type Queue struct {
	mu       sync.Mutex
	path     string
	items    []*Item
	loaded   bool
	execID   string
	handlers map[Kind]Handler
}

// New constructs a Queue backed by path, rehydrating any items already
// persisted there, and stamps executeID on every item created or
// rehydrated during this daemon run.
func New(path string) *Queue {
	q := &Queue{path: path, execID: uuid.NewString(), handlers: map[Kind]Handler{}}
	if err := q.ensureLoadedLocked(); err != nil {
		logx.Errorf(nil, "queue: %v", err)
	}
	return q
}

// RegisterHandler wires a task procedure to the kind the worker
// dispatches it for.
func (q *Queue) RegisterHandler(kind Kind, h Handler) {
	q.handlers[kind] = h
}

func (q *Queue) ensureLoadedLocked() error {
	if q.loaded {
		return nil
	}
	data, err := os.ReadFile(q.path)
	if errors.Is(err, os.ErrNotExist) {
		q.loaded = true
		return nil
	}
	if err != nil {
		return fmt.Errorf("queue: reading %s: %w", q.path, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		q.loaded = true
		return nil
	}
	var raw []itemJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("queue: parsing %s: %w", q.path, err)
	}
	for _, r := range raw {
		created, err := time.Parse(createdLayout, r.Created)
		if err != nil {
			created = time.Now()
		}
		item := &Item{
			Priority:    r.Priority,
			Kind:        r.Kind,
			Args:        r.Args,
			Description: r.Description,
			Created:     created,
			ErrorMsg:    r.ErrorMsg,
			hashSeed:    rand.Float64(),
			abort:       runner.NewAbort(),
			ExecuteID:   q.execID,
		}
		q.items = append(q.items, item)
	}
	q.loaded = true
	return nil
}

func (q *Queue) persistLocked() error {
	raw := make([]itemJSON, len(q.items))
	for i, item := range q.items {
		raw[i] = itemJSON{
			Priority:    item.Priority,
			Kind:        item.Kind,
			Args:        item.Args,
			Description: item.Description,
			Created:     item.Created.Format(createdLayout),
			ErrorMsg:    item.ErrorMsg,
		}
	}
	data, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(q.path), 0755); err != nil {
		return err
	}
	return renameio.WriteFile(q.path, data, 0644)
}

// Append adds a new item and persists.
func (q *Queue) Append(priority int, kind Kind, args []string, description string) (*Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.ensureLoadedLocked(); err != nil {
		return nil, err
	}
	item := newItem(priority, kind, args, description)
	item.ExecuteID = q.execID
	q.items = append(q.items, item)
	if err := q.persistLocked(); err != nil {
		return nil, err
	}
	return item, nil
}

// Remove deletes item from the queue and persists.
func (q *Queue) Remove(item *Item) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, it := range q.items {
		if it == item {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return q.persistLocked()
		}
	}
	return nil
}

// RemoveByShortID deletes the item whose ShortID matches id. Returns
// false if no such item exists.
func (q *Queue) RemoveByShortID(id string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, it := range q.items {
		if it.ShortID() == id {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return true, q.persistLocked()
		}
	}
	return false, nil
}

// Find returns the item whose ShortID matches id.
func (q *Queue) Find(id string) (*Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, it := range q.items {
		if it.ShortID() == id {
			return it, true
		}
	}
	return nil, false
}

// Requeue clears ErrorMsg on the failed item matching id.
func (q *Queue) Requeue(id string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, it := range q.items {
		if it.ShortID() == id {
			it.mu.Lock()
			it.ErrorMsg = ""
			it.mu.Unlock()
			return true, q.persistLocked()
		}
	}
	return false, nil
}

// All returns a stable-ordered snapshot of every item (failed items
// first, then running/queued sorted by priority), matching the
// `queue` command's rendering order.
func (q *Queue) All() []*Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*Item, len(q.items))
	copy(out, q.items)
	sort.SliceStable(out, func(i, j int) bool {
		iErr, jErr := out[i].IsError(), out[j].IsError()
		if iErr != jErr {
			return iErr
		}
		if iErr && jErr {
			return false
		}
		return out[i].Priority < out[j].Priority
	})
	return out
}

// GetTop returns the lowest-priority healthy item, ties broken by
// creation order, or nil if none are healthy.
func (q *Queue) GetTop() *Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	var best *Item
	for _, it := range q.items {
		if it.IsError() {
			continue
		}
		if best == nil || it.Priority < best.Priority {
			best = it
		}
	}
	return best
}

// Worker runs the single long-lived loop: pick the top healthy item,
// run its handler, remove on success, quarantine with ErrorMsg on
// failure (including a recovered panic), and repeat until ctx is
// canceled.
func (q *Queue) Worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := q.ensureLoadedForWorker(); err != nil {
			logx.Errorf(nil, "queue: failed to load on worker start: %v", err)
		}

		item := q.GetTop()
		if item == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		q.runOne(ctx, item)
	}
}

func (q *Queue) ensureLoadedForWorker() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ensureLoadedLocked()
}

func (q *Queue) runOne(ctx context.Context, item *Item) {
	item.setRunning(true)
	defer item.setRunning(false)

	handler, ok := q.handlers[item.Kind]
	if !ok {
		q.failItem(item, fmt.Errorf("queue: no handler registered for kind %q", item.Kind))
		return
	}

	err := runProtected(ctx, handler, item)
	if err != nil {
		q.failItem(item, err)
		return
	}
	if removeErr := q.Remove(item); removeErr != nil {
		logx.Errorf(item, "queue: failed to persist removal after success: %v", removeErr)
	}
}

func runProtected(ctx context.Context, handler Handler, item *Item) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panic: %v", r)
		}
	}()
	return handler(ctx, item)
}

func (q *Queue) failItem(item *Item, err error) {
	item.mu.Lock()
	item.ErrorMsg = err.Error()
	item.mu.Unlock()
	logx.Errorf(item, "task failed: %v", err)
	q.mu.Lock()
	persistErr := q.persistLocked()
	q.mu.Unlock()
	if persistErr != nil {
		logx.Errorf(item, "queue: failed to persist failure: %v", persistErr)
	}
}
