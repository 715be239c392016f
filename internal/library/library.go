// Package library drives the tape changer, drive, and LTFS mount
// through an idempotent ensure-state model, and checks the mounted
// tape's contents against the catalog.
package library

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	cache "github.com/patrickmn/go-cache"

	"github.com/tapearchived/tapearchived/internal/catalog"
	"github.com/tapearchived/tapearchived/internal/logx"
	"github.com/tapearchived/tapearchived/internal/runner"
)

// Mountpoint is the fixed LTFS mount location.
const Mountpoint = "/ltfs"

// ErrCleaningCartridge is returned by EnsureTapeLoaded for tags
// beginning "CLN".
var ErrCleaningCartridge = errors.New("library: refusing to load a cleaning cartridge")

// ErrUnsupportedSubpath is raised by CheckConsistency for a
// path_on_tape value containing a path separator.
var ErrUnsupportedSubpath = errors.New("library: subpaths under a tape entry are not supported")

// SlotStatus is whether a changer slot holds a cartridge.
type SlotStatus int

const (
	Empty SlotStatus = iota
	Full
)

// SlotKind distinguishes the drive slot (0) from storage slots.
type SlotKind int

const (
	KindDrive SlotKind = iota
	KindStorage
)

// Slot is one entry of the changer's slot map.
type Slot struct {
	Index     int
	Status    SlotStatus
	VolumeTag string
	Kind      SlotKind
}

// SlotMap is the full changer state, keyed by slot index.
type SlotMap map[int]Slot

var (
	storageLine = regexp.MustCompile(`^\s*Storage Element (\d+):(Empty|Full)(?:\s*:VolumeTag=(\S+))?`)
	driveLine   = regexp.MustCompile(`^\s*Data Transfer Element (\d+):(Empty|Full)(?:\s*\(.*Loaded\))?(?:\s*:VolumeTag\s*=\s*(\S+))?`)
)

// Library is the daemon-scoped changer/drive/LTFS controller.
type Library struct {
	device     string
	driveSerial string
	catalog    *catalog.Catalog
	statusCache *cache.Cache
}

// New constructs a Library talking to the changer at device and the
// drive with the given serial, validating consistency against cat.
func New(device, driveSerial string, cat *catalog.Catalog) *Library {
	return &Library{
		device:      device,
		driveSerial: driveSerial,
		catalog:     cat,
		statusCache: cache.New(2*time.Second, 10*time.Second),
	}
}

// GetStatus returns the changer's slot map, served from a short-TTL
// cache to avoid redundant `mtx status` process spawns across
// back-to-back validations.
func (l *Library) GetStatus(ctx context.Context) (SlotMap, error) {
	if v, ok := l.statusCache.Get("status"); ok {
		return v.(SlotMap), nil
	}
	return l.GetStatusFresh(ctx)
}

// GetStatusFresh bypasses the cache; any ensure-operation about to
// mutate drive state must call this, not GetStatus.
func (l *Library) GetStatusFresh(ctx context.Context) (SlotMap, error) {
	stdout, _, err := runner.Run(ctx, "mtx", []string{"-f", l.device, "status"}, runner.Opts{
		PreserveStdout: true,
		Subject:        logx.Of(l.device),
	})
	if err != nil {
		return nil, err
	}
	slots, err := parseStatus(stdout)
	if err != nil {
		return nil, err
	}
	l.statusCache.Set("status", slots, cache.DefaultExpiration)
	return slots, nil
}

func parseStatus(output string) (SlotMap, error) {
	slots := SlotMap{}
	for _, line := range strings.Split(output, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		if m := storageLine.FindStringSubmatch(line); m != nil {
			idx, _ := strconv.Atoi(m[1])
			status := Empty
			if m[2] == "Full" {
				status = Full
			}
			slots[idx] = Slot{Index: idx, Status: status, VolumeTag: m[3], Kind: KindStorage}
			continue
		}
		if strings.Contains(line, "Data Transfer Element") {
			m := driveLine.FindStringSubmatch(line)
			if m == nil {
				return nil, fmt.Errorf("library: unparseable mtx status line: %q", line)
			}
			idx, _ := strconv.Atoi(m[1])
			status := Empty
			if m[2] == "Full" {
				status = Full
			}
			slots[idx] = Slot{Index: idx, Status: status, VolumeTag: m[3], Kind: KindDrive}
			continue
		}
		// Boilerplate lines (the "Storage Changer ..." header, blank
		// separators) neither match a known form nor claim to be a
		// drive line, so they are skipped rather than treated as an
		// error, matching the original parser's disambiguation.
	}
	return slots, nil
}

// GetAvailableTapes returns volume-tag slots for full storage slots.
func (l *Library) GetAvailableTapes(ctx context.Context) (map[string]int, error) {
	status, err := l.GetStatus(ctx)
	if err != nil {
		return nil, err
	}
	out := map[string]int{}
	for _, s := range status {
		if s.Kind == KindStorage && s.Status == Full && s.VolumeTag != "" {
			out[s.VolumeTag] = s.Index
		}
	}
	return out, nil
}

// GetEmptySlots returns the indices of empty storage slots.
func (l *Library) GetEmptySlots(ctx context.Context) ([]int, error) {
	status, err := l.GetStatus(ctx)
	if err != nil {
		return nil, err
	}
	var out []int
	for _, s := range status {
		if s.Kind == KindStorage && s.Status == Empty {
			out = append(out, s.Index)
		}
	}
	sort.Ints(out)
	return out, nil
}

// FindTape returns the storage slot holding tag, matched exactly (no
// "+L9" fallback — see the daemon's note on this historical
// inconsistency).
func (l *Library) FindTape(ctx context.Context, tag string) (int, bool, error) {
	tapes, err := l.GetAvailableTapes(ctx)
	if err != nil {
		return 0, false, err
	}
	slot, ok := tapes[tag]
	return slot, ok, nil
}

// DriveEmpty reports whether slot 0 is empty.
func (l *Library) DriveEmpty(ctx context.Context) (bool, error) {
	status, err := l.GetStatus(ctx)
	if err != nil {
		return false, err
	}
	return status[0].Status == Empty, nil
}

// GetAllTapes unions catalog-known tapes with currently-loaded tapes,
// tolerating a changer failure by falling back to catalog-only.
func (l *Library) GetAllTapes(ctx context.Context) ([]string, error) {
	seen := map[string]bool{}
	folders, err := l.catalog.GetAllFolders()
	if err != nil {
		return nil, err
	}
	for _, r := range folders {
		if r.Tape != "" {
			seen[r.Tape] = true
		}
	}
	if tapes, err := l.GetAvailableTapes(ctx); err == nil {
		for tag := range tapes {
			seen[tag] = true
		}
	} else {
		logx.Errorf(logx.Of(l.device), "changer unreachable, falling back to catalog-only tape set: %v", err)
	}
	out := make([]string, 0, len(seen))
	for t := range seen {
		out = append(out, t)
	}
	sort.Strings(out)
	return out, nil
}

// IsMounted reports whether Mountpoint appears in /proc/mounts.
func IsMounted() (bool, error) {
	f, err := os.Open("/proc/mounts")
	if err != nil {
		return false, err
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) >= 2 && fields[1] == Mountpoint {
			return true, nil
		}
	}
	return false, scanner.Err()
}

// EnsureTapeUnmounted unmounts Mountpoint if mounted, then sleeps 5s
// to let the drive settle. A no-op when already unmounted.
func (l *Library) EnsureTapeUnmounted(ctx context.Context, progress func(string), abort *runner.Abort) error {
	mounted, err := IsMounted()
	if err != nil {
		return err
	}
	if !mounted {
		return nil
	}
	if progress != nil {
		progress("unmounting " + Mountpoint)
	}
	if abort != nil && abort.IsSet() {
		return nil
	}
	if _, _, err := runner.Run(ctx, "umount", []string{Mountpoint}, runner.Opts{Abort: abort}); err != nil {
		return err
	}
	select {
	case <-time.After(5 * time.Second):
	case <-abortDone(abort):
	}
	return nil
}

// EnsureTapeUnloaded ensures the drive is unmounted, then unloads any
// loaded cartridge into the first empty storage slot.
func (l *Library) EnsureTapeUnloaded(ctx context.Context, progress func(string), abort *runner.Abort) error {
	status, err := l.GetStatusFresh(ctx)
	if err != nil {
		return err
	}
	if status[0].Status == Empty {
		return nil
	}
	if err := l.EnsureTapeUnmounted(ctx, progress, abort); err != nil {
		return err
	}
	if abort != nil && abort.IsSet() {
		return nil
	}
	slots, err := l.GetEmptySlots(ctx)
	if err != nil {
		return err
	}
	if len(slots) == 0 {
		return fmt.Errorf("library: no empty storage slot to unload into")
	}
	if progress != nil {
		progress(fmt.Sprintf("unloading drive into slot %d", slots[0]))
	}
	_, _, err = runner.Run(ctx, "mtx", []string{"-f", l.device, "unload", strconv.Itoa(slots[0])}, runner.Opts{Abort: abort})
	if err != nil {
		return err
	}
	l.statusCache.Delete("status")
	return nil
}

// EnsureTapeLoaded loads tag into the drive, unloading whatever was
// there first if it differs. Refuses cleaning cartridges.
func (l *Library) EnsureTapeLoaded(ctx context.Context, tag string, progress func(string), abort *runner.Abort) error {
	if strings.HasPrefix(tag, "CLN") {
		return fmt.Errorf("%w: %s", ErrCleaningCartridge, tag)
	}
	status, err := l.GetStatusFresh(ctx)
	if err != nil {
		return err
	}
	if status[0].Status == Full && status[0].VolumeTag == tag {
		return nil
	}
	if err := l.EnsureTapeUnloaded(ctx, progress, abort); err != nil {
		return err
	}
	if abort != nil && abort.IsSet() {
		return nil
	}
	slot, ok, err := l.FindTape(ctx, tag)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("library: tape %s not present in library", tag)
	}
	if progress != nil {
		progress(fmt.Sprintf("loading %s from slot %d", tag, slot))
	}
	_, _, err = runner.Run(ctx, "mtx", []string{"-f", l.device, "load", strconv.Itoa(slot)}, runner.Opts{Abort: abort})
	l.statusCache.Delete("status")
	return err
}

const alreadyFormattedNotice = "LTFS15047E Medium is already formatted"

// EnsureTapeMounted loads, (if needed) formats, and mounts tag at
// Mountpoint, then runs a consistency check. suppressConsistency
// silences the consistency-check warning for callers (the archive
// task) that are about to write and so expect the mount to diverge
// from the catalog momentarily.
func (l *Library) EnsureTapeMounted(ctx context.Context, tag string, suppressConsistency bool, progress func(string), abort *runner.Abort) error {
	status, err := l.GetStatusFresh(ctx)
	if err != nil {
		return err
	}
	mounted, err := IsMounted()
	if err != nil {
		return err
	}
	if status[0].Status == Full && status[0].VolumeTag == tag && mounted {
		return l.CheckConsistency(tag, suppressConsistency)
	}

	if err := l.EnsureTapeLoaded(ctx, tag, progress, abort); err != nil {
		return err
	}
	if abort != nil && abort.IsSet() {
		return nil
	}

	archived, err := l.catalog.GetDirectoriesOnTape(tag)
	if err != nil {
		return err
	}
	expectFilesystem := len(archived) > 0

	if !expectFilesystem {
		if progress != nil {
			progress("formatting " + tag)
		}
		barcode := tag
		if len(barcode) > 6 {
			barcode = barcode[:6]
		}
		_, stderr, err := runner.Run(ctx, "mkltfs", []string{"-d", l.driveSerial, "-s", barcode}, runner.Opts{
			PreserveStderr: true,
			Abort:          abort,
		})
		if err != nil {
			var failed *runner.Failed
			if !(errors.As(err, &failed) && strings.Contains(stderr, alreadyFormattedNotice)) {
				return err
			}
		}
	}
	if abort != nil && abort.IsSet() {
		return nil
	}

	if progress != nil {
		progress("mounting " + Mountpoint)
	}
	if err := os.MkdirAll(Mountpoint, 0755); err != nil {
		return err
	}
	if _, _, err := runner.Run(ctx, "ltfs", []string{"-o", "devname=" + l.driveSerial, Mountpoint}, runner.Opts{Abort: abort}); err != nil {
		return err
	}

	return l.CheckConsistency(tag, suppressConsistency)
}

// CheckConsistency compares the mounted tape's top-level entries to
// the catalog's archived path_on_tape values for this tape. A
// mismatch is logged, never fatal, unless suppressed (used while an
// archive is in progress and divergence is expected).
func (l *Library) CheckConsistency(tag string, suppress bool) error {
	archived, err := l.catalog.GetDirectoriesOnTape(tag)
	if err != nil {
		return err
	}
	expected := make([]string, 0, len(archived))
	for _, r := range archived {
		if strings.Contains(r.PathOnTape, "/") {
			return fmt.Errorf("%w: %s", ErrUnsupportedSubpath, r.PathOnTape)
		}
		expected = append(expected, r.PathOnTape)
	}
	sort.Strings(expected)

	entries, err := os.ReadDir(Mountpoint)
	if err != nil {
		return err
	}
	actual := make([]string, 0, len(entries))
	for _, e := range entries {
		actual = append(actual, e.Name())
	}
	sort.Strings(actual)

	if suppress {
		return nil
	}
	if !equalStrings(expected, actual) {
		logx.Errorf(logx.Of(tag), "catalog/tape mismatch: catalog has %v, tape has %v", expected, actual)
	}
	return nil
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func abortDone(a *runner.Abort) <-chan struct{} {
	if a == nil {
		return nil
	}
	return a.Done()
}
