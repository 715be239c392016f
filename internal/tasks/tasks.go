// Package tasks implements the five long-running archival procedures
// (prepare, archive, restore, explore, inventory) built from
// internal/runner, internal/catalog, and internal/library.
package tasks

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/djherbis/times"
	"github.com/hashicorp/go-multierror"

	"github.com/tapearchived/tapearchived/internal/catalog"
	"github.com/tapearchived/tapearchived/internal/config"
	"github.com/tapearchived/tapearchived/internal/library"
	"github.com/tapearchived/tapearchived/internal/logx"
	"github.com/tapearchived/tapearchived/internal/mailer"
	"github.com/tapearchived/tapearchived/internal/queue"
	"github.com/tapearchived/tapearchived/internal/runner"
)

// ErrVerificationFailed is raised when a post-copy size-listing
// comparison between source and destination disagrees.
var ErrVerificationFailed = errors.New("tasks: source/target listings do not match")

// inodeCompressionThreshold is the file-count above which prepare
// forces compression regardless of the caller's flag.
const inodeCompressionThreshold = 500_000

// Deps bundles the collaborators every task procedure needs.
type Deps struct {
	Catalog *catalog.Catalog
	Library *library.Library
	Config  *config.Config
	Mailer  *mailer.Mailer
}

// Prepare computes a directory's archival size (and, past the inode
// threshold or when requested, compresses it first) and transitions
// its catalog record to prepared. Args: [folder, compress("1"|"0")].
func Prepare(d *Deps) queue.Handler {
	return func(ctx context.Context, item *queue.Item) error {
		folder := item.Args[0]
		wantCompress := len(item.Args) > 1 && item.Args[1] == "1"

		abortRevert := func() error {
			logx.Infof(item, "prepare aborted, reverting %s", folder)
			return d.Catalog.RemoveEntry(folder)
		}

		if item.Aborted() {
			return abortRevert()
		}

		item.UpdateProgress("computing size")
		size, err := duKB(ctx, folder, item)
		if err != nil {
			return err
		}

		if item.Aborted() {
			return abortRevert()
		}

		item.UpdateProgress("counting files")
		count, err := countFiles(ctx, folder, item)
		if err != nil {
			return err
		}

		compressed := wantCompress || count > inodeCompressionThreshold
		if compressed {
			if item.Aborted() {
				return abortRevert()
			}
			item.UpdateProgress("compressing")
			archivePath := folder + ".tar.gz"
			if _, _, err := runner.Run(ctx, "tar", []string{"czf", archivePath, folder}, runner.Opts{
				Abort: item.Abort(), Subject: item,
			}); err != nil {
				return err
			}
			size, err = duKB(ctx, archivePath, item)
			if err != nil {
				return err
			}
		}

		if item.Aborted() {
			return abortRevert()
		}

		return d.Catalog.SetPrepared(folder, size, compressed)
	}
}

// Archive mounts the target tape, verifies free space, copies the
// prepared directory onto it, verifies the copy, and unmounts. Args:
// [folder, tapeLabel, targetFilename].
func Archive(d *Deps) queue.Handler {
	return func(ctx context.Context, item *queue.Item) error {
		folder, tape, target := item.Args[0], item.Args[1], item.Args[2]

		item.UpdateProgress("mounting tape " + tape)
		if err := d.Library.EnsureTapeMounted(ctx, tape, true, item.UpdateProgress, item.Abort()); err != nil {
			return err
		}
		if item.Aborted() {
			return nil
		}

		rec, err := d.Catalog.Get(folder)
		if err != nil {
			return err
		}

		item.UpdateProgress("checking free space")
		free, err := dfAvailableKB(ctx, library.Mountpoint, item)
		if err != nil {
			return err
		}
		if free < rec.Size {
			return fmt.Errorf("tasks: insufficient free space on %s: need %d KB, have %d KB", tape, rec.Size, free)
		}

		destPath := filepath.Join(library.Mountpoint, target)
		if err := d.Catalog.SetArchiving(folder, target+suffixFor(rec.Compressed)); err != nil {
			return err
		}

		if rec.Compressed {
			if err := archiveCompressed(ctx, item, folder, destPath); err != nil {
				return err
			}
		} else {
			if err := archiveTree(ctx, d, item, folder, destPath); err != nil {
				return err
			}
		}

		if item.Aborted() {
			logx.Infof(item, "archive of %s past copy point, finishing bookkeeping despite abort", folder)
		}

		measurePath := destPath
		if rec.Compressed {
			measurePath = destPath + ".tar.gz"
		}
		item.UpdateProgress("measuring on-tape size")
		size, err := duKB(ctx, measurePath, item)
		if err != nil {
			return err
		}
		if err := d.Catalog.SetArchived(folder, &size); err != nil {
			return err
		}

		return unmountWithBackoff(ctx, d, item)
	}
}

func suffixFor(compressed bool) string {
	if compressed {
		return ".tar.gz"
	}
	return ""
}

func archiveCompressed(ctx context.Context, item *queue.Item, folder, destPath string) error {
	archivePath := folder + ".tar.gz"
	destTarGz := destPath + ".tar.gz"
	if _, err := os.Stat(destTarGz); err == nil {
		return fmt.Errorf("tasks: refusing to overwrite existing %s", destTarGz)
	}
	item.UpdateProgress("copying compressed archive to tape")
	if _, _, err := runner.Run(ctx, "rsync", []string{"-auvp", "--info=progress2", archivePath, destTarGz}, runner.Opts{
		Abort: item.Abort(), Subject: item,
		OnStdout: item.UpdateProgress,
	}); err != nil {
		return err
	}
	_, _, err := runner.Run(ctx, "rm", []string{archivePath}, runner.Opts{Subject: item})
	return err
}

func archiveTree(ctx context.Context, d *Deps, item *queue.Item, folder, destPath string) error {
	if err := os.MkdirAll(destPath, 0755); err != nil {
		return err
	}

	if item.Aborted() {
		logx.Infof(item, "archive aborted before copy, removing empty %s", destPath)
		os.Remove(destPath)
		return nil
	}

	item.UpdateProgress("listing source files")
	excludeArgs := excludeArgsFor(d.Config.ExcludeFolders())
	findArgs := append([]string{"."}, excludeArgs...)
	findArgs = append(findArgs, "-type", "f")
	fileList, _, err := runner.Run(ctx, "find", findArgs, runner.Opts{Dir: folder, PreserveStdout: true, Subject: item})
	if err != nil {
		return err
	}

	if item.Aborted() {
		logx.Infof(item, "archive aborted before copy, removing empty %s", destPath)
		os.Remove(destPath)
		return nil
	}

	item.UpdateProgress("ordering the files for writing to tape...")
	if _, _, err := runner.Run(ctx, "ordered_copy.py", []string{destPath, "--keep-tree=."}, runner.Opts{
		Dir:            folder,
		Stdin:          []byte(fileList),
		Abort:          item.Abort(),
		Subject:        item,
		OnStdout:       item.UpdateProgress,
	}); err != nil {
		return err
	}

	return verifyListingsMatch(ctx, item, folder, excludeArgs, destPath)
}

// verifyListingsMatch compares relative `find . -type f -printf "%p
// %s\n"` listings of src and dst (excludes applied to src only,
// matching what the copy itself excluded); on mismatch, both listings
// are written to /tmp for operator inspection, exactly as the daemon
// this replaces does.
func verifyListingsMatch(ctx context.Context, item *queue.Item, src string, srcExcludes []string, dst string) error {
	item.UpdateProgress("verifying copy")
	srcList, err := findSizeListing(ctx, src, srcExcludes, item)
	if err != nil {
		return err
	}
	dstList, err := findSizeListing(ctx, dst, nil, item)
	if err != nil {
		return err
	}
	if srcList == dstList {
		return nil
	}
	os.WriteFile("/tmp/source.txt", []byte(srcList), 0644)
	os.WriteFile("/tmp/target.txt", []byte(dstList), 0644)
	return fmt.Errorf("%w: %s vs %s", ErrVerificationFailed, src, dst)
}

func findSizeListing(ctx context.Context, dir string, excludes []string, subject logx.Subject) (string, error) {
	args := append([]string{"."}, excludes...)
	args = append(args, "-type", "f", "-printf", "%p %s\n")
	out, _, err := runner.Run(ctx, "find", args, runner.Opts{
		Dir: dir, PreserveStdout: true, Subject: subject,
	})
	if err != nil {
		return "", err
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	sort.Strings(lines)
	return strings.Join(lines, "\n"), nil
}

func unmountWithBackoff(ctx context.Context, d *Deps, item *queue.Item) error {
	var lastErr error
	for attempt := 0; attempt < 10; attempt++ {
		if err := d.Library.EnsureTapeUnmounted(ctx, item.UpdateProgress, nil); err != nil {
			lastErr = err
			logx.Errorf(item, "unmount attempt %d failed: %v; retrying in 30s", attempt+1, err)
			time.Sleep(30 * time.Second)
			continue
		}
		return nil
	}
	return fmt.Errorf("tasks: failed to unmount after 10 attempts: %w", lastErr)
}

// Restore copies an archived directory's tree (or a named subfolder)
// back off tape. Args: [folder, restorePath, subfolder].
func Restore(d *Deps) queue.Handler {
	return func(ctx context.Context, item *queue.Item) error {
		folder, restorePath := item.Args[0], item.Args[1]
		subfolder := ""
		if len(item.Args) > 2 {
			subfolder = item.Args[2]
		}

		rec, err := d.Catalog.Get(folder)
		if err != nil {
			return err
		}

		item.UpdateProgress("mounting tape " + rec.Tape)
		if err := d.Library.EnsureTapeMounted(ctx, rec.Tape, false, item.UpdateProgress, item.Abort()); err != nil {
			return err
		}
		if item.Aborted() {
			return nil
		}

		if err := os.MkdirAll(restorePath, 0755); err != nil {
			return err
		}

		src := filepath.Join(library.Mountpoint, rec.PathOnTape, subfolder)
		item.UpdateProgress("restoring from tape")
		if _, _, err := runner.Run(ctx, "ordered_copy.py", []string{src, restorePath, "-a"}, runner.Opts{
			Abort: item.Abort(), Subject: item, OnStdout: item.UpdateProgress,
		}); err != nil {
			return err
		}

		if err := verifyListingsMatch(ctx, item, src, nil, restorePath); err != nil {
			return err
		}

		return d.Library.EnsureTapeUnmounted(ctx, item.UpdateProgress, item.Abort())
	}
}

// Explore mounts a tape and exports it over NFS for a bounded window,
// then tears the export and mount back down. Args: [tapeLabel,
// seconds, email].
func Explore(d *Deps) queue.Handler {
	return func(ctx context.Context, item *queue.Item) error {
		tape := item.Args[0]
		seconds := 600
		if len(item.Args) > 1 {
			if n, err := strconv.Atoi(item.Args[1]); err == nil {
				seconds = n
			}
		}
		email := ""
		if len(item.Args) > 2 {
			email = item.Args[2]
		}

		item.UpdateProgress("mounting tape " + tape)
		if err := d.Library.EnsureTapeMounted(ctx, tape, false, item.UpdateProgress, item.Abort()); err != nil {
			return err
		}
		if item.Aborted() {
			return nil
		}

		item.UpdateProgress("exporting over NFS")
		if _, _, err := runner.Run(ctx, "exportfs", []string{"-o", d.Config.NFSExportOptions(), "*:" + library.Mountpoint}, runner.Opts{Subject: item}); err != nil {
			return err
		}

		if email != "" && d.Mailer != nil {
			unmountAt := time.Now().Add(time.Duration(seconds) * time.Second)
			d.Mailer.Send(email, "tape "+tape+" available",
				fmt.Sprintf("Tape %s is mounted at %s and exported; it will be unmounted at %s.",
					tape, library.Mountpoint, unmountAt.Format(time.RFC1123)))
		}

	waitLoop:
		for elapsed := 0; elapsed < seconds; elapsed++ {
			if item.Aborted() {
				break waitLoop
			}
			item.UpdateProgress(fmt.Sprintf("%ds / %ds", elapsed, seconds))
			select {
			case <-ctx.Done():
				break waitLoop
			case <-time.After(time.Second):
			}
		}

		return teardownExplore(ctx, d, item)
	}
}

func teardownExplore(ctx context.Context, d *Deps, item *queue.Item) error {
	item.UpdateProgress("tearing down export")
	if _, _, err := runner.Run(ctx, "exportfs", []string{"-u", "*:" + library.Mountpoint}, runner.Opts{Subject: item}); err != nil {
		logx.Errorf(item, "exportfs -u failed: %v", err)
	}

	_, _, err := runner.Run(ctx, "fuser", []string{"-km", library.Mountpoint}, runner.Opts{Subject: item})
	if err != nil {
		var failed *runner.Failed
		if !(errors.As(err, &failed) && failed.ExitCode == 1) {
			logx.Errorf(item, "fuser -km failed: %v", err)
		}
	}

	return d.Library.EnsureTapeUnmounted(ctx, item.UpdateProgress, nil)
}

// Inventory reports, per source folder's direct subdirectories, size
// and age bucket, and emails the rendered report. Args: folder list.
func Inventory(d *Deps) queue.Handler {
	return func(ctx context.Context, item *queue.Item) error {
		folders := item.Args
		if len(folders) == 0 {
			folders = d.Config.SourceFolders()
		}

		type entry struct {
			path   string
			sizeKB int64
			bucket string
		}
		var entries []entry
		var errs error

		for _, folder := range folders {
			if item.Aborted() {
				return nil
			}
			subdirs, err := os.ReadDir(folder)
			if err != nil {
				errs = multierror.Append(errs, err)
				continue
			}
			for _, sub := range subdirs {
				if !sub.IsDir() {
					continue
				}
				full := filepath.Join(folder, sub.Name())
				item.UpdateProgress("measuring " + full)
				size, err := duKB(ctx, full, item)
				if err != nil {
					errs = multierror.Append(errs, err)
					continue
				}
				entries = append(entries, entry{path: full, sizeKB: size, bucket: ageBucket(full)})
			}
		}

		sort.SliceStable(entries, func(i, j int) bool { return entries[i].sizeKB > entries[j].sizeKB })

		byBucket := map[string][]entry{}
		for _, e := range entries {
			byBucket[e.bucket] = append(byBucket[e.bucket], e)
		}

		var report strings.Builder
		for _, bucket := range []string{"2y+", "1y+", "6mo+", "recent"} {
			group := byBucket[bucket]
			if len(group) == 0 {
				continue
			}
			fmt.Fprintf(&report, "== %s ==\n", bucket)
			for _, e := range group {
				fmt.Fprintf(&report, "  %s (%d KB)\n", e.path, e.sizeKB)
			}
		}

		if d.Mailer != nil {
			if err := d.Mailer.Send("", "inventory report", report.String()); err != nil {
				errs = multierror.Append(errs, err)
			}
		}

		return errs
	}
}

func ageBucket(path string) string {
	ts, err := times.Stat(path)
	var when time.Time
	if err == nil {
		if b, ok := ts.(times.Birther); ok && b.HasBirthTime() {
			when = b.BirthTime()
		} else {
			when = ts.ModTime()
		}
	} else {
		when = time.Now()
	}
	age := time.Since(when)
	switch {
	case age >= 2*365*24*time.Hour:
		return "2y+"
	case age >= 365*24*time.Hour:
		return "1y+"
	case age >= 182*24*time.Hour:
		return "6mo+"
	default:
		return "recent"
	}
}

func excludeArgsFor(excludes []string) []string {
	var out []string
	for _, e := range excludes {
		out = append(out, "-not", "-path", "./"+e+"/*")
	}
	return out
}

func duKB(ctx context.Context, path string, subject logx.Subject) (int64, error) {
	out, _, err := runner.Run(ctx, "du", []string{"-s", path}, runner.Opts{PreserveStdout: true, Subject: subject})
	if err != nil {
		return 0, err
	}
	return parseDuOutput(out)
}

func parseDuOutput(out string) (int64, error) {
	fields := strings.Fields(out)
	if len(fields) == 0 {
		return 0, fmt.Errorf("tasks: empty du output")
	}
	return strconv.ParseInt(fields[0], 10, 64)
}

func countFiles(ctx context.Context, path string, subject logx.Subject) (int64, error) {
	out, _, err := runner.Run(ctx, "du", []string{"-s", "--inodes", path}, runner.Opts{PreserveStdout: true, Subject: subject})
	if err != nil {
		return 0, err
	}
	return parseDuOutput(out)
}

func dfAvailableKB(ctx context.Context, mountpoint string, subject logx.Subject) (int64, error) {
	out, _, err := runner.Run(ctx, "df", []string{mountpoint}, runner.Opts{PreserveStdout: true, Subject: subject})
	if err != nil {
		return 0, err
	}
	scanner := bufio.NewScanner(strings.NewReader(out))
	var header, row []string
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if header == nil {
			header = fields
			continue
		}
		row = fields
	}
	if row == nil {
		return 0, fmt.Errorf("tasks: no df row for %s", mountpoint)
	}
	availIdx := 3 // Filesystem 1K-blocks Used Available Use% Mounted
	if availIdx >= len(row) {
		return 0, fmt.Errorf("tasks: unexpected df output: %q", out)
	}
	return strconv.ParseInt(row[availIdx], 10, 64)
}
