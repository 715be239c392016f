// Package control implements the Unix-domain command protocol: one
// argument vector per connection, validated against catalog/library
// state before enqueueing work, replying with UTF-8 text.
package control

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/tapearchived/tapearchived/internal/catalog"
	"github.com/tapearchived/tapearchived/internal/config"
	"github.com/tapearchived/tapearchived/internal/library"
	"github.com/tapearchived/tapearchived/internal/logx"
	"github.com/tapearchived/tapearchived/internal/queue"
	"github.com/tapearchived/tapearchived/internal/runner"
)

func newFlagSet(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

// Deps bundles the collaborators command handlers validate against.
type Deps struct {
	Catalog *catalog.Catalog
	Library *library.Library
	Queue   *queue.Queue
	Config  *config.Config
}

// Server is the control-socket listener.
type Server struct {
	deps Deps
	path string
	ln   net.Listener
}

// NewServer constructs a Server bound to the Unix socket at path (not
// yet listening — call Serve).
func NewServer(path string, deps Deps) *Server {
	return &Server{deps: deps, path: path}
}

// Serve removes any stale socket file, binds a new one at mode 0600,
// and accepts connections until ctx is canceled.
func (s *Server) Serve(ctx context.Context) error {
	os.Remove(s.path)
	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("control: binding %s: %w", s.path, err)
	}
	if err := os.Chmod(s.path, 0600); err != nil {
		ln.Close()
		return err
	}
	s.ln = ln

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		go s.handleConn(conn)
	}
}

// Close unlinks the socket file.
func (s *Server) Close() {
	if s.ln != nil {
		s.ln.Close()
	}
	os.Remove(s.path)
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(30 * time.Second))

	data, err := io.ReadAll(conn)
	if err != nil {
		logx.Errorf(nil, "control: read failed: %v", err)
		return
	}
	argv := strings.Split(string(data), "\x00")
	if len(argv) > 0 && argv[len(argv)-1] == "" {
		argv = argv[:len(argv)-1]
	}

	reply := s.Dispatch(argv)
	conn.Write([]byte(reply))
}

// Dispatch parses and runs one request's argument vector, returning
// the full response text. Exported so tests and an in-process CLI can
// drive it without a real socket.
func (s *Server) Dispatch(argv []string) string {
	if len(argv) == 0 {
		return "error: empty command\n"
	}
	cmd, args := argv[0], argv[1:]

	var result string
	var err error
	switch cmd {
	case "queue":
		result, err = s.handleQueue()
	case "summary":
		result, err = s.handleSummary()
	case "abort":
		result, err = s.handleAbort(args)
	case "requeue":
		result, err = s.handleRequeue(args)
	case "prepare":
		result, err = s.handlePrepare(args)
	case "archive":
		result, err = s.handleArchive(args)
	case "restore":
		result, err = s.handleRestore(args)
	case "explore":
		result, err = s.handleExplore(args)
	case "inventory":
		result, err = s.handleInventory(args)
	case "deleteable":
		result, err = s.handleDeleteable(args)
	default:
		err = fmt.Errorf("unknown command: %s", cmd)
	}

	if err != nil {
		return "error: " + err.Error() + "\n"
	}
	return result
}

func (s *Server) handleQueue() (string, error) {
	var b strings.Builder
	for _, item := range s.deps.Queue.All() {
		status := "queued"
		if item.IsError() {
			status = "failed: " + item.ErrorMsg
		} else if item.IsRunning() {
			status = "running: " + item.Progress()
		}
		fmt.Fprintf(&b, "%s\t%d\t%s\t%s\t%s\n", item.ShortID(), item.Priority, item.Kind, item.Description, status)
	}
	return b.String(), nil
}

func (s *Server) handleSummary() (string, error) {
	maxSize, err := s.deps.Config.MaxSize()
	if err != nil {
		return "", err
	}
	tapes, err := s.deps.Library.GetAllTapes(context.Background())
	if err != nil {
		return "", err
	}
	return s.deps.Catalog.Format(tapes, maxSize, false)
}

func (s *Server) handleAbort(ids []string) (string, error) {
	if len(ids) == 0 {
		return "", fmt.Errorf("abort requires one or more task ids")
	}
	var b strings.Builder
	for _, id := range ids {
		item, ok := s.deps.Queue.Find(id)
		if !ok {
			fmt.Fprintf(&b, "%s: not found\n", id)
			continue
		}
		if item.IsRunning() {
			item.RequestAbort()
			fmt.Fprintf(&b, "%s: abort requested\n", id)
			continue
		}
		if _, err := s.deps.Queue.RemoveByShortID(id); err != nil {
			return "", err
		}
		fmt.Fprintf(&b, "%s: removed\n", id)
	}
	return b.String(), nil
}

func (s *Server) handleRequeue(ids []string) (string, error) {
	if len(ids) == 0 {
		return "", fmt.Errorf("requeue requires one or more task ids")
	}
	var b strings.Builder
	for _, id := range ids {
		item, ok := s.deps.Queue.Find(id)
		if !ok {
			fmt.Fprintf(&b, "%s: not found\n", id)
			continue
		}
		if !item.IsError() {
			fmt.Fprintf(&b, "%s: not failed\n", id)
			continue
		}
		if _, err := s.deps.Queue.Requeue(id); err != nil {
			return "", err
		}
		fmt.Fprintf(&b, "%s: requeued\n", id)
	}
	return b.String(), nil
}

func (s *Server) handlePrepare(args []string) (string, error) {
	fs := newFlagSet("prepare")
	compress := fs.Bool("compress", false, "")
	priority := fs.Int("priority", 0, "")
	if err := fs.Parse(args); err != nil {
		return "", err
	}
	rest := fs.Args()
	if len(rest) < 1 {
		return "", fmt.Errorf("prepare requires a folder argument")
	}
	folder := rest[0]
	description := ""
	if len(rest) > 1 {
		description = rest[1]
	}

	info, err := os.Stat(folder)
	if err != nil {
		return "", fmt.Errorf("directory not readable: %w", err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("not a directory: %s", folder)
	}
	if _, err := s.deps.Catalog.CreateEntry(folder, description); err != nil {
		return "", err
	}

	compressArg := "0"
	if *compress {
		compressArg = "1"
	}
	item, err := s.deps.Queue.Append(*priority, queue.KindPrepare, []string{folder, compressArg}, description)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("queued prepare %s as %s\n", folder, item.ShortID()), nil
}

func (s *Server) handleArchive(args []string) (string, error) {
	fs := newFlagSet("archive")
	target := fs.String("t", "", "")
	priority := fs.Int("priority", 100, "")
	if err := fs.Parse(args); err != nil {
		return "", err
	}
	rest := fs.Args()
	if len(rest) < 2 {
		return "", fmt.Errorf("archive requires folder and tapelabel arguments")
	}
	folder, tape := rest[0], rest[1]

	rec, err := s.deps.Catalog.Get(folder)
	if err != nil {
		return "", err
	}
	if rec.State != catalog.StatePrepared {
		return "", fmt.Errorf("folder is not prepared: %s (state=%s)", folder, rec.State)
	}

	ctx := context.Background()
	if _, ok, err := s.deps.Library.FindTape(ctx, tape); err != nil {
		return "", err
	} else if !ok {
		return "", fmt.Errorf("tape not present in library: %s", tape)
	}

	maxSize, err := s.deps.Config.MaxSize()
	if err != nil {
		return "", err
	}
	onTape, err := s.deps.Catalog.GetDirectoriesOnTape(tape)
	if err != nil {
		return "", err
	}
	var committed int64
	for _, r := range onTape {
		committed += r.Size
	}
	if committed+rec.Size > maxSize {
		return "", fmt.Errorf("tape %s has insufficient free space for %d KB", tape, rec.Size)
	}

	targetName := *target
	if targetName == "" {
		targetName, err = s.deps.Catalog.SuggestOnTapeName(folder, tape)
		if err != nil {
			return "", err
		}
	}
	for _, r := range onTape {
		if strings.TrimSuffix(r.PathOnTape, ".tar.gz") == targetName {
			return "", fmt.Errorf("target filename already used on tape %s: %s", tape, targetName)
		}
	}

	if _, err := os.Stat(folder); err != nil {
		return "", fmt.Errorf("source no longer exists: %w", err)
	}

	notice := ""
	for _, existing := range s.deps.Queue.All() {
		if existing.Kind == queue.KindArchive && len(existing.Args) > 0 && existing.Args[0] == folder {
			if existing.IsRunning() && !existing.IsError() {
				return "", fmt.Errorf("an archive task for %s is already running", folder)
			}
			if _, err := s.deps.Queue.RemoveByShortID(existing.ShortID()); err != nil {
				return "", err
			}
			notice = fmt.Sprintf("replaced previously queued archive task %s for this folder\n", existing.ShortID())
		}
	}

	if err := s.deps.Catalog.SetArchivingQueued(folder, tape); err != nil {
		return "", err
	}
	item, err := s.deps.Queue.Append(*priority, queue.KindArchive, []string{folder, tape, targetName}, folder)
	if err != nil {
		return "", err
	}
	return notice + fmt.Sprintf("queued archive %s -> %s as %s\n", folder, tape, item.ShortID()), nil
}

func (s *Server) handleRestore(args []string) (string, error) {
	fs := newFlagSet("restore")
	subfolder := fs.String("s", "", "")
	priority := fs.Int("priority", 100, "")
	if err := fs.Parse(args); err != nil {
		return "", err
	}
	rest := fs.Args()
	if len(rest) < 2 {
		return "", fmt.Errorf("restore requires folder and restore_path arguments")
	}
	folder, restorePath := rest[0], rest[1]

	rec, err := s.deps.Catalog.Get(folder)
	if err != nil {
		return "", err
	}
	if rec.State != catalog.StateArchived {
		return "", fmt.Errorf("folder is not archived: %s (state=%s)", folder, rec.State)
	}
	if entries, err := os.ReadDir(restorePath); err == nil && len(entries) > 0 {
		return "", fmt.Errorf("restore_path is not empty: %s", restorePath)
	}

	item, err := s.deps.Queue.Append(*priority, queue.KindRestore, []string{folder, restorePath, *subfolder}, folder)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("queued restore %s -> %s as %s\n", folder, restorePath, item.ShortID()), nil
}

func (s *Server) handleExplore(args []string) (string, error) {
	fs := newFlagSet("explore")
	seconds := fs.Int("t", 600, "")
	email := fs.String("e", "", "")
	priority := fs.Int("priority", 20, "")
	if err := fs.Parse(args); err != nil {
		return "", err
	}
	rest := fs.Args()
	if len(rest) < 1 {
		return "", fmt.Errorf("explore requires a tapelabel argument")
	}
	tape := rest[0]

	if _, ok, err := s.deps.Library.FindTape(context.Background(), tape); err != nil {
		return "", err
	} else if !ok {
		return "", fmt.Errorf("tape not present in library: %s", tape)
	}

	item, err := s.deps.Queue.Append(*priority, queue.KindExplore, []string{tape, fmt.Sprint(*seconds), *email}, tape)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("queued explore %s as %s\n", tape, item.ShortID()), nil
}

func (s *Server) handleInventory(args []string) (string, error) {
	fs := newFlagSet("inventory")
	priority := fs.Int("priority", 200, "")
	if err := fs.Parse(args); err != nil {
		return "", err
	}
	folders := fs.Args()
	if len(folders) == 0 {
		folders = s.deps.Config.SourceFolders()
	}
	item, err := s.deps.Queue.Append(*priority, queue.KindInventory, folders, strings.Join(folders, ","))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("queued inventory as %s\n", item.ShortID()), nil
}

func (s *Server) handleDeleteable(args []string) (string, error) {
	fs := newFlagSet("deleteable")
	ignore := fs.StringArray("ignore", nil, "")
	if err := fs.Parse(args); err != nil {
		return "", err
	}

	archived, err := s.deps.Catalog.GetEntriesByState(catalog.StateArchived)
	if err != nil {
		return "", err
	}
	sort.Slice(archived, func(i, j int) bool { return archived[i].OriginalDirectory < archived[j].OriginalDirectory })

	var b strings.Builder
	for _, rec := range archived {
		skip := false
		for _, prefix := range *ignore {
			if strings.HasPrefix(rec.OriginalDirectory, prefix) {
				skip = true
			}
		}
		if skip {
			continue
		}
		state := isDirWithTimeout(rec.OriginalDirectory, 100*time.Millisecond)
		fmt.Fprintf(&b, "%s\t%s\n", rec.OriginalDirectory, state)
	}
	return b.String(), nil
}

// isDirWithTimeout tri-states a directory's existence, surviving NFS
// stalls: "exists", "absent", or "unreachable" (bounded probe timed
// out).
func isDirWithTimeout(path string, timeout time.Duration) string {
	seconds := fmt.Sprintf("%.1f", timeout.Seconds())
	_, _, err := runner.Run(context.Background(), "timeout", []string{seconds + "s", "test", "-d", path}, runner.Opts{})
	if err == nil {
		return "exists"
	}
	var failed *runner.Failed
	if errors.As(err, &failed) {
		if failed.ExitCode == 124 {
			return "unreachable"
		}
		return "absent"
	}
	return "unreachable"
}
