// docxd is an interactive shell over the document session core.
//
// Usage:
//
//	docxd [opts]
//
// Options:
//
//	-r, --root      Storage root directory (default: $DOCX_STORAGE_ROOT or .docx-sessions)
//	-t, --tenant    Tenant id (default: "default")
//	-c, --config    Config file path (default: .docx-session.json if present)
//	-v, --verbose   Debug logging
//
// Commands (in REPL):
//
//	create                          Start a session over an empty document
//	open <path>                     Open a document file
//	sessions                        List live sessions
//	use <session-id>                Select the current session
//	text                            Print the body text
//	patch <json-ops> [--dry-run]    Apply a patch batch (JSON array)
//	undo [n] / redo [n]             Move the cursor
//	jump <position>                 Jump to an absolute journal position
//	history [offset [limit]]        Show the journal
//	compact [--discard-redo]        Fold the journal into a new baseline
//	save <path>                     Serialize to a file
//	watch / check / sync            External-change tracking
//	close                           Close the current session
//	help                            Show this help
//	exit / quit / q                 Exit
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/peterh/liner"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/valdo404/docx-session/internal/config"
	"github.com/valdo404/docx-session/internal/extsync"
	"github.com/valdo404/docx-session/internal/patch"
	"github.com/valdo404/docx-session/internal/session"
	"github.com/valdo404/docx-session/internal/store"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	flags := pflag.NewFlagSet("docxd", pflag.ContinueOnError)
	root := flags.StringP("root", "r", "", "storage root directory")
	tenant := flags.StringP("tenant", "t", "default", "tenant id")
	cfgPath := flags.StringP("config", "c", "", "config file path")
	verbose := flags.BoolP("verbose", "v", false, "debug logging")

	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}

		fmt.Fprintln(os.Stderr, err)

		return 2
	}

	env := environMap()

	path := *cfgPath
	if path == "" {
		if _, err := os.Stat(config.ConfigFileName); err == nil {
			path = config.ConfigFileName
		}
	}

	cfg, err := config.Load(path, env)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)

		return 2
	}

	if *root != "" {
		cfg.StorageRoot = *root
	}

	log := newLogger(*verbose)
	defer func() { _ = log.Sync() }()

	st, err := store.New(cfg.StorageRoot, *tenant, log)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)

		return 1
	}
	defer func() { _ = st.Close() }()

	mgr := session.NewManager(cfg, st, log)

	tracker := extsync.New(mgr, log)
	defer func() { _ = tracker.Close() }()

	mgr.SetTracker(tracker)

	if err := mgr.RestoreSessions(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "restore:", err)

		return 1
	}

	sh := &shell{mgr: mgr, tracker: tracker, out: os.Stdout}

	return sh.repl()
}

func newLogger(verbose bool) *zap.Logger {
	cfg := zap.NewProductionConfig()
	cfg.OutputPaths = []string{"stderr"}

	if verbose {
		cfg = zap.NewDevelopmentConfig()
	}

	log, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}

	return log
}

func environMap() map[string]string {
	env := make(map[string]string)

	for _, e := range os.Environ() {
		if k, v, ok := strings.Cut(e, "="); ok {
			env[k] = v
		}
	}

	return env
}

// shell is the REPL state: one selected session at a time.
type shell struct {
	mgr     *session.Manager
	tracker *extsync.Tracker
	out     io.Writer

	current string
}

func (sh *shell) repl() int {
	line := liner.NewLiner()
	defer func() { _ = line.Close() }()

	line.SetCtrlCAborts(true)

	for {
		input, err := line.Prompt(sh.prompt())
		if err == io.EOF || errors.Is(err, liner.ErrPromptAborted) {
			fmt.Fprintln(sh.out)

			return 0
		}

		if err != nil {
			fmt.Fprintln(os.Stderr, err)

			return 1
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}

		line.AppendHistory(input)

		if input == "exit" || input == "quit" || input == "q" {
			return 0
		}

		if err := sh.dispatch(input); err != nil {
			fmt.Fprintln(sh.out, "error:", err)
		}
	}
}

func (sh *shell) prompt() string {
	if sh.current == "" {
		return "docxd> "
	}

	short := sh.current
	if len(short) > 8 {
		short = short[:8]
	}

	return fmt.Sprintf("docxd[%s]> ", short)
}

var errNoSession = errors.New("no session selected (use create, open, or use)")

func (sh *shell) dispatch(input string) error {
	cmd, rest, _ := strings.Cut(input, " ")
	rest = strings.TrimSpace(rest)

	switch cmd {
	case "help":
		sh.printHelp()

		return nil
	case "create":
		sess, err := sh.mgr.Create()
		if err != nil {
			return err
		}

		sh.current = sess.ID
		fmt.Fprintln(sh.out, "created session", sess.ID)

		return nil
	case "open":
		if rest == "" {
			return errors.New("usage: open <path>")
		}

		sess, err := sh.mgr.Open(rest)
		if err != nil {
			return err
		}

		sh.current = sess.ID
		fmt.Fprintln(sh.out, "opened session", sess.ID)

		return nil
	case "sessions":
		for _, s := range sh.mgr.Sessions() {
			marker := " "
			if s.ID == sh.current {
				marker = "*"
			}

			fmt.Fprintf(sh.out, "%s %s cursor=%d path=%s\n", marker, s.ID, s.Cursor, s.SourcePath)
		}

		return nil
	case "use":
		if _, err := sh.mgr.Get(rest); err != nil {
			return err
		}

		sh.current = rest

		return nil
	case "text":
		return sh.withSession(func(id string) error {
			sess, err := sh.mgr.Get(id)
			if err != nil {
				return err
			}

			doc := sess.CloneDoc()
			fmt.Fprintln(sh.out, doc.Tree.NodeText(doc.Body))

			return nil
		})
	case "patch":
		return sh.withSession(func(id string) error { return sh.cmdPatch(id, rest) })
	case "undo", "redo":
		return sh.withSession(func(id string) error { return sh.cmdMove(id, cmd, rest) })
	case "jump":
		return sh.withSession(func(id string) error { return sh.cmdJump(id, rest) })
	case "history":
		return sh.withSession(func(id string) error { return sh.cmdHistory(id, rest) })
	case "compact":
		return sh.withSession(func(id string) error {
			return sh.mgr.Compact(id, rest == "--discard-redo")
		})
	case "save":
		if rest == "" {
			return errors.New("usage: save <path>")
		}

		return sh.withSession(func(id string) error { return sh.mgr.Save(id, rest) })
	case "watch":
		return sh.withSession(sh.tracker.StartWatching)
	case "check":
		return sh.withSession(func(id string) error {
			changed, err := sh.tracker.CheckForChanges(id)
			if err != nil {
				return err
			}

			fmt.Fprintln(sh.out, "changed:", changed)

			return nil
		})
	case "sync":
		return sh.withSession(func(id string) error {
			res, err := sh.tracker.SyncExternalChanges(id, 0)
			if err != nil {
				return err
			}

			fmt.Fprintf(sh.out, "hasChanges=%v position=%d %s\n", res.HasChanges, res.WALPosition, res.Summary)

			return nil
		})
	case "close":
		return sh.withSession(func(id string) error {
			if err := sh.mgr.Close(id); err != nil {
				return err
			}

			sh.current = ""

			return nil
		})
	default:
		return fmt.Errorf("unknown command %q (try help)", cmd)
	}
}

func (sh *shell) withSession(fn func(id string) error) error {
	if sh.current == "" {
		return errNoSession
	}

	return fn(sh.current)
}

func (sh *shell) cmdPatch(id, rest string) error {
	dryRun := false

	if after, ok := strings.CutSuffix(rest, "--dry-run"); ok {
		dryRun = true
		rest = strings.TrimSpace(after)
	}

	if rest == "" {
		return errors.New("usage: patch <json-ops> [--dry-run]")
	}

	ops, err := patch.DecodeOps([]byte(rest))
	if err != nil {
		return err
	}

	res, err := sh.mgr.ApplyPatch(id, ops, dryRun)
	if err != nil {
		return err
	}

	fmt.Fprintf(sh.out, "success=%v applied=%d/%d\n", res.Success, res.Applied, res.Total)

	for _, op := range res.Operations {
		line := fmt.Sprintf("  %s: %s", op.Op, op.Status)
		if op.Error != "" {
			line += " (" + op.Error + ")"
		}

		fmt.Fprintln(sh.out, line)
	}

	return nil
}

func (sh *shell) cmdMove(id, cmd, rest string) error {
	steps := 1

	if rest != "" {
		n, err := strconv.Atoi(rest)
		if err != nil {
			return fmt.Errorf("usage: %s [n]", cmd)
		}

		steps = n
	}

	var (
		res *session.MoveResult
		err error
	)

	if cmd == "undo" {
		res, err = sh.mgr.Undo(context.Background(), id, steps)
	} else {
		res, err = sh.mgr.Redo(context.Background(), id, steps)
	}

	if err != nil {
		return err
	}

	fmt.Fprintln(sh.out, res.Message)

	return nil
}

func (sh *shell) cmdJump(id, rest string) error {
	pos, err := strconv.Atoi(rest)
	if err != nil {
		return errors.New("usage: jump <position>")
	}

	res, err := sh.mgr.JumpTo(context.Background(), id, pos)
	if err != nil {
		return err
	}

	fmt.Fprintln(sh.out, res.Message)

	return nil
}

func (sh *shell) cmdHistory(id, rest string) error {
	offset, limit := 0, 0

	fields := strings.Fields(rest)
	if len(fields) > 0 {
		offset, _ = strconv.Atoi(fields[0])
	}

	if len(fields) > 1 {
		limit, _ = strconv.Atoi(fields[1])
	}

	entries, err := sh.mgr.GetHistory(id, offset, limit)
	if err != nil {
		return err
	}

	for _, e := range entries {
		markers := ""
		if e.IsCurrent {
			markers += " <- current"
		}

		if e.IsCheckpoint {
			markers += " [ckpt]"
		}

		if e.IsExternalSync {
			markers += " [sync: " + e.SyncSummary + "]"
		}

		fmt.Fprintf(sh.out, "%4d  %s  %s%s\n",
			e.Position, e.Timestamp.Format("2006-01-02 15:04:05"), e.Description, markers)
	}

	return nil
}

func (sh *shell) printHelp() {
	fmt.Fprint(sh.out, `commands:
  create | open <path> | sessions | use <id> | close
  text | patch <json-ops> [--dry-run]
  undo [n] | redo [n] | jump <pos> | history [offset [limit]] | compact [--discard-redo]
  save <path> | watch | check | sync
  help | exit
`)
}
