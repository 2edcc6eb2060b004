// Copyright 2024 The Cockroach Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// lhashy is an interactive shell around an in-memory lhash.Map[int64, int64],
// for watching how entries are placed and how removals shift clusters.
//
// Usage:
//
//	lhashy [options]
//
// Options:
//
//	-l, --layout      Slot layout: boxed, primitive or parallel (default: boxed)
//	-c, --capacity    Number of entries to size the map for (default: 0)
//	    --free        Free sentinel key of the primitive and parallel layouts (default: -1)
//	    --home-mod    Hash keys to key mod N, making collisions easy to provoke
//	-v, --verbose     Log resizes and detected faults to stderr
//
// Commands (in REPL):
//
//	put <key> <value>   Insert or update an entry
//	get <key>           Retrieve an entry by key
//	del <key>           Delete an entry
//	bulk <count>        Insert N random entries
//	dump                Show every slot
//	len                 Count entries
//	info                Show map info
//	check               Verify that every entry is reachable
//	clear               Delete all entries
//	help                Show this help
//	exit / quit / q     Exit
package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/lhash"
	"github.com/peterh/liner"
	flag "github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/exp/rand"
)

func main() {
	err := run(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// config holds the command line options.
type config struct {
	layout   string
	capacity int
	free     int64
	homeMod  int
	verbose  bool
}

func parseFlags(args []string) (config, error) {
	var cfg config

	fs := flag.NewFlagSet("lhashy", flag.ContinueOnError)
	fs.StringVarP(&cfg.layout, "layout", "l", "boxed", "slot layout: boxed, primitive or parallel")
	fs.IntVarP(&cfg.capacity, "capacity", "c", 0, "number of entries to size the map for")
	fs.Int64Var(&cfg.free, "free", -1, "free sentinel key of the primitive and parallel layouts")
	fs.IntVar(&cfg.homeMod, "home-mod", 0, "hash keys to key mod N (0 uses the default hash)")
	fs.BoolVarP(&cfg.verbose, "verbose", "v", false, "log resizes and detected faults to stderr")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: lhashy [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return config{}, err
	}
	if fs.NArg() > 0 {
		fs.Usage()
		return config{}, errors.Newf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}
	if cfg.capacity < 0 {
		return config{}, errors.Newf("invalid capacity %d", cfg.capacity)
	}
	if cfg.homeMod < 0 {
		return config{}, errors.Newf("invalid home-mod %d", cfg.homeMod)
	}
	return cfg, nil
}

// newMap constructs the map described by cfg.
func newMap(cfg config, logger *zap.Logger) (*lhash.Map[int64, int64], error) {
	options := []lhash.Option[int64, int64]{lhash.WithLogger[int64, int64](logger)}
	if cfg.homeMod > 0 {
		mod := uint64(cfg.homeMod)
		options = append(options, lhash.WithHash[int64, int64](func(key *int64, _ uintptr) uintptr {
			return uintptr(uint64(*key) % mod)
		}))
	}

	switch cfg.layout {
	case "boxed":
		return lhash.New[int64, int64](cfg.capacity, options...), nil
	case "primitive":
		return lhash.NewPrimitive[int64, int64](cfg.capacity, cfg.free, options...), nil
	case "parallel":
		return lhash.NewParallel[int64, int64](cfg.capacity, cfg.free, options...), nil
	default:
		return nil, errors.Newf("unknown layout %q", cfg.layout)
	}
}

func run(args []string) error {
	cfg, err := parseFlags(args)
	if err != nil {
		return err
	}

	logger := zap.NewNop()
	if cfg.verbose {
		if logger, err = zap.NewDevelopment(); err != nil {
			return errors.Wrap(err, "creating logger")
		}
		defer func() { _ = logger.Sync() }()
	}

	m, err := newMap(cfg, logger)
	if err != nil {
		return err
	}

	repl := &REPL{
		m:      m,
		cfg:    cfg,
		out:    os.Stdout,
		logger: logger,
	}
	return repl.Run()
}

// REPL is the interactive command loop.
type REPL struct {
	m      *lhash.Map[int64, int64]
	cfg    config
	out    io.Writer
	logger *zap.Logger
	liner  *liner.State
}

// historyFile returns the path to the history file.
func historyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	return filepath.Join(home, ".lhashy_history")
}

// Run starts the REPL loop.
func (r *REPL) Run() error {
	r.liner = liner.NewLiner()
	defer r.liner.Close()

	r.liner.SetCtrlCAborts(true)
	r.liner.SetCompleter(r.completer)

	if f, err := os.Open(historyFile()); err == nil {
		_, _ = r.liner.ReadHistory(f)
		f.Close()
	}
	defer r.saveHistory()

	fmt.Fprintf(r.out, "lhashy - linear probing map (layout=%s, capacity=%d)\n", r.cfg.layout, r.m.Cap())
	fmt.Fprintln(r.out, "Type 'help' for available commands.")
	fmt.Fprintln(r.out)

	for {
		line, err := r.liner.Prompt("lhashy> ")
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				fmt.Fprintln(r.out, "\nBye!")
				return nil
			}
			return errors.Wrap(err, "reading input")
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		r.liner.AppendHistory(line)

		if quit := r.exec(line); quit {
			fmt.Fprintln(r.out, "Bye!")
			return nil
		}
	}
}

// saveHistory persists command history to disk.
func (r *REPL) saveHistory() {
	if path := historyFile(); path != "" {
		if f, err := os.Create(path); err == nil {
			_, _ = r.liner.WriteHistory(f)
			f.Close()
		}
	}
}

var commands = []string{
	"put", "get", "del", "delete",
	"bulk", "dump", "len", "info",
	"check", "clear", "help",
	"exit", "quit", "q",
}

// completer provides tab completion for commands.
func (r *REPL) completer(line string) []string {
	var completions []string
	lower := strings.ToLower(line)
	for _, cmd := range commands {
		if strings.HasPrefix(cmd, lower) {
			completions = append(completions, cmd)
		}
	}
	return completions
}

// exec runs a single command line and reports whether the REPL should exit.
func (r *REPL) exec(line string) (quit bool) {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return false
	}
	cmd := strings.ToLower(parts[0])
	args := parts[1:]

	switch cmd {
	case "exit", "quit", "q":
		return true
	case "help", "?":
		r.printHelp()
	case "put":
		r.cmdPut(args)
	case "get":
		r.cmdGet(args)
	case "del", "delete":
		r.cmdDelete(args)
	case "bulk":
		r.cmdBulk(args)
	case "dump":
		fmt.Fprint(r.out, r.m.DebugString())
	case "len", "count":
		fmt.Fprintf(r.out, "%d\n", r.m.Len())
	case "info":
		r.cmdInfo()
	case "check":
		r.cmdCheck()
	case "clear":
		r.cmdClear()
	default:
		fmt.Fprintf(r.out, "Unknown command: %s (type 'help' for commands)\n", cmd)
	}
	return false
}

func (r *REPL) printHelp() {
	fmt.Fprintln(r.out, "Commands:")
	fmt.Fprintln(r.out, "  put <key> <value>   Insert or update an entry")
	fmt.Fprintln(r.out, "  get <key>           Retrieve an entry by key")
	fmt.Fprintln(r.out, "  del <key>           Delete an entry")
	fmt.Fprintln(r.out, "  bulk <count>        Insert N random entries")
	fmt.Fprintln(r.out, "  dump                Show every slot")
	fmt.Fprintln(r.out, "  len                 Count entries")
	fmt.Fprintln(r.out, "  info                Show map info")
	fmt.Fprintln(r.out, "  check               Verify that every entry is reachable")
	fmt.Fprintln(r.out, "  clear               Delete all entries")
	fmt.Fprintln(r.out, "  help                Show this help")
	fmt.Fprintln(r.out, "  exit / quit / q     Exit")
}

// parseInts parses exactly n integer arguments.
func parseInts(args []string, n int, usage string) ([]int64, error) {
	if len(args) != n {
		return nil, errors.Newf("usage: %s", usage)
	}
	r := make([]int64, n)
	for i, a := range args {
		v, err := strconv.ParseInt(a, 0, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid integer %q", a)
		}
		r[i] = v
	}
	return r, nil
}

func (r *REPL) cmdPut(args []string) {
	kv, err := parseInts(args, 2, "put <key> <value>")
	if err != nil {
		fmt.Fprintf(r.out, "Error: %v\n", err)
		return
	}
	if err := r.m.TryPut(kv[0], kv[1]); err != nil {
		fmt.Fprintf(r.out, "Error: %v\n", err)
		return
	}
	fmt.Fprintln(r.out, "OK")
}

func (r *REPL) cmdGet(args []string) {
	k, err := parseInts(args, 1, "get <key>")
	if err != nil {
		fmt.Fprintf(r.out, "Error: %v\n", err)
		return
	}
	v, ok := r.m.Get(k[0])
	if !ok {
		fmt.Fprintln(r.out, "(not found)")
		return
	}
	fmt.Fprintf(r.out, "%d\n", v)
}

func (r *REPL) cmdDelete(args []string) {
	k, err := parseInts(args, 1, "del <key>")
	if err != nil {
		fmt.Fprintf(r.out, "Error: %v\n", err)
		return
	}
	v, ok, err := r.m.Remove(k[0])
	switch {
	case err != nil:
		fmt.Fprintf(r.out, "Error: %v\n", err)
	case !ok:
		fmt.Fprintln(r.out, "(not found)")
	default:
		fmt.Fprintf(r.out, "Deleted %d=%d\n", k[0], v)
	}
}

func (r *REPL) cmdBulk(args []string) {
	n, err := parseInts(args, 1, "bulk <count>")
	if err != nil {
		fmt.Fprintf(r.out, "Error: %v\n", err)
		return
	}
	want := n[0]
	var space int64
	if r.cfg.homeMod > 0 {
		// Keep keys small so the dump stays readable. The key space is then
		// small enough to run out of.
		space = int64(r.cfg.homeMod) * 16
		if left := r.keysLeft(space); want > left {
			want = left
		}
	}

	var inserted int64
	for inserted < want {
		k := rand.Int63()
		if space > 0 {
			k %= space
		}
		if r.reserved(k) || r.m.Has(k) {
			continue
		}
		if err := r.m.TryPut(k, rand.Int63()); err != nil {
			fmt.Fprintf(r.out, "Error: %v\n", err)
			return
		}
		inserted++
	}
	if inserted < n[0] {
		fmt.Fprintf(r.out, "Inserted %d entries (len=%d, no keys left below %d)\n",
			inserted, r.m.Len(), space)
		return
	}
	fmt.Fprintf(r.out, "Inserted %d entries (len=%d)\n", inserted, r.m.Len())
}

// reserved reports whether k is the free sentinel of the map's layout.
func (r *REPL) reserved(k int64) bool {
	return r.cfg.layout != "boxed" && k == r.cfg.free
}

// keysLeft returns the number of keys in [0, space) that can still be
// inserted.
func (r *REPL) keysLeft(space int64) int64 {
	left := space
	if r.reserved(r.cfg.free) && r.cfg.free >= 0 && r.cfg.free < space {
		left--
	}
	r.m.All(func(k, _ int64) bool {
		if k >= 0 && k < space {
			left--
		}
		return true
	})
	return left
}

func (r *REPL) cmdInfo() {
	fmt.Fprintf(r.out, "layout:     %s\n", r.cfg.layout)
	if r.cfg.layout != "boxed" {
		fmt.Fprintf(r.out, "free:       %d\n", r.cfg.free)
	}
	fmt.Fprintf(r.out, "capacity:   %d\n", r.m.Cap())
	fmt.Fprintf(r.out, "len:        %d\n", r.m.Len())
	fmt.Fprintf(r.out, "mod-count:  %d\n", r.m.ModCount())
}

func (r *REPL) cmdCheck() {
	if err := r.m.Check(); err != nil {
		r.logger.Warn("check failed", zap.Error(err))
		fmt.Fprintf(r.out, "Error: %v\n", err)
		return
	}
	fmt.Fprintln(r.out, "OK")
}

func (r *REPL) cmdClear() {
	n := r.m.Len()
	r.m.Clear()
	fmt.Fprintf(r.out, "Cleared %d entries\n", n)
}
