package cli

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/peterh/liner"
	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/pakcache/pkg/pak"
	"github.com/calvinalkan/pakcache/pkg/pakcache"
)

var shellCommands = []string{"ls", "stat", "cat", "precache", "release", "stats", "help", "exit"}

const shellHelp = `Commands:
  ls [prefix]        List entries
  stat <entry>       Show entry details
  cat <entry>        Print an entry
  precache <entry>   Queue an entry at precache priority and hold it
  release <entry>    Release a held entry
  stats              Show cache statistics
  help               Show this help
  exit / quit / q    Exit`

// ShellCmd returns the shell command.
func ShellCmd(a *app) *Command {
	flags := flag.NewFlagSet("shell", flag.ContinueOnError)

	return &Command{
		Flags:   flags,
		Usage:   "shell <archive>",
		Short:   "Browse an archive interactively",
		Long:    "Open an archive and browse it interactively. When stdin is not the terminal, commands are read one per line.",
		MinArgs: 1,
		Exec: func(ctx context.Context, o *IO, args []string) error {
			return withArchive(ctx, o, a, args[0], func(s *session, r *pak.Reader) error {
				sh := &shell{ctx: ctx, o: o, s: s, r: r, held: make(map[string]*pakcache.Request)}
				defer sh.releaseAll()

				if a.in != nil && a.in != io.Reader(os.Stdin) {
					return sh.runScript(a.in)
				}

				return sh.runInteractive()
			})
		},
	}
}

type shell struct {
	ctx  context.Context
	o    *IO
	s    *session
	r    *pak.Reader
	held map[string]*pakcache.Request
}

func historyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	return filepath.Join(home, ".paktool_history")
}

func (sh *shell) runInteractive() error {
	ln := liner.NewLiner()
	defer ln.Close()

	ln.SetCtrlCAborts(true)
	ln.SetCompleter(sh.complete)

	if f, err := os.Open(historyFile()); err == nil {
		_, _ = ln.ReadHistory(f)
		_ = f.Close()
	}

	defer func() {
		if path := historyFile(); path != "" {
			if f, err := os.Create(path); err == nil {
				_, _ = ln.WriteHistory(f)
				_ = f.Close()
			}
		}
	}()

	sh.o.Printf("%s: %d entries, mount %s\n", sh.r.Path(), len(sh.r.Entries()), sh.r.MountPoint())
	sh.o.Println("Type 'help' for available commands.")

	for {
		line, err := ln.Prompt("pak> ")
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				return nil
			}

			return err
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		ln.AppendHistory(line)

		if sh.exec(line) {
			return nil
		}
	}
}

func (sh *shell) runScript(in io.Reader) error {
	sc := bufio.NewScanner(in)

	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		if sh.exec(line) {
			return nil
		}
	}

	return sc.Err()
}

// complete offers command names for the first word and entry names after.
func (sh *shell) complete(line string) []string {
	cmd, arg, hasArg := strings.Cut(line, " ")

	var out []string

	if !hasArg {
		for _, c := range shellCommands {
			if strings.HasPrefix(c, cmd) {
				out = append(out, c)
			}
		}

		return out
	}

	for _, e := range sh.r.Entries() {
		if strings.HasPrefix(e.Name, arg) {
			out = append(out, cmd+" "+e.Name)
		}
	}

	return out
}

// exec runs one shell line and reports whether the shell should exit.
// Errors are printed and do not end the session.
func (sh *shell) exec(line string) bool {
	fields := strings.Fields(line)
	cmd, args := strings.ToLower(fields[0]), fields[1:]

	needArg := func() (string, bool) {
		if len(args) == 0 {
			sh.o.Printf("usage: %s <entry>\n", cmd)

			return "", false
		}

		return args[0], true
	}

	var err error

	switch cmd {
	case "exit", "quit", "q":
		return true
	case "help", "?":
		sh.o.Println(shellHelp)
	case "ls":
		prefix := ""
		if len(args) > 0 {
			prefix = args[0]
		}

		for _, e := range sh.r.Entries() {
			if strings.HasPrefix(e.Name, prefix) {
				sh.o.Println(e.Name)
			}
		}
	case "stat":
		if name, ok := needArg(); ok {
			var e pak.Entry

			if e, err = sh.r.Stat(name); err == nil {
				sh.o.Printf("name=%s\nsize=%d\nstored=%d\ncompression=%s\nencrypted=%v\nblocks=%d\nheld=%v\n",
					e.Name, e.Size, e.StoredSize, e.Compression, e.Encrypted, len(e.Blocks), sh.held[name] != nil)
			}
		}
	case "cat":
		if name, ok := needArg(); ok {
			var data []byte

			if data, err = sh.r.ReadFile(sh.ctx, name, pakcache.PriorityHigh); err == nil {
				_, _ = sh.o.Write(data)
				if len(data) > 0 && data[len(data)-1] != '\n' {
					sh.o.Println()
				}
			}
		}
	case "precache":
		if name, ok := needArg(); ok {
			err = sh.precache(name)
		}
	case "release":
		if name, ok := needArg(); ok {
			if req := sh.held[name]; req != nil {
				err = req.Close()
				delete(sh.held, name)
			}
		}
	case "stats":
		printStats(sh.o, sh.s.cache.Stats())
	default:
		sh.o.Printf("unknown command: %s (type 'help' for commands)\n", cmd)
	}

	if err != nil {
		sh.o.Printf("error: %v\n", err)
	}

	return false
}

func (sh *shell) precache(name string) error {
	if sh.held[name] != nil {
		return nil
	}

	req, err := sh.r.Precache(name)
	if err != nil || req == nil {
		return err
	}

	sh.held[name] = req

	if err := req.WaitContext(sh.ctx); err != nil {
		return err
	}

	sh.o.Printf("held %s (%d bytes)\n", name, req.Size())

	return nil
}

func (sh *shell) releaseAll() {
	for _, req := range sh.held {
		_ = req.Close()
	}

	clear(sh.held)
}
