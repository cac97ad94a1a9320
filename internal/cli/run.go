package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/pakcache/internal/config"
	"github.com/calvinalkan/pakcache/pkg/fs"
)

// Errors for command line handling.
var (
	ErrMissingArgs    = errors.New("missing arguments")
	ErrUnknownCommand = errors.New("unknown command")
)

// Run is the main entry point. Returns exit code.
//
// sigCh, if non-nil, cancels the running command on the first signal.
func Run(in io.Reader, out io.Writer, errOut io.Writer, args []string, env map[string]string, sigCh <-chan os.Signal) int {
	globals := flag.NewFlagSet("paktool", flag.ContinueOnError)
	globals.SetInterspersed(false)
	globals.SetOutput(&strings.Builder{})

	workDir := globals.StringP("cwd", "C", "", "Run as if started in `dir`")
	configPath := globals.StringP("config", "c", "", "Use specified config `file`")
	logLevel := globals.String("log-level", "", "Log `level` (debug, info, warn, error)")
	device := globals.String("device", "", "Storage device (file, mmap)")
	noVerify := globals.Bool("no-verify", false, "Skip per-block signature checks")
	help := globals.BoolP("help", "h", false, "Show help")

	if len(args) > 0 {
		args = args[1:]
	}

	if err := globals.Parse(args); err != nil {
		fprintln(errOut, "error:", err)
		fprintln(errOut)
		printUsage(errOut, globals, nil)

		return 1
	}

	rest := globals.Args()

	if *help || len(rest) == 0 {
		printUsage(out, globals, commands(nil))

		return 0
	}

	overrides := map[string]any{}

	if globals.Changed("log-level") {
		overrides["log_level"] = *logLevel
	}

	if globals.Changed("device") {
		overrides["device"] = *device
	}

	if *noVerify {
		overrides["verify"] = false
	}

	cfg, err := config.Load(config.LoadInput{
		WorkDirOverride: *workDir,
		ConfigPath:      *configPath,
		Env:             env,
		Overrides:       overrides,
	})
	if err != nil {
		fprintln(errOut, "error:", err)

		return 1
	}

	a := &app{
		cfg:  &cfg,
		log:  newLogger(errOut, cfg.Level()),
		fsys: fs.NewReal(),
		reg:  prometheus.NewRegistry(),
		in:   in,
	}

	defer func() { _ = a.log.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if sigCh != nil {
		go func() {
			select {
			case <-sigCh:
				cancel()
			case <-ctx.Done():
			}
		}()
	}

	name := rest[0]

	for _, cmd := range commands(a) {
		if cmd.Name() == name {
			return cmd.Run(ctx, NewIO(out, errOut), rest[1:])
		}
	}

	fprintln(errOut, "error:", fmt.Errorf("%w: %s", ErrUnknownCommand, name))
	fprintln(errOut)
	printUsage(errOut, globals, commands(nil))

	return 1
}

// commands returns every command bound to a. a may be nil when only help
// text is needed.
func commands(a *app) []*Command {
	return []*Command{
		PackCmd(a),
		LsCmd(a),
		CatCmd(a),
		ExtractCmd(a),
		VerifyCmd(a),
		StatsCmd(a),
		ShellCmd(a),
		PrintConfigCmd(a),
	}
}

func fprintln(w io.Writer, a ...any) {
	_, _ = fmt.Fprintln(w, a...)
}

func printUsage(w io.Writer, globals *flag.FlagSet, cmds []*Command) {
	fprintln(w, "paktool - pak archive tool")
	fprintln(w)
	fprintln(w, "Usage: paktool [global flags] <command> [args]")
	fprintln(w)
	fprintln(w, "Global flags:")

	var buf strings.Builder
	globals.SetOutput(&buf)
	globals.PrintDefaults()
	globals.SetOutput(&strings.Builder{})
	_, _ = io.WriteString(w, buf.String())

	if len(cmds) == 0 {
		return
	}

	fprintln(w)
	fprintln(w, "Commands:")

	for _, c := range cmds {
		fprintln(w, c.HelpLine())
	}
}
