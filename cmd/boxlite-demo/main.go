package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/alecthomas/kong"
	"golang.org/x/term"

	"github.com/suryatmodulus/boxlite"
)

type Context struct {
	rt *boxlite.Runtime
}

type CLI struct {
	Home          string `default:"" placeholder:"<home-dir>" help:"BoxLite home directory (defaults to ~/.boxlite)"`
	ShimPath      string `default:"/usr/local/libexec/boxlite-shim" placeholder:"<shim-path>" help:"path to the VMM shim binary"`
	LogLevel      string `default:"info" placeholder:"<debug|info|warn|error>" help:"the logging level"`
	TraceEndpoint string `default:"" placeholder:"<host:port>" help:"OTLP/gRPC collector endpoint for pipeline stage tracing (disabled if empty)"`

	Create CreateCmd `cmd:"" help:"create a box from an image"`
	Start  StartCmd  `cmd:"" help:"start a box"`
	Exec   ExecCmd   `cmd:"" help:"execute a command in a box, waiting for its exit"`
	Stop   StopCmd   `cmd:"" help:"stop a box"`
	Rm     RmCmd     `cmd:"" help:"remove a box"`
	Ls     LsCmd     `cmd:"" help:"list boxes"`
}

func (c *CLI) initSlog() {
	var level slog.Level
	switch c.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli, kong.Name("boxlite-demo"), kong.Description("run Docker images inside per-container microVMs"))
	cli.initSlog()

	home := cli.Home
	if home == "" {
		h, err := os.UserHomeDir()
		if err != nil {
			kctx.FatalIfErrorf(err)
		}
		home = h + "/.boxlite"
	}

	rt, err := boxlite.Open(boxlite.RuntimeOptions{Home: home, ShimPath: cli.ShimPath, TraceEndpoint: cli.TraceEndpoint})
	kctx.FatalIfErrorf(err)

	err = kctx.Run(&Context{rt: rt})
	if err != nil {
		var exitErr *exitCodeError
		if asExitCodeError(err, &exitErr) {
			fmt.Fprintln(os.Stderr, exitErr.cause)
			os.Exit(exitErr.code)
		}
		kctx.FatalIfErrorf(err)
	}
}

// exitCodeError carries a process exit code through kong's error path
// without kong printing a generic "error: %v" wrapper for it.
type exitCodeError struct {
	code  int
	cause error
}

func (e *exitCodeError) Error() string { return e.cause.Error() }

func asExitCodeError(err error, target **exitCodeError) bool {
	e, ok := err.(*exitCodeError)
	if !ok {
		return false
	}
	*target = e
	return true
}

// cliExitCode converts a guest exit code to the shell convention: a
// negative code (the process died to a signal, §4.7) becomes 128+signum;
// non-negative codes pass through unchanged.
func cliExitCode(guestExitCode int32) int {
	if guestExitCode < 0 {
		return 128 + int(-guestExitCode)
	}
	return int(guestExitCode)
}

type CreateCmd struct {
	Image string   `arg:"" help:"OCI image reference"`
	Name  string   `default:"" help:"optional box name"`
	Env   []string `short:"e" help:"environment variable (KEY=VALUE or KEY to inherit from host)"`
	Vol   []string `short:"v" help:"volume mount (host:guest[:ro])"`
	CPUs  int      `default:"1" help:"vCPU count"`
	MemMB int      `default:"512" help:"memory in MiB"`
}

func (c *CreateCmd) Run(cctx *Context) error {
	opts := boxlite.BoxOptions{ImageRef: c.Image, CPUs: c.CPUs, MemoryMiB: c.MemMB}
	for _, spec := range c.Env {
		e, err := boxlite.ParseEnv(spec)
		if err != nil {
			return err
		}
		if e.Inherit {
			if v, ok := os.LookupEnv(e.Key); ok {
				e.Value = v
			} else {
				slog.Warn("boxlite-demo: -e referenced an unset host variable", "key", e.Key)
				continue
			}
		}
		opts.Env = append(opts.Env, e)
	}
	for _, spec := range c.Vol {
		v, err := boxlite.ParseVolume(spec)
		if err != nil {
			return err
		}
		opts.Volumes = append(opts.Volumes, v)
	}

	box, err := cctx.rt.Create(context.Background(), opts, c.Name)
	if err != nil {
		return err
	}
	fmt.Println(box.ID())
	return nil
}

type StartCmd struct {
	Box string `arg:"" help:"box id or name"`
}

func (c *StartCmd) Run(cctx *Context) error {
	box, err := cctx.rt.Get(context.Background(), c.Box)
	if err != nil {
		return err
	}
	return box.Start(context.Background())
}

type ExecCmd struct {
	Box     string   `arg:"" help:"box id or name"`
	Program string   `arg:"" help:"program to execute"`
	Args    []string `arg:"" optional:"" passthrough:"" help:"program arguments"`
	Env     []string `short:"e" help:"environment variable (KEY=VALUE or KEY to inherit from host)"`
	TTY     bool     `help:"allocate a pseudo-tty"`
}

func (c *ExecCmd) Run(cctx *Context) error {
	ctx := context.Background()
	box, err := cctx.rt.Get(ctx, c.Box)
	if err != nil {
		return err
	}

	var env []string
	for _, spec := range c.Env {
		e, err := boxlite.ParseEnv(spec)
		if err != nil {
			return err
		}
		if e.Inherit {
			v, ok := os.LookupEnv(e.Key)
			if !ok {
				slog.Warn("boxlite-demo: -e referenced an unset host variable", "key", e.Key)
				continue
			}
			e.Value = v
		}
		env = append(env, e.String())
	}

	if c.TTY {
		restore, err := setRawTerminal()
		if err != nil {
			slog.Warn("boxlite-demo: could not set local terminal to raw mode", "error", err)
		} else {
			defer restore()
		}
	}

	exec, err := box.Exec(ctx, boxlite.ExecRequest{
		Program: c.Program,
		Args:    c.Args,
		Env:     env,
		TTY:     c.TTY,
	})
	if err != nil {
		return err
	}

	_ = exec.CloseStdin()

	result, err := exec.Wait(ctx)
	if err != nil {
		return err
	}

	code := cliExitCode(result.ExitCode)
	if code != 0 {
		return &exitCodeError{code: code, cause: fmt.Errorf("%s %s: exit status %d", c.Program, strings.Join(c.Args, " "), code)}
	}
	return nil
}

// setRawTerminal puts stdin into raw mode for the duration of a TTY exec,
// matching a Docker-cli-style interactive session. No-op (with a non-nil
// no-op restore) if stdin isn't a real terminal.
func setRawTerminal() (restore func(), err error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return func() {}, nil
	}
	prev, err := term.MakeRaw(fd)
	if err != nil {
		return nil, err
	}
	return func() { _ = term.Restore(fd, prev) }, nil
}

type StopCmd struct {
	Box string `arg:"" help:"box id or name"`
}

func (c *StopCmd) Run(cctx *Context) error {
	box, err := cctx.rt.Get(context.Background(), c.Box)
	if err != nil {
		return err
	}
	return box.Stop(context.Background())
}

type RmCmd struct {
	Box   string `arg:"" help:"box id or name"`
	Force bool   `short:"f" help:"stop the box first if it is running"`
}

func (c *RmCmd) Run(cctx *Context) error {
	return cctx.rt.Remove(context.Background(), c.Box, c.Force)
}

type LsCmd struct{}

func (c *LsCmd) Run(cctx *Context) error {
	infos, err := cctx.rt.ListInfo()
	if err != nil {
		return err
	}
	for _, info := range infos {
		fmt.Printf("%s\t%s\t%s\t%s\n", info.ID, info.Name, info.Status, info.Config.Container.ImageRef)
	}
	return nil
}
