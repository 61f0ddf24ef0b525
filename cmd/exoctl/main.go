/*Command exoctl configures, calibrates and drives the ODrive on the BERR
exoskeleton joint.

Usage:

	exoctl <command> [args]

Run exoctl help for the list of commands.  Settings come from exodrive.yml
in the working directory; exoctl mkconf writes one with the defaults.
*/
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/berr-exo/exodrive/config"
	"github.com/berr-exo/exodrive/console"
	"github.com/berr-exo/exodrive/motor"
	"github.com/edaniels/golog"
	"go.uber.org/zap"
)

// Version is the version number.  Typically injected via ldflags with git build
var Version = "1"

// app is what every subcommand has access to
type app struct {
	cfg   config.Config
	log   golog.Logger
	out   io.Writer
	lines <-chan string

	// mock is the simulated axis when cfg.Mock is set; it outlives sessions
	// so a save and reconnect sees the same board
	mock *motor.Mock
}

type command struct {
	run   func(a *app, ctx context.Context, args []string) error
	usage string
}

var commands = map[string]command{
	"setup":      {(*app).setup, "configure the encoder, calibrate if needed, then run the torque tester"},
	"calibrate":  {(*app).calibrate, "calibrate motor|encoder|full"},
	"torque":     {(*app).torque, "interactive torque tester"},
	"spring":     {(*app).spring, "virtual spring resistance, retunable while running"},
	"jumpy":      {(*app).jumpy, "motion gated hold/resist torque"},
	"window":     {(*app).window, "torque within a position window, press Enter to capture the start"},
	"encoder":    {(*app).encoder, "print the encoder position at 20 Hz"},
	"velfix":     {(*app).velfix, "show and raise the velocity limit"},
	"sensorless": {(*app).sensorless, "configure sensorless velocity control at startup"},
	"spin":       {(*app).spin, "calibrate, then spin open loop: spin [voltage|velocity]"},
	"backup":     {(*app).backup, "save the board configuration to a file: backup [file]"},
	"restore":    {(*app).restore, "write a saved configuration to the board: restore file"},
	"serve":      {(*app).serve, "run a law and expose the axis over HTTP"},
}

func root(w io.Writer) {
	str := `exoctl drives the ODrive on the BERR exoskeleton joint

Usage:
	exoctl <command> [args]

Commands:`
	fmt.Fprintln(w, str)
	for _, name := range []string{"setup", "calibrate", "torque", "spring", "jumpy", "window",
		"encoder", "velfix", "sensorless", "spin", "backup", "restore", "serve"} {
		fmt.Fprintf(w, "\t%-11s %s\n", name, commands[name].usage)
	}
	fmt.Fprintln(w, "\tmkconf      write exodrive.yml with the effective configuration")
	fmt.Fprintln(w, "\tconf        print the effective configuration")
	fmt.Fprintln(w, "\tversion     print the version")
	fmt.Fprintln(w, "\thelp        more about configuration")
}

func help(w io.Writer) {
	str := `exoctl is configured via exodrive.yml in the working directory.  For a primer
on YAML, see https://yaml.org/start.html

Motor recipe values (motor, controller, sensorless) left at zero are never
written to the board; fill in the values of your rig before running setup,
sensorless or spin.

Set mock: true to run every command against a simulated axis.

The board is found by USB ID (device.vid, device.pid, default 1209:0D32), by
serial number if device.serial is set, or opened directly at device.port.
device.addr talks to a TCP serial bridge instead.

Every command that moves the motor ramps the torque to zero and sets the axis
idle when it exits, including on Ctrl+C.`
	fmt.Fprintln(w, str)
}

func newLogger(cfg config.Config) golog.Logger {
	logger := golog.NewDevelopmentLogger("exoctl")
	if !cfg.Log.Debug {
		logger = logger.Desugar().WithOptions(zap.IncreaseLevel(zap.InfoLevel)).Sugar()
	}
	return logger
}

// run runs one command and returns the exit code
func run(ctx context.Context, args []string, in io.Reader, out io.Writer) int {
	if len(args) == 0 {
		root(out)
		return 0
	}
	cfg, err := config.Load(config.FileName)
	if err != nil {
		console.Bad(out, "%v", err)
		return 1
	}
	cmd := strings.ToLower(args[0])
	switch cmd {
	case "help":
		help(out)
		return 0
	case "version":
		fmt.Fprintf(out, "exoctl version %v\n", Version)
		return 0
	case "conf":
		if err := config.Write(out, cfg); err != nil {
			console.Bad(out, "%v", err)
			return 1
		}
		return 0
	case "mkconf":
		if err := mkconf(cfg); err != nil {
			console.Bad(out, "%v", err)
			return 1
		}
		console.Good(out, "wrote %s", config.FileName)
		return 0
	}
	c, ok := commands[cmd]
	if !ok {
		console.Bad(out, "unknown command %q", args[0])
		root(out)
		return 2
	}
	a := &app{cfg: cfg, log: newLogger(cfg).Named(cmd), out: out, lines: console.Lines(in)}
	if err := c.run(a, ctx, args[1:]); err != nil {
		if err == console.ErrQuit {
			return 0
		}
		console.Bad(out, "%v", err)
		a.log.Errorw("command failed", "command", cmd, "error", err)
		return 1
	}
	return 0
}

func mkconf(cfg config.Config) error {
	f, err := os.Create(config.FileName)
	if err != nil {
		return err
	}
	defer f.Close()
	return config.Write(f, cfg)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdin, os.Stdout)
	stop()
	os.Exit(code)
}
