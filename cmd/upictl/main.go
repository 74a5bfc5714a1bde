package main

import (
	"fmt"
	"io"
	"os"

	"github.com/GoCodeAlone/upi"
)

var version = "dev"

// stdout receives command output; tests replace it.
var stdout io.Writer = os.Stdout

var commands = map[string]func([]string) error{
	"list":     runList,
	"validate": runValidate,
	"explain":  runExplain,
	"run":      runRun,
	"doctor":   runDoctor,
	"watch":    runWatch,
	"version":  runVersion,
}

func usage() {
	fmt.Fprintf(os.Stderr, `upictl - plugin pipeline CLI (version %s)

Usage:
  upictl <command> [options]

Commands:
  list       List registered plugins (optionally of one plugin type)
  validate   Check that every stage of a pipeline resolves to a plugin
  explain    Show the selection decision for every stage of a pipeline
  run        Validate and execute a pipeline
  doctor     Report platform, repository and plugin directory diagnostics
  watch      Rescan plugins whenever manifest files change
  version    Print the CLI and core versions

Run 'upictl <command> -h' for command-specific help.
`, version)
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	if cmd == "-h" || cmd == "--help" || cmd == "help" {
		usage()
		os.Exit(0)
	}
	if cmd == "-v" || cmd == "--version" {
		cmd = "version"
	}

	fn, ok := commands[cmd]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", cmd) //nolint:gosec // G705: CLI error output
		usage()
		os.Exit(1)
	}

	if err := fn(os.Args[2:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err) //nolint:gosec // G705: CLI error output
		os.Exit(1)
	}
}

func runVersion(_ []string) error {
	fmt.Fprintf(stdout, "upictl %s (core %s, api level %d)\n", version, upi.Version, upi.APILevel)
	return nil
}
