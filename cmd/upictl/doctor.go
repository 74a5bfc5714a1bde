package main

import (
	"flag"
	"fmt"
	"strings"

	"github.com/GoCodeAlone/upi"
)

func runDoctor(args []string) error {
	fs := flag.NewFlagSet("doctor", flag.ExitOnError)
	root := fs.String("root", "", "Repository root (default: working directory)")
	jsonOut := fs.Bool("json", false, "Print machine-readable JSON")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: upictl doctor [options]\n\nReport platform and repository diagnostics.\n\nOptions:\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}

	d := upi.Doctor(*root)
	if *jsonOut {
		return printJSON(d)
	}
	fmt.Fprintf(stdout, "core:        %s (api level %d)\n", d.Version, d.APILevel)
	fmt.Fprintf(stdout, "platform:    %s/%s, %d CPUs, %s\n", d.OS, d.Arch, d.NumCPU, d.GoVersion)
	fmt.Fprintf(stdout, "repo root:   %s\n", d.RepoRoot)
	switch {
	case d.EnablelistError != "":
		fmt.Fprintf(stdout, "enablelist:  invalid (%s)\n", d.EnablelistError)
	case d.EnablelistFound:
		fmt.Fprintf(stdout, "enablelist:  %s\n", d.EnablelistPath)
	default:
		fmt.Fprintln(stdout, "enablelist:  none (all plugins enabled)")
	}
	for _, dir := range d.PluginDirs {
		state := "missing"
		if dir.Exists {
			state = "ok"
		}
		fmt.Fprintf(stdout, "plugin dir:  %s (%s)\n", dir.Path, state)
	}
	fmt.Fprintf(stdout, "builtins:    %s\n", strings.Join(d.Builtins, ", "))
	fmt.Fprintf(stdout, "schedulers:  %s\n", strings.Join(d.Schedulers, ", "))
	return nil
}
