package main

import (
	"flag"
	"fmt"

	"github.com/GoCodeAlone/upi"
)

func runValidate(args []string) error {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	g := addGlobalFlags(fs)
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: upictl validate [options] <pipeline.yaml>\n\nCheck that every stage resolves to a registered plugin.\n\nOptions:\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	spec, err := g.loadPipeline(fs)
	if err != nil {
		return err
	}
	report, err := upi.Validate(spec, nil, g.scanOptions(g.logger()))
	if err != nil {
		return fmt.Errorf("failed to scan plugins: %w", err)
	}
	if g.jsonOut {
		if err := printJSON(report); err != nil {
			return err
		}
		return report.Err()
	}
	if err := report.Err(); err != nil {
		return fmt.Errorf("validation failed:\n%v", err)
	}
	for _, stage := range spec.Stages {
		fmt.Fprintf(stdout, "  %-20s -> %s\n", stage.Name, report.Selected[stage.Name])
	}
	fmt.Fprintf(stdout, "pipeline %s is valid (%d stages)\n", fs.Arg(0), len(spec.Stages))
	return nil
}
