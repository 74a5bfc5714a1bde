package main

import (
	"flag"
	"fmt"

	"github.com/GoCodeAlone/upi"
)

func runExplain(args []string) error {
	fs := flag.NewFlagSet("explain", flag.ExitOnError)
	g := addGlobalFlags(fs)
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: upictl explain [options] <pipeline.yaml>\n\nShow ranked candidates and rejections for every stage.\n\nOptions:\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	spec, err := g.loadPipeline(fs)
	if err != nil {
		return err
	}
	explanations, err := upi.Explain(spec, nil, g.scanOptions(g.logger()))
	if err != nil {
		return fmt.Errorf("failed to scan plugins: %w", err)
	}
	if g.jsonOut {
		return printJSON(explanations)
	}
	for _, stage := range spec.Stages {
		exp := explanations[stage.Name]
		fmt.Fprintf(stdout, "%s (%s)\n", stage.Name, exp.Selector)
		switch {
		case exp.Chosen != "" && exp.Preferred:
			fmt.Fprintf(stdout, "  chosen: %s (preferred)\n", exp.Chosen)
		case exp.Chosen != "":
			fmt.Fprintf(stdout, "  chosen: %s\n", exp.Chosen)
		default:
			fmt.Fprintf(stdout, "  error: %s\n", exp.Error)
		}
		for _, c := range exp.Candidates {
			fmt.Fprintf(stdout, "  %d. %s %s [%s]\n", c.Rank, c.ID, c.Version, c.QualityTier)
		}
		for _, r := range exp.Rejected {
			fmt.Fprintf(stdout, "  - %s %s: %s (%s)\n", r.ID, r.Version, r.Reason, r.Detail)
		}
	}
	return nil
}
