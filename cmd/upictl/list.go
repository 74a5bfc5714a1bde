package main

import (
	"flag"
	"fmt"
	"strings"

	"github.com/GoCodeAlone/upi"
	"github.com/GoCodeAlone/upi/manifest"
)

func runList(args []string) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	g := addGlobalFlags(fs)
	pluginType := fs.String("type", "", "Only list plugins of this type")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: upictl list [options]\n\nList registered plugins.\n\nOptions:\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}

	var pt manifest.PluginType
	if *pluginType != "" {
		parsed, err := manifest.ParsePluginType(*pluginType)
		if err != nil {
			return err
		}
		pt = parsed
	}

	reg, rep, err := g.registry(g.logger())
	if err != nil {
		return err
	}
	plugins := upi.ListPlugins(reg, pt)
	if g.jsonOut {
		return printJSON(plugins)
	}

	for _, m := range plugins {
		fmt.Fprintf(stdout, "%-28s %-8s %-10s %-12s %s\n",
			m.ID, m.PluginType, m.Version, m.QualityTier, strings.Join(m.Capabilities, ","))
	}
	fmt.Fprintf(stdout, "%d plugins registered", len(plugins))
	if n := len(rep.Excluded); n > 0 {
		fmt.Fprintf(stdout, ", %d excluded by %s", n, rep.Enablelist)
	}
	if n := len(rep.Rejected) + len(rep.Problems); n > 0 {
		fmt.Fprintf(stdout, ", %d invalid manifests", n)
	}
	fmt.Fprintln(stdout)
	for _, rej := range rep.Rejected {
		fmt.Fprintf(stdout, "  rejected %s: %v\n", rej.Record.Source, rej.Err)
	}
	for _, p := range rep.Problems {
		fmt.Fprintf(stdout, "  unreadable %s: %v\n", p.Path, p.Err)
	}
	return nil
}
