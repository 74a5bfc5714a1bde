package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/GoCodeAlone/upi"
	"github.com/GoCodeAlone/upi/registry"
)

func runWatch(args []string) error {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	g := addGlobalFlags(fs)
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: upictl watch [options]\n\nRescan and report plugins whenever manifest files change. Stops on Ctrl+C.\n\nOptions:\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	logger := g.logger()
	opts := g.scanOptions(logger)

	_, rep, err := upi.ScanPlugins(opts)
	if err != nil {
		return fmt.Errorf("failed to scan plugins: %w", err)
	}
	fmt.Fprintf(stdout, "watching %s: %d plugins registered\n", rep.Root, len(rep.Registered))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	w, err := upi.WatchPlugins(ctx, opts, func(reg *registry.Registry, rep *upi.ScanReport) {
		fmt.Fprintf(stdout, "plugins changed: %d registered, %d excluded, %d invalid\n",
			reg.Len(), len(rep.Excluded), len(rep.Rejected)+len(rep.Problems))
	})
	if err != nil {
		return fmt.Errorf("failed to watch plugins: %w", err)
	}
	<-ctx.Done()
	fmt.Fprintln(stdout, "stopping")
	return w.Stop()
}
