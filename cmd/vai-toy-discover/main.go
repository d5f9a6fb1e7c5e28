// vai-toy-discover scans a local network for toys by probing each host's
// device info endpoint. Hosts can be given as a CIDR, as positional
// arguments, or both.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"github.com/vango-go/vai-toy/pkg/discovery"
)

type options struct {
	cidr        string
	hosts       []string
	port        int
	path        string
	timeout     time.Duration
	concurrency int
	maxHosts    int
	jsonOut     bool
	verbose     bool
}

func parseFlags(args []string, stderr io.Writer) (options, error) {
	var o options
	fs := pflag.NewFlagSet("vai-toy-discover", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&o.cidr, "cidr", "", "network to scan, e.g. 192.168.1.0/24")
	fs.IntVar(&o.port, "port", discovery.DefaultPort, "port of the device info endpoint")
	fs.StringVar(&o.path, "path", discovery.DefaultPath, "path of the device info endpoint")
	fs.DurationVar(&o.timeout, "timeout", discovery.DefaultTimeout, "per-host probe timeout")
	fs.IntVar(&o.concurrency, "concurrency", discovery.DefaultConcurrency, "hosts probed in parallel")
	fs.IntVar(&o.maxHosts, "max-hosts", discovery.DefaultMaxHosts, "largest network --cidr may name")
	fs.BoolVar(&o.jsonOut, "json", false, "print candidates as JSON")
	fs.BoolVarP(&o.verbose, "verbose", "v", false, "log skipped hosts")

	if err := fs.Parse(args); err != nil {
		return o, err
	}
	o.hosts = fs.Args()
	if o.cidr == "" && len(o.hosts) == 0 {
		return o, errors.New("give --cidr or one or more hosts")
	}
	return o, nil
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	o, err := parseFlags(args, stderr)
	if err != nil {
		return err
	}
	level := slog.LevelWarn
	if o.verbose {
		level = slog.LevelDebug
	}
	p := discovery.NewProber(discovery.Options{
		Port:        o.port,
		Path:        o.path,
		Timeout:     o.timeout,
		Concurrency: o.concurrency,
		MaxHosts:    o.maxHosts,
		Logger:      slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level})),
	})

	var found []discovery.Candidate
	if o.cidr != "" {
		cs, err := p.ScanCIDR(ctx, o.cidr)
		if err != nil {
			return fmt.Errorf("scan %s: %w", o.cidr, err)
		}
		found = append(found, cs...)
	}
	if len(o.hosts) > 0 {
		cs, err := p.Probe(ctx, o.hosts)
		if err != nil {
			return fmt.Errorf("probe: %w", err)
		}
		found = append(found, cs...)
	}

	if o.jsonOut {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if found == nil {
			found = []discovery.Candidate{}
		}
		return enc.Encode(found)
	}
	if len(found) == 0 {
		fmt.Fprintln(stdout, "no devices found")
		return nil
	}
	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ADDRESS\tDEVICE ID\tFIRMWARE\tMODEL\tLATENCY")
	for _, c := range found {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", c.Address, c.Info.DeviceID, c.Info.FirmwareVersion, c.Info.Model, c.Latency.Round(time.Millisecond))
	}
	return tw.Flush()
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "vai-toy-discover: %v\n", err)
		stop()
		os.Exit(1)
	}
}
