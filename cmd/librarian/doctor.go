package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/mattn/go-isatty"

	"github.com/gracekernel/librarian/internal/config"
	"github.com/gracekernel/librarian/internal/doctor"
)

// runDoctorCommand runs local diagnostics without needing a daemon:
// config sanity, home layout, database reachability, watch roots,
// AI provider credentials. Exit 1 when any check FAILs.
func runDoctorCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("doctor", flag.ExitOnError)
	asJSON := fs.Bool("json", false, "emit the diagnosis as JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(os.Stderr, "usage: librarian doctor [-json]")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		return 1
	}

	d := doctor.Run(ctx, &cfg, Version)

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(d); err != nil {
			fmt.Fprintf(os.Stderr, "encode diagnosis: %v\n", err)
			return 1
		}
		if !d.Healthy() {
			return 1
		}
		return 0
	}

	color := isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
	fmt.Printf("librarian doctor %s (%s/%s, %s)\n\n", Version, d.System.OS, d.System.Arch, d.System.Go)
	for _, r := range d.Results {
		fmt.Printf("  %s  %-24s %s\n", statusIcon(r.Status, color), r.Name, r.Message)
		if r.Detail != "" {
			fmt.Printf("      %s\n", r.Detail)
		}
	}
	fmt.Println()
	if !d.Healthy() {
		fmt.Println("one or more checks failed")
		return 1
	}
	fmt.Println("all checks passed")
	return 0
}

func statusIcon(status string, color bool) string {
	if !color {
		return fmt.Sprintf("[%s]", status)
	}
	switch status {
	case "PASS":
		return "\033[32m✓\033[0m"
	case "WARN":
		return "\033[33m!\033[0m"
	case "FAIL":
		return "\033[31m✗\033[0m"
	default:
		return "\033[90m-\033[0m"
	}
}
