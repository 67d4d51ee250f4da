package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/gracekernel/librarian/internal/config"
)

// runStatusCommand asks a running daemon how it is doing. The bare form
// hits /healthz (unauthenticated); -full hits /status with the bearer
// token and prints the coordinator snapshot.
func runStatusCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	full := fs.Bool("full", false, "fetch the authenticated /status snapshot instead of /healthz")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(os.Stderr, "usage: librarian status [-full]")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		return 1
	}

	client := &http.Client{Timeout: 5 * time.Second}
	base := "http://" + cfg.BindAddr

	if !*full {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/healthz", nil)
		if err != nil {
			fmt.Fprintf(os.Stderr, "status: %v\n", err)
			return 1
		}
		resp, err := client.Do(req)
		if err != nil {
			fmt.Fprintf(os.Stderr, "librarian daemon not reachable at %s: %v\n", cfg.BindAddr, err)
			return 1
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		printPrettyJSON(os.Stdout, body)
		if resp.StatusCode != http.StatusOK {
			return 1
		}
		return 0
	}

	token, err := readAuthToken(cfg.HomeDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		return 1
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/status", nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		return 1
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := client.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "librarian daemon not reachable at %s: %v\n", cfg.BindAddr, err)
		return 1
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	printPrettyJSON(os.Stdout, body)
	if resp.StatusCode != http.StatusOK {
		return 1
	}
	return 0
}

// printPrettyJSON re-indents a JSON body for terminal reading; non-JSON
// bodies pass through untouched.
func printPrettyJSON(w io.Writer, body []byte) {
	var buf map[string]any
	if err := json.Unmarshal(body, &buf); err != nil {
		fmt.Fprintf(w, "%s\n", body)
		return
	}
	pretty, err := json.MarshalIndent(buf, "", "  ")
	if err != nil {
		fmt.Fprintf(w, "%s\n", body)
		return
	}
	fmt.Fprintf(w, "%s\n", pretty)
}
