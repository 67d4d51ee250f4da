package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/gracekernel/librarian/internal/config"
)

// apiPost sends an authenticated POST to the running daemon and returns
// the status code and body.
func apiPost(ctx context.Context, cfg config.Config, route string, payload any) (int, []byte, error) {
	token, err := readAuthToken(cfg.HomeDir)
	if err != nil {
		return 0, nil, err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+cfg.BindAddr+route, bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 10 * time.Minute}
	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("librarian daemon not reachable at %s: %w", cfg.BindAddr, err)
	}
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	return resp.StatusCode, out, err
}

// readAuthToken resolves the bearer token the same way the daemon does,
// so the CLI and its daemon always agree: env override, then auth.token.
func readAuthToken(homeDir string) (string, error) {
	if raw := strings.TrimSpace(os.Getenv("LIBRARIAN_AUTH_TOKEN")); raw != "" {
		return raw, nil
	}
	b, err := os.ReadFile(filepath.Join(homeDir, "auth.token"))
	if err != nil {
		return "", fmt.Errorf("no auth token: start the daemon once or set LIBRARIAN_AUTH_TOKEN (%w)", err)
	}
	tok := strings.TrimSpace(string(b))
	if tok == "" {
		return "", fmt.Errorf("auth.token is empty; delete it and restart the daemon")
	}
	return tok, nil
}

func cliActor() string {
	if u := strings.TrimSpace(os.Getenv("USER")); u != "" {
		return u
	}
	return "cli"
}

func runOrganizeCommand(ctx context.Context, args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: librarian organize <path>")
		return 2
	}
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		return 1
	}
	abs, err := filepath.Abs(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "organize: %v\n", err)
		return 1
	}

	code, body, err := apiPost(ctx, cfg, "/organize", map[string]string{
		"path":  abs,
		"actor": cliActor(),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "organize: %v\n", err)
		return 1
	}
	if code != http.StatusOK {
		printAPIError(code, body)
		return 1
	}

	var out struct {
		Action       string   `json:"action"`
		Domain       string   `json:"domain"`
		TargetFolder string   `json:"target_folder"`
		Confidence   float64  `json:"confidence"`
		Reasoning    []string `json:"reasoning"`
		Operation    *struct {
			ID         string `json:"id"`
			TargetPath string `json:"target_path"`
		} `json:"operation"`
		Suggestion *struct {
			ID string `json:"id"`
		} `json:"suggestion"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		printPrettyJSON(os.Stdout, body)
		return 0
	}

	tty := isatty.IsTerminal(os.Stdout.Fd())
	switch out.Action {
	case "moved":
		target := out.TargetFolder
		if out.Operation != nil && out.Operation.TargetPath != "" {
			target = out.Operation.TargetPath
		}
		if tty {
			fmt.Printf("\033[32mmoved\033[0m %s -> %s (%s, %.2f)\n", abs, target, out.Domain, out.Confidence)
		} else {
			fmt.Printf("moved %s -> %s (%s, %.2f)\n", abs, target, out.Domain, out.Confidence)
		}
		if out.Operation != nil {
			fmt.Printf("undo with: librarian undo %s\n", out.Operation.ID)
		}
	case "suggested":
		fmt.Printf("suggested %s -> %s (%s, %.2f); awaiting approval\n", abs, out.TargetFolder, out.Domain, out.Confidence)
		if out.Suggestion != nil {
			fmt.Printf("suggestion id: %s\n", out.Suggestion.ID)
		}
	default:
		fmt.Printf("flagged %s for manual review (confidence %.2f)\n", abs, out.Confidence)
	}
	for _, r := range out.Reasoning {
		fmt.Printf("  - %s\n", r)
	}
	return 0
}

func runUndoCommand(ctx context.Context, args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: librarian undo <operation-id>")
		return 2
	}
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		return 1
	}

	code, body, err := apiPost(ctx, cfg, "/operations/"+args[0]+"/undo", map[string]string{
		"actor": cliActor(),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "undo: %v\n", err)
		return 1
	}
	if code != http.StatusOK {
		printAPIError(code, body)
		return 1
	}

	var out struct {
		Operation struct {
			ID         string `json:"id"`
			Kind       string `json:"kind"`
			SourcePath string `json:"source_path"`
			TargetPath string `json:"target_path"`
		} `json:"operation"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		printPrettyJSON(os.Stdout, body)
		return 0
	}
	fmt.Printf("undone %s operation %s; restored %s\n", out.Operation.Kind, out.Operation.ID, out.Operation.SourcePath)
	return 0
}

func runScanCommand(ctx context.Context, args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: librarian scan <dir>")
		return 2
	}
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		return 1
	}
	abs, err := filepath.Abs(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "scan: %v\n", err)
		return 1
	}

	code, body, err := apiPost(ctx, cfg, "/scan", map[string]string{"root": abs})
	if err != nil {
		fmt.Fprintf(os.Stderr, "scan: %v\n", err)
		return 1
	}
	if code != http.StatusOK {
		printAPIError(code, body)
		return 1
	}

	var out struct {
		Root     string `json:"root"`
		Enqueued int    `json:"enqueued"`
		Skipped  int    `json:"skipped"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		printPrettyJSON(os.Stdout, body)
		return 0
	}
	fmt.Printf("scanned %s: %d files enqueued, %d skipped\n", out.Root, out.Enqueued, out.Skipped)
	return 0
}

// printAPIError unpacks the gateway error envelope for terminal output.
func printAPIError(code int, body []byte) {
	var envelope struct {
		Error string `json:"error"`
		Kind  string `json:"kind"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error != "" {
		if envelope.Kind != "" {
			fmt.Fprintf(os.Stderr, "error (%d, %s): %s\n", code, envelope.Kind, envelope.Error)
		} else {
			fmt.Fprintf(os.Stderr, "error (%d): %s\n", code, envelope.Error)
		}
		return
	}
	fmt.Fprintf(os.Stderr, "error (%d): %s\n", code, strings.TrimSpace(string(body)))
}
