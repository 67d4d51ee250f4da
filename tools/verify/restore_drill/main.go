// Command restore_drill proves the backup-before-mutation property end to
// end: move a file, delete a file, undo both, and verify the restored bytes
// are identical to the originals. Output is key=value lines ending in a
// VERDICT.
package main

import (
	"bytes"
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/gracekernel/librarian/internal/bus"
	"github.com/gracekernel/librarian/internal/config"
	"github.com/gracekernel/librarian/internal/organizer"
	"github.com/gracekernel/librarian/internal/store"
)

func main() {
	ctx := context.Background()
	home, err := os.MkdirTemp("", "librarian-restore-drill-*")
	if err != nil {
		fmt.Printf("mktemp_error=%v\n", err)
		os.Exit(1)
	}
	defer os.RemoveAll(home)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st, err := store.Open(filepath.Join(home, "librarian.db"))
	if err != nil {
		fmt.Printf("open_store_error=%v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	org := organizer.New(st, bus.New(), home, config.OrganizerConfig{
		LibraryDir: filepath.Join(home, "library"),
	}, logger)

	payload := make([]byte, 1<<20)
	if _, err := rand.Read(payload); err != nil {
		fmt.Printf("rand_error=%v\n", err)
		os.Exit(1)
	}

	movePath := filepath.Join(home, "inbox", "move-victim.bin")
	deletePath := filepath.Join(home, "inbox", "delete-victim.bin")
	if err := os.MkdirAll(filepath.Dir(movePath), 0o755); err != nil {
		fmt.Printf("mkdir_error=%v\n", err)
		os.Exit(1)
	}
	for _, p := range []string{movePath, deletePath} {
		if err := os.WriteFile(p, payload, 0o644); err != nil {
			fmt.Printf("write_error=%v\n", err)
			os.Exit(1)
		}
	}

	// Move, then undo the move.
	moveStart := time.Now().UTC()
	moveOp, err := org.Move(ctx, organizer.MoveRequest{
		SourcePath:   movePath,
		TargetFolder: "drill",
		Actor:        "restore_drill",
	})
	if err != nil {
		fmt.Printf("move_error=%v\n", err)
		os.Exit(1)
	}
	if _, err := org.Undo(ctx, moveOp.ID, "restore_drill"); err != nil {
		fmt.Printf("undo_move_error=%v\n", err)
		os.Exit(1)
	}
	moveRoundTrip := time.Since(moveStart)

	restoredMove, err := os.ReadFile(movePath)
	if err != nil {
		fmt.Printf("read_restored_move_error=%v\n", err)
		os.Exit(1)
	}

	// Delete, then undo the delete.
	deleteStart := time.Now().UTC()
	deleteOp, err := org.Delete(ctx, deletePath, "restore_drill")
	if err != nil {
		fmt.Printf("delete_error=%v\n", err)
		os.Exit(1)
	}
	if _, err := org.Undo(ctx, deleteOp.ID, "restore_drill"); err != nil {
		fmt.Printf("undo_delete_error=%v\n", err)
		os.Exit(1)
	}
	deleteRoundTrip := time.Since(deleteStart)

	restoredDelete, err := os.ReadFile(deletePath)
	if err != nil {
		fmt.Printf("read_restored_delete_error=%v\n", err)
		os.Exit(1)
	}

	// The single-shot guard must hold after restore.
	if _, err := org.Undo(ctx, moveOp.ID, "restore_drill"); err == nil {
		fmt.Println("second_undo_error=accepted")
		os.Exit(1)
	}

	ops, err := st.ListOperations(ctx, 10, 0)
	if err != nil {
		fmt.Printf("list_operations_error=%v\n", err)
		os.Exit(1)
	}

	fmt.Printf("payload_bytes=%d\n", len(payload))
	fmt.Printf("move_round_trip=%s\n", moveRoundTrip)
	fmt.Printf("delete_round_trip=%s\n", deleteRoundTrip)
	fmt.Printf("move_bytes_identical=%t\n", bytes.Equal(restoredMove, payload))
	fmt.Printf("delete_bytes_identical=%t\n", bytes.Equal(restoredDelete, payload))
	fmt.Printf("ledger_rows=%d\n", len(ops))

	if !bytes.Equal(restoredMove, payload) || !bytes.Equal(restoredDelete, payload) || len(ops) != 2 {
		fmt.Println("VERDICT FAIL")
		os.Exit(1)
	}
	fmt.Println("VERDICT PASS (move and delete undo restored identical bytes)")
}
