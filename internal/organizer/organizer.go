// Package organizer applies governed mutations to the library: moves,
// renames, deletes, and their undo. Every mutation follows the same
// ordering contract: backup first, then the filesystem change, then the
// ledger append. A mutation whose backup cannot be written is refused.
package organizer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gracekernel/librarian/internal/bus"
	"github.com/gracekernel/librarian/internal/config"
	"github.com/gracekernel/librarian/internal/store"
)

var (
	// ErrBackupWrite aborts a mutation whose safety copy failed.
	ErrBackupWrite = errors.New("backup write failed")
	// ErrInvalidUndoState rejects undo of operations that are not undoable
	// or were undone already.
	ErrInvalidUndoState = errors.New("operation cannot be undone")
	// ErrRestoreConflict rejects undo when the restore path is occupied.
	ErrRestoreConflict = errors.New("restore path occupied")
	// ErrNoUsablePattern rejects corrections whose filename yields nothing
	// a rule could match on.
	ErrNoUsablePattern = errors.New("filename yields no usable pattern")
)

type Organizer struct {
	store      *store.Store
	bus        *bus.Bus
	logger     *slog.Logger
	libraryDir string
	backupDir  string
	locks      *lockTable

	mu         sync.RWMutex
	autoMoveAt float64
	suggestAt  float64
}

func New(st *store.Store, eventBus *bus.Bus, homeDir string, cfg config.OrganizerConfig, logger *slog.Logger) *Organizer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.AutoMoveThreshold <= 0 {
		cfg.AutoMoveThreshold = 0.85
	}
	if cfg.SuggestThreshold <= 0 {
		cfg.SuggestThreshold = 0.50
	}
	return &Organizer{
		store:      st,
		bus:        eventBus,
		logger:     logger.With("component", "organizer"),
		libraryDir: cfg.LibraryDir,
		backupDir:  filepath.Join(homeDir, "backups"),
		autoMoveAt: cfg.AutoMoveThreshold,
		suggestAt:  cfg.SuggestThreshold,
		locks:      newLockTable(),
	}
}

// LibraryDir returns the root folder organized files are moved into.
func (o *Organizer) LibraryDir() string { return o.libraryDir }

func (o *Organizer) thresholds() (autoMove, suggest float64) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.autoMoveAt, o.suggestAt
}

// SetThresholds re-applies the confidence bands without a restart. Values
// outside (0, 1] or an inverted pair are ignored. Only future verdicts see
// the change.
func (o *Organizer) SetThresholds(autoMove, suggest float64) {
	if autoMove <= 0 || autoMove > 1 || suggest <= 0 || suggest > autoMove {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if autoMove != o.autoMoveAt || suggest != o.suggestAt {
		o.logger.Info("organize thresholds updated",
			"auto_move", autoMove, "suggest", suggest)
		o.autoMoveAt = autoMove
		o.suggestAt = suggest
	}
}

// MoveRequest files one file into a library folder.
type MoveRequest struct {
	SourcePath   string
	TargetFolder string // relative to the library dir unless absolute
	Actor        string
	Detail       string // optional JSON detail stored on the ledger row
}

// Move backs up and relocates one file, then appends the move to the
// ledger. Name collisions in the target folder get a numbered suffix.
func (o *Organizer) Move(ctx context.Context, req MoveRequest) (*store.Operation, error) {
	src, err := filepath.Abs(req.SourcePath)
	if err != nil {
		return nil, fmt.Errorf("resolve source: %w", err)
	}
	targetDir := o.resolveTargetDir(req.TargetFolder)

	release := o.locks.acquire(src)
	defer release()

	info, err := os.Stat(src)
	if err != nil {
		return nil, fmt.Errorf("move source: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("move source %s is a directory", src)
	}
	if filepath.Dir(src) == targetDir {
		return nil, fmt.Errorf("%s is already in %s", filepath.Base(src), targetDir)
	}
	if err := os.MkdirAll(targetDir, 0o755); err != nil {
		return nil, fmt.Errorf("target folder: %w", err)
	}

	opID := uuid.NewString()
	backupPath, err := o.writeBackup(opID, src)
	if err != nil {
		return nil, err
	}

	dest, err := reserveDestination(targetDir, filepath.Base(src))
	if err != nil {
		return nil, fmt.Errorf("reserve destination: %w", err)
	}
	if err := moveFile(src, dest); err != nil {
		os.Remove(dest)
		return nil, fmt.Errorf("move %s: %w", src, err)
	}

	op := store.Operation{
		ID:         opID,
		Type:       store.OpMove,
		SourcePath: src,
		TargetPath: dest,
		BackupPath: backupPath,
		Actor:      req.Actor,
		Detail:     req.Detail,
		CanUndo:    true,
	}
	if _, err := o.store.AppendOperation(ctx, op); err != nil {
		// The ledger is authoritative; an unrecorded mutation is rolled back.
		_ = moveFile(dest, src)
		return nil, fmt.Errorf("ledger append: %w", err)
	}
	o.publish(bus.TopicOperationApplied, op)
	o.logger.Info("file moved", "op_id", opID, "source", src, "dest", dest, "actor", op.Actor)
	return o.store.GetOperation(ctx, opID)
}

// Rename changes a file's name in place.
func (o *Organizer) Rename(ctx context.Context, path, newName, actor string) (*store.Operation, error) {
	if newName == "" || newName != filepath.Base(newName) || newName == "." || newName == ".." {
		return nil, fmt.Errorf("invalid new name %q", newName)
	}
	src, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve source: %w", err)
	}
	dest := filepath.Join(filepath.Dir(src), newName)

	release := o.locks.acquireAll(src, dest)
	defer release()

	info, err := os.Stat(src)
	if err != nil {
		return nil, fmt.Errorf("rename source: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("rename source %s is a directory", src)
	}
	if fileExists(dest) {
		return nil, fmt.Errorf("rename destination %s exists", dest)
	}

	opID := uuid.NewString()
	backupPath, err := o.writeBackup(opID, src)
	if err != nil {
		return nil, err
	}
	if err := os.Rename(src, dest); err != nil {
		return nil, fmt.Errorf("rename %s: %w", src, err)
	}

	op := store.Operation{
		ID:         opID,
		Type:       store.OpRename,
		SourcePath: src,
		TargetPath: dest,
		BackupPath: backupPath,
		Actor:      actor,
		CanUndo:    true,
	}
	if _, err := o.store.AppendOperation(ctx, op); err != nil {
		_ = os.Rename(dest, src)
		return nil, fmt.Errorf("ledger append: %w", err)
	}
	o.publish(bus.TopicOperationApplied, op)
	o.logger.Info("file renamed", "op_id", opID, "source", src, "dest", dest, "actor", op.Actor)
	return o.store.GetOperation(ctx, opID)
}

// Delete removes a file after writing its backup, so the delete stays
// undoable for the backup retention window.
func (o *Organizer) Delete(ctx context.Context, path, actor string) (*store.Operation, error) {
	src, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve source: %w", err)
	}

	release := o.locks.acquire(src)
	defer release()

	info, err := os.Stat(src)
	if err != nil {
		return nil, fmt.Errorf("delete source: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("delete source %s is a directory", src)
	}

	opID := uuid.NewString()
	backupPath, err := o.writeBackup(opID, src)
	if err != nil {
		return nil, err
	}
	if err := os.Remove(src); err != nil {
		return nil, fmt.Errorf("delete %s: %w", src, err)
	}

	op := store.Operation{
		ID:         opID,
		Type:       store.OpDelete,
		SourcePath: src,
		BackupPath: backupPath,
		Actor:      actor,
		CanUndo:    true,
	}
	if _, err := o.store.AppendOperation(ctx, op); err != nil {
		_ = copyFile(backupPath, src)
		return nil, fmt.Errorf("ledger append: %w", err)
	}
	o.publish(bus.TopicOperationApplied, op)
	o.logger.Info("file deleted", "op_id", opID, "source", src, "actor", op.Actor)
	return o.store.GetOperation(ctx, opID)
}

// Undo reverses one ledger operation exactly once. The restore happens
// before the ledger flips, so a crash in between leaves a retryable undo
// rather than a marked-but-unrestored one.
func (o *Organizer) Undo(ctx context.Context, operationID, actor string) (*store.Operation, error) {
	op, err := o.store.GetOperation(ctx, operationID)
	if err != nil {
		return nil, err
	}
	if !op.CanUndo {
		return nil, fmt.Errorf("%w: %s operations are recorded without undo support", ErrInvalidUndoState, op.Type)
	}
	if op.Undone {
		return nil, fmt.Errorf("%w: operation %s was already undone", ErrInvalidUndoState, op.ID)
	}

	release := o.locks.acquireAll(op.SourcePath, op.TargetPath)
	defer release()

	switch op.Type {
	case store.OpMove, store.OpRename:
		if err := o.restoreMove(op); err != nil {
			return nil, err
		}
	case store.OpDelete:
		if err := o.restoreDelete(op); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: unknown operation type %s", ErrInvalidUndoState, op.Type)
	}

	ok, err := o.store.MarkOperationUndone(ctx, op.ID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: operation %s was already undone", ErrInvalidUndoState, op.ID)
	}
	o.publish(bus.TopicOperationUndone, *op)
	o.logger.Info("operation undone", "op_id", op.ID, "type", op.Type, "actor", actor)
	return o.store.GetOperation(ctx, op.ID)
}

// restoreMove puts the moved or renamed file back at its source path,
// preferring the live file at the target and falling back to the backup.
func (o *Organizer) restoreMove(op *store.Operation) error {
	if fileExists(op.SourcePath) {
		return fmt.Errorf("%w: %s", ErrRestoreConflict, op.SourcePath)
	}
	if fileExists(op.TargetPath) {
		if err := moveFile(op.TargetPath, op.SourcePath); err != nil {
			return fmt.Errorf("restore %s: %w", op.SourcePath, err)
		}
		return nil
	}
	if op.BackupPath != "" && fileExists(op.BackupPath) {
		if err := copyFile(op.BackupPath, op.SourcePath); err != nil {
			return fmt.Errorf("restore from backup: %w", err)
		}
		return nil
	}
	return fmt.Errorf("restore %s: neither target nor backup exists", op.SourcePath)
}

func (o *Organizer) restoreDelete(op *store.Operation) error {
	if fileExists(op.SourcePath) {
		return fmt.Errorf("%w: %s", ErrRestoreConflict, op.SourcePath)
	}
	if op.BackupPath == "" || !fileExists(op.BackupPath) {
		return fmt.Errorf("restore %s: backup is gone", op.SourcePath)
	}
	if err := copyFile(op.BackupPath, op.SourcePath); err != nil {
		return fmt.Errorf("restore from backup: %w", err)
	}
	return nil
}

// PruneBackups removes backup files older than the retention window and
// returns how many were deleted. Each pruned backup's ledger row has
// can_undo cleared, so a later undo attempt reports an invalid undo state
// instead of failing mid-restore.
func (o *Organizer) PruneBackups(ctx context.Context, retention time.Duration) (int, error) {
	entries, err := os.ReadDir(o.backupDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read backup dir: %w", err)
	}
	cutoff := time.Now().Add(-retention)
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(o.backupDir, entry.Name())); err != nil {
			continue
		}
		removed++
		if id := opIDFromBackupName(entry.Name()); id != "" {
			if _, err := o.store.DisableUndo(ctx, id); err != nil {
				o.logger.Warn("undo not disabled for pruned backup", "op_id", id, "error", err)
			}
		}
	}
	if removed > 0 {
		o.logger.Info("pruned backups", "removed", removed, "retention", retention)
	}
	return removed, nil
}

// opIDFromBackupName recovers the operation ID from a backup filename of
// the form "<uuid>-<base>".
func opIDFromBackupName(name string) string {
	if len(name) < 36 {
		return ""
	}
	id := name[:36]
	if _, err := uuid.Parse(id); err != nil {
		return ""
	}
	return id
}

// EnsureFolder creates a library folder, as when an approved schema change
// introduces a new domain, and returns its absolute path.
func (o *Organizer) EnsureFolder(folder string) (string, error) {
	dir := o.resolveTargetDir(folder)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("ensure folder: %w", err)
	}
	return dir, nil
}

func (o *Organizer) resolveTargetDir(targetFolder string) string {
	if targetFolder == "" {
		return filepath.Join(o.libraryDir, "unsorted")
	}
	if filepath.IsAbs(targetFolder) {
		return filepath.Clean(targetFolder)
	}
	return filepath.Join(o.libraryDir, targetFolder)
}

// reserveDestination finds a free name for base inside dir and reserves it
// with an exclusive create, so concurrent moves cannot claim the same name.
func reserveDestination(dir, base string) (string, error) {
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	for i := 0; i < 100; i++ {
		name := base
		if i > 0 {
			name = fmt.Sprintf("%s (%d)%s", stem, i, ext)
		}
		dest := filepath.Join(dir, name)
		f, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			f.Close()
			return dest, nil
		}
		if !os.IsExist(err) {
			return "", err
		}
	}
	return "", fmt.Errorf("no free name for %s in %s", base, dir)
}

func (o *Organizer) publish(topic string, op store.Operation) {
	if o.bus == nil {
		return
	}
	o.bus.Publish(topic, bus.OperationEvent{
		OperationID: op.ID,
		Type:        string(op.Type),
		SourcePath:  op.SourcePath,
		TargetPath:  op.TargetPath,
	})
}
