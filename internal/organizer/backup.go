package organizer

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// writeBackup copies src into the backup area under the operation id.
// Backups are written and synced before any mutation touches the original;
// a failure here aborts the whole operation.
func (o *Organizer) writeBackup(opID, src string) (string, error) {
	if err := os.MkdirAll(o.backupDir, 0o755); err != nil {
		return "", fmt.Errorf("%w: %v", ErrBackupWrite, err)
	}
	dest := filepath.Join(o.backupDir, opID+"-"+filepath.Base(src))
	if err := copyFile(src, dest); err != nil {
		return "", fmt.Errorf("%w: %v", ErrBackupWrite, err)
	}
	return dest, nil
}

// copyFile copies src to dest, preserving the file mode and syncing the
// result to disk before returning.
func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dest)
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		os.Remove(dest)
		return err
	}
	return out.Close()
}

// moveFile renames src to dest, falling back to copy+remove when the two
// live on different filesystems.
func moveFile(src, dest string) error {
	if err := os.Rename(src, dest); err == nil {
		return nil
	}
	if err := copyFile(src, dest); err != nil {
		return err
	}
	return os.Remove(src)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
