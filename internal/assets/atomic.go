package assets

import (
	"fmt"
	"os"

	"retrain/internal/fileutil"
	"retrain/internal/logging"
)

// writeAtomic replaces path with data:
//
//  1. copy an existing path to path.backup
//  2. write path.tmp
//  3. read path.tmp back and run verify on it
//  4. rename path.tmp over path
//  5. remove path.backup
//
// A failure in steps 2-4 removes the tmp file and restores the backup over
// path. The returned error wraps ErrStorageWrite.
func (s *Store) writeAtomic(path string, data []byte, verify func([]byte) error) error {
	tmpPath := path + tmpSuffix
	backupPath := path + backupSuffix

	hadBackup := false
	if fileutil.Exists(path) {
		if err := fileutil.CopyFileVerified(path, backupPath); err != nil {
			_ = fileutil.RemoveIfExists(backupPath)
			return fmt.Errorf("%w: backup %s: %w", ErrStorageWrite, path, err)
		}
		hadBackup = true
	}

	fail := func(step string, cause error) error {
		if err := fileutil.RemoveIfExists(tmpPath); err != nil {
			logging.WarnWithContext(s.logger, "tmp cleanup failed", "asset_tmp_cleanup_failed",
				logging.String(logging.FieldPath, tmpPath),
				logging.Error(err),
				logging.String(logging.FieldImpact, "stale tmp file remains; next write replaces it"),
			)
		}
		if hadBackup {
			if err := s.restoreBackup(path, backupPath); err != nil {
				logging.ErrorWithContext(s.logger, "backup restore failed", "asset_restore_failed",
					logging.String(logging.FieldPath, path),
					logging.Error(err),
					logging.String(logging.FieldErrorHint, "inspect "+backupPath+" and restore it manually"),
				)
				return fmt.Errorf("%w: %s %s: %w (restore failed: %v)", ErrStorageWrite, step, path, cause, err)
			}
		}
		writeFailures.Inc()
		return fmt.Errorf("%w: %s %s: %w", ErrStorageWrite, step, path, cause)
	}

	if err := fileutil.WriteFileSync(tmpPath, data, 0o644); err != nil {
		return fail("write tmp", err)
	}

	written, err := os.ReadFile(tmpPath)
	if err != nil {
		return fail("read back tmp", err)
	}
	if verify != nil {
		if err := verify(written); err != nil {
			return fail("verify tmp", err)
		}
	}

	if s.beforeRename != nil {
		if err := s.beforeRename(path); err != nil {
			return fail("rename", err)
		}
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fail("rename", err)
	}

	if hadBackup {
		if err := fileutil.RemoveIfExists(backupPath); err != nil {
			logging.WarnWithContext(s.logger, "backup cleanup failed", "asset_backup_cleanup_failed",
				logging.String(logging.FieldPath, backupPath),
				logging.Error(err),
				logging.String(logging.FieldImpact, "stale backup remains; document is current"),
			)
		}
	}
	return nil
}

// restoreBackup replaces path with backupPath.
func (s *Store) restoreBackup(path, backupPath string) error {
	if err := fileutil.RemoveIfExists(path); err != nil {
		return err
	}
	return os.Rename(backupPath, path)
}
