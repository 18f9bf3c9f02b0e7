package nameindex

import (
	"fmt"
	"os"
)

// compactLocked rewrites the mutation log to hold exactly one bind record
// per currently-live name, dropping every superseded bind and every applied
// unbind. The new log is built under a temp name and only swapped into
// place once it is fully flushed and synced, so a crash mid-compaction
// leaves the original log untouched.
//
// Callers must hold idx.mu for writing.
func (idx *Index) compactLocked() error {
	tmpPath := idx.logPath + ".compact"
	tmp, err := openLog(tmpPath)
	if err != nil {
		return fmt.Errorf("nameindex: open compaction temp log: %w", err)
	}

	for name, e := range idx.names {
		rec := record{kind: recordBind, name: name, hash: e.hash, compressed: e.compressed, sizeRaw: e.sizeRaw}
		if err := tmp.append(rec); err != nil {
			tmp.close()
			os.Remove(tmpPath)
			return fmt.Errorf("nameindex: write compacted record for %q: %w", name, err)
		}
	}
	if err := tmp.close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("nameindex: close compaction temp log: %w", err)
	}

	if err := idx.logFile.close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("nameindex: close live log before swap: %w", err)
	}
	renameErr := os.Rename(tmpPath, idx.logPath)

	l, reopenErr := openLog(idx.logPath)
	if reopenErr != nil {
		return fmt.Errorf("nameindex: reopen log after compaction (rename err: %v): %w", renameErr, reopenErr)
	}
	idx.logFile = l
	if renameErr != nil {
		return fmt.Errorf("nameindex: rename compacted log into place: %w", renameErr)
	}
	log.Infof("compacted name index log to %d live entries", len(idx.names))
	return nil
}

// Compact forces an out-of-band compaction, for the command-line
// maintenance path rather than the automatic afterMutation trigger.
func (idx *Index) Compact() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.compactLocked()
}
