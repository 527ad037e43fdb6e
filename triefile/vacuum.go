package triefile

import (
	"os"
	"path/filepath"

	trieblob "github.com/lotus-web3/trieblob"
)

const (
	envSqliteTmpDir = "SQLITE_TMPDIR"
	envTmpDir       = "TMPDIR"
)

// overrideEnv points sqlite temp files at dir, VACUUM writes a full copy of
// the db there. The returned func restores the previous environment.
func overrideEnv(dir string) (restore func()) {
	_, hadSqliteTmp := os.LookupEnv(envSqliteTmpDir)
	if !hadSqliteTmp {
		if err := os.Setenv(envSqliteTmpDir, dir); err != nil {
			log.Warnw("setting env", "key", envSqliteTmpDir, "err", err)
		}
	}

	prevTmp, hadTmp := os.LookupEnv(envTmpDir)
	if err := os.Setenv(envTmpDir, dir); err != nil {
		log.Warnw("setting env", "key", envTmpDir, "err", err)
	}

	return func() {
		if !hadSqliteTmp {
			_ = os.Unsetenv(envSqliteTmpDir)
		}
		if hadTmp {
			_ = os.Setenv(envTmpDir, prevTmp)
		} else {
			_ = os.Unsetenv(envTmpDir)
		}
	}
}

func fileSize(path string) (int64, bool) {
	st, err := os.Stat(path)
	if err != nil {
		log.Warnw("stat for size report", "path", path, "err", err)
		return 0, false
	}
	return st.Size(), true
}

// vacuumMeta reclaims the space freed by moving inline tries out of the
// metadata db. Failures are logged, the migration stays valid without it.
func (tf *TrieFile) vacuumMeta(meta trieblob.MetaStore, dbPath string) {
	v, ok := meta.(trieblob.Vacuumer)
	if !ok {
		log.Debugw("metadata store can't vacuum, skipping")
		return
	}

	if dbPath == trieblob.MemoryPath || tf.isMemory() {
		if err := v.Vacuum(); err != nil {
			log.Warnw("vacuum failed", "err", err)
		}
		return
	}

	before, _ := fileSize(dbPath)

	func() {
		restore := overrideEnv(filepath.Dir(tf.path))
		defer restore()

		log.Infow("vacuuming metadata db", "path", dbPath, "size", before)
		if err := v.Vacuum(); err != nil {
			log.Warnw("vacuum failed", "path", dbPath, "err", err)
		}
	}()

	if after, ok := fileSize(dbPath); ok {
		log.Infow("vacuumed metadata db", "path", dbPath, "before", before, "after", after)
	}
}
