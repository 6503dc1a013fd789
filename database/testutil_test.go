package database

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) error {
	t.Helper()
	return os.WriteFile(path, []byte(content), 0o644)
}

// openTestDB opens a fresh Database rooted in a per-test temp directory,
// matching the on-disk layout Open expects (base file plus its sibling
// redo segment).
func openTestDB(t *testing.T, opts ...func(*Config)) *Database {
	t.Helper()
	base := filepath.Join(t.TempDir(), "store")
	cfg := DefaultConfig(base)
	for _, o := range opts {
		o(cfg)
	}
	db, err := Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}
