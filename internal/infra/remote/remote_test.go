package remote

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tutu-network/gpugov/internal/domain"
)

func touch(t *testing.T, path string) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0700))
	require.NoError(t, os.WriteFile(path, []byte("key"), 0600))
	return path
}

func TestKeyFinder_Order(t *testing.T) {
	dir := t.TempDir()
	def := touch(t, filepath.Join(t.TempDir(), "id_rsa"))

	tests := []struct {
		name  string
		setup func() string
		keys  []string
	}{
		{"direct file", func() string { return touch(t, filepath.Join(dir, "alice")) }, []string{"alice"}},
		{"pem suffix", func() string { return touch(t, filepath.Join(dir, "bob.pem")) }, []string{"bob"}},
		{"key suffix", func() string { return touch(t, filepath.Join(dir, "carol.key")) }, []string{"carol"}},
		{"subdir named", func() string { return touch(t, filepath.Join(dir, "dave", "dave.pem")) }, []string{"dave"}},
		{"subdir any pem", func() string { return touch(t, filepath.Join(dir, "erin", "other.pem")) }, []string{"erin"}},
		{"second key wins", func() string { return touch(t, filepath.Join(dir, "frank.pem")) }, []string{"nobody", "frank"}},
	}

	f := KeyFinder{Dir: dir, DefaultKey: def}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			want := filepath.Clean(tt.setup())
			assert.Equal(t, want, filepath.Clean(f.Find(tt.keys)))
		})
	}

	assert.Equal(t, def, f.Find([]string{"ghost"}))
	assert.Equal(t, def, f.Find(nil))
}

func TestKeyFinder_NoDefault(t *testing.T) {
	f := KeyFinder{Dir: t.TempDir(), DefaultKey: "/does/not/exist"}
	assert.Equal(t, "", f.Find([]string{"alice"}))
}

func TestRunner_NoAddress(t *testing.T) {
	r := NewRunner(Options{})
	_, _, err := r.Run(context.Background(), &domain.Machine{ID: "m"}, "true", time.Second)
	assert.True(t, errors.Is(err, domain.ErrNoAddress))
}

func TestRunner_NoIdentity(t *testing.T) {
	r := NewRunner(Options{KeysDir: t.TempDir(), DefaultKey: ""})
	m := &domain.Machine{ID: "m", IP: "192.0.2.1", SSHKeys: []string{"alice"}}
	_, _, err := r.Run(context.Background(), m, "true", time.Second)
	assert.True(t, errors.Is(err, domain.ErrNoIdentity))
}

func TestRunner_BadIdentity(t *testing.T) {
	dir := t.TempDir()
	touch(t, filepath.Join(dir, "alice"))
	r := NewRunner(Options{KeysDir: dir})
	m := &domain.Machine{ID: "m", IP: "192.0.2.1", SSHKeys: []string{"alice"}}
	_, _, err := r.Run(context.Background(), m, "true", time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse identity")
}

func TestExitCode(t *testing.T) {
	code, err := exitCode(nil)
	assert.Equal(t, 0, code)
	assert.NoError(t, err)

	code, err = exitCode(errors.New("broken pipe"))
	assert.Equal(t, -1, code)
	assert.Error(t, err)
}

func TestShellQuote(t *testing.T) {
	assert.Equal(t, `'/tmp/init_machine.sh'`, shellQuote("/tmp/init_machine.sh"))
	assert.Equal(t, `'it'\''s'`, shellQuote("it's"))
}
