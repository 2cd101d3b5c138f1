package remote

import (
	"os"
	"path/filepath"
	"sort"
)

// KeyFinder locates the private key for a machine's ownership keys.
type KeyFinder struct {
	Dir        string
	DefaultKey string
}

// Find returns the first private key file matching one of names, trying in
// order: dir/name, dir/name.pem, dir/name.key, dir/name/name{.pem,.key,},
// then any dir/name/*.pem. It falls back to DefaultKey, and returns "" when
// that does not exist either.
func (f KeyFinder) Find(names []string) string {
	if f.Dir != "" {
		for _, name := range names {
			if name == "" {
				continue
			}
			if p := f.findOne(name); p != "" {
				return p
			}
		}
	}
	if isFile(f.DefaultKey) {
		return f.DefaultKey
	}
	return ""
}

func (f KeyFinder) findOne(name string) string {
	for _, ext := range []string{"", ".pem", ".key"} {
		if p := filepath.Join(f.Dir, name+ext); isFile(p) {
			return p
		}
	}

	sub := filepath.Join(f.Dir, name)
	if !isDir(sub) {
		return ""
	}
	for _, ext := range []string{".pem", ".key", ""} {
		if p := filepath.Join(sub, name+ext); isFile(p) {
			return p
		}
	}
	pems, _ := filepath.Glob(filepath.Join(sub, "*.pem"))
	sort.Strings(pems)
	if len(pems) > 0 {
		return pems[0]
	}
	return ""
}

func isFile(p string) bool {
	if p == "" {
		return false
	}
	st, err := os.Stat(p)
	return err == nil && st.Mode().IsRegular()
}

func isDir(p string) bool {
	st, err := os.Stat(p)
	return err == nil && st.IsDir()
}
