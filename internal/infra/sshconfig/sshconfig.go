// Package sshconfig maintains a managed block of Host entries for fleet
// machines inside the user's ~/.ssh/config.
package sshconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/tutu-network/gpugov/internal/domain"
)

const (
	beginMarker = "# BEGIN GPUGOV-MANAGED"
	endMarker   = "# END GPUGOV-MANAGED"
)

// Entry is one Host block.
type Entry struct {
	Alias        string
	HostName     string
	User         string
	IdentityFile string
	MachineID    string
	InstanceType string
}

// HostAlias turns a display name into a usable ssh alias.
func HostAlias(name string) string {
	return strings.ToLower(strings.ReplaceAll(strings.TrimSpace(name), " ", "-"))
}

// Entries builds host entries for active machines with an address. keyFor
// resolves the identity file; an empty result omits IdentityFile.
func Entries(machines []domain.Machine, user string, keyFor func(*domain.Machine) string) []Entry {
	seen := make(map[string]int)
	var out []Entry
	for i := range machines {
		m := &machines[i]
		if !m.IsActive() || m.IP == "" {
			continue
		}
		alias := HostAlias(m.DisplayName())
		if n := seen[alias]; n > 0 {
			seen[alias] = n + 1
			alias = fmt.Sprintf("%s-%d", alias, n+1)
		} else {
			seen[alias] = 1
		}
		e := Entry{
			Alias:        alias,
			HostName:     m.IP,
			User:         user,
			MachineID:    m.ID,
			InstanceType: m.InstanceType,
		}
		if keyFor != nil {
			e.IdentityFile = keyFor(m)
		}
		out = append(out, e)
	}
	return out
}

// Render produces the managed block including markers.
func Render(entries []Entry) string {
	var b strings.Builder
	b.WriteString(beginMarker + "\n")
	for _, e := range entries {
		fmt.Fprintf(&b, "Host %s\n", e.Alias)
		fmt.Fprintf(&b, "    # instance: %s\n", e.MachineID)
		if e.InstanceType != "" {
			fmt.Fprintf(&b, "    # type: %s\n", e.InstanceType)
		}
		fmt.Fprintf(&b, "    HostName %s\n", e.HostName)
		fmt.Fprintf(&b, "    User %s\n", e.User)
		if e.IdentityFile != "" {
			fmt.Fprintf(&b, "    IdentityFile %s\n", e.IdentityFile)
		}
		b.WriteString("    StrictHostKeyChecking no\n")
		b.WriteString("    UserKnownHostsFile /dev/null\n\n")
	}
	b.WriteString(endMarker + "\n")
	return b.String()
}

// Merge replaces the managed block in existing, or appends one. Content
// outside the markers is left untouched.
func Merge(existing string, entries []Entry) string {
	block := Render(entries)
	start := strings.Index(existing, beginMarker)
	end := strings.Index(existing, endMarker)
	if start >= 0 && end > start {
		tail := existing[end+len(endMarker):]
		tail = strings.TrimPrefix(tail, "\n")
		return existing[:start] + block + tail
	}
	if existing != "" && !strings.HasSuffix(existing, "\n") {
		existing += "\n"
	}
	if existing != "" {
		existing += "\n"
	}
	return existing + block
}

// Write merges entries into the file at path and sets mode 0600.
func Write(path string, entries []Entry) error {
	existing, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "read %s", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return errors.Wrap(err, "create ssh dir")
	}
	out := Merge(string(existing), entries)
	if err := os.WriteFile(path, []byte(out), 0600); err != nil {
		return errors.Wrapf(err, "write %s", path)
	}
	return os.Chmod(path, 0600)
}
