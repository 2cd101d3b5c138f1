package sshconfig

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tutu-network/gpugov/internal/domain"
)

func TestHostAlias(t *testing.T) {
	if got := HostAlias(" Train Box 1 "); got != "train-box-1" {
		t.Errorf("HostAlias = %q", got)
	}
}

func TestEntries_SkipsInactiveAndDedupes(t *testing.T) {
	machines := []domain.Machine{
		{ID: "a1", Name: "gpu", IP: "10.0.0.1", Status: domain.StatusActive, InstanceType: "gpu_1x_a100"},
		{ID: "a2", Name: "gpu", IP: "10.0.0.2", Status: domain.StatusActive},
		{ID: "b1", Name: "boot", IP: "10.0.0.3", Status: domain.StatusBooting},
		{ID: "c1", Name: "noip", Status: domain.StatusActive},
	}
	got := Entries(machines, "ubuntu", func(m *domain.Machine) string { return "/keys/" + m.ID })
	if len(got) != 2 {
		t.Fatalf("entries = %d, want 2", len(got))
	}
	if got[0].Alias != "gpu" || got[1].Alias != "gpu-2" {
		t.Errorf("aliases = %q, %q", got[0].Alias, got[1].Alias)
	}
	if got[1].IdentityFile != "/keys/a2" {
		t.Errorf("identity = %q", got[1].IdentityFile)
	}
}

func TestMerge_ReplacesBlockOnly(t *testing.T) {
	old := "Host personal\n    HostName example.com\n\n" +
		beginMarker + "\nHost stale\n    HostName 1.1.1.1\n" + endMarker + "\n" +
		"Host after\n    HostName after.example.com\n"

	out := Merge(old, []Entry{{Alias: "fresh", HostName: "10.0.0.9", User: "ubuntu", MachineID: "m9"}})

	for _, want := range []string{"Host personal", "Host after", "Host fresh", "HostName 10.0.0.9", "# instance: m9", "UserKnownHostsFile /dev/null"} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in:\n%s", want, out)
		}
	}
	if strings.Contains(out, "stale") {
		t.Errorf("stale entry kept:\n%s", out)
	}
	if strings.Count(out, beginMarker) != 1 {
		t.Errorf("expected one managed block")
	}
}

func TestMerge_AppendsWhenAbsent(t *testing.T) {
	out := Merge("Host x", nil)
	if !strings.HasPrefix(out, "Host x\n\n"+beginMarker) {
		t.Errorf("unexpected output:\n%s", out)
	}
}

func TestWrite_Permissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".ssh", "config")
	if err := Write(path, []Entry{{Alias: "a", HostName: "h", User: "ubuntu"}}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	st, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if st.Mode().Perm() != 0600 {
		t.Errorf("mode = %v", st.Mode().Perm())
	}

	// Second write must not duplicate the block.
	if err := Write(path, nil); err != nil {
		t.Fatalf("Write: %v", err)
	}
	data, _ := os.ReadFile(path)
	if strings.Count(string(data), beginMarker) != 1 {
		t.Errorf("block duplicated:\n%s", data)
	}
}
