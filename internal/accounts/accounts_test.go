package accounts

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tutu-network/gpugov/internal/domain"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), FileName)
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_ResolvesLimits(t *testing.T) {
	path := writeFile(t, `
defaults:
  limit_cents: 1000000
  milestone_interval: 50000
accounts:
  research:
    api_key: secret-r
    limit_cents: 250000
    discord_webhook: https://discord.example/hook
  prod:
    api_key: secret-p
    limit_cents: default
`)
	f, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	got := f.Resolve()
	if len(got) != 2 {
		t.Fatalf("accounts = %d, want 2", len(got))
	}
	if got[0].Name != "prod" || got[1].Name != "research" {
		t.Errorf("order = %s, %s", got[0].Name, got[1].Name)
	}
	prod, research := got[0].Budget, got[1].Budget
	if !prod.UsesDefaultLimit || prod.LimitCents != 1000000 || prod.MilestoneInterval != 50000 {
		t.Errorf("prod budget = %+v", prod)
	}
	if research.UsesDefaultLimit || research.LimitCents != 250000 || research.Webhook == "" {
		t.Errorf("research budget = %+v", research)
	}
}

func TestLoad_MissingFileUsesEnv(t *testing.T) {
	t.Setenv(EnvAPIKey, "env-key")
	f, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	got := f.Resolve()
	if len(got) != 1 || got[0].Name != DefaultAccount || got[0].APIKey != "env-key" {
		t.Fatalf("resolved = %+v", got)
	}
	if got[0].Budget.LimitCents != domain.DefaultLimitCents {
		t.Errorf("limit = %d", got[0].Budget.LimitCents)
	}
}

func TestLoad_NoAccounts(t *testing.T) {
	t.Setenv(EnvAPIKey, "")
	f, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(f.Resolve()) != 0 {
		t.Error("expected no accounts")
	}
}

func TestResolve_SkipsAccountWithoutKey(t *testing.T) {
	path := writeFile(t, `
accounts:
  good:
    api_key: k
  broken:
    limit_cents: 100
`)
	f, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, bad := f.Validate()["broken"]; !bad {
		t.Error("expected broken account to be reported")
	}
	got := f.Resolve()
	if len(got) != 1 || got[0].Name != "good" {
		t.Errorf("resolved = %+v", got)
	}
}

func TestResolve_AccountNamedDefaults(t *testing.T) {
	path := writeFile(t, `
accounts:
  defaults:
    api_key: k
`)
	f, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	f.Defaults.MilestoneInterval = -1

	if err := f.ValidateDefaults(); err == nil {
		t.Error("expected defaults error")
	}
	if _, bad := f.Validate()["defaults"]; bad {
		t.Error("defaults section problem reported against the account")
	}
	got := f.Resolve()
	if len(got) != 1 || got[0].Name != "defaults" {
		t.Errorf("resolved = %+v", got)
	}
}

func TestLoad_BadLimit(t *testing.T) {
	path := writeFile(t, "accounts:\n  a:\n    api_key: k\n    limit_cents: lots\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestSave_RoundTrip(t *testing.T) {
	path := writeFile(t, "accounts:\n  a:\n    api_key: k\n")
	f, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	cents := int64(123400)
	if err := f.SetLimit("a", &cents); err != nil {
		t.Fatal(err)
	}
	if err := f.SetWebhook("a", "https://hook.example/x"); err != nil {
		t.Fatal(err)
	}
	if err := f.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	data, _ := os.ReadFile(path)
	if !strings.HasPrefix(string(data), "# gpugov accounts") {
		t.Errorf("missing header:\n%s", data)
	}

	again, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	r, err := again.Get("a")
	if err != nil {
		t.Fatal(err)
	}
	if r.Budget.LimitCents != 123400 || r.Budget.Webhook != "https://hook.example/x" {
		t.Errorf("budget = %+v", r.Budget)
	}

	if err := again.SetLimit("a", nil); err != nil {
		t.Fatal(err)
	}
	if err := again.Save(path); err != nil {
		t.Fatal(err)
	}
	data, _ = os.ReadFile(path)
	if !strings.Contains(string(data), "limit_cents: default") {
		t.Errorf("expected default limit:\n%s", data)
	}
}

func TestSetLimit_Errors(t *testing.T) {
	f := &File{}
	f.applyDefaults()
	f.Accounts["a"] = &Account{APIKey: "k", Limit: Limit{Default: true}}

	zero := int64(0)
	if err := f.SetLimit("a", &zero); !errors.Is(err, domain.ErrInvalidLimit) {
		t.Errorf("err = %v", err)
	}
	if err := f.SetLimit("ghost", nil); !errors.Is(err, domain.ErrAccountNotFound) {
		t.Errorf("err = %v", err)
	}
}

func TestParseDollars(t *testing.T) {
	tests := []struct {
		in   string
		want int64
		ok   bool
	}{
		{"$1,500", 150000, true},
		{"1500.50", 150050, true},
		{" 20 ", 2000, true},
		{"0", 0, false},
		{"abc", 0, false},
	}
	for _, tt := range tests {
		got, err := ParseDollars(tt.in)
		if (err == nil) != tt.ok || got != tt.want {
			t.Errorf("ParseDollars(%q) = %d, %v", tt.in, got, err)
		}
	}
}
