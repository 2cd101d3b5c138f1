// Package accounts loads and saves the multi-account budget file
// (accounts.yaml). Each account carries its provider credential, an optional
// budget limit and an optional alert webhook.
package accounts

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/tutu-network/gpugov/internal/domain"
)

// FileName is the accounts file inside the gpugov home directory.
const FileName = "accounts.yaml"

// DefaultAccount is the name of the account synthesized from LAMBDA_API_KEY.
const DefaultAccount = "default"

// EnvAPIKey is consulted when no accounts are configured.
const EnvAPIKey = "LAMBDA_API_KEY"

// Limit is either an explicit number of cents or the literal "default".
type Limit struct {
	Cents   int64
	Default bool
}

// UnmarshalYAML accepts an integer, a numeric string or "default".
func (l *Limit) UnmarshalYAML(node *yaml.Node) error {
	v := strings.TrimSpace(node.Value)
	if v == "" || strings.EqualFold(v, "default") {
		*l = Limit{Default: true}
		return nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fmt.Errorf("limit_cents: %q is neither an integer nor \"default\"", v)
	}
	*l = Limit{Cents: n}
	return nil
}

// MarshalYAML writes "default" or the integer.
func (l Limit) MarshalYAML() (any, error) {
	if l.Default {
		return "default", nil
	}
	return l.Cents, nil
}

// Account is one entry under accounts:.
type Account struct {
	APIKey  string `yaml:"api_key" validate:"required"`
	Limit   Limit  `yaml:"limit_cents"`
	Webhook string `yaml:"discord_webhook,omitempty" validate:"omitempty,url"`
}

// Defaults apply to accounts whose limit is "default".
type Defaults struct {
	LimitCents        int64 `yaml:"limit_cents" validate:"gt=0"`
	MilestoneInterval int64 `yaml:"milestone_interval" validate:"gt=0"`
}

// File is the parsed accounts.yaml.
type File struct {
	Defaults Defaults            `yaml:"defaults"`
	Accounts map[string]*Account `yaml:"accounts"`
}

// Resolved is an account with its effective budget.
type Resolved struct {
	Name   string
	APIKey string
	Budget domain.Budget
}

var validate = validator.New()

// Load reads path. A missing file yields defaults and, when LAMBDA_API_KEY
// is set, a single "default" account.
func Load(path string) (*File, error) {
	f := &File{}
	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, fmt.Errorf("read %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, f); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	f.applyDefaults()

	if len(f.Accounts) == 0 {
		if key := os.Getenv(EnvAPIKey); key != "" {
			f.Accounts[DefaultAccount] = &Account{APIKey: key, Limit: Limit{Default: true}}
		}
	}
	return f, nil
}

func (f *File) applyDefaults() {
	if f.Defaults.LimitCents <= 0 {
		f.Defaults.LimitCents = domain.DefaultLimitCents
	}
	if f.Defaults.MilestoneInterval <= 0 {
		f.Defaults.MilestoneInterval = domain.DefaultMilestoneInterval
	}
	if f.Accounts == nil {
		f.Accounts = make(map[string]*Account)
	}
	for _, a := range f.Accounts {
		if a != nil && !a.Limit.Default && a.Limit.Cents == 0 {
			a.Limit.Default = true
		}
	}
}

// Validate checks every account. It reports problems keyed by account name
// so the caller can skip a broken one rather than refuse to start.
func (f *File) Validate() map[string]error {
	problems := make(map[string]error)
	for name, a := range f.Accounts {
		if a == nil {
			problems[name] = fmt.Errorf("account %s: empty entry", name)
			continue
		}
		if err := validate.Struct(a); err != nil {
			problems[name] = fmt.Errorf("account %s: %w", name, err)
			continue
		}
		if !a.Limit.Default && a.Limit.Cents < 0 {
			problems[name] = fmt.Errorf("account %s: %w", name, domain.ErrInvalidLimit)
		}
	}
	return problems
}

// ValidateDefaults checks the defaults section, which is reported apart
// from accounts since an account may itself be named "defaults".
func (f *File) ValidateDefaults() error {
	if err := validate.Struct(f.Defaults); err != nil {
		return fmt.Errorf("defaults: %w", err)
	}
	return nil
}

// Resolve returns the valid accounts sorted by name with effective budgets.
func (f *File) Resolve() []Resolved {
	problems := f.Validate()
	names := make([]string, 0, len(f.Accounts))
	for name := range f.Accounts {
		if _, bad := problems[name]; !bad {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	out := make([]Resolved, 0, len(names))
	for _, name := range names {
		a := f.Accounts[name]
		out = append(out, Resolved{
			Name:   name,
			APIKey: a.APIKey,
			Budget: f.budget(name, a),
		})
	}
	return out
}

// Get returns one resolved account.
func (f *File) Get(name string) (Resolved, error) {
	a, ok := f.Accounts[name]
	if !ok || a == nil {
		return Resolved{}, fmt.Errorf("%w: %s", domain.ErrAccountNotFound, name)
	}
	return Resolved{Name: name, APIKey: a.APIKey, Budget: f.budget(name, a)}, nil
}

func (f *File) budget(name string, a *Account) domain.Budget {
	b := domain.Budget{
		Scope:             domain.ScopeAccount,
		Identity:          name,
		LimitCents:        f.Defaults.LimitCents,
		UsesDefaultLimit:  true,
		MilestoneInterval: f.Defaults.MilestoneInterval,
		Webhook:           a.Webhook,
	}
	if !a.Limit.Default {
		b.LimitCents = a.Limit.Cents
		b.UsesDefaultLimit = false
	}
	return b
}

// SetLimit updates an account's limit. A nil cents value restores "default".
func (f *File) SetLimit(name string, cents *int64) error {
	a, ok := f.Accounts[name]
	if !ok || a == nil {
		return fmt.Errorf("%w: %s", domain.ErrAccountNotFound, name)
	}
	if cents == nil {
		a.Limit = Limit{Default: true}
		return nil
	}
	if *cents <= 0 {
		return fmt.Errorf("%w: %d", domain.ErrInvalidLimit, *cents)
	}
	a.Limit = Limit{Cents: *cents}
	return nil
}

// SetWebhook replaces an account's webhook; "" removes it.
func (f *File) SetWebhook(name, url string) error {
	a, ok := f.Accounts[name]
	if !ok || a == nil {
		return fmt.Errorf("%w: %s", domain.ErrAccountNotFound, name)
	}
	a.Webhook = url
	return nil
}

const header = `# gpugov accounts
# api_key: provider API key for the account
# limit_cents: budget limit in cents, or 'default' to use defaults.limit_cents
# discord_webhook: optional webhook for budget alerts
`

// Save writes the file with a comment header. The file holds credentials,
// so it is written 0600.
func (f *File) Save(path string) error {
	data, err := yaml.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode accounts: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create accounts dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append([]byte(header), data...), 0600); err != nil {
		return fmt.Errorf("write accounts: %w", err)
	}
	return os.Rename(tmp, path)
}

// ParseDollars converts "$1,500" or "1500.50" to cents.
func ParseDollars(s string) (int64, error) {
	clean := strings.NewReplacer("$", "", ",", "").Replace(strings.TrimSpace(s))
	v, err := strconv.ParseFloat(clean, 64)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("%w: %q", domain.ErrInvalidLimit, s)
	}
	return int64(v*100 + 0.5), nil
}
