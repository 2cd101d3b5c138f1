package cli

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/tutu-network/gpugov/internal/accounts"
	"github.com/tutu-network/gpugov/internal/daemon"
	"github.com/tutu-network/gpugov/internal/domain"
)

func init() {
	budgetsSetCmd.Flags().StringVar(&budgetLimit, "limit", "", "New limit in dollars ($1,500) or 'default'")
	budgetsSetCmd.Flags().StringVar(&budgetWebhook, "webhook", "", "Discord webhook URL, or 'none' to remove")
	budgetsResetCmd.Flags().StringVar(&budgetScope, "scope", "account", "Ledger to reset: 'account' or 'key'")
	budgetsCmd.AddCommand(budgetsListCmd, budgetsSetCmd, budgetsResetCmd)
	rootCmd.AddCommand(budgetsCmd)
}

var (
	budgetLimit   string
	budgetWebhook string
	budgetScope   string
)

var budgetsCmd = &cobra.Command{
	Use:     "budgets",
	Aliases: []string{"budget"},
	Short:   "Show and edit per-account budgets",
	RunE:    runBudgetsList,
}

var budgetsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List accounts with spend against their limits",
	RunE:  runBudgetsList,
}

var budgetsSetCmd = &cobra.Command{
	Use:   "set ACCOUNT",
	Short: "Change an account's limit or webhook",
	Args:  cobra.ExactArgs(1),
	RunE:  runBudgetsSet,
}

var budgetsResetCmd = &cobra.Command{
	Use:   "reset IDENTITY",
	Short: "Zero a ledger total and forget its alert history",
	Args:  cobra.ExactArgs(1),
	RunE:  runBudgetsReset,
}

func runBudgetsList(cmd *cobra.Command, args []string) error {
	d, err := daemon.New()
	if err != nil {
		return err
	}
	defer d.Close()

	f, _, err := d.Accounts()
	if err != nil {
		return err
	}
	if len(f.Accounts) == 0 {
		fmt.Printf("No accounts configured. Add them to %s.\n", d.AccountsPath())
		return nil
	}
	problems := f.Validate()
	if err := f.ValidateDefaults(); err != nil {
		fmt.Printf("warning: %v\n", err)
	}

	names := slices.Sorted(maps.Keys(f.Accounts))

	w := newTable("ACCOUNT\tSPENT\tLIMIT\tREMAINING\tNOTIFIED\tWEBHOOK")
	for _, name := range names {
		if _, bad := problems[name]; bad {
			fmt.Fprintf(w, "  %s\t-\t-\tinvalid\t-\t-\n", name)
			continue
		}
		acct, err := f.Get(name)
		if err != nil {
			return err
		}
		b := acct.Budget
		spent, err := d.DB.AccountCost(name)
		if err != nil {
			return err
		}
		notified, err := d.DB.NotificationLevel(domain.ScopeAccount, name)
		if err != nil {
			return err
		}

		fmt.Fprintf(w, "%s %s\t%s\t%s\t%s\t%s\t%s\n",
			budgetMarker(b.LimitCents, spent), name,
			domain.FormatMoney(spent), limitLabel(b.LimitCents, b.UsesDefaultLimit),
			domain.FormatMoney(b.LimitCents-spent),
			domain.FormatMoney(notified), yesNo(b.Webhook != ""))
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Println("\n* default limit   ⚠ under 20% remaining   ! over budget")
	for _, name := range names {
		if p, bad := problems[name]; bad {
			fmt.Printf("skipped: %v\n", p)
		}
	}
	return nil
}

// budgetMarker flags accounts that are over budget or close to it.
func budgetMarker(limit, spent int64) string {
	switch {
	case spent > limit:
		return "!"
	case limit > 0 && (limit-spent)*5 < limit:
		return "⚠"
	default:
		return " "
	}
}

func limitLabel(cents int64, isDefault bool) string {
	if isDefault {
		return domain.FormatMoney(cents) + "*"
	}
	return domain.FormatMoney(cents)
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func runBudgetsSet(cmd *cobra.Command, args []string) error {
	name := args[0]
	if budgetLimit == "" && budgetWebhook == "" {
		return fmt.Errorf("nothing to change: pass --limit and/or --webhook")
	}

	d, err := daemon.New()
	if err != nil {
		return err
	}
	defer d.Close()

	f, err := accounts.Load(d.AccountsPath())
	if err != nil {
		return err
	}

	if budgetLimit != "" {
		var cents *int64
		if !strings.EqualFold(budgetLimit, "default") {
			v, err := accounts.ParseDollars(budgetLimit)
			if err != nil {
				return err
			}
			cents = &v
		}
		if err := f.SetLimit(name, cents); err != nil {
			return err
		}
	}
	if budgetWebhook != "" {
		url := budgetWebhook
		if strings.EqualFold(url, "none") {
			url = ""
		}
		if err := f.SetWebhook(name, url); err != nil {
			return err
		}
	}
	if p, bad := f.Validate()[name]; bad {
		return p
	}
	if err := f.Save(d.AccountsPath()); err != nil {
		return err
	}

	acct, err := f.Get(name)
	if err != nil {
		return err
	}
	fmt.Printf("Updated %s: limit %s", name, domain.FormatMoney(acct.Budget.LimitCents))
	if acct.Budget.UsesDefaultLimit {
		fmt.Print(" (default)")
	}
	fmt.Println()
	return nil
}

func runBudgetsReset(cmd *cobra.Command, args []string) error {
	scope := domain.Scope(budgetScope)
	if scope != domain.ScopeKey && scope != domain.ScopeAccount {
		return fmt.Errorf("invalid --scope %q: use account or key", budgetScope)
	}

	d, err := daemon.New()
	if err != nil {
		return err
	}
	defer d.Close()

	before, err := d.DB.Cost(scope, args[0])
	if err != nil {
		return err
	}
	if err := d.DB.ResetCost(scope, args[0], time.Now()); err != nil {
		return err
	}
	fmt.Printf("Reset %s %s (was %s).\n", scope, args[0], domain.FormatMoney(before))
	return nil
}
