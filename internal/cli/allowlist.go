package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/tutu-network/gpugov/internal/daemon"
	"github.com/tutu-network/gpugov/internal/domain"
)

func init() {
	allowlistCmd.Flags().BoolVar(&allowlistOff, "off", false, "Remove the exemption instead of setting it")
	rootCmd.AddCommand(allowlistCmd)
}

var allowlistOff bool

var allowlistCmd = &cobra.Command{
	Use:   "allowlist MACHINE_ID",
	Short: "Exempt a machine from idle and budget termination",
	Long: `Exempt a machine from idle and budget termination. Machines whose name
contains one of the configured allowlist markers are exempt without this flag.`,
	Args: cobra.ExactArgs(1),
	RunE: runAllowlist,
}

func runAllowlist(cmd *cobra.Command, args []string) error {
	d, err := daemon.New()
	if err != nil {
		return err
	}
	defer d.Close()

	m, err := d.DB.GetMachine(args[0])
	if err != nil {
		return err
	}
	if m == nil {
		return fmt.Errorf("%w: %s", domain.ErrMachineNotFound, args[0])
	}
	if err := d.DB.SetAllowlisted(m.ID, !allowlistOff); err != nil {
		return err
	}

	if allowlistOff {
		fmt.Printf("Removed allowlist flag from %s.", m.DisplayName())
		if m.IsAllowlisted(d.Config.Policy.AllowlistMarkers) && !m.Allowlisted {
			fmt.Print(" Its name still matches an allowlist marker.")
		}
		fmt.Println()
		return nil
	}
	fmt.Printf("Allowlisted %s.\n", m.DisplayName())
	return nil
}
