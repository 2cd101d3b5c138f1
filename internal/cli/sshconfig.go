package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/tutu-network/gpugov/internal/daemon"
	"github.com/tutu-network/gpugov/internal/infra/sshconfig"
)

func init() {
	sshConfigCmd.Flags().BoolVar(&sshConfigPrint, "print", false, "Print the managed block instead of writing it")
	rootCmd.AddCommand(sshConfigCmd)
}

var sshConfigPrint bool

var sshConfigCmd = &cobra.Command{
	Use:   "ssh-config",
	Short: "Write a Host entry for every active machine into ~/.ssh/config",
	RunE:  runSSHConfig,
}

func runSSHConfig(cmd *cobra.Command, args []string) error {
	d, err := daemon.New()
	if err != nil {
		return err
	}
	defer d.Close()

	machines, err := d.DB.ListActiveMachines("")
	if err != nil {
		return err
	}
	entries := sshconfig.Entries(machines, d.Config.SSH.User, d.Remote.KeyPath)

	if sshConfigPrint {
		fmt.Print(sshconfig.Render(entries))
		return nil
	}
	path := d.Config.SSH.ConfigPath
	if path == "" {
		return fmt.Errorf("ssh.ssh_config is empty in config.toml; use --print")
	}
	if err := sshconfig.Write(path, entries); err != nil {
		return err
	}
	fmt.Printf("Wrote %d hosts to %s.\n", len(entries), path)
	for _, e := range entries {
		fmt.Printf("  ssh %s\n", e.Alias)
	}
	return nil
}
