package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/tutu-network/gpugov/internal/daemon"
)

func init() {
	availabilityCmd.Flags().BoolVar(&availRecord, "record", false, "Snapshot provider capacity before reporting")
	availabilityCmd.Flags().IntVar(&availHours, "hours", 24, "Window to analyze, in hours")
	availabilityCmd.Flags().BoolVar(&jsonOut, "json", false, "Print stats as JSON")
	rootCmd.AddCommand(availabilityCmd)
}

var (
	availRecord bool
	availHours  int
)

var availabilityCmd = &cobra.Command{
	Use:     "availability",
	Aliases: []string{"avail"},
	Short:   "Report how often each instance type had capacity",
	RunE:    runAvailability,
}

func runAvailability(cmd *cobra.Command, args []string) error {
	if availHours <= 0 {
		return fmt.Errorf("--hours must be positive")
	}

	d, err := daemon.New()
	if err != nil {
		return err
	}
	defer d.Close()

	if availRecord {
		n, err := d.RecordAvailability(context.Background())
		if err != nil {
			return err
		}
		fmt.Printf("Recorded %d instance types with capacity.\n", n)
	}

	stats, err := d.Availability.Analyze(time.Duration(availHours) * time.Hour)
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(stats)
	}
	if len(stats) == 0 {
		fmt.Println("No availability history. Run with --record or let 'gpugov serve' collect it.")
		return nil
	}

	w := newTable("TYPE\tREGION\tAVAILABLE\tSLOTS\tLAST SEEN")
	for _, s := range stats {
		fmt.Fprintf(w, "%s\t%s\t%.0f%%\t%d/%d\t%s\n",
			s.InstanceType, s.Region, s.Percent, s.Slots, s.TotalSlots,
			s.LastSeen.Format("2006-01-02 15:04"))
	}
	return w.Flush()
}
