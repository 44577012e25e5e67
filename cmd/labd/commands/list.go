package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/cyberlabs/labd/internal/config"
	"github.com/cyberlabs/labd/pkg/errors"
	"github.com/cyberlabs/labd/pkg/registry"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List all lab instances and their state",
	RunE:  runList,
}

func init() {
	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "config load failed")
	}

	// Ensure database directory exists
	if err := ensureDirectories(cfg.RegistryPath, "", ""); err != nil {
		return err
	}

	reg, err := registry.New(cfg.RegistryPath)
	if err != nil {
		return errors.Wrap(err, "registry init failed")
	}
	defer reg.Close()

	instances, err := reg.List(context.Background())
	if err != nil {
		return errors.Wrap(err, "list failed")
	}

	if len(instances) == 0 {
		fmt.Println("No instances found")
		return nil
	}

	fmt.Printf("%-38s %-16s %-12s %-10s %-24s %-20s\n",
		"INSTANCE", "LAB", "USER", "STATE", "ENDPOINT", "EXPIRES")
	fmt.Println("----------------------------------------------------------------------------------------------------------------------")

	for _, inst := range instances {
		endpoint := inst.Endpoint
		if endpoint == "" {
			endpoint = "-"
		}
		expires := "-"
		if inst.ExpiresAt != 0 {
			expires = time.Unix(inst.ExpiresAt, 0).Format(time.RFC3339)
		}

		fmt.Printf("%-38s %-16s %-12s %-10s %-24s %-20s\n",
			inst.ID, inst.LabID, inst.UserID, inst.State, endpoint, expires)
	}

	return nil
}
