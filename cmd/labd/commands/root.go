package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "labd",
	Short: "labd - practice lab container orchestrator",
	Long:  `Manages on-demand vulnerable lab containers: provisioning, flag verification, expiry, and orphan reconciliation.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("listen-addr", ":8380", "HTTP listen address")
	rootCmd.PersistentFlags().String("registry-path", ".artifacts/registry.db", "SQLite registry path")
	rootCmd.PersistentFlags().String("fsm-db-path", ".artifacts/fsm.db", "FSM BoltDB path")
	rootCmd.PersistentFlags().String("catalog-path", "labs.yaml", "Lab catalog file")
	rootCmd.PersistentFlags().String("docker-network", "", "Docker network for lab containers")
	rootCmd.PersistentFlags().String("advertise-addr", "127.0.0.1", "Host address advertised in lab endpoints")
	rootCmd.PersistentFlags().String("attachment-bucket", "", "S3 bucket for lab attachments (empty disables)")
	rootCmd.PersistentFlags().String("attachment-region", "us-east-1", "S3 region for lab attachments")
	rootCmd.PersistentFlags().String("work-dir", "/tmp/labd", "Working directory for downloads")

	viper.BindPFlag("listen-addr", rootCmd.PersistentFlags().Lookup("listen-addr"))
	viper.BindPFlag("registry-path", rootCmd.PersistentFlags().Lookup("registry-path"))
	viper.BindPFlag("fsm-db-path", rootCmd.PersistentFlags().Lookup("fsm-db-path"))
	viper.BindPFlag("catalog-path", rootCmd.PersistentFlags().Lookup("catalog-path"))
	viper.BindPFlag("docker-network", rootCmd.PersistentFlags().Lookup("docker-network"))
	viper.BindPFlag("advertise-addr", rootCmd.PersistentFlags().Lookup("advertise-addr"))
	viper.BindPFlag("attachment-bucket", rootCmd.PersistentFlags().Lookup("attachment-bucket"))
	viper.BindPFlag("attachment-region", rootCmd.PersistentFlags().Lookup("attachment-region"))
	viper.BindPFlag("work-dir", rootCmd.PersistentFlags().Lookup("work-dir"))
}
