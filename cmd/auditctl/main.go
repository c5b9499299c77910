package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/wizardbeardstudio/open-lab-audit/internal/platform/audit/sqlstore"
	"github.com/wizardbeardstudio/open-lab-audit/internal/platform/config"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type cli struct {
	v       *viper.Viper
	cfgFile string
	cfg     config.Config
}

func newRootCmd() *cobra.Command {
	c := &cli{v: config.New()}
	root := &cobra.Command{
		Use:           "auditctl",
		Short:         "Operate the lab audit chain directly against its database",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(c.v, c.cfgFile)
			if err != nil {
				return err
			}
			if cfg.DatabaseDriver == config.DriverMemory {
				return fmt.Errorf("auditctl needs a persistent database; set --database-driver and --database-url")
			}
			c.cfg = cfg
			return nil
		},
	}
	flags := root.PersistentFlags()
	flags.StringVar(&c.cfgFile, "config", "", "config file (yaml, json or toml)")
	flags.String("database-driver", "", "chain store driver: sqlite or postgres")
	flags.String("database-url", "", "chain store DSN")
	for _, name := range []string{"database-driver", "database-url"} {
		_ = c.v.BindPFlag(strings.ReplaceAll(name, "-", "_"), flags.Lookup(name))
	}

	root.AddCommand(
		c.migrateCmd(),
		c.recordCmd(),
		c.verifyCmd(),
		c.healthCmd(),
		c.recentCmd(),
	)
	return root
}

func (c *cli) open(cmd *cobra.Command) (*sqlstore.Store, error) {
	s, err := sqlstore.Open(cmd.Context(), c.cfg.DatabaseDriver, c.cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open chain store: %w", err)
	}
	return s, nil
}
