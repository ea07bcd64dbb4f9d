package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/EmpoweredVote/HZ-Backend/internal/db"
	"github.com/EmpoweredVote/HZ-Backend/internal/logger"
	"github.com/EmpoweredVote/HZ-Backend/internal/mapimport"
	"github.com/EmpoweredVote/HZ-Backend/internal/zones/cache"
)

var configPath string

func main() {
	_ = godotenv.Load(".env.local")

	if err := logger.Initialize(logger.Config{
		Debug:     os.Getenv("DEBUG") == "true",
		SentryDSN: os.Getenv("SENTRY_DSN"),
		Tags:      map[string]string{"component": "map-import"},
	}); err != nil {
		fmt.Fprintln(os.Stderr, "init logger:", err)
		os.Exit(1)
	}
	defer logger.Flush(2 * time.Second)

	rootCmd := &cobra.Command{
		Use:           "map-import",
		Short:         "Refresh HUBZone designations from the federal sources",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML file overlaid on the environment config")

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(cacheCmd())
	rootCmd.AddCommand(runsCmd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		logger.Flush(2 * time.Second)
		os.Exit(1)
	}
}

func loadConfig() (mapimport.Config, error) {
	cfg, err := mapimport.LoadFromEnv()
	if err != nil {
		return cfg, err
	}
	if configPath != "" {
		if err := mapimport.LoadFile(configPath, &cfg); err != nil {
			return cfg, err
		}
	}
	return cfg, nil
}

func runCmd() *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one designation import",
		Long: `Run one designation import: acquire boundaries, designations and
census statistics, merge them, write the result in one transaction and
notify affected businesses.

Examples:
  map-import run
  map-import run --dry-run --config map-import.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if dryRun {
				cfg.DryRun = true
			}

			gdb, err := db.Open(cfg.DatabaseURL)
			if err != nil {
				return err
			}
			if err := mapimport.Migrate(gdb); err != nil {
				return err
			}

			rt, err := mapimport.Build(cfg, gdb)
			if err != nil {
				return err
			}
			defer rt.Close()

			res := rt.Pipeline.RunImport(cmd.Context())
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(res); err != nil {
				return err
			}
			if !res.Success {
				return fmt.Errorf("map import %s failed", res.ImportID)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "compute statistics without writing")
	return cmd
}

func cacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the download cache",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "purge",
		Short: "Remove expired cache entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			c, err := cache.Open(cfg.Cache.Dir, cache.Options{TTL: time.Duration(cfg.Cache.TTLDays) * 24 * time.Hour})
			if err != nil {
				return err
			}
			defer c.Close()

			n, err := c.Purge(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "purged %d cache entries\n", n)
			return nil
		},
	})
	return cmd
}

func runsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect recorded import runs",
	}

	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List recent import runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			gdb, err := db.Open(cfg.DatabaseURL)
			if err != nil {
				return err
			}

			runs, err := mapimport.NewPostgresStore(gdb).ListRuns(cmd.Context(), limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, r := range runs {
				completed := "-"
				if r.CompletedAt != nil {
					completed = r.CompletedAt.Format(time.RFC3339)
				}
				fmt.Fprintf(out, "%s  %-11s  dry_run=%-5t  started=%s  completed=%s  %s\n",
					r.ID, r.Status, r.DryRun, r.StartedAt.Format(time.RFC3339), completed, r.ErrorMessage)
			}
			return nil
		},
	}
	list.Flags().IntVarP(&limit, "limit", "n", 20, "maximum runs to show")
	cmd.AddCommand(list)
	return cmd
}
