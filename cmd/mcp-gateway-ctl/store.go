package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub001/internal/db"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub001/internal/storage"
)

type storeFlags struct {
	backend     string
	dataDir     string
	logFile     string
	postgresURL string
	schema      string
}

func (f *storeFlags) register(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVar(&f.backend, "type", storage.BackendJSONL, "Store backend (jsonl or postgresql)")
	cmd.PersistentFlags().StringVar(&f.dataDir, "data-dir", "./.mcp-data", "Directory of the append-only log")
	cmd.PersistentFlags().StringVar(&f.logFile, "log-file", "", "Log file name inside data-dir")
	cmd.PersistentFlags().StringVar(&f.postgresURL, "postgres-url", "", "PostgreSQL connection URL")
	cmd.PersistentFlags().StringVar(&f.schema, "schema", "mcp", "PostgreSQL schema")
}

func (f *storeFlags) open(ctx context.Context) (*storage.Facade, error) {
	switch f.backend {
	case storage.BackendJSONL:
		// Auto-compaction stays off so inspecting a store never rewrites it.
		s, err := storage.OpenLogStore(storage.LogConfig{DataDir: f.dataDir, LogFile: f.logFile})
		if err != nil {
			return nil, err
		}
		return storage.NewLogFacade(s), nil
	case storage.BackendPostgres:
		if f.postgresURL == "" {
			return nil, fmt.Errorf("--postgres-url is required for %s", storage.BackendPostgres)
		}
		pool, err := db.Open(ctx, db.Config{Url: f.postgresURL, Schema: f.schema})
		if err != nil {
			return nil, err
		}
		return storage.NewRelationalFacade(storage.NewPostgresStore(pool)), nil
	default:
		return nil, fmt.Errorf("unknown store type %q", f.backend)
	}
}

func newStoreCommand() *cobra.Command {
	flags := &storeFlags{}
	cmd := &cobra.Command{
		Use:   "store",
		Short: "Inspect and maintain the user and browser store",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	flags.register(cmd)

	cmd.AddCommand(newStoreStatsCommand(flags))
	cmd.AddCommand(newStoreCompactCommand(flags))
	cmd.AddCommand(newStoreUsersCommand(flags))
	return cmd
}

func withStore(cmd *cobra.Command, flags *storeFlags, fn func(ctx context.Context, store *storage.Facade) error) error {
	ctx := commandContext(cmd)
	store, err := flags.open(ctx)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(ctx, store)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newStoreStatsCommand(flags *storeFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print user and browser counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, flags, func(ctx context.Context, store *storage.Facade) error {
				stats, err := store.Stats(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), stats)
			})
		},
	}
}

func newStoreCompactCommand(flags *storeFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "compact",
		Short: "Rewrite the log as a single snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, flags, func(ctx context.Context, store *storage.Facade) error {
				logStore, err := store.Log()
				if err != nil {
					return err
				}
				before := logStore.LocalStats()
				if err := logStore.Compact(); err != nil {
					return err
				}
				after := logStore.LocalStats()
				fmt.Fprintf(cmd.OutOrStdout(), "compacted %d log lines into %d\n", before.LogLines, after.LogLines)
				return nil
			})
		},
	}
}

func newStoreUsersCommand(flags *storeFlags) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "users",
		Short: "List users with their browser bindings",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, flags, func(ctx context.Context, store *storage.Facade) error {
				list, err := store.GetAllUsers(ctx)
				if err != nil {
					return err
				}
				if asJSON {
					return printJSON(cmd.OutOrStdout(), list)
				}

				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "USER ID\tEMAIL\tUSERNAME\tBROWSERS\tREGISTERED")
				for _, u := range list {
					browsers, err := store.GetUserBrowsers(ctx, u.UserID)
					if err != nil {
						return err
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", u.UserID, u.Email, u.Username, len(browsers),
						u.RegisteredAt.Format("2006-01-02 15:04"))
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON instead of a table")
	return cmd
}
