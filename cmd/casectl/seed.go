package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"clinical-decision-agent/internal/datasource"
)

func newSeedCmd(flags *globalFlags) *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Import a demo data directory into Postgres",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg := *flags
			cfg.dataDir = ""
			e, err := loadEnv(ctx, &cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer e.Close()

			store, ok := e.backend.(*datasource.PostgresStore)
			if !ok {
				return errors.New("seed needs sources.backend set to postgres")
			}
			if dir == "" {
				dir = e.cfg.Sources.DataDir
			}
			n, err := store.ImportDir(ctx, dir)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d patient(s) from %s\n", n, dir)
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "directory to import (default sources.data_dir)")
	return cmd
}
