package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"clinical-decision-agent/internal/consultation"
	"clinical-decision-agent/internal/progress"
)

func newRunCmd(flags *globalFlags) *cobra.Command {
	var (
		patientID  string
		complaint  string
		jsonOutput bool
		showTrace  bool
		showEvents bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a case end to end and print the narrative",
		Example: `  casectl run --patient P003 --complaint "crushing chest pain radiating to left arm"
  casectl run --patient P002 --complaint "follow-up, stable" --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := loadEnv(ctx, flags, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer e.Close()

			orch, err := e.orchestrator()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			var opts []consultation.RunOption
			if showEvents {
				opts = append(opts, consultation.WithObserver(progress.SinkFunc(func(_ context.Context, ev progress.Event) error {
					_, err := fmt.Fprintf(out, "· %-22s %s\n", ev.Name, ev.Detail)
					return err
				})))
			}

			res, err := orch.RunCase(ctx, patientID, complaint, opts...)
			if err != nil {
				return err
			}

			if jsonOutput {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(res)
			}

			fmt.Fprintf(out, "Case %s  patient %s  tier %s (%s)\n", res.CaseID, res.PatientID, res.Tier, res.Strategy)
			fmt.Fprintf(out, "Why: %s\n\n", res.Rationale)
			fmt.Fprintln(out, res.Narrative)
			if showTrace {
				fmt.Fprintln(out)
				fmt.Fprint(out, res.TraceText())
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&patientID, "patient", "p", "", "patient id")
	cmd.Flags().StringVarP(&complaint, "complaint", "c", "", "chief complaint")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "print the full case result as JSON")
	cmd.Flags().BoolVar(&showTrace, "trace", false, "print the reasoning trace after the narrative")
	cmd.Flags().BoolVar(&showEvents, "progress", false, "print progress events as they happen")
	_ = cmd.MarkFlagRequired("patient")
	_ = cmd.MarkFlagRequired("complaint")
	return cmd
}
