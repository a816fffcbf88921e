package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"clinical-decision-agent/internal/safety"
)

// parsePrescription reads "name[:dose[:frequency]]".
func parsePrescription(s string) safety.Prescription {
	parts := strings.SplitN(s, ":", 3)
	rx := safety.Prescription{Name: strings.TrimSpace(parts[0])}
	if len(parts) > 1 {
		rx.Dose = strings.TrimSpace(parts[1])
	}
	if len(parts) > 2 {
		rx.Frequency = strings.TrimSpace(parts[2])
	}
	return rx
}

func newSafetyCmd(flags *globalFlags) *cobra.Command {
	var (
		patientID  string
		rxFlags    []string
		jsonOutput bool
	)
	cmd := &cobra.Command{
		Use:   "safety",
		Short: "Check prescriptions for interactions, allergies and dosing problems",
		Example: `  casectl safety --patient P001 --rx "Warfarin:5 mg:daily" --rx Aspirin
  casectl safety --patient P003 --rx "Amoxicillin:500 mg:TID" --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := loadEnv(ctx, flags, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer e.Close()

			pairs, ok := e.backend.(safety.PairSource)
			if !ok {
				return errors.New("the configured backend has no interaction matrix")
			}
			rx := make([]safety.Prescription, 0, len(rxFlags))
			for _, s := range rxFlags {
				rx = append(rx, parsePrescription(s))
			}

			report, err := safety.NewMonitor(e.gateway(), pairs, e.logger).Review(ctx, patientID, rx)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			}
			fmt.Fprintf(out, "Patient %s: %s\n", report.PatientID, report.Summary)
			for _, w := range report.Warnings {
				fmt.Fprintf(out, "[%s] %s %s: %s\n", strings.ToUpper(string(w.Severity)), w.Kind, w.Drug, w.Message)
				fmt.Fprintf(out, "    -> %s\n", w.Recommendation)
				if len(w.Alternatives) > 0 {
					fmt.Fprintf(out, "    alternatives: %s\n", strings.Join(w.Alternatives, ", "))
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&patientID, "patient", "p", "", "patient id")
	cmd.Flags().StringArrayVar(&rxFlags, "rx", nil, `prescription as "name[:dose[:frequency]]", repeatable`)
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "print the report as JSON")
	_ = cmd.MarkFlagRequired("patient")
	_ = cmd.MarkFlagRequired("rx")
	return cmd
}
