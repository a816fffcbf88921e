package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"clinical-decision-agent/internal/clinical"
	"clinical-decision-agent/internal/triage"
)

type assessment struct {
	PatientID  string                     `json:"patient_id,omitempty"`
	Attributes clinical.PatientAttributes `json:"attributes"`
	Score      clinical.ComplexityScore   `json:"score"`
	Strategy   clinical.Strategy          `json:"strategy"`
	Selection  triage.Selection           `json:"selection"`
}

func newAssessCmd(flags *globalFlags) *cobra.Command {
	var (
		patientID  string
		complaint  string
		jsonOutput bool
	)
	cmd := &cobra.Command{
		Use:   "assess",
		Short: "Show the triage tier and source selection without running the case",
		Long: `Scores a complaint the same way the server does and prints the tier,
the reasons behind it and the data sources that would be consulted.
With --patient the baseline record is fetched first so that conditions
and risk flags count toward the score.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := loadEnv(ctx, flags, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer e.Close()

			policy, err := e.cfg.TriagePolicy()
			if err != nil {
				return err
			}

			attrs := clinical.PatientAttributes{MedicationCount: -1}
			if patientID != "" {
				obs := e.gateway().Fetch(ctx, clinical.SourceRecord, patientID)
				if !obs.OK() {
					return fmt.Errorf("patient %s: %w", patientID, obs.Err)
				}
				rec, err := clinical.ParseRecord(obs.Payload)
				if err != nil {
					return err
				}
				attrs = rec.Attributes()
			}

			score := triage.NewAssessor(policy).Assess(complaint, attrs)
			sel := triage.NewSelector(policy).Select(complaint, attrs)
			a := assessment{
				PatientID:  patientID,
				Attributes: attrs,
				Score:      score,
				Strategy:   clinical.StrategyFor(score.Tier),
				Selection:  sel,
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(a)
			}
			fmt.Fprintf(out, "Tier:       %s (%s)\n", score.Tier, a.Strategy)
			fmt.Fprintf(out, "Score:      risk %d, complexity %d, total %d\n", score.Risk, score.Complexity, score.Total())
			fmt.Fprintf(out, "Why:        %s\n", triage.Rationale(score, 0))
			fmt.Fprintf(out, "Sources:    %s\n", triage.Explain(complaint, sel))
			return nil
		},
	}
	cmd.Flags().StringVarP(&patientID, "patient", "p", "", "patient id whose record feeds the score")
	cmd.Flags().StringVarP(&complaint, "complaint", "c", "", "chief complaint")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "print the assessment as JSON")
	_ = cmd.MarkFlagRequired("complaint")
	return cmd
}
