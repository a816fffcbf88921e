package agent

import (
	"fmt"
	"strings"
)

const maxPayloadChars = 4000

var systemPrompts = map[Task]string{
	TaskThink: `You are a clinical reasoning assistant investigating a patient case.
Decide the single next step. Answer in exactly this format:
THOUGHT: <one or two sentences>
ACTION: fetch <source> | conclude
Only fetch sources listed as available. Never fetch a source twice.`,

	TaskSynthesize: `You are a clinical decision-support assistant writing a briefing for a physician.
Use only the data provided. Cite every fact with its source tag, e.g. [LABS].
Required sections: ## ONE-LINE SUMMARY, ## PATIENT SNAPSHOT, ## ATTENTION NEEDED, ## PLAN (numbered), ## DATA GAPS.
If a source is unavailable, say so with its tag and the word "unavailable". Never invent values.
Keep it between 100 and 300 words.`,

	TaskCritique: `You are a senior physician reviewing a clinical briefing.
Check cited evidence completeness, internal consistency with the data, length (100-300 words),
required sections and a numbered plan. Answer in exactly this format:
SCORE: <0-10>
FINDINGS:
- <finding>`,

	TaskRefine: `You are revising a clinical briefing after peer review.
Address every finding. Keep the required sections and the [SOURCE] citations.
Use only the data provided and never invent values.`,
}

// Prompts fills System and User when the caller left them empty.
func Prompts(req Request) Request {
	if req.System == "" {
		req.System = systemPrompts[req.Task]
	}
	if req.User == "" {
		req.User = userPrompt(req)
	}
	return req
}

func userPrompt(req Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "PATIENT: %s\nCOMPLAINT: %s\n", req.PatientID, req.Complaint)
	if req.Tier != "" {
		fmt.Fprintf(&b, "TRIAGE TIER: %s\n", req.Tier)
	}

	b.WriteString("\nDATA:\n")
	failed := false
	for _, o := range req.Observations {
		if !o.OK() {
			failed = true
			fmt.Fprintf(&b, "%s unavailable: %s\n", o.Source.Tag(), o.Error)
			continue
		}
		fmt.Fprintf(&b, "%s %s\n", o.Source.Tag(), truncatePayload(string(o.Payload), maxPayloadChars))
	}

	if len(req.Trace) > 0 {
		b.WriteString("\nINVESTIGATION SO FAR:\n")
		for _, s := range req.Trace {
			fmt.Fprintf(&b, "%d. %s -> %s\n", s.Index, s.Thought, s.Action)
		}
	}

	switch req.Task {
	case TaskThink:
		names := make([]string, 0, len(req.Candidates))
		for _, c := range req.Candidates {
			names = append(names, string(c))
		}
		fmt.Fprintf(&b, "\nAVAILABLE SOURCES: %s\n", strings.Join(names, ", "))
	case TaskCritique, TaskRefine:
		fmt.Fprintf(&b, "\nDRAFT:\n%s\n", req.Draft)
		if len(req.Findings) > 0 {
			b.WriteString("\nREVIEW FINDINGS:\n")
			for _, f := range req.Findings {
				fmt.Fprintf(&b, "- %s\n", f)
			}
		}
	}

	if failed {
		b.WriteString("\nSome data sources had errors. Report them as unavailable and do not infer their values.\n")
	}
	return b.String()
}

// truncatePayload keeps at most n runes so multi-byte text is never split.
func truncatePayload(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
