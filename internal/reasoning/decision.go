package reasoning

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"clinical-decision-agent/internal/clinical"
)

// Decision is one parsed THINKING output.
type Decision struct {
	Thought  string
	Conclude bool
	Source   clinical.Source
}

func (d Decision) Action() string {
	if d.Conclude {
		return "conclude"
	}
	return "fetch " + string(d.Source)
}

var (
	thoughtLine = regexp.MustCompile(`(?im)^\s*\**THOUGHT\**\s*:\s*(.+)$`)
	actionLine  = regexp.MustCompile(`(?im)^\s*\**ACTION\**\s*:\s*(.+)$`)

	errNoAction = errors.New("no ACTION line")
)

// ParseDecision reads "THOUGHT: ...\nACTION: fetch <source>|conclude".
// Anything else is degenerate output.
func ParseDecision(text string) (Decision, error) {
	var d Decision
	if m := thoughtLine.FindStringSubmatch(text); m != nil {
		d.Thought = strings.TrimSpace(m[1])
	}

	m := actionLine.FindStringSubmatch(text)
	if m == nil {
		return d, errNoAction
	}
	action := strings.ToLower(strings.Trim(strings.TrimSpace(m[1]), "`*."))

	if strings.HasPrefix(action, "conclude") {
		d.Conclude = true
		return d, nil
	}

	name := strings.TrimSpace(strings.TrimPrefix(action, "fetch"))
	name = strings.TrimLeft(name, " _:")
	src, ok := clinical.ParseSource(name)
	if !ok {
		return d, fmt.Errorf("unknown action %q", action)
	}
	d.Source = src
	return d, nil
}
