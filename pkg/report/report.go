// Package report renders recorded runs as a standalone HTML compliance report.
package report

import (
	"embed"
	"fmt"
	"html/template"
	"io"
	"time"

	"github.com/polisai/agentlayer/pkg/domain"
	"github.com/polisai/agentlayer/pkg/storage"
)

// PassScore is the lowest score a run may have and still pass.
const PassScore = 71

//go:embed templates/report.html
var templateFS embed.FS

var page = template.Must(template.New("report.html").Funcs(template.FuncMap{
	"timestamp": func(t time.Time) string {
		if t.IsZero() {
			return "n/a"
		}
		return t.UTC().Format(time.RFC3339)
	},
}).ParseFS(templateFS, "templates/report.html"))

// Violation is one deny or rewrite match, or a rejection without a match.
type Violation struct {
	NodeID   string
	RuleID   string
	Action   domain.RuleAction
	Severity string
	Trigger  string
}

// Entry is one run in the report.
type Entry struct {
	Run        storage.RunRecord
	Violations []Violation
	Pass       bool
}

// Report is the data behind the rendered page.
type Report struct {
	GeneratedAt time.Time
	Summary     storage.ScoreSummary
	Entries     []Entry
}

// Build assembles a report from records, most recent first as the store
// returns them.
func Build(records []storage.RunRecord, summary storage.ScoreSummary, now time.Time) Report {
	rep := Report{GeneratedAt: now, Summary: summary, Entries: make([]Entry, 0, len(records))}
	for _, rec := range records {
		rep.Entries = append(rep.Entries, Entry{Run: rec, Pass: rec.Score >= PassScore, Violations: violationsOf(rec)})
	}
	return rep
}

// violationsOf lists violations in execution order, one per committed
// verdict as the record's score counts them. Records without a stored state
// fall back to their rule ids.
func violationsOf(rec storage.RunRecord) []Violation {
	state := rec.State
	if state == nil {
		out := make([]Violation, 0, len(rec.Violations))
		for _, id := range rec.Violations {
			out = append(out, Violation{RuleID: id})
		}
		return out
	}

	var out []Violation
	for _, nodeID := range state.Order {
		ns := state.Nodes[nodeID]
		if ns == nil || ns.Verdict == nil {
			continue
		}
		for _, m := range ns.Verdict.Matches {
			if m.Action != domain.ActionDeny && m.Action != domain.ActionRewrite {
				continue
			}
			out = append(out, Violation{NodeID: nodeID, RuleID: m.RuleID, Action: m.Action, Severity: m.Severity, Trigger: m.Trigger})
		}
	}
	if rej := state.Rejection; rej != nil && !hasRule(out, rej.RuleID) {
		out = append(out, Violation{NodeID: rej.NodeID, RuleID: rej.RuleID, Action: domain.ActionDeny, Trigger: rej.Reason})
	}
	return out
}

func hasRule(list []Violation, ruleID string) bool {
	for _, v := range list {
		if v.RuleID == ruleID {
			return true
		}
	}
	return false
}

// Render writes the report as an HTML document.
func Render(w io.Writer, rep Report) error {
	if err := page.Execute(w, rep); err != nil {
		return fmt.Errorf("render report: %w", err)
	}
	return nil
}
