// Package llm provides graph behaviors backed by an OpenAI-compatible chat
// completions API: free-form completion and LLM-as-judge safety evaluation.
package llm

// Decision is a judge's safety verdict.
type Decision string

const (
	// DecisionSafe means the content passed the rules.
	DecisionSafe Decision = "SAFE"
	// DecisionUnsafe means the content violates the rules. Ambiguous or
	// unparsable answers are treated as unsafe.
	DecisionUnsafe Decision = "UNSAFE"
)

// Verdict is the judge node's output.
type Verdict struct {
	Decision    Decision `json:"decision"`
	Explanation string   `json:"explanation"`
	Score       float64  `json:"score,omitempty"`
}

// Map renders the verdict as a plain map so edge conditions and rule
// predicates can address its fields.
func (v Verdict) Map() map[string]any {
	return map[string]any{
		"decision":    string(v.Decision),
		"explanation": v.Explanation,
		"score":       v.Score,
	}
}

const (
	// ModeStrict fails the node when the judge answers UNSAFE.
	ModeStrict = "strict"
	// ModeReport returns the verdict as output and leaves the decision to
	// downstream edges and the constitution.
	ModeReport = "report"
)

// completionConfig is the node config of the llm behavior.
type completionConfig struct {
	Prompt      string   `yaml:"prompt"`
	System      string   `yaml:"system"`
	Model       string   `yaml:"model"`
	Temperature *float64 `yaml:"temperature"`
	// JSON asks for a JSON object and returns it decoded.
	JSON bool `yaml:"json"`
}

// judgeConfig is the node config of the llm.judge behavior. Task and rules
// are given inline or loaded by id from the prompt provider.
type judgeConfig struct {
	Mode    string `yaml:"mode"`
	TaskID  string `yaml:"task_id"`
	RulesID string `yaml:"rules_id"`
	Task    string `yaml:"task"`
	Rules   string `yaml:"rules"`
	// Target names the input to evaluate. Empty means the single input.
	Target      string   `yaml:"target"`
	Model       string   `yaml:"model"`
	Temperature *float64 `yaml:"temperature"`
}
