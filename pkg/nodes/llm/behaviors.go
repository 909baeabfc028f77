package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"

	"github.com/polisai/agentlayer/pkg/domain"
	"github.com/polisai/agentlayer/pkg/engine"
	"github.com/polisai/agentlayer/pkg/engine/runtime"
)

// ErrUnsafe is returned by a strict judge node whose content was judged unsafe.
var ErrUnsafe = errors.New("content judged unsafe")

// Register installs the llm and llm.judge behaviors. prompts may be nil when
// judge nodes carry their task and rules inline.
func Register(r *engine.Registry, client *Client, prompts PromptProvider, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	r.Register("llm", "v1", NewCompletionBehavior(client, logger), "llm", "agent.llm")
	r.Register("llm.judge", "v1", NewJudgeBehavior(client, prompts, logger), "llm.judge", "judge")
}

// CompletionBehavior renders config.prompt with text/template and returns the
// model's answer. With config.json the answer is decoded as a JSON object.
type CompletionBehavior struct {
	client *Client
	logger *slog.Logger
}

// NewCompletionBehavior creates the behavior.
func NewCompletionBehavior(client *Client, logger *slog.Logger) *CompletionBehavior {
	if logger == nil {
		logger = slog.Default()
	}
	return &CompletionBehavior{client: client, logger: logger}
}

// Execute implements runtime.Behavior.
func (b *CompletionBehavior) Execute(ctx context.Context, node *domain.Node, inputs runtime.Inputs) (any, error) {
	var cfg completionConfig
	if err := decodeConfig(node.Config, &cfg); err != nil {
		return nil, fmt.Errorf("llm node %s: invalid config: %w", node.ID, err)
	}
	if strings.TrimSpace(cfg.Prompt) == "" {
		return nil, fmt.Errorf("llm node %s: config.prompt is required", node.ID)
	}
	prompt, err := render(ctx, node, cfg.Prompt, inputs)
	if err != nil {
		return nil, fmt.Errorf("llm node %s: %w", node.ID, err)
	}

	var messages []Message
	if cfg.System != "" {
		messages = append(messages, Message{Role: "system", Content: cfg.System})
	}
	messages = append(messages, Message{Role: "user", Content: prompt})

	content, err := b.client.Complete(ctx, CompletionRequest{
		Model:       cfg.Model,
		Messages:    messages,
		Temperature: cfg.Temperature,
		JSON:        cfg.JSON,
	})
	if err != nil {
		return nil, fmt.Errorf("llm node %s: %w", node.ID, err)
	}
	b.logger.Debug("llm completion", "node_id", node.ID, "chars", len(content))
	if !cfg.JSON {
		return content, nil
	}
	var decoded any
	if err := json.Unmarshal([]byte(content), &decoded); err != nil {
		return nil, fmt.Errorf("llm node %s: answer is not JSON: %w", node.ID, err)
	}
	return decoded, nil
}

// JudgeBehavior asks the model whether an input obeys a set of rules. Its
// output is a verdict map {decision, explanation, score}. Transport errors
// and unreadable answers fail the node.
type JudgeBehavior struct {
	client  *Client
	prompts PromptProvider
	logger  *slog.Logger
}

// NewJudgeBehavior creates the behavior.
func NewJudgeBehavior(client *Client, prompts PromptProvider, logger *slog.Logger) *JudgeBehavior {
	if logger == nil {
		logger = slog.Default()
	}
	return &JudgeBehavior{client: client, prompts: prompts, logger: logger}
}

// Execute implements runtime.Behavior.
func (b *JudgeBehavior) Execute(ctx context.Context, node *domain.Node, inputs runtime.Inputs) (any, error) {
	cfg, err := b.parseConfig(node)
	if err != nil {
		return nil, err
	}

	content, err := targetContent(cfg.Target, inputs)
	if err != nil {
		return nil, fmt.Errorf("judge node %s: %w", node.ID, err)
	}
	if strings.TrimSpace(content) == "" {
		return Verdict{Decision: DecisionSafe, Explanation: "nothing to evaluate"}.Map(), nil
	}

	task, rules := cfg.Task, cfg.Rules
	if task == "" || rules == "" {
		if b.prompts == nil {
			return nil, fmt.Errorf("judge node %s: task and rules are required without a prompt directory", node.ID)
		}
		task, rules, err = b.prompts.Prompts(ctx, cfg.TaskID, cfg.RulesID)
		if err != nil {
			return nil, fmt.Errorf("judge node %s: %w", node.ID, err)
		}
	}

	temperature := cfg.Temperature
	if temperature == nil {
		zero := 0.0
		temperature = &zero
	}
	answer, err := b.client.Complete(ctx, CompletionRequest{
		Model:       cfg.Model,
		Messages:    []Message{{Role: "user", Content: judgePrompt(task, rules, content)}},
		Temperature: temperature,
		JSON:        true,
	})
	if err != nil {
		return nil, fmt.Errorf("judge node %s: %w", node.ID, err)
	}

	verdict := parseVerdict(answer)
	b.logger.Info("llm judge decision",
		"node_id", node.ID,
		"mode", cfg.Mode,
		"decision", verdict.Decision,
		"score", verdict.Score,
	)
	if cfg.Mode == ModeStrict && verdict.Decision == DecisionUnsafe {
		return nil, fmt.Errorf("judge node %s: %w: %s", node.ID, ErrUnsafe, verdict.Explanation)
	}
	return verdict.Map(), nil
}

func (b *JudgeBehavior) parseConfig(node *domain.Node) (judgeConfig, error) {
	var cfg judgeConfig
	if err := decodeConfig(node.Config, &cfg); err != nil {
		return cfg, fmt.Errorf("judge node %s: invalid config: %w", node.ID, err)
	}
	cfg.Mode = strings.ToLower(strings.TrimSpace(cfg.Mode))
	switch cfg.Mode {
	case "":
		cfg.Mode = ModeReport
	case ModeStrict, ModeReport:
	default:
		return cfg, fmt.Errorf("judge node %s: invalid mode %q (must be %q or %q)", node.ID, cfg.Mode, ModeStrict, ModeReport)
	}
	return cfg, nil
}

// decodeConfig maps a node's free-form config onto a tagged struct.
func decodeConfig(raw map[string]any, out any) error {
	if len(raw) == 0 {
		return nil
	}
	data, err := yaml.Marshal(raw)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, out)
}

func render(ctx context.Context, node *domain.Node, text string, inputs runtime.Inputs) (string, error) {
	tmpl, err := template.New(node.ID).Option("missingkey=zero").Parse(text)
	if err != nil {
		return "", fmt.Errorf("parse prompt: %w", err)
	}
	single, _ := inputs.Single()
	var buf bytes.Buffer
	err = tmpl.Execute(&buf, map[string]any{
		"Input":     single,
		"Inputs":    map[string]any(inputs),
		"Config":    node.Config,
		"Iteration": runtime.IterationFrom(ctx),
		"Metadata":  runtime.MetadataFrom(ctx),
	})
	if err != nil {
		return "", fmt.Errorf("render prompt: %w", err)
	}
	return buf.String(), nil
}

func targetContent(target string, inputs runtime.Inputs) (string, error) {
	var value any
	switch {
	case target != "":
		v, ok := inputs[target]
		if !ok {
			return "", fmt.Errorf("target input %q not present", target)
		}
		value = v
	default:
		if single, ok := inputs.Single(); ok {
			value = single
		} else if len(inputs) > 0 {
			value = map[string]any(inputs)
		}
	}
	switch v := value.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("encode target: %w", err)
		}
		return string(data), nil
	}
}

func judgePrompt(task, rules, input string) string {
	var sb strings.Builder
	sb.WriteString("TASK:\n")
	sb.WriteString(task)
	sb.WriteString("\n\nRULES:\n")
	sb.WriteString(rules)
	sb.WriteString("\n\nINPUT TO EVALUATE:\n")
	sb.WriteString(input)
	sb.WriteString("\n\nINSTRUCTIONS:\n")
	sb.WriteString("Evaluate the input against the rules. Return JSON with 'decision' (SAFE/UNSAFE), 'explanation', and 'score' (0.0-1.0).")
	return sb.String()
}

// parseVerdict reads the model's answer. A non-JSON answer is safe only when
// it says SAFE and never UNSAFE; any other decision is unsafe.
func parseVerdict(answer string) Verdict {
	var v Verdict
	if err := json.Unmarshal([]byte(answer), &v); err != nil {
		upper := strings.ToUpper(answer)
		v = Verdict{Decision: DecisionUnsafe, Explanation: answer}
		if strings.Contains(upper, string(DecisionSafe)) && !strings.Contains(upper, string(DecisionUnsafe)) {
			v.Decision = DecisionSafe
		}
	}
	v.Decision = Decision(strings.ToUpper(strings.TrimSpace(string(v.Decision))))
	if v.Decision != DecisionSafe && v.Decision != DecisionUnsafe {
		v.Decision = DecisionUnsafe
	}
	return v
}
