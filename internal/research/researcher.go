// Package research executes facilitator-triggered research turns: a focused
// model call that gathers background findings for the panel mid-deliberation.
package research

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"conclave/internal/provider"
)

// Config holds configuration for research turns.
type Config struct {
	MaxFindings int           // cap on findings returned to the panel
	Timeout     time.Duration // per-research budget
	Temperature float64
	MaxTokens   int
}

// DefaultConfig returns sensible defaults for research.
func DefaultConfig() Config {
	return Config{
		MaxFindings: 8,
		Timeout:     90 * time.Second,
		Temperature: 0.3, // research wants precision, not creativity
		MaxTokens:   2048,
	}
}

// Result is the output of one research task.
type Result struct {
	Query    string        `json:"query"`
	Findings []string      `json:"findings"`
	Summary  string        `json:"summary"`
	Duration time.Duration `json:"duration"`
	Tokens   int           `json:"tokens"`
	CostUSD  float64       `json:"cost_usd"`
}

// Researcher runs research queries through the resilient call layer.
type Researcher struct {
	broker *provider.Broker
	logger *zap.Logger
	config Config
}

// NewResearcher creates a researcher. A nil logger disables logging.
func NewResearcher(broker *provider.Broker, logger *zap.Logger, cfg Config) *Researcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxFindings < 1 {
		cfg.MaxFindings = DefaultConfig().MaxFindings
	}
	if cfg.MaxTokens < 1 {
		cfg.MaxTokens = DefaultConfig().MaxTokens
	}
	return &Researcher{broker: broker, logger: logger, config: cfg}
}

const researchSystemPrompt = `You are a research analyst supporting an expert deliberation. Given a research question, produce factual findings. Respond in exactly this format:

FINDING: one factual finding per line, most important first
(repeat FINDING lines as needed)
SUMMARY: two or three sentences tying the findings to the question`

// Research executes one research task.
func (r *Researcher) Research(ctx context.Context, query, problemContext string) (*Result, error) {
	start := time.Now()
	r.logger.Info("Starting research", zap.String("query", query))

	if r.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.config.Timeout)
		defer cancel()
	}

	userMessage := fmt.Sprintf("Research question: %s", query)
	if problemContext != "" {
		userMessage += fmt.Sprintf("\n\nDeliberation context:\n%s", problemContext)
	}

	callResult, err := r.broker.Call(ctx, provider.CallRequest{
		System:        researchSystemPrompt,
		UserMessage:   userMessage,
		Tier:          provider.TierLight,
		Temperature:   r.config.Temperature,
		MaxTokens:     r.config.MaxTokens,
		CacheEligible: true, // repeated research questions dedupe
	})
	if err != nil {
		r.logger.Warn("Research failed", zap.String("query", query), zap.Error(err))
		return nil, fmt.Errorf("research failed: %w", err)
	}

	findings, summary := parseFindings(callResult.Text, r.config.MaxFindings)

	result := &Result{
		Query:    query,
		Findings: findings,
		Summary:  summary,
		Duration: time.Since(start),
		Tokens:   callResult.Usage.Total(),
		CostUSD:  callResult.CostUSD,
	}

	r.logger.Info("Research complete",
		zap.String("query", query),
		zap.Int("findings", len(findings)),
		zap.Duration("duration", result.Duration),
		zap.Float64("cost_usd", result.CostUSD))

	return result, nil
}

// Brief formats a result for injection into the discussion transcript.
func (res *Result) Brief() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Research on: %s\n", res.Query)
	for _, f := range res.Findings {
		fmt.Fprintf(&b, "- %s\n", f)
	}
	if res.Summary != "" {
		fmt.Fprintf(&b, "\n%s", res.Summary)
	}
	return b.String()
}

// parseFindings extracts FINDING lines and the SUMMARY. Unstructured output
// degrades to the whole text as summary.
func parseFindings(text string, max int) (findings []string, summary string) {
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case len(findings) < max && hasFoldPrefix(trimmed, "FINDING:"):
			f := strings.TrimSpace(trimmed[len("FINDING:"):])
			if f != "" {
				findings = append(findings, f)
			}
		case summary == "" && hasFoldPrefix(trimmed, "SUMMARY:"):
			summary = strings.TrimSpace(trimmed[len("SUMMARY:"):])
		}
	}
	if len(findings) == 0 && summary == "" {
		summary = strings.TrimSpace(text)
	}
	return findings, summary
}

func hasFoldPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix)
}
