// Package prompt assembles system prompts from XML role configurations.
// Assembly is cache-first: a built prompt is reused until its TTL lapses
// or a recorded output invalidates it. Sections are emitted in a fixed
// order so the same configuration always yields the same prompt.
package prompt

import (
	"context"
	"encoding/xml"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/conduit-ai/conduit/internal/cache"
	"github.com/conduit-ai/conduit/internal/observability"
	"github.com/conduit-ai/conduit/internal/storage"
	"github.com/conduit-ai/conduit/pkg/models"
)

// keyPrefix namespaces assembled prompts in the shared response cache.
const keyPrefix = "prompt:"

// lowScoreThreshold is the average score below which the historical
// performance section adds corrective guidance.
const lowScoreThreshold = 0.6

// exemplarThreshold is the score at or above which a recorded output is
// surfaced as a pattern in the next assembled prompt.
const exemplarThreshold = 0.9

// maxExemplars caps how many high-scoring outputs a prompt carries.
const maxExemplars = 3

// historyWindow bounds how many recent records feed the feedback analysis.
const historyWindow = 20

// RoleConfig is the XML shape of a role's prompt configuration.
type RoleConfig struct {
	XMLName       xml.Name  `xml:"role"`
	Name          string    `xml:"name,attr"`
	Definition    string    `xml:"definition"`
	Context       string    `xml:"context"`
	Guidelines    []string  `xml:"guidelines>guideline"`
	Examples      []Example `xml:"examples>example"`
	OutputFormat  string    `xml:"output_format"`
	BestPractices []string  `xml:"best_practices>practice"`
}

// Example is one input/output pair shown to the model.
type Example struct {
	Input  string `xml:"input"`
	Output string `xml:"output"`
}

// Assembler builds and caches role prompts.
type Assembler struct {
	prompts storage.PromptStore
	cache   *cache.Cache
	logger  *observability.Logger
	ttl     time.Duration
	now     func() time.Time
}

// Options configures an Assembler. Cache may be nil, which disables reuse.
type Options struct {
	Store  storage.PromptStore
	Cache  *cache.Cache
	Logger *observability.Logger
	TTL    time.Duration
}

// NewAssembler creates an Assembler.
func NewAssembler(opts Options) *Assembler {
	logger := opts.Logger
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{})
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Assembler{
		prompts: opts.Store,
		cache:   opts.Cache,
		logger:  logger,
		ttl:     ttl,
		now:     time.Now,
	}
}

// PutRoleConfig stores a role configuration after checking it parses, and
// drops any cached prompt built from the previous configuration.
func (a *Assembler) PutRoleConfig(ctx context.Context, role string, raw []byte) error {
	var cfg RoleConfig
	if err := xml.Unmarshal(raw, &cfg); err != nil {
		return fmt.Errorf("parse role config: %w", err)
	}
	if strings.TrimSpace(cfg.Definition) == "" {
		return fmt.Errorf("role config for %q has no definition", role)
	}
	if err := a.prompts.PutRoleConfig(ctx, role, raw); err != nil {
		return fmt.Errorf("store role config: %w", err)
	}
	a.invalidate(role)
	return nil
}

// BuildPrompt returns the assembled prompt for a role. A cached copy wins;
// otherwise the prompt is assembled from the stored configuration and the
// recent output history, then cached.
func (a *Assembler) BuildPrompt(ctx context.Context, role string) (string, error) {
	key := keyPrefix + role

	if a.cache != nil {
		if entry, ok := a.cache.Lookup(key); ok {
			a.logger.Debug(ctx, "prompt cache hit", "role", role)
			return string(entry.Body), nil
		}
	}

	raw, err := a.prompts.GetRoleConfig(ctx, role)
	if err != nil {
		return "", fmt.Errorf("load role config %q: %w", role, err)
	}
	var cfg RoleConfig
	if err := xml.Unmarshal(raw, &cfg); err != nil {
		return "", fmt.Errorf("parse role config %q: %w", role, err)
	}

	records, err := a.prompts.ListRecords(ctx, role, historyWindow)
	if err != nil {
		return "", fmt.Errorf("load prompt history %q: %w", role, err)
	}

	prompt := a.assemble(&cfg, records)

	if a.cache != nil {
		a.cache.Store(key, cache.Entry{Body: []byte(prompt)}, a.ttl, []string{"prompts", key})
	}
	a.logger.Debug(ctx, "prompt assembled", "role", role, "sections", len(strings.Split(prompt, "\n\n")))
	return prompt, nil
}

// RecordOutput appends an output and its score to the role's history and
// invalidates the cached prompt so the next build sees the new record.
func (a *Assembler) RecordOutput(ctx context.Context, role, output string, score float64) error {
	if score < 0 || score > 1 {
		return fmt.Errorf("score %v out of range [0,1]", score)
	}
	record := &models.PromptRecord{
		Role:       role,
		Output:     output,
		Score:      score,
		RecordedAt: a.now(),
	}
	if err := a.prompts.AppendRecord(ctx, record); err != nil {
		return fmt.Errorf("record output: %w", err)
	}
	a.invalidate(role)
	return nil
}

func (a *Assembler) invalidate(role string) {
	if a.cache != nil {
		a.cache.Invalidate(keyPrefix + role)
	}
}

// sectionBuilder emits one prompt section, or "" to omit it.
type sectionBuilder func(cfg *RoleConfig, records []*models.PromptRecord) string

// sections is the fixed assembly order.
var sections = []sectionBuilder{
	buildDefinition,
	buildContext,
	buildGuidelines,
	buildExamples,
	buildOutputFormat,
	buildBestPractices,
	buildPerformance,
}

func (a *Assembler) assemble(cfg *RoleConfig, records []*models.PromptRecord) string {
	parts := make([]string, 0, len(sections))
	for _, build := range sections {
		if s := build(cfg, records); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "\n\n")
}

func buildDefinition(cfg *RoleConfig, _ []*models.PromptRecord) string {
	return strings.TrimSpace(cfg.Definition)
}

func buildContext(cfg *RoleConfig, _ []*models.PromptRecord) string {
	c := strings.TrimSpace(cfg.Context)
	if c == "" {
		return ""
	}
	return "Context:\n" + c
}

func buildGuidelines(cfg *RoleConfig, _ []*models.PromptRecord) string {
	return bulletSection("Task guidelines:", cfg.Guidelines)
}

func buildExamples(cfg *RoleConfig, _ []*models.PromptRecord) string {
	if len(cfg.Examples) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Examples:")
	for _, ex := range cfg.Examples {
		b.WriteString("\n\nInput: ")
		b.WriteString(strings.TrimSpace(ex.Input))
		b.WriteString("\nOutput: ")
		b.WriteString(strings.TrimSpace(ex.Output))
	}
	return b.String()
}

func buildOutputFormat(cfg *RoleConfig, _ []*models.PromptRecord) string {
	f := strings.TrimSpace(cfg.OutputFormat)
	if f == "" {
		return ""
	}
	return "Output format:\n" + f
}

func buildBestPractices(cfg *RoleConfig, _ []*models.PromptRecord) string {
	return bulletSection("Best practices:", cfg.BestPractices)
}

// buildPerformance folds the recent output history back into the prompt.
// The highest-scoring outputs are surfaced as patterns to model; a low
// rolling average additionally adds corrective emphasis.
func buildPerformance(_ *RoleConfig, records []*models.PromptRecord) string {
	if len(records) == 0 {
		return ""
	}
	var sum float64
	for _, r := range records {
		sum += r.Score
	}
	avg := sum / float64(len(records))

	var parts []string
	if exemplars := topExemplars(records); len(exemplars) > 0 {
		var b strings.Builder
		b.WriteString("Highly rated past outputs, model your responses on these patterns:")
		for _, r := range exemplars {
			b.WriteString("\n\n")
			b.WriteString(strings.TrimSpace(r.Output))
		}
		parts = append(parts, b.String())
	}
	if avg < lowScoreThreshold {
		parts = append(parts, fmt.Sprintf(
			"Recent outputs for this role averaged %.2f on quality review. "+
				"Follow the guidelines above strictly and double-check the output format before responding.",
			avg))
	}
	return strings.Join(parts, "\n\n")
}

// topExemplars returns the highest-scoring records at or above the exemplar
// threshold, best first, capped at maxExemplars. Ties keep the more recent
// record first, matching the store's recency ordering.
func topExemplars(records []*models.PromptRecord) []*models.PromptRecord {
	ranked := make([]*models.PromptRecord, 0, len(records))
	for _, r := range records {
		if r.Score >= exemplarThreshold && strings.TrimSpace(r.Output) != "" {
			ranked = append(ranked, r)
		}
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].Score > ranked[j].Score })
	if len(ranked) > maxExemplars {
		ranked = ranked[:maxExemplars]
	}
	return ranked
}

func bulletSection(title string, items []string) string {
	cleaned := items[:0:0]
	for _, item := range items {
		if s := strings.TrimSpace(item); s != "" {
			cleaned = append(cleaned, "- "+s)
		}
	}
	if len(cleaned) == 0 {
		return ""
	}
	return title + "\n" + strings.Join(cleaned, "\n")
}
