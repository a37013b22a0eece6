package classify

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"guildwatch/internal/domain"
)

const defaultAnthropicModel = "claude-sonnet-4-5-20250929"

// Item is one entity to classify: a stable key plus the text describing it.
type Item struct {
	EntityKey string
	Text      string
}

// Decision is the provider's label for one item.
type Decision struct {
	Label      string
	Confidence float64
}

// Provider classifies a batch of items. Implementations must be safe for
// concurrent use.
type Provider interface {
	Name() string
	Model() string
	Classify(ctx context.Context, items []Item) (map[string]Decision, error)
}

type anthropicProvider struct {
	client anthropic.Client
	model  string
}

// NewAnthropicProvider builds the production provider.
func NewAnthropicProvider(apiKey, model string) Provider {
	if model == "" {
		model = defaultAnthropicModel
	}
	return &anthropicProvider{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
	}
}

func (p *anthropicProvider) Name() string  { return "anthropic" }
func (p *anthropicProvider) Model() string { return p.model }

type classifiedItem struct {
	Key        string  `json:"key"`
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
}

func (p *anthropicProvider) Classify(ctx context.Context, items []Item) (map[string]Decision, error) {
	systemPrompt, userPrompt := buildClassifyPrompts(items)

	log.Printf("llm classify provider=anthropic model=%s items=%d", p.model, len(items))
	message, err := p.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		MaxTokens: 4096,
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt, CacheControl: anthropic.NewCacheControlEphemeralParam()},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt)),
		},
	})
	if err != nil {
		log.Printf("llm anthropic error: %v", err)
		return nil, fmt.Errorf("Anthropic API error: %w", err)
	}

	for _, block := range message.Content {
		if block.Type == "text" {
			log.Printf("llm anthropic response size=%d tokens_in=%d tokens_out=%d",
				len(block.Text), message.Usage.InputTokens, message.Usage.OutputTokens)
			return parseClassifyResponse(block.Text)
		}
	}
	return nil, fmt.Errorf("no text content in Anthropic response")
}

func buildClassifyPrompts(items []Item) (string, string) {
	var itemLines strings.Builder
	for _, item := range items {
		itemLines.WriteString(fmt.Sprintf("KEY:%s - %s\n", item.EntityKey, strings.TrimSpace(item.Text)))
	}

	systemPrompt := fmt.Sprintf(`You classify World of Warcraft guild members into one playstyle archetype.
Choose exactly one label for each member from:
- %s

Base the label on class, spec, rank, level and item level. Officers and
max-level members with high item level lean raider or mythic-plus; low-level
characters lean alt; incomplete data leans casual.
Set confidence between 0 and 1.

Respond with JSON only (no markdown):
[{"key": "us/stormrage/example#123", "label": "raider", "confidence": 0.86}, ...]`,
		strings.Join(domain.ArchetypeLabels, "\n- "))

	userPrompt := "Classify these guild members:\n\n" + itemLines.String()
	return systemPrompt, userPrompt
}

func parseClassifyResponse(responseText string) (map[string]Decision, error) {
	responseText = strings.TrimSpace(responseText)
	responseText = strings.TrimPrefix(responseText, "```json")
	responseText = strings.TrimPrefix(responseText, "```")
	responseText = strings.TrimSuffix(responseText, "```")
	responseText = strings.TrimSpace(responseText)

	var classified []classifiedItem
	if err := json.Unmarshal([]byte(responseText), &classified); err != nil {
		return nil, fmt.Errorf("parsing LLM classification response: %w (response: %s)", err, responseText)
	}

	valid := make(map[string]bool, len(domain.ArchetypeLabels))
	for _, l := range domain.ArchetypeLabels {
		valid[l] = true
	}

	decisions := make(map[string]Decision, len(classified))
	for _, c := range classified {
		label := strings.ToLower(strings.TrimSpace(c.Label))
		if !valid[label] {
			log.Printf("llm classify dropped unknown label=%q key=%s", c.Label, c.Key)
			continue
		}
		decisions[strings.TrimSpace(c.Key)] = Decision{Label: label, Confidence: c.Confidence}
	}
	return decisions, nil
}
