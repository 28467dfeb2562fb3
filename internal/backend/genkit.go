package backend

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/basket/loom/internal/fault"
	"github.com/basket/loom/internal/memory"
	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/anthropic"
	"github.com/firebase/genkit/go/plugins/compat_oai"
	"github.com/firebase/genkit/go/plugins/googlegenai"
)

// GenkitConfig binds one provider.
type GenkitConfig struct {
	Provider string // "google", "anthropic", "openai"
	Model    string
	APIKey   string
}

// GenkitBackend is the provider-bound Backend implementation. Without an API
// key it degrades to a deterministic canned reply instead of failing, so the
// engine stays usable during setup.
type GenkitBackend struct {
	g        *genkit.Genkit
	provider string
	model    string
	llmOn    bool
	log      *slog.Logger
}

func NewGenkitBackend(ctx context.Context, cfg GenkitConfig, log *slog.Logger) *GenkitBackend {
	if log == nil {
		log = slog.Default()
	}
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		provider = "google"
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModelForProvider(provider)
	}
	apiKey := strings.TrimSpace(cfg.APIKey)

	var g *genkit.Genkit
	llmOn := false
	switch provider {
	case "anthropic":
		if apiKey != "" {
			g = genkit.Init(ctx, genkit.WithPlugins(&anthropic.Anthropic{
				APIKey:  apiKey,
				BaseURL: os.Getenv("ANTHROPIC_BASE_URL"),
			}))
			llmOn = true
		}
	case "openai":
		if apiKey != "" {
			g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
				Provider: "openai",
				APIKey:   apiKey,
				BaseURL:  os.Getenv("OPENAI_BASE_URL"),
			}))
			llmOn = true
		}
	case "google":
		if apiKey != "" {
			_ = os.Setenv("GEMINI_API_KEY", apiKey)
			g = genkit.Init(ctx,
				genkit.WithPlugins(&googlegenai.GoogleAI{}),
				genkit.WithDefaultModel("googleai/"+model),
			)
			llmOn = true
		}
	}
	if g == nil {
		g = genkit.Init(ctx)
		log.Warn("no API key for provider, using deterministic fallback", "provider", provider)
	} else {
		log.Info("backend bound", "provider", provider, "model", model)
	}
	return &GenkitBackend{g: g, provider: provider, model: model, llmOn: llmOn, log: log}
}

func (b *GenkitBackend) Name() string {
	return b.provider
}

func (b *GenkitBackend) Invoke(ctx context.Context, req Request) (*Completion, error) {
	if !b.llmOn {
		return &Completion{
			Text:     "I can answer with full model reasoning once an API key is configured.",
			Provider: b.provider,
		}, nil
	}

	system, history := splitSystem(req.Messages)
	opts := []ai.GenerateOption{
		ai.WithModelName(modelNameForProvider(b.provider, b.model)),
	}
	if system != "" {
		// Escape % to keep fmt expansion inside genkit from corrupting it.
		opts = append(opts, ai.WithSystem(strings.ReplaceAll(system, "%", "%%")))
	}
	if msgs := toAIMessages(history); len(msgs) > 0 {
		opts = append(opts, ai.WithMessages(msgs...))
	}

	resp, err := genkit.Generate(ctx, b.g, opts...)
	if err != nil {
		class := fault.Classify(err)
		b.log.Error("generate failed", "provider", b.provider, "error_class", string(class), "error", err)
		return nil, fmt.Errorf("%s generate: %w", b.provider, err)
	}
	return &Completion{Text: resp.Text(), Provider: b.provider}, nil
}

// splitSystem folds leading system messages into one system prompt and
// returns the remaining conversation.
func splitSystem(messages []memory.Message) (string, []memory.Message) {
	var systems []string
	rest := make([]memory.Message, 0, len(messages))
	leading := true
	for _, m := range messages {
		if leading && m.Role == "system" {
			systems = append(systems, m.Content)
			continue
		}
		leading = false
		rest = append(rest, m)
	}
	return strings.Join(systems, "\n\n"), rest
}

func toAIMessages(messages []memory.Message) []*ai.Message {
	var msgs []*ai.Message
	for _, m := range messages {
		var role ai.Role
		switch m.Role {
		case "user":
			role = ai.RoleUser
		case "assistant":
			role = ai.RoleModel
		case "system":
			role = ai.RoleSystem
		case "tool":
			role = ai.RoleTool
		default:
			continue
		}
		msgs = append(msgs, &ai.Message{
			Role:    role,
			Content: []*ai.Part{ai.NewTextPart(m.Content)},
		})
	}
	return msgs
}

func defaultModelForProvider(provider string) string {
	switch provider {
	case "anthropic":
		return "claude-sonnet-4-5"
	case "openai":
		return "gpt-5"
	default:
		return "gemini-2.5-flash"
	}
}

func modelNameForProvider(provider, model string) string {
	switch provider {
	case "anthropic":
		return "anthropic/" + model
	case "openai":
		return "openai/" + model
	default:
		return "googleai/" + model
	}
}
