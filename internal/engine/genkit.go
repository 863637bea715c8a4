package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/anthropic"
	"github.com/firebase/genkit/go/plugins/compat_oai"
	"github.com/firebase/genkit/go/plugins/googlegenai"

	"github.com/basket/handloop/internal/config"
)

const orchestratorSystemPrompt = `You are an orchestrator agent that coordinates specialized AI agents and human collaborators to fulfill user requests.

YOUR ROLE:
- Evaluate user requests and determine the appropriate response strategy
- Select and invoke available tools (agents or human) to accomplish tasks
- Synthesize responses from tools into coherent final answers

AVAILABLE TOOLS - You can ONLY use these tools (no others):

%s

Your available tools are ONLY: [%s]

RULES:
- ONLY use tools from the list above - no other tools exist
- If a capability you need is not available, explain the limitation and list available tools
- Always provide a Final Answer after processing
- When uncertain or when human judgment is needed, prefer query_human if it is available

Use the following format:

Thought: think about what approach to take
Action: the action to take, MUST be one of [%s]
Action Input: the input to the action
Observation: the result of the action
... (Thought/Action/Action Input/Observation can repeat)
Thought: I now know the final answer
Final Answer: the final answer synthesized from all information gathered`

const forceFinalNotice = `Your tool budget is spent. Do not request any more actions. Respond now with "Final Answer:" followed by the best answer you can give from the observations above.`

// GenkitProvider implements Provider on top of a Genkit instance. One
// Step is one model call; the loop owns dispatch and validation.
type GenkitProvider struct {
	g        *genkit.Genkit
	cfg      config.LLMConfig
	provider string
	model    string
	llmOn    bool
}

// NewGenkitProvider initializes Genkit with the configured LLM provider.
// Supports: google (Gemini), anthropic (Claude), openai (GPT),
// openai_compatible. A missing API key degrades to a deterministic
// offline provider rather than failing startup.
func NewGenkitProvider(ctx context.Context, cfg config.LLMConfig) *GenkitProvider {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		provider = "google"
	}
	modelID := strings.TrimSpace(cfg.Model)
	if modelID == "" {
		modelID = defaultModelForProvider(provider)
	}
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		apiKey = envAPIKeyForProvider(provider)
	}

	var g *genkit.Genkit
	llmOn := false

	switch provider {
	case "anthropic":
		if apiKey != "" {
			anthropicPlugin := &anthropic.Anthropic{
				APIKey:  apiKey,
				BaseURL: os.Getenv("ANTHROPIC_BASE_URL"),
			}
			g = genkit.Init(ctx, genkit.WithPlugins(anthropicPlugin))
			llmOn = true
			slog.Info("genkit provider initialized", "provider", "anthropic", "model", modelID)
		} else {
			g = genkit.Init(ctx)
			slog.Warn("Anthropic API key missing; using deterministic fallback")
		}

	case "openai":
		if apiKey != "" {
			openaiPlugin := &compat_oai.OpenAICompatible{
				Provider: "openai",
				APIKey:   apiKey,
				BaseURL:  os.Getenv("OPENAI_BASE_URL"),
			}
			g = genkit.Init(ctx, genkit.WithPlugins(openaiPlugin))
			llmOn = true
			slog.Info("genkit provider initialized", "provider", "openai", "model", modelID)
		} else {
			g = genkit.Init(ctx)
			slog.Warn("OpenAI API key missing; using deterministic fallback")
		}

	case "openai_compatible":
		if apiKey != "" {
			openaiCompatPlugin := &compat_oai.OpenAICompatible{
				Provider: cfg.OpenAICompatibleProvider,
				APIKey:   apiKey,
				BaseURL:  cfg.OpenAICompatibleBaseURL,
			}
			g = genkit.Init(ctx, genkit.WithPlugins(openaiCompatPlugin))
			llmOn = true
			slog.Info("genkit provider initialized", "provider", "openai_compatible", "model", modelID)
		} else {
			g = genkit.Init(ctx)
			slog.Warn("OpenAI compatible API key missing; using deterministic fallback")
		}

	case "google":
		if apiKey != "" {
			_ = os.Setenv("GEMINI_API_KEY", apiKey)
			g = genkit.Init(ctx,
				genkit.WithPlugins(&googlegenai.GoogleAI{}),
				genkit.WithDefaultModel("googleai/"+modelID),
			)
			llmOn = true
			slog.Info("genkit provider initialized", "provider", "google", "model", "googleai/"+modelID)
		} else {
			g = genkit.Init(ctx)
			slog.Warn("Google API key missing; using deterministic fallback")
		}

	default:
		g = genkit.Init(ctx)
		slog.Warn("unknown LLM provider, using deterministic fallback", "provider", provider)
	}

	return &GenkitProvider{
		g:        g,
		cfg:      cfg,
		provider: provider,
		model:    modelID,
		llmOn:    llmOn,
	}
}

// Online reports whether a real model backs this provider.
func (p *GenkitProvider) Online() bool { return p.llmOn }

// Step makes one model call and parses the action directive out of the
// completion.
func (p *GenkitProvider) Step(ctx context.Context, req StepRequest) (StepResult, error) {
	if !p.llmOn {
		return StepResult{
			Final: "I can coordinate agents and humans with full reasoning after an API key is configured.",
		}, nil
	}

	system := fmt.Sprintf(orchestratorSystemPrompt,
		renderToolList(req.ToolNames, req.ToolSummaries),
		strings.Join(req.ToolNames, ", "),
		strings.Join(req.ToolNames, ", "),
	)

	// Escape % characters to prevent fmt.Sprintf corruption in ai.WithSystem().
	system = strings.ReplaceAll(system, "%", "%%")
	prompt := strings.ReplaceAll(renderScratchpad(req), "%", "%%")

	opts := []ai.GenerateOption{
		ai.WithModelName(modelNameForProvider(p.provider, p.model)),
		ai.WithSystem(system),
		ai.WithPrompt(prompt),
	}

	resp, err := genkit.Generate(ctx, p.g, opts...)
	if err != nil {
		return StepResult{}, fmt.Errorf("genkit generate: %w", err)
	}
	return parseStep(resp.Text()), nil
}

// Complete runs a plain prompt through the model. The analyst tool uses
// this for its secondary call.
func (p *GenkitProvider) Complete(ctx context.Context, prompt string) (string, error) {
	if !p.llmOn {
		return "Analytical reasoning is available after an API key is configured.", nil
	}
	resp, err := genkit.Generate(ctx, p.g,
		ai.WithModelName(modelNameForProvider(p.provider, p.model)),
		ai.WithPrompt(strings.ReplaceAll(prompt, "%", "%%")),
	)
	if err != nil {
		return "", fmt.Errorf("genkit generate: %w", err)
	}
	return resp.Text(), nil
}

func renderToolList(names, summaries []string) string {
	var b strings.Builder
	for i, name := range names {
		label := ""
		if i < len(summaries) {
			label = summaries[i]
		}
		fmt.Fprintf(&b, "- %s: %s\n", name, label)
	}
	return strings.TrimRight(b.String(), "\n")
}

// renderScratchpad lays out the instruction and the transcript so far in
// the Thought/Action/Observation format the system prompt demands.
func renderScratchpad(req StepRequest) string {
	var b strings.Builder
	b.WriteString("Question: ")
	b.WriteString(req.Instruction)
	b.WriteString("\n")
	for _, ex := range req.Transcript {
		fmt.Fprintf(&b, "Action: %s\nAction Input: %s\nObservation: %s\n",
			ex.Call.Name, ex.Call.Input, ex.Observation)
	}
	if req.ForceFinal {
		b.WriteString("\n")
		b.WriteString(forceFinalNotice)
		b.WriteString("\n")
	}
	b.WriteString("Thought:")
	return b.String()
}

// parseStep extracts either a tool call or a final answer from a model
// completion. A completion with neither marker is treated as a final
// answer so a chatty model still terminates the loop.
func parseStep(text string) StepResult {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)

		if rest, ok := strings.CutPrefix(trimmed, "Final Answer:"); ok {
			answer := strings.TrimSpace(rest)
			if tail := strings.Join(lines[i+1:], "\n"); strings.TrimSpace(tail) != "" {
				if answer != "" {
					answer += "\n"
				}
				answer += strings.TrimSpace(tail)
			}
			return StepResult{Final: answer}
		}

		if rest, ok := strings.CutPrefix(trimmed, "Action:"); ok {
			call := ToolCall{Name: strings.TrimSpace(rest)}
			for _, next := range lines[i+1:] {
				if input, ok := strings.CutPrefix(strings.TrimSpace(next), "Action Input:"); ok {
					call.Input = strings.TrimSpace(input)
					break
				}
			}
			return StepResult{Tool: &call}
		}
	}
	return StepResult{Final: strings.TrimSpace(text)}
}

func defaultModelForProvider(provider string) string {
	switch provider {
	case "anthropic":
		return "claude-sonnet-4-5"
	case "openai", "openai_compatible":
		return "gpt-4o"
	default:
		return "gemini-2.5-flash"
	}
}

func envAPIKeyForProvider(provider string) string {
	switch provider {
	case "anthropic":
		return os.Getenv("ANTHROPIC_API_KEY")
	case "openai", "openai_compatible":
		return os.Getenv("OPENAI_API_KEY")
	case "google":
		if k := os.Getenv("GEMINI_API_KEY"); k != "" {
			return k
		}
		return os.Getenv("GOOGLE_API_KEY")
	default:
		return ""
	}
}

func modelNameForProvider(provider, model string) string {
	switch provider {
	case "anthropic":
		return "anthropic/" + model
	case "openai":
		return "openai/" + model
	case "openai_compatible":
		return model
	default:
		return "googleai/" + model
	}
}
