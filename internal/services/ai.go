package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/ollama/ollama/api"
	"github.com/sashabaranov/go-openai"
	"google.golang.org/genai"

	"github.com/mrsentinel/mrsentinel/internal/config"
	"github.com/mrsentinel/mrsentinel/pkg/logger"
)

// ReviewOutput is the result of one successful LLM review call: the review
// text plus the token usage reported by the provider.
type ReviewOutput struct {
	Content      string
	InputTokens  int64
	OutputTokens int64
	Model        string
}

// Reviewer produces AI code reviews through the configured LLM provider.
// Calls are wrapped in the retrying executor with provider-aware error
// classification; each attempt gets its own timeout.
type Reviewer struct {
	cfg  *config.LLMConfig
	exec *Executor
}

func NewReviewer(cfg *config.LLMConfig, policy RetryPolicy) *Reviewer {
	return &Reviewer{
		cfg:  cfg,
		exec: NewExecutor("LLM", policy, ClassifyLLMError),
	}
}

// Review sends the prompt to the provider and returns the review with
// token usage. Retries transient failures per the executor's policy.
func (r *Reviewer) Review(ctx context.Context, prompt string) (*ReviewOutput, error) {
	var out *ReviewOutput

	err := r.exec.Do(ctx, func(ctx context.Context) error {
		attemptCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout())
		defer cancel()

		result, err := r.callProvider(attemptCtx, prompt)
		if err != nil {
			return err
		}
		out = result
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// callProvider dispatches to the provider-specific call based on config.
func (r *Reviewer) callProvider(ctx context.Context, prompt string) (*ReviewOutput, error) {
	switch r.cfg.Provider {
	case "anthropic":
		return r.callAnthropic(ctx, prompt)
	case "ollama":
		return r.callOllama(ctx, prompt)
	case "gemini":
		return r.callGemini(ctx, prompt)
	case "azure":
		return r.callAzure(ctx, prompt)
	default:
		// openai and other OpenAI-compatible services
		return r.callOpenAI(ctx, prompt)
	}
}

// callAnthropic handles the Anthropic API using the native SDK.
func (r *Reviewer) callAnthropic(ctx context.Context, prompt string) (*ReviewOutput, error) {
	opts := []option.RequestOption{option.WithAPIKey(r.cfg.APIKey)}
	if r.cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(r.cfg.BaseURL))
	}
	client := anthropic.NewClient(opts...)

	maxTokens := int64(r.cfg.MaxTokens)
	if maxTokens == 0 {
		maxTokens = 4096
	}

	model := r.cfg.Model
	if model == "" {
		model = "claude-sonnet-4-20250514"
	}

	resp, err := client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("Anthropic API error: %w", err)
	}

	var content strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			content.WriteString(block.Text)
		}
	}

	logger.Infof("[AI] Anthropic response: %d chars, %d input / %d output tokens",
		content.Len(), resp.Usage.InputTokens, resp.Usage.OutputTokens)

	return &ReviewOutput{
		Content:      content.String(),
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
		Model:        string(resp.Model),
	}, nil
}

// callOpenAI handles OpenAI and OpenAI-compatible APIs.
func (r *Reviewer) callOpenAI(ctx context.Context, prompt string) (*ReviewOutput, error) {
	clientConfig := openai.DefaultConfig(r.cfg.APIKey)
	if r.cfg.BaseURL != "" {
		clientConfig.BaseURL = r.cfg.BaseURL
	}
	client := openai.NewClientWithConfig(clientConfig)

	return r.completeChat(ctx, client, "OpenAI", prompt)
}

// callAzure handles Azure OpenAI; Model is the deployment name.
func (r *Reviewer) callAzure(ctx context.Context, prompt string) (*ReviewOutput, error) {
	clientConfig := openai.DefaultAzureConfig(r.cfg.APIKey, r.cfg.BaseURL)
	client := openai.NewClientWithConfig(clientConfig)

	return r.completeChat(ctx, client, "Azure OpenAI", prompt)
}

func (r *Reviewer) completeChat(ctx context.Context, client *openai.Client, name, prompt string) (*ReviewOutput, error) {
	temperature := float32(0.3)
	if r.cfg.Temperature > 0 {
		temperature = float32(r.cfg.Temperature)
	}

	resp, err := client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: r.cfg.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		Temperature: temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("%s API error: %w", name, err)
	}

	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no response from %s", name)
	}

	content := resp.Choices[0].Message.Content
	logger.Infof("[AI] %s response: %d chars, %d prompt / %d completion tokens",
		name, len(content), resp.Usage.PromptTokens, resp.Usage.CompletionTokens)

	return &ReviewOutput{
		Content:      content,
		InputTokens:  int64(resp.Usage.PromptTokens),
		OutputTokens: int64(resp.Usage.CompletionTokens),
		Model:        resp.Model,
	}, nil
}

// callOllama handles Ollama using the native SDK. Token usage comes from
// the final streamed response's eval counts.
func (r *Reviewer) callOllama(ctx context.Context, prompt string) (*ReviewOutput, error) {
	baseURL := r.cfg.BaseURL
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}

	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid Ollama base URL: %w", err)
	}
	client := api.NewClient(u, http.DefaultClient)

	model := r.cfg.Model
	if model == "" {
		model = "llama3"
	}

	var content strings.Builder
	var inputTokens, outputTokens int64

	err = client.Chat(ctx, &api.ChatRequest{
		Model: model,
		Messages: []api.Message{
			{Role: "user", Content: prompt},
		},
		Options: map[string]interface{}{
			"temperature": r.cfg.Temperature,
		},
	}, func(resp api.ChatResponse) error {
		content.WriteString(resp.Message.Content)
		if resp.Done {
			inputTokens = int64(resp.Metrics.PromptEvalCount)
			outputTokens = int64(resp.Metrics.EvalCount)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("Ollama API error: %w", err)
	}

	logger.Infof("[AI] Ollama response: %d chars, %d input / %d output tokens",
		content.Len(), inputTokens, outputTokens)

	return &ReviewOutput{
		Content:      content.String(),
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		Model:        model,
	}, nil
}

// callGemini handles Google Gemini using the native SDK.
func (r *Reviewer) callGemini(ctx context.Context, prompt string) (*ReviewOutput, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey: r.cfg.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("Gemini client error: %w", err)
	}

	model := r.cfg.Model
	if model == "" {
		model = "gemini-2.5-flash"
	}

	resp, err := client.Models.GenerateContent(ctx, model, genai.Text(prompt), nil)
	if err != nil {
		return nil, fmt.Errorf("Gemini API error: %w", err)
	}

	content := resp.Text()

	var inputTokens, outputTokens int64
	if resp.UsageMetadata != nil {
		inputTokens = int64(resp.UsageMetadata.PromptTokenCount)
		outputTokens = int64(resp.UsageMetadata.CandidatesTokenCount)
	}

	logger.Infof("[AI] Gemini response: %d chars, %d input / %d output tokens",
		len(content), inputTokens, outputTokens)

	return &ReviewOutput{
		Content:      content,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		Model:        model,
	}, nil
}

// ClassifyLLMError maps provider SDK errors to a retry class by extracting
// the HTTP status where the SDK exposes one, then falls back to the
// default request classification.
func ClassifyLLMError(err error) ErrorClass {
	if status, ok := llmErrorStatus(err); ok {
		if status >= 500 {
			return ClassTransient
		}
		if status >= 400 {
			return ClassFatal
		}
	}
	return ClassifyRequestError(err)
}

func llmErrorStatus(err error) (int, bool) {
	var anthropicErr *anthropic.Error
	if errors.As(err, &anthropicErr) {
		return anthropicErr.StatusCode, true
	}

	var openaiErr *openai.APIError
	if errors.As(err, &openaiErr) {
		return openaiErr.HTTPStatusCode, true
	}

	var ollamaErr api.StatusError
	if errors.As(err, &ollamaErr) {
		return ollamaErr.StatusCode, true
	}

	var geminiErr genai.APIError
	if errors.As(err, &geminiErr) {
		return geminiErr.Code, true
	}

	return 0, false
}

// BuildReviewPrompt builds the merge request review prompt.
func BuildReviewPrompt(title, description, diff string) string {
	if description == "" {
		description = "No description provided"
	}

	return fmt.Sprintf(`You are an expert code reviewer. Please review the following code changes from a merge request.

**Merge Request:** %s
**Description:** %s

**Code Changes:**
%s

Please provide a thorough code review focusing on:

1. **Security Issues** - Identify vulnerabilities (SQL injection, XSS, hardcoded secrets, etc.)
2. **Performance** - Highlight inefficient code, unnecessary loops, or optimization opportunities
3. **Best Practices** - Code style, naming conventions, error handling
4. **Bugs** - Potential bugs or edge cases not handled
5. **Maintainability** - Code clarity, documentation, complexity

Format your review as:
- Start with a brief summary
- List specific issues with severity (Critical, Warning, Info)
- Provide actionable recommendations
- Be constructive and helpful

Keep the review concise but thorough.`, title, description, diff)
}
