package external

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"reviewdesk/internal/types"
)

const (
	anthropicAPIBase    = "https://api.anthropic.com"
	anthropicAPIVersion = "2023-06-01"
	defaultReplyModel   = "claude-3-5-sonnet-20241022"
	defaultMaxTokens    = 300
)

// Tone is the register of a drafted review reply.
type Tone string

const (
	TonePositive Tone = "positive"
	ToneNeutral  Tone = "neutral"
	ToneNegative Tone = "negative"
)

// ToneForRating picks the reply tone for a star rating: 4 and above is
// positive, 3 is neutral, anything lower is negative.
func ToneForRating(rating int) Tone {
	switch {
	case rating >= 4:
		return TonePositive
	case rating >= 3:
		return ToneNeutral
	default:
		return ToneNegative
	}
}

// ReplyRequest is the input to a reply draft.
type ReplyRequest struct {
	BusinessName string
	Review       *types.Review
	// Instructions are the account's house style, appended to the prompt.
	// Empty means the default wording only.
	Instructions string
}

// BuildReplyPrompt returns the instruction sent to the model for req.
func BuildReplyPrompt(req ReplyRequest) string {
	review := req.Review
	var b strings.Builder
	switch ToneForRating(review.Rating) {
	case TonePositive:
		b.WriteString("Write a warm, grateful reply to this positive customer review. Thank the customer by name and invite them back.")
	case ToneNeutral:
		b.WriteString("Write a polite, professional reply to this mixed customer review. Thank the customer, acknowledge their points and mention that the team keeps improving.")
	default:
		b.WriteString("Write an empathetic, professional reply to this negative customer review. Apologize sincerely, avoid excuses and offer to continue the conversation offline.")
	}
	b.WriteString(" Keep it under 80 words and do not invent facts.\n\n")
	if instructions := strings.TrimSpace(req.Instructions); instructions != "" {
		fmt.Fprintf(&b, "House style: %s\n\n", instructions)
	}
	if req.BusinessName != "" {
		fmt.Fprintf(&b, "Business: %s\n", req.BusinessName)
	}
	fmt.Fprintf(&b, "Reviewer: %s\nRating: %d/5\nReview: %s", review.Author, review.Rating, review.Text)
	return b.String()
}

// AnthropicConfig configures an AnthropicClient.
type AnthropicConfig struct {
	APIKey    types.SecretString
	Model     string
	MaxTokens int
	BaseURL   string
	Logger    *slog.Logger
}

// AnthropicClient drafts review replies with the Anthropic Messages API.
type AnthropicClient struct {
	base      *BaseClient
	apiKey    types.SecretString
	model     string
	maxTokens int
	baseURL   string
	logger    *slog.Logger
}

// NewAnthropicClient creates an AnthropicClient.
func NewAnthropicClient(httpClient *http.Client, cfg AnthropicConfig, opts ...BaseClientOption) *AnthropicClient {
	model := cfg.Model
	if model == "" {
		model = defaultReplyModel
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = anthropicAPIBase
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &AnthropicClient{
		base: NewBaseClient(httpClient, BaseClientConfig{
			Name:         "anthropic",
			UpstreamCode: types.ErrCodeUpstreamAI,
			Retry:        DefaultRetryPolicy(),
			UserAgent:    "reviewdesk/1.0",
		}, opts...),
		apiKey:    cfg.APIKey,
		model:     model,
		maxTokens: maxTokens,
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		logger:    logger,
	}
}

type messagesRequest struct {
	Model     string    `json:"model"`
	MaxTokens int       `json:"max_tokens"`
	Messages  []message `json:"messages"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

// GenerateReply drafts a reply to req.Review.
func (c *AnthropicClient) GenerateReply(ctx context.Context, req ReplyRequest) (string, error) {
	body, err := json.Marshal(messagesRequest{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		Messages:  []message{{Role: "user", Content: BuildReplyPrompt(req)}},
	})
	if err != nil {
		return "", types.NewAppError(types.ErrCodeInternalUnexpected, "failed to encode AI request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return "", types.NewAppError(types.ErrCodeInternalUnexpected, "failed to build AI request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey.Unmask())
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)

	resp, err := c.base.Do(httpReq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		c.logger.WarnContext(ctx, "AI provider rejected request",
			"status", resp.StatusCode,
			"body", string(snippet),
		)
		return "", types.NewAppError(types.ErrCodeUpstreamAI,
			fmt.Sprintf("AI provider returned status %d", resp.StatusCode), nil)
	}

	var out messagesResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", types.NewAppError(types.ErrCodeUpstreamAI, "failed to decode AI response", err)
	}
	for _, block := range out.Content {
		if block.Type == "text" && strings.TrimSpace(block.Text) != "" {
			return strings.TrimSpace(block.Text), nil
		}
	}
	return "", types.NewAppError(types.ErrCodeUpstreamAI, "AI response contained no text", nil)
}
