package openai_provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"
)

// Options configures a client. BaseURL points at OpenAI or at any
// OpenAI-compatible endpoint such as Ollama's /v1.
type Options struct {
	APIKey          string
	BaseURL         string
	CompletionModel string
	EmbeddingModel  string
	Temperature     float64
	MaxTokens       int
	Timeout         time.Duration
	Audio           AudioOptions
}

// Client implements chat, embeddings and audio against the OpenAI API.
type Client struct {
	api             openai.Client
	apiKey          string
	baseURL         string
	completionModel string
	embeddingModel  string
	temperature     float64
	maxTokens       int
	httpClient      *http.Client
	audio           AudioOptions
}

// NewOpenAIClient creates a new OpenAI client. Retries are disabled; callers
// own retry policy.
func NewOpenAIClient(o Options) *Client {
	if o.Timeout <= 0 {
		o.Timeout = 60 * time.Second
	}
	if o.BaseURL == "" {
		o.BaseURL = "https://api.openai.com/v1"
	}
	hc := &http.Client{Timeout: o.Timeout}
	api := openai.NewClient(
		option.WithAPIKey(o.APIKey),
		option.WithBaseURL(o.BaseURL),
		option.WithHTTPClient(hc),
		option.WithMaxRetries(0),
	)
	return &Client{
		api:             api,
		apiKey:          o.APIKey,
		baseURL:         strings.TrimRight(o.BaseURL, "/"),
		completionModel: o.CompletionModel,
		embeddingModel:  o.EmbeddingModel,
		temperature:     o.Temperature,
		maxTokens:       o.MaxTokens,
		httpClient:      hc,
		audio:           o.Audio.withDefaults(),
	}
}

// Chat sends one system + user exchange and returns the assistant text.
func (c *Client) Chat(ctx context.Context, system, user string) (string, error) {
	return c.complete(ctx, system, user, false)
}

// ChatJSON is Chat with the JSON-object response format enabled.
func (c *Client) ChatJSON(ctx context.Context, system, user string) (string, error) {
	return c.complete(ctx, system, user, true)
}

func (c *Client) complete(ctx context.Context, system, user string, jsonMode bool) (string, error) {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, 2)
	if system != "" {
		messages = append(messages, openai.SystemMessage(system))
	}
	messages = append(messages, openai.UserMessage(user))

	params := openai.ChatCompletionNewParams{
		Model:       shared.ChatModel(c.completionModel),
		Messages:    messages,
		Temperature: openai.Opt(c.temperature),
	}
	if c.maxTokens > 0 {
		params.MaxTokens = openai.Opt(int64(c.maxTokens))
	}
	if jsonMode {
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		}
	}
	resp, err := c.api.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("chat completion: no choices returned")
	}
	return resp.Choices[0].Message.Content, nil
}

// CreateEmbedding generates an embedding for the given texts using OpenAI's API
func (c *Client) CreateEmbedding(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	resp, err := c.api.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
		Model: openai.EmbeddingModel(c.embeddingModel),
	})
	if err != nil {
		return nil, fmt.Errorf("embeddings: %w", err)
	}
	vecs := make([][]float32, len(texts))
	for _, d := range resp.Data {
		i := int(d.Index)
		if i < 0 || i >= len(vecs) {
			return nil, fmt.Errorf("embeddings: index %d out of range", i)
		}
		v := make([]float32, len(d.Embedding))
		for j, x := range d.Embedding {
			v[j] = float32(x)
		}
		vecs[i] = v
	}
	for i, v := range vecs {
		if v == nil {
			return nil, fmt.Errorf("embeddings: missing vector %d", i)
		}
	}
	return vecs, nil
}
