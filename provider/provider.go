package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mohammad-safakhou/shopvoice/config"
	openai_provider "github.com/mohammad-safakhou/shopvoice/provider/openai"
)

// Client represents different LLM providers
type Client string

const (
	OpenAI Client = "openai"
	Ollama Client = "ollama"
)

// Provider is the interface that all LLM implementations must satisfy
type Provider interface {
	Chat(ctx context.Context, system, user string) (string, error)
	// ChatJSON asks the model for a single JSON object.
	ChatJSON(ctx context.Context, system, user string) (string, error)
	CreateEmbedding(ctx context.Context, texts []string) ([][]float32, error)
}

// ollamaAPIKey is sent to Ollama's OpenAI-compatible endpoint, which ignores it.
const ollamaAPIKey = "ollama"

// NewProvider creates a new LLM client based on the provided configuration
func NewProvider(cfg config.LLMConfig, voice config.VoiceConfig) (*openai_provider.Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	audio := openai_provider.AudioOptions{
		TranscriptionModel: voice.TranscriptionModel,
		SpeechModel:        voice.TTSModel,
		Voice:              voice.Voice,
		Instructions:       voice.Instructions,
		ResponseFormat:     voice.ResponseFormat,
		SampleRate:         voice.SampleRate,
	}
	switch Client(cfg.Provider) {
	case OpenAI:
		return openai_provider.NewOpenAIClient(openai_provider.Options{
			APIKey:          cfg.OpenAI.APIKey,
			BaseURL:         cfg.OpenAI.BaseURL,
			CompletionModel: cfg.OpenAI.Model,
			EmbeddingModel:  cfg.OpenAI.EmbeddingModel,
			Temperature:     cfg.Temperature,
			MaxTokens:       cfg.MaxTokens,
			Timeout:         cfg.Timeout,
			Audio:           audio,
		}), nil
	case Ollama:
		return openai_provider.NewOpenAIClient(openai_provider.Options{
			APIKey:          ollamaAPIKey,
			BaseURL:         OllamaBaseURL(cfg.Ollama.BaseURL),
			CompletionModel: cfg.Ollama.Model,
			EmbeddingModel:  cfg.Ollama.EmbeddingModel,
			Temperature:     cfg.Temperature,
			MaxTokens:       cfg.MaxTokens,
			Timeout:         cfg.Timeout,
			Audio:           audio,
		}), nil
	default:
		return nil, errors.New("unsupported LLM provider")
	}
}

// NewAudioProvider returns a client able to transcribe and synthesize speech.
// Only OpenAI serves audio, so an Ollama setup needs an OpenAI key as well.
func NewAudioProvider(cfg config.LLMConfig, voice config.VoiceConfig) (*openai_provider.Client, error) {
	if strings.TrimSpace(cfg.OpenAI.APIKey) == "" {
		return nil, fmt.Errorf("voice requires llm.openai.api_key (OPENAI_API_KEY)")
	}
	audioCfg := cfg
	audioCfg.Provider = string(OpenAI)
	return NewProvider(audioCfg, voice)
}

// OllamaBaseURL maps an Ollama host URL to its OpenAI-compatible API root.
func OllamaBaseURL(base string) string {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	if strings.HasSuffix(base, "/v1") {
		return base
	}
	return base + "/v1"
}

var _ Provider = (*openai_provider.Client)(nil)
