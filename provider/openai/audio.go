package openai_provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/openai/openai-go/v3"
)

// AudioOptions selects the speech models.
type AudioOptions struct {
	TranscriptionModel string
	SpeechModel        string
	Voice              string
	Instructions       string
	ResponseFormat     string
	SampleRate         int
}

const defaultInstructions = "Speak in a cheerful and positive tone."

func (a AudioOptions) withDefaults() AudioOptions {
	if a.TranscriptionModel == "" {
		a.TranscriptionModel = "whisper-1"
	}
	if a.SpeechModel == "" {
		a.SpeechModel = "gpt-4o-mini-tts"
	}
	if a.Voice == "" {
		a.Voice = "coral"
	}
	if a.Instructions == "" {
		a.Instructions = defaultInstructions
	}
	if a.ResponseFormat == "" {
		a.ResponseFormat = "pcm"
	}
	if a.SampleRate <= 0 {
		a.SampleRate = 24000
	}
	return a
}

// Speech is synthesized audio.
type Speech struct {
	Audio       []byte
	Format      string
	ContentType string
	SampleRate  int
}

// Transcribe converts recorded speech to text.
func (c *Client) Transcribe(ctx context.Context, audio io.Reader, filename string) (string, error) {
	if audio == nil {
		return "", errors.New("transcribe: no audio")
	}
	if filename == "" {
		filename = "audio.wav"
	}
	ct := mime.TypeByExtension(filepath.Ext(filename))
	if ct == "" {
		ct = "application/octet-stream"
	}
	resp, err := c.api.Audio.Transcriptions.New(ctx, openai.AudioTranscriptionNewParams{
		File:  openai.File(audio, filename, ct),
		Model: openai.AudioModel(c.audio.TranscriptionModel),
	})
	if err != nil {
		return "", fmt.Errorf("transcribe: %w", err)
	}
	return strings.TrimSpace(resp.Text), nil
}

// Synthesize renders text as speech with the configured voice.
func (c *Client) Synthesize(ctx context.Context, text string) (*Speech, error) {
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("synthesize: empty text")
	}
	body, _ := json.Marshal(map[string]any{
		"model":           c.audio.SpeechModel,
		"input":           text,
		"voice":           c.audio.Voice,
		"instructions":    c.audio.Instructions,
		"response_format": c.audio.ResponseFormat,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/audio/speech", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("synthesize: %w", err)
	}
	defer resp.Body.Close()
	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("synthesize: read body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("synthesize %d: %s", resp.StatusCode, truncate(string(audio), 300))
	}
	return &Speech{
		Audio:       audio,
		Format:      c.audio.ResponseFormat,
		ContentType: resp.Header.Get("Content-Type"),
		SampleRate:  c.audio.SampleRate,
	}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
