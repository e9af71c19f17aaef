// Package voice puts speech on both ends of the pipeline: audio in is
// transcribed, the answer is optionally spoken back.
package voice

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"

	"github.com/mohammad-safakhou/shopvoice/internal/pipeline"
	openai_provider "github.com/mohammad-safakhou/shopvoice/provider/openai"
)

var (
	// ErrUnavailable means no audio provider is configured.
	ErrUnavailable     = errors.New("voice: no audio provider configured")
	ErrEmptyTranscript = errors.New("voice: transcription is empty")
)

// Transcriber converts recorded speech to text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio io.Reader, filename string) (string, error)
}

// Synthesizer converts text to speech.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (*openai_provider.Speech, error)
}

// Runner answers a text query.
type Runner interface {
	Run(ctx context.Context, input string) (*pipeline.Result, error)
}

// Reply is what the assistant produced for one turn.
type Reply struct {
	Transcript string
	Result     *pipeline.Result
	Speech     *openai_provider.Speech
}

type Assistant struct {
	runner Runner
	stt    Transcriber
	tts    Synthesizer
	log    *zap.Logger
}

// NewAssistant accepts nil audio adapters; the audio paths then return ErrUnavailable.
func NewAssistant(runner Runner, stt Transcriber, tts Synthesizer, log *zap.Logger) *Assistant {
	if log == nil {
		log = zap.NewNop()
	}
	return &Assistant{runner: runner, stt: stt, tts: tts, log: log.Named("voice")}
}

// Available reports whether audio in and out are wired.
func (a *Assistant) Available() bool { return a.stt != nil && a.tts != nil }

// Ask runs a typed query and optionally speaks the answer.
func (a *Assistant) Ask(ctx context.Context, query string, speak bool) (*Reply, error) {
	if speak && a.tts == nil {
		return nil, ErrUnavailable
	}
	res, err := a.runner.Run(ctx, query)
	if err != nil {
		return nil, err
	}
	reply := &Reply{Result: res}
	if speak {
		if reply.Speech, err = a.Speak(ctx, res.Response); err != nil {
			return nil, err
		}
	}
	return reply, nil
}

// AskAudio transcribes audio and runs the transcript.
func (a *Assistant) AskAudio(ctx context.Context, audio io.Reader, filename string, speak bool) (*Reply, error) {
	if a.stt == nil || (speak && a.tts == nil) {
		return nil, ErrUnavailable
	}
	transcript, err := a.stt.Transcribe(ctx, audio, filename)
	if err != nil {
		return nil, fmt.Errorf("transcribe: %w", err)
	}
	transcript = strings.TrimSpace(transcript)
	if transcript == "" {
		return nil, ErrEmptyTranscript
	}
	a.log.Info("transcribed", zap.String("file", filename), zap.Int("chars", len(transcript)))

	reply, err := a.Ask(ctx, transcript, speak)
	if err != nil {
		return nil, err
	}
	reply.Transcript = transcript
	return reply, nil
}

// Speak synthesises the spoken part of an answer.
func (a *Assistant) Speak(ctx context.Context, answer string) (*openai_provider.Speech, error) {
	if a.tts == nil {
		return nil, ErrUnavailable
	}
	speech, err := a.tts.Synthesize(ctx, SpokenText(answer))
	if err != nil {
		return nil, fmt.Errorf("synthesize: %w", err)
	}
	return speech, nil
}

// SpokenText keeps the "Final Answer" section of a formatted answer; the
// source list is not read aloud.
func SpokenText(answer string) string {
	const head, tail = "Final Answer:", "Cited Sources:"
	i := strings.Index(answer, head)
	if i < 0 {
		return strings.TrimSpace(answer)
	}
	body := answer[i+len(head):]
	if j := strings.Index(body, tail); j >= 0 {
		body = body[:j]
	}
	var lines []string
	for _, l := range strings.Split(body, "\n") {
		l = strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(l), "-*"))
		if l != "" {
			lines = append(lines, l)
		}
	}
	if len(lines) == 0 {
		return strings.TrimSpace(answer)
	}
	return strings.Join(lines, " ")
}

// WAV returns speech as a WAV file. PCM is wrapped as 16-bit mono; other
// formats already carry a container and are returned unchanged.
func WAV(s *openai_provider.Speech) []byte {
	if s.Format != "pcm" {
		return s.Audio
	}
	return pcmToWAV(s.Audio, s.SampleRate, 1, 2)
}

func pcmToWAV(pcm []byte, sampleRate, channels, bytesPerSample int) []byte {
	dataLen := len(pcm)
	buf := &bytes.Buffer{}
	buf.Grow(44 + dataLen)

	buf.WriteString("RIFF")
	_ = binary.Write(buf, binary.LittleEndian, uint32(36+dataLen))
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	_ = binary.Write(buf, binary.LittleEndian, uint32(16))
	_ = binary.Write(buf, binary.LittleEndian, uint16(1)) // PCM
	_ = binary.Write(buf, binary.LittleEndian, uint16(channels))
	_ = binary.Write(buf, binary.LittleEndian, uint32(sampleRate))
	_ = binary.Write(buf, binary.LittleEndian, uint32(sampleRate*channels*bytesPerSample))
	_ = binary.Write(buf, binary.LittleEndian, uint16(channels*bytesPerSample))
	_ = binary.Write(buf, binary.LittleEndian, uint16(bytesPerSample*8))

	buf.WriteString("data")
	_ = binary.Write(buf, binary.LittleEndian, uint32(dataLen))
	buf.Write(pcm)
	return buf.Bytes()
}
