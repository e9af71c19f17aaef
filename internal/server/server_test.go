package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mohammad-safakhou/shopvoice/internal/history"
	"github.com/mohammad-safakhou/shopvoice/internal/pipeline"
	"github.com/mohammad-safakhou/shopvoice/internal/voice"
	openai_provider "github.com/mohammad-safakhou/shopvoice/provider/openai"
)

type fakeRunner struct {
	err    error
	inputs []string
}

func (f *fakeRunner) Run(_ context.Context, input string) (*pipeline.Result, error) {
	f.inputs = append(f.inputs, input)
	if f.err != nil {
		return nil, f.err
	}
	return &pipeline.Result{
		RunID:     "run-1",
		Input:     input,
		Knowledge: pipeline.NoDataFound,
		Response:  "Final Answer:\n- Try the plush bear.\nCited Sources:\n- none",
		Done:      true,
		Passes:    1,
		Plan:      pipeline.Plan{DataSource: pipeline.SourcePrivate, RetrievalNeeded: true},
	}, nil
}

type fakeAudio struct{ transcript string }

func (f fakeAudio) Transcribe(_ context.Context, r io.Reader, _ string) (string, error) {
	_, _ = io.Copy(io.Discard, r)
	return f.transcript, nil
}

func (f fakeAudio) Synthesize(_ context.Context, text string) (*openai_provider.Speech, error) {
	return &openai_provider.Speech{Audio: []byte(text), Format: "pcm", ContentType: "audio/pcm", SampleRate: 24000}, nil
}

func newTestEcho(runner voice.Runner, withAudio bool) (*echo.Echo, history.Store) {
	var a *voice.Assistant
	if withAudio {
		fa := fakeAudio{transcript: "a soft toy for a toddler"}
		a = voice.NewAssistant(runner, fa, fa, nil)
	} else {
		a = voice.NewAssistant(runner, nil, nil, nil)
	}
	hist := history.NewMemory(10, 0)
	return New(a, hist, zap.NewNop()).Echo(), hist
}

func postJSON(e *echo.Echo, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestAskRecordsHistory(t *testing.T) {
	runner := &fakeRunner{}
	e, hist := newTestEcho(runner, false)

	rec := postJSON(e, "/api/ask", `{"query":"plush toys under $20","session_id":"s1"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp AskResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "run-1", resp.RunID)
	assert.Equal(t, "s1", resp.SessionID)
	assert.True(t, resp.Done)
	assert.Equal(t, pipeline.NoDataFound, resp.Knowledge)
	assert.Empty(t, resp.Audio)
	assert.Equal(t, []string{"plush toys under $20"}, runner.inputs)

	turns, err := hist.List(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Equal(t, "plush toys under $20", turns[0].Query)

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/history/s1", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"run_id":"run-1"`)

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/history/s1", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	turns, _ = hist.List(context.Background(), "s1")
	assert.Empty(t, turns)
}

func TestAskGeneratesSession(t *testing.T) {
	e, _ := newTestEcho(&fakeRunner{}, false)
	rec := postJSON(e, "/api/ask", `{"query":"wooden puzzle"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp AskResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.SessionID)
}

func TestAskRejectsEmptyQuery(t *testing.T) {
	runner := &fakeRunner{}
	e, _ := newTestEcho(runner, false)
	rec := postJSON(e, "/api/ask", `{"query":"   "}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `{"error":"query is required"}`, rec.Body.String())
	assert.Empty(t, runner.inputs)
}

func TestAskPipelineFailureIsGeneric(t *testing.T) {
	e, _ := newTestEcho(&fakeRunner{err: errors.New("router stage: openai: 500 internal")}, false)
	rec := postJSON(e, "/api/ask", `{"query":"teddy bear"}`)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.JSONEq(t, `{"error":"Error processing query"}`, rec.Body.String())
}

func TestAskSpeakWithoutVoice(t *testing.T) {
	runner := &fakeRunner{}
	e, _ := newTestEcho(runner, false)
	rec := postJSON(e, "/api/ask", `{"query":"teddy bear","speak":true}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Empty(t, runner.inputs)
}

func audioRequest(t *testing.T, fields map[string]string, withFile bool) *http.Request {
	t.Helper()
	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)
	if withFile {
		fw, err := w.CreateFormFile("audio", "question.wav")
		require.NoError(t, err)
		_, _ = fw.Write([]byte("RIFF fake"))
	}
	for k, v := range fields {
		require.NoError(t, w.WriteField(k, v))
	}
	require.NoError(t, w.Close())
	req := httptest.NewRequest(http.MethodPost, "/api/ask/audio", body)
	req.Header.Set(echo.HeaderContentType, w.FormDataContentType())
	return req
}

func TestAskAudio(t *testing.T) {
	runner := &fakeRunner{}
	e, hist := newTestEcho(runner, true)

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, audioRequest(t, map[string]string{"session_id": "voice-1"}, true))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp AskResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "a soft toy for a toddler", resp.Transcript)
	assert.Equal(t, "audio/wav", resp.AudioType)
	wav, err := base64.StdEncoding.DecodeString(resp.Audio)
	require.NoError(t, err)
	assert.Equal(t, "RIFF", string(wav[:4]))
	assert.Equal(t, "Try the plush bear.", string(wav[44:]))

	turns, err := hist.List(context.Background(), "voice-1")
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.True(t, turns[0].Audio)
}

func TestAskAudioWithoutSpeech(t *testing.T) {
	e, _ := newTestEcho(&fakeRunner{}, true)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, audioRequest(t, map[string]string{"speak": "false"}, true))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), `"audio"`)
}

func TestAskAudioErrors(t *testing.T) {
	e, _ := newTestEcho(&fakeRunner{}, true)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, audioRequest(t, nil, false))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	e, _ = newTestEcho(&fakeRunner{}, false)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, audioRequest(t, nil, true))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHealthz(t *testing.T) {
	e, _ := newTestEcho(&fakeRunner{}, true)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","voice":true}`, rec.Body.String())
}

func TestMigrateRequiresDSN(t *testing.T) {
	assert.Error(t, Migrate("file://migrations", "", "up", 0))
}
