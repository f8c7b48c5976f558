package groq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medscribe/medscribe/internal/platform/sentinel"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(Config{APIKey: "test-key", BaseURL: srv.URL}, zerolog.Nop())
}

func TestGenerate_SendsNoteParameters(t *testing.T) {
	var got chatRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"choices":[{"message":{"content":"SUBJECTIVE: cough"}}]}`)
	})

	note, err := c.Generate(context.Background(), "patient has a cough", "soap", "general")
	require.NoError(t, err)
	assert.Equal(t, "SUBJECTIVE: cough", note)
	assert.Equal(t, DefaultModel, got.Model)
	assert.InDelta(t, 0.3, got.Temperature, 1e-9)
	assert.Equal(t, 4096, got.MaxTokens)
	assert.InDelta(t, 0.9, got.TopP, 1e-9)
	assert.False(t, got.Stream)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "system", got.Messages[0].Role)
	assert.Contains(t, got.Messages[1].Content, "patient has a cough")
	assert.Contains(t, got.Messages[1].Content, "SOAP format")
}

func TestGenerate_UnknownTemplateUsesSOAP(t *testing.T) {
	msgs := noteMessages("t", "bogus", "general")
	assert.Contains(t, msgs[1].Content, "SOAP format")
	assert.False(t, KnownTemplate("bogus"))
	assert.True(t, KnownTemplate(TemplateProcedure))
}

func TestGenerate_ErrorStatus(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":"rate limited"}`)
	})

	_, err := c.Generate(context.Background(), "x", "soap", "general")
	require.Error(t, err)
	assert.True(t, errors.Is(err, sentinel.ErrGenerationSource))
	assert.Contains(t, err.Error(), "429")
}

func TestGenerate_MissingKey(t *testing.T) {
	c := New(Config{}, zerolog.Nop())
	_, err := c.Generate(context.Background(), "x", "soap", "general")
	assert.ErrorIs(t, err, sentinel.ErrGenerationSource)
}

func TestSummarize_Parameters(t *testing.T) {
	var got chatRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		fmt.Fprint(w, `{"choices":[{"message":{"content":"What We Found: a cold"}}]}`)
	})

	out, err := c.Summarize(context.Background(), "URI, viral")
	require.NoError(t, err)
	assert.Equal(t, "What We Found: a cold", out)
	assert.InDelta(t, 0.5, got.Temperature, 1e-9)
	assert.Equal(t, 1024, got.MaxTokens)
	assert.Contains(t, got.Messages[0].Content, "5th grade")
	assert.Contains(t, got.Messages[1].Content, "URI, viral")
}

func TestStream_YieldsDeltasUntilDone(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.True(t, req.Stream)
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"role\":\"assistant\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n\n")
		fmt.Fprint(w, ": keep-alive\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"lo\"}}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	})

	src, err := c.Stream(context.Background(), "x", "soap", "general")
	require.NoError(t, err)
	defer src.Close()

	var parts []string
	for {
		tok, err := src.Next(context.Background())
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		parts = append(parts, tok)
	}
	assert.Equal(t, []string{"Hel", "lo"}, parts)

	_, err = src.Next(context.Background())
	assert.ErrorIs(t, err, io.EOF)
}

func TestStream_ErrorStatus(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	src, err := c.Stream(context.Background(), "x", "soap", "general")
	assert.Nil(t, src)
	assert.ErrorIs(t, err, sentinel.ErrGenerationSource)
}

func TestStream_MalformedChunk(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {not json\n\n")
	})

	src, err := c.Stream(context.Background(), "x", "soap", "general")
	require.NoError(t, err)
	defer src.Close()

	_, err = src.Next(context.Background())
	assert.ErrorIs(t, err, sentinel.ErrGenerationSource)
}

func TestTranscribe_Multipart(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/audio/transcriptions", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, DefaultSTTModel, r.FormValue("model"))
		assert.Equal(t, "en", r.FormValue("language"))
		assert.Equal(t, "verbose_json", r.FormValue("response_format"))

		f, hdr, err := r.FormFile("file")
		require.NoError(t, err)
		defer f.Close()
		data, _ := io.ReadAll(f)
		assert.Equal(t, "visit.webm", hdr.Filename)
		assert.Equal(t, "audio-bytes", string(data))

		fmt.Fprint(w, `{"text":"hello doctor","language":"english","duration":1.5,
			"segments":[{"id":0,"start":0,"end":1.5,"text":"hello doctor"}]}`)
	})

	out, err := c.Transcribe(context.Background(), "visit.webm", strings.NewReader("audio-bytes"))
	require.NoError(t, err)
	assert.Equal(t, "hello doctor", out.Text)
	assert.Equal(t, "english", out.Language)
	assert.InDelta(t, 1.5, out.Duration, 1e-9)
	require.Len(t, out.Segments, 1)
	assert.Equal(t, "hello doctor", out.Segments[0].Text)
}
