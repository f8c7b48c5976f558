package websocket

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medscribe/medscribe/internal/platform/auth"
	"github.com/medscribe/medscribe/internal/platform/hipaa"
	"github.com/medscribe/medscribe/internal/platform/sentinel"
	"github.com/medscribe/medscribe/internal/platform/stream"
)

// ---------------------------------------------------------------------------
// Hub tests
// ---------------------------------------------------------------------------

func TestHub_RegisterUnregister(t *testing.T) {
	hub := NewHub()
	ch := stream.New(stream.NewSliceSource("a"))

	if !hub.Register("s1", ch) {
		t.Fatal("expected register to succeed")
	}
	if hub.Count() != 1 {
		t.Fatalf("expected 1 stream, got %d", hub.Count())
	}

	hub.Unregister("s1")
	hub.Unregister("missing")
	if hub.Count() != 0 {
		t.Fatalf("expected 0 streams, got %d", hub.Count())
	}
}

func TestHub_CancelByID(t *testing.T) {
	hub := NewHub()
	ch := stream.New(stream.NewSliceSource("a"))
	hub.Register("s1", ch)

	if !hub.Cancel("s1") {
		t.Fatal("expected stream to be found")
	}
	if ch.State() != stream.Cancelled {
		t.Fatalf("expected cancelled, got %s", ch.State())
	}
	if hub.Cancel("nope") {
		t.Fatal("unknown id should not be found")
	}
}

func TestHub_ShutdownCancelsAll(t *testing.T) {
	hub := NewHub()
	a := stream.New(stream.NewSliceSource("a"))
	b := stream.New(stream.NewSliceSource("b"))
	hub.Register("a", a)
	hub.Register("b", b)

	if n := hub.Shutdown(); n != 2 {
		t.Fatalf("expected 2 cancelled, got %d", n)
	}
	if a.State() != stream.Cancelled || b.State() != stream.Cancelled {
		t.Fatalf("expected both cancelled, got %s and %s", a.State(), b.State())
	}

	late := stream.New(stream.NewSliceSource("c"))
	if hub.Register("c", late) {
		t.Fatal("register after shutdown should be refused")
	}
	if late.State() != stream.Cancelled {
		t.Fatalf("late stream should be cancelled, got %s", late.State())
	}
}

func TestHub_ConcurrentAccess(t *testing.T) {
	hub := NewHub()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("s%d", i)
			hub.Register(id, stream.New(stream.NewSliceSource("x")))
			_ = hub.Count()
			hub.Unregister(id)
		}(i)
	}
	wg.Wait()
	if hub.Count() != 0 {
		t.Fatalf("expected 0 streams, got %d", hub.Count())
	}
}

// ---------------------------------------------------------------------------
// Stream handler tests
// ---------------------------------------------------------------------------

type fakeStreamer struct {
	src stream.Source
	err error

	mu  sync.Mutex
	req streamRequest
}

func (f *fakeStreamer) Stream(_ context.Context, transcript, template, specialty string) (stream.Source, error) {
	f.mu.Lock()
	f.req = streamRequest{Transcript: transcript, Template: template, Specialty: specialty}
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.src, nil
}

func (f *fakeStreamer) lastRequest() streamRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.req
}

type fakeMetrics struct {
	mu       sync.Mutex
	started  int
	finished []string
}

func (m *fakeMetrics) StreamStarted() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started++
}

func (m *fakeMetrics) StreamFinished(state string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finished = append(m.finished, state)
}

func (m *fakeMetrics) states() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.finished...)
}

// blockingSource yields one fragment then waits until closed or cancelled.
type blockingSource struct {
	first  string
	served bool
	closed chan struct{}
	once   sync.Once
}

func newBlockingSource(first string) *blockingSource {
	return &blockingSource{first: first, closed: make(chan struct{})}
}

func (b *blockingSource) Next(ctx context.Context) (string, error) {
	if !b.served {
		b.served = true
		return b.first, nil
	}
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-b.closed:
		return "", io.EOF
	}
}

func (b *blockingSource) Close() error {
	b.once.Do(func() { close(b.closed) })
	return nil
}

type harness struct {
	url     string
	hub     *Hub
	ledger  *hipaa.Ledger
	metrics *fakeMetrics
}

func newHarness(t *testing.T, streamer NoteStreamer, origins []string) *harness {
	t.Helper()
	h := &harness{
		hub:     NewHub(),
		ledger:  hipaa.NewLedger(nil, nil, zerolog.Nop()),
		metrics: &fakeMetrics{},
	}

	e := echo.New()
	g := e.Group("/ws", func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := auth.WithIdentity(c.Request().Context(), auth.Identity{UserID: "u-1", Email: "doc@example.com", Role: auth.RolePhysician})
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	})
	NewStreamHandler(h.hub, streamer, h.ledger, h.metrics, origins, zerolog.Nop()).RegisterRoutes(g)

	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)
	h.url = "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/stream-note"
	return h
}

func dial(t *testing.T, url string) *gorillawebsocket.Conn {
	t.Helper()
	conn, _, err := gorillawebsocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	return conn
}

func readUntilDone(t *testing.T, conn *gorillawebsocket.Conn) []map[string]interface{} {
	t.Helper()
	var frames []map[string]interface{}
	for {
		var m map[string]interface{}
		if err := conn.ReadJSON(&m); err != nil {
			return frames
		}
		frames = append(frames, m)
		if done, _ := m["done"].(bool); done {
			return frames
		}
	}
}

func noteStreamedCount(l *hipaa.Ledger) int {
	n := 0
	for _, e := range l.Recent(context.Background(), 0) {
		if e.Action == hipaa.ActionNoteStreamed {
			n++
		}
	}
	return n
}

func TestStreamHandler_DeliversFragmentsInOrder(t *testing.T) {
	streamer := &fakeStreamer{src: stream.NewSliceSource("SUBJ", "ECTIVE", ":")}
	h := newHarness(t, streamer, nil)
	conn := dial(t, h.url)

	require.NoError(t, conn.WriteJSON(map[string]string{"transcript": "cough for 3 days"}))
	frames := readUntilDone(t, conn)

	require.Len(t, frames, 4)
	assert.Equal(t, "SUBJ", frames[0]["token"])
	assert.Equal(t, "ECTIVE", frames[1]["token"])
	assert.Equal(t, ":", frames[2]["token"])
	assert.Equal(t, false, frames[0]["done"])
	assert.Equal(t, "", frames[3]["token"])
	assert.Equal(t, true, frames[3]["done"])

	req := streamer.lastRequest()
	assert.Equal(t, "soap", req.Template)
	assert.Equal(t, "general", req.Specialty)

	require.Eventually(t, func() bool { return noteStreamedCount(h.ledger) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"completed"}, h.metrics.states())
	require.Eventually(t, func() bool { return h.hub.Count() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestStreamHandler_ClientCancel(t *testing.T) {
	h := newHarness(t, &fakeStreamer{src: newBlockingSource("first")}, nil)
	conn := dial(t, h.url)

	require.NoError(t, conn.WriteJSON(map[string]string{"transcript": "x", "template": "hp"}))

	var m map[string]interface{}
	require.NoError(t, conn.ReadJSON(&m))
	assert.Equal(t, "first", m["token"])

	require.NoError(t, conn.WriteJSON(map[string]string{"action": "cancel"}))

	// no done frame follows a cancel; the server closes the socket
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)

	require.Eventually(t, func() bool { return len(h.metrics.states()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"cancelled"}, h.metrics.states())
	assert.Equal(t, 0, noteStreamedCount(h.ledger))
}

func TestStreamHandler_DisconnectCancels(t *testing.T) {
	src := newBlockingSource("first")
	h := newHarness(t, &fakeStreamer{src: src}, nil)
	conn := dial(t, h.url)

	require.NoError(t, conn.WriteJSON(map[string]string{"transcript": "x"}))
	var m map[string]interface{}
	require.NoError(t, conn.ReadJSON(&m))
	conn.Close()

	require.Eventually(t, func() bool { return len(h.metrics.states()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"cancelled"}, h.metrics.states())
	select {
	case <-src.closed:
	default:
		t.Fatal("source should be closed after disconnect")
	}
}

func TestStreamHandler_StartFailure(t *testing.T) {
	err := fmt.Errorf("%w: groq returned status 500", sentinel.ErrGenerationSource)
	h := newHarness(t, &fakeStreamer{err: err}, nil)
	conn := dial(t, h.url)

	require.NoError(t, conn.WriteJSON(map[string]string{"transcript": "x"}))
	frames := readUntilDone(t, conn)

	require.Len(t, frames, 1)
	assert.Contains(t, frames[0]["error"], "status 500")
	assert.Equal(t, true, frames[0]["done"])
	assert.Empty(t, h.metrics.states())
}

func TestStreamHandler_SourceFailureMidStream(t *testing.T) {
	h := newHarness(t, &fakeStreamer{src: &failingSource{after: []string{"a"}, err: errors.New("upstream reset")}}, nil)
	conn := dial(t, h.url)

	require.NoError(t, conn.WriteJSON(map[string]string{"transcript": "x"}))
	frames := readUntilDone(t, conn)

	require.Len(t, frames, 2)
	assert.Equal(t, "a", frames[0]["token"])
	assert.Equal(t, "upstream reset", frames[1]["error"])
	require.Eventually(t, func() bool { return len(h.metrics.states()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"failed"}, h.metrics.states())
	assert.Equal(t, 0, noteStreamedCount(h.ledger))
}

func TestStreamHandler_EmptyTranscript(t *testing.T) {
	h := newHarness(t, &fakeStreamer{src: stream.NewSliceSource("a")}, nil)
	conn := dial(t, h.url)

	require.NoError(t, conn.WriteJSON(map[string]string{"transcript": "  "}))
	frames := readUntilDone(t, conn)

	require.Len(t, frames, 1)
	assert.Equal(t, "transcript is required", frames[0]["error"])
}

func TestStreamHandler_RejectsForeignOrigin(t *testing.T) {
	h := newHarness(t, &fakeStreamer{src: stream.NewSliceSource("a")}, []string{"https://app.example.com"})

	header := http.Header{"Origin": []string{"https://evil.example.com"}}
	_, resp, err := gorillawebsocket.DefaultDialer.Dial(h.url, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	header.Set("Origin", "https://app.example.com")
	conn, _, err := gorillawebsocket.DefaultDialer.Dial(h.url, header)
	require.NoError(t, err)
	conn.Close()
}

type failingSource struct {
	after []string
	err   error
	pos   int
}

func (f *failingSource) Next(context.Context) (string, error) {
	if f.pos < len(f.after) {
		f.pos++
		return f.after[f.pos-1], nil
	}
	return "", f.err
}

func (f *failingSource) Close() error { return nil }
