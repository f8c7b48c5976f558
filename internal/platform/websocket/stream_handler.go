package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/medscribe/medscribe/internal/platform/auth"
	"github.com/medscribe/medscribe/internal/platform/hipaa"
	"github.com/medscribe/medscribe/internal/platform/sentinel"
	"github.com/medscribe/medscribe/internal/platform/stream"
)

const (
	writeWait        = 10 * time.Second
	closeGrace       = time.Second
	maxClientFrame   = 1 << 20
	defaultTemplate  = "soap"
	defaultSpecialty = "general"
)

// NoteStreamer starts a fragment source for a transcript.
type NoteStreamer interface {
	Stream(ctx context.Context, transcript, template, specialty string) (stream.Source, error)
}

// StreamMetrics is implemented by *telemetry.Metrics.
type StreamMetrics interface {
	StreamStarted()
	StreamFinished(state string)
}

// streamRequest is the first frame a client sends.
type streamRequest struct {
	Transcript string `json:"transcript"`
	Template   string `json:"template"`
	Specialty  string `json:"specialty"`
}

// clientMessage is any later frame. Only {"action":"cancel"} is understood.
type clientMessage struct {
	Action string `json:"action"`
}

// StreamHandler serves GET /ws/stream-note.
type StreamHandler struct {
	hub      *Hub
	streamer NoteStreamer
	ledger   *hipaa.Ledger
	metrics  StreamMetrics
	upgrader gorillawebsocket.Upgrader
	logger   zerolog.Logger
}

// NewStreamHandler creates the handler. metrics may be nil. An empty
// allowedOrigins list or a "*" entry accepts any origin.
func NewStreamHandler(hub *Hub, streamer NoteStreamer, ledger *hipaa.Ledger, metrics StreamMetrics, allowedOrigins []string, logger zerolog.Logger) *StreamHandler {
	return &StreamHandler{
		hub:      hub,
		streamer: streamer,
		ledger:   ledger,
		metrics:  metrics,
		upgrader: gorillawebsocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(allowedOrigins),
		},
		logger: logger.With().Str("component", "stream").Logger(),
	}
}

// RegisterRoutes registers the endpoint on a group that already carries
// bearer authentication.
func (h *StreamHandler) RegisterRoutes(g *echo.Group) {
	g.GET("/stream-note", h.HandleStream)
}

func originChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[strings.TrimRight(o, "/")] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || len(set) == 0 {
			return true
		}
		_, ok := set[strings.TrimRight(origin, "/")]
		return ok
	}
}

// HandleStream upgrades the connection, reads the generation request, and
// forwards fragments until the source ends, fails, or the client cancels.
func (h *StreamHandler) HandleStream(c echo.Context) error {
	id, ok := auth.IdentityFromContext(c.Request().Context())
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}

	ws, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// the upgrader has already written the error response
		h.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return nil
	}
	defer ws.Close()
	ws.SetReadLimit(maxClientFrame)

	var req streamRequest
	if err := ws.ReadJSON(&req); err != nil {
		h.logger.Debug().Err(err).Msg("stream request not received")
		return nil
	}
	if strings.TrimSpace(req.Transcript) == "" {
		h.writeFinal(ws, stream.Message{Error: "transcript is required", Done: true})
		return nil
	}
	if req.Template == "" {
		req.Template = defaultTemplate
	}
	if req.Specialty == "" {
		req.Specialty = defaultSpecialty
	}

	ctx := c.Request().Context()
	src, err := h.streamer.Stream(ctx, req.Transcript, req.Template, req.Specialty)
	if err != nil {
		h.logger.Error().Err(err).Str("user_id", id.UserID).Msg("note stream failed to start")
		h.writeFinal(ws, stream.Message{Error: sentinel.Message(err), Done: true})
		return nil
	}

	ch := stream.New(src)
	streamID := uuid.NewString()
	if !h.hub.Register(streamID, ch) {
		h.writeFinal(ws, stream.Message{Error: "server is shutting down", Done: true})
		return nil
	}
	defer h.hub.Unregister(streamID)

	if h.metrics != nil {
		h.metrics.StreamStarted()
	}

	final := h.pump(ctx, ws, ch)

	if h.metrics != nil {
		h.metrics.StreamFinished(final.String())
	}
	h.logger.Info().
		Str("stream_id", streamID).
		Str("user_id", id.UserID).
		Str("state", final.String()).
		Msg("note stream finished")

	if final == stream.Completed {
		h.ledger.Append(ctx, hipaa.AuditLogEntry{
			UserID:       id.UserID,
			Action:       hipaa.ActionNoteStreamed,
			ResourceType: "note",
			Details:      "template=" + req.Template,
			IPAddress:    c.RealIP(),
		})
	}
	return nil
}

// pump runs the channel against the socket while a reader goroutine watches
// for a cancel frame or a disconnect.
func (h *StreamHandler) pump(ctx context.Context, ws *gorillawebsocket.Conn, ch *stream.Channel) stream.State {
	var final stream.State
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		sink := stream.SinkFunc(func(m stream.Message) error {
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			return ws.WriteJSON(m)
		})
		final = ch.Run(gctx, sink)

		// unblock the reader
		_ = ws.WriteControl(gorillawebsocket.CloseMessage,
			gorillawebsocket.FormatCloseMessage(gorillawebsocket.CloseNormalClosure, final.String()),
			time.Now().Add(closeGrace))
		_ = ws.UnderlyingConn().SetReadDeadline(time.Now().Add(closeGrace))
		return nil
	})

	g.Go(func() error {
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				ch.Cancel()
				return nil
			}
			var msg clientMessage
			if json.Unmarshal(data, &msg) != nil {
				continue
			}
			if msg.Action == "cancel" {
				ch.Cancel()
				return nil
			}
		}
	})

	_ = g.Wait()
	return final
}

func (h *StreamHandler) writeFinal(ws *gorillawebsocket.Conn, m stream.Message) {
	_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := ws.WriteJSON(m); err != nil {
		h.logger.Debug().Err(err).Msg("final stream frame not delivered")
	}
}
