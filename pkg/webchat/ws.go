package webchat

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/promptstorm/pkg/eventbus"
	"github.com/go-go-golems/promptstorm/pkg/framework"
	"github.com/go-go-golems/promptstorm/pkg/persistence/chatstore"
	"github.com/go-go-golems/promptstorm/pkg/querystate"
	"github.com/go-go-golems/promptstorm/pkg/render"
	"github.com/go-go-golems/promptstorm/pkg/turn"
)

const maxMessageBytes = 1 << 20

func (s *Server) handleWS(w http.ResponseWriter, req *http.Request) {
	cs, err := s.sessions.GetOrCreate(req.URL.Query().Get("session"))
	if err != nil {
		http.Error(w, "failed to join session", http.StatusInternalServerError)
		return
	}
	conn, err := s.upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}
	conn.SetReadLimit(maxMessageBytes)

	logger := log.With().Str("component", "webchat").Str("session_id", cs.id).Str("remote", req.RemoteAddr).Logger()
	cs.pool.Add(conn)
	logger.Info().Int("connections", cs.pool.Count()).Msg("websocket connected")

	s.sendHello(cs, conn)

	c := &wsClient{server: s, cs: cs, conn: conn, logger: logger}
	c.readLoop()

	cs.pool.Remove(conn)
	logger.Info().Int("connections", cs.pool.Count()).Msg("websocket disconnected")
}

func (s *Server) sendHello(cs *chatSession, conn *websocket.Conn) {
	hello := HelloPayload{
		SessionID: cs.id,
		Settings:  cs.session.Settings(),
		Busy:      cs.session.Busy(),
	}
	if entries := cs.session.Transcript(); len(entries) > 0 {
		if markup, err := render.HistoryMarkup(entries, s.formatter); err == nil {
			hello.History = markup
		}
	}
	sendEvent(cs, conn, EvHello, "", hello)
}

// sendEvent writes an event to one connection without going through the bus.
func sendEvent(cs *chatSession, conn wsConn, typ, turnID string, payload any) {
	ev, err := eventbus.NewEvent(typ, cs.id, turnID, payload)
	if err != nil {
		return
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return
	}
	cs.pool.SendToOne(conn, b)
}

type wsClient struct {
	server *Server
	cs     *chatSession
	conn   *websocket.Conn
	logger zerolog.Logger
}

func (c *wsClient) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug().Err(err).Msg("websocket read ended")
			}
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.sendError("invalid message", "bad_request")
			continue
		}
		if err := c.dispatch(msg); err != nil {
			c.sendError(err.Error(), errorCode(err))
		}
	}
}

func (c *wsClient) dispatch(msg ClientMessage) error {
	cs := c.cs
	ctx, cancel := context.WithTimeout(cs.ctx, 30*time.Second)
	defer cancel()

	switch msg.Type {
	case MsgPing:
		sendEvent(cs, c.conn, EvPong, "", nil)
		return nil

	case MsgSubmit:
		if err := c.applySelections(msg); err != nil {
			return err
		}
		turnID := uuid.NewString()
		p := &busPresenter{cs: cs, turnID: turnID}
		pending, err := cs.session.Begin(cs.ctx, turnID, msg.Prompt, p)
		if err != nil {
			return err
		}
		go func() {
			started := TurnStartedPayload{Prompt: msg.Prompt, PromptHTML: render.PromptHTML(msg.Prompt)}
			if err := cs.publish(cs.ctx, EvTurnStarted, turnID, started); err != nil {
				c.logger.Warn().Err(err).Str("turn_id", turnID).Msg("publish turn start failed")
			}
			res := pending.Run(cs.ctx)
			c.logger.Debug().Str("turn_id", turnID).Str("state", res.State.String()).Int("fragments", res.Fragments).Dur("duration", res.Duration).Msg("turn finished")
		}()
		return nil

	case MsgStop:
		cs.session.Stop()
		return nil

	case MsgNewChat:
		cs.session.Reset()
		cs.setLoadedName("")
		return cs.publish(ctx, EvHistory, "", HistoryPayload{Settings: cs.session.Settings()})

	case MsgSave:
		name := strings.TrimSpace(msg.Name)
		if name == "" {
			name = cs.loadedName()
		}
		if err := c.applySelections(msg); err != nil {
			return err
		}
		rec, err := cs.session.RecordWithHistory(name, c.server.formatter)
		if err != nil {
			return err
		}
		if err := c.server.cfg.Store.Save(ctx, rec); err != nil {
			return err
		}
		cs.setLoadedName(name)
		c.logger.Info().Str("name", name).Msg("conversation saved")
		return c.publishConversations(ctx)

	case MsgLoad:
		rec, err := c.server.cfg.Store.Load(ctx, msg.Name)
		if err != nil {
			return err
		}
		cs.session.Restore(rec)
		cs.setLoadedName(rec.Name)
		markup, err := recordMarkup(rec, c.server.formatter)
		if err != nil {
			return err
		}
		if err := cs.publish(ctx, EvHistory, "", HistoryPayload{HTML: markup, Settings: cs.session.Settings(), Name: rec.Name}); err != nil {
			return err
		}
		return c.publishLocation(ctx, msg.Location, cs.session.Settings().Model)

	case MsgDelete:
		if err := c.server.cfg.Store.Delete(ctx, msg.Name); err != nil {
			return err
		}
		if cs.loadedName() == msg.Name {
			cs.setLoadedName("")
		}
		return c.publishConversations(ctx)

	case MsgSelectModel:
		cs.session.SetModel(msg.Model)
		return c.publishLocation(ctx, msg.Location, msg.Model)

	case MsgSettings:
		return c.applySelections(msg)

	default:
		return &protocolError{msg: "unknown message type " + msg.Type}
	}
}

// applySelections copies the page's current selections into the session.
func (c *wsClient) applySelections(msg ClientMessage) error {
	if msg.Model != "" {
		c.cs.session.SetModel(msg.Model)
	}
	if msg.SystemPrompt != nil {
		c.cs.session.SetSystemPrompt(*msg.SystemPrompt)
	}
	if msg.Framework != "" {
		return c.cs.session.SetFramework(msg.Framework)
	}
	return nil
}

func (c *wsClient) publishConversations(ctx context.Context) error {
	list, err := c.server.cfg.Store.List(ctx)
	if err != nil {
		return err
	}
	if list == nil {
		list = []chatstore.ConversationSummary{}
	}
	return c.cs.publish(ctx, EvConversations, "", ConversationsPayload{Conversations: list})
}

// publishLocation tells the page which URL to show for model. Nothing is
// sent when the page did not report its location.
func (c *wsClient) publishLocation(ctx context.Context, location, model string) error {
	if location == "" || model == "" {
		return nil
	}
	url, err := querystate.WithModel(location, model)
	if err != nil {
		return err
	}
	return c.cs.publish(ctx, EvLocation, "", LocationPayload{URL: url})
}

func (c *wsClient) sendError(message, code string) {
	sendEvent(c.cs, c.conn, EvError, "", ErrorPayload{Message: message, Code: code})
}

type protocolError struct{ msg string }

func (e *protocolError) Error() string { return e.msg }

func errorCode(err error) string {
	var pe *protocolError
	switch {
	case errors.As(err, &pe):
		return "bad_request"
	case errors.Is(err, turn.ErrTurnInProgress):
		return "turn_in_progress"
	case errors.Is(err, turn.ErrNoModel):
		return "no_model"
	case errors.Is(err, turn.ErrEmptyPrompt):
		return "empty_prompt"
	case errors.Is(err, framework.ErrUnknownFramework):
		return "unknown_framework"
	case errors.Is(err, chatstore.ErrConversationNotFound):
		return "not_found"
	case errors.Is(err, chatstore.ErrReservedName), errors.Is(err, chatstore.ErrEmptyName):
		return "invalid_name"
	default:
		return "internal"
	}
}
