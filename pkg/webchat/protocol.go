package webchat

import (
	"github.com/go-go-golems/promptstorm/pkg/persistence/chatstore"
	"github.com/go-go-golems/promptstorm/pkg/turn"
)

// Client -> server message types.
const (
	MsgSubmit      = "submit"
	MsgStop        = "stop"
	MsgNewChat     = "new_chat"
	MsgSave        = "save"
	MsgLoad        = "load"
	MsgDelete      = "delete"
	MsgSelectModel = "select_model"
	MsgSettings    = "settings"
	MsgPing        = "ping"
)

// Server -> client event types.
const (
	EvHello         = "hello"
	EvTurnStarted   = "turn.started"
	EvTurnRender    = "turn.render"
	EvTurnBusy      = "turn.busy"
	EvTurnCopy      = "turn.copy"
	EvTurnState     = "turn.state"
	EvHistory       = "history"
	EvConversations = "conversations"
	EvLocation      = "location"
	EvError         = "error"
	EvPong          = "pong"
)

// ClientMessage is any message the page sends over the websocket. Fields not
// used by a type are ignored.
type ClientMessage struct {
	Type         string  `json:"type"`
	Prompt       string  `json:"prompt,omitempty"`
	Model        string  `json:"model,omitempty"`
	SystemPrompt *string `json:"system_prompt,omitempty"`
	Framework    string  `json:"framework,omitempty"`
	Name         string  `json:"name,omitempty"`
	Location     string  `json:"location,omitempty"`
}

type HelloPayload struct {
	SessionID string        `json:"session_id"`
	Settings  turn.Settings `json:"settings"`
	Busy      bool          `json:"busy"`
	History   string        `json:"history,omitempty"`
}

type TurnStartedPayload struct {
	Prompt     string `json:"prompt"`
	PromptHTML string `json:"prompt_html"`
}

type RenderPayload struct {
	HTML string `json:"html"`
}

type BusyPayload struct {
	Busy bool `json:"busy"`
}

type CopyPayload struct {
	Text string `json:"text"`
}

type StatePayload struct {
	State turn.State `json:"state"`
	Error string     `json:"error,omitempty"`
}

type HistoryPayload struct {
	HTML     string        `json:"html"`
	Settings turn.Settings `json:"settings"`
	Name     string        `json:"name,omitempty"`
}

type ConversationsPayload struct {
	Conversations []chatstore.ConversationSummary `json:"conversations"`
}

type LocationPayload struct {
	URL string `json:"url"`
}

type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}
