package chatstore

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
)

// Reserved keys share the store namespace with conversations but hold
// settings. They are never listed and cannot be saved as conversations.
const (
	KeyHostAddress  = "host-address"
	KeySystemPrompt = "system-prompt"
)

// Transcript roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrReservedName         = errors.New("name is reserved")
	ErrEmptyName            = errors.New("conversation name is empty")
	ErrUnknownSetting       = errors.New("unknown setting")
)

// TranscriptEntry is one message of a saved conversation in source form.
type TranscriptEntry struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// ConversationRecord is a named snapshot of a chat. The JSON layout is the
// value stored under the conversation name.
type ConversationRecord struct {
	Name          string            `json:"-"`
	HistoryMarkup string            `json:"history"`
	ContextToken  json.RawMessage   `json:"context,omitempty"`
	SystemPrompt  string            `json:"system"`
	ModelName     string            `json:"model"`
	Framework     string            `json:"framework,omitempty"`
	Transcript    []TranscriptEntry `json:"transcript,omitempty"`
	UpdatedAtMs   int64             `json:"updated_at_ms,omitempty"`
}

// ConversationSummary is a list entry.
type ConversationSummary struct {
	Name        string `json:"name"`
	UpdatedAtMs int64  `json:"updated_at_ms"`
}

// ConversationStore persists named conversations and the two settings keys.
// Save replaces the whole record; there are no partial updates.
type ConversationStore interface {
	Save(ctx context.Context, record ConversationRecord) error
	Load(ctx context.Context, name string) (ConversationRecord, error)
	Delete(ctx context.Context, name string) error
	List(ctx context.Context) ([]ConversationSummary, error)
	GetSetting(ctx context.Context, key string) (string, bool, error)
	SetSetting(ctx context.Context, key string, value string) error
	Close() error
}

// IsReserved reports whether name is one of the settings keys.
func IsReserved(name string) bool {
	return name == KeyHostAddress || name == KeySystemPrompt
}

func validateName(name string) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", ErrEmptyName
	}
	if IsReserved(name) {
		return "", errors.Wrapf(ErrReservedName, "%q", name)
	}
	return name, nil
}

func validateSetting(key string) error {
	if !IsReserved(key) {
		return errors.Wrapf(ErrUnknownSetting, "%q", key)
	}
	return nil
}

func encodeRecord(record ConversationRecord) (string, error) {
	b, err := json.Marshal(record)
	if err != nil {
		return "", errors.Wrap(err, "encode conversation")
	}
	return string(b), nil
}

func decodeRecord(name, value string) (ConversationRecord, error) {
	var record ConversationRecord
	if err := json.Unmarshal([]byte(value), &record); err != nil {
		return ConversationRecord{}, errors.Wrapf(err, "decode conversation %q", name)
	}
	record.Name = name
	return record, nil
}
