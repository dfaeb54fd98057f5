package chatstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// InMemoryConversationStore mirrors the SQLite store without durability.
// Records are kept encoded so loads return independent copies.
type InMemoryConversationStore struct {
	mu       sync.Mutex
	records  map[string]string
	updated  map[string]int64
	settings map[string]string
}

var _ ConversationStore = &InMemoryConversationStore{}

func NewInMemoryConversationStore() *InMemoryConversationStore {
	return &InMemoryConversationStore{
		records:  map[string]string{},
		updated:  map[string]int64{},
		settings: map[string]string{},
	}
}

func (s *InMemoryConversationStore) Close() error { return nil }

func (s *InMemoryConversationStore) Save(_ context.Context, record ConversationRecord) error {
	name, err := validateName(record.Name)
	if err != nil {
		return err
	}
	if record.UpdatedAtMs == 0 {
		record.UpdatedAtMs = time.Now().UnixMilli()
	}
	value, err := encodeRecord(record)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[name] = value
	s.updated[name] = record.UpdatedAtMs
	return nil
}

func (s *InMemoryConversationStore) Load(_ context.Context, name string) (ConversationRecord, error) {
	name, err := validateName(name)
	if err != nil {
		return ConversationRecord{}, err
	}
	s.mu.Lock()
	value, ok := s.records[name]
	s.mu.Unlock()
	if !ok {
		return ConversationRecord{}, errors.Wrapf(ErrConversationNotFound, "%q", name)
	}
	return decodeRecord(name, value)
}

func (s *InMemoryConversationStore) Delete(_ context.Context, name string) error {
	name, err := validateName(name)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[name]; !ok {
		return errors.Wrapf(ErrConversationNotFound, "%q", name)
	}
	delete(s.records, name)
	delete(s.updated, name)
	return nil
}

func (s *InMemoryConversationStore) List(_ context.Context) ([]ConversationSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ConversationSummary, 0, len(s.records))
	for name := range s.records {
		out = append(out, ConversationSummary{Name: name, UpdatedAtMs: s.updated[name]})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *InMemoryConversationStore) GetSetting(_ context.Context, key string) (string, bool, error) {
	if err := validateSetting(key); err != nil {
		return "", false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.settings[key]
	return v, ok, nil
}

func (s *InMemoryConversationStore) SetSetting(_ context.Context, key string, value string) error {
	if err := validateSetting(key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings[key] = value
	return nil
}
