package webchat

import (
	"encoding/json"
	"io/fs"
	"net/http"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/promptstorm/pkg/framework"
	"github.com/go-go-golems/promptstorm/pkg/ollama"
	"github.com/go-go-golems/promptstorm/pkg/persistence/chatstore"
	"github.com/go-go-golems/promptstorm/pkg/querystate"
)

// ModelsResponse is the body of GET /api/models.
type ModelsResponse struct {
	Models   []string `json:"models"`
	Selected string   `json:"selected,omitempty"`
	// Location is set when the requested location has to change to show the
	// selected model.
	Location string `json:"location,omitempty"`
}

// ModelsError is returned with 502 when the inference server is unreachable.
type ModelsError struct {
	Error   string `json:"error"`
	Host    string `json:"host"`
	Message string `json:"message"`
}

type FrameworkInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Builtin     bool   `json:"builtin"`
}

// Settings is the body of GET|PUT /api/settings.
type Settings struct {
	HostAddress  *string `json:"host_address,omitempty"`
	SystemPrompt *string `json:"system_prompt,omitempty"`
}

type conversationResponse struct {
	Name string `json:"name"`
	chatstore.ConversationRecord
}

func (s *Server) registerHandlers(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.HandleFunc("GET /api/models", s.handleModels)
	mux.HandleFunc("GET /api/frameworks", s.handleFrameworks)
	mux.HandleFunc("GET /api/conversations", s.handleListConversations)
	mux.HandleFunc("GET /api/conversations/{name}", s.handleGetConversation)
	mux.HandleFunc("DELETE /api/conversations/{name}", s.handleDeleteConversation)
	mux.HandleFunc("GET /api/settings", s.handleGetSettings)
	mux.HandleFunc("PUT /api/settings", s.handlePutSettings)
	mux.HandleFunc("GET /ws", s.handleWS)
	s.registerUIHandlers(mux)
}

func (s *Server) registerUIHandlers(mux *http.ServeMux) {
	logger := log.With().Str("component", "webchat").Logger()
	staticSub, err := fs.Sub(s.cfg.StaticFS, "static")
	if err != nil {
		logger.Warn().Err(err).Msg("static FS not usable; UI handler disabled")
		return
	}
	mux.Handle("GET /static/", http.StripPrefix("/static/", http.FileServer(http.FS(staticSub))))
	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, _ *http.Request) {
		b, err := fs.ReadFile(staticSub, "index.html")
		if err != nil {
			logger.Error().Err(err).Msg("index not found in embedded FS")
			http.Error(w, "index not found", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write(b)
	})
}

func (s *Server) handleModels(w http.ResponseWriter, req *http.Request) {
	models, err := s.cfg.Client.ListModels(req.Context())
	if err != nil {
		host := s.cfg.Client.Host()
		var ce *ollama.ConnectivityError
		if errors.As(err, &ce) && ce.Host != "" {
			host = ce.Host
		}
		log.Warn().Err(err).Str("component", "webchat").Str("host", host).Msg("model list failed")
		writeJSON(w, http.StatusBadGateway, ModelsError{
			Error:   err.Error(),
			Host:    host,
			Message: "PromptStorm was unable to communicate with " + host + " due to the following error:",
		})
		return
	}

	names := make([]string, 0, len(models))
	for _, m := range models {
		names = append(names, m.Name)
	}
	resp := ModelsResponse{Models: names}

	location := strings.TrimSpace(req.URL.Query().Get("location"))
	requested := querystate.ModelFrom(location)
	if selected, ok := querystate.Select(requested, names); ok {
		resp.Selected = selected
		if location != "" && selected != requested {
			if loc, err := querystate.WithModel(location, selected); err == nil {
				resp.Location = loc
			}
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleFrameworks(w http.ResponseWriter, _ *http.Request) {
	out := []FrameworkInfo{{Name: framework.None, Builtin: true}}
	if s.cfg.Frameworks != nil {
		for _, f := range s.cfg.Frameworks.List() {
			if f.Name == framework.None {
				continue
			}
			out = append(out, FrameworkInfo{Name: f.Name, Description: f.Description, Builtin: f.Builtin})
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleListConversations(w http.ResponseWriter, req *http.Request) {
	list, err := s.cfg.Store.List(req.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if list == nil {
		list = []chatstore.ConversationSummary{}
	}
	writeJSON(w, http.StatusOK, ConversationsPayload{Conversations: list})
}

func (s *Server) handleGetConversation(w http.ResponseWriter, req *http.Request) {
	rec, err := s.cfg.Store.Load(req.Context(), req.PathValue("name"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conversationResponse{Name: rec.Name, ConversationRecord: rec})
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, req *http.Request) {
	if err := s.cfg.Store.Delete(req.Context(), req.PathValue("name")); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetSettings(w http.ResponseWriter, req *http.Request) {
	host := s.cfg.Client.Host()
	out := Settings{HostAddress: &host}
	prompt, ok, err := s.cfg.Store.GetSetting(req.Context(), chatstore.KeySystemPrompt)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if ok {
		out.SystemPrompt = &prompt
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handlePutSettings(w http.ResponseWriter, req *http.Request) {
	var in Settings
	if err := json.NewDecoder(req.Body).Decode(&in); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorPayload{Message: "invalid settings body", Code: "bad_request"})
		return
	}
	if in.HostAddress != nil {
		host := ollama.NormalizeHost(*in.HostAddress)
		if err := s.cfg.Store.SetSetting(req.Context(), chatstore.KeyHostAddress, host); err != nil {
			writeStoreError(w, err)
			return
		}
		s.cfg.Client.SetHost(host)
		log.Info().Str("component", "webchat").Str("host", host).Msg("inference host changed")
	}
	if in.SystemPrompt != nil {
		if err := s.cfg.Store.SetSetting(req.Context(), chatstore.KeySystemPrompt, *in.SystemPrompt); err != nil {
			writeStoreError(w, err)
			return
		}
	}
	s.handleGetSettings(w, req)
}

func writeStoreError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	code := "store_error"
	switch {
	case errors.Is(err, chatstore.ErrConversationNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, chatstore.ErrReservedName), errors.Is(err, chatstore.ErrEmptyName):
		status, code = http.StatusBadRequest, "invalid_name"
	case errors.Is(err, chatstore.ErrUnknownSetting):
		status, code = http.StatusBadRequest, "unknown_setting"
	}
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Str("component", "webchat").Msg("store request failed")
	}
	writeJSON(w, status, ErrorPayload{Message: err.Error(), Code: code})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Str("component", "webchat").Msg("response write failed")
	}
}
