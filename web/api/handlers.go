package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hochfrequenz/claude-cycle-orchestrator/internal/config"
	"github.com/hochfrequenz/claude-cycle-orchestrator/internal/issues"
	"github.com/hochfrequenz/claude-cycle-orchestrator/internal/registry"
	"github.com/hochfrequenz/claude-cycle-orchestrator/internal/roster"
	"github.com/hochfrequenz/claude-cycle-orchestrator/internal/runner"
)

const (
	defaultLogLines = 100
	wsWriteWait     = 10 * time.Second
	wsPingPeriod    = 30 * time.Second
)

// LogsResponse is the API response for recent runner log lines
type LogsResponse struct {
	Project string   `json:"project"`
	Lines   []string `json:"lines"`
}

// ActionResponse is the API response for a control action
type ActionResponse struct {
	Project string `json:"project"`
	Action  string `json:"action"`
	Running bool   `json:"running"`
	Paused  bool   `json:"paused"`
}

// ConfigErrorResponse lists the fields a config write rejected
type ConfigErrorResponse struct {
	Error  string   `json:"error"`
	Fields []string `json:"fields"`
}

// project resolves the {id} path value, writing a 404 when it is unknown
func (s *Server) project(w http.ResponseWriter, r *http.Request) (*runner.Runner, bool) {
	rn, err := s.registry.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return nil, false
	}
	return rn, true
}

func queryInt(r *http.Request, key string, fallback int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%s must be a positive integer", key)
	}
	return n, nil
}

func (s *Server) globalStatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, s.registry.Status(r.Context()))
	}
}

func (s *Server) statusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rn, ok := s.project(w, r)
		if !ok {
			return
		}
		writeJSON(w, rn.Status(r.Context()))
	}
}

func (s *Server) logsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rn, ok := s.project(w, r)
		if !ok {
			return
		}
		n, err := queryInt(r, "lines", defaultLogLines)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, LogsResponse{Project: rn.ID(), Lines: rn.Logs().Lines(n)})
	}
}

// logsWebSocketHandler sends the recent backlog, then every new log line as a text frame
func (s *Server) logsWebSocketHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rn, ok := s.project(w, r)
		if !ok {
			return
		}
		n, err := queryInt(r, "lines", defaultLogLines)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.log.Warn("websocket upgrade failed", "project", rn.ID(), "error", err)
			return
		}
		defer conn.Close()

		lines, cancel := rn.Logs().Subscribe()
		defer cancel()

		// the reader only exists to notice the client going away
		closed := make(chan struct{})
		go func() {
			defer close(closed)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
						s.log.Debug("log tail closed", "project", rn.ID(), "error", err)
					}
					return
				}
			}
		}()

		send := func(msgType int, data []byte) error {
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			return conn.WriteMessage(msgType, data)
		}

		for _, line := range rn.Logs().Lines(n) {
			if err := send(websocket.TextMessage, []byte(line)); err != nil {
				return
			}
		}

		ping := time.NewTicker(wsPingPeriod)
		defer ping.Stop()
		for {
			select {
			case <-closed:
				return
			case <-r.Context().Done():
				return
			case <-ping.C:
				if err := send(websocket.PingMessage, nil); err != nil {
					return
				}
			case line, ok := <-lines:
				if !ok {
					return
				}
				if err := send(websocket.TextMessage, []byte(line)); err != nil {
					return
				}
			}
		}
	}
}

func (s *Server) listAgentsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rn, ok := s.project(w, r)
		if !ok {
			return
		}
		writeJSON(w, rn.Agents())
	}
}

func (s *Server) getAgentHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rn, ok := s.project(w, r)
		if !ok {
			return
		}
		detail, err := rn.Agent(r.Context(), r.PathValue("name"))
		if errors.Is(err, roster.ErrUnknownAgent) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, detail)
	}
}

func (s *Server) getConfigHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rn, ok := s.project(w, r)
		if !ok {
			return
		}
		writeJSON(w, rn.Config().Document())
	}
}

// putConfigHandler replaces the project config. A document with any invalid field is
// rejected as a whole so the API never silently substitutes defaults.
func (s *Server) putConfigHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rn, ok := s.project(w, r)
		if !ok {
			return
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, maxConfigBody))
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		cfg, errs := config.ParseProjectJSON(body)
		if len(errs) > 0 {
			resp := ConfigErrorResponse{Error: "invalid project config"}
			for _, e := range errs {
				resp.Fields = append(resp.Fields, e.Error())
			}
			writeJSONStatus(w, http.StatusBadRequest, resp)
			return
		}

		if err := rn.SaveConfig(cfg); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		s.log.Info("project config updated", "project", rn.ID())
		writeJSON(w, rn.Config().Document())
	}
}

func issueQuery(r *http.Request) (issues.Query, error) {
	limit, err := queryInt(r, "limit", issues.DefaultLimit)
	if err != nil {
		return issues.Query{}, err
	}
	return issues.Query{
		State: r.URL.Query().Get("state"),
		Label: r.URL.Query().Get("label"),
		Limit: limit,
	}, nil
}

func (s *Server) writeFetchError(w http.ResponseWriter, err error) {
	if errors.Is(err, issues.ErrNoRepo) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeError(w, http.StatusBadGateway, err.Error())
}

func (s *Server) issuesHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rn, ok := s.project(w, r)
		if !ok {
			return
		}
		q, err := issueQuery(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		list, err := s.NewFetcher(rn.Config().TrackerRepo).ListIssues(r.Context(), q)
		if err != nil {
			s.writeFetchError(w, err)
			return
		}
		writeJSON(w, list)
	}
}

func (s *Server) pullRequestsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rn, ok := s.project(w, r)
		if !ok {
			return
		}
		q, err := issueQuery(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		list, err := s.NewFetcher(rn.Config().TrackerRepo).ListPullRequests(r.Context(), q)
		if err != nil {
			s.writeFetchError(w, err)
			return
		}
		writeJSON(w, list)
	}
}

// actionHandler dispatches pause, resume, skip, start, stop and bootstrap
func (s *Server) actionHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rn, ok := s.project(w, r)
		if !ok {
			return
		}
		id := rn.ID()
		action := r.PathValue("action")

		var err error
		switch action {
		case "pause":
			reason := strings.TrimSpace(r.URL.Query().Get("reason"))
			if reason == "" {
				reason = "paused via API"
			}
			rn.Pause(reason)
		case "resume":
			rn.Resume()
		case "skip":
			rn.Skip()
		case "start":
			err = s.registry.StartProject(id)
		case "stop":
			err = s.registry.StopProject(id)
		case "bootstrap":
			err = rn.Bootstrap()
		default:
			writeError(w, http.StatusNotFound, fmt.Sprintf("unknown action %q", action))
			return
		}

		switch {
		case errors.Is(err, runner.ErrRunning):
			writeError(w, http.StatusConflict, err.Error())
			return
		case errors.Is(err, registry.ErrProjectNotFound):
			writeError(w, http.StatusNotFound, err.Error())
			return
		case err != nil:
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		s.log.Info("control action", "project", id, "action", action)
		writeJSON(w, ActionResponse{
			Project: id,
			Action:  action,
			Running: rn.Running(),
			Paused:  rn.State().IsPaused,
		})
	}
}
