package httpserver

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/fairyhunter13/user-topic-pipeline/internal/domain"
	"github.com/fairyhunter13/user-topic-pipeline/internal/usecase"
)

// Server bundles the query services behind the HTTP handlers.
type Server struct {
	Topics usecase.TopicService
	Ops    usecase.OpsService
	Store  domain.Store
	Broker domain.Broker
}

// NewServer constructs a Server.
func NewServer(topics usecase.TopicService, ops usecase.OpsService, store domain.Store, broker domain.Broker) *Server {
	return &Server{Topics: topics, Ops: ops, Store: store, Broker: broker}
}

type userDTO struct {
	ID          string     `json:"id"`
	Username    string     `json:"username"`
	Name        string     `json:"name,omitempty"`
	Description string     `json:"description,omitempty"`
	Verified    bool       `json:"verified"`
	LastScraped *time.Time `json:"last_scraped,omitempty"`
}

type userTopicsResponse struct {
	Topics map[string][]userDTO `json:"topics"`
}

// UserTopicsHandler serves GET /v1/user-topics. Repeatable topic query
// params filter the result; no params returns every topic.
func (s *Server) UserTopicsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		byTopic, err := s.Topics.UsersByTopic(r.Context(), r.URL.Query()["topic"])
		if err != nil {
			LoggerFrom(r).Error("user topics query failed", slog.String("error", err.Error()))
			writeError(w, err)
			return
		}
		resp := userTopicsResponse{Topics: make(map[string][]userDTO, len(byTopic))}
		for topic, users := range byTopic {
			dtos := make([]userDTO, 0, len(users))
			for _, u := range users {
				dtos = append(dtos, userDTO{
					ID:          u.ID,
					Username:    u.Username,
					Name:        u.Name,
					Description: u.Description,
					Verified:    u.Verified,
					LastScraped: u.LastScraped,
				})
			}
			resp.Topics[topic] = dtos
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// QueueStatsHandler serves GET /v1/queues: depth of every pipeline queue
// and set, for operators and dashboards.
func (s *Server) QueueStatsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := s.Ops.QueueStats(r.Context())
		if err != nil {
			LoggerFrom(r).Error("queue stats failed", slog.String("error", err.Error()))
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"queues": stats})
	}
}

type readyCheck struct {
	Name    string `json:"name"`
	OK      bool   `json:"ok"`
	Details string `json:"details,omitempty"`
}

// ReadyzHandler pings the store and the broker.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := make([]readyCheck, 0, 2)
		allOK := true
		for name, ping := range map[string]func(domain.Context) error{
			"store":  s.Store.Ping,
			"broker": s.Broker.Ping,
		} {
			c := readyCheck{Name: name, OK: true}
			if err := ping(r.Context()); err != nil {
				c.OK = false
				c.Details = err.Error()
				allOK = false
			}
			checks = append(checks, c)
		}
		status := http.StatusOK
		if !allOK {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, map[string]any{"ok": allOK, "checks": checks})
	}
}
