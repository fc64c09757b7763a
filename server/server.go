// Package server exposes the worker over HTTP: platform triggers and
// UI messages under /_worker, an event stream of broadcast messages,
// and every other request intercepted by the worker.
package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	offlinesync "github.com/always-cache/offline-sync"
	"github.com/always-cache/offline-sync/broadcast"
)

// Prefix of the worker control routes.
const Prefix = "/_worker"

// Maximum size of trigger and message bodies.
const maxBodyBytes = 1 << 20

type Config struct {
	Worker *offlinesync.Worker
	// Source of the event stream. No event stream if nil.
	Hub    *broadcast.Hub
	Logger zerolog.Logger
	// Interval of keep-alive comments on the event stream. 15s if zero.
	Heartbeat time.Duration
}

type server struct {
	worker    *offlinesync.Worker
	hub       *broadcast.Hub
	log       zerolog.Logger
	heartbeat time.Duration
}

// New returns the HTTP handler of the worker.
func New(config Config) http.Handler {
	s := &server{
		worker:    config.Worker,
		hub:       config.Hub,
		log:       config.Logger.With().Str("component", "server").Logger(),
		heartbeat: config.Heartbeat,
	}
	if s.heartbeat <= 0 {
		s.heartbeat = 15 * time.Second
	}

	r := chi.NewRouter()
	r.Route(Prefix, func(r chi.Router) {
		r.Use(middleware.RequestID)
		r.Use(s.logRequests)
		r.Use(middleware.Recoverer)

		r.Post("/lifecycle/install", s.install)
		r.Post("/lifecycle/activate", s.activate)
		r.Post("/sync/{tag}", s.trigger(offlinesync.KindSync))
		r.Post("/periodic/{tag}", s.trigger(offlinesync.KindPeriodicSync))
		r.Post("/push", s.push)
		r.Post("/notifications/click", s.notificationClick)
		r.Post("/messages", s.message)
		if s.hub != nil {
			r.Get("/events", s.events)
		}
		r.NotFound(func(w http.ResponseWriter, r *http.Request) {
			writeError(w, fmt.Errorf("%w: no route %s %s", offlinesync.ErrBadRequest, r.Method, r.URL.Path), http.StatusNotFound)
		})
		r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
			writeError(w, fmt.Errorf("%w: method %s not allowed", offlinesync.ErrBadRequest, r.Method), http.StatusMethodNotAllowed)
		})
	})
	// everything else is intercepted
	r.NotFound(s.worker.ServeHTTP)
	r.MethodNotAllowed(s.worker.ServeHTTP)
	return r
}

func (s *server) install(w http.ResponseWriter, r *http.Request) {
	if err := s.worker.Install(r.Context()); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type activateReply struct {
	Deleted []string `json:"deleted"`
}

func (s *server) activate(w http.ResponseWriter, r *http.Request) {
	res, err := s.worker.Dispatch(r.Context(), offlinesync.Event{Kind: offlinesync.KindActivate})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	deleted, _ := res.Reply.([]string)
	writeJSON(w, http.StatusOK, activateReply{Deleted: deleted})
}

// trigger dispatches a tagged trigger of the given kind.
func (s *server) trigger(kind offlinesync.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := s.worker.Dispatch(r.Context(), offlinesync.Event{Kind: kind, Tag: chi.URLParam(r, "tag")})
		if err != nil {
			s.fail(w, r, err)
			return
		}
		s.reply(w, res.Reply)
	}
}

func (s *server) push(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		s.fail(w, r, fmt.Errorf("%w: %w", offlinesync.ErrBadRequest, err))
		return
	}
	res, err := s.worker.Dispatch(r.Context(), offlinesync.Event{Kind: offlinesync.KindPush, Payload: payload})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.reply(w, res.Reply)
}

type notificationClick struct {
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data"`
}

func (s *server) notificationClick(w http.ResponseWriter, r *http.Request) {
	var click notificationClick
	if err := decode(w, r, &click); err != nil {
		s.fail(w, r, err)
		return
	}
	res, err := s.worker.Dispatch(r.Context(), offlinesync.Event{
		Kind:   offlinesync.KindNotificationClick,
		Action: click.Action,
		Data:   click.Data,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.reply(w, res.Reply)
}

func (s *server) message(w http.ResponseWriter, r *http.Request) {
	var msg offlinesync.Message
	if err := decode(w, r, &msg); err != nil {
		s.fail(w, r, err)
		return
	}
	reply, err := s.worker.HandleMessage(r.Context(), msg)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.reply(w, reply)
}

func (s *server) reply(w http.ResponseWriter, reply any) {
	if reply == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

func (s *server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := offlinesync.HTTPStatus(err)
	log := s.log.Warn()
	if status >= http.StatusInternalServerError {
		log = s.log.Error()
	}
	log.Err(err).
		Str("requestId", middleware.GetReqID(r.Context())).
		Str("path", r.URL.Path).
		Int("status", status).
		Msg("Trigger failed")
	writeError(w, err, status)
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %w", offlinesync.ErrBadRequest, err)
	}
	return nil
}

type errorReply struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, err error, status int) {
	writeJSON(w, status, errorReply{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// logRequests logs every control request once it has been served.
func (s *server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			s.log.Debug().
				Str("requestId", middleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("took", time.Since(start)).
				Msg("Served control request")
		}()
		next.ServeHTTP(ww, r)
	})
}
