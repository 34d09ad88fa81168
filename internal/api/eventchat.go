package api

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/gorilla/handlers"

	"github.com/eventchat/go-eventchat/internal/config"
	"github.com/eventchat/go-eventchat/internal/server"
	"github.com/eventchat/go-eventchat/internal/store"
)

type EventChatApp struct {
	log            *log.Logger
	store          store.MessageStore
	mux            *http.Server
	cs             *server.ChatServer
	allowedOrigins []string
}

func NewEventChatApp(mux *http.ServeMux, logger *log.Logger, cs *server.ChatServer, st store.MessageStore, cfg *config.Config) *EventChatApp {
	s := &EventChatApp{
		log:            logger,
		store:          st,
		cs:             cs,
		allowedOrigins: cfg.AllowedOrigins,
	}

	mux.HandleFunc("GET /api/messages/{room}", s.getMessages)
	mux.HandleFunc("GET /api/health", s.health)
	mux.HandleFunc("GET /api/diagnostics", s.diagnostics)
	mux.HandleFunc("GET /ws", s.serveWs)

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept"}),
		handlers.AllowCredentials(),
	)(mux)

	h = s.errorHandler(h)

	srv := &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: h,
	}

	s.mux = srv
	return s
}

func (s *EventChatApp) Start() error {
	s.log.Printf("starting server on %s\n", s.mux.Addr)
	return s.mux.ListenAndServe()
}

func (s *EventChatApp) Shutdown(ctx context.Context) error {
	s.log.Println("shutting down HTTP server...")
	if err := s.mux.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}
