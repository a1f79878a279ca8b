package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/studiolink/chat-backend/internal/broker"
	"github.com/studiolink/chat-backend/internal/chat"
	"github.com/studiolink/chat-backend/internal/config"
	"github.com/studiolink/chat-backend/internal/handlers"
	"github.com/studiolink/chat-backend/internal/supabase"
	"github.com/studiolink/chat-backend/internal/upload"
	"github.com/studiolink/chat-backend/internal/websocket"
)

func main() {
	// Load configuration from environment
	cfg := config.Load()

	// Wire collaborators: the hosted Supabase surfaces when configured,
	// in-process stand-ins otherwise.
	var (
		persist     chat.Persistence
		broadcaster chat.Broadcaster
		blobs       upload.BlobStore
	)
	if cfg.SupabaseURL != "" {
		sb := supabase.NewClient(cfg)
		defer sb.Close()
		persist = sb
		broadcaster = sb.Broadcaster()
		blobs = sb
		log.Printf("Using Supabase project at %s (bucket %q)", cfg.SupabaseURL, cfg.StorageBucket)
	} else {
		persist = broker.NewStore()
		broadcaster = broker.NewMemory()
		blobs = broker.NewBlobs()
		log.Println("Using in-memory storage (development mode)")
	}

	pipeline := upload.NewPipeline(blobs, cfg.MaxUploadBytes, cfg.SignedURLTTL)
	manager := chat.NewSessionManager(persist, broadcaster, pipeline, cfg.TypingTTL)

	// Initialize handlers
	conversationHandler := handlers.NewConversationHandler(manager)
	messageHandler := handlers.NewMessageHandler(persist)
	attachmentHandler := handlers.NewAttachmentHandler(pipeline)

	// WebSocket hub for live sessions
	hub := websocket.NewHub()
	go hub.Run()
	wsHandler := websocket.NewHandler(hub, manager)

	// Set up router with middleware
	r := chi.NewRouter()

	// Middleware stack
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)

	// CORS configuration - reads from CORS_ORIGINS env var
	// Format: comma-separated list of origins
	corsOrigins := getCorsOrigins()
	log.Printf("CORS allowed origins: %v", corsOrigins)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-User-Id", "X-User-Name"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health and metrics endpoints
	r.Get("/health", handlers.HealthCheck)
	r.Method("GET", "/metrics", promhttp.Handler())

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Route("/conversations", func(r chi.Router) {
			r.Get("/", conversationHandler.ListConversations)
			r.Post("/", conversationHandler.CreateConversation)
			// Message endpoints for polling fallback
			r.Get("/{id}/messages", messageHandler.GetMessages)
			r.Post("/{id}/messages", messageHandler.SendMessage)
			r.Patch("/{id}/messages/{messageID}", messageHandler.EditMessage)
			r.Delete("/{id}/messages/{messageID}", messageHandler.DeleteMessage)
			r.Post("/{id}/attachments", attachmentHandler.Upload)
		})
	})

	// Live sessions
	r.Get("/ws/conversations/{id}", wsHandler.ServeWS)

	// Start server
	addr := fmt.Sprintf(":%s", cfg.ServerPort)
	log.Printf("Chat backend starting on %s", addr)
	log.Fatal(http.ListenAndServe(addr, r))
}

// getCorsOrigins returns allowed CORS origins from environment or defaults
func getCorsOrigins() []string {
	originsEnv := os.Getenv("CORS_ORIGINS")
	if originsEnv == "" {
		// Default to localhost for development
		return []string{"http://localhost:5173", "http://localhost:3000"}
	}

	// Split comma-separated origins and trim whitespace
	origins := strings.Split(originsEnv, ",")
	for i, origin := range origins {
		origins[i] = strings.TrimSpace(origin)
	}
	return origins
}
