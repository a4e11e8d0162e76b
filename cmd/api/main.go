package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	calendarapi "google.golang.org/api/calendar/v3"
	gmailapi "google.golang.org/api/gmail/v1"
	peopleapi "google.golang.org/api/people/v1"

	"concierge/api/internal/action"
	"concierge/api/internal/anchor"
	"concierge/api/internal/app"
	"concierge/api/internal/attach"
	"concierge/api/internal/authpw"
	"concierge/api/internal/config"
	"concierge/api/internal/contacts"
	"concierge/api/internal/draft"
	"concierge/api/internal/extract"
	"concierge/api/internal/search"
	"concierge/api/internal/session"
	"concierge/api/internal/store"
)

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("dotenv: %v", err)
	}

	cfg := config.Load()
	ctx := context.Background()

	deps := app.Deps{}

	// Storage: Postgres when configured, in-memory otherwise.
	var searchService *search.Service
	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		db, err := store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("database connection failed: %v", err)
		}
		defer db.Close()

		if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
			log.Fatalf("migrations failed: %v", err)
		}

		pg := store.NewPostgresStore(db)
		deps.Store = pg

		pgfts := search.NewPgFTS(db)
		var meiliClient *search.Meili
		if strings.TrimSpace(cfg.MeiliURL) != "" {
			meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		}
		searchService = search.NewService(meiliClient, pgfts)
		defer searchService.Close()
		if meiliClient != nil && meiliClient.Healthy() {
			if err := searchService.ReindexAllFromPG(ctx); err != nil {
				log.Printf("WARNING: search reindex failed: %v", err)
			}
		}
		deps.Search = searchService
	} else {
		log.Printf("DATABASE_URL not set, using in-memory storage (drafts are lost on restart)")
		deps.Store = store.NewMemoryStore()
	}

	// Anchors and refresh sessions: Redis when configured.
	if strings.TrimSpace(cfg.RedisURL) != "" {
		anchorStore, err := anchor.NewRedisStore(cfg.RedisURL, cfg.AnchorTTL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer anchorStore.Close()
		deps.Anchors = anchor.NewManager(anchorStore, deps.Store)

		sessionStore, err := session.NewRedisStore(cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer sessionStore.Close()
		deps.Sessions = sessionStore
	} else {
		log.Printf("REDIS_URL not set, anchors and sessions are in-memory")
		deps.Anchors = anchor.NewManager(anchor.NewMemoryStore(), deps.Store)
		deps.Sessions = session.NewMemoryStore()
	}

	deps.Passwords = authpw.NewService(cfg.PasswordHash)
	if !deps.Passwords.Configured() {
		log.Printf("CONCIERGE_PASSWORD_HASH not set, API runs without authentication")
	}

	// Attachment staging.
	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		attachments, err := attach.New(ctx, attach.Config{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			log.Fatalf("attachment storage failed: %v", err)
		}
		deps.Attachments = attachments
	}

	// Intent extraction.
	if strings.TrimSpace(cfg.GeminiAPIKey) != "" {
		extractor, err := extract.NewGemini(cfg.GeminiAPIKey, cfg.GeminiModel)
		if err != nil {
			log.Fatalf("gemini client failed: %v", err)
		}
		deps.Extractor = extractor
	} else {
		log.Printf("GEMINI_API_KEY not set, chat turns are disabled")
	}

	// Google executors: Gmail, Calendar, People contact resolution.
	if strings.TrimSpace(cfg.GoogleClientID) != "" {
		oauthCfg := &oauth2.Config{
			ClientID:     cfg.GoogleClientID,
			ClientSecret: cfg.GoogleClientSecret,
			RedirectURL:  cfg.GoogleRedirectURL,
			Endpoint:     google.Endpoint,
			Scopes: []string{
				gmailapi.GmailSendScope,
				calendarapi.CalendarEventsScope,
				peopleapi.ContactsReadonlyScope,
			},
		}
		tok, err := action.NewFileToken(cfg.GoogleTokenPath)
		if err != nil {
			log.Fatalf("google token store failed: %v", err)
		}
		if !tok.Configured() {
			log.Printf("WARNING: no Google OAuth token at %s, sends will fail until authorized", cfg.GoogleTokenPath)
		}
		executor := action.NewGoogle(oauthCfg, tok, cfg.GoogleCalendarID)
		var fetcher draft.AttachmentFetcher
		if deps.Attachments != nil {
			fetcher = deps.Attachments
		}
		deps.Bridge = draft.NewBridge(deps.Store, executor, fetcher, cfg.ExecuteTimeout)
		deps.Resolver = contacts.NewPeopleResolver(oauthCfg, tok)
	} else {
		log.Printf("GOOGLE_OAUTH_CLIENT_ID not set, draft execution is disabled")
	}

	service := app.New(cfg, deps)
	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Concierge API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
