package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/antoniostano/voiced/internal/asr"
	"github.com/antoniostano/voiced/internal/auth"
	"github.com/antoniostano/voiced/internal/config"
	"github.com/antoniostano/voiced/internal/dialoglog"
	"github.com/antoniostano/voiced/internal/httpapi"
	"github.com/antoniostano/voiced/internal/llm"
	"github.com/antoniostano/voiced/internal/observability"
	"github.com/antoniostano/voiced/internal/persistence"
	"github.com/antoniostano/voiced/internal/session"
	"github.com/antoniostano/voiced/internal/tts"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ctx := context.Background()
	var store persistence.SummaryStore = persistence.NoopSummaryStore{}
	if cfg.DatabaseURL != "" {
		pg, err := persistence.NewPostgresSummaryStore(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("summary store init failed: %v", err)
		}
		defer pg.Close()
		store = pg
		log.Printf("summary store: postgres")
	} else {
		log.Printf("summary store: noop (DATABASE_URL unset)")
	}

	sessions := session.NewManager(cfg.SessionTTLAfterEnd)
	sessions.SetStore(store)
	sessions.SetExpireHook(func(snap session.Snapshot) {
		metrics.SessionEvents.WithLabelValues("expired").Inc()
		metrics.ActiveSessions.Set(float64(sessions.ActiveCount()))
		_ = snap
	})

	// ASR/TTS are modeled as narrow-contract collaborators (asr.Recognizer,
	// tts.Synthesizer); no concrete realtime engine is wired yet, so every
	// connection gets the deterministic mock implementations until a real
	// provider lands behind the same interfaces.
	newRecognizer := func() asr.Recognizer { return asr.NewMockRecognizer() }
	newSynthesizer := func() tts.Synthesizer { return tts.NewMockSynthesizer() }

	llmClient := llm.NewClient(llm.Config{
		BaseURL:     cfg.LLMBaseURL,
		APIKey:      cfg.LLMAPIKey,
		Model:       cfg.LLMModel,
		MaxTokens:   cfg.LLMMaxTokens,
		Temperature: cfg.LLMTemperature,
	})

	verifier := auth.NewVerifier(auth.Config{
		Secret:   cfg.JWTSecret,
		Issuer:   cfg.JWTIssuer,
		Audience: cfg.JWTAudience,
		Bypass:   cfg.JWTBypass,
	})

	dialogSink := dialoglog.New(cfg.ControlURL, cfg.InternalKey)

	api := httpapi.New(httpapi.Deps{
		Config:         cfg,
		Sessions:       sessions,
		Verifier:       verifier,
		Metrics:        metrics,
		DialogLog:      dialogSink,
		LLM:            llmClient,
		NewRecognizer:  newRecognizer,
		NewSynthesizer: newSynthesizer,
	})

	httpServer := &http.Server{
		Addr:    cfg.Host + ":" + strconv.Itoa(cfg.Port),
		Handler: api.Router(),
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	sessions.StartJanitor(runCtx, 5*time.Second)

	go func() {
		log.Printf("server listening on %s", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutdown signal received")

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}

	log.Printf("shutdown complete")
}
