package app

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/yiwugan/chatagent-ws/internal/authority"
	"github.com/yiwugan/chatagent-ws/internal/config"
	"github.com/yiwugan/chatagent-ws/internal/dialogue"
	"github.com/yiwugan/chatagent-ws/internal/gateway"
	"github.com/yiwugan/chatagent-ws/internal/history"
	"github.com/yiwugan/chatagent-ws/internal/httpapi"
	"github.com/yiwugan/chatagent-ws/internal/language"
	"github.com/yiwugan/chatagent-ws/internal/observability"
	"github.com/yiwugan/chatagent-ws/internal/recognition"
	"github.com/yiwugan/chatagent-ws/internal/synthesis"
)

type BuildResult struct {
	Config     config.Config
	API        *httpapi.Server
	Controller *gateway.Controller
	Metrics    *observability.Metrics

	// Cleanup should be called on shutdown to release external resources.
	Cleanup func() error
}

// Build assembles the gateway from configuration: the shared Redis store,
// the session authority, the dialogue, recognition and synthesis backends,
// and the HTTP/WebSocket surface on top of them.
func Build(ctx context.Context, cfg config.Config) (*BuildResult, error) {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err := rdb.Ping(pingCtx).Err()
	cancel()
	if err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", cfg.RedisAddr, err)
	}

	auth := authority.New(rdb, cfg.TokenExpiry, cfg.MaxRequestsPerMinute)

	historyStore, err := history.NewStore(ctx, rdb, cfg.HistoryTTL, cfg.DatabaseURL)
	if err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("history store init failed: %w", err)
	}

	chat, speech, err := resolveDialogue(cfg)
	if err != nil {
		_ = historyStore.Close()
		_ = rdb.Close()
		return nil, err
	}

	recognizer, err := resolveRecognizer(cfg)
	if err != nil {
		_ = historyStore.Close()
		_ = rdb.Close()
		return nil, err
	}

	synth, err := resolveSynthesizer(cfg)
	if err != nil {
		_ = historyStore.Close()
		_ = rdb.Close()
		return nil, err
	}
	dispatcher := synthesis.NewDispatcher(synth, cfg.SynthesisEncoding)
	dispatcher.OnLatency = metrics.ObserveSynthesisLatency

	languages := language.NewTable(cfg.VoiceOverrides)
	log.Printf("synthesis languages: %s", strings.Join(languages.Names(), ", "))

	controller := gateway.NewController(gateway.ControllerConfig{
		Authority:         auth,
		Chat:              chat,
		Speech:            speech,
		Recognizer:        recognizer,
		Dispatcher:        dispatcher,
		History:           historyStore,
		Languages:         languages,
		Metrics:           metrics,
		DefaultVoice:      cfg.DefaultVoice,
		IdleTimeout:       cfg.IdleTimeout,
		IdleCheckInterval: cfg.IdleCheckInterval,
		AudioQueueLength:  cfg.AudioQueueLength,
	})

	ready := func(ctx context.Context) error {
		return rdb.Ping(ctx).Err()
	}
	api := httpapi.New(cfg, auth, controller, metrics, ready)

	cleanup := func() error {
		err := historyStore.Close()
		if cerr := rdb.Close(); cerr != nil && err == nil {
			err = cerr
		}
		return err
	}

	return &BuildResult{
		Config:     cfg,
		API:        api,
		Controller: controller,
		Metrics:    metrics,
		Cleanup:    cleanup,
	}, nil
}

func resolveDialogue(cfg config.Config) (chat, speech dialogue.Client, err error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.DialogueMode))
	if mode == "" {
		mode = "auto"
	}

	useHTTP := func() (dialogue.Client, dialogue.Client) {
		base := strings.TrimRight(cfg.DialogueBaseURL, "/")
		c := dialogue.NewHTTPClient(base+"/api/chat/streaming", cfg.DialogueAPIKey)
		c.SetTimeout(cfg.DialogueTimeout)
		s := dialogue.NewHTTPClient(base+"/api/speech/streaming", cfg.DialogueAPIKey)
		s.SetTimeout(cfg.DialogueTimeout)
		log.Printf("dialogue backend: http (%s)", base)
		return c, s
	}

	switch mode {
	case "http":
		if cfg.DialogueBaseURL == "" {
			return nil, nil, fmt.Errorf("APP_DIALOGUE_MODE=http but APP_API_BASE_URL is not set")
		}
		chat, speech = useHTTP()
	case "mock":
		m := dialogue.NewMockClient()
		chat, speech = m, m
		log.Printf("dialogue backend: mock")
	case "auto":
		if cfg.DialogueBaseURL != "" {
			chat, speech = useHTTP()
		} else {
			m := dialogue.NewMockClient()
			chat, speech = m, m
			log.Printf("dialogue backend: mock (no APP_API_BASE_URL)")
		}
	default:
		return nil, nil, fmt.Errorf("invalid APP_DIALOGUE_MODE: %q (expected auto|http|mock)", cfg.DialogueMode)
	}
	return chat, speech, nil
}

func resolveRecognizer(cfg config.Config) (recognition.Recognizer, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.RecognitionMode))
	if mode == "" {
		mode = "auto"
	}

	switch mode {
	case "deepgram":
		if cfg.DeepgramAPIKey == "" {
			return nil, fmt.Errorf("APP_RECOGNITION_MODE=deepgram but DEEPGRAM_API_KEY is not set")
		}
		log.Printf("recognition backend: deepgram (%s)", cfg.DeepgramModel)
		return recognition.NewDeepgramRecognizer(cfg.DeepgramAPIKey, cfg.DeepgramModel, ""), nil
	case "mock":
		log.Printf("recognition backend: mock")
		return recognition.NewMockRecognizer(), nil
	case "auto":
		if cfg.DeepgramAPIKey != "" {
			log.Printf("recognition backend: deepgram (%s)", cfg.DeepgramModel)
			return recognition.NewDeepgramRecognizer(cfg.DeepgramAPIKey, cfg.DeepgramModel, ""), nil
		}
		log.Printf("recognition backend: mock (no DEEPGRAM_API_KEY)")
		return recognition.NewMockRecognizer(), nil
	default:
		return nil, fmt.Errorf("invalid APP_RECOGNITION_MODE: %q (expected auto|deepgram|mock)", cfg.RecognitionMode)
	}
}

func resolveSynthesizer(cfg config.Config) (synthesis.Synthesizer, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.SynthesisMode))
	if mode == "" {
		mode = "auto"
	}

	switch mode {
	case "http":
		if cfg.SynthesisURL == "" {
			return nil, fmt.Errorf("APP_SYNTHESIS_MODE=http but APP_SYNTHESIS_URL is not set")
		}
		log.Printf("synthesis backend: http (%s)", cfg.SynthesisURL)
		return synthesis.NewHTTPSynthesizer(cfg.SynthesisURL, cfg.SynthesisAPIKey), nil
	case "mock":
		log.Printf("synthesis backend: mock")
		return synthesis.NewMockSynthesizer(), nil
	case "auto":
		if cfg.SynthesisURL != "" {
			log.Printf("synthesis backend: http (%s)", cfg.SynthesisURL)
			return synthesis.NewHTTPSynthesizer(cfg.SynthesisURL, cfg.SynthesisAPIKey), nil
		}
		log.Printf("synthesis backend: mock (no APP_SYNTHESIS_URL)")
		return synthesis.NewMockSynthesizer(), nil
	default:
		return nil, fmt.Errorf("invalid APP_SYNTHESIS_MODE: %q (expected auto|http|mock)", cfg.SynthesisMode)
	}
}
