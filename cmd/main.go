package main

import (
	"context"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"chat-memory/handler"
	"chat-memory/internal/config"
	"chat-memory/internal/conversation"
	"chat-memory/internal/integrations/identity"
	"chat-memory/internal/integrations/openai"
	"chat-memory/internal/integrations/paramstore"
	"chat-memory/internal/repository"
	"chat-memory/internal/resolver"
	"chat-memory/internal/usecase"
)

const startupProbeTimeout = 5 * time.Second

func main() {
	ctx := context.Background()

	// ---- Configuration (read only here) ----
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	logger := log.Logger

	// ---- AWS SDK config ----
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		fatal(logger, err, "failed to load AWS config")
	}

	// ---- Storage ----
	var primary repository.Store
	if cfg.Store.Table != "" {
		dynamoClient := awsdynamodb.NewFromConfig(awsCfg, func(o *awsdynamodb.Options) {
			if cfg.Store.Endpoint != "" {
				o.BaseEndpoint = aws.String(cfg.Store.Endpoint)
			}
		})
		stateClient, err := repository.New(dynamoClient, cfg.Store.Table)
		if err != nil {
			fatal(logger, err, "failed to create state client")
		}
		primary = stateClient
	}
	probeCtx, cancel := context.WithTimeout(ctx, startupProbeTimeout)
	store := repository.NewFailover(probeCtx, primary, repository.NewMemory(), logger.With().Str("component", "store").Logger())
	cancel()
	logger.Info().Str("mode", store.Mode()).Msg("storage ready")

	var shared resolver.Cache
	if cfg.Redis.Addr != "" {
		redisCache, err := resolver.NewRedisCache(ctx, resolver.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			TTL:      cfg.Redis.TTL,
		})
		if err != nil {
			// The process-local cache still works.
			logger.Warn().Err(err).Msg("shared owner cache unavailable")
		} else {
			shared = redisCache
		}
	}
	owners, err := resolver.New(store, shared, logger.With().Str("component", "resolver").Logger())
	if err != nil {
		fatal(logger, err, "failed to create resolver")
	}

	// ---- Conversation memory ----
	memLogger := logger.With().Str("component", "conversation").Logger()
	sessions, err := conversation.NewSessionStore(store, cfg.Memory.SessionTTL, memLogger)
	if err != nil {
		fatal(logger, err, "failed to create session store")
	}
	messages, err := conversation.NewMessageLog(store, owners, cfg.Memory.MaxContentBytes, cfg.Memory.Retention, memLogger)
	if err != nil {
		fatal(logger, err, "failed to create message log")
	}
	window, err := conversation.NewWindow(store, messages, owners, cfg.Memory.WindowSize, cfg.Memory.Retention, memLogger)
	if err != nil {
		fatal(logger, err, "failed to create conversation window")
	}
	directory, err := conversation.NewDirectory(store, owners, cfg.Memory.Retention, memLogger)
	if err != nil {
		fatal(logger, err, "failed to create conversation directory")
	}
	stats, err := conversation.NewStatsAggregator(store, memLogger)
	if err != nil {
		fatal(logger, err, "failed to create stats aggregator")
	}

	// ---- Clients ----
	ssmClient, err := paramstore.New(awsssm.NewFromConfig(awsCfg))
	if err != nil {
		fatal(logger, err, "failed to create SSM client")
	}
	identityClient, err := identity.NewClient(ssmClient, cfg.Services.ParamPrefix, cfg.Services.IdentityURL)
	if err != nil {
		fatal(logger, err, "failed to create identity client")
	}
	openaiClient, err := openai.NewClient(ssmClient, cfg.Services.ParamPrefix, openai.WithBaseURL(cfg.Services.OpenAIBaseURL))
	if err != nil {
		fatal(logger, err, "failed to create OpenAI client")
	}

	// ---- Handler ----
	worker := usecase.NewWorker(cfg.Worker.Count, cfg.Worker.Queue, logger.With().Str("component", "worker").Logger())
	svc, err := usecase.NewService(usecase.Components{
		Sessions:  sessions,
		Messages:  messages,
		Window:    window,
		Directory: directory,
		Stats:     stats,
	}, identityClient, openaiClient, ssmClient, worker, cfg.Services.ParamPrefix, cfg.Memory.ContextLimit, logger)
	if err != nil {
		fatal(logger, err, "failed to create chat memory service")
	}

	h, err := handler.NewHandler(svc)
	if err != nil {
		fatal(logger, err, "failed to create handler")
	}

	lambda.Start(h.Handle)
}

func fatal(logger zerolog.Logger, err error, msg string) {
	logger.Error().Err(err).Msg(msg)
	os.Exit(1)
}
