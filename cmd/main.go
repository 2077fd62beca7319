package main

import (
	"context"
	"database/sql"
	"log/slog"
	"net/url"
	"os"
	"strconv"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	_ "github.com/lib/pq"

	"risk-coach/handler"
	"risk-coach/internal/config"
	"risk-coach/internal/conversation"
	"risk-coach/internal/integrations/gemini"
	"risk-coach/internal/integrations/openai"
	"risk-coach/internal/integrations/paramstore"
	"risk-coach/internal/llm"
	"risk-coach/internal/repository"
	"risk-coach/internal/usecase"
)

func main() {
	ctx := context.Background()

	// ---- Configuration (read only here) ----
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	logger, closeLog := config.SetupLogger(cfg.LogFile, cfg.LogLevel)
	defer func() { _ = closeLog() }()
	slog.SetDefault(logger)

	// ---- AWS SDK config ----
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		fatal(logger, "failed to load AWS config", err)
	}

	// ---- Postgres ----
	db, err := sql.Open("postgres", withConnectTimeout(cfg.DatabaseURL, cfg.DBConnectTimeout.Seconds()))
	if err != nil {
		fatal(logger, "failed to open database", err)
	}
	db.SetMaxOpenConns(cfg.DBMaxOpenConns)
	db.SetMaxIdleConns(cfg.DBMaxOpenConns)
	db.SetConnMaxIdleTime(cfg.DBConnMaxIdle)

	contextRepo, err := repository.NewContextRepository(db)
	if err != nil {
		fatal(logger, "failed to create context repository", err)
	}

	// ---- Conversation history ----
	var history usecase.HistoryStore
	if cfg.HistoryTable != "" {
		table, err := repository.NewHistoryTable(awsdynamodb.NewFromConfig(awsCfg), cfg.HistoryTable, cfg.HistoryMaxTurns, cfg.HistoryTTL)
		if err != nil {
			fatal(logger, "failed to create history table", err)
		}
		history = table
	} else {
		store := conversation.NewMemoryStore(cfg.HistoryMaxTurns, cfg.HistoryIdleTTL)
		if cfg.HistoryIdleTTL > 0 {
			go store.RunJanitor(ctx, cfg.HistoryIdleTTL)
		}
		history = store
	}

	// ---- Model ----
	model, err := newModelClient(cfg, awsCfg)
	if err != nil {
		fatal(logger, "failed to create model client", err)
	}
	model = llm.RateLimited(llm.Traced(model, cfg.ModelProvider), cfg.ModelRateLimit)

	// ---- Handler ----
	coach, err := usecase.NewCoachService(contextRepo, history, model, logger, cfg.MaxOutputTokens, cfg.MaxQuestionLen)
	if err != nil {
		fatal(logger, "failed to create coach service", err)
	}

	h, err := handler.NewHandler(coach, logger, handler.WithTimeout(cfg.RequestTimeout))
	if err != nil {
		fatal(logger, "failed to create handler", err)
	}

	logger.Info("starting", "provider", cfg.ModelProvider, "durable_history", cfg.HistoryTable != "")
	lambda.Start(h.Handle)
}

func newModelClient(cfg config.Config, awsCfg aws.Config) (llm.Client, error) {
	var ssmClient *paramstore.Client
	if cfg.ParamPrefix != "" {
		c, err := paramstore.New(awsssm.NewFromConfig(awsCfg))
		if err != nil {
			return nil, err
		}
		ssmClient = c
	}

	switch cfg.ModelProvider {
	case config.ProviderOpenAI:
		return openai.NewClient(paramstore.NewToken(ssmClient, cfg.ParamPrefix+"/open-ai-token"), openai.WithModel(cfg.ModelName))
	default:
		var keys gemini.KeySource = paramstore.StaticToken(cfg.GeminiAPIKey)
		if cfg.GeminiAPIKey == "" {
			keys = paramstore.NewToken(ssmClient, cfg.ParamPrefix+"/gemini-api-key")
		}
		return gemini.NewClient(keys, gemini.WithModel(cfg.ModelName))
	}
}

// withConnectTimeout adds connect_timeout to a postgres URL unless it is set.
func withConnectTimeout(dsn string, seconds float64) string {
	u, err := url.Parse(dsn)
	if err != nil || u.Scheme == "" || seconds <= 0 {
		return dsn
	}
	q := u.Query()
	if q.Get("connect_timeout") == "" {
		q.Set("connect_timeout", strconv.Itoa(int(seconds+0.5)))
		u.RawQuery = q.Encode()
	}
	return u.String()
}

func fatal(logger *slog.Logger, msg string, err error) {
	logger.Error(msg, "err", err)
	os.Exit(1)
}
