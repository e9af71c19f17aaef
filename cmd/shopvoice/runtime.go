package main

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mohammad-safakhou/shopvoice/config"
	"github.com/mohammad-safakhou/shopvoice/internal/catalog"
	"github.com/mohammad-safakhou/shopvoice/internal/catalog/local"
	"github.com/mohammad-safakhou/shopvoice/internal/catalog/pgvector"
	"github.com/mohammad-safakhou/shopvoice/internal/history"
	"github.com/mohammad-safakhou/shopvoice/internal/logging"
	"github.com/mohammad-safakhou/shopvoice/internal/pipeline"
	"github.com/mohammad-safakhou/shopvoice/internal/telemetry"
	"github.com/mohammad-safakhou/shopvoice/internal/voice"
	"github.com/mohammad-safakhou/shopvoice/mcp/client"
	"github.com/mohammad-safakhou/shopvoice/mcp/tools/embedding"
	"github.com/mohammad-safakhou/shopvoice/provider"
)

// runtime holds what every subcommand needs: config, logger and tracing.
type runtime struct {
	cfg *config.Config
	log *zap.Logger
	tel *telemetry.Telemetry
}

func setup(ctx context.Context, cfgPath, component string) (*runtime, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	log, err := logging.New(cfg.General)
	if err != nil {
		return nil, err
	}
	tel, err := telemetry.Setup(ctx, cfg.Telemetry, component, version)
	if err != nil {
		return nil, err
	}
	return &runtime{cfg: cfg, log: log.With(zap.String("component", component)), tel: tel}, nil
}

func (rt *runtime) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rt.tel.Shutdown(ctx); err != nil {
		rt.log.Warn("telemetry shutdown", zap.Error(err))
	}
	_ = rt.log.Sync()
}

// embedder returns the embedder named by catalog.embedding.provider. Build and
// query must agree on it.
func (rt *runtime) embedder() (embedding.Embedder, error) {
	ec := rt.cfg.Catalog.Embedding
	switch ec.Provider {
	case "hash":
		return embedding.Hashing{Dims: ec.Dimensions}, nil
	case "openai", "ollama":
		llm := rt.cfg.LLM
		llm.Provider = ec.Provider
		p, err := provider.NewProvider(llm, rt.cfg.Voice)
		if err != nil {
			return nil, fmt.Errorf("embedding provider: %w", err)
		}
		model := llm.OpenAI.EmbeddingModel
		if ec.Provider == "ollama" {
			model = llm.Ollama.EmbeddingModel
		}
		return embedding.NewEmbedding(p, ec.Provider+":"+model), nil
	default:
		return nil, fmt.Errorf("unsupported embedding provider %q", ec.Provider)
	}
}

func (rt *runtime) openCatalog(ctx context.Context, backend string) (catalog.Store, error) {
	if backend == "" {
		backend = rt.cfg.Catalog.Backend
	}
	switch backend {
	case "local":
		s, err := local.Open(rt.cfg.Catalog.DataDir, rt.cfg.Catalog.Collection, rt.log)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "pgvector":
		if err := rt.cfg.Storage.Postgres.Validate(); err != nil {
			return nil, err
		}
		s, err := pgvector.NewWithDSN(ctx, rt.cfg.Storage.Postgres.DSN(), rt.cfg.Catalog.Collection, rt.log)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unsupported catalog backend %q", backend)
	}
}

// pipeline connects to the tool server and returns a ready pipeline. An
// unreachable tool server is only a warning; the client loads the tool
// schemas on its first call.
func (rt *runtime) pipeline(ctx context.Context) (*pipeline.Pipeline, error) {
	llm, err := provider.NewProvider(rt.cfg.LLM, rt.cfg.Voice)
	if err != nil {
		return nil, err
	}
	policy, err := pipeline.ParsePolicy(rt.cfg.Pipeline.ContinuePolicy)
	if err != nil {
		return nil, err
	}
	tools := client.New(client.Options{BaseURL: rt.cfg.Tools.BaseURL, Timeout: rt.cfg.Tools.ClientTimeout})
	if info, err := tools.Initialize(ctx); err != nil {
		rt.log.Warn("tool server not reachable yet", zap.String("url", rt.cfg.Tools.BaseURL), zap.Error(err))
	} else {
		rt.log.Info("tool server connected", zap.String("server", info.ServerInfo.Name))
		if _, err := tools.ListTools(ctx); err != nil {
			rt.log.Warn("list tools", zap.Error(err))
		}
	}
	return pipeline.New(llm, tools, pipeline.Options{
		MaxPasses:      rt.cfg.Pipeline.MaxPasses,
		Policy:         policy,
		CatalogResults: rt.cfg.Catalog.DefaultResults,
		WebResults:     rt.cfg.WebSearch.DefaultResults,
	}, rt.log), nil
}

// assistant wraps the pipeline with speech when an OpenAI key is present.
func (rt *runtime) assistant(ctx context.Context, requireVoice bool) (*voice.Assistant, error) {
	p, err := rt.pipeline(ctx)
	if err != nil {
		return nil, err
	}
	audio, err := provider.NewAudioProvider(rt.cfg.LLM, rt.cfg.Voice)
	if err != nil {
		if requireVoice {
			return nil, err
		}
		rt.log.Info("voice disabled", zap.Error(err))
		return voice.NewAssistant(p, nil, nil, rt.log), nil
	}
	return voice.NewAssistant(p, audio, audio, rt.log), nil
}

func (rt *runtime) history(ctx context.Context) (history.Store, func(), error) {
	rc := rt.cfg.Storage.Redis
	if !rc.Enabled() {
		rt.log.Info("history kept in memory")
		return history.NewMemory(rc.HistoryLimit, rc.HistoryTTL), func() {}, nil
	}
	conn, err := history.Conn(ctx, rc)
	if err != nil {
		return nil, nil, err
	}
	return history.NewRedis(conn, rc.HistoryLimit, rc.HistoryTTL), func() { _ = conn.Close() }, nil
}
