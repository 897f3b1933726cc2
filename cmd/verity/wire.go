package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"goa.design/clue/health"
	"goa.design/clue/log"
	"goa.design/pulse/rmap"

	"goa.design/verity/features/model/anthropic"
	"goa.design/verity/features/model/bedrock"
	"goa.design/verity/features/model/middleware"
	"goa.design/verity/features/model/openai"
	runlogmongo "goa.design/verity/features/runlog/mongo"
	clientsrunlog "goa.design/verity/features/runlog/mongo/clients/mongo"
	sessionmongo "goa.design/verity/features/session/mongo"
	clientsmongo "goa.design/verity/features/session/mongo/clients/mongo"
	streampulse "goa.design/verity/features/stream/pulse"
	clientspulse "goa.design/verity/features/stream/pulse/clients/pulse"
	"goa.design/verity/features/tools/builtin"
	"goa.design/verity/runtime/agent/actor"
	"goa.design/verity/runtime/agent/gather"
	"goa.design/verity/runtime/agent/knowledge"
	"goa.design/verity/runtime/agent/model"
	"goa.design/verity/runtime/agent/runtime"
	"goa.design/verity/runtime/agent/session"
	"goa.design/verity/runtime/agent/session/inmem"
	"goa.design/verity/runtime/agent/stream"
	streaminmem "goa.design/verity/runtime/agent/stream/inmem"
	"goa.design/verity/runtime/agent/subagent"
	"goa.design/verity/runtime/agent/telemetry"
	"goa.design/verity/runtime/agent/tools"
	"goa.design/verity/runtime/agent/verify"
)

const (
	limiterKey     = "tpm"
	toolCacheSize  = 256
	toolCacheTTL   = 5 * time.Minute
	healthDeadline = 5 * time.Second
)

type (
	app struct {
		loop    *runtime.Loop
		closers []func(context.Context) error
	}

	// redisPinger reports Redis health to the clue checker.
	redisPinger struct {
		rdb *redis.Client
	}

	// stores groups the history and corpus backends selected by config.
	stores struct {
		history session.HistoryStore
		writer  session.HistoryWriter
		corpus  session.Corpus
	}
)

func (p redisPinger) Name() string { return "redis" }

func (p redisPinger) Ping(ctx context.Context) error { return p.rdb.Ping(ctx).Err() }

func (a *app) close(ctx context.Context) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			log.Error(ctx, err, log.KV{K: "msg", V: "shutdown"})
		}
	}
}

// wire builds the agent loop and its dependencies from cfg.
func wire(ctx context.Context, cfg config) (*app, error) {
	var (
		a       = &app{}
		logger  = telemetry.NewClueLogger()
		metrics = telemetry.NewClueMetrics()
		rec     = telemetry.Tee(telemetry.NewTracerRecorder(telemetry.NewClueTracer()))
	)
	var pingers []health.Pinger

	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password})
		a.closers = append(a.closers, func(context.Context) error { return rdb.Close() })
		pingers = append(pingers, redisPinger{rdb: rdb})
	}

	client, err := newModelClient(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	client, err = limit(ctx, cfg, rdb, client, logger, metrics)
	if err != nil {
		return nil, err
	}

	var mc *mongo.Client
	if cfg.Mongo.URI != "" {
		if mc, err = mongo.Connect(options.Client().ApplyURI(cfg.Mongo.URI)); err != nil {
			return nil, fmt.Errorf("connect to mongo: %w", err)
		}
		a.closers = append(a.closers, mc.Disconnect)
		tc, err := clientsrunlog.New(clientsrunlog.Options{Client: mc, Database: cfg.Mongo.Database})
		if err != nil {
			return nil, fmt.Errorf("trace log client: %w", err)
		}
		tl, err := runlogmongo.NewStore(tc, logger)
		if err != nil {
			return nil, err
		}
		rec = telemetry.Tee(rec, tl)
		pingers = append(pingers, tc)
	}

	st, pinger, err := newStores(ctx, cfg, mc, a, logger)
	if err != nil {
		return nil, err
	}
	if pinger != nil {
		pingers = append(pingers, pinger)
	}
	if len(pingers) > 0 {
		hctx, cancel := context.WithTimeout(ctx, healthDeadline)
		h, ok := health.NewChecker(pingers...).Check(hctx)
		cancel()
		if !ok {
			return nil, fmt.Errorf("dependencies unhealthy: %v", h.Status)
		}
	}

	transport, err := newTransport(rdb, a)
	if err != nil {
		return nil, err
	}

	actorOpts := []actor.Option{
		actor.WithModel(cfg.Model),
		actor.WithMaxTokens(cfg.MaxTokens),
		actor.WithTemperature(cfg.Temperature),
		actor.WithMaxIterations(cfg.Loop.MaxIterations),
		actor.WithLogger(logger),
		actor.WithMetrics(metrics),
		actor.WithRecorder(rec),
	}
	execOpts := []tools.ExecutorOption{
		tools.WithLogger(logger),
		tools.WithMetrics(metrics),
		tools.WithRecorder(rec),
		tools.WithResultCache(toolCacheSize, toolCacheTTL),
	}

	// Subagents get the lookup tools only so fan-out does not recurse.
	base, err := tools.NewRegistry(builtin.Search(st.corpus), builtin.Fetch())
	if err != nil {
		return nil, err
	}
	sub := actor.New(client, slices.Concat(actorOpts, []actor.Option{actor.WithExecutor(tools.NewExecutor(base, execOpts...))})...)
	orch := subagent.New(subagent.NewActorRunner(sub),
		subagent.WithConcurrency(cfg.Loop.Concurrency),
		subagent.WithTaskTimeout(cfg.Loop.TaskTimeout),
		subagent.WithLogger(logger),
		subagent.WithMetrics(metrics),
	)
	reg, err := base.With(builtin.FanOut(orch))
	if err != nil {
		return nil, err
	}
	act := actor.New(client, slices.Concat(actorOpts, []actor.Option{
		actor.WithExecutor(tools.NewExecutor(reg, execOpts...)),
		actor.WithTransport(transport),
	})...)

	gatherer := gather.New(
		gather.WithHistory(st.history),
		gather.WithCorpus(st.corpus),
		gather.WithLogger(logger),
		gather.WithRecorder(rec),
	)
	a.loop = runtime.New(gatherer, act, verify.New(), transport,
		runtime.WithMaxAttempts(cfg.Loop.MaxAttempts),
		runtime.WithTimeout(cfg.Loop.Timeout),
		runtime.WithHistoryWriter(st.writer),
		runtime.WithLogger(logger),
		runtime.WithMetrics(metrics),
		runtime.WithRecorder(rec),
	)
	return a, nil
}

func newModelClient(ctx context.Context, cfg config, logger telemetry.Logger) (model.Client, error) {
	switch cfg.Provider {
	case "anthropic":
		return anthropic.NewFromAPIKey(cfg.Anthropic.APIKey, cfg.Model)
	case "openai":
		return openai.NewFromAPIKey(cfg.OpenAI.APIKey, cfg.Model)
	case "bedrock":
		var opts []func(*awsconfig.LoadOptions) error
		if cfg.Bedrock.Region != "" {
			opts = append(opts, awsconfig.WithRegion(cfg.Bedrock.Region))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		return bedrock.New(bedrockruntime.NewFromConfig(awsCfg), bedrock.Options{
			DefaultModel: cfg.Model,
			MaxTokens:    cfg.MaxTokens,
			Temperature:  cfg.Temperature,
			Logger:       logger,
		})
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
	}
}

// limit wraps client with the adaptive rate limiter. With Redis the budget
// is shared by every process joining the same replicated map.
func limit(ctx context.Context, cfg config, rdb *redis.Client, client model.Client, logger telemetry.Logger, metrics telemetry.Metrics) (model.Client, error) {
	opts := []middleware.Option{
		middleware.WithTPM(cfg.Limiter.TPM, cfg.Limiter.MaxTPM),
		middleware.WithLogger(logger),
		middleware.WithMetrics(metrics),
	}
	if rdb == nil {
		return middleware.NewLimiter(opts...).Wrap(client), nil
	}
	m, err := rmap.Join(ctx, cfg.Redis.LimiterMap, rdb)
	if err != nil {
		return nil, fmt.Errorf("join limiter map: %w", err)
	}
	return middleware.NewClusterLimiter(ctx, m, limiterKey, opts...).Wrap(client), nil
}

// newStores loads the knowledge corpus and selects the history backend.
// With a Mongo client the corpus is indexed there and both history and
// search are served from Mongo.
func newStores(ctx context.Context, cfg config, mc *mongo.Client, a *app, logger telemetry.Logger) (stores, health.Pinger, error) {
	limits := knowledge.DefaultLimits()
	if cfg.Knowledge.MaxDepth > 0 {
		limits.MaxDepth = cfg.Knowledge.MaxDepth
	}
	if cfg.Knowledge.MaxFiles > 0 {
		limits.MaxFiles = cfg.Knowledge.MaxFiles
	}
	if cfg.Knowledge.MaxFileBytes > 0 {
		limits.MaxFileBytes = cfg.Knowledge.MaxFileBytes
	}
	if cfg.Knowledge.MaxTotalBytes > 0 {
		limits.MaxTotalBytes = cfg.Knowledge.MaxTotalBytes
	}
	corpus := knowledge.New(os.DirFS(cfg.Knowledge.Dir),
		knowledge.WithLimits(limits),
		knowledge.WithBaseURL(cfg.Knowledge.BaseURL),
		knowledge.WithLogger(logger),
	)
	if err := corpus.Reload(ctx); err != nil {
		return stores{}, nil, fmt.Errorf("load knowledge from %s: %w", cfg.Knowledge.Dir, err)
	}

	if mc == nil {
		if cfg.Knowledge.Refresh > 0 {
			corpus.StartRefresh(ctx, cfg.Knowledge.Refresh)
			a.closers = append(a.closers, func(context.Context) error { corpus.StopRefresh(); return nil })
		}
		mem := inmem.New()
		return stores{history: mem, writer: mem, corpus: corpus}, nil, nil
	}

	cli, err := clientsmongo.New(clientsmongo.Options{Client: mc, Database: cfg.Mongo.Database})
	if err != nil {
		return stores{}, nil, fmt.Errorf("mongo client: %w", err)
	}
	store, err := sessionmongo.NewStore(cli)
	if err != nil {
		return stores{}, nil, err
	}
	n, err := store.Index(ctx, corpus.Snapshot())
	if err != nil {
		return stores{}, nil, fmt.Errorf("index knowledge: %w", err)
	}
	logger.Info(ctx, "knowledge indexed", "sections", n)
	return stores{history: store, writer: store, corpus: store}, cli, nil
}

// newTransport publishes to Pulse when Redis is configured. Otherwise
// answers are only recorded in memory; main prints the delivered text.
func newTransport(rdb *redis.Client, a *app) (stream.Transport, error) {
	if rdb == nil {
		return streaminmem.New(), nil
	}
	pc, err := clientspulse.New(clientspulse.Options{Redis: rdb})
	if err != nil {
		return nil, fmt.Errorf("pulse client: %w", err)
	}
	sink, err := streampulse.NewSink(streampulse.Options{Client: pc})
	if err != nil {
		return nil, errors.Join(err, pc.Close(context.Background()))
	}
	a.closers = append(a.closers, sink.Close)
	return stream.NewSinkTransport(sink), nil
}
