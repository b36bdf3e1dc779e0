// Command reqrec 运行候选生成服务：消费行为事件、定时刷写浏览量、重算候选并提供运维接口。
//
// 用法：
//
//	reqrec [-config path] [-print-config] [-reindex]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/rushteam/reqrec/candidate"
	"github.com/rushteam/reqrec/config"
	"github.com/rushteam/reqrec/counter"
	"github.com/rushteam/reqrec/embedding"
	"github.com/rushteam/reqrec/engine"
	"github.com/rushteam/reqrec/filter"
	"github.com/rushteam/reqrec/history"
	"github.com/rushteam/reqrec/indexer"
	"github.com/rushteam/reqrec/ingest"
	"github.com/rushteam/reqrec/logging"
	"github.com/rushteam/reqrec/metrics"
	"github.com/rushteam/reqrec/profile"
	"github.com/rushteam/reqrec/scheduler"
	"github.com/rushteam/reqrec/server"
	"github.com/rushteam/reqrec/store"
	"github.com/rushteam/reqrec/store/postgres"
	"github.com/rushteam/reqrec/vector"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml (default: $CONFIG_PATH or ./config.yaml)")
	printConfig := flag.Bool("print-config", false, "print the effective configuration and exit")
	reindex := flag.Bool("reindex", false, "rebuild the vector index for all eligible items, drop stale entries and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "reqrec: %v\n", err)
		os.Exit(1)
	}
	if *printConfig {
		out, err := cfg.Dump()
		if err != nil {
			fmt.Fprintf(os.Stderr, "reqrec: %v\n", err)
			os.Exit(1)
		}
		_, _ = os.Stdout.Write(out)
		return
	}

	log := logging.New(cfg.Log)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *reindex, log); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("reqrec exited with error")
		os.Exit(1)
	}
	log.Info().Msg("reqrec stopped")
}

func run(ctx context.Context, cfg *config.Config, reindex bool, log zerolog.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	cache, err := store.NewRedisStore(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	defer cache.Close()

	db, err := postgres.Open(ctx, cfg.Postgres)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.Migrate(ctx); err != nil {
		return err
	}

	eligibility, err := filter.NewEligibilityFilter(cfg.Eligibility.ItemStatuses(), cfg.Eligibility.Expr, logging.Component(log, "filter"))
	if err != nil {
		return err
	}
	repo := postgres.NewRepository(db, eligibility.Statuses())
	index := vector.NewGuardedIndex(postgres.NewVectorIndex(db), cfg.Vector, logging.Component(log, "vector"), m)

	backend, err := embedding.NewOpenAIBackend(cfg.Embedding.OpenAI)
	if err != nil {
		return err
	}
	embedder := embedding.NewClient(backend, cache, cfg.Embedding.Client, logging.Component(log, "embedding"), m)

	itemIndexer := indexer.New(index, embedder, eligibility, logging.Component(log, "indexer"))
	if reindex {
		n, err := itemIndexer.SyncAll(ctx, repo)
		if err != nil {
			return err
		}
		log.Info().Int("items", n).Msg("vector index rebuilt")
		return nil
	}

	profiles := profile.New(cache, cfg.Profile, logging.Component(log, "profile"))
	views := history.New(cache, cfg.History, time.Now, logging.Component(log, "history"))
	buffer := counter.NewBuffer(cache, repo, logging.Component(log, "counter"), m)

	gen := candidate.New(candidate.Deps{
		Users:    repo,
		Items:    repo,
		Index:    index,
		Embedder: embedder,
		Profiles: profiles,
		History:  views,
		Cache:    cache,
		Filter:   eligibility,
	}, cfg.Candidate, logging.Component(log, "candidate"), m)

	burst := scheduler.NewBurstTracker(cfg.Scheduler.Burst)
	eng := engine.New(engine.Deps{
		Items:      repo,
		Profiles:   profiles,
		History:    views,
		Counter:    buffer,
		Candidates: gen,
		Burst:      burst,
		Indexer:    itemIndexer,
	}, cfg.Engine, logging.Component(log, "engine"), m)
	defer eng.Close()

	sup := scheduler.NewSupervisor("reqrec", cfg.Scheduler.Supervisor, log)
	sup.Add(scheduler.NewFlushService(buffer, cfg.Counter.FlushInterval, logging.Component(log, "flush")))
	sup.Add(scheduler.NewRegenerator(repo, gen, cfg.Scheduler.Regenerate, logging.Component(log, "regenerate"), m))
	sup.Add(scheduler.NewRefreshService(burst, gen, logging.Component(log, "burst")))

	if cfg.Kafka.Enabled() {
		consumer, err := ingest.NewConsumer(cfg.Kafka, eng, logging.Component(log, "ingest"), m)
		if err != nil {
			return err
		}
		sup.Add(consumer)
	} else {
		log.Info().Msg("kafka brokers not configured, event consumer disabled")
	}

	router := server.NewRouter(server.Options{
		Engine:   eng,
		Gatherer: reg,
		Debug:    cfg.Server.Debug,
		Checks: map[string]server.Check{
			"redis":    cache.Ping,
			"postgres": db.Ping,
		},
	}, logging.Component(log, "http"))
	sup.Add(server.NewService(&http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}, cfg.Server.ShutdownTimeout))

	log.Info().Str("addr", cfg.Server.Addr).Msg("reqrec started")
	return sup.Serve(ctx)
}
