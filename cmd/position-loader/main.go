// Command position-loader runs the EOD snapshot and intraday update
// pipelines of spec.md: it wires the bitemporal position store, the
// reliability fabric, and the Kafka consumers/producers, then serves
// until a shutdown signal drains it gracefully (spec.md §4.4).
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/quantlayer/position-loader/internal/breaker"
	"github.com/quantlayer/position-loader/internal/cache"
	"github.com/quantlayer/position-loader/internal/config"
	"github.com/quantlayer/position-loader/internal/database"
	"github.com/quantlayer/position-loader/internal/dlq"
	"github.com/quantlayer/position-loader/internal/drain"
	"github.com/quantlayer/position-loader/internal/eod"
	"github.com/quantlayer/position-loader/internal/intraday"
	"github.com/quantlayer/position-loader/internal/lock"
	"github.com/quantlayer/position-loader/internal/logging"
	"github.com/quantlayer/position-loader/internal/model"
	"github.com/quantlayer/position-loader/internal/retry"
	"github.com/quantlayer/position-loader/internal/store"
	"github.com/quantlayer/position-loader/internal/store/migrations"
	"github.com/quantlayer/position-loader/internal/streaming"
	"github.com/quantlayer/position-loader/internal/upstream"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.New(logging.FormatJSON, "info")
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	db, err := database.Connect(&cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer func() { _ = db.Close() }()

	if err := migrations.Up(db); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}

	app := wire(cfg, db, logger)
	defer app.close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	app.start(ctx)

	<-ctx.Done()
	logger.Info("shutdown signal received, draining")

	drainCtx, cancel := context.WithTimeout(context.Background(), cfg.DrainTimeout+5*time.Second)
	defer cancel()
	if err := app.coordinator.Shutdown(drainCtx, cfg.DrainTimeout); err != nil {
		logger.Warn("drain did not complete cleanly", zap.Error(err))
	}
	return nil
}

// app bundles every long-lived component main constructs, so start/close
// have one clear owner of lifecycle.
type app struct {
	logger        *zap.Logger
	coordinator   *drain.Coordinator
	eodPipeline   *eod.Pipeline
	intradayPipe  *intraday.Pipeline
	replayer      *dlq.Replayer
	eodReader     *streaming.Reader
	intradayRead  *streaming.Reader
	changeWriter  *streaming.Writer
	signoffWriter *streaming.Writer
	dlqKafka      *streaming.DeadLetterWriter
	dlqStore      *dlq.Writer
	processingN   int
	replayEvery   time.Duration
}

func wire(cfg *config.Config, db *sql.DB, logger *zap.Logger) *app {
	ownerID := fmt.Sprintf("position-loader-%s", uuid.NewString())
	sqlxDB := sqlx.NewDb(db, "pgx")

	st := store.New(db)
	locker := lock.New(sqlxDB)

	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, DB: cfg.Redis.DB})
	productCache := cache.New(rdb, "product", cache.ReferenceDataTTL)

	feed := upstream.NewFeedClient(cfg.Upstream.BaseURL, upstream.NewClientWithTimeout(cfg.Upstream.ReadTimeout))
	upstreamCB := breaker.New(breaker.Settings{
		Name: "upstream", FailureRatePct: cfg.CircuitBreaker.Upstream.FailureRatePct,
		Window: uint32(cfg.CircuitBreaker.Upstream.Window), Cooldown: cfg.CircuitBreaker.Upstream.Cooldown,
	})
	retryPolicy := retry.Policy{
		MaxAttempts: cfg.Retry.MaxAttempts, InitialDelay: cfg.Retry.InitialDelay,
		MaxDelay: cfg.Retry.MaxDelay, Multiplier: cfg.Retry.Multiplier,
	}

	dlqKafka := streaming.NewDeadLetterWriter(cfg.Kafka.Brokers)
	changeWriter := streaming.NewWriter(cfg.Kafka.Brokers, streaming.TopicPositionChangeEvents)
	signoffWriter := streaming.NewWriter(cfg.Kafka.Brokers, streaming.TopicClientReportingSignoff)
	eodTriggerWriter := streaming.NewWriter(cfg.Kafka.Brokers, streaming.TopicEodTrigger)
	intradayWriter := streaming.NewWriter(cfg.Kafka.Brokers, streaming.TopicIntraday)

	coordinator := drain.New(logger, changeWriter, signoffWriter)

	eodPipeline := eod.New(eod.Deps{
		Store: st, Locker: locker, Feed: feed, UpstreamCB: upstreamCB, RetryPolicy: retryPolicy,
		DLQ: dlqKafka, Signoff: signoffWriter, OwnerID: ownerID,
		Validation: cfg.Validation, Features: cfg.Features, ProductCache: productCache,
		Holidays: eod.NewDBHolidayCalendar(st), ShuttingDown: coordinator.ShuttingDown, Logger: logger,
	})

	intradayPipeline := intraday.New(intraday.Deps{
		Store: st, Locker: locker, DLQ: dlqKafka, ChangeEvents: changeWriter, OwnerID: ownerID,
		Features: cfg.Features, ShuttingDown: coordinator.ShuttingDown, Logger: logger,
	})

	dlqStore := dlq.NewWriter(st)

	replayer := dlq.New(dlq.Deps{
		Store:  st,
		Locker: locker,
		Publishers: map[string]dlq.Publisher{
			streaming.TopicEodTrigger: eodTriggerWriter,
			streaming.TopicIntraday:   intradayWriter,
		},
		OwnerID: ownerID, MaxRetries: cfg.DLQ.MaxRetries,
		RetryPolicy: retry.Policy{InitialDelay: cfg.DLQ.InitialBackoff, MaxDelay: cfg.DLQ.InitialBackoff * 8, Multiplier: 2},
		Logger:      logger,
	})

	return &app{
		logger: logger, coordinator: coordinator,
		eodPipeline: eodPipeline, intradayPipe: intradayPipeline, replayer: replayer,
		eodReader:     streaming.NewReader(cfg.Kafka.Brokers, cfg.Kafka.ConsumerGroup, streaming.TopicEodTrigger),
		intradayRead:  streaming.NewReader(cfg.Kafka.Brokers, cfg.Kafka.ConsumerGroup, streaming.TopicIntraday),
		changeWriter:  changeWriter,
		signoffWriter: signoffWriter,
		dlqKafka:      dlqKafka,
		dlqStore:      dlqStore,
		processingN:   cfg.ProcessingThreads,
		replayEvery:   cfg.DLQ.InitialBackoff,
	}
}

func (a *app) start(ctx context.Context) {
	go a.consumeEodTriggers(ctx)
	go a.consumeIntradayEvents(ctx)
	go a.replayer.Run(ctx, a.replayEvery)
}

func (a *app) close() {
	_ = a.eodReader.Close()
	_ = a.intradayRead.Close()
	_ = a.dlqKafka.Close()
}

// consumeEodTriggers fans each fetched batch out over a bounded worker pool,
// one EOD run per message (spec.md §5: "bounded worker pool, default 4-8
// workers for EOD"), and waits for the whole batch to finish processing
// before acknowledging its offsets — committing early would let Kafka
// advance past a trigger a worker hadn't actually run yet.
func (a *app) consumeEodTriggers(ctx context.Context) {
	for {
		msgs, err := a.eodReader.FetchBatch(ctx, a.processingN)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			a.logger.Warn("eod trigger fetch failed", zap.Error(err))
			continue
		}

		sem := make(chan struct{}, a.processingN)
		var wg sync.WaitGroup
		for _, m := range msgs {
			m := m
			wg.Add(1)
			sem <- struct{}{}
			go func() {
				defer wg.Done()
				defer func() { <-sem }()
				a.handleEodTrigger(ctx, m)
			}()
		}
		wg.Wait()

		_ = a.eodReader.CommitMessages(ctx, msgs...)
	}
}

func (a *app) handleEodTrigger(ctx context.Context, msg kafka.Message) {
	end := a.coordinator.Begin()
	defer end()

	var t eod.Trigger
	if err := json.Unmarshal(msg.Value, &t); err != nil {
		a.logger.Error("eod trigger payload unparseable, dropping", zap.Error(err))
		return
	}
	if err := a.eodPipeline.Run(ctx, t); err != nil {
		a.logger.Warn("eod run failed", zap.Int64("accountId", t.AccountID), zap.Error(err))
		if parkErr := a.dlqStore.Park(ctx, streaming.TopicEodTrigger, msg.Key, msg.Value, err); parkErr != nil {
			a.logger.Error("failed to park eod trigger in dlq", zap.Error(parkErr))
		}
	}
}

// consumeIntradayEvents fans INTRADAY batches out to the pipeline's own
// group-by-account dispatcher (spec.md §4.2 step 2), higher worker count
// than EOD per spec.md §5.
func (a *app) consumeIntradayEvents(ctx context.Context) {
	const batchCap = 100
	for {
		msgs, err := a.intradayRead.FetchBatch(ctx, batchCap)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			a.logger.Warn("intraday fetch failed", zap.Error(err))
			continue
		}

		end := a.coordinator.Begin()
		events := make([]model.TradeEvent, 0, len(msgs))
		parsed := make([]kafka.Message, 0, len(msgs))
		for _, m := range msgs {
			var ev model.TradeEvent
			if err := json.Unmarshal(m.Value, &ev); err != nil {
				a.logger.Error("intraday event payload unparseable, dropping", zap.Error(err))
				continue
			}
			events = append(events, ev)
			parsed = append(parsed, m)
		}
		errs := a.intradayPipe.RunBatch(ctx, events)
		for i, err := range errs {
			if err == nil {
				continue
			}
			if parkErr := a.dlqStore.Park(ctx, streaming.TopicIntraday, parsed[i].Key, parsed[i].Value, err); parkErr != nil {
				a.logger.Error("failed to park intraday event in dlq", zap.Error(parkErr))
			}
		}
		end()

		_ = a.intradayRead.CommitMessages(ctx, msgs...)
	}
}
