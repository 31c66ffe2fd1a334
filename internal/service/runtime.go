package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"tradecore/internal/api"
	"tradecore/internal/config"
	"tradecore/internal/exchange"
	"tradecore/internal/execution"
	"tradecore/internal/model"
	"tradecore/internal/session"
	"tradecore/internal/utils"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const shutdownTimeout = 10 * time.Second

// Runtime owns every long-lived component of the server: the exchange session, the bar
// dispatcher and service, and, when trading is enabled, the execution engine with its
// trade log store.
type Runtime struct {
	cfg    *config.Config
	logger zerolog.Logger

	session     *session.Session
	dispatcher  *Dispatcher
	bars        *BarService
	barLogger   *BarLogger
	instruments []model.Instrument

	engine *execution.Engine
	store  execution.Store
}

// NewRuntime builds the components described by cfg. Nothing connects until Run.
func NewRuntime(cfg *config.Config, logger *zerolog.Logger) (*Runtime, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if logger == nil {
		logger = &log.Logger
	}

	ex := cfg.ExchangeID()
	instruments, err := utils.ResolveInstruments(ex, cfg.Exchange.Instruments, len(cfg.Exchange.Instruments))
	if err != nil {
		return nil, err
	}
	if _, err := utils.ParseFrequency(cfg.Exchange.BarFrequency); err != nil {
		return nil, err
	}

	dialect, err := newDialect(cfg)
	if err != nil {
		return nil, err
	}
	sess, err := session.New(session.Config{Dialect: dialect, Logger: logger})
	if err != nil {
		return nil, err
	}

	dispatcher := NewDispatcher(DispatcherConfig{
		Exchange:              ex,
		MaxInstrumentsAllowed: cfg.Server.MaxInstruments,
		Logger:                logger,
	})

	r := &Runtime{
		cfg:         cfg,
		logger:      logger.With().Str("component", "runtime").Logger(),
		session:     sess,
		dispatcher:  dispatcher,
		bars:        NewBarService(dispatcher, sess, ex, logger),
		barLogger:   NewBarLogger(logger),
		instruments: instruments,
	}

	if cfg.Trading.Enabled {
		tradingAPI, err := newTradingAPI(cfg, logger)
		if err != nil {
			return nil, err
		}
		store, err := newStore(cfg.Storage)
		if err != nil {
			return nil, err
		}
		engine, err := execution.NewEngine(execution.EngineConfig{
			Source:        sess,
			API:           tradingAPI,
			Store:         store,
			Logger:        logger,
			QueueSize:     cfg.Trading.QueueSize,
			RetryInterval: cfg.Trading.RetryInterval,
		})
		if err != nil {
			closeStore(store)
			return nil, err
		}
		r.engine = engine
		r.store = store
	}

	return r, nil
}

func newDialect(cfg *config.Config) (session.Dialect, error) {
	ec := &exchange.Config{
		Endpoint:   cfg.Exchange.WSEndpoint,
		APIKey:     cfg.Exchange.APIKey,
		APISecret:  cfg.Exchange.APISecret,
		Subaccount: cfg.Exchange.Subaccount,
		Token:      cfg.Exchange.WSToken,
	}
	switch cfg.ExchangeID() {
	case model.FTXExchange:
		return exchange.NewFTX(ec)
	case model.KrakenFuturesExchange:
		return exchange.NewKrakenFutures(ec)
	case model.KrakenSpotExchange:
		return exchange.NewKrakenSpot(ec)
	default:
		return nil, fmt.Errorf("unsupported exchange %q", cfg.Exchange.Name)
	}
}

func newTradingAPI(cfg *config.Config, logger *zerolog.Logger) (api.TradingAPI, error) {
	switch cfg.ExchangeID() {
	case model.FTXExchange:
		return api.NewFTX(api.FTXConfig{
			BaseURL:    cfg.Exchange.RESTBaseURL,
			APIKey:     cfg.Exchange.APIKey,
			APISecret:  cfg.Exchange.APISecret,
			Subaccount: cfg.Exchange.Subaccount,
			Logger:     logger,
		})
	case model.KrakenFuturesExchange:
		return api.NewKrakenFutures(api.KrakenFuturesConfig{
			BaseURL:   cfg.Exchange.RESTBaseURL,
			APIKey:    cfg.Exchange.APIKey,
			APISecret: cfg.Exchange.APISecret,
			Logger:    logger,
		})
	default:
		return nil, fmt.Errorf("no trading API for %q", cfg.Exchange.Name)
	}
}

func newStore(cfg config.StorageConfig) (execution.Store, error) {
	switch cfg.Driver {
	case "csv":
		return execution.NewCSVStore(cfg.Dir)
	case "postgres":
		return execution.OpenPostgres(cfg.DSN, &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
	default:
		return nil, nil
	}
}

func closeStore(store execution.Store) {
	if c, ok := store.(io.Closer); ok {
		if err := c.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close trade store")
		}
	}
}

// BarService returns the gRPC bar stream implementation.
func (r *Runtime) BarService() *BarService { return r.bars }

// Engine returns the execution engine, nil when trading is disabled.
func (r *Runtime) Engine() *execution.Engine { return r.engine }

// Session returns the exchange session.
func (r *Runtime) Session() *session.Session { return r.session }

// Run starts the session receive loop, subscribes the configured bars, starts the
// engine and blocks until ctx is cancelled or a component fails. Every component is
// shut down before Run returns.
func (r *Runtime) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return r.session.Start(gctx)
	})

	if err := r.start(gctx); err != nil {
		r.session.Close()
		_ = g.Wait()
		r.shutdown()
		return err
	}

	if r.engine != nil {
		g.Go(func() error {
			select {
			case <-gctx.Done():
				return nil
			case err := <-r.engine.Errors():
				r.logger.Error().Err(err).Msg("execution engine failed")
				return err
			}
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		r.shutdown()
		return nil
	})

	return g.Wait()
}

func (r *Runtime) start(ctx context.Context) error {
	freq := r.cfg.Exchange.BarFrequency
	if err := r.bars.Start(ctx, r.instruments, freq); err != nil {
		return err
	}
	for _, inst := range r.instruments {
		if err := r.session.SubscribeBars(ctx, inst, freq, r.barLogger); err != nil {
			return fmt.Errorf("subscribe bar logger for %s: %w", inst.Name, err)
		}
	}
	if r.engine != nil {
		if err := r.engine.Start(ctx); err != nil {
			return fmt.Errorf("start execution engine: %w", err)
		}
	}
	r.logger.Info().Str("config", r.cfg.String()).Msg("runtime started")
	return nil
}

func (r *Runtime) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := r.bars.Stop(ctx); err != nil && !errors.Is(err, ErrServiceNotStarted) {
		r.logger.Warn().Err(err).Msg("bar service stop")
	}
	if r.engine != nil {
		if err := r.engine.Close(ctx); err != nil {
			r.logger.Warn().Err(err).Msg("execution engine close")
		}
	}
	r.session.Close()
	closeStore(r.store)
	r.logger.Info().Msg("runtime stopped")
}
