package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/fieldkit/shopcollector/internal/collector"
	"github.com/fieldkit/shopcollector/internal/config"
	"github.com/fieldkit/shopcollector/internal/location"
	"github.com/fieldkit/shopcollector/internal/photo"
	"github.com/fieldkit/shopcollector/internal/proxy"
	"github.com/fieldkit/shopcollector/internal/storage"
	"github.com/fieldkit/shopcollector/internal/submit"
)

// newSource returns the position source named by location.source. "none"
// yields nil, which the tracker reports as unsupported.
func newSource(cfg config.Config) location.Source {
	switch cfg.Location.Source {
	case config.SourceGPSD:
		return &location.GPSDSource{Addr: cfg.GPSD.Addr}
	case config.SourceKafka:
		return location.NewKafkaSource(location.KafkaConfig{
			Brokers: cfg.Kafka.BrokerList(),
			Topic:   cfg.Kafka.Topic,
			GroupID: cfg.Kafka.GroupID,
		})
	case config.SourceStatic:
		return location.StaticSource{Readings: []location.Reading{{
			Latitude:       cfg.Static.Latitude,
			Longitude:      cfg.Static.Longitude,
			AccuracyMeters: cfg.Static.Accuracy,
		}}}
	default:
		return nil
	}
}

// openCacheStore returns the offline cache store for cache.backend. The
// SQLite backend shares db; the Redis backend opens its own client, closed
// by the returned func.
func openCacheStore(ctx context.Context, cfg config.Config, db *storage.Store) (proxy.Store, func() error, error) {
	switch cfg.Cache.Backend {
	case config.BackendRedis:
		rc, err := storage.OpenRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return nil, nil, err
		}
		return rc, rc.Close, nil
	default:
		return db, func() error { return nil }, nil
	}
}

// runtime is everything a command needs, built from one config.
type runtime struct {
	cfg     config.Config
	db      *storage.Store
	cache   proxy.Store
	tracker *location.Tracker
	app     *collector.App

	closeCache func() error
}

func newRuntime(ctx context.Context, cfg config.Config) (*runtime, error) {
	db, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}
	cache, closeCache, err := openCacheStore(ctx, cfg, db)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("opening %s cache: %w", cfg.Cache.Backend, err)
	}

	tracker := location.NewTracker(newSource(cfg), cfg.Location.Timeout)
	encoder := photo.NewEncoder(int64(cfg.Photo.MaxBytes))
	client := submit.NewClient(cfg.Endpoint.URL, &http.Client{}, cfg.Endpoint.Timeout)

	return &runtime{
		cfg:        cfg,
		db:         db,
		cache:      cache,
		tracker:    tracker,
		app:        collector.New(tracker, encoder, client, db),
		closeCache: closeCache,
	}, nil
}

// transport returns the offline cache transport over the default network
// transport.
func (r *runtime) transport() *proxy.Transport {
	return proxy.NewTransport(http.DefaultTransport, r.cache, r.cfg.Cache.Name)
}

func (r *runtime) Close() {
	r.tracker.Stop()
	if err := r.closeCache(); err != nil {
		slog.Warn("closing cache", "error", err)
	}
	if err := r.db.Close(); err != nil {
		slog.Warn("closing storage", "error", err)
	}
}

// waitForFix starts the watch and blocks until a fix, a failure or wait
// elapses. With wait <= 0 only the tracker's own timeout applies.
func waitForFix(ctx context.Context, tracker *location.Tracker, wait time.Duration) (location.Fix, error) {
	tracker.Start(ctx)
	if wait <= 0 {
		return tracker.Wait(ctx)
	}
	waitCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	return tracker.Wait(waitCtx)
}
