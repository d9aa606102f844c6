package redis

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

const defaultDialTimeout = 5 * time.Second

// Mode selects the Redis deployment topology.
type Mode string

const (
	ModeSingle   Mode = "single"
	ModeSentinel Mode = "sentinel"
	ModeCluster  Mode = "cluster"
)

// Config configures a topology-agnostic Redis connection.
type Config struct {
	Mode         Mode
	Addrs        []string // single: 1 addr, sentinel: sentinel addrs, cluster: seed nodes
	MasterName   string   // sentinel only
	Username     string
	Password     string
	DB           int
	TLS          *tls.Config
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// NewUniversalClient connects to single-node, Sentinel, or Cluster Redis
// based on Config and verifies the connection with a ping. go-redis routes
// internally: MasterName set selects Sentinel, multiple Addrs Cluster, a
// single Addr standalone.
func NewUniversalClient(ctx context.Context, cfg Config) (goredis.UniversalClient, error) {
	if len(cfg.Addrs) == 0 {
		return nil, fmt.Errorf("at least one redis address is required")
	}
	if cfg.Mode == ModeSentinel && cfg.MasterName == "" {
		return nil, fmt.Errorf("sentinel mode requires a master name")
	}

	opts := &goredis.UniversalOptions{
		Addrs:        cfg.Addrs,
		MasterName:   cfg.MasterName,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		TLSConfig:    cfg.TLS,
		DialTimeout:  orDefault(cfg.DialTimeout),
		ReadTimeout:  orDefault(cfg.ReadTimeout),
		WriteTimeout: orDefault(cfg.WriteTimeout),
	}

	client := goredis.NewUniversalClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return client, nil
}

// NewClientFromURL connects to the single node addressed by a redis:// or
// rediss:// URL, the usual deployment for the quote cache.
func NewClientFromURL(ctx context.Context, redisURL string) (goredis.UniversalClient, error) {
	if redisURL == "" {
		return nil, fmt.Errorf("redis url is required")
	}

	parsed, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	return NewUniversalClient(ctx, Config{
		Mode:         ModeSingle,
		Addrs:        []string{parsed.Addr},
		Username:     parsed.Username,
		Password:     parsed.Password,
		DB:           parsed.DB,
		TLS:          parsed.TLSConfig,
		DialTimeout:  parsed.DialTimeout,
		ReadTimeout:  parsed.ReadTimeout,
		WriteTimeout: parsed.WriteTimeout,
	})
}

func orDefault(d time.Duration) time.Duration {
	if d == 0 {
		return defaultDialTimeout
	}
	return d
}
