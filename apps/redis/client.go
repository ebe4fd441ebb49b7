package redis

import (
	"context"
	"strings"
	"time"

	"github.com/getevo/evo/v2/lib/log"
	"github.com/getevo/evo/v2/lib/settings"
	"github.com/redis/go-redis/v9"
)

// Client is the shared connection. It stays nil when Redis is not
// configured or unreachable; every consumer then uses its in-memory fallback.
var Client redis.UniversalClient

// Config holds the Redis connection settings
type Config struct {
	Addresses    []string
	Password     string
	DB           int
	MaxRetries   int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
	MinIdleConns int
	// MasterName switches to sentinel mode, Addresses are then sentinels
	MasterName       string
	SentinelPassword string
}

// Initialize connects the universal client. A single address yields a
// simple client, several addresses a cluster client and a master name a
// failover client.
//
//	REDIS:
//	  ADDRESSES: "redis1:6379,redis2:6379"
//	  PASSWORD: ""
//	  MASTER_NAME: ""
func Initialize(config Config) error {
	if len(config.Addresses) == 0 {
		log.Info("Redis not configured, typing state and webhook limits stay in memory")
		return nil
	}

	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:            config.Addresses,
		Password:         config.Password,
		DB:               config.DB,
		MaxRetries:       config.MaxRetries,
		DialTimeout:      config.DialTimeout,
		ReadTimeout:      config.ReadTimeout,
		WriteTimeout:     config.WriteTimeout,
		PoolSize:         config.PoolSize,
		MinIdleConns:     config.MinIdleConns,
		MasterName:       config.MasterName,
		SentinelPassword: config.SentinelPassword,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		log.Warning("Redis connection failed: %v, falling back to memory", err)
		_ = client.Close()
		return nil
	}
	Client = client

	switch {
	case config.MasterName != "":
		log.Info("Redis sentinel connected (master: %s)", config.MasterName)
	case len(config.Addresses) == 1:
		log.Info("Redis connected (single node: %s)", config.Addresses[0])
	default:
		log.Info("Redis cluster connected (%d nodes)", len(config.Addresses))
	}
	return nil
}

// LoadConfig reads REDIS.* settings
func LoadConfig() Config {
	config := Config{
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	}

	config.Addresses = splitAddresses(settings.Get("REDIS.ADDRESSES").String())
	if len(config.Addresses) == 0 {
		config.Addresses = splitAddresses(settings.Get("REDIS.ADDRESS").String())
	}

	config.Password = settings.Get("REDIS.PASSWORD").String()
	config.DB = settings.Get("REDIS.DB", 0).Int()
	if poolSize := settings.Get("REDIS.POOL_SIZE").Int(); poolSize > 0 {
		config.PoolSize = poolSize
	}
	if minIdle := settings.Get("REDIS.MIN_IDLE_CONNS").Int(); minIdle > 0 {
		config.MinIdleConns = minIdle
	}
	if maxRetries := settings.Get("REDIS.MAX_RETRIES").Int(); maxRetries > 0 {
		config.MaxRetries = maxRetries
	}
	config.MasterName = settings.Get("REDIS.MASTER_NAME").String()
	config.SentinelPassword = settings.Get("REDIS.SENTINEL_PASSWORD").String()
	return config
}

func splitAddresses(raw string) []string {
	var out []string
	for _, addr := range strings.Split(raw, ",") {
		addr = strings.TrimSpace(addr)
		if addr != "" && addr != "[]" {
			out = append(out, addr)
		}
	}
	return out
}

// IsAvailable reports whether a live connection exists
func IsAvailable() bool {
	if Client == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return Client.Ping(ctx).Err() == nil
}

// Close closes the connection
func Close() error {
	if Client != nil {
		return Client.Close()
	}
	return nil
}
