package config

import (
	"time"

	"github.com/fabian4/proxypool-homebrew-go/internal/model"
)

// Config is the fully validated daemon configuration.
type Config struct {
	Listen               string
	Proxies              []model.Proxy
	Redis                Redis
	WindowSize           time.Duration
	MaxRequestsPerWindow int64
	Cooldown             time.Duration
	Client               Client
}

// Redis is the shared store connection.
type Redis struct {
	URI       string // redis:// connection string
	Password  string // overrides the URI when set
	DB        int
	PoolSize  int           // 0 = client default
	OpTimeout time.Duration // per-operation bound
}

// Client tunes the scraping client.
type Client struct {
	Retries        int
	StartBackoff   time.Duration
	MaxBackoff     time.Duration
	RequestTimeout time.Duration
	MaxRPS         float64
	UserAgents     []string
}
