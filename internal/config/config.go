package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fabian4/proxypool-homebrew-go/internal/model"
)

type rawConfig struct {
	Listen  string   `yaml:"listen"`
	Proxies []string `yaml:"proxies"`
	Redis   struct {
		URI       string `yaml:"uri"`
		Password  string `yaml:"password"`
		DB        int    `yaml:"db"`
		PoolSize  int    `yaml:"pool_size"`
		OpTimeout string `yaml:"op_timeout"`
	} `yaml:"redis"`
	WindowSizeInMinutes  int    `yaml:"window_size_in_minutes"`
	MaxRequestsPerWindow int64  `yaml:"max_requests_per_window"`
	Cooldown             string `yaml:"cooldown"`
	Client               struct {
		Retries        int      `yaml:"retries"`
		StartBackoff   string   `yaml:"start_backoff"`
		MaxBackoff     string   `yaml:"max_backoff"`
		RequestTimeout string   `yaml:"request_timeout"`
		MaxRPS         float64  `yaml:"max_rps"`
		UserAgents     []string `yaml:"user_agents"`
	} `yaml:"client"`
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var rc rawConfig
	if err := yaml.Unmarshal(b, &rc); err != nil {
		return nil, fmt.Errorf("yaml: %w", err)
	}

	// listen
	listen := ":8080"
	if strings.TrimSpace(rc.Listen) != "" {
		listen = strings.TrimSpace(rc.Listen)
	}

	// proxies: malformed addresses are fatal here, not at request time
	if len(rc.Proxies) == 0 {
		return nil, fmt.Errorf("proxies: at least one is required")
	}
	proxies := make([]model.Proxy, 0, len(rc.Proxies))
	seen := make(map[string]struct{})
	for i, raw := range rc.Proxies {
		p, err := model.ParseProxy(raw)
		if err != nil {
			return nil, fmt.Errorf("proxies[%d]: %w", i, err)
		}
		if _, dup := seen[p.Address()]; dup {
			return nil, fmt.Errorf("proxies[%d]: duplicate %s", i, p.Address())
		}
		seen[p.Address()] = struct{}{}
		proxies = append(proxies, p)
	}

	// redis
	redis := Redis{
		URI:      "redis://localhost:6379/0",
		Password: rc.Redis.Password,
		DB:       rc.Redis.DB,
		PoolSize: rc.Redis.PoolSize,
	}
	if strings.TrimSpace(rc.Redis.URI) != "" {
		redis.URI = strings.TrimSpace(rc.Redis.URI)
	}
	redis.OpTimeout, err = duration("redis.op_timeout", rc.Redis.OpTimeout, 2*time.Second)
	if err != nil {
		return nil, err
	}

	// window
	window := 5 * time.Minute
	if rc.WindowSizeInMinutes < 0 {
		return nil, fmt.Errorf("window_size_in_minutes: must be positive")
	}
	if rc.WindowSizeInMinutes > 0 {
		window = time.Duration(rc.WindowSizeInMinutes) * time.Minute
	}
	maxRequests := int64(100)
	if rc.MaxRequestsPerWindow < 0 {
		return nil, fmt.Errorf("max_requests_per_window: must be positive")
	}
	if rc.MaxRequestsPerWindow > 0 {
		maxRequests = rc.MaxRequestsPerWindow
	}

	cooldown, err := duration("cooldown", rc.Cooldown, 5*time.Minute)
	if err != nil {
		return nil, err
	}

	// client
	client := Client{
		Retries:    rc.Client.Retries,
		MaxRPS:     rc.Client.MaxRPS,
		UserAgents: rc.Client.UserAgents,
	}
	if client.Retries < 0 {
		return nil, fmt.Errorf("client.retries: must be positive")
	}
	if client.MaxRPS < 0 {
		return nil, fmt.Errorf("client.max_rps: must not be negative")
	}
	client.StartBackoff, err = duration("client.start_backoff", rc.Client.StartBackoff, 0)
	if err != nil {
		return nil, err
	}
	client.MaxBackoff, err = duration("client.max_backoff", rc.Client.MaxBackoff, 0)
	if err != nil {
		return nil, err
	}
	client.RequestTimeout, err = duration("client.request_timeout", rc.Client.RequestTimeout, 0)
	if err != nil {
		return nil, err
	}

	return &Config{
		Listen:               listen,
		Proxies:              proxies,
		Redis:                redis,
		WindowSize:           window,
		MaxRequestsPerWindow: maxRequests,
		Cooldown:             cooldown,
		Client:               client,
	}, nil
}

func duration(field, raw string, def time.Duration) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %v", field, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: must not be negative", field)
	}
	return d, nil
}
