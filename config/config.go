// Package config loads the proxy configuration from a YAML file and the environment.
//
// Values are applied in order: site defaults, then the file, then OFFLINE_CACHE_*
// environment variables. Command line flags are applied last by the binary.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	offlinecache "github.com/CompuzettaRadios/offline-cache"
	"github.com/CompuzettaRadios/offline-cache/cache"
	"github.com/CompuzettaRadios/offline-cache/notify"
)

// MemoryDatabase selects the in-memory store instead of a SQLite file.
const MemoryDatabase = "memory"

type Config struct {
	Origin string `yaml:"origin" env:"OFFLINE_CACHE_ORIGIN"`
	// PublicURL is where browsers load the site from through the proxy.
	PublicURL string `yaml:"publicUrl" env:"OFFLINE_CACHE_PUBLIC_URL"`
	// Host overrides the host name sent to the origin.
	Host     string `yaml:"host" env:"OFFLINE_CACHE_HOST"`
	Port     int    `yaml:"port" env:"OFFLINE_CACHE_PORT"`
	Database string `yaml:"database" env:"OFFLINE_CACHE_DATABASE"`
	LogFile  string `yaml:"logFile" env:"OFFLINE_CACHE_LOG_FILE"`

	Version       string   `yaml:"version" env:"OFFLINE_CACHE_VERSION"`
	StorePrefix   string   `yaml:"storePrefix" env:"OFFLINE_CACHE_STORE_PREFIX"`
	IndexDocument string   `yaml:"indexDocument" env:"OFFLINE_CACHE_INDEX_DOCUMENT"`
	Precache      []string `yaml:"precache" env:"OFFLINE_CACHE_PRECACHE" envSeparator:","`
	DenyList      []string `yaml:"denyList" env:"OFFLINE_CACHE_DENY_LIST" envSeparator:","`
	SkipWaiting   bool     `yaml:"skipWaiting" env:"OFFLINE_CACHE_SKIP_WAITING"`
	ControlPrefix string   `yaml:"controlPrefix" env:"OFFLINE_CACHE_CONTROL_PREFIX"`

	PrecacheConcurrency int   `yaml:"precacheConcurrency" env:"OFFLINE_CACHE_PRECACHE_CONCURRENCY"`
	MaxBodyBytes        int64 `yaml:"maxBodyBytes" env:"OFFLINE_CACHE_MAX_BODY_BYTES"`

	OfflinePage   offlinecache.OfflinePage   `yaml:"offlinePage" env:"-"`
	SpecialPages  []offlinecache.SpecialPage `yaml:"specialPages" env:"-"`
	Notifications notify.Defaults            `yaml:"notifications" envPrefix:"OFFLINE_CACHE_NOTIFICATION_"`
}

// Default returns the configuration of the radio site.
func Default() Config {
	return Config{
		Port:          8080,
		Database:      "offline-cache.db",
		Version:       "1.0.0",
		StorePrefix:   offlinecache.DefaultStorePrefix,
		IndexDocument: offlinecache.DefaultIndexDocument,
		Precache: []string{
			"/",
			"/index.html",
			"/historial.html",
			"/manifest.json",
		},
		// live audio and now-playing data must always come from the network
		DenyList: []string{
			"stream",
			"/api/",
			".mp3",
			".aac",
			".m3u8",
			"icecast",
			"shoutcast",
			"zeno.fm",
			"chrome-extension://",
		},
		SkipWaiting:         true,
		ControlPrefix:       offlinecache.DefaultControlPrefix,
		PrecacheConcurrency: 4,
		MaxBodyBytes:        10 << 20,
		OfflinePage:         offlinecache.DefaultOfflinePage,
		SpecialPages:        []offlinecache.SpecialPage{offlinecache.DefaultHistoryPage},
		Notifications: notify.Defaults{
			Title: "STEREO REVELACIÓN RADIO",
			Body:  "Nueva notificación de la radio",
			Icon:  "/icons/icon-192x192.png",
			Badge: "/icons/icon-72x72.png",
		},
	}
}

// Load returns the defaults overridden by the file, if any, and then by the environment.
func Load(filename string) (Config, error) {
	config := Default()
	if filename != "" {
		configBytes, err := os.ReadFile(filename)
		if err != nil {
			return config, err
		}
		if err := yaml.Unmarshal(configBytes, &config); err != nil {
			return config, fmt.Errorf("parse %s: %w", filename, err)
		}
	}
	if err := ParseEnv(&config); err != nil {
		return config, err
	}
	return config, nil
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// OriginURL returns the parsed origin.
func (c Config) OriginURL() (*url.URL, error) {
	if c.Origin == "" {
		return nil, errors.New("no origin configured")
	}
	u, err := url.Parse(c.Origin)
	if err != nil {
		return nil, fmt.Errorf("parse origin: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("origin %q is not an absolute URL", c.Origin)
	}
	if u.Path != "" && u.Path != "/" {
		return nil, fmt.Errorf("origin %q has a path, which is not supported", c.Origin)
	}
	u.Path = ""
	return u, nil
}

func (c Config) publicURL() (url.URL, error) {
	if c.PublicURL == "" {
		return url.URL{}, nil
	}
	u, err := url.Parse(c.PublicURL)
	if err != nil {
		return url.URL{}, fmt.Errorf("parse public URL: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return url.URL{}, fmt.Errorf("public URL %q is not an absolute URL", c.PublicURL)
	}
	return url.URL{Scheme: u.Scheme, Host: u.Host}, nil
}

// Validate checks the values the proxy cannot start without.
func (c Config) Validate() error {
	if _, err := c.OriginURL(); err != nil {
		return err
	}
	if _, err := c.publicURL(); err != nil {
		return err
	}
	if c.Port <= 0 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if _, err := cache.VersionName(c.StorePrefix, c.Version); err != nil {
		return err
	}
	return nil
}

// Provider opens the configured storage backend.
func (c Config) Provider() (cache.CacheProvider, error) {
	if c.Database == MemoryDatabase {
		return cache.NewMemCache(), nil
	}
	return cache.NewSQLiteCache(c.Database)
}

// CacheConfig returns the configuration of the offline cache.
func (c Config) CacheConfig(provider cache.CacheProvider, logger *zerolog.Logger) (offlinecache.Config, error) {
	origin, err := c.OriginURL()
	if err != nil {
		return offlinecache.Config{}, err
	}
	public, err := c.publicURL()
	if err != nil {
		return offlinecache.Config{}, err
	}
	return offlinecache.Config{
		Cache:               provider,
		OriginURL:           *origin,
		PublicURL:           public,
		OriginHost:          c.Host,
		Logger:              logger,
		Version:             c.Version,
		StorePrefix:         c.StorePrefix,
		IndexDocument:       c.IndexDocument,
		PrecacheManifest:    c.Precache,
		DenyList:            c.DenyList,
		SpecialPages:        c.SpecialPages,
		OfflinePage:         c.OfflinePage,
		WaitForActivation:   !c.SkipWaiting,
		ControlPrefix:       c.ControlPrefix,
		Notifications:       c.Notifications,
		PrecacheConcurrency: c.PrecacheConcurrency,
		MaxBodyBytes:        c.MaxBodyBytes,
	}, nil
}
