package cache

import (
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/mod/semver"

	"github.com/CompuzettaRadios/offline-cache/pkg/metrics"
	serializer "github.com/CompuzettaRadios/offline-cache/pkg/response-serializer"
)

// ErrDenied is returned when writing a key that matches the deny list.
var ErrDenied = errors.New("key matches the deny list")

var prefixPattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// VersionName derives the store name of a cache version, e.g. "srr-cache" and "1.4.0" give "srr-cache-v1.4.0".
// The version must be a semantic version, with or without the leading "v".
func VersionName(prefix, version string) (string, error) {
	if !prefixPattern.MatchString(prefix) {
		return "", fmt.Errorf("invalid store prefix %q", prefix)
	}
	v := "v" + strings.TrimPrefix(version, "v")
	if !semver.IsValid(v) {
		return "", fmt.Errorf("invalid cache version %q", version)
	}
	return prefix + "-" + v, nil
}

// ParseVersionName returns the semantic version of a store name created by VersionName
// and whether the name belongs to the prefix at all.
func ParseVersionName(prefix, name string) (string, bool) {
	v, found := strings.CutPrefix(name, prefix+"-")
	if !found || !semver.IsValid(v) {
		return "", false
	}
	return v, true
}

type ManagerConfig struct {
	Cache CacheProvider
	// Prefix of all store names managed here.
	Prefix string
	// Version is the current cache version, fixed for the lifetime of the process.
	Version string
	// Denied reports whether a key must never be read from or written to a store.
	Denied func(key string) bool
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger
	// Latency tracker for store operations, optional.
	Tracker *metrics.LatencyTracker
}

// Manager owns the store of the current cache version.
type Manager struct {
	cache   CacheProvider
	prefix  string
	current string
	denied  func(string) bool
	log     zerolog.Logger
	tracker *metrics.LatencyTracker
}

func NewManager(config ManagerConfig) (*Manager, error) {
	if config.Cache == nil {
		return nil, errors.New("no cache provider configured")
	}
	current, err := VersionName(config.Prefix, config.Version)
	if err != nil {
		return nil, err
	}
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}
	denied := config.Denied
	if denied == nil {
		denied = func(string) bool { return false }
	}
	return &Manager{
		cache:   config.Cache,
		prefix:  config.Prefix,
		current: current,
		denied:  denied,
		log:     logger.With().Str("store", current).Logger(),
		tracker: config.Tracker,
	}, nil
}

// Current returns the store name of the current version.
func (m *Manager) Current() string {
	return m.current
}

// OpenCurrent returns the store of the current version, creating it if absent.
// Storage faults are returned to the caller.
func (m *Manager) OpenCurrent() (*Store, error) {
	if err := m.cache.Open(m.current); err != nil {
		return nil, fmt.Errorf("open store %s: %w", m.current, err)
	}
	return &Store{
		name:    m.current,
		cache:   m.cache,
		denied:  m.denied,
		log:     m.log,
		tracker: m.tracker,
	}, nil
}

// ListVersions returns the names of all stores in the provider, whatever version created them.
func (m *Manager) ListVersions() ([]string, error) {
	return m.cache.Stores()
}

// DeleteVersion removes a store and everything in it.
func (m *Manager) DeleteVersion(name string) error {
	if err := m.cache.Delete(name); err != nil {
		return fmt.Errorf("delete store %s: %w", name, err)
	}
	return nil
}

// Store is a handle to one versioned store.
type Store struct {
	name    string
	cache   CacheProvider
	denied  func(string) bool
	log     zerolog.Logger
	tracker *metrics.LatencyTracker
}

func (s *Store) Name() string {
	return s.name
}

// Match returns the stored response for the key.
// Lookup failures are logged and reported as a miss.
func (s *Store) Match(key string, req *http.Request) (*http.Response, bool) {
	if s.denied(key) {
		return nil, false
	}
	defer s.tracker.Since(metrics.OpStoreMatch, time.Now())
	bytes, ok, err := s.cache.Get(s.name, key)
	if err != nil {
		s.log.Error().Err(err).Str("key", key).Msg("Could not read from store")
		return nil, false
	}
	if !ok {
		return nil, false
	}
	sRes, err := serializer.BytesToStoredResponse(bytes, req)
	if err != nil {
		s.log.Error().Err(err).Str("key", key).Msg("Could not read stored response")
		return nil, false
	}
	return sRes.Response, true
}

// Put stores a copy of the response under the key, replacing any existing entry.
// The response body stays readable for the caller.
// Failures are logged and swallowed.
func (s *Store) Put(key string, res *http.Response) bool {
	bytes, err := serializer.StoredResponseToBytes(serializer.StoredResponse{
		Response: res,
		StoredAt: time.Now(),
	})
	if err != nil {
		s.log.Error().Err(err).Str("key", key).Msg("Could not serialize response")
		return false
	}
	return s.write(key, bytes)
}

// PutBytes stores a response already captured in HTTP/1.1 format.
// Failures are logged and swallowed.
func (s *Store) PutBytes(key string, captured []byte) bool {
	bytes, err := serializer.StampBytes(captured, time.Now())
	if err != nil {
		s.log.Error().Err(err).Str("key", key).Msg("Could not read captured response")
		return false
	}
	return s.write(key, bytes)
}

func (s *Store) write(key string, bytes []byte) bool {
	if s.denied(key) {
		s.log.Debug().Err(ErrDenied).Str("key", key).Msg("Not writing to store")
		return false
	}
	defer s.tracker.Since(metrics.OpStorePut, time.Now())
	if err := s.cache.Put(s.name, key, bytes); err != nil {
		s.log.Error().Err(err).Str("key", key).Msg("Could not write to store")
		return false
	}
	s.log.Trace().Str("key", key).Int("bytes", len(bytes)).Msg("Store write")
	return true
}

// Keys returns all keys in the store.
func (s *Store) Keys() ([]string, error) {
	keys := make([]string, 0)
	err := s.cache.Keys(s.name, func(key string) {
		keys = append(keys, key)
	})
	return keys, err
}
