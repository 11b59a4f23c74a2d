package offlinecache

import (
	"crypto/tls"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/CompuzettaRadios/offline-cache/cache"
	"github.com/CompuzettaRadios/offline-cache/clients"
	"github.com/CompuzettaRadios/offline-cache/control"
	"github.com/CompuzettaRadios/offline-cache/notify"
	cachekey "github.com/CompuzettaRadios/offline-cache/pkg/cache-key"
	cachestatus "github.com/CompuzettaRadios/offline-cache/pkg/cache-status"
	"github.com/CompuzettaRadios/offline-cache/pkg/classifier"
	dispatch "github.com/CompuzettaRadios/offline-cache/pkg/event-dispatch"
	"github.com/CompuzettaRadios/offline-cache/pkg/metrics"
)

const (
	DefaultStorePrefix   = "srr-cache"
	DefaultIndexDocument = "index.html"
	DefaultControlPrefix = "/.offline-cache"
)

type Config struct {
	// Storage for the versioned cache stores.
	Cache cache.CacheProvider
	// URL of the origin server.
	// Origins with paths are not supported.
	OriginURL url.URL
	// Hostname to use for HTTP requests and TLS negotiation.
	// Use if needed if e.g. the origin URL is just an IP address.
	OriginHost string
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger
	// Version is the semantic version of this build's cache.
	Version string
	// StorePrefix is prepended to the version to name the store.
	StorePrefix string
	// IndexDocument answers all root navigations, "index.html" by default.
	IndexDocument string
	// PrecacheManifest lists the URLs stored at install, relative or absolute.
	PrecacheManifest []string
	// DenyList holds substring patterns of URLs that are never cached.
	DenyList []string
	// SpecialPages have their own key and their own offline page.
	SpecialPages []SpecialPage
	// OfflinePage is shown for root navigations when both store and network fail.
	OfflinePage OfflinePage
	// WaitForActivation keeps a freshly installed version waiting for a force-activate message
	// while an older version is still stored. By default every install signals skip-waiting.
	WaitForActivation bool
	// PublicURL is the address the site is served at through this proxy.
	// If empty, it is taken from the first client registration.
	PublicURL url.URL
	// ControlPrefix is the path under which the control plane is mounted.
	ControlPrefix string
	// Notifications holds the defaults for push payloads that leave fields out.
	Notifications notify.Defaults
	// PrecacheConcurrency limits parallel manifest fetches.
	PrecacheConcurrency int
	// MaxBodyBytes is the largest body kept for the store; larger responses are only passed on.
	MaxBodyBytes int64
	// Transport for origin requests. http.DefaultTransport is used if nil.
	Transport http.RoundTripper
}

type OfflineCache struct {
	stores        *cache.Manager
	keyer         cachekey.CacheKeyer
	classifier    classifier.Classifier
	originURL     url.URL
	originHost    string
	log           zerolog.Logger
	manifest      []string
	specialPages  map[string]SpecialPage
	offlinePage   OfflinePage
	skipWaiting   bool
	controlPrefix string
	concurrency   int
	maxBodyBytes  int64

	// client does not follow redirects, so the page sees them
	client http.Client
	// documentClient follows redirects when fetching documents for the store
	documentClient http.Client

	// lifecycle serializes install and activate
	lifecycle     sync.Mutex
	state         atomic.Int32
	skipRequested atomic.Bool

	// publicURL is where clients load the site from
	publicURL atomic.Pointer[url.URL]

	dispatcher *dispatch.Dispatcher
	clients    *clients.Registry
	feed       *notify.Feed
	bridge     *notify.Bridge
	listener   *control.Listener
	tracker    *metrics.LatencyTracker
}

// CreateCache initializes the offline cache instance.
// The cache does not intercept requests until Start has installed and activated its version.
func CreateCache(config Config) (*OfflineCache, error) {
	// use console logger if not specified in config
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}
	if config.OriginURL.Host == "" {
		return nil, errors.New("origin URL has no host")
	}
	// create a child logger and add defaults
	logger = logger.With().
		Str("origin", config.OriginURL.String()).
		Logger()

	prefix := config.StorePrefix
	if prefix == "" {
		prefix = DefaultStorePrefix
	}
	controlPrefix := "/" + strings.Trim(config.ControlPrefix, "/")
	if controlPrefix == "/" {
		controlPrefix = DefaultControlPrefix
	}
	concurrency := config.PrecacheConcurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	offlinePage := config.OfflinePage.withDefaults(DefaultOfflinePage)

	origin := config.OriginURL
	a := &OfflineCache{
		keyer:         cachekey.NewCacheKeyer(&origin, config.IndexDocument),
		originURL:     origin,
		originHost:    config.OriginHost,
		log:           logger,
		manifest:      config.PrecacheManifest,
		specialPages:  make(map[string]SpecialPage),
		offlinePage:   offlinePage,
		skipWaiting:   !config.WaitForActivation,
		controlPrefix: controlPrefix,
		concurrency:   concurrency,
		maxBodyBytes:  config.MaxBodyBytes,
		tracker:       metrics.NewLatencyTracker(0.01),
	}
	if config.PublicURL.Host != "" {
		public := url.URL{Scheme: config.PublicURL.Scheme, Host: config.PublicURL.Host}
		a.publicURL.Store(&public)
	}

	pageNames := make([]string, 0, len(config.SpecialPages))
	for _, page := range config.SpecialPages {
		name := strings.TrimPrefix(page.Name, "/")
		if name == "" {
			continue
		}
		a.specialPages[name] = page.withDefaults(offlinePage)
		pageNames = append(pageNames, name)
	}
	a.classifier = classifier.Classifier{
		DenyList:      config.DenyList,
		SpecialPages:  pageNames,
		IndexDocument: a.keyer.IndexDocument,
	}

	stores, err := cache.NewManager(cache.ManagerConfig{
		Cache:   config.Cache,
		Prefix:  prefix,
		Version: config.Version,
		Denied:  a.deniedKey,
		Logger:  &logger,
		Tracker: a.tracker,
	})
	if err != nil {
		return nil, err
	}
	a.stores = stores
	a.log = a.log.With().Str("store", stores.Current()).Logger()

	transport := config.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	// use provided hostname for origin if configured
	if a.originHost != "" && config.Transport == nil {
		transport = &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			TLSClientConfig: &tls.Config{
				ServerName: a.originHost,
			},
		}
	}
	a.client = http.Client{
		Transport: transport,
		// do not follow redirects
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	a.documentClient = http.Client{Transport: transport}

	a.clients = clients.NewRegistry(a.log)
	a.feed = notify.NewFeed(50)
	a.bridge = &notify.Bridge{
		Displayer: a.feed,
		Clients:   a.clients,
		Origin:    a.publicURL.Load,
		Defaults:  config.Notifications,
		Log:       a.log,
	}
	a.listener = control.NewListener(a, a.log)
	a.dispatcher = dispatch.New(a.log)
	a.registerHandlers()

	return a, nil
}

// ServeHTTP implements the http.Handler interface.
func (a *OfflineCache) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer a.recover(w, r)
	a.handle(w, r)
}

// recover recovers from panics and sends the request to the escape hatch.
func (a *OfflineCache) recover(w http.ResponseWriter, r *http.Request) {
	if err := recover(); err != nil {
		a.log.WithLevel(zerolog.PanicLevel).Interface("error", err).Str("url", r.URL.String()).Msg("Panic in cache handler")
		a.escapeHatch(w, r)
	}
}

// escapeHatch is a fallback handler that just proxies the request to the origin.
func (a *OfflineCache) escapeHatch(w http.ResponseWriter, r *http.Request) {
	defer func() {
		if err := recover(); err != nil {
			a.log.WithLevel(zerolog.PanicLevel).Interface("error", err).Msg("Panic in escape hatch")
		}
	}()
	cs := cachestatus.CacheStatus{}
	cs.Forward(cachestatus.FwdBypass)
	cs.Detail("error")
	a.passThrough(w, r, classifier.Verdict{Kind: classifier.NeverCache}, cs)
}

// Dispatcher returns the event dispatcher the lifecycle and notification handlers are registered on.
func (a *OfflineCache) Dispatcher() *dispatch.Dispatcher {
	return a.dispatcher
}

// Clients returns the registry of page windows.
func (a *OfflineCache) Clients() *clients.Registry {
	return a.clients
}

// Notifications returns the feed of displayed notifications.
func (a *OfflineCache) Notifications() *notify.Feed {
	return a.feed
}

// Stats returns latency statistics of origin fetches and store operations.
func (a *OfflineCache) Stats() []metrics.Stats {
	return a.tracker.GetAllStats()
}

// PublicURL returns the address clients load the site from, or nil if it is not known yet.
func (a *OfflineCache) PublicURL() *url.URL {
	return a.publicURL.Load()
}

// learnPublicURL records the scheme and host of a request as the public address
// unless one is already known.
func (a *OfflineCache) learnPublicURL(r *http.Request) {
	if a.publicURL.Load() != nil {
		return
	}
	u := &url.URL{Scheme: "http", Host: r.Host}
	if r.TLS != nil {
		u.Scheme = "https"
	}
	// set by a TLS terminating proxy in front of us
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		u.Scheme = proto
	}
	if host := r.Header.Get("X-Forwarded-Host"); host != "" {
		u.Host = host
	}
	if u.Host == "" {
		return
	}
	if a.publicURL.CompareAndSwap(nil, u) {
		a.log.Info().Str("url", u.String()).Msg("Public URL taken from client registration")
	}
}

// deniedKey reports whether the URL of a store key matches the deny list.
func (a *OfflineCache) deniedKey(key string) bool {
	u, err := a.keyer.GetURLFromKey(key)
	if err != nil {
		return false
	}
	return a.classifier.Denied(u.String())
}

func (a *OfflineCache) logRequest(r *http.Request, verdict classifier.Verdict, cs cachestatus.CacheStatus, status int) {
	isHit := 0
	if cs.Status == cachestatus.StatusHit {
		isHit = 1
	}
	a.log.Debug().
		Str("method", r.Method).
		Str("url", r.URL.String()).
		Str("sourceIp", getRequestSourceIp(r)).
		Str("verdict", verdict.String()).
		Str("status", string(cs.Status)).
		Str("fwd", string(cs.FwdReason)).
		Bool("stored", cs.Stored).
		Int("code", status).
		Int("hit", isHit).
		Msg("Sending response to client")
}

func getRequestSourceIp(r *http.Request) string {
	// RemoteAddr is in the format:
	// 1.2.3.4:10000 for ipv4
	// [1:2:3]:10000 for ipv6
	ipAndPort := r.RemoteAddr
	portSepIdx := strings.LastIndex(ipAndPort, ":")
	// if not found, return
	if portSepIdx < 0 {
		return ipAndPort
	}
	return ipAndPort[:portSepIdx]
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		// this is a warkaround to remove default headers sent by an upstream proxy
		// some servers do not like the presence of these headers in the downstream request
		if k != "X-Forwarded-For" && k != "X-Forwarded-Proto" && k != "X-Forwarded-Host" {
			for _, v := range vv {
				dst.Add(k, v)
			}
		}
	}
}
