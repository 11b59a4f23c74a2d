package offlinecache

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/CompuzettaRadios/offline-cache/cache"
	cachestatus "github.com/CompuzettaRadios/offline-cache/pkg/cache-status"
)

var testLogger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).Level(zerolog.DebugLevel)

// testOrigin is a radio site origin that counts requests per path.
type testOrigin struct {
	*httptest.Server
	hits  map[string]*atomic.Int32
	index atomic.Int32 // status of /index.html, 200 if zero
}

func newTestOrigin(t *testing.T) *testOrigin {
	o := &testOrigin{hits: map[string]*atomic.Int32{}}
	for _, p := range []string{"/", "/index.html", "/historial.html", "/styles.css", "/api/now-playing", "/missing.js"} {
		o.hits[p] = &atomic.Int32{}
	}
	o.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c, ok := o.hits[r.URL.Path]; ok {
			c.Add(1)
		}
		switch r.URL.Path {
		case "/", "/index.html":
			if r.Header.Get("If-None-Match") == `"v1"` {
				w.WriteHeader(http.StatusNotModified)
				return
			}
			if code := o.index.Load(); code != 0 && r.URL.Path == "/index.html" {
				w.WriteHeader(int(code))
				return
			}
			w.Header().Set("Content-Type", "text/html")
			io.WriteString(w, "<h1>Radio "+r.URL.Path+"</h1>")
		case "/historial.html":
			w.Header().Set("Content-Type", "text/html")
			io.WriteString(w, "<h1>Historial</h1>")
		case "/styles.css":
			w.Header().Set("Content-Type", "text/css")
			io.WriteString(w, "body { color: #FFE000; }")
		case "/api/now-playing":
			io.WriteString(w, `{"song":"`+r.Method+`"}`)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(o.Close)
	return o
}

func (o *testOrigin) count(p string) int {
	return int(o.hits[p].Load())
}

func testConfig(origin *testOrigin, provider cache.CacheProvider) Config {
	u, _ := url.Parse(origin.URL)
	return Config{
		Cache:        provider,
		OriginURL:    *u,
		Logger:       &testLogger,
		Version:      "1.0.0",
		DenyList:     []string{"/api/", "stream"},
		SpecialPages: []SpecialPage{DefaultHistoryPage},
	}
}

func startTestCache(t *testing.T, config Config) *OfflineCache {
	a, err := CreateCache(config)
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	return a
}

func get(a http.Handler, target string, navigate bool) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	if navigate {
		req.Header.Set("Sec-Fetch-Mode", "navigate")
		req.Header.Set("Accept", "text/html,application/xhtml+xml")
	}
	rr := httptest.NewRecorder()
	a.ServeHTTP(rr, req)
	return rr
}

// waitForKey waits for a background store write.
func waitForKey(t *testing.T, a *OfflineCache, key string) {
	store, err := a.stores.OpenCurrent()
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 100; i++ {
		if _, ok := store.Match(key, nil); ok {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Key %s was never stored", key)
}

func storedKeys(t *testing.T, a *OfflineCache) []string {
	store, err := a.stores.OpenCurrent()
	if err != nil {
		t.Fatal(err)
	}
	keys, err := store.Keys()
	if err != nil {
		t.Fatal(err)
	}
	return keys
}

func TestPassThroughUntilActive(t *testing.T) {
	origin := newTestOrigin(t)
	a, err := CreateCache(testConfig(origin, cache.NewMemCache()))
	if err != nil {
		t.Fatal(err)
	}

	get(a, "/styles.css", false)
	rr := get(a, "/styles.css", false)

	if origin.count("/styles.css") != 2 {
		t.Fatalf("Origin called %d times", origin.count("/styles.css"))
	}
	if status := rr.Header().Get(cachestatus.HeaderName); !strings.Contains(status, "fwd=inactive") {
		t.Fatalf("Cache-Status is %s", status)
	}
}

func TestGenericCachedAfterSuccess(t *testing.T) {
	origin := newTestOrigin(t)
	a := startTestCache(t, testConfig(origin, cache.NewMemCache()))

	rr := get(a, "/styles.css", false)
	if rr.Code != http.StatusOK || rr.Body.String() != "body { color: #FFE000; }" {
		t.Fatalf("Response %d %s", rr.Code, rr.Body.String())
	}
	waitForKey(t, a, a.keyer.DocumentKey("styles.css"))

	rr = get(a, "/styles.css", false)
	if origin.count("/styles.css") != 1 {
		t.Fatalf("Origin called %d times", origin.count("/styles.css"))
	}
	if status := rr.Header().Get(cachestatus.HeaderName); !strings.HasPrefix(status, "Offline-Cache; hit") {
		t.Fatalf("Cache-Status is %s", status)
	}
	if values := rr.Header().Values(cachestatus.HeaderName); len(values) != 1 {
		t.Fatalf("Cache-Status stored with the response: %v", values)
	}
	if rr.Body.String() != "body { color: #FFE000; }" || rr.Header().Get("Content-Type") != "text/css" {
		t.Fatalf("Stored response is %s %s", rr.Header().Get("Content-Type"), rr.Body.String())
	}

	// still served when the origin is gone
	origin.Close()
	if rr := get(a, "/styles.css", false); rr.Code != http.StatusOK {
		t.Fatalf("Status offline is %d", rr.Code)
	}
}

func TestNotFoundIsNotCached(t *testing.T) {
	origin := newTestOrigin(t)
	a := startTestCache(t, testConfig(origin, cache.NewMemCache()))

	if rr := get(a, "/missing.js", false); rr.Code != http.StatusNotFound {
		t.Fatalf("Status is %d", rr.Code)
	}
	get(a, "/missing.js", false)
	if origin.count("/missing.js") != 2 {
		t.Fatalf("Origin called %d times", origin.count("/missing.js"))
	}
}

func TestDenyListNeverCached(t *testing.T) {
	origin := newTestOrigin(t)
	a := startTestCache(t, testConfig(origin, cache.NewMemCache()))

	get(a, "/api/now-playing", false)
	rr := get(a, "/api/now-playing", false)

	if origin.count("/api/now-playing") != 2 {
		t.Fatalf("Origin called %d times", origin.count("/api/now-playing"))
	}
	if status := rr.Header().Get(cachestatus.HeaderName); !strings.Contains(status, "fwd=bypass") {
		t.Fatalf("Cache-Status is %s", status)
	}
	time.Sleep(50 * time.Millisecond)
	for _, key := range storedKeys(t, a) {
		if strings.Contains(key, "/api/") {
			t.Fatalf("Denied key %s stored", key)
		}
	}
}

func TestNonGetPassedThrough(t *testing.T) {
	origin := newTestOrigin(t)
	a := startTestCache(t, testConfig(origin, cache.NewMemCache()))

	rr := httptest.NewRecorder()
	a.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/styles.css", strings.NewReader("x")))
	a.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/styles.css", nil))

	if origin.count("/styles.css") != 2 {
		t.Fatalf("Origin called %d times", origin.count("/styles.css"))
	}
	if status := rr.Header().Get(cachestatus.HeaderName); !strings.Contains(status, "fwd=method") {
		t.Fatalf("Cache-Status is %s", status)
	}
	time.Sleep(50 * time.Millisecond)
	if keys := storedKeys(t, a); len(keys) != 0 {
		t.Fatalf("Stored keys %v", keys)
	}
}

func TestRootAliasesShareEntry(t *testing.T) {
	origin := newTestOrigin(t)
	a := startTestCache(t, testConfig(origin, cache.NewMemCache()))

	rr := get(a, "/", true)
	if rr.Body.String() != "<h1>Radio /index.html</h1>" {
		t.Fatalf("Body is %s", rr.Body.String())
	}
	waitForKey(t, a, a.keyer.IndexKey())

	for _, target := range []string{"/", "/index.html", "/?utm_source=app"} {
		rr := get(a, target, true)
		if rr.Body.String() != "<h1>Radio /index.html</h1>" {
			t.Fatalf("Body of %s is %s", target, rr.Body.String())
		}
	}
	if origin.count("/index.html") != 1 || origin.count("/") != 0 {
		t.Fatalf("Origin called %d times for index, %d for root", origin.count("/index.html"), origin.count("/"))
	}
}

func TestOfflineRootNavigation(t *testing.T) {
	origin := newTestOrigin(t)
	a := startTestCache(t, testConfig(origin, cache.NewMemCache()))
	origin.Close()

	rr := get(a, "/", true)

	if rr.Code != http.StatusOK || !strings.HasPrefix(rr.Header().Get("Content-Type"), "text/html") {
		t.Fatalf("Response %d %s", rr.Code, rr.Header().Get("Content-Type"))
	}
	body := rr.Body.String()
	if !strings.Contains(body, DefaultOfflinePage.Message) || !strings.Contains(body, "window.location.reload()") {
		t.Fatalf("Body is %s", body)
	}
	if keys := storedKeys(t, a); len(keys) != 0 {
		t.Fatalf("Offline page stored: %v", keys)
	}
}

func TestNon200DocumentIsFailure(t *testing.T) {
	origin := newTestOrigin(t)
	origin.index.Store(http.StatusInternalServerError)
	a := startTestCache(t, testConfig(origin, cache.NewMemCache()))

	rr := get(a, "/index.html", true)

	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), DefaultOfflinePage.Heading) {
		t.Fatalf("Response %d %s", rr.Code, rr.Body.String())
	}
}

func TestDocumentFetchIsUnconditional(t *testing.T) {
	origin := newTestOrigin(t)
	a := startTestCache(t, testConfig(origin, cache.NewMemCache()))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Sec-Fetch-Mode", "navigate")
	req.Header.Set("If-None-Match", `"v1"`)
	req.Header.Set("If-Modified-Since", "Mon, 19 Oct 2026 10:00:00 GMT")
	rr := httptest.NewRecorder()
	a.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK || rr.Body.String() != "<h1>Radio /index.html</h1>" {
		t.Fatalf("Response %d %s", rr.Code, rr.Body.String())
	}
	if status := rr.Header().Get(cachestatus.HeaderName); strings.Contains(status, "offline") {
		t.Fatalf("Cache-Status is %s", status)
	}
	waitForKey(t, a, a.keyer.IndexKey())
}

func TestOfflineSpecialPage(t *testing.T) {
	origin := newTestOrigin(t)
	a := startTestCache(t, testConfig(origin, cache.NewMemCache()))
	origin.Close()

	rr := get(a, "/historial.html", true)

	if rr.Code != http.StatusOK || !strings.HasPrefix(rr.Header().Get("Content-Type"), "text/html") {
		t.Fatalf("Response %d %s", rr.Code, rr.Header().Get("Content-Type"))
	}
	body := rr.Body.String()
	if !strings.Contains(body, "Historial Musical") || !strings.Contains(body, "Intentar de nuevo") {
		t.Fatalf("Body is %s", body)
	}
}

func TestSpecialPageStoredUnderOwnKey(t *testing.T) {
	origin := newTestOrigin(t)
	a := startTestCache(t, testConfig(origin, cache.NewMemCache()))

	get(a, "/historial.html", false)
	waitForKey(t, a, a.keyer.DocumentKey("historial.html"))
	origin.Close()

	if rr := get(a, "/historial.html", true); rr.Body.String() != "<h1>Historial</h1>" {
		t.Fatalf("Body is %s", rr.Body.String())
	}
}

func TestOfflineGenericUnavailable(t *testing.T) {
	origin := newTestOrigin(t)
	a := startTestCache(t, testConfig(origin, cache.NewMemCache()))
	origin.Close()

	rr := get(a, "/styles.css", false)

	if rr.Code != http.StatusServiceUnavailable || rr.Body.String() != unavailableMessage {
		t.Fatalf("Response %d %s", rr.Code, rr.Body.String())
	}
	if !strings.HasPrefix(rr.Header().Get("Content-Type"), "text/plain") {
		t.Fatalf("Content-Type is %s", rr.Header().Get("Content-Type"))
	}
}

func TestCrossOriginNotStored(t *testing.T) {
	origin := newTestOrigin(t)
	cdn := newTestOrigin(t)
	a := startTestCache(t, testConfig(origin, cache.NewMemCache()))

	get(a, cdn.URL+"/styles.css", false)
	get(a, cdn.URL+"/styles.css", false)

	if cdn.count("/styles.css") != 2 {
		t.Fatalf("CDN called %d times", cdn.count("/styles.css"))
	}
	if origin.count("/styles.css") != 0 {
		t.Fatal("Cross-origin request sent to origin")
	}
}

func TestInstallPartialManifest(t *testing.T) {
	origin := newTestOrigin(t)
	origin.index.Store(http.StatusNotFound)
	config := testConfig(origin, cache.NewMemCache())
	config.PrecacheManifest = []string{"/", "/index.html"}
	a := startTestCache(t, config)

	if a.State() != Active {
		t.Fatalf("State is %s", a.State())
	}
	origin.Close()
	if rr := get(a, "/", true); rr.Body.String() != "<h1>Radio /</h1>" {
		t.Fatalf("Body is %s", rr.Body.String())
	}
}

func TestInstallSkipsDeniedManifestEntries(t *testing.T) {
	origin := newTestOrigin(t)
	config := testConfig(origin, cache.NewMemCache())
	config.PrecacheManifest = []string{"/styles.css", "/api/now-playing"}
	a := startTestCache(t, config)

	if origin.count("/api/now-playing") != 0 {
		t.Fatal("Denied manifest entry fetched")
	}
	if keys := storedKeys(t, a); len(keys) != 1 {
		t.Fatalf("Stored keys %v", keys)
	}
}

func TestActivateLeavesOneVersion(t *testing.T) {
	origin := newTestOrigin(t)
	provider := cache.NewMemCache()
	startTestCache(t, testConfig(origin, provider))

	config := testConfig(origin, provider)
	config.Version = "1.1.0"
	config.WaitForActivation = true
	b := startTestCache(t, config)

	if b.State() != Waiting {
		t.Fatalf("State is %s", b.State())
	}
	if versions, _ := provider.Stores(); len(versions) != 2 {
		t.Fatalf("Versions %v", versions)
	}
	if err := b.SkipWaiting(context.Background()); err != nil {
		t.Fatal(err)
	}
	if b.State() != Active {
		t.Fatalf("State is %s", b.State())
	}
	versions, _ := provider.Stores()
	if len(versions) != 1 || versions[0] != "srr-cache-v1.1.0" {
		t.Fatalf("Versions %v", versions)
	}
}

func TestSkipWaitingByDefault(t *testing.T) {
	origin := newTestOrigin(t)
	provider := cache.NewMemCache()
	startTestCache(t, testConfig(origin, provider))

	config := testConfig(origin, provider)
	config.Version = "1.1.0"
	b := startTestCache(t, config)

	if b.State() != Active {
		t.Fatalf("State is %s", b.State())
	}
	versions, _ := provider.Stores()
	if len(versions) != 1 || versions[0] != "srr-cache-v1.1.0" {
		t.Fatalf("Versions %v", versions)
	}
}

func TestExplicitIndexWinsOverRootAlias(t *testing.T) {
	origin := newTestOrigin(t)
	config := testConfig(origin, cache.NewMemCache())
	config.PrecacheManifest = []string{"/", "/index.html", "./"}
	a := startTestCache(t, config)

	if origin.count("/") != 0 || origin.count("/index.html") != 1 {
		t.Fatalf("Origin called %d times for root, %d for index", origin.count("/"), origin.count("/index.html"))
	}
	origin.Close()
	if rr := get(a, "/", true); rr.Body.String() != "<h1>Radio /index.html</h1>" {
		t.Fatalf("Body is %s", rr.Body.String())
	}
}

func TestActivateBeforeInstall(t *testing.T) {
	origin := newTestOrigin(t)
	a, err := CreateCache(testConfig(origin, cache.NewMemCache()))
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Activate(context.Background()); !errors.Is(err, ErrNotInstalled) {
		t.Fatalf("Activate returned %v", err)
	}
}

type faultyCache struct {
	cache.MemCache
	failOpen bool
	failPut  bool
}

func (f faultyCache) Open(store string) error {
	if f.failOpen {
		return errors.New("quota exceeded")
	}
	return f.MemCache.Open(store)
}

func (f faultyCache) Put(store, key string, bytes []byte) error {
	if f.failPut {
		return errors.New("quota exceeded")
	}
	return f.MemCache.Put(store, key, bytes)
}

func TestInstallFailureLeavesVersionRedundant(t *testing.T) {
	origin := newTestOrigin(t)
	a, err := CreateCache(testConfig(origin, faultyCache{MemCache: cache.NewMemCache(), failOpen: true}))
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Start(context.Background()); err == nil {
		t.Fatal("Start succeeded")
	}
	if a.State() != Redundant {
		t.Fatalf("State is %s", a.State())
	}
	// a redundant version never intercepts
	if rr := get(a, "/styles.css", false); !strings.Contains(rr.Header().Get(cachestatus.HeaderName), "fwd=inactive") {
		t.Fatalf("Cache-Status is %s", rr.Header().Get(cachestatus.HeaderName))
	}
}

func TestStoreWriteFailureKeepsResponse(t *testing.T) {
	origin := newTestOrigin(t)
	a := startTestCache(t, testConfig(origin, faultyCache{MemCache: cache.NewMemCache(), failPut: true}))

	rr := get(a, "/styles.css", false)

	if rr.Code != http.StatusOK || rr.Body.String() != "body { color: #FFE000; }" {
		t.Fatalf("Response %d %s", rr.Code, rr.Body.String())
	}
}

func TestLargeResponseServedButNotStored(t *testing.T) {
	origin := newTestOrigin(t)
	config := testConfig(origin, cache.NewMemCache())
	config.MaxBodyBytes = 4
	a := startTestCache(t, config)

	if rr := get(a, "/styles.css", false); rr.Body.String() != "body { color: #FFE000; }" {
		t.Fatalf("Body is %s", rr.Body.String())
	}
	time.Sleep(50 * time.Millisecond)
	if keys := storedKeys(t, a); len(keys) != 0 {
		t.Fatalf("Stored keys %v", keys)
	}
}
