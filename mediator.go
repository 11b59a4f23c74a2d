package offlinecache

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/CompuzettaRadios/offline-cache/cache"
	cachestatus "github.com/CompuzettaRadios/offline-cache/pkg/cache-status"
	"github.com/CompuzettaRadios/offline-cache/pkg/classifier"
	"github.com/CompuzettaRadios/offline-cache/pkg/metrics"
	tee "github.com/CompuzettaRadios/offline-cache/pkg/response-writer-tee"
)

const unavailableMessage = "Recurso no disponible offline"

// conditionalHeaders are dropped from document fetches, which must answer with a full 200.
var conditionalHeaders = []string{
	"If-None-Match",
	"If-Modified-Since",
	"If-Match",
	"If-Unmodified-Since",
	"If-Range",
	"Range",
}

// handle is the main entry point for intercepted requests.
func (a *OfflineCache) handle(w http.ResponseWriter, r *http.Request) {
	d := classifier.FromRequest(r)
	d.URL = a.keyer.Resolve(r.URL)
	verdict := a.classifier.Classify(d)

	a.log.Trace().
		Str("method", r.Method).
		Str("url", d.URL.String()).
		Str("mode", d.Mode).
		Str("verdict", verdict.String()).
		Msg("Incoming request")

	var cs cachestatus.CacheStatus
	if a.State() != Active {
		cs.Forward(cachestatus.FwdInactive)
		a.passThrough(w, r, verdict, cs)
		return
	}

	switch verdict.Kind {
	case classifier.NeverCache:
		if r.Method != http.MethodGet {
			cs.Forward(cachestatus.FwdMethod)
		} else {
			cs.Forward(cachestatus.FwdBypass)
		}
		a.passThrough(w, r, verdict, cs)
	case classifier.NavigationRoot:
		index := a.originURL.ResolveReference(&url.URL{Path: "/" + a.keyer.IndexDocument})
		a.serveDocument(w, r, verdict, a.keyer.IndexKey(), index, a.offlinePage)
	case classifier.SpecialPage:
		page := a.specialPages[verdict.Page].offlinePage().withDefaults(a.offlinePage)
		a.serveDocument(w, r, verdict, a.keyer.URLKey(r.URL), a.upstreamURL(r), page)
	default:
		a.serveGeneric(w, r, verdict)
	}
}

// passThrough forwards the request to the origin without touching the store.
func (a *OfflineCache) passThrough(w http.ResponseWriter, r *http.Request, verdict classifier.Verdict, cs cachestatus.CacheStatus) {
	res, err := a.fetch(r.Context(), r, a.upstreamURL(r), &a.client)
	if err != nil {
		a.log.Error().Err(err).Str("url", r.URL.String()).Msg("Could not fetch response from origin")
		http.Error(w, "Error contacting origin", http.StatusBadGateway)
		return
	}
	a.send(w, r, res, verdict, cs)
}

// serveDocument answers navigations: store first, then network, then the offline page.
// A network response other than 200 counts as a failure.
func (a *OfflineCache) serveDocument(w http.ResponseWriter, r *http.Request, verdict classifier.Verdict, key string, upstream *url.URL, page OfflinePage) {
	cs := cachestatus.CacheStatus{Key: key}
	store := a.openStore()
	if store != nil {
		if res, ok := store.Match(key, r); ok {
			cs.Hit()
			a.send(w, r, res, verdict, cs)
			return
		}
	}
	cs.Forward(cachestatus.FwdUriMiss)

	// documents are fetched as plain GETs, whatever the navigation carried
	get := r.Clone(r.Context())
	get.Method = http.MethodGet
	get.Body = nil
	get.ContentLength = 0
	for _, h := range conditionalHeaders {
		get.Header.Del(h)
	}
	res, err := a.fetch(r.Context(), get, upstream, &a.documentClient)
	if err == nil && res.StatusCode != http.StatusOK {
		a.log.Debug().Int("code", res.StatusCode).Str("url", upstream.String()).Msg("Document fetch was not successful")
		res.Body.Close()
		err = errNotOK
	}
	if err != nil {
		a.log.Debug().Err(err).Str("url", upstream.String()).Msg("Document unavailable, serving offline page")
		cs.Detail("offline")
		a.sendOfflinePage(w, r, verdict, page, cs)
		return
	}
	if store == nil {
		a.send(w, r, res, verdict, cs)
		return
	}
	cs.Stored = true
	a.sendAndPopulate(w, r, res, store, key, verdict, cs)
}

// serveGeneric answers everything else: store first, then network.
// Successful same-origin responses are stored. When the network fails, the store is
// consulted once more before giving up with 503.
func (a *OfflineCache) serveGeneric(w http.ResponseWriter, r *http.Request, verdict classifier.Verdict) {
	key := a.keyer.URLKey(r.URL)
	cs := cachestatus.CacheStatus{Key: key}
	store := a.openStore()
	if store != nil {
		if res, ok := store.Match(key, r); ok {
			cs.Hit()
			a.send(w, r, res, verdict, cs)
			return
		}
	}
	cs.Forward(cachestatus.FwdUriMiss)

	upstream := a.upstreamURL(r)
	res, err := a.fetch(r.Context(), r, upstream, &a.client)
	if err != nil {
		a.log.Debug().Err(err).Str("url", upstream.String()).Msg("Network fetch failed")
		cs.Detail("offline")
		if store != nil {
			if res, ok := store.Match(key, r); ok {
				cs.Hit()
				a.send(w, r, res, verdict, cs)
				return
			}
		}
		a.sendUnavailable(w, r, verdict, cs)
		return
	}
	if res.StatusCode != http.StatusOK || !a.isBasic(upstream) || store == nil {
		a.send(w, r, res, verdict, cs)
		return
	}
	cs.Stored = true
	a.sendAndPopulate(w, r, res, store, key, verdict, cs)
}

// openStore returns the current store, or nil if the store cannot be opened.
func (a *OfflineCache) openStore() *cache.Store {
	store, err := a.stores.OpenCurrent()
	if err != nil {
		a.log.Error().Err(err).Msg("Could not open store")
		return nil
	}
	return store
}

// sendAndPopulate sends the response to the client and records it on the way.
// The recorded copy is written to the store in the background once the client has it.
func (a *OfflineCache) sendAndPopulate(w http.ResponseWriter, r *http.Request, res *http.Response, store *cache.Store, key string, verdict classifier.Verdict, cs cachestatus.CacheStatus) {
	defer res.Body.Close()
	// set on the client writer only, so the stored copy does not carry it
	w.Header().Set(cachestatus.HeaderName, cs.String())
	saver := tee.NewResponseSaver(w, a.maxBodyBytes)
	copyHeader(saver.Header(), res.Header)
	saver.WriteHeader(res.StatusCode)
	bytesWritten, err := io.Copy(saver, res.Body)
	a.logRequest(r, verdict, cs, res.StatusCode)
	if err != nil {
		a.log.Warn().Err(err).Str("key", key).Msg("Response not completed, not storing")
		return
	}
	captured := saver.Response()
	if captured == nil {
		a.log.Debug().Int64("bytes", bytesWritten).Str("key", key).Msg("Response too large to store")
		return
	}
	go store.PutBytes(key, captured)
}

func (a *OfflineCache) send(w http.ResponseWriter, r *http.Request, res *http.Response, verdict classifier.Verdict, cs cachestatus.CacheStatus) {
	if res.Body != nil {
		defer res.Body.Close()
	}
	copyHeader(w.Header(), res.Header)
	w.Header().Set(cachestatus.HeaderName, cs.String())
	w.WriteHeader(res.StatusCode)
	a.logRequest(r, verdict, cs, res.StatusCode)
	if res.Body == nil {
		return
	}
	bytesWritten, err := io.Copy(w, res.Body)
	if err != nil {
		a.log.Error().Err(err).Msg("Error writing to client")
	}
	a.log.Trace().Msgf("Wrote body (%d bytes)", bytesWritten)
}

func (a *OfflineCache) sendUnavailable(w http.ResponseWriter, r *http.Request, verdict classifier.Verdict, cs cachestatus.CacheStatus) {
	w.Header().Set(cachestatus.HeaderName, cs.String())
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusServiceUnavailable)
	io.WriteString(w, unavailableMessage)
	a.logRequest(r, verdict, cs, http.StatusServiceUnavailable)
}

// fetch sends the request to the upstream URL.
func (a *OfflineCache) fetch(ctx context.Context, r *http.Request, upstream *url.URL, client *http.Client) (*http.Response, error) {
	defer a.tracker.Since(metrics.OpOriginFetch, time.Now())
	// need to specifically set body to nil on the outgoing request if content is zero length
	// see https://github.com/golang/go/issues/16036
	body := r.Body
	if r.ContentLength == 0 {
		body = nil
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, upstream.String(), body)
	if err != nil {
		return nil, err
	}
	if a.originHost != "" && a.isBasic(upstream) {
		req.Host = a.originHost
	}
	copyHeader(req.Header, r.Header)
	// do not forward connection header, this causes trouble
	req.Header.Del("Connection")
	// let the transport negotiate compression so stored bodies are plain
	req.Header.Del("Accept-Encoding")
	a.log.Trace().Str("url", req.URL.String()).Msg("Forwarding to origin")
	return client.Do(req)
}

// upstreamURL returns the URL the request is fetched from.
// Requests in absolute form keep their own host, everything else goes to the origin.
func (a *OfflineCache) upstreamURL(r *http.Request) *url.URL {
	if r.URL.IsAbs() {
		u := *r.URL
		u.Fragment = ""
		return &u
	}
	u := a.originURL
	u.Path = r.URL.Path
	u.RawPath = r.URL.RawPath
	u.RawQuery = r.URL.RawQuery
	return &u
}

// isBasic reports whether a response from the URL is a same-origin response.
func (a *OfflineCache) isBasic(u *url.URL) bool {
	return u.Scheme == a.originURL.Scheme && u.Host == a.originURL.Host
}
