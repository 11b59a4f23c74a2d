package offlinecache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/CompuzettaRadios/offline-cache/cache"
	"github.com/CompuzettaRadios/offline-cache/control"
	"github.com/CompuzettaRadios/offline-cache/notify"
	dispatch "github.com/CompuzettaRadios/offline-cache/pkg/event-dispatch"
	"github.com/CompuzettaRadios/offline-cache/pkg/metrics"
)

var (
	// ErrNotInstalled is returned when activating a version that has not been installed.
	ErrNotInstalled = errors.New("cache version is not installed")
	// ErrInstalling is returned when an install is started while another one runs.
	ErrInstalling = errors.New("cache version is being installed")

	errNotOK = errors.New("response status is not 200")
)

type State int32

const (
	Unregistered State = iota
	Installing
	Waiting
	Activating
	Active
	// Redundant versions failed to install and never serve requests.
	Redundant
)

func (s State) String() string {
	switch s {
	case Unregistered:
		return "unregistered"
	case Installing:
		return "installing"
	case Waiting:
		return "waiting"
	case Activating:
		return "activating"
	case Active:
		return "active"
	case Redundant:
		return "redundant"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// State returns the lifecycle state of the current version.
func (a *OfflineCache) State() State {
	return State(a.state.Load())
}

func (a *OfflineCache) setState(s State) {
	old := State(a.state.Swap(int32(s)))
	if old != s {
		a.log.Debug().Str("from", old.String()).Str("to", s.String()).Msg("Lifecycle state change")
	}
}

// registerHandlers wires the lifecycle, notification and control handlers to the dispatcher.
func (a *OfflineCache) registerHandlers() {
	a.dispatcher.On(dispatch.Install, func(ctx context.Context, e dispatch.Event) error {
		return a.Install(ctx)
	})
	a.dispatcher.On(dispatch.Activate, func(ctx context.Context, e dispatch.Event) error {
		return a.Activate(ctx)
	})
	a.dispatcher.On(dispatch.Push, func(ctx context.Context, e dispatch.Event) error {
		data, _ := e.Payload.([]byte)
		return a.bridge.OnPush(ctx, data)
	})
	a.dispatcher.On(dispatch.NotificationClick, func(ctx context.Context, e dispatch.Event) error {
		click, _ := e.Payload.(notify.Click)
		return a.bridge.OnClick(ctx, click)
	})
	a.dispatcher.On(dispatch.NotificationClose, func(ctx context.Context, e dispatch.Event) error {
		n, _ := e.Payload.(notify.Notification)
		return a.bridge.OnClose(ctx, n)
	})
	a.dispatcher.On(dispatch.Message, func(ctx context.Context, e dispatch.Event) error {
		msg, ok := e.Payload.(control.Message)
		if !ok {
			return fmt.Errorf("unexpected message payload %T", e.Payload)
		}
		return a.listener.Handle(ctx, msg)
	})
}

// Start installs the current version and activates it when nothing has to wait:
// skip-waiting was requested or configured, or no other version is stored.
// Both steps are idempotent, so an interrupted start is completed by the next one.
func (a *OfflineCache) Start(ctx context.Context) error {
	if err := a.dispatcher.Dispatch(ctx, dispatch.Event{Type: dispatch.Install}); err != nil {
		return err
	}
	if !a.skipRequested.Load() && a.hasOtherVersions() {
		a.log.Info().Msg("Cache version installed, waiting for activation")
		return nil
	}
	return a.dispatcher.Dispatch(ctx, dispatch.Event{Type: dispatch.Activate})
}

// Install opens the store of the current version and stores the precache manifest in it.
// Failures of single manifest entries are logged and skipped; only a store that cannot be
// opened fails the install, leaving the version redundant.
func (a *OfflineCache) Install(ctx context.Context) error {
	a.lifecycle.Lock()
	defer a.lifecycle.Unlock()
	switch s := a.State(); s {
	case Unregistered, Redundant:
	case Installing:
		return ErrInstalling
	default:
		a.log.Trace().Str("state", s.String()).Msg("Already installed")
		return nil
	}
	a.setState(Installing)
	a.log.Info().Msg("Installing cache version")

	store, err := a.stores.OpenCurrent()
	if err != nil {
		a.setState(Redundant)
		return fmt.Errorf("install %s: %w", a.stores.Current(), err)
	}
	stored := a.precache(ctx, store)
	a.log.Info().Int("stored", stored).Int("manifest", len(a.manifest)).Msg("Precache done")

	if a.skipWaiting {
		a.skipRequested.Store(true)
	}
	a.setState(Waiting)
	return nil
}

// precache fetches the manifest entries in parallel and stores the successful ones.
// Entries for the site root share the index key with the explicit index document, which wins:
// they are only fetched once the rest is done, and only if the index key is still empty.
func (a *OfflineCache) precache(ctx context.Context, store *cache.Store) int {
	var stored atomic.Int32
	var aliases []string
	var g errgroup.Group
	g.SetLimit(a.concurrency)
	for _, entry := range a.manifest {
		if a.isRootAlias(entry) {
			aliases = append(aliases, entry)
			continue
		}
		entry := entry
		g.Go(func() error {
			if err := a.precacheEntry(ctx, store, entry); err != nil {
				a.log.Warn().Err(err).Str("entry", entry).Msg("Could not precache")
				return nil
			}
			stored.Add(1)
			return nil
		})
	}
	g.Wait()

	for _, entry := range aliases {
		if res, ok := store.Match(a.keyer.IndexKey(), nil); ok {
			res.Body.Close()
			a.log.Trace().Str("entry", entry).Msg("Index already stored")
			continue
		}
		if err := a.precacheEntry(ctx, store, entry); err != nil {
			a.log.Warn().Err(err).Str("entry", entry).Msg("Could not precache")
			continue
		}
		stored.Add(1)
	}
	return int(stored.Load())
}

// isRootAlias reports whether the manifest entry names the site root rather than the index document.
func (a *OfflineCache) isRootAlias(entry string) bool {
	u, err := url.Parse(entry)
	if err != nil {
		return false
	}
	abs := a.keyer.Resolve(u)
	if a.keyer.URLKey(abs) != a.keyer.IndexKey() {
		return false
	}
	return strings.TrimPrefix(abs.Path, "/") != a.keyer.IndexDocument
}

func (a *OfflineCache) precacheEntry(ctx context.Context, store *cache.Store, entry string) error {
	defer a.tracker.Since(metrics.OpPrecache, time.Now())
	u, err := url.Parse(entry)
	if err != nil {
		return err
	}
	abs := a.keyer.Resolve(u)
	if a.classifier.Denied(abs.String()) {
		a.log.Debug().Str("url", abs.String()).Msg("Manifest entry is on the deny list")
		return nil
	}
	// root-equivalent entries are stored under the index key
	key := a.keyer.URLKey(abs)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, abs.String(), nil)
	if err != nil {
		return err
	}
	if a.originHost != "" && a.isBasic(abs) {
		req.Host = a.originHost
	}
	res, err := a.documentClient.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %d", errNotOK, res.StatusCode)
	}
	if !store.Put(key, res) {
		return fmt.Errorf("could not store %s", key)
	}
	a.log.Trace().Str("key", key).Msg("Precached")
	return nil
}

// SkipWaiting ends the waiting period: a waiting version is activated right away,
// a version still installing activates as soon as the install is done.
func (a *OfflineCache) SkipWaiting(ctx context.Context) error {
	a.skipRequested.Store(true)
	if a.State() != Waiting {
		a.log.Debug().Str("state", a.State().String()).Msg("Skip waiting recorded")
		return nil
	}
	return a.dispatcher.Dispatch(ctx, dispatch.Event{Type: dispatch.Activate})
}

// Activate deletes every stored version except the current one and claims all clients.
// A version that cannot be deleted is logged and left behind.
func (a *OfflineCache) Activate(ctx context.Context) error {
	a.lifecycle.Lock()
	defer a.lifecycle.Unlock()
	switch s := a.State(); s {
	case Waiting:
	case Active:
		return nil
	default:
		return fmt.Errorf("activate from %s: %w", s, ErrNotInstalled)
	}
	a.setState(Activating)

	current := a.stores.Current()
	versions, err := a.stores.ListVersions()
	if err != nil {
		a.log.Error().Err(err).Msg("Could not list cache versions")
	}
	for _, name := range versions {
		if name == current {
			continue
		}
		if err := ctx.Err(); err != nil {
			a.log.Warn().Err(err).Msg("Cleanup interrupted")
			break
		}
		if err := a.stores.DeleteVersion(name); err != nil {
			a.log.Warn().Err(err).Str("version", name).Msg("Could not delete old cache version")
			continue
		}
		a.log.Info().Str("version", name).Msg("Deleted old cache version")
	}

	claimed := a.clients.Claim(current)
	a.setState(Active)
	a.log.Info().Int("clients", claimed).Msg("Cache version active")
	return nil
}

func (a *OfflineCache) hasOtherVersions() bool {
	versions, err := a.stores.ListVersions()
	if err != nil {
		a.log.Warn().Err(err).Msg("Could not list cache versions")
		return false
	}
	for _, name := range versions {
		if name != a.stores.Current() {
			return true
		}
	}
	return false
}
