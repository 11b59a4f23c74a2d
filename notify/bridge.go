package notify

import (
	"context"
	"fmt"
	"net/url"
	"sync"

	"github.com/rs/zerolog"

	"github.com/CompuzettaRadios/offline-cache/clients"
)

// DismissAction is the notification action that closes it without opening anything.
const DismissAction = "dismiss"

// Displayer shows a notification to the user.
type Displayer interface {
	Show(ctx context.Context, n Notification) error
}

// WindowClients is the part of the client registry the bridge needs.
type WindowClients interface {
	MatchAll() []clients.Client
	Focus(id string) (clients.Client, error)
	OpenWindow(rawURL string) (clients.Client, error)
}

// Click is a notification click, with the action button that was used if any.
type Click struct {
	Action       string       `json:"action"`
	Notification Notification `json:"notification"`
}

type Bridge struct {
	Displayer Displayer
	Clients   WindowClients
	// Origin returns the public origin of the site; clicks focus or open a window on it.
	// It returns nil while the origin is not known.
	Origin   func() *url.URL
	Defaults Defaults
	Log      zerolog.Logger
}

// OnPush displays exactly one notification for the payload and waits until it is shown.
func (b *Bridge) OnPush(ctx context.Context, data []byte) error {
	n := ParsePayload(data, b.Defaults)
	b.Log.Debug().Str("title", n.Title).Msg("Showing notification")
	if err := b.Displayer.Show(ctx, n); err != nil {
		return fmt.Errorf("show notification: %w", err)
	}
	return nil
}

// OnClick focuses a window already showing the site, or opens one at the site root.
func (b *Bridge) OnClick(ctx context.Context, click Click) error {
	if click.Action == DismissAction {
		b.Log.Trace().Msg("Notification dismissed")
		return nil
	}
	origin := b.Origin()
	for _, c := range b.Clients.MatchAll() {
		if sameOrigin(origin, c.URL) {
			_, err := b.Clients.Focus(c.ID)
			if err == nil {
				b.Log.Debug().Str("client", c.ID).Msg("Focused client after notification click")
				return nil
			}
			b.Log.Warn().Err(err).Str("client", c.ID).Msg("Could not focus client")
		}
	}
	root := &url.URL{Path: "/"}
	if origin != nil {
		root = origin.ResolveReference(root)
	}
	if _, err := b.Clients.OpenWindow(root.String()); err != nil {
		return fmt.Errorf("open window: %w", err)
	}
	b.Log.Debug().Str("url", root.String()).Msg("Opened window after notification click")
	return nil
}

// OnClose is called when the user closes a notification.
func (b *Bridge) OnClose(ctx context.Context, n Notification) error {
	b.Log.Trace().Str("title", n.Title).Msg("Notification closed")
	return nil
}

func sameOrigin(origin *url.URL, rawURL string) bool {
	if origin == nil {
		return false
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return u.Scheme == origin.Scheme && u.Host == origin.Host
}

// Feed keeps the most recent notifications for pages to display.
type Feed struct {
	mu            sync.Mutex
	notifications []Notification
	max           int
}

func NewFeed(max int) *Feed {
	if max <= 0 {
		max = 20
	}
	return &Feed{max: max}
}

func (f *Feed) Show(ctx context.Context, n Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.notifications) >= f.max {
		f.notifications = f.notifications[1:]
	}
	f.notifications = append(f.notifications, n)
	return nil
}

// List returns the kept notifications, newest last.
func (f *Feed) List() []Notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Notification{}, f.notifications...)
}
