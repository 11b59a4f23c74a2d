// Package clients keeps track of the page windows that talk to the proxy.
//
// A page registers itself when it loads and then polls its command queue.
// The notification bridge and the lifecycle controller queue commands
// (focus, open-window, controller change) that the page carries out.
package clients

import (
	"errors"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var ErrUnknownClient = errors.New("unknown client")

const (
	CommandFocus            = "focus"
	CommandOpenWindow       = "open-window"
	CommandControllerChange = "controllerchange"
)

// maxQueuedCommands bounds the queue of a client that stopped polling.
const maxQueuedCommands = 32

type Client struct {
	ID           string    `json:"id"`
	URL          string    `json:"url"`
	Focused      bool      `json:"focused"`
	Controller   string    `json:"controller,omitempty"`
	RegisteredAt time.Time `json:"registeredAt"`
}

type Command struct {
	Type string `json:"type"`
	URL  string `json:"url,omitempty"`
	// Controller is the store name for controllerchange commands.
	Controller string `json:"controller,omitempty"`
}

type entry struct {
	client   Client
	commands []Command
}

type Registry struct {
	mu      sync.Mutex
	clients map[string]*entry
	log     zerolog.Logger
}

func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		clients: make(map[string]*entry),
		log:     logger,
	}
}

// Register adds a window showing the given URL.
func (r *Registry) Register(rawURL string) (Client, error) {
	if _, err := url.Parse(rawURL); err != nil {
		return Client{}, err
	}
	c := Client{
		ID:           uuid.NewString(),
		URL:          rawURL,
		RegisteredAt: time.Now(),
	}
	r.mu.Lock()
	r.clients[c.ID] = &entry{client: c}
	r.mu.Unlock()
	r.log.Debug().Str("client", c.ID).Str("url", rawURL).Msg("Client registered")
	return c, nil
}

func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.clients[id]
	delete(r.clients, id)
	return ok
}

// MatchAll returns all registered window clients, oldest first.
func (r *Registry) MatchAll() []Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	all := make([]Client, 0, len(r.clients))
	for _, e := range r.clients {
		all = append(all, e.client)
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].RegisteredAt.Before(all[j].RegisteredAt)
	})
	return all
}

// Focus asks the window to bring itself to the front.
func (r *Registry) Focus(id string) (Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.clients[id]
	if !ok {
		return Client{}, ErrUnknownClient
	}
	for _, other := range r.clients {
		other.client.Focused = false
	}
	e.client.Focused = true
	e.enqueue(Command{Type: CommandFocus})
	return e.client, nil
}

// OpenWindow asks the registered windows to open the URL in a new window.
// The returned client stands for the new window until it registers itself.
func (r *Registry) OpenWindow(rawURL string) (Client, error) {
	if _, err := url.Parse(rawURL); err != nil {
		return Client{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.clients {
		e.enqueue(Command{Type: CommandOpenWindow, URL: rawURL})
	}
	r.log.Debug().Str("url", rawURL).Int("clients", len(r.clients)).Msg("Requested new window")
	return Client{URL: rawURL, Focused: true, RegisteredAt: time.Now()}, nil
}

// Claim makes the given store the controller of every registered window.
func (r *Registry) Claim(controller string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.clients {
		if e.client.Controller == controller {
			continue
		}
		e.client.Controller = controller
		e.enqueue(Command{Type: CommandControllerChange, Controller: controller})
	}
	return len(r.clients)
}

// Commands drains the command queue of the client.
func (r *Registry) Commands(id string) ([]Command, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.clients[id]
	if !ok {
		return nil, ErrUnknownClient
	}
	commands := e.commands
	e.commands = nil
	if commands == nil {
		commands = []Command{}
	}
	return commands, nil
}

func (e *entry) enqueue(c Command) {
	if len(e.commands) >= maxQueuedCommands {
		e.commands = e.commands[1:]
	}
	e.commands = append(e.commands, c)
}
