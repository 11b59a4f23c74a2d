package clients

import (
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestRegistry() *Registry {
	return NewRegistry(zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}))
}

func TestRegisterAndMatchAll(t *testing.T) {
	r := newTestRegistry()
	first, _ := r.Register("https://radio.test/")
	time.Sleep(time.Millisecond)
	second, _ := r.Register("https://radio.test/historial.html")

	all := r.MatchAll()
	if len(all) != 2 || all[0].ID != first.ID || all[1].ID != second.ID {
		t.Fatalf("Clients are %+v", all)
	}
	if !r.Unregister(first.ID) || r.Unregister(first.ID) {
		t.Fatal("Unregister did not report correctly")
	}
	if len(r.MatchAll()) != 1 {
		t.Fatalf("Clients are %+v", r.MatchAll())
	}
}

func TestFocusQueuesCommand(t *testing.T) {
	r := newTestRegistry()
	a, _ := r.Register("https://radio.test/")
	b, _ := r.Register("https://radio.test/")
	r.Focus(a.ID)
	r.Focus(b.ID)

	for _, c := range r.MatchAll() {
		if c.Focused != (c.ID == b.ID) {
			t.Fatalf("Focus state wrong: %+v", c)
		}
	}
	commands, err := r.Commands(b.ID)
	if err != nil || len(commands) != 1 || commands[0].Type != CommandFocus {
		t.Fatalf("Commands %+v %v", commands, err)
	}
	commands, _ = r.Commands(b.ID)
	if len(commands) != 0 {
		t.Fatalf("Queue not drained: %+v", commands)
	}
	if _, err := r.Focus("nope"); err != ErrUnknownClient {
		t.Fatalf("Error is %v", err)
	}
}

func TestClaim(t *testing.T) {
	r := newTestRegistry()
	a, _ := r.Register("https://radio.test/")
	if n := r.Claim("srr-cache-v2.0.0"); n != 1 {
		t.Fatalf("Claimed %d", n)
	}
	r.Claim("srr-cache-v2.0.0")
	commands, _ := r.Commands(a.ID)
	if len(commands) != 1 || commands[0].Controller != "srr-cache-v2.0.0" {
		t.Fatalf("Commands %+v", commands)
	}
	if r.MatchAll()[0].Controller != "srr-cache-v2.0.0" {
		t.Fatalf("Controller not set")
	}
}

func TestQueueIsBounded(t *testing.T) {
	r := newTestRegistry()
	a, _ := r.Register("https://radio.test/")
	for i := 0; i < maxQueuedCommands+5; i++ {
		r.OpenWindow("https://radio.test/")
	}
	commands, _ := r.Commands(a.ID)
	if len(commands) != maxQueuedCommands {
		t.Fatalf("Queue has %d commands", len(commands))
	}
}
