// registry.go
// The registry owns the map of connected peers. A single goroutine applies every
// add/remove/list request in arrival order, so the map itself is never shared.
// Entries are keyed by transport and peer address: a TCP session and a WebSocket
// session may legitimately share a source address.

package server

import (
	"fmt"
	"log/slog"
	"sort"
	"time"
)

// ClientInfo describes one connected peer.
type ClientInfo struct {
	Addr        string    `json:"addr"`
	ID          string    `json:"id"`
	Transport   string    `json:"transport"`
	ConnectedAt time.Time `json:"connected_at"`
}

// Label is the human readable form used in logs.
func (c ClientInfo) Label() string {
	return fmt.Sprintf("%s/%s since %s", c.Transport, c.ID, c.ConnectedAt.Format(time.RFC3339))
}

func (c ClientInfo) key() string {
	return c.Transport + " " + c.Addr
}

// Registry tracks connected clients keyed by transport and peer address.
type Registry struct {
	clients    map[string]ClientInfo
	register   chan ClientInfo
	unregister chan ClientInfo
	list       chan chan []ClientInfo
	quit       chan struct{}
	done       chan struct{}
	logger     *slog.Logger
}

// NewRegistry creates a registry and starts its owning loop.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		clients:    make(map[string]ClientInfo),
		register:   make(chan ClientInfo),
		unregister: make(chan ClientInfo),
		list:       make(chan chan []ClientInfo),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
		logger:     logger.With("component", "registry"),
	}
	go r.start()
	return r
}

func (r *Registry) start() {
	defer close(r.done)
	for {
		select {
		case info := <-r.register:
			r.clients[info.key()] = info
			r.logger.Debug("client registered", "peer", info.Addr, "label", info.Label(), "clients", len(r.clients))

		case info := <-r.unregister:
			// A newer session may have taken over the key; only its own session removes it.
			if cur, ok := r.clients[info.key()]; ok && cur.ID == info.ID {
				delete(r.clients, info.key())
				r.logger.Debug("client unregistered", "peer", info.Addr, "label", info.Label(), "clients", len(r.clients))
			}

		case reply := <-r.list:
			reply <- r.snapshot()

		case <-r.quit:
			return
		}
	}
}

func (r *Registry) snapshot() []ClientInfo {
	out := make([]ClientInfo, 0, len(r.clients))
	for _, info := range r.clients {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Addr != out[j].Addr {
			return out[i].Addr < out[j].Addr
		}
		return out[i].Transport < out[j].Transport
	})
	return out
}

// Add records a connected client. Adding the same transport and address twice
// replaces the entry.
func (r *Registry) Add(info ClientInfo) {
	select {
	case r.register <- info:
	case <-r.done:
	}
}

// Remove forgets the session described by info. An entry for the same transport and
// address that belongs to another session id is kept. Once Remove returns, List no
// longer reports the session.
func (r *Registry) Remove(info ClientInfo) {
	select {
	case r.unregister <- info:
	case <-r.done:
	}
}

// List returns the connected clients sorted by address, then transport.
func (r *Registry) List() []ClientInfo {
	reply := make(chan []ClientInfo, 1)
	select {
	case r.list <- reply:
		return <-reply
	case <-r.done:
		return nil
	}
}

// Len returns the number of connected clients.
func (r *Registry) Len() int {
	return len(r.List())
}

// Addrs returns only the peer addresses, in List order.
func (r *Registry) Addrs() []string {
	clients := r.List()
	addrs := make([]string, len(clients))
	for i, c := range clients {
		addrs[i] = c.Addr
	}
	return addrs
}

// Close stops the owning loop. Later calls to Add and Remove are ignored.
func (r *Registry) Close() {
	select {
	case <-r.done:
		return
	default:
	}
	select {
	case r.quit <- struct{}{}:
	case <-r.done:
	}
	<-r.done
}
