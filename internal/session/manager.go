// Package session is the multi-torrent manager: it owns one
// coordinator per active torrent and the server-side registry those
// coordinators publish pieces to. The teacher only ever drives a
// single torrent from main, so this generalizes
// lvbealr-BitTorrent/main.go's one-shot wiring into a registry a
// long-lived process can add and remove torrents from, the way
// jmatss-torc-go's controller/handler pair structures a multi-torrent
// client (without adopting its channel-actor idiom).
package session

import (
	"context"
	"sync"

	"torrentcore/internal/coordinator"
	"torrentcore/internal/logging"
	"torrentcore/internal/metainfo"
	"torrentcore/internal/server"
	"torrentcore/internal/torrenterr"
)

// Manager owns every active torrent's Coordinator, keyed by info-hash.
// Each Coordinator owns its own piece queue and worker pool — there is
// no single work channel shared across torrents, which sidesteps
// spec.md §9's unbounded-channel race entirely: a torrent's queue and
// its consuming workers are constructed together in Coordinator.New
// and only then started, so nothing can be queued before a worker
// exists to claim it, for this torrent or any other.
type Manager struct {
	cfg    coordinator.Config
	server *server.Server
	log    logging.Sink

	mu       sync.Mutex
	torrents map[[20]byte]*coordinator.Coordinator
}

// New builds a Manager. srv may be nil if the process does not serve
// inbound connections (e.g. a download-only invocation); cfg supplies
// the per-torrent operational knobs every coordinator is built with.
func New(cfg coordinator.Config, srv *server.Server, log logging.Sink) *Manager {
	if log == nil {
		log = logging.Discard()
	}
	return &Manager{
		cfg:      cfg,
		server:   srv,
		log:      log,
		torrents: make(map[[20]byte]*coordinator.Coordinator),
	}
}

// Add registers meta as a new active torrent, starts its coordinator,
// and (if a server was configured) registers it so inbound peers can
// be served. Adding a torrent already present is a no-op that returns
// the existing coordinator. ctx bounds the torrent's lifetime; callers
// stop it early with Remove or cancel ctx directly.
func (m *Manager) Add(ctx context.Context, meta metainfo.Metainfo, trackerURLs []string) (*coordinator.Coordinator, error) {
	m.mu.Lock()
	if existing, ok := m.torrents[meta.InfoHash]; ok {
		m.mu.Unlock()
		return existing, nil
	}
	m.mu.Unlock()

	c, err := coordinator.New(meta, m.cfg, trackerURLs, m.log.WithField("torrent", meta.Name))
	if err != nil {
		return nil, torrenterr.New(torrenterr.Config, "session.Manager.Add", err)
	}

	m.mu.Lock()
	m.torrents[meta.InfoHash] = c
	m.mu.Unlock()

	c.Start(ctx)
	if m.server != nil {
		m.server.AddTorrent(ctx, c)
	}
	return c, nil
}

// Remove stops the torrent identified by infoHash and drops it from
// the registry. A no-op if the torrent is not active.
func (m *Manager) Remove(infoHash [20]byte) {
	m.mu.Lock()
	c, ok := m.torrents[infoHash]
	delete(m.torrents, infoHash)
	m.mu.Unlock()
	if !ok {
		return
	}
	c.Stop()
	if m.server != nil {
		m.server.RemoveTorrent(infoHash)
	}
}

// Get returns the active coordinator for infoHash, if any.
func (m *Manager) Get(infoHash [20]byte) (*coordinator.Coordinator, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.torrents[infoHash]
	return c, ok
}

// Torrents returns a snapshot of the currently active coordinators.
func (m *Manager) Torrents() []*coordinator.Coordinator {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*coordinator.Coordinator, 0, len(m.torrents))
	for _, c := range m.torrents {
		out = append(out, c)
	}
	return out
}

// AllCompleted reports whether every active torrent has downloaded its
// full payload. False if no torrents are active.
func (m *Manager) AllCompleted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.torrents) == 0 {
		return false
	}
	for _, c := range m.torrents {
		downloaded, total := c.Progress()
		if downloaded != total {
			return false
		}
	}
	return true
}

// StopAll stops every active torrent and clears the registry.
func (m *Manager) StopAll() {
	m.mu.Lock()
	all := make([]*coordinator.Coordinator, 0, len(m.torrents))
	for _, c := range m.torrents {
		all = append(all, c)
	}
	m.torrents = make(map[[20]byte]*coordinator.Coordinator)
	m.mu.Unlock()

	for _, c := range all {
		c.Stop()
	}
}
