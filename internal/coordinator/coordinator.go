// Package coordinator is the per-torrent orchestrator: it owns the
// piece queue, piece store, peer set, and tracker client, and drives
// the download pool against them. Lifted out of the teacher's
// StartDownload/main.go top-level wiring into a reusable type the way
// a multi-torrent client needs one instance per active torrent.
package coordinator

import (
	"context"
	"sync"
	"time"

	"torrentcore/internal/backoff"
	"torrentcore/internal/logging"
	"torrentcore/internal/metainfo"
	"torrentcore/internal/peer"
	"torrentcore/internal/peerid"
	"torrentcore/internal/piecestore"
	"torrentcore/internal/pool"
	"torrentcore/internal/queue"
	"torrentcore/internal/torrenterr"
	"torrentcore/internal/tracker"
)

// EventKind tags a lifecycle event emitted on a Coordinator's Events
// channel.
type EventKind int

const (
	Started EventKind = iota
	PieceDone
	Completed
	Failed
)

// Event is one lifecycle notification. Index is meaningful only for
// PieceDone; Reason only for Failed.
type Event struct {
	Kind   EventKind
	Index  int
	Reason error
}

// Config carries the operational knobs a coordinator needs, sourced
// from the frozen configuration value the core treats as an external
// collaborator.
type Config struct {
	DownloadPath     string
	MaxConnections   int
	PeerReadTimeout  int64 // milliseconds
	Port             uint16
	AnnounceRetryMax int64 // milliseconds, caps the tracker client's backoff; 0 selects backoff.Default.Max
}

// Coordinator owns one torrent's full download/upload lifecycle.
type Coordinator struct {
	meta   metainfo.Metainfo
	cfg    Config
	peerID [20]byte
	log    logging.Sink

	store   *piecestore.Store
	queue   *queue.PieceQueue
	peers   *peerSet
	pool    *pool.Pool
	tracker *tracker.Client

	events chan Event
	notify chan pool.NewPieceEvent

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a Coordinator for meta, pre-allocating its piece store
// under cfg.DownloadPath.
func New(meta metainfo.Metainfo, cfg Config, trackerURLs []string, log logging.Sink) (*Coordinator, error) {
	if log == nil {
		log = logging.Discard()
	}

	store, err := piecestore.Open(meta, cfg.DownloadPath)
	if err != nil {
		return nil, err
	}

	id, err := peerid.New()
	if err != nil {
		return nil, torrenterr.New(torrenterr.Config, "coordinator.New", err)
	}

	q := queue.New(meta.NumPieces())
	for i := 0; i < meta.NumPieces(); i++ {
		if store.Has(i) {
			q.Complete(i)
		}
	}

	ps := newPeerSet()

	notify := make(chan pool.NewPieceEvent, meta.NumPieces())

	pieces := make([]peer.TorrentPiece, meta.NumPieces())
	for i := range pieces {
		pieces[i] = peer.TorrentPiece{Index: i, Length: meta.PieceLen(i), Hash: meta.PieceHashes[i]}
	}

	c := &Coordinator{
		meta:   meta,
		cfg:    cfg,
		peerID: id,
		log:    log,
		store:  store,
		queue:  q,
		peers:  ps,
		events: make(chan Event, meta.NumPieces()+2),
		notify: notify,
	}

	c.pool = &pool.Pool{
		Workers:     cfg.MaxConnections,
		Queue:       q,
		Store:       store,
		Peers:       ps,
		Pieces:      pieces,
		Info:        peer.DownloadInfo{InfoHash: meta.InfoHash, PeerID: c.peerID},
		ReadTimeout: readTimeout(cfg),
		Notify:      notify,
		Log:         log.WithField("torrent", meta.Name),
	}

	urls := trackerURLs
	if len(urls) == 0 && meta.Announce != "" {
		urls = []string{meta.Announce}
	}
	announceBackoff := backoff.Default
	if cfg.AnnounceRetryMax > 0 {
		announceBackoff.Max = time.Duration(cfg.AnnounceRetryMax) * time.Millisecond
	}

	c.tracker = &tracker.Client{
		URLs:     urls,
		InfoHash: meta.InfoHash,
		PeerID:   c.peerID,
		Port:     cfg.Port,
		Progress: trackerProgress{store: store, meta: meta},
		Sink:     ps,
		Backoff:  announceBackoff,
		Log:      log.WithField("torrent", meta.Name),
	}

	return c, nil
}

// Events returns the coordinator's lifecycle event channel.
func (c *Coordinator) Events() <-chan Event { return c.events }

// Progress reports bytes downloaded against the torrent's total size.
func (c *Coordinator) Progress() (downloaded, total int64) {
	return c.store.Downloaded(), c.meta.TotalLength()
}

// Start launches the tracker client, the download pool (which emits
// Completed once it returns with every piece committed), and the
// notification-draining goroutine that turns committed pieces into
// PieceDone events.
func (c *Coordinator) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.events <- Event{Kind: Started}

	c.wg.Add(3)
	go func() {
		defer c.wg.Done()
		c.tracker.Run(ctx)
	}()

	go func() {
		defer c.wg.Done()
		c.pool.Run(ctx)
		c.drainCompletion()
	}()

	go func() {
		defer c.wg.Done()
		c.forwardNotifications(ctx)
	}()
}

// Stop cancels the coordinator's background work and waits for it to
// exit.
func (c *Coordinator) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	c.store.Close()
}

func (c *Coordinator) forwardNotifications(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-c.notify:
			if !ok {
				return
			}
			select {
			case c.events <- Event{Kind: PieceDone, Index: n.Index}:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (c *Coordinator) drainCompletion() {
	if c.store.Complete() {
		c.events <- Event{Kind: Completed}
	}
}

// NewPieceNotifications exposes the pool's commit notifications for
// the server side to subscribe to, per spec.md §4.7.
func (c *Coordinator) NewPieceNotifications() <-chan pool.NewPieceEvent { return c.notify }

// Store exposes the piece store for the server side's upload reads.
func (c *Coordinator) Store() *piecestore.Store { return c.store }

// InfoHash returns the torrent's identity, for the server side to
// route inbound connections to this coordinator.
func (c *Coordinator) InfoHash() [20]byte { return c.meta.InfoHash }

// NumPieces returns the torrent's piece count, for the server side to
// size the bitfield it advertises to inbound peers.
func (c *Coordinator) NumPieces() int { return c.meta.NumPieces() }

// Name returns the torrent's display name, for progress reporting.
func (c *Coordinator) Name() string { return c.meta.Name }

type trackerProgress struct {
	store *piecestore.Store
	meta  metainfo.Metainfo
}

func (p trackerProgress) Downloaded() int64 { return p.store.Downloaded() }
func (p trackerProgress) Left() int64       { return p.meta.TotalLength() - p.store.Downloaded() }
func (p trackerProgress) Uploaded() int64   { return 0 }

func readTimeout(cfg Config) time.Duration {
	ms := cfg.PeerReadTimeout
	if ms <= 0 {
		ms = 30000
	}
	return time.Duration(ms) * time.Millisecond
}
