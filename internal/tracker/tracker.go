// Package tracker periodically announces a torrent's progress and
// folds fresh peer lists into the coordinator's peer set — the same
// job as the teacher's RefreshPeer/SendTrackerResponse, restructured
// to call internal/announce instead of encoding the wire protocol
// inline, and to compute uploaded/downloaded/left from a piece store
// instead of leaving them untracked.
package tracker

import (
	"context"
	"time"

	"torrentcore/internal/announce"
	"torrentcore/internal/backoff"
	"torrentcore/internal/logging"
)

// Progress reports the byte counters an announce needs; implemented by
// the coordinator on top of its piece store. The coordinator does not
// count uploaded bytes and always reports Uploaded as 0.
type Progress interface {
	Downloaded() int64
	Left() int64
	Uploaded() int64
}

// PeerSink receives the union of peer addresses learned from an
// announce; implemented by the coordinator's peer set.
type PeerSink interface {
	AddPeers(peers []announce.PeerAddr)
}

// Client periodically announces to one tracker (or, if URLs has more
// than one entry, fans out and unions the results, mirroring
// SendTrackerResponse's multi-tracker behaviour) and feeds fresh peers
// to a PeerSink.
type Client struct {
	URLs     []string
	InfoHash [20]byte
	PeerID   [20]byte
	Port     uint16
	Progress Progress
	Sink     PeerSink
	Backoff  backoff.Policy
	Log      logging.Sink
}

// Run issues a `started` announce, then periodically re-announces at
// the tracker-supplied interval until ctx is cancelled, at which point
// it issues a best-effort `stopped` announce. After a round in which
// every tracker failed it waits Backoff.Delay(n), n being the number of
// trackers that failed in that round; the wait does not grow over
// consecutive failed rounds.
func (c *Client) Run(ctx context.Context) {
	log := c.Log
	if log == nil {
		log = logging.Discard()
	}
	if c.Backoff == (backoff.Policy{}) {
		c.Backoff = backoff.Default
	}

	interval := c.announceAll(ctx, announce.Started, log)

	for {
		select {
		case <-ctx.Done():
			c.announceAll(context.Background(), announce.Stopped, log)
			return
		case <-time.After(interval):
			interval = c.announceAll(ctx, announce.None, log)
		}
	}
}

// announceAll contacts every configured tracker URL, unions the peers
// it learns into the sink, and returns the next interval to wait
// (the shortest reported, or a backed-off delay if every tracker
// failed).
func (c *Client) announceAll(ctx context.Context, event announce.Event, log logging.Sink) time.Duration {
	req := announce.Request{
		InfoHash:   c.InfoHash,
		PeerID:     c.PeerID,
		Port:       c.Port,
		Downloaded: c.Progress.Downloaded(),
		Left:       c.Progress.Left(),
		Uploaded:   c.Progress.Uploaded(),
		Event:      event,
	}

	var shortest time.Duration
	succeeded := false
	attempt := 0

	for _, url := range c.URLs {
		select {
		case <-ctx.Done():
			return c.Backoff.Delay(attempt)
		default:
		}

		resp, err := announce.Do(url, req)
		if err != nil {
			log.Warnf("announce to %s failed: %v", url, err)
			attempt++
			continue
		}

		succeeded = true
		c.Sink.AddPeers(resp.Peers)

		d := time.Duration(resp.Interval) * time.Second
		if shortest == 0 || d < shortest {
			shortest = d
		}
	}

	if !succeeded {
		return c.Backoff.Delay(attempt)
	}
	if shortest <= 0 {
		return c.Backoff.Max
	}
	return shortest
}
