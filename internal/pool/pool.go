// Package pool implements the download worker pool: N worker
// goroutines that claim pieces from a queue, borrow a peer known to
// have each one, drive a peer session, verify the result, and commit
// it to the piece store — restructured from the teacher's "one
// goroutine per peer, pulls pieces" shape into "one goroutine per
// worker slot, borrows a peer" so a peer can be blacklisted for a
// specific piece without losing the worker that was using it.
package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"torrentcore/internal/logging"
	"torrentcore/internal/peer"
	"torrentcore/internal/piecestore"
	"torrentcore/internal/queue"
	"torrentcore/internal/torrenterr"
)

// NewPieceEvent is published once a piece is durably committed to the
// store, for the server side to broadcast HAVE to inbound peers.
type NewPieceEvent struct {
	Index int
}

// PeerSource is the pool's view of the torrent's peer set: given a
// piece index, find a peer known to hold it that isn't blacklisted for
// it and isn't already checked out by another worker. Implemented by
// the coordinator's peer set.
type PeerSource interface {
	PeerForPiece(index int) (*peer.Peer, bool)
	// Release returns a peer to the pool after one download attempt.
	// failed indicates whether the attempt ended in a connection error
	// (the implementation may cool the peer down before it is handed
	// out again).
	Release(p *peer.Peer, failed bool)
}

// Pool owns N worker slots draining a shared PieceQueue against a
// shared PeerSource, publishing NewPieceEvent on successful commits.
type Pool struct {
	Workers     int
	Queue       *queue.PieceQueue
	Store       *piecestore.Store
	Peers       PeerSource
	Pieces      []peer.TorrentPiece
	Info        peer.DownloadInfo
	ReadTimeout time.Duration
	Notify      chan<- NewPieceEvent
	Log         logging.Sink

	wg sync.WaitGroup
}

// Run starts the configured number of workers and blocks until the
// queue is empty or ctx is cancelled. It is safe to call once per
// Pool.
func (p *Pool) Run(ctx context.Context) {
	log := p.Log
	if log == nil {
		log = logging.Discard()
	}

	workers := p.Workers
	if workers <= 0 {
		workers = 4
	}

	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i, log)
	}
	p.wg.Wait()
}

// noPeerBackoff bounds how long a worker waits before reclaiming a
// piece it had to give back for lack of an eligible peer, so an idle
// pool with no usable peers yet doesn't spin a CPU core checking the
// same empty candidate list over and over.
const noPeerBackoff = 200 * time.Millisecond

func (p *Pool) worker(ctx context.Context, id int, log logging.Sink) {
	defer p.wg.Done()
	wlog := log.WithField("worker", id)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		index, ok := p.Queue.Claim()
		if !ok {
			return
		}

		pr, ok := p.Peers.PeerForPiece(index)
		if !ok {
			p.Queue.Requeue(index)
			select {
			case <-ctx.Done():
				return
			case <-time.After(noPeerBackoff):
			}
			continue
		}

		if err := p.downloadOne(ctx, index, pr, wlog); err != nil {
			wlog.Warnf("piece %d: %v", index, err)
			p.Queue.Requeue(index)
		}
	}
}

func (p *Pool) downloadOne(ctx context.Context, index int, pr *peer.Peer, log logging.Sink) error {
	pc := p.Pieces[index]

	session := peer.NewSession(pr, len(p.Pieces), p.ReadTimeout)
	data, err := session.Download(ctx, pc, p.Info)
	if err != nil {
		pr.Close()
		p.Peers.Release(pr, true)
		return err
	}

	if !peer.VerifyPiece(pc, data) {
		log.Warnf("piece %d: hash mismatch from %s, blacklisting peer", index, pr.Addr)
		pr.Blacklist(index)
		p.Peers.Release(pr, false)
		return torrenterr.New(torrenterr.Verification, "pool.downloadOne", fmt.Errorf("piece %d failed hash verification", index))
	}

	if err := p.Store.Commit(index, data); err != nil {
		p.Peers.Release(pr, false)
		return err
	}
	p.Peers.Release(pr, false)

	p.Queue.Complete(index)
	log.Infof("piece %d committed", index)

	if p.Notify != nil {
		select {
		case p.Notify <- NewPieceEvent{Index: index}:
		case <-ctx.Done():
		}
	}
	return nil
}
