package rescued

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// NonceBackend is the subset of chain access the sequencer needs.
type NonceBackend interface {
	TransactionCount(ctx context.Context, account common.Address) (uint64, error)
}

type nonceReply struct {
	nonce uint64
	err   error
}

type nonceRequest struct {
	reply chan nonceReply
}

// Sequencer hands out strictly increasing nonces for the funding wallet.
// All workers draw from a single goroutine-owned counter so concurrent
// funding transfers can never collide or leave gaps.
type Sequencer struct {
	backend  NonceBackend
	funding  common.Address
	timeout  time.Duration
	log      *slog.Logger
	metrics  *Metrics
	requests chan nonceRequest
}

// NewSequencer builds a sequencer for the funding address. Run must be
// started before any Next call can be served.
func NewSequencer(backend NonceBackend, funding common.Address, timeout time.Duration, logger *slog.Logger, metrics *Metrics) *Sequencer {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = NewMetrics()
	}
	return &Sequencer{
		backend:  backend,
		funding:  funding,
		timeout:  timeout,
		log:      logger.With("component", "nonce_sequencer"),
		metrics:  metrics,
		requests: make(chan nonceRequest),
	}
}

// Run owns the counter. The confirmed transaction count is fetched once,
// lazily on the first request; every subsequent request is served from the
// in-memory counter so the sequence stays gap-free even while earlier
// transactions are still pending.
func (s *Sequencer) Run(ctx context.Context) {
	var (
		next   uint64
		primed bool
	)
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-s.requests:
			if !primed {
				count, err := s.backend.TransactionCount(ctx, s.funding)
				if err != nil {
					req.reply <- nonceReply{err: fmt.Errorf("fetch funding nonce: %w", err)}
					continue
				}
				next = count
				primed = true
				s.log.Info("nonce sequence primed", "funding", s.funding.Hex(), "start", next)
			}
			req.reply <- nonceReply{nonce: next}
			s.metrics.RecordNonce()
			next++
		}
	}
}

// Next blocks until the sequencer issues a nonce, the context is cancelled,
// or the configured timeout elapses. A timeout is an error, never a guessed
// nonce.
func (s *Sequencer) Next(ctx context.Context) (uint64, error) {
	timer := time.NewTimer(s.timeout)
	defer timer.Stop()

	req := nonceRequest{reply: make(chan nonceReply, 1)}
	select {
	case s.requests <- req:
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-timer.C:
		return 0, fmt.Errorf("nonce request timed out after %s", s.timeout)
	}
	select {
	case reply := <-req.reply:
		return reply.nonce, reply.err
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-timer.C:
		return 0, fmt.Errorf("nonce reply timed out after %s", s.timeout)
	}
}

// NonceSource is the worker-facing view of the sequencer.
type NonceSource interface {
	Next(ctx context.Context) (uint64, error)
}
