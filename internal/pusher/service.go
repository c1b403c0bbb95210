package pusher

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/erauner12/syncbridge/internal/metrics"
	"github.com/erauner12/syncbridge/internal/protocol"
)

// ChangeNotifier is told after a push commits upstream, so interested
// parties can wake the client group's replicas.
type ChangeNotifier interface {
	GroupChanged(ctx context.Context, clientGroupID string)
}

// Service owns the push pipeline for one client group: the work queue,
// the connection registry, and the loop that coalesces, dispatches,
// and fans out. Run is the queue's only consumer; InitConnection and
// EnqueuePush may be called from any goroutine.
type Service struct {
	clientGroupID string
	queue         *workQueue
	registry      *Registry
	dispatcher    Dispatcher
	notifier      ChangeNotifier
	logger        zerolog.Logger
	stopOnce      sync.Once
}

// NewService creates the push service for clientGroupID. notifier may
// be nil.
func NewService(clientGroupID string, dispatcher Dispatcher, notifier ChangeNotifier) *Service {
	return &Service{
		clientGroupID: clientGroupID,
		queue:         newWorkQueue(),
		registry:      NewRegistry(),
		dispatcher:    dispatcher,
		notifier:      notifier,
		logger:        log.With().Str("clientGroupID", clientGroupID).Logger(),
	}
}

// ClientGroupID returns the group this service serves.
func (s *Service) ClientGroupID() string {
	return s.clientGroupID
}

// ActiveConnections reports the number of live client connections.
func (s *Service) ActiveConnections() int {
	return s.registry.Len()
}

// InitConnection registers a client connection and returns the stream
// its downstream messages arrive on. A new wsEpoch for the same client
// ends the prior stream cleanly; reusing a live epoch is an error.
func (s *Service) InitConnection(clientID, wsEpoch string, params *ConnectParams) (*Subscription, error) {
	sub, err := s.registry.InitConnection(clientID, wsEpoch, params)
	if err != nil {
		return nil, err
	}
	s.logger.Info().
		Str("clientID", clientID).
		Str("wsEpoch", wsEpoch).
		Msg("Sync connection initialized")
	return sub, nil
}

// EnqueuePush queues one push for dispatch. It never blocks.
func (s *Service) EnqueuePush(clientID string, push protocol.PushBody, jwt string) error {
	if push.ClientGroupID != s.clientGroupID {
		return fmt.Errorf("%w: got %q, want %q", ErrWrongClientGroup, push.ClientGroupID, s.clientGroupID)
	}
	if err := s.queue.Enqueue(PushEntry{Push: push, JWT: jwt, ClientID: clientID}); err != nil {
		return err
	}
	metrics.PushesEnqueued.Inc()
	s.logger.Debug().
		Str("clientID", clientID).
		Str("requestID", push.RequestID).
		Int("mutations", len(push.Mutations)).
		Msg("Push enqueued")
	return nil
}

// Run drives the pipeline until Stop is called or ctx ends. Pushes
// that arrive while a dispatch is in flight pile up in the queue and
// are coalesced on the next iteration, so a slow upstream sees fewer,
// larger batches.
//
// Run returns nil after Stop, ctx.Err() on cancellation, and a non-nil
// error if the upstream returns a 2xx reply that cannot be parsed. All
// live streams are ended when Run returns.
func (s *Service) Run(ctx context.Context) error {
	s.logger.Info().Msg("Push service started")
	defer s.registry.CloseAll()

	for {
		first, err := s.queue.Dequeue(ctx)
		if err != nil {
			return err
		}
		entries := append([]PushEntry{first}, s.queue.Drain()...)
		metrics.CoalesceBatchSize.Observe(float64(len(entries)))

		batches, terminate, err := coalesce(entries)
		if err != nil {
			s.logger.Error().Err(err).Int("entries", len(entries)).Msg("Dropped uncoalescable push batch")
			metrics.CoalesceInvariants.Inc()
			// A stop queued behind the bad entries must still win.
			terminate = containsSentinel(entries)
		}

		for _, b := range batches {
			var params *ConnectParams
			if conn, ok := s.registry.Get(b.ClientID); ok {
				params = conn.Params
			}

			resp, err := s.dispatcher.Dispatch(ctx, b, params)
			if err != nil {
				return fmt.Errorf("dispatch for client %q: %w", b.ClientID, err)
			}
			if err := fanOut(ctx, s.registry, b, resp); err != nil {
				return err
			}
			if resp.OK() && s.notifier != nil {
				s.notifier.GroupChanged(ctx, s.clientGroupID)
			}
		}

		if terminate {
			s.logger.Info().Msg("Push service stopped")
			return nil
		}
	}
}

// Stop asks Run to exit once the batch it is working on finishes.
// In-flight upstream requests are not cancelled. Safe to call more
// than once and before Run.
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		s.logger.Info().Msg("Stopping push service")
		s.queue.EnqueueStop()
	})
}

func containsSentinel(entries []PushEntry) bool {
	for _, e := range entries {
		if e.stop {
			return true
		}
	}
	return false
}
