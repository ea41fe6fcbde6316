package broker

import (
	"context"
	"hash/fnv"
	"sync"

	"github.com/snehjoshi/herald/internal/types"
)

// DefaultActorShards is the number of mailbox goroutines when none is
// configured.
const DefaultActorShards = 16

const mailboxSize = 64

// ActorBroker is the actor-delegating Service.
//
// Every keyed operation is forwarded to a logical actor: sends, recipient
// listings and channel connects go to the recipient's actor; acknowledgments
// and lookups go to the message's actor. Actors are multiplexed onto a fixed
// pool of mailbox goroutines by FNV hash of the key, so operations on the
// same key run one at a time and in arrival order. The work itself is done by
// the wrapped local Broker.
type ActorBroker struct {
	inner  *Broker
	shards []chan job

	quit      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

var _ Service = (*ActorBroker)(nil)

type job struct {
	ctx  context.Context
	run  func(ctx context.Context)
	done chan struct{}
}

// NewActor wraps inner with shards mailbox goroutines. shards <= 0 uses
// DefaultActorShards.
func NewActor(inner *Broker, shards int) *ActorBroker {
	if shards <= 0 {
		shards = DefaultActorShards
	}
	a := &ActorBroker{
		inner:  inner,
		shards: make([]chan job, shards),
		quit:   make(chan struct{}),
	}
	for i := range a.shards {
		a.shards[i] = make(chan job, mailboxSize)
		a.wg.Add(1)
		go a.mailbox(a.shards[i])
	}
	return a
}

func (a *ActorBroker) mailbox(in <-chan job) {
	defer a.wg.Done()
	for {
		select {
		case <-a.quit:
			return
		case j := <-in:
			if j.ctx.Err() == nil {
				j.run(j.ctx)
			}
			close(j.done)
		}
	}
}

// shardFor maps an actor key to its mailbox.
func (a *ActorBroker) shardFor(key string) chan job {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return a.shards[h.Sum32()%uint32(len(a.shards))]
}

// Shards returns the number of mailbox goroutines.
func (a *ActorBroker) Shards() int { return len(a.shards) }

// call runs fn on the actor owning key and waits for it.
func call[T any](ctx context.Context, a *ActorBroker, key string, fn func(ctx context.Context) (T, error)) (T, error) {
	var (
		out  T
		err  error
		ran  bool
		zero T
	)
	j := job{
		ctx: ctx,
		run: func(ctx context.Context) {
			out, err = fn(ctx)
			ran = true
		},
		done: make(chan struct{}),
	}

	select {
	case <-a.quit:
		return zero, ErrClosed
	default:
	}

	select {
	case a.shardFor(key) <- j:
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-a.quit:
		return zero, ErrClosed
	}

	select {
	case <-j.done:
		if !ran {
			// The mailbox skipped the job because ctx ended while it queued.
			return zero, ctx.Err()
		}
		return out, err
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-a.quit:
		return zero, ErrClosed
	}
}

// ─── Service implementation ──────────────────────────────────────────────────

// Send implements Service on the recipient's actor.
func (a *ActorBroker) Send(ctx context.Context, req SendRequest) (*types.Message, error) {
	return call(ctx, a, "recipient:"+req.RecipientID, func(ctx context.Context) (*types.Message, error) {
		return a.inner.Send(ctx, req)
	})
}

// Get implements Service on the message's actor.
func (a *ActorBroker) Get(ctx context.Context, id string) (*types.Message, error) {
	return call(ctx, a, "message:"+id, func(ctx context.Context) (*types.Message, error) {
		return a.inner.Get(ctx, id)
	})
}

// ListUnacknowledged implements Service on the recipient's actor.
func (a *ActorBroker) ListUnacknowledged(ctx context.Context, recipientID string) ([]*types.Message, error) {
	return call(ctx, a, "recipient:"+recipientID, func(ctx context.Context) ([]*types.Message, error) {
		return a.inner.ListUnacknowledged(ctx, recipientID)
	})
}

// ListExpired implements Service. It spans every actor, so it reads the store
// directly.
func (a *ActorBroker) ListExpired(ctx context.Context) ([]*types.Message, error) {
	select {
	case <-a.quit:
		return nil, ErrClosed
	default:
	}
	return a.inner.ListExpired(ctx)
}

// Acknowledge implements Service on the message's actor.
func (a *ActorBroker) Acknowledge(ctx context.Context, id string) (bool, error) {
	return call(ctx, a, "message:"+id, func(ctx context.Context) (bool, error) {
		return a.inner.Acknowledge(ctx, id)
	})
}

// OnChannelConnect implements Service on the recipient's actor, so a flush
// never interleaves with a send to the same recipient.
func (a *ActorBroker) OnChannelConnect(ctx context.Context, channelID, recipientID string) error {
	_, err := call(ctx, a, "recipient:"+recipientID, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, a.inner.OnChannelConnect(ctx, channelID, recipientID)
	})
	return err
}

// OnChannelDisconnect implements Service. Only the channel id is known here,
// and the presence registry is safe for concurrent use, so it runs inline.
func (a *ActorBroker) OnChannelDisconnect(channelID string) {
	a.inner.OnChannelDisconnect(channelID)
}

// Stats implements Service.
func (a *ActorBroker) Stats() Stats { return a.inner.Stats() }

// Close stops every mailbox goroutine and waits for them to exit. Calls
// waiting on a mailbox return ErrClosed. Safe to call multiple times.
func (a *ActorBroker) Close() error {
	a.closeOnce.Do(func() { close(a.quit) })
	a.wg.Wait()
	return a.inner.Close()
}
