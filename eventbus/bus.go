// Package eventbus correlates background pipeline events with a waiting
// client via a lifecycle token (C11). Each token owns a bounded buffer;
// events emitted before a subscriber attaches are retained (oldest discarded
// on overflow) and drained first on attach, after which delivery is live.
package eventbus

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/runnerforge/engine/internal/engineerr"
	"github.com/runnerforge/engine/internal/logging"
)

// Type is a typed lifecycle event name (§4.7).
type Type string

const (
	RequestReceived             Type = "REQUEST_RECEIVED"
	RequestProcessing           Type = "REQUEST_PROCESSING"
	ResourceDiscovery           Type = "RESOURCE_DISCOVERY"
	ResourceAllocation          Type = "RESOURCE_ALLOCATION"
	InstanceBooting             Type = "INSTANCE_BOOTING"
	InstanceStarting            Type = "INSTANCE_STARTING"
	InstanceRunning             Type = "INSTANCE_RUNNING"
	InstanceIPAssigning         Type = "INSTANCE_IP_ASSIGNING"
	InstanceIPAssigned          Type = "INSTANCE_IP_ASSIGNED"
	InstanceSSHWaiting          Type = "INSTANCE_SSH_WAITING"
	InstanceSSHAvailable        Type = "INSTANCE_SSH_AVAILABLE"
	InstanceStartupProcStarted  Type = "INSTANCE_STARTUP_PROCESS_STARTED"
	InstanceStartupProcComplete Type = "INSTANCE_STARTUP_PROCESS_COMPLETE"
	InstanceStartupProcFailed   Type = "INSTANCE_STARTUP_PROCESS_FAILED"
	InstanceScript               Type = "INSTANCE_SCRIPT"
	SessionStatus                Type = "SESSION_STATUS"
	ConnectionStatus              Type = "CONNECTION_STATUS"
	RunnerReady                   Type = "RUNNER_READY"
	InstanceShuttingDown          Type = "INSTANCE_SHUTTING_DOWN"
	Error                          Type = "ERROR"
)

// DiscoveryOutcome is the payload carried by a RESOURCE_DISCOVERY event.
type DiscoveryOutcome string

const (
	DiscoveryExisting DiscoveryOutcome = "existing"
	DiscoveryPool     DiscoveryOutcome = "pool"
	DiscoveryNone     DiscoveryOutcome = "none"
)

// AllocationOutcome is the payload carried by a RESOURCE_ALLOCATION event.
type AllocationOutcome string

const (
	AllocationClaimExisting AllocationOutcome = "claim_existing"
	AllocationClaimPool     AllocationOutcome = "claim_pool"
	AllocationLaunchNew     AllocationOutcome = "launch_new"
)

// Event is one typed status update for a lifecycle token.
type Event struct {
	Type           Type
	LifecycleToken string
	Data           map[string]interface{}
}

const defaultBufferSize = 64

type subscription struct {
	mu       sync.Mutex
	buf      []Event
	cap      int
	live     chan Event
	closed   bool
	attached bool
}

func newSubscription(capacity int) *subscription {
	return &subscription{cap: capacity, live: make(chan Event, capacity)}
}

// Bus is an in-memory, per-process Event Bus keyed by lifecycle token. It
// does not itself authorize subscriptions against a live runner; callers
// check that against the Runner Store (via RunnerAuthorizer) before calling
// Subscribe, matching the Allocator/HTTP layer's access to runner state.
//
// When constructed with a redis client (NewWithRedis), Publish additionally
// fans an event out over a per-token Redis Pub/Sub channel and Subscribe
// additionally listens on it, so a client whose WebSocket lands on a
// different engine process than the one driving the pipeline still receives
// the stream (§4.7, §6 AllocateAsync's duplex channel is token-addressed,
// not process-addressed).
type Bus struct {
	mu         sync.Mutex
	tokens     map[string]*subscription
	bufferSize int
	logger     *logging.Logger

	redis      redis.UniversalClient
	instanceID string
}

// New constructs a single-process Bus with the default per-token buffer
// size.
func New(logger *logging.Logger) *Bus {
	return &Bus{tokens: make(map[string]*subscription), bufferSize: defaultBufferSize, logger: logger}
}

// NewWithRedis constructs a Bus that also fans events out across processes
// over rdb. Pass nil rdb to get single-process behavior identical to New.
func NewWithRedis(logger *logging.Logger, rdb redis.UniversalClient) *Bus {
	b := New(logger)
	b.redis = rdb
	b.instanceID = uuid.NewString()
	return b
}

// remoteEvent is the wire shape published to Redis; originID lets a
// subscriber on the publishing process itself ignore its own echo, since it
// already received the event over the local in-memory channel.
type remoteEvent struct {
	OriginID string `json:"origin_id"`
	Event    Event  `json:"event"`
}

func redisChannel(token string) string {
	return "runnerforge:events:" + token
}

func (b *Bus) publishRemote(ctx context.Context, token string, evt Event) {
	if b.redis == nil {
		return
	}
	payload, err := json.Marshal(remoteEvent{OriginID: b.instanceID, Event: evt})
	if err != nil {
		return
	}
	if err := b.redis.Publish(ctx, redisChannel(token), payload).Err(); err != nil && b.logger != nil {
		b.logger.WithError(err).Warn("eventbus: redis publish failed")
	}
}

// subscribeRemote opens a Redis Pub/Sub subscription for token and returns a
// channel of events originating from other processes, plus a closer.
func (b *Bus) subscribeRemote(ctx context.Context, token string) (<-chan Event, func()) {
	pubsub := b.redis.Subscribe(ctx, redisChannel(token))
	out := make(chan Event, b.bufferSize)
	go func() {
		defer close(out)
		ch := pubsub.Channel()
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var remote remoteEvent
				if err := json.Unmarshal([]byte(msg.Payload), &remote); err != nil {
					continue
				}
				if remote.OriginID == b.instanceID {
					continue
				}
				select {
				case out <- remote.Event:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, func() { _ = pubsub.Close() }
}

func (b *Bus) subFor(token string) *subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.tokens[token]
	if !ok {
		sub = newSubscription(b.bufferSize)
		b.tokens[token] = sub
	}
	return sub
}

// Publish emits an event for a lifecycle token. If a live subscriber is
// attached the event is delivered directly (dropped if the subscriber's
// channel is full, mirroring a slow/stalled client); otherwise it is
// buffered, discarding the oldest entry on overflow.
func (b *Bus) Publish(ctx context.Context, token string, typ Type, data map[string]interface{}) {
	sub := b.subFor(token)
	evt := Event{Type: typ, LifecycleToken: token, Data: data}

	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed {
		return
	}

	if sub.attached {
		select {
		case sub.live <- evt:
		default:
		}
		b.publishRemote(ctx, token, evt)
		return
	}

	sub.buf = append(sub.buf, evt)
	if len(sub.buf) > sub.cap {
		sub.buf = sub.buf[len(sub.buf)-sub.cap:]
		if b.logger != nil {
			b.logger.WithContext(logging.WithLifecycleToken(ctx, token)).Warn("eventbus: buffer overflow, discarded oldest event")
		}
	}

	b.publishRemote(ctx, token, evt)
}

// Subscribe drains any buffered events into out, then forwards live events
// until ctx is cancelled or Close is called for this token. Callers are
// responsible for verifying the token is authorized (the Subscribe request
// maps to a live runner) before invoking this.
func (b *Bus) Subscribe(ctx context.Context, token string, out chan<- Event) error {
	if token == "" {
		return engineerr.New(engineerr.InvalidRequest, "lifecycle token is required")
	}
	sub := b.subFor(token)

	sub.mu.Lock()
	buffered := sub.buf
	sub.buf = nil
	sub.attached = true
	sub.mu.Unlock()
	defer func() {
		sub.mu.Lock()
		sub.attached = false
		sub.mu.Unlock()
	}()

	for _, evt := range buffered {
		select {
		case out <- evt:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	var remote <-chan Event
	if b.redis != nil {
		var stopRemote func()
		remote, stopRemote = b.subscribeRemote(ctx, token)
		defer stopRemote()
	}

	for {
		select {
		case evt, ok := <-sub.live:
			if !ok {
				return nil
			}
			select {
			case out <- evt:
			case <-ctx.Done():
				return ctx.Err()
			}
		case evt, ok := <-remote:
			if !ok {
				remote = nil
				continue
			}
			select {
			case out <- evt:
			case <-ctx.Done():
				return ctx.Err()
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close releases the buffer for a lifecycle token. Called once a runner
// reaches a terminal state and its subscriber has disconnected (§4.7): the
// bus does not retain events past that point.
func (b *Bus) Close(token string) {
	b.mu.Lock()
	sub, ok := b.tokens[token]
	delete(b.tokens, token)
	b.mu.Unlock()
	if !ok {
		return
	}
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed {
		return
	}
	sub.closed = true
	close(sub.live)
}
