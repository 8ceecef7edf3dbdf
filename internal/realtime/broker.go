package realtime

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"log"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/kian-m/ConsultantAppBack/internal/metrics"
	"github.com/kian-m/ConsultantAppBack/internal/models"
)

const redisEventChannel = "messaging_events"

// Subscription is a handle on a live change feed. Close is idempotent and
// must be called on conversation switch and session teardown.
type Subscription struct {
	once   sync.Once
	cancel func()
}

func (s *Subscription) Close() {
	if s == nil {
		return
	}
	s.once.Do(s.cancel)
}

// Broker bridges committed row changes into local callbacks: one global
// conversation-update feed plus per-conversation message-insert feeds.
// With a Redis client configured, events also fan out across instances;
// envelopes carry an origin id so an instance never re-applies its own.
type Broker struct {
	mu       sync.RWMutex
	nextID   int64
	convSubs map[int64]func(models.Conversation)
	msgSubs  map[int64]map[int64]func(models.ChatMessage)
	closed   bool

	redisClient *redis.Client
	instanceID  string
	ctx         context.Context
	cancelCtx   context.CancelFunc
}

func NewBroker(redisClient *redis.Client) *Broker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Broker{
		convSubs:    make(map[int64]func(models.Conversation)),
		msgSubs:     make(map[int64]map[int64]func(models.ChatMessage)),
		redisClient: redisClient,
		instanceID:  newInstanceID(),
		ctx:         ctx,
		cancelCtx:   cancel,
	}
}

func newInstanceID() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "local"
	}
	return hex.EncodeToString(buf)
}

// Run listens for events published by other instances. It returns when the
// broker is closed; without Redis there is nothing to do.
func (b *Broker) Run() {
	if b.redisClient == nil {
		<-b.ctx.Done()
		return
	}

	pubsub := b.redisClient.Subscribe(b.ctx, redisEventChannel)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var env eventEnvelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				log.Printf("realtime broker: drop malformed envelope: %v", err)
				continue
			}
			if env.Origin == b.instanceID {
				continue
			}
			switch {
			case env.Message != nil:
				b.dispatchMessage(*env.Message)
			case env.Conversation != nil:
				b.dispatchConversation(*env.Conversation)
			default:
				log.Printf("realtime broker: drop empty envelope from %s", env.Origin)
			}
		case <-b.ctx.Done():
			return
		}
	}
}

func (b *Broker) Close() {
	b.mu.Lock()
	b.closed = true
	b.convSubs = make(map[int64]func(models.Conversation))
	b.msgSubs = make(map[int64]map[int64]func(models.ChatMessage))
	b.mu.Unlock()
	b.cancelCtx()
}

// SubscribeConversationChanges registers a callback invoked once per
// conversation-row update with the new row state.
func (b *Broker) SubscribeConversationChanges(fn func(models.Conversation)) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return &Subscription{cancel: func() {}}
	}

	b.nextID++
	id := b.nextID
	b.convSubs[id] = fn

	return &Subscription{cancel: func() {
		b.mu.Lock()
		delete(b.convSubs, id)
		b.mu.Unlock()
	}}
}

// SubscribeMessageInserts registers a callback for message inserts within
// a single conversation. Events for other conversations never reach it.
func (b *Broker) SubscribeMessageInserts(conversationID int64, fn func(models.ChatMessage)) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return &Subscription{cancel: func() {}}
	}

	b.nextID++
	id := b.nextID
	set, ok := b.msgSubs[conversationID]
	if !ok {
		set = make(map[int64]func(models.ChatMessage))
		b.msgSubs[conversationID] = set
	}
	set[id] = fn

	return &Subscription{cancel: func() {
		b.mu.Lock()
		if set, ok := b.msgSubs[conversationID]; ok {
			delete(set, id)
			if len(set) == 0 {
				delete(b.msgSubs, conversationID)
			}
		}
		b.mu.Unlock()
	}}
}

func (b *Broker) PublishMessage(message *models.ChatMessage) {
	if message == nil {
		return
	}
	b.dispatchMessage(*message)
	b.publishRemote(eventEnvelope{Origin: b.instanceID, Message: message})
}

func (b *Broker) PublishConversation(conversation *models.Conversation) {
	if conversation == nil {
		return
	}
	b.dispatchConversation(*conversation)
	b.publishRemote(eventEnvelope{Origin: b.instanceID, Conversation: conversation})
}

func (b *Broker) dispatchMessage(message models.ChatMessage) {
	b.mu.RLock()
	fns := make([]func(models.ChatMessage), 0, len(b.msgSubs[message.ConversationID]))
	for _, fn := range b.msgSubs[message.ConversationID] {
		fns = append(fns, fn)
	}
	b.mu.RUnlock()

	for _, fn := range fns {
		fn(message)
		metrics.EventsDispatched.WithLabelValues("message").Inc()
	}
}

func (b *Broker) dispatchConversation(conversation models.Conversation) {
	b.mu.RLock()
	fns := make([]func(models.Conversation), 0, len(b.convSubs))
	for _, fn := range b.convSubs {
		fns = append(fns, fn)
	}
	b.mu.RUnlock()

	for _, fn := range fns {
		fn(conversation)
		metrics.EventsDispatched.WithLabelValues("conversation").Inc()
	}
}

type eventEnvelope struct {
	Origin       string               `json:"origin"`
	Message      *models.ChatMessage  `json:"message,omitempty"`
	Conversation *models.Conversation `json:"conversation,omitempty"`
}

func (b *Broker) publishRemote(env eventEnvelope) {
	if b.redisClient == nil {
		return
	}
	payload, err := json.Marshal(env)
	if err != nil {
		log.Printf("realtime broker: encode envelope: %v", err)
		return
	}
	if err := b.redisClient.Publish(b.ctx, redisEventChannel, payload).Err(); err != nil {
		log.Printf("realtime broker: publish envelope: %v", err)
	}
}
