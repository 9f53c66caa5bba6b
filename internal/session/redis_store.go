package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"collabsync/internal/protocol"
)

// Presence keys expire a day after the last join so counts left behind by a
// crashed instance do not live forever.
const roomTTL = 24 * time.Hour

var joinScript = redis.NewScript(`
local n = redis.call('HINCRBY', KEYS[1], ARGV[1], 1)
redis.call('HSET', KEYS[2], ARGV[1], ARGV[2])
redis.call('EXPIRE', KEYS[1], ARGV[3])
redis.call('EXPIRE', KEYS[2], ARGV[3])
return n
`)

var leaveScript = redis.NewScript(`
local n = redis.call('HINCRBY', KEYS[1], ARGV[1], -1)
if n > 0 then
  return 0
end
redis.call('HDEL', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[2], ARGV[1])
if n == 0 then
  return 1
end
return 0
`)

// RedisStore keeps room presence in two hashes per document and relays
// events over the room:<doc>:events channel.
type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisStoreWithClient(client), nil
}

func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: "room:",
	}
}

func (s *RedisStore) connsKey(documentID string) string {
	return s.prefix + documentID + ":conns"
}

func (s *RedisStore) namesKey(documentID string) string {
	return s.prefix + documentID + ":names"
}

func (s *RedisStore) channel(documentID string) string {
	return s.prefix + documentID + ":events"
}

func (s *RedisStore) Join(ctx context.Context, documentID string, editor protocol.Editor) (bool, error) {
	n, err := joinScript.Run(ctx, s.client,
		[]string{s.connsKey(documentID), s.namesKey(documentID)},
		editor.EditorID, editor.DisplayName, int(roomTTL.Seconds()),
	).Int64()
	if err != nil {
		return false, fmt.Errorf("join room %s: %w", documentID, err)
	}
	return n == 1, nil
}

func (s *RedisStore) Leave(ctx context.Context, documentID, editorID string) (bool, error) {
	gone, err := leaveScript.Run(ctx, s.client,
		[]string{s.connsKey(documentID), s.namesKey(documentID)},
		editorID,
	).Int64()
	if err != nil {
		return false, fmt.Errorf("leave room %s: %w", documentID, err)
	}
	return gone == 1, nil
}

func (s *RedisStore) Editors(ctx context.Context, documentID string) ([]protocol.Editor, error) {
	names, err := s.client.HGetAll(ctx, s.namesKey(documentID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list room %s: %w", documentID, err)
	}
	editors := make([]protocol.Editor, 0, len(names))
	for id, name := range names {
		editors = append(editors, protocol.Editor{EditorID: id, DisplayName: name})
	}
	sortEditors(editors)
	return editors, nil
}

func (s *RedisStore) Publish(ctx context.Context, documentID string, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal room event: %w", err)
	}
	if err := s.client.Publish(ctx, s.channel(documentID), payload).Err(); err != nil {
		return fmt.Errorf("publish room event: %w", err)
	}
	return nil
}

// Subscribe returns once Redis has confirmed the subscription. Events that
// fail to decode are logged and skipped.
func (s *RedisStore) Subscribe(ctx context.Context, documentID string) (*Subscription, error) {
	pubsub := s.client.Subscribe(ctx, s.channel(documentID))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe room %s: %w", documentID, err)
	}

	in := pubsub.Channel()
	out := make(chan Event, 64)
	done := make(chan struct{})
	var once sync.Once
	go func() {
		defer close(out)
		for msg := range in {
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				log.Printf("session: skip malformed event on %s: %v", msg.Channel, err)
				continue
			}
			select {
			case out <- event:
			case <-done:
				return
			}
		}
	}()

	return &Subscription{
		C: out,
		close: func() {
			once.Do(func() {
				close(done)
				pubsub.Close()
			})
		},
	}, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
