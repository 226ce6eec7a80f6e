package study

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Client provides namespaced Redis storage for users, their trees, and
// persisted evaluations. It is safe for concurrent use.
type Client struct {
	rdb       *redis.Client
	namespace string
}

// NewClient creates a client whose keys and channels are prefixed with namespace.
// Returns an error if namespace is empty.
func NewClient(redisOpts *redis.Options, namespace string) (*Client, error) {
	if namespace == "" {
		return nil, fmt.Errorf("namespace cannot be empty")
	}

	return &Client{
		rdb:       redis.NewClient(redisOpts),
		namespace: namespace,
	}, nil
}

// NewClientFromURL parses a redis:// URL and creates a client.
func NewClientFromURL(redisURL, namespace string) (*Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	return NewClient(opts, namespace)
}

// Close closes the Redis connection. Implements io.Closer.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping verifies Redis connectivity.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Namespace returns the key namespace.
func (c *Client) Namespace() string {
	return c.namespace
}

// PutEvaluation stores an evaluation, replacing any previous one for the position.
func (c *Client) PutEvaluation(ctx context.Context, ev *Evaluation) error {
	if err := ev.Validate(); err != nil {
		return fmt.Errorf("invalid evaluation: %w", err)
	}

	key := EvaluationKey(c.namespace, ev.PositionKey)
	pipe := c.rdb.TxPipeline()
	pipe.Del(ctx, key)
	pipe.HSet(ctx, key, EvaluationToHash(ev))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to write evaluation to Redis: %w", err)
	}
	return nil
}

// GetEvaluation retrieves the persisted evaluation for a position.
// Returns (nil, redis.Nil) if none exists; use IsNotFound to check.
func (c *Client) GetEvaluation(ctx context.Context, positionKey string) (*Evaluation, error) {
	hashData, err := c.rdb.HGetAll(ctx, EvaluationKey(c.namespace, positionKey)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read evaluation from Redis: %w", err)
	}
	if len(hashData) == 0 {
		return nil, redis.Nil
	}

	ev, err := HashToEvaluation(hashData)
	if err != nil {
		return nil, fmt.Errorf("failed to deserialize evaluation: %w", err)
	}
	return ev, nil
}

// ScanEvaluations returns every persisted evaluation. Keys that vanish or
// fail to decode during the scan are skipped.
func (c *Client) ScanEvaluations(ctx context.Context) ([]*Evaluation, error) {
	var (
		out    []*Evaluation
		cursor uint64
	)
	pattern := EvaluationKeyPattern(c.namespace)

	for {
		keys, next, err := c.rdb.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan evaluations: %w", err)
		}

		for _, key := range keys {
			hashData, err := c.rdb.HGetAll(ctx, key).Result()
			if err != nil {
				return nil, fmt.Errorf("failed to read %s: %w", key, err)
			}
			if len(hashData) == 0 {
				continue
			}
			ev, err := HashToEvaluation(hashData)
			if err != nil {
				continue
			}
			out = append(out, ev)
		}

		cursor = next
		if cursor == 0 {
			return out, nil
		}
	}
}

// CreateUser stores a new user in a single transaction. Returns
// ErrUserExists if the name is taken.
func (c *Client) CreateUser(ctx context.Context, u *User) error {
	if err := u.Validate(); err != nil {
		return fmt.Errorf("invalid user: %w", err)
	}

	hash, err := UserToHash(u)
	if err != nil {
		return fmt.Errorf("failed to serialize user: %w", err)
	}

	key := UserKey(c.namespace, u.Username)
	err = c.rdb.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return fmt.Errorf("failed to check user existence: %w", err)
		}
		if n > 0 {
			return fmt.Errorf("%w: %s", ErrUserExists, u.Username)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, hash)
			return nil
		})
		return err
	}, key)

	switch {
	case err == nil:
		return nil
	case errors.Is(err, redis.TxFailedErr):
		// Another registration for the same name won the race.
		return fmt.Errorf("%w: %s", ErrUserExists, u.Username)
	case errors.Is(err, ErrUserExists):
		return err
	default:
		return fmt.Errorf("failed to create user: %w", err)
	}
}

// GetUser retrieves a user document. Returns (nil, redis.Nil) if absent.
func (c *Client) GetUser(ctx context.Context, username string) (*User, error) {
	hashData, err := c.rdb.HGetAll(ctx, UserKey(c.namespace, username)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read user from Redis: %w", err)
	}
	if len(hashData) == 0 {
		return nil, redis.Nil
	}

	u, err := HashToUser(hashData)
	if err != nil {
		return nil, fmt.Errorf("failed to deserialize user: %w", err)
	}
	return u, nil
}

// SaveTree replaces a user's tree. Returns redis.Nil if the user does not exist.
func (c *Client) SaveTree(ctx context.Context, username string, tree *Tree) error {
	if err := tree.Validate(); err != nil {
		return fmt.Errorf("invalid tree: %w", err)
	}

	treeJSON, err := json.Marshal(tree)
	if err != nil {
		return fmt.Errorf("failed to marshal tree: %w", err)
	}

	key := UserKey(c.namespace, username)
	exists, err := c.rdb.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("failed to check user existence: %w", err)
	}
	if exists == 0 {
		return redis.Nil
	}

	if err := c.rdb.HSet(ctx, key, "tree", string(treeJSON)).Err(); err != nil {
		return fmt.Errorf("failed to write tree to Redis: %w", err)
	}
	return nil
}

// PublishEvaluation announces a freshly computed evaluation.
func (c *Client) PublishEvaluation(ctx context.Context, ev *Evaluation) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal evaluation event: %w", err)
	}

	if err := c.rdb.Publish(ctx, EvaluationEventsChannel(c.namespace), payload).Err(); err != nil {
		return fmt.Errorf("failed to publish evaluation event: %w", err)
	}
	return nil
}

// EvaluationSubscription is an active subscription to evaluation events.
// Caller must call Close() when done.
type EvaluationSubscription struct {
	events <-chan *Evaluation
	errors <-chan error
	cancel func()
	once   sync.Once
}

// Events returns the channel of evaluations. It is closed when the
// subscription is closed or its context is cancelled.
func (s *EvaluationSubscription) Events() <-chan *Evaluation {
	return s.events
}

// Errors returns non-fatal decode errors; offending messages are skipped.
func (s *EvaluationSubscription) Errors() <-chan error {
	return s.errors
}

// Close stops the subscription. Safe to call multiple times.
func (s *EvaluationSubscription) Close() error {
	s.once.Do(s.cancel)
	return nil
}

// SubscribeEvaluationEvents subscribes to freshly computed evaluations. The
// subscription is confirmed before returning, so events published after
// this call are delivered (at most once, as with any Redis Pub/Sub).
func (c *Client) SubscribeEvaluationEvents(ctx context.Context) (*EvaluationSubscription, error) {
	pubsub := c.rdb.Subscribe(ctx, EvaluationEventsChannel(c.namespace))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to evaluation events: %w", err)
	}

	eventsChan := make(chan *Evaluation, 10)
	errorsChan := make(chan error, 10)

	subCtx, cancelFunc := context.WithCancel(ctx)

	go func() {
		defer close(eventsChan)
		defer close(errorsChan)
		defer pubsub.Close()

		ch := pubsub.Channel()

		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}

				var ev Evaluation
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					select {
					case errorsChan <- fmt.Errorf("failed to unmarshal evaluation event: %w", err):
					case <-subCtx.Done():
						return
					}
					continue
				}

				select {
				case eventsChan <- &ev:
				case <-subCtx.Done():
					return
				}
			}
		}
	}()

	return &EvaluationSubscription{
		events: eventsChan,
		errors: errorsChan,
		cancel: cancelFunc,
	}, nil
}
