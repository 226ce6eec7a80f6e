// Package studies manages users and their variation trees.
//
// Every mutation loads the user's tree, applies the change and saves it back
// while holding that user's lock. Adding a node never waits for the engine:
// the new position is evaluated in the background and the result is written
// into the tree when it arrives. Until then the node is pending.
package studies

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dyluth/arbre/internal/rules"
	"github.com/dyluth/arbre/pkg/study"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"
)

// ErrInvalidCredentials is returned by Authenticate for an unknown user or a
// wrong password.
var ErrInvalidCredentials = errors.New("invalid username or password")

const (
	DefaultDepth       = 15
	DefaultEvalTimeout = 2 * time.Minute
	minPasswordLength  = 4

	// saveTimeout bounds writing a background result into the tree.
	saveTimeout = 10 * time.Second
)

// Store persists users and their trees.
type Store interface {
	CreateUser(ctx context.Context, u *study.User) error
	GetUser(ctx context.Context, username string) (*study.User, error)
	SaveTree(ctx context.Context, username string, tree *study.Tree) error
}

// Evaluator computes and caches evaluations.
type Evaluator interface {
	Evaluate(ctx context.Context, positionKey string, depth int) (*study.Evaluation, error)
	Cached(positionKey string) (*study.Evaluation, bool)
}

// Rules derives positions.
type Rules interface {
	ApplyMove(positionKey, move string) (string, error)
	Canonical(positionKey string) (string, error)
}

// Options configures a Service.
type Options struct {
	// Depth is the target depth of background evaluations.
	Depth int
	// EvalTimeout bounds each background evaluation.
	EvalTimeout time.Duration
	// RootPosition is the root of new users' trees. Defaults to the standard start.
	RootPosition string
	// BcryptCost defaults to bcrypt.DefaultCost.
	BcryptCost int
	Logger     zerolog.Logger
}

// Service implements user registration and tree editing.
type Service struct {
	store     Store
	evaluator Evaluator
	rules     Rules
	opts      Options
	log       zerolog.Logger
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	locks  map[string]*sync.Mutex
	closed bool // no background work starts once set
}

// NewService creates a service.
func NewService(store Store, evaluator Evaluator, r Rules, opts Options) *Service {
	if opts.Depth < 1 {
		opts.Depth = DefaultDepth
	}
	if opts.EvalTimeout <= 0 {
		opts.EvalTimeout = DefaultEvalTimeout
	}
	if opts.RootPosition == "" {
		opts.RootPosition = rules.StartingPosition
	}
	if opts.BcryptCost == 0 {
		opts.BcryptCost = bcrypt.DefaultCost
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		store:     store,
		evaluator: evaluator,
		rules:     r,
		opts:      opts,
		log:       opts.Logger.With().Str("component", "studies").Logger(),
		now:       time.Now,
		ctx:       ctx,
		cancel:    cancel,
		locks:     make(map[string]*sync.Mutex),
	}
}

// Register creates a user whose tree holds only the root position.
func (s *Service) Register(ctx context.Context, username, password string) (*study.User, error) {
	if err := study.ValidateUsername(username); err != nil {
		return nil, fmt.Errorf("%w: %v", study.ErrInvalidOperation, err)
	}
	if len(password) < minPasswordLength {
		return nil, fmt.Errorf("%w: password must be at least %d characters", study.ErrInvalidOperation, minPasswordLength)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.opts.BcryptCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	u := &study.User{
		Username:       username,
		CredentialHash: string(hash),
		CreatedAtMs:    s.now().UnixMilli(),
		Tree:           study.NewTree(s.opts.RootPosition),
	}
	if err := s.store.CreateUser(ctx, u); err != nil {
		return nil, err
	}

	s.log.Info().Str("event", "user_registered").Str("username", username).Msg("User registered")
	s.evaluateAsync(username, s.opts.RootPosition)
	return u, nil
}

// Authenticate checks a password and returns the user.
func (s *Service) Authenticate(ctx context.Context, username, password string) (*study.User, error) {
	u, err := s.store.GetUser(ctx, username)
	if err != nil {
		if study.IsNotFound(err) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.CredentialHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	return u, nil
}

// Tree returns the user's tree with cached evaluations filled into pending nodes.
func (s *Service) Tree(ctx context.Context, username string) (*study.Tree, error) {
	u, err := s.store.GetUser(ctx, username)
	if err != nil {
		return nil, err
	}
	s.fillPending(u.Tree)
	return u.Tree, nil
}

// ExportTree returns a copy of the user's tree suitable for importing elsewhere.
func (s *Service) ExportTree(ctx context.Context, username string) (*study.Tree, error) {
	tree, err := s.Tree(ctx, username)
	if err != nil {
		return nil, err
	}
	return tree.Export(), nil
}

// AddVariation plays move from the position of parentID and adds the
// resulting position as a new child. It returns the new node's id.
func (s *Service) AddVariation(ctx context.Context, username string, parentID int, move string) (int, *study.Tree, error) {
	var newID int
	tree, err := s.mutate(ctx, username, func(tree *study.Tree) error {
		parent, ok := tree.Node(parentID)
		if !ok {
			return fmt.Errorf("%w: parent %d", study.ErrNodeNotFound, parentID)
		}
		key, err := s.rules.ApplyMove(parent.PositionKey, move)
		if err != nil {
			return err
		}
		newID, err = s.addChild(tree, parentID, key)
		return err
	})
	if err != nil {
		return 0, nil, err
	}
	s.evaluateIfPending(username, tree, newID)
	return newID, tree, nil
}

// AddPosition adds positionKey as a new child of parentID without checking
// that it is reachable from the parent.
func (s *Service) AddPosition(ctx context.Context, username string, parentID int, positionKey string) (int, *study.Tree, error) {
	key, err := s.rules.Canonical(positionKey)
	if err != nil {
		return 0, nil, err
	}

	var newID int
	tree, err := s.mutate(ctx, username, func(tree *study.Tree) error {
		var err error
		newID, err = s.addChild(tree, parentID, key)
		return err
	})
	if err != nil {
		return 0, nil, err
	}
	s.evaluateIfPending(username, tree, newID)
	return newID, tree, nil
}

// DeleteNode removes a node and its descendants.
func (s *Service) DeleteNode(ctx context.Context, username string, id int) (*study.Tree, error) {
	return s.mutate(ctx, username, func(tree *study.Tree) error {
		return tree.DeleteNode(id)
	})
}

// SetComment replaces a node's comment.
func (s *Service) SetComment(ctx context.Context, username string, id int, comment string) (*study.Tree, error) {
	return s.mutate(ctx, username, func(tree *study.Tree) error {
		return tree.SetComment(id, comment)
	})
}

// ImportSubtree grafts foreign below attachTo and queues evaluation of every
// imported position that has none.
func (s *Service) ImportSubtree(ctx context.Context, username string, foreign *study.Tree, attachTo int) (map[int]int, *study.Tree, error) {
	var mapping map[int]int
	tree, err := s.mutate(ctx, username, func(tree *study.Tree) error {
		var err error
		mapping, err = tree.ImportSubtree(foreign, attachTo)
		if err != nil {
			return err
		}
		s.fillPending(tree)
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	queued := map[string]bool{}
	for _, id := range tree.Pending() {
		n, _ := tree.Node(id)
		if !queued[n.PositionKey] {
			queued[n.PositionKey] = true
			s.evaluateAsync(username, n.PositionKey)
		}
	}
	return mapping, tree, nil
}

// Wait blocks until every background evaluation has finished.
func (s *Service) Wait() {
	s.wg.Wait()
}

// Close cancels background evaluations and waits for them. Edits made
// after Close are saved but their positions are not evaluated.
func (s *Service) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
}

func (s *Service) addChild(tree *study.Tree, parentID int, key string) (int, error) {
	id, err := tree.AddChild(parentID, key)
	if err != nil {
		return 0, err
	}
	if ev, ok := s.evaluator.Cached(key); ok {
		_ = tree.SetEvaluation(id, ev)
	}
	return id, nil
}

// mutate applies fn to the user's tree under the user's lock and saves the
// result. Nothing is saved if fn fails.
func (s *Service) mutate(ctx context.Context, username string, fn func(*study.Tree) error) (*study.Tree, error) {
	unlock := s.lock(username)
	defer unlock()

	u, err := s.store.GetUser(ctx, username)
	if err != nil {
		return nil, err
	}
	if err := fn(u.Tree); err != nil {
		return nil, err
	}
	if err := s.store.SaveTree(ctx, username, u.Tree); err != nil {
		return nil, fmt.Errorf("failed to save tree: %w", err)
	}
	return u.Tree, nil
}

func (s *Service) lock(username string) func() {
	s.mu.Lock()
	l, ok := s.locks[username]
	if !ok {
		l = &sync.Mutex{}
		s.locks[username] = l
	}
	s.mu.Unlock()

	l.Lock()
	return l.Unlock
}

func (s *Service) fillPending(tree *study.Tree) {
	for _, id := range tree.Pending() {
		n, _ := tree.Node(id)
		if ev, ok := s.evaluator.Cached(n.PositionKey); ok {
			_ = tree.SetEvaluation(id, ev)
		}
	}
}

func (s *Service) evaluateIfPending(username string, tree *study.Tree, id int) {
	n, ok := tree.Node(id)
	if !ok || n.Evaluation != nil {
		return
	}
	s.evaluateAsync(username, n.PositionKey)
}

// evaluateAsync evaluates positionKey in the background and records the
// result on every node of the user's tree holding that position.
func (s *Service) evaluateAsync(username, positionKey string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()

		ctx, cancel := context.WithTimeout(s.ctx, s.opts.EvalTimeout)
		defer cancel()

		ev, err := s.evaluator.Evaluate(ctx, positionKey, s.opts.Depth)
		if err != nil {
			s.log.Warn().
				Err(err).
				Str("event", "background_evaluation_failed").
				Str("username", username).
				Str("position", positionKey).
				Msg("Node left pending")
			return
		}

		saveCtx, cancelSave := context.WithTimeout(s.ctx, saveTimeout)
		defer cancelSave()

		_, err = s.mutate(saveCtx, username, func(tree *study.Tree) error {
			if tree.ApplyEvaluation(ev) == 0 {
				return errNothingToUpdate
			}
			return nil
		})
		switch {
		case errors.Is(err, errNothingToUpdate):
		case err != nil:
			s.log.Warn().Err(err).Str("username", username).Str("position", positionKey).Msg("Failed to record evaluation")
		default:
			s.log.Debug().
				Str("event", "evaluation_recorded").
				Str("username", username).
				Str("position", positionKey).
				Str("score", ev.Score()).
				Msg("Evaluation recorded in tree")
		}
	}()
}

// errNothingToUpdate skips the save when no node holds the position any more.
var errNothingToUpdate = errors.New("no node holds the position")
