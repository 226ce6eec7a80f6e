package study

import (
	"errors"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrInvalidOperation is returned for tree mutations that would break
	// the tree's invariants, such as deleting the root. No partial mutation
	// happens.
	ErrInvalidOperation = errors.New("invalid tree operation")

	// ErrNodeNotFound is returned when a node id is not in the tree.
	ErrNodeNotFound = errors.New("node not found")

	// ErrUserExists is returned by CreateUser for a taken username.
	ErrUserExists = errors.New("user already exists")

	// ErrNotFound is returned by stores that are not backed by Redis.
	ErrNotFound = errors.New("not found")
)

// IsNotFound returns true if the error reports a missing document, either
// redis.Nil or ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, redis.Nil) || errors.Is(err, ErrNotFound)
}
