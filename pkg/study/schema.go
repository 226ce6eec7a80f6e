package study

import "fmt"

// Redis key pattern helpers
//
// All keys and channels are namespaced so several deployments can share a
// Redis server.
//
// Key pattern: arbre:{namespace}:{entity}:{id}
// Channel pattern: arbre:{namespace}:{event_type}_events

// UserKey returns the Redis key for a user document.
// Pattern: arbre:{namespace}:user:{username}
func UserKey(namespace, username string) string {
	return fmt.Sprintf("arbre:%s:user:%s", namespace, username)
}

// EvaluationKey returns the Redis key for a persisted evaluation.
// Pattern: arbre:{namespace}:eval:{position_key}
func EvaluationKey(namespace, positionKey string) string {
	return fmt.Sprintf("arbre:%s:eval:%s", namespace, positionKey)
}

// EvaluationKeyPattern returns the SCAN pattern matching every evaluation key.
func EvaluationKeyPattern(namespace string) string {
	return fmt.Sprintf("arbre:%s:eval:*", namespace)
}

// EvaluationEventsChannel returns the Pub/Sub channel carrying freshly computed evaluations.
// Pattern: arbre:{namespace}:evaluation_events
func EvaluationEventsChannel(namespace string) string {
	return fmt.Sprintf("arbre:%s:evaluation_events", namespace)
}
