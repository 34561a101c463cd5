// Package idgen provides the session-id generator capability. Strategies are
// interchangeable implementations passed explicitly to the component that
// assigns ids; there is no global generator.
package idgen

import (
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"

	"github.com/google/uuid"
)

// ErrGeneration is wrapped by generators that can fail; callers treat it as
// fatal for the operation that needed the id.
var ErrGeneration = errors.New("id generation failed")

// Generator yields opaque, unique session ids.
type Generator interface {
	NextID() (string, error)
}

// UUID derives ids from random UUIDs.
type UUID struct{}

func (UUID) NextID() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrGeneration, err)
	}
	return id.String(), nil
}

// Counter yields node-local monotonically increasing ids with an optional
// prefix, useful in tests and single-node deployments.
type Counter struct {
	Prefix string
	n      atomic.Int64
}

func (c *Counter) NextID() (string, error) {
	return c.Prefix + strconv.FormatInt(c.n.Add(1), 10), nil
}
