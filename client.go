package httpcore

import (
	"github.com/frankli0324/go-httpcore/internal/connection"
	"github.com/frankli0324/go-httpcore/internal/pool"
)

type Pool = pool.Pool
type Metrics = pool.Metrics
type Connection = connection.Connection

// NewPool builds a reactor. A nil opts means [DefaultOptions].
func NewPool(opts *Options) (*Pool, error) {
	return pool.New(opts)
}

// NewMetrics returns a collector to set as Options.Metrics and register
// with a prometheus registry.
func NewMetrics(namespace string) *Metrics {
	return pool.NewMetrics(namespace)
}
