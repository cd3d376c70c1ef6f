// Package store implements the Cassandra persistence adapters: raw and
// derived bucket tables, summary tables, and the meta table carrying metric
// descriptors and high-water marks.
package store

import (
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"
)

// SessionConfig carries the cluster coordinates.
type SessionConfig struct {
	Hosts    []string
	Keyspace string
	Timeout  time.Duration
}

// NewSession connects to the cluster.
func NewSession(cfg SessionConfig) (*gocql.Session, error) {
	cluster := gocql.NewCluster(cfg.Hosts...)
	cluster.Keyspace = cfg.Keyspace
	cluster.Consistency = gocql.Quorum
	if cfg.Timeout > 0 {
		cluster.Timeout = cfg.Timeout
	}
	return cluster.CreateSession()
}

// MustNewSession connects to the cluster and exits the process on failure.
func MustNewSession(cfg SessionConfig) *gocql.Session {
	session, err := NewSession(cfg)
	if err != nil {
		zap.L().Fatal("failed to connect to cassandra",
			zap.Strings("hosts", cfg.Hosts),
			zap.String("keyspace", cfg.Keyspace),
			zap.Error(err))
	}
	zap.L().Info("cassandra session established",
		zap.Strings("hosts", cfg.Hosts),
		zap.String("keyspace", cfg.Keyspace))
	return session
}
