package network

import (
	"context"
	"fmt"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
	"go.uber.org/zap"
)

// EtcdLocker serializes propagation passes across replicas with an etcd
// mutex bound to a leased session.
type EtcdLocker struct {
	client *clientv3.Client
	prefix string
	ttl    time.Duration
	logger *zap.Logger
}

func NewEtcdLocker(client *clientv3.Client, prefix string, ttl time.Duration, logger *zap.Logger) *EtcdLocker {
	if prefix == "" {
		prefix = "/archimedes/network/propagation"
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &EtcdLocker{client: client, prefix: prefix, ttl: ttl, logger: logger}
}

func (l *EtcdLocker) Lock(ctx context.Context) (func(), error) {
	session, err := concurrency.NewSession(l.client,
		concurrency.WithTTL(int(l.ttl.Seconds())),
		concurrency.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("etcd session: %w", err)
	}
	mu := concurrency.NewMutex(session, l.prefix)
	if err := mu.Lock(ctx); err != nil {
		session.Close()
		return nil, fmt.Errorf("etcd lock %s: %w", l.prefix, err)
	}
	return func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := mu.Unlock(releaseCtx); err != nil {
			l.logger.Warn("failed to release propagation lock", zap.Error(err), zap.String("key", l.prefix))
		}
		session.Close()
	}, nil
}
