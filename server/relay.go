package main

import (
	"context"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	cerrors "collabtext/errors"
	"collabtext/protocol"
)

// Relay fans frames out to the other server instances serving a document.
type Relay interface {
	Publish(ctx context.Context, docID string, msg *protocol.Message) error
	// Subscribe delivers frames published by other instances for docID until
	// the returned func is called.
	Subscribe(ctx context.Context, docID string, fn func(*protocol.Message)) (func() error, error)
}

// RedisRelay relays frames through Redis pub/sub, one channel per document.
type RedisRelay struct {
	rdb      *redis.Client
	prefix   string
	instance string
	log      *logrus.Entry
}

func NewRedisRelay(rdb *redis.Client, prefix, instance string, log *logrus.Entry) *RedisRelay {
	return &RedisRelay{rdb: rdb, prefix: prefix, instance: instance, log: log}
}

func (r *RedisRelay) channel(docID string) string {
	return r.prefix + docID
}

func (r *RedisRelay) Publish(ctx context.Context, docID string, msg *protocol.Message) error {
	out := *msg
	out.DocID = docID
	out.Instance = r.instance
	data, err := protocol.Marshal(&out)
	if err != nil {
		return err
	}
	if err := r.rdb.Publish(ctx, r.channel(docID), data).Err(); err != nil {
		return cerrors.TransportFailed("redis publish", err)
	}
	return nil
}

func (r *RedisRelay) Subscribe(ctx context.Context, docID string, fn func(*protocol.Message)) (func() error, error) {
	pubsub := r.rdb.Subscribe(ctx, r.channel(docID))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, cerrors.TransportFailed("redis subscribe", err)
	}

	ch := pubsub.Channel()
	go func() {
		for m := range ch {
			msg, err := protocol.Unmarshal([]byte(m.Payload))
			if err != nil {
				decodeFailures.Inc()
				r.log.WithError(err).Warn("Dropping malformed relayed frame")
				continue
			}
			if msg.Instance == r.instance {
				continue
			}
			fn(msg)
		}
	}()
	return pubsub.Close, nil
}
