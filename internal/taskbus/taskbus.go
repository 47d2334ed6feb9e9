// Package taskbus fans async task transitions out to a Redis stream so that
// other processes can follow batch progress without polling the API.
package taskbus

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"tripgate/internal/domain"
)

type Publisher interface {
	Publish(ctx context.Context, task domain.AsyncTask) error
	Close() error
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, domain.AsyncTask) error { return nil }
func (nopPublisher) Close() error                                    { return nil }

// Nop returns a publisher that drops every update.
func Nop() Publisher { return nopPublisher{} }

type redisPublisher struct {
	client *redis.Client
	stream string
	logger *slog.Logger
}

func NewRedisPublisher(client *redis.Client, stream string, logger *slog.Logger) Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &redisPublisher{client: client, stream: stream, logger: logger}
}

// Open connects to redisURL; an empty URL yields the no-op publisher.
func Open(ctx context.Context, redisURL, stream string, logger *slog.Logger) (Publisher, error) {
	if redisURL == "" {
		return Nop(), nil
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedisPublisher(client, stream, logger), nil
}

func (p *redisPublisher) Publish(ctx context.Context, task domain.AsyncTask) error {
	fields := map[string]any{
		"task_id":   task.ID,
		"kind":      task.Kind,
		"status":    task.Status,
		"total":     task.Progress.Total,
		"processed": task.Progress.Processed,
	}
	if task.Progress.Current != "" {
		fields["current"] = task.Progress.Current
	}
	if task.Error != nil {
		fields["error"] = *task.Error
	}
	if err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		Values: fields,
	}).Err(); err != nil {
		return fmt.Errorf("publish task update: %w", err)
	}
	p.logger.DebugContext(ctx, "published task update", "task_id", task.ID, "status", task.Status, "processed", task.Progress.Processed)
	return nil
}

func (p *redisPublisher) Close() error {
	return p.client.Close()
}
