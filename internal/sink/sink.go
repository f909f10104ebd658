// Package sink provides crawler.ItemSink implementations that sessions emit
// matching entries into.
package sink

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/yearscan/internal/crawler"
)

// Multi delivers every item to each of its sinks in order. All sinks are
// attempted; their errors are joined. When some sinks accepted the item and
// others failed, the error is a *PartialError.
type Multi []crawler.ItemSink

// Accept implements crawler.ItemSink.
func (m Multi) Accept(ctx context.Context, item crawler.Item) error {
	var errs []error
	accepted := 0
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Accept(ctx, item); err != nil {
			errs = append(errs, err)
			continue
		}
		accepted++
	}
	if len(errs) == 0 {
		return nil
	}
	err := errors.Join(errs...)
	if accepted > 0 {
		return &PartialError{Accepted: accepted, Err: err}
	}
	return err
}

// PartialError is returned by Multi when at least one sink took the item.
type PartialError struct {
	Accepted int
	Err      error
}

func (e *PartialError) Error() string {
	return fmt.Sprintf("item delivered to %d sink(s), others failed: %v", e.Accepted, e.Err)
}

func (e *PartialError) Unwrap() error { return e.Err }

// Delivered reports whether err still left the item with some sink.
func Delivered(err error) bool {
	if err == nil {
		return true
	}
	var partial *PartialError
	return errors.As(err, &partial) && partial.Accepted > 0
}

// Log writes one info line per item.
type Log struct {
	logger *zap.Logger
}

// NewLog returns a Log sink writing to logger.
func NewLog(logger *zap.Logger) *Log {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Log{logger: logger}
}

// Accept implements crawler.ItemSink.
func (l *Log) Accept(_ context.Context, item crawler.Item) error {
	l.logger.Info("item",
		zap.String("session_id", item.SessionID),
		zap.String("url", item.URL),
		zap.Int("page", item.Page),
		zap.Int("year", item.Year),
		zap.String("timestamp", item.Timestamp),
	)
	return nil
}

// Publisher publishes each item as a JSON message to one topic.
type Publisher struct {
	publisher crawler.Publisher
	topic     string
}

// NewPublisher returns a sink publishing to topic.
func NewPublisher(publisher crawler.Publisher, topic string) *Publisher {
	return &Publisher{publisher: publisher, topic: topic}
}

// Accept implements crawler.ItemSink.
func (p *Publisher) Accept(ctx context.Context, item crawler.Item) error {
	if _, err := p.publisher.Publish(ctx, p.topic, item); err != nil {
		return fmt.Errorf("publish item %s: %w", item.URL, err)
	}
	return nil
}

// Func adapts a function to crawler.ItemSink.
type Func func(ctx context.Context, item crawler.Item) error

// Accept implements crawler.ItemSink.
func (f Func) Accept(ctx context.Context, item crawler.Item) error {
	return f(ctx, item)
}
