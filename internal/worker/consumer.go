package worker

import (
	"context"
	"time"

	"github.com/rzbill/conductor/internal/engine"
	"github.com/rzbill/conductor/internal/queue"
	"github.com/rzbill/conductor/pkg/log"
)

const consumeRetryDelay = 500 * time.Millisecond

// consume pulls one message at a time until ctx ends. A message that has
// been pulled is always finished, even after ctx is cancelled.
func (w *Worker) consume(ctx context.Context, consumerID string) error {
	logger := w.logger.With(log.Str("consumer", consumerID))
	defer func() {
		if err := w.deps.Queue.RemoveConsumer(context.WithoutCancel(ctx), w.opts.Group, consumerID); err != nil {
			logger.Warn("deregister consumer", log.Err(err))
		}
	}()
	logger.Debug("consumer started")
	for {
		if ctx.Err() != nil {
			return nil
		}
		msgs, err := w.deps.Queue.Consume(ctx, w.opts.Group, consumerID, 1, w.opts.BlockTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Warn("consume", log.Err(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(consumeRetryDelay):
			}
			continue
		}
		for _, m := range msgs {
			w.deliver(context.WithoutCancel(ctx), consumerID, m, logger)
		}
	}
}

// deliver dispatches one message, keeping its visibility lease alive while
// the task runs, and acks it once the resulting state is committed. A
// message whose dispatch fails stays pending and is redelivered.
func (w *Worker) deliver(ctx context.Context, consumerID string, m queue.Message, logger log.Logger) {
	w.inFlight.Add(1)
	defer w.inFlight.Add(-1)

	msg, err := engine.DecodeMessage(m.Payload)
	if err != nil {
		logger.Error("dropping undecodable message", log.Int64("msg_id", int64(m.ID)), log.Err(err))
		w.ack(ctx, m.ID, logger)
		return
	}
	logger = logger.With(log.Str("task_id", msg.TaskID), log.Str("task_type", string(msg.TaskType)))
	if m.Deliveries > 1 {
		logger.Info("redelivered message", log.Int("deliveries", m.Deliveries))
	}

	stop := w.heartbeat(ctx, consumerID, m.ID, logger)
	err = w.dispatch(ctx, consumerID, msg)
	stop()
	if err != nil {
		logger.Error("dispatch failed, leaving message for redelivery", log.Err(err))
		return
	}
	w.ack(ctx, m.ID, logger)
}

func (w *Worker) ack(ctx context.Context, id uint64, logger log.Logger) {
	if _, err := w.deps.Queue.Ack(ctx, w.opts.Group, id); err != nil {
		logger.Warn("ack", log.Int64("msg_id", int64(id)), log.Err(err))
	}
}

// heartbeat extends the message's visibility every third of the timeout
// until the returned stop func is called.
func (w *Worker) heartbeat(ctx context.Context, consumerID string, id uint64, logger log.Logger) func() {
	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		t := time.NewTicker(w.opts.VisibilityTimeout / 3)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-t.C:
				if err := w.deps.Queue.Extend(ctx, w.opts.Group, consumerID, id, w.opts.VisibilityTimeout); err != nil {
					logger.Warn("extend visibility", log.Err(err))
				}
			}
		}
	}()
	return func() {
		close(done)
		<-finished
	}
}
