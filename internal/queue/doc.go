// Package queue implements the durable task queue: a named, append-only
// stream stored in Pebble and read through consumer groups.
//
// Delivery is at-least-once. A delivered entry sits in its group's pending
// list under a visibility lease until the consumer acknowledges it; if the
// consumer dies first, the lease lapses and the next Consume call in the
// group hands the entry to someone else. Consumers that run long keep their
// lease alive with Extend.
//
//	s, _ := queue.Open(db, "tasks", queue.Options{})
//	_ = s.CreateGroup(ctx, "workers")
//	_, _ = s.Publish(ctx, payload)
//	msgs, _ := s.Consume(ctx, "workers", "w-1", 1, 2*time.Second)
//	for _, m := range msgs {
//	    handle(m.Payload)
//	    _, _ = s.Ack(ctx, "workers", m.ID)
//	}
package queue
