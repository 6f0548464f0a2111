package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"chatbridge/protocol"
)

// pendingCommand is one awaited acknowledgement. The channel has capacity 1
// so the read loop never blocks on a slow caller.
type pendingCommand struct {
	command string
	ch      chan ackResult
}

type ackResult struct {
	payload json.RawMessage
	err     error
}

// Invoke sends a command over the event channel and blocks until its single
// acknowledgement. It never retries: a rejection, timeout, or connection loss
// is surfaced and the caller decides whether to re-invoke.
func (c *Client) Invoke(ctx context.Context, command string, payload, result any) error {
	f, err := protocol.NewCommand(c.seq.Add(1), command, payload)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", command, err)
	}

	pc := pendingCommand{command: command, ch: make(chan ackResult, 1)}
	c.pmu.Lock()
	c.pending[f.Seq] = pc
	c.pmu.Unlock()
	defer func() {
		c.pmu.Lock()
		delete(c.pending, f.Seq)
		c.pmu.Unlock()
	}()

	if err := c.writeFrame(f); err != nil {
		return err
	}

	timer := time.NewTimer(c.opts.ackTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("%s: %w", command, ErrAckTimeout)
	case res := <-pc.ch:
		if res.err != nil {
			return res.err
		}
		if result != nil && len(res.payload) > 0 {
			if err := json.Unmarshal(res.payload, result); err != nil {
				return fmt.Errorf("decode %s ack: %w", command, err)
			}
		}
		return nil
	}
}

// resolve completes a pending invocation. The entry is removed before
// delivery, so a duplicate ack for the same seq is dropped: first wins.
func (c *Client) resolve(f protocol.Frame) {
	c.pmu.Lock()
	pc, ok := c.pending[f.Seq]
	if ok {
		delete(c.pending, f.Seq)
	}
	c.pmu.Unlock()
	if !ok {
		return
	}

	if f.OK {
		pc.ch <- ackResult{payload: f.Payload}
		return
	}
	pc.ch <- ackResult{err: &CommandError{Command: pc.command, Message: f.Error}}
}

// failPending rejects every in-flight invocation, so nothing hangs across a
// dropped or closed connection.
func (c *Client) failPending(err error) {
	c.pmu.Lock()
	stale := c.pending
	c.pending = make(map[int64]pendingCommand)
	c.pmu.Unlock()

	for _, pc := range stale {
		pc.ch <- ackResult{err: fmt.Errorf("%s: %w", pc.command, err)}
	}
}
