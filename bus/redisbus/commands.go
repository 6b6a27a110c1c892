package redisbus

import (
	"context"
	"errors"
	"fmt"

	taskcluster "github.com/UniQw/taskcluster"
	"github.com/redis/go-redis/v9"
)

// CommandQueue is a FIFO of master commands stored in a Redis list.
type CommandQueue struct {
	b *Bus
}

// Add appends cmd and notifies the master on ChannelMasterCommands in one transaction.
func (q *CommandQueue) Add(ctx context.Context, cmd taskcluster.MasterCommand) error {
	data, err := q.b.enc.Encode(cmd)
	if err != nil {
		return fmt.Errorf("redisbus: encode command: %w", err)
	}
	_, err = q.b.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.RPush(ctx, q.b.keys.Commands, data)
		p.Publish(ctx, q.b.keys.Channel(string(taskcluster.ChannelMasterCommands)), string(cmd.Kind))
		return nil
	})
	if err != nil {
		return fmt.Errorf("redisbus: add command: %w", err)
	}
	return nil
}

// PopFirst removes the oldest command. Undecodable entries are dropped and reported.
func (q *CommandQueue) PopFirst(ctx context.Context) (taskcluster.MasterCommand, bool, error) {
	var cmd taskcluster.MasterCommand
	raw, err := q.b.rdb.LPop(ctx, q.b.keys.Commands).Bytes()
	if errors.Is(err, redis.Nil) {
		return cmd, false, nil
	}
	if err != nil {
		return cmd, false, fmt.Errorf("redisbus: pop command: %w", err)
	}
	if err := q.b.enc.Decode(raw, &cmd); err != nil {
		return cmd, false, fmt.Errorf("redisbus: decode command: %w: %v", taskcluster.ErrBadCommand, err)
	}
	return cmd, true, nil
}

// Len returns the number of queued commands.
func (q *CommandQueue) Len(ctx context.Context) (int64, error) {
	n, err := q.b.rdb.LLen(ctx, q.b.keys.Commands).Result()
	if err != nil {
		return 0, fmt.Errorf("redisbus: command queue length: %w", err)
	}
	return n, nil
}
