package redisstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	taskcluster "github.com/UniQw/taskcluster"
	"github.com/redis/go-redis/v9"
)

// ProcessorStore implements taskcluster.ProcessorRepository.
type ProcessorStore struct {
	s *Store
}

// setFieldScript updates one field of an existing processor hash.
var setFieldScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return 0 end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
return 1
`)

// masterHeartbeatScript renews the master pointer only for its holder.
var masterHeartbeatScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) ~= ARGV[1] then return 0 end
redis.call('PEXPIRE', KEYS[1], ARGV[2])
return 1
`)

// clearMasterScript deletes the master pointer only for its holder.
var clearMasterScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// Add registers or replaces a processor record and starts its liveness TTL.
func (p *ProcessorStore) Add(ctx context.Context, info *taskcluster.ProcessorRuntimeInfo) error {
	if info == nil || info.TaskProcessorID == "" {
		return taskcluster.ErrInvalidArgument
	}
	cfg, err := p.s.enc.Encode(info.Configuration)
	if err != nil {
		return fmt.Errorf("redisstore: encode configuration: %w", err)
	}
	key := p.s.keys.Processor(info.TaskProcessorID)
	_, err = p.s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key, map[string]any{
			"id":      info.TaskProcessorID,
			"machine": info.MachineName,
			"state":   string(info.State),
			"config":  cfg,
		})
		pipe.PExpire(ctx, key, p.s.expiration)
		pipe.SAdd(ctx, p.s.keys.Processors, info.TaskProcessorID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redisstore: add processor: %w", err)
	}
	return nil
}

// GetByID returns a live processor record.
func (p *ProcessorStore) GetByID(ctx context.Context, processorID string) (*taskcluster.ProcessorRuntimeInfo, error) {
	vals, err := p.s.rdb.HGetAll(ctx, p.s.keys.Processor(processorID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redisstore: get processor: %w", err)
	}
	if len(vals) == 0 {
		return nil, taskcluster.ErrProcessorNotFound
	}
	return p.mapToProcessor(vals)
}

// GetAll returns every live processor. IDs whose record expired are pruned from the index.
func (p *ProcessorStore) GetAll(ctx context.Context) ([]*taskcluster.ProcessorRuntimeInfo, error) {
	ids, err := p.s.rdb.SMembers(ctx, p.s.keys.Processors).Result()
	if err != nil {
		return nil, fmt.Errorf("redisstore: list processors: %w", err)
	}
	out := make([]*taskcluster.ProcessorRuntimeInfo, 0, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = p.s.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, p.s.keys.Processor(id))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("redisstore: load processors: %w", err)
	}
	var expired []any
	for i, c := range cmds {
		vals := c.Val()
		if len(vals) == 0 {
			expired = append(expired, ids[i])
			continue
		}
		info, convErr := p.mapToProcessor(vals)
		if convErr != nil {
			continue
		}
		out = append(out, info)
	}
	if len(expired) > 0 {
		_ = p.s.rdb.SRem(ctx, p.s.keys.Processors, expired...).Err() //nolint:errcheck // pruning is best-effort
	}
	return out, nil
}

// Delete removes the processor record. Deleting an unknown processor is a no-op.
func (p *ProcessorStore) Delete(ctx context.Context, processorID string) error {
	_, err := p.s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, p.s.keys.Processor(processorID))
		pipe.SRem(ctx, p.s.keys.Processors, processorID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redisstore: delete processor: %w", err)
	}
	return nil
}

// SetConfiguration replaces the processor's configuration.
func (p *ProcessorStore) SetConfiguration(ctx context.Context, processorID string, cfg taskcluster.ProcessorConfiguration) error {
	b, err := p.s.enc.Encode(cfg)
	if err != nil {
		return fmt.Errorf("redisstore: encode configuration: %w", err)
	}
	return p.setField(ctx, processorID, "config", string(b))
}

// SetState records the processor's lifecycle state.
func (p *ProcessorStore) SetState(ctx context.Context, processorID string, state taskcluster.ProcessorState) error {
	return p.setField(ctx, processorID, "state", string(state))
}

func (p *ProcessorStore) setField(ctx context.Context, processorID, field, value string) error {
	n, err := setFieldScript.Run(ctx, p.s.rdb, []string{p.s.keys.Processor(processorID)}, field, value).Int()
	if err != nil {
		return fmt.Errorf("redisstore: set %s: %w", field, err)
	}
	if n == 0 {
		return taskcluster.ErrProcessorNotFound
	}
	return nil
}

// Heartbeat renews the processor TTL. False means the record already expired.
func (p *ProcessorStore) Heartbeat(ctx context.Context, processorID string) (bool, error) {
	ok, err := p.s.rdb.PExpire(ctx, p.s.keys.Processor(processorID), p.s.expiration).Result()
	if err != nil {
		return false, fmt.Errorf("redisstore: heartbeat: %w", err)
	}
	return ok, nil
}

// MasterHeartbeat renews the master pointer if processorID holds it.
func (p *ProcessorStore) MasterHeartbeat(ctx context.Context, processorID string) (bool, error) {
	n, err := masterHeartbeatScript.Run(ctx, p.s.rdb, []string{p.s.keys.Master},
		processorID, p.s.expiration.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("redisstore: master heartbeat: %w", err)
	}
	return n == 1, nil
}

// SetMasterIfNotExists claims the master pointer with the liveness TTL.
func (p *ProcessorStore) SetMasterIfNotExists(ctx context.Context, processorID string) (bool, error) {
	ok, err := p.s.rdb.SetNX(ctx, p.s.keys.Master, processorID, p.s.expiration).Result()
	if err != nil {
		return false, fmt.Errorf("redisstore: claim master: %w", err)
	}
	return ok, nil
}

// GetMasterID returns the current master or "".
func (p *ProcessorStore) GetMasterID(ctx context.Context) (string, error) {
	id, err := p.s.rdb.Get(ctx, p.s.keys.Master).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("redisstore: get master: %w", err)
	}
	return id, nil
}

// ClearMaster releases the master pointer if processorID holds it.
func (p *ProcessorStore) ClearMaster(ctx context.Context, processorID string) error {
	if err := clearMasterScript.Run(ctx, p.s.rdb, []string{p.s.keys.Master}, processorID).Err(); err != nil {
		return fmt.Errorf("redisstore: clear master: %w", err)
	}
	return nil
}

// ExpirationTimeout returns the liveness TTL.
func (p *ProcessorStore) ExpirationTimeout() time.Duration { return p.s.expiration }

func (p *ProcessorStore) mapToProcessor(m map[string]string) (*taskcluster.ProcessorRuntimeInfo, error) {
	state, err := taskcluster.ParseState(m["state"])
	if err != nil {
		return nil, fmt.Errorf("redisstore: parse processor %s: %w", m["id"], err)
	}
	info := &taskcluster.ProcessorRuntimeInfo{
		TaskProcessorID: m["id"],
		MachineName:     m["machine"],
		State:           state,
	}
	if raw := m["config"]; raw != "" {
		if err := p.s.enc.Decode([]byte(raw), &info.Configuration); err != nil {
			return nil, fmt.Errorf("redisstore: decode configuration: %w", err)
		}
	}
	return info, nil
}
