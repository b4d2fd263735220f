package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/admitq/admitq/pkg/jobs"
)

// Key layout. Everything for one queue hangs off "aq:{name}:"; job bodies
// live under a flat id-keyed prefix because ids are globally unique.
const (
	bodyPrefix = "aq:job:"
	bodyTTL    = 24 * time.Hour // terminal job snapshots expire after a day

	// priorityStride separates priority bands in the waiting score. Epoch
	// milliseconds stay far below one stride, so ordering is priority desc
	// first, createdAt asc within a band.
	priorityStride = 1e13
)

func keyWaiting(q string) string { return "aq:" + q + ":waiting" }
func keyDelayed(q string) string { return "aq:" + q + ":delayed" }
func keyActive(q string) string  { return "aq:" + q + ":active" }
func keyDead(q string) string    { return "aq:" + q + ":dead" }
func keyScores(q string) string  { return "aq:" + q + ":scores" }
func keyDone(q string) string    { return "aq:" + q + ":completed" }
func keyBody(id string) string   { return bodyPrefix + id }

// waitingScore encodes (priority desc, createdAt asc): lower scores pop
// first, and each priority step outweighs any admissible timestamp delta.
func waitingScore(priority int, createdAt time.Time) float64 {
	return float64(createdAt.UnixMilli()) - float64(priority)*priorityStride
}

// pushWaiting admits a job into the waiting set unless the queue backlog
// (waiting plus delayed, since delayed jobs become waiting ones) is at
// maxSize.
//
// KEYS: waiting, delayed, scores, body
// ARGV: id, score, maxSize (0 = unbounded), body JSON
var pushWaiting = redis.NewScript(`
	local max = tonumber(ARGV[3])
	if max > 0 and redis.call('ZCARD', KEYS[1]) + redis.call('ZCARD', KEYS[2]) >= max then
		return 0
	end
	redis.call('SET', KEYS[4], ARGV[4])
	redis.call('ZADD', KEYS[1], ARGV[2], ARGV[1])
	redis.call('HSET', KEYS[3], ARGV[1], ARGV[2])
	return 1
`)

// pushDelayed is pushWaiting's counterpart for future-dated jobs: the same
// backlog ceiling applies, the job lands in the delayed set scored by its
// ready time.
//
// KEYS: waiting, delayed, scores, body
// ARGV: id, readyAt (ms), score, maxSize (0 = unbounded), body JSON
var pushDelayed = redis.NewScript(`
	local max = tonumber(ARGV[4])
	if max > 0 and redis.call('ZCARD', KEYS[1]) + redis.call('ZCARD', KEYS[2]) >= max then
		return 0
	end
	redis.call('SET', KEYS[4], ARGV[5])
	redis.call('ZADD', KEYS[2], tonumber(ARGV[2]), ARGV[1])
	redis.call('HSET', KEYS[3], ARGV[1], ARGV[3])
	return 1
`)

// popReady atomically moves the best waiting job to the active set and
// returns its id and body.
//
// KEYS: waiting, active
// ARGV: now (ms), body key prefix
var popReady = redis.NewScript(`
	local popped = redis.call('ZPOPMIN', KEYS[1])
	if #popped == 0 then
		return false
	end
	local id = popped[1]
	redis.call('ZADD', KEYS[2], tonumber(ARGV[1]), id)
	local body = redis.call('GET', ARGV[2] .. id)
	return {id, body}
`)

// popReadyBatch atomically moves up to n of the best waiting jobs to the
// active set and returns their bodies in pop order. A second consumer can
// never split the batch.
//
// KEYS: waiting, active
// ARGV: now (ms), n, body key prefix
var popReadyBatch = redis.NewScript(`
	local popped = redis.call('ZPOPMIN', KEYS[1], tonumber(ARGV[2]))
	local out = {}
	for i = 1, #popped, 2 do
		local id = popped[i]
		redis.call('ZADD', KEYS[2], tonumber(ARGV[1]), id)
		local body = redis.call('GET', ARGV[3] .. id)
		if body then
			out[#out + 1] = body
		end
	end
	return out
`)

// promoteDelayed moves all due delayed jobs back to the waiting set,
// restoring their original priority ordering from the scores hash. Runs as
// one script so concurrent promoter instances cannot double-promote.
//
// KEYS: delayed, waiting, scores
// ARGV: now (ms)
var promoteDelayed = redis.NewScript(`
	local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
	if #due == 0 then
		return 0
	end
	redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
	for _, id in ipairs(due) do
		local score = redis.call('HGET', KEYS[3], id)
		if score then
			redis.call('ZADD', KEYS[2], tonumber(score), id)
		end
	end
	return #due
`)

// reapStalled returns jobs stuck in the active set past the threshold to
// the waiting set and reports their ids.
//
// KEYS: active, waiting, scores
// ARGV: cutoff (ms)
var reapStalled = redis.NewScript(`
	local stale = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
	if #stale == 0 then
		return stale
	end
	redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
	for _, id in ipairs(stale) do
		local score = redis.call('HGET', KEYS[3], id)
		if score then
			redis.call('ZADD', KEYS[2], tonumber(score), id)
		end
	end
	return stale
`)

// Push inserts a job into its queue: the delayed set when DelayUntil lies in
// the future, the waiting set otherwise. Fails with ErrNotFound for an
// unregistered queue and ErrFull when the backlog (waiting plus delayed) is
// at maxSize; delayed pushes count against the same ceiling, so promotion
// can never lift the waiting set past it.
func (r *Registry) Push(ctx context.Context, j *jobs.Job) error {
	cfg, ok := r.Config(j.Queue)
	if !ok {
		return ErrNotFound
	}

	j.Status = jobs.StatusWaiting
	body, err := json.Marshal(j)
	if err != nil {
		return err
	}
	score := waitingScore(j.Priority, j.CreatedAt)
	keys := []string{keyWaiting(j.Queue), keyDelayed(j.Queue), keyScores(j.Queue), keyBody(j.ID)}

	var admitted int
	if !j.DelayUntil.IsZero() && j.DelayUntil.After(time.Now()) {
		admitted, err = pushDelayed.Run(ctx, r.rdb, keys,
			j.ID, j.DelayUntil.UnixMilli(), score, cfg.MaxSize, body,
		).Int()
	} else {
		admitted, err = pushWaiting.Run(ctx, r.rdb, keys,
			j.ID, score, cfg.MaxSize, body,
		).Int()
	}
	if err != nil {
		return err
	}
	if admitted == 0 {
		return ErrFull
	}
	return nil
}

// PopReady dequeues the highest-priority ready job, moving it to the active
// set. Returns (nil, nil) when the waiting set is empty.
func (r *Registry) PopReady(ctx context.Context, name string) (*jobs.Job, error) {
	res, err := popReady.Run(ctx, r.rdb,
		[]string{keyWaiting(name), keyActive(name)},
		time.Now().UnixMilli(), bodyPrefix,
	).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) == 0 {
		return nil, errors.New("queue: unexpected pop reply")
	}
	if len(vals) < 2 {
		// Body missing (expired or deleted out of band): the reply is
		// truncated at the nil, drop the orphaned id.
		return nil, nil
	}
	raw, ok := vals[1].(string)
	if !ok {
		return nil, nil
	}

	var j jobs.Job
	if err := json.Unmarshal([]byte(raw), &j); err != nil {
		return nil, err
	}
	j.Status = jobs.StatusActive
	return &j, nil
}

// PopReadyBatch dequeues up to n ready jobs in one atomic step, moving them
// all to the active set. Returns an empty slice when nothing is ready.
// Orphaned ids whose body expired are dropped, as in PopReady.
func (r *Registry) PopReadyBatch(ctx context.Context, name string, n int) ([]*jobs.Job, error) {
	res, err := popReadyBatch.Run(ctx, r.rdb,
		[]string{keyWaiting(name), keyActive(name)},
		time.Now().UnixMilli(), n, bodyPrefix,
	).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	vals, ok := res.([]interface{})
	if !ok {
		return nil, errors.New("queue: unexpected batch pop reply")
	}
	batch := make([]*jobs.Job, 0, len(vals))
	for _, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var j jobs.Job
		if err := json.Unmarshal([]byte(raw), &j); err != nil {
			return batch, err
		}
		j.Status = jobs.StatusActive
		batch = append(batch, &j)
	}
	return batch, nil
}

// Complete removes a finished job from the active set and records its
// terminal snapshot with a TTL.
func (r *Registry) Complete(ctx context.Context, j *jobs.Job) error {
	j.Status = jobs.StatusCompleted
	body, err := json.Marshal(j)
	if err != nil {
		return err
	}

	pipe := r.rdb.TxPipeline()
	pipe.ZRem(ctx, keyActive(j.Queue), j.ID)
	pipe.HDel(ctx, keyScores(j.Queue), j.ID)
	pipe.Incr(ctx, keyDone(j.Queue))
	pipe.Set(ctx, keyBody(j.ID), body, bodyTTL)
	_, err = pipe.Exec(ctx)
	return err
}

// Reschedule returns a failed job to the delayed set for another attempt
// after the given backoff delay. The caller has already incremented
// Attempts.
func (r *Registry) Reschedule(ctx context.Context, j *jobs.Job, delay time.Duration) error {
	j.Status = jobs.StatusWaiting
	body, err := json.Marshal(j)
	if err != nil {
		return err
	}
	readyAt := time.Now().Add(delay)

	pipe := r.rdb.TxPipeline()
	pipe.ZRem(ctx, keyActive(j.Queue), j.ID)
	pipe.Set(ctx, keyBody(j.ID), body, 0)
	pipe.ZAdd(ctx, keyDelayed(j.Queue), redis.Z{Score: float64(readyAt.UnixMilli()), Member: j.ID})
	pipe.HSet(ctx, keyScores(j.Queue), j.ID, waitingScore(j.Priority, j.CreatedAt))
	_, err = pipe.Exec(ctx)
	return err
}

// DeadLetter moves an exhausted job to the dead-letter list with its final
// error attached. The job never re-enters a live queue on its own.
func (r *Registry) DeadLetter(ctx context.Context, j *jobs.Job, finalErr string) error {
	j.Status = jobs.StatusDead
	j.LastError = finalErr
	body, err := json.Marshal(j)
	if err != nil {
		return err
	}

	pipe := r.rdb.TxPipeline()
	pipe.ZRem(ctx, keyActive(j.Queue), j.ID)
	pipe.HDel(ctx, keyScores(j.Queue), j.ID)
	pipe.RPush(ctx, keyDead(j.Queue), body)
	pipe.Set(ctx, keyBody(j.ID), body, bodyTTL)
	_, err = pipe.Exec(ctx)
	return err
}

// PromoteDelayed moves due delayed jobs to the waiting set. Returns the
// number promoted.
func (r *Registry) PromoteDelayed(ctx context.Context, name string) (int, error) {
	n, err := promoteDelayed.Run(ctx, r.rdb,
		[]string{keyDelayed(name), keyWaiting(name), keyScores(name)},
		time.Now().UnixMilli(),
	).Int()
	if err == redis.Nil {
		return 0, nil
	}
	return n, err
}

// ReapStalled returns jobs active for longer than staleAfter to the waiting
// set and reports their ids.
func (r *Registry) ReapStalled(ctx context.Context, name string, staleAfter time.Duration) ([]string, error) {
	cutoff := time.Now().Add(-staleAfter).UnixMilli()
	res, err := reapStalled.Run(ctx, r.rdb,
		[]string{keyActive(name), keyWaiting(name), keyScores(name)},
		cutoff,
	).StringSlice()
	if err == redis.Nil {
		return nil, nil
	}
	return res, err
}

// Status holds the live counters for one queue.
type Status struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Delayed   int64 `json:"delayed"`
	Paused    bool  `json:"paused"`
}

// QueueStatus returns the current counters. Paused is filled in by the
// dispatcher, which owns the admission state.
func (r *Registry) QueueStatus(ctx context.Context, name string) (Status, error) {
	if _, ok := r.Config(name); !ok {
		return Status{}, ErrNotFound
	}

	pipe := r.rdb.Pipeline()
	waiting := pipe.ZCard(ctx, keyWaiting(name))
	active := pipe.ZCard(ctx, keyActive(name))
	delayed := pipe.ZCard(ctx, keyDelayed(name))
	dead := pipe.LLen(ctx, keyDead(name))
	done := pipe.Get(ctx, keyDone(name))
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return Status{}, err
	}

	completed, _ := done.Int64()
	return Status{
		Waiting:   waiting.Val(),
		Active:    active.Val(),
		Completed: completed,
		Failed:    dead.Val(),
		Delayed:   delayed.Val(),
	}, nil
}

// RetryFailed drains the dead-letter list back into the waiting set with
// attempts reset to zero. This manual recovery path bypasses the maxSize
// ceiling so recovered jobs are never dropped. Returns the re-enqueued ids.
func (r *Registry) RetryFailed(ctx context.Context, name string) ([]string, error) {
	if _, ok := r.Config(name); !ok {
		return nil, ErrNotFound
	}

	var ids []string
	for {
		raw, err := r.rdb.LPop(ctx, keyDead(name)).Result()
		if err == redis.Nil {
			return ids, nil
		}
		if err != nil {
			return ids, err
		}

		var j jobs.Job
		if err := json.Unmarshal([]byte(raw), &j); err != nil {
			// Malformed entry: skip rather than wedge the recovery path.
			continue
		}
		j.Attempts = 0
		j.Status = jobs.StatusWaiting
		j.LastError = ""

		body, err := json.Marshal(&j)
		if err != nil {
			return ids, err
		}
		score := waitingScore(j.Priority, j.CreatedAt)

		pipe := r.rdb.TxPipeline()
		pipe.Set(ctx, keyBody(j.ID), body, 0)
		pipe.ZAdd(ctx, keyWaiting(name), redis.Z{Score: score, Member: j.ID})
		pipe.HSet(ctx, keyScores(name), j.ID, score)
		if _, err := pipe.Exec(ctx); err != nil {
			return ids, err
		}
		ids = append(ids, j.ID)
	}
}

// ActiveCount returns the size of the active set.
func (r *Registry) ActiveCount(ctx context.Context, name string) (int64, error) {
	return r.rdb.ZCard(ctx, keyActive(name)).Result()
}

// TotalWaiting sums the waiting sets across all registered queues. It feeds
// the backpressure controller's queue-pressure term.
func (r *Registry) TotalWaiting(ctx context.Context) (int64, error) {
	pipe := r.rdb.Pipeline()
	cmds := make([]*redis.IntCmd, 0)
	for _, name := range r.Names() {
		cmds = append(cmds, pipe.ZCard(ctx, keyWaiting(name)))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return 0, err
	}
	var total int64
	for _, cmd := range cmds {
		total += cmd.Val()
	}
	return total, nil
}

// Depth is a per-queue depth snapshot for the metrics collector.
type Depth struct {
	Waiting int64
	Active  int64
	Delayed int64
	Dead    int64
}

// Depths returns the depth snapshot for every registered queue.
func (r *Registry) Depths(ctx context.Context) (map[string]Depth, error) {
	depths := make(map[string]Depth)
	for _, name := range r.Names() {
		pipe := r.rdb.Pipeline()
		waiting := pipe.ZCard(ctx, keyWaiting(name))
		active := pipe.ZCard(ctx, keyActive(name))
		delayed := pipe.ZCard(ctx, keyDelayed(name))
		dead := pipe.LLen(ctx, keyDead(name))
		if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
			return nil, err
		}
		depths[name] = Depth{
			Waiting: waiting.Val(),
			Active:  active.Val(),
			Delayed: delayed.Val(),
			Dead:    dead.Val(),
		}
	}
	return depths, nil
}

// InspectDead returns up to limit dead-letter entries without removing them.
func (r *Registry) InspectDead(ctx context.Context, name string, limit int64) ([]*jobs.Job, error) {
	if _, ok := r.Config(name); !ok {
		return nil, ErrNotFound
	}
	raws, err := r.rdb.LRange(ctx, keyDead(name), 0, limit-1).Result()
	if err != nil {
		return nil, err
	}
	var list []*jobs.Job
	for _, raw := range raws {
		var j jobs.Job
		if err := json.Unmarshal([]byte(raw), &j); err != nil {
			continue
		}
		list = append(list, &j)
	}
	return list, nil
}
