package redisworld

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/loomworks/loom/events"
	"github.com/loomworks/loom/world"
)

type eventStore World

// appendScript does the terminal check, the duplicate-id check, and the
// batch append in one atomic unit. KEYS: meta hash, log stream, event-id
// set. ARGV[1]: "1" when the batch is purely informational, ARGV[2]:
// terminal type this batch sets (or ""), ARGV[3..]: (eventId, wire-JSON)
// pairs. A repeated event id means two writers appended the same replay
// output.
var appendScript = redis.NewScript(`
local term = redis.call('HGET', KEYS[1], 'terminal')
if term then
  if ARGV[1] == '1' then return 'dropped' end
  return 'terminal'
end
for i = 3, #ARGV, 2 do
  if redis.call('SISMEMBER', KEYS[3], ARGV[i]) == 1 then
    return 'duplicate'
  end
end
for i = 3, #ARGV, 2 do
  redis.call('SADD', KEYS[3], ARGV[i])
  redis.call('XADD', KEYS[2], '*', 'event', ARGV[i+1])
end
if ARGV[2] ~= '' then
  redis.call('HSET', KEYS[1], 'terminal', ARGV[2])
end
return 'ok'
`)

func (s *eventStore) Append(ctx context.Context, runID string, batch []events.Event) error {
	if len(batch) == 0 {
		return nil
	}
	informational := true
	terminal := ""
	args := make([]any, 0, 2*len(batch)+2)
	args = append(args, "", "")
	for _, e := range batch {
		if !events.Informational(e.Type) {
			informational = false
		}
		if events.TerminalRun(e.Type) {
			terminal = string(e.Type)
		}
		raw, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshal event %s: %w", e.ID, err)
		}
		args = append(args, e.ID, string(raw))
	}
	args[0] = "0"
	if informational {
		args[0] = "1"
	}
	args[1] = terminal

	res, err := appendScript.Run(ctx, s.client,
		[]string{runMetaKey(runID), runLogKey(runID), runEventIDsKey(runID)}, args...).Text()
	if err != nil {
		return fmt.Errorf("append to %s: %w", runID, err)
	}
	switch res {
	case "ok", "dropped":
		return nil
	case "terminal":
		return world.ErrTerminalRun
	case "duplicate":
		return fmt.Errorf("append to %s: %w", runID, world.ErrConcurrentAppend)
	default:
		return fmt.Errorf("append to %s: unexpected script result %q", runID, res)
	}
}

func (s *eventStore) List(ctx context.Context, runID string, opts world.ListOptions) (*world.Page, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 1000
	}

	var entries []redis.XMessage
	var err error
	if opts.Desc {
		end := "+"
		if opts.Cursor != "" {
			end = beforeStreamID(opts.Cursor)
		}
		entries, err = s.client.XRevRangeN(ctx, runLogKey(runID), end, "-", int64(limit)+1).Result()
	} else {
		start := "-"
		if opts.Cursor != "" {
			start = afterStreamID(opts.Cursor)
		}
		entries, err = s.client.XRangeN(ctx, runLogKey(runID), start, "+", int64(limit)+1).Result()
	}
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", runID, err)
	}

	page := &world.Page{}
	if len(entries) > limit {
		entries = entries[:limit]
		page.HasMore = true
	}
	for _, entry := range entries {
		raw, _ := entry.Values["event"].(string)
		var e events.Event
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, fmt.Errorf("decode log entry %s of %s: %w", entry.ID, runID, err)
		}
		page.Events = append(page.Events, e)
		page.Cursor = entry.ID
	}
	return page, nil
}

// afterStreamID returns the first stream id strictly greater than id.
func afterStreamID(id string) string {
	ms, seq := splitStreamID(id)
	return fmt.Sprintf("%d-%d", ms, seq+1)
}

// beforeStreamID returns the last stream id strictly smaller than id.
func beforeStreamID(id string) string {
	ms, seq := splitStreamID(id)
	if seq > 0 {
		return fmt.Sprintf("%d-%d", ms, seq-1)
	}
	return fmt.Sprintf("%d-%d", ms-1, ^uint64(0))
}

func splitStreamID(id string) (ms uint64, seq uint64) {
	parts := strings.SplitN(id, "-", 2)
	ms, _ = strconv.ParseUint(parts[0], 10, 64)
	if len(parts) == 2 {
		seq, _ = strconv.ParseUint(parts[1], 10, 64)
	}
	return ms, seq
}
