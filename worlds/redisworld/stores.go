package redisworld

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/loomworks/loom/ids"
	"github.com/loomworks/loom/world"
)

type streamStore World

func (s *streamStore) AppendChunk(ctx context.Context, runID, name string, chunk []byte) error {
	closed, err := s.client.Exists(ctx, streamDoneKey(runID, name)).Result()
	if err != nil {
		return fmt.Errorf("stream %s/%s: %w", runID, name, err)
	}
	if closed > 0 {
		return world.ErrStreamClosed
	}
	err = s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey(runID, name),
		Values: map[string]any{"chunk": chunk},
	}).Err()
	if err != nil {
		return fmt.Errorf("append chunk to %s/%s: %w", runID, name, err)
	}
	return nil
}

func (s *streamStore) CloseStream(ctx context.Context, runID, name string) error {
	if err := s.client.Set(ctx, streamDoneKey(runID, name), "1", 0).Err(); err != nil {
		return fmt.Errorf("close stream %s/%s: %w", runID, name, err)
	}
	return nil
}

func (s *streamStore) ReadChunks(ctx context.Context, runID, name string, from int) ([][]byte, bool, error) {
	entries, err := s.client.XRange(ctx, streamKey(runID, name), "-", "+").Result()
	if err != nil {
		return nil, false, fmt.Errorf("read stream %s/%s: %w", runID, name, err)
	}
	var chunks [][]byte
	for i, entry := range entries {
		if i < from {
			continue
		}
		raw, _ := entry.Values["chunk"].(string)
		chunks = append(chunks, []byte(raw))
	}
	closed, err := s.client.Exists(ctx, streamDoneKey(runID, name)).Result()
	if err != nil {
		return nil, false, fmt.Errorf("stream %s/%s: %w", runID, name, err)
	}
	return chunks, closed > 0, nil
}

type blobStore World

func (b *blobStore) PutBlob(ctx context.Context, data []byte) (string, error) {
	id := "blob_" + ids.NewEventID()
	if err := b.client.Set(ctx, blobKey(id), data, 0).Err(); err != nil {
		return "", fmt.Errorf("put blob: %w", err)
	}
	return id, nil
}

func (b *blobStore) GetBlob(ctx context.Context, ref string) ([]byte, error) {
	raw, err := b.client.Get(ctx, blobKey(ref)).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("blob %s not found", ref)
	}
	if err != nil {
		return nil, fmt.Errorf("get blob %s: %w", ref, err)
	}
	return raw, nil
}

type hookIndex World

func (h *hookIndex) Register(ctx context.Context, token, runID string) error {
	if err := h.client.Set(ctx, hookKey(token), runID, 0).Err(); err != nil {
		return fmt.Errorf("register hook: %w", err)
	}
	return nil
}

func (h *hookIndex) Lookup(ctx context.Context, token string) (string, error) {
	runID, err := h.client.Get(ctx, hookKey(token)).Result()
	if err == redis.Nil {
		return "", world.ErrHookNotFound
	}
	if err != nil {
		return "", fmt.Errorf("lookup hook: %w", err)
	}
	return runID, nil
}

type leaseStore World

// releaseScript deletes the lease only when the caller still owns it.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

func (l *leaseStore) Acquire(ctx context.Context, runID string, ttl time.Duration) (world.Lease, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, leaseKey(runID), token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lease on %s: %w", runID, err)
	}
	if !ok {
		return nil, world.ErrLeaseHeld
	}
	return &lease{store: l, runID: runID, token: token}, nil
}

type lease struct {
	store *leaseStore
	runID string
	token string
}

func (l *lease) Release(ctx context.Context) error {
	err := releaseScript.Run(ctx, l.store.client,
		[]string{leaseKey(l.runID)}, l.token).Err()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("release lease on %s: %w", l.runID, err)
	}
	return nil
}
