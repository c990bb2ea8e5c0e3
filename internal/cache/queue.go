package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RefreshQueue is the list key of pending guide refreshes.
const RefreshQueue = "jobs:guide-refresh"

// RefreshJob asks a worker to refresh one playlist's guide.
type RefreshJob struct {
	PlaylistID  string    `json:"playlist_id"`
	GuideURL    string    `json:"guide_url,omitempty"` // overrides the stored guide URL when set
	RequestedAt time.Time `json:"requested_at"`
}

// Enqueue pushes a job on the left of the queue list.
func Enqueue(ctx context.Context, r *Redis, queue string, job RefreshJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("queue marshal: %w", err)
	}
	return r.client.LPush(ctx, Key(queue), data).Err()
}

// Dequeue blocks until a job is available or timeout expires. A timeout or a
// cancelled ctx yields (nil, nil) so worker loops can check for shutdown.
func Dequeue(ctx context.Context, r *Redis, queue string, timeout time.Duration) (*RefreshJob, error) {
	result, err := r.client.BRPop(ctx, timeout, Key(queue)).Result()
	if err != nil {
		if err == redis.Nil || ctx.Err() != nil {
			return nil, nil
		}
		return nil, fmt.Errorf("queue dequeue: %w", err)
	}
	if len(result) < 2 {
		return nil, nil
	}
	var job RefreshJob
	if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
		return nil, fmt.Errorf("queue unmarshal: %w", err)
	}
	return &job, nil
}
