// ABOUTME: Capacity control for the parent space
// ABOUTME: Deletes every channel once the count exceeds the configured maximum

package registry

import (
	"context"
	"errors"
	"fmt"
)

// DefaultMaxChannels is the channel count above which Prune resets the space.
const DefaultMaxChannels = 450

// PruneResult describes one Prune pass.
type PruneResult struct {
	Count   int
	Max     int
	Deleted int
	Failed  int
}

// Pruned reports whether the pass decided to reset the space.
func (p PruneResult) Pruned() bool {
	return p.Count > p.Max
}

// Prune counts the channels in the parent space and, when the count exceeds
// max, deletes all of them. It is a full reset, not an eviction policy: live
// conversations are discarded together with idle ones. Individual delete
// failures do not stop the pass; they are joined into the returned error.
func (r *Registry) Prune(ctx context.Context, max int) (PruneResult, error) {
	channels, err := r.backend.Channels(ctx)
	if err != nil {
		return PruneResult{Max: max}, fmt.Errorf("pruning: %w", err)
	}

	res := PruneResult{Count: len(channels), Max: max}
	if !res.Pruned() {
		r.logger.Info("channel count within limit, not deleting channels", "count", res.Count, "max", max)
		return res, nil
	}

	r.logger.Info("channel count over limit, deleting all channels", "count", res.Count, "max", max)

	var errs []error
	for _, ch := range channels {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		r.logger.Debug("deleting channel", "channel", ch.Name, "channel_id", ch.ID)
		if err := r.backend.DeleteChannel(ctx, ch.ID); err != nil {
			res.Failed++
			errs = append(errs, fmt.Errorf("deleting %s: %w", ch.ID, err))
			continue
		}
		res.Deleted++
	}

	if len(errs) > 0 {
		return res, fmt.Errorf("pruning: %w", errors.Join(errs...))
	}
	return res, nil
}
