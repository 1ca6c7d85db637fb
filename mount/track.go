package mount

import (
	"context"
	"errors"
	"fmt"

	"github.com/w1xm/espmount/espmount"
)

// ErrCapacityExceeded matches every *CapacityError.
var ErrCapacityExceeded = errors.New("mount: track points exceed track buffer")

// CapacityError reports a track that does not fit the mount's track buffer.
type CapacityError struct {
	Points, Capacity int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("mount: %d track points exceed track buffer space of %d", e.Points, e.Capacity)
}

func (e *CapacityError) Is(target error) bool {
	return target == ErrCapacityExceeded
}

// TrackPointError reports a track point the mount refused.
type TrackPointError struct {
	Index  int
	Result espmount.TrackPointResult
}

func (e *TrackPointError) Error() string {
	return fmt.Sprintf("mount: track point %d rejected: %v", e.Index, e.Result)
}

// ProgressFunc is called with the number of points uploaded so far.
type ProgressFunc func(done, total int)

// Track replaces the mount's track buffer with points and starts tracking.
//
// The mount is stopped and its buffer cleared before the free space is
// checked, so a CapacityError leaves the mount stopped with an empty buffer.
// With Config.PrecheckCapacity the buffer capacity is checked first and a
// CapacityError leaves the mount untouched. Any other error leaves the
// buffer partially filled; retry the whole Track call.
func (m *Mount) Track(ctx context.Context, points []TrackPoint, progress ProgressFunc) error {
	conn, mapper, err := m.session()
	if err != nil {
		return err
	}
	total := len(points)
	if progress == nil {
		progress = func(int, int) {}
	}

	if m.cfg.PrecheckCapacity {
		size, err := conn.TrackBufferSize(ctx)
		if err != nil {
			return fmt.Errorf("reading track buffer size: %w", err)
		}
		if size < total {
			return &CapacityError{Points: total, Capacity: size}
		}
	}
	if err := conn.Stop(ctx, false); err != nil {
		return fmt.Errorf("stopping: %w", err)
	}
	if err := conn.ClearTrackBuffer(ctx); err != nil {
		return fmt.Errorf("clearing track buffer: %w", err)
	}
	free, err := conn.TrackBufferFree(ctx)
	if err != nil {
		return fmt.Errorf("reading track buffer free space: %w", err)
	}
	if free < total {
		return &CapacityError{Points: total, Capacity: free}
	}

	for i, point := range points {
		progress(i, total)
		p, err := mapper.DirectionToTicks(point.Direction, point.T)
		if err != nil {
			return fmt.Errorf("mapping track point %d: %w", i, err)
		}
		res, err := conn.AddTrackPoint(ctx, p, deviceTime(point.T))
		if err != nil {
			return fmt.Errorf("adding track point %d: %w", i, err)
		}
		if res != espmount.TrackPointOK {
			return &TrackPointError{Index: i, Result: res}
		}
	}
	progress(total, total)

	if err := conn.SetDeviceTime(ctx, deviceTime(m.Time())); err != nil {
		return fmt.Errorf("syncing time: %w", err)
	}
	if err := conn.StartTracking(ctx); err != nil {
		return fmt.Errorf("starting tracking: %w", err)
	}
	return nil
}

// StopTracking ends tracking and leaves the track buffer as it is.
func (m *Mount) StopTracking(ctx context.Context) error {
	conn, _, err := m.session()
	if err != nil {
		return err
	}
	return conn.StopTracking(ctx)
}
