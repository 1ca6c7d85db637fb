package mount

import (
	"context"
	"log"
	"time"

	"github.com/w1xm/espmount/coord"
	"github.com/w1xm/espmount/espmount"
)

// Display shows a track and the mount's progress along it.
type Display interface {
	// Render is called once with the expected track.
	Render(points []TrackPoint)
	// Update is called with the mount position and the fraction of the
	// track's time span that has elapsed.
	Update(position coord.Direction, progress float64)
}

// Progress returns the elapsed fraction of the time spanned by points at t.
// It is negative before the first point and above 1 after the last.
func Progress(points []TrackPoint, t time.Time) float64 {
	if len(points) == 0 {
		return 0
	}
	first, last := points[0].T, points[len(points)-1].T
	span := last.Sub(first)
	if span <= 0 {
		if t.Before(first) {
			return 0
		}
		return 1
	}
	return float64(t.Sub(first)) / float64(span)
}

// Follow renders points on d and then reports the mount position every poll
// interval until the mount stops.
func (m *Mount) Follow(ctx context.Context, points []TrackPoint, d Display) error {
	d.Render(points)
	t := time.NewTicker(m.cfg.PollInterval)
	defer t.Stop()
	for {
		s, err := m.Status(ctx)
		if err != nil {
			return err
		}
		if s == espmount.Stopped {
			return nil
		}
		pos, err := m.Position(ctx)
		if err != nil {
			return err
		}
		d.Update(pos, Progress(points, m.Time()))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

// LogDisplay writes progress to the standard logger.
type LogDisplay struct{}

func (LogDisplay) Render(points []TrackPoint) {
	if len(points) == 0 {
		return
	}
	first, last := points[0], points[len(points)-1]
	log.Printf("track of %d points: %v at %v -> %v at %v", len(points), first.Direction, first.T.Format(time.RFC3339), last.Direction, last.T.Format(time.RFC3339))
}

func (LogDisplay) Update(position coord.Direction, progress float64) {
	log.Printf("position: (%.2f, %.2f)\tpart: %.2f %%", position.Az(), position.Alt(), progress*100)
}
