package mount

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/w1xm/espmount/coord"
	"github.com/w1xm/espmount/espmount"
	"github.com/w1xm/espmount/espmount/simulator"
	"github.com/w1xm/espmount/internal/devicetest"
)

// simulated connects a Mount to a running simulator.
func simulated(t *testing.T, cfg Config, opts ...simulator.Option) (*Mount, *espmount.Conn, *simulator.Simulator) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	sim, pipe := simulator.New(opts...)
	done := make(chan struct{})
	go func() {
		defer close(done)
		sim.Run(ctx)
	}()
	conn := espmount.New(pipe)
	if cfg.Axis == (coord.Direction{}) {
		cfg.Axis = altAz()
	}
	m, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Connect(ctx, conn); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		m.Disconnect()
		cancel()
		<-done
	})
	return m, conn, sim
}

// line returns n track points along a line of constant altitude, spaced
// step apart and starting at start.
func line(n int, alt, az0, az1 float64, start time.Time, step time.Duration) []TrackPoint {
	points := make([]TrackPoint, n)
	for i := range points {
		at := start.Add(time.Duration(i) * step)
		az := az0
		if n > 1 {
			az += (az1 - az0) * float64(i) / float64(n-1)
		}
		points[i] = TrackPoint{Direction: coord.NewHorizontal(alt, az, at, brno), T: at}
	}
	return points
}

func TestTrackCapacityExceeded(t *testing.T) {
	ctx := context.Background()
	m, conn, _ := simulated(t, Config{}, simulator.WithBufferSize(2))
	if res, err := conn.AddTrackPoint(ctx, espmount.Position{Ax1: 1, Ax2: 1}, time.Now().UnixMilli()); err != nil || res != espmount.TrackPointOK {
		t.Fatalf("AddTrackPoint = %v, %v", res, err)
	}
	if free, err := conn.TrackBufferFree(ctx); err != nil || free != 1 {
		t.Fatalf("TrackBufferFree before Track = %d, %v; want 1", free, err)
	}

	err := m.Track(ctx, line(3, 30, 10, 20, m.Time(), time.Second), nil)
	if !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("Track: got %v, want ErrCapacityExceeded", err)
	}
	var capErr *CapacityError
	if !errors.As(err, &capErr) {
		t.Fatalf("Track error %T is not a *CapacityError", err)
	}
	if diff := cmp.Diff(*capErr, CapacityError{Points: 3, Capacity: 2}); diff != "" {
		t.Errorf("unexpected CapacityError: got(-)/want(+):\n%s", diff)
	}

	// The buffer was cleared before the capacity check.
	if free, err := conn.TrackBufferFree(ctx); err != nil || free != 2 {
		t.Errorf("TrackBufferFree after Track = %d, %v; want 2", free, err)
	}
	if s, err := m.Status(ctx); err != nil || s != espmount.Stopped {
		t.Errorf("Status after Track = %v, %v; want STOPPED", s, err)
	}
}

func TestTrackPrecheckCapacity(t *testing.T) {
	ctx := context.Background()
	m, conn, _ := simulated(t, Config{PrecheckCapacity: true}, simulator.WithBufferSize(2))
	if _, err := conn.AddTrackPoint(ctx, espmount.Position{Ax1: 1, Ax2: 1}, time.Now().UnixMilli()); err != nil {
		t.Fatal(err)
	}
	err := m.Track(ctx, line(3, 30, 10, 20, m.Time(), time.Second), nil)
	var capErr *CapacityError
	if !errors.As(err, &capErr) {
		t.Fatalf("Track: got %v, want a *CapacityError", err)
	}
	if capErr.Capacity != 2 {
		t.Errorf("CapacityError.Capacity = %d, want the buffer size 2", capErr.Capacity)
	}
	if free, err := conn.TrackBufferFree(ctx); err != nil || free != 1 {
		t.Errorf("TrackBufferFree after Track = %d, %v; want the untouched 1", free, err)
	}
}

func TestTrackPrecheckCommands(t *testing.T) {
	m, port := scripted(t, Config{PrecheckCapacity: true}, devicetest.Echo(map[string]string{"gtbs": "2"}))
	if err := m.Track(context.Background(), line(3, 30, 10, 20, m.Time(), time.Second), nil); !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("Track: got %v, want ErrCapacityExceeded", err)
	}
	if diff := cmp.Diff(port.Commands(), []string{"gc", "gtbs"}); diff != "" {
		t.Errorf("unexpected commands: got(-)/want(+):\n%s", diff)
	}
}

// recorder logs requests and progress callbacks in the order they happen.
type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(event string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recorder) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func TestTrackSequence(t *testing.T) {
	rec := &recorder{}
	echo := devicetest.Echo(map[string]string{"gtbf": "512", "tp": "0"})
	m, _ := scripted(t, Config{}, func(req string) string {
		rec.add(strings.TrimPrefix(strings.Fields(req)[0], "+"))
		return echo(req)
	})
	progress := func(done, total int) { rec.add(fmt.Sprintf("progress %d/%d", done, total)) }
	if err := m.Track(context.Background(), line(3, 30, 10, 20, m.Time(), time.Second), progress); err != nil {
		t.Fatal(err)
	}
	want := []string{
		"s", "tbc", "gtbf",
		"progress 0/3", "tp",
		"progress 1/3", "tp",
		"progress 2/3", "tp",
		"progress 3/3",
		"t", "tb",
	}
	if diff := cmp.Diff(rec.Events(), want); diff != "" {
		t.Errorf("unexpected sequence: got(-)/want(+):\n%s", diff)
	}
}

func TestTrackPointEncoding(t *testing.T) {
	m, port := scripted(t, Config{}, devicetest.Echo(map[string]string{"gtbf": "512", "tp": "0"}))
	at := time.Unix(1700000000, 123_900_000)
	points := []TrackPoint{
		{Direction: coord.NewHorizontal(30, 10, at, brno), T: at},
		{Direction: coord.NewHorizontal(-20, 350, at.Add(time.Second), brno), T: at.Add(time.Second)},
	}
	if err := m.Track(context.Background(), points, nil); err != nil {
		t.Fatal(err)
	}
	var got []string
	for _, req := range port.Requests() {
		if strings.HasPrefix(req, "+tp ") {
			got = append(got, req)
		}
	}
	want := []string{
		"+tp 10 30 1700000000123",
		"+tp 350 -20 1700000001123",
	}
	if diff := cmp.Diff(got, want); diff != "" {
		t.Errorf("unexpected track points: got(-)/want(+):\n%s", diff)
	}
}

func TestTrackPointRejected(t *testing.T) {
	for _, result := range []espmount.TrackPointResult{espmount.TrackPointBufferFull, espmount.TrackPointInternal} {
		t.Run(result.String(), func(t *testing.T) {
			var mu sync.Mutex
			added := 0
			echo := devicetest.Echo(map[string]string{"gtbf": "512"})
			m, port := scripted(t, Config{}, func(req string) string {
				if !strings.HasPrefix(req, "+tp ") {
					return echo(req)
				}
				mu.Lock()
				defer mu.Unlock()
				added++
				if added == 2 {
					return fmt.Sprintf("+tp %d", int(result))
				}
				return "+tp 0"
			})
			err := m.Track(context.Background(), line(3, 30, 10, 20, m.Time(), time.Second), nil)
			var tpErr *TrackPointError
			if !errors.As(err, &tpErr) {
				t.Fatalf("Track: got %v, want a *TrackPointError", err)
			}
			if diff := cmp.Diff(*tpErr, TrackPointError{Index: 1, Result: result}); diff != "" {
				t.Errorf("unexpected TrackPointError: got(-)/want(+):\n%s", diff)
			}
			cmds := port.Commands()
			if last := cmds[len(cmds)-1]; last != "tp" {
				t.Errorf("last command = %q, the upload should stop at the rejected point", last)
			}
		})
	}
}

func TestTrackEmpty(t *testing.T) {
	m, port := scripted(t, Config{}, devicetest.Echo(map[string]string{"gtbf": "512"}))
	calls := 0
	if err := m.Track(context.Background(), nil, func(done, total int) {
		calls++
		if done != 0 || total != 0 {
			t.Errorf("progress(%d, %d), want (0, 0)", done, total)
		}
	}); err != nil {
		t.Fatal(err)
	}
	if calls != 1 {
		t.Errorf("progress called %d times, want 1", calls)
	}
	if diff := cmp.Diff(port.Commands(), []string{"gc", "s", "tbc", "gtbf", "t", "tb"}); diff != "" {
		t.Errorf("unexpected commands: got(-)/want(+):\n%s", diff)
	}
}

// display records Render and Update calls.
type display struct {
	mu       sync.Mutex
	rendered [][]TrackPoint
	updates  []float64
}

func (d *display) Render(points []TrackPoint) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rendered = append(d.rendered, points)
}

func (d *display) Update(position coord.Direction, progress float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.updates = append(d.updates, progress)
}

func TestTrackAndFollow(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	m, _, sim := simulated(t, Config{PollInterval: 20 * time.Millisecond}, simulator.WithSlewRate(360))

	points := line(5, 30, 10, 20, m.Time().Add(200*time.Millisecond), 50*time.Millisecond)
	if err := m.Track(ctx, points, nil); err != nil {
		t.Fatal(err)
	}
	d := &display{}
	if err := m.Follow(ctx, points, d); err != nil {
		t.Fatal(err)
	}

	status, pos := sim.State()
	if status != espmount.Stopped {
		t.Errorf("simulator status = %v, want STOPPED", status)
	}
	if diff := cmp.Diff(pos, espmount.Position{Ax1: 200, Ax2: 300}); diff != "" {
		t.Errorf("final position: got(-)/want(+):\n%s", diff)
	}
	final, err := m.Position(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if angleDiff(final.Az(), 20) > 0.1 || angleDiff(final.Alt(), 30) > 0.1 {
		t.Errorf("Position() = %v, want altaz(20, 30)", final)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.rendered) != 1 || len(d.rendered[0]) != len(points) {
		t.Errorf("Render called %d times", len(d.rendered))
	}
	if len(d.updates) == 0 {
		t.Fatal("Update never called")
	}
	for i := 1; i < len(d.updates); i++ {
		if d.updates[i] < d.updates[i-1] {
			t.Errorf("progress went backwards: %v", d.updates)
			break
		}
	}
}

func TestProgress(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	points := line(3, 10, 0, 10, start, 10*time.Second)
	for _, test := range []struct {
		at   time.Time
		want float64
	}{
		{start.Add(-10 * time.Second), -0.5},
		{start, 0},
		{start.Add(5 * time.Second), 0.25},
		{start.Add(20 * time.Second), 1},
		{start.Add(30 * time.Second), 1.5},
	} {
		if got := Progress(points, test.at); got != test.want {
			t.Errorf("Progress at %v = %v, want %v", test.at, got, test.want)
		}
	}
	if got := Progress(nil, start); got != 0 {
		t.Errorf("Progress of no points = %v, want 0", got)
	}
	single := points[:1]
	if got := Progress(single, start.Add(-time.Second)); got != 0 {
		t.Errorf("Progress before a single point = %v, want 0", got)
	}
	if got := Progress(single, start); got != 1 {
		t.Errorf("Progress at a single point = %v, want 1", got)
	}
}
