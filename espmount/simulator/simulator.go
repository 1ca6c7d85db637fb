// Package simulator emulates ESP mount firmware for tests and dry runs.
package simulator

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"math"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/w1xm/espmount/espmount"
	"golang.org/x/sync/errgroup"
)

const (
	// ProtocolVersion is reported by gpv.
	ProtocolVersion = 1
	// Discrete simulation step size
	stepSize = 25 * time.Millisecond
)

type trackPoint struct {
	pos [2]float64
	ms  int64
}

// Simulator is a simulated mount. Positions are kept in fractional ticks.
type Simulator struct {
	conn io.ReadWriteCloser
	// Verbose logs every line exchanged.
	Verbose bool

	mu          sync.Mutex
	cprRa       int
	cprDec      int
	capacity    int
	slewRate    float64 // degrees per second
	brakeTime   time.Duration
	clockOffset time.Duration

	pos        [2]float64
	target     [2]float64
	status     espmount.Status
	brakeUntil time.Time
	buffer     []trackPoint
	now        func() time.Time
}

type Option func(*Simulator)

// WithCPR sets the counts per revolution of both axes.
func WithCPR(ra, dec int) Option {
	return func(s *Simulator) { s.cprRa, s.cprDec = ra, dec }
}

// WithBufferSize sets the track buffer capacity.
func WithBufferSize(n int) Option {
	return func(s *Simulator) { s.capacity = n }
}

// WithSlewRate sets the maximum speed in degrees per second.
func WithSlewRate(degPerSec float64) Option {
	return func(s *Simulator) { s.slewRate = degPerSec }
}

// WithBrakeTime sets how long a non-instant stop stays in BRAKING.
func WithBrakeTime(d time.Duration) Option {
	return func(s *Simulator) { s.brakeTime = d }
}

// New returns a simulator and the client end of its connection.
func New(opts ...Option) (*Simulator, net.Conn) {
	a, b := net.Pipe()
	s := &Simulator{
		conn:      a,
		cprRa:     3600,
		cprDec:    3600,
		capacity:  512,
		slewRate:  30,
		brakeTime: 100 * time.Millisecond,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, b
}

func (s *Simulator) Run(ctx context.Context) error {
	defer s.conn.Close()
	t := time.NewTicker(stepSize)
	defer t.Stop()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
			}
			s.step()
		}
	})
	g.Go(func() error {
		// Closing the pipe unblocks the reader.
		<-ctx.Done()
		return s.conn.Close()
	})
	g.Go(s.reader)
	return g.Wait()
}

func (s *Simulator) reader() error {
	scanner := bufio.NewScanner(s.conn)
	for scanner.Scan() {
		input := scanner.Text()
		if s.Verbose {
			log.Printf("srv->sim: %s", input)
		}
		resp, err := s.handle(input)
		if err != nil {
			log.Printf("parsing %q: %v", input, err)
			resp = "!" + err.Error()
		}
		if s.Verbose {
			log.Printf("sim->srv: %s", resp)
		}
		if _, err := fmt.Fprintf(s.conn, "%s\n", resp); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading port: %w", err)
	}
	// The client hung up; ending the group stops the stepper too.
	return io.EOF
}

func parseInts(args []string, n int) ([]int64, error) {
	if len(args) != n {
		return nil, fmt.Errorf("want %d arguments, got %d", n, len(args))
	}
	out := make([]int64, n)
	for i, arg := range args {
		v, err := strconv.ParseInt(arg, 10, 64)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (s *Simulator) deviceTime() int64 {
	return s.now().Add(s.clockOffset).UnixMilli()
}

// handle executes one request line and returns the response line.
func (s *Simulator) handle(input string) (string, error) {
	parts := strings.Fields(input)
	if len(parts) == 0 || !strings.HasPrefix(parts[0], espmount.Marker) {
		return "", fmt.Errorf("unrecognized command %q", input)
	}
	echo, cmd, args := parts[0], strings.TrimPrefix(parts[0], espmount.Marker), parts[1:]
	reply := func(fields ...interface{}) string {
		out := []string{echo}
		for _, f := range fields {
			out = append(out, fmt.Sprint(f))
		}
		return strings.Join(out, " ")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	switch cmd {
	case espmount.CmdGetPosition:
		return reply(int(math.Round(s.pos[0])), int(math.Round(s.pos[1]))), nil
	case espmount.CmdSetPosition:
		v, err := parseInts(args, 2)
		if err != nil {
			return "", err
		}
		s.pos = [2]float64{float64(v[0]), float64(v[1])}
		s.target = s.pos
		return reply(), nil
	case espmount.CmdGetTime:
		return reply(s.deviceTime()), nil
	case espmount.CmdSetTime:
		v, err := parseInts(args, 1)
		if err != nil {
			return "", err
		}
		s.clockOffset = time.UnixMilli(v[0]).Sub(s.now())
		return reply(), nil
	case espmount.CmdGoto:
		v, err := parseInts(args, 2)
		if err != nil {
			return "", err
		}
		s.target = [2]float64{float64(v[0]), float64(v[1])}
		s.status = espmount.Goto
		return reply(), nil
	case espmount.CmdStop:
		v, err := parseInts(args, 1)
		if err != nil {
			return "", err
		}
		s.target = s.pos
		if v[0] != 0 || s.status == espmount.Stopped {
			s.status = espmount.Stopped
		} else {
			s.status = espmount.Braking
			s.brakeUntil = s.now().Add(s.brakeTime)
		}
		return reply(), nil
	case espmount.CmdGetCPR:
		return reply(s.cprRa, s.cprDec), nil
	case espmount.CmdGetProtocolVersion:
		return reply(ProtocolVersion), nil
	case espmount.CmdTrackBufferFree:
		return reply(s.capacity - len(s.buffer)), nil
	case espmount.CmdTrackBufferSize:
		return reply(s.capacity), nil
	case espmount.CmdTrackBufferClear:
		s.buffer = nil
		if s.status == espmount.Tracking {
			s.status = espmount.Stopped
			s.target = s.pos
		}
		return reply(), nil
	case espmount.CmdTrackPointAdd:
		v, err := parseInts(args, 3)
		if err != nil {
			return reply(int(espmount.TrackPointInternal)), nil
		}
		if len(s.buffer) >= s.capacity {
			return reply(int(espmount.TrackPointBufferFull)), nil
		}
		s.buffer = append(s.buffer, trackPoint{pos: [2]float64{float64(v[0]), float64(v[1])}, ms: v[2]})
		return reply(int(espmount.TrackPointOK)), nil
	case espmount.CmdTrackingStart:
		if len(s.buffer) > 0 {
			s.status = espmount.Tracking
		}
		return reply(), nil
	case espmount.CmdTrackingStop:
		if s.status == espmount.Tracking {
			s.status = espmount.Stopped
			s.target = s.pos
		}
		return reply(), nil
	case espmount.CmdGetStatus:
		return reply(int(s.status)), nil
	}
	return "", fmt.Errorf("unknown command %q", cmd)
}

// approach moves pos towards target by at most maxStep ticks per axis and
// reports whether the target has been reached.
func approach(pos, target *[2]float64, maxStep float64) bool {
	reached := true
	for i := range pos {
		delta := target[i] - pos[i]
		if math.Abs(delta) > maxStep {
			delta = math.Copysign(maxStep, delta)
			reached = false
		}
		pos[i] += delta
	}
	return reached
}

func (s *Simulator) step() {
	s.mu.Lock()
	defer s.mu.Unlock()
	maxStep := s.slewRate / 360 * float64(s.cprRa) * stepSize.Seconds()
	switch s.status {
	case espmount.Goto:
		if approach(&s.pos, &s.target, maxStep) {
			s.status = espmount.Stopped
		}
	case espmount.Braking:
		if !s.now().Before(s.brakeUntil) {
			s.status = espmount.Stopped
		}
	case espmount.Tracking:
		s.track(maxStep)
	}
}

// track follows the track buffer at the current device time.
// The first axis is interpolated and followed the short way round modulo
// cprRa, so a track crossing tick zero does not unwind a full turn.
func (s *Simulator) track(maxStep float64) {
	if len(s.buffer) == 0 {
		s.status = espmount.Stopped
		s.target = s.pos
		return
	}
	now := s.deviceTime()
	last := s.buffer[len(s.buffer)-1]
	finished := false
	switch {
	case now < s.buffer[0].ms:
		s.target = s.buffer[0].pos
	case now >= last.ms:
		s.target = last.pos
		finished = true
	default:
		for i := 1; i < len(s.buffer); i++ {
			a, b := s.buffer[i-1], s.buffer[i]
			if now >= b.ms {
				continue
			}
			f := float64(now-a.ms) / float64(b.ms-a.ms)
			s.target[0] = a.pos[0] + f*s.shortest(b.pos[0]-a.pos[0])
			s.target[1] = a.pos[1] + f*(b.pos[1]-a.pos[1])
			break
		}
	}
	target := s.target
	target[0] = s.pos[0] + s.shortest(target[0]-s.pos[0])
	reached := approach(&s.pos, &target, maxStep)
	s.pos[0] = s.wrap(s.pos[0])
	s.target[0] = s.wrap(s.target[0])
	if finished && reached {
		s.status = espmount.Stopped
		s.buffer = nil
	}
}

// shortest wraps a first axis tick difference into [-cprRa/2, cprRa/2).
func (s *Simulator) shortest(delta float64) float64 {
	cpr := float64(s.cprRa)
	return s.wrap(delta+cpr/2) - cpr/2
}

// wrap brings a first axis tick count into [0, cprRa).
func (s *Simulator) wrap(ticks float64) float64 {
	cpr := float64(s.cprRa)
	ticks = math.Mod(ticks, cpr)
	if ticks < 0 {
		ticks += cpr
	}
	return ticks
}

// State returns the simulated motion state and position.
func (s *Simulator) State() (espmount.Status, espmount.Position) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status, espmount.Position{Ax1: int(math.Round(s.pos[0])), Ax2: int(math.Round(s.pos[1]))}
}
