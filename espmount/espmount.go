// Package espmount implements the line protocol spoken by ESP mount
// controller firmware.
//
// Every request is a single line "+<command> <arg>...". The mount answers
// with one line that starts by echoing "+<command>", followed by the result
// fields.
package espmount

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	Marker = "+"

	CmdGetPosition        = "gp"
	CmdSetPosition        = "p"
	CmdGetTime            = "gt"
	CmdSetTime            = "t"
	CmdGoto               = "g"
	CmdStop               = "s"
	CmdGetCPR             = "gc"
	CmdGetProtocolVersion = "gpv"
	CmdTrackBufferFree    = "gtbf"
	CmdTrackBufferSize    = "gtbs"
	CmdTrackBufferClear   = "tbc"
	CmdTrackPointAdd      = "tp"
	CmdTrackingStart      = "tb"
	CmdTrackingStop       = "ts"
	CmdGetStatus          = "gs"

	DefaultTimeout = 1 * time.Second
)

// Status is the motion state reported by the mount.
type Status int

const (
	Stopped Status = iota
	Goto
	Tracking
	Braking
)

func (s Status) String() string {
	switch s {
	case Stopped:
		return "STOPPED"
	case Goto:
		return "GOTO"
	case Tracking:
		return "TRACKING"
	case Braking:
		return "BRAKING"
	}
	return fmt.Sprintf("UNKNOWN(%d)", int(s))
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(text []byte) error {
	for _, v := range []Status{Stopped, Goto, Tracking, Braking} {
		if string(text) == v.String() {
			*s = v
			return nil
		}
	}
	return fmt.Errorf("espmount: unknown status %q", text)
}

// TrackPointResult is the outcome of adding one point to the track buffer.
type TrackPointResult int

const (
	TrackPointOK TrackPointResult = iota
	TrackPointBufferFull
	TrackPointInternal
)

func (r TrackPointResult) String() string {
	switch r {
	case TrackPointOK:
		return "OK"
	case TrackPointBufferFull:
		return "BUFFER_FULL"
	case TrackPointInternal:
		return "INTERNAL"
	}
	return fmt.Sprintf("UNKNOWN(%d)", int(r))
}

// Position is a raw encoder position in ticks.
type Position struct {
	Ax1, Ax2 int
}

// ObserveFunc is called after every request with the command, its duration
// and the resulting error.
type ObserveFunc func(cmd string, elapsed time.Duration, err error)

// Conn is a connection to a mount. Requests are serialized; only one is
// outstanding at a time.
type Conn struct {
	// Timeout bounds the wait for each response. Zero means DefaultTimeout.
	Timeout time.Duration
	// Observe, if set, is called after every request.
	Observe ObserveFunc

	mu     sync.Mutex
	conn   io.ReadWriteCloser
	lines  chan string
	done   chan struct{}
	closed bool

	// closeMu guards hungUp, which the reader sets without holding mu.
	closeMu sync.Mutex
	hungUp  bool
}

// New starts talking to a mount over conn. The returned Conn owns conn.
func New(conn io.ReadWriteCloser) *Conn {
	c := &Conn{
		conn:  conn,
		lines: make(chan string, 16),
		done:  make(chan struct{}),
	}
	go c.reader()
	return c
}

func (c *Conn) reader() {
	defer close(c.lines)
	// The device hung up; later requests fail with ErrNotConnected.
	defer c.markClosed()
	scanner := bufio.NewScanner(c.conn)
	for scanner.Scan() {
		select {
		case c.lines <- strings.TrimRight(scanner.Text(), "\r"):
		case <-c.done:
			return
		}
	}
	if err := scanner.Err(); err != nil {
		select {
		case <-c.done:
		default:
			log.Printf("reading mount: %v", err)
		}
	}
}

func (c *Conn) markClosed() {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	c.hungUp = true
}

// Connected reports whether Close has not yet been called and the device
// has not closed its end.
func (c *Conn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed && !c.isHungUp()
}

func (c *Conn) isHungUp() bool {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	return c.hungUp
}

// Close closes the underlying connection. It is safe to call more than once.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.done)
	return c.conn.Close()
}

func (c *Conn) timeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return DefaultTimeout
}

// Send issues cmd with args and returns the response fields, including the
// echoed command in the first position.
func (c *Conn) Send(ctx context.Context, cmd string, args ...interface{}) ([]string, error) {
	start := time.Now()
	fields, err := c.send(ctx, cmd, args...)
	if c.Observe != nil {
		c.Observe(cmd, time.Since(start), err)
	}
	return fields, err
}

func (c *Conn) send(ctx context.Context, cmd string, args ...interface{}) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.isHungUp() {
		return nil, ErrNotConnected
	}
	c.drain()

	out := []string{Marker + cmd}
	for _, arg := range args {
		out = append(out, fmt.Sprint(arg))
	}
	if _, err := io.WriteString(c.conn, strings.Join(out, " ")+"\n"); err != nil {
		return nil, fmt.Errorf("writing %q: %w", cmd, err)
	}

	timer := time.NewTimer(c.timeout())
	defer timer.Stop()
	var line string
	select {
	case l, ok := <-c.lines:
		if !ok {
			return nil, fmt.Errorf("%w: connection closed waiting for %q", ErrNotConnected, cmd)
		}
		line = l
	case <-timer.C:
		return nil, fmt.Errorf("%w: %q", ErrTimeout, cmd)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	fields := strings.Split(line, " ")
	if fields[0] != Marker+cmd {
		return nil, &MismatchError{Command: cmd, Response: line}
	}
	return fields, nil
}

// drain discards responses that arrived after their request timed out.
func (c *Conn) drain() {
	for {
		select {
		case line, ok := <-c.lines:
			if !ok {
				return
			}
			log.Printf("discarding stale mount response %q", line)
		default:
			return
		}
	}
}

// SendInts issues cmd and decodes exactly n integer result fields.
func (c *Conn) SendInts(ctx context.Context, cmd string, n int, args ...interface{}) ([]int64, error) {
	fields, err := c.Send(ctx, cmd, args...)
	if err != nil {
		return nil, err
	}
	if len(fields) != n+1 {
		return nil, &MismatchError{Command: cmd, Response: strings.Join(fields, " ")}
	}
	out := make([]int64, n)
	for i, field := range fields[1:] {
		v, err := strconv.ParseInt(field, 10, 64)
		if err != nil {
			return nil, &DecodeError{Command: cmd, Field: field, Err: err}
		}
		out[i] = v
	}
	return out, nil
}

func (c *Conn) Position(ctx context.Context) (Position, error) {
	v, err := c.SendInts(ctx, CmdGetPosition, 2)
	if err != nil {
		return Position{}, err
	}
	return Position{Ax1: int(v[0]), Ax2: int(v[1])}, nil
}

func (c *Conn) SetPosition(ctx context.Context, p Position) error {
	_, err := c.Send(ctx, CmdSetPosition, p.Ax1, p.Ax2)
	return err
}

// DeviceTime returns the mount clock in milliseconds since the Unix epoch.
func (c *Conn) DeviceTime(ctx context.Context) (int64, error) {
	v, err := c.SendInts(ctx, CmdGetTime, 1)
	if err != nil {
		return 0, err
	}
	return v[0], nil
}

// SetDeviceTime sets the mount clock in milliseconds since the Unix epoch.
func (c *Conn) SetDeviceTime(ctx context.Context, ms int64) error {
	_, err := c.Send(ctx, CmdSetTime, ms)
	return err
}

func (c *Conn) Goto(ctx context.Context, p Position) error {
	_, err := c.Send(ctx, CmdGoto, p.Ax1, p.Ax2)
	return err
}

// Stop requests the mount to stop. A non-instant stop brakes first.
func (c *Conn) Stop(ctx context.Context, instant bool) error {
	v := 0
	if instant {
		v = 1
	}
	_, err := c.Send(ctx, CmdStop, v)
	return err
}

// CountsPerRevolution returns the encoder resolution of both axes.
func (c *Conn) CountsPerRevolution(ctx context.Context) (ra, dec int, err error) {
	v, err := c.SendInts(ctx, CmdGetCPR, 2)
	if err != nil {
		return 0, 0, err
	}
	return int(v[0]), int(v[1]), nil
}

func (c *Conn) ProtocolVersion(ctx context.Context) (int, error) {
	v, err := c.SendInts(ctx, CmdGetProtocolVersion, 1)
	if err != nil {
		return 0, err
	}
	return int(v[0]), nil
}

// TrackBufferFree returns the number of track points that can still be added.
func (c *Conn) TrackBufferFree(ctx context.Context) (int, error) {
	v, err := c.SendInts(ctx, CmdTrackBufferFree, 1)
	if err != nil {
		return 0, err
	}
	return int(v[0]), nil
}

// TrackBufferSize returns the capacity of the track buffer.
func (c *Conn) TrackBufferSize(ctx context.Context) (int, error) {
	v, err := c.SendInts(ctx, CmdTrackBufferSize, 1)
	if err != nil {
		return 0, err
	}
	return int(v[0]), nil
}

func (c *Conn) ClearTrackBuffer(ctx context.Context) error {
	_, err := c.Send(ctx, CmdTrackBufferClear)
	return err
}

// AddTrackPoint appends a point to be reached at ms (mount clock).
func (c *Conn) AddTrackPoint(ctx context.Context, p Position, ms int64) (TrackPointResult, error) {
	v, err := c.SendInts(ctx, CmdTrackPointAdd, 1, p.Ax1, p.Ax2, ms)
	if err != nil {
		return 0, err
	}
	r := TrackPointResult(v[0])
	if r < TrackPointOK || r > TrackPointInternal {
		return 0, &DecodeError{Command: CmdTrackPointAdd, Field: strconv.FormatInt(v[0], 10), Err: fmt.Errorf("unknown result %d", v[0])}
	}
	return r, nil
}

func (c *Conn) StartTracking(ctx context.Context) error {
	_, err := c.Send(ctx, CmdTrackingStart)
	return err
}

func (c *Conn) StopTracking(ctx context.Context) error {
	_, err := c.Send(ctx, CmdTrackingStop)
	return err
}

func (c *Conn) Status(ctx context.Context) (Status, error) {
	v, err := c.SendInts(ctx, CmdGetStatus, 1)
	if err != nil {
		return 0, err
	}
	s := Status(v[0])
	if s < Stopped || s > Braking {
		return 0, &DecodeError{Command: CmdGetStatus, Field: strconv.FormatInt(v[0], 10), Err: fmt.Errorf("unknown status %d", v[0])}
	}
	return s, nil
}
