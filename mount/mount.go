// Package mount points and tracks a two-axis mount driven by ESP mount
// firmware.
package mount

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/w1xm/espmount/coord"
	"github.com/w1xm/espmount/espmount"
)

const DefaultPollInterval = 500 * time.Millisecond

var (
	// ErrNotConnected is returned by operations that need a mount before
	// Connect or after Disconnect.
	ErrNotConnected = espmount.ErrNotConnected
	// ErrWaitTimeout is returned when a wait ends before the mount stopped.
	ErrWaitTimeout = errors.New("mount: timed out waiting for mount to stop")
)

type Config struct {
	// Axis is the direction of the mount's primary axis.
	Axis coord.Direction
	// Transformer defaults to coord.Spherical.
	Transformer coord.Transformer
	// PollInterval is the status polling period. Defaults to DefaultPollInterval.
	PollInterval time.Duration
	// PrecheckCapacity makes Track verify the track buffer capacity before
	// touching the mount, instead of after clearing the buffer.
	PrecheckCapacity bool
}

// TrackPoint is a direction the mount should point at at time T.
type TrackPoint struct {
	Direction coord.Direction
	T         time.Time
}

// Mount controls one mount over one connection.
type Mount struct {
	cfg   Config
	clock *Clock

	mu     sync.RWMutex
	conn   *espmount.Conn
	mapper Mapper
}

func New(cfg Config) (*Mount, error) {
	if cfg.Transformer == nil {
		cfg.Transformer = coord.Spherical{}
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	mapper, err := NewMapper(cfg.Axis, cfg.Transformer, 0, 0)
	if err != nil {
		return nil, err
	}
	return &Mount{cfg: cfg, clock: NewClock(), mapper: mapper}, nil
}

// Connect starts using conn and reads the encoder resolution from it. A
// previous connection is closed once conn is in use.
func (m *Mount) Connect(ctx context.Context, conn *espmount.Conn) error {
	ra, dec, err := conn.CountsPerRevolution(ctx)
	if err != nil {
		return fmt.Errorf("reading counts per revolution: %w", err)
	}
	if ra <= 0 || dec <= 0 {
		return fmt.Errorf("mount reported invalid counts per revolution (%d, %d)", ra, dec)
	}
	m.mu.Lock()
	prev := m.conn
	m.conn = conn
	m.mapper.CPRRa, m.mapper.CPRDec = ra, dec
	m.mu.Unlock()
	log.Printf("connected to mount, counts per revolution %d/%d", ra, dec)
	if prev != nil && prev != conn {
		if err := prev.Close(); err != nil {
			log.Printf("closing previous mount connection: %v", err)
		}
	}
	return nil
}

// Disconnect closes the connection. Failures are logged, not returned.
func (m *Mount) Disconnect() {
	m.mu.Lock()
	conn := m.conn
	m.conn = nil
	m.mu.Unlock()
	if conn == nil {
		return
	}
	if err := conn.Close(); err != nil {
		log.Printf("closing mount connection: %v", err)
	}
}

func (m *Mount) Connected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.conn != nil && m.conn.Connected()
}

func (m *Mount) session() (*espmount.Conn, Mapper, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.conn == nil {
		return nil, Mapper{}, ErrNotConnected
	}
	return m.conn, m.mapper, nil
}

// Mapper returns the current pointing model.
func (m *Mount) Mapper() Mapper {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.mapper
}

// Axis returns the primary axis orientation in the horizontal frame.
func (m *Mount) Axis() coord.Direction {
	return m.Mapper().Axis()
}

// SetAxis changes the primary axis orientation.
func (m *Mount) SetAxis(axis coord.Direction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mapper, err := m.mapper.WithAxis(axis)
	if err != nil {
		return err
	}
	m.mapper = mapper
	return nil
}

// Location returns the observer location.
func (m *Mount) Location() coord.Location {
	return m.Mapper().Location
}

// Local returns a horizontal direction at the observer location at the
// current virtual time.
func (m *Mount) Local(alt, az float64) coord.Direction {
	return coord.NewHorizontal(alt, az, m.Time(), m.Location())
}

// Time returns the virtual time.
func (m *Mount) Time() time.Time {
	return m.clock.Now()
}

// SetTime shifts the virtual time so that it is t now.
func (m *Mount) SetTime(t time.Time) {
	m.clock.Set(t)
}

// SyncTime sets the mount clock to the virtual time.
func (m *Mount) SyncTime(ctx context.Context) error {
	conn, _, err := m.session()
	if err != nil {
		return err
	}
	return conn.SetDeviceTime(ctx, deviceTime(m.Time()))
}

// Calibrate tells the mount that it currently points at d.
func (m *Mount) Calibrate(ctx context.Context, d coord.Direction) error {
	conn, mapper, err := m.session()
	if err != nil {
		return err
	}
	p, err := mapper.DirectionToTicks(d, m.Time())
	if err != nil {
		return err
	}
	return conn.SetPosition(ctx, p)
}

// Goto starts slewing to d.
func (m *Mount) Goto(ctx context.Context, d coord.Direction) error {
	conn, mapper, err := m.session()
	if err != nil {
		return err
	}
	p, err := mapper.DirectionToTicks(d, m.Time())
	if err != nil {
		return err
	}
	return conn.Goto(ctx, p)
}

// Stop requests the mount to stop without waiting for it.
func (m *Mount) Stop(ctx context.Context, instant bool) error {
	conn, _, err := m.session()
	if err != nil {
		return err
	}
	return conn.Stop(ctx, instant)
}

// Status polls the mount status.
func (m *Mount) Status(ctx context.Context) (espmount.Status, error) {
	conn, _, err := m.session()
	if err != nil {
		return 0, err
	}
	return conn.Status(ctx)
}

// Position returns where the mount points now, in the horizontal frame.
func (m *Mount) Position(ctx context.Context) (coord.Direction, error) {
	conn, mapper, err := m.session()
	if err != nil {
		return coord.Direction{}, err
	}
	p, err := conn.Position(ctx)
	if err != nil {
		return coord.Direction{}, err
	}
	return mapper.TicksToDirection(p, m.Time())
}

// WaitForStop polls the status until the mount is STOPPED. If ctx ends
// first, ErrWaitTimeout is returned.
func (m *Mount) WaitForStop(ctx context.Context) error {
	t := time.NewTicker(m.cfg.PollInterval)
	defer t.Stop()
	for {
		s, err := m.Status(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("%w: %v", ErrWaitTimeout, err)
			}
			return err
		}
		if s == espmount.Stopped {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: last status %v", ErrWaitTimeout, s)
		case <-t.C:
		}
	}
}

// StopAndWait stops the mount and waits until it has stopped.
func (m *Mount) StopAndWait(ctx context.Context, instant bool) error {
	if err := m.Stop(ctx, instant); err != nil {
		return err
	}
	return m.WaitForStop(ctx)
}
