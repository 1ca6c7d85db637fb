package mount

import (
	"fmt"
	"math"
	"time"

	"github.com/w1xm/espmount/coord"
	"github.com/w1xm/espmount/espmount"
)

// Mapper converts between sky directions and raw encoder ticks.
//
// Every mount is treated as an equatorial mount whose pole is its physical
// primary axis. Directions are rotated so the axis azimuth is zero and then
// re-observed from a fake location whose latitude is the axis altitude; the
// hour angle and declination seen from there drive axis 1 and axis 2.
type Mapper struct {
	// Location is the true observer location.
	Location    coord.Location
	Transformer coord.Transformer
	// CPRRa and CPRDec are the encoder counts per revolution of axis 1 and 2.
	CPRRa, CPRDec int

	axis coord.Direction
	fake coord.Location
}

// NewMapper returns a Mapper for a mount whose primary axis points at axis.
func NewMapper(axis coord.Direction, t coord.Transformer, cprRa, cprDec int) (Mapper, error) {
	if t == nil {
		t = coord.Spherical{}
	}
	m := Mapper{Location: axis.Location, Transformer: t, CPRRa: cprRa, CPRDec: cprDec}
	return m.WithAxis(axis)
}

// WithAxis returns a copy of m with a new primary axis orientation.
func (m Mapper) WithAxis(axis coord.Direction) (Mapper, error) {
	h, err := m.Transformer.Transform(axis, coord.Horizontal, axis.Time, axis.Location)
	if err != nil {
		return Mapper{}, fmt.Errorf("converting axis to horizontal: %w", err)
	}
	m.axis = h.Normalize()
	m.fake = coord.Location{Latitude: m.axis.Alt(), Longitude: 0}
	return m, nil
}

// Axis returns the primary axis orientation in the horizontal frame.
func (m Mapper) Axis() coord.Direction {
	return m.axis
}

// FakeLocation returns the synthetic observer location anchored to the axis.
func (m Mapper) FakeLocation() coord.Location {
	return m.fake
}

func (m Mapper) checkCPR() error {
	if m.CPRRa <= 0 || m.CPRDec <= 0 {
		return fmt.Errorf("counts per revolution unknown (%d, %d)", m.CPRRa, m.CPRDec)
	}
	return nil
}

// DirectionToTicks maps d, as seen at time t, to encoder ticks.
// Resolution is 360/CPR degrees per axis.
func (m Mapper) DirectionToTicks(d coord.Direction, t time.Time) (espmount.Position, error) {
	if err := m.checkCPR(); err != nil {
		return espmount.Position{}, err
	}
	h, err := m.Transformer.Transform(d, coord.Horizontal, t, m.Location)
	if err != nil {
		return espmount.Position{}, err
	}
	relative := coord.NewHorizontal(h.Alt(), h.Az()-m.axis.Az(), t, m.fake)
	fake, err := m.Transformer.Transform(relative, coord.HADec, t, m.fake)
	if err != nil {
		return espmount.Position{}, err
	}
	ax1 := int(math.Round(coord.WrapDegrees360(fake.HA()+180) / 360 * float64(m.CPRRa)))
	if ax1 >= m.CPRRa {
		ax1 -= m.CPRRa
	}
	ax2 := int(math.Round(coord.WrapDegrees180(fake.Dec()) / 360 * float64(m.CPRDec)))
	return espmount.Position{Ax1: ax1, Ax2: ax2}, nil
}

// TicksToDirection maps encoder ticks at time t to a horizontal direction
// seen from the true observer location.
func (m Mapper) TicksToDirection(p espmount.Position, t time.Time) (coord.Direction, error) {
	if err := m.checkCPR(); err != nil {
		return coord.Direction{}, err
	}
	ha, dec := poleWrap(
		float64(p.Ax1)*360/float64(m.CPRRa)-180,
		float64(p.Ax2)*360/float64(m.CPRDec),
	)
	fake := coord.NewHADec(ha, dec, t, m.fake)
	h, err := m.Transformer.Transform(fake, coord.Horizontal, t, m.fake)
	if err != nil {
		return coord.Direction{}, err
	}
	return coord.NewHorizontal(h.Alt(), h.Az()+m.axis.Az(), t, m.Location), nil
}

// poleWrap reflects a declination beyond either pole back into [-90, 90],
// turning the hour angle by 180 degrees.
func poleWrap(ha, dec float64) (float64, float64) {
	dec = coord.WrapDegrees180(dec)
	switch {
	case dec > 90:
		ha += 180
		dec = 180 - dec
	case dec < -90:
		ha += 180
		dec = -180 - dec
	}
	return coord.WrapDegrees360(ha), dec
}
