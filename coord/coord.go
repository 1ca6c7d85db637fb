// Package coord describes sky directions and converts them between the
// reference frames used to point a mount.
package coord

import (
	"fmt"
	"math"
	"time"
)

type Frame int

const (
	// Horizontal directions carry azimuth in Lon and altitude in Lat.
	// Azimuth is measured from north through east.
	Horizontal Frame = iota
	// HADec directions carry hour angle in Lon and declination in Lat.
	// Hour angle is positive to the west of the meridian.
	HADec
	// Equatorial directions carry right ascension in Lon and declination in Lat.
	Equatorial
)

func (f Frame) String() string {
	switch f {
	case Horizontal:
		return "altaz"
	case HADec:
		return "hadec"
	case Equatorial:
		return "radec"
	}
	return fmt.Sprintf("UNKNOWN(%d)", int(f))
}

// Location is an observer position on the WGS84 ellipsoid.
type Location struct {
	// Latitude and Longitude are in decimal degrees, longitude positive east.
	Latitude  float64 `json:"latitude" yaml:"latitude"`
	Longitude float64 `json:"longitude" yaml:"longitude"`
	// Elevation is in meters.
	Elevation float64 `json:"elevation" yaml:"elevation"`
}

// Direction is a point on the sky in some frame, as seen from Location at Time.
// All angles are in decimal degrees.
type Direction struct {
	Frame    Frame
	Lon, Lat float64
	Time     time.Time
	Location Location
}

func NewHorizontal(alt, az float64, t time.Time, loc Location) Direction {
	return Direction{Frame: Horizontal, Lon: az, Lat: alt, Time: t, Location: loc}.Normalize()
}

func NewHADec(ha, dec float64, t time.Time, loc Location) Direction {
	return Direction{Frame: HADec, Lon: ha, Lat: dec, Time: t, Location: loc}.Normalize()
}

func NewEquatorial(ra, dec float64, t time.Time, loc Location) Direction {
	return Direction{Frame: Equatorial, Lon: ra, Lat: dec, Time: t, Location: loc}.Normalize()
}

func (d Direction) Az() float64  { return d.Lon }
func (d Direction) Alt() float64 { return d.Lat }
func (d Direction) HA() float64  { return d.Lon }
func (d Direction) RA() float64  { return d.Lon }
func (d Direction) Dec() float64 { return d.Lat }

// Normalize wraps the longitude-like coordinate into [0, 360).
func (d Direction) Normalize() Direction {
	d.Lon = WrapDegrees360(d.Lon)
	return d
}

func (d Direction) String() string {
	return fmt.Sprintf("%s(%.4f, %.4f)", d.Frame, d.Lon, d.Lat)
}

// WrapDegrees360 wraps an angle into [0, 360).
func WrapDegrees360(angle float64) float64 {
	angle = math.Mod(angle, 360)
	if angle < 0 {
		angle += 360
	}
	if angle >= 360 {
		angle -= 360
	}
	return angle
}

// WrapDegrees180 wraps an angle into (-180, 180].
func WrapDegrees180(angle float64) float64 {
	angle = WrapDegrees360(angle)
	if angle > 180 {
		angle -= 360
	}
	return angle
}

func deg2rad(x float64) float64 {
	return x * math.Pi / 180
}

func rad2deg(x float64) float64 {
	return x * 180 / math.Pi
}
