package coord

import (
	"fmt"
	"math"
	"time"

	satellite "github.com/joshuaferrara/go-satellite"
)

// Transformer re-expresses a direction in another frame for an observer at
// loc at time t.
type Transformer interface {
	Transform(d Direction, to Frame, t time.Time, loc Location) (Direction, error)
}

// Spherical is a Transformer that treats frame changes as pure rotations.
// Precession, nutation, aberration and refraction are ignored.
type Spherical struct{}

func local(f Frame) bool {
	return f == Horizontal || f == HADec
}

func (Spherical) Transform(d Direction, to Frame, t time.Time, loc Location) (Direction, error) {
	if to != Horizontal && to != HADec && to != Equatorial {
		return Direction{}, fmt.Errorf("coord: unsupported target frame %v", to)
	}
	if d.Location == loc && d.Time.Equal(t) && local(d.Frame) && local(to) {
		out := Direction{Frame: to, Lon: d.Lon, Lat: d.Lat, Time: t, Location: loc}
		if d.Frame != to {
			out.Lon, out.Lat = equhor(d.Lon, d.Lat, loc.Latitude)
		}
		return out.Normalize(), nil
	}
	ra, dec, err := equatorial(d)
	if err != nil {
		return Direction{}, err
	}
	out := Direction{Frame: to, Lon: ra, Lat: dec, Time: t, Location: loc}
	if to == Equatorial {
		return out.Normalize(), nil
	}
	out.Lon = SiderealTime(t, loc) - ra
	if to == Horizontal {
		out.Lon, out.Lat = equhor(out.Lon, dec, loc.Latitude)
	}
	return out.Normalize(), nil
}

// equatorial returns the right ascension and declination of d.
func equatorial(d Direction) (float64, float64, error) {
	switch d.Frame {
	case Equatorial:
		return d.Lon, d.Lat, nil
	case HADec:
		return WrapDegrees360(SiderealTime(d.Time, d.Location) - d.Lon), d.Lat, nil
	case Horizontal:
		ha, dec := equhor(d.Lon, d.Lat, d.Location.Latitude)
		return WrapDegrees360(SiderealTime(d.Time, d.Location) - ha), dec, nil
	}
	return 0, 0, fmt.Errorf("coord: unsupported source frame %v", d.Frame)
}

// SiderealTime returns the local mean sidereal time in degrees.
func SiderealTime(t time.Time, loc Location) float64 {
	t = t.UTC()
	year, month, day := t.Date()
	hour, min, sec := t.Clock()
	jd := satellite.JDay(year, int(month), day, hour, min, sec) + float64(t.Nanosecond())/1e9/86400
	return WrapDegrees360(rad2deg(satellite.ThetaG_JD(jd)) + loc.Longitude)
}

// equhor converts between azimuth/altitude and hour-angle/declination.
// The relation is its own inverse: (az, alt) -> (ha, dec) and (ha, dec) -> (az, alt).
// Phi is the observer's latitude.
// Arguments are in radians
func equhor_rad(x, y, phi float64) (float64, float64) {
	sx, sy, sphi := math.Sin(x), math.Sin(y), math.Sin(phi)
	cx, cy, cphi := math.Cos(x), math.Cos(y), math.Cos(phi)

	sq := (sy * sphi) + (cy * cphi * cx)
	if sq > 1 {
		sq = 1
	} else if sq < -1 {
		sq = -1
	}
	q := math.Asin(sq)
	p := math.Atan2(-sx*cy, (cphi*sy)-(sphi*cy*cx))
	return p, q
}

func equhor(x, y, phi float64) (float64, float64) {
	x, y, phi = deg2rad(x), deg2rad(y), deg2rad(phi)
	p, q := equhor_rad(x, y, phi)
	return WrapDegrees360(rad2deg(p)), rad2deg(q)
}
