package transit

import (
	"errors"
	"fmt"
	"math"
	"time"

	satellite "github.com/joshuaferrara/go-satellite"
	"github.com/w1xm/espmount/coord"
	"github.com/w1xm/espmount/mount"
)

// WGS84 ellipsoid, kilometers.
const (
	earthRadius     = 6378.137
	earthFlattening = 1 / 298.257223563
	earthE2         = earthFlattening * (2 - earthFlattening)

	// DefaultStep is the pass search sampling period. Passes that stay above
	// the minimum elevation for less than this may be missed.
	DefaultStep = 30 * time.Second
	// precision of rise and set times
	precision = 100 * time.Millisecond
)

var ErrPropagation = errors.New("transit: orbit propagation failed")

type vector struct{ x, y, z float64 }

func (v vector) sub(o vector) vector {
	return vector{v.x - o.x, v.y - o.y, v.z - o.z}
}

func (v vector) norm() float64 {
	return math.Sqrt(v.x*v.x + v.y*v.y + v.z*v.z)
}

func lerp(a, b vector, f float64) vector {
	return vector{a.x + f*(b.x-a.x), a.y + f*(b.y-a.y), a.z + f*(b.z-a.z)}
}

// ecefAt propagates to a whole UTC second and returns the Earth fixed
// position in kilometers.
func (s *Satellite) ecefAt(t time.Time) (vector, error) {
	t = t.UTC()
	year, month, day := t.Date()
	hour, min, sec := t.Clock()
	eci, _ := satellite.Propagate(s.sgp4, year, int(month), day, hour, min, sec)
	if math.IsNaN(eci.X) || math.IsNaN(eci.Y) || math.IsNaN(eci.Z) || (eci.X == 0 && eci.Y == 0 && eci.Z == 0) {
		return vector{}, fmt.Errorf("%w: %v at %v", ErrPropagation, s, t)
	}
	gmst := satellite.ThetaG_JD(satellite.JDay(year, int(month), day, hour, min, sec))
	ecef := satellite.ECIToECEF(eci, gmst)
	return vector{ecef.X, ecef.Y, ecef.Z}, nil
}

// position returns the Earth fixed position in kilometers at t. Times
// between whole seconds are interpolated linearly.
func (s *Satellite) position(t time.Time) (vector, error) {
	whole := t.Truncate(time.Second)
	a, err := s.ecefAt(whole)
	if err != nil {
		return vector{}, err
	}
	frac := t.Sub(whole)
	if frac == 0 {
		return a, nil
	}
	b, err := s.ecefAt(whole.Add(time.Second))
	if err != nil {
		return vector{}, err
	}
	return lerp(a, b, frac.Seconds()), nil
}

func observer(loc coord.Location) vector {
	lat, lon := loc.Latitude*math.Pi/180, loc.Longitude*math.Pi/180
	h := loc.Elevation / 1000
	n := earthRadius / math.Sqrt(1-earthE2*math.Sin(lat)*math.Sin(lat))
	return vector{
		(n + h) * math.Cos(lat) * math.Cos(lon),
		(n + h) * math.Cos(lat) * math.Sin(lon),
		(n*(1-earthE2) + h) * math.Sin(lat),
	}
}

// geodetic converts an Earth fixed position to a WGS84 location.
func geodetic(v vector) coord.Location {
	p := math.Hypot(v.x, v.y)
	lon := math.Atan2(v.y, v.x)
	lat := math.Atan2(v.z, p*(1-earthE2))
	var h float64
	for i := 0; i < 6; i++ {
		n := earthRadius / math.Sqrt(1-earthE2*math.Sin(lat)*math.Sin(lat))
		h = p/math.Cos(lat) - n
		lat = math.Atan2(v.z, p*(1-earthE2*n/(n+h)))
	}
	return coord.Location{
		Latitude:  lat * 180 / math.Pi,
		Longitude: lon * 180 / math.Pi,
		Elevation: h * 1000,
	}
}

// LookAngles are topocentric coordinates of a satellite.
type LookAngles struct {
	// Az and El are in degrees, Range in kilometers.
	Az, El, Range float64
}

func (l LookAngles) String() string {
	return fmt.Sprintf("(%.3f, %.3f) %.1f km", l.El, l.Az, l.Range)
}

// LookAngles returns where the satellite is seen from loc at t.
func (s *Satellite) LookAngles(t time.Time, loc coord.Location) (LookAngles, error) {
	pos, err := s.position(t)
	if err != nil {
		return LookAngles{}, err
	}
	r := pos.sub(observer(loc))
	lat, lon := loc.Latitude*math.Pi/180, loc.Longitude*math.Pi/180
	sl, cl := math.Sin(lat), math.Cos(lat)
	so, co := math.Sin(lon), math.Cos(lon)
	east := -so*r.x + co*r.y
	north := -sl*co*r.x - sl*so*r.y + cl*r.z
	up := cl*co*r.x + cl*so*r.y + sl*r.z
	rng := r.norm()
	return LookAngles{
		Az:    coord.WrapDegrees360(math.Atan2(east, north) * 180 / math.Pi),
		El:    math.Asin(up/rng) * 180 / math.Pi,
		Range: rng,
	}, nil
}

// Direction returns the satellite as a horizontal direction seen from loc.
func (s *Satellite) Direction(t time.Time, loc coord.Location) (coord.Direction, error) {
	la, err := s.LookAngles(t, loc)
	if err != nil {
		return coord.Direction{}, err
	}
	return coord.NewHorizontal(la.El, la.Az, t, loc), nil
}

// SubPoint returns the point on the ground directly beneath the satellite,
// with Elevation holding the satellite altitude.
func (s *Satellite) SubPoint(t time.Time) (coord.Location, error) {
	pos, err := s.position(t)
	if err != nil {
		return coord.Location{}, err
	}
	return geodetic(pos), nil
}

// Pass is one rise, culmination and set of a satellite above a minimum
// elevation.
type Pass struct {
	Satellite *Satellite
	Location  coord.Location

	Rise, Culmination, Set           time.Time
	RiseAngles, MaxAngles, SetAngles LookAngles
}

func (p *Pass) Duration() time.Duration {
	return p.Set.Sub(p.Rise)
}

func (p *Pass) String() string {
	const layout = "2006-01-02T15:04:05"
	return fmt.Sprintf("%-15s %s %v -> %s %v -> %s %v", p.Satellite.Name,
		p.Rise.UTC().Format(layout), p.RiseAngles,
		p.Culmination.UTC().Format(layout), p.MaxAngles,
		p.Set.UTC().Format(layout), p.SetAngles)
}

// TrackPoints returns n points evenly spaced from rise towards set. The last
// point is one interval before set.
func (p *Pass) TrackPoints(n int) ([]mount.TrackPoint, error) {
	if n <= 0 {
		return nil, fmt.Errorf("track point count must be positive, got %d", n)
	}
	dt := p.Duration() / time.Duration(n)
	points := make([]mount.TrackPoint, n)
	for i := range points {
		t := p.Rise.Add(time.Duration(i) * dt)
		d, err := p.Satellite.Direction(t, p.Location)
		if err != nil {
			return nil, err
		}
		points[i] = mount.TrackPoint{Direction: d, T: t}
	}
	return points, nil
}

type elevationFunc func(time.Time) (float64, error)

// crossing bisects [lo, hi] for the time the elevation crosses minEl.
func crossing(el elevationFunc, lo, hi time.Time, minEl float64, rising bool) (time.Time, error) {
	for hi.Sub(lo) > precision {
		mid := lo.Add(hi.Sub(lo) / 2)
		e, err := el(mid)
		if err != nil {
			return time.Time{}, err
		}
		if (e >= minEl) == rising {
			hi = mid
		} else {
			lo = mid
		}
	}
	return hi, nil
}

// culmination narrows [lo, hi] around the elevation maximum.
func culmination(el elevationFunc, lo, hi time.Time) (time.Time, error) {
	for hi.Sub(lo) > precision {
		third := hi.Sub(lo) / 3
		a, b := lo.Add(third), hi.Add(-third)
		ea, err := el(a)
		if err != nil {
			return time.Time{}, err
		}
		eb, err := el(b)
		if err != nil {
			return time.Time{}, err
		}
		if ea < eb {
			lo = a
		} else {
			hi = b
		}
	}
	return lo.Add(hi.Sub(lo) / 2), nil
}

// FindPasses returns the passes that both rise and set above minEl between
// from and to, in time order. A pass already in progress at from is
// skipped. Each pass reports its highest culmination.
func FindPasses(sat *Satellite, loc coord.Location, from, to time.Time, minEl float64) ([]*Pass, error) {
	return findPasses(sat, loc, from, to, minEl, DefaultStep)
}

func findPasses(sat *Satellite, loc coord.Location, from, to time.Time, minEl float64, step time.Duration) ([]*Pass, error) {
	el := func(t time.Time) (float64, error) {
		la, err := sat.LookAngles(t, loc)
		return la.El, err
	}
	look := func(t time.Time) LookAngles {
		la, _ := sat.LookAngles(t, loc)
		return la
	}

	var passes []*Pass
	prevT := from
	prev, err := el(from)
	if err != nil {
		return nil, err
	}
	var (
		current *Pass
		bestT   time.Time
		best    float64
	)
	for t := from.Add(step); !t.After(to); t = t.Add(step) {
		e, err := el(t)
		if err != nil {
			return nil, err
		}
		switch {
		case prev < minEl && e >= minEl:
			rise, err := crossing(el, prevT, t, minEl, true)
			if err != nil {
				return nil, err
			}
			current = &Pass{Satellite: sat, Location: loc, Rise: rise}
			bestT, best = t, e
		case prev >= minEl && e < minEl:
			if current != nil {
				set, err := crossing(el, prevT, t, minEl, false)
				if err != nil {
					return nil, err
				}
				lo, hi := bestT.Add(-step), bestT.Add(step)
				if lo.Before(current.Rise) {
					lo = current.Rise
				}
				if hi.After(set) {
					hi = set
				}
				culm, err := culmination(el, lo, hi)
				if err != nil {
					return nil, err
				}
				current.Set, current.Culmination = set, culm
				current.RiseAngles, current.MaxAngles, current.SetAngles = look(current.Rise), look(culm), look(set)
				passes = append(passes, current)
			}
			current = nil
		case e >= minEl && e > best:
			bestT, best = t, e
		}
		prevT, prev = t, e
	}
	return passes, nil
}

// Best returns the pass with the highest culmination, or nil.
func Best(passes []*Pass) *Pass {
	var best *Pass
	for _, p := range passes {
		if best == nil || p.MaxAngles.El > best.MaxAngles.El {
			best = p
		}
	}
	return best
}
