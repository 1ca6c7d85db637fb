package transit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/w1xm/espmount/coord"
)

const (
	issName  = "ISS (ZARYA)"
	issLine1 = "1 25544U 98067A   21275.59097222  .00000204  00000-0  10270-4 0  9993"
	issLine2 = "2 25544  51.6459 115.9059 0001817  61.3028  35.9198 15.49370953257767"
)

var brno = coord.Location{Latitude: 49.2, Longitude: 16.6, Elevation: 220}

func iss(t *testing.T) *Satellite {
	t.Helper()
	sat, err := NewSatellite(issName, issLine1, issLine2)
	if err != nil {
		t.Fatal(err)
	}
	return sat
}

type summary struct {
	Name          string
	CatalogNumber int
}

func summarize(sats []*Satellite) []summary {
	var out []summary
	for _, s := range sats {
		out = append(out, summary{s.Name, s.CatalogNumber})
	}
	return out
}

func TestParseTLE(t *testing.T) {
	for _, test := range []struct {
		name  string
		input string
		want  []summary
	}{
		{
			name:  "two line",
			input: issLine1 + "\n" + issLine2 + "\n",
			want:  []summary{{"", 25544}},
		},
		{
			name:  "three line",
			input: issName + "\r\n" + issLine1 + "\r\n" + issLine2 + "\r\n",
			want:  []summary{{issName, 25544}},
		},
		{
			name:  "three line with zero prefix and blank lines",
			input: "0 " + issName + "\n\n" + issLine1 + "\n" + issLine2 + "\n\n" + "ISS again\n" + issLine1 + "\n" + issLine2,
			want:  []summary{{issName, 25544}, {"ISS again", 25544}},
		},
		{
			name:  "empty",
			input: "\n",
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			sats, err := ParseTLE(strings.NewReader(test.input))
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(summarize(sats), test.want); diff != "" {
				t.Errorf("unexpected satellites: got(-)/want(+):\n%s", diff)
			}
		})
	}
}

func TestParseTLEErrors(t *testing.T) {
	for name, input := range map[string]string{
		"bad checksum":      issLine1[:68] + "4\n" + issLine2,
		"short line":        issLine1[:60] + "\n" + issLine2,
		"missing line 2":    issName + "\n" + issLine1 + "\n",
		"line 1 twice":      issLine1 + "\n" + issLine1 + "\n" + issLine2,
		"different objects": issLine1 + "\n" + strings.Replace(issLine2, "25544", "25545", 1)[:68] + "8",
	} {
		if _, err := ParseTLE(strings.NewReader(input)); !errors.Is(err, ErrInvalidTLE) {
			t.Errorf("%s: got error %v, want ErrInvalidTLE", name, err)
		}
	}
}

func TestEpoch(t *testing.T) {
	want := time.Date(2021, time.October, 2, 14, 11, 0, 0, time.UTC)
	if d := iss(t).Epoch.Sub(want); math.Abs(d.Seconds()) > 1 {
		t.Errorf("Epoch = %v, want %v", iss(t).Epoch, want)
	}
}

func TestSubPointIsZenith(t *testing.T) {
	sat := iss(t)
	at := sat.Epoch.Truncate(time.Second).Add(10 * time.Minute)
	sp, err := sat.SubPoint(at)
	if err != nil {
		t.Fatal(err)
	}
	if altitude := sp.Elevation / 1000; altitude < 380 || altitude > 460 {
		t.Errorf("altitude = %.1f km", altitude)
	}
	if math.Abs(sp.Latitude) > 52 {
		t.Errorf("sub point latitude %v beyond the orbit inclination", sp.Latitude)
	}
	ground := sp
	ground.Elevation = 0
	la, err := sat.LookAngles(at, ground)
	if err != nil {
		t.Fatal(err)
	}
	if la.El < 89.9 {
		t.Errorf("elevation from the sub point = %v, want 90", la.El)
	}
	if math.Abs(la.Range-sp.Elevation/1000) > 0.5 {
		t.Errorf("range from the sub point = %.3f km, want the altitude %.3f km", la.Range, sp.Elevation/1000)
	}
}

func TestLookAnglesBetweenSeconds(t *testing.T) {
	sat := iss(t)
	at := sat.Epoch.Truncate(time.Second).Add(time.Hour)
	a, err := sat.LookAngles(at, brno)
	if err != nil {
		t.Fatal(err)
	}
	b, err := sat.LookAngles(at.Add(time.Second), brno)
	if err != nil {
		t.Fatal(err)
	}
	mid, err := sat.LookAngles(at.Add(500*time.Millisecond), brno)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(mid.Range-(a.Range+b.Range)/2) > 0.1 {
		t.Errorf("range at half second = %v, between %v and %v", mid.Range, a.Range, b.Range)
	}
	if mid.El < math.Min(a.El, b.El)-0.01 || mid.El > math.Max(a.El, b.El)+0.01 {
		t.Errorf("elevation at half second = %v, not between %v and %v", mid.El, a.El, b.El)
	}
	if a.Range < 400 || a.Range > 13500 {
		t.Errorf("range %v km is not in orbit", a.Range)
	}
}

func TestFindPasses(t *testing.T) {
	sat := iss(t)
	from := sat.Epoch
	passes, err := FindPasses(sat, brno, from, from.Add(24*time.Hour), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(passes) == 0 {
		t.Fatal("no passes found in a day")
	}
	for i, p := range passes {
		if !(p.Rise.Before(p.Culmination) && p.Culmination.Before(p.Set)) {
			t.Errorf("pass %d: rise %v, culmination %v, set %v out of order", i, p.Rise, p.Culmination, p.Set)
		}
		if p.Duration() <= 0 || p.Duration() > 15*time.Minute {
			t.Errorf("pass %d lasts %v", i, p.Duration())
		}
		if math.Abs(p.RiseAngles.El-10) > 0.1 || math.Abs(p.SetAngles.El-10) > 0.1 {
			t.Errorf("pass %d: rise at %v, set at %v, want 10 degrees", i, p.RiseAngles.El, p.SetAngles.El)
		}
		for at := p.Rise; at.Before(p.Set); at = at.Add(5 * time.Second) {
			la, err := sat.LookAngles(at, brno)
			if err != nil {
				t.Fatal(err)
			}
			if la.El > p.MaxAngles.El+0.01 {
				t.Errorf("pass %d: elevation %v at %v above culmination %v", i, la.El, at, p.MaxAngles.El)
			}
		}
		if i > 0 && !passes[i-1].Set.Before(p.Rise) {
			t.Errorf("pass %d overlaps the pass before it", i)
		}
	}

	// Starting in the middle of the first pass skips it.
	middle := passes[0].Culmination
	later, err := FindPasses(sat, brno, middle, from.Add(24*time.Hour), 10)
	if err != nil {
		t.Fatal(err)
	}
	for _, p := range later {
		if !p.Rise.After(middle) {
			t.Errorf("pass rising at %v returned when searching from %v", p.Rise, middle)
		}
	}

	best := Best(passes)
	for _, p := range passes {
		if p.MaxAngles.El > best.MaxAngles.El {
			t.Errorf("Best returned a culmination of %v, %v is higher", best.MaxAngles.El, p.MaxAngles.El)
		}
	}
	if Best(nil) != nil {
		t.Error("Best(nil) != nil")
	}
}

func TestTrackPoints(t *testing.T) {
	sat := iss(t)
	passes, err := FindPasses(sat, brno, sat.Epoch, sat.Epoch.Add(24*time.Hour), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(passes) == 0 {
		t.Fatal("no passes found in a day")
	}
	p := passes[0]
	points, err := p.TrackPoints(60)
	if err != nil {
		t.Fatal(err)
	}
	if len(points) != 60 {
		t.Fatalf("got %d points, want 60", len(points))
	}
	if !points[0].T.Equal(p.Rise) {
		t.Errorf("first point at %v, want rise %v", points[0].T, p.Rise)
	}
	step := p.Duration() / 60
	for i, point := range points {
		if want := p.Rise.Add(time.Duration(i) * step); !point.T.Equal(want) {
			t.Errorf("point %d at %v, want %v", i, point.T, want)
		}
		d := point.Direction
		if d.Frame != coord.Horizontal || d.Location != brno || !d.Time.Equal(point.T) {
			t.Errorf("point %d direction %+v", i, d)
		}
		if d.Alt() < 9.9 {
			t.Errorf("point %d altitude %v below the pass minimum", i, d.Alt())
		}
	}
	if _, err := p.TrackPoints(0); err == nil {
		t.Error("TrackPoints(0) succeeded")
	}
}

func TestFinder(t *testing.T) {
	var (
		mu      sync.Mutex
		queries []string
	)
	requests := func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), queries...)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		queries = append(queries, r.URL.RawQuery)
		mu.Unlock()
		switch {
		case r.URL.Query().Get("CATNR") == "25544", r.URL.Query().Get("NAME") == "ZARYA":
			fmt.Fprintf(w, "%s\r\n%s\r\n%s\r\n", issName, issLine1, issLine2)
		case r.URL.Query().Get("CATNR") == "1":
			fmt.Fprint(w, "No GP data found")
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()
	ctx := context.Background()
	f := &Finder{BaseURL: srv.URL, CacheDir: t.TempDir()}

	sats, err := f.ByCatalogNumber(ctx, 25544)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(summarize(sats), []summary{{issName, 25544}}); diff != "" {
		t.Errorf("unexpected satellites: got(-)/want(+):\n%s", diff)
	}
	if _, err := f.ByName(ctx, "ZARYA"); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(requests(), []string{"CATNR=25544&FORMAT=TLE", "FORMAT=TLE&NAME=ZARYA"}); diff != "" {
		t.Errorf("unexpected queries: got(-)/want(+):\n%s", diff)
	}

	// Cached.
	if _, err := f.ByCatalogNumber(ctx, 25544); err != nil {
		t.Fatal(err)
	}
	if q := requests(); len(q) != 2 {
		t.Errorf("cached lookup made a request: %v", q)
	}
	f.Reload = true
	if _, err := f.ByCatalogNumber(ctx, 25544); err != nil {
		t.Fatal(err)
	}
	if q := requests(); len(q) != 3 {
		t.Errorf("reload did not make a request: %v", q)
	}

	if _, err := f.ByCatalogNumber(ctx, 1); err == nil {
		t.Error("lookup without elements succeeded")
	}
	if _, err := f.ByCatalogNumber(ctx, 2); err == nil {
		t.Error("lookup of a missing page succeeded")
	}
}
