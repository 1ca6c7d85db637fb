// Package transit predicts satellite passes over an observer and turns them
// into mount track points.
package transit

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	satellite "github.com/joshuaferrara/go-satellite"
)

// CelestrakURL serves general perturbation element sets.
const CelestrakURL = "https://celestrak.org/NORAD/elements/gp.php"

var ErrInvalidTLE = errors.New("transit: invalid two-line element set")

// Satellite is an orbiting object described by a two-line element set.
type Satellite struct {
	Name          string
	CatalogNumber int
	Line1, Line2  string
	// Epoch is the reference time of the elements.
	Epoch time.Time

	sgp4 satellite.Satellite
}

func (s *Satellite) String() string {
	if s.Name != "" {
		return fmt.Sprintf("%s (%d)", s.Name, s.CatalogNumber)
	}
	return strconv.Itoa(s.CatalogNumber)
}

func checksum(line string) int {
	sum := 0
	for _, c := range line[:68] {
		switch {
		case c >= '0' && c <= '9':
			sum += int(c - '0')
		case c == '-':
			sum++
		}
	}
	return sum % 10
}

func checkLine(line string, number byte) error {
	if len(line) < 69 {
		return fmt.Errorf("%w: line %c is %d characters long", ErrInvalidTLE, number, len(line))
	}
	if line[0] != number || line[1] != ' ' {
		return fmt.Errorf("%w: line %c starts with %q", ErrInvalidTLE, number, line[:2])
	}
	if want := int(line[68] - '0'); checksum(line) != want {
		return fmt.Errorf("%w: line %c checksum is %d, want %d", ErrInvalidTLE, number, checksum(line), want)
	}
	return nil
}

// parseEpoch decodes the YYDDD.DDDDDDDD epoch field of line 1.
func parseEpoch(field string) (time.Time, error) {
	field = strings.TrimSpace(field)
	if len(field) < 5 {
		return time.Time{}, fmt.Errorf("%w: epoch %q", ErrInvalidTLE, field)
	}
	yy, err := strconv.Atoi(field[:2])
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: epoch year: %v", ErrInvalidTLE, err)
	}
	day, err := strconv.ParseFloat(field[2:], 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: epoch day: %v", ErrInvalidTLE, err)
	}
	year := 2000 + yy
	if yy >= 57 {
		year = 1900 + yy
	}
	start := time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC)
	return start.Add(time.Duration((day - 1) * float64(24*time.Hour))), nil
}

// NewSatellite builds a Satellite from the two element lines.
func NewSatellite(name, line1, line2 string) (*Satellite, error) {
	line1, line2 = strings.TrimRight(line1, " \r"), strings.TrimRight(line2, " \r")
	if err := checkLine(line1, '1'); err != nil {
		return nil, err
	}
	if err := checkLine(line2, '2'); err != nil {
		return nil, err
	}
	catnr, err := strconv.Atoi(strings.TrimSpace(line1[2:7]))
	if err != nil {
		return nil, fmt.Errorf("%w: catalog number: %v", ErrInvalidTLE, err)
	}
	if strings.TrimSpace(line2[2:7]) != strings.TrimSpace(line1[2:7]) {
		return nil, fmt.Errorf("%w: lines describe different objects", ErrInvalidTLE)
	}
	epoch, err := parseEpoch(line1[18:32])
	if err != nil {
		return nil, err
	}
	return &Satellite{
		Name:          strings.TrimSpace(strings.TrimPrefix(name, "0 ")),
		CatalogNumber: catnr,
		Line1:         line1,
		Line2:         line2,
		Epoch:         epoch,
		sgp4:          satellite.TLEToSat(line1, line2, satellite.GravityWGS72),
	}, nil
}

// ParseTLE reads element sets in two-line or three-line (named) form.
// Blank lines are skipped.
func ParseTLE(r io.Reader) ([]*Satellite, error) {
	var (
		sats []*Satellite
		name string
		l1   string
		n    int
	)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		n++
		line := strings.TrimRight(scanner.Text(), " \r")
		switch {
		case line == "":
			continue
		case strings.HasPrefix(line, "1 ") && l1 == "":
			l1 = line
		case strings.HasPrefix(line, "2 ") && l1 != "":
			sat, err := NewSatellite(name, l1, line)
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", n, err)
			}
			sats = append(sats, sat)
			name, l1 = "", ""
		case l1 == "":
			name = line
		default:
			return nil, fmt.Errorf("line %d: %w: expected line 2, got %q", n, ErrInvalidTLE, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if l1 != "" {
		return nil, fmt.Errorf("%w: missing line 2 after line %d", ErrInvalidTLE, n)
	}
	return sats, nil
}

func LoadFile(path string) ([]*Satellite, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	sats, err := ParseTLE(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return sats, nil
}

// Finder downloads element sets, optionally caching them on disk.
type Finder struct {
	// BaseURL defaults to CelestrakURL.
	BaseURL string
	Client  *http.Client
	// CacheDir, if set, stores each download. A cached file is used
	// instead of downloading unless Reload is set.
	CacheDir string
	Reload   bool
}

// ByCatalogNumber fetches the elements of one NORAD catalog number.
func (f *Finder) ByCatalogNumber(ctx context.Context, catnr int) ([]*Satellite, error) {
	return f.fetch(ctx, url.Values{"CATNR": {strconv.Itoa(catnr)}}, fmt.Sprintf("sat-catnr-%d.tle", catnr))
}

// ByName fetches the elements of every object whose name contains name.
func (f *Finder) ByName(ctx context.Context, name string) ([]*Satellite, error) {
	return f.fetch(ctx, url.Values{"NAME": {name}}, "sat-name-"+url.PathEscape(name)+".tle")
}

func (f *Finder) fetch(ctx context.Context, query url.Values, cacheName string) ([]*Satellite, error) {
	var cachePath string
	if f.CacheDir != "" {
		cachePath = filepath.Join(f.CacheDir, cacheName)
		if !f.Reload {
			if sats, err := LoadFile(cachePath); err == nil {
				return sats, nil
			}
		}
	}

	base := f.BaseURL
	if base == "" {
		base = CelestrakURL
	}
	query.Set("FORMAT", "TLE")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"?"+query.Encode(), nil)
	if err != nil {
		return nil, err
	}
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching elements: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching elements: %s", resp.Status)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading elements: %w", err)
	}
	sats, err := ParseTLE(strings.NewReader(string(body)))
	if err != nil {
		return nil, err
	}
	if len(sats) == 0 {
		return nil, fmt.Errorf("no elements for %s: %s", query.Encode(), strings.TrimSpace(string(body)))
	}
	if cachePath != "" {
		if err := os.MkdirAll(f.CacheDir, 0o755); err != nil {
			return nil, err
		}
		if err := os.WriteFile(cachePath, body, 0o644); err != nil {
			return nil, err
		}
	}
	return sats, nil
}
