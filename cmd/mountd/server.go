package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/w1xm/espmount/coord"
	"github.com/w1xm/espmount/espmount"
	"github.com/w1xm/espmount/internal/metrics"
	"github.com/w1xm/espmount/mount"
	"github.com/w1xm/espmount/transit"
)

const (
	commandTimeout = 10 * time.Second
	// maxPollFailures consecutive failed polls drop the connection.
	maxPollFailures = 5
)

// TrackStatus describes the track being uploaded or followed.
type TrackStatus struct {
	Satellite string    `json:"satellite,omitempty"`
	Pass      string    `json:"pass,omitempty"`
	Points    int       `json:"points"`
	Uploaded  int       `json:"uploaded"`
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
	Progress  float64   `json:"progress"`
	Following bool      `json:"following"`
}

type Status struct {
	Connected bool            `json:"connected"`
	Status    espmount.Status `json:"status"`
	Az        float64         `json:"az"`
	Alt       float64         `json:"alt"`
	Axis      Angles          `json:"axis"`

	// Time is the virtual time, TimeOffset its lead over the wall clock in
	// seconds.
	Time       time.Time    `json:"time"`
	TimeOffset float64      `json:"time_offset"`
	Track      *TrackStatus `json:"track,omitempty"`
	Error      string       `json:"error,omitempty"`
}

type Server struct {
	ctx     context.Context
	cfg     Config
	mount   *mount.Mount
	metrics *metrics.Collector
	finder  *transit.Finder

	// mu serializes commands.
	mu        sync.Mutex
	cancelJob context.CancelFunc

	statusMu   sync.RWMutex
	statusCond *sync.Cond
	status     Status
}

// NewServer returns a server for m. Background jobs end when ctx does.
func NewServer(ctx context.Context, cfg Config, m *mount.Mount, collector *metrics.Collector) *Server {
	s := &Server{
		ctx:     ctx,
		cfg:     cfg,
		mount:   m,
		metrics: collector,
		finder:  cfg.Finder(),
	}
	s.statusCond = sync.NewCond(s.statusMu.RLocker())
	axis := m.Axis()
	s.status.Axis = Angles{Alt: axis.Alt(), Az: axis.Az()}
	return s
}

func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/status", s.StatusHandler).Methods(http.MethodGet)
	api.HandleFunc("/command", s.CommandHandler).Methods(http.MethodPost)
	api.HandleFunc("/ws", s.StatusSocketHandler)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}
	return r
}

// Run connects to the mount with dial and keeps polling it, redialing
// whenever the connection is lost, until ctx ends.
func (s *Server) Run(ctx context.Context, dial func(context.Context) (*espmount.Conn, error)) error {
	for {
		conn, err := dial(ctx)
		if err != nil {
			log.Printf("connecting to mount: %v", err)
		} else if err := s.session(ctx, conn); err != nil && ctx.Err() == nil {
			log.Printf("mount session ended: %v", err)
		}
		s.updateStatus(func(status *Status) { status.Connected = false })
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(1 * time.Second):
		}
	}
}

func (s *Server) observe(cmd string, elapsed time.Duration, err error) {
	if s.metrics != nil {
		s.metrics.Observe(cmd, elapsed, err)
	}
	if s.cfg.Verbose {
		log.Printf("%s: %v (%v)", cmd, err, elapsed)
	}
}

func (s *Server) session(ctx context.Context, conn *espmount.Conn) error {
	conn.Timeout = s.cfg.Timeout
	conn.Observe = s.observe
	if err := s.mount.Connect(ctx, conn); err != nil {
		conn.Close()
		return err
	}
	defer s.mount.Disconnect()

	if version, err := conn.ProtocolVersion(ctx); err != nil {
		log.Printf("reading protocol version: %v", err)
	} else {
		log.Printf("mount protocol version %d", version)
	}
	if cal := s.cfg.Calibration; cal != nil {
		if err := s.mount.StopAndWait(ctx, true); err != nil {
			return fmt.Errorf("stopping before calibration: %w", err)
		}
		if err := s.mount.Calibrate(ctx, s.mount.Local(cal.Alt, cal.Az)); err != nil {
			return fmt.Errorf("calibrating: %w", err)
		}
		log.Printf("calibrated to (%.2f, %.2f)", cal.Az, cal.Alt)
	}
	if err := s.mount.SyncTime(ctx); err != nil {
		return fmt.Errorf("syncing time: %w", err)
	}
	return s.watch(ctx)
}

func (s *Server) watch(ctx context.Context) error {
	t := time.NewTicker(s.cfg.PollInterval)
	defer t.Stop()
	failures := 0
	for {
		if err := s.poll(ctx); err != nil {
			failures++
			if !s.mount.Connected() || failures >= maxPollFailures {
				return err
			}
			log.Printf("polling mount: %v", err)
		} else {
			failures = 0
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (s *Server) poll(ctx context.Context) error {
	st, err := s.mount.Status(ctx)
	if err != nil {
		return err
	}
	pos, err := s.mount.Position(ctx)
	if err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.SetStatus(st)
		s.metrics.SetPosition(pos)
	}
	now := s.mount.Time()
	s.updateStatus(func(status *Status) {
		status.Connected = true
		status.Status = st
		status.Az, status.Alt = pos.Az(), pos.Alt()
		status.Time = now
		status.TimeOffset = now.Sub(time.Now()).Seconds()
	})
	return nil
}

func (s *Server) updateStatus(f func(*Status)) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	f(&s.status)
	s.statusCond.Broadcast()
}

// Status returns a copy of the latest status.
func (s *Server) Status() Status {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	status := s.status
	if status.Track != nil {
		track := *status.Track
		status.Track = &track
	}
	return status
}

func (s *Server) setError(err error) {
	s.updateStatus(func(status *Status) {
		status.Error = ""
		if err != nil {
			status.Error = err.Error()
		}
	})
}

// Render implements mount.Display.
func (s *Server) Render(points []mount.TrackPoint) {
	s.updateStatus(func(status *Status) {
		if status.Track == nil {
			status.Track = &TrackStatus{}
		}
		status.Track.Points = len(points)
		status.Track.Uploaded = len(points)
		if len(points) > 0 {
			status.Track.Start, status.Track.End = points[0].T, points[len(points)-1].T
		}
		status.Track.Following = true
	})
}

// Update implements mount.Display.
func (s *Server) Update(position coord.Direction, progress float64) {
	s.updateStatus(func(status *Status) {
		status.Az, status.Alt = position.Az(), position.Alt()
		if status.Track != nil {
			status.Track.Progress = progress
		}
	})
}

func (s *Server) uploadProgress(done, total int) {
	s.updateStatus(func(status *Status) {
		if status.Track == nil {
			status.Track = &TrackStatus{}
		}
		status.Track.Points, status.Track.Uploaded = total, done
	})
	if done == total || done%100 == 0 {
		log.Printf("uploaded track point %d/%d", done, total)
	}
}

// startJob cancels the running job and runs job in the background.
// s.mu must be held.
func (s *Server) startJob(name string, job func(ctx context.Context) error) {
	s.stopJob()
	ctx, cancel := context.WithCancel(s.ctx)
	s.cancelJob = cancel
	go func() {
		defer cancel()
		err := job(ctx)
		switch {
		case errors.Is(err, context.Canceled):
			log.Printf("%s canceled", name)
		case err != nil:
			log.Printf("%s: %v", name, err)
			s.setError(err)
		default:
			log.Printf("%s finished", name)
		}
		s.updateStatus(func(status *Status) {
			if status.Track != nil {
				status.Track.Following = false
			}
		})
	}()
}

// stopJob cancels the running job. s.mu must be held.
func (s *Server) stopJob() {
	if s.cancelJob != nil {
		s.cancelJob()
		s.cancelJob = nil
	}
}

type Command struct {
	Command string  `json:"command"`
	Alt     float64 `json:"alt"`
	Az      float64 `json:"az"`
	Instant bool    `json:"instant"`

	// Time is the virtual time for set_time.
	Time time.Time `json:"time"`

	// Satellite is a NORAD catalog number; Name is used when it is zero.
	Satellite int    `json:"satellite"`
	Name      string `json:"name"`

	// Rehearse moves the virtual clock to just before the pass rises.
	Rehearse bool `json:"rehearse"`
}

// Handle executes one command.
func (s *Server) Handle(ctx context.Context, msg Command) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	m := s.mount
	switch msg.Command {
	case "goto":
		s.stopJob()
		return m.Goto(ctx, m.Local(msg.Alt, msg.Az))
	case "stop":
		s.stopJob()
		return m.Stop(ctx, msg.Instant)
	case "stop_tracking":
		s.stopJob()
		return m.StopTracking(ctx)
	case "calibrate":
		return m.Calibrate(ctx, m.Local(msg.Alt, msg.Az))
	case "set_axis":
		if err := m.SetAxis(m.Local(msg.Alt, msg.Az)); err != nil {
			return err
		}
		axis := m.Axis()
		s.updateStatus(func(status *Status) { status.Axis = Angles{Alt: axis.Alt(), Az: axis.Az()} })
		return nil
	case "sync_time":
		return m.SyncTime(ctx)
	case "set_time":
		if msg.Time.IsZero() {
			return errors.New("set_time needs a time")
		}
		m.SetTime(msg.Time)
		return m.SyncTime(ctx)
	case "reset_time":
		m.SetTime(time.Now())
		return m.SyncTime(ctx)
	case "track_pass":
		if msg.Satellite == 0 && msg.Name == "" {
			return errors.New("track_pass needs a satellite number or name")
		}
		s.startJob("tracking pass", func(ctx context.Context) error {
			return s.trackPass(ctx, msg)
		})
		return nil
	}
	return fmt.Errorf("unknown command %q", msg.Command)
}

func (s *Server) lookup(ctx context.Context, msg Command) (*transit.Satellite, error) {
	var (
		sats []*transit.Satellite
		err  error
	)
	if msg.Satellite != 0 {
		sats, err = s.finder.ByCatalogNumber(ctx, msg.Satellite)
	} else {
		sats, err = s.finder.ByName(ctx, msg.Name)
	}
	if err != nil {
		return nil, err
	}
	return sats[0], nil
}

func (s *Server) trackPass(ctx context.Context, msg Command) error {
	sat, err := s.lookup(ctx, msg)
	if err != nil {
		return err
	}
	cfg := s.cfg.Satellites
	from := s.mount.Time()
	passes, err := transit.FindPasses(sat, s.mount.Location(), from, from.Add(cfg.Lookahead), cfg.MinElevation)
	if err != nil {
		return err
	}
	pass := transit.Best(passes)
	if pass == nil {
		return fmt.Errorf("no pass of %v above %v degrees in the next %v", sat, cfg.MinElevation, cfg.Lookahead)
	}
	log.Printf("best pass: %v", pass)
	points, err := pass.TrackPoints(cfg.Points)
	if err != nil {
		return err
	}
	if msg.Rehearse {
		s.mount.SetTime(pass.Rise.Add(-cfg.Lead))
	}
	s.updateStatus(func(status *Status) {
		status.Error = ""
		status.Track = &TrackStatus{
			Satellite: sat.String(),
			Pass:      pass.String(),
			Points:    len(points),
			Start:     pass.Rise,
			End:       pass.Set,
		}
	})
	if err := s.mount.Track(ctx, points, s.uploadProgress); err != nil {
		return err
	}
	return s.mount.Follow(ctx, points, s)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func (s *Server) StatusHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.Status()); err != nil {
		log.Print(err)
	}
}

func (s *Server) CommandHandler(w http.ResponseWriter, r *http.Request) {
	var msg Command
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.Handle(r.Context(), msg); err != nil {
		s.setError(err)
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	s.setError(nil)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) StatusSocketHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Println(err)
		return
	}
	defer conn.Close()

	// Read and process incoming messages
	go func() {
		defer s.updateStatus(func(*Status) {})
		defer cancel()
		for {
			var msg Command
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			err := s.Handle(ctx, msg)
			if err != nil {
				log.Printf("%s: %v", msg.Command, err)
			}
			s.setError(err)
		}
	}()

	send := func(status Status) error {
		data, err := json.Marshal(status)
		if err != nil {
			return err
		}
		return conn.WriteMessage(websocket.TextMessage, data)
	}

	if err := send(s.Status()); err != nil {
		log.Print(err)
		return
	}
	for {
		s.statusMu.RLock()
		s.statusCond.Wait()
		s.statusMu.RUnlock()
		if ctx.Err() != nil {
			return
		}
		if err := send(s.Status()); err != nil {
			log.Print(err)
			return
		}
	}
}
