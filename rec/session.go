package rec

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/remmody/tlstap/config"
	"github.com/remmody/tlstap/log"
)

type sessionState int32

const (
	stateUnconfigured sessionState = iota
	stateRunning
	stateStopped
)

// Session is the process-wide recording session: configure once, commit and
// dump while running, stop exactly once. Commits buffer in memory; Dump
// persists the buffer and handles size rotation and age pruning. After Stop
// every operation is a logged no-op, never a crash.
type Session struct {
	mu    sync.Mutex
	state sessionState

	id   string
	cfg  config.RecordingConfig
	file *os.File
	size int64

	pending []*Event

	committed uint64
	dropped   uint64
	dumps     uint64
}

func NewSession() *Session {
	return &Session{id: uuid.NewString()}
}

func (s *Session) ID() string { return s.id }

// Configure opens the output artifact and applies limits. Any error here is
// fatal to the capture subsystem only; the caller logs it and runs without
// capture capability.
func (s *Session) Configure(rc config.RecordingConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != stateUnconfigured {
		return fmt.Errorf("recording session already configured")
	}

	s.cfg = rc
	f, size, err := openChunk(rc.OutputPath)
	if err != nil {
		return fmt.Errorf("failed to open recording output: %w", err)
	}
	s.file = f
	s.size = size
	return nil
}

// Start begins buffering events.
func (s *Session) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != stateUnconfigured || s.file == nil {
		return fmt.Errorf("recording session not configured")
	}
	s.state = stateRunning
	log.Infof("Recording session %s started: %s (max %d bytes, max age %dh)",
		s.id, s.cfg.OutputPath, s.cfg.MaxSizeBytes, s.cfg.MaxAgeHours)
	return nil
}

// Enabled reports whether an event kind is active. Emitters check this
// before paying the cost of event construction.
func (s *Session) Enabled(kind string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateRunning {
		return false
	}
	for _, k := range s.cfg.Kinds {
		if k.Name == kind {
			return k.Enabled
		}
	}
	return false
}

// KindSettings returns the threshold/stack settings for a kind.
func (s *Session) KindSettings(kind string) config.KindConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range s.cfg.Kinds {
		if k.Name == kind {
			return k
		}
	}
	return config.KindConfig{Name: kind}
}

// Commit appends an event to the buffered chunk. Safe for concurrent
// callers; failures are reported but the session stays usable.
func (s *Session) Commit(ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != stateRunning {
		s.dropped++
		log.Debugf("Commit on %s session dropped (kind=%s)", s.stateName(), ev.Kind)
		return nil
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	s.pending = append(s.pending, &ev)
	s.committed++
	return nil
}

// Dump flushes buffered events to the output artifact and rotates when the
// chunk exceeds its size cap. Must not be called from a capture hook; only
// the diagnostics loop, explicit operator commands, and shutdown call it.
func (s *Session) Dump() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dumpLocked()
}

func (s *Session) dumpLocked() error {
	if s.state != stateRunning {
		log.Debugf("Dump ignored: session is %s", s.stateName())
		return nil
	}

	for _, ev := range s.pending {
		frame, err := encodeFrame(ev)
		if err != nil {
			log.Errorf("Failed to encode event, frame skipped: %v", err)
			s.dropped++
			continue
		}
		n, err := s.file.Write(frame)
		s.size += int64(n)
		if err != nil {
			s.pending = nil
			return fmt.Errorf("failed to append recording frame: %w", err)
		}
	}
	s.pending = s.pending[:0]
	s.dumps++

	if err := s.file.Sync(); err != nil {
		log.Warnf("Recording sync failed: %v", err)
	}

	s.pruneLocked()
	if s.size >= s.cfg.MaxSizeBytes {
		if err := s.rotateLocked(); err != nil {
			return fmt.Errorf("failed to rotate recording: %w", err)
		}
	}
	return nil
}

// pruneLocked drops the retained rotated chunk once it outlives the age
// cap, so an expired chunk does not linger until the next rotation.
func (s *Session) pruneLocked() {
	if s.cfg.MaxAgeHours <= 0 {
		return
	}
	rotated := s.cfg.OutputPath + ".1"
	info, err := os.Stat(rotated)
	if err != nil {
		return
	}
	age := time.Since(info.ModTime())
	if age <= time.Duration(s.cfg.MaxAgeHours)*time.Hour {
		return
	}
	if err := os.Remove(rotated); err != nil {
		log.Warnf("Failed to drop expired rotated chunk %s: %v", rotated, err)
		return
	}
	log.Tracef("Dropped expired rotated chunk %s (age %s)", rotated, age)
}

// rotateLocked renames the full chunk aside and starts a fresh one. Only a
// single rotated chunk is retained; the previous one is replaced.
func (s *Session) rotateLocked() error {
	rotated := s.cfg.OutputPath + ".1"
	_ = os.Remove(rotated)

	if err := s.file.Close(); err != nil {
		log.Warnf("Failed to close full chunk: %v", err)
	}
	if err := os.Rename(s.cfg.OutputPath, rotated); err != nil {
		return err
	}

	f, size, err := openChunk(s.cfg.OutputPath)
	if err != nil {
		return err
	}
	s.file = f
	s.size = size
	log.Infof("Recording rotated, previous chunk at %s", rotated)
	return nil
}

// Stop performs the final dump and closes the session. This transition is
// terminal; a second Stop and any later Dump are logged no-ops.
func (s *Session) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != stateRunning {
		log.Debugf("Stop ignored: session is %s", s.stateName())
		return nil
	}

	var dumpErr error
	if s.cfg.DumpOnExit {
		dumpErr = s.dumpLocked()
	}

	s.state = stateStopped
	if s.file != nil {
		if err := s.file.Close(); err != nil && dumpErr == nil {
			dumpErr = err
		}
		s.file = nil
	}
	log.Infof("Recording session %s stopped: %d committed, %d dropped, %d dumps",
		s.id, s.committed, s.dropped, s.dumps)
	return dumpErr
}

// Counters returns committed/dropped/dump totals for diagnostics.
func (s *Session) Counters() (committed, dropped, dumps uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.committed, s.dropped, s.dumps
}

func (s *Session) stateName() string {
	switch s.state {
	case stateRunning:
		return "running"
	case stateStopped:
		return "stopped"
	default:
		return "unconfigured"
	}
}

// openChunk opens (or creates) the active chunk for appending, writing the
// header when the file is new.
func openChunk(path string) (*os.File, int64, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, 0, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, err
	}
	size := info.Size()
	if size == 0 {
		if err := writeHeader(f); err != nil {
			f.Close()
			return nil, 0, err
		}
		size = headerSize
	}
	return f, size, nil
}
