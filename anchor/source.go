package anchor

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ReplaySource reads frames from a JSON-lines file, one Frame per line.
// Blank lines and lines starting with '#' are skipped; malformed lines are
// logged and skipped.
type ReplaySource struct {
	file     io.Closer
	scanner  *bufio.Scanner
	interval time.Duration
	logger   zerolog.Logger
	line     int
	last     time.Time
}

// OpenReplay opens a recorded detection file. A positive interval paces frames.
func OpenReplay(path string, interval time.Duration, logger zerolog.Logger) (*ReplaySource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening replay file: %w", err)
	}
	src := NewReplaySource(f, interval, logger)
	src.file = f
	return src, nil
}

// NewReplaySource reads frames from r.
func NewReplaySource(r io.Reader, interval time.Duration, logger zerolog.Logger) *ReplaySource {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	return &ReplaySource{
		scanner:  scanner,
		interval: interval,
		logger:   logger.With().Str("component", "replay").Logger(),
	}
}

// Next returns the next frame or io.EOF at the end of input.
func (s *ReplaySource) Next() (Frame, error) {
	for s.scanner.Scan() {
		s.line++
		text := strings.TrimSpace(s.scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		var frame Frame
		if err := json.Unmarshal([]byte(text), &frame); err != nil {
			s.logger.Warn().Err(err).Int("line", s.line).Msg("skipping malformed frame")
			continue
		}
		if frame.Sequence == 0 {
			frame.Sequence = uint64(s.line)
		}
		s.pace()
		return frame, nil
	}
	if err := s.scanner.Err(); err != nil {
		return Frame{}, fmt.Errorf("reading replay line %d: %w", s.line+1, err)
	}
	return Frame{}, io.EOF
}

func (s *ReplaySource) pace() {
	if s.interval <= 0 {
		return
	}
	if !s.last.IsZero() {
		if wait := s.interval - time.Since(s.last); wait > 0 {
			time.Sleep(wait)
		}
	}
	s.last = time.Now()
}

// Close releases the underlying file, if any.
func (s *ReplaySource) Close() error {
	if s.file == nil {
		return nil
	}
	return s.file.Close()
}

// SliceSource serves frames from memory.
type SliceSource struct {
	mu     sync.Mutex
	frames []Frame
}

// NewSliceSource returns a source over frames.
func NewSliceSource(frames ...Frame) *SliceSource {
	return &SliceSource{frames: append([]Frame(nil), frames...)}
}

func (s *SliceSource) Next() (Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.frames) == 0 {
		return Frame{}, io.EOF
	}
	f := s.frames[0]
	s.frames = s.frames[1:]
	return f, nil
}

// WriteFrame appends frame as one JSON line, the format ReplaySource reads.
func WriteFrame(w io.Writer, frame Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshaling frame: %w", err)
	}
	data = append(data, '\n')
	_, err = w.Write(data)
	return err
}
