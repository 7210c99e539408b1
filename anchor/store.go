package anchor

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang/geo/r3"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// DefaultStorePath is the default anchor store file.
const DefaultStorePath = "configurations.yml"

const relativePointPrefix = "Marker_"

// LoadOutcome describes how the store file was read.
type LoadOutcome int

const (
	// LoadOK means the file was read and parsed.
	LoadOK LoadOutcome = iota
	// LoadEmpty means the file does not exist; the store starts empty.
	LoadEmpty
	// LoadCorrupt means the file could not be read or parsed; the store starts empty.
	LoadCorrupt
)

func (o LoadOutcome) String() string {
	switch o {
	case LoadOK:
		return "ok"
	case LoadEmpty:
		return "empty"
	case LoadCorrupt:
		return "corrupt"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// storeFile is the on-disk layout.
type storeFile struct {
	Configurations []anchorRecord `yaml:"Configurations"`
}

type anchorRecord struct {
	ID             string               `yaml:"Id,omitempty"`
	Name           string               `yaml:"Name"`
	Type           string               `yaml:"Type,omitempty"`
	Date           string               `yaml:"Date,omitempty"`
	MarkerIDs      []int                `yaml:"MarkerIds"`
	RelativePoints map[string][]float64 `yaml:"RelativePoints"`
}

func toRecord(a Anchor) anchorRecord {
	rec := anchorRecord{
		ID:             a.ID,
		Name:           a.Name,
		Type:           a.Type,
		Date:           a.CreatedDate,
		MarkerIDs:      append([]int(nil), a.MarkerIDs...),
		RelativePoints: make(map[string][]float64, len(a.RelativePoints)),
	}
	for id, p := range a.RelativePoints {
		rec.RelativePoints[relativePointPrefix+strconv.Itoa(id)] = []float64{p.X, p.Y, p.Z}
	}
	return rec
}

func fromRecord(rec anchorRecord) (Anchor, error) {
	a := Anchor{
		ID:             rec.ID,
		Name:           rec.Name,
		Type:           rec.Type,
		CreatedDate:    rec.Date,
		MarkerIDs:      append([]int(nil), rec.MarkerIDs...),
		RelativePoints: make(map[int]r3.Vector, len(rec.RelativePoints)),
	}
	for key, xyz := range rec.RelativePoints {
		id, err := strconv.Atoi(strings.TrimPrefix(key, relativePointPrefix))
		if err != nil {
			return Anchor{}, fmt.Errorf("relative point key %q: %w", key, err)
		}
		if len(xyz) != 3 {
			return Anchor{}, fmt.Errorf("relative point %q has %d coordinates, want 3", key, len(xyz))
		}
		a.RelativePoints[id] = r3.Vector{X: xyz[0], Y: xyz[1], Z: xyz[2]}
	}
	if err := a.Validate(); err != nil {
		return Anchor{}, err
	}
	return a, nil
}

// Classification is the result of checking a candidate anchor against the store.
type Classification struct {
	Type ConflictType `json:"type"`
	// Target is the name of the entry an ExactMatch replaces.
	Target string `json:"target,omitempty"`
	// Reason explains an Intersection.
	Reason string `json:"reason,omitempty"`
}

// Classify decides how candidate relates to existing anchors. Precedence:
//  1. any existing marker set that overlaps the candidate's without being equal
//     to it, or hits on name/ID and marker set landing on different entries,
//     yields Intersection;
//  2. exactly one entry hit by name/ID and/or marker set yields ExactMatch;
//  3. otherwise None.
//
// A non-empty candidate ID matching an entry counts like a name match, so a
// rename of a known anchor resolves to that anchor.
func Classify(existing []Anchor, candidate Anchor) Classification {
	ordered := append([]Anchor(nil), existing...)
	SortAnchors(ordered)
	cset := candidate.MarkerSet()

	for _, e := range ordered {
		eset := e.MarkerSet()
		shared := eset.Intersect(cset)
		if len(shared) > 0 && !eset.Equal(cset) {
			return Classification{
				Type:   ConflictIntersection,
				Reason: fmt.Sprintf("markers %v already belong to %q with marker set %v", []int(shared), e.Name, []int(eset)),
			}
		}
	}

	var identityHits, setHits []string
	for _, e := range ordered {
		if e.Name == candidate.Name || (candidate.ID != "" && e.ID == candidate.ID) {
			identityHits = append(identityHits, e.Name)
		}
		if e.MarkerSet().Equal(cset) {
			setHits = append(setHits, e.Name)
		}
	}

	hits := make(map[string]bool)
	for _, n := range identityHits {
		hits[n] = true
	}
	for _, n := range setHits {
		hits[n] = true
	}

	switch len(hits) {
	case 0:
		return Classification{Type: ConflictNone}
	case 1:
		for n := range hits {
			return Classification{Type: ConflictExactMatch, Target: n}
		}
	}

	names := make([]string, 0, len(hits))
	for n := range hits {
		names = append(names, n)
	}
	sort.Strings(names)
	return Classification{
		Type:   ConflictIntersection,
		Reason: fmt.Sprintf("candidate %q matches several anchors: %s", candidate.Name, strings.Join(names, ", ")),
	}
}

// UpdateResult reports what a successful Update did.
type UpdateResult struct {
	Conflict ConflictType `json:"conflict"`
	Anchor   Anchor       `json:"anchor"`
	// Replaced is the previous name of an overwritten entry.
	Replaced string `json:"replaced,omitempty"`
}

// Store is the persisted anchor collection keyed by name. It is the only writer
// of its backing file and assumes a single writing process: there is no file
// locking, so concurrent writers in other processes can lose updates.
type Store struct {
	mu      sync.Mutex
	path    string
	anchors map[string]Anchor
	logger  zerolog.Logger

	now   func() time.Time
	newID func() string
}

// NewStore returns an empty store bound to path. Nothing is read from disk.
func NewStore(path string, logger zerolog.Logger) *Store {
	return &Store{
		path:    path,
		anchors: make(map[string]Anchor),
		logger:  logger.With().Str("component", "store").Logger(),
		now:     time.Now,
		newID:   uuid.NewString,
	}
}

// LoadStore opens the store at path. Missing or unreadable files never fail the
// caller: the store starts empty and the outcome (plus error for corrupt files)
// says why.
func LoadStore(path string, logger zerolog.Logger) (*Store, LoadOutcome, error) {
	s := NewStore(path, logger)
	outcome, err := s.Reload()
	return s, outcome, err
}

// Reload replaces the in-memory anchors with the file contents. On a corrupt
// file the store is emptied. Records without an Id get a fresh one.
func (s *Store) Reload() (LoadOutcome, error) {
	anchors, outcome, err := readStoreFile(s.path, s.logger)

	s.mu.Lock()
	var assigned int
	for name, a := range anchors {
		if a.ID == "" {
			a.ID = s.newID()
			anchors[name] = a
			assigned++
		}
	}
	s.anchors = anchors
	s.mu.Unlock()

	if assigned > 0 {
		s.logger.Info().Int("anchors", assigned).Msg("assigned IDs to anchors stored without one, saved on next write")
	}

	switch outcome {
	case LoadEmpty:
		s.logger.Info().Str("path", s.path).Msg("anchor store not found, starting empty")
	case LoadCorrupt:
		s.logger.Error().Err(err).Str("path", s.path).Msg("anchor store unreadable, starting empty")
	default:
		s.logger.Info().Str("path", s.path).Int("anchors", len(anchors)).Msg("anchor store loaded")
	}
	return outcome, err
}

func readStoreFile(path string, logger zerolog.Logger) (map[string]Anchor, LoadOutcome, error) {
	anchors := make(map[string]Anchor)

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return anchors, LoadEmpty, nil
		}
		return anchors, LoadCorrupt, fmt.Errorf("%w: reading anchor store: %v", ErrPersistence, err)
	}

	var file storeFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return anchors, LoadCorrupt, fmt.Errorf("%w: parsing anchor store: %v", ErrPersistence, err)
	}

	for i, rec := range file.Configurations {
		a, err := fromRecord(rec)
		if err != nil {
			logger.Warn().Err(err).Int("index", i).Msg("skipping invalid anchor record")
			continue
		}
		if _, dup := anchors[a.Name]; dup {
			logger.Warn().Str("name", a.Name).Msg("skipping duplicate anchor name")
			continue
		}
		anchors[a.Name] = a
	}
	return anchors, LoadOK, nil
}

// Path returns the backing file path.
func (s *Store) Path() string {
	return s.path
}

// List returns all anchors ordered by name.
func (s *Store) List() []Anchor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listLocked()
}

func (s *Store) listLocked() []Anchor {
	out := make([]Anchor, 0, len(s.anchors))
	for _, a := range s.anchors {
		out = append(out, a.Clone())
	}
	SortAnchors(out)
	return out
}

// Len returns the number of stored anchors.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.anchors)
}

// Get returns the anchor stored under name.
func (s *Store) Get(name string) (Anchor, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.anchors[name]
	if !ok {
		return Anchor{}, false
	}
	return a.Clone(), true
}

// Classify checks candidate against the current contents without writing.
func (s *Store) Classify(candidate Anchor) Classification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Classify(s.listLocked(), candidate)
}

// Update validates candidate, classifies it and writes the result: None inserts,
// ExactMatch overwrites the matched entry as a whole record, Intersection is
// rejected with ErrConfigurationConflict. The in-memory state only changes after
// the file was written.
func (s *Store) Update(candidate Anchor) (UpdateResult, error) {
	if err := candidate.Validate(); err != nil {
		return UpdateResult{}, fmt.Errorf("%w: %v", ErrInvalidAnchor, err)
	}
	candidate = candidate.Clone()
	candidate.MarkerIDs = []int(candidate.MarkerSet())

	s.mu.Lock()
	defer s.mu.Unlock()

	class := Classify(s.listLocked(), candidate)
	next := make(map[string]Anchor, len(s.anchors)+1)
	for k, v := range s.anchors {
		next[k] = v
	}

	result := UpdateResult{Conflict: class.Type}
	switch class.Type {
	case ConflictIntersection:
		s.logger.Warn().Str("name", candidate.Name).Str("reason", class.Reason).Msg("anchor write rejected")
		return result, fmt.Errorf("%w: %s", ErrConfigurationConflict, class.Reason)

	case ConflictExactMatch:
		prev := s.anchors[class.Target]
		if candidate.ID == "" {
			candidate.ID = prev.ID
		}
		if candidate.CreatedDate == "" {
			candidate.CreatedDate = prev.CreatedDate
		}
		delete(next, class.Target)
		result.Replaced = class.Target

	case ConflictNone:
		if candidate.ID == "" {
			candidate.ID = s.newID()
		}
		if candidate.CreatedDate == "" {
			candidate.CreatedDate = s.now().Format(DateLayout)
		}
	}
	next[candidate.Name] = candidate

	if err := writeStoreFile(s.path, next); err != nil {
		s.logger.Error().Err(err).Str("name", candidate.Name).Msg("anchor write failed")
		return UpdateResult{}, err
	}
	s.anchors = next

	result.Anchor = candidate.Clone()
	s.logger.Info().
		Str("name", candidate.Name).
		Str("id", candidate.ID).
		Str("conflict", class.Type.String()).
		Ints("markers", candidate.MarkerIDs).
		Msg("anchor saved")
	return result, nil
}

// Rename changes an anchor's display name and type, keeping its ID, markers and
// relative points. Empty newName or newType leave that field unchanged. It goes
// through the same conflict checks as Update.
func (s *Store) Rename(name, newName, newType string) (UpdateResult, error) {
	existing, ok := s.Get(name)
	if !ok {
		return UpdateResult{}, fmt.Errorf("%w: %q", ErrConfigurationNotFound, name)
	}
	if newName != "" {
		existing.Name = newName
	}
	if newType != "" {
		existing.Type = newType
	}
	return s.Update(existing)
}

// Remove deletes the anchor stored under name.
func (s *Store) Remove(name string) (Anchor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed, ok := s.anchors[name]
	if !ok {
		return Anchor{}, fmt.Errorf("%w: %q", ErrConfigurationNotFound, name)
	}

	next := make(map[string]Anchor, len(s.anchors))
	for k, v := range s.anchors {
		if k != name {
			next[k] = v
		}
	}
	if err := writeStoreFile(s.path, next); err != nil {
		s.logger.Error().Err(err).Str("name", name).Msg("anchor removal failed")
		return Anchor{}, err
	}
	s.anchors = next

	s.logger.Info().Str("name", name).Str("id", removed.ID).Msg("anchor removed")
	return removed.Clone(), nil
}

// writeStoreFile writes to a temp file in the target directory and renames it
// over the old file, so a failed write leaves the previous version intact.
func writeStoreFile(path string, anchors map[string]Anchor) error {
	list := make([]Anchor, 0, len(anchors))
	for _, a := range anchors {
		list = append(list, a)
	}
	SortAnchors(list)

	file := storeFile{Configurations: make([]anchorRecord, 0, len(list))}
	for _, a := range list {
		file.Configurations = append(file.Configurations, toRecord(a))
	}

	data, err := yaml.Marshal(&file)
	if err != nil {
		return fmt.Errorf("%w: marshaling anchor store: %v", ErrPersistence, err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: creating store directory: %v", ErrPersistence, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("%w: creating temp file: %v", ErrPersistence, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: writing anchor store: %v", ErrPersistence, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: syncing anchor store: %v", ErrPersistence, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: closing anchor store: %v", ErrPersistence, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("%w: replacing anchor store: %v", ErrPersistence, err)
	}
	return nil
}
