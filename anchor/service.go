package anchor

// AnchorService wraps the Store and reports every write to an EventSink.
// It is usable without a camera model, so anchors can be managed while
// calibration is missing.
type AnchorService struct {
	store *Store
	sink  EventSink
}

// NewAnchorService binds a store to an event sink. A nil sink discards events.
func NewAnchorService(store *Store, sink EventSink) *AnchorService {
	if sink == nil {
		sink = MultiSink{}
	}
	return &AnchorService{store: store, sink: sink}
}

// Store returns the underlying store.
func (s *AnchorService) Store() *Store {
	return s.store
}

// List returns all anchors ordered by name.
func (s *AnchorService) List() []Anchor {
	return s.store.List()
}

// Get returns one anchor by name.
func (s *AnchorService) Get(name string) (Anchor, bool) {
	return s.store.Get(name)
}

// Save writes candidate through the store's conflict checks.
func (s *AnchorService) Save(candidate Anchor) (UpdateResult, error) {
	res, err := s.store.Update(candidate)
	if err != nil {
		s.sink.Error(err)
		return res, err
	}
	s.sink.AnchorSaved(res)
	return res, nil
}

// Rename changes an anchor's name and type.
func (s *AnchorService) Rename(name, newName, newType string) (UpdateResult, error) {
	res, err := s.store.Rename(name, newName, newType)
	if err != nil {
		s.sink.Error(err)
		return res, err
	}
	s.sink.AnchorSaved(res)
	return res, nil
}

// Remove deletes an anchor by name.
func (s *AnchorService) Remove(name string) (Anchor, error) {
	a, err := s.store.Remove(name)
	if err != nil {
		s.sink.Error(err)
		return a, err
	}
	s.sink.AnchorRemoved(a)
	return a, nil
}

// Reload re-reads the store file.
func (s *AnchorService) Reload() (LoadOutcome, error) {
	outcome, err := s.store.Reload()
	if err != nil {
		s.sink.Error(err)
	}
	return outcome, err
}
