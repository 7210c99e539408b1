package anchor

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnchorService_EmitsEvents(t *testing.T) {
	sink := &RecordingSink{}
	svc := NewAnchorService(NewStore(filepath.Join(t.TempDir(), "configurations.yml"), quietLogger()), sink)

	_, err := svc.Save(simpleAnchor("Block1", 1, 2, 3, 4))
	require.NoError(t, err)
	_, err = svc.Save(simpleAnchor("Block2", 4, 5, 6, 7))
	assert.ErrorIs(t, err, ErrConfigurationConflict)

	_, err = svc.Rename("Block1", "Front door", "door")
	require.NoError(t, err)
	_, err = svc.Remove("Front door")
	require.NoError(t, err)
	_, err = svc.Remove("Front door")
	assert.ErrorIs(t, err, ErrConfigurationNotFound)

	assert.Len(t, sink.Saved, 2)
	assert.Len(t, sink.Removed, 1)
	assert.Equal(t, 2, sink.ErrorCount())
	assert.Empty(t, svc.List())
}

func TestAnchorService_ReloadCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "configurations.yml")
	sink := &RecordingSink{}
	svc := NewAnchorService(NewStore(path, quietLogger()), sink)
	_, err := svc.Save(simpleAnchor("Block1", 1, 2, 3, 4))
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("Configurations: {{{"), 0o644))
	outcome, err := svc.Reload()
	assert.Equal(t, LoadCorrupt, outcome)
	assert.ErrorIs(t, err, ErrPersistence)
	assert.Empty(t, svc.List())
	assert.Equal(t, 1, sink.ErrorCount())
}

func TestMultiSink_FansOut(t *testing.T) {
	a, b := &RecordingSink{}, &RecordingSink{}
	m := MultiSink{a, b, LogSink{Logger: quietLogger()}}

	m.FusedPoint(FusedPointEvent{Sequence: 1})
	m.ConfigurationChanged(nil)
	m.Error(ErrNoFrame)

	for _, s := range []*RecordingSink{a, b} {
		assert.Equal(t, 1, s.PointCount())
		assert.Len(t, s.Changes, 1)
		assert.Equal(t, 1, s.ErrorCount())
	}
}
