package logstore

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(Config{Dir: t.TempDir(), MaxEntries: 5})
	require.NoError(t, err)
	return s
}

func TestAppendPreservesOrder(t *testing.T) {
	s := newTestStore(t)

	s.Append("serial-1", "1")
	s.Append("serial-1", "2")
	s.Append("serial-1", "3")

	lines := s.Read("serial-1", 0)
	require.Len(t, lines, 3)
	assert.True(t, strings.HasSuffix(lines[0], " 1"))
	assert.True(t, strings.HasSuffix(lines[1], " 2"))
	assert.True(t, strings.HasSuffix(lines[2], " 3"))
}

func TestReadLimitKeepsMostRecent(t *testing.T) {
	s := newTestStore(t)
	for _, m := range []string{"a", "b", "c", "d"} {
		s.Append("serial-1", m)
	}

	lines := s.Read("serial-1", 2)
	require.Len(t, lines, 2)
	assert.True(t, strings.HasSuffix(lines[0], " c"))
	assert.True(t, strings.HasSuffix(lines[1], " d"))

	// a limit above the retained count returns everything
	assert.Len(t, s.Read("serial-1", 100), 4)
}

func TestMaxEntriesBoundsBuffer(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < 20; i++ {
		s.Append("serial-1", "line")
	}
	assert.Len(t, s.Read("serial-1", 0), 5)
}

func TestDevicesAreIsolated(t *testing.T) {
	s := newTestStore(t)
	s.Append("serial-1", "one")
	s.Append("serial-2", "two")

	require.Len(t, s.Read("serial-1", 0), 1)
	require.Len(t, s.Read("serial-2", 0), 1)
	assert.True(t, strings.HasSuffix(s.Read("serial-1", 0)[0], " one"))
}

func TestClearEmptiesBufferAndFile(t *testing.T) {
	dir := t.TempDir()
	s, err := New(Config{Dir: dir})
	require.NoError(t, err)

	s.Append("serial-1", "stale")
	require.NoError(t, s.Clear("serial-1"))

	assert.Empty(t, s.Read("serial-1", 0))
	_, statErr := os.Stat(filepath.Join(dir, "serial-1.log"))
	assert.True(t, os.IsNotExist(statErr))

	// new lines after a clear belong to the new run only
	s.Append("serial-1", "fresh")
	lines := s.Read("serial-1", 0)
	require.Len(t, lines, 1)
	assert.True(t, strings.HasSuffix(lines[0], " fresh"))
}

func TestReadUnknownSerialIsEmpty(t *testing.T) {
	s := newTestStore(t)
	assert.Empty(t, s.Read("never-seen", 0))
}

func TestAppendWritesDurableCopy(t *testing.T) {
	dir := t.TempDir()
	s, err := New(Config{Dir: dir})
	require.NoError(t, err)

	s.Append("serial-1", "persisted")

	b, err := os.ReadFile(filepath.Join(dir, "serial-1.log"))
	require.NoError(t, err)
	assert.Contains(t, string(b), "persisted")
}

func TestBufferReloadsFromFile(t *testing.T) {
	dir := t.TempDir()
	s, err := New(Config{Dir: dir})
	require.NoError(t, err)
	s.Append("serial-1", "before restart")

	s2, err := New(Config{Dir: dir})
	require.NoError(t, err)
	lines := s2.Read("serial-1", 0)
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "before restart")
}

func TestSubscribeReceivesNewLines(t *testing.T) {
	s := newTestStore(t)

	ch, cancel := s.Subscribe("serial-1")
	defer cancel()

	s.Append("serial-1", "live")
	select {
	case line := <-ch:
		assert.True(t, strings.HasSuffix(line, " live"))
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive the appended line")
	}

	cancel()
	s.Append("serial-1", "after cancel")
	select {
	case line, ok := <-ch:
		if ok {
			t.Fatalf("unexpected line after cancel: %s", line)
		}
	default:
	}
}
