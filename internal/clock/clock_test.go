package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMock(t *testing.T) {
	base := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	m := NewMock(base)
	require.True(t, m.Now().Equal(base))

	m.Advance(90 * time.Minute)
	require.True(t, m.Now().Equal(base.Add(90*time.Minute)))

	next := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	m.Set(next)
	require.True(t, m.Now().Equal(next))
}

func TestMockNormalizesToUTC(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*3600)
	m := NewMock(time.Date(2026, 3, 2, 14, 0, 0, 0, loc))
	require.Equal(t, time.UTC, m.Now().Location())
	require.Equal(t, 12, m.Now().Hour())
}

func TestSystemIsUTC(t *testing.T) {
	require.Equal(t, time.UTC, System{}.Now().Location())
}
