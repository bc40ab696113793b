package window

import (
	"testing"
	"time"

	"github.com/couchcryptid/storm-tracker/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var start = time.Date(2020, 1, 20, 0, 0, 0, 0, time.UTC)

func TestPlan_Lengths(t *testing.T) {
	for _, freq := range []int{1, 3, 10} {
		for _, ext := range []int{0, 1, 2, 5} {
			w, err := Plan(start, freq, ext)
			require.NoError(t, err)

			core := w.CoreDays()
			extended := w.ExtendedDays()
			assert.Len(t, core, freq)
			assert.Len(t, extended, len(core)+2*ext)

			set := make(map[time.Time]bool, len(extended))
			for _, d := range extended {
				set[d] = true
			}
			for _, d := range core {
				assert.True(t, set[d], "core day %s outside extended range", d)
			}
			assert.Equal(t, start, core[0])
			assert.Equal(t, start.Add(-time.Duration(ext)*domain.Day), extended[0])
		}
	}
}

func TestPlan_ZeroExtension(t *testing.T) {
	w, err := Plan(start, 4, 0)
	require.NoError(t, err)
	assert.Equal(t, w.CoreDays(), w.ExtendedDays())
}

func TestPlan_TruncatesToDay(t *testing.T) {
	w, err := Plan(start.Add(13*time.Hour), 1, 0)
	require.NoError(t, err)
	assert.Equal(t, start, w.BlockStart)
}

func TestPlan_Invalid(t *testing.T) {
	_, err := Plan(start, 0, 1)
	assert.ErrorIs(t, err, domain.ErrInvalidWindow)
	_, err = Plan(start, -2, 1)
	assert.ErrorIs(t, err, domain.ErrInvalidWindow)
	_, err = Plan(start, 2, -1)
	assert.ErrorIs(t, err, domain.ErrInvalidWindow)
}

func TestSchedule(t *testing.T) {
	windows, err := Schedule(start, start.Add(7*domain.Day), 3, 1)
	require.NoError(t, err)
	require.Len(t, windows, 3)
	assert.Equal(t, start, windows[0].BlockStart)
	assert.Equal(t, windows[0].BlockEnd, windows[1].BlockStart)
	assert.Equal(t, start.Add(7*domain.Day), windows[2].BlockEnd)
	assert.Len(t, windows[2].CoreDays(), 1)

	_, err = Schedule(start, start.Add(domain.Day), 0, 0)
	assert.ErrorIs(t, err, domain.ErrInvalidWindow)
}

func TestTrigger(t *testing.T) {
	tr, err := NewTrigger(start, 2, 1)
	require.NoError(t, err)
	assert.Equal(t, start.Add(-domain.Day), tr.Marker())

	// Needs data through core end + extension: start + 3 days.
	assert.False(t, tr.Due(start.Add(2*domain.Day)))
	assert.True(t, tr.Due(start.Add(3*domain.Day)))

	w := tr.Window()
	assert.Equal(t, start, w.BlockStart)
	assert.Equal(t, start.Add(2*domain.Day), w.BlockEnd)
	assert.Equal(t, domain.Day, w.ExtensionBefore)

	tr.Advance()
	assert.Equal(t, start.Add(domain.Day), tr.Marker())
	assert.Equal(t, start.Add(2*domain.Day), tr.Window().BlockStart)
	assert.False(t, tr.Due(start.Add(3*domain.Day)))
	assert.True(t, tr.Due(start.Add(5*domain.Day)))
}

func TestTrigger_Remainder(t *testing.T) {
	tr, err := NewTrigger(start, 4, 1)
	require.NoError(t, err)

	_, ok := tr.Remainder(start)
	assert.False(t, ok)

	w, ok := tr.Remainder(start.Add(2 * domain.Day))
	require.True(t, ok)
	assert.Equal(t, start.Add(2*domain.Day), w.BlockEnd)
	assert.Zero(t, w.ExtensionAfter)

	w, ok = tr.Remainder(start.Add(4*domain.Day + 12*time.Hour))
	require.True(t, ok)
	assert.Equal(t, start.Add(4*domain.Day), w.BlockEnd)
	assert.Equal(t, 12*time.Hour, w.ExtensionAfter)
}

func TestResumeTrigger(t *testing.T) {
	tr, err := ResumeTrigger(start, 2, 1)
	require.NoError(t, err)
	assert.Equal(t, start, tr.Marker())
	assert.Equal(t, start.Add(domain.Day), tr.Window().BlockStart)

	_, err = ResumeTrigger(start, 0, 1)
	assert.Error(t, err)
}
