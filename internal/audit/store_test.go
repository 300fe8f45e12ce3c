package audit

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/bastion/internal/clock"
)

func newTestStore(t *testing.T, clk clock.Clock) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "state", "audit.db"), 7, clk)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_WriteQuery(t *testing.T) {
	base := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	s := newTestStore(t, clock.NewMockClock(base))

	records := []Record{
		{ConnID: "a", Start: base, Duration: 2 * time.Second, Listener: "intercept", Src: "10.1.0.5:40000", Dst: "172.16.0.10:80",
			SrcZone: "clients", DstZone: "servers", Rule: "web", Service: "http", Server: "172.16.0.10:80", Outcome: "ok", BytesIn: 120, BytesOut: 4096},
		{ConnID: "b", Start: base.Add(time.Minute), Listener: "intercept", Src: "10.1.0.6:40001", Dst: "172.16.0.10:21",
			Rule: "ftp", Service: "ftp", Outcome: "rejected", Reason: "STOR is not permitted"},
		{ConnID: "c", Start: base.Add(2 * time.Minute), Listener: "intercept", Src: "192.0.2.1:5555", Dst: "172.16.0.10:22",
			Outcome: "no_match", Reason: "no rule matches"},
	}
	for _, r := range records {
		require.NoError(t, s.Write(r))
	}

	n, err := s.Count()
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	all, err := s.Query(Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"c", "b", "a"}, []string{all[0].ConnID, all[1].ConnID, all[2].ConnID})

	got := all[2]
	assert.True(t, got.Start.Equal(base))
	assert.Equal(t, 2*time.Second, got.Duration)
	assert.Equal(t, "clients", got.SrcZone)
	assert.Equal(t, int64(4096), got.BytesOut)
	assert.Empty(t, all[0].Service)

	byService, err := s.Query(Filter{Service: "ftp"})
	require.NoError(t, err)
	require.Len(t, byService, 1)
	assert.Equal(t, "STOR is not permitted", byService[0].Reason)

	byOutcome, err := s.Query(Filter{Outcome: "no_match"})
	require.NoError(t, err)
	require.Len(t, byOutcome, 1)
	assert.Equal(t, "c", byOutcome[0].ConnID)

	bySrc, err := s.Query(Filter{Src: "10.1.0.5"})
	require.NoError(t, err)
	require.Len(t, bySrc, 1)
	assert.Equal(t, "a", bySrc[0].ConnID)

	window, err := s.Query(Filter{Since: base.Add(30 * time.Second), Until: base.Add(90 * time.Second)})
	require.NoError(t, err)
	require.Len(t, window, 1)
	assert.Equal(t, "b", window[0].ConnID)

	limited, err := s.Query(Filter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestStore_QuerySrcIsLiteral(t *testing.T) {
	base := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	s := newTestStore(t, clock.NewMockClock(base))

	for i, src := range []string{"10.1.0.5:40000", "10.1.0.55:40001", "[2001:db8::5]:443"} {
		require.NoError(t, s.Write(Record{ConnID: src, Start: base.Add(time.Duration(i) * time.Second),
			Listener: "l", Src: src, Dst: "b", Outcome: "ok"}))
	}

	for _, tt := range []struct {
		src  string
		want []string
	}{
		{"10.1.0.5", []string{"10.1.0.5:40000"}},
		{"10.1.0.5%", nil},
		{"10.1.0._", nil},
		{"10.1.0.55:40001", []string{"10.1.0.55:40001"}},
		{"2001:db8::5", []string{"[2001:db8::5]:443"}},
	} {
		t.Run(tt.src, func(t *testing.T) {
			got, err := s.Query(Filter{Src: tt.src})
			require.NoError(t, err)
			var ids []string
			for _, r := range got {
				ids = append(ids, r.ConnID)
			}
			assert.Equal(t, tt.want, ids)
		})
	}
}

func TestStore_Prune(t *testing.T) {
	now := time.Date(2026, 5, 20, 0, 0, 0, 0, time.UTC)
	s := newTestStore(t, clock.NewMockClock(now))

	require.NoError(t, s.Write(Record{ConnID: "old", Start: now.AddDate(0, 0, -8), Listener: "l", Src: "a", Dst: "b", Outcome: "ok"}))
	require.NoError(t, s.Write(Record{ConnID: "new", Start: now.AddDate(0, 0, -6), Listener: "l", Src: "a", Dst: "b", Outcome: "ok"}))

	removed, err := s.Prune()
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	left, err := s.Query(Filter{})
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "new", left[0].ConnID)
}

func TestStore_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	s, err := NewStore(path, 0, nil)
	require.NoError(t, err)
	require.NoError(t, s.Write(Record{ConnID: "x", Start: time.Now(), Listener: "l", Src: "a", Dst: "b", Outcome: "ok"}))
	require.NoError(t, s.Close())

	s, err = NewStore(path, 0, nil)
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, DefaultRetentionDays, s.retentionDays)
	n, err := s.Count()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
