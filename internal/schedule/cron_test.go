package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func mustParse(t *testing.T, expr string) *Schedule {
	t.Helper()
	s, err := Parse(expr)
	require.NoError(t, err)
	return s
}

func TestParseRejectsMalformed(t *testing.T) {
	bad := []string{
		"",
		"* * * *",
		"* * * * * *",
		"60 * * * *",
		"* 24 * * *",
		"* * 0 * *",
		"* * 32 * *",
		"* * * 13 *",
		"* * * * 7",
		"*/0 * * * *",
		"abc * * * *",
		"1,,2 * * * *",
	}
	for _, expr := range bad {
		_, err := Parse(expr)
		require.Error(t, err, "expected %q to be rejected", expr)
	}
}

func TestEveryMinute(t *testing.T) {
	s := mustParse(t, "* * * * *")
	now := time.Date(2026, 1, 10, 8, 30, 45, 0, time.UTC)
	next, err := s.Next(now)
	require.NoError(t, err)
	require.Equal(t, time.Date(2026, 1, 10, 8, 31, 0, 0, time.UTC), next)
}

func TestStepMinutes(t *testing.T) {
	s := mustParse(t, "*/15 * * * *")

	at := time.Date(2026, 1, 10, 0, 2, 0, 0, time.UTC)
	want := []time.Time{
		time.Date(2026, 1, 10, 0, 15, 0, 0, time.UTC),
		time.Date(2026, 1, 10, 0, 30, 0, 0, time.UTC),
		time.Date(2026, 1, 10, 0, 45, 0, 0, time.UTC),
		time.Date(2026, 1, 10, 1, 0, 0, 0, time.UTC),
	}
	for _, expected := range want {
		next, err := s.Next(at)
		require.NoError(t, err)
		require.Equal(t, expected, next)
		at = next
	}
}

func TestDailyAtSixUTC(t *testing.T) {
	s := mustParse(t, "0 6 * * *")

	next, err := s.Next(time.Date(2026, 1, 10, 5, 59, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Equal(t, time.Date(2026, 1, 10, 6, 0, 0, 0, time.UTC), next)

	// At exactly 06:00, next firing is tomorrow (strictly after).
	next, err = s.Next(time.Date(2026, 1, 10, 6, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Equal(t, time.Date(2026, 1, 11, 6, 0, 0, 0, time.UTC), next)
}

func TestCommaList(t *testing.T) {
	s := mustParse(t, "0,30 9,17 * * *")

	next, err := s.Next(time.Date(2026, 1, 10, 9, 1, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Equal(t, time.Date(2026, 1, 10, 9, 30, 0, 0, time.UTC), next)

	next, err = s.Next(next)
	require.NoError(t, err)
	require.Equal(t, time.Date(2026, 1, 10, 17, 0, 0, 0, time.UTC), next)
}

func TestDayOfWeekOnly(t *testing.T) {
	// Mondays at noon. 2026-01-10 is a Saturday.
	s := mustParse(t, "0 12 * * 1")
	next, err := s.Next(time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Equal(t, time.Date(2026, 1, 12, 12, 0, 0, 0, time.UTC), next)
	require.Equal(t, time.Monday, next.Weekday())
}

func TestDomDowDisjunction(t *testing.T) {
	// 15th of the month OR Mondays. Both fields restricted, so either fires.
	s := mustParse(t, "0 0 15 * 1")

	// From Sat 2026-01-10: Monday the 12th comes before the 15th.
	next, err := s.Next(time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Equal(t, time.Date(2026, 1, 12, 0, 0, 0, 0, time.UTC), next)

	// From the 13th: the 15th (a Thursday) fires before the next Monday.
	next, err = s.Next(time.Date(2026, 1, 13, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Equal(t, time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC), next)
}

func TestDomRestrictedDowWildcard(t *testing.T) {
	// Only the 15th fires when day-of-week is a wildcard.
	s := mustParse(t, "0 0 15 * *")
	next, err := s.Next(time.Date(2026, 1, 12, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Equal(t, time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC), next)
}

func TestMonthRollover(t *testing.T) {
	s := mustParse(t, "30 8 1 * *")
	next, err := s.Next(time.Date(2026, 1, 31, 23, 59, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Equal(t, time.Date(2026, 2, 1, 8, 30, 0, 0, time.UTC), next)
}

func TestImpossibleDateErrors(t *testing.T) {
	// February 30th never exists.
	s := mustParse(t, "0 0 30 2 *")
	_, err := s.Next(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	require.Error(t, err)
}

func TestNonUTCInputNormalized(t *testing.T) {
	s := mustParse(t, "0 6 * * *")
	est := time.FixedZone("EST", -5*3600)
	// 01:30 EST == 06:30 UTC, so the next 06:00 UTC is tomorrow.
	next, err := s.Next(time.Date(2026, 1, 10, 1, 30, 0, 0, est))
	require.NoError(t, err)
	require.Equal(t, time.Date(2026, 1, 11, 6, 0, 0, 0, time.UTC), next)
}

// TestNextAlwaysMatchesAndAdvances checks, for arbitrary valid schedules
// and start instants, that Next lands strictly later on a minute where
// Matches holds, with no earlier matching minute skipped in between.
func TestNextAlwaysMatchesAndAdvances(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		exprs := []string{
			"* * * * *",
			"*/5 * * * *",
			"*/15 */2 * * *",
			"0 6 * * *",
			"0,30 9,17 * * 1,3,5",
			"15 3 1,15 * *",
			"0 0 * */3 *",
			"45 23 28 * 0",
		}
		expr := rapid.SampledFrom(exprs).Draw(t, "expr")
		s, err := Parse(expr)
		if err != nil {
			t.Fatalf("parse %q: %v", expr, err)
		}

		start := time.Unix(rapid.Int64Range(1600000000, 1900000000).Draw(t, "start"), 0).UTC()
		next, err := s.Next(start)
		if err != nil {
			t.Fatalf("next for %q: %v", expr, err)
		}

		if !next.After(start) {
			t.Fatalf("next %s is not after start %s", next, start)
		}
		if !s.Matches(next) {
			t.Fatalf("next %s does not match %q", next, expr)
		}

		// No earlier matching minute in (start, next); bound the walk to
		// keep the property cheap.
		probe := start.Truncate(time.Minute).Add(time.Minute)
		for steps := 0; probe.Before(next) && steps < 10000; steps++ {
			if s.Matches(probe) {
				t.Fatalf("skipped matching minute %s before %s for %q", probe, next, expr)
			}
			probe = probe.Add(time.Minute)
		}
	})
}
