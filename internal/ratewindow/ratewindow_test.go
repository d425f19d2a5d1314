package ratewindow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAddCountsWithinWindow(t *testing.T) {
	w := New(5 * time.Minute)
	require.Equal(t, 1, w.Add("10.0.0.1", time.Now()))
	require.Equal(t, 2, w.Add("10.0.0.1", time.Now()))
	require.Equal(t, 3, w.Add("10.0.0.1", time.Now()))
}

func TestAddExpiresOldEntries(t *testing.T) {
	w := New(time.Millisecond)
	w.Add("host", time.Now())
	time.Sleep(5 * time.Millisecond)
	require.Equal(t, 1, w.Add("host", time.Now()))
}

func TestClearResetsIdentifier(t *testing.T) {
	w := New(time.Minute)
	w.Add("host", time.Now())
	w.Add("host", time.Now())
	w.Clear("host")
	require.Equal(t, 1, w.Add("host", time.Now()))
}

func TestIdentifiersAreIndependent(t *testing.T) {
	w := New(time.Minute)
	w.Add("a", time.Now())
	w.Add("a", time.Now())
	require.Equal(t, 1, w.Add("b", time.Now()))
}
