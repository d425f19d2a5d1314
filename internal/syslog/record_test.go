package syslog

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseWellFormedRecordRoundTrips(t *testing.T) {
	raw := []byte(`<34>1 2024-01-05T10:00:01Z host1 sshd 1234 ID47 [ex123 iut="3"] some detail text`)
	rec := Parse(raw)
	require.False(t, rec.HasError(), rec.ParseError)
	require.Equal(t, "34", rec.Priority)
	require.Equal(t, "host1", rec.Hostname)
	require.Equal(t, "sshd", rec.AppName)
	require.Equal(t, "1234", rec.ProcID)
	require.Equal(t, "ID47", rec.MsgID)
	require.Equal(t, "some detail text", rec.Detail)
	require.Equal(t, "3", rec.StructuredData["ex123"]["iut"])
	require.Equal(t, raw, rec.Raw)
}

func TestParseNoStructuredData(t *testing.T) {
	raw := []byte(`<34>1 2024-01-05T10:00:01Z host1 sshd 1234 ID47 - detail here`)
	rec := Parse(raw)
	require.False(t, rec.HasError())
	require.Equal(t, "detail here", rec.Detail)
	require.Empty(t, rec.StructuredData)
}

func TestParseBOMStripped(t *testing.T) {
	raw := append([]byte(`<34>1 2024-01-05T10:00:01Z h a p m `), append([]byte(bom), []byte("- detail")...)...)
	rec := Parse(raw)
	require.False(t, rec.HasError(), rec.ParseError)
	require.Equal(t, "detail", rec.Detail)
	require.Empty(t, rec.StructuredData)
}

func TestParseInvalidTimestamp(t *testing.T) {
	raw := []byte(`<34>1 not-a-date host1 sshd 1234 ID47 - detail`)
	rec := Parse(raw)
	require.Equal(t, ErrCannotParseTime, rec.ParseError)
}

func TestParseFirstStageFailure(t *testing.T) {
	rec := Parse([]byte("garbage"))
	require.Equal(t, ErrFirstStageParse, rec.ParseError)
}

func TestDiscoverTrailerDefaultsWhenCallbackEmpty(t *testing.T) {
	block := []byte("<34>1 2024-01-05T10:00:01Z h a p m [id x=\"1\"] rest\r\n<34>1 2024-01-05T10:00:01Z h a p m [id x=\"2\"] rest\r\n")
	got := DiscoverTrailer(block, func(StructuredData) []byte { return nil }, nil)
	require.Equal(t, []byte("\n"), got)
}

func TestDiscoverTrailerUsesCallbackResult(t *testing.T) {
	block := []byte(`<34>1 2024-01-05T10:00:01Z h a p m [id x="1"] rest`)
	got := DiscoverTrailer(block, func(StructuredData) []byte { return []byte("\r\n") }, nil)
	require.Equal(t, []byte("\r\n"), got)
}
