package port_reader

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NotCoffee418/venus_sensor_bridge/pkg/metrics"
)

func drain(ch <-chan string) []string {
	var out []string
	for {
		select {
		case v := <-ch:
			out = append(out, v)
		default:
			return out
		}
	}
}

func TestDefaultPrefixes(t *testing.T) {
	assert.Equal(t, []string{"TANK0:", "TANK1:", "TANK2:", "TANK3:"}, DefaultPrefixes(4))
	assert.Empty(t, DefaultPrefixes(0))
}

func TestRoute(t *testing.T) {
	r := NewRouter(DefaultPrefixes(4), 4)

	tests := []struct {
		line    string
		channel int
		payload string
		ok      bool
	}{
		{"TANK0:55", 0, "55", true},
		{"TANK3:OFF", 3, "OFF", true},
		{"TANK2:", 2, "", true},
		{"TANK4:10", -1, "", false},
		{"tank1:10", -1, "", false},
		{"BME280:1013", -1, "", false},
		{"", -1, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			channel, payload, ok := r.Route(tt.line)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.channel, channel)
			assert.Equal(t, tt.payload, payload)
		})
	}
}

func TestRouteFirstMatchWins(t *testing.T) {
	r := NewRouter([]string{"T:", "T:1"}, 1)
	channel, payload, ok := r.Route("T:10")
	require.True(t, ok)
	assert.Equal(t, 0, channel)
	assert.Equal(t, "10", payload)
}

func TestDispatchInterleaved(t *testing.T) {
	r := NewRouter(DefaultPrefixes(4), 8)

	for _, line := range []string{"TANK0:10", "TANK2:55", "TANK1:OFF", "TANK2:56", "GARBAGE", "TANK0:11"} {
		r.Dispatch(line)
	}

	assert.Equal(t, []string{"10", "11"}, drain(r.Inbox(0)))
	assert.Equal(t, []string{"OFF"}, drain(r.Inbox(1)))
	assert.Equal(t, []string{"55", "56"}, drain(r.Inbox(2)))
	assert.Empty(t, drain(r.Inbox(3)))
}

func TestDispatchFullInboxDrops(t *testing.T) {
	m := metrics.New()
	r := NewRouter(DefaultPrefixes(2), 2, WithMetrics(m))

	assert.True(t, r.Dispatch("TANK1:1"))
	assert.True(t, r.Dispatch("TANK1:2"))
	assert.False(t, r.Dispatch("TANK1:3"))
	assert.True(t, r.Dispatch("TANK0:9"), "other channels are unaffected")

	assert.Equal(t, []string{"1", "2"}, drain(r.Inbox(1)))
	expected := `
# HELP sensor_bridge_serial_inbox_dropped_total Routed lines dropped because the channel inbox was full
# TYPE sensor_bridge_serial_inbox_dropped_total counter
sensor_bridge_serial_inbox_dropped_total{channel="1"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected),
		"sensor_bridge_serial_inbox_dropped_total"))
}

func TestDispatchAfterClose(t *testing.T) {
	r := NewRouter(DefaultPrefixes(1), 1)
	r.Close()
	r.Close()

	assert.False(t, r.Dispatch("TANK0:5"))
	_, open := <-r.Inbox(0)
	assert.False(t, open)
}

func TestChecksum(t *testing.T) {
	r := NewRouter(DefaultPrefixes(4), 4, WithChecksum(true))

	line := AppendChecksum("TANK1:42")
	assert.Regexp(t, `^TANK1:42\*[0-9A-F]{4}$`, line)

	channel, payload, ok := r.Route(line)
	require.True(t, ok)
	assert.Equal(t, 1, channel)
	assert.Equal(t, "42", payload)

	corrupted := "TANK1:43" + line[len("TANK1:42"):]
	_, _, ok = r.Route(corrupted)
	assert.False(t, ok)

	for _, bad := range []string{"TANK1:42", "TANK1:42*", "TANK1:42*12", "TANK1:42*ZZZZ", "TANK1:42*123456"} {
		_, _, ok = r.Route(bad)
		assert.False(t, ok, bad)
	}
}

func TestChecksumKnownValue(t *testing.T) {
	// CRC-16/ARC check value.
	assert.Equal(t, "123456789*BB3D", AppendChecksum("123456789"))
}

func TestReadLines(t *testing.T) {
	m := metrics.New()
	r := NewRouter(DefaultPrefixes(4), 16, WithMetrics(m))
	reader := NewTankReader("/dev/null", 9600, 0, r)

	input := "TANK0:10\r\n" +
		"  TANK1:OFF  \n" +
		"\n" +
		"TANK2:\xff\xfe\n" +
		"TANK3:" + strings.Repeat("9", 200) + "\n" +
		"TANK3:77\n" +
		"NOISE\n" +
		"TANK0:12"

	require.NoError(t, reader.ReadLines(context.Background(), strings.NewReader(input)))

	discarded := `
# HELP sensor_bridge_serial_lines_discarded_total Serial lines that could not be routed
# TYPE sensor_bridge_serial_lines_discarded_total counter
sensor_bridge_serial_lines_discarded_total{reason="encoding"} 1
sensor_bridge_serial_lines_discarded_total{reason="no_prefix"} 1
sensor_bridge_serial_lines_discarded_total{reason="too_long"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(discarded),
		"sensor_bridge_serial_lines_discarded_total"))

	assert.Equal(t, []string{"10"}, drain(r.Inbox(0)), "unterminated tail is dropped")
	assert.Equal(t, []string{"OFF"}, drain(r.Inbox(1)))
	assert.Empty(t, drain(r.Inbox(2)))
	assert.Equal(t, []string{"77"}, drain(r.Inbox(3)))
}

type chunkReader struct {
	chunks []string
	err    error
}

func (c *chunkReader) Read(b []byte) (int, error) {
	if len(c.chunks) == 0 {
		if c.err != nil {
			return 0, c.err
		}
		return 0, io.EOF
	}
	n := copy(b, c.chunks[0])
	c.chunks[0] = c.chunks[0][n:]
	if c.chunks[0] == "" {
		c.chunks = c.chunks[1:]
	}
	return n, nil
}

func TestReadLinesSplitAcrossReads(t *testing.T) {
	r := NewRouter(DefaultPrefixes(4), 4)
	reader := NewTankReader("", 9600, 0, r)

	src := &chunkReader{chunks: []string{"TAN", "K2:5", "5\nTANK2", ":", "OFF\n"}}
	require.NoError(t, reader.ReadLines(context.Background(), src))
	assert.Equal(t, []string{"55", "OFF"}, drain(r.Inbox(2)))
}

func TestReadLinesError(t *testing.T) {
	r := NewRouter(DefaultPrefixes(4), 4)
	reader := NewTankReader("", 9600, 0, r)

	boom := errors.New("device unplugged")
	err := reader.ReadLines(context.Background(), &chunkReader{chunks: []string{"TANK0:1\n"}, err: boom})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"1"}, drain(r.Inbox(0)))
}

func TestReadLinesCancelled(t *testing.T) {
	r := NewRouter(DefaultPrefixes(4), 4)
	reader := NewTankReader("", 9600, 0, r)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, reader.ReadLines(ctx, newTimeoutReader(strings.NewReader(""), time.Second)))
}

// fakeClock advances by step on every call.
func fakeClock(step time.Duration) func() time.Time {
	now := time.Date(2026, 10, 16, 10, 0, 0, 0, time.UTC)
	return func() time.Time {
		now = now.Add(step)
		return now
	}
}

func TestTimeoutReaderHidesEOF(t *testing.T) {
	tr := newTimeoutReader(strings.NewReader(""), time.Second)
	tr.now = fakeClock(time.Second)

	for i := 0; i < 2*maxFastEmptyReads; i++ {
		n, err := tr.Read(make([]byte, 4))
		assert.Zero(t, n)
		require.NoError(t, err)
	}
}

func TestTimeoutReaderDetectsHangup(t *testing.T) {
	tr := newTimeoutReader(strings.NewReader(""), time.Second)
	tr.now = fakeClock(time.Millisecond)

	for i := 0; i < maxFastEmptyReads-1; i++ {
		_, err := tr.Read(make([]byte, 4))
		require.NoError(t, err)
	}
	_, err := tr.Read(make([]byte, 4))
	assert.ErrorIs(t, err, ErrHangup)
}

func TestReadLinesStopsOnHangup(t *testing.T) {
	r := NewRouter(DefaultPrefixes(4), 4)
	reader := NewTankReader("/dev/null", 9600, time.Second, r)

	tr := newTimeoutReader(strings.NewReader(""), time.Second)
	tr.now = fakeClock(time.Millisecond)

	err := reader.ReadLines(context.Background(), tr)
	assert.ErrorIs(t, err, ErrHangup)
}
