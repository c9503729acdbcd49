package port_reader

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/sigurn/crc16"

	"github.com/NotCoffee418/venus_sensor_bridge/pkg/metrics"
)

// CRC-16/ARC, the same polynomial the P1 telegram checksum uses.
var crcTable = crc16.MakeTable(crc16.CRC16_ARC)

// DefaultPrefixes returns "TANK0:" .. "TANK<n-1>:".
func DefaultPrefixes(n int) []string {
	prefixes := make([]string, n)
	for i := range prefixes {
		prefixes[i] = fmt.Sprintf("TANK%d:", i)
	}
	return prefixes
}

// Router demultiplexes serial lines into one bounded inbox per channel.
// Channel i owns prefixes[i].
type Router struct {
	prefixes []string
	inboxes  []chan string
	checksum bool
	metrics  *metrics.Metrics
	log      *log.Logger

	mu     sync.RWMutex
	closed bool
}

type RouterOption func(*Router)

// WithChecksum requires every line to end in "*HHHH", the CRC-16/ARC of the
// text before the asterisk in upper case hex.
func WithChecksum(enabled bool) RouterOption {
	return func(r *Router) { r.checksum = enabled }
}

func WithMetrics(m *metrics.Metrics) RouterOption {
	return func(r *Router) { r.metrics = m }
}

func NewRouter(prefixes []string, depth int, opts ...RouterOption) *Router {
	if depth < 1 {
		depth = 1
	}
	r := &Router{
		prefixes: append([]string(nil), prefixes...),
		inboxes:  make([]chan string, len(prefixes)),
		log:      log.WithPrefix("router"),
	}
	for i := range r.inboxes {
		r.inboxes[i] = make(chan string, depth)
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Router) Channels() int {
	return len(r.inboxes)
}

// Inbox returns the receive side of channel i's queue.
func (r *Router) Inbox(i int) <-chan string {
	return r.inboxes[i]
}

// Route finds the channel of a line and strips its prefix. The first
// matching prefix wins.
func (r *Router) Route(line string) (channel int, payload string, ok bool) {
	channel, payload, reason := r.route(line)
	return channel, payload, reason == ""
}

func (r *Router) route(line string) (int, string, string) {
	if r.checksum {
		stripped, valid := verifyChecksum(line)
		if !valid {
			return -1, "", metrics.ReasonChecksum
		}
		line = stripped
	}
	for i, prefix := range r.prefixes {
		if strings.HasPrefix(line, prefix) {
			return i, line[len(prefix):], ""
		}
	}
	return -1, "", metrics.ReasonNoPrefix
}

// Dispatch routes a line into its channel inbox without blocking. Lines
// that match no channel, and lines for a full inbox, are dropped.
func (r *Router) Dispatch(line string) bool {
	channel, payload, reason := r.route(line)
	if reason != "" {
		r.discard(line, reason)
		return false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return false
	}

	select {
	case r.inboxes[channel] <- payload:
		r.metrics.LineRouted(channel)
		return true
	default:
		r.metrics.InboxDropped(channel)
		r.log.Warn("Inbox full, dropping line", "channel", channel, "payload", payload)
		return false
	}
}

func (r *Router) discard(line, reason string) {
	r.metrics.LineDiscarded(reason)
	r.log.Debug("Discarding line", "line", line, "reason", reason)
}

// Close closes every inbox. Later dispatches are dropped.
func (r *Router) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	for _, inbox := range r.inboxes {
		close(inbox)
	}
}

// AppendChecksum adds the "*HHHH" suffix WithChecksum expects.
func AppendChecksum(line string) string {
	return fmt.Sprintf("%s*%04X", line, crc16.Checksum([]byte(line), crcTable))
}

func verifyChecksum(line string) (string, bool) {
	idx := strings.LastIndexByte(line, '*')
	if idx < 0 || len(line)-idx != 5 {
		return "", false
	}
	given, err := strconv.ParseUint(line[idx+1:], 16, 16)
	if err != nil {
		return "", false
	}
	data := line[:idx]
	return data, uint16(given) == crc16.Checksum([]byte(data), crcTable)
}
