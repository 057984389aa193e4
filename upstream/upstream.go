// Package upstream moves raw SBS-1 lines from feeder connections into
// the observer. Outbound clients hold persistent connections with
// exponential backoff; the inbound listener accepts feeders that dial
// us. Both run the same line pump and per-feed bookkeeping.
package upstream

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net"
	"strings"
	"sync/atomic"

	"github.com/maniack/adsbfeeder/monitoring"
)

// Sink receives one raw feed line at a time.
type Sink interface {
	Ingest(line string)
}

// Feed labels distinguish connection direction on the status page.
const (
	LabelConnector = "connector"
	LabelListener  = "listener"
)

// Feed tracks one upstream connection. Counters are atomic; readers may
// sample them while the pump is running.
type Feed struct {
	label string
	peer  string

	connects atomic.Uint64
	lines    atomic.Uint64
	bytes    atomic.Uint64
}

func newFeed(label, peer string) *Feed {
	return &Feed{label: label, peer: peer}
}

func (f *Feed) connected() {
	f.connects.Add(1)
	monitoring.UpstreamConnects.WithLabelValues(f.peer).Inc()
}

func (f *Feed) line(n int) {
	f.lines.Add(1)
	f.bytes.Add(uint64(n))
	monitoring.UpstreamLines.WithLabelValues(f.peer).Inc()
	monitoring.UpstreamBytes.WithLabelValues(f.peer).Add(float64(n))
}

// FeedStats is a point-in-time copy of a feed's counters.
type FeedStats struct {
	Label    string
	Peer     string
	Connects uint64
	Lines    uint64
	Bytes    uint64
}

func (f *Feed) Stats() FeedStats {
	return FeedStats{
		Label:    f.label,
		Peer:     f.peer,
		Connects: f.connects.Load(),
		Lines:    f.lines.Load(),
		Bytes:    f.bytes.Load(),
	}
}

// Delimiter selects the line framing of a feed. Auto accepts both LF
// and CRLF terminators.
type Delimiter string

const (
	DelimiterAuto Delimiter = "auto"
	DelimiterLF   Delimiter = "lf"
	DelimiterCRLF Delimiter = "crlf"
)

// ParseDelimiter validates a delimiter flag value. The empty string
// means auto.
func ParseDelimiter(s string) (Delimiter, error) {
	switch d := Delimiter(strings.ToLower(strings.TrimSpace(s))); d {
	case "":
		return DelimiterAuto, nil
	case DelimiterAuto, DelimiterLF, DelimiterCRLF:
		return d, nil
	default:
		return "", fmt.Errorf("upstream: unknown delimiter %q (want auto, lf or crlf)", s)
	}
}

func (d Delimiter) splitFunc() bufio.SplitFunc {
	switch d {
	case DelimiterLF:
		return scanLF
	case DelimiterCRLF:
		return scanCRLF
	default:
		return bufio.ScanLines
	}
}

func scanLF(data []byte, atEOF bool) (int, []byte, error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexByte(data, '\n'); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

func scanCRLF(data []byte, atEOF bool) (int, []byte, error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.Index(data, []byte("\r\n")); i >= 0 {
		return i + 2, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// readFeed pumps lines from the connection into the sink until the
// connection fails or the context ends. The caller owns the connection;
// cancellation unblocks the read by closing it.
func readFeed(ctx context.Context, conn net.Conn, delim Delimiter, feed *Feed, sink Sink) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Split(delim.splitFunc())
	scanner.Buffer(make([]byte, 0, 4096), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		feed.line(len(line))
		sink.Ingest(line)
	}
	return scanner.Err()
}
