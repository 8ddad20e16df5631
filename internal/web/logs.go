package web

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	defaultLogTail = 200
	maxLogTail     = 5000
)

// LogBuffer keeps the most recent log lines for /api/logs. It is an
// io.Writer meant to sit next to stderr in log.SetOutput.
//
// Every line gets a sequence number so a poller can pass the previous
// page's Next back as since and receive only lines it has not seen.
type LogBuffer struct {
	mu      sync.Mutex
	ring    []string
	start   int    // index of the oldest retained line
	n       int    // retained lines
	seq     uint64 // sequence number of the next line
	partial []byte
}

// LogPage is one read of the buffer.
type LogPage struct {
	NowUTC string `json:"now_utc"`
	// Next is the since value for the following poll.
	Next uint64 `json:"next"`
	// Dropped counts lines evicted before they could be returned.
	Dropped uint64   `json:"dropped"`
	Lines   []string `json:"lines"`
}

func NewLogBuffer(maxLines int) *LogBuffer {
	if maxLines <= 0 {
		maxLines = 2000
	}
	return &LogBuffer{ring: make([]string, maxLines)}
}

// Write splits p on newlines; a trailing unterminated piece waits for the
// next call.
func (b *LogBuffer) Write(p []byte) (int, error) {
	if b == nil {
		return len(p), nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	data := p
	if len(b.partial) > 0 {
		data = append(b.partial, p...)
		b.partial = nil
	}
	for {
		i := bytes.IndexByte(data, '\n')
		if i == -1 {
			break
		}
		b.push(string(bytes.TrimRight(data[:i], "\r")))
		data = data[i+1:]
	}
	if len(data) > 0 {
		b.partial = append([]byte(nil), data...)
	}
	return len(p), nil
}

func (b *LogBuffer) push(line string) {
	if line == "" {
		return
	}
	if b.n < len(b.ring) {
		b.ring[(b.start+b.n)%len(b.ring)] = line
		b.n++
	} else {
		b.ring[b.start] = line
		b.start = (b.start + 1) % len(b.ring)
	}
	b.seq++
}

// Read returns up to tail of the newest lines numbered since or later.
func (b *LogBuffer) Read(since uint64, tail int) LogPage {
	b.mu.Lock()
	defer b.mu.Unlock()

	oldest := b.seq - uint64(b.n)
	page := LogPage{Next: b.seq}
	if since < oldest {
		page.Dropped = oldest - since
		since = oldest
	}
	avail := int(b.seq - min(since, b.seq))
	if tail > 0 && avail > tail {
		avail = tail
	}
	page.Lines = make([]string, 0, avail)
	for i := b.n - avail; i < b.n; i++ {
		page.Lines = append(page.Lines, b.ring[(b.start+i)%len(b.ring)])
	}
	return page
}

func (b *LogBuffer) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !allowMethod(w, r, http.MethodGet) {
			return
		}
		q := r.URL.Query()

		tail, err := queryInt(q.Get("tail"), defaultLogTail, 1, maxLogTail)
		if err != nil {
			http.Error(w, "tail: "+err.Error(), http.StatusBadRequest)
			return
		}
		var since uint64
		if s := strings.TrimSpace(q.Get("since")); s != "" {
			if since, err = strconv.ParseUint(s, 10, 64); err != nil {
				http.Error(w, "since must be a non-negative integer", http.StatusBadRequest)
				return
			}
		}

		page := b.Read(since, tail)
		page.NowUTC = time.Now().UTC().Format(time.RFC3339Nano)

		if strings.EqualFold(q.Get("format"), "text") {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.Header().Set("Cache-Control", "no-store")
			w.Header().Set("X-Log-Next", strconv.FormatUint(page.Next, 10))
			var sb strings.Builder
			if page.Dropped > 0 {
				fmt.Fprintf(&sb, "[dropped=%d]\n", page.Dropped)
			}
			for _, line := range page.Lines {
				sb.WriteString(line)
				sb.WriteByte('\n')
			}
			_, _ = w.Write([]byte(sb.String()))
			return
		}
		writeJSON(w, http.StatusOK, page)
	})
}

// queryInt parses an optional integer parameter bounded to [lo, hi].
func queryInt(raw string, def, lo, hi int) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < lo || v > hi {
		return 0, fmt.Errorf("must be an integer in [%d,%d]", lo, hi)
	}
	return v, nil
}
