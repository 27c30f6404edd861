package controller

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	defaultHistoryHours = 24
	maxHistoryHours     = 720
)

// parseReadingsQuery reads ?terrarium=slug&hours=N. An empty slug means all
// terrariums.
func parseReadingsQuery(r *http.Request) (slug string, hours int, err error) {
	q := r.URL.Query()
	slug = strings.TrimSpace(q.Get("terrarium"))
	hours, err = parseHours(q.Get("hours"))
	return slug, hours, err
}

func parseHours(s string) (int, error) {
	if s == "" {
		return defaultHistoryHours, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, errors.New("invalid 'hours' (expected integer)")
	}
	if n < 1 || n > maxHistoryHours {
		return 0, fmt.Errorf("'hours' must be between 1 and %d", maxHistoryHours)
	}
	return n, nil
}

func (c *terrariumControllerImpl) since(hours int) time.Time {
	return c.now().UTC().Add(-time.Duration(hours) * time.Hour)
}

// writeSSE writes one server-sent event. Every line of data gets its own
// "data:" prefix.
func writeSSE(w io.Writer, event string, data []byte) error {
	var b strings.Builder
	if event != "" {
		b.WriteString("event: ")
		b.WriteString(event)
		b.WriteByte('\n')
	}
	for _, line := range strings.Split(strings.TrimRight(string(data), "\n"), "\n") {
		b.WriteString("data: ")
		b.WriteString(line)
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
	_, err := io.WriteString(w, b.String())
	return err
}
