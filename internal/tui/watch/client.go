package watch

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/conduit/internal/api"
	"github.com/mattjoyce/conduit/internal/events"
)

type eventMsg events.Event

type statsMsg api.StatsResponse

type tickMsg time.Time

type errMsg error

// streamEndedMsg carries the last event id seen so the reconnect resumes
// after it.
type streamEndedMsg struct{ lastID int64 }

type reconnectMsg struct{ lastID int64 }

// Client talks to a conduit API server.
type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

func (c *Client) newRequest(ctx context.Context, path string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(c.BaseURL, "/")+path, nil)
	if err != nil {
		return nil, err
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	return req, nil
}

// Stats fetches /stats.
func (c *Client) Stats(ctx context.Context) (*api.StatsResponse, error) {
	req, err := c.newRequest(ctx, "/stats")
	if err != nil {
		return nil, err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var e api.ErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return nil, fmt.Errorf("stats: %s: %s", resp.Status, e.Error)
	}
	var s api.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		return nil, fmt.Errorf("stats: %w", err)
	}
	return &s, nil
}

// Stream follows /events from after lastID, sending each event to ch until
// the connection drops. It returns the id of the last event delivered.
func (c *Client) Stream(ctx context.Context, lastID int64, ch chan<- events.Event) (int64, error) {
	req, err := c.newRequest(ctx, "/events")
	if err != nil {
		return lastID, err
	}
	req.Header.Set("Accept", "text/event-stream")
	if lastID > 0 {
		req.Header.Set("Last-Event-ID", strconv.FormatInt(lastID, 10))
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return lastID, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return lastID, fmt.Errorf("events: %s", resp.Status)
	}

	err = readSSE(resp.Body, func(ev events.Event) {
		ch <- ev
		lastID = ev.ID
	})
	return lastID, err
}

// readSSE parses an event stream, calling emit once per complete event.
// Comment lines (keep-alives) are skipped.
func readSSE(r io.Reader, emit func(events.Event)) error {
	scanner := bufio.NewScanner(r)
	var current events.Event
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if current.Data != nil {
				current.At = time.Now()
				emit(current)
			}
			current = events.Event{}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "id: "):
			if id, err := strconv.ParseInt(line[len("id: "):], 10, 64); err == nil {
				current.ID = id
			}
		case strings.HasPrefix(line, "event: "):
			current.Type = line[len("event: "):]
		case strings.HasPrefix(line, "data: "):
			current.Data = json.RawMessage(line[len("data: "):])
		}
	}
	return scanner.Err()
}

// --- Commands ---

func subscribe(c *Client, lastID int64, ch chan<- events.Event) tea.Cmd {
	return func() tea.Msg {
		last, _ := c.Stream(context.Background(), lastID, ch)
		return streamEndedMsg{lastID: last}
	}
}

func receiveNextEvent(ch <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		return eventMsg(<-ch)
	}
}

func fetchStats(c *Client) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s, err := c.Stats(ctx)
		if err != nil {
			return errMsg(err)
		}
		return statsMsg(*s)
	}
}
