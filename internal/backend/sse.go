package backend

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aurora-ops/aurora-gateway/pkg/models"
)

// StreamCallbacks receives live-stream notifications. OnEvent is called
// for each well-formed event; OnStateChange is called when the
// connection is established or lost. Both may be nil.
type StreamCallbacks struct {
	OnEvent       func(models.StreamEvent)
	OnStateChange func(connected bool)
}

// Subscriber maintains a long-lived subscription to one incident's
// visualization update stream. The upstream endpoint speaks
// text/event-stream; the browser client this replaces relied on native
// EventSource reconnection, so the subscriber reconnects itself with
// exponential backoff between backoffMin and backoffMax, resetting
// after every successfully established stream.
type Subscriber struct {
	client     *Client
	logger     *slog.Logger
	backoffMin time.Duration
	backoffMax time.Duration

	// streaming requests must not carry the REST timeout
	streamClient *http.Client
}

// NewSubscriber creates a stream subscriber backed by the given client.
func NewSubscriber(client *Client, logger *slog.Logger, backoffMin, backoffMax time.Duration) *Subscriber {
	if backoffMin <= 0 {
		backoffMin = time.Second
	}
	if backoffMax < backoffMin {
		backoffMax = 30 * time.Second
	}
	return &Subscriber{
		client:       client,
		logger:       logger,
		backoffMin:   backoffMin,
		backoffMax:   backoffMax,
		streamClient: &http.Client{},
	}
}

// Run blocks, maintaining the subscription until ctx is canceled.
func (s *Subscriber) Run(ctx context.Context, incidentID string, cb StreamCallbacks) {
	backoff := s.backoffMin

	for {
		err := s.streamOnce(ctx, incidentID, cb, &backoff)
		if cb.OnStateChange != nil {
			cb.OnStateChange(false)
		}
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			s.logger.Warn("visualization stream dropped",
				"incidentID", incidentID, "retryIn", backoff.String(), "error", err)
		} else {
			s.logger.Info("visualization stream closed by upstream",
				"incidentID", incidentID, "retryIn", backoff.String())
		}

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
		backoff *= 2
		if backoff > s.backoffMax {
			backoff = s.backoffMax
		}
	}
}

// streamOnce opens the stream and dispatches events until it ends.
// A successfully established stream resets the caller's backoff.
func (s *Subscriber) streamOnce(ctx context.Context, incidentID string, cb StreamCallbacks, backoff *time.Duration) error {
	path := "/incidents/" + url.PathEscape(incidentID) + "/visualization/stream"
	req, err := s.client.newRequest(ctx, path)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := s.streamClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close() //nolint:errcheck // best-effort cleanup

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{Status: resp.StatusCode, Message: errorMessage(body)}
	}

	*backoff = s.backoffMin
	if cb.OnStateChange != nil {
		cb.OnStateChange(true)
	}

	return parseEventStream(resp.Body, func(data string) error {
		var ev models.StreamEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			// Malformed payloads are dropped; they must never kill
			// the subscription.
			s.logger.Warn("dropping malformed stream payload",
				"incidentID", incidentID, "payload", truncate(data, 200), "error", err)
			return nil
		}
		if cb.OnEvent != nil {
			cb.OnEvent(ev)
		}
		return nil
	})
}

// parseEventStream incrementally decodes a text/event-stream body,
// invoking onData with each event's joined data lines. Comment lines
// and field names other than data are ignored; a blank line terminates
// an event.
func parseEventStream(r io.Reader, onData func(data string) error) error {
	br := bufio.NewReader(r)
	var dataLines []string

	flush := func() error {
		if len(dataLines) == 0 {
			return nil
		}
		data := strings.Join(dataLines, "\n")
		dataLines = nil
		return onData(data)
	}

	for {
		line, err := br.ReadString('\n')
		eof := errors.Is(err, io.EOF)
		if err != nil && !eof {
			return fmt.Errorf("reading stream: %w", err)
		}
		// A read ending in EOF may still carry a final unterminated
		// line; it goes through the same handling before the flush.
		line = strings.TrimRight(line, "\r\n")

		switch {
		case line == "":
			if err := flush(); err != nil {
				return err
			}
		case strings.HasPrefix(line, ":"):
			// comment line
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}

		if eof {
			return flush()
		}
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
