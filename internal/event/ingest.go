package event

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"
)

// ceTypePrefix is the CloudEvents type namespace accepted by the ingest.
// A CloudEvent of type "io.gantry.pr_updated" maps to KindPRUpdated.
const ceTypePrefix = "io.gantry."

// Ingest normalizes raw repository events into canonical Events and
// delivers them on a single ordered channel. One canonical event per raw
// input, no batching, no reordering.
type Ingest struct {
	events chan Event
	logger *slog.Logger
}

func NewIngest(buffer int, logger *slog.Logger) *Ingest {
	if buffer <= 0 {
		buffer = 256
	}
	return &Ingest{
		events: make(chan Event, buffer),
		logger: logger.With("component", "ingest"),
	}
}

// Events returns the ordered stream of normalized events.
func (in *Ingest) Events() <-chan Event {
	return in.events
}

// Submit normalizes raw and enqueues the result. Malformed input is
// rejected with ErrMalformedEvent and nothing is enqueued.
func (in *Ingest) Submit(raw []byte) (Event, error) {
	ev, err := Normalize(raw)
	if err != nil {
		in.logger.Warn("discarding malformed event", "error", err)
		return Event{}, err
	}
	in.events <- ev
	return ev, nil
}

// Emit enqueues an already-canonical event, used for synthetic events
// (e.g. matrix job results) fed back into the stream.
func (in *Ingest) Emit(ev Event) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	in.events <- ev
}

// Close stops delivery. Submit must not be called after Close.
func (in *Ingest) Close() {
	close(in.events)
}

// Normalize parses raw JSON into a canonical Event. Both a bare Event
// document and a CloudEvents structured envelope are accepted.
func Normalize(raw []byte) (Event, error) {
	var probe struct {
		SpecVersion string `json:"specversion"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	var ev Event
	if probe.SpecVersion != "" {
		ce := cloudevents.NewEvent()
		if err := json.Unmarshal(raw, &ce); err != nil {
			return Event{}, fmt.Errorf("%w: invalid cloudevent: %v", ErrMalformedEvent, err)
		}
		if err := json.Unmarshal(ce.Data(), &ev); err != nil {
			return Event{}, fmt.Errorf("%w: invalid cloudevent data: %v", ErrMalformedEvent, err)
		}
		if ev.Kind == "" {
			if len(ce.Type()) > len(ceTypePrefix) && ce.Type()[:len(ceTypePrefix)] == ceTypePrefix {
				ev.Kind = Kind(ce.Type()[len(ceTypePrefix):])
			}
		}
		if ev.ID == "" {
			ev.ID = ce.ID()
		}
		if ev.Timestamp.IsZero() {
			ev.Timestamp = ce.Time()
		}
	} else {
		if err := json.Unmarshal(raw, &ev); err != nil {
			return Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
	}

	if err := validate(&ev); err != nil {
		return Event{}, err
	}

	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	return ev, nil
}

func validate(ev *Event) error {
	if !validKind(ev.Kind) {
		return fmt.Errorf("%w: unknown kind %q", ErrMalformedEvent, ev.Kind)
	}
	if ev.Repository == "" {
		return fmt.Errorf("%w: missing repository", ErrMalformedEvent)
	}
	if ev.PullRequest <= 0 {
		return fmt.Errorf("%w: missing pull request number", ErrMalformedEvent)
	}

	switch ev.Kind {
	case KindReviewSubmitted:
		if ev.Payload.Reviewer == "" {
			return fmt.Errorf("%w: review event missing reviewer", ErrMalformedEvent)
		}
		if ev.Payload.ReviewState == "" {
			return fmt.Errorf("%w: review event missing state", ErrMalformedEvent)
		}
	case KindCheckResult:
		if ev.Payload.CheckName == "" {
			return fmt.Errorf("%w: check event missing check name", ErrMalformedEvent)
		}
		if ev.Payload.CheckStatus == "" {
			return fmt.Errorf("%w: check event missing status", ErrMalformedEvent)
		}
	}
	return nil
}
