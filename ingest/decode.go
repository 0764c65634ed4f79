package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"threatwatch/core"
)

// ErrUndecodable marks a payload that can never be processed, whatever the attempt
var ErrUndecodable = errors.New("undecodable payload")

// wireEvent is the JSON shape producers send. Timestamps arrive either as
// epoch seconds or as an RFC 3339 string.
type wireEvent struct {
	EventID          string                 `json:"eventId"`
	Timestamp        json.RawMessage        `json:"timestamp"`
	EventType        core.EventType         `json:"eventType"`
	SourceIP         string                 `json:"sourceIp"`
	DestinationIP    string                 `json:"destinationIp"`
	User             string                 `json:"user"`
	Action           string                 `json:"action"`
	Resource         string                 `json:"resource"`
	StatusCode       int                    `json:"statusCode"`
	BytesTransferred *int64                 `json:"bytesTransferred"`
	UserAgent        string                 `json:"userAgent"`
	Metadata         map[string]interface{} `json:"metadata"`
}

type wireBatch struct {
	Events []wireEvent `json:"events"`
}

// DecodeBatch parses a {"events":[...]} payload. Events with an unreadable
// timestamp are kept with a zero timestamp so validation rejects them
// individually instead of failing the whole batch.
func DecodeBatch(data []byte) ([]*core.Event, error) {
	var batch wireBatch
	if err := json.Unmarshal(data, &batch); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUndecodable, err)
	}
	if batch.Events == nil {
		return nil, fmt.Errorf("%w: missing events array", ErrUndecodable)
	}
	events := make([]*core.Event, len(batch.Events))
	for i := range batch.Events {
		events[i] = batch.Events[i].toEvent()
	}
	return events, nil
}

// DecodeEvent parses a single event object
func DecodeEvent(data []byte) (*core.Event, error) {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUndecodable, err)
	}
	return w.toEvent(), nil
}

// EncodeBatch renders events in the wire format DecodeBatch accepts
func EncodeBatch(events []*core.Event) ([]byte, error) {
	return json.Marshal(struct {
		Events []*core.Event `json:"events"`
	}{Events: events})
}

func (w *wireEvent) toEvent() *core.Event {
	ts, _ := parseTimestamp(w.Timestamp)
	return &core.Event{
		EventID:          w.EventID,
		Timestamp:        ts,
		EventType:        w.EventType,
		SourceIP:         w.SourceIP,
		DestinationIP:    w.DestinationIP,
		User:             w.User,
		Action:           w.Action,
		Resource:         w.Resource,
		StatusCode:       w.StatusCode,
		BytesTransferred: w.BytesTransferred,
		UserAgent:        w.UserAgent,
		Metadata:         w.Metadata,
	}
}

// parseTimestamp accepts epoch seconds (integer or fractional, bare or
// quoted) and RFC 3339 strings. The result is always UTC.
func parseTimestamp(raw json.RawMessage) (time.Time, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return time.Time{}, errors.New("timestamp missing")
	}

	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return time.Time{}, err
		}
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			return t.UTC(), nil
		}
		if secs, err := strconv.ParseFloat(s, 64); err == nil {
			return fromEpoch(secs)
		}
		return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
	}

	secs, err := strconv.ParseFloat(string(raw), 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("unrecognized timestamp %s", raw)
	}
	return fromEpoch(secs)
}

func fromEpoch(secs float64) (time.Time, error) {
	if secs <= 0 || math.IsInf(secs, 0) || math.IsNaN(secs) {
		return time.Time{}, fmt.Errorf("timestamp %v out of range", secs)
	}
	whole, frac := math.Modf(secs)
	return time.Unix(int64(whole), int64(frac*1e9)).UTC(), nil
}
