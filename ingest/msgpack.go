package ingest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"threatwatch/core"

	"github.com/vmihailenco/msgpack/v5"
)

// msgpackEvent is the MessagePack shape of an event. Keys match the JSON
// wire format; the timestamp may be a native msgpack timestamp, epoch
// seconds or an RFC 3339 string.
type msgpackEvent struct {
	EventID          string                 `msgpack:"eventId"`
	Timestamp        interface{}            `msgpack:"timestamp"`
	EventType        core.EventType         `msgpack:"eventType,omitempty"`
	SourceIP         string                 `msgpack:"sourceIp,omitempty"`
	DestinationIP    string                 `msgpack:"destinationIp,omitempty"`
	User             string                 `msgpack:"user,omitempty"`
	Action           string                 `msgpack:"action,omitempty"`
	Resource         string                 `msgpack:"resource,omitempty"`
	StatusCode       int                    `msgpack:"statusCode,omitempty"`
	BytesTransferred *int64                 `msgpack:"bytesTransferred,omitempty"`
	UserAgent        string                 `msgpack:"userAgent,omitempty"`
	Metadata         map[string]interface{} `msgpack:"metadata,omitempty"`
}

type msgpackBatch struct {
	Events []msgpackEvent `msgpack:"events"`
}

// DecodePayload decodes a batch in either wire format. JSON batches are
// objects and start with '{'; anything else is read as MessagePack.
func DecodePayload(data []byte) ([]*core.Event, error) {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if len(trimmed) == 0 || trimmed[0] == '{' {
		return DecodeBatch(data)
	}
	return DecodeMsgpackBatch(data)
}

// DecodeMsgpackBatch parses a MessagePack map with an "events" array
func DecodeMsgpackBatch(data []byte) ([]*core.Event, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	// int64/float64 for every number, like encoding/json gives float64
	dec.UseLooseInterfaceDecoding(true)

	var batch msgpackBatch
	if err := dec.Decode(&batch); err != nil {
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

// EncodeMsgpackBatch renders events as MessagePack with native timestamps
func EncodeMsgpackBatch(events []*core.Event) ([]byte, error) {
	batch := msgpackBatch{Events: make([]msgpackEvent, len(events))}
	for i, e := range events {
		batch.Events[i] = msgpackEvent{
			EventID:          e.EventID,
			Timestamp:        e.Timestamp.UTC(),
			EventType:        e.EventType,
			SourceIP:         e.SourceIP,
			DestinationIP:    e.DestinationIP,
			User:             e.User,
			Action:           e.Action,
			Resource:         e.Resource,
			StatusCode:       e.StatusCode,
			BytesTransferred: e.BytesTransferred,
			UserAgent:        e.UserAgent,
			Metadata:         e.Metadata,
		}
	}
	return msgpack.Marshal(&batch)
}

func (m *msgpackEvent) toEvent() *core.Event {
	return &core.Event{
		EventID:          m.EventID,
		Timestamp:        msgpackTimestamp(m.Timestamp),
		EventType:        m.EventType,
		SourceIP:         m.SourceIP,
		DestinationIP:    m.DestinationIP,
		User:             m.User,
		Action:           m.Action,
		Resource:         m.Resource,
		StatusCode:       m.StatusCode,
		BytesTransferred: m.BytesTransferred,
		UserAgent:        m.UserAgent,
		Metadata:         m.Metadata,
	}
}

// msgpackTimestamp returns the zero time for anything unreadable so that
// validation rejects the event on its own
func msgpackTimestamp(v interface{}) time.Time {
	switch ts := v.(type) {
	case time.Time:
		if ts.IsZero() {
			return time.Time{}
		}
		return ts.UTC()
	case string:
		t, _ := parseTimestamp(json.RawMessage(strconv.Quote(ts)))
		return t
	case int64:
		t, _ := fromEpoch(float64(ts))
		return t
	case uint64:
		t, _ := fromEpoch(float64(ts))
		return t
	case float64:
		t, _ := fromEpoch(ts)
		return t
	default:
		return time.Time{}
	}
}
