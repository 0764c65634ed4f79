package ingest

import (
	"testing"
	"time"

	"threatwatch/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeBatch_TimestampFormats(t *testing.T) {
	payload := []byte(`{"events":[
		{"eventId":"a","timestamp":1736935200,"eventType":"authentication","sourceIp":"10.0.0.1","action":"login_failed"},
		{"eventId":"b","timestamp":"2025-01-15T10:00:00Z","eventType":"api_request"},
		{"eventId":"c","timestamp":"2025-01-15T11:00:00+01:00"},
		{"eventId":"d","timestamp":1736935200.5},
		{"eventId":"e","timestamp":"1736935200"}
	]}`)

	events, err := DecodeBatch(payload)
	require.NoError(t, err)
	require.Len(t, events, 5)

	want := time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)
	for _, e := range events[:3] {
		assert.True(t, want.Equal(e.Timestamp), "event %s: %v", e.EventID, e.Timestamp)
		assert.Equal(t, time.UTC, e.Timestamp.Location())
	}
	assert.True(t, want.Add(500*time.Millisecond).Equal(events[3].Timestamp))
	assert.True(t, want.Equal(events[4].Timestamp))

	assert.Equal(t, core.EventTypeAuthentication, events[0].EventType)
	assert.Equal(t, "10.0.0.1", events[0].SourceIP)
	assert.Nil(t, events[0].BytesTransferred)
}

func TestDecodeBatch_BadTimestampLeavesEventMalformed(t *testing.T) {
	events, err := DecodeBatch([]byte(`{"events":[{"eventId":"a","timestamp":"yesterday"},{"eventId":"b"}]}`))
	require.NoError(t, err)
	require.Len(t, events, 2)
	for _, e := range events {
		assert.True(t, e.Timestamp.IsZero())
		assert.Error(t, e.Validate())
	}
}

func TestDecodeBatch_Undecodable(t *testing.T) {
	for name, payload := range map[string]string{
		"not json":       `{"events":[`,
		"missing events": `{"batch":[]}`,
		"wrong shape":    `{"events":{"eventId":"a"}}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeBatch([]byte(payload))
			assert.ErrorIs(t, err, ErrUndecodable)
		})
	}
}

func TestDecodeEvent_OptionalFields(t *testing.T) {
	e, err := DecodeEvent([]byte(`{"eventId":"x","timestamp":1736935200,"bytesTransferred":2048,"metadata":{"geo":{"lat":1.5}}}`))
	require.NoError(t, err)
	require.NotNil(t, e.BytesTransferred)
	assert.Equal(t, int64(2048), *e.BytesTransferred)
	assert.Contains(t, e.Metadata, "geo")

	_, err = DecodeEvent([]byte(`[]`))
	assert.ErrorIs(t, err, ErrUndecodable)
}

func TestEncodeBatch_RoundTripsThroughDecoder(t *testing.T) {
	bytes := int64(10)
	in := []*core.Event{{
		EventID:          "evt-1",
		Timestamp:        time.Date(2025, 1, 15, 10, 0, 0, 250, time.UTC),
		EventType:        core.EventTypeFileAccess,
		User:             "bob",
		BytesTransferred: &bytes,
	}}
	data, err := EncodeBatch(in)
	require.NoError(t, err)

	out, err := DecodeBatch(data)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.True(t, in[0].Timestamp.Equal(out[0].Timestamp))
	assert.Equal(t, in[0].User, out[0].User)
	assert.Equal(t, bytes, *out[0].BytesTransferred)
}
