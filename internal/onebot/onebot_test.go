package onebot

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseEvent_GroupMessage(t *testing.T) {
	frame := `{
		"time": 1700000000,
		"self_id": 10000,
		"post_type": "message",
		"message_type": "group",
		"message_id": 42,
		"group_id": 123456,
		"user_id": 654321,
		"message": [
			{"type": "at", "data": {"qq": "10000"}},
			{"type": "text", "data": {"text": " hi"}}
		],
		"sender": {"user_id": 654321, "nickname": "alice"}
	}`

	ev, err := ParseEvent([]byte(frame))
	require.NoError(t, err)
	require.True(t, ev.IsGroup())
	require.Equal(t, int64(42), ev.MessageID)
	require.Equal(t, int64(654321), ev.UserID)
	require.Equal(t, "alice", ev.UserName)
	require.Equal(t, "[AT: 10000] hi", ev.Text)
	require.True(t, ev.AtSelf)
	require.Equal(t, "group:123456", ev.SessionKey())
}

func TestParseEvent_AtSomeoneElse(t *testing.T) {
	frame := `{
		"time": 1700000000,
		"self_id": 10000,
		"post_type": "message",
		"message_type": "group",
		"message_id": 43,
		"group_id": 123456,
		"user_id": 654321,
		"message": [
			{"type": "at", "data": {"qq": "20000"}},
			{"type": "text", "data": {"text": " morning"}}
		]
	}`

	ev, err := ParseEvent([]byte(frame))
	require.NoError(t, err)
	require.False(t, ev.AtSelf)
}

func TestParseEvent_PrivateStringMessage(t *testing.T) {
	frame := `{
		"post_type": "message",
		"message_type": "private",
		"message_id": 7,
		"user_id": 99,
		"message": "hi",
		"sender": {"nickname": "bob"}
	}`

	ev, err := ParseEvent([]byte(frame))
	require.NoError(t, err)
	require.False(t, ev.IsGroup())
	require.Equal(t, "hi", ev.Text)
	require.Equal(t, "private:99", ev.SessionKey())
}

func TestParseEvent_ImageSegment(t *testing.T) {
	frame := `{
		"post_type": "message",
		"message_type": "private",
		"message_id": 8,
		"user_id": 99,
		"message": [
			{"type": "text", "data": {"text": "look"}},
			{"type": "image", "data": {"file": "abc.jpg", "url": "https://img.example.com/abc.jpg"}}
		]
	}`

	ev, err := ParseEvent([]byte(frame))
	require.NoError(t, err)
	require.Equal(t, "look", ev.Text)
	require.Equal(t, "https://img.example.com/abc.jpg", ev.ImageURL)
}

func TestParseEvent_Heartbeat(t *testing.T) {
	frame := `{"post_type": "meta_event", "meta_event_type": "heartbeat"}`
	_, err := ParseEvent([]byte(frame))
	require.ErrorIs(t, err, ErrNotMessage)
}

func TestParseEvent_Malformed(t *testing.T) {
	cases := map[string]string{
		"not json":       `{not json`,
		"bad msg type":   `{"post_type":"message","message_type":"channel","user_id":1}`,
		"no user":        `{"post_type":"message","message_type":"private"}`,
		"group no gid":   `{"post_type":"message","message_type":"group","user_id":1}`,
		"bad msg field":  `{"post_type":"message","message_type":"private","user_id":1,"message":12}`,
	}
	for name, frame := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseEvent([]byte(frame))
			var perr *ProtocolError
			require.True(t, errors.As(err, &perr), "expected ProtocolError, got %v", err)
		})
	}
}

func TestNewReply_Routing(t *testing.T) {
	group := &InboundEvent{GroupID: 123, UserID: 456}
	a := NewReply(group, Text("hello"))
	require.Equal(t, "send_group_msg", a.Action)
	require.Equal(t, int64(123), a.Params["group_id"])
	require.NotEmpty(t, a.Echo)

	private := &InboundEvent{UserID: 456}
	a = NewReply(private, Text("hello"))
	require.Equal(t, "send_private_msg", a.Action)
	require.Equal(t, int64(456), a.Params["user_id"])
}

func TestParseActionResponse(t *testing.T) {
	resp, err := ParseActionResponse([]byte(`{"status":"ok","retcode":0,"echo":"e1"}`))
	require.NoError(t, err)
	require.True(t, resp.OK())

	_, err = ParseActionResponse([]byte(`{"status":"ok","retcode":0}`))
	require.ErrorIs(t, err, ErrNotMessage)
}
