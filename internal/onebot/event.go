// Package onebot implements the OneBot V11 wire format: inbound event
// frames are decoded into InboundEvent, outbound replies are encoded as
// action frames. Everything else on the socket (heartbeats, lifecycle
// notices, action responses) is identified but not interpreted here.
package onebot

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ProtocolError marks a frame that does not parse as OneBot V11.
// Such frames are logged and dropped, never fatal.
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("onebot: %s: %v", e.Reason, e.Err)
	}
	return "onebot: " + e.Reason
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// ErrNotMessage marks a well-formed frame that is not a chat message
// (heartbeat, lifecycle, action response). Callers skip these.
var ErrNotMessage = errors.New("onebot: not a message event")

// InboundEvent is the internal shape of one inbound chat message.
type InboundEvent struct {
	MessageID int64
	UserID    int64
	UserName  string
	GroupID   int64 // 0 for private chats
	SelfID    int64
	Text      string
	ImageURL  string // first image segment, if any
	AtSelf    bool   // the bot itself was @-mentioned
	Time      time.Time
}

// IsGroup reports whether the message came from a group chat.
func (e *InboundEvent) IsGroup() bool { return e.GroupID != 0 }

// SessionKey identifies the conversation this event belongs to. Group
// chats share one session per group; private chats one per user.
func (e *InboundEvent) SessionKey() string {
	if e.IsGroup() {
		return fmt.Sprintf("group:%d", e.GroupID)
	}
	return fmt.Sprintf("private:%d", e.UserID)
}

type rawEvent struct {
	Time        int64           `json:"time"`
	SelfID      int64           `json:"self_id"`
	PostType    string          `json:"post_type"`
	MessageType string          `json:"message_type"`
	MessageID   int64           `json:"message_id"`
	UserID      int64           `json:"user_id"`
	GroupID     int64           `json:"group_id"`
	Message     json.RawMessage `json:"message"`
	RawMessage  string          `json:"raw_message"`
	Sender      struct {
		UserID   int64  `json:"user_id"`
		Nickname string `json:"nickname"`
	} `json:"sender"`
	Echo string `json:"echo"`
}

// ParseEvent decodes one inbound frame. It returns ErrNotMessage for
// non-message frames and a *ProtocolError for frames that do not parse.
func ParseEvent(data []byte) (*InboundEvent, error) {
	var raw rawEvent
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, &ProtocolError{Reason: "malformed frame", Err: err}
	}
	if raw.Echo != "" || raw.PostType != "message" {
		return nil, ErrNotMessage
	}
	if raw.MessageType != "group" && raw.MessageType != "private" {
		return nil, &ProtocolError{Reason: "unknown message_type " + raw.MessageType}
	}
	if raw.UserID == 0 {
		return nil, &ProtocolError{Reason: "message event without user_id"}
	}

	ev := &InboundEvent{
		MessageID: raw.MessageID,
		UserID:    raw.UserID,
		UserName:  raw.Sender.Nickname,
		SelfID:    raw.SelfID,
		Time:      time.Unix(raw.Time, 0),
	}
	if raw.MessageType == "group" {
		if raw.GroupID == 0 {
			return nil, &ProtocolError{Reason: "group message without group_id"}
		}
		ev.GroupID = raw.GroupID
	}

	text, image, mentions, err := flattenMessage(raw.Message, raw.RawMessage)
	if err != nil {
		return nil, err
	}
	ev.Text = text
	ev.ImageURL = image
	if raw.SelfID != 0 {
		self := strconv.FormatInt(raw.SelfID, 10)
		for _, qq := range mentions {
			if qq == self {
				ev.AtSelf = true
				break
			}
		}
	}
	return ev, nil
}

// flattenMessage reduces a OneBot message (segment array or CQ string)
// to plain text, the first image reference, and the @-mentioned IDs.
func flattenMessage(msg json.RawMessage, rawFallback string) (string, string, []string, error) {
	if len(msg) == 0 {
		return strings.TrimSpace(rawFallback), "", nil, nil
	}

	// String form: treat as plain text (CQ codes left as-is).
	var s string
	if err := json.Unmarshal(msg, &s); err == nil {
		return strings.TrimSpace(s), "", nil, nil
	}

	var segs []Segment
	if err := json.Unmarshal(msg, &segs); err != nil {
		return "", "", nil, &ProtocolError{Reason: "malformed message field", Err: err}
	}

	var b strings.Builder
	var image string
	var mentions []string
	for _, seg := range segs {
		switch seg.Type {
		case "text":
			b.WriteString(seg.Data.Text)
		case "image":
			if image == "" {
				if seg.Data.URL != "" {
					image = seg.Data.URL
				} else {
					image = seg.Data.File
				}
			}
		case "at":
			b.WriteString("[AT: " + seg.Data.QQ + "]")
			mentions = append(mentions, seg.Data.QQ)
		}
	}
	return strings.TrimSpace(b.String()), image, mentions, nil
}
