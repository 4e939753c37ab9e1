package onebot

import (
	"encoding/json"

	"github.com/google/uuid"
)

// OutboundAction is one OneBot V11 action frame.
type OutboundAction struct {
	Action string         `json:"action"`
	Params map[string]any `json:"params"`
	Echo   string         `json:"echo"`
}

// ActionResponse is the gateway's reply to an action frame, matched to
// its OutboundAction by echo.
type ActionResponse struct {
	Status  string          `json:"status"`
	Retcode int             `json:"retcode"`
	Data    json.RawMessage `json:"data"`
	Echo    string          `json:"echo"`
}

// OK reports whether the gateway accepted the action.
func (r *ActionResponse) OK() bool { return r.Retcode == 0 }

// NewReply builds the action that answers ev with the given segments,
// routed to the originating group or private chat.
func NewReply(ev *InboundEvent, segments ...Segment) *OutboundAction {
	a := &OutboundAction{
		Params: map[string]any{"message": segments},
		Echo:   uuid.NewString(),
	}
	if ev.IsGroup() {
		a.Action = "send_group_msg"
		a.Params["group_id"] = ev.GroupID
	} else {
		a.Action = "send_private_msg"
		a.Params["user_id"] = ev.UserID
	}
	return a
}

// ParseActionResponse decodes an action response frame; it returns
// ErrNotMessage when the frame carries no echo.
func ParseActionResponse(data []byte) (*ActionResponse, error) {
	var resp ActionResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, &ProtocolError{Reason: "malformed action response", Err: err}
	}
	if resp.Echo == "" {
		return nil, ErrNotMessage
	}
	return &resp, nil
}
