package broadcast

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrMalformedRequest = errors.New("malformed request")
	ErrUnknownAction    = errors.New("unknown action")
)

// Action is a client request verb
type Action string

const (
	ActionSubscribe   Action = "subscribe"
	ActionUnsubscribe Action = "unsubscribe"
	ActionPing        Action = "ping"
)

// SymbolList accepts either a JSON string or a list of strings
type SymbolList []string

func (l *SymbolList) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		if single == "" {
			*l = nil
		} else {
			*l = SymbolList{single}
		}
		return nil
	}

	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("symbols must be a string or a list of strings")
	}
	*l = many
	return nil
}

// Request is one client->server message
type Request struct {
	Action  Action     `json:"action"`
	Symbols SymbolList `json:"symbols"`
}

// ParseRequest decodes a client message. An unknown action yields the parsed
// request together with ErrUnknownAction.
func ParseRequest(data []byte) (Request, error) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return req, fmt.Errorf("%w: %v", ErrMalformedRequest, err)
	}
	req.Action = Action(strings.ToLower(strings.TrimSpace(string(req.Action))))

	switch req.Action {
	case ActionSubscribe, ActionUnsubscribe, ActionPing:
		return req, nil
	case "":
		return req, fmt.Errorf("%w: missing action", ErrMalformedRequest)
	default:
		return req, fmt.Errorf("%w: %q", ErrUnknownAction, req.Action)
	}
}
