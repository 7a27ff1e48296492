package mcpproxy

import (
	"encoding/json"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
)

// wireProbe is a shallow view of a relayed message. The relay never rewrites
// messages; the probe only answers routing questions (is this a response, and
// to which id) for the browser-facing transports.
type wireProbe struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
}

func probeMessage(msg jsonrpc.Message) wireProbe {
	data, err := jsonrpc.EncodeMessage(msg)
	if err != nil {
		return wireProbe{}
	}
	var probe wireProbe
	if err := json.Unmarshal(data, &probe); err != nil {
		return wireProbe{}
	}
	return probe
}

func (p wireProbe) hasID() bool {
	return len(p.ID) > 0 && string(p.ID) != "null"
}

// idKey is the routing key for matching a response to the request that
// carried the same wire id.
func (p wireProbe) idKey() string { return string(p.ID) }

func (p wireProbe) isRequest() bool      { return p.Method != "" && p.hasID() }
func (p wireProbe) isNotification() bool { return p.Method != "" && !p.hasID() }
func (p wireProbe) isResponse() bool     { return p.Method == "" && p.hasID() }

type notificationParams struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

func syntheticNotification(method string, params any) (jsonrpc.Message, error) {
	data, err := json.Marshal(notificationParams{JSONRPC: "2.0", Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("mcpproxy: encode %s notification: %w", method, err)
	}
	msg, err := jsonrpc.DecodeMessage(data)
	if err != nil {
		return nil, fmt.Errorf("mcpproxy: decode %s notification: %w", method, err)
	}
	return msg, nil
}

// stderrNotification wraps one chunk of a child process diagnostic stream
// into the notification delivered to the browser side.
func stderrNotification(chunk string) (jsonrpc.Message, error) {
	return syntheticNotification("stderr", map[string]string{"data": chunk})
}

// errorNotification reports a failure in-band on a stream that has already
// been committed to the browser.
func errorNotification(message string) (jsonrpc.Message, error) {
	return syntheticNotification("error", map[string]string{"message": message})
}
