package protocol

import (
	"encoding/json"
)

// RelayRequest is the data of an HTTP_REQUEST envelope.
type RelayRequest struct {
	URL    string
	Method string

	// Headers holds the string-valued request headers as sent by the server.
	// Entries with non-string values are skipped.
	Headers map[string]string

	// Body is the base64 request body; empty when absent.
	Body string
}

// RelayResult is the result of a relayed HTTP request.
type RelayResult struct {
	URL        string            `json:"url"`
	Status     int               `json:"status"`
	StatusText string            `json:"status_text"`
	Headers    map[string]string `json:"headers"`
	Body       string            `json:"body"` // base64
}

// DecodeRelayRequest extracts a RelayRequest from an envelope's data. The url
// and method fields must be present strings. A headers value that is not an
// object, or a body that is not a string, is ignored.
func DecodeRelayRequest(data map[string]json.RawMessage) (RelayRequest, error) {
	var req RelayRequest
	if err := requiredString(data, "url", &req.URL); err != nil {
		return RelayRequest{}, err
	}
	if err := requiredString(data, "method", &req.Method); err != nil {
		return RelayRequest{}, err
	}

	if raw, ok := data["headers"]; ok {
		var headers map[string]json.RawMessage
		if err := json.Unmarshal(raw, &headers); err == nil {
			req.Headers = make(map[string]string, len(headers))
			for k, v := range headers {
				var s string
				if json.Unmarshal(v, &s) == nil {
					req.Headers[k] = s
				}
			}
		}
	}

	if raw, ok := data["body"]; ok {
		var body string
		if json.Unmarshal(raw, &body) == nil {
			req.Body = body
		}
	}
	return req, nil
}

func requiredString(data map[string]json.RawMessage, key string, dst *string) error {
	raw, ok := data[key]
	if !ok {
		return &DecodeError{Reason: "missing " + key}
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return &DecodeError{Reason: "invalid " + key, Err: err}
	}
	return nil
}
