package message

import (
	"encoding/json"

	"github.com/c360/ratebridge/errors"
)

// Reply is the JSON body published on the response topic. Currency echoes
// the query's cache key ("ALL" or the argument list verbatim); RequestID is
// the rid of the request being answered, re-stamped on every replay.
type Reply struct {
	Rates        map[string]float64 `json:"rates,omitempty"`
	BaseCurrency string             `json:"baseCurrency,omitempty"`
	Date         string             `json:"date,omitempty"`
	Currency     string             `json:"currency,omitempty"`
	RequestID    string             `json:"requestId"`

	// Error marks a synthetic failure reply emitted when upstream retries
	// are exhausted, so the edge can surface Upstream instead of timing out.
	Error string `json:"error,omitempty"`
}

// ErrorUpstreamUnavailable is the Error value of a synthetic failure reply
const ErrorUpstreamUnavailable = "upstream_unavailable"

// NewUpstreamError builds the synthetic reply for an exhausted fetch
func NewUpstreamError(rid string) Reply {
	return Reply{RequestID: rid, Error: ErrorUpstreamUnavailable}
}

// IsError reports whether this reply carries a failure instead of rates
func (r Reply) IsError() bool {
	return r.Error != ""
}

// Encode serialises the reply for the response topic
func (r Reply) Encode() ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, errors.Wrap(err, "Reply", "Encode", "json marshal")
	}
	return data, nil
}

// DecodeReply parses a response-topic body
func DecodeReply(data []byte) (Reply, error) {
	var r Reply
	if err := json.Unmarshal(data, &r); err != nil {
		return Reply{}, errors.WrapInvalid(err, "Reply", "DecodeReply", "json unmarshal")
	}
	return r, nil
}

// Contains reports whether every requested code has a rate in this reply.
// A strict mismatch is treated as a cache miss by the freshness engine.
func (r Reply) Contains(codes []string) bool {
	for _, code := range codes {
		if _, ok := r.Rates[code]; !ok {
			return false
		}
	}
	return true
}

// Project returns a copy narrowed to the requested codes. A nil code list
// (ALL) returns the reply unchanged.
func (r Reply) Project(codes []string) Reply {
	if codes == nil {
		return r
	}
	projected := make(map[string]float64, len(codes))
	for _, code := range codes {
		if rate, ok := r.Rates[code]; ok {
			projected[code] = rate
		}
	}
	out := r
	out.Rates = projected
	return out
}
