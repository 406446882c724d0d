// Package message defines the wire-level types exchanged over the bus: the
// query envelope, the reply body, and the currency registry.
package message

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/c360/ratebridge/errors"
)

// Kind identifies the query type carried in an envelope
type Kind string

// Query kinds accepted on the request topic
const (
	KindAll    Kind = "ALL"
	KindSingle Kind = "SINGLE"
	KindFilter Kind = "FILTER"
)

// codePattern matches a single three-uppercase-letter currency code
var codePattern = regexp.MustCompile(`^[A-Z]{3}$`)

// Envelope is the logical query carried as the literal string
// "<kind>:<argument>" in a bus record body. The argument is empty for ALL,
// one code for SINGLE, and a comma-separated code list for FILTER.
type Envelope struct {
	Kind     Kind
	Argument string
}

// ParseEnvelope decodes a bus record body. The body must carry one of the
// three known prefixes; anything else is ErrUnrecognised.
func ParseEnvelope(body string) (Envelope, error) {
	if body == "" {
		return Envelope{}, errors.WrapInvalid(errors.ErrUnrecognised,
			"Envelope", "ParseEnvelope", "empty body")
	}

	idx := strings.Index(body, ":")
	if idx < 0 {
		return Envelope{}, errors.WrapInvalid(
			fmt.Errorf("no kind prefix in %q: %w", body, errors.ErrUnrecognised),
			"Envelope", "ParseEnvelope", "prefix detection")
	}

	env := Envelope{
		Kind:     Kind(body[:idx]),
		Argument: strings.TrimSpace(body[idx+1:]),
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// Encode renders the envelope as the wire body "<kind>:<argument>"
func (e Envelope) Encode() string {
	return string(e.Kind) + ":" + e.Argument
}

// Validate checks the kind and that the argument matches it: empty for ALL,
// one code for SINGLE, a comma-separated code list for FILTER.
func (e Envelope) Validate() error {
	switch e.Kind {
	case KindAll:
		if e.Argument != "" {
			return errors.WrapInvalid(
				fmt.Errorf("ALL takes no argument, got %q: %w", e.Argument, errors.ErrUnrecognised),
				"Envelope", "Validate", "argument check")
		}
	case KindSingle:
		if !codePattern.MatchString(e.Argument) {
			return errors.WrapInvalid(
				fmt.Errorf("bad SINGLE code %q: %w", e.Argument, errors.ErrUnrecognised),
				"Envelope", "Validate", "argument check")
		}
	case KindFilter:
		if e.Argument == "" {
			return errors.WrapInvalid(
				fmt.Errorf("FILTER takes a code list: %w", errors.ErrUnrecognised),
				"Envelope", "Validate", "argument check")
		}
		for _, code := range strings.Split(e.Argument, ",") {
			if !codePattern.MatchString(strings.TrimSpace(code)) {
				return errors.WrapInvalid(
					fmt.Errorf("bad FILTER code %q: %w", code, errors.ErrUnrecognised),
					"Envelope", "Validate", "argument check")
			}
		}
	default:
		return errors.WrapInvalid(
			fmt.Errorf("unknown kind %q: %w", e.Kind, errors.ErrUnrecognised),
			"Envelope", "Validate", "kind check")
	}
	return nil
}

// CacheKey returns the durable key for this query: the literal "ALL" for
// ALL, otherwise the argument text verbatim. The payload ledger keys on the
// full wire body; cached replies key on this value.
func (e Envelope) CacheKey() string {
	if e.Kind == KindAll {
		return string(KindAll)
	}
	return e.Argument
}

// Codes returns the requested code set. ALL returns nil (no projection).
func (e Envelope) Codes() []string {
	if e.Kind == KindAll {
		return nil
	}
	parts := strings.Split(e.Argument, ",")
	codes := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			codes = append(codes, p)
		}
	}
	return codes
}

// CodeSet splits a comma-separated code list into a set. Comparison between
// a request and a cached reply is set-based even though storage keys are
// exact text.
func CodeSet(list string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, code := range strings.Split(list, ",") {
		code = strings.TrimSpace(code)
		if code != "" {
			set[code] = struct{}{}
		}
	}
	return set
}

// SortedCodes returns the set's members in lexical order, for stable logging
func SortedCodes(set map[string]struct{}) []string {
	codes := make([]string, 0, len(set))
	for code := range set {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}
