// Package model defines shared types for the relay.
package model

import (
	"context"
	"encoding/json"
	"net/http"
)

// Mode selects how a relay request reaches the upstream.
type Mode int

const (
	// ModeFullFetch GETs the target and passes its JSON body through.
	ModeFullFetch Mode = iota + 1
	// ModeHeadProbe HEADs the target and reports only status metadata.
	ModeHeadProbe
)

// Method returns the outbound HTTP method for the mode.
func (m Mode) Method() string {
	if m == ModeHeadProbe {
		return http.MethodHead
	}
	return http.MethodGet
}

func (m Mode) String() string {
	switch m {
	case ModeFullFetch:
		return "full_fetch"
	case ModeHeadProbe:
		return "head_probe"
	default:
		return "unknown"
	}
}

// RelayRequest is a single inbound relay call.
type RelayRequest struct {
	Ctx       context.Context
	RawTarget string
	Mode      Mode
}

// Target is a destination that passed the URL policy.
type Target struct {
	Scheme string
	Host   string
	URL    string
}

// FailureKind classifies why an outbound call did not produce a usable result.
type FailureKind int

const (
	FailureTimeout FailureKind = iota + 1
	FailureConnection
	FailureInvalidResponse
	FailurePolicy
)

func (k FailureKind) String() string {
	switch k {
	case FailureTimeout:
		return "timeout"
	case FailureConnection:
		return "connection_error"
	case FailureInvalidResponse:
		return "invalid_response"
	case FailurePolicy:
		return "policy_violation"
	default:
		return "unknown"
	}
}

// Failure describes an unsuccessful outbound call.
type Failure struct {
	Kind   FailureKind
	Detail string
}

// Outcome is the result of one outbound call. It is a success when Failure is nil.
type Outcome struct {
	StatusCode int
	StatusText string
	Header     http.Header
	// Body holds the validated upstream JSON for ModeFullFetch; nil for ModeHeadProbe.
	Body json.RawMessage

	Failure *Failure
}

// OK reports whether the outcome is a success.
func (o Outcome) OK() bool {
	return o.Failure == nil
}

// Fail builds a failed Outcome.
func Fail(kind FailureKind, detail string) Outcome {
	return Outcome{Failure: &Failure{Kind: kind, Detail: detail}}
}

// RelayResponse is the final status and JSON body sent to the caller.
// A json.RawMessage body is written as-is.
type RelayResponse struct {
	Status int
	Body   any
}
