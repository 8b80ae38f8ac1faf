package service

import (
	"net/http"

	"safe-relay-go/internal/model"
)

// probeFailedMessage is the fixed error label of a failed head probe.
const probeFailedMessage = "Fetch failed"

type fetchError struct {
	Error string `json:"error"`
}

type probeStatus struct {
	Status     int    `json:"status"`
	StatusText string `json:"statusText"`
}

type probeError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Normalize maps an outcome onto the response envelope for mode.
//
//	full fetch, success  -> 200, upstream JSON verbatim
//	full fetch, failure  -> 500, {"error": detail}
//	head probe, success  -> 200, {"status": code, "statusText": reason}
//	head probe, failure  -> 500, {"error": "Fetch failed", "message": detail}
func Normalize(mode model.Mode, out model.Outcome) model.RelayResponse {
	if mode == model.ModeHeadProbe {
		if !out.OK() {
			return model.RelayResponse{
				Status: http.StatusInternalServerError,
				Body:   probeError{Error: probeFailedMessage, Message: out.Failure.Detail},
			}
		}
		return model.RelayResponse{
			Status: http.StatusOK,
			Body:   probeStatus{Status: out.StatusCode, StatusText: out.StatusText},
		}
	}

	if !out.OK() {
		return model.RelayResponse{
			Status: http.StatusInternalServerError,
			Body:   fetchError{Error: out.Failure.Detail},
		}
	}
	return model.RelayResponse{
		Status: http.StatusOK,
		Body:   out.Body,
	}
}
