// Package service implements the relay pipeline: validate the destination,
// execute the outbound call, normalize the result.
package service

import (
	"log/slog"

	"safe-relay-go/internal/client"
	"safe-relay-go/internal/metrics"
	"safe-relay-go/internal/model"
	"safe-relay-go/internal/target"
)

// RelayService runs relay requests end to end. It holds no per-request state.
type RelayService struct {
	policy  *target.Policy
	client  *client.RelayClient
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewRelayService creates a RelayService.
// The metrics parameter is optional; pass nil to disable rejection metrics.
func NewRelayService(policy *target.Policy, c *client.RelayClient, logger *slog.Logger, m *metrics.Metrics) *RelayService {
	return &RelayService{
		policy:  policy,
		client:  c,
		logger:  logger.With("component", "relay_service"),
		metrics: m,
	}
}

// Relay validates req.RawTarget, performs the outbound call and returns the
// normalized response. Every failure is reported in the response; a rejected
// destination is never contacted.
func (s *RelayService) Relay(req *model.RelayRequest) model.RelayResponse {
	t, err := s.policy.Validate(req.RawTarget)
	if err != nil {
		if s.metrics != nil {
			s.metrics.PolicyRejections.WithLabelValues(metrics.StageValidate).Inc()
		}
		s.logger.Warn("target rejected",
			"mode", req.Mode.String(),
			"err", err,
		)
		return Normalize(req.Mode, model.Fail(model.FailurePolicy, err.Error()))
	}

	out := s.client.Execute(req.Ctx, t, req.Mode)
	if !out.OK() {
		s.logger.Warn("relay failed",
			"mode", req.Mode.String(),
			"host", t.Host,
			"kind", out.Failure.Kind.String(),
			"detail", out.Failure.Detail,
		)
	} else {
		s.logger.Debug("relay succeeded",
			"mode", req.Mode.String(),
			"host", t.Host,
			"upstream_status", out.StatusCode,
			"content_type", out.Header.Get("Content-Type"),
		)
	}

	return Normalize(req.Mode, out)
}
