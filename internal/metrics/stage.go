// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package metrics

import (
	"context"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/agentgateway/agentgateway-go/internal/gwerrors"
	"github.com/agentgateway/agentgateway-go/internal/pipeline"
	"github.com/agentgateway/agentgateway-go/internal/redaction"
	"github.com/agentgateway/agentgateway-go/internal/snapshot"
)

// Stage is the pipeline.Stage that always runs, regardless of policy
// attachment: it records the gen_ai Prometheus histograms and emits one
// structured access-log line per exchange, the way tracing.Stage always
// runs regardless of whether a tracing policy is attached. One Stage
// instance is built per ext_proc/ext_authz stream and its Evaluate method
// runs across the request and response phases.
type Stage struct {
	Metrics *Metrics
	Logger  *zap.Logger
	// LogBodies includes a redacted placeholder for the request/response
	// body in the access-log line; it costs a CRC32 pass over both bodies so
	// defaults to off.
	LogBodies bool

	started bool
}

// Metrics owns the Prometheus registration and is shared across every
// Stage instance in the process.
type Metrics struct {
	genAI *genAI
}

// New registers the gen_ai metric vectors against registry. Construct one
// Metrics per process and share it across every Stage.
func New(registry prometheus.Registerer) *Metrics {
	return &Metrics{genAI: newGenAI(registry)}
}

func (s *Stage) Name() string { return "metrics" }

func (s *Stage) Evaluate(ctx context.Context, snap *snapshot.Snapshot) (pipeline.Decision, error) {
	if snap.Response() == nil {
		s.started = true
		return pipeline.Continue(nil), nil
	}
	if !s.started {
		// A response phase with no preceding request phase observed by this
		// Stage (e.g. denied before ext_proc ever saw a request phase);
		// nothing to record against.
		return pipeline.Continue(nil), nil
	}

	resp := snap.Response()
	if resp != nil && !resp.EndOfStream {
		return pipeline.Continue(nil), nil
	}

	s.record(snap)
	s.log(snap)
	return pipeline.Continue(nil), nil
}

func (s *Stage) record(snap *snapshot.Snapshot) {
	if s.Metrics == nil {
		return
	}
	start := snap.StartTime()
	req := snap.Request()
	resp := snap.Response()
	llm := snap.LLM()

	operation, system, model := "", "", ""
	if llm != nil {
		model = llm.Model
	}
	if backend := snap.Backend(); backend != nil {
		system = backend.Provider
		if model == "" {
			model = backend.Model
		}
	}
	if req != nil {
		operation = req.Path
	}

	errType := ""
	if resp != nil && resp.Status >= 400 {
		errType = strconv.Itoa(resp.Status)
	}
	if !start.IsZero() {
		s.Metrics.genAI.requestLatency.WithLabelValues(operation, system, model, errType).
			Observe(time.Since(start).Seconds())
	}
	if ft := snap.FirstTokenTime(); !ft.IsZero() && !start.IsZero() {
		s.Metrics.genAI.firstTokenLatency.WithLabelValues(operation, system, model).
			Observe(ft.Sub(start).Seconds())
	}
	if llm != nil {
		if llm.InputTokens > 0 {
			s.Metrics.genAI.tokenUsage.WithLabelValues(operation, system, "input", model).Observe(float64(llm.InputTokens))
		}
		if llm.OutputTokens > 0 {
			s.Metrics.genAI.tokenUsage.WithLabelValues(operation, system, "output", model).Observe(float64(llm.OutputTokens))
		}
	}

	status := 0
	path := ""
	method := ""
	if resp != nil {
		status = resp.Status
	}
	if req != nil {
		path = req.Path
		method = req.Method
	}
	s.Metrics.genAI.requestTotal.WithLabelValues(method, path, strconv.Itoa(status), errType).Inc()
}

// log emits the access-log line spec'd as always capturing start_time,
// method, path, status, bytes_in/out, llm model/provider/tokens and the
// error kind if any.
func (s *Stage) log(snap *snapshot.Snapshot) {
	if s.Logger == nil {
		return
	}
	req := snap.Request()
	resp := snap.Response()
	llm := snap.LLM()
	backend := snap.Backend()

	fields := []zap.Field{zap.Time("start_time", snap.StartTime())}
	if req != nil {
		fields = append(fields, zap.String("method", req.Method), zap.String("path", req.Path), zap.Int64("bytes_in", req.Size))
		if s.LogBodies && len(req.Body) > 0 {
			fields = append(fields, zap.String("request_body", redaction.RedactString(string(req.Body))))
		}
	}
	if resp != nil {
		fields = append(fields, zap.Int("status", resp.Status), zap.Int64("bytes_out", resp.Size))
		if s.LogBodies && len(resp.Body) > 0 {
			fields = append(fields, zap.String("response_body", redaction.RedactString(string(resp.Body))))
		}
	}
	if llm != nil {
		fields = append(fields,
			zap.String("llm_model", llm.Model),
			zap.Int64("llm_input_tokens", llm.InputTokens),
			zap.Int64("llm_output_tokens", llm.OutputTokens),
		)
	}
	if backend != nil {
		fields = append(fields, zap.String("llm_provider", backend.Provider))
	}
	if resp != nil && resp.Status >= 400 {
		fields = append(fields, zap.String("error_kind", errorKind(resp.Status)))
	}
	s.Logger.Info("access_log", fields...)
}

// errorKind maps an HTTP status back to the gwerrors.Kind whose HTTPStatus
// produced it, best-effort, for access-log entries that only have the
// status to go on (the originating *gwerrors.Error, if any, has already
// been translated to a status by the time this stage runs).
func errorKind(status int) string {
	for _, k := range []gwerrors.Kind{
		gwerrors.KindAuthentication, gwerrors.KindAuthorization, gwerrors.KindExternalAuthzFailed,
		gwerrors.KindPromptWebhookError, gwerrors.KindRequestTooLarge, gwerrors.KindResponseTooLarge,
		gwerrors.KindUnsupportedConversion, gwerrors.KindUnsupportedModel, gwerrors.KindUnsupportedContent,
		gwerrors.KindUpstreamError, gwerrors.KindTransportError, gwerrors.KindRateLimited,
	} {
		if gwerrors.HTTPStatus(k) == status {
			return string(k)
		}
	}
	return "unknown"
}
