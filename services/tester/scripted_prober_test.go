package tester

import (
	"context"

	"github.com/twardoch/lmstrix/services/backend"
)

// scriptedProber is a deterministic fake satisfying backend.Prober, driven
// by a function from requested context size to the outcome it should
// return. It never talks to a real backend — this is what lets the C4
// strategy engine be exercised without a live inference server.
type scriptedProber struct {
	outcome func(size int) backend.Outcome
	sizes   []int
}

func (s *scriptedProber) Probe(_ context.Context, req backend.ProbeRequest) (backend.Outcome, error) {
	s.sizes = append(s.sizes, req.CtxSize)
	return s.outcome(req.CtxSize), nil
}

func (s *scriptedProber) ListDownloadedModels(_ context.Context) ([]backend.DownloadedModel, error) {
	return nil, nil
}

func success(text string) backend.Outcome {
	return backend.Outcome{Class: backend.ClassSuccess, ResponseText: text}
}

func loadFailed(kind, detail string) backend.Outcome {
	return backend.Outcome{Class: backend.ClassLoadFailed, ErrorKind: kind, Detail: detail}
}

func inferenceHung() backend.Outcome {
	return backend.Outcome{Class: backend.ClassInferenceHung}
}
