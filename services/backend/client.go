package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/awnumar/memguard"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/time/rate"

	"github.com/twardoch/lmstrix/services/errs"
)

var tracer = otel.Tracer("lmstrix.backend")

// Config configures a Client. BaseURL is the only required field; the rest
// have sensible defaults applied by New.
type Config struct {
	// BaseURL is the inference server's management API root, e.g.
	// "http://localhost:1234".
	BaseURL string

	// APIKey authenticates against backends that gate their management API.
	// Most local single-user servers need none; when set, it is held in a
	// memguard enclave rather than a plain string (spec §9 calls for no
	// probe-time secret handling to be an afterthought, and the teacher's
	// own secrets handling follows the same pattern).
	APIKey string

	// SettleDelay is the pause inserted on each side of a load/unload cycle
	// to avoid rapid-cycle connection resets (spec §4.1, default 500ms).
	SettleDelay time.Duration

	// HTTPClient lets callers supply a custom transport (tests use this to
	// point at an httptest.Server). Defaults to a client with no built-in
	// timeout — timeouts are enforced per-request via context instead, since
	// load and inference have independent budgets (spec §4.1).
	HTTPClient *http.Client
}

// Client drives a single locally-running inference server over HTTP,
// implementing Prober. Grounded on the teacher's OllamaClient/MultiModelManager:
// same load -> complete -> unload shape, same option-map construction, same
// otel span-per-call convention.
type Client struct {
	baseURL    string
	httpClient *http.Client
	apiKey     *memguard.Enclave
	settle     *rate.Limiter
	logger     *slog.Logger
}

// New constructs a Client. The returned Client does not contact the backend
// until Probe or ListDownloadedModels is called.
func New(cfg Config) *Client {
	settleDelay := cfg.SettleDelay
	if settleDelay <= 0 {
		settleDelay = 500 * time.Millisecond
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	var enclave *memguard.Enclave
	if cfg.APIKey != "" {
		enclave = memguard.NewEnclave([]byte(cfg.APIKey))
	}

	return &Client{
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		httpClient: httpClient,
		apiKey:     enclave,
		// Burst of 2 lets one load and one unload each get an immediate
		// token; steady-state spacing still enforces settleDelay between
		// consecutive probes.
		settle: rate.NewLimiter(rate.Every(settleDelay), 2),
		logger: slog.Default().With("component", "backend.Client"),
	}
}

// Probe implements the Backend Adapter's sole operation (spec §4.1): load
// req.ModelID at req.CtxSize, run one bounded completion, and always
// unload — including on every error path and on cancellation — before
// returning.
func (c *Client) Probe(ctx context.Context, req ProbeRequest) (Outcome, error) {
	ctx, span := tracer.Start(ctx, "backend.Probe")
	defer span.End()
	span.SetAttributes(
		attribute.String("lmstrix.model_id", req.ModelID),
		attribute.Int("lmstrix.ctx_size", req.CtxSize),
	)

	if req.CtxSize <= 0 {
		err := fmt.Errorf("ctx size must be positive, got %d", req.CtxSize)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Outcome{}, err
	}

	var handle string
	defer func() {
		_ = c.settle.Wait(context.Background())
		if handle == "" {
			return
		}
		unloadCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := c.unload(unloadCtx, handle); err != nil {
			// unload_error is recorded, not fatal — the probe's load/inference
			// classification already stands (spec §4.4.4).
			c.logger.Warn("unload failed after probe", "model_id", req.ModelID, "error", err)
			span.AddEvent("unload_error", attribute_event(err))
		}
	}()

	if err := c.settle.Wait(ctx); err != nil {
		return Outcome{}, errs.Wrap(errs.KindCancelled, "probe cancelled before settle delay elapsed", err)
	}

	loadCtx, cancel := context.WithTimeout(ctx, req.LoadTimeout)
	defer cancel()

	loadStart := time.Now()
	h, loadErr := c.load(loadCtx, req.ModelID, req.CtxSize)
	loadDuration := time.Since(loadStart)
	if loadErr != nil {
		if errors.Is(loadCtx.Err(), context.Canceled) {
			// The caller's ctx was cancelled mid-load, not a timeout or a
			// genuine load failure. Surface it as a real error so the tester
			// bails out via its probeErr path instead of classifying this as
			// a bound-lowering BAD-LOAD (spec §5 "honors external
			// cancellation", §7 cancelled kind).
			span.SetAttributes(attribute.String("lmstrix.outcome", "cancelled"))
			return Outcome{}, errs.Wrap(errs.KindCancelled, "probe cancelled during load", loadCtx.Err())
		}
		kind, detail := classifyLoadError(loadCtx, loadErr)
		span.SetAttributes(attribute.String("lmstrix.outcome", "load_failed"))
		return Outcome{Class: ClassLoadFailed, ErrorKind: kind, Detail: detail, LoadDuration: loadDuration}, nil
	}
	handle = h

	inferCtx, cancel2 := context.WithTimeout(ctx, req.InferenceTimeout)
	defer cancel2()

	inferStart := time.Now()
	text, inferErr := c.complete(inferCtx, handle, req.Prompt, req.MaxTokens)
	if inferErr != nil {
		if errors.Is(inferCtx.Err(), context.Canceled) {
			span.SetAttributes(attribute.String("lmstrix.outcome", "cancelled"))
			return Outcome{}, errs.Wrap(errs.KindCancelled, "probe cancelled during inference", inferCtx.Err())
		}
		if errors.Is(inferCtx.Err(), context.DeadlineExceeded) {
			span.SetAttributes(attribute.String("lmstrix.outcome", "inference_hung"))
			return Outcome{Class: ClassInferenceHung, LoadDuration: loadDuration}, nil
		}
		kind, detail := classifyInferenceError(inferErr)
		span.SetAttributes(attribute.String("lmstrix.outcome", "inference_failed"))
		return Outcome{Class: ClassInferenceFailed, ErrorKind: kind, Detail: detail, LoadDuration: loadDuration}, nil
	}

	span.SetAttributes(attribute.String("lmstrix.outcome", "success"))
	return Outcome{
		Class:         ClassSuccess,
		ResponseText:  text,
		LoadDuration:  loadDuration,
		TotalDuration: loadDuration + time.Since(inferStart),
	}, nil
}

func attribute_event(err error) attribute.KeyValue {
	return attribute.String("error", err.Error())
}

// classifyLoadError maps a transport/HTTP failure from load() onto the
// spec §7 taxonomy. Out-of-memory is detected from the response body since
// the backend signals it via message text, not a distinct status code.
func classifyLoadError(ctx context.Context, err error) (string, string) {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return "load_error", "load timed out: " + err.Error()
	}
	var herr *httpStatusError
	if errors.As(err, &herr) {
		if herr.StatusCode == http.StatusNotFound {
			return "not_found", herr.Body
		}
		lower := strings.ToLower(herr.Body)
		if strings.Contains(lower, "out of memory") || strings.Contains(lower, "oom") ||
			strings.Contains(lower, "insufficient memory") {
			return "out_of_memory", herr.Body
		}
		return "load_error", herr.Body
	}
	return "connection_error", err.Error()
}

func classifyInferenceError(err error) (string, string) {
	var herr *httpStatusError
	if errors.As(err, &herr) {
		return "inference_error", herr.Body
	}
	return "connection_error", err.Error()
}

// httpStatusError wraps a non-2xx HTTP response.
type httpStatusError struct {
	StatusCode int
	Body       string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("http status %d: %s", e.StatusCode, e.Body)
}

// --- wire calls -------------------------------------------------------------

type loadRequest struct {
	Model         string `json:"model"`
	ContextLength int    `json:"context_length"`
}

type loadResponse struct {
	Handle string `json:"handle"`
}

func (c *Client) load(ctx context.Context, modelID string, ctxSize int) (string, error) {
	body, err := json.Marshal(loadRequest{Model: modelID, ContextLength: ctxSize})
	if err != nil {
		return "", fmt.Errorf("marshaling load request: %w", err)
	}
	var out loadResponse
	if err := c.doJSON(ctx, http.MethodPost, "/api/v0/models/load", body, &out); err != nil {
		return "", err
	}
	if out.Handle == "" {
		out.Handle = modelID
	}
	return out.Handle, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type completeRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens"`
	Temperature float32     `json:"temperature"`
	Stream    bool          `json:"stream"`
}

type completeResponse struct {
	Choices []struct {
		Message    chatMessage `json:"message"`
		StopReason string      `json:"finish_reason"`
	} `json:"choices"`
}

func (c *Client) complete(ctx context.Context, handle, prompt string, maxTokens int) (string, error) {
	if maxTokens <= 0 {
		maxTokens = 32 // spec §9: always bound generation length for probes.
	}
	body, err := json.Marshal(completeRequest{
		Model:     handle,
		Messages:  []chatMessage{{Role: "user", Content: prompt}},
		MaxTokens: maxTokens,
		Stream:    false,
	})
	if err != nil {
		return "", fmt.Errorf("marshaling completion request: %w", err)
	}
	var out completeResponse
	if err := c.doJSON(ctx, http.MethodPost, "/v1/chat/completions", body, &out); err != nil {
		return "", err
	}
	if len(out.Choices) == 0 {
		return "", nil
	}
	return out.Choices[0].Message.Content, nil
}

type unloadRequest struct {
	Model string `json:"model"`
}

func (c *Client) unload(ctx context.Context, handle string) error {
	body, err := json.Marshal(unloadRequest{Model: handle})
	if err != nil {
		return fmt.Errorf("marshaling unload request: %w", err)
	}
	return c.doJSON(ctx, http.MethodPost, "/api/v0/models/unload", body, nil)
}

type listModelsResponse struct {
	Data []struct {
		ID        string `json:"id"`
		Path      string `json:"path"`
		SizeBytes int64  `json:"size_bytes"`
		CtxIn     int    `json:"ctx_in"`
		CtxOut    int    `json:"ctx_out"`
		HasTools  bool   `json:"has_tools"`
		HasVision bool   `json:"has_vision"`
	} `json:"data"`
}

// ListDownloadedModels implements spec §6.2 item 1.
func (c *Client) ListDownloadedModels(ctx context.Context) ([]DownloadedModel, error) {
	ctx, span := tracer.Start(ctx, "backend.ListDownloadedModels")
	defer span.End()

	var out listModelsResponse
	if err := c.doJSON(ctx, http.MethodGet, "/api/v0/models", nil, &out); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	models := make([]DownloadedModel, 0, len(out.Data))
	for _, m := range out.Data {
		models = append(models, DownloadedModel{
			ID:        m.ID,
			Path:      m.Path,
			SizeBytes: m.SizeBytes,
			CtxIn:     m.CtxIn,
			CtxOut:    m.CtxOut,
			HasTools:  m.HasTools,
			HasVision: m.HasVision,
		})
	}
	return models, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("creating request to %s: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != nil {
		buf, err := c.apiKey.Open()
		if err == nil {
			req.Header.Set("Authorization", "Bearer "+string(buf.Bytes()))
			buf.Destroy()
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response from %s: %w", path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &httpStatusError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("parsing response from %s: %w", path, err)
	}
	return nil
}

var _ Prober = (*Client)(nil)
