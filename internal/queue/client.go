// Package queue implements the HTTP contract with the control-plane queue
// API: claim, heartbeat, terminal transitions, events and artifact upload.
package queue

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"time"
)

const (
	workerTokenHeader = "X-MoonMind-Worker-Token"
	httpTimeout       = 30 * time.Second
)

// Event levels accepted by AppendEvent.
const (
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// ClientError reports a transport or non-2xx failure against the queue API.
// It carries request context but never response bodies.
type ClientError struct {
	Method string
	Path   string
	Status int
	Err    error
}

func (e *ClientError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("queue %s %s: status %d", e.Method, e.Path, e.Status)
	}
	return fmt.Sprintf("queue %s %s: %v", e.Method, e.Path, e.Err)
}

func (e *ClientError) Unwrap() error { return e.Err }

// Job is a claimed queue job.
type Job struct {
	ID      string         `json:"id"`
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
}

// ClaimRequest describes what this worker is willing to run.
type ClaimRequest struct {
	WorkerID           string   `json:"workerId"`
	LeaseSeconds       int      `json:"leaseSeconds"`
	AllowedTypes       []string `json:"allowedTypes"`
	WorkerCapabilities []string `json:"workerCapabilities"`
}

// HeartbeatResponse carries the server's cooperative-cancellation request.
type HeartbeatResponse struct {
	CancelRequestedAt string `json:"cancelRequestedAt,omitempty"`
}

// Artifact is a named local file staged for upload.
type Artifact struct {
	LocalPath   string
	UploadName  string
	ContentType string
	Digest      string
}

// LiveSession describes an ephemeral interactive session attached to a job.
type LiveSession struct {
	Status             string   `json:"status"`
	Provider           string   `json:"provider,omitempty"`
	ReadOnlyEndpoints  []string `json:"readOnlyEndpoints,omitempty"`
	ReadWriteEndpoints []string `json:"readWriteEndpoints,omitempty"`
	ConfigPath         string   `json:"configPath,omitempty"`
	ExpiresAt          string   `json:"expiresAt,omitempty"`
}

// Client talks to the control-plane queue API.
type Client struct {
	BaseURL     string
	WorkerID    string
	WorkerToken string
	HTTPClient  *http.Client
}

// NewClient builds a queue client for the given control-plane base URL.
func NewClient(baseURL, workerID, workerToken string) *Client {
	return &Client{
		BaseURL:     baseURL,
		WorkerID:    workerID,
		WorkerToken: workerToken,
		HTTPClient:  &http.Client{Timeout: httpTimeout},
	}
}

// Claim asks the server for at most one job. A nil job means the queue had
// nothing matching this worker.
func (c *Client) Claim(ctx context.Context, req ClaimRequest) (*Job, error) {
	var resp struct {
		Job *Job `json:"job"`
	}
	if err := c.post(ctx, "/api/queue/jobs/claim", req, &resp); err != nil {
		return nil, err
	}
	return resp.Job, nil
}

// Heartbeat renews the lease for a claimed job.
func (c *Client) Heartbeat(ctx context.Context, jobID string, leaseSeconds int) (*HeartbeatResponse, error) {
	body := map[string]any{
		"workerId":     c.WorkerID,
		"leaseSeconds": leaseSeconds,
	}
	var resp HeartbeatResponse
	if err := c.post(ctx, "/api/queue/jobs/"+jobID+"/heartbeat", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// AckCancel confirms cancellation acceptance. Terminal.
func (c *Client) AckCancel(ctx context.Context, jobID, message string) error {
	body := map[string]any{"workerId": c.WorkerID}
	if message != "" {
		body["message"] = message
	}
	return c.post(ctx, "/api/queue/jobs/"+jobID+"/ack-cancel", body, nil)
}

// Complete marks the job successfully finished. Terminal.
func (c *Client) Complete(ctx context.Context, jobID string, resultSummary map[string]any) error {
	body := map[string]any{"workerId": c.WorkerID}
	if len(resultSummary) > 0 {
		body["resultSummary"] = resultSummary
	}
	return c.post(ctx, "/api/queue/jobs/"+jobID+"/complete", body, nil)
}

// Fail marks the job failed. Terminal. The caller redacts errorMessage first.
func (c *Client) Fail(ctx context.Context, jobID, errorMessage string, retryable bool) error {
	body := map[string]any{
		"workerId":     c.WorkerID,
		"errorMessage": errorMessage,
		"retryable":    retryable,
	}
	return c.post(ctx, "/api/queue/jobs/"+jobID+"/fail", body, nil)
}

// AppendEvent records a structured log event. Callers treat failures as
// best-effort; an event must never block a terminal transition.
func (c *Client) AppendEvent(ctx context.Context, jobID, level, message string, payload map[string]any) error {
	body := map[string]any{
		"workerId": c.WorkerID,
		"level":    level,
		"message":  message,
	}
	if len(payload) > 0 {
		body["payload"] = payload
	}
	return c.post(ctx, "/api/queue/jobs/"+jobID+"/events", body, nil)
}

// UploadArtifact posts a local file as a multipart upload with its SHA-256
// digest.
func (c *Client) UploadArtifact(ctx context.Context, jobID string, artifact Artifact) error {
	path := "/api/queue/jobs/" + jobID + "/artifacts/upload"

	f, err := os.Open(artifact.LocalPath)
	if err != nil {
		return &ClientError{Method: http.MethodPost, Path: path, Err: fmt.Errorf("opening artifact: %w", err)}
	}
	defer f.Close()

	digest := artifact.Digest
	if digest == "" {
		h := sha256.New()
		if _, err := io.Copy(h, f); err != nil {
			return &ClientError{Method: http.MethodPost, Path: path, Err: fmt.Errorf("hashing artifact: %w", err)}
		}
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return &ClientError{Method: http.MethodPost, Path: path, Err: err}
		}
		digest = hex.EncodeToString(h.Sum(nil))
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fields := map[string]string{
		"name":     artifact.UploadName,
		"workerId": c.WorkerID,
		"digest":   digest,
	}
	if artifact.ContentType != "" {
		fields["contentType"] = artifact.ContentType
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return &ClientError{Method: http.MethodPost, Path: path, Err: err}
		}
	}
	part, err := mw.CreateFormFile("file", artifact.UploadName)
	if err != nil {
		return &ClientError{Method: http.MethodPost, Path: path, Err: err}
	}
	if _, err := io.Copy(part, f); err != nil {
		return &ClientError{Method: http.MethodPost, Path: path, Err: err}
	}
	if err := mw.Close(); err != nil {
		return &ClientError{Method: http.MethodPost, Path: path, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, &buf)
	if err != nil {
		return &ClientError{Method: http.MethodPost, Path: path, Err: err}
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return c.do(req, path, nil)
}

// ReportLiveSession publishes the state of an ephemeral live session.
func (c *Client) ReportLiveSession(ctx context.Context, jobID string, session LiveSession) error {
	body := map[string]any{"workerId": c.WorkerID, "session": session}
	return c.post(ctx, "/api/queue/jobs/"+jobID+"/live-session", body, nil)
}

// HeartbeatLiveSession keeps a live session's lease fresh.
func (c *Client) HeartbeatLiveSession(ctx context.Context, jobID string) error {
	body := map[string]any{"workerId": c.WorkerID}
	return c.post(ctx, "/api/queue/jobs/"+jobID+"/live-session/heartbeat", body, nil)
}

// GetLiveSession fetches the server's view of a live session.
func (c *Client) GetLiveSession(ctx context.Context, jobID string) (*LiveSession, error) {
	var session LiveSession
	if err := c.get(ctx, "/api/queue/jobs/"+jobID+"/live-session", &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// CreateTaskProposal submits a follow-up task suggestion produced by a job.
func (c *Client) CreateTaskProposal(ctx context.Context, jobID string, proposal map[string]any) error {
	body := map[string]any{"workerId": c.WorkerID, "proposal": proposal}
	return c.post(ctx, "/api/queue/jobs/"+jobID+"/proposals", body, nil)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return &ClientError{Method: http.MethodPost, Path: path, Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(data))
	if err != nil {
		return &ClientError{Method: http.MethodPost, Path: path, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, path, out)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return &ClientError{Method: http.MethodGet, Path: path, Err: err}
	}
	return c.do(req, path, out)
}

func (c *Client) do(req *http.Request, path string, out any) error {
	if c.WorkerToken != "" {
		req.Header.Set(workerTokenHeader, c.WorkerToken)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return &ClientError{Method: req.Method, Path: path, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// Drain without keeping the body; it may echo request secrets.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return &ClientError{Method: req.Method, Path: path, Status: resp.StatusCode}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
		return &ClientError{Method: req.Method, Path: path, Err: fmt.Errorf("decoding response: %w", err)}
	}
	return nil
}
