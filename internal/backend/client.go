package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/response"
)

// maxErrorBody bounds how much of an error response is read.
const maxErrorBody = 64 << 10

// Client talks to the e-learning backend on behalf of one principal (a
// student's bearer token, or the service token used by outbox workers).
type Client struct {
	baseURL string
	http    *http.Client
	token   string
	log     zerolog.Logger
}

// New creates a Client without credentials.
func New(baseURL string, timeout time.Duration, log zerolog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		log:     log.With().Str("component", "backend_client").Logger(),
	}
}

// WithToken returns a copy of the client authenticating as token.
func (c *Client) WithToken(token string) *Client {
	cp := *c
	cp.token = token
	return &cp
}

type envelope struct {
	Data  json.RawMessage     `json:"data"`
	Error *response.ErrorBody `json:"error,omitempty"`
}

// FetchExam returns the exam definition with availability and timing fields.
func (c *Client) FetchExam(ctx context.Context, examID uuid.UUID) (*model.ExamDefinition, error) {
	var exam model.ExamDefinition
	if err := c.do(ctx, "fetch exam", http.MethodGet, "/api/v1/student/exams/"+examID.String(), nil, &exam); err != nil {
		return nil, err
	}
	return &exam, nil
}

// CurrentSubmission returns the student's attempt. A 404 and a null data
// field both mean no attempt exists and yield ErrNotFound.
func (c *Client) CurrentSubmission(ctx context.Context, examID uuid.UUID) (*model.Submission, error) {
	var sub model.Submission
	path := fmt.Sprintf("/api/v1/student/exams/%s/submission", examID)
	if err := c.do(ctx, "current submission", http.MethodGet, path, nil, &sub); err != nil {
		if errors.Is(err, errEmptyData) {
			return nil, fmt.Errorf("current submission: %w", ErrNotFound)
		}
		return nil, err
	}
	return &sub, nil
}

// StartSubmission creates the attempt and returns its id and initial remaining time.
func (c *Client) StartSubmission(ctx context.Context, examID uuid.UUID) (*model.Submission, error) {
	var sub model.Submission
	path := fmt.Sprintf("/api/v1/student/exams/%s/submission", examID)
	if err := c.do(ctx, "start submission", http.MethodPost, path, struct{}{}, &sub); err != nil {
		return nil, err
	}
	if sub.ID == uuid.Nil {
		return nil, &APIError{Op: "start submission", Message: "response carried no submission id"}
	}
	return &sub, nil
}

// SaveProgress overwrites the attempt's answers. Safe to repeat.
func (c *Client) SaveProgress(ctx context.Context, p model.ProgressPayload) error {
	path := fmt.Sprintf("/api/v1/student/submissions/%s/progress", p.SubmissionID)
	return c.do(ctx, "save progress", http.MethodPut, path, p, nil)
}

// Submit finalizes the attempt. A repeated submit yields ErrAlreadySubmitted.
func (c *Client) Submit(ctx context.Context, p model.SubmitPayload) error {
	path := fmt.Sprintf("/api/v1/student/submissions/%s/submit", p.SubmissionID)
	err := c.do(ctx, "submit", http.MethodPost, path, p, nil)

	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusConflict && apiErr.Code == "" {
		return fmt.Errorf("%w: %v", ErrAlreadySubmitted, err)
	}
	return err
}

// LogProctoringEvents posts a batch of proctoring events.
func (c *Client) LogProctoringEvents(ctx context.Context, events []model.ProctoringEvent) error {
	return c.do(ctx, "log proctoring events", http.MethodPost, "/api/v1/student/proctoring/events",
		map[string]interface{}{"events": events}, nil)
}

// LogJourneyEvents posts a batch of journey telemetry events.
func (c *Client) LogJourneyEvents(ctx context.Context, events []model.JourneyEvent) error {
	return c.do(ctx, "log journey events", http.MethodPost, "/api/v1/student/journey/events",
		map[string]interface{}{"events": events}, nil)
}

func (c *Client) do(ctx context.Context, op, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: marshal: %w", op, err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return &APIError{Op: op, Message: err.Error()}
	}
	defer resp.Body.Close()

	c.log.Debug().
		Str("op", op).
		Int("status", resp.StatusCode).
		Dur("took", time.Since(start)).
		Msg("Backend call")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(op, resp)
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("%s: decode envelope: %w", op, err)
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return fmt.Errorf("%s: %w", op, errEmptyData)
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("%s: decode data: %w", op, err)
	}
	return nil
}

func decodeError(op string, resp *http.Response) error {
	apiErr := &APIError{Op: op, Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}

	var env envelope
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err := json.Unmarshal(raw, &env); err == nil && env.Error != nil {
		apiErr.Code = env.Error.Code
		if env.Error.Message != "" {
			apiErr.Message = env.Error.Message
		}
	}
	return apiErr
}
