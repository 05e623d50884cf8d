package backend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(srv.URL, 2*time.Second, zerolog.Nop()).WithToken("tok")
}

func writeEnvelope(w http.ResponseWriter, status int, data interface{}, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	body := map[string]interface{}{"data": data}
	if code != "" {
		body["error"] = map[string]string{"code": code, "message": "nope"}
	}
	_ = json.NewEncoder(w).Encode(body)
}

func TestFetchExamDecodesEnvelope(t *testing.T) {
	examID := uuid.New()
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/student/exams/"+examID.String(), r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		writeEnvelope(w, http.StatusOK, map[string]interface{}{
			"id":          examID,
			"title":       "Physics",
			"timing_mode": "FLEXIBLE_START",
			"available":   true,
		}, "")
	})

	exam, err := c.FetchExam(context.Background(), examID)
	require.NoError(t, err)
	assert.Equal(t, "Physics", exam.Title)
	assert.Equal(t, model.TimingFlexibleStart, exam.TimingMode)
	assert.True(t, exam.Available)
}

func TestCurrentSubmissionNotFound(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, http.StatusNotFound, nil, "NOT_FOUND")
	})

	_, err := c.CurrentSubmission(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
	assert.False(t, IsTemporary(err))
}

func TestCurrentSubmissionNullDataIsNotFound(t *testing.T) {
	for name, body := range map[string]string{
		"null":    `{"data":null}`,
		"missing": `{}`,
	} {
		t.Run(name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write([]byte(body))
			})

			sub, err := c.CurrentSubmission(context.Background(), uuid.New())
			assert.Nil(t, sub)
			assert.ErrorIs(t, err, ErrNotFound)
			assert.False(t, IsTemporary(err))
		})
	}
}

func TestSubmitAlreadySubmitted(t *testing.T) {
	t.Run("by code", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			writeEnvelope(w, http.StatusUnprocessableEntity, nil, "ALREADY_SUBMITTED")
		})
		err := c.Submit(context.Background(), model.SubmitPayload{SubmissionID: uuid.New()})
		assert.ErrorIs(t, err, ErrAlreadySubmitted)
	})

	t.Run("bare conflict", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusConflict)
		})
		err := c.Submit(context.Background(), model.SubmitPayload{SubmissionID: uuid.New()})
		assert.ErrorIs(t, err, ErrAlreadySubmitted)
	})
}

func TestServerErrorIsTemporary(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	err := c.SaveProgress(context.Background(), model.ProgressPayload{SubmissionID: uuid.New()})
	require.Error(t, err)
	assert.True(t, IsTemporary(err))

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusInternalServerError, apiErr.Status)
}

func TestSaveProgressSendsFullState(t *testing.T) {
	subID := uuid.New()
	qID := uuid.New()
	var got model.ProgressPayload
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/api/v1/student/submissions/"+subID.String()+"/progress", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	})

	remaining := 120
	err := c.SaveProgress(context.Background(), model.ProgressPayload{
		SubmissionID:     subID,
		Answers:          model.AnswerSet{qID: json.RawMessage(`"b"`)},
		RemainingSeconds: &remaining,
	})
	require.NoError(t, err)
	assert.Equal(t, `"b"`, string(got.Answers[qID]))
	require.NotNil(t, got.RemainingSeconds)
	assert.Equal(t, 120, *got.RemainingSeconds)
}

func TestStartSubmissionRequiresID(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, http.StatusCreated, map[string]interface{}{"status": "IN_PROGRESS"}, "")
	})

	_, err := c.StartSubmission(context.Background(), uuid.New())
	assert.Error(t, err)
}
