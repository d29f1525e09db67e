package scanclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"marketspy/internal/model"
)

func TestClient_SubmitAndStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/api/scan":
			var req SubmitRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Keyword != "iphone" || len(req.Platforms) != 2 {
				w.WriteHeader(http.StatusBadRequest)
				_, _ = w.Write([]byte(`{"error":"bad request"}`))
				return
			}
			w.WriteHeader(http.StatusAccepted)
			_, _ = w.Write([]byte(`{"jobId":"job-1","status":"queued"}`))
		case r.URL.Path == "/api/jobs/job-1":
			_, _ = w.Write([]byte(`{"id":"job-1","state":"completed","progress":100,"result":{"listings":[],"summary":{"totalScanned":0,"averagePrice":0}}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"job not found"}`))
		}
	}))
	defer srv.Close()

	c := New(srv.URL+"/", nil)
	ctx := context.Background()

	id, err := c.Submit(ctx, SubmitRequest{Keyword: "iphone", Platforms: []string{"mercadolivre", "shopee"}, Limit: 5})
	if err != nil || id != "job-1" {
		t.Fatalf("submit: id=%q err=%v", id, err)
	}

	st, err := c.Status(ctx, id)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.State != model.JobCompleted || st.Progress != 100 || st.Result == nil {
		t.Fatalf("unexpected status %+v", st)
	}

	if _, err := c.Status(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	_, err = c.Submit(ctx, SubmitRequest{Keyword: "x"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusBadRequest || apiErr.Message != "bad request" {
		t.Fatalf("expected APIError 400, got %v", err)
	}
}
