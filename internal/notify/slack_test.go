package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-logr/logr"
)

func TestDisabledNotifierPostsNothing(t *testing.T) {
	n := New("", "w1", logr.Discard())
	if n.Enabled() {
		t.Fatal("empty webhook reported enabled")
	}
	// Must be a no-op even with an unreachable context.
	n.JobFailed(context.Background(), "j1", "boom", true)
	n.OperatorRequested(context.Background(), "j1", "merge_conflict")
}

func TestJobFailedPostsWebhook(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var msg struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(body, &msg); err != nil {
			t.Errorf("bad webhook body: %v", err)
		}
		got = msg.Text
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	n := New(srv.URL, "w1", logr.Discard())
	n.JobFailed(context.Background(), "j42", "step failed", false)

	for _, want := range []string{"w1", "j42", "operator attention required", "step failed"} {
		if !strings.Contains(got, want) {
			t.Errorf("webhook text missing %q: %q", want, got)
		}
	}

	n.JobFailed(context.Background(), "j43", "transient", true)
	if !strings.Contains(got, "returned to queue") {
		t.Errorf("retryable disposition missing: %q", got)
	}
}

func TestDeliveryFailureIsSwallowed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "channel_not_found", http.StatusNotFound)
	}))
	defer srv.Close()

	n := New(srv.URL, "w1", logr.Discard())
	// Must not panic or propagate.
	n.OperatorRequested(context.Background(), "j1", "patch_apply_failed")
}
