package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	xerrors "Oracle-Relay/internal/errors"
	"Oracle-Relay/internal/task"
)

func TestInstructionCountersByCode(t *testing.T) {
	c := New()
	c.ObserveInstruction("relay", "request_gpt", nil, time.Millisecond)
	c.ObserveInstruction("relay", "request_gpt", nil, time.Millisecond)
	c.ObserveInstruction("relay", "request_gpt", xerrors.New(xerrors.CodeInvalidArgument, "bad"), time.Millisecond)
	c.ObserveInstruction("relay", "request_gpt", errors.New("plain"), time.Millisecond)

	if got := testutil.ToFloat64(c.instructions.WithLabelValues("relay", "request_gpt", "ok")); got != 2 {
		t.Fatalf("ok count = %v", got)
	}
	if got := testutil.ToFloat64(c.instructions.WithLabelValues("relay", "request_gpt", string(xerrors.CodeInvalidArgument))); got != 1 {
		t.Fatalf("invalid argument count = %v", got)
	}
	if got := testutil.ToFloat64(c.instructions.WithLabelValues("relay", "request_gpt", string(xerrors.CodeUnknown))); got != 1 {
		t.Fatalf("unknown count = %v", got)
	}
}

func TestRelayObservations(t *testing.T) {
	c := New()
	c.ObserveDispatch(1)
	c.ObserveDispatch(2)
	c.ObserveCallback(42)

	if got := testutil.ToFloat64(c.dispatches); got != 2 {
		t.Fatalf("dispatches = %v", got)
	}
	if got := testutil.ToFloat64(c.requests); got != 2 {
		t.Fatalf("requests gauge = %v", got)
	}
	if got := testutil.ToFloat64(c.callbacks); got != 1 {
		t.Fatalf("callbacks = %v", got)
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	c := New()
	c.ObserveTask(task.StatusSucceeded, 10*time.Millisecond)
	c.ObserveOracle("local", nil, time.Millisecond)
	c.ObserveHTTPRequest("state", http.MethodGet, http.StatusOK, time.Millisecond)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := rec.Body.String()
	for _, name := range []string{
		`oracle_relay_tasks_total{status="succeeded"} 1`,
		`oracle_relay_oracle_inferences_total{backend="local",code="ok"} 1`,
		`oracle_relay_http_requests_total{code="200",handler="state",method="GET"} 1`,
		"go_goroutines",
	} {
		if !strings.Contains(body, name) {
			t.Fatalf("metrics output missing %q", name)
		}
	}
}
