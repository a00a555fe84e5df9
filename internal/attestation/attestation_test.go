package attestation

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	gateway "github.com/sigil-ai/sigil/internal"
)

func TestReport(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"report":"gpu-evidence-b64","gpu_token":{"token":"cpu-jwt","format":"eat"}}`)
	}))
	t.Cleanup(srv.Close)

	c := New(srv.URL, time.Second)
	rep, err := c.Report(context.Background())
	if err != nil {
		t.Fatalf("Report: %v", err)
	}
	if rep.GPUAttestation != "gpu-evidence-b64" {
		t.Errorf("gpu = %q", rep.GPUAttestation)
	}
	if rep.CPUAttestation != `{"token":"cpu-jwt","format":"eat"}` {
		t.Errorf("cpu = %q", rep.CPUAttestation)
	}
	if rep.VerifyingKey != "" {
		t.Errorf("verifying key = %q, want empty until filled by handler", rep.VerifyingKey)
	}
}

func TestReportErrors(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/fail":
			w.WriteHeader(http.StatusBadGateway)
		default:
			fmt.Fprint(w, "not json {{")
		}
	}))
	t.Cleanup(srv.Close)

	if _, err := New(srv.URL+"/fail", time.Second).Report(context.Background()); !errors.Is(err, gateway.ErrUnavailable) {
		t.Errorf("err = %v, want ErrUnavailable on 502", err)
	}
	if _, err := New(srv.URL+"/garbage", time.Second).Report(context.Background()); !errors.Is(err, gateway.ErrUnavailable) {
		t.Errorf("err = %v, want ErrUnavailable on bad JSON", err)
	}
	if _, err := New("http://127.0.0.1:1", 200*time.Millisecond).Report(context.Background()); !errors.Is(err, gateway.ErrUnavailable) {
		t.Errorf("err = %v, want ErrUnavailable when unreachable", err)
	}
}
