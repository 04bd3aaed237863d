package receiver

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/Sarbajit-2004/llm-code-deploy/sre"
)

func startServer(t *testing.T, r *Receiver) *Server {
	t.Helper()
	srv := NewServer(Settings{Host: "127.0.0.1", Port: 0}, r)
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return srv
}

func post(t *testing.T, url string, body []byte) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, data
}

func TestServerHealth(t *testing.T) {
	f := newFixture(t)
	srv := startServer(t, newReceiver(t, f, nil))
	if srv.Status() != StatusReady {
		t.Fatalf("status = %s", srv.Status())
	}
	resp, err := http.Get(srv.BaseURL() + HealthPath)
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()
	var h healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.StatusCode != http.StatusOK || !h.OK || h.Service != serviceName {
		t.Fatalf("unexpected health: %d %+v", resp.StatusCode, h)
	}
}

func TestServerNotificationStatuses(t *testing.T) {
	f := newFixture(t)
	f.issue(t, "s", "t")
	srv := startServer(t, newReceiver(t, f, nil))
	url := srv.BaseURL() + NotificationsPath

	raw := notification(t, "s", "t", 1, "result")
	resp, first := post(t, url, raw)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("first POST: %d %s", resp.StatusCode, first)
	}
	ack, err := sre.ParseAck(first)
	if err != nil || ack.Code != sre.Accepted {
		t.Fatalf("ack: %+v %v", ack, err)
	}

	resp, second := post(t, url, raw)
	if resp.StatusCode != http.StatusOK || resp.Header.Get(headerIdempotentReplay) != "true" || !bytes.Equal(first, second) {
		t.Fatalf("replay: %d %q %s", resp.StatusCode, resp.Header.Get(headerIdempotentReplay), second)
	}

	resp, _ = post(t, url, []byte(`not json`))
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("malformed: %d", resp.StatusCode)
	}

	resp, body := post(t, url, notification(t, "s", "t", 1, "different"))
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("stale: %d %s", resp.StatusCode, body)
	}
	if ack, err := sre.ParseAck(body); err != nil || ack.Code != sre.RejectedStale {
		t.Fatalf("stale ack: %+v %v", ack, err)
	}

	getResp, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	getResp.Body.Close()
	if getResp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("GET notifications: %d", getResp.StatusCode)
	}
}

func TestServerBodyLimit(t *testing.T) {
	f := newFixture(t)
	srv := NewServer(Settings{Host: "127.0.0.1", Port: 0, MaxBodyBytes: 64}, newReceiver(t, f, nil))
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	resp, _ := post(t, srv.BaseURL()+NotificationsPath, []byte(`{"subject":"`+strings.Repeat("x", 128)+`"}`))
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", resp.StatusCode)
	}
}

func TestStatusFor(t *testing.T) {
	cases := map[sre.Code]int{
		sre.Accepted:            200,
		sre.DuplicateIgnored:    200,
		sre.RejectedMalformed:   400,
		sre.RejectedTamper:      422,
		sre.RejectedStale:       422,
		sre.RejectedConflict:    422,
		sre.RejectedUnavailable: 503,
	}
	for code, want := range cases {
		if got := StatusFor(code); got != want {
			t.Fatalf("StatusFor(%s) = %d, want %d", code, got, want)
		}
	}
}
