// Package delivery sends completion notifications to the issuer with
// bounded, jittered retries and a durable attempt ledger.
//
// Every attempt for one notification carries the same idempotency key, so
// the receiver can collapse retries into a single effect.
package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/Sarbajit-2004/llm-code-deploy/archive"
	"github.com/Sarbajit-2004/llm-code-deploy/digest"
	"github.com/Sarbajit-2004/llm-code-deploy/sre"
)

// HeaderIdempotencyKey carries Notification.IdempotencyKey on every attempt.
const HeaderIdempotencyKey = "Idempotency-Key"

// Logger receives operator-facing diagnostics.
type Logger interface {
	Printf(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}

// Result summarizes a finished (or interrupted) delivery.
type Result struct {
	Outcome    Outcome
	Attempts   int
	StatusCode int
	Ack        *sre.Ack
}

// Client delivers notifications over HTTP.
type Client struct {
	http    *http.Client
	policy  Policy
	ledger  Ledger
	archive archive.Archive
	logger  Logger
	clock   func() time.Time

	rngMu sync.Mutex
	rng   *rand.Rand
}

// Option customizes a Client.
type Option func(*Client)

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.http = h
		}
	}
}

func WithPolicy(p Policy) Option {
	return func(c *Client) { c.policy = p }
}

func WithLedger(l Ledger) Option {
	return func(c *Client) {
		if l != nil {
			c.ledger = l
		}
	}
}

// WithArchive archives every finished attempt.
func WithArchive(a archive.Archive) Option {
	return func(c *Client) { c.archive = a }
}

func WithLogger(l Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

func WithClock(clock func() time.Time) Option {
	return func(c *Client) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// WithRand sets the jitter source. Tests use it to make delays exact.
func WithRand(r *rand.Rand) Option {
	return func(c *Client) {
		if r != nil {
			c.rng = r
		}
	}
}

// NewClient returns a Client using DefaultPolicy and an in-memory ledger
// unless overridden.
func NewClient(opts ...Option) (*Client, error) {
	c := &Client{
		http:   &http.Client{},
		policy: DefaultPolicy(),
		ledger: NewMemoryLedger(),
		logger: nopLogger{},
		clock:  time.Now,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	if err := c.policy.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Policy returns the retry policy in effect.
func (c *Client) Policy() Policy { return c.policy }

// Ledger returns the attempt ledger.
func (c *Client) Ledger() Ledger { return c.ledger }

func (c *Client) delay(k int) time.Duration {
	c.rngMu.Lock()
	defer c.rngMu.Unlock()
	return c.policy.Delay(k, c.rng)
}

// CheckKey reports whether n carries the idempotency key derived from its
// own subject, task, round and result digest.
func CheckKey(n *sre.Notification) error {
	if err := sre.ValidateRules(n, sre.NotificationRules); err != nil {
		return err
	}
	want := digest.IdempotencyKey(n.Subject, n.Task, n.Round, n.ResultDigest)
	if n.IdempotencyKey != want {
		return sre.NewError(sre.KindMalformed, "SRE-NOTE-006", "idempotency_key does not match notification contents")
	}
	return nil
}

// begin loads the pending attempt for n, or creates one. Reusing the stored
// attempt keeps the attempt budget intact across restarts.
func (c *Client) begin(ctx context.Context, endpoint string, n *sre.Notification) (Attempt, error) {
	if n == nil {
		return Attempt{}, sre.NewError(sre.KindMalformed, "SRE-NOTE-000", "nil notification")
	}
	if err := CheckKey(n); err != nil {
		return Attempt{}, err
	}
	if endpoint == "" {
		return Attempt{}, sre.NewError(sre.KindPermanentDelivery, "SRE-DELIVERY-005", "missing endpoint")
	}
	a, ok, err := c.ledger.Get(ctx, n.IdempotencyKey)
	if err != nil {
		return Attempt{}, sre.WrapError(sre.KindStoreUnavailable, "SRE-DELIVERY-004", "load attempt", err)
	}
	if ok && a.Outcome == Pending {
		a.Endpoint = endpoint
		return a, nil
	}
	now := c.clock().UTC()
	return Attempt{
		Key:          n.IdempotencyKey,
		Endpoint:     endpoint,
		Notification: *n,
		Outcome:      Pending,
		NextRetryAt:  now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// Deliver posts n to endpoint until it is delivered, permanently rejected,
// the attempt budget is spent, or ctx is done.
//
// On cancellation the attempt stays Pending in the ledger and ctx.Err() is
// returned; a later Deliver (or Dispatcher.Resume) continues it.
func (c *Client) Deliver(ctx context.Context, endpoint string, n *sre.Notification) (Result, error) {
	a, err := c.begin(ctx, endpoint, n)
	if err != nil {
		return Result{}, err
	}
	for {
		res, retry, err := c.step(ctx, &a)
		if retry <= 0 {
			return res, err
		}
		c.logger.Printf("delivery: key=%s attempt %d failed (%s); retrying in %s", a.Key, a.AttemptCount, a.LastError, retry)
		t := time.NewTimer(retry)
		select {
		case <-ctx.Done():
			t.Stop()
			return Result{Outcome: Pending, Attempts: a.AttemptCount, StatusCode: a.LastStatus}, ctx.Err()
		case <-t.C:
		}
	}
}

// step makes one attempt. A positive retry means the attempt failed
// transiently and the next one is due after that delay; otherwise the
// returned Result and error are final for this call.
func (c *Client) step(ctx context.Context, a *Attempt) (res Result, retry time.Duration, err error) {
	if err := ctx.Err(); err != nil {
		return Result{Outcome: Pending, Attempts: a.AttemptCount}, 0, err
	}
	a.Outcome = Pending
	a.UpdatedAt = c.clock().UTC()
	if err := c.ledger.Put(ctx, *a); err != nil {
		return Result{Outcome: Pending, Attempts: a.AttemptCount}, 0, sre.WrapError(sre.KindStoreUnavailable, "SRE-DELIVERY-004", "record pending attempt", err)
	}

	status, ack, sendErr := c.send(ctx, a)
	if ctx.Err() != nil {
		// Interrupted attempts are not counted; the ledger keeps the
		// Pending record written above.
		return Result{Outcome: Pending, Attempts: a.AttemptCount}, 0, ctx.Err()
	}
	a.AttemptCount++
	a.LastStatus = status
	res = Result{Attempts: a.AttemptCount, StatusCode: status, Ack: ack}

	switch classify(status, sendErr) {
	case delivered:
		a.LastError = ""
		res.Outcome = Delivered
		c.finish(a, Delivered)
		return res, 0, nil
	case permanent:
		a.LastError = describe(status, sendErr)
		res.Outcome = Abandoned
		c.finish(a, Abandoned)
		return res, 0, sre.WrapError(sre.KindPermanentDelivery, "SRE-DELIVERY-002",
			fmt.Sprintf("notification %s rejected", a.Key), errors.New(a.LastError))
	}

	a.LastError = describe(status, sendErr)
	if a.AttemptCount >= c.policy.MaxAttempts {
		res.Outcome = Abandoned
		c.finish(a, Abandoned)
		return res, 0, sre.WrapError(sre.KindDeliveryAbandoned, "SRE-DELIVERY-003",
			fmt.Sprintf("notification %s abandoned after %d attempts", a.Key, a.AttemptCount), errors.New(a.LastError))
	}
	retry = c.delay(a.AttemptCount)
	now := c.clock().UTC()
	a.NextRetryAt = now.Add(retry)
	a.UpdatedAt = now
	if err := c.ledger.Put(ctx, *a); err != nil {
		return Result{Outcome: Pending, Attempts: a.AttemptCount}, 0, sre.WrapError(sre.KindStoreUnavailable, "SRE-DELIVERY-004", "record failed attempt", err)
	}
	res.Outcome = Pending
	return res, retry, nil
}

type class int

const (
	delivered class = iota
	transient
	permanent
)

func classify(status int, err error) class {
	if err != nil {
		return transient
	}
	switch {
	case status >= 200 && status < 300:
		return delivered
	case status == http.StatusRequestTimeout, status == http.StatusTooEarly,
		status == http.StatusTooManyRequests, status >= 500:
		return transient
	default:
		return permanent
	}
}

func describe(status int, err error) string {
	if err != nil {
		return err.Error()
	}
	return fmt.Sprintf("HTTP %d %s", status, http.StatusText(status))
}

// send performs one POST bounded by the policy's attempt timeout. The
// response body is decoded as an Ack when present; an undecodable body does
// not change the classification.
func (c *Client) send(ctx context.Context, a *Attempt) (int, *sre.Ack, error) {
	body, err := sre.MarshalNotification(&a.Notification)
	if err != nil {
		return 0, nil, err
	}
	actx, cancel := context.WithTimeout(ctx, c.policy.AttemptTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(actx, http.MethodPost, a.Endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderIdempotencyKey, a.Key)

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, sre.MaxDocumentBytes+1))
	if err != nil {
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			c.logger.Printf("delivery: key=%s: read ack: %v", a.Key, err)
		}
		return resp.StatusCode, nil, nil
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return resp.StatusCode, nil, nil
	}
	ack, err := sre.ParseAck(raw)
	if err != nil {
		c.logger.Printf("delivery: key=%s: undecodable ack (HTTP %d): %v", a.Key, resp.StatusCode, err)
		return resp.StatusCode, nil, nil
	}
	return resp.StatusCode, ack, nil
}

// finish archives the final attempt and drops it from the ledger. Neither
// step changes the outcome already decided by the receiver.
func (c *Client) finish(a *Attempt, outcome Outcome) {
	a.Outcome = outcome
	a.UpdatedAt = c.clock().UTC()
	ctx := context.Background()

	if c.archive != nil {
		body, err := json.Marshal(a)
		if err == nil {
			_, err = archive.PutRecord(ctx, c.archive, archive.Record{
				Kind:      archive.KindAttempt,
				Subject:   a.Notification.Subject,
				Task:      a.Notification.Task,
				Round:     a.Notification.Round,
				Key:       a.Key,
				CreatedAt: a.UpdatedAt,
				Body:      body,
			})
		}
		if err != nil {
			c.logger.Printf("delivery: key=%s: archive attempt: %v", a.Key, err)
		}
	}
	if err := c.ledger.Delete(ctx, a.Key); err != nil {
		c.logger.Printf("delivery: key=%s: drop finished attempt: %v", a.Key, err)
	}
}
