package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"
)

// ResultKind classifies the outcome of a Send attempt, per spec.md §4.5.
type ResultKind string

const (
	Delivered   ResultKind = "delivered"
	Unreachable ResultKind = "unreachable"
	Timeout     ResultKind = "timeout"
	Rejected    ResultKind = "rejected"
)

// Result is the outcome of sending one message to one target.
type Result struct {
	Kind ResultKind
	Err  error
}

func (r Result) String() string {
	if r.Err == nil {
		return string(r.Kind)
	}
	return fmt.Sprintf("%s: %v", r.Kind, r.Err)
}

// EndpointResolver resolves a node id to the address it can be reached at.
// internal/registrystore.Store satisfies this interface.
type EndpointResolver interface {
	ResolveEndpoint(ctx context.Context, nodeID string) (string, error)
}

// Envelope is the common header every message carries, per spec.md §4.2.
type Envelope struct {
	SenderID  string    `json:"sender_id"`
	Timestamp time.Time `json:"timestamp"`
}

// Config tunes retry behaviour. The zero value is not usable; use
// DefaultConfig() or fill in every field.
type Config struct {
	MaxAttempts       int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	PerAttemptTimeout time.Duration
	// MaxInFlight bounds concurrent outbound sends for one Broadcast call.
	// It does not limit inbound requests; BoundedHandler takes its own
	// limit.
	MaxInFlight int
}

// DefaultConfig returns the retry policy mandated by spec.md §4.5: up to 3
// attempts, base 200ms, cap 2s, 5s per-attempt timeout.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:       3,
		BaseDelay:         200 * time.Millisecond,
		MaxDelay:          2 * time.Second,
		PerAttemptTimeout: 5 * time.Second,
		MaxInFlight:       32,
	}
}

// Sender sends messages to other nodes, resolving ids to endpoints through
// resolver and retrying per Config. It is safe for concurrent use.
type Sender struct {
	resolver EndpointResolver
	cfg      Config
	client   *http.Client
}

// NewSender builds a Sender against resolver with the given retry policy.
func NewSender(resolver EndpointResolver, cfg Config) *Sender {
	return &Sender{
		resolver: resolver,
		cfg:      cfg,
		client:   &http.Client{Timeout: cfg.PerAttemptTimeout},
	}
}

// Send delivers body (JSON-encoded) to target's path, retrying with bounded
// exponential backoff. If out is non-nil, a successful response body is
// JSON-decoded into it. Send never returns a Go error for a failed
// delivery; the failure is reported in the returned Result, matching the
// "never raises for individual failures" contract that Broadcast relies on.
func (s *Sender) Send(ctx context.Context, targetID, path string, body any, out any) Result {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return Result{Kind: Rejected, Err: fmt.Errorf("encode request: %w", err)}
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.cfg.BaseDelay
	bo.MaxInterval = s.cfg.MaxDelay
	bo.MaxElapsedTime = 0 // bounded by MaxAttempts via backoff.WithMaxRetries below

	policy := backoff.WithMaxRetries(bo, uint64(s.cfg.MaxAttempts-1))

	var last Result
	attempt := 0
	err = backoff.Retry(func() error {
		attempt++
		last = s.attempt(ctx, targetID, path, reqBody, out)
		if last.Kind == Delivered {
			return nil
		}
		if last.Kind == Rejected {
			// Rejected (bad request, 4xx) is not retried: retrying a
			// malformed request cannot succeed.
			return backoff.Permanent(last.Err)
		}
		return last.Err
	}, policy)

	if err != nil && last.Kind == Delivered {
		// Should not happen, but keep Result authoritative over the
		// backoff library's bookkeeping.
		last = Result{Kind: Unreachable, Err: err}
	}
	if attempt > 1 {
		log.Printf("messaging: %s -> %s: %s after %d attempt(s)", path, targetID, last, attempt)
	}
	return last
}

func (s *Sender) attempt(ctx context.Context, targetID, path string, reqBody []byte, out any) Result {
	addr, err := s.resolver.ResolveEndpoint(ctx, targetID)
	if err != nil {
		return Result{Kind: Unreachable, Err: fmt.Errorf("resolve %s: %w", targetID, err)}
	}

	attemptCtx, cancel := context.WithTimeout(ctx, s.cfg.PerAttemptTimeout)
	defer cancel()

	url := addr + path
	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return Result{Kind: Rejected, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		if attemptCtx.Err() != nil {
			return Result{Kind: Timeout, Err: err}
		}
		return Result{Kind: Unreachable, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return Result{Kind: Unreachable, Err: fmt.Errorf("%s: http %d", url, resp.StatusCode)}
	}
	if resp.StatusCode >= 400 {
		b, _ := io.ReadAll(resp.Body)
		return Result{Kind: Rejected, Err: fmt.Errorf("%s: http %d: %s", url, resp.StatusCode, b)}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return Result{Kind: Rejected, Err: fmt.Errorf("decode response: %w", err)}
		}
	}
	return Result{Kind: Delivered}
}

// Broadcast sends builder(targetID) concurrently to every id in targetIDs
// and returns once every send has resolved. Concurrency is bounded by
// Config.MaxInFlight. Individual failures never abort the broadcast; they
// are reported per-target in the returned map.
func (s *Sender) Broadcast(ctx context.Context, targetIDs []string, path string, builder func(targetID string) any) map[string]Result {
	results := make(map[string]Result, len(targetIDs))
	var mu sync.Mutex

	g := new(errgroup.Group)
	g.SetLimit(s.cfg.MaxInFlight)

	for _, id := range targetIDs {
		id := id
		g.Go(func() error {
			res := s.Send(ctx, id, path, builder(id), nil)
			mu.Lock()
			results[id] = res
			mu.Unlock()
			return nil // never abort the group: failures are per-target data
		})
	}
	_ = g.Wait()
	return results
}
