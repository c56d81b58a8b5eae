// chatkit-token fetches a ChatKit client secret from a session issuer using
// the same retry policy as the browser widget, and prints it to stdout.
//
// With -n greater than one it becomes a small load probe: it runs n fetches
// with concurrency -c, discards the secrets and prints latency percentiles,
// optionally alongside server-side deltas scraped from --metrics-url.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/whisper/chatkit-session/internal/loadstats"
	"github.com/whisper/chatkit-session/internal/logging"
	"github.com/whisper/chatkit-session/internal/sessionclient"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	endpoint    string
	user        string
	hostToken   string
	hostCmd     string
	hostWait    time.Duration
	attempts    int
	timeout     time.Duration
	baseDelay   time.Duration
	jitter      time.Duration
	requests    int
	concurrency int
	metricsURL  string
	logLevel    string
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	var opts options

	flagSet := pflag.NewFlagSet("chatkit-token", pflag.ContinueOnError)
	flagSet.SetOutput(stderr)
	flagSet.StringVarP(&opts.endpoint, "endpoint", "e", "http://localhost:8080/api/create-session", "session issuer URL")
	flagSet.StringVarP(&opts.user, "user", "u", "", "user identifier to request (default: derived by the issuer)")
	flagSet.StringVar(&opts.hostToken, "host-token", "", "host token sent as X-Host-Token")
	flagSet.StringVar(&opts.hostCmd, "host-token-cmd", "", "shell command whose stdout is the host token")
	flagSet.DurationVar(&opts.hostWait, "host-token-wait", 5*time.Second, "how long to wait for the host token before fetching without it")
	flagSet.IntVar(&opts.attempts, "attempts", sessionclient.DefaultMaxAttempts, "attempts per fetch")
	flagSet.DurationVar(&opts.timeout, "timeout", sessionclient.DefaultAttemptTimeout, "per-attempt timeout")
	flagSet.DurationVar(&opts.baseDelay, "base-delay", sessionclient.DefaultBaseDelay, "backoff base delay")
	flagSet.DurationVar(&opts.jitter, "jitter", sessionclient.DefaultMaxJitter, "maximum backoff jitter")
	flagSet.IntVarP(&opts.requests, "requests", "n", 1, "number of fetches; more than one enables load mode")
	flagSet.IntVarP(&opts.concurrency, "concurrency", "c", 1, "concurrent fetches in load mode")
	flagSet.StringVar(&opts.metricsURL, "metrics-url", "", "sessiond /metrics URL to scrape in load mode")
	flagSet.StringVar(&opts.logLevel, "log-level", "warn", "log level: debug, info, warn, error")

	if err := flagSet.Parse(args); err != nil {
		return err
	}
	if flagSet.NArg() > 0 {
		return fmt.Errorf("unexpected argument: %s", flagSet.Arg(0))
	}
	if opts.requests < 1 || opts.concurrency < 1 {
		return fmt.Errorf("-n and -c must be at least 1")
	}
	if opts.hostToken != "" && opts.hostCmd != "" {
		return fmt.Errorf("--host-token and --host-token-cmd are mutually exclusive")
	}

	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: logging.ParseLevel(opts.logLevel)}))

	slot := &sessionclient.HostTokenSlot{}
	if fetch := hostTokenSource(opts); fetch != nil {
		select {
		case <-slot.Capture(ctx, fetch, logger):
		case <-time.After(opts.hostWait):
			logger.Warn("host token not ready, continuing without it", "waited", opts.hostWait.String())
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	httpClient := &http.Client{
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConnsPerHost: opts.concurrency,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	newClient := func(onRetry func(*sessionclient.AttemptError, time.Duration)) (*sessionclient.Client, error) {
		return sessionclient.New(sessionclient.Options{
			Endpoint:       opts.endpoint,
			User:           opts.user,
			HTTPClient:     httpClient,
			MaxAttempts:    opts.attempts,
			AttemptTimeout: opts.timeout,
			BaseDelay:      opts.baseDelay,
			MaxJitter:      opts.jitter,
			HostToken:      slot,
			Logger:         logger,
			OnRetry:        onRetry,
		})
	}

	if opts.requests == 1 {
		client, err := newClient(nil)
		if err != nil {
			return err
		}
		secret, err := sessionclient.NewWidget(client).GetClientSecret(ctx, "")
		if err != nil {
			return err
		}
		fmt.Fprintln(stdout, secret)
		return nil
	}

	return probe(ctx, opts, newClient, stdout)
}

// hostTokenSource returns how to obtain the host token, or nil when none
// was configured.
func hostTokenSource(opts options) func(context.Context) (string, error) {
	switch {
	case opts.hostToken != "":
		tok := opts.hostToken
		return func(context.Context) (string, error) { return tok, nil }
	case opts.hostCmd != "":
		command := opts.hostCmd
		return func(ctx context.Context) (string, error) {
			out, err := exec.CommandContext(ctx, "sh", "-c", command).Output()
			if err != nil {
				return "", fmt.Errorf("host token command: %w", err)
			}
			tok := strings.TrimSpace(string(out))
			if tok == "" {
				return "", errors.New("host token command printed nothing")
			}
			return tok, nil
		}
	default:
		return nil
	}
}

// probe runs opts.requests fetches with bounded concurrency and reports.
func probe(ctx context.Context, opts options, newClient func(func(*sessionclient.AttemptError, time.Duration)) (*sessionclient.Client, error), stdout io.Writer) error {
	collector := loadstats.NewCollector()

	var scraper *loadstats.Scraper
	if opts.metricsURL != "" {
		scraper = loadstats.NewScraper(opts.metricsURL, time.Second)
		scraper.Start(ctx)
		collector.SetScraper(scraper)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.concurrency)

	for i := 0; i < opts.requests; i++ {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			attempts := 1
			client, err := newClient(func(*sessionclient.AttemptError, time.Duration) { attempts++ })
			if err != nil {
				return err
			}

			start := time.Now()
			_, err = client.GetCredential(gctx)
			switch {
			case err == nil:
				collector.AddSuccess(time.Since(start), attempts)
			case errors.Is(err, sessionclient.ErrExhausted):
				collector.AddError(errorClass(err))
			case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
				collector.AddError("cancelled")
			default:
				collector.AddError("other")
			}
			return nil
		})
	}
	err := g.Wait()

	if scraper != nil {
		scraper.Stop()
	}
	collector.Report(stdout)

	if err != nil {
		return err
	}
	if s := collector.Summary(); s.Errors > 0 {
		return fmt.Errorf("%d of %d fetches failed", s.Errors, s.Errors+s.Successes)
	}
	return nil
}

// errorClass names the failure of an exhausted fetch by its last attempt.
func errorClass(err error) string {
	var exhausted *sessionclient.ExhaustedError
	if !errors.As(err, &exhausted) || exhausted.Last == nil {
		return "exhausted"
	}
	switch {
	case errors.Is(exhausted.Last, sessionclient.ErrTransport):
		return "transport"
	case errors.Is(exhausted.Last, sessionclient.ErrMalformedResponse):
		return "malformed"
	case exhausted.Last.Status != 0:
		return fmt.Sprintf("http_%d", exhausted.Last.Status)
	default:
		return "exhausted"
	}
}
