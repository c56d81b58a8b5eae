// Package loadstats provides a goroutine-safe collector for credential
// fetch latencies and a summary report with percentile distributions, used
// by chatkit-token's load probe.
package loadstats

import (
	"fmt"
	"io"
	"math"
	"sort"
	"sync"
	"time"
)

// Collector aggregates results from many concurrent fetches. All methods
// are goroutine-safe.
type Collector struct {
	mu        sync.Mutex
	latencies []time.Duration
	errors    map[string]int
	successes int
	retries   int
	startTime time.Time
	scraper   *Scraper
}

// NewCollector creates a new Collector with the start time set to now.
func NewCollector() *Collector {
	return &Collector{startTime: time.Now(), errors: make(map[string]int)}
}

// SetScraper attaches a metrics scraper. When set, Report also prints the
// server-side metrics it collected.
func (c *Collector) SetScraper(s *Scraper) {
	c.mu.Lock()
	c.scraper = s
	c.mu.Unlock()
}

// AddSuccess records a fetch that returned a credential after attempts
// attempts.
func (c *Collector) AddSuccess(d time.Duration, attempts int) {
	c.mu.Lock()
	c.latencies = append(c.latencies, d)
	c.successes++
	if attempts > 1 {
		c.retries += attempts - 1
	}
	c.mu.Unlock()
}

// AddError records a failed fetch under the given class.
func (c *Collector) AddError(class string) {
	c.mu.Lock()
	c.errors[class]++
	c.mu.Unlock()
}

// Percentiles summarises a latency distribution.
type Percentiles struct {
	N   int
	Avg time.Duration
	P50 time.Duration
	P95 time.Duration
	P99 time.Duration
	Max time.Duration
}

// Summary is a point-in-time view of a Collector.
type Summary struct {
	Elapsed   time.Duration
	Successes int
	Errors    int
	Retries   int
	ByClass   map[string]int
	Latency   Percentiles
}

// ErrorRate returns failures as a percentage of all fetches.
func (s Summary) ErrorRate() float64 {
	total := s.Successes + s.Errors
	if total == 0 {
		return 0
	}
	return float64(s.Errors) / float64(total) * 100
}

// Summary computes the current summary.
func (c *Collector) Summary() Summary {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Summary{
		Elapsed:   time.Since(c.startTime),
		Successes: c.successes,
		Retries:   c.retries,
		ByClass:   make(map[string]int, len(c.errors)),
		Latency:   percentiles(c.latencies),
	}
	for class, n := range c.errors {
		s.ByClass[class] = n
		s.Errors += n
	}
	return s
}

// Report writes a formatted summary to w.
func (c *Collector) Report(w io.Writer) {
	s := c.Summary()

	fmt.Fprintln(w, "\n=== Session Fetch Results ===")
	fmt.Fprintf(w, "Duration:     %s\n", s.Elapsed.Round(time.Millisecond))
	fmt.Fprintf(w, "Successes:    %d\n", s.Successes)
	fmt.Fprintf(w, "Errors:       %d\n", s.Errors)
	fmt.Fprintf(w, "Retries:      %d\n", s.Retries)
	if s.Successes+s.Errors > 0 {
		fmt.Fprintf(w, "Error rate:   %.2f%%\n", s.ErrorRate())
	}

	if len(s.ByClass) > 0 {
		classes := make([]string, 0, len(s.ByClass))
		for class := range s.ByClass {
			classes = append(classes, class)
		}
		sort.Strings(classes)
		fmt.Fprintln(w, "\n--- Errors by class ---")
		for _, class := range classes {
			fmt.Fprintf(w, "  %-20s %d\n", class, s.ByClass[class])
		}
	}

	if s.Latency.N > 0 {
		fmt.Fprintln(w, "\n--- Fetch Latency ---")
		p := s.Latency
		fmt.Fprintf(w, "  avg: %v  p50: %v  p95: %v  p99: %v  max: %v  (n=%d)\n",
			p.Avg.Round(time.Microsecond),
			p.P50.Round(time.Microsecond),
			p.P95.Round(time.Microsecond),
			p.P99.Round(time.Microsecond),
			p.Max.Round(time.Microsecond),
			p.N,
		)
	}

	c.mu.Lock()
	scraper := c.scraper
	c.mu.Unlock()
	if scraper != nil {
		scraper.Report(w)
	}

	fmt.Fprintln(w)
}

// percentiles sorts a copy of durations and computes avg, p50, p95, p99
// and max.
func percentiles(durations []time.Duration) Percentiles {
	n := len(durations)
	if n == 0 {
		return Percentiles{}
	}
	sorted := make([]time.Duration, n)
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}

	return Percentiles{
		N:   n,
		Avg: sum / time.Duration(n),
		P50: sorted[n/2],
		P95: sorted[int(math.Ceil(float64(n)*0.95))-1],
		P99: sorted[int(math.Ceil(float64(n)*0.99))-1],
		Max: sorted[n-1],
	}
}
