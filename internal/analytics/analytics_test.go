package analytics

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func intPtr(v int) *int { return &v }

func sampleEvent(model string, success bool) Event {
	ev := NewEvent()
	ev.Request = RequestInfo{
		Endpoint:  "/v1/chat/completions",
		Method:    "POST",
		Model:     model,
		SizeBytes: 128,
	}
	ev.Response = ResponseInfo{Status: 200, SizeBytes: 256, Success: success}
	ev.Perf = PerformanceInfo{DurationMS: 40}
	ev.Usage = UsageInfo{PromptTokens: intPtr(100), CompletionTokens: intPtr(50)}
	return ev
}

func TestPricing_LongestPrefixMatch(t *testing.T) {
	cfg := &PricingConfig{
		Models: map[string]ModelPricing{
			"gpt-4o":      {Input: 2_500_000, Output: 10_000_000},
			"gpt-4o-mini": {Input: 150_000, Output: 600_000},
		},
		Default: &ModelPricing{Input: 1_000_000, Output: 1_000_000},
	}

	if p := cfg.Lookup("gpt-4o-mini-2024"); p.Input != 150_000 {
		t.Errorf("gpt-4o-mini lookup = %+v, want mini rates", p)
	}
	if p := cfg.Lookup("gpt-4o-2024"); p.Input != 2_500_000 {
		t.Errorf("gpt-4o lookup = %+v, want full rates", p)
	}
	if p := cfg.Lookup("claude-3"); p.Input != 1_000_000 {
		t.Errorf("unknown model lookup = %+v, want default", p)
	}
}

func TestPricing_MicroDollarCost(t *testing.T) {
	cfg := &PricingConfig{
		Models: map[string]ModelPricing{
			// $2.50 / $10.00 per million, cached at $1.25.
			"gpt-4o": {Input: 2_500_000, Output: 10_000_000, Cached: 1_250_000},
		},
	}

	usage := UsageInfo{
		PromptTokens:     intPtr(1000),
		CompletionTokens: intPtr(200),
		CachedTokens:     intPtr(400),
	}

	cost := cfg.Cost("gpt-4o", usage)

	// 600 uncached input tokens * 2.5 = 1500 micro-dollars.
	if cost.Input != 1500 {
		t.Errorf("input cost = %d, want 1500", cost.Input)
	}
	// 400 cached * 1.25 = 500.
	if cost.Cached != 500 {
		t.Errorf("cached cost = %d, want 500", cost.Cached)
	}
	// 200 output * 10 = 2000.
	if cost.Output != 2000 {
		t.Errorf("output cost = %d, want 2000", cost.Output)
	}
	if cost.Total != 4000 {
		t.Errorf("total cost = %d, want 4000", cost.Total)
	}
}

func TestPricing_NoMatchLeavesZero(t *testing.T) {
	cfg := &PricingConfig{}
	cost := cfg.Cost("mystery-model", UsageInfo{PromptTokens: intPtr(1000)})
	if cost != (CostInfo{}) {
		t.Errorf("cost = %+v, want zero", cost)
	}
}

func TestJSONLBackend_AppendQueryAggregate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	b, err := NewJSONLBackend(path)
	if err != nil {
		t.Fatalf("NewJSONLBackend: %v", err)
	}
	defer b.Close()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := b.Append(ctx, sampleEvent("gpt-4o", i != 2)); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	events, err := b.Query(ctx, time.Time{}, time.Time{}, 0)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("events = %d, want 3", len(events))
	}
	if events[0].Request.SizeBytes != 128 || events[0].Response.Status != 200 || events[0].Perf.DurationMS != 40 {
		t.Errorf("event fields lost: %+v", events[0])
	}

	agg, err := b.Aggregate(ctx, time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	if agg.Count != 3 || agg.SuccessCount != 2 || agg.ErrorCount != 1 {
		t.Errorf("aggregate = %+v", agg)
	}
	if agg.PromptTokens != 300 || agg.OutputTokens != 150 {
		t.Errorf("token totals = %d/%d", agg.PromptTokens, agg.OutputTokens)
	}
	if agg.ByModel["gpt-4o"] != 3 {
		t.Errorf("by_model = %v", agg.ByModel)
	}

	if err := b.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	count, err := b.Count(ctx)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 0 {
		t.Errorf("count after clear = %d, want 0", count)
	}

	// The file stays usable after Clear.
	if err := b.Append(ctx, sampleEvent("gpt-4o", true)); err != nil {
		t.Fatalf("Append after clear: %v", err)
	}
}

func TestJSONLBackend_QueryLimit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	b, err := NewJSONLBackend(path)
	if err != nil {
		t.Fatalf("NewJSONLBackend: %v", err)
	}
	defer b.Close()

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		b.Append(ctx, sampleEvent("m", true))
	}

	events, err := b.Query(ctx, time.Time{}, time.Time{}, 2)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(events) != 2 {
		t.Errorf("events = %d, want 2", len(events))
	}
}

func TestMemoryBackend_RingBound(t *testing.T) {
	b := NewMemoryBackend(3)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		b.Append(ctx, sampleEvent("m", true))
	}

	count, _ := b.Count(ctx)
	if count != 3 {
		t.Errorf("count = %d, want 3 (bounded)", count)
	}
}

func TestRecorder_SubmitComputesCost(t *testing.T) {
	backend := NewMemoryBackend(10)
	pricing := &PricingConfig{
		Models: map[string]ModelPricing{"gpt-4o": {Input: 1_000_000, Output: 1_000_000}},
	}

	r := NewRecorder(backend, pricing)
	r.Submit(sampleEvent("gpt-4o", true))
	r.Close()

	events, err := backend.Query(context.Background(), time.Time{}, time.Time{}, 0)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	// 100 prompt + 50 completion tokens at $1/M each = 150 micro-dollars.
	if events[0].Cost.Total != 150 {
		t.Errorf("cost total = %d, want 150", events[0].Cost.Total)
	}
}

func TestRecorder_DropCounter(t *testing.T) {
	// An unbuffered queue with no worker simulates full backpressure:
	// Submit must not block and must count the drop.
	r := &Recorder{backend: NewMemoryBackend(10), ch: make(chan Event)}
	r.pricing.Store(&PricingConfig{})

	done := make(chan struct{})
	go func() {
		r.Submit(sampleEvent("m", true))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Submit blocked under backpressure")
	}

	if got := r.Dropped(); got != 1 {
		t.Errorf("dropped = %d, want 1", got)
	}
}
