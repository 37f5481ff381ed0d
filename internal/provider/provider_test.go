package provider

import (
	"context"
	"testing"

	"github.com/maestrolabs/maestro/pkg/models"
)

type fakeProvider struct{ name string }

func (f *fakeProvider) Name() string { return f.name }
func (f *fakeProvider) Models() []ModelInfo {
	return []ModelInfo{
		{ID: "small", APIID: "small-2025", InputCostPerMTok: 1, OutputCostPerMTok: 2},
		{ID: "large", InputCostPerMTok: 10, OutputCostPerMTok: 30},
	}
}
func (f *fakeProvider) Stream(ctx context.Context, req *Request) (<-chan StreamEvent, error) {
	ch := make(chan StreamEvent)
	close(ch)
	return ch, nil
}
func (f *fakeProvider) Cost(usage *models.TokenUsage, info ModelInfo) float64 {
	return DefaultCost(usage, info)
}

func TestLookupModel(t *testing.T) {
	p := &fakeProvider{name: "fake"}

	if m, err := LookupModel(p, "small"); err != nil || m.APIModel() != "small-2025" {
		t.Errorf("lookup by id failed: %+v, %v", m, err)
	}
	if m, err := LookupModel(p, "small-2025"); err != nil || m.ID != "small" {
		t.Errorf("lookup by api id failed: %+v, %v", m, err)
	}
	if m, err := LookupModel(p, "large"); err != nil || m.APIModel() != "large" {
		t.Errorf("APIModel should fall back to ID: %+v, %v", m, err)
	}
	if _, err := LookupModel(p, "missing"); err == nil {
		t.Error("expected error for unknown model")
	}
}

func TestDefaultCost(t *testing.T) {
	info := ModelInfo{InputCostPerMTok: 3, OutputCostPerMTok: 15}
	usage := &models.TokenUsage{Input: 1_000_000, Output: 200_000}
	if got := DefaultCost(usage, info); got != 6 {
		t.Errorf("cost = %v, want 6", got)
	}
	if got := DefaultCost(nil, info); got != 0 {
		t.Errorf("nil usage should cost 0, got %v", got)
	}
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	reg.Register("fake", Entry{Provider: &fakeProvider{name: "fake"}, APIKey: "k", Model: "small"})

	entry, ok := reg.Get("fake")
	if !ok || entry.Model != "small" || entry.APIKey != "k" {
		t.Fatalf("registered entry not returned: %+v", entry)
	}
	if _, ok := reg.Get("other"); ok {
		t.Error("unknown provider id should miss")
	}
}
