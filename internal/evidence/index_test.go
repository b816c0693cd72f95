package evidence

import (
	"testing"

	"github.com/prospecthq/prospect/config"
)

func TestIndexSearchRanksMatchingFinding(t *testing.T) {
	idx, err := NewIndex()
	if err != nil {
		t.Fatalf("NewIndex: %v", err)
	}
	if err := idx.Add(Finding{ID: "a", StepID: "s1", URL: "http://x", Content: "solid state battery energy density advances"}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := idx.Add(Finding{ID: "b", StepID: "s2", URL: "http://y", Content: "weather forecast for the weekend"}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	hits, err := idx.Search("battery energy density", 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) == 0 {
		t.Fatal("expected at least one hit")
	}
	if hits[0].ID != "a" {
		t.Fatalf("expected finding a first, got %s", hits[0].ID)
	}
	if hits[0].StepID != "s1" {
		t.Fatalf("expected step s1, got %s", hits[0].StepID)
	}
}

func TestRelevantEmptyIndex(t *testing.T) {
	idx, err := NewIndex()
	if err != nil {
		t.Fatalf("NewIndex: %v", err)
	}
	ok, err := idx.Relevant("anything", 0.01)
	if err != nil {
		t.Fatalf("Relevant: %v", err)
	}
	if ok {
		t.Fatal("empty index must not be relevant")
	}
}

// BM25 scores over small finding corpora land in the low hundredths, so the
// default threshold must sit below them or nothing ever counts as relevant.
func TestRelevantAtDefaultThreshold(t *testing.T) {
	threshold := config.AgentConfig{}.Normalize().RelevanceThreshold

	idx, err := NewIndex()
	if err != nil {
		t.Fatalf("NewIndex: %v", err)
	}
	content := "Snowflake is a cloud data warehousing company offering a " +
		"platform for data storage, processing and analytics across clouds."
	if err := idx.Add(Finding{ID: "a", StepID: "s1", URL: "http://x", Content: content}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	ok, err := idx.Relevant("Snowflake company overview", threshold)
	if err != nil {
		t.Fatalf("Relevant: %v", err)
	}
	if !ok {
		t.Fatalf("a directly on-topic finding must pass the default threshold %v", threshold)
	}

	ok, err = idx.Relevant("19th century naval history", threshold)
	if err != nil {
		t.Fatalf("Relevant: %v", err)
	}
	if ok {
		t.Fatal("an unrelated query must not pass")
	}
}

func TestManagerReturnsSameIndexPerSession(t *testing.T) {
	m := NewManager()
	a, err := m.For("sess-1")
	if err != nil {
		t.Fatalf("For: %v", err)
	}
	b, err := m.For("sess-1")
	if err != nil {
		t.Fatalf("For: %v", err)
	}
	if a != b {
		t.Fatal("expected the same index for the same session")
	}
	m.Drop("sess-1")
	c, err := m.For("sess-1")
	if err != nil {
		t.Fatalf("For after Drop: %v", err)
	}
	if c == a {
		t.Fatal("expected a fresh index after Drop")
	}
}
