package codesystem

import (
	"context"
	"testing"
)

func resourceFixture(url, version string) map[string]interface{} {
	return map[string]interface{}{
		"resourceType": "CodeSystem",
		"url":          url,
		"version":      version,
		"name":         "TestSystem",
		"status":       "active",
		"content":      "complete",
	}
}

func TestCreateAndGetByURL(t *testing.T) {
	svc := NewService(NewCodeSystemRepoMem())
	ctx := context.Background()

	for _, version := range []string{"1.0.0", "2.0.0"} {
		cs, err := FromResource(resourceFixture("http://example.org/cs", version))
		if err != nil {
			t.Fatalf("FromResource: %v", err)
		}
		if err := svc.CreateCodeSystem(ctx, cs); err != nil {
			t.Fatalf("create %s: %v", version, err)
		}
	}

	got, err := svc.GetCodeSystemByURL(ctx, "http://example.org/cs", "1.0.0")
	if err != nil {
		t.Fatalf("get pinned version: %v", err)
	}
	if got.Version != "1.0.0" {
		t.Errorf("expected version 1.0.0, got %s", got.Version)
	}

	latest, err := svc.GetCodeSystemByURL(ctx, "http://example.org/cs", "")
	if err != nil {
		t.Fatalf("get latest: %v", err)
	}
	if latest.Version != "2.0.0" {
		t.Errorf("expected latest version 2.0.0, got %s", latest.Version)
	}
}

func TestCreateValidation(t *testing.T) {
	svc := NewService(NewCodeSystemRepoMem())
	ctx := context.Background()

	if err := svc.CreateCodeSystem(ctx, &CodeSystem{}); err == nil {
		t.Error("expected error for missing url")
	}
	if err := svc.CreateCodeSystem(ctx, &CodeSystem{URL: "http://x", Content: "bogus"}); err == nil {
		t.Error("expected error for invalid content")
	}
	if err := svc.CreateCodeSystem(ctx, &CodeSystem{URL: "http://x", Status: "bogus"}); err == nil {
		t.Error("expected error for invalid status")
	}

	cs := &CodeSystem{URL: "http://x", Resource: map[string]interface{}{"url": "http://x"}}
	if err := svc.CreateCodeSystem(ctx, cs); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cs.Status != "active" || cs.Content != "complete" {
		t.Errorf("expected defaults applied, got status=%s content=%s", cs.Status, cs.Content)
	}
}

func TestFromResourceRejectsWrongType(t *testing.T) {
	_, err := FromResource(map[string]interface{}{"resourceType": "ValueSet", "url": "http://x"})
	if err == nil {
		t.Error("expected error for wrong resourceType")
	}
	_, err = FromResource(map[string]interface{}{"resourceType": "CodeSystem"})
	if err == nil {
		t.Error("expected error for missing url")
	}
}

func TestSearchFilters(t *testing.T) {
	svc := NewService(NewCodeSystemRepoMem())
	ctx := context.Background()

	fixtures := []map[string]interface{}{
		resourceFixture("http://example.org/a", "1"),
		resourceFixture("http://example.org/b", "1"),
	}
	fixtures[1]["status"] = "retired"
	for _, f := range fixtures {
		cs, _ := FromResource(f)
		if err := svc.CreateCodeSystem(ctx, cs); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	items, total, err := svc.SearchCodeSystems(ctx, map[string]string{"status": "retired"}, 10, 0)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if total != 1 || len(items) != 1 || items[0].URL != "http://example.org/b" {
		t.Errorf("unexpected search result: total=%d items=%v", total, items)
	}
}
