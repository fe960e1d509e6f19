package codesystem

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// codeSystemRepoMem is the in-process store used when no database is
// configured. Rows are keyed by (url, version) like the table's unique index.
type codeSystemRepoMem struct {
	mu    sync.RWMutex
	items map[string]*CodeSystem
}

func NewCodeSystemRepoMem() CodeSystemRepository {
	return &codeSystemRepoMem{items: make(map[string]*CodeSystem)}
}

func csKey(url, version string) string { return url + "|" + version }

func (r *codeSystemRepoMem) Create(ctx context.Context, cs *CodeSystem) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cs.ID = uuid.New()
	if cs.FHIRID == "" {
		cs.FHIRID = cs.ID.String()
	}
	r.items[csKey(cs.URL, cs.Version)] = cs
	return nil
}

func (r *codeSystemRepoMem) GetByFHIRID(ctx context.Context, fhirID string) (*CodeSystem, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, cs := range r.items {
		if cs.FHIRID == fhirID {
			return cs, nil
		}
	}
	return nil, fmt.Errorf("code system %s not found", fhirID)
}

func (r *codeSystemRepoMem) GetByURL(ctx context.Context, url, version string) (*CodeSystem, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if version != "" {
		if cs, ok := r.items[csKey(url, version)]; ok {
			return cs, nil
		}
		return nil, fmt.Errorf("code system %s|%s not found", url, version)
	}
	var best *CodeSystem
	for _, cs := range r.items {
		if cs.URL != url {
			continue
		}
		if best == nil || cs.Version > best.Version {
			best = cs
		}
	}
	if best == nil {
		return nil, fmt.Errorf("code system %s not found", url)
	}
	return best, nil
}

func (r *codeSystemRepoMem) List(ctx context.Context, limit, offset int) ([]*CodeSystem, int, error) {
	all, err := r.All(ctx)
	if err != nil {
		return nil, 0, err
	}
	return pageOf(all, limit, offset), len(all), nil
}

func (r *codeSystemRepoMem) Search(ctx context.Context, params map[string]string, limit, offset int) ([]*CodeSystem, int, error) {
	all, _ := r.All(ctx)
	var matched []*CodeSystem
	for _, cs := range all {
		if p, ok := params["url"]; ok && cs.URL != p {
			continue
		}
		if p, ok := params["version"]; ok && cs.Version != p {
			continue
		}
		if p, ok := params["status"]; ok && cs.Status != p {
			continue
		}
		if p, ok := params["content"]; ok && cs.Content != p {
			continue
		}
		if p, ok := params["name"]; ok && !strings.Contains(strings.ToLower(cs.Name), strings.ToLower(p)) {
			continue
		}
		matched = append(matched, cs)
	}
	return pageOf(matched, limit, offset), len(matched), nil
}

func (r *codeSystemRepoMem) All(ctx context.Context) ([]*CodeSystem, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*CodeSystem, 0, len(r.items))
	for _, cs := range r.items {
		out = append(out, cs)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].URL != out[j].URL {
			return out[i].URL < out[j].URL
		}
		return out[i].Version < out[j].Version
	})
	return out, nil
}

func pageOf(items []*CodeSystem, limit, offset int) []*CodeSystem {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
