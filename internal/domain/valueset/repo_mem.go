package valueset

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// valueSetRepoMem is the in-process store used when no database is configured.
type valueSetRepoMem struct {
	mu    sync.RWMutex
	items map[string]*ValueSet
}

func NewValueSetRepoMem() ValueSetRepository {
	return &valueSetRepoMem{items: make(map[string]*ValueSet)}
}

func vsKey(url, version string) string { return url + "|" + version }

func (r *valueSetRepoMem) Create(ctx context.Context, vs *ValueSet) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	vs.ID = uuid.New()
	if vs.FHIRID == "" {
		vs.FHIRID = vs.ID.String()
	}
	r.items[vsKey(vs.URL, vs.Version)] = vs
	return nil
}

func (r *valueSetRepoMem) GetByFHIRID(ctx context.Context, fhirID string) (*ValueSet, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, vs := range r.items {
		if vs.FHIRID == fhirID {
			return vs, nil
		}
	}
	return nil, fmt.Errorf("value set %s not found", fhirID)
}

func (r *valueSetRepoMem) GetByURL(ctx context.Context, url, version string) (*ValueSet, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if version != "" {
		if vs, ok := r.items[vsKey(url, version)]; ok {
			return vs, nil
		}
		return nil, fmt.Errorf("value set %s|%s not found", url, version)
	}
	var best *ValueSet
	for _, vs := range r.items {
		if vs.URL != url {
			continue
		}
		if best == nil || vs.Version > best.Version {
			best = vs
		}
	}
	if best == nil {
		return nil, fmt.Errorf("value set %s not found", url)
	}
	return best, nil
}

func (r *valueSetRepoMem) List(ctx context.Context, limit, offset int) ([]*ValueSet, int, error) {
	all, err := r.All(ctx)
	if err != nil {
		return nil, 0, err
	}
	return pageOf(all, limit, offset), len(all), nil
}

func (r *valueSetRepoMem) Search(ctx context.Context, params map[string]string, limit, offset int) ([]*ValueSet, int, error) {
	all, _ := r.All(ctx)
	var matched []*ValueSet
	for _, vs := range all {
		if p, ok := params["url"]; ok && vs.URL != p {
			continue
		}
		if p, ok := params["version"]; ok && vs.Version != p {
			continue
		}
		if p, ok := params["status"]; ok && vs.Status != p {
			continue
		}
		if p, ok := params["name"]; ok && !strings.Contains(strings.ToLower(vs.Name), strings.ToLower(p)) {
			continue
		}
		matched = append(matched, vs)
	}
	return pageOf(matched, limit, offset), len(matched), nil
}

func (r *valueSetRepoMem) All(ctx context.Context) ([]*ValueSet, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*ValueSet, 0, len(r.items))
	for _, vs := range r.items {
		out = append(out, vs)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].URL != out[j].URL {
			return out[i].URL < out[j].URL
		}
		return out[i].Version < out[j].Version
	})
	return out, nil
}

func pageOf(items []*ValueSet, limit, offset int) []*ValueSet {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
