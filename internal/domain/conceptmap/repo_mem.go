package conceptmap

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// conceptMapRepoMem is the in-process store used when no database is
// configured.
type conceptMapRepoMem struct {
	mu    sync.RWMutex
	items map[string]*ConceptMap
}

func NewConceptMapRepoMem() ConceptMapRepository {
	return &conceptMapRepoMem{items: make(map[string]*ConceptMap)}
}

func cmKey(url, version string) string { return url + "|" + version }

func (r *conceptMapRepoMem) Create(ctx context.Context, cm *ConceptMap) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cm.ID = uuid.New()
	if cm.FHIRID == "" {
		cm.FHIRID = cm.ID.String()
	}
	r.items[cmKey(cm.URL, cm.Version)] = cm
	return nil
}

func (r *conceptMapRepoMem) GetByFHIRID(ctx context.Context, fhirID string) (*ConceptMap, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, cm := range r.items {
		if cm.FHIRID == fhirID {
			return cm, nil
		}
	}
	return nil, fmt.Errorf("concept map %s not found", fhirID)
}

func (r *conceptMapRepoMem) GetByURL(ctx context.Context, url, version string) (*ConceptMap, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if version != "" {
		if cm, ok := r.items[cmKey(url, version)]; ok {
			return cm, nil
		}
		return nil, fmt.Errorf("concept map %s|%s not found", url, version)
	}
	var best *ConceptMap
	for _, cm := range r.items {
		if cm.URL != url {
			continue
		}
		if best == nil || cm.Version > best.Version {
			best = cm
		}
	}
	if best == nil {
		return nil, fmt.Errorf("concept map %s not found", url)
	}
	return best, nil
}

func (r *conceptMapRepoMem) List(ctx context.Context, limit, offset int) ([]*ConceptMap, int, error) {
	all, err := r.All(ctx)
	if err != nil {
		return nil, 0, err
	}
	return pageOf(all, limit, offset), len(all), nil
}

func (r *conceptMapRepoMem) Search(ctx context.Context, params map[string]string, limit, offset int) ([]*ConceptMap, int, error) {
	all, _ := r.All(ctx)
	var matched []*ConceptMap
	for _, cm := range all {
		if p, ok := params["url"]; ok && cm.URL != p {
			continue
		}
		if p, ok := params["version"]; ok && cm.Version != p {
			continue
		}
		if p, ok := params["status"]; ok && cm.Status != p {
			continue
		}
		if p, ok := params["source-scope"]; ok && cm.SourceScope != p {
			continue
		}
		if p, ok := params["target-scope"]; ok && cm.TargetScope != p {
			continue
		}
		if p, ok := params["name"]; ok && !strings.Contains(strings.ToLower(cm.Name), strings.ToLower(p)) {
			continue
		}
		matched = append(matched, cm)
	}
	return pageOf(matched, limit, offset), len(matched), nil
}

func (r *conceptMapRepoMem) All(ctx context.Context) ([]*ConceptMap, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*ConceptMap, 0, len(r.items))
	for _, cm := range r.items {
		out = append(out, cm)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].URL != out[j].URL {
			return out[i].URL < out[j].URL
		}
		return out[i].Version < out[j].Version
	})
	return out, nil
}

func pageOf(items []*ConceptMap, limit, offset int) []*ConceptMap {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
