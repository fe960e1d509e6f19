// Package hgvs implements the HGVS variant provider. Codes are validated by a
// remote validator service; there is no local code table, no hierarchy, no
// iteration and no filters.
package hgvs

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/fhirterm/fhirterm/internal/term"
	"github.com/fhirterm/fhirterm/internal/term/lang"
	"github.com/fhirterm/fhirterm/internal/term/provider"
)

// SystemURI is the canonical HGVS system.
const SystemURI = "http://varnomen.hgvs.org"

const handleTag = "hgvs"

// DefaultTimeout keeps remote calls well under the operation time budget.
const DefaultTimeout = 5 * time.Second

// Provider validates HGVS expressions against a remote validator endpoint.
// Validation verdicts are cached; transport failures never are.
type Provider struct {
	provider.NoHierarchy
	provider.NoIteration
	provider.NoFilters
	provider.NoSupplements

	endpoint string
	client   *http.Client
	logger   zerolog.Logger

	mu      sync.Mutex
	results map[string]verdict
}

type verdict struct {
	valid   bool
	message string
}

// New builds a provider calling the validator at endpoint. A zero timeout
// falls back to DefaultTimeout.
func New(endpoint string, timeout time.Duration, logger zerolog.Logger) *Provider {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Provider{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
		logger:   logger,
		results:  map[string]verdict{},
	}
}

type hgvsContext struct {
	code string
}

func (c *hgvsContext) Tag() string { return handleTag }

func (p *Provider) handle(h provider.Context) (*hgvsContext, error) {
	ctx, ok := h.(*hgvsContext)
	if !ok {
		return nil, provider.WrongHandle("HGVS", h)
	}
	return ctx, nil
}

func (p *Provider) System() string                { return SystemURI }
func (p *Provider) Version() string               { return "2.0" }
func (p *Provider) Description() string           { return "HGVS variant nomenclature" }
func (p *Provider) TotalCount() int               { return 0 }
func (p *Provider) ContentMode() term.ContentMode { return term.ContentNotPresent }

func (p *Provider) HasAnyDisplays(langs lang.Languages) bool { return false }

// Locate asks the remote validator to accept the expression. A rejection is
// reported as a diagnostic; only a transport failure is an error condition,
// and it still surfaces through Located so lookups degrade rather than abort.
func (p *Provider) Locate(code string) provider.Located {
	code = strings.TrimSpace(code)
	if code == "" {
		return provider.Located{Message: "Empty code"}
	}
	if v, ok := p.cached(code); ok {
		return p.located(code, v)
	}
	v, err := p.validate(code)
	if err != nil {
		p.logger.Warn().Err(err).Str("code", code).Msg("hgvs validator unreachable")
		return provider.Located{Message: err.Error(), Err: err}
	}
	p.store(code, v)
	return p.located(code, v)
}

func (p *Provider) located(code string, v verdict) provider.Located {
	if !v.valid {
		msg := v.message
		if msg == "" {
			msg = fmt.Sprintf("Invalid HGVS expression '%s'", code)
		}
		return provider.Located{Message: msg}
	}
	return provider.Located{Context: &hgvsContext{code: code}}
}

func (p *Provider) cached(code string) (verdict, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.results[code]
	return v, ok
}

func (p *Provider) store(code string, v verdict) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.results[code] = v
}

// validate calls the remote service. The wire shape is the validator's:
// POST {"expression": ...} answered with {"valid": ..., "message": ...}.
func (p *Provider) validate(code string) (verdict, error) {
	body, err := json.Marshal(map[string]string{"expression": code})
	if err != nil {
		return verdict{}, term.Invalid("hgvs request encoding failed: %v", err)
	}
	resp, err := p.client.Post(p.endpoint, "application/json", bytes.NewReader(body))
	if err != nil {
		return verdict{}, term.NewError(term.KindTransport, "HGVS validator unreachable: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return verdict{}, term.NewError(term.KindTransport, "HGVS validator returned status %d", resp.StatusCode)
	}
	var decoded struct {
		Valid   bool   `json:"valid"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return verdict{}, term.NewError(term.KindTransport, "HGVS validator returned an unreadable body: %v", err)
	}
	return verdict{valid: decoded.Valid, message: decoded.Message}, nil
}

func (p *Provider) Code(h provider.Context) (string, error) {
	ctx, err := p.handle(h)
	if err != nil {
		return "", err
	}
	return ctx.code, nil
}

// Display is the expression itself; HGVS has no display names.
func (p *Provider) Display(h provider.Context, langs lang.Languages) (string, error) {
	return p.Code(h)
}

func (p *Provider) Designations(h provider.Context, out *term.DesignationSet) error {
	return nil
}

func (p *Provider) IsAbstract(h provider.Context) bool   { return false }
func (p *Provider) IsInactive(h provider.Context) bool   { return false }
func (p *Provider) IsDeprecated(h provider.Context) bool { return false }
func (p *Provider) Status(h provider.Context) string     { return "" }
func (p *Provider) ItemWeight(h provider.Context) string { return "" }

func (p *Provider) Properties(h provider.Context) ([]provider.Property, error) {
	return nil, nil
}

func (p *Provider) SameConcept(a, b provider.Context) bool {
	ca, errA := p.handle(a)
	cb, errB := p.handle(b)
	if errA != nil || errB != nil {
		return false
	}
	return ca.code == cb.code
}

func (p *Provider) SubsumesTest(a, b string) (term.SubsumptionOutcome, error) {
	return "", term.NotSupported("subsumption is not supported by HGVS")
}
