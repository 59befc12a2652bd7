package normalizer

import (
	"sort"

	normalizerdomain "github.com/ledgerline/ledgerline/internal/normalizer/domain"
)

const (
	DomainCloud        = "cloud"
	DomainAIUsage      = "ai_usage"
	DomainSubscription = "subscription"
)

type registry struct {
	runners map[string]normalizerdomain.Runner
}

func (r *registry) Runner(domain string) (normalizerdomain.Runner, error) {
	runner, ok := r.runners[domain]
	if !ok {
		return nil, normalizerdomain.ErrUnknownDomain
	}
	return runner, nil
}

func (r *registry) Domains() []string {
	domains := make([]string, 0, len(r.runners))
	for domain := range r.runners {
		domains = append(domains, domain)
	}
	sort.Strings(domains)
	return domains
}
