package siws

import (
	"fmt"
	"regexp"

	"milestonepay/internal/domain"
)

type rule struct {
	intent domain.Intent
	re     *regexp.Regexp
}

// Grammar matches statement text against the accepted intents for one
// service name.
type Grammar struct {
	service string
	rules   []rule
}

const (
	projectPattern   = `(?P<project>[A-Za-z0-9][A-Za-z0-9._-]*)`
	milestonePattern = `(?P<milestone>M1|M2|BOUNTY)`
	callHashPattern  = `(?P<callHash>0x[0-9a-fA-F]{64})`
)

func NewGrammar(service string) *Grammar {
	svc := regexp.QuoteMeta(service)
	compile := func(intent domain.Intent, pattern string) rule {
		return rule{intent: intent, re: regexp.MustCompile(`^` + fmt.Sprintf(pattern, svc) + `$`)}
	}
	return &Grammar{
		service: service,
		rules: []rule{
			compile(domain.IntentSignIn, `Sign in to %s`),
			compile(domain.IntentUpdateTeam, `Update team members for `+projectPattern+` on %s`),
			compile(domain.IntentUpdateRoadmap, `Update roadmap for `+projectPattern+` on %s`),
			compile(domain.IntentSubmitMilestone2, `Submit milestone 2 deliverables for `+projectPattern+` on %s`),
			compile(domain.IntentConfirmPayment, `Confirm `+milestonePattern+` payment for `+projectPattern+` on %s`),
			compile(domain.IntentInitiateMultisig, `Initiate multisig payment on %s`),
			compile(domain.IntentApproveMultisig, `Approve multisig payment `+callHashPattern+` on %s`),
			compile(domain.IntentCancelMultisig, `Cancel multisig payment `+callHashPattern+` on %s`),
		},
	}
}

// Match returns the intent and named parameters of a statement, or false
// when the text is outside the grammar.
func (g *Grammar) Match(statement string) (domain.Intent, map[string]string, bool) {
	for _, r := range g.rules {
		m := r.re.FindStringSubmatch(statement)
		if m == nil {
			continue
		}
		params := map[string]string{domain.ParamService: g.service}
		for i, name := range r.re.SubexpNames() {
			if name != "" {
				params[name] = m[i]
			}
		}
		return r.intent, params, true
	}
	return "", nil, false
}

// Statement renders the canonical text for an intent. It is the inverse of
// Match and is used by clients and tests to produce signable statements.
func (g *Grammar) Statement(intent domain.Intent, params map[string]string) (string, error) {
	p := func(k string) string { return params[k] }
	var s string
	switch intent {
	case domain.IntentSignIn:
		s = fmt.Sprintf("Sign in to %s", g.service)
	case domain.IntentUpdateTeam:
		s = fmt.Sprintf("Update team members for %s on %s", p(domain.ParamProject), g.service)
	case domain.IntentUpdateRoadmap:
		s = fmt.Sprintf("Update roadmap for %s on %s", p(domain.ParamProject), g.service)
	case domain.IntentSubmitMilestone2:
		s = fmt.Sprintf("Submit milestone 2 deliverables for %s on %s", p(domain.ParamProject), g.service)
	case domain.IntentConfirmPayment:
		s = fmt.Sprintf("Confirm %s payment for %s on %s", p(domain.ParamMilestone), p(domain.ParamProject), g.service)
	case domain.IntentInitiateMultisig:
		s = fmt.Sprintf("Initiate multisig payment on %s", g.service)
	case domain.IntentApproveMultisig:
		s = fmt.Sprintf("Approve multisig payment %s on %s", p(domain.ParamCallHash), g.service)
	case domain.IntentCancelMultisig:
		s = fmt.Sprintf("Cancel multisig payment %s on %s", p(domain.ParamCallHash), g.service)
	default:
		return "", fmt.Errorf("unknown intent %q", intent)
	}
	if got, _, ok := g.Match(s); !ok || got != intent {
		return "", fmt.Errorf("parameters do not form a valid %s statement", intent)
	}
	return s, nil
}
