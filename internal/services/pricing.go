package services

import (
	"github.com/shopspring/decimal"

	"github.com/subculture-collective/agentrun/config"
	"github.com/subculture-collective/agentrun/internal/models"
)

var million = decimal.NewFromInt(1_000_000)

// PricingService turns token counts into credit costs.
type PricingService struct {
	catalog   *config.Catalog
	markup    decimal.Decimal
	minCharge decimal.Decimal
}

func NewPricingService(catalog *config.Catalog, markup, minCharge decimal.Decimal) *PricingService {
	return &PricingService{catalog: catalog, markup: markup, minCharge: minCharge}
}

// Cost prices a completion: per-million-token rates, markup applied, floored
// at the minimum charge when any tokens were consumed. Unknown models bill
// the minimum charge rather than erroring.
func (s *PricingService) Cost(model string, promptTokens, completionTokens int64) (decimal.Decimal, error) {
	if promptTokens < 0 || completionTokens < 0 {
		return decimal.Zero, &models.ValidationError{Field: "tokens", Reason: "must not be negative"}
	}
	id, ok := s.catalog.ResolveModel(model)
	if !ok {
		return s.minCharge, nil
	}
	price, ok := s.catalog.ModelPrice(id)
	if !ok {
		return s.minCharge, nil
	}

	prompt := decimal.NewFromInt(promptTokens).Div(million).Mul(price.InputPerMTok)
	completion := decimal.NewFromInt(completionTokens).Div(million).Mul(price.OutputPerMTok)
	cost := prompt.Add(completion).Mul(s.markup).Round(6)

	if promptTokens+completionTokens > 0 && cost.LessThan(s.minCharge) {
		return s.minCharge, nil
	}
	return cost, nil
}

// Canonical resolves an alias to the canonical model id, passing unknown
// names through so the allowlist decides.
func (s *PricingService) Canonical(model string) string {
	if id, ok := s.catalog.ResolveModel(model); ok {
		return id
	}
	return model
}

// ModelAllowed checks the tier's model allowlist.
func (s *PricingService) ModelAllowed(tier, model string) (bool, error) {
	t, ok := s.catalog.TierByName(tier)
	if !ok {
		return false, &models.ValidationError{Field: "tier", Reason: "unknown tier"}
	}
	return t.ModelAllowed(s.Canonical(model)), nil
}
