package config

import (
	_ "embed"
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var defaultCatalogYAML []byte

// Tier names with special handling. Everything else comes from the catalog.
const (
	TierFree  = "free"
	TierTrial = "trial"
)

type priceEntry struct {
	ID               string `yaml:"id"`
	Interval         string `yaml:"interval"`
	CommitmentMonths int    `yaml:"commitment_months"`
}

type tierEntry struct {
	Name               string       `yaml:"name"`
	MonthlyCredits     float64      `yaml:"monthly_credits"`
	CanPurchaseCredits bool         `yaml:"can_purchase_credits"`
	ProjectLimit       int          `yaml:"project_limit"`
	Models             []string     `yaml:"models"`
	Prices             []priceEntry `yaml:"prices"`
}

type modelEntry struct {
	ID                string   `yaml:"id"`
	Aliases           []string `yaml:"aliases"`
	InputCostPerMTok  float64  `yaml:"input_cost_per_mtok"`
	OutputCostPerMTok float64  `yaml:"output_cost_per_mtok"`
}

type rawCatalog struct {
	Tiers  []tierEntry  `yaml:"tiers"`
	Models []modelEntry `yaml:"models"`
}

// Tier is one subscription level.
type Tier struct {
	Name               string
	MonthlyCredits     decimal.Decimal
	CanPurchaseCredits bool
	ProjectLimit       int
	PriceIDs           []string

	allowAll   bool
	modelAllow map[string]struct{}
}

// ModelAllowed reports whether the tier may use the canonical model id.
func (t *Tier) ModelAllowed(model string) bool {
	if t.allowAll {
		return true
	}
	_, ok := t.modelAllow[model]
	return ok
}

// ModelPrice is the per-million-token rate pair for one model.
type ModelPrice struct {
	ID            string
	InputPerMTok  decimal.Decimal
	OutputPerMTok decimal.Decimal
}

// Catalog is the immutable tier and pricing table loaded at startup.
type Catalog struct {
	tiersByName       map[string]*Tier
	tierByPrice       map[string]*Tier
	commitmentByPrice map[string]int
	modelByAlias      map[string]string
	priceByModel      map[string]ModelPrice
}

// LoadCatalog parses the catalog at path, or the embedded default when path
// is empty.
func LoadCatalog(path string) (*Catalog, error) {
	data := defaultCatalogYAML
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read catalog %s: %w", path, err)
		}
		data = b
	}

	var raw rawCatalog
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	if len(raw.Tiers) == 0 {
		return nil, fmt.Errorf("catalog has no tiers")
	}

	c := &Catalog{
		tiersByName:       make(map[string]*Tier),
		tierByPrice:       make(map[string]*Tier),
		commitmentByPrice: make(map[string]int),
		modelByAlias:      make(map[string]string),
		priceByModel:      make(map[string]ModelPrice),
	}

	for _, te := range raw.Tiers {
		tier := &Tier{
			Name:               te.Name,
			MonthlyCredits:     decimal.NewFromFloat(te.MonthlyCredits),
			CanPurchaseCredits: te.CanPurchaseCredits,
			ProjectLimit:       te.ProjectLimit,
			modelAllow:         make(map[string]struct{}),
		}
		for _, m := range te.Models {
			if m == "*" {
				tier.allowAll = true
				continue
			}
			tier.modelAllow[m] = struct{}{}
		}
		for _, p := range te.Prices {
			tier.PriceIDs = append(tier.PriceIDs, p.ID)
			if _, dup := c.tierByPrice[p.ID]; dup {
				return nil, fmt.Errorf("price %s mapped to more than one tier", p.ID)
			}
			c.tierByPrice[p.ID] = tier
			if p.CommitmentMonths > 0 {
				c.commitmentByPrice[p.ID] = p.CommitmentMonths
			}
		}
		if _, dup := c.tiersByName[tier.Name]; dup {
			return nil, fmt.Errorf("duplicate tier %s", tier.Name)
		}
		c.tiersByName[tier.Name] = tier
	}
	if _, ok := c.tiersByName[TierFree]; !ok {
		return nil, fmt.Errorf("catalog must define the %q tier", TierFree)
	}

	for _, me := range raw.Models {
		price := ModelPrice{
			ID:            me.ID,
			InputPerMTok:  decimal.NewFromFloat(me.InputCostPerMTok),
			OutputPerMTok: decimal.NewFromFloat(me.OutputCostPerMTok),
		}
		c.priceByModel[me.ID] = price
		c.modelByAlias[me.ID] = me.ID
		for _, a := range me.Aliases {
			c.modelByAlias[a] = me.ID
		}
	}

	return c, nil
}

// TierByName returns a tier by its catalog name.
func (c *Catalog) TierByName(name string) (*Tier, bool) {
	t, ok := c.tiersByName[name]
	return t, ok
}

// TierByPriceID maps a provider price to its tier. Unknown prices return
// false; subscription handling treats that as a hard error.
func (c *Catalog) TierByPriceID(priceID string) (*Tier, bool) {
	t, ok := c.tierByPrice[priceID]
	return t, ok
}

// CommitmentMonths returns the minimum term attached to a price, 0 if none.
func (c *Catalog) CommitmentMonths(priceID string) int {
	return c.commitmentByPrice[priceID]
}

// ResolveModel canonicalises a model name or alias.
func (c *Catalog) ResolveModel(name string) (string, bool) {
	id, ok := c.modelByAlias[name]
	return id, ok
}

// ModelPrice returns the rate pair for a canonical model id.
func (c *Catalog) ModelPrice(model string) (ModelPrice, bool) {
	p, ok := c.priceByModel[model]
	return p, ok
}
