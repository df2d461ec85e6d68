package models

import (
	"encoding/json"
	"time"
)

// Billing provider constants used across billing-related models.
const (
	ProviderWeb      = "web"
	ProviderApple    = "apple"
	ProviderGoogle   = "google"
	ProviderInternal = "internal"
)

// JSONMap is a string-keyed JSON object stored in a JSON column.
type JSONMap map[string]string

func (m JSONMap) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]string(m))
}

// Plan is a catalog entry mapping internal plans to provider-specific
// product identifiers. Read-mostly; mutated only through admin tooling.
type Plan struct {
	ID          string    `gorm:"type:char(36);primaryKey" json:"id"`
	Name        string    `gorm:"type:varchar(100);not null;uniqueIndex" json:"name"`
	Description string    `gorm:"type:text" json:"description"`
	Pricing     string    `gorm:"type:json" json:"pricing"`
	Features    string    `gorm:"type:json" json:"features"`
	ProviderIDs string    `gorm:"type:json" json:"provider_ids"`
	IsActive    bool      `gorm:"default:true;index" json:"is_active"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// ProviderProductID returns the external product id configured for the given
// provider, or "" when the plan is not sold there.
func (p *Plan) ProviderProductID(provider string) string {
	if p.ProviderIDs == "" {
		return ""
	}
	var ids JSONMap
	if err := json.Unmarshal([]byte(p.ProviderIDs), &ids); err != nil {
		return ""
	}
	return ids[provider]
}

// PricingValue returns a pricing variant (e.g. "monthly_usd") or "".
func (p *Plan) PricingValue(key string) string {
	if p.Pricing == "" {
		return ""
	}
	var pricing JSONMap
	if err := json.Unmarshal([]byte(p.Pricing), &pricing); err != nil {
		return ""
	}
	return pricing[key]
}
