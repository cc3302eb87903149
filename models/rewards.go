package models

import "strings"

type Reward struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Category    string `json:"category"`
	PointsCost  int64  `json:"points_cost"`
	// MinLevel gates premium rewards; 0 means any level.
	MinLevel int `json:"min_level"`
}

var rewardCatalog = []Reward{
	{ID: "coffee-voucher", Title: "$5 Coffee Shop Voucher", Description: "Redeemable at participating local coffee shops", Category: "food", PointsCost: 50},
	{ID: "gas-credit", Title: "$10 Gas Station Credit", Description: "Fuel credit for major gas station chains", Category: "services", PointsCost: 100},
	{ID: "shopping-voucher", Title: "$15 Shopping Voucher", Description: "General shopping credit for local retailers", Category: "retail", PointsCost: 150},
	{ID: "restaurant-voucher", Title: "$20 Restaurant Voucher", Description: "Dining credit at participating restaurants", Category: "food", PointsCost: 200},
	{ID: "gift-card", Title: "$25 Gift Card", Description: "Digital gift card delivered instantly", Category: "vouchers", PointsCost: 250, MinLevel: 4},
	{ID: "premium-voucher", Title: "$50 Premium Voucher", Description: "High-value voucher for premium services", Category: "vouchers", PointsCost: 500, MinLevel: 6},
}

// RewardCatalog returns a copy of the catalog, optionally filtered by category ("all" for every category).
func RewardCatalog(category string) []Reward {
	out := make([]Reward, 0, len(rewardCatalog))
	for _, r := range rewardCatalog {
		if category != "" && !strings.EqualFold(category, "all") && !strings.EqualFold(category, r.Category) {
			continue
		}
		out = append(out, r)
	}
	return out
}

func FindReward(id string) (Reward, bool) {
	for _, r := range rewardCatalog {
		if r.ID == id {
			return r, true
		}
	}
	return Reward{}, false
}

// Redemption is the outcome of RedeemReward.
type Redemption struct {
	Reward     Reward `json:"reward"`
	Reference  string `json:"reference"`
	NewBalance int64  `json:"new_balance"`
}
