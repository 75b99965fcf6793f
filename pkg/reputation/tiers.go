package reputation

// TierID identifies an operator tier.
type TierID string

const (
	TierHobbyist TierID = "hobbyist"
	TierMaker    TierID = "maker"
	TierBusiness TierID = "business"
)

// Limits defines per-tier resource limits. -1 means unlimited.
type Limits struct {
	MonthlyNetworkOrders  int
	MaxQueuedJobs         int
	MaxActivePrinters     int
	SnapshotRetentionDays int
}

// Tier bundles limits and feature flags for one operator level.
type Tier struct {
	ID       TierID
	Name     string
	Limits   Limits
	Features []string
}

var (
	Hobbyist = Tier{
		ID:   TierHobbyist,
		Name: "Hobbyist",
		Limits: Limits{
			MonthlyNetworkOrders:  5,
			MaxQueuedJobs:         10,
			MaxActivePrinters:     2,
			SnapshotRetentionDays: 7,
		},
		Features: []string{"basic_routing", "local_snapshots"},
	}

	Maker = Tier{
		ID:   TierMaker,
		Name: "Maker",
		Limits: Limits{
			MonthlyNetworkOrders:  25,
			MaxQueuedJobs:         100,
			MaxActivePrinters:     10,
			SnapshotRetentionDays: 30,
		},
		Features: []string{"basic_routing", "local_snapshots", "fleet_routing", "cloud_snapshots"},
	}

	Business = Tier{
		ID:   TierBusiness,
		Name: "Business",
		Limits: Limits{
			MonthlyNetworkOrders:  -1,
			MaxQueuedJobs:         -1,
			MaxActivePrinters:     -1,
			SnapshotRetentionDays: 365,
		},
		Features: []string{"all"},
	}

	// AllTiers indexes every tier by id.
	AllTiers = map[TierID]Tier{
		TierHobbyist: Hobbyist,
		TierMaker:    Maker,
		TierBusiness: Business,
	}
)

// GetTier returns a tier by id, or nil.
func GetTier(id TierID) *Tier {
	tier, ok := AllTiers[id]
	if !ok {
		return nil
	}
	return &tier
}

// HasFeature checks a tier feature flag; "all" grants everything.
func (t *Tier) HasFeature(feature string) bool {
	for _, f := range t.Features {
		if f == feature || f == "all" {
			return true
		}
	}
	return false
}

// IsUnlimited reports whether a limit means no cap.
func IsUnlimited(limit int) bool {
	return limit < 0
}
