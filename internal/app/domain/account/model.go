package account

import "time"

// GlobalRegionID is the reserved region whose posts are visible to every viewer.
const GlobalRegionID int64 = 1

// Account is a participant in the points economy. PointsBalance is only ever
// changed through ledger operations and never drops below zero.
type Account struct {
	ID            string    `json:"id"`
	RegionID      int64     `json:"region_id"`
	PointsBalance int64     `json:"points_balance"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// HasRegion reports whether the account has been assigned to a region.
func (a Account) HasRegion() bool { return a.RegionID > 0 }

// Region is a geographic or community partition of accounts and posts.
type Region struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}
