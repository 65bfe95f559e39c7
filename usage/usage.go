package usage

import "time"

// Well-known metered features. The enum is open: any string is a valid
// feature, these are the ones the plan limit table knows about.
const (
	FeatureMessages string = "messages"
	FeatureStorage  string = "storage"
	FeatureUsers    string = "users"
	FeatureRooms    string = "rooms"
)

// UsageRecord is an append-only counter per (workspace, feature, UTC day).
// Quantity only ever increases within a day; rows are never deleted so the
// history trail survives for reporting.
type UsageRecord struct {
	WorkspaceID string    `json:"workspaceId" gorm:"primaryKey"`
	Feature     string    `json:"feature" gorm:"primaryKey"`
	Date        time.Time `json:"date" gorm:"primaryKey;type:date"`
	Quantity    int64     `json:"quantity"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Day truncates a point in time to its UTC calendar day
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// MonthStart returns the first instant of the month containing t, in UTC
func MonthStart(t time.Time) time.Time {
	y, m, _ := t.UTC().Date()
	return time.Date(y, m, 1, 0, 0, 0, 0, time.UTC)
}
