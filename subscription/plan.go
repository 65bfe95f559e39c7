package subscription

// Unlimited marks a feature with no quota on the plan
const Unlimited int64 = -1

// Limits describes the monthly quotas of a plan. Storage is in MB.
type Limits struct {
	Users    int64 `json:"users"`
	Messages int64 `json:"messages"`
	Storage  int64 `json:"storage"`
	Rooms    int64 `json:"rooms"`
}

// LimitsForPlan returns the fixed quota table for a plan type. Pure, no I/O.
func LimitsForPlan(p PlanType) Limits {
	switch p {
	case PlanPro:
		return Limits{
			Users:    50,
			Messages: 50000,
			Storage:  10240,
			Rooms:    50,
		}
	case PlanEnterprise:
		return Limits{
			Users:    Unlimited,
			Messages: Unlimited,
			Storage:  Unlimited,
			Rooms:    Unlimited,
		}
	default:
		return Limits{
			Users:    5,
			Messages: 1000,
			Storage:  1024,
			Rooms:    3,
		}
	}
}

// For resolves the limit of a single feature. The feature enum is open;
// features absent from the table report as unmetered.
func (l Limits) For(feature string) (int64, bool) {
	switch feature {
	case "users":
		return l.Users, true
	case "messages":
		return l.Messages, true
	case "storage":
		return l.Storage, true
	case "rooms":
		return l.Rooms, true
	default:
		return Unlimited, false
	}
}
