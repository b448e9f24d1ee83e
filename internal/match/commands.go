package match

import (
	"fmt"

	"github.com/duetchat/duet/internal/protocol"
)

// StartCommand is the NATS payload sent by a gateway when a user starts
// searching.
type StartCommand struct {
	UserID   string                  `json:"user_id"`
	Criteria protocol.SearchCriteria `json:"criteria"`
}

// CancelCommand is the NATS payload sent by a gateway when a user cancels,
// or by the hub when the disconnect grace period elapses.
type CancelCommand struct {
	UserID string `json:"user_id"`
}

// Criteria bounds.
const (
	MinAge = 18
	MaxAge = 100

	MinDistanceKm     = 1
	MaxDistanceKm     = 100
	DefaultDistanceKm = 10
)

// ValidateCriteria checks bounds and fills geolocation defaults in place.
// The returned error text is safe to surface to the client.
func ValidateCriteria(c *protocol.SearchCriteria) error {
	if !isGender(c.Gender) {
		return fmt.Errorf("gender must be one of %v", Genders)
	}
	if c.Age < MinAge || c.Age > MaxAge {
		return fmt.Errorf("age must be between %d and %d", MinAge, MaxAge)
	}
	if len(c.DesiredGender) == 0 {
		return fmt.Errorf("desiredGender must not be empty")
	}
	for _, g := range c.DesiredGender {
		if g != GenderAny && !isGender(g) {
			return fmt.Errorf("desiredGender entry %q is not a gender or %q", g, GenderAny)
		}
	}
	if c.DesiredAgeMin < MinAge || c.DesiredAgeMax > MaxAge || c.DesiredAgeMin > c.DesiredAgeMax {
		return fmt.Errorf("desired age range must satisfy %d <= min <= max <= %d", MinAge, MaxAge)
	}
	if c.MinAcceptableRating < -1 || c.MinAcceptableRating > 5 {
		return fmt.Errorf("minAcceptableRating must be between -1 and 5")
	}

	if !c.UseGeolocation {
		return nil
	}
	if c.Location == nil {
		return fmt.Errorf("location is required when useGeolocation is set")
	}
	if c.MaxDistance == 0 {
		c.MaxDistance = DefaultDistanceKm
	}
	if c.MaxDistance < MinDistanceKm || c.MaxDistance > MaxDistanceKm {
		return fmt.Errorf("maxDistance must be between %d and %d km", MinDistanceKm, MaxDistanceKm)
	}
	return nil
}

func isGender(g string) bool {
	for _, known := range Genders {
		if g == known {
			return true
		}
	}
	return false
}
