package match

import "github.com/duetchat/duet/internal/store"

// GenderAny in a desired-gender list accepts every gender, regardless of any
// specific genders listed alongside it.
const GenderAny = "any"

// Genders is the closed set of profile genders.
var Genders = []string{"male", "female"}

// DesiredSet expands a desired-gender list into the concrete genders it
// accepts.
func DesiredSet(desired []string) []string {
	set := make([]string, 0, len(Genders))
	for _, g := range Genders {
		if wantsGender(desired, g) {
			set = append(set, g)
		}
	}
	return set
}

func wantsGender(desired []string, gender string) bool {
	for _, d := range desired {
		if d == GenderAny || d == gender {
			return true
		}
	}
	return false
}

// Compatible reports whether candidate p is an acceptable partner for search
// s. Gender and age acceptance are mutual; the rating floor and geofence are
// applied from the searcher's side only.
func Compatible(s, p *store.SearchRecord) bool {
	if p.Status != store.StatusSearching || p.UserID == s.UserID {
		return false
	}
	if !wantsGender(s.DesiredGenders, p.Gender) || !wantsGender(p.DesiredGenders, s.Gender) {
		return false
	}
	if p.Age < s.DesiredAgeMin || p.Age > s.DesiredAgeMax {
		return false
	}
	if s.Age < p.DesiredAgeMin || s.Age > p.DesiredAgeMax {
		return false
	}
	if s.MinRating > -1 && p.Rating < s.MinRating {
		return false
	}
	if s.UseGeo {
		if !p.UseGeo {
			return false
		}
		d := DistanceKm(s.Longitude, s.Latitude, p.Longitude, p.Latitude)
		if d > s.MaxDistanceKm {
			return false
		}
	}
	return true
}
