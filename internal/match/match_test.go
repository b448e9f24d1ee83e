package match

import (
	"math"
	"testing"
	"time"

	"github.com/duetchat/duet/internal/protocol"
	"github.com/duetchat/duet/internal/store"
)

type criteria = protocol.SearchCriteria

var locationBerlin = protocol.Location{Longitude: 13.4, Latitude: 52.5}

func validCriteria() *criteria {
	return &criteria{
		Gender:        "male",
		Age:           25,
		DesiredGender: []string{"female"},
		DesiredAgeMin: 20,
		DesiredAgeMax: 30,
	}
}

// testRecord returns a searching record with permissive defaults that
// individual tests tighten.
func testRecord(userID, gender string, age int) *store.SearchRecord {
	return &store.SearchRecord{
		ID:             "search-" + userID,
		UserID:         userID,
		Status:         store.StatusSearching,
		Gender:         gender,
		Age:            age,
		DesiredGenders: []string{GenderAny},
		DesiredAgeMin:  18,
		DesiredAgeMax:  100,
		MinRating:      -1,
		CreatedAt:      time.Now(),
	}
}

func withGeo(r *store.SearchRecord, lon, lat, maxKm float64) *store.SearchRecord {
	r.UseGeo = true
	r.Longitude = lon
	r.Latitude = lat
	r.MaxDistanceKm = maxKm
	return r
}

func TestDistanceKm(t *testing.T) {
	if d := DistanceKm(13.4, 52.5, 13.4, 52.5); d != 0 {
		t.Errorf("distance to self = %f, want 0", d)
	}

	// One degree of latitude is about 111.19 km on a 6371 km sphere.
	d := DistanceKm(0, 0, 0, 1)
	if math.Abs(d-111.19) > 0.1 {
		t.Errorf("one degree of latitude = %f km, want ~111.19", d)
	}

	// Antipodal points must not NaN out on floating-point overshoot.
	d = DistanceKm(0, 0, 180, 0)
	if math.IsNaN(d) {
		t.Fatal("antipodal distance is NaN")
	}
	if math.Abs(d-20015) > 5 {
		t.Errorf("antipodal distance = %f km, want ~20015", d)
	}
}

func TestDesiredSet(t *testing.T) {
	tests := []struct {
		name    string
		desired []string
		want    []string
	}{
		{"specific", []string{"female"}, []string{"female"}},
		{"both", []string{"male", "female"}, []string{"male", "female"}},
		{"any", []string{"any"}, []string{"male", "female"}},
		{"any wins over specifics", []string{"any", "female"}, []string{"male", "female"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DesiredSet(tt.desired)
			if len(got) != len(tt.want) {
				t.Fatalf("DesiredSet(%v) = %v, want %v", tt.desired, got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Fatalf("DesiredSet(%v) = %v, want %v", tt.desired, got, tt.want)
				}
			}
		})
	}
}

func TestCompatibleMutualGenderAndAge(t *testing.T) {
	s := testRecord("u1", "male", 25)
	s.DesiredGenders = []string{"female"}
	s.DesiredAgeMin, s.DesiredAgeMax = 20, 30

	p := testRecord("u2", "female", 24)
	p.DesiredGenders = []string{"male"}
	p.DesiredAgeMin, p.DesiredAgeMax = 20, 30

	if !Compatible(s, p) {
		t.Fatal("mutually compatible pair rejected")
	}

	// Candidate does not want the searcher's gender.
	p.DesiredGenders = []string{"female"}
	if Compatible(s, p) {
		t.Fatal("accepted candidate who does not want searcher's gender")
	}
	p.DesiredGenders = []string{"male"}

	// Age bounds are inclusive on both ends.
	p.Age = 30
	if !Compatible(s, p) {
		t.Fatal("rejected candidate at searcher's upper age bound")
	}
	p.Age = 31
	if Compatible(s, p) {
		t.Fatal("accepted candidate past searcher's upper age bound")
	}
	p.Age = 24

	// Reciprocal age bound.
	p.DesiredAgeMin, p.DesiredAgeMax = 18, 24
	if Compatible(s, p) {
		t.Fatal("accepted candidate whose range excludes searcher")
	}
}

func TestCompatibleSelfAndStatus(t *testing.T) {
	s := testRecord("u1", "male", 25)

	self := testRecord("u1", "female", 25)
	if Compatible(s, self) {
		t.Fatal("matched user with themselves")
	}

	done := testRecord("u2", "female", 25)
	done.Status = store.StatusMatched
	if Compatible(s, done) {
		t.Fatal("matched against a non-searching record")
	}
}

func TestCompatibleRatingFloor(t *testing.T) {
	s := testRecord("u1", "male", 25)
	p := testRecord("u2", "female", 25)
	p.Rating = 3.2

	s.MinRating = -1
	if !Compatible(s, p) {
		t.Fatal("floor of -1 must accept any rating")
	}

	s.MinRating = 3.2
	if !Compatible(s, p) {
		t.Fatal("floor is inclusive")
	}

	s.MinRating = 5
	if Compatible(s, p) {
		t.Fatal("floor of 5 must reject rating 3.2")
	}
	p.Rating = 5
	if !Compatible(s, p) {
		t.Fatal("floor of 5 must accept rating 5")
	}
}

func TestCompatibleGeofence(t *testing.T) {
	// 0.1 degrees of latitude apart: roughly 11.1 km.
	s := withGeo(testRecord("u1", "male", 25), 13.4, 52.5, 10)
	p := withGeo(testRecord("u2", "female", 25), 13.4, 52.6, 100)

	if Compatible(s, p) {
		t.Fatal("accepted candidate 11 km away with a 10 km fence")
	}

	s.MaxDistanceKm = 15
	if !Compatible(s, p) {
		t.Fatal("rejected candidate 11 km away with a 15 km fence")
	}

	// A geo searcher needs candidates with a location.
	p.UseGeo = false
	if Compatible(s, p) {
		t.Fatal("accepted location-less candidate for a geo search")
	}

	// Without geolocation there is no geographic constraint at all.
	s.UseGeo = false
	if !Compatible(s, p) {
		t.Fatal("applied a geofence to a non-geo search")
	}
}

func TestScoreComponents(t *testing.T) {
	s := testRecord("u1", "male", 25)
	p := testRecord("u2", "female", 25)

	// Identical rating and age, no geo: 40 + 30.
	if got := Score(s, p); got != 70 {
		t.Errorf("score = %f, want 70", got)
	}

	p.Age = 30
	if got := Score(s, p); got != 60 {
		t.Errorf("score with 5 year gap = %f, want 60", got)
	}

	p.Rating = 25 // absurd gap, component clamps at zero
	if got := Score(s, p); got != 20 {
		t.Errorf("score with clamped rating component = %f, want 20", got)
	}
}

func TestBestPrefersScoreThenAge(t *testing.T) {
	s := testRecord("u1", "male", 25)

	far := testRecord("u2", "female", 40)
	near := testRecord("u3", "female", 26)

	if got := Best(s, []*store.SearchRecord{far, near}); got != near {
		t.Fatalf("Best picked %s, want closer-aged u3", got.UserID)
	}

	// Equal scores: the longer-waiting candidate wins.
	older := testRecord("u4", "female", 26)
	older.CreatedAt = near.CreatedAt.Add(-time.Minute)
	if got := Best(s, []*store.SearchRecord{near, older}); got != older {
		t.Fatalf("Best picked %s, want longest-waiting u4", got.UserID)
	}

	// Incompatible candidates never win, whatever their score.
	incompatible := testRecord("u5", "female", 25)
	incompatible.DesiredGenders = []string{"female"}
	if got := Best(s, []*store.SearchRecord{incompatible}); got != nil {
		t.Fatalf("Best picked incompatible %s, want nil", got.UserID)
	}
}

func TestValidateCriteriaDefaultsDistance(t *testing.T) {
	c := validCriteria()
	c.UseGeolocation = true
	c.Location = &locationBerlin
	c.MaxDistance = 0

	if err := ValidateCriteria(c); err != nil {
		t.Fatalf("ValidateCriteria: %v", err)
	}
	if c.MaxDistance != DefaultDistanceKm {
		t.Errorf("MaxDistance = %f, want default %d", c.MaxDistance, DefaultDistanceKm)
	}
}

func TestValidateCriteriaRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *criteria)
	}{
		{"bad gender", func(c *criteria) { c.Gender = "robot" }},
		{"underage", func(c *criteria) { c.Age = 17 }},
		{"empty desired", func(c *criteria) { c.DesiredGender = nil }},
		{"bad desired entry", func(c *criteria) { c.DesiredGender = []string{"robot"} }},
		{"inverted age range", func(c *criteria) { c.DesiredAgeMin, c.DesiredAgeMax = 30, 20 }},
		{"rating floor too high", func(c *criteria) { c.MinAcceptableRating = 6 }},
		{"geo without location", func(c *criteria) { c.UseGeolocation = true; c.Location = nil }},
		{"fence too wide", func(c *criteria) {
			c.UseGeolocation = true
			c.Location = &locationBerlin
			c.MaxDistance = 101
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validCriteria()
			tt.mutate(c)
			if err := ValidateCriteria(c); err == nil {
				t.Fatal("ValidateCriteria accepted invalid criteria")
			}
		})
	}
}
