package match

import (
	"math"

	"github.com/duetchat/duet/internal/store"
)

// Score rates candidate p for search s on a 0-100 scale. Closer ratings,
// closer ages, and (when both sides share location) closer distance all
// raise the score.
func Score(s, p *store.SearchRecord) float64 {
	score := math.Max(0, 40-2*math.Abs(s.Rating-p.Rating))
	score += math.Max(0, 30-2*math.Abs(float64(s.Age-p.Age)))
	if s.UseGeo && p.UseGeo {
		score += math.Max(0, 30-DistanceKm(s.Longitude, s.Latitude, p.Longitude, p.Latitude))
	}
	return score
}

// Best returns the compatible candidate with the highest score. Ties go to
// the candidate that has been waiting longest. Returns nil when no candidate
// passes the predicate.
func Best(s *store.SearchRecord, candidates []*store.SearchRecord) *store.SearchRecord {
	var (
		best      *store.SearchRecord
		bestScore float64
	)
	for _, p := range candidates {
		if !Compatible(s, p) {
			continue
		}
		score := Score(s, p)
		switch {
		case best == nil, score > bestScore:
			best, bestScore = p, score
		case score == bestScore && p.CreatedAt.Before(best.CreatedAt):
			best = p
		}
	}
	return best
}
