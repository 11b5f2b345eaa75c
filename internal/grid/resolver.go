package grid

import (
	"math"

	"github.com/ctessum/sparse"

	"github.com/couchcryptid/mrms-compare/internal/domain"
)

// ValidValue applies the shared validity rule: NaN and negative sentinels
// resolve to nil, zero and positive values pass through.
func ValidValue(v float64) *float64 {
	if math.IsNaN(v) || v < 0 {
		return nil
	}
	return &v
}

// CurvilinearResolver answers one incident at a time against a KD-indexed
// mesh. Its counterpart below works on whole batches; the two stay separate
// because the renditions index space differently.
type CurvilinearResolver struct {
	Index *KDIndex
}

// Resolve finds the mesh cell nearest to (lat, lon) and samples values
// there. The query longitude wraps to [0, 360) for the lookup; the matched
// cell is reported back in [-180, 180].
func (r *CurvilinearResolver) Resolve(lat, lon float64, values *sparse.DenseArray) domain.MatchResult {
	row, col, cellLat, cellLon := r.Index.Nearest(lat, domain.Lon360(lon))
	reportLon := domain.Lon180(cellLon)
	return domain.MatchResult{
		Row:       row,
		Col:       col,
		Lat:       cellLat,
		Lon:       reportLon,
		DistanceM: domain.Haversine(lat, lon, cellLat, reportLon),
		Value:     ValidValue(values.Get(row, col)),
	}
}

// RegularResolver answers whole batches against separable 1-D axes.
type RegularResolver struct {
	Grid *Regular
}

// ResolveBatch resolves every (lat, lon) pair in one pass: a vectorized
// nearest-index search per axis, then a cell lookup per query. Longitudes
// are matched in the axis's native convention. lats and lons must have
// equal length.
func (r *RegularResolver) ResolveBatch(lats, lons []float64, values *sparse.DenseArray) []domain.MatchResult {
	rowIdx := NearestIndices(r.Grid.Lats, lats)
	colIdx := NearestIndices(r.Grid.Lons, lons)
	out := make([]domain.MatchResult, len(lats))
	for i := range lats {
		iy, ix := rowIdx[i], colIdx[i]
		cellLat, cellLon := r.Grid.Lats[iy], r.Grid.Lons[ix]
		out[i] = domain.MatchResult{
			Row:       iy,
			Col:       ix,
			Lat:       cellLat,
			Lon:       cellLon,
			DistanceM: domain.Haversine(lats[i], lons[i], cellLat, cellLon),
			Value:     ValidValue(values.Get(iy, ix)),
		}
	}
	return out
}
