package grid

import "gonum.org/v1/gonum/spatial/kdtree"

// meshPoint is one curvilinear cell center in (lat, lon360) degree space,
// tagged with its flat row-major index.
type meshPoint struct {
	lat, lon float64
	flat     int
}

func (p meshPoint) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	q := c.(meshPoint)
	switch d {
	case 0:
		return p.lat - q.lat
	default:
		return p.lon - q.lon
	}
}

func (p meshPoint) Dims() int { return 2 }

func (p meshPoint) Distance(c kdtree.Comparable) float64 {
	q := c.(meshPoint)
	dLat := p.lat - q.lat
	dLon := p.lon - q.lon
	return dLat*dLat + dLon*dLon
}

type meshPoints []meshPoint

func (p meshPoints) Index(i int) kdtree.Comparable { return p[i] }
func (p meshPoints) Len() int                      { return len(p) }
func (p meshPoints) Slice(start, end int) kdtree.Interface {
	return p[start:end]
}
func (p meshPoints) Pivot(d kdtree.Dim) int {
	return plane{points: p, Dim: d}.Pivot()
}

type plane struct {
	kdtree.Dim
	points meshPoints
}

func (p plane) Less(i, j int) bool {
	switch p.Dim {
	case 0:
		return p.points[i].lat < p.points[j].lat
	default:
		return p.points[i].lon < p.points[j].lon
	}
}
func (p plane) Pivot() int { return kdtree.Partition(p, kdtree.MedianOfMedians(p)) }
func (p plane) Slice(start, end int) kdtree.SortSlicer {
	p.points = p.points[start:end]
	return p
}
func (p plane) Swap(i, j int) {
	p.points[i], p.points[j] = p.points[j], p.points[i]
}

// KDIndex answers nearest-cell queries over a curvilinear mesh. Distances
// are Euclidean in (lat, lon360) degree space, matching how the mesh was
// indexed; geodesic distance is computed downstream for reporting only.
type KDIndex struct {
	tree *kdtree.Tree
	cols int
}

// NewKDIndex indexes every cell center of the mesh. Build once per run.
func NewKDIndex(g *Curvilinear) *KDIndex {
	_, cols := g.Shape()
	pts := make(meshPoints, len(g.Lats.Elements))
	for i := range g.Lats.Elements {
		pts[i] = meshPoint{lat: g.Lats.Elements[i], lon: g.Lons.Elements[i], flat: i}
	}
	return &KDIndex{tree: kdtree.New(pts, false), cols: cols}
}

// Nearest returns the row/col of the cell closest to (lat, lon360) along
// with the cell center's coordinates.
func (x *KDIndex) Nearest(lat, lon360 float64) (row, col int, cellLat, cellLon360 float64) {
	got, _ := x.tree.Nearest(meshPoint{lat: lat, lon: lon360})
	p := got.(meshPoint)
	return p.flat / x.cols, p.flat % x.cols, p.lat, p.lon
}
