package bundle

// Table is a dense row-major numeric table. *mat.Dense satisfies it.
type Table interface {
	Dims() (r, c int)
	At(i, j int) float64
}

// MutableTable is a Table that can be written in place.
type MutableTable interface {
	Table
	Set(i, j int, v float64)
}

// Column layouts of the input tables.
const (
	// id, then the 4x4 world to camera transform in row-major order
	keyFrameColumns = 17
	// id, x, y, z
	mapPointColumns = 4
	// map point id, keyframe id, pixel x, pixel y, optional right image x
	relationColumns = 4
	relationURight  = 4
	// keyframe id, map point id, chi2
	outlierColumns = 3
)

func tableDims(t Table) (int, int) {
	if t == nil {
		return 0, 0
	}
	return t.Dims()
}
