package bundle

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"go.viam.com/bundle/logging"
	"go.viam.com/bundle/spatialmath"
)

// KeyFrame is a decoded row of a keyframe table.
type KeyFrame struct {
	Row  int
	ID   int
	Pose spatialmath.SE3
}

// MapPoint is a decoded row of a map point table.
type MapPoint struct {
	Row      int
	ID       int
	Position r3.Vector
}

// Relation is a decoded row of the relation table: map point MapPointID seen in keyframe
// KeyFrameID at Pixel. URight is the matching x coordinate in the right image when HasRight is set.
type Relation struct {
	Row        int
	MapPointID int
	KeyFrameID int
	Pixel      r2.Point
	URight     float64
	HasRight   bool
}

// decoder turns tables into entities. In strict mode a table narrower than its schema fails with
// ErrMalformedRow naming every row; otherwise those rows are skipped.
type decoder struct {
	logger         logging.Logger
	strict         bool
	validateFinite bool
}

// rows checks the shape of a table and returns the indices of the rows to decode.
func (d *decoder) rows(name string, t Table, width int) ([]int, error) {
	r, c := tableDims(t)
	var errs error
	var out []int
	for i := 0; i < r; i++ {
		if c < width {
			errs = multierr.Append(errs, errors.Wrapf(ErrMalformedRow, "%s row %d has %d columns, need %d", name, i, c, width))
			continue
		}
		if d.validateFinite {
			if j, ok := firstNonFinite(t, i, width); !ok {
				errs = multierr.Append(errs, errors.Wrapf(ErrDegenerateState, "%s row %d column %d is not finite", name, i, j))
				continue
			}
		}
		out = append(out, i)
	}
	if errs == nil {
		return out, nil
	}
	if d.strict || errors.Is(errs, ErrDegenerateState) {
		return nil, errs
	}
	d.logger.Warnw("skipping malformed rows", "table", name, "skipped", r-len(out), "error", errs)
	return out, nil
}

func firstNonFinite(t Table, row, width int) (int, bool) {
	for j := 0; j < width; j++ {
		v := t.At(row, j)
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return j, false
		}
	}
	return 0, true
}

func (d *decoder) keyFrames(name string, t Table) ([]KeyFrame, error) {
	rows, err := d.rows(name, t, keyFrameColumns)
	if err != nil {
		return nil, err
	}
	out := make([]KeyFrame, 0, len(rows))
	for _, i := range rows {
		cells := make([]float64, 16)
		for j := range cells {
			cells[j] = t.At(i, j+1)
		}
		pose, err := spatialmath.NewSE3FromHomogeneous(cells)
		if err != nil {
			return nil, err
		}
		out = append(out, KeyFrame{Row: i, ID: int(t.At(i, 0)), Pose: pose})
	}
	return out, nil
}

func (d *decoder) mapPoints(name string, t Table) ([]MapPoint, error) {
	rows, err := d.rows(name, t, mapPointColumns)
	if err != nil {
		return nil, err
	}
	out := make([]MapPoint, 0, len(rows))
	for _, i := range rows {
		out = append(out, MapPoint{
			Row:      i,
			ID:       int(t.At(i, 0)),
			Position: r3.Vector{X: t.At(i, 1), Y: t.At(i, 2), Z: t.At(i, 3)},
		})
	}
	return out, nil
}

func (d *decoder) relations(name string, t Table) ([]Relation, error) {
	rows, err := d.rows(name, t, relationColumns)
	if err != nil {
		return nil, err
	}
	_, c := tableDims(t)
	out := make([]Relation, 0, len(rows))
	for _, i := range rows {
		rel := Relation{
			Row:        i,
			MapPointID: int(t.At(i, 0)),
			KeyFrameID: int(t.At(i, 1)),
			Pixel:      r2.Point{X: t.At(i, 2), Y: t.At(i, 3)},
		}
		if c > relationURight {
			if ur := t.At(i, relationURight); ur >= 0 {
				rel.URight = ur
				rel.HasRight = true
			}
		}
		out = append(out, rel)
	}
	return out, nil
}
