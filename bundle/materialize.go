package bundle

import (
	"sort"

	"github.com/montanaflynn/stats"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"go.viam.com/bundle/optimizer"
)

// refinedKeyFrames returns the keyframes with their optimized poses.
func (g *graph) refinedKeyFrames() []KeyFrame {
	out := make([]KeyFrame, 0, len(g.keyFrames))
	for _, kv := range g.keyFrames {
		kf := kv.keyFrame
		kf.Pose = kv.vertex.Estimate()
		out = append(out, kf)
	}
	return out
}

// refinedMapPoints returns the map points that took part in the optimization with their
// optimized positions.
func (g *graph) refinedMapPoints() []MapPoint {
	out := make([]MapPoint, 0, len(g.mapPoints))
	for _, mv := range g.mapPoints {
		mp := mv.mapPoint
		mp.Position = mv.vertex.Estimate()
		out = append(out, mp)
	}
	return out
}

// writeKeyFrames writes every free keyframe back into its row. Fixed keyframes are left alone.
func (g *graph) writeKeyFrames(table MutableTable) {
	for _, kv := range g.keyFrames {
		if kv.vertex.Fixed() {
			continue
		}
		h := kv.vertex.Estimate().Homogeneous()
		for j, v := range h {
			table.Set(kv.keyFrame.Row, j+1, v)
		}
	}
}

// writeMapPoints writes every optimized map point back into its row.
func (g *graph) writeMapPoints(table MutableTable) {
	for _, mv := range g.mapPoints {
		p := mv.vertex.Estimate()
		table.Set(mv.mapPoint.Row, 1, p.X)
		table.Set(mv.mapPoint.Row, 2, p.Y)
		table.Set(mv.mapPoint.Row, 3, p.Z)
	}
}

// Outlier is one edge of a local adjustment with its final raw chi2.
type Outlier struct {
	KeyFrameID    int
	MapPointID    int
	Chi2          float64
	Kind          optimizer.EdgeKind
	DepthPositive bool
	// Demoted is set when the edge was left out of the refinement pass.
	Demoted bool
}

// overThreshold reports whether the edge fails the chi2 or depth test.
func (o Outlier) overThreshold(threshold float64) bool {
	return o.Chi2 > threshold || !o.DepthPositive
}

// collectOutliers reports every admitted edge in insertion order, or only failing edges when
// filter is set.
func (g *graph) collectOutliers(filter bool) []Outlier {
	var out []Outlier
	for _, rec := range g.edges {
		e := rec.edge
		o := Outlier{
			KeyFrameID:    rec.keyFrame.ID,
			MapPointID:    rec.mapPoint.ID,
			Chi2:          e.Chi2(),
			Kind:          e.Kind(),
			DepthPositive: e.IsDepthPositive(),
			Demoted:       e.Level() != 0,
		}
		if filter && !o.overThreshold(rec.threshold) {
			continue
		}
		out = append(out, o)
	}
	return out
}

// outlierTable lays outliers out as (keyframe id, map point id, chi2) rows. No outliers give a
// 0x0 table.
func outlierTable(outliers []Outlier) *mat.Dense {
	if len(outliers) == 0 {
		return &mat.Dense{}
	}
	table := mat.NewDense(len(outliers), outlierColumns, nil)
	for i, o := range outliers {
		table.Set(i, 0, float64(o.KeyFrameID))
		table.Set(i, 1, float64(o.MapPointID))
		table.Set(i, 2, o.Chi2)
	}
	return table
}

// Chi2Summary describes the distribution of reported chi2 values.
type Chi2Summary struct {
	Mean   float64
	StdDev float64
	Median float64
	P95    float64
	Max    float64
}

func summarizeChi2(outliers []Outlier) Chi2Summary {
	if len(outliers) == 0 {
		return Chi2Summary{}
	}
	values := make([]float64, len(outliers))
	for i, o := range outliers {
		values[i] = o.Chi2
	}
	sort.Float64s(values)
	summary := Chi2Summary{
		Mean:   stat.Mean(values, nil),
		Median: stat.Quantile(0.5, stat.Empirical, values, nil),
		Max:    floats.Max(values),
	}
	// both only fail on empty input
	summary.StdDev, _ = stats.StandardDeviation(values)
	summary.P95, _ = stats.Percentile(values, 95)
	return summary
}
