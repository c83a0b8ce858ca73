// Package bundle refines keyframe poses and map points by bundle adjustment and flags unreliable
// observations.
//
// Inputs are dense numeric tables. Keyframe rows are (id, 16 cells of the 4x4 world to camera
// transform in row-major order), map point rows are (id, x, y, z) and relation rows are
// (map point id, keyframe id, pixel x, pixel y[, right image x]).
package bundle

import (
	"context"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/bundle/logging"
)

// Adjuster runs bundle adjustment with a fixed configuration. It holds no per call state and can
// be used from several goroutines.
type Adjuster struct {
	cfg    *Config
	logger logging.Logger
}

// NewAdjuster validates cfg and returns an Adjuster.
func NewAdjuster(cfg *Config, logger logging.Logger) (*Adjuster, error) {
	if cfg == nil {
		cfg = NewDefaultConfig()
	}
	if err := cfg.Validate("bundle"); err != nil {
		return nil, err
	}
	cfgCopy := *cfg
	return &Adjuster{cfg: &cfgCopy, logger: logger}, nil
}

// FullResult is the outcome of a full adjustment.
type FullResult struct {
	Stats
	KeyFrames []KeyFrame
	MapPoints []MapPoint
	// ExcludedMapPointIDs lists map points without any observation.
	ExcludedMapPointIDs []int
}

// OutlierReport is the outcome of a local adjustment.
type OutlierReport struct {
	Stats
	Outliers []Outlier
	Demoted  int
	Summary  Chi2Summary
}

// Table lays the report out as (keyframe id, map point id, chi2) rows, or 0x0 when empty.
func (r *OutlierReport) Table() *mat.Dense {
	if r == nil {
		return &mat.Dense{}
	}
	return outlierTable(r.Outliers)
}

func (a *Adjuster) decoder() *decoder {
	return &decoder{logger: a.logger, strict: !a.cfg.LenientDecoding, validateFinite: a.cfg.ValidateFinite}
}

// Full adjusts every keyframe against every map point. The keyframe with id 0 is held fixed. On
// success the refined poses of the free keyframes are written into keyFrames, and refined map
// points into mapPoints when the config asks for it. On error the tables are not modified.
func (a *Adjuster) Full(ctx context.Context, keyFrames MutableTable, mapPoints, relations Table) (*FullResult, error) {
	var mapPointsOut MutableTable
	if a.cfg.WriteBackMapPoints {
		mt, ok := mapPoints.(MutableTable)
		if !ok {
			return nil, errors.New("map point write back needs a mutable map point table")
		}
		mapPointsOut = mt
	}

	dec := a.decoder()
	kfs, err := dec.keyFrames("keyframes", keyFrames)
	if err != nil {
		return nil, err
	}
	mps, err := dec.mapPoints("map points", mapPoints)
	if err != nil {
		return nil, err
	}
	rels, err := dec.relations("relations", relations)
	if err != nil {
		return nil, err
	}

	g, err := a.buildGraph(graphInput{
		keyFrames: kfs,
		anchor:    func(_ int, kf KeyFrame) bool { return kf.ID == 0 },
		mapPoints: mps,
		observers: newKeyFrameSet(kfs),
		index:     newObservationIndex(rels),
	})
	if err != nil {
		if errors.Is(err, ErrInsufficientConstraints) {
			a.logger.Warnw("not running full adjustment", "error", err)
		}
		return nil, err
	}

	stats, err := a.optimizeFull(ctx, g)
	if err != nil {
		return nil, err
	}
	if a.cfg.ValidateFinite && !g.finite() {
		return nil, errors.Wrap(ErrDegenerateState, "full adjustment produced non-finite estimates")
	}

	g.writeKeyFrames(keyFrames)
	if mapPointsOut != nil {
		g.writeMapPoints(mapPointsOut)
	}
	res := &FullResult{
		Stats:     stats,
		KeyFrames: g.refinedKeyFrames(),
		MapPoints: g.refinedMapPoints(),
	}
	for _, mp := range g.excluded {
		res.ExcludedMapPointIDs = append(res.ExcludedMapPointIDs, mp.ID)
	}
	a.logger.Infow("full adjustment done",
		"keyframes", len(res.KeyFrames), "map_points", len(res.MapPoints), "edges", stats.Edges,
		"iterations", stats.Iterations, "chi2", stats.FinalChi2)
	return res, nil
}

// LocalOutliers adjusts the local keyframes against the map points they see and reports the
// final chi2 of every observation. The first two local keyframes and all fixed keyframes are held
// fixed. No table is modified.
func (a *Adjuster) LocalOutliers(
	ctx context.Context,
	keyFrames, fixedKeyFrames, mapPoints, relations Table,
) (*OutlierReport, error) {
	dec := a.decoder()
	local, err := dec.keyFrames("keyframes", keyFrames)
	if err != nil {
		return nil, err
	}
	fixed, err := dec.keyFrames("fixed keyframes", fixedKeyFrames)
	if err != nil {
		return nil, err
	}
	mps, err := dec.mapPoints("map points", mapPoints)
	if err != nil {
		return nil, err
	}
	rels, err := dec.relations("relations", relations)
	if err != nil {
		return nil, err
	}

	index := newObservationIndex(rels)
	observers := newKeyFrameSet(local)
	if a.cfg.UseFixedObservations {
		observers = newKeyFrameSet(local, fixed)
	}
	g, err := a.buildGraph(graphInput{
		keyFrames: local,
		anchor:    func(row int, _ KeyFrame) bool { return row < 2 },
		boundary:  fixed,
		mapPoints: index.localMapPoints(local, mps),
		observers: observers,
		index:     index,
	})
	if err != nil {
		if errors.Is(err, ErrInsufficientConstraints) {
			a.logger.Warnw("not running local adjustment", "error", err)
		}
		return nil, err
	}

	stats, demoted, err := a.optimizeWithOutlierPass(ctx, g)
	if err != nil {
		return nil, err
	}
	if a.cfg.ValidateFinite && !g.finite() {
		return nil, errors.Wrap(ErrDegenerateState, "local adjustment produced non-finite estimates")
	}

	outliers := g.collectOutliers(a.cfg.FilterOutliers)
	report := &OutlierReport{
		Stats:    stats,
		Outliers: outliers,
		Demoted:  demoted,
		Summary:  summarizeChi2(outliers),
	}
	a.logger.Infow("local adjustment done",
		"edges", stats.Edges, "demoted", demoted, "reported", len(outliers), "max_chi2", report.Summary.Max)
	return report, nil
}

// FullBundleAdjustment runs Full with the default config and the global logger. It returns 1 on
// success and 0 otherwise, in which case keyFrames is unchanged.
func FullBundleAdjustment(keyFrames, mapPoints, relations *mat.Dense) int {
	logger := logging.Global()
	adjuster, err := NewAdjuster(NewDefaultConfig(), logger)
	if err != nil {
		logger.Errorw("invalid default config", "error", err)
		return 0
	}
	if keyFrames == nil {
		return 0
	}
	if _, err := adjuster.Full(context.Background(), keyFrames, denseTable(mapPoints), denseTable(relations)); err != nil {
		logger.Warnw("full bundle adjustment failed", "error", err)
		return 0
	}
	return 1
}

// OutliersForLocalBundleAdjustment runs LocalOutliers with the default config and the global
// logger and returns the report as a table. Any failure gives a 0x0 table.
func OutliersForLocalBundleAdjustment(keyFrames, fixedKeyFrames, mapPoints, relations *mat.Dense) *mat.Dense {
	logger := logging.Global()
	adjuster, err := NewAdjuster(NewDefaultConfig(), logger)
	if err != nil {
		logger.Errorw("invalid default config", "error", err)
		return &mat.Dense{}
	}
	report, err := adjuster.LocalOutliers(context.Background(),
		denseTable(keyFrames), denseTable(fixedKeyFrames), denseTable(mapPoints), denseTable(relations))
	if err != nil {
		logger.Warnw("local bundle adjustment failed", "error", err)
		return &mat.Dense{}
	}
	return report.Table()
}

// denseTable keeps a nil matrix from turning into a non-nil Table.
func denseTable(m *mat.Dense) Table {
	if m == nil {
		return nil
	}
	return m
}
