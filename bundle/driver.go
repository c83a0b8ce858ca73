package bundle

import (
	"context"

	"github.com/pkg/errors"

	"go.viam.com/bundle/optimizer"
)

// Stats summarizes one optimization call. OutOfImage counts admitted observations whose pixel is
// outside the camera image.
type Stats struct {
	Edges             int
	StereoEdges       int
	ExcludedMapPoints int
	OutOfImage        int
	Iterations        int
	InitialChi2       float64
	FinalChi2         float64
}

func (g *graph) stats() Stats {
	s := Stats{Edges: len(g.edges), ExcludedMapPoints: len(g.excluded), OutOfImage: g.outOfImage}
	for _, rec := range g.edges {
		if rec.edge.Kind() == optimizer.EdgeKindStereo {
			s.StereoEdges++
		}
	}
	return s
}

// optimizeFull runs a single pass over every edge.
func (a *Adjuster) optimizeFull(ctx context.Context, g *graph) (Stats, error) {
	stats := g.stats()
	if err := g.opt.InitializeOptimization(0); err != nil {
		return stats, err
	}
	if err := g.opt.ComputeActiveErrors(ctx); err != nil {
		return stats, err
	}
	stats.InitialChi2 = g.opt.ActiveRobustChi2()

	n, err := g.opt.Optimize(ctx, a.cfg.FullIterations)
	stats.Iterations = n
	if err != nil {
		return stats, errors.Wrap(err, "full adjustment failed")
	}
	stats.FinalChi2 = g.opt.ActiveRobustChi2()
	a.logger.Debugw("full adjustment pass", "iterations", n, "initial_chi2", stats.InitialChi2, "final_chi2", stats.FinalChi2)
	return stats, nil
}

// optimizeWithOutlierPass runs a robust pass, moves edges that are over threshold or behind the
// camera to level 1, drops every robust kernel and runs a second pass over the remaining edges.
// It returns the number of demoted edges.
func (a *Adjuster) optimizeWithOutlierPass(ctx context.Context, g *graph) (Stats, int, error) {
	stats := g.stats()
	if err := g.opt.InitializeOptimization(0); err != nil {
		return stats, 0, err
	}
	if err := g.opt.ComputeActiveErrors(ctx); err != nil {
		return stats, 0, err
	}
	stats.InitialChi2 = g.opt.ActiveRobustChi2()

	n, err := g.opt.Optimize(ctx, a.cfg.LocalIterations)
	stats.Iterations = n
	if err != nil {
		return stats, 0, errors.Wrap(err, "local adjustment failed")
	}
	a.logger.Debugw("local adjustment pass", "iterations", n, "chi2", g.opt.ActiveRobustChi2())

	demoted := 0
	for _, rec := range g.edges {
		e := rec.edge
		if e.Chi2() > rec.threshold || !e.IsDepthPositive() {
			e.SetLevel(1)
			demoted++
			a.logger.Debugw("demoting edge",
				"keyframe", rec.keyFrame.ID, "map_point", rec.mapPoint.ID, "kind", e.Kind(), "chi2", e.Chi2())
		}
		e.SetRobustKernel(nil)
	}

	if err := g.opt.InitializeOptimization(0); err != nil {
		return stats, demoted, err
	}
	n, err = g.opt.Optimize(ctx, a.cfg.RefineIterations)
	stats.Iterations += n
	if err != nil {
		return stats, demoted, errors.Wrap(err, "refinement after outlier rejection failed")
	}
	stats.FinalChi2 = g.opt.ActiveChi2()
	a.logger.Debugw("refinement pass", "iterations", n, "demoted", demoted, "chi2", stats.FinalChi2)

	// demoted edges were left out of the second pass, bring every error up to date
	for _, rec := range g.edges {
		rec.edge.ComputeError()
	}
	return stats, demoted, nil
}
