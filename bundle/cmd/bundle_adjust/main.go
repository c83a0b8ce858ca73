// Package main runs bundle adjustment over CSV tables.
package main

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/aybabtme/uniplot/histogram"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.viam.com/utils"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/bundle/bundle"
	"go.viam.com/bundle/logging"
	"go.viam.com/bundle/rimage/transform"
)

const (
	// Flags.
	flagKeyFrames      = "keyframes"
	flagFixedKeyFrames = "fixed-keyframes"
	flagMapPoints      = "mappoints"
	flagRelations      = "relations"
	flagConfig         = "config"
	flagCamera         = "camera"
	flagOut            = "out"
	flagFormat         = "format"
	flagDebug          = "debug"

	formatCSV   = "csv"
	formatTable = "table"
)

var logger = logging.NewLogger("bundle_adjust")

func main() {
	if err := realMain(os.Args); err != nil {
		logger.Error(err)
		os.Exit(1)
	}
}

func realMain(args []string) error {
	return newApp(os.Stdout).Run(args)
}

func newApp(out io.Writer) *cli.App {
	tableFlags := []cli.Flag{
		&cli.StringFlag{
			Name:     flagKeyFrames,
			Required: true,
			Usage:    "keyframe table `FILE`, one row of id and 16 pose cells per keyframe",
		},
		&cli.StringFlag{
			Name:     flagMapPoints,
			Required: true,
			Usage:    "map point table `FILE`, rows of id, x, y, z",
		},
		&cli.StringFlag{
			Name:     flagRelations,
			Required: true,
			Usage:    "observation table `FILE`, rows of map point id, keyframe id, u, v and optionally u right",
		},
		&cli.StringFlag{
			Name:  flagOut,
			Usage: "write the result to `FILE` instead of stdout",
		},
		&cli.StringFlag{
			Name:  flagFormat,
			Value: formatCSV,
			Usage: "output format, csv or table",
		},
	}

	return &cli.App{
		Name:      "bundle_adjust",
		Usage:     "refine keyframe poses and flag outlier observations",
		Writer:    out,
		ErrWriter: out,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    flagConfig,
				Aliases: []string{"c"},
				Usage:   "load adjustment settings from a JSON or YAML `FILE`",
			},
			&cli.StringFlag{
				Name:  flagCamera,
				Usage: "load pinhole intrinsics from a JSON `FILE`, replacing the configured camera",
			},
			&cli.BoolFlag{
				Name:  flagDebug,
				Usage: "enable debug logging",
			},
		},
		Before: func(c *cli.Context) error {
			if c.Bool(flagDebug) {
				logger.SetLevel(logging.DEBUG)
			}
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:   "full",
				Usage:  "adjust every keyframe and write the refined keyframe table",
				Flags:  tableFlags,
				Action: fullAction,
			},
			{
				Name:  "local",
				Usage: "adjust a local window and report the chi2 of every observation",
				Flags: append([]cli.Flag{
					&cli.StringFlag{
						Name:  flagFixedKeyFrames,
						Usage: "keyframe table `FILE` of keyframes held fixed around the window",
					},
				}, tableFlags...),
				Action: localAction,
			},
		},
	}
}

func newAdjuster(c *cli.Context) (*bundle.Adjuster, error) {
	switch format := c.String(flagFormat); format {
	case formatCSV, formatTable:
	default:
		return nil, errors.Errorf("unknown output format %q", format)
	}
	cfg := bundle.NewDefaultConfig()
	if path := c.String(flagConfig); path != "" {
		var err error
		if cfg, err = bundle.ReadConfig(path); err != nil {
			return nil, err
		}
	}
	if path := c.String(flagCamera); path != "" {
		camera, err := transform.NewPinholeCameraIntrinsicsFromJSONFile(path)
		if err != nil {
			return nil, err
		}
		cfg.Camera = *camera
	}
	return bundle.NewAdjuster(cfg, logger.Sublogger("bundle"))
}

func fullAction(c *cli.Context) error {
	adjuster, err := newAdjuster(c)
	if err != nil {
		return err
	}
	keyFrames, err := readTable(c.String(flagKeyFrames))
	if err != nil {
		return err
	}
	mapPoints, err := readTable(c.String(flagMapPoints))
	if err != nil {
		return err
	}
	relations, err := readTable(c.String(flagRelations))
	if err != nil {
		return err
	}

	res, err := adjuster.Full(c.Context, keyFrames, mapPoints, relations)
	if err != nil {
		return err
	}

	return withOutput(c, func(w io.Writer) error {
		if c.String(flagFormat) == formatTable {
			_, err := fmt.Fprintln(w, keyFrameSummary(res))
			return err
		}
		return writeTable(w, keyFrames)
	})
}

func localAction(c *cli.Context) error {
	adjuster, err := newAdjuster(c)
	if err != nil {
		return err
	}
	var tables [4]*mat.Dense
	for i, name := range []string{flagKeyFrames, flagFixedKeyFrames, flagMapPoints, flagRelations} {
		if tables[i], err = readTable(c.String(name)); err != nil {
			return err
		}
	}

	report, err := adjuster.LocalOutliers(c.Context, tables[0], tables[1], tables[2], tables[3])
	if err != nil {
		return err
	}

	return withOutput(c, func(w io.Writer) error {
		if c.String(flagFormat) == formatTable {
			if _, err := fmt.Fprintln(w, outlierSummary(report)); err != nil {
				return err
			}
			return printChi2Histogram(w, report.Outliers)
		}
		return writeTable(w, report.Table())
	})
}

// withOutput hands fn the --out file, or the app writer when no file is given.
func withOutput(c *cli.Context, fn func(w io.Writer) error) error {
	path := c.String(flagOut)
	if path == "" {
		return fn(c.App.Writer)
	}
	//nolint:gosec
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "error creating output file")
	}
	defer utils.UncheckedErrorFunc(f.Close)
	return fn(f)
}

// readTable parses a numeric CSV file. Lines starting with # are skipped and every row must have
// the width of the first one. An empty path or an empty file gives a 0x0 table.
func readTable(path string) (*mat.Dense, error) {
	if path == "" {
		return &mat.Dense{}, nil
	}
	//nolint:gosec
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "error opening table %q", path)
	}
	defer utils.UncheckedErrorFunc(f.Close)

	r := csv.NewReader(f)
	r.Comment = '#'
	r.TrimLeadingSpace = true
	records, err := r.ReadAll()
	if err != nil {
		return nil, errors.Wrapf(err, "error reading table %q", path)
	}
	if len(records) == 0 {
		return &mat.Dense{}, nil
	}

	cols := len(records[0])
	data := make([]float64, 0, len(records)*cols)
	for i, rec := range records {
		for j, cell := range rec {
			v, err := strconv.ParseFloat(strings.TrimSpace(cell), 64)
			if err != nil {
				return nil, errors.Wrapf(err, "table %q row %d column %d", path, i, j)
			}
			data = append(data, v)
		}
	}
	return mat.NewDense(len(records), cols, data), nil
}

func writeTable(w io.Writer, m mat.Matrix) error {
	rows, cols := m.Dims()
	cw := csv.NewWriter(w)
	record := make([]string, cols)
	for i := 0; i < rows; i++ {
		for j := range record {
			record[j] = strconv.FormatFloat(m.At(i, j), 'g', -1, 64)
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// keyFrameSummary prints a table of each refined keyframe with its camera center.
func keyFrameSummary(res *bundle.FullResult) string {
	t := table.NewWriter()
	t.AppendHeader(table.Row{"#", "Keyframe", "Center"})
	for i, kf := range res.KeyFrames {
		center := kf.Pose.Inverse().Translation()
		t.AppendRow(table.Row{
			i,
			kf.ID,
			fmt.Sprintf("X:%.3f, Y:%.3f, Z:%.3f", center.X, center.Y, center.Z),
		})
	}
	t.AppendFooter(table.Row{"", "chi2", fmt.Sprintf("%.4f -> %.4f", res.InitialChi2, res.FinalChi2)})
	return t.Render()
}

// outlierSummary prints a table of each reported observation.
func outlierSummary(report *bundle.OutlierReport) string {
	t := table.NewWriter()
	t.AppendHeader(table.Row{"Keyframe", "Map Point", "Kind", "Chi2", "Demoted"})
	for _, o := range report.Outliers {
		t.AppendRow(table.Row{o.KeyFrameID, o.MapPointID, o.Kind.String(), fmt.Sprintf("%.4f", o.Chi2), o.Demoted})
	}
	t.AppendFooter(table.Row{
		"", "", "max", fmt.Sprintf("%.4f", report.Summary.Max), fmt.Sprintf("%d demoted", report.Demoted),
	})
	return t.Render()
}

const histogramBins = 10

// printChi2Histogram draws the distribution of reported chi2 values. Nothing is drawn when all
// values are equal.
func printChi2Histogram(w io.Writer, outliers []bundle.Outlier) error {
	if len(outliers) == 0 {
		return nil
	}
	values := make([]float64, len(outliers))
	for i, o := range outliers {
		values[i] = o.Chi2
	}
	if floats.Min(values) == floats.Max(values) {
		return nil
	}
	return histogram.Fprint(w, histogram.Hist(histogramBins, values), histogram.Linear(40))
}
