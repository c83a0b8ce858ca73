package bundle

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"go.viam.com/test"
)

func TestSummarizeChi2(t *testing.T) {
	test.That(t, summarizeChi2(nil), test.ShouldResemble, Chi2Summary{})

	var outliers []Outlier
	// reversed so the summary has to sort
	for i := 20; i >= 1; i-- {
		outliers = append(outliers, Outlier{Chi2: float64(i)})
	}
	got := summarizeChi2(outliers)
	test.That(t, got.P95, test.ShouldBeGreaterThanOrEqualTo, 18)
	test.That(t, got.P95, test.ShouldBeLessThanOrEqualTo, 20)

	got.P95 = 0
	want := Chi2Summary{Mean: 10.5, StdDev: math.Sqrt(33.25), Median: 10, Max: 20}
	test.That(t, cmp.Equal(got, want, cmpopts.EquateApprox(0, 1e-9)), test.ShouldBeTrue)
}

func TestOutlierOverThreshold(t *testing.T) {
	test.That(t, Outlier{Chi2: 6, DepthPositive: true}.overThreshold(5.991), test.ShouldBeTrue)
	test.That(t, Outlier{Chi2: 1, DepthPositive: true}.overThreshold(5.991), test.ShouldBeFalse)
	test.That(t, Outlier{Chi2: 1}.overThreshold(5.991), test.ShouldBeTrue)
}

func TestOutlierTableEmpty(t *testing.T) {
	r, c := outlierTable(nil).Dims()
	test.That(t, r, test.ShouldEqual, 0)
	test.That(t, c, test.ShouldEqual, 0)
}
