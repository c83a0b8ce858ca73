package bundle

import (
	"testing"

	"github.com/golang/geo/r2"
	"go.viam.com/test"
)

func rel(row, mapPoint, keyFrame int) Relation {
	return Relation{Row: row, MapPointID: mapPoint, KeyFrameID: keyFrame, Pixel: r2.Point{X: float64(row)}}
}

func TestFindObservations(t *testing.T) {
	relations := []Relation{rel(0, 1, 10), rel(1, 2, 10), rel(2, 1, 12), rel(3, 1, 99), rel(4, 1, 11)}
	idx := newObservationIndex(relations)
	poses := newKeyFrameSet([]KeyFrame{{Row: 0, ID: 10}, {Row: 1, ID: 11}, {Row: 2, ID: 12}})

	obs := idx.findObservations(MapPoint{ID: 1}, poses)
	test.That(t, obs, test.ShouldHaveLength, 3)
	// relation row order, keyframe 99 is not in the set
	test.That(t, obs[0].relation.Row, test.ShouldEqual, 0)
	test.That(t, obs[0].keyFrame.ID, test.ShouldEqual, 10)
	test.That(t, obs[1].relation.Row, test.ShouldEqual, 2)
	test.That(t, obs[1].keyFrame.ID, test.ShouldEqual, 12)
	test.That(t, obs[2].relation.Row, test.ShouldEqual, 4)
	test.That(t, obs[2].keyFrame.Row, test.ShouldEqual, 1)

	test.That(t, idx.findObservations(MapPoint{ID: 3}, poses), test.ShouldBeEmpty)
}

func TestKeyFrameSetFirstMatchWins(t *testing.T) {
	set := newKeyFrameSet([]KeyFrame{{Row: 0, ID: 5}}, []KeyFrame{{Row: 0, ID: 6}, {Row: 1, ID: 5}})
	kf, ok := set.get(5)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, kf.Row, test.ShouldEqual, 0)
	kf, ok = set.get(6)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, kf.ID, test.ShouldEqual, 6)
	_, ok = set.get(7)
	test.That(t, ok, test.ShouldBeFalse)
}

func TestLocalMapPoints(t *testing.T) {
	relations := []Relation{
		rel(0, 3, 2),
		rel(1, 1, 1),
		rel(2, 2, 2),
		rel(3, 1, 2),
		rel(4, 9, 1), // unknown map point
		rel(5, 4, 7), // keyframe outside the window
		rel(6, 2, 1),
	}
	mapPoints := []MapPoint{{Row: 0, ID: 1}, {Row: 1, ID: 2}, {Row: 2, ID: 3}, {Row: 3, ID: 4}}
	local := []KeyFrame{{ID: 1}, {ID: 2}}

	got := newObservationIndex(relations).localMapPoints(local, mapPoints)
	ids := make([]int, 0, len(got))
	for _, mp := range got {
		ids = append(ids, mp.ID)
	}
	// keyframe 1 sees 1 then 2, keyframe 2 adds 3
	test.That(t, ids, test.ShouldResemble, []int{1, 2, 3})
	test.That(t, got[2].Row, test.ShouldEqual, 2)
}
