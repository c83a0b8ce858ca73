package bundle

// observation pairs a keyframe with the relation row that saw a map point in it.
type observation struct {
	keyFrame *KeyFrame
	relation *Relation
}

// observationIndex maps entity ids to relation rows, keeping table order within each id.
type observationIndex struct {
	relations  []Relation
	byMapPoint map[int][]int
	byKeyFrame map[int][]int
}

func newObservationIndex(relations []Relation) *observationIndex {
	idx := &observationIndex{
		relations:  relations,
		byMapPoint: map[int][]int{},
		byKeyFrame: map[int][]int{},
	}
	for i, rel := range relations {
		idx.byMapPoint[rel.MapPointID] = append(idx.byMapPoint[rel.MapPointID], i)
		idx.byKeyFrame[rel.KeyFrameID] = append(idx.byKeyFrame[rel.KeyFrameID], i)
	}
	return idx
}

// keyFrameSet looks keyframes up by id. When ids repeat the first keyframe wins.
type keyFrameSet struct {
	frames []KeyFrame
	byID   map[int]int
}

func newKeyFrameSet(frames ...[]KeyFrame) *keyFrameSet {
	set := &keyFrameSet{byID: map[int]int{}}
	for _, fs := range frames {
		for _, f := range fs {
			if _, ok := set.byID[f.ID]; !ok {
				set.byID[f.ID] = len(set.frames)
			}
			set.frames = append(set.frames, f)
		}
	}
	return set
}

func (s *keyFrameSet) get(id int) (*KeyFrame, bool) {
	i, ok := s.byID[id]
	if !ok {
		return nil, false
	}
	return &s.frames[i], true
}

// findObservations returns, in relation row order, every observation of mp by a keyframe in
// poses. Rows naming a keyframe outside poses are skipped.
func (idx *observationIndex) findObservations(mp MapPoint, poses *keyFrameSet) []observation {
	var out []observation
	for _, i := range idx.byMapPoint[mp.ID] {
		rel := &idx.relations[i]
		kf, ok := poses.get(rel.KeyFrameID)
		if !ok {
			continue
		}
		out = append(out, observation{keyFrame: kf, relation: rel})
	}
	return out
}

// localMapPoints returns the map points seen from the given keyframes, in order of first
// sighting: keyframe order, then relation row order. Ids missing from mapPoints are skipped.
func (idx *observationIndex) localMapPoints(local []KeyFrame, mapPoints []MapPoint) []MapPoint {
	byID := make(map[int]int, len(mapPoints))
	for i := len(mapPoints) - 1; i >= 0; i-- {
		byID[mapPoints[i].ID] = i
	}
	seen := map[int]struct{}{}
	var out []MapPoint
	for _, kf := range local {
		for _, i := range idx.byKeyFrame[kf.ID] {
			id := idx.relations[i].MapPointID
			if _, ok := seen[id]; ok {
				continue
			}
			m, ok := byID[id]
			if !ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, mapPoints[m])
		}
	}
	return out
}
