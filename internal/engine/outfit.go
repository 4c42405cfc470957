package engine

// OutfitLayer is one step of the outfit history. Layer 0 has no garment and
// holds the base model.
type OutfitLayer struct {
	Garment *WardrobeItem
	images  map[Pose]string
	order   []Pose
}

func newLayer(garment *WardrobeItem, pose Pose, ref string) *OutfitLayer {
	l := &OutfitLayer{Garment: garment, images: make(map[Pose]string, len(Poses))}
	l.put(pose, ref)
	return l
}

// put caches a render for pose. An existing entry is never replaced.
func (l *OutfitLayer) put(pose Pose, ref string) bool {
	if _, ok := l.images[pose]; ok {
		return false
	}
	l.images[pose] = ref
	l.order = append(l.order, pose)
	return true
}

// Image returns the cached render for pose.
func (l *OutfitLayer) Image(pose Pose) (string, bool) {
	ref, ok := l.images[pose]
	return ref, ok
}

// FirstImage is the earliest cached render of the layer.
func (l *OutfitLayer) FirstImage() string {
	if len(l.order) == 0 {
		return ""
	}
	return l.images[l.order[0]]
}

// RenderedPoses lists cached poses in the order they were rendered.
func (l *OutfitLayer) RenderedPoses() []Pose {
	return append([]Pose(nil), l.order...)
}

// PoseImages returns a copy of the pose cache.
func (l *OutfitLayer) PoseImages() map[Pose]string {
	out := make(map[Pose]string, len(l.images))
	for k, v := range l.images {
		out[k] = v
	}
	return out
}

// GarmentID is the garment id, empty for the base layer.
func (l *OutfitLayer) GarmentID() string {
	if l.Garment == nil {
		return ""
	}
	return l.Garment.ID
}

// Cursor selects the displayed image without touching history.
type Cursor struct {
	Layer int `json:"layer"`
	Pose  int `json:"pose"`
}

// TransitionPhase is the state of a pose change.
type TransitionPhase string

const (
	PosePending    TransitionPhase = "pending"
	PoseCommitted  TransitionPhase = "committed"
	PoseRolledBack TransitionPhase = "rolled_back"
)

// PoseTransition records the latest pose change that required a render.
type PoseTransition struct {
	Layer int             `json:"layer"`
	From  int             `json:"from"`
	To    int             `json:"to"`
	Phase TransitionPhase `json:"phase"`
}
