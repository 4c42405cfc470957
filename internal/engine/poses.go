package engine

// Pose is an instruction handed to the generation service. Poses are string
// backed so they double as stable cache keys.
type Pose string

const (
	PoseFrontal      Pose = "Full frontal view, hands on hips"
	PoseThreeQuarter Pose = "Slightly turned, 3/4 view"
	PoseSideProfile  Pose = "Side profile view"
	PoseJumping      Pose = "Jumping in the air, mid-action shot"
	PoseWalking      Pose = "Walking towards camera"
	PoseLeaning      Pose = "Leaning against a wall"
)

// Poses is the global ordered pose list indexed by the session cursor.
var Poses = []Pose{PoseFrontal, PoseThreeQuarter, PoseSideProfile, PoseJumping, PoseWalking, PoseLeaning}

// DefaultPoseIndex selects the pose every fresh layer is rendered in.
const DefaultPoseIndex = 0

// DefaultPose is Poses[DefaultPoseIndex].
func DefaultPose() Pose { return Poses[DefaultPoseIndex] }

// PoseAt returns the pose at index i.
func PoseAt(i int) (Pose, bool) {
	if i < 0 || i >= len(Poses) {
		return "", false
	}
	return Poses[i], true
}

// PoseIndex returns the index of p in Poses, or -1.
func PoseIndex(p Pose) int {
	for i, q := range Poses {
		if q == p {
			return i
		}
	}
	return -1
}
