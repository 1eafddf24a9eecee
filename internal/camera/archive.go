package camera

import (
	"errors"
	"fmt"
	"os"

	"github.com/chewxy/math32"
	"gopkg.in/yaml.v3"

	"github.com/Faultbox/splatforge/pkg/math"
)

var (
	// ErrPoseMismatch is returned when an archive's azimuths and poses differ
	// in length.
	ErrPoseMismatch = errors.New("pose archive: azimuth and pose counts differ")
	// ErrInvalidArchive is returned for malformed matrices.
	ErrInvalidArchive = errors.New("pose archive: invalid matrix")
)

// Archive is a camera-pose archive for a multi-view reference sheet. Poses
// are world-to-camera matrices in the OpenCV convention (x right, y down,
// z forward), 3x4 or 4x4, written row by row.
type Archive struct {
	Intrinsics [][]float32   `yaml:"intrinsics"`
	Azimuths   []float32     `yaml:"azimuths"`
	Elevations []float32     `yaml:"elevations,omitempty"`
	Distances  []float32     `yaml:"distances,omitempty"`
	Poses      [][][]float32 `yaml:"poses"`
}

// LoadArchive reads and validates a pose archive.
func LoadArchive(path string) (*Archive, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading pose archive: %w", err)
	}
	a, err := ParseArchive(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return a, nil
}

// ParseArchive decodes and validates a YAML pose archive.
func ParseArchive(data []byte) (*Archive, error) {
	var a Archive
	if err := yaml.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("decoding pose archive: %w", err)
	}
	if len(a.Poses) > 0 && len(a.Azimuths) != len(a.Poses) {
		return nil, fmt.Errorf("%w: %d azimuths, %d poses", ErrPoseMismatch, len(a.Azimuths), len(a.Poses))
	}
	if len(a.Intrinsics) != 0 && !isMatrix(a.Intrinsics, 3, 3) {
		return nil, fmt.Errorf("%w: intrinsics must be 3x3", ErrInvalidArchive)
	}
	for i, p := range a.Poses {
		if !isMatrix(p, 3, 4) && !isMatrix(p, 4, 4) {
			return nil, fmt.Errorf("%w: pose %d must be 3x4 or 4x4", ErrInvalidArchive, i)
		}
	}
	return &a, nil
}

// Len returns the number of views in the archive.
func (a *Archive) Len() int {
	if len(a.Poses) > 0 {
		return len(a.Poses)
	}
	return len(a.Azimuths)
}

// CameraToWorld converts pose i into an OpenGL camera-to-world transform.
func (a *Archive) CameraToWorld(i int) math.Mat4 {
	var rows [4][4]float32
	rows[3] = [4]float32{0, 0, 0, 1}
	for r, row := range a.Poses[i] {
		copy(rows[r][:], row)
	}
	c2w := math.Mat4FromRows(rows).Inverse()
	// negate local y and z axes: OpenCV camera -> OpenGL camera
	for k := 4; k < 12; k++ {
		c2w[k] = -c2w[k]
	}
	return c2w
}

// Fov returns the fields of view implied by the intrinsics, assuming the
// principal point sits at the image centre. ok is false when the archive
// carries no usable intrinsics.
func (a *Archive) Fov() (fovY, fovX float32, ok bool) {
	if len(a.Intrinsics) != 3 {
		return 0, 0, false
	}
	fx, fy := a.Intrinsics[0][0], a.Intrinsics[1][1]
	cx, cy := a.Intrinsics[0][2], a.Intrinsics[1][2]
	if fx <= 0 || fy <= 0 || cx <= 0 || cy <= 0 {
		return 0, 0, false
	}
	return 2 * math32.Atan(cy/fy), 2 * math32.Atan(cx/fx), true
}

// RigOptions configure rig construction.
type RigOptions struct {
	Size      int     // square render size
	FovY      float32 // radians, used when the archive has no intrinsics
	Radius    float32 // orbit radius when poses and distances are absent
	Elevation float32 // degrees, when poses and elevations are absent
	Near, Far float32
}

// Rig builds one camera per archive entry, in archive order. Explicit poses
// win; otherwise cameras orbit the origin at the archive azimuths.
func (a *Archive) Rig(opts RigOptions) []Camera {
	fovY, fovX, ok := a.Fov()
	if !ok {
		fovY = opts.FovY
		fovX = opts.FovY
	}
	cams := make([]Camera, 0, a.Len())
	for i := 0; i < a.Len(); i++ {
		var pose math.Mat4
		if len(a.Poses) > 0 {
			pose = a.CameraToWorld(i)
		} else {
			elevation, radius := opts.Elevation, opts.Radius
			if i < len(a.Elevations) {
				elevation = a.Elevations[i]
			}
			if i < len(a.Distances) {
				radius = a.Distances[i]
			}
			pose = math.OrbitPose(elevation, a.Azimuths[i], radius, math.Vec3{})
		}
		cams = append(cams, NewWithFov(pose, opts.Size, opts.Size, fovY, fovX, opts.Near, opts.Far))
	}
	return cams
}

func isMatrix(m [][]float32, rows, cols int) bool {
	if len(m) != rows {
		return false
	}
	for _, r := range m {
		if len(r) != cols {
			return false
		}
	}
	return true
}
