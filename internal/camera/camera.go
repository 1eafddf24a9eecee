// Package camera provides the pinhole cameras used for training, preview and
// texture baking, the interactive orbit controller, and the multi-view rig
// loaded from a pose archive.
package camera

import (
	"github.com/chewxy/math32"

	"github.com/Faultbox/splatforge/pkg/math"
)

// Camera is an immutable pinhole camera. The pose is camera-to-world in the
// OpenGL convention: the camera looks down its local -Z with +Y up.
type Camera struct {
	pose          math.Mat4
	view          math.Mat4
	width, height int
	fovY, fovX    float32
	near, far     float32
}

// New builds a camera whose horizontal field of view follows from fovY and
// the aspect ratio. Angles are in radians.
func New(pose math.Mat4, width, height int, fovY, near, far float32) Camera {
	fovX := 2 * math32.Atan(math32.Tan(fovY/2)*float32(width)/float32(height))
	return NewWithFov(pose, width, height, fovY, fovX, near, far)
}

// NewWithFov builds a camera with explicit fields of view (radians).
func NewWithFov(pose math.Mat4, width, height int, fovY, fovX, near, far float32) Camera {
	return Camera{
		pose:   pose,
		view:   pose.Inverse(),
		width:  width,
		height: height,
		fovY:   fovY,
		fovX:   fovX,
		near:   near,
		far:    far,
	}
}

// Pose returns the camera-to-world transform.
func (c Camera) Pose() math.Mat4 { return c.pose }

// View returns the world-to-camera transform.
func (c Camera) View() math.Mat4 { return c.view }

// Projection returns the OpenGL projection matrix.
func (c Camera) Projection() math.Mat4 {
	return math.Perspective(c.fovY, float32(c.width)/float32(c.height), c.near, c.far)
}

// Width returns the image width in pixels.
func (c Camera) Width() int { return c.width }

// Height returns the image height in pixels.
func (c Camera) Height() int { return c.height }

// FovY returns the vertical field of view in radians.
func (c Camera) FovY() float32 { return c.fovY }

// FovX returns the horizontal field of view in radians.
func (c Camera) FovX() float32 { return c.fovX }

// Near returns the near clip distance.
func (c Camera) Near() float32 { return c.near }

// Far returns the far clip distance.
func (c Camera) Far() float32 { return c.far }

// Position returns the camera centre in world space.
func (c Camera) Position() math.Vec3 { return c.pose.Translation() }

// Backward returns the unit vector from the target towards the camera,
// the camera's local +Z in world space.
func (c Camera) Backward() math.Vec3 { return c.pose.Column(2).Normalize() }

// Focal returns the focal lengths in pixels.
func (c Camera) Focal() (fx, fy float32) {
	fx = float32(c.width) / (2 * math32.Tan(c.fovX/2))
	fy = float32(c.height) / (2 * math32.Tan(c.fovY/2))
	return fx, fy
}

// WorldToImageFrame returns R and t mapping a world point into the image
// frame (x right, y down, z forward): p' = R p + t.
func (c Camera) WorldToImageFrame() (math.Mat3, math.Vec3) {
	r := c.view.Rotation()
	t := c.view.Translation()
	// flip y and z of the OpenGL view frame
	r[1][0], r[1][1], r[1][2] = -r[1][0], -r[1][1], -r[1][2]
	r[2][0], r[2][1], r[2][2] = -r[2][0], -r[2][1], -r[2][2]
	return r, math.Vec3{X: t.X, Y: -t.Y, Z: -t.Z}
}

// Project maps a world point to continuous pixel coordinates (origin at the
// top-left image corner, pixel centres at +0.5) and its depth along the
// viewing axis. Points behind the camera have depth <= 0.
func (c Camera) Project(p math.Vec3) (x, y, depth float32) {
	r, t := c.WorldToImageFrame()
	q := r.MulVec(p).Add(t)
	if q.Z <= 0 {
		return 0, 0, q.Z
	}
	fx, fy := c.Focal()
	x = fx*q.X/q.Z + float32(c.width)/2
	y = fy*q.Y/q.Z + float32(c.height)/2
	return x, y, q.Z
}
