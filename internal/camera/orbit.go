package camera

import (
	"github.com/chewxy/math32"

	"github.com/Faultbox/splatforge/pkg/math"
)

// OrbitCamera orbits around a center point. It is the mutable controller
// behind the interactive preview; Camera snapshots it for rendering.
type OrbitCamera struct {
	Center math.Vec3

	// Spherical coordinates, degrees
	Radius    float32
	Elevation float32 // negative looks down from above
	Azimuth   float32
	FovY      float32

	// Constraints
	MinRadius    float32
	MaxRadius    float32
	MaxElevation float32

	// Sensitivity
	DragSensitivity float32 // degrees per pixel
	ZoomSensitivity float32
	PanSensitivity  float32 // world units per pixel per unit radius
}

// NewOrbitCamera creates an orbit camera with default limits.
func NewOrbitCamera(radius, fovY float32) *OrbitCamera {
	return &OrbitCamera{
		Radius:          radius,
		FovY:            fovY,
		MinRadius:       0.1,
		MaxRadius:       100,
		MaxElevation:    89.9,
		DragSensitivity: 0.25,
		ZoomSensitivity: 0.1,
		PanSensitivity:  0.001,
	}
}

// Pose returns the camera-to-world transform.
func (c *OrbitCamera) Pose() math.Mat4 {
	return math.OrbitPose(c.Elevation, c.Azimuth, c.Radius, c.Center)
}

// Camera snapshots the controller into an immutable camera.
func (c *OrbitCamera) Camera(width, height int, near, far float32) Camera {
	return New(c.Pose(), width, height, math.Radians(c.FovY), near, far)
}

// HandleDrag rotates the camera by a mouse drag delta in pixels.
func (c *OrbitCamera) HandleDrag(deltaX, deltaY float32) {
	c.Azimuth -= deltaX * c.DragSensitivity
	c.Azimuth = wrapDegrees(c.Azimuth)
	c.Elevation += deltaY * c.DragSensitivity
	if c.Elevation < -c.MaxElevation {
		c.Elevation = -c.MaxElevation
	}
	if c.Elevation > c.MaxElevation {
		c.Elevation = c.MaxElevation
	}
}

// HandleZoom updates the radius based on scroll wheel delta.
func (c *OrbitCamera) HandleZoom(delta float32) {
	c.Radius -= delta * c.Radius * c.ZoomSensitivity
	if c.Radius < c.MinRadius {
		c.Radius = c.MinRadius
	}
	if c.Radius > c.MaxRadius {
		c.Radius = c.MaxRadius
	}
}

// HandlePan moves the center in the image plane by a drag delta in pixels.
func (c *OrbitCamera) HandlePan(deltaX, deltaY float32) {
	pose := c.Pose()
	right := pose.Column(0)
	up := pose.Column(1)
	speed := c.PanSensitivity * c.Radius
	c.Center = c.Center.Add(right.Scale(-deltaX * speed)).Add(up.Scale(deltaY * speed))
}

func wrapDegrees(a float32) float32 {
	a = math32.Mod(a+180, 360)
	if a < 0 {
		a += 360
	}
	return a - 180
}
