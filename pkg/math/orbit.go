package math

import "github.com/chewxy/math32"

// Radians converts degrees to radians.
func Radians(deg float32) float32 {
	return deg * math32.Pi / 180
}

// Degrees converts radians to degrees.
func Degrees(rad float32) float32 {
	return rad * 180 / math32.Pi
}

// OrbitPose returns the camera-to-world pose of a camera placed on a sphere
// around target and facing it. Angles are in degrees. Elevation runs from
// -90 (above the target, looking down) to 90; azimuth 0 puts the camera on
// +Z and positive azimuth turns it towards +X.
func OrbitPose(elevation, azimuth, radius float32, target Vec3) Mat4 {
	el := Radians(elevation)
	az := Radians(azimuth)
	sinEl, cosEl := math32.Sincos(el)
	sinAz, cosAz := math32.Sincos(az)
	campos := Vec3{
		X: radius * cosEl * sinAz,
		Y: -radius * sinEl,
		Z: radius * cosEl * cosAz,
	}.Add(target)
	return LookAtPose(campos, target, Vec3{0, 1, 0})
}

// LookAtPose returns the camera-to-world pose of a camera at campos facing
// target. The camera looks down its local -Z axis.
func LookAtPose(campos, target, up Vec3) Mat4 {
	forward := campos.Sub(target).Normalize()
	right := up.Cross(forward).Normalize()
	camUp := forward.Cross(right).Normalize()
	return FromRotation(Mat3{
		{right.X, camUp.X, forward.X},
		{right.Y, camUp.Y, forward.Y},
		{right.Z, camUp.Z, forward.Z},
	}, campos)
}
