package cloud

// SH band-0 constant.
const SHC0 = 0.28209479177387814

// NumSHCoeffs returns the coefficient count per channel for a degree.
func NumSHCoeffs(degree int) int {
	return (degree + 1) * (degree + 1)
}

// RGBToSH maps a color channel to its band-0 coefficient.
func RGBToSH(rgb float32) float32 {
	return (rgb - 0.5) / SHC0
}

// SHToRGB maps a band-0 coefficient to a color channel.
func SHToRGB(sh float32) float32 {
	return sh*SHC0 + 0.5
}
