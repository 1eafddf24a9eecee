package bake

// Viewpoint is an orbit direction in degrees.
type Viewpoint struct {
	Elevation float32
	Azimuth   float32
}

var (
	ringAzimuths   = [8]float32{0, 45, -45, 90, -90, 135, -135, 180}
	ringElevations = [3]float32{0, -45, 45}
	poleElevation  = float32(89.9)
)

// Viewpoints returns the coverage views in baking order: three rings of
// eight azimuths at elevations 0, -45 and 45, then the two poles.
func Viewpoints() []Viewpoint {
	views := make([]Viewpoint, 0, len(ringElevations)*len(ringAzimuths)+2)
	for _, el := range ringElevations {
		for _, az := range ringAzimuths {
			views = append(views, Viewpoint{Elevation: el, Azimuth: az})
		}
	}
	return append(views,
		Viewpoint{Elevation: -poleElevation},
		Viewpoint{Elevation: poleElevation},
	)
}
