package models

// TransitionKind names how two adjacent segments are joined on the timeline.
type TransitionKind string

const (
	// TransitionHardCut joins segments with no overlap.
	TransitionHardCut TransitionKind = "hard_cut"
	// TransitionCrossfade dissolves one segment into the next.
	TransitionCrossfade TransitionKind = "crossfade"
	// TransitionFadeBlack fades through black between segments.
	TransitionFadeBlack TransitionKind = "fade_black"
)

// IsValid returns true if the transition kind is known.
func (k TransitionKind) IsValid() bool {
	switch k {
	case TransitionHardCut, TransitionCrossfade, TransitionFadeBlack:
		return true
	}
	return false
}

// StyleName identifies one of the closed set of style presets.
type StyleName string

const (
	// StyleCinematicDrama is a warm, high-contrast look with slow crossfades.
	StyleCinematicDrama StyleName = "cinematic_drama"
	// StyleEnergeticDance is a saturated look with hard beat-aligned cuts.
	StyleEnergeticDance StyleName = "energetic_dance"
	// StyleLuxeTravel is a golden-hour look with slow crossfades.
	StyleLuxeTravel StyleName = "luxe_travel"
	// StyleModernMinimal is a neutral look with short crossfades.
	StyleModernMinimal StyleName = "modern_minimal"
)

// IsValid returns true if the style name is a known preset.
func (n StyleName) IsValid() bool {
	_, ok := styleRegistry[n]
	return ok
}

// ColorGrade holds the grading parameters the style grade stage renders.
type ColorGrade struct {
	// TemperatureKelvin is the target white balance. Values below 4000 warm
	// the image, values above 5000 cool it; between them the balance is
	// left untouched.
	TemperatureKelvin int `json:"temperature_kelvin"`

	// SaturationScale multiplies color saturation. 1.0 is identity.
	SaturationScale float64 `json:"saturation_scale"`

	// ContrastScale multiplies contrast. 1.0 is identity.
	ContrastScale float64 `json:"contrast_scale"`
}

// Style is one reel preset: the default boundary transition plus the color
// grade applied after assembly.
type Style struct {
	// Name is the preset identifier.
	Name StyleName `json:"name"`

	// Transition is the default kind for every non-final segment boundary.
	Transition TransitionKind `json:"transition"`

	// TransitionDurationMs is the default boundary transition length.
	// Zero for hard cuts.
	TransitionDurationMs int `json:"transition_duration_ms"`

	// Grade holds the color grading parameters.
	Grade ColorGrade `json:"grade"`
}

// styleRegistry is the closed set of presets. Parameters are part of the
// product contract; two runs with the same style must grade identically.
var styleRegistry = map[StyleName]Style{
	StyleCinematicDrama: {
		Name:                 StyleCinematicDrama,
		Transition:           TransitionCrossfade,
		TransitionDurationMs: 500,
		Grade:                ColorGrade{TemperatureKelvin: 5600, SaturationScale: 0.9, ContrastScale: 1.15},
	},
	StyleEnergeticDance: {
		Name:                 StyleEnergeticDance,
		Transition:           TransitionHardCut,
		TransitionDurationMs: 0,
		Grade:                ColorGrade{TemperatureKelvin: 2700, SaturationScale: 1.2, ContrastScale: 1.1},
	},
	StyleLuxeTravel: {
		Name:                 StyleLuxeTravel,
		Transition:           TransitionCrossfade,
		TransitionDurationMs: 500,
		Grade:                ColorGrade{TemperatureKelvin: 3200, SaturationScale: 1.1, ContrastScale: 1.05},
	},
	StyleModernMinimal: {
		Name:                 StyleModernMinimal,
		Transition:           TransitionCrossfade,
		TransitionDurationMs: 200,
		Grade:                ColorGrade{TemperatureKelvin: 4500, SaturationScale: 0.9, ContrastScale: 1.0},
	},
}

// styleOrder fixes the listing order for Styles.
var styleOrder = []StyleName{
	StyleCinematicDrama,
	StyleEnergeticDance,
	StyleLuxeTravel,
	StyleModernMinimal,
}

// StyleByName returns the preset for the given name.
func StyleByName(name StyleName) (Style, bool) {
	s, ok := styleRegistry[name]
	return s, ok
}

// Styles returns all presets in a stable order.
func Styles() []Style {
	out := make([]Style, 0, len(styleOrder))
	for _, name := range styleOrder {
		out = append(out, styleRegistry[name])
	}
	return out
}
