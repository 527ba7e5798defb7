package configx

// Configuration layer precedence. Later layers override earlier ones.
const (
	LayerDefaults = iota
	LayerHome
	LayerXDG
	LayerCwd
	LayerExplicit
	LayerEnv
	LayerPreset
	LayerFlags
)

var layerNames = map[int]string{
	LayerDefaults: "defaults",
	LayerHome:     "home",
	LayerXDG:      "xdg",
	LayerCwd:      "cwd",
	LayerExplicit: "explicit",
	LayerEnv:      "env",
	LayerPreset:   "preset",
	LayerFlags:    "flags",
}

// LayerName returns the human-readable name for a layer constant.
func LayerName(layer int) string {
	if name, ok := layerNames[layer]; ok {
		return name
	}
	return "unknown"
}

// LayerPrecedenceOrder returns the merge order from lowest to highest priority.
func LayerPrecedenceOrder() []int {
	return []int{LayerDefaults, LayerHome, LayerXDG, LayerCwd, LayerExplicit, LayerEnv, LayerPreset, LayerFlags}
}
