package domain

// LaunchSpec is the normalized set of container launch parameters for one
// repository. It is re-derived every cycle from the synced source (or
// defaults) and is never the stored source of truth.
type LaunchSpec struct {
	ContainerName string
	ContextDir    string
	InternalPort  int
	// Ports maps host port -> container port.
	Ports map[string]string
	// Volumes maps host path -> container path.
	Volumes map[string]string
	Env     map[string]string
}
