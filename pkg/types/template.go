package types

import "time"

// Environment resolves an EnvKey to the concrete images the two backends
// boot from: a container image reference and, if microVM boot has been
// prepared for this environment, an ext4 rootfs path.
type Environment struct {
	EnvKey         string    `json:"envKey"`
	ContainerImage string    `json:"containerImage"`
	MicroVMImage   string    `json:"microvmImage,omitempty"` // path under the images dir, no .ext4 suffix
	Status         string    `json:"status"`                 // "ready", "building", "error"
	CreatedAt      time.Time `json:"createdAt"`
}

// EnvironmentBuildRequest asks the template builder to produce a new
// microVM-bootable image for an environment from a Dockerfile.
type EnvironmentBuildRequest struct {
	Dockerfile string `json:"dockerfile"`
	EnvKey     string `json:"envKey"`
}
