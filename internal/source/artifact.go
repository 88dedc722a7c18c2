package source

// ArtifactKind classifies what Fetch resolved a descriptor to.
type ArtifactKind string

const (
	// NativeBinary is an executable file on the local filesystem.
	NativeBinary ArtifactKind = "native_binary"
	// ContainerRef is an OCI image reference, already present in a
	// registry the host's container runtime can pull.
	ContainerRef ArtifactKind = "container_ref"
)

// Artifact is the result of a successful Fetch: a local path (for native
// binaries) or an image reference (for container images), plus the digest
// that was verified (when applicable).
type Artifact struct {
	Kind ArtifactKind

	// Path is a local filesystem path for NativeBinary artifacts.
	Path string

	// Ref is an OCI image reference for ContainerRef artifacts.
	Ref string

	// SHA256Hex is the verified hex-encoded digest for NativeBinary
	// artifacts whose descriptor carried one. For ContainerRef artifacts it
	// holds the digest string the registry reported, which is not verified.
	SHA256Hex string
}
