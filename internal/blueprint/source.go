// Package blueprint holds the manager's core data model: blueprint source
// descriptors, resource limits, restart policy and service-instance state —
// the types every other package (source, runtime, supervisor, tracker)
// operates on.
package blueprint

import "fmt"

// SourceKind tags the variant held by a Source.
type SourceKind string

const (
	SourceLocalTest      SourceKind = "local_test"
	SourceGithub         SourceKind = "github"
	SourceContainerImage SourceKind = "container_image"
	SourceRemoteArchive  SourceKind = "remote_archive"
)

// Source is the tagged union described in spec.md §3: exactly one of the
// four variant pointers is non-nil, selected by Kind.
type Source struct {
	Kind SourceKind

	LocalTest      *LocalTestSource      `json:"local_test,omitempty"`
	Github         *GithubSource         `json:"github,omitempty"`
	ContainerImage *ContainerImageSource `json:"container_image,omitempty"`
	RemoteArchive  *RemoteArchiveSource  `json:"remote_archive,omitempty"`
}

// LocalTestSource builds a named cargo package in place. Used only
// when the manager runs in test mode (spec.md §4.3.1).
type LocalTestSource struct {
	Package  string `json:"package"`
	Binary   string `json:"binary"`
	BasePath string `json:"base_path"`
}

// GithubSource resolves to a release asset on GitHub.
type GithubSource struct {
	Owner    string   `json:"owner"`
	Repo     string   `json:"repo"`
	Tag      string   `json:"tag"`
	Binaries []Binary `json:"binaries"`
}

// ContainerImageSource names an OCI image by registry/image/tag.
type ContainerImageSource struct {
	Registry string `json:"registry"`
	Image    string `json:"image"`
	Tag      string `json:"tag"`
}

// Ref returns the fully qualified "<registry>/<image>:<tag>" reference.
func (c ContainerImageSource) Ref() string {
	return fmt.Sprintf("%s/%s:%s", c.Registry, c.Image, c.Tag)
}

// RemoteArchiveSource resolves to a downloadable archive containing one or
// more candidate binaries.
type RemoteArchiveSource struct {
	ArchiveURL string   `json:"archive_url"`
	Binaries   []Binary `json:"binaries"`
}

// Binary describes one platform-specific binary candidate and the hashes
// that must be verified against the downloaded bytes.
type Binary struct {
	OS      string    `json:"os"`   // normalized: linux | macos | windows
	Arch    string    `json:"arch"` // normalized: x86_64 | aarch64
	Name    string    `json:"name"`
	SHA256  [32]byte  `json:"sha256"`
	Blake3  *[32]byte `json:"blake3,omitempty"`
}

// Matches reports whether this binary targets the given normalized
// (os, arch) pair.
func (b Binary) Matches(os, arch string) bool {
	return b.OS == os && b.Arch == arch
}

// Hash describes a fetch-time hash verification outcome, useful for logging
// and for the idempotency property (P4) tests assert on.
type Hash struct {
	Algorithm string
	Digest    [32]byte
}
