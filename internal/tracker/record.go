// Package tracker implements the C5 deployment tracker: a file-based,
// single-writer store of DeploymentRecords with a TTL reaper and per-type
// cleanup dispatch (spec.md §4.5).
package tracker

import (
	"time"

	"github.com/Bidon15/blueprint-manager/internal/ids"
)

// DeploymentType selects which cleanup handler reap_expired and cleanup
// dispatch to (spec.md §4.5's handler table).
type DeploymentType string

const (
	TypeLocalDocker     DeploymentType = "local_docker"
	TypeLocalKubernetes DeploymentType = "local_kubernetes"
	TypeLocalHypervisor DeploymentType = "local_hypervisor"
	TypeSSHRemote       DeploymentType = "ssh_remote"
	TypeAWSEC2          DeploymentType = "aws_ec2"
	TypeGCPGCE          DeploymentType = "gcp_gce"
	TypeAzureVM         DeploymentType = "azure_vm"
	TypeAWSEKS          DeploymentType = "aws_eks"
	TypeGCPGKE          DeploymentType = "gcp_gke"
	TypeAzureAKS        DeploymentType = "azure_aks"
	TypeBareMetal       DeploymentType = "bare_metal"
)

// Status is the DeploymentRecord lifecycle status.
type Status string

const (
	StatusActive      Status = "active"
	StatusPending     Status = "pending"
	StatusTerminating Status = "terminating"
	StatusFailed      Status = "failed"
	StatusUnknown     Status = "unknown"
)

// Record is the persisted, one-per-live-instance deployment record
// (spec.md §3 DeploymentRecord).
type Record struct {
	ID             string            `json:"id"` // "dep-"<ulid>
	BlueprintID    ids.BlueprintID   `json:"blueprint_id"`
	ServiceID      ids.ServiceID     `json:"service_id"`
	DeploymentType DeploymentType    `json:"deployment_type"`
	Provider       string            `json:"provider,omitempty"`
	Region         string            `json:"region,omitempty"`
	ResourceSpec   string            `json:"resource_spec,omitempty"`
	ResourceIDs    map[string]string `json:"resource_ids"`
	DeployedAt     time.Time         `json:"deployed_at"`
	TTLSeconds     *int64            `json:"ttl_seconds,omitempty"`
	ExpiresAt      *time.Time        `json:"expires_at,omitempty"`
	Status         Status            `json:"status"`
	Metadata       map[string]string `json:"metadata"`

	// RetryCount and NextRetryAt back the cleanup handler's exponential
	// backoff after a failed reap attempt.
	RetryCount int       `json:"retry_count"`
	NextRetryAt time.Time `json:"next_retry_at,omitempty"`

	// failedSince is not set or read anywhere; the reaper moves a record
	// to Failed once RetryCount reaches maxRetries (reaper.go).
	failedSince time.Time
}

// Key returns the record's (blueprint_id, service_id) primary key.
func (r Record) Key() ids.InstanceKey {
	return ids.InstanceKey{BlueprintID: r.BlueprintID, ServiceID: r.ServiceID}
}

// computeExpiry fills ExpiresAt from DeployedAt+TTLSeconds, per the
// invariant in spec.md §3.
func (r *Record) computeExpiry() {
	if r.TTLSeconds == nil {
		return
	}
	t := r.DeployedAt.Add(time.Duration(*r.TTLSeconds) * time.Second)
	r.ExpiresAt = &t
}

// expired reports whether the record's TTL has elapsed as of now.
func (r Record) expired(now time.Time) bool {
	return r.ExpiresAt != nil && !r.ExpiresAt.After(now)
}
