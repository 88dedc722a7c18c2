package tracker

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"

	"golang.org/x/crypto/ssh"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/dynamic"
)

// CleanupHandler releases whatever external resources a Record's
// resource_ids reference. A handler returning an error leaves the record in
// Terminating so the reaper can retry (spec.md §4.5).
type CleanupHandler func(ctx context.Context, rec Record) error

// HandlerTable dispatches by DeploymentType (spec.md §4.5's table).
type HandlerTable map[DeploymentType]CleanupHandler

// CloudAdapter is the cleanup-only surface for remote cloud providers. No
// provisioning path exists here by design: this core never creates cloud
// resources, only tears down what an operator already stood up out of band
// (see DESIGN.md Open Question decisions).
type CloudAdapter interface {
	TerminateInstance(ctx context.Context, resourceIDs map[string]string) error
	DeleteCluster(ctx context.Context, resourceIDs map[string]string) error
}

// NoopCloudAdapter logs and succeeds without contacting any provider. It is
// the only CloudAdapter implementation shipped, since none of this pack's
// cloud SDKs are wired to a real account; operators who need real
// terminate/delete calls provide their own CloudAdapter.
type NoopCloudAdapter struct {
	Logger *slog.Logger
	Name   string
}

func (a NoopCloudAdapter) TerminateInstance(ctx context.Context, resourceIDs map[string]string) error {
	a.Logger.Warn("cloud adapter: terminate_instance is a no-op", "provider", a.Name, "resource_ids", resourceIDs)
	return nil
}

func (a NoopCloudAdapter) DeleteCluster(ctx context.Context, resourceIDs map[string]string) error {
	a.Logger.Warn("cloud adapter: delete_cluster is a no-op", "provider", a.Name, "resource_ids", resourceIDs)
	return nil
}

// DefaultHandlers builds the spec.md §4.5 handler table. dynClient may be
// nil when no kubeconfig is configured; LocalKubernetes cleanups then fail
// until one is supplied, leaving affected records in Terminating to retry.
func DefaultHandlers(logger *slog.Logger, dockerBin string, dynClient dynamic.Interface, adapters map[DeploymentType]CloudAdapter) HandlerTable {
	if dockerBin == "" {
		dockerBin = "docker"
	}
	return HandlerTable{
		TypeLocalDocker: func(ctx context.Context, rec Record) error {
			id, ok := rec.ResourceIDs["container_id"]
			if !ok {
				return fmt.Errorf("tracker: record %s missing container_id", rec.ID)
			}
			cmd := exec.CommandContext(ctx, dockerBin, "rm", "-f", id)
			var stderr bytes.Buffer
			cmd.Stderr = &stderr
			if err := cmd.Run(); err != nil {
				return fmt.Errorf("docker rm -f %s: %w: %s", id, err, stderr.String())
			}
			return nil
		},
		TypeLocalKubernetes: func(ctx context.Context, rec Record) error {
			if dynClient == nil {
				return fmt.Errorf("tracker: no kubernetes client configured")
			}
			return deleteKubernetesResources(ctx, dynClient, rec.ResourceIDs)
		},
		TypeLocalHypervisor: func(ctx context.Context, rec Record) error {
			return cleanupHypervisor(ctx, rec.ResourceIDs, logger)
		},
		TypeSSHRemote: func(ctx context.Context, rec Record) error {
			return sshCleanup(ctx, rec.Metadata, rec.ResourceIDs)
		},
		TypeAWSEC2: cloudTerminate(adapters, TypeAWSEC2),
		TypeGCPGCE: cloudTerminate(adapters, TypeGCPGCE),
		TypeAzureVM: cloudTerminate(adapters, TypeAzureVM),
		TypeAWSEKS: cloudDeleteCluster(adapters, TypeAWSEKS),
		TypeGCPGKE: cloudDeleteCluster(adapters, TypeGCPGKE),
		TypeAzureAKS: cloudDeleteCluster(adapters, TypeAzureAKS),
		TypeBareMetal: func(ctx context.Context, rec Record) error {
			logger.Info("tracker: bare_metal cleanup is a no-op by design", "record", rec.ID)
			return nil
		},
	}
}

func cloudTerminate(adapters map[DeploymentType]CloudAdapter, t DeploymentType) CleanupHandler {
	return func(ctx context.Context, rec Record) error {
		a, ok := adapters[t]
		if !ok {
			return fmt.Errorf("tracker: no cloud adapter configured for %s", t)
		}
		return a.TerminateInstance(ctx, rec.ResourceIDs)
	}
}

func cloudDeleteCluster(adapters map[DeploymentType]CloudAdapter, t DeploymentType) CleanupHandler {
	return func(ctx context.Context, rec Record) error {
		a, ok := adapters[t]
		if !ok {
			return fmt.Errorf("tracker: no cloud adapter configured for %s", t)
		}
		return a.DeleteCluster(ctx, rec.ResourceIDs)
	}
}

// deleteKubernetesResources deletes every "group/version/kind/namespace/name"
// entry found in resourceIDs, grounded on client-go's dynamic client being
// the pack's established way (jordigilh-kubernaut) of deleting arbitrary
// namespaced resources without a typed clientset per kind.
func deleteKubernetesResources(ctx context.Context, dyn dynamic.Interface, resourceIDs map[string]string) error {
	for key, value := range resourceIDs {
		if !strings.HasPrefix(key, "k8s:") {
			continue
		}
		gvrPath := strings.TrimPrefix(key, "k8s:")
		parts := strings.Split(gvrPath, "/")
		if len(parts) != 3 {
			return fmt.Errorf("tracker: malformed kubernetes resource key %q", key)
		}
		gvr := schema.GroupVersionResource{Group: parts[0], Version: parts[1], Resource: parts[2]}
		namespace, name, ok := strings.Cut(value, "/")
		if !ok {
			return fmt.Errorf("tracker: malformed kubernetes resource value %q for %q", value, key)
		}
		if err := dyn.Resource(gvr).Namespace(namespace).Delete(ctx, name, metav1.DeleteOptions{}); err != nil {
			return fmt.Errorf("tracker: delete %s %s/%s: %w", gvr.Resource, namespace, name, err)
		}
	}
	return nil
}

func cleanupHypervisor(ctx context.Context, resourceIDs map[string]string, logger *slog.Logger) error {
	iface, ok := resourceIDs["network_interface"]
	if ok {
		cmd := exec.CommandContext(ctx, "ip", "link", "del", iface)
		var stderr bytes.Buffer
		cmd.Stderr = &stderr
		if err := cmd.Run(); err != nil {
			logger.Warn("tracker: tap teardown failed", "interface", iface, "err", err, "stderr", stderr.String())
		}
		_ = exec.CommandContext(ctx, "nft", "delete", "table", "inet", "bpmgr-"+iface).Run()
	}
	if diskPath, ok := resourceIDs["disk_path"]; ok {
		_ = exec.CommandContext(ctx, "rm", "-f", diskPath).Run()
	}
	if pid, ok := resourceIDs["vm_pid"]; ok {
		_ = exec.CommandContext(ctx, "kill", pid).Run()
	}
	return nil
}

func sshCleanup(ctx context.Context, metadata, resourceIDs map[string]string) error {
	host, ok := metadata["ssh_host"]
	if !ok {
		return fmt.Errorf("tracker: ssh_remote record missing metadata.ssh_host")
	}
	user := metadata["ssh_user"]
	if user == "" {
		user = "root"
	}
	cmdLine := metadata["ssh_cleanup_cmd"]
	if cmdLine == "" {
		cmdLine = "true"
	}

	var auth []ssh.AuthMethod
	if keyPath := metadata["ssh_key_path"]; keyPath != "" {
		keyBytes, err := os.ReadFile(keyPath)
		if err != nil {
			return fmt.Errorf("tracker: read ssh key %s: %w", keyPath, err)
		}
		signer, err := ssh.ParsePrivateKey(keyBytes)
		if err != nil {
			return fmt.Errorf("tracker: parse ssh key %s: %w", keyPath, err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}

	cfg := &ssh.ClientConfig{
		User:            user,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
	}

	client, err := ssh.Dial("tcp", host, cfg)
	if err != nil {
		return fmt.Errorf("tracker: dial ssh %s: %w", host, err)
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("tracker: open ssh session to %s: %w", host, err)
	}
	defer session.Close()

	if err := session.Run(cmdLine); err != nil {
		return fmt.Errorf("tracker: run ssh cleanup on %s: %w", host, err)
	}
	return nil
}
