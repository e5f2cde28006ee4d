package k8s

import (
	"context"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

const (
	// LabelControlPlane marks nodes that never host jobs.
	LabelControlPlane = "node-role.kubernetes.io/control-plane"
	// LabelHostname is the well-known node hostname label used for placement.
	LabelHostname = "kubernetes.io/hostname"
	// ResourceNvidiaGPU is the extended resource advertised by the NVIDIA device plugin.
	ResourceNvidiaGPU corev1.ResourceName = "nvidia.com/gpu"
)

// ListWorkerNodes returns every node that is not part of the control plane.
func (c *Client) ListWorkerNodes(ctx context.Context) ([]corev1.Node, error) {
	var list *corev1.NodeList
	err := c.call(ctx, "list nodes", func(ctx context.Context) error {
		var err error
		list, err = c.Clientset.CoreV1().Nodes().List(ctx, metav1.ListOptions{LabelSelector: "!" + LabelControlPlane})
		return err
	})
	if err != nil {
		return nil, err
	}
	return list.Items, nil
}

// GetNode fetches the live state of one node.
func (c *Client) GetNode(ctx context.Context, name string) (*corev1.Node, error) {
	var node *corev1.Node
	err := c.call(ctx, "get node", func(ctx context.Context) error {
		var err error
		node, err = c.Clientset.CoreV1().Nodes().Get(ctx, name, metav1.GetOptions{})
		return err
	})
	return node, err
}

// IsOnline reports whether node is Ready and accepts new pods.
func IsOnline(node *corev1.Node) bool {
	if node.Spec.Unschedulable {
		return false
	}
	for _, cond := range node.Status.Conditions {
		if cond.Type == corev1.NodeReady {
			return cond.Status == corev1.ConditionTrue
		}
	}
	return false
}

// NodeHostname returns the hostname label of node, falling back to its name.
func NodeHostname(node *corev1.Node) string {
	if h := node.Labels[LabelHostname]; h != "" {
		return h
	}
	return node.Name
}

// GPUCapacity returns the allocatable NVIDIA GPU count of node.
func GPUCapacity(node *corev1.Node) int64 {
	if q, ok := node.Status.Allocatable[ResourceNvidiaGPU]; ok {
		return q.Value()
	}
	if q, ok := node.Status.Capacity[ResourceNvidiaGPU]; ok {
		return q.Value()
	}
	return 0
}
