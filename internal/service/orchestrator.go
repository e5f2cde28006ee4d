package service

import (
	"context"

	corev1 "k8s.io/api/core/v1"

	"github.com/grok-ai/BeER/internal/k8s"
)

// Orchestrator is the slice of the Kubernetes client the services depend on.
type Orchestrator interface {
	RemoveSecret(ctx context.Context, name string) error
	CreateSecret(ctx context.Context, name, userID, authorizedKeys string) (string, error)
	SecretExists(ctx context.Context, name string) (bool, error)

	CreatePod(ctx context.Context, pod *corev1.Pod) (*corev1.Pod, error)
	CreateService(ctx context.Context, svc *corev1.Service) (*corev1.Service, error)
	ListPodsByOwner(ctx context.Context, userID string) ([]corev1.Pod, error)
	ListServicesByOwner(ctx context.Context, userID string) ([]corev1.Service, error)

	ListWorkerNodes(ctx context.Context) ([]corev1.Node, error)
	GetNode(ctx context.Context, name string) (*corev1.Node, error)
}

var _ Orchestrator = (*k8s.Client)(nil)
