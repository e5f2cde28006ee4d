package k8s

import (
	"context"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"

	"github.com/grok-ai/BeER/internal/models"
)

// CreatePod submits a job pod into the manager namespace.
func (c *Client) CreatePod(ctx context.Context, pod *corev1.Pod) (*corev1.Pod, error) {
	var created *corev1.Pod
	err := c.call(ctx, "create pod", func(ctx context.Context) error {
		var err error
		created, err = c.Clientset.CoreV1().Pods(c.Namespace).Create(ctx, pod, metav1.CreateOptions{})
		return err
	})
	return created, err
}

// CreateService submits the service exposing a job pod.
func (c *Client) CreateService(ctx context.Context, svc *corev1.Service) (*corev1.Service, error) {
	var created *corev1.Service
	err := c.call(ctx, "create service", func(ctx context.Context) error {
		var err error
		created, err = c.Clientset.CoreV1().Services(c.Namespace).Create(ctx, svc, metav1.CreateOptions{})
		return err
	})
	return created, err
}

// ListPodsByOwner returns the job pods labelled with userID.
func (c *Client) ListPodsByOwner(ctx context.Context, userID string) ([]corev1.Pod, error) {
	return c.listJobPods(ctx, "list pods", metav1.ListOptions{LabelSelector: ownerSelector(userID)})
}

// ListServicesByOwner returns the job services labelled with userID.
func (c *Client) ListServicesByOwner(ctx context.Context, userID string) ([]corev1.Service, error) {
	var list *corev1.ServiceList
	err := c.call(ctx, "list services", func(ctx context.Context) error {
		var err error
		list, err = c.Clientset.CoreV1().Services(c.Namespace).List(ctx, metav1.ListOptions{LabelSelector: ownerSelector(userID)})
		return err
	})
	if err != nil {
		return nil, err
	}
	return list.Items, nil
}

func (c *Client) listJobPods(ctx context.Context, op string, opts metav1.ListOptions) ([]corev1.Pod, error) {
	var list *corev1.PodList
	err := c.call(ctx, op, func(ctx context.Context) error {
		var err error
		list, err = c.Clientset.CoreV1().Pods(c.Namespace).List(ctx, opts)
		return err
	})
	if err != nil {
		return nil, err
	}
	return list.Items, nil
}

func ownerSelector(userID string) string {
	return labels.SelectorFromSet(labels.Set{models.LabelUserID: userID}).String()
}
