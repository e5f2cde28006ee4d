package k8s

import (
	"context"
	"fmt"
	"strings"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/validation"

	"github.com/grok-ai/BeER/internal/models"
)

const (
	// SSHKeySecretPrefix prefixes the per-user credential secret name.
	SSHKeySecretPrefix = "beer-ssh-key-"
	// AuthorizedKeysField is the secret data key holding the public key.
	AuthorizedKeysField = "authorized_keys"
)

// SSHKeySecretName derives the credential secret name of userID.
func SSHKeySecretName(userID string) string {
	return SSHKeySecretPrefix + userID
}

// ValidateUserID rejects ids the orchestrator cannot carry verbatim: every user id ends up in a
// secret name, a label value and a host path segment.
func ValidateUserID(userID string) error {
	if userID == "" {
		return fmt.Errorf("user id is required")
	}
	var problems []string
	problems = append(problems, validation.IsDNS1123Subdomain(SSHKeySecretName(userID))...)
	problems = append(problems, validation.IsValidLabelValue(userID)...)
	if len(problems) > 0 {
		return fmt.Errorf("user id %q is not usable in secret names and labels: %s", userID, strings.Join(problems, "; "))
	}
	return nil
}

// RemoveSecret deletes the named secret. A missing secret is not an error. When a pending or
// running job still mounts the secret, nothing is deleted and the error wraps ErrSecretInUse.
func (c *Client) RemoveSecret(ctx context.Context, name string) error {
	pods, err := c.listJobPods(ctx, "remove secret", metav1.ListOptions{LabelSelector: models.LabelUserID})
	if err != nil {
		return err
	}
	for i := range pods {
		if podIsLive(&pods[i]) && podMountsSecret(&pods[i], name) {
			return &OrchestratorError{Op: "remove secret", Err: fmt.Errorf("%s used by pod %s: %w", name, pods[i].Name, ErrSecretInUse)}
		}
	}

	err = c.call(ctx, "remove secret", func(ctx context.Context) error {
		return c.Clientset.CoreV1().Secrets(c.Namespace).Delete(ctx, name, metav1.DeleteOptions{})
	})
	if err != nil && IsNotFound(err) {
		return nil
	}
	return err
}

// CreateSecret stores authorizedKeys under name and returns the name the API server reports
// for the created object.
func (c *Client) CreateSecret(ctx context.Context, name, userID, authorizedKeys string) (string, error) {
	secret := &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: c.Namespace,
			Labels:    map[string]string{models.LabelUserID: userID},
		},
		Type:       corev1.SecretTypeOpaque,
		StringData: map[string]string{AuthorizedKeysField: authorizedKeys},
	}
	var created *corev1.Secret
	err := c.call(ctx, "create secret", func(ctx context.Context) error {
		var err error
		created, err = c.Clientset.CoreV1().Secrets(c.Namespace).Create(ctx, secret, metav1.CreateOptions{})
		return err
	})
	if err != nil {
		return "", err
	}
	return created.Name, nil
}

// SecretExists reports whether the named secret is present.
func (c *Client) SecretExists(ctx context.Context, name string) (bool, error) {
	err := c.call(ctx, "get secret", func(ctx context.Context) error {
		_, err := c.Clientset.CoreV1().Secrets(c.Namespace).Get(ctx, name, metav1.GetOptions{})
		return err
	})
	if err != nil {
		if IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func podIsLive(pod *corev1.Pod) bool {
	return pod.Status.Phase == corev1.PodPending || pod.Status.Phase == corev1.PodRunning || pod.Status.Phase == ""
}

func podMountsSecret(pod *corev1.Pod, name string) bool {
	for _, v := range pod.Spec.Volumes {
		if v.Secret != nil && v.Secret.SecretName == name {
			return true
		}
	}
	return false
}
