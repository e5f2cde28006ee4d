package service

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/grok-ai/BeER/internal/k8s"
	"github.com/grok-ai/BeER/internal/models"
	"github.com/grok-ai/BeER/internal/repository"
)

const testNamespace = "beer-test"

type fixture struct {
	repo      *repository.MemoryRepository
	clientset *fake.Clientset
	orch      *k8s.Client
	now       time.Time
}

func newFixture(t *testing.T, objects ...runtime.Object) *fixture {
	t.Helper()
	cs := fake.NewSimpleClientset(objects...)
	return &fixture{
		repo:      repository.NewMemoryRepository(),
		clientset: cs,
		orch:      k8s.NewClientForTest(cs, testNamespace),
		now:       time.Date(2026, 3, 9, 16, 4, 59, 0, time.UTC),
	}
}

func (f *fixture) credentials() CredentialService {
	return NewCredentialService(f.repo, f.orch, nil)
}

func (f *fixture) dispatcher() DispatchService {
	return NewDispatchService(f.repo, f.orch, DispatchOptions{Now: func() time.Time { return f.now }}, nil)
}

func (f *fixture) user(t *testing.T, id string, level models.PermissionLevel) *models.User {
	t.Helper()
	u, err := f.repo.RegisterUser(context.Background(), id, level)
	require.NoError(t, err)
	return u
}

func (f *fixture) worker(t *testing.T, hostname string, gpuUUIDs ...string) {
	t.Helper()
	wm := &models.WorkerModel{Hostname: hostname, ExternalIP: "10.0.0.5", VolumesRoot: "/srv/beer"}
	for i, id := range gpuUUIDs {
		wm.GPUs = append(wm.GPUs, models.GPUModel{UUID: id, Name: "A100", Index: i, TotalMemory: 81920})
	}
	_, err := f.repo.RegisterWorker(context.Background(), wm)
	require.NoError(t, err)
}

func (f *fixture) secret(t *testing.T, userID string) *corev1.Secret {
	t.Helper()
	s, err := f.clientset.CoreV1().Secrets(testNamespace).Get(context.Background(), k8s.SSHKeySecretName(userID), metav1.GetOptions{})
	require.NoError(t, err)
	return s
}

func (f *fixture) hasKey(t *testing.T, userID string) bool {
	t.Helper()
	ok, err := f.credentials().HasKey(context.Background(), userID)
	require.NoError(t, err)
	return ok
}

func newAuthorizedKey(t *testing.T) string {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	sshPub, err := ssh.NewPublicKey(pub)
	require.NoError(t, err)
	return strings.TrimSpace(string(ssh.MarshalAuthorizedKey(sshPub)))
}

func readyNode(name string, gpus string, extraLabels map[string]string) *corev1.Node {
	labels := map[string]string{k8s.LabelHostname: name}
	for k, v := range extraLabels {
		labels[k] = v
	}
	node := &corev1.Node{
		ObjectMeta: metav1.ObjectMeta{Name: name, Labels: labels},
		Status: corev1.NodeStatus{
			Conditions: []corev1.NodeCondition{{Type: corev1.NodeReady, Status: corev1.ConditionTrue}},
		},
	}
	if gpus != "" {
		node.Status.Allocatable = corev1.ResourceList{k8s.ResourceNvidiaGPU: resource.MustParse(gpus)}
	}
	return node
}
