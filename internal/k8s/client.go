package k8s

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/time/rate"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// DefaultNamespace is used when no namespace is configured.
const DefaultNamespace = "beer"

// Client wraps client-go with the narrow set of calls the manager needs: secrets, job pods,
// job services and nodes. Every call goes through the same rate limit and timeout.
type Client struct {
	Clientset kubernetes.Interface
	Config    *rest.Config
	Context   string
	// Namespace holds every secret, pod and service the manager creates.
	Namespace string
	// Timeout for outbound K8s API calls; 0 means no timeout (use request context only).
	Timeout time.Duration
	// limiter optionally rate-limits outbound API calls. Nil = no limit.
	limiter *rate.Limiter
}

// NewClient creates a new Kubernetes client. An empty kubeconfigPath tries the in-cluster
// config first and then ~/.kube/config.
func NewClient(kubeconfigPath, context, namespace string) (*Client, error) {
	var config *rest.Config
	var err error

	if kubeconfigPath == "" {
		config, err = rest.InClusterConfig()
		if err != nil {
			homeDir, _ := os.UserHomeDir()
			if homeDir != "" {
				kubeconfigPath = filepath.Join(homeDir, ".kube", "config")
			}
		}
	}

	if config == nil {
		config, err = buildConfigFromFlags(context, kubeconfigPath)
		if err != nil {
			return nil, fmt.Errorf("failed to build config: %w", err)
		}
	}

	clientset, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create clientset: %w", err)
	}

	if namespace == "" {
		namespace = DefaultNamespace
	}
	return &Client{
		Clientset: clientset,
		Config:    config,
		Context:   context,
		Namespace: namespace,
	}, nil
}

// NewClientForTest creates a Client around the given Clientset (usually the client-go fake).
func NewClientForTest(clientset kubernetes.Interface, namespace string) *Client {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return &Client{Clientset: clientset, Namespace: namespace}
}

// SetTimeout sets the timeout for outbound K8s API calls.
func (c *Client) SetTimeout(d time.Duration) {
	c.Timeout = d
}

// SetLimiter sets a token-bucket rate limiter for outbound K8s API calls.
func (c *Client) SetLimiter(l *rate.Limiter) {
	c.limiter = l
}

func (c *Client) waitRateLimit(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Wait(ctx)
}

// withTimeout returns ctx with timeout applied if c.Timeout > 0; otherwise returns ctx and a no-op cancel.
func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.Timeout > 0 {
		return context.WithTimeout(ctx, c.Timeout)
	}
	return ctx, func() {}
}

// call runs fn under the rate limit and timeout and tags any failure with op.
func (c *Client) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if err := c.waitRateLimit(ctx); err != nil {
		return &OrchestratorError{Op: op, Err: err}
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	if err := fn(ctx); err != nil {
		return &OrchestratorError{Op: op, Err: err}
	}
	return nil
}

func buildConfigFromFlags(context, kubeconfigPath string) (*rest.Config, error) {
	return clientcmd.NewNonInteractiveDeferredLoadingClientConfig(
		&clientcmd.ClientConfigLoadingRules{ExplicitPath: kubeconfigPath},
		&clientcmd.ConfigOverrides{
			CurrentContext: context,
		}).ClientConfig()
}
