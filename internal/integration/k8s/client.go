// Package k8s implements the cluster-facing collaborators on client-go: the
// action executor (rollback, restart, scale), deployment revision metadata,
// the rollout waiter, pod log and cluster event ingestion, and the event
// stream that picks out likely incident triggers.
package k8s

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/kubilitics/kubilitics-responder/pkg/types"
)

const (
	revisionAnnotation    = "deployment.kubernetes.io/revision"
	restartedAtAnnotation = "kubectl.kubernetes.io/restartedAt"
	podTemplateHashLabel  = "pod-template-hash"
)

// Config configures the cluster client.
type Config struct {
	Kubeconfig string
	Context    string
	InCluster  bool

	// QPS and Burst bound outbound API calls. Zero QPS means no limit.
	QPS   float64
	Burst int

	LogTailLines        int64
	MaxLogPods          int
	RolloutPollInterval time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		QPS:                 20,
		Burst:               40,
		LogTailLines:        500,
		MaxLogPods:          5,
		RolloutPollInterval: 2 * time.Second,
	}
}

// Client wraps a clientset and implements the cluster collaborators.
type Client struct {
	clientset kubernetes.Interface
	cfg       Config
	limiter   *rate.Limiter
	logger    *zap.Logger
	now       func() time.Time
}

// NewClient builds a client from in-cluster config or a kubeconfig file.
func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	restCfg, err := restConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to build config: %w", err)
	}
	clientset, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create clientset: %w", err)
	}
	return NewForClientset(clientset, cfg, logger), nil
}

// NewForClientset wraps an existing clientset, e.g. a fake one in tests.
func NewForClientset(clientset kubernetes.Interface, cfg Config, logger *zap.Logger) *Client {
	def := DefaultConfig()
	if cfg.LogTailLines <= 0 {
		cfg.LogTailLines = def.LogTailLines
	}
	if cfg.MaxLogPods <= 0 {
		cfg.MaxLogPods = def.MaxLogPods
	}
	if cfg.RolloutPollInterval <= 0 {
		cfg.RolloutPollInterval = def.RolloutPollInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{clientset: clientset, cfg: cfg, logger: logger, now: time.Now}
	if cfg.QPS > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.QPS), burst)
	}
	return c
}

func restConfig(cfg Config) (*rest.Config, error) {
	if cfg.InCluster {
		return rest.InClusterConfig()
	}
	path := cfg.Kubeconfig
	if path == "" {
		if c, err := rest.InClusterConfig(); err == nil {
			return c, nil
		}
		if home, _ := os.UserHomeDir(); home != "" {
			path = filepath.Join(home, ".kube", "config")
		}
	}
	return clientcmd.NewNonInteractiveDeferredLoadingClientConfig(
		&clientcmd.ClientConfigLoadingRules{ExplicitPath: path},
		&clientcmd.ConfigOverrides{CurrentContext: cfg.Context},
	).ClientConfig()
}

// throttle waits for the rate limiter.
func (c *Client) throttle(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Wait(ctx)
}

func checkKind(target types.TargetRef) error {
	if target.Kind != "" && target.Kind != "Deployment" {
		return fmt.Errorf("unsupported workload kind %q for %s", target.Kind, target.Key())
	}
	return nil
}
