// Package k8s checks backend readiness through the cluster API.
package k8s

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	appsv1 "k8s.io/api/apps/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/util/homedir"
)

// Client is a wrapper around the Kubernetes clientset scoped to the backend namespace.
type Client struct {
	Clientset kubernetes.Interface
	Namespace string
	// Deployments to check. Empty means every deployment in Namespace.
	Deployments []string
}

// NewClient creates a client from kubeconfig, falling back to the in-cluster
// configuration and then to ~/.kube/config.
func NewClient(kubeconfig, namespace string, deployments []string) (*Client, error) {
	config, err := loadConfig(kubeconfig)
	if err != nil {
		return nil, err
	}

	clientset, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create k8s client: %w", err)
	}

	return &Client{
		Clientset:   clientset,
		Namespace:   namespace,
		Deployments: deployments,
	}, nil
}

func loadConfig(kubeconfig string) (*rest.Config, error) {
	if kubeconfig == "" {
		if cfg, err := rest.InClusterConfig(); err == nil {
			return cfg, nil
		}
		kubeconfig = os.Getenv("KUBECONFIG")
		if kubeconfig == "" {
			if home := homedir.HomeDir(); home != "" {
				kubeconfig = filepath.Join(home, ".kube", "config")
			}
		}
	}

	if _, err := os.Stat(kubeconfig); os.IsNotExist(err) {
		return nil, fmt.Errorf("kubeconfig not found at %s", kubeconfig)
	}

	cfg, err := clientcmd.BuildConfigFromFlags("", kubeconfig)
	if err != nil {
		return nil, fmt.Errorf("failed to load kubeconfig: %w", err)
	}
	return cfg, nil
}

// CheckHealthy reports true once every watched deployment has all of its
// desired replicas ready. API errors are returned so the waiter can log them.
func (c *Client) CheckHealthy(ctx context.Context) (bool, error) {
	deployments, err := c.listDeployments(ctx)
	if err != nil {
		return false, err
	}
	if len(deployments) == 0 {
		slog.Debug("No deployments found", "namespace", c.Namespace)
		return false, nil
	}

	for _, d := range deployments {
		if !deploymentReady(&d) {
			slog.Debug("Deployment not ready", "namespace", c.Namespace, "deployment", d.Name,
				"ready", d.Status.ReadyReplicas, "desired", desiredReplicas(&d))
			return false, nil
		}
	}
	return true, nil
}

func (c *Client) listDeployments(ctx context.Context) ([]appsv1.Deployment, error) {
	api := c.Clientset.AppsV1().Deployments(c.Namespace)

	if len(c.Deployments) == 0 {
		list, err := api.List(ctx, metav1.ListOptions{})
		if err != nil {
			return nil, fmt.Errorf("failed to list deployments in %s: %w", c.Namespace, err)
		}
		return list.Items, nil
	}

	out := make([]appsv1.Deployment, 0, len(c.Deployments))
	for _, name := range c.Deployments {
		d, err := api.Get(ctx, name, metav1.GetOptions{})
		if err != nil {
			return nil, fmt.Errorf("failed to get deployment %s/%s: %w", c.Namespace, name, err)
		}
		out = append(out, *d)
	}
	return out, nil
}

func desiredReplicas(d *appsv1.Deployment) int32 {
	if d.Spec.Replicas == nil {
		return 1
	}
	return *d.Spec.Replicas
}

func deploymentReady(d *appsv1.Deployment) bool {
	if d.Status.ObservedGeneration < d.Generation {
		return false
	}
	desired := desiredReplicas(d)
	return d.Status.ReadyReplicas >= desired && d.Status.UpdatedReplicas >= desired
}
