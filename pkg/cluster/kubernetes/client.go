package kubernetes

import (
	"context"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/clientcmd"
)

// Client is a kubernetes client abstraction for inspecting a provisioned cluster.
type Client interface {
	ListNodes(ctx context.Context) ([]corev1.Node, error)
	ListPods(ctx context.Context, namespace string) ([]corev1.Pod, error)
}

// New returns a new Client for the k3s cluster using the given kubeconfig bytes
func New(cfg []byte) (Client, error) {
	config, err := clientcmd.RESTConfigFromKubeConfig(cfg)
	if err != nil {
		return nil, err
	}
	clientset, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, err
	}
	return &client{clientset}, nil
}

// NewForClientset wraps an existing clientset. It is used with fake clientsets
// in tests.
func NewForClientset(clientset kubernetes.Interface) Client {
	return &client{clientset}
}

type client struct {
	clientset kubernetes.Interface
}

func (c *client) ListNodes(ctx context.Context) ([]corev1.Node, error) {
	nodeList, err := c.clientset.
		CoreV1().
		Nodes().
		List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, err
	}
	return nodeList.Items, nil
}

func (c *client) ListPods(ctx context.Context, namespace string) ([]corev1.Pod, error) {
	podList, err := c.clientset.
		CoreV1().
		Pods(namespace).
		List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, err
	}
	return podList.Items, nil
}

// NodeReady returns true if the node reports the Ready condition.
func NodeReady(node *corev1.Node) bool {
	for _, cond := range node.Status.Conditions {
		if cond.Type == corev1.NodeReady {
			return cond.Status == corev1.ConditionTrue
		}
	}
	return false
}

// InternalIP returns the node's internal address, or an empty string.
func InternalIP(node *corev1.Node) string {
	for _, addr := range node.Status.Addresses {
		if addr.Type == corev1.NodeInternalIP {
			return addr.Address
		}
	}
	return ""
}
