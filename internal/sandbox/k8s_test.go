package sandbox_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"

	"github.com/cobot-ai/sandbox-gateway/internal/sandbox"
)

func newClient(cs *fake.Clientset) *sandbox.K8sClient {
	return sandbox.NewK8s(cs, nil, sandbox.Config{
		Namespace: "tenants",
		Image:     "cobot-sandbox:test",
		ReadyWait: 5 * time.Second,
	})
}

// markRunningOnCreate makes created pods come up Running with an IP, since
// the fake clientset has no kubelet to do it.
func markRunningOnCreate(cs *fake.Clientset, ip string) {
	cs.PrependReactor("create", "pods", func(action k8stesting.Action) (bool, runtime.Object, error) {
		pod := action.(k8stesting.CreateAction).GetObject().(*corev1.Pod)
		pod.Status.Phase = corev1.PodRunning
		pod.Status.PodIP = ip
		return false, nil, nil
	})
}

func TestEnsure_CreatesPod(t *testing.T) {
	cs := fake.NewSimpleClientset()
	markRunningOnCreate(cs, "10.1.2.3")
	c := newClient(cs)

	sb, err := c.Ensure(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, "tenant-t1", sb.PodName)
	assert.Equal(t, "10.1.2.3", sb.IP)

	pod, err := cs.CoreV1().Pods("tenants").Get(context.Background(), "tenant-t1", metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "cobot-sandbox:test", pod.Spec.Containers[0].Image)
}

func TestEnsure_ReusesExistingPod(t *testing.T) {
	existing := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: "tenant-t1", Namespace: "tenants"},
		Status:     corev1.PodStatus{Phase: corev1.PodRunning, PodIP: "10.9.9.9"},
	}
	cs := fake.NewSimpleClientset(existing)
	c := newClient(cs)

	sb, err := c.Ensure(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, "10.9.9.9", sb.IP)
	for _, action := range cs.Actions() {
		assert.False(t, action.Matches("create", "pods"), "running pod is reused, not replaced")
	}
}

func TestEnsure_ReplacesTerminalPod(t *testing.T) {
	dead := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: "tenant-t1", Namespace: "tenants"},
		Status:     corev1.PodStatus{Phase: corev1.PodFailed},
	}
	cs := fake.NewSimpleClientset(dead)
	markRunningOnCreate(cs, "10.2.3.4")
	c := newClient(cs)

	sb, err := c.Ensure(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, "10.2.3.4", sb.IP)

	var deleted bool
	for _, action := range cs.Actions() {
		if action.Matches("delete", "pods") {
			deleted = true
		}
	}
	assert.True(t, deleted, "a pod that can never run again is replaced, not waited on")
}
