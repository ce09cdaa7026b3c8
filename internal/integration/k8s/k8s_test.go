package k8s_test

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/kubilitics/kubilitics-responder/internal/integration/k8s"
	"github.com/kubilitics/kubilitics-responder/pkg/contracts"
	rtypes "github.com/kubilitics/kubilitics-responder/pkg/types"
)

var target = rtypes.TargetRef{Namespace: "checkout", Kind: "Deployment", Name: "checkout-api"}

func int32Ptr(n int32) *int32 { return &n }

func deployment(revision int64, replicas int32) *appsv1.Deployment {
	return &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name: "checkout-api", Namespace: "checkout", UID: types.UID("dep-uid"),
			Annotations: map[string]string{"deployment.kubernetes.io/revision": strconv.FormatInt(revision, 10)},
		},
		Spec: appsv1.DeploymentSpec{
			Replicas: int32Ptr(replicas),
			Selector: &metav1.LabelSelector{MatchLabels: map[string]string{"app": "checkout-api"}},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: map[string]string{"app": "checkout-api"}},
				Spec:       corev1.PodSpec{Containers: []corev1.Container{{Name: "api", Image: "checkout:v" + strconv.FormatInt(revision, 10)}}},
			},
		},
	}
}

func replicaSet(revision int64, created time.Time) *appsv1.ReplicaSet {
	rev := strconv.FormatInt(revision, 10)
	isController := true
	return &appsv1.ReplicaSet{
		ObjectMeta: metav1.ObjectMeta{
			Name: "checkout-api-" + rev, Namespace: "checkout",
			Labels:            map[string]string{"app": "checkout-api", "pod-template-hash": "h" + rev},
			Annotations:       map[string]string{"deployment.kubernetes.io/revision": rev},
			CreationTimestamp: metav1.NewTime(created),
			OwnerReferences: []metav1.OwnerReference{{
				APIVersion: "apps/v1", Kind: "Deployment", Name: "checkout-api",
				UID: types.UID("dep-uid"), Controller: &isController,
			}},
		},
		Spec: appsv1.ReplicaSetSpec{
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: map[string]string{"app": "checkout-api", "pod-template-hash": "h" + rev}},
				Spec:       corev1.PodSpec{Containers: []corev1.Container{{Name: "api", Image: "checkout:v" + rev}}},
			},
		},
	}
}

func newClient(t *testing.T) (*k8s.Client, *fake.Clientset) {
	t.Helper()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cs := fake.NewSimpleClientset(
		deployment(3, 2),
		replicaSet(1, base),
		replicaSet(2, base.Add(time.Hour)),
		replicaSet(3, base.Add(2*time.Hour)),
	)
	return k8s.NewForClientset(cs, k8s.Config{RolloutPollInterval: 10 * time.Millisecond}, nil), cs
}

func getDeployment(t *testing.T, cs *fake.Clientset) *appsv1.Deployment {
	t.Helper()
	dep, err := cs.AppsV1().Deployments("checkout").Get(context.Background(), "checkout-api", metav1.GetOptions{})
	require.NoError(t, err)
	return dep
}

// ─── Executor ─────────────────────────────────────────────────────────────────

func TestExecute_RollbackToPreviousRevision(t *testing.T) {
	c, cs := newClient(t)

	res, err := c.Execute(context.Background(), rtypes.ActionRequest{Target: target, Params: rtypes.RollbackParams{}})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Contains(t, res.Message, "from revision 3 to revision 2")

	dep := getDeployment(t, cs)
	assert.Equal(t, "checkout:v2", dep.Spec.Template.Spec.Containers[0].Image)
	assert.NotContains(t, dep.Spec.Template.Labels, "pod-template-hash")
}

func TestExecute_RollbackToExplicitRevision(t *testing.T) {
	c, cs := newClient(t)

	_, err := c.Execute(context.Background(), rtypes.ActionRequest{Target: target, Params: rtypes.RollbackParams{ToRevision: 1}})
	require.NoError(t, err)
	assert.Equal(t, "checkout:v1", getDeployment(t, cs).Spec.Template.Spec.Containers[0].Image)

	_, err = c.Execute(context.Background(), rtypes.ActionRequest{Target: target, Params: rtypes.RollbackParams{ToRevision: 9}})
	assert.ErrorContains(t, err, "revision 9")
}

func TestExecute_RollbackWithoutHistory(t *testing.T) {
	cs := fake.NewSimpleClientset(deployment(1, 1), replicaSet(1, time.Now()))
	c := k8s.NewForClientset(cs, k8s.Config{}, nil)

	_, err := c.Execute(context.Background(), rtypes.ActionRequest{Target: target, Params: rtypes.RollbackParams{}})
	assert.ErrorContains(t, err, "no previous revision")
}

func TestExecute_Restart(t *testing.T) {
	c, cs := newClient(t)

	res, err := c.Execute(context.Background(), rtypes.ActionRequest{Target: target, Params: rtypes.RestartParams{}})
	require.NoError(t, err)
	assert.Equal(t, "restarted checkout/Deployment/checkout-api", res.Message)
	assert.NotEmpty(t, getDeployment(t, cs).Spec.Template.Annotations["kubectl.kubernetes.io/restartedAt"])
}

func TestExecute_Scale(t *testing.T) {
	tests := []struct {
		name   string
		params rtypes.ScaleParams
		want   int32
	}{
		{"delta", rtypes.ScaleParams{Delta: 1}, 3},
		{"absolute", rtypes.ScaleParams{Replicas: 5}, 5},
		{"never below one", rtypes.ScaleParams{Delta: -4}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, cs := newClient(t)
			_, err := c.Execute(context.Background(), rtypes.ActionRequest{Target: target, Params: tt.params})
			require.NoError(t, err)
			assert.Equal(t, tt.want, *getDeployment(t, cs).Spec.Replicas)
		})
	}
}

func TestExecute_RejectsCodeFixAndOtherKinds(t *testing.T) {
	c, _ := newClient(t)

	_, err := c.Execute(context.Background(), rtypes.ActionRequest{Target: target, Params: rtypes.CodeFixParams{}})
	assert.Error(t, err)

	sts := target
	sts.Kind = "StatefulSet"
	_, err = c.Execute(context.Background(), rtypes.ActionRequest{Target: sts, Params: rtypes.RestartParams{}})
	assert.ErrorContains(t, err, "unsupported workload kind")
}

func TestExecute_MissingDeployment(t *testing.T) {
	c := k8s.NewForClientset(fake.NewSimpleClientset(), k8s.Config{}, nil)
	_, err := c.Execute(context.Background(), rtypes.ActionRequest{Target: target, Params: rtypes.RestartParams{}})
	assert.ErrorContains(t, err, "get deployment checkout/Deployment/checkout-api")
}

// ─── Revisions and rollout ────────────────────────────────────────────────────

func TestRevisions(t *testing.T) {
	c, _ := newClient(t)

	revs, err := c.Revisions(context.Background(), target)
	require.NoError(t, err)
	require.Len(t, revs, 3)
	assert.Equal(t, int64(1), revs[0].Number)
	assert.Equal(t, int64(3), revs[2].Number)
	assert.True(t, revs[2].Current)
	assert.False(t, revs[1].Current)
	assert.True(t, revs[1].CreatedAt.Before(revs[2].CreatedAt))
}

func TestWaitForRollout_Complete(t *testing.T) {
	dep := deployment(3, 2)
	dep.Status = appsv1.DeploymentStatus{Replicas: 2, UpdatedReplicas: 2, AvailableReplicas: 2}
	c := k8s.NewForClientset(fake.NewSimpleClientset(dep), k8s.Config{RolloutPollInterval: 10 * time.Millisecond}, nil)

	assert.NoError(t, c.WaitForRollout(context.Background(), target, time.Second))
}

func TestWaitForRollout_TimesOut(t *testing.T) {
	dep := deployment(3, 2)
	dep.Status = appsv1.DeploymentStatus{Replicas: 3, UpdatedReplicas: 1, AvailableReplicas: 2}
	c := k8s.NewForClientset(fake.NewSimpleClientset(dep), k8s.Config{RolloutPollInterval: 10 * time.Millisecond}, nil)

	err := c.WaitForRollout(context.Background(), target, 50*time.Millisecond)
	assert.ErrorContains(t, err, "rollout of checkout/Deployment/checkout-api not complete")
}

// ─── Logs and events ──────────────────────────────────────────────────────────

func TestFetchLogs(t *testing.T) {
	pod := func(name, app string) *corev1.Pod {
		return &corev1.Pod{ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: "checkout", Labels: map[string]string{"app": app}}}
	}
	cs := fake.NewSimpleClientset(deployment(1, 2), pod("checkout-api-a", "checkout-api"),
		pod("checkout-api-b", "checkout-api"), pod("payments-x", "payments"))
	c := k8s.NewForClientset(cs, k8s.Config{}, nil)

	lines, err := c.FetchLogs(context.Background(), target, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	// The fake clientset serves one line per pod.
	assert.Len(t, lines, 2)
}

func TestFetchLogs_NoPods(t *testing.T) {
	c := k8s.NewForClientset(fake.NewSimpleClientset(deployment(1, 1)), k8s.Config{}, nil)
	lines, err := c.FetchLogs(context.Background(), target, time.Time{})
	require.NoError(t, err)
	assert.Empty(t, lines)
}

func TestFetchEvents(t *testing.T) {
	now := time.Now()
	event := func(name, object, reason string, at time.Time) *corev1.Event {
		return &corev1.Event{
			ObjectMeta:     metav1.ObjectMeta{Name: name, Namespace: "checkout"},
			InvolvedObject: corev1.ObjectReference{Kind: "Pod", Name: object},
			Type:           corev1.EventTypeWarning,
			Reason:         reason,
			Message:        reason + " on " + object,
			Count:          2,
			LastTimestamp:  metav1.NewTime(at),
		}
	}
	cs := fake.NewSimpleClientset(
		event("e1", "checkout-api-7d9-x1", "OOMKilling", now.Add(-time.Minute)),
		event("e2", "checkout-api-7d9-x2", "BackOff", now.Add(-time.Hour)),
		event("e3", "payments-1", "OOMKilling", now.Add(-time.Minute)),
	)
	c := k8s.NewForClientset(cs, k8s.Config{}, nil)

	raw, err := c.FetchEvents(context.Background(), target, now.Add(-10*time.Minute))
	require.NoError(t, err)
	require.Len(t, raw, 1)
	assert.Equal(t, "OOMKilling", raw[0].Reason)
	assert.Equal(t, "Pod/checkout-api-7d9-x1", raw[0].Object)
	assert.Equal(t, int32(2), raw[0].Count)
}

func TestEventStream(t *testing.T) {
	now := time.Now()
	raw := []contracts.RawEvent{
		{Type: "Normal", Reason: "ScalingReplicaSet", Object: "Deployment/checkout-api", Timestamp: now},
		{Type: "Warning", Reason: "OOMKilling", Object: "Pod/checkout-api-1", Timestamp: now.Add(-time.Minute)},
		{Type: "Warning", Reason: "Unhealthy", Object: "Pod/checkout-api-1", Timestamp: now.Add(-2 * time.Minute)},
		{Type: "Warning", Reason: "Evicted", Object: "Pod/checkout-api-2", Timestamp: now.Add(-time.Hour)},
	}
	var s k8s.EventStream

	events := s.ParseEvents(raw)
	require.Len(t, events, 4)
	assert.Equal(t, "Evicted", events[0].Reason)
	assert.False(t, events[3].Warning)
	assert.True(t, events[2].Warning)

	triggers := s.FindTriggers(events, now.Add(-5*time.Minute))
	require.Len(t, triggers, 2)
	assert.Equal(t, "OOMKilling", triggers[0].Reason)
	assert.Equal(t, "ScalingReplicaSet", triggers[1].Reason)
}
