package k8s

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"go.uber.org/zap"
	appsv1 "k8s.io/api/apps/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/kubilitics/kubilitics-responder/pkg/contracts"
	"github.com/kubilitics/kubilitics-responder/pkg/types"
)

var (
	_ contracts.Executor       = (*Client)(nil)
	_ contracts.RevisionSource = (*Client)(nil)
	_ contracts.RolloutWaiter  = (*Client)(nil)
)

// Execute runs an operational action against the target deployment.
func (c *Client) Execute(ctx context.Context, req types.ActionRequest) (*contracts.ExecutionResult, error) {
	if err := checkKind(req.Target); err != nil {
		return nil, err
	}
	var (
		msg string
		err error
	)
	switch p := req.Params.(type) {
	case types.RollbackParams:
		msg, err = c.rollback(ctx, req.Target, p)
	case types.RestartParams:
		msg, err = c.restart(ctx, req.Target)
	case types.ScaleParams:
		msg, err = c.scale(ctx, req.Target, p)
	default:
		return nil, fmt.Errorf("action %s is not executed on the cluster", req.Type())
	}
	if err != nil {
		return nil, err
	}
	c.logger.Info("cluster action executed",
		zap.String("incident_id", req.IncidentID),
		zap.String("action", string(req.Type())),
		zap.String("target", req.Target.Key()),
		zap.String("result", msg),
	)
	return &contracts.ExecutionResult{Success: true, Message: msg, Timestamp: c.now()}, nil
}

// rollback restores the pod template of an earlier ReplicaSet.
func (c *Client) rollback(ctx context.Context, target types.TargetRef, p types.RollbackParams) (string, error) {
	dep, err := c.deployment(ctx, target)
	if err != nil {
		return "", err
	}
	owned, err := c.ownedReplicaSets(ctx, dep)
	if err != nil {
		return "", err
	}
	current := revisionOf(dep.Annotations)

	var to *appsv1.ReplicaSet
	if p.ToRevision > 0 {
		for i := range owned {
			if revisionOf(owned[i].Annotations) == p.ToRevision {
				to = &owned[i]
				break
			}
		}
		if to == nil {
			return "", fmt.Errorf("revision %d of %s not found", p.ToRevision, target.Key())
		}
	} else {
		for i := len(owned) - 1; i >= 0; i-- {
			rev := revisionOf(owned[i].Annotations)
			if current == 0 && i == len(owned)-1 {
				continue
			}
			if current == 0 || rev < current {
				to = &owned[i]
				break
			}
		}
		if to == nil {
			return "", fmt.Errorf("no previous revision of %s to roll back to", target.Key())
		}
	}

	tmpl := to.Spec.Template.DeepCopy()
	delete(tmpl.Labels, podTemplateHashLabel)
	dep.Spec.Template = *tmpl

	if err := c.throttle(ctx); err != nil {
		return "", err
	}
	if _, err := c.clientset.AppsV1().Deployments(target.Namespace).Update(ctx, dep, metav1.UpdateOptions{}); err != nil {
		return "", fmt.Errorf("update deployment %s: %w", target.Key(), err)
	}
	return fmt.Sprintf("rolled back %s from revision %d to revision %d", target.Key(), current, revisionOf(to.Annotations)), nil
}

// restart stamps the pod template so the controller replaces every pod.
func (c *Client) restart(ctx context.Context, target types.TargetRef) (string, error) {
	dep, err := c.deployment(ctx, target)
	if err != nil {
		return "", err
	}
	if dep.Spec.Template.Annotations == nil {
		dep.Spec.Template.Annotations = make(map[string]string)
	}
	dep.Spec.Template.Annotations[restartedAtAnnotation] = c.now().UTC().Format(time.RFC3339)

	if err := c.throttle(ctx); err != nil {
		return "", err
	}
	if _, err := c.clientset.AppsV1().Deployments(target.Namespace).Update(ctx, dep, metav1.UpdateOptions{}); err != nil {
		return "", fmt.Errorf("update deployment %s: %w", target.Key(), err)
	}
	return fmt.Sprintf("restarted %s", target.Key()), nil
}

// scale sets an absolute replica count, or adds Delta when Replicas is unset.
func (c *Client) scale(ctx context.Context, target types.TargetRef, p types.ScaleParams) (string, error) {
	dep, err := c.deployment(ctx, target)
	if err != nil {
		return "", err
	}
	var from int32 = 1
	if dep.Spec.Replicas != nil {
		from = *dep.Spec.Replicas
	}
	to := p.Replicas
	if to <= 0 {
		to = from + p.Delta
	}
	if to < 1 {
		to = 1
	}
	dep.Spec.Replicas = &to

	if err := c.throttle(ctx); err != nil {
		return "", err
	}
	if _, err := c.clientset.AppsV1().Deployments(target.Namespace).Update(ctx, dep, metav1.UpdateOptions{}); err != nil {
		return "", fmt.Errorf("scale deployment %s: %w", target.Key(), err)
	}
	return fmt.Sprintf("scaled %s from %d to %d replicas", target.Key(), from, to), nil
}

// Revisions lists the deployment's revisions in ascending order.
func (c *Client) Revisions(ctx context.Context, target types.TargetRef) ([]contracts.Revision, error) {
	if err := checkKind(target); err != nil {
		return nil, err
	}
	dep, err := c.deployment(ctx, target)
	if err != nil {
		return nil, err
	}
	owned, err := c.ownedReplicaSets(ctx, dep)
	if err != nil {
		return nil, err
	}
	current := revisionOf(dep.Annotations)
	out := make([]contracts.Revision, 0, len(owned))
	for _, rs := range owned {
		out = append(out, contracts.Revision{
			Number:    revisionOf(rs.Annotations),
			CreatedAt: rs.CreationTimestamp.Time,
		})
	}
	if len(out) > 0 {
		if current == 0 {
			out[len(out)-1].Current = true
		}
		for i := range out {
			if out[i].Number == current {
				out[i].Current = true
			}
		}
	}
	return out, nil
}

// WaitForRollout polls until the deployment's rollout is complete.
func (c *Client) WaitForRollout(ctx context.Context, target types.TargetRef, timeout time.Duration) error {
	if err := checkKind(target); err != nil {
		return err
	}
	err := wait.PollUntilContextTimeout(ctx, c.cfg.RolloutPollInterval, timeout, true, func(ctx context.Context) (bool, error) {
		dep, err := c.deployment(ctx, target)
		if err != nil {
			return false, err
		}
		return rolledOut(dep), nil
	})
	if err != nil {
		return fmt.Errorf("rollout of %s not complete: %w", target.Key(), err)
	}
	return nil
}

func rolledOut(dep *appsv1.Deployment) bool {
	want := int32(1)
	if dep.Spec.Replicas != nil {
		want = *dep.Spec.Replicas
	}
	s := dep.Status
	return s.ObservedGeneration >= dep.Generation &&
		s.UpdatedReplicas == want &&
		s.Replicas == want &&
		s.AvailableReplicas == want
}

func (c *Client) deployment(ctx context.Context, target types.TargetRef) (*appsv1.Deployment, error) {
	if err := c.throttle(ctx); err != nil {
		return nil, err
	}
	dep, err := c.clientset.AppsV1().Deployments(target.Namespace).Get(ctx, target.Name, metav1.GetOptions{})
	if err != nil {
		return nil, fmt.Errorf("get deployment %s: %w", target.Key(), err)
	}
	return dep, nil
}

// ownedReplicaSets returns the ReplicaSets controlled by dep, oldest revision first.
func (c *Client) ownedReplicaSets(ctx context.Context, dep *appsv1.Deployment) ([]appsv1.ReplicaSet, error) {
	selector, err := metav1.LabelSelectorAsSelector(dep.Spec.Selector)
	if err != nil {
		return nil, fmt.Errorf("deployment %s/%s selector: %w", dep.Namespace, dep.Name, err)
	}
	if err := c.throttle(ctx); err != nil {
		return nil, err
	}
	list, err := c.clientset.AppsV1().ReplicaSets(dep.Namespace).List(ctx, metav1.ListOptions{LabelSelector: selector.String()})
	if err != nil {
		return nil, fmt.Errorf("list replicasets of %s/%s: %w", dep.Namespace, dep.Name, err)
	}
	owned := make([]appsv1.ReplicaSet, 0, len(list.Items))
	for _, rs := range list.Items {
		if metav1.IsControlledBy(&rs, dep) {
			owned = append(owned, rs)
		}
	}
	sort.Slice(owned, func(i, j int) bool {
		return revisionOf(owned[i].Annotations) < revisionOf(owned[j].Annotations)
	})
	return owned, nil
}

func revisionOf(annotations map[string]string) int64 {
	n, _ := strconv.ParseInt(annotations[revisionAnnotation], 10, 64)
	return n
}
