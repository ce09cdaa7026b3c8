package k8s

import (
	"bufio"
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/kubilitics/kubilitics-responder/pkg/contracts"
	"github.com/kubilitics/kubilitics-responder/pkg/types"
)

var (
	_ contracts.LogSource   = (*Client)(nil)
	_ contracts.EventSource = (*Client)(nil)
	_ contracts.EventStream = EventStream{}
)

// FetchLogs returns log lines since the given time from the target's pods.
// A pod whose logs cannot be read is skipped; the call only fails when no
// pod could be read at all.
func (c *Client) FetchLogs(ctx context.Context, target types.TargetRef, since time.Time) ([]string, error) {
	if err := checkKind(target); err != nil {
		return nil, err
	}
	dep, err := c.deployment(ctx, target)
	if err != nil {
		return nil, err
	}
	selector, err := metav1.LabelSelectorAsSelector(dep.Spec.Selector)
	if err != nil {
		return nil, fmt.Errorf("deployment %s selector: %w", target.Key(), err)
	}
	if err := c.throttle(ctx); err != nil {
		return nil, err
	}
	pods, err := c.clientset.CoreV1().Pods(target.Namespace).List(ctx, metav1.ListOptions{LabelSelector: selector.String()})
	if err != nil {
		return nil, fmt.Errorf("list pods of %s: %w", target.Key(), err)
	}
	if len(pods.Items) == 0 {
		return nil, nil
	}

	items := pods.Items
	sort.Slice(items, func(i, j int) bool { return items[i].Name < items[j].Name })
	if len(items) > c.cfg.MaxLogPods {
		items = items[:c.cfg.MaxLogPods]
	}

	var (
		lines   []string
		lastErr error
		read    int
	)
	for _, pod := range items {
		podLines, err := c.podLogs(ctx, pod.Name, target.Namespace, since)
		if err != nil {
			lastErr = err
			c.logger.Debug("pod logs unavailable", zap.String("pod", pod.Name), zap.Error(err))
			continue
		}
		read++
		lines = append(lines, podLines...)
	}
	if read == 0 && lastErr != nil {
		return nil, lastErr
	}
	return lines, nil
}

func (c *Client) podLogs(ctx context.Context, pod, namespace string, since time.Time) ([]string, error) {
	if err := c.throttle(ctx); err != nil {
		return nil, err
	}
	opts := &corev1.PodLogOptions{TailLines: &c.cfg.LogTailLines}
	if !since.IsZero() {
		st := metav1.NewTime(since)
		opts.SinceTime = &st
	}
	stream, err := c.clientset.CoreV1().Pods(namespace).GetLogs(pod, opts).Stream(ctx)
	if err != nil {
		return nil, fmt.Errorf("stream logs of %s/%s: %w", namespace, pod, err)
	}
	defer stream.Close()

	var lines []string
	scanner := bufio.NewScanner(stream)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			lines = append(lines, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return lines, fmt.Errorf("read logs of %s/%s: %w", namespace, pod, err)
	}
	return lines, nil
}

// FetchEvents returns events in the target's namespace whose involved object
// is the workload or one of its ReplicaSets or pods.
func (c *Client) FetchEvents(ctx context.Context, target types.TargetRef, since time.Time) ([]contracts.RawEvent, error) {
	if err := c.throttle(ctx); err != nil {
		return nil, err
	}
	list, err := c.clientset.CoreV1().Events(target.Namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("list events in %s: %w", target.Namespace, err)
	}
	out := make([]contracts.RawEvent, 0, len(list.Items))
	for _, e := range list.Items {
		if !strings.HasPrefix(e.InvolvedObject.Name, target.Name) {
			continue
		}
		ts := eventTime(e)
		if !since.IsZero() && ts.Before(since) {
			continue
		}
		out = append(out, contracts.RawEvent{
			Type:      e.Type,
			Reason:    e.Reason,
			Object:    e.InvolvedObject.Kind + "/" + e.InvolvedObject.Name,
			Message:   e.Message,
			Count:     e.Count,
			Timestamp: ts,
		})
	}
	return out, nil
}

func eventTime(e corev1.Event) time.Time {
	switch {
	case !e.LastTimestamp.IsZero():
		return e.LastTimestamp.Time
	case !e.EventTime.IsZero():
		return e.EventTime.Time
	case !e.FirstTimestamp.IsZero():
		return e.FirstTimestamp.Time
	}
	return e.CreationTimestamp.Time
}

// triggerReasons are event reasons that commonly start an incident.
var triggerReasons = map[string]bool{
	"ScalingReplicaSet": true,
	"SuccessfulRescale": true,
	"OOMKilling":        true,
	"Evicted":           true,
	"NodeNotReady":      true,
	"Preempted":         true,
	"FailedScheduling":  true,
	"BackOff":           true,
}

// EventStream parses raw cluster events.
type EventStream struct{}

// ParseEvents normalises raw events, oldest first.
func (EventStream) ParseEvents(raw []contracts.RawEvent) []contracts.ClusterEvent {
	out := make([]contracts.ClusterEvent, 0, len(raw))
	for _, r := range raw {
		out = append(out, contracts.ClusterEvent{
			Warning:   strings.EqualFold(r.Type, corev1.EventTypeWarning),
			Reason:    r.Reason,
			Object:    r.Object,
			Message:   r.Message,
			Count:     r.Count,
			Timestamp: r.Timestamp,
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

// FindTriggers returns events at or after since whose reason is a known
// incident trigger.
func (EventStream) FindTriggers(events []contracts.ClusterEvent, since time.Time) []contracts.ClusterEvent {
	var out []contracts.ClusterEvent
	for _, e := range events {
		if e.Timestamp.Before(since) {
			continue
		}
		if triggerReasons[e.Reason] {
			out = append(out, e)
		}
	}
	return out
}
