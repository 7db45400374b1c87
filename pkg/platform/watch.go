/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package platform

import (
	"context"
	"sync"
	"time"

	"knative.dev/pkg/logging"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/watch"

	"github.com/seanly/NodeGuardian/pkg/apis/v1alpha1"
)

type EventType string

const (
	EventAdded    EventType = "Added"
	EventModified EventType = "Modified"
	EventDeleted  EventType = "Deleted"
	// EventSynchronization carries a full snapshot of the collection. It is
	// emitted once at stream start and again after every reconnect so the
	// consumer can reconcile missed deletes.
	EventSynchronization EventType = "Synchronization"
)

// Event is one observed change to a guardian custom resource.
type Event struct {
	Kind    string
	Type    EventType
	Object  *unstructured.Unstructured
	Objects []*unstructured.Unstructured
}

const watchReconnectDelay = 5 * time.Second

// WatchGuardianObjects streams rule and template events until ctx is
// cancelled. Each resource kind runs its own list-then-watch loop; a
// dropped watch relists and re-emits a Synchronization snapshot.
func (c *Client) WatchGuardianObjects(ctx context.Context) <-chan Event {
	events := make(chan Event)
	var wg sync.WaitGroup
	for kind, gvr := range map[string]schema.GroupVersionResource{
		v1alpha1.RuleKind:     v1alpha1.RuleGVR,
		v1alpha1.TemplateKind: v1alpha1.TemplateGVR,
	} {
		wg.Add(1)
		go func(kind string, gvr schema.GroupVersionResource) {
			defer wg.Done()
			c.watchLoop(ctx, kind, gvr, events)
		}(kind, gvr)
	}
	go func() {
		wg.Wait()
		close(events)
	}()
	return events
}

func (c *Client) watchLoop(ctx context.Context, kind string, gvr schema.GroupVersionResource, events chan<- Event) {
	log := logging.FromContext(ctx).With("kind", kind)
	for {
		resourceVersion, err := c.synchronize(ctx, kind, gvr, events)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Errorw("listing for watch, retrying", "error", err)
			if !sleepCtx(ctx, watchReconnectDelay) {
				return
			}
			continue
		}

		w, err := c.dynamic.Resource(gvr).Watch(ctx, metav1.ListOptions{ResourceVersion: resourceVersion})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Errorw("starting watch, retrying", "error", err)
			if !sleepCtx(ctx, watchReconnectDelay) {
				return
			}
			continue
		}
		c.consumeWatch(ctx, kind, w, events)
		if ctx.Err() != nil {
			return
		}
		log.Debugw("watch closed, relisting")
	}
}

// synchronize lists the collection and emits it as a snapshot, returning
// the list's resource version to start the watch from.
func (c *Client) synchronize(ctx context.Context, kind string, gvr schema.GroupVersionResource, events chan<- Event) (string, error) {
	list, err := c.dynamic.Resource(gvr).List(ctx, metav1.ListOptions{})
	if err != nil {
		return "", err
	}
	snapshot := make([]*unstructured.Unstructured, 0, len(list.Items))
	for i := range list.Items {
		snapshot = append(snapshot, list.Items[i].DeepCopy())
	}
	select {
	case events <- Event{Kind: kind, Type: EventSynchronization, Objects: snapshot}:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return list.GetResourceVersion(), nil
}

func (c *Client) consumeWatch(ctx context.Context, kind string, w watch.Interface, events chan<- Event) {
	defer w.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.ResultChan():
			if !ok {
				return
			}
			var eventType EventType
			switch ev.Type {
			case watch.Added:
				eventType = EventAdded
			case watch.Modified:
				eventType = EventModified
			case watch.Deleted:
				eventType = EventDeleted
			default:
				// Bookmark and error events end the watch; the outer loop
				// relists with a fresh snapshot.
				if ev.Type == watch.Error {
					return
				}
				continue
			}
			obj, isUnstructured := ev.Object.(*unstructured.Unstructured)
			if !isUnstructured {
				continue
			}
			select {
			case events <- Event{Kind: kind, Type: eventType, Object: obj.DeepCopy()}:
			case <-ctx.Done():
				return
			}
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
