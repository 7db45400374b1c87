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

// Package metrics resolves node utilization samples through a tiered
// chain: a time-series backend first, the node usage API second, and a
// coarse inference from node state last.
package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	promapi "github.com/prometheus/client_golang/api"
	promv1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
	"knative.dev/pkg/logging"

	v1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"

	"github.com/seanly/NodeGuardian/pkg/apis/v1alpha1"
)

// ErrUnavailable reports that every tier failed to produce a sample. The
// evaluator treats the condition as not met and retries next tick.
var ErrUnavailable = errors.New("metric unavailable")

const (
	queryTimeout = 10 * time.Second

	// A node under DiskPressure with no time-series backend reachable is
	// assumed close to full.
	diskPressureUtilization = 90.0
)

// Resolver produces a single utilization sample for a node.
type Resolver interface {
	Resolve(ctx context.Context, nodeName string, key v1alpha1.MetricKey) (float64, error)
}

// NodeReader is the slice of the platform adapter the inference tier
// needs to inspect node conditions.
type NodeReader interface {
	GetNode(ctx context.Context, name string) (*v1.Node, error)
}

type TieredResolver struct {
	prom     promv1.API
	usageURL string
	client   *http.Client
	nodes    NodeReader
}

// NewTieredResolver builds the resolver chain. An empty promURL disables
// the time-series tier; an empty usageURL disables the usage tier.
func NewTieredResolver(promURL, usageURL string, nodes NodeReader) (*TieredResolver, error) {
	r := &TieredResolver{
		usageURL: usageURL,
		client:   cleanhttp.DefaultPooledClient(),
		nodes:    nodes,
	}
	if promURL != "" {
		client, err := promapi.NewClient(promapi.Config{Address: promURL, Client: cleanhttp.DefaultPooledClient()})
		if err != nil {
			return nil, fmt.Errorf("constructing prometheus client for %s, %w", promURL, err)
		}
		r.prom = promv1.NewAPI(client)
	}
	return r, nil
}

func (r *TieredResolver) Resolve(ctx context.Context, nodeName string, key v1alpha1.MetricKey) (float64, error) {
	log := logging.FromContext(ctx).With("node", nodeName, "metric", key)

	if r.prom != nil {
		value, err := r.queryInstant(ctx, promQuery(key, nodeName))
		if err == nil {
			return value, nil
		}
		log.Debugw("time-series query failed, falling back", "error", err)
	}

	switch key {
	case v1alpha1.MetricCPUUtilizationPercent:
		return r.usageRatio(ctx, nodeName, "cpu")
	case v1alpha1.MetricMemoryUtilizationPercent:
		return r.usageRatio(ctx, nodeName, "memory")
	case v1alpha1.MetricDiskUtilizationPercent:
		return r.inferDiskUtilization(ctx, nodeName)
	case v1alpha1.MetricCPULoadRatio:
		// No load average outside the time-series tier; approximate from
		// CPU utilization.
		cpu, err := r.Resolve(ctx, nodeName, v1alpha1.MetricCPUUtilizationPercent)
		if err != nil {
			return 0, err
		}
		return cpu / 100.0, nil
	}
	return 0, fmt.Errorf("unknown metric %q", key)
}

func (r *TieredResolver) queryInstant(ctx context.Context, query string) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	result, warnings, err := r.prom.Query(ctx, query, time.Now())
	if err != nil {
		return 0, err
	}
	if len(warnings) > 0 {
		logging.FromContext(ctx).Debugw("time-series query returned warnings", "warnings", warnings)
	}
	vector, ok := result.(model.Vector)
	if !ok || vector.Len() == 0 {
		return 0, fmt.Errorf("query returned no samples")
	}
	return float64(vector[0].Value), nil
}

// nodeUsage is the shape served by the node usage API.
type nodeUsage struct {
	Usage    map[string]string `json:"usage"`
	Capacity map[string]string `json:"capacity"`
}

// usageRatio reads usage/capacity for the resource and returns it as a
// percentage.
func (r *TieredResolver) usageRatio(ctx context.Context, nodeName, resourceName string) (float64, error) {
	if r.usageURL == "" {
		return 0, ErrUnavailable
	}
	usage, err := r.fetchNodeUsage(ctx, nodeName)
	if err != nil {
		logging.FromContext(ctx).Debugw("node usage query failed", "node", nodeName, "error", err)
		return 0, ErrUnavailable
	}
	used, err := resource.ParseQuantity(valueOrDefault(usage.Usage[resourceName], "0"))
	if err != nil {
		return 0, fmt.Errorf("parsing %s usage for node %s, %w", resourceName, nodeName, err)
	}
	capacity, err := resource.ParseQuantity(valueOrDefault(usage.Capacity[resourceName], "1"))
	if err != nil {
		return 0, fmt.Errorf("parsing %s capacity for node %s, %w", resourceName, nodeName, err)
	}
	capacityValue := capacity.AsApproximateFloat64()
	if capacityValue <= 0 {
		return 0, ErrUnavailable
	}
	return used.AsApproximateFloat64() / capacityValue * 100, nil
}

func (r *TieredResolver) fetchNodeUsage(ctx context.Context, nodeName string) (*nodeUsage, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	endpoint := fmt.Sprintf("%s/nodes/%s", r.usageURL, url.PathEscape(nodeName))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("node usage API returned %d", resp.StatusCode)
	}
	usage := &nodeUsage{}
	if err := json.NewDecoder(resp.Body).Decode(usage); err != nil {
		return nil, err
	}
	return usage, nil
}

// inferDiskUtilization falls back to the DiskPressure node condition.
func (r *TieredResolver) inferDiskUtilization(ctx context.Context, nodeName string) (float64, error) {
	node, err := r.nodes.GetNode(ctx, nodeName)
	if err != nil {
		return 0, ErrUnavailable
	}
	for _, condition := range node.Status.Conditions {
		if condition.Type == v1.NodeDiskPressure && condition.Status == v1.ConditionTrue {
			return diskPressureUtilization, nil
		}
	}
	// No pressure signal says nothing about actual utilization.
	return 0, ErrUnavailable
}

func valueOrDefault(value, def string) string {
	if value == "" {
		return def
	}
	return value
}
