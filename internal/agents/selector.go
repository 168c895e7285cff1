// Package agents matches stage label requirements against a fixed host inventory.
package agents

import (
	"fmt"
	"os"
	"runtime"
	"sort"
	"strings"
	"sync"

	"github.com/tyemirov/gantry/internal/execution"
	"github.com/tyemirov/gantry/internal/pipeline"
)

const (
	localHostLabelConstant         = "local"
	localHostFallbackConstant      = "localhost"
	noEligibleHostTemplateConstant = "%w: no host carries labels [%s]"
	labelSeparatorConstant         = ", "
)

// Host is one schedulable machine and the labels it advertises.
type Host struct {
	Identifier string   `mapstructure:"id"`
	Labels     []string `mapstructure:"labels"`
}

// LocalHost describes the current machine labelled with its OS, architecture, and "local".
func LocalHost() Host {
	hostname, hostnameError := os.Hostname()
	if hostnameError != nil || len(strings.TrimSpace(hostname)) == 0 {
		hostname = localHostFallbackConstant
	}
	return Host{Identifier: hostname, Labels: []string{runtime.GOOS, runtime.GOARCH, localHostLabelConstant}}
}

type normalizedHost struct {
	identifier string
	labels     map[string]struct{}
}

// LabelSelector picks a host whose labels are a superset of the requirement. Eligible hosts
// are rotated so consecutive stages with the same requirement spread across the inventory.
type LabelSelector struct {
	hosts []normalizedHost

	mutex  sync.Mutex
	cursor map[string]int
}

// NewLabelSelector constructs a selector over hosts; hosts without an identifier are ignored.
func NewLabelSelector(hosts []Host) *LabelSelector {
	selector := &LabelSelector{cursor: make(map[string]int)}
	for _, host := range hosts {
		identifier := strings.TrimSpace(host.Identifier)
		if len(identifier) == 0 {
			continue
		}
		labels := make(map[string]struct{}, len(host.Labels))
		for _, label := range normalizeLabels(host.Labels) {
			labels[label] = struct{}{}
		}
		selector.hosts = append(selector.hosts, normalizedHost{identifier: identifier, labels: labels})
	}
	return selector
}

// Select returns a host id, or an error wrapping execution.ErrNoEligibleAgent.
func (selector *LabelSelector) Select(requirement pipeline.AgentRequirement) (string, error) {
	required := normalizeLabels(requirement.Labels)
	eligible := make([]string, 0, len(selector.hosts))
	for _, host := range selector.hosts {
		if carriesAll(host.labels, required) {
			eligible = append(eligible, host.identifier)
		}
	}
	if len(eligible) == 0 {
		return "", fmt.Errorf(noEligibleHostTemplateConstant, execution.ErrNoEligibleAgent, strings.Join(required, labelSeparatorConstant))
	}

	key := strings.Join(required, labelSeparatorConstant)
	selector.mutex.Lock()
	defer selector.mutex.Unlock()
	position := selector.cursor[key] % len(eligible)
	selector.cursor[key] = position + 1
	return eligible[position], nil
}

func carriesAll(labels map[string]struct{}, required []string) bool {
	for _, label := range required {
		if _, present := labels[label]; !present {
			return false
		}
	}
	return true
}

func normalizeLabels(labels []string) []string {
	seen := make(map[string]struct{}, len(labels))
	normalized := make([]string, 0, len(labels))
	for _, label := range labels {
		trimmed := strings.ToLower(strings.TrimSpace(label))
		if len(trimmed) == 0 {
			continue
		}
		if _, duplicate := seen[trimmed]; duplicate {
			continue
		}
		seen[trimmed] = struct{}{}
		normalized = append(normalized, trimmed)
	}
	sort.Strings(normalized)
	return normalized
}
