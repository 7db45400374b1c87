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

// Package rulestore holds the watch-driven view of rules and alert
// templates the evaluation loop reads from. Rules are mirrored to disk
// for operator inspection; spec hashes suppress no-op churn from
// status-only updates.
package rulestore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/mitchellh/hashstructure/v2"
	"github.com/samber/lo"
	"github.com/spf13/afero"
	"go.uber.org/multierr"
	"knative.dev/pkg/logging"

	"github.com/seanly/NodeGuardian/pkg/apis/v1alpha1"
	"github.com/seanly/NodeGuardian/pkg/cooldown"
)

type Store struct {
	mu             sync.RWMutex
	rules          map[string]*v1alpha1.NodeGuardianRule
	ruleHashes     map[string]uint64
	templates      map[string]*v1alpha1.AlertTemplate
	templateHashes map[string]uint64

	fs     afero.Fs
	dir    string
	ledger *cooldown.Ledger
}

func NewStore(fs afero.Fs, dir string, ledger *cooldown.Ledger) (*Store, error) {
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating rule mirror directory %s, %w", dir, err)
	}
	return &Store{
		rules:          map[string]*v1alpha1.NodeGuardianRule{},
		ruleHashes:     map[string]uint64{},
		templates:      map[string]*v1alpha1.AlertTemplate{},
		templateHashes: map[string]uint64{},
		fs:             fs,
		dir:            dir,
		ledger:         ledger,
	}, nil
}

// UpsertRule stores the rule and mirrors it to disk. Returns false when
// the spec hash is unchanged, which covers status-only watch events.
// A disabled rule is a removal: index entry, mirror file and cooldown
// entries all go, so a re-enable starts fresh.
func (s *Store) UpsertRule(ctx context.Context, rule *v1alpha1.NodeGuardianRule) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !rule.Enabled() {
		_, present := s.rules[rule.Name]
		if !present {
			// The ledger may still hold entries from before a restart.
			return false, s.ledger.ClearRule(rule.Name)
		}
		return true, s.deleteRuleLocked(ctx, rule.Name)
	}

	hash, err := hashstructure.Hash(rule.Spec, hashstructure.FormatV2, nil)
	if err != nil {
		return false, fmt.Errorf("hashing rule %s, %w", rule.Name, err)
	}
	if existing, ok := s.ruleHashes[rule.Name]; ok && existing == hash {
		return false, nil
	}
	s.rules[rule.Name] = rule.DeepCopy()
	s.ruleHashes[rule.Name] = hash

	errs := s.mirrorRule(rule)
	logging.FromContext(ctx).Debugw("stored rule", "rule", rule.Name)
	return true, errs
}

// DeleteRule drops the rule, its disk mirror and its cooldown entries.
func (s *Store) DeleteRule(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteRuleLocked(ctx, name)
}

func (s *Store) deleteRuleLocked(ctx context.Context, name string) error {
	if _, ok := s.rules[name]; !ok {
		return nil
	}
	delete(s.rules, name)
	delete(s.ruleHashes, name)
	var errs error
	if err := s.fs.Remove(s.mirrorPath(name)); err != nil && !os.IsNotExist(err) {
		errs = multierr.Append(errs, fmt.Errorf("removing rule mirror for %s, %w", name, err))
	}
	errs = multierr.Append(errs, s.ledger.ClearRule(name))
	logging.FromContext(ctx).Debugw("deleted rule", "rule", name)
	return errs
}

// SyncRules reconciles the store against a full snapshot: rules absent
// from the snapshot are deleted, the rest are upserted. Used on watch
// (re)connect to recover missed deletes.
func (s *Store) SyncRules(ctx context.Context, rules []*v1alpha1.NodeGuardianRule) error {
	present := lo.SliceToMap(rules, func(r *v1alpha1.NodeGuardianRule) (string, struct{}) {
		return r.Name, struct{}{}
	})
	s.mu.Lock()
	var errs error
	for name := range s.rules {
		if _, ok := present[name]; !ok {
			errs = multierr.Append(errs, s.deleteRuleLocked(ctx, name))
		}
	}
	s.mu.Unlock()
	for _, rule := range rules {
		_, err := s.UpsertRule(ctx, rule)
		errs = multierr.Append(errs, err)
	}
	return errs
}

// Snapshot returns independent copies of every stored rule, sorted by
// name for deterministic iteration.
func (s *Store) Snapshot() []*v1alpha1.NodeGuardianRule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rules := lo.Map(lo.Values(s.rules), func(r *v1alpha1.NodeGuardianRule, _ int) *v1alpha1.NodeGuardianRule {
		return r.DeepCopy()
	})
	sort.Slice(rules, func(i, j int) bool { return rules[i].Name < rules[j].Name })
	return rules
}

func (s *Store) Rule(name string) (*v1alpha1.NodeGuardianRule, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rule, ok := s.rules[name]
	if !ok {
		return nil, false
	}
	return rule.DeepCopy(), true
}

func (s *Store) UpsertTemplate(ctx context.Context, tmpl *v1alpha1.AlertTemplate) (bool, error) {
	hash, err := hashstructure.Hash(tmpl.Spec, hashstructure.FormatV2, nil)
	if err != nil {
		return false, fmt.Errorf("hashing template %s, %w", tmpl.Name, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.templateHashes[tmpl.Name]; ok && existing == hash {
		return false, nil
	}
	s.templates[tmpl.Name] = tmpl.DeepCopy()
	s.templateHashes[tmpl.Name] = hash
	logging.FromContext(ctx).Debugw("stored alert template", "template", tmpl.Name)
	return true, nil
}

func (s *Store) DeleteTemplate(ctx context.Context, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.templates, name)
	delete(s.templateHashes, name)
	logging.FromContext(ctx).Debugw("deleted alert template", "template", name)
}

// SyncTemplates reconciles the template set against a full snapshot.
func (s *Store) SyncTemplates(ctx context.Context, templates []*v1alpha1.AlertTemplate) error {
	present := lo.SliceToMap(templates, func(t *v1alpha1.AlertTemplate) (string, struct{}) {
		return t.Name, struct{}{}
	})
	s.mu.Lock()
	for name := range s.templates {
		if _, ok := present[name]; !ok {
			delete(s.templates, name)
			delete(s.templateHashes, name)
		}
	}
	s.mu.Unlock()
	var errs error
	for _, tmpl := range templates {
		_, err := s.UpsertTemplate(ctx, tmpl)
		errs = multierr.Append(errs, err)
	}
	return errs
}

func (s *Store) Template(name string) (*v1alpha1.AlertTemplate, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tmpl, ok := s.templates[name]
	if !ok {
		return nil, false
	}
	return tmpl.DeepCopy(), true
}

func (s *Store) mirrorPath(name string) string {
	return filepath.Join(s.dir, name+".json")
}

func (s *Store) mirrorRule(rule *v1alpha1.NodeGuardianRule) error {
	raw, err := json.MarshalIndent(rule, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding rule mirror for %s, %w", rule.Name, err)
	}
	path := s.mirrorPath(rule.Name)
	tmp := path + ".tmp"
	if err := afero.WriteFile(s.fs, tmp, raw, 0o644); err != nil {
		return fmt.Errorf("writing rule mirror for %s, %w", rule.Name, err)
	}
	if err := s.fs.Rename(tmp, path); err != nil {
		return fmt.Errorf("committing rule mirror for %s, %w", rule.Name, err)
	}
	return nil
}
