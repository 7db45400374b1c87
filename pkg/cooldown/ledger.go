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

// Package cooldown tracks the last firing time of every (rule, node,
// phase) tuple so repeated evaluations cannot re-fire inside the rule's
// cooldown window. Timestamps survive restarts through a disk mirror.
package cooldown

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/spf13/afero"
	"k8s.io/utils/clock"
)

// Phase distinguishes the two firing paths of a rule.
type Phase string

const (
	PhaseTrigger  Phase = "trigger"
	PhaseRecovery Phase = "recovery"
)

// Ledger is the in-memory cooldown store with a one-file-per-entry disk
// mirror. Entries never expire on their own; they are consulted against
// the rule's cooldown period at read time and removed when the rule is
// deleted or disabled.
type Ledger struct {
	mu      sync.Mutex
	entries *cache.Cache
	fs      afero.Fs
	dir     string
	clock   clock.Clock
}

func NewLedger(fs afero.Fs, dir string, clk clock.Clock) (*Ledger, error) {
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating cooldown directory %s, %w", dir, err)
	}
	l := &Ledger{
		entries: cache.New(cache.NoExpiration, cache.NoExpiration),
		fs:      fs,
		dir:     dir,
		clock:   clk,
	}
	if err := l.load(); err != nil {
		return nil, err
	}
	return l, nil
}

// MayFire reports whether the tuple is outside its cooldown window. A
// non-positive period disables the cooldown entirely.
func (l *Ledger) MayFire(rule, node string, phase Phase, period time.Duration) bool {
	if period <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	raw, ok := l.entries.Get(entryKey(rule, node, phase))
	if !ok {
		return true
	}
	return l.clock.Now().Sub(raw.(time.Time)) >= period
}

// Last returns the recorded firing time for the tuple, if any.
func (l *Ledger) Last(rule, node string, phase Phase) (time.Time, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	raw, ok := l.entries.Get(entryKey(rule, node, phase))
	if !ok {
		return time.Time{}, false
	}
	return raw.(time.Time), true
}

// Mark records the tuple as fired now and mirrors the timestamp to disk.
// A mirror write failure leaves the in-memory entry in place; the window
// is still honored until the next restart.
func (l *Ledger) Mark(rule, node string, phase Phase) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock.Now()
	key := entryKey(rule, node, phase)
	l.entries.SetDefault(key, now)
	return l.persist(key, now)
}

// ClearRule removes every tuple of the rule, both phases, from memory
// and disk. Used when a rule is deleted or disabled so a re-created rule
// starts with a clean slate.
func (l *Ledger) ClearRule(rule string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	prefix := rule + "_"
	for key := range l.entries.Items() {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		l.entries.Delete(key)
		if err := l.fs.Remove(filepath.Join(l.dir, key)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing cooldown entry %s, %w", key, err)
		}
	}
	return nil
}

func (l *Ledger) load() error {
	infos, err := afero.ReadDir(l.fs, l.dir)
	if err != nil {
		return fmt.Errorf("reading cooldown directory %s, %w", l.dir, err)
	}
	for _, info := range infos {
		if info.IsDir() {
			continue
		}
		// A .tmp file is a write that never committed.
		if strings.HasSuffix(info.Name(), ".tmp") {
			_ = l.fs.Remove(filepath.Join(l.dir, info.Name()))
			continue
		}
		raw, err := afero.ReadFile(l.fs, filepath.Join(l.dir, info.Name()))
		if err != nil {
			return fmt.Errorf("reading cooldown entry %s, %w", info.Name(), err)
		}
		seconds, err := strconv.ParseFloat(strings.TrimSpace(string(raw)), 64)
		if err != nil {
			// A truncated entry is dropped rather than poisoning startup.
			_ = l.fs.Remove(filepath.Join(l.dir, info.Name()))
			continue
		}
		sec := int64(seconds)
		nsec := int64((seconds - float64(sec)) * float64(time.Second))
		l.entries.SetDefault(info.Name(), time.Unix(sec, nsec))
	}
	return nil
}

// persist writes the timestamp as ASCII unix seconds, via a temp file
// rename so a crash never leaves a half-written entry.
func (l *Ledger) persist(key string, at time.Time) error {
	payload := strconv.FormatFloat(float64(at.UnixNano())/float64(time.Second), 'f', 6, 64)
	path := filepath.Join(l.dir, key)
	tmp := path + ".tmp"
	if err := afero.WriteFile(l.fs, tmp, []byte(payload), 0o644); err != nil {
		return fmt.Errorf("writing cooldown entry %s, %w", key, err)
	}
	if err := l.fs.Rename(tmp, path); err != nil {
		return fmt.Errorf("committing cooldown entry %s, %w", key, err)
	}
	return nil
}

// entryKey mirrors the on-disk file name: <rule>_<node> for triggers and
// <rule>_recovery_<node> for recoveries.
func entryKey(rule, node string, phase Phase) string {
	if phase == PhaseRecovery {
		return fmt.Sprintf("%s_recovery_%s", rule, node)
	}
	return fmt.Sprintf("%s_%s", rule, node)
}
