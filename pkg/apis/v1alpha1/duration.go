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

package v1alpha1

import (
	"fmt"
	"strconv"
	"time"
)

// Duration is a single-unit duration of the form <int>[s|m|h|d]. Compound
// forms ("1h30m") are rejected; time.ParseDuration is not used because the
// rule grammar includes days.
type Duration string

var durationUnits = map[byte]time.Duration{
	's': time.Second,
	'm': time.Minute,
	'h': time.Hour,
	'd': 24 * time.Hour,
}

// ParseDuration parses the rule duration grammar.
func ParseDuration(s string) (time.Duration, error) {
	if len(s) < 2 {
		return 0, fmt.Errorf("invalid duration %q, expected <int>[s|m|h|d]", s)
	}
	unit, ok := durationUnits[s[len(s)-1]]
	if !ok {
		return 0, fmt.Errorf("invalid duration %q, unknown unit %q", s, s[len(s)-1:])
	}
	n, err := strconv.ParseInt(s[:len(s)-1], 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid duration %q, expected <int>[s|m|h|d]", s)
	}
	return time.Duration(n) * unit, nil
}

// Duration converts the value, failing on malformed input.
func (d Duration) Duration() (time.Duration, error) {
	return ParseDuration(string(d))
}

// OrDefault converts the value, returning def when unset. Malformed values
// are rejected at rule ingest, so they cannot reach this path.
func (d Duration) OrDefault(def time.Duration) time.Duration {
	if d == "" {
		return def
	}
	parsed, err := ParseDuration(string(d))
	if err != nil {
		return def
	}
	return parsed
}

func (d Duration) validate() error {
	if d == "" {
		return nil
	}
	_, err := ParseDuration(string(d))
	return err
}
