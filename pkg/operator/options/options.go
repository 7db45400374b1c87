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

// Package options holds the process-level flags, with environment
// variables supplying defaults.
package options

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/multierr"

	"github.com/seanly/NodeGuardian/pkg/utils/env"
)

type Options struct {
	*flag.FlagSet

	ConfigDir       string
	SecretsDir      string
	StateDir        string
	MetricsPort     int
	HealthProbePort int
	Kubeconfig      string
}

func New() *Options {
	opts := &Options{}
	f := flag.NewFlagSet("nodeguardian", flag.ContinueOnError)
	opts.FlagSet = f
	f.StringVar(&opts.ConfigDir, "config-dir", env.WithDefaultString("CONFIG_DIR", "/etc/nodeguardian"), "Directory holding the mounted config record.")
	f.StringVar(&opts.SecretsDir, "secrets-dir", env.WithDefaultString("SECRETS_DIR", "/etc/nodeguardian/secrets"), "Directory holding mounted credential files.")
	f.StringVar(&opts.StateDir, "state-dir", env.WithDefaultString("STATE_DIR", "/var/lib/nodeguardian"), "Directory for the persisted rule and cooldown mirrors.")
	f.IntVar(&opts.MetricsPort, "metrics-port", env.WithDefaultInt("METRICS_PORT", 8080), "Port for the telemetry endpoint.")
	f.IntVar(&opts.HealthProbePort, "health-probe-port", env.WithDefaultInt("HEALTH_PROBE_PORT", 8081), "Port for liveness and readiness probes.")
	f.StringVar(&opts.Kubeconfig, "kubeconfig", env.WithDefaultString("KUBECONFIG", ""), "Path to a kubeconfig; in-cluster config is used when empty.")
	return opts
}

func (o *Options) Parse(args ...string) (*Options, error) {
	if err := o.FlagSet.Parse(args); err != nil {
		return nil, fmt.Errorf("parsing flags, %w", err)
	}
	if err := o.Validate(); err != nil {
		return nil, fmt.Errorf("validating options, %w", err)
	}
	return o, nil
}

func (o *Options) Validate() (err error) {
	if o.StateDir == "" {
		err = multierr.Append(err, fmt.Errorf("state-dir must not be empty"))
	}
	if o.MetricsPort <= 0 || o.MetricsPort > 65535 {
		err = multierr.Append(err, fmt.Errorf("metrics-port %d is out of range", o.MetricsPort))
	}
	if o.HealthProbePort <= 0 || o.HealthProbePort > 65535 {
		err = multierr.Append(err, fmt.Errorf("health-probe-port %d is out of range", o.HealthProbePort))
	}
	if o.MetricsPort == o.HealthProbePort {
		err = multierr.Append(err, fmt.Errorf("metrics-port and health-probe-port must differ"))
	}
	return err
}

func MustParse(args ...string) *Options {
	opts, err := New().Parse(args...)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	return opts
}
