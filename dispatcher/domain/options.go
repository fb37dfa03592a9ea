package domain

import (
	"errors"
	"fmt"
	"strings"

	"github.com/Scusemua/go-utils/config"
	"github.com/goccy/go-json"

	"github.com/scusemua/vm-control-plane/common/configuration"
)

const (
	// DefaultPrometheusPort is the default port on which the dispatcher serves Prometheus metrics.
	DefaultPrometheusPort int = 8089
)

var (
	ErrMissingDatabase        = errors.New("a database must be specified")
	ErrApoptosisOutlivesLease = errors.New("the apoptosis timeout must be shorter than the lease")
)

// DispatcherDaemonOptions is the complete configuration of a dispatcher process.
type DispatcherDaemonOptions struct {
	config.LoggerOptions `yaml:",inline" json:"logger_options"`

	configuration.CommonOptions     `yaml:",inline" json:"common_options"`
	configuration.DispatcherOptions `yaml:",inline" json:"dispatcher_options"`
	configuration.AllocatorOptions  `yaml:",inline" json:"allocator_options"`

	// Id identifies this dispatcher in logs and metrics. Defaults to the hostname.
	Id string `name:"id" json:"id" yaml:"id" description:"Identifier of this dispatcher process."`
}

// DefaultDispatcherDaemonOptions returns a configuration populated with every default.
func DefaultDispatcherDaemonOptions() DispatcherDaemonOptions {
	return DispatcherDaemonOptions{
		CommonOptions: configuration.CommonOptions{
			DatabasePath: "control-plane.db",
		},
		DispatcherOptions: *configuration.DefaultDispatcherOptions(),
		AllocatorOptions:  *configuration.DefaultAllocatorOptions(),
	}
}

// Validate sanitizes the dispatcher options and checks the settings that have no sensible default.
func (opts *DispatcherDaemonOptions) Validate() error {
	if strings.TrimSpace(opts.DatabasePath) == "" {
		return ErrMissingDatabase
	}

	leaseSeconds := opts.LeaseSeconds
	if leaseSeconds <= 0 {
		leaseSeconds = configuration.DefaultDispatcherOptions().LeaseSeconds
	}
	if opts.ApoptosisSeconds > 0 && opts.ApoptosisSeconds >= leaseSeconds {
		return fmt.Errorf("%w: apoptosis after %d second(s), lease of %d second(s)",
			ErrApoptosisOutlivesLease, opts.ApoptosisSeconds, leaseSeconds)
	}

	opts.DispatcherOptions.Sanitize()

	if opts.AllocatorOptions.TargetHostUtilization <= 0 || opts.AllocatorOptions.TargetHostUtilization > 1 {
		return fmt.Errorf("invalid target host utilization %f: must be within (0, 1]",
			opts.AllocatorOptions.TargetHostUtilization)
	}

	return nil
}

func (opts *DispatcherDaemonOptions) String() string {
	m, err := json.Marshal(opts)
	if err != nil {
		panic(err)
	}

	return string(m)
}

// PrettyString is the same as String, except that PrettyString calls json.MarshalIndent instead of json.Marshal.
func (opts *DispatcherDaemonOptions) PrettyString(indentSize int) string {
	m, err := json.MarshalIndent(opts, "", strings.Repeat(" ", indentSize))
	if err != nil {
		panic(err)
	}

	return string(m)
}
