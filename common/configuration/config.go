package configuration

import (
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// CommonOptions includes all configuration parameters that are common to every component of the control plane.
type CommonOptions struct {
	DatabasePath string `name:"database"  json:"database"  yaml:"database"  description:"DSN of the sqlite database holding hosts, VMs and strands."`
	Location     string `name:"location"  json:"location"  yaml:"location"  description:"Location served by this process. Only used for log prefixes."`

	// PrettyPrintOptions, when true, instructs the driver script to pretty-print
	// the options struct when the program first begins running.
	PrettyPrintOptions bool `name:"pretty_print_options" json:"pretty_print_options" yaml:"pretty_print_options"`
}

// AllocatorOptions holds the tunables of the resource allocator's scoring function and slice planning.
//
// List-valued options are comma-separated strings, since the flag layer only supports scalar kinds.
type AllocatorOptions struct {
	// TargetHostUtilization is the utilization at which a sub-allocation incurs no penalty. Default: 0.55.
	TargetHostUtilization float64 `name:"target-host-utilization" json:"target-host-utilization" yaml:"target-host-utilization" description:"Per-dimension host utilization the allocator aims for."`

	// IdleWeight scales the penalty of utilization below the target. Default: 1.
	IdleWeight float64 `name:"idle-weight" json:"idle-weight" yaml:"idle-weight" description:"Penalty per unit of utilization below target."`
	// OvercommitStep is the flat penalty paid as soon as utilization exceeds the target. Default: 1.
	OvercommitStep float64 `name:"overcommit-step" json:"overcommit-step" yaml:"overcommit-step" description:"Flat penalty for utilization above target."`
	// OvercommitWeight scales the penalty of utilization above the target. Default: 1.
	OvercommitWeight float64 `name:"overcommit-weight" json:"overcommit-weight" yaml:"overcommit-weight" description:"Penalty per unit of utilization above target."`
	// ImbalanceWeight scales the spread between the most and least utilized dimensions. Default: 1.
	ImbalanceWeight float64 `name:"imbalance-weight" json:"imbalance-weight" yaml:"imbalance-weight" description:"Penalty per unit of spread between dimension utilizations."`
	// JitterMax bounds the random tie-breaking value added to every score. Default: 0.01.
	JitterMax float64 `name:"jitter-max" json:"jitter-max" yaml:"jitter-max" description:"Upper bound of the random tie-breaker added to scores."`

	// LocationPenalty is added when a non-empty location preference is not honored. Default: 10.
	LocationPenalty float64 `name:"location-penalty" json:"location-penalty" yaml:"location-penalty" description:"Penalty for hosts outside the preferred locations."`
	// GpuPenalty is added when a host has GPUs but the request does not need any. Default: 5.
	GpuPenalty float64 `name:"gpu-penalty" json:"gpu-penalty" yaml:"gpu-penalty" description:"Penalty for placing a non-GPU VM on a GPU host."`
	// ProvisioningPenalty is added per VM that is still being provisioned on the host. Default: 0.5.
	ProvisioningPenalty float64 `name:"provisioning-penalty" json:"provisioning-penalty" yaml:"provisioning-penalty" description:"Penalty per in-flight provisioning on the host."`

	HighChurnFamilies string  `name:"high-churn-families" json:"high-churn-families" yaml:"high-churn-families" description:"Comma-separated VM families that form high-churn pools."`
	HighChurnPenalty  float64 `name:"high-churn-penalty" json:"high-churn-penalty" yaml:"high-churn-penalty" description:"Flat penalty for a high-churn VM on a host that is already provisioning."`

	// ConstrainedHostCores identifies the constrained hardware profile by its core count. 0 disables the penalty.
	ConstrainedHostCores   int     `name:"constrained-host-cores" json:"constrained-host-cores" yaml:"constrained-host-cores" description:"Total core count of the constrained hardware profile."`
	ConstrainedHostPenalty float64 `name:"constrained-host-penalty" json:"constrained-host-penalty" yaml:"constrained-host-penalty" description:"Flat penalty for hosts of the constrained hardware profile."`

	// PreferredHostFamilies maps VM families to the host family they prefer, e.g. "premium=ax162,gpu=gex44".
	PreferredHostFamilies string  `name:"preferred-host-families" json:"preferred-host-families" yaml:"preferred-host-families" description:"Comma-separated vmfamily=hostfamily preferences."`
	PreferredHostBonus    float64 `name:"preferred-host-bonus" json:"preferred-host-bonus" yaml:"preferred-host-bonus" description:"Bonus for hosts of the preferred family."`

	// SharedSliceCores is the core quantum of a newly created shared slice. Default: 2.
	SharedSliceCores int `name:"shared-slice-cores" json:"shared-slice-cores" yaml:"shared-slice-cores" description:"Cores reserved by a new shared slice."`
	// SharedSliceMemoryGib is the memory ceiling of a newly created shared slice. Default: 4.
	SharedSliceMemoryGib int `name:"shared-slice-memory-gib" json:"shared-slice-memory-gib" yaml:"shared-slice-memory-gib" description:"Memory reserved by a new shared slice."`
	// SharedSliceFamilies lists the VM families that are always placed in shared slices. Default: "burstable".
	SharedSliceFamilies string `name:"shared-slice-families" json:"shared-slice-families" yaml:"shared-slice-families" description:"Comma-separated VM families that require shared slices."`
}

// DefaultAllocatorOptions returns the allocator defaults.
func DefaultAllocatorOptions() *AllocatorOptions {
	return &AllocatorOptions{
		TargetHostUtilization:  0.55,
		IdleWeight:             1,
		OvercommitStep:         1,
		OvercommitWeight:       1,
		ImbalanceWeight:        1,
		JitterMax:              0.01,
		LocationPenalty:        10,
		GpuPenalty:             5,
		ProvisioningPenalty:    0.5,
		HighChurnPenalty:       1,
		ConstrainedHostPenalty: 0.5,
		PreferredHostBonus:     0.5,
		SharedSliceCores:       2,
		SharedSliceMemoryGib:   4,
		SharedSliceFamilies:    "burstable",
	}
}

// HighChurnFamilyList returns HighChurnFamilies as a slice.
func (opts *AllocatorOptions) HighChurnFamilyList() []string {
	return splitList(opts.HighChurnFamilies)
}

// SharedSliceFamilyList returns SharedSliceFamilies as a slice.
func (opts *AllocatorOptions) SharedSliceFamilyList() []string {
	return splitList(opts.SharedSliceFamilies)
}

// PreferredHostFamilyMap returns PreferredHostFamilies as a map from VM family to host family.
// Malformed entries are skipped.
func (opts *AllocatorOptions) PreferredHostFamilyMap() map[string]string {
	preferences := make(map[string]string)
	for _, entry := range splitList(opts.PreferredHostFamilies) {
		vmFamily, hostFamily, found := strings.Cut(entry, "=")
		if !found || vmFamily == "" || hostFamily == "" {
			continue
		}

		preferences[strings.TrimSpace(vmFamily)] = strings.TrimSpace(hostFamily)
	}

	return preferences
}

func (opts *AllocatorOptions) Clone() *AllocatorOptions {
	clone := *opts
	return &clone
}

func (opts *AllocatorOptions) String() string {
	return toJson(opts)
}

// DispatcherOptions configures one strand dispatcher process.
type DispatcherOptions struct {
	NumWorkers       int `name:"workers"             json:"workers"             yaml:"workers"             description:"Number of worker goroutines executing strands. Default: 6."`
	QueueSize        int `name:"queue-size"          json:"queue-size"          yaml:"queue-size"          description:"Capacity of the work queue. Default: twice the number of workers."`
	LeaseSeconds     int `name:"lease-seconds"       json:"lease-seconds"       yaml:"lease-seconds"       description:"How long a worker holds a strand's lease. Default: 120."`
	ApoptosisSeconds int `name:"apoptosis-seconds"   json:"apoptosis-seconds"   yaml:"apoptosis-seconds"   description:"How long a single step may run before the process kills itself. Must be shorter than the lease. Default: 91."`
	MetricsBatchSize int `name:"metrics-batch-size"  json:"metrics-batch-size"  yaml:"metrics-batch-size"  description:"Number of samples summarized per metrics record. Default: 200."`
	ScanOldSlackSecs int `name:"scan-old-slack"      json:"scan-old-slack"      yaml:"scan-old-slack"      description:"How overdue another partition's strand must be before this process picks it up. Default: 5."`
	PollIntervalMs   int `name:"poll-interval-ms"    json:"poll-interval-ms"    yaml:"poll-interval-ms"    description:"How long the conductor idles when no work was found. Default: 1000."`
	PartitionNumber  int `name:"partition"           json:"partition"           yaml:"partition"           description:"The 1-based partition owned by this process. Default: 1."`
	PartitionCount   int `name:"partitions"          json:"partitions"          yaml:"partitions"          description:"The initial total number of partitions. Default: 1."`
	PrometheusPort   int `name:"prometheus_port"     json:"prometheus_port"     yaml:"prometheus_port"     description:"The port on which dispatcher metrics are served. 0 disables the endpoint."`

	RedisAddress       string `name:"redis"              json:"redis"              yaml:"redis"              description:"Address of the redis server carrying partition notifications. Empty disables repartitioning."`
	RedisPassword      string `name:"redis-password"     json:"redis-password"     yaml:"redis-password"`
	RedisDatabase      int    `name:"redis-database"     json:"redis-database"     yaml:"redis-database"`
	RepartitionChannel string `name:"repartition-channel" json:"repartition-channel" yaml:"repartition-channel" description:"Pub/sub channel carrying the new partition count. Default: strand_partitions."`
}

const (
	// ApoptosisLeaseMargin is how long before its lease expires a hung step kills the process.
	ApoptosisLeaseMargin = 29
	// MinLeaseSeconds leaves room for an apoptosis timeout of at least one second.
	MinLeaseSeconds = 2
)

// DefaultDispatcherOptions returns the dispatcher defaults.
func DefaultDispatcherOptions() *DispatcherOptions {
	return &DispatcherOptions{
		NumWorkers:         6,
		LeaseSeconds:       120,
		ApoptosisSeconds:   120 - ApoptosisLeaseMargin,
		MetricsBatchSize:   200,
		ScanOldSlackSecs:   5,
		PollIntervalMs:     1000,
		PartitionNumber:    1,
		PartitionCount:     1,
		RepartitionChannel: "strand_partitions",
	}
}

// Sanitize replaces unset or out-of-range values with their defaults.
func (opts *DispatcherOptions) Sanitize() {
	defaults := DefaultDispatcherOptions()

	if opts.NumWorkers <= 0 {
		opts.NumWorkers = defaults.NumWorkers
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 2 * opts.NumWorkers
	}
	if opts.LeaseSeconds <= 0 {
		opts.LeaseSeconds = defaults.LeaseSeconds
	}
	if opts.LeaseSeconds < MinLeaseSeconds {
		opts.LeaseSeconds = MinLeaseSeconds
	}
	if opts.ApoptosisSeconds <= 0 {
		opts.ApoptosisSeconds = defaults.ApoptosisSeconds
	}
	if opts.ApoptosisSeconds >= opts.LeaseSeconds {
		opts.ApoptosisSeconds = opts.MaxApoptosisSeconds()
	}
	if opts.MetricsBatchSize <= 0 {
		opts.MetricsBatchSize = defaults.MetricsBatchSize
	}
	if opts.ScanOldSlackSecs <= 0 {
		opts.ScanOldSlackSecs = defaults.ScanOldSlackSecs
	}
	if opts.PollIntervalMs <= 0 {
		opts.PollIntervalMs = defaults.PollIntervalMs
	}
	if opts.PartitionCount <= 0 {
		opts.PartitionCount = defaults.PartitionCount
	}
	if opts.PartitionNumber <= 0 || opts.PartitionNumber > opts.PartitionCount {
		opts.PartitionNumber = defaults.PartitionNumber
	}
	if opts.RepartitionChannel == "" {
		opts.RepartitionChannel = defaults.RepartitionChannel
	}
}

// MaxApoptosisSeconds is the longest apoptosis timeout under which a hung step still dies while holding its lease.
func (opts *DispatcherOptions) MaxApoptosisSeconds() int {
	if opts.LeaseSeconds > ApoptosisLeaseMargin {
		return opts.LeaseSeconds - ApoptosisLeaseMargin
	}

	return opts.LeaseSeconds / 2
}

func (opts *DispatcherOptions) LeaseDuration() time.Duration {
	return time.Duration(opts.LeaseSeconds) * time.Second
}

func (opts *DispatcherOptions) ApoptosisTimeout() time.Duration {
	return time.Duration(opts.ApoptosisSeconds) * time.Second
}

func (opts *DispatcherOptions) ScanOldSlack() time.Duration {
	return time.Duration(opts.ScanOldSlackSecs) * time.Second
}

func (opts *DispatcherOptions) PollInterval() time.Duration {
	return time.Duration(opts.PollIntervalMs) * time.Millisecond
}

func (opts *DispatcherOptions) Clone() *DispatcherOptions {
	clone := *opts
	return &clone
}

func (opts *DispatcherOptions) String() string {
	return toJson(opts)
}

// PrettyString is the same as String, except that PrettyString calls json.MarshalIndent instead of json.Marshal.
func (opts *CommonOptions) PrettyString(indentSize int) string {
	m, err := json.MarshalIndent(opts, "", strings.Repeat(" ", indentSize))
	if err != nil {
		panic(err)
	}

	return string(m)
}

func (opts *CommonOptions) Clone() *CommonOptions {
	clone := *opts
	return &clone
}

func (opts *CommonOptions) String() string {
	return toJson(opts)
}

func toJson(v interface{}) string {
	m, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}

	return string(m)
}

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	list := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			list = append(list, trimmed)
		}
	}

	return list
}
