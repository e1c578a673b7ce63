package constants

import (
	"time"
)

// Scheduling
const (
	// MaxAttempts - attempts allowed per node before it is blocked and needs user action.
	// Attempt numbering starts at 1, so a node is blocked once attempt > MaxAttempts.
	MaxAttempts = 5

	// DefaultPriority - dispatch priority for batch operations started from the CLI
	DefaultPriority = 0

	// InteractivePriority - dispatch priority for single ad-hoc calls (ls, mv, stat).
	// Higher than any batch so a user waiting on a prompt is served first.
	InteractivePriority = 100

	// BeforeHookPriorityBoost - added to an operation's priority for directory before-hooks.
	// Listing directories early widens the frontier so later connections have work.
	BeforeHookPriorityBoost = 1

	// MaxClaimRetries - rescans allowed when another caller claims the unit first
	MaxClaimRetries = 8
)

// Connection pool sizing
const (
	// MinTargetConnections - smallest target connection count
	MinTargetConnections = 1

	// DefaultTargetConnections - initial target connection count
	DefaultTargetConnections = 1

	// MaxTargetConnections - largest target connection count
	MaxTargetConnections = 10

	// ScaleUpDirectoriesPerConnection - directories listed per current target before widening by one
	ScaleUpDirectoriesPerConnection = 4
)

// Connection pool backoff
const (
	// ConnectionRetryInterval - minimum gap between two connection creation attempts (1 second)
	ConnectionRetryInterval = 1 * time.Second

	// ConnectionAttemptTimeout - after this long an in-flight creation is treated as abandoned (15 seconds)
	ConnectionAttemptTimeout = 15 * time.Second

	// MaxConnectionFailures - consecutive creation failures before the pool gives up
	MaxConnectionFailures = 5

	// PoolRefreshInterval - how often the pool reconciles its entries with the target
	PoolRefreshInterval = 1 * time.Second
)

// Chunked transfer tiers. Decimal sizes match what servers report back as offsets.
const (
	// ChunkTierSmall - smallest chunk (1 MB)
	ChunkTierSmall = 1_000_000

	// ChunkTierMedium - starting chunk (2 MB)
	ChunkTierMedium = 2_000_000

	// ChunkTierLarge - largest chunk (4 MB)
	ChunkTierLarge = 4_000_000

	// ChunkedThreshold - files larger than this use a chunked session instead of a single upload
	ChunkedThreshold = ChunkTierLarge

	// ChunkSlowThreshold - a round trip slower than this shrinks the chunk by one tier
	ChunkSlowThreshold = 5 * time.Second

	// ChunkFastThreshold - a round trip faster than this grows the chunk by one tier
	ChunkFastThreshold = 1 * time.Second
)

// Storage backends
const (
	// MinPartSize - AWS S3 minimum part size (5 MB, except last part)
	MinPartSize = 5 * 1024 * 1024

	// AzureCopyPollInterval - poll interval while waiting for a server-side blob copy
	AzureCopyPollInterval = 500 * time.Millisecond

	// DownloadTempSuffix - suffix for partially downloaded files
	DownloadTempSuffix = ".download"

	// DiskSpaceSafetyMargin - multiplier applied to required bytes before a download
	DiskSpaceSafetyMargin = 1.05

	// LocalScanConcurrency - directories read in parallel while scanning an upload source
	LocalScanConcurrency = 8
)

// HTTP retry configuration for the cloud backends
const (
	// MaxRetries - maximum number of retries for transient HTTP errors
	MaxRetries = 10

	// RetryInitialDelay - initial delay for exponential backoff
	RetryInitialDelay = 1 * time.Second

	// RetryMaxDelay - maximum delay between retries
	RetryMaxDelay = 30 * time.Second

	// HTTPClientTimeout - overall timeout for one HTTP request
	HTTPClientTimeout = 10 * time.Minute

	// MaxIdleConnsPerHost - idle keep-alive connections kept per host
	MaxIdleConnsPerHost = 10

	// HTTPDialTimeout - TCP connect timeout
	HTTPDialTimeout = 30 * time.Second

	// HTTPDialKeepAlive - TCP keep-alive period
	HTTPDialKeepAlive = 30 * time.Second

	// HTTPIdleConnTimeout - how long an idle keep-alive connection is kept
	HTTPIdleConnTimeout = 90 * time.Second

	// HTTPTLSHandshakeTimeout - extended for slow networks and proxies
	HTTPTLSHandshakeTimeout = 30 * time.Second

	// HTTPExpectContinueTimeout - wait for 100-continue before sending the body
	HTTPExpectContinueTimeout = 1 * time.Second

	// ProxyWarmupTimeout - timeout for the optional proxy warmup request
	ProxyWarmupTimeout = 15 * time.Second
)

// Event bus
const (
	// EventBusDefaultBuffer - default buffer size for event bus subscribers
	EventBusDefaultBuffer = 1000

	// EventBusMaxBuffer - maximum buffer size for event bus subscribers
	EventBusMaxBuffer = 5000
)

// Progress UI
const (
	// ProgressRefreshRate - refresh rate for terminal progress bars
	ProgressRefreshRate = 150 * time.Millisecond

	// ProgressBarWidth - width of terminal progress bars
	ProgressBarWidth = 40
)

// CLI
const (
	// CancelGracePeriod - how long an interrupted command waits for in-flight units to stop
	CancelGracePeriod = 30 * time.Second

	// ArchiveSpoolPrefix - prefix of the spool directory created next to an archive
	ArchiveSpoolPrefix = ".rescale-bulk-spool-"
)
