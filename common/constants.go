package common

import "time"

const (
	// EnableLogging gates whether LogManager.Flush/ReplaceLog actually touch
	// the underlying log file. false trades durability for throughput: LSNs
	// and the in-memory log still advance normally, there's just nothing on
	// disk to recover from after a crash.
	EnableLogging = true

	// LogTimeout is the duration between each log flush operation. It is probably better to align this with disk's iops
	// rate as much as possible.
	LogTimeout = time.Millisecond * 3
)
