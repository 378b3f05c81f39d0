package scheduler

import (
	"time"

	"github.com/uber-go/tally"
)

// downloadDurationBuckets is the single size class this scheduler needs: one
// torrent, a handful of pieces, downloads measured in seconds rather than
// the multi-gigabyte tiers a blob-replication scheduler would bucket by.
var downloadDurationBuckets = tally.DurationBuckets{
	250 * time.Millisecond,
	500 * time.Millisecond,
	time.Second,
	2 * time.Second,
	5 * time.Second,
	10 * time.Second,
	30 * time.Second,
	time.Minute,
	5 * time.Minute,
}

func recordDownloadDuration(scope tally.Scope, d time.Duration) {
	scope.Histogram("download_duration", downloadDurationBuckets).RecordDuration(d)
}
