package marqs

import "time"

// nowMsFn is overridable in tests, mirroring pkg/id's NowMs mockability so
// priority and lease-expiry tests can pin the clock instead of racing it.
var nowMsFn = func() int64 { return time.Now().UnixMilli() }

func nowMs() int64 { return nowMsFn() }
