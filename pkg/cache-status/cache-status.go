package cachestatus

import "fmt"

// HeaderName is the response header describing how the request was handled.
const HeaderName = "Cache-Status"

const cacheName = "Offline-Cache"

type Status string

const (
	StatusHit = Status("hit")
	StatusFwd = Status("fwd")
)

type FwdReason string

const (
	// The request is on the deny list or is not a GET.
	FwdBypass = FwdReason("bypass")

	// The request method's semantics require the request to be
	// forwarded.
	FwdMethod = FwdReason("method")

	// The cache did not contain any responses that matched the
	// request URI.
	FwdUriMiss = FwdReason("uri-miss")

	// The cache is not active yet.
	FwdInactive = FwdReason("inactive")
)

// CacheStatus builds the value of the Cache-Status header.
type CacheStatus struct {
	Status    Status
	FwdReason FwdReason
	Stored    bool
	Key       string
	detail    string
}

func (cs *CacheStatus) Hit() {
	cs.Status = StatusHit
	cs.FwdReason = ""
}

func (cs *CacheStatus) Forward(reason FwdReason) {
	cs.Status = StatusFwd
	cs.FwdReason = reason
}

func (cs *CacheStatus) Detail(detail string) {
	cs.detail = detail
}

func (cs *CacheStatus) String() string {
	status := fmt.Sprintf("%s; %s", cacheName, cs.Status)
	if cs.Status == StatusFwd && cs.FwdReason != "" {
		status = fmt.Sprintf("%s=%s", status, cs.FwdReason)
	}
	if cs.Stored {
		status = status + "; stored"
	}
	if cs.Key != "" {
		status = fmt.Sprintf("%s; key=%q", status, cs.Key)
	}
	if cs.detail != "" {
		status = status + "; detail=" + cs.detail
	}
	return status
}
