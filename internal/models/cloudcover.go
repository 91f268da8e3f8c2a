package models

// SentinelCloudCover is served when the provider could not compute a value.
const SentinelCloudCover = -1.0

// CloudCover is the response payload of the cloud-cover endpoint.
type CloudCover struct {
	LastCloudCover float64 `json:"last_cloud_cover"`
	FromCache      bool    `json:"from_cache"`
}

// Outcome is the result of a provider computation: either a computed value or the
// reason the computation failed. Build with Computed or Failed.
type Outcome struct {
	Value float64
	Err   error
}

// Computed returns a successful Outcome carrying v.
func Computed(v float64) Outcome {
	return Outcome{Value: v}
}

// Failed returns a failed Outcome carrying reason.
func Failed(reason error) Outcome {
	return Outcome{Value: SentinelCloudCover, Err: reason}
}

// OK reports whether the computation succeeded.
func (o Outcome) OK() bool {
	return o.Err == nil
}
