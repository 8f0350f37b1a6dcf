package model

// AckResponse is the body returned to the webhook provider. The webhook always
// acknowledges so the provider never retry-storms on downstream failures.
type AckResponse struct {
	Status string `json:"status"`
}
