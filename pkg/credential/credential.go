// Package credential defines the upstream credential model: one record per
// provider identity, with a health status driven by the completion path and
// the recovery sweeps.
package credential

import "fmt"

// ProviderType is the upstream API dialect a credential speaks.
type ProviderType string

const (
	TypeOpenAI ProviderType = "OPEN_AI"
	TypeAzure  ProviderType = "AZURE"
)

// ParseProviderType validates and normalizes a provider type string.
// An empty string defaults to OpenAI, matching account creation behavior.
func ParseProviderType(s string) (ProviderType, error) {
	switch ProviderType(s) {
	case "":
		return TypeOpenAI, nil
	case TypeOpenAI:
		return TypeOpenAI, nil
	case TypeAzure:
		return TypeAzure, nil
	default:
		return "", fmt.Errorf("unknown provider type: %q", s)
	}
}

// Status is the health state of a credential. The integer values are part of
// the persisted record format and must not be reordered.
type Status int

const (
	StatusDown Status = iota
	StatusInitializing
	StatusRunning
	StatusError
	StatusFrequent
	StatusBanned
	StatusNoCredits
)

var statusNames = map[Status]string{
	StatusDown:         "DOWN",
	StatusInitializing: "INITIALIZING",
	StatusRunning:      "RUNNING",
	StatusError:        "ERROR",
	StatusFrequent:     "FREQUENT",
	StatusBanned:       "BANNED",
	StatusNoCredits:    "NO_CREDITS",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// Unavailable reports whether the status marks the credential as unusable
// due to an upstream failure. Setting one of these stamps the error fields.
func (s Status) Unavailable() bool {
	switch s {
	case StatusError, StatusFrequent, StatusBanned, StatusNoCredits:
		return true
	default:
		return false
	}
}

// Credential is one upstream provider identity.
// Email/Password are only set for browser-automated OpenAI accounts;
// ResourceName/DeploymentID only for Azure.
type Credential struct {
	ID           string       `json:"id"`
	Type         ProviderType `json:"type"`
	APIKey       string       `json:"apiKey"`
	Email        string       `json:"email,omitempty"`
	Password     string       `json:"password,omitempty"`
	ResourceName string       `json:"resourceName,omitempty"`
	DeploymentID string       `json:"deploymentId,omitempty"`
	Status       Status       `json:"status"`
	IsPro        bool         `json:"isPro"`
	ErrorMsg     string       `json:"errorMsg,omitempty"`
	// ErrorTimestamp is unix milliseconds of the last unavailable transition.
	ErrorTimestamp int64 `json:"errorTimestamp,omitempty"`
	CreatedAt      int64 `json:"createdAt"`
}

// StatusExempt reports whether status transitions to unavailable states are
// suppressed for this credential. Azure deployments are billed per call and
// a transient failure there must not take the deployment out of rotation.
func (c *Credential) StatusExempt() bool {
	return c.Type == TypeAzure
}

// TypeWeight is one row of the provider-type weight table. The collection
// defines a discrete probability distribution over provider types.
type TypeWeight struct {
	Type   ProviderType `json:"type"`
	Weight float64      `json:"weight"`
}
