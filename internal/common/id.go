package common

import (
	"github.com/google/uuid"
)

// NewInstanceName generates a unique worker instance name
// Format: <class>-<short uuid>
func NewInstanceName(class string) string {
	return class + "-" + uuid.New().String()[:8]
}
