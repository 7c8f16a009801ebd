package utils

import (
	"github.com/google/uuid"
)

// GenerateID generates a new UUID for generic identifiers
func GenerateID() string {
	return uuid.New().String()
}

// GenerateRecordID generates a unique consent record ID
func GenerateRecordID() string {
	return "CNS-" + uuid.New().String()
}

// GenerateAuditID generates a unique audit entry ID
func GenerateAuditID() string {
	return "AUD-" + uuid.New().String()
}

// GenerateArchiveID generates a unique archive row ID
func GenerateArchiveID() string {
	return "ARC-" + uuid.New().String()
}

// GenerateSessionID generates an opaque session identifier
func GenerateSessionID() string {
	return "SES-" + uuid.New().String()
}

// IsValidUUID checks if a string is a valid UUID
func IsValidUUID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}
