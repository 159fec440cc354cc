package model

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/google/uuid"
)

type IDType string

const (
	IDTypeAction       IDType = "act"
	IDTypeNotification IDType = "ntf"
	IDTypeDeadLetter   IDType = "dlq"
)

var validIDTypes = map[IDType]bool{
	IDTypeAction:       true,
	IDTypeNotification: true,
	IDTypeDeadLetter:   true,
}

var idRegex = regexp.MustCompile(`^(act|ntf|dlq)_[0-9]{10}_[0-9a-f]{8}$`)

func GenerateID(idType IDType) (string, error) {
	if !validIDTypes[idType] {
		return "", fmt.Errorf("invalid ID type: %s", idType)
	}

	timestamp := time.Now().Unix()
	randomBytes := make([]byte, 4)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	hexStr := hex.EncodeToString(randomBytes)

	return fmt.Sprintf("%s_%010d_%s", idType, timestamp, hexStr), nil
}

// NewIdempotencyKey returns the token the backend uses to deduplicate replays of one action.
func NewIdempotencyKey() string {
	return uuid.NewString()
}

func ValidIdempotencyKey(key string) bool {
	_, err := uuid.Parse(key)
	return err == nil
}

func ValidateID(id string) bool {
	return idRegex.MatchString(id)
}

func ParseIDType(id string) (IDType, error) {
	if !ValidateID(id) {
		return "", fmt.Errorf("invalid ID format: %s", id)
	}
	match := idRegex.FindStringSubmatch(id)
	return IDType(match[1]), nil
}

func ParseIDTimestamp(id string) (time.Time, error) {
	if !ValidateID(id) {
		return time.Time{}, fmt.Errorf("invalid ID format: %s", id)
	}
	// 10 digits between the two underscores
	tsStr := id[len(id)-19 : len(id)-9]
	ts, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp from ID %s: %w", id, err)
	}
	return time.Unix(ts, 0), nil
}
