package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/url"
	"time"

	"github.com/google/uuid"
)

var (
	ErrSubscriptionNotFound = errors.New("webhook subscription not found")
	ErrSubscriptionDisabled = errors.New("webhook subscription is disabled")
)

// Subscription is an outbound webhook: lifecycle events matching one of
// its patterns are delivered to the URL, signed with the secret.
type Subscription struct {
	ID           string            `json:"id" gorm:"primaryKey"`
	UserID       string            `json:"userId" gorm:"not null;index"`
	Name         string            `json:"name"`
	URL          string            `json:"url" gorm:"not null"`
	Secret       string            `json:"secret"`
	EventTypes   []string          `json:"eventTypes" gorm:"serializer:json"`
	Headers      map[string]string `json:"headers" gorm:"serializer:json"`
	IsActive     bool              `json:"isActive" gorm:"default:true"`
	FailureCount int               `json:"failureCount" gorm:"default:0"`
	LastSentAt   *time.Time        `json:"lastSentAt"`
	CreatedAt    time.Time         `json:"createdAt"`
	UpdatedAt    time.Time         `json:"updatedAt"`
}

// Delivery records one delivery attempt sequence for a subscription.
type Delivery struct {
	ID             string     `json:"id" gorm:"primaryKey"`
	SubscriptionID string     `json:"subscriptionId" gorm:"not null;index"`
	EventID        string     `json:"eventId" gorm:"index"`
	EventType      string     `json:"eventType"`
	StatusCode     int        `json:"statusCode"`
	Attempts       int        `json:"attempts"`
	Error          string     `json:"error"`
	DeliveredAt    *time.Time `json:"deliveredAt"`
	CreatedAt      time.Time  `json:"createdAt"`
}

func NewSubscription(userID, name, rawURL string, eventTypes []string) *Subscription {
	return &Subscription{
		ID:         uuid.New().String(),
		UserID:     userID,
		Name:       name,
		URL:        rawURL,
		EventTypes: eventTypes,
		Headers:    make(map[string]string),
		IsActive:   true,
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
	}
}

// Validate checks the subscription target and event patterns.
func (s *Subscription) Validate() error {
	parsed, err := url.Parse(s.URL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return errors.New("webhook url must be absolute")
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return errors.New("webhook url scheme must be http or https")
	}
	if len(s.EventTypes) == 0 {
		return errors.New("at least one event type pattern is required")
	}
	return nil
}

// Sign computes the hex HMAC-SHA256 of the payload with the subscription
// secret. Empty when no secret is configured.
func (s *Subscription) Sign(payload []byte) string {
	if s.Secret == "" {
		return ""
	}
	mac := hmac.New(sha256.New, []byte(s.Secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a received signature against the payload.
func (s *Subscription) VerifySignature(payload []byte, signature string) bool {
	if s.Secret == "" {
		return true
	}
	expected := s.Sign(payload)
	return hmac.Equal([]byte(expected), []byte(signature))
}
