package eventflow

import (
	"encoding/json"
	"fmt"
)

// Event types published by the FundlyHub platform, grouped by domain. The
// catalog is closed: publishing a type that is not listed here is rejected.
const (
	UserRegistered  = "user.registered"
	UserRoleChanged = "user.role_changed"

	CampaignCreated   = "campaign.created"
	CampaignUpdated   = "campaign.updated"
	CampaignDeleted   = "campaign.deleted"
	CampaignPublished = "campaign.published"

	DonationCompleted = "donation.completed"
	DonationRefunded  = "donation.refunded"

	OrganizationCreated  = "organization.created"
	OrganizationVerified = "organization.verified"

	AdminActionRecorded = "admin.action_recorded"
)

// UserRegisteredPayload is the payload for user.registered.
type UserRegisteredPayload struct {
	UserID      string `json:"user_id"`
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
}

func (p UserRegisteredPayload) Validate() error {
	if p.UserID == "" {
		return fmt.Errorf("user_id is required")
	}
	if p.Email == "" {
		return fmt.Errorf("email is required")
	}
	return nil
}

// UserRoleChangedPayload is the payload for user.role_changed.
type UserRoleChangedPayload struct {
	UserID       string `json:"user_id"`
	Role         string `json:"role"`
	PreviousRole string `json:"previous_role"`
}

func (p UserRoleChangedPayload) Validate() error {
	if p.UserID == "" {
		return fmt.Errorf("user_id is required")
	}
	if p.Role == "" {
		return fmt.Errorf("role is required")
	}
	return nil
}

// CampaignCreatedPayload is the payload for campaign.created.
type CampaignCreatedPayload struct {
	CampaignID string `json:"campaign_id"`
	OwnerID    string `json:"owner_id"`
	Title      string `json:"title"`
	Slug       string `json:"slug"`
	GoalAmount int64  `json:"goal_amount"`
	Currency   string `json:"currency"`
}

func (p CampaignCreatedPayload) Validate() error {
	if p.CampaignID == "" {
		return fmt.Errorf("campaign_id is required")
	}
	if p.OwnerID == "" {
		return fmt.Errorf("owner_id is required")
	}
	if p.Slug == "" {
		return fmt.Errorf("slug is required")
	}
	if p.GoalAmount < 0 {
		return fmt.Errorf("goal_amount must not be negative")
	}
	return nil
}

// CampaignUpdatedPayload is the payload for campaign.updated. Nil fields were
// not touched by the update.
type CampaignUpdatedPayload struct {
	CampaignID  string  `json:"campaign_id"`
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
	GoalAmount  *int64  `json:"goal_amount,omitempty"`
}

func (p CampaignUpdatedPayload) Validate() error {
	if p.CampaignID == "" {
		return fmt.Errorf("campaign_id is required")
	}
	return nil
}

// CampaignDeletedPayload is the payload for campaign.deleted (soft delete).
type CampaignDeletedPayload struct {
	CampaignID string `json:"campaign_id"`
	Reason     string `json:"reason"`
}

func (p CampaignDeletedPayload) Validate() error {
	if p.CampaignID == "" {
		return fmt.Errorf("campaign_id is required")
	}
	return nil
}

// CampaignPublishedPayload is the payload for campaign.published.
type CampaignPublishedPayload struct {
	CampaignID string `json:"campaign_id"`
	OwnerID    string `json:"owner_id"`
}

func (p CampaignPublishedPayload) Validate() error {
	if p.CampaignID == "" {
		return fmt.Errorf("campaign_id is required")
	}
	return nil
}

// DonationCompletedPayload is the payload for donation.completed.
type DonationCompletedPayload struct {
	DonationID string `json:"donation_id"`
	CampaignID string `json:"campaign_id"`
	DonorID    string `json:"donor_id"`
	Amount     int64  `json:"amount"`
	Currency   string `json:"currency"`
}

func (p DonationCompletedPayload) Validate() error {
	if p.DonationID == "" {
		return fmt.Errorf("donation_id is required")
	}
	if p.CampaignID == "" {
		return fmt.Errorf("campaign_id is required")
	}
	if p.Amount <= 0 {
		return fmt.Errorf("amount must be positive")
	}
	return nil
}

// DonationRefundedPayload is the payload for donation.refunded.
type DonationRefundedPayload struct {
	DonationID string `json:"donation_id"`
	CampaignID string `json:"campaign_id"`
	Amount     int64  `json:"amount"`
}

func (p DonationRefundedPayload) Validate() error {
	if p.DonationID == "" {
		return fmt.Errorf("donation_id is required")
	}
	if p.CampaignID == "" {
		return fmt.Errorf("campaign_id is required")
	}
	if p.Amount <= 0 {
		return fmt.Errorf("amount must be positive")
	}
	return nil
}

// OrganizationCreatedPayload is the payload for organization.created.
type OrganizationCreatedPayload struct {
	OrganizationID string `json:"organization_id"`
	Name           string `json:"name"`
	OwnerID        string `json:"owner_id"`
}

func (p OrganizationCreatedPayload) Validate() error {
	if p.OrganizationID == "" {
		return fmt.Errorf("organization_id is required")
	}
	if p.Name == "" {
		return fmt.Errorf("name is required")
	}
	return nil
}

// OrganizationVerifiedPayload is the payload for organization.verified.
type OrganizationVerifiedPayload struct {
	OrganizationID string `json:"organization_id"`
	VerifiedBy     string `json:"verified_by"`
}

func (p OrganizationVerifiedPayload) Validate() error {
	if p.OrganizationID == "" {
		return fmt.Errorf("organization_id is required")
	}
	return nil
}

// AdminActionRecordedPayload is the payload for admin.action_recorded.
type AdminActionRecordedPayload struct {
	AdminID  string `json:"admin_id"`
	Action   string `json:"action"`
	TargetID string `json:"target_id"`
}

func (p AdminActionRecordedPayload) Validate() error {
	if p.AdminID == "" {
		return fmt.Errorf("admin_id is required")
	}
	if p.Action == "" {
		return fmt.Errorf("action is required")
	}
	return nil
}

// payloadValidator checks a raw payload against the schema for one
// (type, version) pair.
type payloadValidator func(raw json.RawMessage) error

func schemaFor[T interface{ Validate() error }]() payloadValidator {
	return func(raw json.RawMessage) error {
		var p T
		if err := json.Unmarshal(raw, &p); err != nil {
			return fmt.Errorf("failed to decode payload: %w", err)
		}
		return p.Validate()
	}
}

type schemaKey struct {
	eventType string
	version   string
}

// schemaCatalog maps (type, version) to a payload validator. Versions evolve
// backward-compatibly; a new payload shape gets a new version entry while the
// old one stays resolvable for replay.
var schemaCatalog = map[schemaKey]payloadValidator{
	{UserRegistered, "1.0"}:       schemaFor[UserRegisteredPayload](),
	{UserRoleChanged, "1.0"}:      schemaFor[UserRoleChangedPayload](),
	{CampaignCreated, "1.0"}:      schemaFor[CampaignCreatedPayload](),
	{CampaignUpdated, "1.0"}:      schemaFor[CampaignUpdatedPayload](),
	{CampaignDeleted, "1.0"}:      schemaFor[CampaignDeletedPayload](),
	{CampaignPublished, "1.0"}:    schemaFor[CampaignPublishedPayload](),
	{DonationCompleted, "1.0"}:    schemaFor[DonationCompletedPayload](),
	{DonationRefunded, "1.0"}:     schemaFor[DonationRefundedPayload](),
	{OrganizationCreated, "1.0"}:  schemaFor[OrganizationCreatedPayload](),
	{OrganizationVerified, "1.0"}: schemaFor[OrganizationVerifiedPayload](),
	{AdminActionRecorded, "1.0"}:  schemaFor[AdminActionRecordedPayload](),
}

// currentVersions tracks the version new events of each type are stamped
// with. Older versions remain in the catalog for validation during replay.
var currentVersions = map[string]string{
	UserRegistered:       "1.0",
	UserRoleChanged:      "1.0",
	CampaignCreated:      "1.0",
	CampaignUpdated:      "1.0",
	CampaignDeleted:      "1.0",
	CampaignPublished:    "1.0",
	DonationCompleted:    "1.0",
	DonationRefunded:     "1.0",
	OrganizationCreated:  "1.0",
	OrganizationVerified: "1.0",
	AdminActionRecorded:  "1.0",
}

func currentVersion(eventType string) (string, bool) {
	v, ok := currentVersions[eventType]
	return v, ok
}

// ValidateEvent checks the event envelope and validates the payload against
// the schema registered for the event's type and version.
func ValidateEvent(event Event) error {
	if err := validateEnvelope(event); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidPayload, err)
	}

	validator, ok := schemaCatalog[schemaKey{event.Type, event.Version}]
	if !ok {
		return fmt.Errorf("%w: %s@%s", ErrUnknownEventType, event.Type, event.Version)
	}

	if err := validator(event.Payload); err != nil {
		return fmt.Errorf("%w: %s@%s: %s", ErrInvalidPayload, event.Type, event.Version, err)
	}
	return nil
}
