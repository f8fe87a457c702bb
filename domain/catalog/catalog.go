// Package catalog defines the supporting entities a Runner is bound to:
// Image, Machine, CloudConnector, Key, and SecurityGroup (§3).
package catalog

import "time"

// ImageStatus is the lifecycle status of an Image.
type ImageStatus string

const (
	ImageStatusCreating ImageStatus = "creating"
	ImageStatusActive   ImageStatus = "active"
	ImageStatusInactive ImageStatus = "inactive"
	ImageStatusDeleted  ImageStatus = "deleted"
)

// Image is a VM template plus pool configuration (§3).
type Image struct {
	ID               string
	Identifier       string // cloud-provider image/AMI id
	MachineID        string
	CloudConnectorID string
	PoolSize         int
	Status           ImageStatus
	Tags             []string
	OnStartupScript  string
	OnTerminateScript string
	OnAwaitingClientScript string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Eligible reports whether the image may be used for allocation/pool fill (§3).
func (i *Image) Eligible() bool { return i.Status == ImageStatusActive }

// Machine is cloud instance-type metadata.
type Machine struct {
	ID           string
	InstanceType string
	VCPUs        int
	MemoryMB     int
}

// CloudConnector owns credentials and a region for one cloud account (§3).
type CloudConnector struct {
	ID                string
	Provider          string // registry key for the Cloud Driver (§4.8)
	Region            string
	EncryptedAccessKey string
	EncryptedSecretKey string
	CreatedAt         time.Time
}

// Key is a per-day SSH keypair for a connector (§4.9).
type Key struct {
	ID               string
	KeyDate          string // YYYY-MM-DD
	CloudConnectorID string
	CloudKeyID       string
	KeyName          string
	EncryptedMaterial string
	CreatedAt        time.Time
}

// SecurityGroupStatus is the lifecycle status of a SecurityGroup.
type SecurityGroupStatus string

const (
	SecurityGroupActive          SecurityGroupStatus = "active"
	SecurityGroupPendingDeletion SecurityGroupStatus = "pending_deletion"
	SecurityGroupDeleted         SecurityGroupStatus = "deleted"
)

// InboundRule is one ingress rule on a SecurityGroup.
type InboundRule struct {
	Protocol string
	FromPort int
	ToPort   int
	CIDR     string
}

// SecurityGroup is a per-runner cloud firewall group, reference-counted
// across runners and garbage-collected at zero references (§3, C3).
type SecurityGroup struct {
	ID               string
	CloudGroupID     string
	CloudConnectorID string
	InboundRules     []InboundRule
	Status           SecurityGroupStatus
	CreatedAt        time.Time
}
