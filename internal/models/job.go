package models

import (
	"time"
)

// JobStatus enumerates lifecycle states persisted in Postgres.
const (
	StatusCreated   = "created"
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Job kinds.
const (
	KindGenericInfra = "generic-infra"
	KindApplication  = "application-with-readiness"
)

// Authentication methods accepted by the credential broker.
const (
	AuthAssumeRole = "assume_role"
	AuthAccessKey  = "access_key"
	AuthProfile    = "profile"
)

// Readiness sub-states recorded on application jobs.
const (
	ReadinessWaiting   = "waiting"
	ReadinessReady     = "ready"
	ReadinessTimedOut  = "timed_out"
	ReadinessCancelled = "cancelled"
)

// Image cache states. An empty ami_creation_status means the image step never ran.
const (
	ImageStatusPending   = "pending"
	ImageStatusCreating  = "creating"
	ImageStatusCompleted = "completed"
	ImageStatusFailed    = "failed"
	ImageStatusSkipped   = "skipped"
)

// Pipeline steps. Each one is a discrete queue task keyed by job id.
const (
	StepProvision   = "provision"
	StepReadiness   = "readiness"
	StepImageCreate = "image_create"
	StepImageWait   = "image_wait"
)

// Steps lists every pipeline step in execution order.
var Steps = []string{StepProvision, StepReadiness, StepImageCreate, StepImageWait}

// AuthConfig describes how the worker obtains cloud credentials for a job.
// It never carries secret material.
type AuthConfig struct {
	Method      string `json:"method"`
	RoleARN     string `json:"role_arn,omitempty"`
	ExternalID  string `json:"external_id,omitempty"`
	SessionName string `json:"session_name,omitempty"`
	Profile     string `json:"profile,omitempty"`
}

// JobConfig is the configuration snapshot taken at submission.
type JobConfig struct {
	Region            string            `json:"region"`
	InstanceType      string            `json:"instance_type"`
	VolumeSizeGB      int               `json:"volume_size_gb"`
	AMIID             string            `json:"ami_id,omitempty"`
	VPCID             string            `json:"vpc_id,omitempty"`
	SubnetID          string            `json:"subnet_id,omitempty"`
	SecurityGroupIDs  []string          `json:"security_group_ids,omitempty"`
	KeyPairName       string            `json:"key_pair_name,omitempty"`
	Tags              map[string]string `json:"tags,omitempty"`
	Auth              AuthConfig        `json:"auth"`
	AppVersion        string            `json:"app_version,omitempty"`
	BootstrapPayload  string            `json:"bootstrap_payload,omitempty"`
	CreateImage       bool              `json:"create_image"`
	RebootBeforeImage bool              `json:"reboot_before_image"`
}

// Job represents a provisioning job persisted in Postgres.
type Job struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Kind     string    `json:"kind"`
	Tenant   string    `json:"tenant"`
	Priority string    `json:"priority"`
	Status   string    `json:"status"`
	Config   JobConfig `json:"config"`

	InstanceID   string            `json:"instance_id,omitempty"`
	PublicIP     string            `json:"public_ip,omitempty"`
	PrivateIP    string            `json:"private_ip,omitempty"`
	AWSAccountID string            `json:"aws_account_id,omitempty"`
	Outputs      map[string]string `json:"outputs,omitempty"`
	ErrorMessage string            `json:"error_message,omitempty"`

	KamiwazaReady         bool       `json:"kamiwaza_ready"`
	KamiwazaCheckedAt     *time.Time `json:"kamiwaza_checked_at,omitempty"`
	KamiwazaCheckAttempts int        `json:"kamiwaza_check_attempts"`
	ReadinessStatus       string     `json:"readiness_status,omitempty"`
	ReadinessStartedAt    *time.Time `json:"readiness_started_at,omitempty"`

	AMICreationStatus string     `json:"ami_creation_status,omitempty"`
	CreatedAMIID      string     `json:"created_ami_id,omitempty"`
	CreatedAMISizeGB  int        `json:"created_ami_size_gb,omitempty"`
	AMICreatedAt      *time.Time `json:"ami_created_at,omitempty"`
	AMICreationError  string     `json:"ami_creation_error,omitempty"`
	AMIWaitStartedAt  *time.Time `json:"ami_wait_started_at,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// WantsReadiness reports whether the pipeline polls the application after apply.
func (j Job) WantsReadiness() bool {
	return j.Kind == KindApplication
}

// WantsImage reports whether a golden image should be captured once the job is ready.
func (j Job) WantsImage() bool {
	return j.Kind == KindApplication && j.Config.CreateImage && j.Config.AppVersion != ""
}

// JobView is the externally visible projection of a job. The bootstrap payload is
// withheld because install scripts routinely embed tokens.
type JobView struct {
	ID                    string            `json:"id"`
	Name                  string            `json:"name"`
	Kind                  string            `json:"kind"`
	Priority              string            `json:"priority"`
	Status                string            `json:"status"`
	Region                string            `json:"region"`
	InstanceType          string            `json:"instance_type"`
	AppVersion            string            `json:"app_version,omitempty"`
	InstanceID            string            `json:"instance_id,omitempty"`
	PublicIP              string            `json:"public_ip,omitempty"`
	PrivateIP             string            `json:"private_ip,omitempty"`
	AWSAccountID          string            `json:"aws_account_id,omitempty"`
	Outputs               map[string]string `json:"outputs,omitempty"`
	ErrorMessage          string            `json:"error_message,omitempty"`
	KamiwazaReady         bool              `json:"kamiwaza_ready"`
	KamiwazaCheckAttempts int               `json:"kamiwaza_check_attempts"`
	ReadinessStatus       string            `json:"readiness_status,omitempty"`
	AMICreationStatus     string            `json:"ami_creation_status,omitempty"`
	CreatedAMIID          string            `json:"created_ami_id,omitempty"`
	CreatedAMISizeGB      int               `json:"created_ami_size_gb,omitempty"`
	AMICreatedAt          *time.Time        `json:"ami_created_at,omitempty"`
	AMICreationError      string            `json:"ami_creation_error,omitempty"`
	CreatedAt             time.Time         `json:"created_at"`
	UpdatedAt             time.Time         `json:"updated_at"`
	StartedAt             *time.Time        `json:"started_at,omitempty"`
	CompletedAt           *time.Time        `json:"completed_at,omitempty"`
}

// View projects the job for API consumers.
func (j Job) View() JobView {
	return JobView{
		ID:                    j.ID,
		Name:                  j.Name,
		Kind:                  j.Kind,
		Priority:              j.Priority,
		Status:                j.Status,
		Region:                j.Config.Region,
		InstanceType:          j.Config.InstanceType,
		AppVersion:            j.Config.AppVersion,
		InstanceID:            j.InstanceID,
		PublicIP:              j.PublicIP,
		PrivateIP:             j.PrivateIP,
		AWSAccountID:          j.AWSAccountID,
		Outputs:               j.Outputs,
		ErrorMessage:          j.ErrorMessage,
		KamiwazaReady:         j.KamiwazaReady,
		KamiwazaCheckAttempts: j.KamiwazaCheckAttempts,
		ReadinessStatus:       j.ReadinessStatus,
		AMICreationStatus:     j.AMICreationStatus,
		CreatedAMIID:          j.CreatedAMIID,
		CreatedAMISizeGB:      j.CreatedAMISizeGB,
		AMICreatedAt:          j.AMICreatedAt,
		AMICreationError:      j.AMICreationError,
		CreatedAt:             j.CreatedAt,
		UpdatedAt:             j.UpdatedAt,
		StartedAt:             j.StartedAt,
		CompletedAt:           j.CompletedAt,
	}
}

// Log levels.
const (
	LevelDebug = "DEBUG"
	LevelInfo  = "INFO"
	LevelWarn  = "WARN"
	LevelError = "ERROR"
)

// Log sources.
const (
	SourceSystem    = "system"
	SourceWorker    = "worker"
	SourceTerraform = "terraform"
	SourceReadiness = "readiness"
	SourceImage     = "image"
)

// LogEntry is an immutable row of a job's log stream. IDs increase strictly per job.
type LogEntry struct {
	ID        int64     `json:"id"`
	JobID     string    `json:"job_id"`
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Source    string    `json:"source"`
	Message   string    `json:"message"`
}
