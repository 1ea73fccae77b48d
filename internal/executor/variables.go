package executor

import (
	"regexp"

	"provisioning-orchestrator/internal/config"
	"provisioning-orchestrator/internal/errs"
	"provisioning-orchestrator/internal/models"
)

// Variables is the complete set of values ever written to terraform.tfvars.json.
// Nothing outside this struct reaches the tool.
type Variables struct {
	AWSRegion        string            `json:"aws_region"`
	InstanceType     string            `json:"instance_type"`
	VolumeSize       int               `json:"volume_size"`
	JobName          string            `json:"job_name"`
	AMIID            string            `json:"ami_id,omitempty"`
	VPCID            string            `json:"vpc_id,omitempty"`
	SubnetID         string            `json:"subnet_id,omitempty"`
	SecurityGroupIDs []string          `json:"security_group_ids,omitempty"`
	KeyPairName      string            `json:"key_pair_name,omitempty"`
	Tags             map[string]string `json:"tags,omitempty"`
	UserData         string            `json:"user_data,omitempty"`
}

var (
	amiIDPattern     = regexp.MustCompile(`^ami-[0-9a-f]{8,17}$`)
	vpcIDPattern     = regexp.MustCompile(`^vpc-[0-9a-f]{8,17}$`)
	subnetIDPattern  = regexp.MustCompile(`^subnet-[0-9a-f]{8,17}$`)
	sgIDPattern      = regexp.MustCompile(`^sg-[0-9a-f]{8,17}$`)
	keyPairPattern   = regexp.MustCompile(`^[A-Za-z0-9 ._\-]{1,255}$`)
	jobNameSanitizer = regexp.MustCompile(`[^A-Za-z0-9._\-]+`)
)

// ManagerTag is the ownership tag stamped on every resource the tool creates.
const ManagerTag = "ManagedBy"

// BuildVariables maps a job onto Variables, re-checking every allow-listed field.
func BuildVariables(job models.Job, policy config.Policy, managerIdentity string) (Variables, error) {
	c := job.Config
	if !policy.RegionAllowed(c.Region) {
		return Variables{}, errs.Validationf("region %q is not allowed", c.Region)
	}
	if !policy.InstanceTypeAllowed(c.InstanceType) {
		return Variables{}, errs.Validationf("instance type %q is not allowed", c.InstanceType)
	}
	volume := c.VolumeSizeGB
	if volume == 0 {
		volume = policy.DefaultVolumeGB
	}
	if volume < policy.MinVolumeGB || volume > policy.MaxVolumeGB {
		return Variables{}, errs.Validationf("volume size %d outside %d..%d", volume, policy.MinVolumeGB, policy.MaxVolumeGB)
	}
	if c.AMIID != "" && !amiIDPattern.MatchString(c.AMIID) {
		return Variables{}, errs.Validationf("malformed image id %q", c.AMIID)
	}
	if c.VPCID != "" && !vpcIDPattern.MatchString(c.VPCID) {
		return Variables{}, errs.Validationf("malformed vpc id %q", c.VPCID)
	}
	if c.SubnetID != "" && !subnetIDPattern.MatchString(c.SubnetID) {
		return Variables{}, errs.Validationf("malformed subnet id %q", c.SubnetID)
	}
	for _, sg := range c.SecurityGroupIDs {
		if !sgIDPattern.MatchString(sg) {
			return Variables{}, errs.Validationf("malformed security group id %q", sg)
		}
	}
	if c.KeyPairName != "" && !keyPairPattern.MatchString(c.KeyPairName) {
		return Variables{}, errs.Validationf("malformed key pair name %q", c.KeyPairName)
	}

	tags := make(map[string]string, len(c.Tags)+3)
	for k, v := range c.Tags {
		tags[k] = v
	}
	tags["Name"] = job.Name
	tags["JobId"] = job.ID
	if managerIdentity != "" {
		tags[ManagerTag] = managerIdentity
	}

	return Variables{
		AWSRegion:        c.Region,
		InstanceType:     c.InstanceType,
		VolumeSize:       volume,
		JobName:          jobNameSanitizer.ReplaceAllString(job.Name, "-"),
		AMIID:            c.AMIID,
		VPCID:            c.VPCID,
		SubnetID:         c.SubnetID,
		SecurityGroupIDs: c.SecurityGroupIDs,
		KeyPairName:      c.KeyPairName,
		Tags:             tags,
		UserData:         c.BootstrapPayload,
	}, nil
}
