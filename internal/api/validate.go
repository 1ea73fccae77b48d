package api

import (
	"slices"
	"strings"

	"provisioning-orchestrator/internal/config"
	"provisioning-orchestrator/internal/errs"
	"provisioning-orchestrator/internal/executor"
	"provisioning-orchestrator/internal/models"
)

const maxNameLength = 255

type submitRequest struct {
	Name     string `json:"name"`
	Kind     string `json:"kind"`
	Priority string `json:"priority"`
	models.JobConfig
}

// validate normalises a submission and rejects it before anything is persisted.
func validate(req submitRequest, policy config.Policy, identity string, priorities []string, defaultPriority string) (submitRequest, error) {
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" || len(req.Name) > maxNameLength {
		return req, errs.Validationf("name must be 1..%d characters", maxNameLength)
	}
	if req.Kind == "" {
		req.Kind = models.KindGenericInfra
	}
	if req.Kind != models.KindGenericInfra && req.Kind != models.KindApplication {
		return req, errs.Validationf("kind %q is not one of %s, %s", req.Kind, models.KindGenericInfra, models.KindApplication)
	}
	if req.Priority == "" {
		req.Priority = defaultPriority
	}
	if !slices.Contains(priorities, req.Priority) {
		return req, errs.Validationf("priority %q is not one of %s", req.Priority, strings.Join(priorities, ", "))
	}
	if req.VolumeSizeGB == 0 {
		req.VolumeSizeGB = policy.DefaultVolumeGB
	}
	if req.VolumeSizeGB < policy.MinVolumeGB || req.VolumeSizeGB > policy.MaxVolumeGB {
		return req, errs.Validationf("volume_size_gb must be within %d..%d", policy.MinVolumeGB, policy.MaxVolumeGB)
	}

	switch req.Auth.Method {
	case models.AuthAssumeRole:
		if req.Auth.RoleARN == "" {
			return req, errs.Validationf("auth.role_arn is required for assume_role")
		}
		if !strings.HasPrefix(req.Auth.RoleARN, "arn:") {
			return req, errs.Validationf("auth.role_arn %q is not an ARN", req.Auth.RoleARN)
		}
	case models.AuthAccessKey:
		if !policy.AllowAccessKeyAuth {
			return req, errs.Validationf("access_key authentication is disabled")
		}
	case models.AuthProfile:
		if req.Auth.Profile == "" {
			return req, errs.Validationf("auth.profile is required for profile authentication")
		}
	default:
		return req, errs.Validationf("auth.method %q is not one of %s, %s, %s", req.Auth.Method, models.AuthAssumeRole, models.AuthAccessKey, models.AuthProfile)
	}

	req.AppVersion = strings.TrimSpace(req.AppVersion)
	if req.Kind == models.KindApplication && req.CreateImage && req.AppVersion == "" {
		return req, errs.Validationf("app_version is required when create_image is set")
	}
	if req.Kind != models.KindApplication && req.CreateImage {
		return req, errs.Validationf("create_image requires kind %s", models.KindApplication)
	}

	// Region, instance type, and resource ids go through the same checks the executor
	// applies before writing variables.
	probe := models.Job{Name: req.Name, Kind: req.Kind, Config: req.JobConfig}
	if _, err := executor.BuildVariables(probe, policy, identity); err != nil {
		return req, err
	}
	return req, nil
}
