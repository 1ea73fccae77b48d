// Package imagecache captures golden images of provisioned instances and deduplicates
// them by version tag.
//
// For one (version, region) pair the manager walks
//
//	absent -> skipped                      an available image already carries the tag
//	absent -> pending -> creating          the (version, region) lock was won
//	creating -> completed | failed         by polling until available or out of budget
//
// Only the lock holder may issue CreateImage, so at most one image per pair is ever in
// flight. A second job that finds the lock taken, or a pending image with the same tag,
// records skipped instead of building a duplicate.
package imagecache

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"provisioning-orchestrator/internal/awsutil"
	"provisioning-orchestrator/internal/errs"
	"provisioning-orchestrator/internal/lock"
	"provisioning-orchestrator/internal/logging"
	"provisioning-orchestrator/internal/models"
	"provisioning-orchestrator/internal/retry"
)

// Persisted tag schema. Operators and future jobs read these keys.
const (
	TagVersion        = "KamiwazaVersion"
	TagSourceInstance = "SourceInstance"
	TagSourceJob      = "SourceJob"
	TagManagedBy      = "ManagedBy"
	TagAutoCreated    = "AutoCreated"
	TagCreatedAt      = "CreatedAt"
)

// EC2API is the subset of the EC2 client the manager calls.
type EC2API interface {
	DescribeImages(ctx context.Context, params *ec2.DescribeImagesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeImagesOutput, error)
	CreateImage(ctx context.Context, params *ec2.CreateImageInput, optFns ...func(*ec2.Options)) (*ec2.CreateImageOutput, error)
	RebootInstances(ctx context.Context, params *ec2.RebootInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RebootInstancesOutput, error)
}

// Locker grants the per-(version, region) creation claim.
type Locker interface {
	Acquire(ctx context.Context, name, owner string) (bool, string, error)
	Release(ctx context.Context, name, owner string) (bool, error)
}

// Ref is a cached image the manager found or created. The image itself is owned by
// the cloud account, not by this service.
type Ref struct {
	ImageID          string
	Version          string
	State            string
	SourceInstanceID string
	SourceJobID      string
	SnapshotIDs      []string
	CreatedAt        time.Time
	SizeGB           int
}

// Request identifies the image a job wants.
type Request struct {
	JobID      string
	JobName    string
	InstanceID string
	Version    string
	Region     string
	Reboot     bool
}

func (r Request) lockName() string {
	return lock.ImageKey(r.Version, r.Region)
}

// Outcome is the state the manager reached. Status is one of the models.ImageStatus
// values; Message explains skipped and failed outcomes.
type Outcome struct {
	Status  string
	Ref     Ref
	Message string
}

// Notify receives intermediate transitions (pending, reboot) as they happen.
type Notify func(ctx context.Context, status, message string)

// Options configures a Manager.
type Options struct {
	Identity    string
	WaitTimeout time.Duration
	MaxRetries  int
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

// Manager runs the image-cache state machine.
type Manager struct {
	opts   Options
	locker Locker
	logger *zap.Logger
	now    func() time.Time
}

// NewManager builds a manager.
func NewManager(opts Options, locker Locker, logger *zap.Logger) *Manager {
	if opts.Identity == "" {
		opts.Identity = "KamiwazaDeploymentManager"
	}
	if opts.WaitTimeout <= 0 {
		opts.WaitTimeout = 20 * time.Minute
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = time.Second
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = 15 * time.Second
	}
	return &Manager{
		opts:   opts,
		locker: locker,
		logger: logging.Component(logger, "imagecache"),
		now:    time.Now,
	}
}

func (m *Manager) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	return retry.Do(ctx, retry.Policy{
		Attempts:  m.opts.MaxRetries,
		Base:      m.opts.BackoffBase,
		Max:       m.opts.BackoffMax,
		Retryable: awsutil.IsTransient,
	}, func(ctx context.Context, attempt int) error {
		err := fn(ctx)
		if err != nil && awsutil.IsTransient(err) {
			m.logger.Warn("transient ec2 error", zap.String("op", op), zap.Int(logging.FieldAttempt, attempt), zap.Error(err))
		}
		return err
	})
}

func (m *Manager) catalogFilters(version string, state types.ImageState) []types.Filter {
	return []types.Filter{
		{Name: aws.String("tag:" + TagVersion), Values: []string{version}},
		{Name: aws.String("tag:" + TagManagedBy), Values: []string{m.opts.Identity}},
		{Name: aws.String("state"), Values: []string{string(state)}},
	}
}

func (m *Manager) find(ctx context.Context, api EC2API, version string, state types.ImageState) (Ref, bool, error) {
	var out *ec2.DescribeImagesOutput
	err := m.call(ctx, "DescribeImages", func(ctx context.Context) error {
		var callErr error
		out, callErr = api.DescribeImages(ctx, &ec2.DescribeImagesInput{
			Owners:  []string{"self"},
			Filters: m.catalogFilters(version, state),
		})
		return callErr
	})
	if err != nil {
		return Ref{}, false, errors.Wrapf(err, "describe images for %s", version)
	}
	img, ok := newest(out.Images)
	if !ok {
		return Ref{}, false, nil
	}
	return refFromImage(img), true, nil
}

// CheckExisting looks for an available image tagged with version and this manager's
// identity. When several match, the newest by creation date wins.
func (m *Manager) CheckExisting(ctx context.Context, api EC2API, version, region string) (Ref, bool, error) {
	ref, ok, err := m.find(ctx, api, version, types.ImageStateAvailable)
	if err != nil {
		return Ref{}, false, errors.Wrapf(err, "region %s", region)
	}
	return ref, ok, nil
}

// Begin deduplicates and, when needed, starts an image build. Cloud failures come back
// as a failed Outcome together with an ErrImageCreation error; a bare error means the
// lock backend failed and the step should be retried.
func (m *Manager) Begin(ctx context.Context, api EC2API, req Request, notify Notify) (Outcome, error) {
	if notify == nil {
		notify = func(context.Context, string, string) {}
	}
	log := m.logger.With(zap.String(logging.FieldJobID, req.JobID), zap.String(logging.FieldVersion, req.Version), zap.String(logging.FieldRegion, req.Region))

	if existing, ok, err := m.CheckExisting(ctx, api, req.Version, req.Region); err != nil {
		return m.failed(req, err)
	} else if ok {
		log.Info("cached image exists", zap.String(logging.FieldImageID, existing.ImageID))
		return Outcome{Status: models.ImageStatusSkipped, Ref: existing, Message: "image already cached for " + req.Version}, nil
	}

	acquired, holder, err := m.locker.Acquire(ctx, req.lockName(), req.JobID)
	if err != nil {
		return Outcome{}, err
	}
	if !acquired {
		msg := fmt.Sprintf("image for %s in %s is being created by job %s", req.Version, req.Region, holder)
		ref, ok, err := m.find(ctx, api, req.Version, types.ImageStatePending)
		if err == nil && ok {
			msg = fmt.Sprintf("image %s for %s is already being created by job %s", ref.ImageID, req.Version, ref.SourceJobID)
		}
		log.Info("image creation in flight elsewhere", zap.String("holder", holder))
		return Outcome{Status: models.ImageStatusSkipped, Ref: ref, Message: msg}, nil
	}

	outcome, err := m.beginLocked(ctx, api, req, notify, log)
	if outcome.Status != models.ImageStatusCreating {
		m.release(ctx, req)
	}
	return outcome, err
}

func (m *Manager) beginLocked(ctx context.Context, api EC2API, req Request, notify Notify, log *zap.Logger) (Outcome, error) {
	// The previous holder may have finished between the first check and the lock.
	if existing, ok, err := m.CheckExisting(ctx, api, req.Version, req.Region); err != nil {
		return m.failed(req, err)
	} else if ok {
		return Outcome{Status: models.ImageStatusSkipped, Ref: existing, Message: "image already cached for " + req.Version}, nil
	}
	pending, ok, err := m.find(ctx, api, req.Version, types.ImageStatePending)
	if err != nil {
		return m.failed(req, err)
	}
	if ok {
		if pending.SourceJobID == req.JobID {
			log.Info("resuming own pending image", zap.String(logging.FieldImageID, pending.ImageID))
			return Outcome{Status: models.ImageStatusCreating, Ref: pending}, nil
		}
		return Outcome{
			Status:  models.ImageStatusSkipped,
			Ref:     pending,
			Message: fmt.Sprintf("image %s for %s is already being created by job %s", pending.ImageID, req.Version, pending.SourceJobID),
		}, nil
	}

	if req.InstanceID == "" {
		return m.failed(req, errors.New("job has no source instance"))
	}
	notify(ctx, models.ImageStatusPending, fmt.Sprintf("No cached image for %s in %s; capturing %s", req.Version, req.Region, req.InstanceID))

	if req.Reboot {
		notify(ctx, models.ImageStatusPending, "Rebooting "+req.InstanceID+" for a consistent filesystem; the application is briefly unavailable")
		err := m.call(ctx, "RebootInstances", func(ctx context.Context) error {
			_, callErr := api.RebootInstances(ctx, &ec2.RebootInstancesInput{InstanceIds: []string{req.InstanceID}})
			return callErr
		})
		if err != nil {
			return m.failed(req, errors.Wrapf(err, "reboot %s", req.InstanceID))
		}
	}

	created := m.now().UTC()
	input := &ec2.CreateImageInput{
		InstanceId:  aws.String(req.InstanceID),
		Name:        aws.String(ImageName(req.Version, req.JobID, created)),
		Description: aws.String(fmt.Sprintf("Golden image of %s built from job %s", req.Version, req.JobID)),
		NoReboot:    aws.Bool(true),
		TagSpecifications: []types.TagSpecification{
			{ResourceType: types.ResourceTypeImage, Tags: m.tags(req, created)},
			{ResourceType: types.ResourceTypeSnapshot, Tags: m.tags(req, created)},
		},
	}
	var out *ec2.CreateImageOutput
	err = m.call(ctx, "CreateImage", func(ctx context.Context) error {
		// The client token makes a retried or redelivered create return the same image.
		input.ClientToken = aws.String(ClientToken(req))
		var callErr error
		out, callErr = api.CreateImage(ctx, input)
		return callErr
	})
	if err != nil {
		return m.failed(req, errors.Wrapf(err, "create image from %s", req.InstanceID))
	}

	ref := Ref{
		ImageID:          aws.ToString(out.ImageId),
		Version:          req.Version,
		State:            string(types.ImageStatePending),
		SourceInstanceID: req.InstanceID,
		SourceJobID:      req.JobID,
		CreatedAt:        created,
	}
	log.Info("image creation started", zap.String(logging.FieldImageID, ref.ImageID))
	return Outcome{Status: models.ImageStatusCreating, Ref: ref}, nil
}

// Poll checks an in-flight image once. A creating outcome means the caller should poll
// again later; completed and failed outcomes release the (version, region) lock.
func (m *Manager) Poll(ctx context.Context, api EC2API, req Request, imageID string, startedAt time.Time) (Outcome, error) {
	if elapsed := m.now().Sub(startedAt); elapsed > m.opts.WaitTimeout {
		m.release(ctx, req)
		return m.failed(req, errors.Newf("image %s not available after %s", imageID, elapsed.Round(time.Second)))
	}

	var out *ec2.DescribeImagesOutput
	err := m.call(ctx, "DescribeImages", func(ctx context.Context) error {
		var callErr error
		out, callErr = api.DescribeImages(ctx, &ec2.DescribeImagesInput{ImageIds: []string{imageID}})
		return callErr
	})
	if err != nil {
		m.release(ctx, req)
		return m.failed(req, errors.Wrapf(err, "describe image %s", imageID))
	}
	if len(out.Images) == 0 {
		m.release(ctx, req)
		return m.failed(req, errors.Newf("image %s no longer exists", imageID))
	}

	img := out.Images[0]
	ref := refFromImage(img)
	switch img.State {
	case types.ImageStateAvailable:
		m.release(ctx, req)
		m.logger.Info("image available",
			zap.String(logging.FieldJobID, req.JobID),
			zap.String(logging.FieldImageID, ref.ImageID),
			zap.Int("size_gb", ref.SizeGB))
		return Outcome{Status: models.ImageStatusCompleted, Ref: ref}, nil
	case types.ImageStatePending, types.ImageStateTransient:
		return Outcome{Status: models.ImageStatusCreating, Ref: ref}, nil
	default:
		m.release(ctx, req)
		reason := string(img.State)
		if img.StateReason != nil && img.StateReason.Message != nil {
			reason += ": " + aws.ToString(img.StateReason.Message)
		}
		res, ferr := m.failed(req, errors.Newf("image %s entered state %s", imageID, reason))
		res.Ref = ref
		return res, ferr
	}
}

// Abandon drops the job's claim without touching the cloud.
func (m *Manager) Abandon(ctx context.Context, req Request) {
	m.release(ctx, req)
}

func (m *Manager) release(ctx context.Context, req Request) {
	if _, err := m.locker.Release(ctx, req.lockName(), req.JobID); err != nil {
		m.logger.Warn("release image lock", zap.String(logging.FieldJobID, req.JobID), zap.Error(err))
	}
}

func (m *Manager) failed(req Request, err error) (Outcome, error) {
	if awsutil.IsPermission(err) {
		err = errors.WithHint(err, "the job's role needs ec2:CreateImage, ec2:CreateTags, and ec2:DescribeImages")
	}
	err = errs.ImageCreation(err)
	m.logger.Warn("image creation failed", zap.String(logging.FieldJobID, req.JobID), zap.Error(err))
	return Outcome{Status: models.ImageStatusFailed, Message: errs.Message(err)}, err
}

func (m *Manager) tags(req Request, created time.Time) []types.Tag {
	kv := [][2]string{
		{"Name", fmt.Sprintf("%s-%s", req.Version, req.JobName)},
		{TagVersion, req.Version},
		{TagSourceInstance, req.InstanceID},
		{TagSourceJob, req.JobID},
		{TagManagedBy, m.opts.Identity},
		{TagAutoCreated, "true"},
		{TagCreatedAt, created.Format(time.RFC3339)},
	}
	tags := make([]types.Tag, 0, len(kv))
	for _, p := range kv {
		tags = append(tags, types.Tag{Key: aws.String(p[0]), Value: aws.String(p[1])})
	}
	return tags
}

var imageNameSanitizer = regexp.MustCompile(`[^A-Za-z0-9()\[\] ./\-'@_]+`)

// ImageName is a catalog-unique, provider-legal image name.
func ImageName(version, jobID string, created time.Time) string {
	short := jobID
	if len(short) > 8 {
		short = short[:8]
	}
	name := fmt.Sprintf("kamiwaza-%s-%s-%s", version, created.UTC().Format("20060102-150405"), short)
	name = imageNameSanitizer.ReplaceAllString(name, "-")
	if len(name) > 128 {
		name = name[:128]
	}
	return name
}

// ClientToken is the idempotency token for one job's image of version in region.
func ClientToken(req Request) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(req.JobID+"/"+req.Version+"/"+req.Region)).String()
}

func refFromImage(img types.Image) Ref {
	ref := Ref{
		ImageID: aws.ToString(img.ImageId),
		State:   string(img.State),
	}
	for _, t := range img.Tags {
		switch aws.ToString(t.Key) {
		case TagVersion:
			ref.Version = aws.ToString(t.Value)
		case TagSourceInstance:
			ref.SourceInstanceID = aws.ToString(t.Value)
		case TagSourceJob:
			ref.SourceJobID = aws.ToString(t.Value)
		}
	}
	ref.CreatedAt, _ = time.Parse(time.RFC3339, aws.ToString(img.CreationDate))
	for _, bdm := range img.BlockDeviceMappings {
		if bdm.Ebs == nil {
			continue
		}
		if id := aws.ToString(bdm.Ebs.SnapshotId); id != "" {
			ref.SnapshotIDs = append(ref.SnapshotIDs, id)
		}
		ref.SizeGB += int(aws.ToInt32(bdm.Ebs.VolumeSize))
	}
	return ref
}

// newest picks the most recently created image; ties break on the larger image id so
// the choice never depends on provider ordering.
func newest(images []types.Image) (types.Image, bool) {
	if len(images) == 0 {
		return types.Image{}, false
	}
	sorted := make([]types.Image, len(images))
	copy(sorted, images)
	sort.Slice(sorted, func(i, j int) bool {
		ti, _ := time.Parse(time.RFC3339, aws.ToString(sorted[i].CreationDate))
		tj, _ := time.Parse(time.RFC3339, aws.ToString(sorted[j].CreationDate))
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return aws.ToString(sorted[i].ImageId) > aws.ToString(sorted[j].ImageId)
	})
	return sorted[0], true
}
