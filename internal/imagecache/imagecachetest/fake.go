// Package imagecachetest provides an in-memory EC2 image catalog for tests.
package imagecachetest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
)

// FakeEC2 implements the image calls of the EC2 client. Images created through it stay
// pending for PendingPolls describe-by-id calls and then become available.
type FakeEC2 struct {
	mu sync.Mutex

	Images       map[string]types.Image
	PendingPolls int
	VolumeSizeGB int32

	CreateCalls   int
	RebootCalls   int
	DescribeCalls int
	CreateInputs  []*ec2.CreateImageInput

	// Errors returned, in order, before the call succeeds.
	CreateErrs   []error
	DescribeErrs []error
	RebootErrs   []error

	polls   map[string]int
	tokens  map[string]string
	counter int
}

// NewFakeEC2 returns an empty catalog.
func NewFakeEC2() *FakeEC2 {
	return &FakeEC2{
		Images:       make(map[string]types.Image),
		VolumeSizeGB: 100,
		polls:        make(map[string]int),
		tokens:       make(map[string]string),
	}
}

// AddImage seeds the catalog.
func (f *FakeEC2) AddImage(id string, state types.ImageState, created time.Time, tags map[string]string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	img := types.Image{
		ImageId:      aws.String(id),
		State:        state,
		CreationDate: aws.String(created.UTC().Format(time.RFC3339)),
	}
	for k, v := range tags {
		img.Tags = append(img.Tags, types.Tag{Key: aws.String(k), Value: aws.String(v)})
	}
	f.Images[id] = img
}

// SetState forces an image into state.
func (f *FakeEC2) SetState(id string, state types.ImageState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	img := f.Images[id]
	img.State = state
	f.Images[id] = img
}

func popErr(errs *[]error) error {
	if len(*errs) == 0 {
		return nil
	}
	err := (*errs)[0]
	*errs = (*errs)[1:]
	return err
}

func (f *FakeEC2) DescribeImages(_ context.Context, in *ec2.DescribeImagesInput, _ ...func(*ec2.Options)) (*ec2.DescribeImagesOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.DescribeCalls++
	if err := popErr(&f.DescribeErrs); err != nil {
		return nil, err
	}

	var out []types.Image
	if len(in.ImageIds) > 0 {
		for _, id := range in.ImageIds {
			img, ok := f.Images[id]
			if !ok {
				continue
			}
			if img.State == types.ImageStatePending {
				f.polls[id]++
				if f.polls[id] > f.PendingPolls {
					img.State = types.ImageStateAvailable
					f.Images[id] = img
				}
			}
			if matches(img, in.Filters) {
				out = append(out, img)
			}
		}
		return &ec2.DescribeImagesOutput{Images: out}, nil
	}
	for _, img := range f.Images {
		if matches(img, in.Filters) {
			out = append(out, img)
		}
	}
	return &ec2.DescribeImagesOutput{Images: out}, nil
}

func matches(img types.Image, filters []types.Filter) bool {
	for _, flt := range filters {
		name := aws.ToString(flt.Name)
		var actual string
		switch {
		case name == "state":
			actual = string(img.State)
		case len(name) > 4 && name[:4] == "tag:":
			actual = tagValue(img.Tags, name[4:])
		default:
			continue
		}
		ok := false
		for _, v := range flt.Values {
			if v == actual {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

func tagValue(tags []types.Tag, key string) string {
	for _, t := range tags {
		if aws.ToString(t.Key) == key {
			return aws.ToString(t.Value)
		}
	}
	return ""
}

func (f *FakeEC2) CreateImage(_ context.Context, in *ec2.CreateImageInput, _ ...func(*ec2.Options)) (*ec2.CreateImageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.CreateCalls++
	f.CreateInputs = append(f.CreateInputs, in)
	if err := popErr(&f.CreateErrs); err != nil {
		return nil, err
	}
	token := aws.ToString(in.ClientToken)
	if id, ok := f.tokens[token]; ok && token != "" {
		return &ec2.CreateImageOutput{ImageId: aws.String(id)}, nil
	}

	f.counter++
	id := fmt.Sprintf("ami-%017x", f.counter)
	img := types.Image{
		ImageId:      aws.String(id),
		Name:         in.Name,
		State:        types.ImageStatePending,
		CreationDate: aws.String(time.Now().UTC().Format(time.RFC3339)),
		BlockDeviceMappings: []types.BlockDeviceMapping{{
			DeviceName: aws.String("/dev/xvda"),
			Ebs: &types.EbsBlockDevice{
				SnapshotId: aws.String(fmt.Sprintf("snap-%017x", f.counter)),
				VolumeSize: aws.Int32(f.VolumeSizeGB),
			},
		}},
	}
	for _, spec := range in.TagSpecifications {
		if spec.ResourceType == types.ResourceTypeImage {
			img.Tags = append(img.Tags, spec.Tags...)
		}
	}
	f.Images[id] = img
	if token != "" {
		f.tokens[token] = id
	}
	return &ec2.CreateImageOutput{ImageId: aws.String(id)}, nil
}

func (f *FakeEC2) RebootInstances(_ context.Context, _ *ec2.RebootInstancesInput, _ ...func(*ec2.Options)) (*ec2.RebootInstancesOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.RebootCalls++
	if err := popErr(&f.RebootErrs); err != nil {
		return nil, err
	}
	return &ec2.RebootInstancesOutput{}, nil
}

// Tag returns the value of key on image id.
func (f *FakeEC2) Tag(id, key string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return tagValue(f.Images[id].Tags, key)
}

// Creates returns how many create calls were issued.
func (f *FakeEC2) Creates() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.CreateCalls
}

// CountInState counts images in state.
func (f *FakeEC2) CountInState(state types.ImageState) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, img := range f.Images {
		if img.State == state {
			n++
		}
	}
	return n
}
