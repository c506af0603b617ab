// package registry encapsulates access to the AWS EC2 image catalog and
// snapshot store, returning entities provided by package model.
package registry

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/ec2"
	"github.com/aws/aws-sdk-go/service/ec2/ec2iface"

	"github.com/99designs/aws-ami-sweeper/model"
)

// Error codes EC2 uses for entities that no longer exist.
const (
	codeSnapshotNotFound = "InvalidSnapshot.NotFound"
	codeImageNotFound    = "InvalidAMIID.NotFound"
)

// type Options configures a Session. Zero values fall back to the SDK's
// environment and shared config.
type Options struct {
	Region     string
	Endpoint   string // overrides the EC2 endpoint, e.g. for a local stub
	MaxRetries int    // SDK-level retries per call; the sweep itself never retries

	// Credentials is used instead of the default provider chain when set.
	Credentials *credentials.Credentials
}

// type Session wraps a configured/authenticated EC2 API session.
type Session struct {
	ec2 ec2iface.EC2API
}

// func NewSession creates a Session from opts.
func NewSession(opts Options) (*Session, error) {
	sess, err := session.NewSession()
	if err != nil {
		return nil, fmt.Errorf("creating AWS session: %w", err)
	}
	conf := aws.NewConfig().WithMaxRetries(opts.MaxRetries)
	if opts.Region != "" {
		conf = conf.WithRegion(opts.Region)
	}
	if opts.Endpoint != "" {
		conf = conf.WithEndpoint(opts.Endpoint)
	}
	if opts.Credentials != nil {
		conf = conf.WithCredentials(opts.Credentials)
	}
	return &Session{ec2: ec2.New(sess, conf)}, nil
}

// func Images returns every image owned by the account that matches all tags.
func (s *Session) Images(ctx context.Context, tags model.Tags) (model.Images, error) {
	var images model.Images
	input := &ec2.DescribeImagesInput{
		Owners:  aws.StringSlice([]string{"self"}),
		Filters: Filters(tags),
	}
	err := s.ec2.DescribeImagesPagesWithContext(ctx, input, func(page *ec2.DescribeImagesOutput, lastPage bool) bool {
		for _, img := range page.Images {
			images = append(images, imageFromAws(img))
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	return images, nil
}

// func DeregisterImage deregisters the image and returns the HTTP status of
// the call.
func (s *Session) DeregisterImage(ctx context.Context, id string) (int, error) {
	req, _ := s.ec2.DeregisterImageRequest(&ec2.DeregisterImageInput{ImageId: aws.String(id)})
	return send(ctx, req, codeImageNotFound)
}

// func DeleteSnapshot deletes the snapshot and returns the HTTP status of the
// call.
func (s *Session) DeleteSnapshot(ctx context.Context, id string) (int, error) {
	req, _ := s.ec2.DeleteSnapshotRequest(&ec2.DeleteSnapshotInput{SnapshotId: aws.String(id)})
	return send(ctx, req, codeSnapshotNotFound)
}

func send(ctx context.Context, req *request.Request, notFoundCode string) (int, error) {
	req.SetContext(ctx)
	err := req.Send()
	status := 0
	if req.HTTPResponse != nil {
		status = req.HTTPResponse.StatusCode
	}
	if aerr, ok := err.(awserr.Error); ok && aerr.Code() == notFoundCode {
		return status, fmt.Errorf("%s: %w", aerr.Message(), model.ErrNotFound)
	}
	return status, err
}

// Filters converts tags into EC2 filters, one per tag. A bare name is taken
// as a tag key; names containing ':' (tag:Env) or known filter names are
// passed through.
func Filters(tags model.Tags) []*ec2.Filter {
	filters := make([]*ec2.Filter, 0, len(tags))
	for _, t := range tags {
		filters = append(filters, &ec2.Filter{
			Name:   aws.String(filterName(t.Name)),
			Values: aws.StringSlice([]string{t.Value}),
		})
	}
	return filters
}

func filterName(name string) string {
	if strings.Contains(name, ":") || name == "tag-key" || name == "tag-value" {
		return name
	}
	return "tag:" + name
}

func imageFromAws(img *ec2.Image) model.Image {
	return model.Image{
		ID:          aws.StringValue(img.ImageId),
		Name:        aws.StringValue(img.Name),
		CreatedAt:   parseCreationDate(aws.StringValue(img.CreationDate)),
		SnapshotIDs: snapshotIDs(img.BlockDeviceMappings),
	}
}

// parseCreationDate returns the zero time for missing or unparseable dates.
func parseCreationDate(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func snapshotIDs(mappings []*ec2.BlockDeviceMapping) []string {
	var ids []string
	for _, m := range mappings {
		if m.Ebs != nil && aws.StringValue(m.Ebs.SnapshotId) != "" {
			ids = append(ids, *m.Ebs.SnapshotId)
		}
	}
	return ids
}
