// Package ec2 implements the engine.Engine interface using AWS EC2 to
// run an ephemeral GitHub Actions runner as a virtual machine.
//
// Authentication uses the default AWS credential chain (environment,
// shared config, instance profile); no credential fields exist in Config.
package ec2

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsec2 "github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/scotthogan/ec2-github-runner/internal/engine"
)

// Config holds EC2-specific engine settings.
type Config struct {
	// Region is the AWS region.  If empty, the default credential chain
	// region (AWS_REGION, shared config) is used.
	Region string

	// ImageID is the AMI the runner instance boots from (required).
	ImageID string

	// InstanceType is the EC2 instance type.  Default: "t3.micro".
	InstanceType string

	// SubnetID places the instance in a specific subnet (optional).
	SubnetID string

	// SecurityGroupID attaches a security group (optional).
	SecurityGroupID string

	// IAMRoleName is the instance profile name attached to the runner
	// instance (optional).
	IAMRoleName string

	// Tags are applied to the instance in addition to the Name tag.
	Tags map[string]string

	// StartTimeout bounds how long StartInstance waits for the instance
	// to reach the running state.  Default: 5m.
	StartTimeout time.Duration
}

// ec2API is the slice of the EC2 client this engine needs.  Tests
// substitute a mock; production code passes *ec2.Client.
type ec2API interface {
	RunInstances(ctx context.Context, params *awsec2.RunInstancesInput, optFns ...func(*awsec2.Options)) (*awsec2.RunInstancesOutput, error)
	TerminateInstances(ctx context.Context, params *awsec2.TerminateInstancesInput, optFns ...func(*awsec2.Options)) (*awsec2.TerminateInstancesOutput, error)
}

// runningWaiter blocks until an instance reaches the running state.
type runningWaiter interface {
	Wait(ctx context.Context, params *awsec2.DescribeInstancesInput, maxWaitDur time.Duration, optFns ...func(*awsec2.InstanceRunningWaiterOptions)) error
}

// Engine manages a GitHub Actions runner as an EC2 instance.
type Engine struct {
	client ec2API
	waiter runningWaiter
	cfg    Config
	logger *slog.Logger

	tracer trace.Tracer
}

// Compile-time check that Engine satisfies the engine.Engine interface.
var _ engine.Engine = (*Engine)(nil)

// New creates an EC2 engine using the default AWS credential chain.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Engine, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("aws config: %w", err)
	}

	client := awsec2.NewFromConfig(awsCfg)

	logger.Info("ec2 engine initialized",
		slog.String("region", awsCfg.Region),
		slog.String("image_id", cfg.ImageID),
		slog.String("instance_type", cfg.InstanceType),
	)

	return newEngine(client, awsec2.NewInstanceRunningWaiter(client), cfg, logger), nil
}

// newEngine wires an Engine around existing API seams.  Split out so
// tests can inject mocks.
func newEngine(client ec2API, waiter runningWaiter, cfg Config, logger *slog.Logger) *Engine {
	if cfg.InstanceType == "" {
		cfg.InstanceType = "t3.micro"
	}
	if cfg.StartTimeout == 0 {
		cfg.StartTimeout = 5 * time.Minute
	}

	return &Engine{
		client: client,
		waiter: waiter,
		cfg:    cfg,
		logger: logger,
		tracer: otel.Tracer("ec2-github-runner/engine/ec2"),
	}
}

// StartInstance launches an EC2 instance whose user data registers it as
// a self-hosted runner, then waits for it to reach the running state.
func (e *Engine) StartInstance(ctx context.Context, spec engine.StartSpec) (string, error) {
	ctx, span := e.tracer.Start(ctx, "engine.ec2.StartInstance")
	defer span.End()

	span.SetAttributes(
		attribute.String("runner.name", spec.Name),
		attribute.String("aws.image_id", e.cfg.ImageID),
		attribute.String("aws.instance_type", e.cfg.InstanceType),
	)

	userData, err := engine.BootScriptBase64(spec)
	if err != nil {
		return "", err
	}

	input := &awsec2.RunInstancesInput{
		ImageId:           aws.String(e.cfg.ImageID),
		InstanceType:      ec2types.InstanceType(e.cfg.InstanceType),
		MinCount:          aws.Int32(1),
		MaxCount:          aws.Int32(1),
		UserData:          aws.String(userData),
		TagSpecifications: e.tagSpecifications(spec.Name),
	}
	if e.cfg.SubnetID != "" {
		input.SubnetId = aws.String(e.cfg.SubnetID)
	}
	if e.cfg.SecurityGroupID != "" {
		input.SecurityGroupIds = []string{e.cfg.SecurityGroupID}
	}
	if e.cfg.IAMRoleName != "" {
		input.IamInstanceProfile = &ec2types.IamInstanceProfileSpecification{
			Name: aws.String(e.cfg.IAMRoleName),
		}
	}

	e.logger.Info("launching runner instance",
		slog.String("name", spec.Name),
		slog.String("image_id", e.cfg.ImageID),
		slog.String("instance_type", e.cfg.InstanceType),
	)

	out, err := e.client.RunInstances(ctx, input)
	if err != nil {
		return "", fmt.Errorf("run instances: %w", err)
	}
	if len(out.Instances) == 0 {
		return "", fmt.Errorf("run instances: no instance returned")
	}

	id := aws.ToString(out.Instances[0].InstanceId)
	span.SetAttributes(attribute.String("aws.instance_id", id))

	span.AddEvent("waiting for instance running state")
	err = e.waiter.Wait(ctx, &awsec2.DescribeInstancesInput{
		InstanceIds: []string{id},
	}, e.cfg.StartTimeout)
	if err != nil {
		return "", fmt.Errorf("waiting for instance %s to run: %w", id, err)
	}

	e.logger.Info("runner instance running",
		slog.String("name", spec.Name),
		slog.String("instance_id", id),
	)
	return id, nil
}

// TerminateInstance permanently terminates the instance identified by id.
// It is idempotent: terminating an unknown or already-terminated instance
// is not an error.
func (e *Engine) TerminateInstance(ctx context.Context, id string) error {
	ctx, span := e.tracer.Start(ctx, "engine.ec2.TerminateInstance")
	defer span.End()

	span.SetAttributes(attribute.String("aws.instance_id", id))

	e.logger.Info("terminating runner instance", slog.String("instance_id", id))

	_, err := e.client.TerminateInstances(ctx, &awsec2.TerminateInstancesInput{
		InstanceIds: []string{id},
	})
	if err != nil {
		if isNotFound(err) {
			span.AddEvent("instance already terminated (idempotent)")
			e.logger.Info("runner instance already gone", slog.String("instance_id", id))
			return nil
		}
		return fmt.Errorf("terminate instance %s: %w", id, err)
	}

	e.logger.Info("runner instance terminated", slog.String("instance_id", id))
	return nil
}

// tagSpecifications builds the instance tags: the configured tag set plus
// a Name tag from the runner name.
func (e *Engine) tagSpecifications(name string) []ec2types.TagSpecification {
	tags := []ec2types.Tag{
		{Key: aws.String("Name"), Value: aws.String(name)},
	}
	for k, v := range e.cfg.Tags {
		tags = append(tags, ec2types.Tag{Key: aws.String(k), Value: aws.String(v)})
	}

	return []ec2types.TagSpecification{
		{
			ResourceType: ec2types.ResourceTypeInstance,
			Tags:         tags,
		},
	}
}

// isNotFound reports whether err is an "instance does not exist" error
// from the EC2 API.
func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	// The SDK surfaces API error codes in the error string; matching on
	// the code survives wrapping layers.
	return strings.Contains(err.Error(), "InvalidInstanceID.NotFound")
}
