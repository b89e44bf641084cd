package ec2

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsec2 "github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/scotthogan/ec2-github-runner/internal/engine"
)

// ---------------------------------------------------------------------------
// Mock EC2 client (satisfies ec2API)
// ---------------------------------------------------------------------------

type mockEC2Client struct {
	mu sync.Mutex

	runCalls       []*awsec2.RunInstancesInput
	terminateCalls []*awsec2.TerminateInstancesInput

	runErr       error // returned by RunInstances
	terminateErr error // returned by TerminateInstances
	instanceID   string
}

func newMockEC2Client() *mockEC2Client {
	return &mockEC2Client{instanceID: "i-0123456789abcdef0"}
}

func (m *mockEC2Client) RunInstances(_ context.Context, params *awsec2.RunInstancesInput, _ ...func(*awsec2.Options)) (*awsec2.RunInstancesOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.runCalls = append(m.runCalls, params)
	if m.runErr != nil {
		return nil, m.runErr
	}
	return &awsec2.RunInstancesOutput{
		Instances: []ec2types.Instance{{InstanceId: aws.String(m.instanceID)}},
	}, nil
}

func (m *mockEC2Client) TerminateInstances(_ context.Context, params *awsec2.TerminateInstancesInput, _ ...func(*awsec2.Options)) (*awsec2.TerminateInstancesOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.terminateCalls = append(m.terminateCalls, params)
	if m.terminateErr != nil {
		return nil, m.terminateErr
	}
	return &awsec2.TerminateInstancesOutput{}, nil
}

// ---------------------------------------------------------------------------
// Mock waiter (satisfies runningWaiter)
// ---------------------------------------------------------------------------

type mockWaiter struct {
	mu    sync.Mutex
	calls []*awsec2.DescribeInstancesInput
	err   error
}

func (m *mockWaiter) Wait(_ context.Context, params *awsec2.DescribeInstancesInput, _ time.Duration, _ ...func(*awsec2.InstanceRunningWaiterOptions)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, params)
	return m.err
}

// ---------------------------------------------------------------------------
// Test suite
// ---------------------------------------------------------------------------

type EC2EngineSuite struct {
	suite.Suite
	ctx    context.Context
	client *mockEC2Client
	waiter *mockWaiter
	logger *slog.Logger
	cfg    Config
}

func (s *EC2EngineSuite) SetupTest() {
	s.ctx = context.Background()
	s.client = newMockEC2Client()
	s.waiter = &mockWaiter{}
	s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	s.cfg = Config{
		Region:       "us-east-1",
		ImageID:      "ami-1234567890abcdef0",
		InstanceType: "t3.micro",
	}
}

func (s *EC2EngineSuite) newEngine() *Engine {
	return newEngine(s.client, s.waiter, s.cfg, s.logger)
}

func TestEC2EngineSuite(t *testing.T) {
	suite.Run(t, new(EC2EngineSuite))
}

func (s *EC2EngineSuite) spec() engine.StartSpec {
	return engine.StartSpec{
		Name:              "runner-ab12cd34",
		Label:             "ab12cd34",
		RegistrationToken: "AABBCC",
		RepoURL:           "https://github.com/octocat/hello-world",
	}
}

// ---------------------------------------------------------------------------
// StartInstance tests
// ---------------------------------------------------------------------------

func (s *EC2EngineSuite) TestStartInstance_Success() {
	e := s.newEngine()

	id, err := e.StartInstance(s.ctx, s.spec())
	require.NoError(s.T(), err)
	assert.Equal(s.T(), "i-0123456789abcdef0", id)

	require.Len(s.T(), s.client.runCalls, 1)
	req := s.client.runCalls[0]
	assert.Equal(s.T(), "ami-1234567890abcdef0", aws.ToString(req.ImageId))
	assert.Equal(s.T(), ec2types.InstanceType("t3.micro"), req.InstanceType)
	assert.EqualValues(s.T(), 1, aws.ToInt32(req.MinCount))
	assert.EqualValues(s.T(), 1, aws.ToInt32(req.MaxCount))

	// The waiter must have been asked about the launched instance.
	require.Len(s.T(), s.waiter.calls, 1)
	assert.Equal(s.T(), []string{id}, s.waiter.calls[0].InstanceIds)
}

func (s *EC2EngineSuite) TestStartInstance_UserDataRegistersRunner() {
	e := s.newEngine()

	_, err := e.StartInstance(s.ctx, s.spec())
	require.NoError(s.T(), err)

	decoded, err := base64.StdEncoding.DecodeString(aws.ToString(s.client.runCalls[0].UserData))
	require.NoError(s.T(), err)

	script := string(decoded)
	assert.Contains(s.T(), script, `--token "AABBCC"`)
	assert.Contains(s.T(), script, `--labels "ab12cd34"`)
	assert.Contains(s.T(), script, `--url "https://github.com/octocat/hello-world"`)
}

func (s *EC2EngineSuite) TestStartInstance_NetworkAndProfile() {
	s.cfg.SubnetID = "subnet-0a1b2c3d"
	s.cfg.SecurityGroupID = "sg-0a1b2c3d"
	s.cfg.IAMRoleName = "runner-profile"
	e := s.newEngine()

	_, err := e.StartInstance(s.ctx, s.spec())
	require.NoError(s.T(), err)

	req := s.client.runCalls[0]
	assert.Equal(s.T(), "subnet-0a1b2c3d", aws.ToString(req.SubnetId))
	assert.Equal(s.T(), []string{"sg-0a1b2c3d"}, req.SecurityGroupIds)
	require.NotNil(s.T(), req.IamInstanceProfile)
	assert.Equal(s.T(), "runner-profile", aws.ToString(req.IamInstanceProfile.Name))
}

func (s *EC2EngineSuite) TestStartInstance_Tags() {
	s.cfg.Tags = map[string]string{"team": "ci"}
	e := s.newEngine()

	_, err := e.StartInstance(s.ctx, s.spec())
	require.NoError(s.T(), err)

	req := s.client.runCalls[0]
	require.Len(s.T(), req.TagSpecifications, 1)
	spec := req.TagSpecifications[0]
	assert.Equal(s.T(), ec2types.ResourceTypeInstance, spec.ResourceType)

	tags := map[string]string{}
	for _, t := range spec.Tags {
		tags[aws.ToString(t.Key)] = aws.ToString(t.Value)
	}
	assert.Equal(s.T(), "runner-ab12cd34", tags["Name"])
	assert.Equal(s.T(), "ci", tags["team"])
}

func (s *EC2EngineSuite) TestStartInstance_RunError() {
	s.client.runErr = fmt.Errorf("InsufficientInstanceCapacity")
	e := s.newEngine()

	_, err := e.StartInstance(s.ctx, s.spec())
	assert.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "InsufficientInstanceCapacity")
	assert.Empty(s.T(), s.waiter.calls)
}

func (s *EC2EngineSuite) TestStartInstance_WaiterError() {
	s.waiter.err = fmt.Errorf("exceeded max wait time")
	e := s.newEngine()

	_, err := e.StartInstance(s.ctx, s.spec())
	assert.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "exceeded max wait time")
}

// ---------------------------------------------------------------------------
// TerminateInstance tests
// ---------------------------------------------------------------------------

func (s *EC2EngineSuite) TestTerminateInstance_Success() {
	e := s.newEngine()

	err := e.TerminateInstance(s.ctx, "i-dead")
	require.NoError(s.T(), err)

	require.Len(s.T(), s.client.terminateCalls, 1)
	assert.Equal(s.T(), []string{"i-dead"}, s.client.terminateCalls[0].InstanceIds)
}

func (s *EC2EngineSuite) TestTerminateInstance_Idempotent() {
	s.client.terminateErr = fmt.Errorf("operation error EC2: TerminateInstances, api error InvalidInstanceID.NotFound: The instance ID 'i-gone' does not exist")
	e := s.newEngine()

	err := e.TerminateInstance(s.ctx, "i-gone")
	require.NoError(s.T(), err, "NotFound on terminate should be treated as success")
}

func (s *EC2EngineSuite) TestTerminateInstance_OtherErrorIsFatal() {
	s.client.terminateErr = fmt.Errorf("api error UnauthorizedOperation")
	e := s.newEngine()

	err := e.TerminateInstance(s.ctx, "i-dead")
	assert.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "UnauthorizedOperation")
}

// ---------------------------------------------------------------------------
// Defaults
// ---------------------------------------------------------------------------

func (s *EC2EngineSuite) TestDefaults() {
	e := newEngine(s.client, s.waiter, Config{ImageID: "ami-x"}, s.logger)
	assert.Equal(s.T(), "t3.micro", e.cfg.InstanceType)
	assert.Equal(s.T(), 5*time.Minute, e.cfg.StartTimeout)
}
