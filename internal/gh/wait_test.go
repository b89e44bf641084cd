package gh

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (s *GHClientSuite) TestWait_OnlineOnFirstPollStopsPolling() {
	s.rest.serveRunnerPages([]Runner{
		{ID: 5, Name: "fresh", Status: StatusOnline, Labels: []RunnerLabel{{Name: "lbl"}}},
	})

	runner, err := s.client.WaitForRunnerRegistered(s.ctx, "lbl")
	require.NoError(s.T(), err)
	assert.Equal(s.T(), int64(5), runner.ID)
	assert.Equal(s.T(), 1, s.rest.callCount("GET", "repos/octocat/hello-world/actions/runners?"))
}

func (s *GHClientSuite) TestWait_OfflineThenOnline() {
	var polls atomic.Int64
	s.rest.handler = func(method, path string, response interface{}) error {
		n := polls.Add(1)
		resp := response.(*RunnersResponse)
		status := StatusOffline
		if n >= 3 {
			status = StatusOnline
		}
		resp.Runners = []Runner{
			{ID: 8, Name: "slow-boot", Status: status, Labels: []RunnerLabel{{Name: "lbl"}}},
		}
		return nil
	}

	runner, err := s.client.WaitForRunnerRegistered(s.ctx, "lbl")
	require.NoError(s.T(), err)
	assert.Equal(s.T(), StatusOnline, runner.Status)
	assert.EqualValues(s.T(), 3, polls.Load())
}

func (s *GHClientSuite) TestWait_NeverOnlineTimesOut() {
	s.rest.serveRunnerPages([]Runner{
		{ID: 6, Name: "stuck", Status: StatusOffline, Labels: []RunnerLabel{{Name: "lbl"}}},
	})

	_, err := s.client.WaitForRunnerRegistered(s.ctx, "lbl")
	require.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "timeout")
	assert.Contains(s.T(), err.Error(), `"lbl"`)

	// At most timeout/interval + 1 checks (150ms / 5ms here).
	maxPolls := int(s.client.registrationTimeout/s.client.pollInterval) + 1
	assert.LessOrEqual(s.T(), s.rest.callCount("GET", "repos/"), maxPolls)
}

func (s *GHClientSuite) TestWait_NotFoundKeepsPolling() {
	// Listing errors collapse to "not found" and the waiter keeps going
	// until its own deadline.
	var polls atomic.Int64
	s.rest.handler = func(method, path string, response interface{}) error {
		n := polls.Add(1)
		resp := response.(*RunnersResponse)
		if n >= 2 {
			resp.Runners = []Runner{
				{ID: 3, Name: "late", Status: StatusOnline, Labels: []RunnerLabel{{Name: "lbl"}}},
			}
		}
		return nil
	}

	runner, err := s.client.WaitForRunnerRegistered(s.ctx, "lbl")
	require.NoError(s.T(), err)
	assert.Equal(s.T(), int64(3), runner.ID)
}

func (s *GHClientSuite) TestWait_ContextCanceled() {
	s.rest.serveRunnerPages(nil)

	ctx, cancel := context.WithTimeout(s.ctx, 20*time.Millisecond)
	defer cancel()

	_, err := s.client.WaitForRunnerRegistered(ctx, "lbl")
	require.Error(s.T(), err)
	assert.ErrorIs(s.T(), err, context.DeadlineExceeded)
}

func (s *GHClientSuite) TestWait_TimeoutMessageNamesConfiguredLimit() {
	s.client.registrationTimeout = 10 * time.Millisecond
	s.rest.serveRunnerPages(nil)

	_, err := s.client.WaitForRunnerRegistered(s.ctx, "lbl")
	require.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "timeout of 0 minutes")
}
