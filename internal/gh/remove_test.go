package gh

import (
	"fmt"
	"strings"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (s *GHClientSuite) TestRemoveRunner_NotFoundIsSuccess() {
	s.rest.serveRunnerPages(makeRunners("a", 2))

	err := s.client.RemoveRunner(s.ctx, "never-registered")
	require.NoError(s.T(), err)
	assert.Equal(s.T(), 0, s.rest.callCount("DELETE", "repos/"))
}

func (s *GHClientSuite) TestRemoveRunner_ListErrorIsSuccess() {
	s.rest.handler = func(method, path string, response interface{}) error {
		return fmt.Errorf("500 internal server error")
	}

	// Discovery failure collapses to "not found": teardown still succeeds.
	err := s.client.RemoveRunner(s.ctx, "ghost")
	require.NoError(s.T(), err)
	assert.Equal(s.T(), 0, s.rest.callCount("DELETE", "repos/"))
}

func (s *GHClientSuite) TestRemoveRunner_DeletesById() {
	s.rest.serveRunnerPages([]Runner{
		{ID: 41, Name: "other", Labels: []RunnerLabel{{Name: "other"}}},
		{ID: 42, Name: "target", Labels: []RunnerLabel{{Name: "doomed"}}},
	})

	err := s.client.RemoveRunner(s.ctx, "doomed")
	require.NoError(s.T(), err)

	deletes := 0
	for _, c := range s.rest.getCalls() {
		if c.method == "DELETE" {
			deletes++
			assert.Equal(s.T(), "repos/octocat/hello-world/actions/runners/42", c.path)
		}
	}
	assert.Equal(s.T(), 1, deletes)
}

func (s *GHClientSuite) TestRemoveRunner_DeleteErrorIsFatal() {
	s.rest.handler = func(method, path string, response interface{}) error {
		switch {
		case method == "GET":
			resp := response.(*RunnersResponse)
			resp.Runners = []Runner{
				{ID: 13, Name: "stuck", Labels: []RunnerLabel{{Name: "stuck"}}},
			}
			return nil
		case method == "DELETE" && strings.HasSuffix(path, "/13"):
			return fmt.Errorf("403 forbidden")
		default:
			return nil
		}
	}

	err := s.client.RemoveRunner(s.ctx, "stuck")
	assert.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "remove runner 13")
	assert.Equal(s.T(), 1, s.logs.errorCount())
}
