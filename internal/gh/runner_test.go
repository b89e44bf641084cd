package gh

import (
	"fmt"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// makeRunners builds n runners named prefix-0..n-1, each carrying its own
// name as a label.
func makeRunners(prefix string, n int) []Runner {
	runners := make([]Runner, n)
	for i := range runners {
		name := fmt.Sprintf("%s-%d", prefix, i)
		runners[i] = Runner{
			ID:     int64(i + 1),
			Name:   name,
			Status: StatusOnline,
			Labels: []RunnerLabel{{Name: "self-hosted"}, {Name: name}},
		}
	}
	return runners
}

// ---------------------------------------------------------------------------
// Lister tests
// ---------------------------------------------------------------------------

func (s *GHClientSuite) TestListRunners_SingleShortPage() {
	s.rest.serveRunnerPages(makeRunners("a", 3))

	runners, err := s.client.ListRunners(s.ctx)
	require.NoError(s.T(), err)
	assert.Len(s.T(), runners, 3)
	assert.Equal(s.T(), 1, s.rest.callCount("GET", "repos/octocat/hello-world/actions/runners?"))
}

func (s *GHClientSuite) TestListRunners_ExactMultipleNeedsConfirmingPage() {
	// 100, 100, 0: the empty third page terminates pagination.
	s.rest.serveRunnerPages(makeRunners("a", 100), makeRunners("b", 100))

	runners, err := s.client.ListRunners(s.ctx)
	require.NoError(s.T(), err)
	assert.Len(s.T(), runners, 200)
	assert.Equal(s.T(), 3, s.rest.callCount("GET", "repos/octocat/hello-world/actions/runners?"))
}

func (s *GHClientSuite) TestListRunners_StopsOnShortPage() {
	s.rest.serveRunnerPages(makeRunners("a", 100), makeRunners("b", 40))

	runners, err := s.client.ListRunners(s.ctx)
	require.NoError(s.T(), err)
	assert.Len(s.T(), runners, 140)
	assert.Equal(s.T(), 2, s.rest.callCount("GET", "repos/octocat/hello-world/actions/runners?"))
}

func (s *GHClientSuite) TestListRunners_Empty() {
	s.rest.serveRunnerPages()

	runners, err := s.client.ListRunners(s.ctx)
	require.NoError(s.T(), err)
	assert.Empty(s.T(), runners)
}

func (s *GHClientSuite) TestListRunners_Error() {
	s.rest.handler = func(method, path string, response interface{}) error {
		return fmt.Errorf("503 service unavailable")
	}

	_, err := s.client.ListRunners(s.ctx)
	assert.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "list runners")
}

// ---------------------------------------------------------------------------
// Locator tests
// ---------------------------------------------------------------------------

func (s *GHClientSuite) TestGetRunner_Found() {
	s.rest.serveRunnerPages([]Runner{
		{ID: 7, Name: "other", Labels: []RunnerLabel{{Name: "linux"}}},
		{ID: 9, Name: "mine", Labels: []RunnerLabel{{Name: "linux"}, {Name: "wanted"}}},
	})

	runner := s.client.GetRunner(s.ctx, "wanted")
	require.NotNil(s.T(), runner)
	assert.Equal(s.T(), int64(9), runner.ID)
}

func (s *GHClientSuite) TestGetRunner_Absent() {
	s.rest.serveRunnerPages(makeRunners("a", 5))

	assert.Nil(s.T(), s.client.GetRunner(s.ctx, "no-such-label"))
}

func (s *GHClientSuite) TestGetRunner_DuplicateLabelReturnsFirstInListingOrder() {
	s.rest.serveRunnerPages([]Runner{
		{ID: 1, Name: "first", Labels: []RunnerLabel{{Name: "dup"}}},
		{ID: 2, Name: "second", Labels: []RunnerLabel{{Name: "dup"}}},
	})

	runner := s.client.GetRunner(s.ctx, "dup")
	require.NotNil(s.T(), runner)
	assert.Equal(s.T(), int64(1), runner.ID)
}

func (s *GHClientSuite) TestGetRunner_SpansPages() {
	s.rest.serveRunnerPages(makeRunners("a", 100), []Runner{
		{ID: 200, Name: "tail", Labels: []RunnerLabel{{Name: "tail"}}},
	})

	runner := s.client.GetRunner(s.ctx, "tail")
	require.NotNil(s.T(), runner)
	assert.Equal(s.T(), int64(200), runner.ID)
}

func (s *GHClientSuite) TestGetRunner_ListErrorCollapsesToNotFound() {
	s.rest.handler = func(method, path string, response interface{}) error {
		return fmt.Errorf("network down")
	}

	assert.Nil(s.T(), s.client.GetRunner(s.ctx, "anything"))
}

func (s *GHClientSuite) TestRunnerHasLabel_ExactMatchOnly() {
	r := Runner{Labels: []RunnerLabel{{Name: "gpu"}, {Name: "linux-x64"}}}
	assert.True(s.T(), r.HasLabel("gpu"))
	assert.False(s.T(), r.HasLabel("GPU"))
	assert.False(s.T(), r.HasLabel("linux"))
}
