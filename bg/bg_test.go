package bg

import (
	"sync"
	"testing"
	"time"

	check "github.com/pingcap/check"
)

func Test(t *testing.T) { check.TestingT(t) }

type BgSuite struct{}

var _ = check.Suite(&BgSuite{})

func (s *BgSuite) TestTasksRunInOrderOnOneWorker(c *check.C) {
	q := New("test")
	defer q.Close()

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup

	for i := 0; i < 5; i++ {
		i := i
		wg.Add(1)
		q.Schedule(func() {
			defer wg.Done()
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		})
	}

	wg.Wait()
	c.Assert(order, check.DeepEquals, []int{0, 1, 2, 3, 4})
}

func (s *BgSuite) TestPanicInTaskDoesNotKillWorker(c *check.C) {
	q := New("test")
	defer q.Close()

	done := make(chan struct{})
	q.Schedule(func() { panic("boom") })
	q.Schedule(func() { close(done) })

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		c.Fatal("worker did not recover from panic")
	}
}
