package store

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	check "github.com/pingcap/check"
)

func Test(t *testing.T) { check.TestingT(t) }

type StoreSuite struct {
	dir string
}

var _ = check.Suite(&StoreSuite{})

func (s *StoreSuite) SetUpTest(c *check.C) {
	dir, err := ioutil.TempDir("", "zp-store-test")
	c.Assert(err, check.IsNil)
	s.dir = dir
}

func (s *StoreSuite) TearDownTest(c *check.C) {
	os.RemoveAll(s.dir)
}

func (s *StoreSuite) openStore(c *check.C, name string, namespaces [][]byte) Store {
	st, err := NewBoltStore(filepath.Join(s.dir, name), namespaces)
	c.Assert(err, check.IsNil)
	return st
}

func (s *StoreSuite) TestPutGetDelete(c *check.C) {
	ns := []byte("t1/0")
	st := s.openStore(c, "a.db", [][]byte{ns})
	defer st.Close()

	c.Assert(st.Put(ns, []byte("k1"), []byte("v1")), check.IsNil)

	v, err := st.Get(ns, []byte("k1"))
	c.Assert(err, check.IsNil)
	c.Assert(string(v), check.Equals, "v1")

	c.Assert(st.Delete(ns, []byte("k1")), check.IsNil)
	_, err = st.Get(ns, []byte("k1"))
	c.Assert(err, check.NotNil)
}

func (s *StoreSuite) TestEnsureNamespaceIsIdempotent(c *check.C) {
	st := s.openStore(c, "b.db", nil)
	defer st.Close()

	ns := []byte("t1/1")
	c.Assert(st.EnsureNamespace(ns), check.IsNil)
	c.Assert(st.EnsureNamespace(ns), check.IsNil)
	c.Assert(st.Put(ns, []byte("k"), []byte("v")), check.IsNil)
}

func (s *StoreSuite) TestCommitBatch(c *check.C) {
	ns := []byte("t1/2")
	st := s.openStore(c, "c.db", [][]byte{ns})
	defer st.Close()

	b := st.NewBatch()
	b.Put([]byte("k1"), []byte("v1"))
	b.Put([]byte("k2"), []byte("v2"))
	b.Delete([]byte("k3"))
	c.Assert(b.Len(), check.Equals, 3)

	c.Assert(st.Commit(ns, b), check.IsNil)

	v, err := st.Get(ns, []byte("k1"))
	c.Assert(err, check.IsNil)
	c.Assert(string(v), check.Equals, "v1")
}

func (s *StoreSuite) TestScanOrdersByKey(c *check.C) {
	ns := []byte("t1/3")
	st := s.openStore(c, "d.db", [][]byte{ns})
	defer st.Close()

	for _, k := range []string{"b", "a", "c"} {
		c.Assert(st.Put(ns, []byte(k), []byte(k)), check.IsNil)
	}

	var seen []string
	err := st.Scan(ns, nil, func(k, v []byte) bool {
		seen = append(seen, string(k))
		return true
	})
	c.Assert(err, check.IsNil)
	c.Assert(seen, check.DeepEquals, []string{"a", "b", "c"})
}

// TestSnapshotRoundtrip exercises the namespace-scoped Snapshot/LoadSnapshot
// pair used to bootstrap a cold follower (spec.md §4.10): only the one
// partition's bucket is dumped, and loading it into a different store's
// namespace reproduces its contents exactly.
func (s *StoreSuite) TestSnapshotRoundtrip(c *check.C) {
	srcNS := []byte("t1/0")
	otherNS := []byte("t1/1")
	src := s.openStore(c, "src.db", [][]byte{srcNS, otherNS})
	defer src.Close()

	c.Assert(src.Put(srcNS, []byte("k1"), []byte("v1")), check.IsNil)
	c.Assert(src.Put(srcNS, []byte("k2"), []byte("v2")), check.IsNil)
	c.Assert(src.Put(otherNS, []byte("other"), []byte("leak")), check.IsNil)

	stageDir := filepath.Join(s.dir, "stage")
	c.Assert(os.MkdirAll(stageDir, 0700), check.IsNil)
	c.Assert(src.Snapshot(srcNS, stageDir), check.IsNil)

	dstNS := []byte("t1/0")
	dst := s.openStore(c, "dst.db", [][]byte{dstNS})
	defer dst.Close()

	// pre-existing data in the destination bucket must be wiped, not merged.
	c.Assert(dst.Put(dstNS, []byte("stale"), []byte("x")), check.IsNil)

	snapshotPath := filepath.Join(stageDir, "snapshot.db")
	c.Assert(dst.LoadSnapshot(dstNS, snapshotPath), check.IsNil)

	v, err := dst.Get(dstNS, []byte("k1"))
	c.Assert(err, check.IsNil)
	c.Assert(string(v), check.Equals, "v1")

	v, err = dst.Get(dstNS, []byte("k2"))
	c.Assert(err, check.IsNil)
	c.Assert(string(v), check.Equals, "v2")

	_, err = dst.Get(dstNS, []byte("stale"))
	c.Assert(err, check.NotNil)

	_, err = dst.Get(dstNS, []byte("other"))
	c.Assert(err, check.NotNil)
}

func (s *StoreSuite) TestSizeReportsNonNegative(c *check.C) {
	ns := []byte("t1/4")
	st := s.openStore(c, "e.db", [][]byte{ns})
	defer st.Close()

	c.Assert(st.Put(ns, []byte("k"), []byte("v")), check.IsNil)

	size, err := st.Size(ns)
	c.Assert(err, check.IsNil)
	c.Assert(size >= 0, check.Equals, true)
}
