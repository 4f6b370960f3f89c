package storage

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/suite"

	"hieradb/internal/model"
)

// EngineLifecycleSuite runs multi-step scenarios against a single database
// file that survives across close/reopen cycles.
type EngineLifecycleSuite struct {
	suite.Suite
	path string
	e    *Engine
}

func TestEngineLifecycleSuite(t *testing.T) {
	suite.Run(t, new(EngineLifecycleSuite))
}

func (s *EngineLifecycleSuite) SetupTest() {
	s.path = filepath.Join(s.T().TempDir(), "lifecycle.db")
	s.open(Options{})
}

func (s *EngineLifecycleSuite) TearDownTest() {
	if s.e != nil {
		s.e.Close()
		s.e = nil
	}
}

func (s *EngineLifecycleSuite) open(opts Options) {
	e, err := Open(s.path, opts)
	s.Require().NoError(err)
	s.e = e
}

func (s *EngineLifecycleSuite) reopen(opts Options) {
	s.Require().NoError(s.e.Close())
	s.e = nil
	s.open(opts)
}

func (s *EngineLifecycleSuite) TestWriteReadReopen() {
	fmt.Println("Testing write/read/reopen lifecycle...")

	s.Require().NoError(s.e.Set("library/books/b1", obj(
		kv("title", str("dune")),
		kv("year", num(1965)),
		kv("inPrint", boolean(true)),
	)))
	s.Require().NoError(s.e.Update("library/books/b1",
		obj(kv("year", num(1966))), UpdateOptions{Merge: true}))

	v, err := s.e.GetValue("library/books/b1", ReadOptions{})
	s.Require().NoError(err)
	s.Require().NotNil(v)
	s.Assert().Equal("dune", childByKey(s.T(), v, "title").Str)
	s.Assert().Equal(float64(1966), childByKey(s.T(), v, "year").Num)

	s.reopen(Options{})

	v, err = s.e.GetValue("library/books/b1", ReadOptions{})
	s.Require().NoError(err)
	s.Require().NotNil(v)
	s.Assert().Equal("dune", childByKey(s.T(), v, "title").Str)
	s.Assert().Equal(float64(1966), childByKey(s.T(), v, "year").Num)
	s.Assert().True(childByKey(s.T(), v, "inPrint").Bool)
}

func (s *EngineLifecycleSuite) TestHeaderGeometryWinsOnReopen() {
	s.reopen(Options{PageSize: 4096, RecordSize: 512})

	opts := DefaultOptions()
	s.Assert().Equal(opts.PageSize, s.e.opts.PageSize)
	s.Assert().Equal(opts.RecordSize, s.e.opts.RecordSize)

	s.Require().NoError(s.e.Set("k", obj(kv("v", num(1)))))
	s.reopen(Options{PageSize: 8192, RecordSize: 64})

	v, err := s.e.GetValue("k/v", ReadOptions{})
	s.Require().NoError(err)
	s.Require().NotNil(v)
	s.Assert().Equal(float64(1), v.Num)
}

func (s *EngineLifecycleSuite) TestRemovePersistsAcrossReopen() {
	s.Require().NoError(s.e.Set("app/sessions/s1", obj(kv("user", str("alice")))))
	s.Require().NoError(s.e.Set("app/settings", obj(kv("theme", str("dark")))))
	s.Require().NoError(s.e.Remove("app/sessions"))

	s.reopen(Options{})

	exists, err := s.e.Exists("app/sessions/s1")
	s.Require().NoError(err)
	s.Assert().False(exists)

	v, err := s.e.GetValue("app/settings/theme", ReadOptions{})
	s.Require().NoError(err)
	s.Require().NotNil(v)
	s.Assert().Equal("dark", v.Str)
}

func (s *EngineLifecycleSuite) TestLargeNodeSurvivesReopen() {
	children := make([]model.Child, 0, 120)
	for i := 0; i < 120; i++ {
		children = append(children, kv(fmt.Sprintf("item%03d", i), num(float64(i))))
	}
	s.Require().NoError(s.e.Set("catalog", &model.Value{
		Type: model.ValueObject, Children: children,
	}))

	s.reopen(Options{})

	var count int
	err := s.e.GetChildren("catalog", nil, func(ni model.NodeInfo) bool {
		count++
		return true
	})
	s.Require().NoError(err)
	s.Assert().Equal(120, count)

	v, err := s.e.GetValue("catalog/item077", ReadOptions{})
	s.Require().NoError(err)
	s.Require().NotNil(v)
	s.Assert().Equal(float64(77), v.Num)
}
