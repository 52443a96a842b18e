package driver

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAllocateAndRefCounts(t *testing.T) {
	e := newTestExecutor(t)

	h := e.Allocate(16)
	require.Equal(t, 1, e.NumAllocations())

	data, err := e.ReadBuffer(h)
	require.NoError(t, err)
	require.Equal(t, make([]byte, 16), data)

	require.NoError(t, e.Retain(h))
	require.NoError(t, e.Deallocate(h))
	require.Equal(t, 1, e.NumAllocations())
	require.NoError(t, e.Deallocate(h))
	require.Equal(t, 0, e.NumAllocations())

	require.Error(t, e.Deallocate(h))
	require.Error(t, e.Retain(h))
}

func TestReadWriteBuffer(t *testing.T) {
	e := newTestExecutor(t)
	h := e.Allocate(4)

	require.NoError(t, e.WriteBuffer(h, []byte{1, 2, 3, 4}))
	data, err := e.ReadBuffer(h)
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3, 4}, data)

	require.Error(t, e.WriteBuffer(h, make([]byte, 5)))

	_, err = e.ReadBuffer(Handle(12345))
	require.Equal(t, ClassInvalidArgument, ClassOf(err))
}

func TestSubBuffer(t *testing.T) {
	e := newTestExecutor(t)
	h := e.Allocate(8)
	require.NoError(t, e.WriteBuffer(h, []byte{1, 2, 3, 4, 5, 6, 7, 8}))

	view, err := e.SubBuffer(h, 2, 4)
	require.NoError(t, err)
	data, err := e.ReadBuffer(view)
	require.NoError(t, err)
	require.Equal(t, []byte{3, 4, 5, 6}, data)

	// Writes through the view land in the parent.
	require.NoError(t, e.WriteBuffer(view, []byte{9, 9}))
	data, err = e.ReadBuffer(h)
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 9, 9, 5, 6, 7, 8}, data)

	// Views of views resolve against the root allocation.
	nested, err := e.SubBuffer(view, 1, 2)
	require.NoError(t, err)
	data, err = e.ReadBuffer(nested)
	require.NoError(t, err)
	require.Equal(t, []byte{9, 5}, data)

	_, err = e.SubBuffer(h, 6, 4)
	require.Equal(t, ClassInvalidArgument, ClassOf(err))

	// Views don't own the allocation.
	require.NoError(t, e.Deallocate(view))
	require.Equal(t, 1, e.NumAllocations())
}

func TestViewsReclaimedWithParent(t *testing.T) {
	e := newTestExecutor(t)
	h := e.Allocate(8)
	view, err := e.SubBuffer(h, 0, 4)
	require.NoError(t, err)
	nested, err := e.SubBuffer(view, 0, 2)
	require.NoError(t, err)
	require.Len(t, e.views, 2)

	// Freeing the allocation drops its views with it.
	require.NoError(t, e.Deallocate(h))
	require.Empty(t, e.views)
	_, err = e.ReadBuffer(view)
	require.Equal(t, ClassInvalidArgument, ClassOf(err))
	_, err = e.ReadBuffer(nested)
	require.Equal(t, ClassInvalidArgument, ClassOf(err))
}

func TestTupleElements(t *testing.T) {
	e := newTestExecutor(t)
	first := e.Allocate(4)
	second := e.Allocate(4)

	tuple := e.Allocate(2 * tupleEntrySize)
	payload := make([]byte, 2*tupleEntrySize)
	putTupleElement(payload, 0, first)
	putTupleElement(payload, 1, second)
	require.NoError(t, e.WriteBuffer(tuple, payload))

	got, err := e.TupleElement(tuple, 0)
	require.NoError(t, err)
	require.Equal(t, first, got)
	got, err = e.TupleElement(tuple, 1)
	require.NoError(t, err)
	require.Equal(t, second, got)

	_, err = e.TupleElement(tuple, 2)
	require.Equal(t, ClassInvalidArgument, ClassOf(err))
	_, err = e.TupleElement(tuple, -1)
	require.Error(t, err)
}
