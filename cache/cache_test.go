package cache

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type recordingOps struct {
	cleaned, invalidated, cleanInvalidated []uintptr
	cleanAll, invalidateAll, cleanInvAll   int
	barriers                               int
}

func (r *recordingOps) CleanByAddr(addr uintptr)      { r.cleaned = append(r.cleaned, addr) }
func (r *recordingOps) InvalidateByAddr(addr uintptr) { r.invalidated = append(r.invalidated, addr) }
func (r *recordingOps) CleanInvalidateByAddr(addr uintptr) {
	r.cleanInvalidated = append(r.cleanInvalidated, addr)
}
func (r *recordingOps) CleanAll()           { r.cleanAll++ }
func (r *recordingOps) InvalidateAll()      { r.invalidateAll++ }
func (r *recordingOps) CleanInvalidateAll() { r.cleanInvAll++ }
func (r *recordingOps) Barrier()            { r.barriers++ }

func TestCleanRoundsToLineBoundaries(t *testing.T) {
	ops := &recordingOps{}
	c := New(ops, 32)

	c.Clean(40, 20) // [40, 60) lies inside the single line 32..<64
	require.Equal(t, []uintptr{32}, ops.cleaned)
	require.Equal(t, 1, ops.barriers)

	ops.cleaned = nil
	c.Clean(60, 10) // [60, 70) spans the 32 and 64 line
	require.Equal(t, []uintptr{32, 64}, ops.cleaned)
}

func TestInvalidateAndCleanInvalidateIndependent(t *testing.T) {
	ops := &recordingOps{}
	c := New(ops, 32)

	c.Invalidate(0, 512)
	require.Len(t, ops.invalidated, 16) // 512 bytes / 32-byte lines
	require.Empty(t, ops.cleaned)

	c.CleanInvalidate(0, 32)
	require.Equal(t, []uintptr{0}, ops.cleanInvalidated)
}

func TestZeroSizeIsNoop(t *testing.T) {
	ops := &recordingOps{}
	c := New(ops, 32)
	c.Clean(128, 0)
	require.Empty(t, ops.cleaned)
	require.Zero(t, ops.barriers)
}

func TestWholeCacheOps(t *testing.T) {
	ops := &recordingOps{}
	c := New(ops, 32)

	c.CleanAll()
	c.InvalidateAll()
	c.CleanInvalidateAll()

	require.Equal(t, 1, ops.cleanAll)
	require.Equal(t, 1, ops.invalidateAll)
	require.Equal(t, 1, ops.cleanInvAll)
	require.Equal(t, 3, ops.barriers)
}

func TestDefaultLineSize(t *testing.T) {
	ops := &recordingOps{}
	c := New(ops, 0)
	require.Equal(t, uintptr(DefaultLineSize), c.lineSize)
}

func TestNewPanicsOnBadLineSize(t *testing.T) {
	require.Panics(t, func() { New(&recordingOps{}, 3) })
	require.Panics(t, func() { New(nil, 32) })
}

func TestNoopOpsIsUsable(t *testing.T) {
	c := New(NoopOps{}, 32)
	c.Clean(0, 512)
	c.Invalidate(0, 512)
	c.CleanInvalidate(0, 512)
	c.CleanAll()
	c.InvalidateAll()
	c.CleanInvalidateAll()
}
