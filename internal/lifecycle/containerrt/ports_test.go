package containerrt_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cortexd/cortex/internal/lifecycle/containerrt"
)

func TestPortAllocatorExhaustsRange(t *testing.T) {
	pa := containerrt.NewPortAllocator(9000, 9002)

	p1, ok := pa.Allocate()
	require := assert.New(t)
	require.True(ok)
	p2, ok := pa.Allocate()
	require.True(ok)
	p3, ok := pa.Allocate()
	require.True(ok)
	require.ElementsMatch([]int{9000, 9001, 9002}, []int{p1, p2, p3})

	_, ok = pa.Allocate()
	require.False(ok, "range should be exhausted")
}

func TestPortAllocatorReuseAfterRelease(t *testing.T) {
	pa := containerrt.NewPortAllocator(9000, 9000)

	p1, ok := pa.Allocate()
	assert.True(t, ok)
	assert.Equal(t, 9000, p1)

	_, ok = pa.Allocate()
	assert.False(t, ok)

	pa.Release(p1)
	p2, ok := pa.Allocate()
	assert.True(t, ok)
	assert.Equal(t, 9000, p2)
}
